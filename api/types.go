package api

// =============================================================================
// 查询请求类型
// =============================================================================

// QueryRequest 问答请求。
// @Description 问答请求结构
type QueryRequest struct {
	// 用户问题
	Query string `json:"query" example:"What was Q3 2023 revenue?" binding:"required"`
	// 调用者身份与租户
	UserContext UserContext `json:"userContext"`
	// 检索数量（0 使用服务端默认值）
	TopK int `json:"topK,omitempty" example:"8"`
	// 限定文档
	DocumentIDs []string `json:"documentIds,omitempty"`
	// 章节过滤，any 与 prefix 二选一
	SectionPath *SectionPathFilter `json:"sectionPath,omitempty"`
	// 合成选项
	SynthesisOptions *SynthesisOptions `json:"synthesisOptions,omitempty"`
	// 是否返回阶段耗时
	IncludeMetrics bool `json:"includeMetrics,omitempty"`
	// 是否返回状态轨迹
	IncludeDebugInfo bool `json:"includeDebugInfo,omitempty"`
}

// UserContext 调用者上下文。
// @Description 用户上下文
type UserContext struct {
	ID       string   `json:"id,omitempty" example:"user-1"`
	TenantID string   `json:"tenantId" example:"acme"`
	GroupIDs []string `json:"groupIds,omitempty"`
	Language string   `json:"language,omitempty" example:"en"`
}

// SectionPathFilter 章节过滤：any 匹配包含任一段的路径，prefix 匹配以给定段开头的路径。
// @Description 章节过滤
type SectionPathFilter struct {
	Any    []string `json:"any,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
}

// SynthesisOptions 合成选项。
// @Description 合成选项
type SynthesisOptions struct {
	// 是否返回引用（默认 true）
	IncludeCitations *bool `json:"includeCitations,omitempty"`
	// 答案格式：text、markdown、bullets
	AnswerFormat string `json:"answerFormat,omitempty" example:"text"`
	// 上下文预算（0 使用服务端默认值）
	MaxContextLength int `json:"maxContextLength,omitempty" example:"6000"`
}

// =============================================================================
// 查询响应类型
// =============================================================================

// QueryResponse 问答响应。
// @Description 问答响应结构
type QueryResponse struct {
	Answer             string              `json:"answer"`
	RetrievedDocuments []RetrievedDocument `json:"retrievedDocuments"`
	Citations          []Citation          `json:"citations"`
	QueryID            string              `json:"queryId"`
	GuardrailDecision  GuardrailDecision   `json:"guardrailDecision"`
	SynthesisMetadata  *SynthesisMetadata  `json:"synthesisMetadata,omitempty"`
	Metrics            *QueryMetrics       `json:"metrics,omitempty"`
	DebugInfo          *DebugInfo          `json:"debugInfo,omitempty"`
	Cached             bool                `json:"cached,omitempty"`
}

// RetrievedDocument 进入上下文的证据块。
// @Description 检索证据
type RetrievedDocument struct {
	ChunkID     string   `json:"chunkId"`
	DocumentID  string   `json:"documentId"`
	SectionPath []string `json:"sectionPath"`
	Content     string   `json:"content"`
	Score       float64  `json:"score"`
}

// Citation 答案中的引用标记 [marker] 及其来源。
// @Description 引用
type Citation struct {
	Marker      int      `json:"marker"`
	ChunkID     string   `json:"chunkId"`
	DocumentID  string   `json:"documentId"`
	SectionPath []string `json:"sectionPath"`
}

// GuardrailDecision 可回答性判定。
// @Description 判定结果
type GuardrailDecision struct {
	Answerable    bool    `json:"answerable"`
	Confidence    float64 `json:"confidence"`
	Reason        string  `json:"reason" example:"sufficient_evidence"`
	EvidenceCount int     `json:"evidenceCount"`
	Threshold     float64 `json:"threshold"`
}

// SynthesisMetadata 合成元数据。
// @Description 合成元数据
type SynthesisMetadata struct {
	ModelUsed    string `json:"modelUsed"`
	TokensUsed   int    `json:"tokensUsed"`
	LLMProvider  string `json:"llmProvider"`
	FinishReason string `json:"finishReason,omitempty"`
}

// QueryMetrics 阶段耗时（毫秒）。
// @Description 阶段耗时
type QueryMetrics struct {
	TotalDuration   float64 `json:"totalDuration"`
	RetrievalTime   float64 `json:"retrievalTime"`
	AggregationTime float64 `json:"aggregationTime"`
	GuardrailTime   float64 `json:"guardrailTime"`
	SynthesisTime   float64 `json:"synthesisTime"`
}

// DebugInfo 调试信息。
// @Description 调试信息
type DebugInfo struct {
	States []string `json:"states"`
}

// =============================================================================
// 流式事件类型
// =============================================================================

// StreamChunk chunk 事件负载。
type StreamChunk struct {
	Delta string `json:"delta"`
}

// StreamCitations citations 事件负载。
type StreamCitations struct {
	Citations []Citation `json:"citations"`
}

// StreamMetadata metadata 事件负载。
type StreamMetadata struct {
	ModelUsed   string `json:"modelUsed,omitempty"`
	LLMProvider string `json:"llmProvider,omitempty"`
	TokensUsed  int    `json:"tokensUsed,omitempty"`
	Chunks      int    `json:"chunks"`
}

// StreamCompleted response_completed 事件负载。
type StreamCompleted struct {
	Answer            string             `json:"answer"`
	Citations         []Citation         `json:"citations"`
	SynthesisMetadata *SynthesisMetadata `json:"synthesisMetadata,omitempty"`
}

// WSMessage WebSocket 帧：与 SSE 使用同一套事件类型。
type WSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// =============================================================================
// 错误类型
// =============================================================================

// ErrorDetail 错误详情。
// @Description 错误详情
type ErrorDetail struct {
	Code      string `json:"code" example:"RETRIEVAL_TIMEOUT"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}
