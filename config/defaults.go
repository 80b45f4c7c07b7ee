// =============================================================================
// 📦 citerag 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:     DefaultServerConfig(),
		Retrieval:  DefaultRetrievalConfig(),
		Qdrant:     DefaultQdrantConfig(),
		Embedding:  DefaultEmbeddingConfig(),
		Aggregator: DefaultAggregatorConfig(),
		Guardrail:  DefaultGuardrailConfig(),
		LLM:        DefaultLLMConfig(),
		Cache:      DefaultCacheConfig(),
		Audit:      DefaultAuditConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    20,
		RateLimitBurst:  40,
	}
}

// DefaultRetrievalConfig 返回默认检索配置
func DefaultRetrievalConfig() RetrievalConfig {
	return RetrievalConfig{
		Backend:        "qdrant",
		DefaultTopK:    8,
		MaxTopK:        50,
		Timeout:        5 * time.Second,
		MaxRetries:     1,
		RetryBackoff:   200 * time.Millisecond,
		ExpandSections: false,
		ExpandHits:     2,
		ExpandLimit:    4,
	}
}

// DefaultQdrantConfig 返回默认 Qdrant 配置
func DefaultQdrantConfig() QdrantConfig {
	return QdrantConfig{
		Host:           "localhost",
		Port:           6333,
		Collection:     "citerag_chunks",
		PrefixStrategy: "keyword",
		OverFetch:      4,
		Fields:         DefaultPayloadFields(),
	}
}

// DefaultPayloadFields 返回默认 payload 字段名
func DefaultPayloadFields() PayloadFields {
	return PayloadFields{
		Tenant:          "tenant",
		DocID:           "doc_id",
		ChunkID:         "chunk_id",
		SectionPath:     "section_path",
		SectionText:     "section_path_text",
		SectionPrefixes: "section_prefixes",
		Groups:          "groups",
		Content:         "content",
	}
}

// DefaultEmbeddingConfig 返回默认向量化配置
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Model: "text-embedding-3-small",
	}
}

// DefaultAggregatorConfig 返回默认聚合配置
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		BudgetUnit:       "chars",
		MaxContextLength: 12000,
		Normalization:    "none",
		TokenizerModel:   "gpt-4o",
	}
}

// DefaultGuardrailPolicy 返回默认可回答性策略
func DefaultGuardrailPolicy() GuardrailPolicy {
	return GuardrailPolicy{
		Threshold:      0.5,
		MinEvidence:    1,
		TopWeight:      0.6,
		MeanWeight:     0.25,
		CoverageWeight: 0.15,
		TargetEvidence: 3,
	}
}

// DefaultGuardrailConfig 返回默认可回答性配置
func DefaultGuardrailConfig() GuardrailConfig {
	return GuardrailConfig{
		GuardrailPolicy: DefaultGuardrailPolicy(),
		TenantOverrides: map[string]GuardrailPolicy{},
	}
}

// DefaultLLMConfig 返回默认 LLM 配置
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:          "openai",
		Temperature:       0.2,
		MaxTokens:         1024,
		Timeout:           60 * time.Second,
		StreamEnabled:     true,
		StreamIdleTimeout: 30 * time.Second,
		MaxRetries:        2,
		RetryBackoff:      500 * time.Millisecond,
	}
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:   false,
		Addr:      "localhost:6379",
		DB:        0,
		PoolSize:  10,
		TTL:       10 * time.Minute,
		KeyPrefix: "citerag:answer:",
	}
}

// DefaultAuditConfig 返回默认审计配置
func DefaultAuditConfig() AuditConfig {
	return AuditConfig{
		Enabled:         false,
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "citerag",
		Name:            "citerag",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "citerag",
		SampleRate:   0.1,
	}
}
