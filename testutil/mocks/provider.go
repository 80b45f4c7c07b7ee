// MockProvider 的 LLM 提供商测试模拟实现。
//
// 支持固定响应、流式输出、中途断流与错误注入场景。
package mocks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/BaSui01/citerag/llm"
)

// --- MockProvider 结构 ---

// MockProvider 是 LLM Provider 的模拟实现
type MockProvider struct {
	mu sync.RWMutex

	name string

	// 响应配置
	response     string
	streamChunks []string
	err          error

	// 流行为
	streaming       bool
	streamErrAfter  int // 发送 N 个分片后注入错误，-1 表示不注入
	streamErr       *llm.Error
	streamChunkWait time.Duration
	streamHang      bool // 发送完分片后既不关闭也不报错

	// Token 使用统计
	promptTokens     int
	completionTokens int

	// 调用记录
	calls          []MockProviderCall
	completionFunc func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)
	streamFunc     func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)

	// 行为控制
	delay           time.Duration
	failAfter       int // 在第 N 次调用后失败
	completionCount int
	streamCount     int
}

// MockProviderCall 记录单次调用
type MockProviderCall struct {
	Stream   bool
	Request  *llm.ChatRequest
	Response *llm.ChatResponse
	Error    error
}

// --- 构造函数和 Builder 方法 ---

// NewMockProvider 创建新的 MockProvider
func NewMockProvider() *MockProvider {
	return &MockProvider{
		name:             "mock",
		response:         "Mock response",
		streaming:        true,
		streamErrAfter:   -1,
		promptTokens:     10,
		completionTokens: 20,
	}
}

// WithName 设置 Provider 名称
func (m *MockProvider) WithName(name string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.name = name
	return m
}

// WithResponse 设置固定响应内容
func (m *MockProvider) WithResponse(response string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.response = response
	return m
}

// WithError 设置返回错误（Completion 与 Stream 连接阶段）
func (m *MockProvider) WithError(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithStreamChunks 设置流式响应块
func (m *MockProvider) WithStreamChunks(chunks []string) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamChunks = chunks
	return m
}

// WithStreamErrorAfter 在发送 n 个分片后注入错误分片并结束流
func (m *MockProvider) WithStreamErrorAfter(n int, err *llm.Error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamErrAfter = n
	m.streamErr = err
	return m
}

// WithStreamHang 发送完分片后保持通道打开，用于空闲超时测试
func (m *MockProvider) WithStreamHang() *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamHang = true
	return m
}

// WithChunkInterval 设置分片之间的间隔
func (m *MockProvider) WithChunkInterval(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamChunkWait = d
	return m
}

// WithStreaming 设置 SupportsStreaming 的返回值
func (m *MockProvider) WithStreaming(enabled bool) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streaming = enabled
	return m
}

// WithTokenUsage 设置 Token 使用量
func (m *MockProvider) WithTokenUsage(prompt, completion int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptTokens = prompt
	m.completionTokens = completion
	return m
}

// WithDelay 设置 Completion 响应延迟
func (m *MockProvider) WithDelay(d time.Duration) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithFailAfter 设置在第 N 次 Completion 调用后失败
func (m *MockProvider) WithFailAfter(n int) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAfter = n
	return m
}

// WithCompletionFunc 设置自定义 Completion 函数
func (m *MockProvider) WithCompletionFunc(fn func(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completionFunc = fn
	return m
}

// WithStreamFunc 设置自定义 Stream 函数
func (m *MockProvider) WithStreamFunc(fn func(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error)) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.streamFunc = fn
	return m
}

// --- Provider 接口实现 ---

// Name 返回 Provider 名称
func (m *MockProvider) Name() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.name
}

// SupportsStreaming 返回是否支持流式
func (m *MockProvider) SupportsStreaming() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streaming
}

// Completion 生成响应
func (m *MockProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.completionCount++
	count := m.completionCount
	delay := m.delay
	fn := m.completionFunc
	presetErr := m.err
	failAfter := m.failAfter
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			m.record(MockProviderCall{Request: req, Error: ctx.Err()})
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	if failAfter > 0 && count > failAfter {
		err := errors.New("mock provider: configured to fail after N calls")
		m.record(MockProviderCall{Request: req, Error: err})
		return nil, err
	}

	if presetErr != nil {
		m.record(MockProviderCall{Request: req, Error: presetErr})
		return nil, presetErr
	}

	if fn != nil {
		resp, err := fn(ctx, req)
		m.record(MockProviderCall{Request: req, Response: resp, Error: err})
		return resp, err
	}

	m.mu.RLock()
	resp := &llm.ChatResponse{
		ID:       "mock-response-id",
		Provider: m.name,
		Model:    req.Model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: "stop",
			Message:      llm.Message{Role: llm.RoleAssistant, Content: m.response},
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     m.promptTokens,
			CompletionTokens: m.completionTokens,
			TotalTokens:      m.promptTokens + m.completionTokens,
		},
		CreatedAt: time.Now(),
	}
	m.mu.RUnlock()

	m.record(MockProviderCall{Request: req, Response: resp})
	return resp, nil
}

// Stream 流式生成响应
func (m *MockProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	m.mu.Lock()
	m.streamCount++
	presetErr := m.err
	fn := m.streamFunc
	chunks := append([]string(nil), m.streamChunks...)
	if len(chunks) == 0 {
		chunks = []string{m.response}
	}
	errAfter := m.streamErrAfter
	streamErr := m.streamErr
	wait := m.streamChunkWait
	hang := m.streamHang
	name := m.name
	usage := &llm.ChatUsage{
		PromptTokens:     m.promptTokens,
		CompletionTokens: m.completionTokens,
		TotalTokens:      m.promptTokens + m.completionTokens,
	}
	m.mu.Unlock()

	if presetErr != nil {
		m.record(MockProviderCall{Stream: true, Request: req, Error: presetErr})
		return nil, presetErr
	}
	if fn != nil {
		m.record(MockProviderCall{Stream: true, Request: req})
		return fn(ctx, req)
	}
	m.record(MockProviderCall{Stream: true, Request: req})

	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)

		send := func(c llm.StreamChunk) bool {
			select {
			case <-ctx.Done():
				return false
			case ch <- c:
				return true
			}
		}

		for i, text := range chunks {
			if errAfter >= 0 && i == errAfter {
				send(llm.StreamChunk{Provider: name, Err: streamErr})
				return
			}
			if wait > 0 && i > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(wait):
				}
			}
			chunk := llm.StreamChunk{
				ID:       "mock-chunk-id",
				Provider: name,
				Model:    req.Model,
				Index:    i,
				Delta:    llm.Message{Role: llm.RoleAssistant, Content: text},
			}
			if i == len(chunks)-1 && !hang && errAfter < 0 {
				chunk.FinishReason = "stop"
				chunk.Usage = usage
			}
			if !send(chunk) {
				return
			}
		}

		if errAfter >= len(chunks) {
			send(llm.StreamChunk{Provider: name, Err: streamErr})
			return
		}
		if hang {
			<-ctx.Done()
		}
	}()

	return ch, nil
}

// --- 调用记录 ---

func (m *MockProvider) record(call MockProviderCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, call)
}

// Calls 返回所有调用记录的副本
func (m *MockProvider) Calls() []MockProviderCall {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]MockProviderCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CompletionCount 返回 Completion 调用次数
func (m *MockProvider) CompletionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.completionCount
}

// StreamCount 返回 Stream 调用次数
func (m *MockProvider) StreamCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streamCount
}

// TotalCalls 返回 Completion 与 Stream 调用总次数
func (m *MockProvider) TotalCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.completionCount + m.streamCount
}

// LastRequest 返回最后一次请求
func (m *MockProvider) LastRequest() *llm.ChatRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.calls) == 0 {
		return nil
	}
	return m.calls[len(m.calls)-1].Request
}

// Reset 清空调用记录与计数
func (m *MockProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.completionCount = 0
	m.streamCount = 0
}

var _ llm.Provider = (*MockProvider)(nil)
