package tokenizer

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Tokenizer 是统一的 token 计数接口.
type Tokenizer interface {
	// CountTokens 返回给定文本的 token 数.
	CountTokens(text string) (int, error)

	// Name 返回分词器的名称.
	Name() string
}

// ForModel 返回模型对应的分词器：OpenAI 系列使用 tiktoken，
// 编码数据不可用时退回估算器；其他模型直接使用估算器。
func ForModel(model string, logger *zap.Logger) Tokenizer {
	if !isOpenAIFamily(model) {
		return NewEstimatorTokenizer(model)
	}
	return &fallbackTokenizer{
		primary:  NewTiktokenTokenizer(model),
		fallback: NewEstimatorTokenizer(model),
		logger:   logger,
	}
}

func isOpenAIFamily(model string) bool {
	if _, ok := lookupEncoding(model); ok {
		return true
	}
	return strings.HasPrefix(model, "gpt-") || strings.HasPrefix(model, "o1") || strings.HasPrefix(model, "o3")
}

// fallbackTokenizer 在 primary 初始化失败后永久切换到 fallback
type fallbackTokenizer struct {
	primary  Tokenizer
	fallback Tokenizer
	logger   *zap.Logger

	mu       sync.Mutex
	degraded bool
}

func (f *fallbackTokenizer) active() Tokenizer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.degraded {
		return f.fallback
	}
	return f.primary
}

func (f *fallbackTokenizer) degrade(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.degraded {
		return
	}
	f.degraded = true
	if f.logger != nil {
		f.logger.Warn("tiktoken unavailable, falling back to estimator", zap.Error(err))
	}
}

func (f *fallbackTokenizer) CountTokens(text string) (int, error) {
	n, err := f.active().CountTokens(text)
	if err != nil {
		f.degrade(err)
		return f.fallback.CountTokens(text)
	}
	return n, nil
}

func (f *fallbackTokenizer) Name() string {
	return f.active().Name()
}
