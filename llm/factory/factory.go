package factory

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/BaSui01/citerag/config"
	"github.com/BaSui01/citerag/llm"
	"github.com/BaSui01/citerag/llm/providers"
	"github.com/BaSui01/citerag/llm/providers/anthropic"
	"github.com/BaSui01/citerag/llm/providers/openai"
	"github.com/BaSui01/citerag/llm/providers/openaicompat"
)

const (
	ProviderOpenAI       = "openai"
	ProviderAnthropic    = "anthropic"
	ProviderOpenAICompat = "openai_compat"
)

// compatPreset 固定地址的 OpenAI 兼容厂商
type compatPreset struct {
	baseURL       string
	endpointPath  string
	fallbackModel string
}

var compatPresets = map[string]compatPreset{
	"deepseek": {baseURL: "https://api.deepseek.com", fallbackModel: "deepseek-chat"},
	"qwen":     {baseURL: "https://dashscope.aliyuncs.com", endpointPath: "/compatible-mode/v1/chat/completions", fallbackModel: "qwen-plus"},
	"kimi":     {baseURL: "https://api.moonshot.cn", fallbackModel: "moonshot-v1-8k"},
	"grok":     {baseURL: "https://api.x.ai", fallbackModel: "grok-beta"},
	"mistral":  {baseURL: "https://api.mistral.ai", fallbackModel: "mistral-large-latest"},
}

// NewProvider creates the provider selected by cfg.Provider, wrapped with
// retry on transient errors.
//
// Supported names: openai, anthropic (alias claude), openai_compat, and the
// OpenAI-compatible presets deepseek, qwen, kimi, grok, mistral. Presets
// accept a base_url override.
func NewProvider(cfg config.LLMConfig, logger *zap.Logger) (llm.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	inner, err := newRawProvider(cfg, logger)
	if err != nil {
		return nil, err
	}

	backoff := cfg.RetryBackoff
	if backoff <= 0 {
		backoff = providers.DefaultRetryConfig().InitialDelay
	}
	logger.Info("llm provider created",
		zap.String("provider", inner.Name()),
		zap.String("model", cfg.Model),
		zap.Int("max_retries", cfg.MaxRetries))

	return providers.NewRetryableProvider(inner, providers.RetryConfig{
		MaxRetries:   cfg.MaxRetries,
		InitialDelay: backoff,
		MaxDelay:     10 * backoff,
	}, logger), nil
}

func newRawProvider(cfg config.LLMConfig, logger *zap.Logger) (llm.Provider, error) {
	headerTimeout := cfg.StreamIdleTimeout
	if headerTimeout <= 0 || headerTimeout > cfg.Timeout {
		headerTimeout = cfg.Timeout
	}

	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if preset, ok := compatPresets[name]; ok {
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = preset.baseURL
		}
		return openaicompat.New(openaicompat.Config{
			ProviderName:        name,
			APIKey:              cfg.APIKey,
			BaseURL:             baseURL,
			DefaultModel:        cfg.Model,
			FallbackModel:       preset.fallbackModel,
			Timeout:             cfg.Timeout,
			StreamHeaderTimeout: headerTimeout,
			EndpointPath:        preset.endpointPath,
			IncludeUsage:        true,
		}, logger), nil
	}

	switch name {
	case ProviderOpenAI:
		return openai.New(openai.Config{
			APIKey:              cfg.APIKey,
			BaseURL:             cfg.BaseURL,
			Model:               cfg.Model,
			Timeout:             cfg.Timeout,
			StreamHeaderTimeout: headerTimeout,
		}, logger), nil

	case ProviderAnthropic, "claude":
		return anthropic.New(anthropic.Config{
			APIKey:              cfg.APIKey,
			BaseURL:             cfg.BaseURL,
			Model:               cfg.Model,
			Timeout:             cfg.Timeout,
			StreamHeaderTimeout: headerTimeout,
		}, logger), nil

	case ProviderOpenAICompat:
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("provider %q requires base_url", cfg.Provider)
		}
		return openaicompat.New(openaicompat.Config{
			ProviderName:        ProviderOpenAICompat,
			APIKey:              cfg.APIKey,
			BaseURL:             cfg.BaseURL,
			DefaultModel:        cfg.Model,
			Timeout:             cfg.Timeout,
			StreamHeaderTimeout: headerTimeout,
			IncludeUsage:        true,
		}, logger), nil

	default:
		return nil, fmt.Errorf("unsupported llm provider %q (supported: %s)",
			cfg.Provider, strings.Join(SupportedProviders(), ", "))
	}
}

// SupportedProviders returns the list of built-in provider names.
func SupportedProviders() []string {
	names := []string{ProviderOpenAI, ProviderAnthropic, ProviderOpenAICompat}
	presets := make([]string, 0, len(compatPresets))
	for name := range compatPresets {
		presets = append(presets, name)
	}
	sort.Strings(presets)
	return append(names, presets...)
}
