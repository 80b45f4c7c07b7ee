package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate 校验配置的取值范围，返回所有问题合并后的错误
func (c *Config) Validate() error {
	var errs []error

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("server.http_port out of range: %d", c.Server.HTTPPort))
	}

	switch c.Retrieval.Backend {
	case "qdrant", "memory":
	default:
		errs = append(errs, fmt.Errorf("retrieval.backend must be qdrant or memory, got %q", c.Retrieval.Backend))
	}
	if c.Retrieval.DefaultTopK <= 0 {
		errs = append(errs, errors.New("retrieval.default_top_k must be positive"))
	}
	if c.Retrieval.MaxTopK < c.Retrieval.DefaultTopK {
		errs = append(errs, errors.New("retrieval.max_top_k must be >= default_top_k"))
	}
	if c.Retrieval.Timeout <= 0 {
		errs = append(errs, errors.New("retrieval.timeout must be positive"))
	}

	switch c.Qdrant.PrefixStrategy {
	case "keyword", "text", "client":
	default:
		errs = append(errs, fmt.Errorf("qdrant.prefix_strategy must be keyword, text or client, got %q", c.Qdrant.PrefixStrategy))
	}
	if c.Retrieval.Backend == "qdrant" && c.Qdrant.Collection == "" {
		errs = append(errs, errors.New("qdrant.collection is required"))
	}

	switch c.Aggregator.BudgetUnit {
	case "chars", "tokens":
	default:
		errs = append(errs, fmt.Errorf("aggregator.budget_unit must be chars or tokens, got %q", c.Aggregator.BudgetUnit))
	}
	switch c.Aggregator.Normalization {
	case "none", "clamp", "sigmoid":
	default:
		errs = append(errs, fmt.Errorf("aggregator.normalization must be none, clamp or sigmoid, got %q", c.Aggregator.Normalization))
	}
	if c.Aggregator.MaxContextLength < 0 {
		errs = append(errs, errors.New("aggregator.max_context_length must not be negative"))
	}

	if err := c.Guardrail.GuardrailPolicy.validate("guardrail"); err != nil {
		errs = append(errs, err)
	}
	for tenant, p := range c.Guardrail.TenantOverrides {
		if err := p.validate("guardrail.tenant_overrides." + tenant); err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.LLM.Provider)) {
	case "openai", "anthropic", "claude", "openai_compat",
		"deepseek", "qwen", "kimi", "grok", "mistral":
	default:
		errs = append(errs, fmt.Errorf("llm.provider %q is not supported", c.LLM.Provider))
	}
	if c.LLM.Provider == "openai_compat" && c.LLM.BaseURL == "" {
		errs = append(errs, errors.New("llm.base_url is required for openai_compat"))
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, errors.New("llm.timeout must be positive"))
	}
	if c.LLM.StreamIdleTimeout <= 0 {
		errs = append(errs, errors.New("llm.stream_idle_timeout must be positive"))
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, errors.New("llm.max_retries must not be negative"))
	}

	if c.Audit.Enabled {
		switch c.Audit.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("audit.driver must be postgres, mysql or sqlite, got %q", c.Audit.Driver))
		}
	}

	return errors.Join(errs...)
}

func (p GuardrailPolicy) validate(path string) error {
	if p.Threshold < 0 || p.Threshold > 1 {
		return fmt.Errorf("%s.threshold must be within [0,1], got %v", path, p.Threshold)
	}
	if p.MinEvidence < 0 {
		return fmt.Errorf("%s.min_evidence must not be negative", path)
	}
	if p.TopWeight < 0 || p.MeanWeight < 0 || p.CoverageWeight < 0 {
		return fmt.Errorf("%s weights must not be negative", path)
	}
	if p.TopWeight+p.MeanWeight+p.CoverageWeight == 0 {
		return fmt.Errorf("%s weights must not all be zero", path)
	}
	return nil
}

// PolicyFor 返回租户的可回答性策略，未配置覆盖时返回全局策略
func (g GuardrailConfig) PolicyFor(tenant string) GuardrailPolicy {
	if p, ok := g.TenantOverrides[tenant]; ok {
		return p
	}
	return g.GuardrailPolicy
}
