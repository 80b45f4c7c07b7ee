// Package openaicompat implements llm.Provider for self-hosted servers that
// speak the OpenAI Chat Completions protocol (vLLM, Ollama, LM Studio).
//
// Non-streaming calls use a client with an overall timeout; streaming calls
// use a client that only bounds the response headers, so long SSE bodies are
// governed by the caller's context instead.
//
// Usage:
//
//	p := openaicompat.New(openaicompat.Config{
//	    ProviderName: "openai_compat",
//	    BaseURL:      "http://localhost:11434/v1",
//	    DefaultModel: "llama3.1:8b",
//	}, logger)
package openaicompat
