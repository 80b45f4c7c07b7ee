// Package tlsutil 提供集中式 TLS 配置，
// 为向量库、Embedding 与 LLM Provider 的 HTTP 客户端提供安全加固的 TLS 设置（TLS 1.2+，仅 AEAD 密码套件）。
//
// 普通请求使用 SecureHTTPClient（整体超时），流式请求使用 StreamingHTTPClient（仅限制响应头等待时间）。
package tlsutil
