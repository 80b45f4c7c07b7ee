/*
# 概述

包 providers 提供各模型服务商实现共享的适配层：错误映射、
OpenAI 兼容请求/响应结构与重试包装。具体实现位于子包
openai（go-openai SDK）、anthropic（Messages API）与 openaicompat（自托管兼容服务）。

# 核心类型

  - OpenAICompat* 系列 - OpenAI 兼容 API 的请求/响应结构体
  - RetryableProvider - 仅对超时与上游 5xx 重试的 Provider 包装器
  - RetryConfig - 重试策略配置

# 核心函数

  - MapHTTPError / MapTransportError - 将 HTTP 状态与传输错误映射为 llm.Error
  - ReadErrorMessage - 解析 {"error":{"message"}} 错误体
  - ChooseModel - 按优先级选择模型（请求 > 默认 > 兜底）
*/
package providers
