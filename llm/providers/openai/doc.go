/*
# 概述

包 openai 基于 github.com/sashabaranov/go-openai 提供 OpenAI 托管 API 的
Provider 适配实现（Chat Completions，同步与流式）。

# 错误映射

MapSDKError 将 SDK 的 APIError / RequestError 按 HTTP 状态映射为
llm.Error，传输层错误交给 providers.MapTransportError。
流式响应在收到 finish_reason 之前断开时以 ErrStreamInterrupted 结束。
*/
package openai
