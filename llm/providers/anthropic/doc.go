/*
# 概述

包 anthropic 提供 Anthropic Claude 系列模型的 Provider 适配实现，
将统一的 llm.ChatRequest 映射到 Messages API（/v1/messages）。

# 协议差异

  - 认证使用 x-api-key 请求头（非 Bearer Token）
  - system 消息从 messages 数组中提取，单独传递到 system 字段
  - 流式 SSE 事件结构独立（message_start / content_block_delta / message_stop）
  - 未收到 message_stop 即断开的流以 ErrStreamInterrupted 结束
*/
package anthropic
