/*
包 llm 提供统一的大语言模型接入层：Provider 抽象、统一的请求/响应/流式分片模型与错误码。

# Provider 抽象

核心接口是 [Provider]，包含 Completion / Stream / Name / SupportsStreaming。
具体实现位于 llm/providers 下（openai、anthropic、openaicompat），
由 llm/factory 根据配置一次性选定。

# 错误语义

所有 Provider 错误都以 [Error] 返回，携带 [ErrorCode]、HTTP 状态与 Retryable 标记；
流建立后的失败通过 [StreamChunk].Err 传递，通道正常关闭即表示流成功结束。
*/
package llm
