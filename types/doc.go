/*
Package types 提供 citerag 的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 rag、synthesis、orchestrator、
api 等上层模块提供统一的错误码与 context 传播工具，以避免循环依赖。

# 核心类型

  - Error / ErrorCode - 结构化错误体系，含 HTTP 状态码、Retryable、Provider 标记
  - 检索错误码        - RETRIEVAL_FAILED / RETRIEVAL_TIMEOUT
  - 生成错误码        - SYNTHESIS_FAILED / SYNTHESIS_TIMEOUT / SYNTHESIS_RATE_LIMITED 等

# 主要能力

  - Context 传播：WithTraceID / WithTenantID / WithUserID / WithQueryID
  - 错误工具链：AsError / GetErrorCode / IsRetryable / IsRetrievalError / IsSynthesisError
*/
package types
