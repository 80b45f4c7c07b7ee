// Copyright 2025-2026 citerag Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package handlers 提供 citerag HTTP API 的请求处理器实现。

# 概述

handlers 包把 api 包中的 camelCase 请求转换为 orchestrator.Request，
调用问答编排器，并以 JSON、SSE 或 WebSocket 返回结果。所有 Handler
均遵循标准 net/http 接口，可直接挂到 chi 路由上。

# 核心类型

  - QueryHandler     - 问答处理器：HandleQuery（JSON）、HandleStream（SSE）、
    HandleWebSocket（coder/websocket）
  - HealthHandler    - 存活（/health, /healthz）、就绪（/ready, /readyz）与 /version
  - Collaborator     - 就绪检查覆盖的依赖：Qdrant collection 必需，
    Redis 答案缓存与审计库可选，失败时状态降为 degraded
  - Response         - 统一 JSON 响应结构（success + data + error + timestamp）
  - ResponseWriter   - 包装 http.ResponseWriter 以捕获状态码，透传 Flush/Hijack

# 主要能力

  - 统一错误格式 {success:false, error:{code, message, retryable}}，
    ErrorCode → HTTP 状态码映射（显式 HTTPStatus 优先）
  - 请求验证：DecodeJSONBody（1 MB 限制 + 严格模式）、ValidateContentType
  - 身份绑定：BuildRequest 用 JWT 中的租户补全或校验请求租户
  - 流式输出：SSE 帧为 "event: <type>\ndata: <json>"，WebSocket 帧为
    {"type", "data"}，二者事件词汇一致，以唯一的 done 或 error 结束
*/
package handlers
