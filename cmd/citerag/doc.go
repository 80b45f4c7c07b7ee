// Copyright 2025-2026 citerag Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package main 提供 citerag 服务端程序入口。

# 概述

cmd/citerag 是带引用文档问答服务的可执行入口，提供 HTTP API 服务、
文档块写入、健康检查和版本查询等子命令。配置按 .env（godotenv）、
YAML、CITERAG_ 前缀环境变量的顺序加载。

# 核心类型

  - Server           - 主服务器，组装检索管线、LLM 合成、缓存与审计，管理双端口及优雅关闭
  - Middleware       - HTTP 中间件函数签名 func(http.Handler) http.Handler

# 主要能力

  - 子命令：serve（启动服务）、ingest（写入 Qdrant 并清空答案缓存）、version、health
  - 路由：chi；/api/v1/query、/api/v1/query/stream（SSE）、/api/v1/query/ws（WebSocket）、
    /api/v1/queries（审计，启用数据库时注册）
  - 中间件链：Recovery、RequestID、SecurityHeaders、OTelTracing、RequestLogger、
    Metrics（按路由模板打标签）；/api/v1 下追加 JWTAuth 与 TenantRateLimiter
  - Metrics 服务器：metrics_port 非 0 时独立端口暴露 /metrics，否则挂在主端口
  - 优雅关闭：信号监听 → 关闭 HTTP → 停止 Metrics 与限流 → 关闭缓存、审计库 → 关闭遥测
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置
*/
package main
