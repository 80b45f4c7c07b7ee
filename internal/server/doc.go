// Copyright 2025-2026 citerag Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 server 提供 HTTP 服务器生命周期管理，支持非阻塞启动、
优雅关闭、关闭钩子与系统信号监听。

# 核心类型

  - Manager：持有 http.Server、net.Listener 与异步错误通道，
    提供 Start/Shutdown/WaitForShutdown/OnShutdown。
  - Config：监听地址、读写超时、空闲超时、最大请求头与关闭超时，
    可由 ConfigFrom 从全局 server 配置生成。

# 主要能力

  - 非阻塞启动：Start 在后台 goroutine 中运行服务。
  - 优雅关闭：Shutdown 在超时内排空请求，再逆序执行关闭钩子
    （遥测刷新、缓存与审计连接释放）。
  - 信号监听：WaitForShutdown 监听 SIGINT/SIGTERM 与 ctx 取消。
*/
package server
