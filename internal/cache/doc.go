/*
包 cache 提供基于 Redis 的答案缓存。

# 概述

Manager 封装 go-redis 客户端，负责连接生命周期（初始化、健康检查、
优雅关闭）。编排器用它缓存已完成的非流式答案：键由租户、用户组、
过滤条件和问题文本摘要而成，问题原文不会出现在 Redis 中。

# 核心类型

  - Manager：缓存管理器，提供 Get/Set/GetJSON/SetJSON/Delete 与
    InvalidatePrefix。
  - Config：地址、密码、连接池、默认 TTL、键前缀与健康检查间隔，
    可由 ConfigFrom 从全局配置转换。

# 错误语义

未命中返回 ErrCacheMiss（IsCacheMiss 判断）；关闭后的调用返回 ErrClosed。
*/
package cache
