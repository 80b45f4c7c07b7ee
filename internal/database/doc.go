// Copyright 2025-2026 citerag Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 database 提供基于 GORM 的数据库连接池管理，供查询审计存储使用。

# 概述

Open 根据 audit 配置选择方言（PostgreSQL、MySQL 或纯 Go 的 SQLite），
PoolManager 封装 GORM 与 database/sql 的连接池配置，后台健康检查
定时探活，异常时通过 zap 日志输出诊断信息。

# 核心类型

  - PoolManager：持有 GORM DB 与底层 sql.DB，提供 DB/Ping/Stats/Close。
  - PoolConfig：最大空闲/打开连接数、连接生命周期、空闲超时与健康检查间隔。
  - TransactionFunc：事务回调函数类型。

# 事务

WithTransaction 执行单次事务；WithTransactionRetry 对死锁、序列化失败、
连接中断等错误做指数退避重试。
*/
package database
