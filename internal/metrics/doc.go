// Copyright 2025-2026 citerag Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
包 metrics 提供基于 Prometheus 的查询链路指标采集能力。

# 概述

Collector 通过 promauto.With 将全部指标注册到调用方提供的 Registry
（默认使用 prometheus.DefaultRegisterer），按 namespace 隔离。

# 主要能力

  - HTTP 指标：请求总数与耗时，状态码归类为 2xx/3xx/4xx/5xx。
  - 查询指标：按终态计数、端到端耗时、各阶段耗时
    （retrieval/aggregation/guardrail/synthesis）。
  - 判定与引用：可回答性判定原因、置信度分布、证据块数量、
    已绑定与被移除的引用标记数。
  - LLM 指标：请求数、耗时、prompt/completion Token 用量。
  - 缓存与数据库：答案缓存命中/未命中，审计写入耗时。
*/
package metrics
