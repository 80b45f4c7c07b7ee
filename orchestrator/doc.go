// Copyright 2025-2026 citerag Authors. All rights reserved.
// Use of this source code is governed by the project license.

/*
Package orchestrator 串联一次问答的完整流程：检索、证据聚合、
可回答性判定、答案合成与引用绑定。

# 状态机

每次查询都在独立的 run 中推进：

	received → retrieving → (retrieval_failed | aggregated)
	  → guardrail_evaluated → (rejected | synthesizing)
	  → (synthesis_failed | completed)

非法迁移会被记录并拒绝（ErrInvalidTransition）。四个终态各自
对应一条审计记录。

# 入口

  - Answer：非流式问答，错误为 *types.Error（RETRIEVAL_* 或 SYNTHESIS_*）。
  - AnswerStream：返回事件通道；只有请求校验失败才返回 error，
    其余失败以终止的 error 事件送达。判定拒绝时发送兜底答案的
    response_completed 与 done，不调用模型。

# 可选组件

WithCache 缓存已完成的非流式答案；WithAudit 记录每次查询的终态；
WithMetrics 上报各阶段耗时与判定结果。OpenTelemetry span 始终创建，
未初始化 telemetry 时为 no-op。
*/
package orchestrator
