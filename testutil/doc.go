/*
Package testutil 提供 citerag 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout
  - 异步辅助: WaitFor / Collect / AssertClosedWithin
  - 流式辅助: CollectStreamContent

# 子包

  - testutil/mocks: MockProvider（可编排的 LLM Provider，支持分片流、
    中途断流、连接失败与调用计数）
*/
package testutil
