// =============================================================================
// 🧪 测试辅助函数
// =============================================================================
// 提供通用的上下文、等待与流收集辅助
//
// 使用方法:
//
//	ctx := testutil.TestContext(t)
//	events := testutil.Collect(t, ch, 5*time.Second)
// =============================================================================
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/BaSui01/citerag/llm"
)

// =============================================================================
// 🎯 上下文辅助
// =============================================================================

// TestContext 返回带超时的测试上下文
func TestContext(t *testing.T) context.Context {
	return TestContextWithTimeout(t, 30*time.Second)
}

// TestContextWithTimeout 返回带自定义超时的测试上下文
func TestContextWithTimeout(t *testing.T, timeout time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// ⏳ 异步辅助
// =============================================================================

// WaitFor 轮询等待条件满足，超时返回 false
func WaitFor(condition func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return condition()
}

// Collect 读取通道直到关闭；超时则使测试失败并返回已收到的元素
func Collect[T any](t *testing.T, ch <-chan T, timeout time.Duration) []T {
	t.Helper()

	var out []T
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-timer.C:
			t.Fatalf("channel not closed within %v (received %d items)", timeout, len(out))
			return out
		}
	}
}

// AssertClosedWithin 断言通道在指定时间内关闭且不再产生元素
func AssertClosedWithin[T any](t *testing.T, ch <-chan T, timeout time.Duration) {
	t.Helper()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-timer.C:
			t.Fatalf("channel not closed within %v", timeout)
			return
		}
	}
}

// =============================================================================
// 🌊 LLM 流辅助
// =============================================================================

// CollectStreamContent 拼接流中所有 Delta 内容，遇到错误分片时返回该错误
func CollectStreamContent(ch <-chan llm.StreamChunk) (string, *llm.Error) {
	var content string
	for chunk := range ch {
		if chunk.Err != nil {
			return content, chunk.Err
		}
		content += chunk.Delta.Content
	}
	return content, nil
}
