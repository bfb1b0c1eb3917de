// Package testutil 提供测试辅助工具和内存实现的存储 / 向量索引
package testutil

import (
	"context"
	"testing"
	"time"
)

// CanceledContext 返回已取消的 context
func CanceledContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

// TimeoutContext 返回带超时的 context，测试结束时释放
func TimeoutContext(t testing.TB, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
