package database

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

// ========== GORM 日志适配测试 ==========

func TestGormLoggerLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	gl := NewGormLogger(zap.New(core), false, time.Millisecond)
	ctx := context.Background()

	gl.Info(ctx, "connected to %s", "stockqa")
	assert.Equal(t, 0, logs.Len(), "info is hidden outside debug")

	gl.Error(ctx, "pool exhausted")
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, zapcore.WarnLevel, entry.Level)
	assert.Contains(t, entry.Message, "[error] pool exhausted")
	assert.NotContains(t, entry.Message, "\n")
	assert.Equal(t, "gorm", entry.LoggerName)

	// 慢查询
	gl.Trace(ctx, time.Now().Add(-time.Second), func() (string, int64) {
		return "SELECT * FROM documents", 3
	}, nil)
	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[1].Level)
	assert.Contains(t, logs.All()[1].Message, "SLOW SQL")

	// 记录不存在不算错误
	gl.Trace(ctx, time.Now(), func() (string, int64) {
		return "SELECT * FROM candidates WHERE id = 'x'", 0
	}, gorm.ErrRecordNotFound)
	assert.Equal(t, 2, logs.Len())

	gl.Trace(ctx, time.Now(), func() (string, int64) {
		return "INSERT INTO chunks", 0
	}, errors.New("duplicate key"))
	require.Equal(t, 3, logs.Len())
	assert.Equal(t, zapcore.WarnLevel, logs.All()[2].Level)
	assert.Contains(t, logs.All()[2].Message, "duplicate key")
}

func TestGormLoggerDebug(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	gl := NewGormLogger(zap.New(core), true, 0)
	ctx := context.Background()

	gl.Info(ctx, "connected to %s", "stockqa")
	gl.Trace(ctx, time.Now(), func() (string, int64) {
		return "SELECT 1", 1
	}, nil)

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, zapcore.InfoLevel, logs.All()[0].Level)
	assert.Contains(t, logs.All()[0].Message, "connected to stockqa")
	assert.Equal(t, zapcore.DebugLevel, logs.All()[1].Level)
	assert.Contains(t, logs.All()[1].Message, "SELECT 1")
}

func TestGormLoggerNilLogger(t *testing.T) {
	gl := NewGormLogger(nil, true, 0)
	assert.NotPanics(t, func() {
		gl.Warn(context.Background(), "no logger")
	})
}
