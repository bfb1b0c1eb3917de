// Package callback 把 Eino 组件回调写入 zap 日志
package callback

import (
	"context"
	"fmt"

	"github.com/ashwinyue/stockqa/internal/logger"
	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
)

const maxLogChars = 200

// Logger 日志回调处理器
// 实现 callbacks.Handler 接口，记录对话模型、嵌入、索引等组件的执行事件
type Logger struct {
	logger *zap.Logger
	debug  bool
}

// NewLogger 创建日志回调处理器，debug 为 false 时只记录错误
func NewLogger(l *zap.Logger, debug bool) *Logger {
	return &Logger{logger: logger.OrNop(l).Named("eino"), debug: debug}
}

func runFields(info *callbacks.RunInfo) []zap.Field {
	if info == nil {
		return nil
	}
	return []zap.Field{
		zap.String("name", info.Name),
		zap.String("type", info.Type),
		zap.String("component", string(info.Component)),
	}
}

// OnStart 组件执行开始时调用
func (l *Logger) OnStart(ctx context.Context, info *callbacks.RunInfo, input callbacks.CallbackInput) context.Context {
	if l.debug {
		l.logger.Debug("component start", append(runFields(info), zap.String("input", summarize(input)))...)
	}
	return ctx
}

// OnEnd 组件执行成功结束时调用
func (l *Logger) OnEnd(ctx context.Context, info *callbacks.RunInfo, output callbacks.CallbackOutput) context.Context {
	if l.debug {
		l.logger.Debug("component end", append(runFields(info), zap.String("output", summarize(output)))...)
	}
	return ctx
}

// OnError 组件执行出错时调用
func (l *Logger) OnError(ctx context.Context, info *callbacks.RunInfo, err error) context.Context {
	l.logger.Warn("component error", append(runFields(info), zap.Error(err))...)
	return ctx
}

// OnStartWithStreamInput 流式输入开始时调用
func (l *Logger) OnStartWithStreamInput(ctx context.Context, info *callbacks.RunInfo, input *schema.StreamReader[callbacks.CallbackInput]) context.Context {
	if input != nil {
		input.Close()
	}
	if l.debug {
		l.logger.Debug("component stream start", runFields(info)...)
	}
	return ctx
}

// OnEndWithStreamOutput 流式输出结束时调用
func (l *Logger) OnEndWithStreamOutput(ctx context.Context, info *callbacks.RunInfo, output *schema.StreamReader[callbacks.CallbackOutput]) context.Context {
	if output != nil {
		output.Close()
	}
	if l.debug {
		l.logger.Debug("component stream end", runFields(info)...)
	}
	return ctx
}

// summarize 截断输入输出，避免日志过大
func summarize(v any) string {
	if v == nil {
		return ""
	}
	s := fmt.Sprintf("%v", v)
	if len(s) > maxLogChars {
		return s[:maxLogChars] + "..."
	}
	return s
}

// SetupGlobalCallbacks 注册全局回调
func SetupGlobalCallbacks(l *zap.Logger, debug bool) {
	callbacks.AppendGlobalHandlers(NewLogger(l, debug))
	logger.OrNop(l).Info("eino global callbacks registered", zap.Bool("debug", debug))
}

var _ callbacks.Handler = (*Logger)(nil)
