// Package event 知识库与候选生命周期事件
// 事件以 JSON 发布到 watermill 主题，发布失败只记录日志
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/ashwinyue/stockqa/internal/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Topic 事件主题
const Topic = "stockqa.events"

// Type 事件类型
type Type string

const (
	CandidateProposed     Type = "candidate.proposed"
	CandidateDeduplicated Type = "candidate.deduplicated"
	CandidateApproved     Type = "candidate.approved"
	CandidateRejected     Type = "candidate.rejected"
	CandidateModified     Type = "candidate.modified"
	CandidateReimported   Type = "candidate.reimported"
	DocumentCreated       Type = "document.created"
	DocumentUpdated       Type = "document.updated"
	DocumentDeleted       Type = "document.deleted"
	SessionEvicted        Type = "session.evicted"
)

// Event 生命周期事件
type Event struct {
	ID        string         `json:"id"`
	Type      Type           `json:"type"`
	SubjectID string         `json:"subject_id"`
	Actor     string         `json:"actor,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New 创建事件
func New(t Type, subjectID string, data map[string]any) *Event {
	return &Event{
		ID:        "evt_" + uuid.New().String(),
		Type:      t,
		SubjectID: subjectID,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Handler 事件处理器接口
type Handler interface {
	Handle(ctx context.Context, evt *Event) error
}

// HandlerFunc 函数类型的事件处理器
type HandlerFunc func(ctx context.Context, evt *Event) error

// Handle 实现 Handler 接口
func (f HandlerFunc) Handle(ctx context.Context, evt *Event) error {
	return f(ctx, evt)
}

// Bus 事件总线，零值和 nil 均可安全调用 Publish
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger *zap.Logger
}

// NewBus 基于给定的发布/订阅实现创建总线
func NewBus(pub message.Publisher, sub message.Subscriber, l *zap.Logger) *Bus {
	return &Bus{pub: pub, sub: sub, logger: logger.OrNop(l).Named("event")}
}

// NewGoChannelBus 创建进程内总线
// 发布阻塞到订阅者确认，同一主体的生命周期事件按发布顺序送达；处理器内不能再发布事件
func NewGoChannelBus(l *zap.Logger) *Bus {
	l = logger.OrNop(l)
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            256,
		BlockPublishUntilSubscriberAck: true,
	}, NewWatermillLogger(l))
	return NewBus(ch, ch, l)
}

// Publish 发布事件
func (b *Bus) Publish(ctx context.Context, evt *Event) {
	if b == nil || b.pub == nil || evt == nil {
		return
	}
	payload, err := json.Marshal(evt)
	if err != nil {
		b.logger.Warn("failed to marshal event", zap.String("type", string(evt.Type)), zap.Error(err))
		return
	}
	msg := message.NewMessage(evt.ID, payload)
	msg.Metadata.Set("type", string(evt.Type))
	msg.SetContext(ctx)
	if err := b.pub.Publish(Topic, msg); err != nil {
		b.logger.Warn("failed to publish event",
			zap.String("type", string(evt.Type)),
			zap.String("subject_id", evt.SubjectID),
			zap.Error(err))
	}
}

// Subscribe 订阅事件，ctx 结束或总线关闭时停止
func (b *Bus) Subscribe(ctx context.Context, h Handler) error {
	if h == nil {
		return fmt.Errorf("handler cannot be nil")
	}
	if b == nil || b.sub == nil {
		return fmt.Errorf("event bus has no subscriber")
	}
	messages, err := b.sub.Subscribe(ctx, Topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go func() {
		for msg := range messages {
			var evt Event
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				b.logger.Warn("invalid event payload", zap.String("message_id", msg.UUID), zap.Error(err))
				msg.Ack()
				continue
			}
			if err := h.Handle(msg.Context(), &evt); err != nil {
				b.logger.Warn("event handler failed", zap.String("type", string(evt.Type)), zap.Error(err))
			}
			msg.Ack()
		}
	}()
	return nil
}

// LogHandler 把事件写入日志
func LogHandler(l *zap.Logger) Handler {
	l = logger.OrNop(l).Named("event")
	return HandlerFunc(func(_ context.Context, evt *Event) error {
		l.Info("lifecycle event",
			zap.String("id", evt.ID),
			zap.String("type", string(evt.Type)),
			zap.String("subject_id", evt.SubjectID),
			zap.String("actor", evt.Actor),
			zap.Any("data", evt.Data))
		return nil
	})
}

// Close 关闭发布端和订阅端
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var firstErr error
	if b.pub != nil {
		firstErr = b.pub.Close()
	}
	if b.sub != nil && any(b.sub) != any(b.pub) {
		if err := b.sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// ========== watermill 日志适配 ==========

type watermillLogger struct {
	l *zap.Logger
}

// NewWatermillLogger 把 watermill 日志转到 zap
func NewWatermillLogger(l *zap.Logger) watermill.LoggerAdapter {
	return &watermillLogger{l: logger.OrNop(l).Named("watermill")}
}

func (w *watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.l.Error(msg, append(zapFields(fields), zap.Error(err))...)
}

func (w *watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.l.Info(msg, zapFields(fields)...)
}

func (w *watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.l.Debug(msg, zapFields(fields)...)
}

func (w *watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.l.Debug(msg, zapFields(fields)...)
}

func (w *watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &watermillLogger{l: w.l.With(zapFields(fields)...)}
}

func zapFields(fields watermill.LogFields) []zap.Field {
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}
