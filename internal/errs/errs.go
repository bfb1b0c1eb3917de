// Package errs 定义统一错误分类
// 所有从 Agent Driver / Document Service / Candidate Curator 逃逸的错误都归入固定的七类，
// 由 transport 层再映射为自己的响应格式
package errs

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Kind 错误类别
type Kind string

const (
	KindValidation            Kind = "validation"
	KindNotFound              Kind = "not-found"
	KindInvalidState          Kind = "invalid-state"
	KindDependencyUnavailable Kind = "dependency-unavailable"
	KindRateLimited           Kind = "rate-limited"
	KindTimeout               Kind = "timeout"
	KindInternal              Kind = "internal"
)

// Kinds 返回全部类别（顺序固定）
func Kinds() []Kind {
	return []Kind{
		KindValidation,
		KindNotFound,
		KindInvalidState,
		KindDependencyUnavailable,
		KindRateLimited,
		KindTimeout,
		KindInternal,
	}
}

// Error 带类别的错误
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	if e.Msg == "" {
		return e.Err.Error()
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New 创建指定类别的错误
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap 为已有错误附加类别
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func InvalidState(format string, args ...any) *Error {
	return New(KindInvalidState, format, args...)
}

// Unavailable 外部依赖不可用（外部搜索、LLM、向量索引）
func Unavailable(err error, format string, args ...any) *Error {
	return Wrap(KindDependencyUnavailable, err, format, args...)
}

func RateLimited(err error, format string, args ...any) *Error {
	return Wrap(KindRateLimited, err, format, args...)
}

func Timeout(err error, format string, args ...any) *Error {
	return Wrap(KindTimeout, err, format, args...)
}

func Internal(err error, format string, args ...any) *Error {
	return Wrap(KindInternal, err, format, args...)
}

// Classify 将任意错误映射到固定类别
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, gorm.ErrRecordNotFound):
		return KindNotFound
	default:
		return KindInternal
	}
}

// Is 判断错误是否属于指定类别
func Is(err error, kind Kind) bool {
	return err != nil && Classify(err) == kind
}

// Reason 返回面向调用方的简短原因
// internal 类别不暴露被包装的底层错误
func Reason(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return "request cancelled"
	}
	kind := Classify(err)
	var e *Error
	if errors.As(err, &e) {
		if kind == KindInternal {
			if e.Msg != "" {
				return e.Msg
			}
			return "internal error"
		}
		return e.Error()
	}
	switch kind {
	case KindTimeout:
		return "deadline exceeded"
	case KindNotFound:
		return "record not found"
	default:
		return "internal error"
	}
}
