package error

import (
	"fmt"
	"time"
)

// ErrorCode 错误代码类型
type ErrorCode string

// Coder 由所有携带错误代码的错误实现，errors.Is 按代码比较。
type Coder interface {
	ErrorCode() ErrorCode
}

// BaseError 基础错误类型，各个包的错误类型都嵌入它。
type BaseError struct {
	Code      ErrorCode              `json:"code"`              // 错误的分类代码
	Message   string                 `json:"message"`           // 人类可读的错误信息
	Cause     error                  `json:"-"`                 // 导致此错误的原始错误
	Context   map[string]interface{} `json:"context,omitempty"` // 额外的上下文信息
	Timestamp time.Time              `json:"timestamp"`         // 错误发生的时间戳
}

// NewError 创建新的基础错误
func NewError(code ErrorCode, message string) *BaseError {
	return &BaseError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Context:   make(map[string]interface{}),
	}
}

// WrapError 包装现有错误
func WrapError(code ErrorCode, message string, cause error) *BaseError {
	e := NewError(code, message)
	e.Cause = cause
	return e
}

// Error 实现 error 接口
func (e *BaseError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if key, ok := e.Context["key"]; ok {
		msg = fmt.Sprintf("%s [key=%v]", msg, key)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// ErrorCode 返回错误代码
func (e *BaseError) ErrorCode() ErrorCode {
	return e.Code
}

// Unwrap 支持错误包装
func (e *BaseError) Unwrap() error {
	return e.Cause
}

// Is 按错误代码比较，因此嵌入 BaseError 的不同包装类型之间也能匹配。
func (e *BaseError) Is(target error) bool {
	t, ok := target.(Coder)
	if !ok {
		return false
	}
	return e.Code == t.ErrorCode()
}

// WithContext 为错误附加一个键值对形式的上下文信息。
func (e *BaseError) WithContext(key string, value interface{}) *BaseError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// CodeOf 返回错误链中第一个带代码的错误的代码，没有则返回空串。
func CodeOf(err error) ErrorCode {
	for err != nil {
		if c, ok := err.(Coder); ok {
			return c.ErrorCode()
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
