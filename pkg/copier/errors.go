package copier

import (
	apperr "bulkcopy/pkg/error"
)

const (
	// CodeEncodingFailed 表示记录无法转换为 COPY 行格式。
	CodeEncodingFailed apperr.ErrorCode = "ENCODING_FAILED"
	// CodeWriteFailed 表示向数据库写入 COPY 流时发生 I/O 错误。
	CodeWriteFailed apperr.ErrorCode = "WRITE_FAILED"
	// CodeSaverClosed 表示写入器已关闭。
	CodeSaverClosed apperr.ErrorCode = "SAVER_CLOSED"
)

var (
	ErrEncoding    = NewCopyError(CodeEncodingFailed, "record encoding failed")
	ErrWrite       = NewCopyError(CodeWriteFailed, "copy write failed")
	ErrSaverClosed = NewCopyError(CodeSaverClosed, "saver is closed")
)

// CopyError 是 copier 包返回的错误类型。
type CopyError struct {
	apperr.BaseError
}

func NewCopyError(code apperr.ErrorCode, message string) *CopyError {
	return &CopyError{
		BaseError: *apperr.NewError(code, message),
	}
}

func newEncodingError(target Target, cause error) *CopyError {
	e := &CopyError{BaseError: *apperr.WrapError(CodeEncodingFailed, "cannot encode record", cause)}
	e.WithContext("table", target.Table)
	return e
}

func newWriteError(target Target, message string, cause error) *CopyError {
	e := &CopyError{BaseError: *apperr.WrapError(CodeWriteFailed, message, cause)}
	e.WithContext("table", target.Table)
	return e
}
