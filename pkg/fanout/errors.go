package fanout

import (
	apperr "bulkcopy/pkg/error"
)

const (
	// CodeJobSetSettling 表示任务集已开始结算，不能再追加任务。
	CodeJobSetSettling apperr.ErrorCode = "JOBSET_SETTLING"
	// CodeAcquireFailed 表示无法为并发写入获取新连接。
	CodeAcquireFailed apperr.ErrorCode = "CONNECTION_ACQUIRE_FAILED"
	// CodeInvalidParallelism 表示并发数无效。
	CodeInvalidParallelism apperr.ErrorCode = "INVALID_PARALLELISM"
	// CodeTaskFailed 表示某个并发任务失败。
	CodeTaskFailed apperr.ErrorCode = "TASK_FAILED"
	// CodePipelineClosed 表示流水线已结算或释放。
	CodePipelineClosed apperr.ErrorCode = "PIPELINE_CLOSED"
)

var (
	ErrJobSetSettling     = NewFanoutError(CodeJobSetSettling, "job set is settling, no more submissions accepted")
	ErrAcquire            = NewFanoutError(CodeAcquireFailed, "cannot acquire connection")
	ErrInvalidParallelism = NewFanoutError(CodeInvalidParallelism, "parallelism must be positive")
	ErrTaskFailed         = NewFanoutError(CodeTaskFailed, "parallel task failed")
	ErrPipelineClosed     = NewFanoutError(CodePipelineClosed, "pipeline no longer accepts records")
)

// FanoutError 是 fanout 包返回的错误类型。
type FanoutError struct {
	apperr.BaseError
}

func NewFanoutError(code apperr.ErrorCode, message string) *FanoutError {
	return &FanoutError{
		BaseError: *apperr.NewError(code, message),
	}
}

func taskError(index int, message string, cause error) *FanoutError {
	e := &FanoutError{BaseError: *apperr.WrapError(CodeTaskFailed, message, cause)}
	e.WithContext("task", index)
	return e
}

func acquireError(index int, cause error) *FanoutError {
	e := &FanoutError{BaseError: *apperr.WrapError(CodeAcquireFailed, "cannot acquire connection", cause)}
	e.WithContext("task", index)
	return e
}
