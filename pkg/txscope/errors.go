package txscope

import (
	apperr "bulkcopy/pkg/error"
)

const (
	// CodeNoActiveTransaction 表示调用事务范围操作时没有活动的事务。
	CodeNoActiveTransaction apperr.ErrorCode = "NO_ACTIVE_TRANSACTION"
	// CodeSettlementFailed 表示提交前回调失败，事务不能提交。
	CodeSettlementFailed apperr.ErrorCode = "SETTLEMENT_FAILED"
	// CodeAlreadyBound 表示同一个键已经绑定了资源。
	CodeAlreadyBound apperr.ErrorCode = "RESOURCE_ALREADY_BOUND"
	// CodeResourceType 表示键上绑定的资源类型与期望不符。
	CodeResourceType apperr.ErrorCode = "RESOURCE_TYPE_MISMATCH"
	// CodeScopeCompleted 表示事务已经进入提交或完成阶段，不能再注册回调。
	CodeScopeCompleted apperr.ErrorCode = "SCOPE_COMPLETED"
	// CodeBeginFailed 表示开始数据库事务失败。
	CodeBeginFailed apperr.ErrorCode = "BEGIN_FAILED"
	// CodeCommitFailed 表示提交数据库事务失败。
	CodeCommitFailed apperr.ErrorCode = "COMMIT_FAILED"
)

var (
	ErrNoActiveTransaction = NewScopeError(CodeNoActiveTransaction, "transaction is not active, batch insertion by saver is not available")
	ErrSettlement          = NewScopeError(CodeSettlementFailed, "transaction settlement failed")
	ErrAlreadyBound        = NewScopeError(CodeAlreadyBound, "resource already bound")
	ErrResourceType        = NewScopeError(CodeResourceType, "resource has unexpected type")
	ErrScopeCompleted      = NewScopeError(CodeScopeCompleted, "transaction scope is completing")
	ErrBegin               = NewScopeError(CodeBeginFailed, "cannot begin transaction")
	ErrCommit              = NewScopeError(CodeCommitFailed, "cannot commit transaction")
)

// ScopeError 是 txscope 包返回的错误类型。
type ScopeError struct {
	apperr.BaseError
}

func NewScopeError(code apperr.ErrorCode, message string) *ScopeError {
	return &ScopeError{
		BaseError: *apperr.NewError(code, message),
	}
}

func wrapScopeError(code apperr.ErrorCode, message string, cause error) *ScopeError {
	return &ScopeError{
		BaseError: *apperr.WrapError(code, message, cause),
	}
}

func keyError(code apperr.ErrorCode, message, key string) *ScopeError {
	e := NewScopeError(code, message)
	e.WithContext("key", key)
	return e
}
