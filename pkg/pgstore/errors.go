package pgstore

import (
	apperr "bulkcopy/pkg/error"
)

const (
	// CodeConnectFailed 表示无法创建或连通连接池。
	CodeConnectFailed apperr.ErrorCode = "CONNECT_FAILED"
	// CodeTransactionType 表示事务上下文中绑定的事务不是 pgx 事务。
	CodeTransactionType apperr.ErrorCode = "TRANSACTION_TYPE_MISMATCH"
	// CodeCircuitOpen 表示连接获取熔断器处于打开状态。
	CodeCircuitOpen apperr.ErrorCode = "CIRCUIT_OPEN"
)

var (
	ErrConnect         = NewStoreError(CodeConnectFailed, "cannot connect to database")
	ErrTransactionType = NewStoreError(CodeTransactionType, "bound transaction is not a pgx transaction")
	ErrCircuitOpen     = NewStoreError(CodeCircuitOpen, "connection acquisition circuit is open")
)

// StoreError 是 pgstore 包返回的错误类型。
type StoreError struct {
	apperr.BaseError
}

func NewStoreError(code apperr.ErrorCode, message string) *StoreError {
	return &StoreError{
		BaseError: *apperr.NewError(code, message),
	}
}

func wrapStoreError(code apperr.ErrorCode, message string, cause error) *StoreError {
	return &StoreError{BaseError: *apperr.WrapError(code, message, cause)}
}
