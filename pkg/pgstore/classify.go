package pgstore

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrorLevel 定义数据库错误的类别
type ErrorLevel int

const (
	LevelUnknown    ErrorLevel = iota // 未知错误
	LevelConnection                   // 连接不可用或资源不足，熔断器计为失败
	LevelData                         // 数据或约束错误，由请求内容导致
	LevelCanceled                     // 调用方取消或超时
)

func (l ErrorLevel) String() string {
	switch l {
	case LevelConnection:
		return "connection"
	case LevelData:
		return "data"
	case LevelCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Classify 按 SQLSTATE 类别和网络错误对错误分类。
func Classify(err error) ErrorLevel {
	if err == nil {
		return LevelUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return LevelCanceled
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, ErrConnect) {
		return LevelConnection
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			strings.HasPrefix(pgErr.Code, "57P"): // operator intervention
			return LevelConnection
		case strings.HasPrefix(pgErr.Code, "22"), // data exception
			strings.HasPrefix(pgErr.Code, "23"), // integrity constraint violation
			strings.HasPrefix(pgErr.Code, "42"): // syntax error or access rule violation
			return LevelData
		}
		return LevelUnknown
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return LevelConnection
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return LevelConnection
	}
	return LevelUnknown
}

// countsAsFailure 报告错误是否应计入熔断器的失败次数。
func countsAsFailure(err error) bool {
	switch Classify(err) {
	case LevelCanceled, LevelData:
		return false
	}
	return err != nil
}
