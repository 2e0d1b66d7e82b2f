package pgstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorLevel
	}{
		// 连接类错误
		{"服务端关闭", &pgconn.PgError{Code: "57P01"}, LevelConnection},
		{"连接过多", &pgconn.PgError{Code: "53300"}, LevelConnection},
		{"连接异常", &pgconn.PgError{Code: "08006"}, LevelConnection},
		{"网络错误", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, LevelConnection},
		{"熔断打开", wrapStoreError(CodeCircuitOpen, "rejected", errors.New("open")), LevelConnection},
		{"包装后的网络错误", fmt.Errorf("acquire: %w", &net.OpError{Op: "read", Err: errors.New("reset")}), LevelConnection},

		// 数据类错误
		{"唯一约束", &pgconn.PgError{Code: "23505"}, LevelData},
		{"数据格式", &pgconn.PgError{Code: "22P02"}, LevelData},
		{"表不存在", &pgconn.PgError{Code: "42P01"}, LevelData},

		// 取消
		{"取消", context.Canceled, LevelCanceled},
		{"超时", fmt.Errorf("copy: %w", context.DeadlineExceeded), LevelCanceled},

		// 未知
		{"nil错误", nil, LevelUnknown},
		{"死锁", &pgconn.PgError{Code: "40P01"}, LevelUnknown},
		{"其他错误", errors.New("some other error"), LevelUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Classify(tt.err), "错误分类应匹配预期: %s", tt.name)
		})
	}
}

func TestCountsAsFailure(t *testing.T) {
	assert.False(t, countsAsFailure(nil))
	assert.False(t, countsAsFailure(context.Canceled))
	assert.False(t, countsAsFailure(&pgconn.PgError{Code: "23505"}))
	assert.True(t, countsAsFailure(&pgconn.PgError{Code: "53300"}))
	assert.True(t, countsAsFailure(errors.New("unknown")))
}

func TestErrorLevelString(t *testing.T) {
	assert.Equal(t, "connection", LevelConnection.String())
	assert.Equal(t, "data", LevelData.String())
	assert.Equal(t, "canceled", LevelCanceled.String())
	assert.Equal(t, "unknown", LevelUnknown.String())
}
