package copier

import (
	"context"
	"fmt"
	"strings"
)

// Target 描述 COPY 的目标表与列顺序。
type Target struct {
	Table   string
	Columns []string
}

// String 返回用于日志的 "table(col1,col2)" 形式。
func (t Target) String() string {
	if len(t.Columns) == 0 {
		return t.Table
	}
	return fmt.Sprintf("%s(%s)", t.Table, strings.Join(t.Columns, ","))
}

// Processor 把一条记录转换为一行 COPY 格式的数据（包含行尾换行符）。
type Processor[R any] interface {
	Target() Target
	Encode(record R) ([]byte, error)
}

// Conn 是能够发起 COPY FROM STDIN 的数据库连接。
type Conn interface {
	BeginStream(ctx context.Context, target Target) (Stream, error)
}

// Stream 是一次进行中的 COPY。End 之前连接不能执行其他语句。
type Stream interface {
	// WriteRow 发送一行已编码的数据。
	WriteRow(row []byte) error
	// Flush 把已写入但仍在本地缓冲的数据发送给服务端。
	Flush() error
	// End 结束 COPY 并返回服务端确认写入的行数。
	End() (int64, error)
	// Abort 放弃 COPY，服务端会收到 CopyFail。
	Abort(cause error)
}
