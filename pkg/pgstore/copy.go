package pgstore

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"bulkcopy/pkg/copier"
)

// streamBufferSize 是 COPY 数据在发送前的缓冲大小，对应 pgconn 单条 CopyData 消息的常见上限。
const streamBufferSize = 64 * 1024

// CopyConn 在一个 PostgreSQL 连接上打开 COPY FROM STDIN 流。
// 同一连接上一次只能有一个流，流打开期间连接不能执行其他语句。
type CopyConn struct {
	pg *pgconn.PgConn
}

// NewCopyConn 包装一个底层连接。
func NewCopyConn(pg *pgconn.PgConn) *CopyConn {
	return &CopyConn{pg: pg}
}

// BeginStream 实现 copier.Conn。COPY 在后台 goroutine 中执行，
// 流的生命周期由 End 或 Abort 结束，不随 ctx 取消。
func (c *CopyConn) BeginStream(ctx context.Context, target copier.Target) (copier.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sql := CopySQL(target)
	streamCtx := context.WithoutCancel(ctx)
	return startStream(func(r io.Reader) (int64, error) {
		tag, err := c.pg.CopyFrom(streamCtx, r, sql)
		return tag.RowsAffected(), err
	}), nil
}

// CopySQL 生成 COPY 语句，表名和列名都经过引用。表名可以带 schema 前缀。
func CopySQL(target copier.Target) string {
	table := pgx.Identifier(strings.Split(target.Table, ".")).Sanitize()
	if len(target.Columns) == 0 {
		return fmt.Sprintf("COPY %s FROM STDIN", table)
	}
	cols := make([]string, len(target.Columns))
	for i, c := range target.Columns {
		cols[i] = pgx.Identifier{c}.Sanitize()
	}
	return fmt.Sprintf("COPY %s (%s) FROM STDIN", table, strings.Join(cols, ", "))
}

// copyStream 通过管道把行交给正在执行的 COPY。
type copyStream struct {
	pw  *io.PipeWriter
	buf *bufio.Writer

	done chan struct{}
	rows int64
	err  error

	once sync.Once
}

func startStream(copyFn func(r io.Reader) (int64, error)) *copyStream {
	pr, pw := io.Pipe()
	s := &copyStream{
		pw:   pw,
		buf:  bufio.NewWriterSize(pw, streamBufferSize),
		done: make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		s.rows, s.err = copyFn(pr)
		// COPY 提前结束时让阻塞的写入返回
		if s.err != nil {
			pr.CloseWithError(s.err)
		} else {
			pr.Close()
		}
	}()
	return s
}

func (s *copyStream) WriteRow(row []byte) error {
	_, err := s.buf.Write(row)
	return err
}

// Flush 把缓冲的行写入管道，返回时服务端读取方已经收到这些数据。
func (s *copyStream) Flush() error {
	return s.buf.Flush()
}

// End 发送剩余数据并等待服务端返回写入行数。
func (s *copyStream) End() (int64, error) {
	var flushErr error
	s.once.Do(func() {
		flushErr = s.buf.Flush()
		if flushErr != nil {
			s.pw.CloseWithError(flushErr)
		} else {
			s.pw.Close()
		}
	})
	<-s.done
	if s.err != nil {
		return s.rows, s.err
	}
	return s.rows, flushErr
}

// Abort 以错误关闭管道，服务端收到 CopyFail，已发送的行全部丢弃。
func (s *copyStream) Abort(cause error) {
	if cause == nil {
		cause = io.ErrUnexpectedEOF
	}
	s.once.Do(func() {
		s.pw.CloseWithError(cause)
	})
	<-s.done
}
