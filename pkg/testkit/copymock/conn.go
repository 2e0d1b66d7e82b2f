// Package copymock 提供 COPY 连接、流、连接租约和事务的内存实现，供各包测试使用。
package copymock

import (
	"context"
	"errors"
	"sync"

	"bulkcopy/pkg/copier"
)

// ErrInjected 是注入故障时的默认错误。
var ErrInjected = errors.New("injected failure")

// Conn 是记录所有 COPY 行的内存连接。
type Conn struct {
	mu sync.Mutex

	// FailBegin 不为 nil 时 BeginStream 返回该错误
	FailBegin error
	// FailWriteAt 大于 0 时第 N 次 WriteRow（从 1 开始）返回 ErrInjected
	FailWriteAt int
	// FailEnd 不为 nil 时 End 返回该错误
	FailEnd error
	// FailFlush 不为 nil 时 Flush 返回该错误
	FailFlush error
	// FailRow 对某一行返回 true 时该行的 WriteRow 返回 ErrInjected
	FailRow func(row []byte) bool

	streams  []*Stream
	writes   int
	rowsSeen [][]byte
}

// NewConn 创建一个空的内存连接。
func NewConn() *Conn {
	return &Conn{}
}

// BeginStream 实现 copier.Conn。
func (c *Conn) BeginStream(_ context.Context, target copier.Target) (copier.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.FailBegin != nil {
		return nil, c.FailBegin
	}
	s := &Stream{conn: c, Target: target}
	c.streams = append(c.streams, s)
	return s, nil
}

// Streams 返回已打开的流。
func (c *Conn) Streams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Stream, len(c.streams))
	copy(out, c.streams)
	return out
}

// Rows 返回所有流写入的行（字符串形式），按写入顺序。
func (c *Conn) Rows() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rowsSeen))
	for _, r := range c.rowsSeen {
		out = append(out, string(r))
	}
	return out
}

// Stream 是内存中的 COPY 流。
type Stream struct {
	conn   *Conn
	Target copier.Target

	mu      sync.Mutex
	rows    int64
	flushes int
	ended   bool
	aborted error
}

// WriteRow 实现 copier.Stream。
func (s *Stream) WriteRow(row []byte) error {
	s.conn.mu.Lock()
	s.conn.writes++
	fail := s.conn.FailWriteAt > 0 && s.conn.writes == s.conn.FailWriteAt
	if s.conn.FailRow != nil && s.conn.FailRow(row) {
		fail = true
	}
	if !fail {
		cp := make([]byte, len(row))
		copy(cp, row)
		s.conn.rowsSeen = append(s.conn.rowsSeen, cp)
	}
	s.conn.mu.Unlock()

	if fail {
		return ErrInjected
	}

	s.mu.Lock()
	s.rows++
	s.mu.Unlock()
	return nil
}

// Flush 实现 copier.Stream。
func (s *Stream) Flush() error {
	s.conn.mu.Lock()
	failFlush := s.conn.FailFlush
	s.conn.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if failFlush != nil {
		return failFlush
	}
	s.flushes++
	return nil
}

// Flushes 返回 Flush 成功的次数。
func (s *Stream) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushes
}

// End 实现 copier.Stream。
func (s *Stream) End() (int64, error) {
	s.conn.mu.Lock()
	failEnd := s.conn.FailEnd
	s.conn.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	if failEnd != nil {
		return 0, failEnd
	}
	return s.rows, nil
}

// Abort 实现 copier.Stream。
func (s *Stream) Abort(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cause == nil {
		cause = ErrInjected
	}
	s.aborted = cause
}

// Ended 报告 End 是否被调用。
func (s *Stream) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// Aborted 返回 Abort 的原因，未放弃时为 nil。
func (s *Stream) Aborted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborted
}

// RowCount 返回该流成功写入的行数。
func (s *Stream) RowCount() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}
