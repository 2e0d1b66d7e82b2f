package copier

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"bulkcopy/pkg/logger"
)

// SaverConfig 定义了 Saver 的配置选项。
type SaverConfig struct {
	// FlushThreshold 是 Add 触发自动刷新的缓冲行数，0 表示只在显式 Flush/Close 时写入。
	FlushThreshold int `mapstructure:"flush_threshold"`
}

// SaverStats 包含了 Saver 的运行统计信息。
type SaverStats struct {
	Flushes     int64     `json:"flushes"`      // 实际发生写入的刷新次数
	RowsFlushed int64     `json:"rows_flushed"` // 已发送到 COPY 流的行数
	RowsWritten int64     `json:"rows_written"` // COPY 结束时服务端确认的行数
	Buffered    int       `json:"buffered"`     // 当前缓冲区中的行数
	LastFlush   time.Time `json:"last_flush"`   // 最后一次成功刷新的时间
}

// Saver 缓存编码后的行，并通过唯一持有的连接以 COPY 协议写入数据库。
// COPY 流在第一次刷新时打开，只有 Close 才会结束它。
type Saver[R any] struct {
	conn   Conn
	proc   Processor[R]
	target Target
	config SaverConfig

	mu       sync.Mutex
	buffer   [][]byte
	stream   Stream
	broken   error
	closed   bool
	closeErr error
	stats    SaverStats

	log *logrus.Entry
}

// NewSaver 创建一个绑定到 conn 的 Saver。
func NewSaver[R any](conn Conn, proc Processor[R], config SaverConfig) *Saver[R] {
	target := proc.Target()
	capacity := config.FlushThreshold
	if capacity <= 0 {
		capacity = 64
	}
	return &Saver[R]{
		conn:   conn,
		proc:   proc,
		target: target,
		config: config,
		buffer: make([][]byte, 0, capacity),
		log:    logger.WithComponent("copier").WithField("table", target.Table),
	}
}

// Append 编码记录并追加到缓冲区，不做任何 I/O。编码失败时缓冲区保持不变。
func (s *Saver[R]) Append(record R) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(record)
}

func (s *Saver[R]) appendLocked(record R) error {
	if s.closed {
		return ErrSaverClosed
	}
	row, err := s.proc.Encode(record)
	if err != nil {
		if _, ok := err.(*CopyError); ok {
			return err
		}
		return newEncodingError(s.target, err)
	}
	s.buffer = append(s.buffer, row)
	return nil
}

// Add 追加一条记录，缓冲行数达到 FlushThreshold 时自动刷新。
func (s *Saver[R]) Add(ctx context.Context, record R) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.appendLocked(record); err != nil {
		return err
	}
	if s.config.FlushThreshold > 0 && len(s.buffer) >= s.config.FlushThreshold {
		return s.flushLocked(ctx)
	}
	return nil
}

// Flush 把缓冲区中的所有行按顺序写入 COPY 流并清空缓冲区。空缓冲区时什么也不做。
func (s *Saver[R]) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSaverClosed
	}
	return s.flushLocked(ctx)
}

func (s *Saver[R]) flushLocked(ctx context.Context) error {
	if s.broken != nil {
		return newWriteError(s.target, "copy stream is broken", s.broken)
	}
	if len(s.buffer) == 0 {
		return nil
	}

	if s.stream == nil {
		stream, err := s.conn.BeginStream(ctx, s.target)
		if err != nil {
			return newWriteError(s.target, "cannot begin copy stream", err)
		}
		s.stream = stream
		s.log.Debugf("COPY 流已打开: %s", s.target)
	}

	for i, row := range s.buffer {
		if err := s.stream.WriteRow(row); err != nil {
			s.broken = err
			s.stats.RowsFlushed += int64(i)
			// 未写出的行保留在缓冲区中，流已不可用
			s.buffer = s.buffer[i:]
			return newWriteError(s.target, "cannot write copy row", err)
		}
	}

	n := len(s.buffer)
	s.buffer = s.buffer[:0]
	if err := s.stream.Flush(); err != nil {
		s.broken = err
		return newWriteError(s.target, "cannot send copy data", err)
	}
	s.stats.Flushes++
	s.stats.RowsFlushed += int64(n)
	s.stats.LastFlush = time.Now()

	s.log.WithField("rows", n).Debug("批量数据已刷新")
	return nil
}

// Close 执行最后一次刷新并结束 COPY 流。可重复调用，之后的调用返回第一次的结果；
// 出错后调用会放弃而不是结束流。
func (s *Saver[R]) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return s.closeErr
	}

	err := s.flushLocked(ctx)
	s.closed = true

	if s.stream == nil {
		s.closeErr = err
		return err
	}

	if err != nil {
		s.stream.Abort(err)
		s.closeErr = err
		return err
	}

	rows, endErr := s.stream.End()
	if endErr != nil {
		s.closeErr = newWriteError(s.target, "cannot end copy stream", endErr)
		return s.closeErr
	}
	s.stats.RowsWritten = rows
	s.log.WithFields(logrus.Fields{
		"rows":    rows,
		"flushes": s.stats.Flushes,
	}).Debug("COPY 流已结束")
	return nil
}

// Abort 放弃尚未结束的 COPY 流并丢弃缓冲区，用于事务回滚时释放资源。
func (s *Saver[R]) Abort(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.closeErr = ErrSaverClosed
	s.buffer = nil
	if s.stream != nil {
		s.stream.Abort(cause)
		s.log.WithError(cause).Warn("COPY 流已放弃")
	}
}

// Closed 报告 Close 或 Abort 是否已经执行。
func (s *Saver[R]) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Len 返回当前缓冲的行数。
func (s *Saver[R]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Stats 返回当前的运行统计信息。
func (s *Saver[R]) Stats() SaverStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	stats.Buffered = len(s.buffer)
	return stats
}
