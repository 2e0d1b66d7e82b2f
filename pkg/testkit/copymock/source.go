package copymock

import (
	"context"
	"sync"
	"sync/atomic"

	"bulkcopy/pkg/copier"
)

// Source 为每次 Acquire 创建一个新的 Lease，并记录全部租约。
type Source struct {
	mu     sync.Mutex
	leases []*Lease

	// ConfigureConn 在每个新连接创建后调用，index 从 0 开始，可用于注入故障
	ConfigureConn func(index int, conn *Conn)
	// FailAcquire 不为 nil 时 Acquire 返回该错误
	FailAcquire error

	inUse    atomic.Int64
	maxInUse atomic.Int64
}

// NewSource 创建内存连接源。
func NewSource() *Source {
	return &Source{}
}

// Acquire 返回一个新的租约。租约的 Conn 方法满足 fanout.Lease。
func (s *Source) Acquire(ctx context.Context) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.FailAcquire != nil {
		return nil, s.FailAcquire
	}

	s.mu.Lock()
	index := len(s.leases)
	conn := NewConn()
	if s.ConfigureConn != nil {
		s.ConfigureConn(index, conn)
	}
	l := &Lease{Index: index, conn: conn, source: s}
	s.leases = append(s.leases, l)
	s.mu.Unlock()

	n := s.inUse.Add(1)
	for {
		m := s.maxInUse.Load()
		if n <= m || s.maxInUse.CompareAndSwap(m, n) {
			break
		}
	}
	return l, nil
}

// Leases 返回所有已发放的租约，按发放顺序。
func (s *Source) Leases() []*Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Lease, len(s.leases))
	copy(out, s.leases)
	return out
}

// InUse 返回尚未释放的租约数。
func (s *Source) InUse() int64 {
	return s.inUse.Load()
}

// MaxInUse 返回同时持有的租约数的峰值。
func (s *Source) MaxInUse() int64 {
	return s.maxInUse.Load()
}

// Lease 是一个独占连接的租约。
type Lease struct {
	Index int

	conn   *Conn
	source *Source

	mu        sync.Mutex
	committed bool
	released  bool
	// FailCommit 不为 nil 时 Commit 返回该错误
	FailCommit error
}

// Conn 返回租约持有的连接。
func (l *Lease) Conn() copier.Conn {
	return l.conn
}

// MockConn 返回具体的内存连接以便断言。
func (l *Lease) MockConn() *Conn {
	return l.conn
}

// Commit 提交该连接上的事务。
func (l *Lease) Commit(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.FailCommit != nil {
		return l.FailCommit
	}
	l.committed = true
	return nil
}

// Release 归还连接，多次调用只生效一次。
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.source.inUse.Add(-1)
}

// Committed 报告是否已提交。
func (l *Lease) Committed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.committed
}

// Released 报告是否已归还。
func (l *Lease) Released() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}
