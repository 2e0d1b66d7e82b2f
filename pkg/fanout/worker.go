package fanout

import (
	"context"
	"errors"

	"bulkcopy/pkg/copier"
)

// Lease 是从连接池中独占借出的一个连接，带有它自己的数据库事务。
type Lease interface {
	Conn() copier.Conn
	// Commit 提交该连接上的事务。
	Commit(ctx context.Context) error
	// Release 归还连接，未提交的事务会被回滚。可多次调用。
	Release()
}

// Source 获取独立于调用方事务连接的新连接。
type Source interface {
	Acquire(ctx context.Context) (Lease, error)
}

// SourceFunc 把普通函数适配为 Source。
type SourceFunc func(ctx context.Context) (Lease, error)

func (f SourceFunc) Acquire(ctx context.Context) (Lease, error) {
	return f(ctx)
}

// Summary 是一次结算的汇总。
type Summary struct {
	Workers     int
	Flushes     int64
	RowsWritten int64
}

var errReleased = errors.New("transaction completed before settlement")

// worker 是一个连接租约和绑定在它上面的 Saver。
type worker[R any] struct {
	index int
	lease Lease
	saver *copier.Saver[R]
}

func spawnWorker[R any](ctx context.Context, source Source, index int, proc copier.Processor[R], cfg copier.SaverConfig) (*worker[R], error) {
	lease, err := source.Acquire(ctx)
	if err != nil {
		return nil, acquireError(index, err)
	}
	return &worker[R]{
		index: index,
		lease: lease,
		saver: copier.NewSaver[R](lease.Conn(), proc, cfg),
	}, nil
}

// settleWorkers 按顺序刷新并结束每个 Saver，全部成功后再逐个提交连接事务，
// 这样任何一个分片失败时其他分片都还没有提交。
func settleWorkers[R any](ctx context.Context, workers []*worker[R]) (Summary, error) {
	var sum Summary
	for _, w := range workers {
		if w == nil {
			continue
		}
		if err := w.saver.Flush(ctx); err != nil {
			return sum, taskError(w.index, "flush failed during settlement", err)
		}
		if err := w.saver.Close(ctx); err != nil {
			return sum, taskError(w.index, "finalize failed during settlement", err)
		}
		stats := w.saver.Stats()
		sum.Workers++
		sum.Flushes += stats.Flushes
		sum.RowsWritten += stats.RowsWritten
	}

	for _, w := range workers {
		if w == nil {
			continue
		}
		if err := w.lease.Commit(ctx); err != nil {
			return sum, taskError(w.index, "commit failed during settlement", err)
		}
	}
	return sum, nil
}

// releaseWorkers 放弃未完成的 Saver 并归还所有连接。
func releaseWorkers[R any](workers []*worker[R]) {
	for _, w := range workers {
		if w == nil {
			continue
		}
		if !w.saver.Closed() {
			w.saver.Abort(errReleased)
		}
		w.lease.Release()
	}
}
