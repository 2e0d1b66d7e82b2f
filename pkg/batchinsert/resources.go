package batchinsert

import (
	"context"
	"errors"
	"time"

	"bulkcopy/pkg/copier"
	"bulkcopy/pkg/fanout"
	"bulkcopy/pkg/metrics"
	"bulkcopy/pkg/txscope"
)

var errTransactionEnded = errors.New("transaction ended before settlement")

// singleWriter 是事务连接上唯一的 Saver，结算时结束 COPY 流。
type singleWriter[R any] struct {
	saver    *copier.Saver[R]
	table    string
	recorder metrics.Recorder
}

func (w *singleWriter[R]) Settle(ctx context.Context) error {
	start := time.Now()
	err := w.saver.Close(ctx)
	stats := w.saver.Stats()
	w.recorder.RecordSettlement(metrics.Settlement{
		Strategy: metrics.StrategySingle,
		Table:    w.table,
		Workers:  1,
		Flushes:  stats.Flushes,
		Rows:     stats.RowsWritten,
		Elapsed:  time.Since(start),
		Err:      err,
	})
	return err
}

func (w *singleWriter[R]) Release(txscope.Status) {
	if !w.saver.Closed() {
		w.saver.Abort(errTransactionEnded)
	}
}

// settler 是 fanout.JobSet 和 fanout.Pipeline 的共同行为。
type settler interface {
	Settle(ctx context.Context) error
	Release(status txscope.Status)
	Summary() fanout.Summary
}

// fanoutResource 为并发写入结算记录统计。
type fanoutResource[S settler] struct {
	inner    S
	strategy metrics.Strategy
	table    string
	recorder metrics.Recorder
}

func (r *fanoutResource[S]) Settle(ctx context.Context) error {
	start := time.Now()
	err := r.inner.Settle(ctx)
	sum := r.inner.Summary()
	r.recorder.RecordSettlement(metrics.Settlement{
		Strategy: r.strategy,
		Table:    r.table,
		Workers:  sum.Workers,
		Flushes:  sum.Flushes,
		Rows:     sum.RowsWritten,
		Elapsed:  time.Since(start),
		Err:      err,
	})
	return err
}

func (r *fanoutResource[S]) Release(status txscope.Status) {
	r.inner.Release(status)
}
