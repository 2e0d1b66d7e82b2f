package fanout

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"bulkcopy/pkg/copier"
	"bulkcopy/pkg/logger"
	"bulkcopy/pkg/txscope"
)

// cancelCheckEvery 是任务追加记录时检查取消信号的间隔。
const cancelCheckEvery = 256

type jobState int

const (
	jobOpen jobState = iota
	jobSettling
	jobDone
)

// task 是一个分片的写入任务，worker 在所属 group 的 Wait 返回后才可读取。
type task[R any] struct {
	index  int
	size   int
	worker *worker[R]
}

// JobSet 是一个事务内所有并发分片任务的集合。
// 多次 SubmitBatch 的任务按提交顺序追加；结算开始后不再接受新任务，结算只执行一次。
type JobSet[R any] struct {
	source Source
	proc   copier.Processor[R]

	mu      sync.Mutex
	state   jobState
	tasks   []*task[R]
	groups  []*errgroup.Group
	summary Summary

	log *logrus.Entry
}

// NewJobSet 创建一个空的任务集。
func NewJobSet[R any](source Source, proc copier.Processor[R]) *JobSet[R] {
	return &JobSet[R]{
		source: source,
		proc:   proc,
		log:    logger.WithComponent("fanout").WithField("table", proc.Target().Table),
	}
}

// SubmitBatch 把 records 切成 min(parallelism, len(records)) 个连续分片，
// 每个分片在独立的 goroutine 中获取一个新连接、创建 Saver 并缓冲全部记录（不刷新）。
// 启动所有任务后立即返回；任务的失败在结算时报告。
func (j *JobSet[R]) SubmitBatch(ctx context.Context, records []R, parallelism int) error {
	chunks, err := Partition(records, parallelism)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != jobOpen {
		return ErrJobSetSettling
	}
	if len(chunks) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)

	for _, chunk := range chunks {
		t := &task[R]{index: len(j.tasks), size: len(chunk)}
		j.tasks = append(j.tasks, t)

		chunk := chunk
		// 分片数不超过 parallelism，Go 不会因为限流而阻塞
		g.Go(func() error {
			w, err := spawnWorker(gctx, j.source, t.index, j.proc, copier.SaverConfig{})
			if err != nil {
				return err
			}
			t.worker = w
			for i, rec := range chunk {
				if i%cancelCheckEvery == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				if err := w.saver.Append(rec); err != nil {
					return taskError(t.index, "cannot buffer record", err)
				}
			}
			return nil
		})
	}
	j.groups = append(j.groups, g)

	j.log.WithFields(logrus.Fields{
		"records":     len(records),
		"parallelism": parallelism,
		"chunks":      len(chunks),
		"tasks":       len(j.tasks),
	}).Debug("并发分片任务已提交")
	return nil
}

// Len 返回已提交的任务数。
func (j *JobSet[R]) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.tasks)
}

// Settle 等待所有任务完成（即使有任务失败也会等待全部），返回第一个失败；
// 然后按提交顺序对每个 Saver 执行 Flush 和 Close，最后提交每个连接的事务。
// 只能执行一次。
func (j *JobSet[R]) Settle(ctx context.Context) error {
	j.mu.Lock()
	if j.state != jobOpen {
		j.mu.Unlock()
		return ErrJobSetSettling
	}
	j.state = jobSettling
	groups := j.groups
	tasks := j.tasks
	j.mu.Unlock()

	start := time.Now()

	var firstErr error
	for _, g := range groups {
		if err := g.Wait(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		j.log.WithError(firstErr).Error("并发分片任务失败")
		return firstErr
	}

	workers := make([]*worker[R], 0, len(tasks))
	for _, t := range tasks {
		workers = append(workers, t.worker)
	}

	sum, err := settleWorkers(ctx, workers)
	if err != nil {
		j.log.WithError(err).Error("并发分片结算失败")
		return err
	}

	j.mu.Lock()
	j.summary = sum
	j.mu.Unlock()

	j.log.WithFields(logrus.Fields{
		"tasks":   sum.Workers,
		"rows":    sum.RowsWritten,
		"elapsed": time.Since(start),
	}).Info("并发分片结算完成")
	return nil
}

// Summary 返回最近一次成功结算的汇总。
func (j *JobSet[R]) Summary() Summary {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.summary
}

// Release 在事务终态调用：等待仍在运行的任务，放弃未完成的 Saver，归还全部连接。
func (j *JobSet[R]) Release(status txscope.Status) {
	j.mu.Lock()
	if j.state == jobDone {
		j.mu.Unlock()
		return
	}
	j.state = jobDone
	groups := j.groups
	tasks := j.tasks
	j.mu.Unlock()

	// 没有经过结算时任务可能仍在运行，必须先等待它们结束
	for _, g := range groups {
		_ = g.Wait()
	}

	workers := make([]*worker[R], 0, len(tasks))
	for _, t := range tasks {
		workers = append(workers, t.worker)
	}
	releaseWorkers(workers)

	if status != txscope.StatusCommitted {
		j.log.WithField("status", status.String()).Warn("并发分片任务随事务回滚释放")
	}
}
