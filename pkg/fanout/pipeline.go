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

// PipelineConfig 定义了流水线的配置。
type PipelineConfig struct {
	// Parallel 是 worker 数量，每个 worker 独占一个连接
	Parallel int
	// BatchSize 是每个 worker 的自动刷新阈值，同时是输入通道的容量
	BatchSize int
}

// Pipeline 把逐条追加的记录轮询分发给固定数量的 worker，
// 每个 worker 在自己的连接上以 COPY 流持续写入，缓冲满 BatchSize 行自动刷新。
// 任何一个 worker 失败都会取消其余 worker，之后的 Add 立即返回该错误。
type Pipeline[R any] struct {
	source Source
	proc   copier.Processor[R]
	config PipelineConfig

	mu      sync.Mutex
	state   jobState
	started bool
	closed  bool
	inputs  []chan R
	workers []*worker[R]
	group   *errgroup.Group
	gctx    context.Context
	next    int
	summary Summary

	failMu  sync.Mutex
	failure error

	log *logrus.Entry
}

// NewPipeline 创建流水线。worker 在第一次 Add 时才启动。
func NewPipeline[R any](source Source, proc copier.Processor[R], config PipelineConfig) (*Pipeline[R], error) {
	if config.Parallel < 1 {
		return nil, ErrInvalidParallelism
	}
	if config.BatchSize < 1 {
		config.BatchSize = 1
	}
	return &Pipeline[R]{
		source: source,
		proc:   proc,
		config: config,
		log:    logger.WithComponent("fanout").WithField("table", proc.Target().Table),
	}, nil
}

func (p *Pipeline[R]) start(ctx context.Context) {
	p.group, p.gctx = errgroup.WithContext(ctx)
	p.inputs = make([]chan R, p.config.Parallel)
	p.workers = make([]*worker[R], p.config.Parallel)

	for i := range p.inputs {
		in := make(chan R, p.config.BatchSize)
		p.inputs[i] = in
		index := i
		p.group.Go(func() error {
			return p.run(index, in)
		})
	}
	p.started = true

	p.log.WithFields(logrus.Fields{
		"parallel":   p.config.Parallel,
		"batch_size": p.config.BatchSize,
	}).Debug("并发写入流水线已启动")
}

func (p *Pipeline[R]) run(index int, in <-chan R) error {
	w, err := spawnWorker(p.gctx, p.source, index, p.proc, copier.SaverConfig{FlushThreshold: p.config.BatchSize})
	if err != nil {
		p.fail(err)
		return err
	}
	p.workers[index] = w

	for {
		select {
		case <-p.gctx.Done():
			return p.gctx.Err()
		case rec, ok := <-in:
			if !ok {
				return nil
			}
			if err := w.saver.Add(p.gctx, rec); err != nil {
				werr := taskError(index, "pipeline worker failed", err)
				p.fail(werr)
				return werr
			}
		}
	}
}

func (p *Pipeline[R]) fail(err error) {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	if p.failure == nil {
		p.failure = err
	}
}

// Err 返回第一个失败的 worker 的错误。
func (p *Pipeline[R]) Err() error {
	p.failMu.Lock()
	defer p.failMu.Unlock()
	return p.failure
}

func (p *Pipeline[R]) cause() error {
	if err := p.Err(); err != nil {
		return err
	}
	return p.gctx.Err()
}

// Add 把一条记录交给下一个 worker。通道已满时阻塞，直到 worker 取走、流水线失败或 ctx 取消。
func (p *Pipeline[R]) Add(ctx context.Context, record R) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != jobOpen {
		return ErrPipelineClosed
	}
	if !p.started {
		p.start(ctx)
	}
	if err := p.Err(); err != nil {
		return err
	}

	in := p.inputs[p.next%len(p.inputs)]
	p.next++

	select {
	case in <- record:
		return nil
	case <-p.gctx.Done():
		return p.cause()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline[R]) closeInputs() {
	if !p.started || p.closed {
		return
	}
	for _, in := range p.inputs {
		close(in)
	}
	p.closed = true
}

// Settle 关闭输入并等待所有 worker 写完，然后结束每个 COPY 流并提交每个连接的事务。
func (p *Pipeline[R]) Settle(ctx context.Context) error {
	p.mu.Lock()
	if p.state != jobOpen {
		p.mu.Unlock()
		return ErrPipelineClosed
	}
	p.state = jobSettling
	started := p.started
	p.closeInputs()
	p.mu.Unlock()

	if !started {
		return nil
	}

	start := time.Now()
	if err := p.group.Wait(); err != nil {
		p.log.WithError(err).Error("并发写入流水线失败")
		return err
	}

	sum, err := settleWorkers(ctx, p.workers)
	if err != nil {
		p.log.WithError(err).Error("并发写入流水线结算失败")
		return err
	}

	p.mu.Lock()
	p.summary = sum
	p.mu.Unlock()

	p.log.WithFields(logrus.Fields{
		"workers": sum.Workers,
		"flushes": sum.Flushes,
		"rows":    sum.RowsWritten,
		"elapsed": time.Since(start),
	}).Info("并发写入流水线结算完成")
	return nil
}

// Summary 返回最近一次成功结算的汇总。
func (p *Pipeline[R]) Summary() Summary {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.summary
}

// Release 停止所有 worker，放弃未结束的 COPY 流并归还连接。
func (p *Pipeline[R]) Release(status txscope.Status) {
	p.mu.Lock()
	if p.state == jobDone {
		p.mu.Unlock()
		return
	}
	p.state = jobDone
	started := p.started
	p.closeInputs()
	p.mu.Unlock()

	if !started {
		return
	}
	_ = p.group.Wait()
	releaseWorkers(p.workers)

	if status != txscope.StatusCommitted {
		p.log.WithField("status", status.String()).Warn("并发写入流水线随事务回滚释放")
	}
}
