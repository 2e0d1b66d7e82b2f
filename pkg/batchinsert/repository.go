// Package batchinsert 提供事务内以 COPY 协议批量写入记录的仓储。
//
// 三种写入方式都依附于调用方上下文中的事务：
//   - SaveByCopy 在事务自身的连接上缓冲并按批刷新，提交前结束 COPY 流；
//   - SaveByCopyConcurrent 把逐条记录分发给多个独立连接上的 worker；
//   - SaveAllByCopy / SaveAllByCopyParallel 把一批记录切片后并发写入，提交前统一结算。
//
// 没有活动事务时所有写入操作都返回 txscope.ErrNoActiveTransaction 且不产生副作用。
package batchinsert

import (
	"context"

	"github.com/sirupsen/logrus"

	"bulkcopy/pkg/config"
	"bulkcopy/pkg/copier"
	"bulkcopy/pkg/fanout"
	"bulkcopy/pkg/logger"
	"bulkcopy/pkg/metrics"
	"bulkcopy/pkg/txscope"
)

// Backend 提供仓储需要的两类连接。
type Backend struct {
	// TxConn 返回当前事务连接上的 COPY 连接
	TxConn func(ctx context.Context) (copier.Conn, error)
	// Source 为并发写入提供独立连接
	Source fanout.Source
}

// Option 配置 Repository。
type Option func(*options)

type options struct {
	recorder metrics.Recorder
}

// WithRecorder 设置结算统计的接收者。
func WithRecorder(r metrics.Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// Repository 把类型 R 的记录写入 proc 描述的表。
type Repository[R any] struct {
	proc     copier.Processor[R]
	backend  Backend
	config   config.BatchInsertionConfig
	recorder metrics.Recorder

	keySingle     string
	keyConcurrent string
	keyBatch      string

	log *logrus.Entry
}

// NewRepository 创建仓储。cfg 中非正的值使用默认配置。
func NewRepository[R any](proc copier.Processor[R], backend Backend, cfg config.BatchInsertionConfig, opts ...Option) *Repository[R] {
	defaults := config.Default().BatchInsertion
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.ParallelThreads <= 0 {
		cfg.ParallelThreads = defaults.ParallelThreads
	}

	o := options{recorder: metrics.Nop{}}
	for _, opt := range opts {
		opt(&o)
	}

	table := proc.Target().Table
	return &Repository[R]{
		proc:          proc,
		backend:       backend,
		config:        cfg,
		recorder:      o.recorder,
		keySingle:     "batchinsert.copy:" + table,
		keyConcurrent: "batchinsert.concurrent:" + table,
		keyBatch:      "batchinsert.jobs:" + table,
		log:           logger.WithComponent("batchinsert").WithField("table", table),
	}
}

// Keys 返回仓储在事务中使用的三个资源键：单连接写入、并发流水线、并发分片。
func (r *Repository[R]) Keys() (single, concurrent, batch string) {
	return r.keySingle, r.keyConcurrent, r.keyBatch
}

func (r *Repository[R]) single(ctx context.Context) (*singleWriter[R], error) {
	return txscope.GetOrCreate(ctx, r.keySingle, func() (*singleWriter[R], error) {
		conn, err := r.backend.TxConn(ctx)
		if err != nil {
			return nil, err
		}
		r.log.Debug("创建事务连接上的 COPY 写入器")
		return &singleWriter[R]{
			saver:    copier.NewSaver[R](conn, r.proc, copier.SaverConfig{FlushThreshold: r.config.BatchSize}),
			table:    r.proc.Target().Table,
			recorder: r.recorder,
		}, nil
	})
}

// SaveByCopy 在事务连接上缓冲一条记录，缓冲满 BatchSize 行时自动刷新。
// 剩余的行在事务提交前写出。
func (r *Repository[R]) SaveByCopy(ctx context.Context, record R) error {
	w, err := r.single(ctx)
	if err != nil {
		return err
	}
	return w.saver.Add(ctx, record)
}

// FlushByCopy 立即写出事务连接上缓冲的行。写出的行在事务提交前对其他事务不可见。
// 当前事务还没有写入器时什么也不做。
func (r *Repository[R]) FlushByCopy(ctx context.Context) error {
	scope, err := txscope.Active(ctx)
	if err != nil {
		return err
	}
	bound, ok := scope.Resource(r.keySingle)
	if !ok {
		return nil
	}
	w, ok := bound.(*singleWriter[R])
	if !ok {
		return txscope.ErrResourceType
	}
	return w.saver.Flush(ctx)
}

// SaveByCopyConcurrent 把一条记录交给并发流水线。流水线在事务中第一次调用时启动
// ParallelThreads 个 worker，各自在独立连接上写入。
func (r *Repository[R]) SaveByCopyConcurrent(ctx context.Context, record R) error {
	res, err := txscope.GetOrCreate(ctx, r.keyConcurrent, func() (*fanoutResource[*fanout.Pipeline[R]], error) {
		p, err := fanout.NewPipeline[R](r.backend.Source, r.proc, fanout.PipelineConfig{
			Parallel:  r.config.ParallelThreads,
			BatchSize: r.config.BatchSize,
		})
		if err != nil {
			return nil, err
		}
		return &fanoutResource[*fanout.Pipeline[R]]{
			inner:    p,
			strategy: metrics.StrategyConcurrent,
			table:    r.proc.Target().Table,
			recorder: r.recorder,
		}, nil
	})
	if err != nil {
		return err
	}
	return res.inner.Add(ctx, record)
}

// SaveAllByCopy 以默认并发数写入一批记录。
func (r *Repository[R]) SaveAllByCopy(ctx context.Context, records []R) error {
	return r.SaveAllByCopyParallel(ctx, records, r.config.ParallelThreads)
}

// SaveAllByCopyParallel 把 records 切成至多 parallelism 个分片，每个分片在独立连接上缓冲，
// 立即返回；分片在事务提交前统一写出并提交，任何分片失败都会阻止事务提交。
func (r *Repository[R]) SaveAllByCopyParallel(ctx context.Context, records []R, parallelism int) error {
	if parallelism < 1 {
		return fanout.ErrInvalidParallelism
	}
	res, err := txscope.GetOrCreate(ctx, r.keyBatch, func() (*fanoutResource[*fanout.JobSet[R]], error) {
		return &fanoutResource[*fanout.JobSet[R]]{
			inner:    fanout.NewJobSet[R](r.backend.Source, r.proc),
			strategy: metrics.StrategyBatch,
			table:    r.proc.Target().Table,
			recorder: r.recorder,
		}, nil
	})
	if err != nil {
		return err
	}
	return res.inner.SubmitBatch(ctx, records, parallelism)
}
