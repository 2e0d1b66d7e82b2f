package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"bulkcopy/pkg/batchinsert"
	"bulkcopy/pkg/logger"
	"bulkcopy/pkg/txscope"
)

// Strategy 写入方式
type Strategy string

const (
	StrategyCopy           Strategy = "copy"            // 事务连接上单线程写入
	StrategyCopyConcurrent Strategy = "copy-concurrent" // 逐条分发给并发流水线
	StrategyCopyAll        Strategy = "copy-all"        // 整批切片并发写入
)

var (
	// ErrRolledBack 是 fail_after 请求在写入后故意返回的错误
	ErrRolledBack      = errors.New("load rolled back on request")
	ErrUnknownStrategy = errors.New("unknown strategy")
	// ErrParallelism 表示请求的并发数超过连接池能同时提供的连接数
	ErrParallelism = errors.New("parallelism exceeds available connections")
)

// LoadRequest 写入请求
type LoadRequest struct {
	Count       int      `json:"count" binding:"required,min=1,max=10000000"`
	Strategy    Strategy `json:"strategy"`
	Parallelism int      `json:"parallelism"`
	// FlushEvery 大于 0 时 copy 方式每写入这么多条显式刷新一次
	FlushEvery int `json:"flush_every"`
	// FailAfter 为 true 时写入完成后返回错误，事务回滚
	FailAfter bool `json:"fail_after"`
}

// LoadResult 写入结果
type LoadResult struct {
	Strategy Strategy      `json:"strategy"`
	Count    int           `json:"count"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}

// PaymentService 生成付款单据并按指定方式在一个事务中写入
type PaymentService struct {
	manager *txscope.Manager
	repo    *batchinsert.Repository[PaymentDocument]
	gen     *Generator
	// maxParallelism 是单个请求可用的并发连接数，事务本身另占一个连接
	maxParallelism int
	log            *logrus.Entry
}

// NewPaymentService 创建服务。maxParallelism 为 copy-all 请求允许的最大并发数。
func NewPaymentService(manager *txscope.Manager, repo *batchinsert.Repository[PaymentDocument], gen *Generator, maxParallelism int) *PaymentService {
	return &PaymentService{
		manager:        manager,
		repo:           repo,
		gen:            gen,
		maxParallelism: maxParallelism,
		log:            logger.WithComponent("payment-service"),
	}
}

// Load 生成 req.Count 张单据并写入
func (s *PaymentService) Load(ctx context.Context, req LoadRequest) (LoadResult, error) {
	if req.Strategy == "" {
		req.Strategy = StrategyCopy
	}
	switch req.Strategy {
	case StrategyCopy, StrategyCopyConcurrent, StrategyCopyAll:
	default:
		return LoadResult{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, req.Strategy)
	}
	// 分片任务持有连接直到结算，超出连接池容量的任务会永远等待连接
	if req.Parallelism > s.maxParallelism {
		return LoadResult{}, fmt.Errorf("%w: %d > %d", ErrParallelism, req.Parallelism, s.maxParallelism)
	}

	docs := s.gen.Generate(req.Count)
	log := s.log.WithFields(logrus.Fields{
		"strategy": string(req.Strategy),
		"count":    req.Count,
	})
	log.Info("开始写入付款单据")

	start := time.Now()
	err := s.manager.InTransaction(ctx, func(ctx context.Context) error {
		if err := s.write(ctx, req, docs); err != nil {
			return err
		}
		if req.FailAfter {
			return ErrRolledBack
		}
		return nil
	})
	elapsed := time.Since(start)
	if err != nil {
		log.WithError(err).WithField("elapsed", elapsed).Warn("付款单据写入失败，事务已回滚")
		return LoadResult{}, err
	}

	log.WithField("elapsed", elapsed).Info("付款单据写入完成")
	return LoadResult{Strategy: req.Strategy, Count: req.Count, Elapsed: elapsed}, nil
}

func (s *PaymentService) write(ctx context.Context, req LoadRequest, docs []PaymentDocument) error {
	switch req.Strategy {
	case StrategyCopyConcurrent:
		for _, d := range docs {
			if err := s.repo.SaveByCopyConcurrent(ctx, d); err != nil {
				return err
			}
		}
		return nil

	case StrategyCopyAll:
		if req.Parallelism > 0 {
			return s.repo.SaveAllByCopyParallel(ctx, docs, req.Parallelism)
		}
		return s.repo.SaveAllByCopy(ctx, docs)

	default:
		for i, d := range docs {
			if err := s.repo.SaveByCopy(ctx, d); err != nil {
				return err
			}
			if req.FlushEvery > 0 && (i+1)%req.FlushEvery == 0 {
				if err := s.repo.FlushByCopy(ctx); err != nil {
					return err
				}
			}
		}
		return nil
	}
}
