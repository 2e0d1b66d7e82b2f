package pgstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"bulkcopy/pkg/config"
	"bulkcopy/pkg/fanout"
	"bulkcopy/pkg/logger"
)

// BreakerStats 熔断器统计信息
type BreakerStats struct {
	TotalRequests      int64     `json:"total_requests"`
	SuccessfulRequests int64     `json:"successful_requests"`
	FailedRequests     int64     `json:"failed_requests"`
	RejectedRequests   int64     `json:"rejected_requests"`
	LastFailure        time.Time `json:"last_failure"`
}

// BreakerSource 熔断器装饰器
// 数据库持续拒绝新连接时，并发写入不再逐个等待获取超时，而是直接失败。
type BreakerSource struct {
	source  fanout.Source
	cb      *gobreaker.CircuitBreaker
	enabled bool

	mu    sync.RWMutex
	stats BreakerStats

	log *logrus.Entry
}

// NewBreakerSource 创建熔断器装饰器
func NewBreakerSource(name string, source fanout.Source, cfg config.BreakerConfig) *BreakerSource {
	b := &BreakerSource{
		source:  source,
		enabled: cfg.Enabled,
		log:     logger.WithComponent("pgstore").WithField("breaker", name),
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ReadyToTrip
		},
		// 调用方取消和数据错误不算数据库故障
		IsSuccessful: func(err error) bool {
			return !countsAsFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.log.WithFields(logrus.Fields{
				"from": from.String(),
				"to":   to.String(),
			}).Warn("熔断器状态变更")
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(settings)
	return b
}

// Acquire 实现 fanout.Source。
func (b *BreakerSource) Acquire(ctx context.Context) (fanout.Lease, error) {
	if !b.enabled {
		return b.source.Acquire(ctx)
	}

	b.mu.Lock()
	b.stats.TotalRequests++
	b.mu.Unlock()

	result, err := b.cb.Execute(func() (interface{}, error) {
		return b.source.Acquire(ctx)
	})
	if err != nil {
		b.record(err)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, wrapStoreError(CodeCircuitOpen, "connection acquisition rejected", err)
		}
		return nil, err
	}

	b.record(nil)
	return result.(fanout.Lease), nil
}

func (b *BreakerSource) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case err == nil:
		b.stats.SuccessfulRequests++
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.stats.RejectedRequests++
	default:
		b.stats.FailedRequests++
		b.stats.LastFailure = time.Now()
	}
}

// State 返回熔断器当前状态。
func (b *BreakerSource) State() gobreaker.State {
	return b.cb.State()
}

// Stats 返回统计信息。
func (b *BreakerSource) Stats() BreakerStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stats
}
