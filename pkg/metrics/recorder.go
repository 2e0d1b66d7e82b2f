// Package metrics 记录批量写入的结算统计。
package metrics

import (
	"time"

	"github.com/sirupsen/logrus"

	"bulkcopy/pkg/logger"
)

// Strategy 标识写入方式。
type Strategy string

const (
	StrategySingle     Strategy = "single"
	StrategyConcurrent Strategy = "concurrent"
	StrategyBatch      Strategy = "batch"
)

// Settlement 是一次资源结算的统计。
type Settlement struct {
	Strategy Strategy
	Table    string
	Workers  int
	Flushes  int64
	Rows     int64
	Elapsed  time.Duration
	Err      error
}

// Recorder 接收结算统计。实现必须可以并发调用。
type Recorder interface {
	RecordSettlement(s Settlement)
}

// Nop 丢弃所有统计。
type Nop struct{}

func (Nop) RecordSettlement(Settlement) {}

// LogRecorder 把统计写入日志。
type LogRecorder struct {
	log *logrus.Entry
}

// NewLogRecorder 创建日志记录器。
func NewLogRecorder() *LogRecorder {
	return &LogRecorder{log: logger.WithComponent("metrics")}
}

func (r *LogRecorder) RecordSettlement(s Settlement) {
	entry := r.log.WithFields(logrus.Fields{
		"strategy": string(s.Strategy),
		"table":    s.Table,
		"workers":  s.Workers,
		"flushes":  s.Flushes,
		"rows":     s.Rows,
		"elapsed":  s.Elapsed,
	})
	if s.Err != nil {
		entry.WithError(s.Err).Warn("批量写入结算失败")
		return
	}
	entry.Info("批量写入结算完成")
}

// Multi 把统计转发给多个 Recorder。
type Multi []Recorder

func (m Multi) RecordSettlement(s Settlement) {
	for _, r := range m {
		r.RecordSettlement(s)
	}
}
