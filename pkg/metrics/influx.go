package metrics

import (
	"context"
	"fmt"
	"sync"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"bulkcopy/pkg/config"
	"bulkcopy/pkg/logger"
)

// MeasurementSettlement 是结算统计的 measurement 名称。
const MeasurementSettlement = "bulk_settlement"

// PointWriter 是 InfluxRecorder 需要的写入接口，api.WriteAPI 满足它。
type PointWriter interface {
	WritePoint(point *write.Point)
	Flush()
}

// InfluxRecorder 把结算统计异步写入 InfluxDB。
type InfluxRecorder struct {
	client influxdb2.Client
	writer PointWriter

	closeOnce sync.Once
	log       *logrus.Entry
}

// NewInfluxRecorder 连接 InfluxDB 并检查健康状态。
func NewInfluxRecorder(ctx context.Context, cfg config.InfluxDBConfig) (*InfluxRecorder, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to InfluxDB: %w", err)
	}
	if health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("InfluxDB health check failed: %s", health.Status)
	}

	writeAPI := client.WriteAPI(cfg.Org, cfg.Bucket)
	r := NewInfluxRecorderWithWriter(writeAPI)
	r.client = client

	go func() {
		for err := range writeAPI.Errors() {
			r.log.WithError(err).Error("InfluxDB 写入失败")
		}
	}()

	r.log.WithFields(logrus.Fields{
		"url":    cfg.URL,
		"org":    cfg.Org,
		"bucket": cfg.Bucket,
	}).Info("InfluxDB 指标记录已启用")
	return r, nil
}

// NewInfluxRecorderWithWriter 使用给定的写入接口创建记录器。
func NewInfluxRecorderWithWriter(w PointWriter) *InfluxRecorder {
	return &InfluxRecorder{
		writer: w,
		log:    logger.WithComponent("metrics"),
	}
}

// RecordSettlement 实现 Recorder。
func (r *InfluxRecorder) RecordSettlement(s Settlement) {
	status := "ok"
	if s.Err != nil {
		status = "failed"
	}

	point := influxdb2.NewPointWithMeasurement(MeasurementSettlement).
		AddTag("strategy", string(s.Strategy)).
		AddTag("table", s.Table).
		AddTag("status", status).
		AddField("workers", s.Workers).
		AddField("flushes", s.Flushes).
		AddField("rows", s.Rows).
		AddField("elapsed_ms", s.Elapsed.Milliseconds())

	r.writer.WritePoint(point)
}

// Close 刷新未发送的数据点并关闭客户端。
func (r *InfluxRecorder) Close() {
	r.closeOnce.Do(func() {
		r.writer.Flush()
		if r.client != nil {
			r.client.Close()
		}
	})
}
