package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"bulkcopy/pkg/batchinsert"
	"bulkcopy/pkg/config"
	"bulkcopy/pkg/logger"
	"bulkcopy/pkg/metrics"
	"bulkcopy/pkg/pgstore"
	"bulkcopy/pkg/txscope"
)

var (
	configPath = flag.String("config", "", "配置文件路径 (例如 ./config/bulkload.yaml)")
	logLevel   = flag.String("log-level", "", "日志级别，覆盖配置文件 (debug, info, warn, error)")
	seed       = flag.Int64("seed", 0, "单据生成器随机种子，0 表示使用当前时间")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.InitFromEnv()
		logger.GetLogger().WithError(err).Fatal("Failed to load configuration")
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	logger.Init(cfg.Logger)
	log := logger.WithComponent("bulkload")

	gin.SetMode(cfg.Server.Mode)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := pgstore.Open(ctx, cfg.Database)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}
	defer pool.Close()

	if _, err := pool.Exec(context.Background(), paymentSchema); err != nil {
		log.WithError(err).Fatal("Failed to create payment_document table")
	}

	recorders := metrics.Multi{metrics.NewLogRecorder()}
	if cfg.Metrics.InfluxDB.Enabled {
		ictx, icancel := context.WithTimeout(context.Background(), 5*time.Second)
		influx, err := metrics.NewInfluxRecorder(ictx, cfg.Metrics.InfluxDB)
		icancel()
		if err != nil {
			log.WithError(err).Warn("InfluxDB 不可用，只记录日志指标")
		} else {
			defer influx.Close()
			recorders = append(recorders, influx)
		}
	}

	source := pgstore.NewBreakerSource("payment-workers", pool, cfg.Breaker)
	repo := batchinsert.NewRepository[PaymentDocument](
		paymentProcessor(),
		batchinsert.Backend{TxConn: pgstore.TxConn, Source: source},
		cfg.BatchInsertion,
		batchinsert.WithRecorder(recorders),
	)
	// 事务本身占用一个连接
	maxParallelism := int(cfg.Database.MaxConns) - 1
	service := NewPaymentService(txscope.NewManager(pool), repo, NewGenerator(*seed), maxParallelism)

	server := NewServer(service,
		func(ctx context.Context) (int64, error) {
			var n int64
			err := pool.QueryRow(ctx, "SELECT count(*) FROM payment_document").Scan(&n)
			return n, err
		},
		func(ctx context.Context) error {
			_, err := pool.Exec(ctx, "SELECT 1")
			return err
		},
		func() map[string]interface{} {
			st := pool.Stats()
			return map[string]interface{}{
				"pool": map[string]interface{}{
					"total_conns":    st.TotalConns(),
					"idle_conns":     st.IdleConns(),
					"acquired_conns": st.AcquiredConns(),
					"max_conns":      st.MaxConns(),
				},
				"breaker": map[string]interface{}{
					"state": source.State().String(),
					"stats": source.Stats(),
				},
			}
		},
	)
	server.Start(cfg.Server.Addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down bulkload server...")
	server.Stop()
}
