package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"localdeals/internal/cache"
	"localdeals/internal/config"
	"localdeals/internal/lock"
	"localdeals/internal/model"
	"localdeals/internal/router"
	"localdeals/internal/seckill"
	"localdeals/internal/shop"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}

	// 1. 连接 SQLite，自动建表
	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		logger.Fatal().Err(err).Msg("db open")
	}
	if err := db.AutoMigrate(&model.Shop{}, &model.Voucher{}, &model.VoucherOrder{}); err != nil {
		logger.Fatal().Err(err).Msg("db migrate")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Redis
	rdb := rd.NewClient(&rd.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("redis ping")
	}

	// 3. 组装核心组件：锁、缓存、发号器、协调器、物化器
	locker := lock.NewLocker(rdb)
	cacheMgr := cache.NewManager(rdb, locker, logger.With().Str("component", "cache").Logger())
	ids := seckill.NewIDWorker()
	coord := seckill.NewCoordinator(db, rdb, cacheMgr, ids, cfg.QueueCapacity,
		logger.With().Str("component", "seckill").Logger())

	var sink seckill.FailureSink
	if len(cfg.DeadLetterBrokers) > 0 {
		p := seckill.NewDeadLetterProducer(cfg.DeadLetterBrokers, cfg.DeadLetterTopic)
		defer p.Close()
		sink = p
	}
	mat := seckill.NewMaterializer(db, coord.Pending(), sink,
		logger.With().Str("component", "materializer").Logger())

	shops := shop.NewService(db, cacheMgr)

	// 物化器独立于请求生命周期运行，关停时先排空队列
	matCtx, matCancel := context.WithCancel(context.Background())
	defer matCancel()
	matDone := make(chan struct{})
	go func() {
		defer close(matDone)
		if err := mat.Run(matCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("materializer stopped")
		}
	}()

	// 4. HTTP
	r := gin.Default()
	router.Setup(r, db, rdb, shops, coord, cfg)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("http server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("http server")
	}

	// 5. 入口已停：关闭队列，等物化器把剩余订单落库
	coord.Close()
	select {
	case <-matDone:
	case <-time.After(30 * time.Second):
		logger.Warn().Msg("materializer drain timeout, forcing stop")
		matCancel()
		<-matDone
	}
	cacheMgr.Close()
	logger.Info().Msg("server exited")
}
