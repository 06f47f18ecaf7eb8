package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zile0207/ai-itinerary-sub002/backend/config"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/cache"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/collab"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/httpapi/handlers"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/httpapi/middleware"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/logger"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/metrics"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/store"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/version"
	"github.com/zile0207/ai-itinerary-sub002/backend/internal/ws"
)

var (
	buildVersion = "dev"
	buildCommit  = "local"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:          "collab_server",
		Short:        "Real-time collaborative itinerary editing service",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "config file (default: search collabConfig.yaml)")
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("collab_server %s (%s)\n", buildVersion, buildCommit)
		},
	})
	return cmd
}

func newRedis(cfg *config.Config) redis.UniversalClient {
	if cfg.Redis.Cluster {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
		})
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addrs[0],
		Password: cfg.Redis.Password,
	})
}

func newProducer(cfg *config.Config) (sarama.SyncProducer, error) {
	kafkaCfg := sarama.NewConfig()
	// SyncProducer 必须开启 Return.Successes
	kafkaCfg.Producer.Return.Successes = true
	kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
	kafkaCfg.Producer.Partitioner = sarama.NewHashPartitioner
	return sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
}

func run(ctx context.Context, cfg *config.Config) error {
	log := logger.New(logger.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	log.Info().Str("version", buildVersion).Str("commit", buildCommit).Int("port", cfg.Running.Port).Msg("starting collab server")

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	mt := metrics.New(reg)

	rdb := newRedis(cfg)
	defer rdb.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err := rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}

	var (
		versionOpts = []version.Option{version.WithMetrics(mt), version.WithLogger(logger.Component(log, "version"))}
		collabOpts  = []collab.Option{collab.WithMetrics(mt), collab.WithLogger(logger.Component(log, "collab"))}
	)

	if cfg.Mysql.DSN != "" {
		db, err := store.OpenMySQL(store.MySQLConfig{
			DSN:             cfg.Mysql.DSN,
			MaxOpenConns:    cfg.Mysql.MaxOpenConns,
			MaxIdleConns:    cfg.Mysql.MaxIdleConns,
			ConnMaxLifetime: cfg.Mysql.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("connect mysql: %w", err)
		}
		if sqlDB, err := db.DB(); err == nil {
			defer sqlDB.Close()
		}
		snapshots := cache.NewSnapshotCache(store.NewSnapshotStore(db), rdb, cache.SnapshotCacheOptions{
			BaseTTL: cfg.Cache.BaseTTL,
			Jitter:  cfg.Cache.Jitter,
			Logger:  logger.Component(log, "snapshot-cache"),
		})
		versionOpts = append(versionOpts, version.WithStore(snapshots))
		collabOpts = append(collabOpts,
			collab.WithSnapshotStore(snapshots),
			collab.WithRegistry(store.NewDocumentStore(db)),
		)
	} else {
		log.Warn().Msg("mysql dsn empty, versions are kept in memory only")
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := newProducer(cfg)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		defer producer.Close()
		dispatcher := collab.NewKafkaDispatcher(producer, cfg.Kafka.Topic, collab.NewSemaphoreControl(cfg.Kafka.MaxInflight), collab.KafkaDispatcherOptions{
			QueueSize:   cfg.Kafka.QueueSize,
			Workers:     cfg.Kafka.Workers,
			MaxRetry:    cfg.Kafka.MaxRetry,
			BaseBackoff: cfg.Kafka.BaseBackoff,
			MaxBackoff:  cfg.Kafka.MaxBackoff,
			Logger:      logger.Component(log, "kafka"),
			Metrics:     mt,
		})
		// 先于 producer 关闭，把队列里的事件发完
		defer dispatcher.Close()
		collabOpts = append(collabOpts, collab.WithEventSink(dispatcher))
	}

	if cfg.Collab.MaxInflight > 0 {
		collabOpts = append(collabOpts, collab.WithSemaphore(collab.NewSemaphoreControl(cfg.Collab.MaxInflight)))
	}

	versions := version.NewManager(version.Options{
		MaxVersions:      cfg.Versioning.MaxVersions,
		RetentionDays:    cfg.Versioning.RetentionDays,
		AutoSaveInterval: cfg.Versioning.AutoSaveInterval,
	}, versionOpts...)
	defer versions.Close()

	docs := collab.NewManager(versions, collab.Options{
		HistoryCap:     cfg.Collab.HistoryCap,
		UndoLimit:      cfg.Collab.UndoLimit,
		EnqueueTimeout: cfg.Collab.EnqueueTimeout,
	}, collabOpts...)
	defer docs.Close()

	hub := ws.NewHub(cache.NewRedisPresence(rdb))
	docs.SetBroadcaster(hub)
	wsManager := ws.NewManager(hub, docs, logger.Component(log, "ws"), mt)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Running.Port),
		Handler:           newRouter(cfg, log, reg, docs, hub, wsManager),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newRouter(cfg *config.Config, log zerolog.Logger, reg *prometheus.Registry, docs *collab.Manager, hub *ws.Hub, wsManager *ws.Manager) *gin.Engine {
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	// 中间件
	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		// 允许任意来源（包含 file:// 场景的 Origin: null）
		AllowOriginFunc:  func(origin string) bool { return true },
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "HEAD", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "docid", "docId", "doc_id"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	r.GET("/collab/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message":   "ok",
			"documents": len(docs.Documents()),
			"rooms":     len(hub.Rooms()),
		})
	})

	auth := middleware.AuthMiddleware([]byte(cfg.Auth.Secret))

	// 鉴权中间件从 Authorization 或 ?token= 提取 token，并写入 userId/username
	collabGroup := r.Group("/collab", auth)
	collabGroup.GET("/ws", wsManager.WebSocketConnect)

	v1 := r.Group("/v1", auth)
	handlers.New(docs, logger.Component(log, "http")).Register(v1)
	return r
}
