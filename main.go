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

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/postsync/postsync/handlers"
	"github.com/postsync/postsync/internal/config"
	"github.com/postsync/postsync/internal/database"
	"github.com/postsync/postsync/internal/replication"
	"github.com/postsync/postsync/internal/store"
	"github.com/postsync/postsync/internal/view"
	"github.com/postsync/postsync/pkg/logger"
	"github.com/postsync/postsync/pkg/metrics"
)

var startTime = time.Now()

func openLocal(cfg config.LocalConfig) (store.Backend, error) {
	if cfg.Driver == config.DriverMemory {
		logger.Warnf("local store is in memory; posts are lost on restart")
		return store.NewMemoryStore(cfg.Name), nil
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	s, err := store.OpenPebble(cfg.Dir, cfg.Name)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// checkpoints picks where replication progress is kept: Redis, then MongoDB,
// then process memory (a restart then replays the feeds, which is harmless).
func checkpoints(ctx context.Context, cfg *config.Config) (replication.CheckpointStore, func()) {
	if cfg.Redis.Host != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		err := client.Ping(ctx).Err()
		if err == nil {
			logger.Infof("replication checkpoints in Redis %s", cfg.Redis.Addr())
			return replication.NewRedisCheckpoints(client, "", cfg.Sync.CheckpointTTL), func() { _ = client.Close() }
		}
		logger.Warnf("failed to connect to Redis (%s): %v", cfg.Redis.Addr(), err)
		_ = client.Close()
	}
	if cfg.MongoDB.URI != "" {
		client, err := database.ConnectMongoRetry(ctx, cfg.MongoDB, 3)
		if err == nil {
			logger.Infof("replication checkpoints in MongoDB database %s", cfg.MongoDB.Database)
			col := client.Database(cfg.MongoDB.Database).Collection("checkpoints")
			return replication.NewMongoCheckpoints(col), func() { _ = client.Disconnect(context.Background()) }
		}
		logger.Warnf("could not connect to MongoDB: %v", err)
	}
	return replication.NewMemoryCheckpoints(), func() {}
}

func main() {
	logger.Init(os.Getenv("LOG_LEVEL"))

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Fatalf("failed to load config: %v", err)
	}
	logger.Init(cfg.LogLevel)
	logger.Infof("config loaded: %s", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	local, err := openLocal(cfg.Local)
	if err != nil {
		logger.Fatalf("failed to open local store: %v", err)
	}
	remote, err := store.NewRemoteStore(cfg.Remote.URL, cfg.Remote.Credentials(), store.WithTimeout(cfg.Remote.Timeout))
	if err != nil {
		logger.Fatalf("invalid remote store: %v", err)
	}
	logger.Infof("remote store %s as %q", remote.URL(), cfg.Remote.Username)

	cps, closeCps := checkpoints(ctx, cfg)
	defer closeCps()
	syncOpts := cfg.Sync.Options()
	syncOpts.Checkpoints = cps
	if syncOpts.SessionID == "" {
		syncOpts.SessionID = cfg.Local.Name + "|" + remote.URL()
	}

	ctl := view.NewController(
		store.Instrument("local", local),
		store.Instrument("remote", remote),
		replication.NewReplicator(),
		view.Options{PageSize: cfg.UI.PageSize, Sync: syncOpts},
	)
	if err := ctl.Start(ctx); err != nil {
		logger.Warnf("controller start: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	if cfg.Server.Environment == "development" {
		gin.SetMode(gin.DebugMode)
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "healthy")
	})
	r.GET("/ready", func(c *gin.Context) {
		st := ctl.Snapshot()
		deps := gin.H{"sync": st.Sync}
		if st.Sync == view.SyncDenied || st.Sync == view.SyncStopped {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "deps": deps, "uptime": time.Since(startTime).String()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "deps": deps, "uptime": time.Since(startTime).String()})
	})

	metrics.RegisterCollectors(prometheus.DefaultRegisterer)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers.RegisterUIRoutes(r, ctl)

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Infof("posts UI listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("server failed: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Infof("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	if err := ctl.Close(); err != nil {
		logger.Warnf("close stores: %v", err)
	}
}
