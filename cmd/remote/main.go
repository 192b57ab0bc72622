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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/postsync/postsync/handlers"
	"github.com/postsync/postsync/internal/config"
	"github.com/postsync/postsync/internal/database"
	"github.com/postsync/postsync/internal/remote"
	"github.com/postsync/postsync/internal/sessions"
	"github.com/postsync/postsync/internal/snapshot"
	"github.com/postsync/postsync/internal/storage"
	"github.com/postsync/postsync/internal/store"
	"github.com/postsync/postsync/internal/tokens"
	"github.com/postsync/postsync/internal/users"
	"github.com/postsync/postsync/pkg/logger"
	"github.com/postsync/postsync/pkg/metrics"
	"github.com/postsync/postsync/pkg/middleware"
)

var startTime = time.Now()

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

	// Documents and accounts live in MongoDB when configured, otherwise in
	// process memory.
	var backend store.Backend
	var userRepo users.UserRepository
	var mongoClient *mongo.Client
	if cfg.MongoDB.URI != "" {
		mongoClient, err = database.ConnectMongoRetry(ctx, cfg.MongoDB, 5)
		if err != nil {
			logger.Warnf("could not connect to MongoDB after retries: %v", err)
		} else {
			defer func() { _ = mongoClient.Disconnect(context.Background()) }()
			db := mongoClient.Database(cfg.MongoDB.Database)
			backend = store.NewMongoStore(db, cfg.Local.Name)
			userRepo = users.NewMongoUserRepository(db.Collection("users"))
			logger.Infof("documents in MongoDB database %s", cfg.MongoDB.Database)
		}
	}
	if backend == nil {
		logger.Warnf("using in-memory document store; documents are lost on restart")
		backend = store.NewMemoryStore(cfg.Local.Name)
		userRepo = users.NewMemoryUserRepository()
	}
	defer backend.Close()
	backend = store.Instrument("server", backend)

	userSvc := users.NewService(userRepo, cfg.Accounts.BcryptCost)
	if cfg.Accounts.InitialUsername != "" {
		if _, err := userSvc.Ensure(ctx, cfg.Accounts.InitialUsername, cfg.Accounts.InitialPassword); err != nil {
			logger.Fatalf("failed to ensure initial account: %v", err)
		}
		logger.Infof("account %q ready", cfg.Accounts.InitialUsername)
	} else {
		logger.Warnf("ACCOUNTS_INITIAL_USERNAME is not set; only existing accounts can sign in")
	}

	snapshots := snapshot.NewService(backend, nil, 0)
	if cfg.MinIO.Enabled() {
		ms, err := storage.NewMinIOStorage(ctx, &cfg.MinIO)
		if err != nil {
			logger.Warnf("object storage unavailable, snapshots disabled: %v", err)
		} else {
			snapshots = snapshot.NewService(backend, ms, cfg.SnapshotTTL)
			logger.Infof("snapshots go to bucket %s", cfg.MinIO.Bucket)
		}
	}

	gin.SetMode(gin.ReleaseMode)
	if cfg.RemoteServer.Environment == "development" {
		gin.SetMode(gin.DebugMode)
	}
	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())

	// Redis backs token revocations and, when enabled, the rate limiter.
	var redisClient *redis.Client
	if cfg.Redis.Host != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr(), Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warnf("failed to connect to Redis (%s): %v", cfg.Redis.Addr(), err)
		} else {
			logger.Infof("connected to Redis %s", cfg.Redis.Addr())
		}
	}

	var revs sessions.Revocations
	if redisClient != nil {
		revs = sessions.NewRedisRevocations(redisClient, "")
	}
	guard := sessions.NewGuard(tokens.NewSigner(cfg.JWT.Secret, cfg.JWT.AccessTokenTTL), revs)

	mw := []gin.HandlerFunc{remote.NewAuth(userSvc, guard)}
	if cfg.RateLimit.Enabled {
		if cfg.RateLimit.UseRedis && redisClient != nil {
			win := time.Duration(cfg.RateLimit.WindowSeconds) * time.Second
			mw = append(mw, middleware.RedisRateLimitMiddleware(redisClient, cfg.RateLimit.RPS, cfg.RateLimit.Burst, win))
		} else {
			mw = append(mw, middleware.RateLimitMiddleware(cfg.RateLimit.RPS, cfg.RateLimit.Burst))
		}
		logger.Infof("rate limiter enabled: rps=%v burst=%d redis=%v", cfg.RateLimit.RPS, cfg.RateLimit.Burst, cfg.RateLimit.UseRedis && redisClient != nil)
	}

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "healthy")
	})
	r.GET("/ready", func(c *gin.Context) {
		deps := map[string]bool{"store": true, "mongo": true, "redis": true}
		if _, err := backend.Info(c.Request.Context()); err != nil {
			deps["store"] = false
		}
		if mongoClient != nil {
			deps["mongo"] = mongoClient.Ping(c.Request.Context(), nil) == nil
		}
		if redisClient != nil {
			deps["redis"] = redisClient.Ping(c.Request.Context()).Err() == nil
		}
		for _, ok := range deps {
			if !ok {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "deps": deps, "uptime": time.Since(startTime).String()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "deps": deps, "uptime": time.Since(startTime).String()})
	})

	metrics.RegisterCollectors(prometheus.DefaultRegisterer)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	handlers.RegisterSwagger(r)

	remote.NewHandler(backend, guard, snapshots).Register(r, mw...)

	srv := &http.Server{
		Addr:         cfg.RemoteServer.Addr(),
		Handler:      r,
		ReadTimeout:  cfg.RemoteServer.ReadTimeout,
		WriteTimeout: cfg.RemoteServer.WriteTimeout,
	}
	go func() {
		logger.Infof("remote store listening on %s (tokens=%v snapshots=%v)", srv.Addr, guard != nil, snapshots.Enabled())
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
}
