package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"canvas-sync/api"
	"canvas-sync/storage"
	"canvas-sync/store"
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}
	logger := log.New()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	var backend *storage.Storage
	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	tasksTableName := os.Getenv("TASKS_TABLE")
	journalQueueName := os.Getenv("CHANGE_QUEUE")
	if connStr != "" {
		if tasksTableName == "" || journalQueueName == "" {
			log.Fatal("missing storage config")
		}
		var err error
		backend, err = storage.New(connStr, tasksTableName, journalQueueName)
		if err != nil {
			log.Fatalf("storage: %v", err)
		}
	} else {
		logger.Warn("no storage configured, boards are in-memory only")
	}

	var cache *storage.Cache
	if redisConn := os.Getenv("REDIS_CONNECTION_STRING"); redisConn != "" {
		redisOpts, err := redis.ParseURL(redisConn)
		if err != nil {
			parts := strings.Split(redisConn, ",")
			redisOpts = &redis.Options{Addr: parts[0]}
			for _, p := range parts[1:] {
				kv := strings.SplitN(p, "=", 2)
				if len(kv) != 2 {
					continue
				}
				switch strings.ToLower(kv[0]) {
				case "password":
					redisOpts.Password = kv[1]
				case "ssl":
					if strings.ToLower(kv[1]) == "true" {
						redisOpts.TLSConfig = &tls.Config{}
					}
				}
			}
		}
		cache = storage.NewCache(redis.NewClient(redisOpts), envDur("CACHE_TTL", 5*time.Minute))
	}

	var syncer *storage.Syncer
	var loader store.Loader
	var storeSyncer store.Syncer
	if backend != nil {
		syncer = storage.NewSyncer(backend, cache, logger, envInt("SYNC_BUFFER", 4096), envInt("SYNC_WORKERS", 8))
		loader = syncer
		storeSyncer = syncer
	} else if cache != nil {
		// Without a backend there is no syncer to evict cached snapshots on
		// mutations, so cached reads would go stale for a full TTL.
		logger.Warn("redis cache requires durable storage, disabling snapshot cache")
		cache = nil
	}

	boards := store.NewManager(logger, loader, storeSyncer, envInt("SESSION_QUEUE_SIZE", 256))

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	api.Register(e, boards, cache, logger)

	listenAddr := ":8080"
	if val, ok := os.LookupEnv("CANVAS_PORT"); ok {
		listenAddr = ":" + val
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := e.Start(listenAddr); err != nil {
			logger.WithField("error", err).Info("server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Tear down boards first so every session receives its end-of-stream
	// marker before the listener closes.
	boards.Close()
	if syncer != nil {
		syncer.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.WithField("error", err).Error("server shutdown failed")
	}
	_ = tp.Shutdown(shutdownCtx)
}

func envInt(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Fatalf("invalid %s: %s", name, v)
	}
	return def
}

func envDur(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
		log.Fatalf("invalid %s: %s", name, v)
	}
	return def
}
