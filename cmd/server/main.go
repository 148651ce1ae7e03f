package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"github.com/maneesh/runartifacts/internal/archive"
	"github.com/maneesh/runartifacts/internal/chunkstore"
	"github.com/maneesh/runartifacts/internal/config"
	"github.com/maneesh/runartifacts/internal/handlers"
	"github.com/maneesh/runartifacts/internal/logging"
	"github.com/maneesh/runartifacts/internal/reassembly"
	"github.com/maneesh/runartifacts/internal/registry"
	"github.com/maneesh/runartifacts/internal/storage"
	"github.com/maneesh/runartifacts/internal/tracing"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("RUNARTIFACTS_CONFIG"), "path to a YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
	logger.Info("server exited")
}

// stores are the backend roles the service reads from.
type stores struct {
	registry registry.Registry
	chunks   chunkstore.Backend
	runs     registry.RunResolver
	closers  []io.Closer
}

func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i].Close()
	}
}

func openStores(cfg *config.Config, logger *zap.Logger) (*stores, error) {
	switch cfg.StoreBackend {
	case config.BackendBolt:
		logger.Info("opening bolt store", zap.String("path", cfg.BoltPath))
		bs, err := storage.NewBoltStore(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		return &stores{registry: bs, chunks: bs, runs: bs, closers: []io.Closer{bs}}, nil

	default:
		logger.Info("connecting to MinIO", zap.String("endpoint", cfg.MinIOEndpoint))
		minioClient, err := storage.NewMinioClient(
			cfg.MinIOEndpoint,
			cfg.MinIOAccessKey,
			cfg.MinIOSecretKey,
			cfg.MinIOBucketName,
			cfg.MinIOUseSSL,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize MinIO client: %w", err)
		}

		logger.Info("connecting to TiDB", zap.String("host", cfg.TiDBHost))
		tidbClient, err := storage.NewTiDBClient(cfg.GetDSN(), minioClient)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize TiDB client: %w", err)
		}
		s := &stores{registry: tidbClient, chunks: tidbClient, runs: tidbClient, closers: []io.Closer{tidbClient}}

		if cfg.RedisEnabled {
			ttl, err := cfg.GetRedisTTL()
			if err != nil {
				s.Close()
				return nil, err
			}
			logger.Info("connecting to Redis", zap.String("addr", cfg.GetRedisAddr()), zap.Duration("ttl", ttl))
			redisClient, err := storage.NewRedisClient(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB, ttl)
			if err != nil {
				s.Close()
				return nil, fmt.Errorf("failed to initialize Redis client: %w", err)
			}
			s.closers = append(s.closers, redisClient)
			s.registry = registry.NewCached(tidbClient, redisClient, logger)
		}
		return s, nil
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	logger.Info("starting runartifacts service",
		zap.String("service", cfg.ServiceName), zap.String("port", cfg.ServicePort), zap.String("backend", cfg.StoreBackend))

	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.JaegerEndpoint, cfg.TracingEnabled, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Warn("error shutting down tracer", zap.Error(err))
		}
	}()

	st, err := openStores(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := st.registry
	if cfg.RegistryLRUSize > 0 {
		lru, err := registry.NewLRU(reg, cfg.RegistryLRUSize)
		if err != nil {
			return err
		}
		reg = lru
	}
	previewLimit, err := cfg.GetPreviewLimitBytes()
	if err != nil {
		return err
	}

	reassembler := reassembly.New(reg, chunkstore.New(st.chunks), logger)
	router := handlers.NewRouter(handlers.Deps{
		Registry:     reg,
		Runs:         st.runs,
		Reassembler:  reassembler,
		Archives:     archive.NewBuilder(reg, reassembler, logger),
		PreviewLimit: previewLimit,
		Logger:       logger,
	})

	// Downloads and archives stream for as long as the client keeps
	// reading, so there is no write timeout.
	srv := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
