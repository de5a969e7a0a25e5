package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/core/async"
	"github.com/joseph-ayodele/docflow/internal/eventlog"
	packager "github.com/joseph-ayodele/docflow/internal/export"
	"github.com/joseph-ayodele/docflow/internal/extract"
	"github.com/joseph-ayodele/docflow/internal/ingest"
	"github.com/joseph-ayodele/docflow/internal/llm/openai"
	"github.com/joseph-ayodele/docflow/internal/repository"
	"github.com/joseph-ayodele/docflow/internal/server"
	"github.com/joseph-ayodele/docflow/internal/services/annotation"
	"github.com/joseph-ayodele/docflow/internal/services/export"
	"github.com/joseph-ayodele/docflow/internal/services/extraction"
	"github.com/joseph-ayodele/docflow/internal/services/files"
	"github.com/joseph-ayodele/docflow/internal/services/projects"
	"github.com/joseph-ayodele/docflow/internal/storage"
)

func main() {
	cfg, err := common.LoadConfig()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(2)
	}

	var level slog.LevelVar
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level.Set(slog.LevelInfo)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("failed to open database", "driver", cfg.Database.Driver, "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.HealthCheck(ctx, 5*time.Second); err != nil {
		logger.Error("failed to ping database", "error", err)
		os.Exit(1)
	}
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
	}

	blobs, err := openStorage(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Error("failed to open blob storage", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := blobs.Close(); err != nil {
			logger.Error("failed to close blob storage", "error", err)
		}
	}()

	extractor, err := extract.Dial(cfg.Extraction.GRPCAddr, cfg.Extraction.Timeout, logger)
	if err != nil {
		logger.Error("failed to create extraction client", "addr", cfg.Extraction.GRPCAddr, "error", err)
		os.Exit(1)
	}
	defer func() { _ = extractor.Close() }()

	drafter := openai.NewClient(openai.Config{
		APIKey:      cfg.Draft.APIKey,
		BaseURL:     cfg.Draft.BaseURL,
		Model:       cfg.Draft.Model,
		Temperature: cfg.Draft.Temperature,
		Timeout:     cfg.Draft.Timeout,
		SampleRows:  cfg.Draft.SampleRows,
	}, logger)

	router := async.NewRouter(logger)
	queue, err := openQueue(ctx, router, cfg.Queue, logger)
	if err != nil {
		logger.Error("failed to start queue", "backend", cfg.Queue.Backend, "error", err)
		os.Exit(1)
	}

	repos := repository.NewRepositories(db, logger)
	events := eventlog.NewRecorder(db, repos.Events, logger)

	projectService := projects.NewService(repos, events, logger)
	fileService := files.NewService(repos, blobs, events, logger)
	extractionService := extraction.NewService(repos, blobs, extractor, queue, events, logger)
	extractionService.Register(router)
	annotationService := annotation.NewService(repos, drafter, queue, events, logger,
		annotation.WithDraftTTL(cfg.Draft.TTL),
		annotation.WithDefaultModel(cfg.Draft.Model),
	)
	annotationService.Register(router)
	exportService := export.NewService(repos, blobs, packager.NewPackager(logger), queue, events, logger,
		export.WithArtifactPrefix(cfg.Export.ArtifactPrefix),
	)
	exportService.Register(router)

	// background loops stop before the queue so nothing enqueues into a closed queue
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	var background sync.WaitGroup

	sweeper := async.NewSweeper(cfg.Recovery.StaleAfter, cfg.Recovery.Interval, logger)
	sweeper.Add("extraction", extractionService)
	sweeper.Add("export", exportService)
	sweeper.Add("draft", annotationService)
	background.Add(1)
	go func() {
		defer background.Done()
		sweeper.Run(bgCtx)
	}()

	if cfg.Ingest.WatchDir != "" {
		var opts []ingest.Option
		if cfg.Ingest.Extract {
			opts = append(opts, ingest.WithExtraction(extractionService))
		}
		importer := ingest.NewImporter(fileService, logger, opts...)
		background.Add(1)
		go func() {
			defer background.Done()
			err := importer.Watch(bgCtx, ingest.WatchConfig{
				ProjectID:   cfg.Ingest.WatchProjectID,
				Root:        cfg.Ingest.WatchDir,
				InitialScan: true,
				Debounce:    cfg.Ingest.Debounce,
			}, nil)
			if err != nil {
				logger.Error("watch folder stopped", "dir", cfg.Ingest.WatchDir, "error", err)
			}
		}()
	}

	feed, unsubscribe := events.Subscribe(256)
	go func() {
		for ev := range feed {
			logger.Debug("event",
				"id", ev.ID, "entity_type", ev.EntityType, "entity_id", ev.EntityID,
				"action", ev.Action, "from", ev.FromState, "to", ev.ToState, "actor_id", ev.ActorID)
		}
	}()

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen on address", "addr", cfg.Server.GRPCAddr, "error", err)
		os.Exit(1)
	}
	grpcServer := grpc.NewServer(
		grpc.UnaryInterceptor(server.UnaryInterceptor(logger)),
		grpc.MaxRecvMsgSize(cfg.Server.MaxMessageBytes),
		grpc.MaxSendMsgSize(cfg.Server.MaxMessageBytes),
	)
	server.NewServer(server.Services{
		Projects:   projectService,
		Files:      fileService,
		Extraction: extractionService,
		Annotation: annotationService,
		Export:     exportService,
		Events:     events,
	}, logger).Register(grpcServer)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	reflection.Register(grpcServer)

	logger.Info("docflowd listening",
		"addr", cfg.Server.GRPCAddr,
		"db", cfg.Database.Driver,
		"storage", cfg.Storage.Backend,
		"queue", cfg.Queue.Backend,
		"workers", cfg.Queue.Workers,
	)
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC serve error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	stopped := make(chan struct{})
	go func() { defer close(stopped); grpcServer.GracefulStop() }()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		logger.Warn("graceful stop timed out, closing connections")
		grpcServer.Stop()
	}

	stopBackground()
	background.Wait()
	queue.Shutdown(shutdownCtx)
	unsubscribe()
	logger.Info("stopped")
}

func openDB(ctx context.Context, cfg common.DatabaseConfig, logger *slog.Logger) (*repository.DB, error) {
	if cfg.Driver == "sqlite" {
		return repository.OpenSQLite(cfg.DSN, logger)
	}
	return repository.Open(ctx, repository.Config{
		DSN:              cfg.DSN,
		MaxConns:         cfg.MaxConns,
		MinConns:         cfg.MinConns,
		MaxConnLifetime:  cfg.MaxConnLifetime,
		MaxConnIdleTime:  cfg.MaxConnIdleTime,
		DialTimeout:      cfg.DialTimeout,
		StatementTimeout: cfg.StatementTimeout,
	}, logger)
}

func openStorage(ctx context.Context, cfg common.StorageConfig, logger *slog.Logger) (storage.BlobStore, error) {
	if cfg.Backend == "minio" {
		return storage.OpenMinio(ctx, storage.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, logger)
	}
	return storage.OpenBadger(cfg.BadgerDir, logger)
}

func openQueue(ctx context.Context, router *async.Router, cfg common.QueueConfig, logger *slog.Logger) (async.Queue, error) {
	if cfg.Backend == "redis" {
		return async.NewRedisQueue(ctx, router, logger, async.RedisOptions{
			Addr:           cfg.RedisAddr,
			Key:            cfg.RedisKey,
			Workers:        cfg.Workers,
			ProcessTimeout: cfg.ProcessTimeout,
		})
	}
	return async.NewProcessorQueue(router, logger,
		async.WithWorkers(cfg.Workers),
		async.WithQueueSize(cfg.Size),
		async.WithProcessTimeout(cfg.ProcessTimeout),
	), nil
}
