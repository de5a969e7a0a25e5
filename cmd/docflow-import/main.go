package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/core/async"
	"github.com/joseph-ayodele/docflow/internal/eventlog"
	"github.com/joseph-ayodele/docflow/internal/extract"
	"github.com/joseph-ayodele/docflow/internal/ingest"
	"github.com/joseph-ayodele/docflow/internal/repository"
	"github.com/joseph-ayodele/docflow/internal/services/extraction"
	"github.com/joseph-ayodele/docflow/internal/services/files"
	"github.com/joseph-ayodele/docflow/internal/storage"
)

// printError prints an error message to stderr, falling back to stdout if stderr fails
func printError(format string, args ...any) {
	if _, err := fmt.Fprintf(os.Stderr, format, args...); err != nil {
		fmt.Printf(format, args...)
	}
}

func main() {
	var (
		projectID  = flag.Int64("project", 0, "project id to import into (required)")
		dir        = flag.String("dir", "", "directory to import documents from (required)")
		runExtract = flag.Bool("extract", false, "trigger extraction for created and replaced files")
		watch      = flag.Bool("watch", false, "keep watching the directory after the initial import")
		exts       = flag.String("ext", "", "comma separated extensions to import (default pdf,png,jpg,jpeg,tif,tiff)")
		hidden     = flag.Bool("hidden", false, "include dot files and directories")
		actor      = flag.Int64("actor", 0, "user id recorded on events")
	)
	flag.Parse()

	if *projectID <= 0 || *dir == "" {
		printError("Error: --project and --dir are required\n")
		flag.Usage()
		os.Exit(2)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := common.LoadConfig()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = common.WithActorID(ctx, *actor)

	var db *repository.DB
	if cfg.Database.Driver == "sqlite" {
		db, err = repository.OpenSQLite(cfg.Database.DSN, logger)
	} else {
		db, err = repository.Open(ctx, repository.Config{
			DSN:             cfg.Database.DSN,
			MaxConns:        4,
			MinConns:        1,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			DialTimeout:     cfg.Database.DialTimeout,
		}, logger)
	}
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	var blobs storage.BlobStore
	if cfg.Storage.Backend == "minio" {
		blobs, err = storage.OpenMinio(ctx, storage.MinioConfig{
			Endpoint:  cfg.Storage.MinioEndpoint,
			AccessKey: cfg.Storage.MinioAccessKey,
			SecretKey: cfg.Storage.MinioSecretKey,
			Bucket:    cfg.Storage.MinioBucket,
			UseSSL:    cfg.Storage.MinioUseSSL,
		}, logger)
	} else {
		blobs, err = storage.OpenBadger(cfg.Storage.BadgerDir, logger)
	}
	if err != nil {
		logger.Error("failed to open blob storage", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}
	defer func() { _ = blobs.Close() }()

	repos := repository.NewRepositories(db, logger)
	events := eventlog.NewRecorder(db, repos.Events, logger)
	fileService := files.NewService(repos, blobs, events, logger)

	opts := []ingest.Option{ingest.WithExtensions(splitList(*exts)...)}
	if *hidden {
		opts = append(opts, ingest.WithHidden())
	}
	if *runExtract {
		extractor, err := extract.Dial(cfg.Extraction.GRPCAddr, cfg.Extraction.Timeout, logger)
		if err != nil {
			logger.Error("failed to create extraction client", "addr", cfg.Extraction.GRPCAddr, "error", err)
			os.Exit(1)
		}
		defer func() { _ = extractor.Close() }()

		// With a shared redis queue the daemon's workers extract; otherwise
		// extraction runs here, one file at a time.
		router := async.NewRouter(logger)
		var queue async.Queue
		if cfg.Queue.Backend == "redis" {
			queue, err = async.NewRedisQueue(ctx, router, logger, async.RedisOptions{
				Addr: cfg.Queue.RedisAddr,
				Key:  cfg.Queue.RedisKey,
			})
			if err != nil {
				logger.Error("failed to connect queue", "error", err)
				os.Exit(1)
			}
		} else {
			queue = async.NewInlineQueue(router, logger)
		}
		defer queue.Shutdown(context.Background())

		extractionService := extraction.NewService(repos, blobs, extractor, queue, events, logger)
		extractionService.Register(router)
		opts = append(opts, ingest.WithExtraction(extractionService))
	}
	importer := ingest.NewImporter(fileService, logger, opts...)

	if *watch {
		err := importer.Watch(ctx, ingest.WatchConfig{ProjectID: *projectID, Root: *dir, InitialScan: true}, func(r ingest.Result) {
			if r.Outcome == ingest.OutcomeFailed {
				printError("%s: %s\n", r.Path, r.Err)
			}
		})
		if err != nil {
			logger.Error("watch failed", "dir", *dir, "error", err)
			os.Exit(1)
		}
		return
	}

	results, stats, err := importer.ImportDirectory(ctx, *projectID, *dir)
	if err != nil {
		logger.Error("import failed", "dir", *dir, "error", err)
		os.Exit(1)
	}
	for _, r := range results {
		if r.Outcome == ingest.OutcomeFailed {
			printError("%s: %s\n", r.Path, r.Err)
		}
	}
	fmt.Printf("scanned=%d matched=%d created=%d replaced=%d unchanged=%d failed=%d\n",
		stats.Scanned, stats.Matched, stats.Created, stats.Replaced, stats.Unchanged, stats.Failed)
	if stats.Failed > 0 {
		os.Exit(1)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
