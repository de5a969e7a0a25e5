package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/llm"
	"github.com/joseph-ayodele/docflow/internal/llm/openai"
	"github.com/joseph-ayodele/docflow/internal/repository"
)

// draftcheck sends one extracted table to the draft model several times and
// logs every result, for comparing prompt output and cost. Nothing is stored.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		logger.Error("usage: draftcheck <table_id> [times] [model]")
		os.Exit(2)
	}
	tableID, err := strconv.ParseInt(os.Args[1], 10, 64)
	if err != nil || tableID <= 0 {
		logger.Error("invalid table_id", "arg", os.Args[1])
		os.Exit(2)
	}
	times := 3
	if len(os.Args) >= 3 {
		if n, err := strconv.Atoi(os.Args[2]); err == nil && n > 0 {
			times = n
		}
	}

	cfg, err := common.LoadConfig()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(2)
	}
	if cfg.Draft.APIKey == "" {
		logger.Error("OPENAI_API_KEY env var is required")
		os.Exit(2)
	}
	model := cfg.Draft.Model
	if len(os.Args) >= 4 {
		model = os.Args[3]
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var db *repository.DB
	if cfg.Database.Driver == "sqlite" {
		db, err = repository.OpenSQLite(cfg.Database.DSN, logger)
	} else {
		db, err = repository.Open(ctx, repository.Config{
			DSN:             cfg.Database.DSN,
			MaxConns:        2,
			MinConns:        1,
			MaxConnLifetime: 30 * time.Minute,
			MaxConnIdleTime: 5 * time.Minute,
			DialTimeout:     cfg.Database.DialTimeout,
		}, logger)
	}
	if err != nil {
		logger.Error("open db", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	repos := repository.NewRepositories(db, logger)
	table, err := repos.Tables.Get(ctx, tableID)
	if err != nil {
		logger.Error("load table", "table_id", tableID, "error", err)
		os.Exit(1)
	}
	version, err := repos.Versions.Get(ctx, table.FileVersionID)
	if err != nil {
		logger.Error("load version", "version_id", table.FileVersionID, "error", err)
		os.Exit(1)
	}
	file, err := repos.Files.Get(ctx, version.FileID)
	if err != nil {
		logger.Error("load file", "file_id", version.FileID, "error", err)
		os.Exit(1)
	}

	client := openai.NewClient(openai.Config{
		APIKey:      cfg.Draft.APIKey,
		BaseURL:     cfg.Draft.BaseURL,
		Model:       model,
		Temperature: cfg.Draft.Temperature,
		Timeout:     cfg.Draft.Timeout,
		SampleRows:  cfg.Draft.SampleRows,
	}, logger)

	req := llm.DraftRequest{
		Model:      model,
		FileName:   file.Name,
		PageNumber: table.PageNumber,
		TableIndex: table.TableIndex,
		Headers:    table.Headers,
		Rows:       table.Rows,
	}
	var totalCost float64
	for i := 1; i <= times; i++ {
		runCtx, cancelRun := context.WithTimeout(context.Background(), cfg.Draft.Timeout+5*time.Second)
		start := time.Now()
		logger.Info("draft.run.start", "iter", i, "table_id", tableID, "file", file.Name, "model", model)

		res, err := client.Draft(runCtx, req)
		cancelRun()
		if err != nil {
			logger.Error("draft.run.error", "iter", i, "error", err)
			continue
		}
		totalCost += res.CostUSD
		logger.Info("draft.run.ok",
			"iter", i,
			"elapsed_ms", time.Since(start).Milliseconds(),
			"input_tokens", res.InputTokens,
			"output_tokens", res.OutputTokens,
			"cost_usd", res.CostUSD,
			"prompt_version", res.PromptVersion,
			"content", res.Content)

		time.Sleep(750 * time.Millisecond)
	}

	logger.Info("done", "table_id", tableID, "times", times, "total_cost_usd", totalCost)
}
