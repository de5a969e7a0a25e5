// Package ingest imports documents from the local filesystem into a
// project. A file whose name is already live in the project gets a new
// version when its content changed and is skipped otherwise.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/common"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/services/files"
)

// FileService is the part of the file registry an import needs.
type FileService interface {
	CreateFile(ctx context.Context, req files.CreateFileRequest) (*entity.File, *entity.FileVersion, error)
	ReplaceFile(ctx context.Context, fileID int64, content []byte) (*entity.FileVersion, error)
	ListFiles(ctx context.Context, projectID int64) ([]*entity.File, error)
	ListVersions(ctx context.Context, fileID int64) ([]*entity.FileVersion, error)
}

// Extractor queues extraction of a file's active version.
type Extractor interface {
	TriggerExtraction(ctx context.Context, fileID int64) (*entity.File, error)
}

// Outcome says what an import did with one path.
type Outcome string

const (
	OutcomeCreated   Outcome = "created"
	OutcomeReplaced  Outcome = "replaced"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeFailed    Outcome = "failed"
)

// Result is the per-file import outcome.
type Result struct {
	Path      string
	Name      string
	FileID    int64
	VersionID int64
	SHA256    string
	Outcome   Outcome
	Err       string
}

// DirStats summarizes a directory import.
type DirStats struct {
	Scanned   int
	Matched   int
	Created   int
	Replaced  int
	Unchanged int
	Failed    int
}

func (s *DirStats) add(r Result) {
	switch r.Outcome {
	case OutcomeCreated:
		s.Created++
	case OutcomeReplaced:
		s.Replaced++
	case OutcomeUnchanged:
		s.Unchanged++
	default:
		s.Failed++
	}
}

// Importer uploads local files through the file registry.
type Importer struct {
	files      FileService
	extractor  Extractor
	logger     *slog.Logger
	exts       map[string]struct{}
	skipHidden bool
}

type Option func(*Importer)

// WithExtensions restricts imports to the given extensions.
func WithExtensions(exts ...string) Option {
	return func(im *Importer) {
		if len(exts) == 0 {
			return
		}
		im.exts = map[string]struct{}{}
		for _, e := range exts {
			if e = constants.NormalizeExt(strings.TrimSpace(e)); e != "" {
				im.exts[e] = struct{}{}
			}
		}
	}
}

// WithHidden includes dot files and dot directories.
func WithHidden() Option {
	return func(im *Importer) { im.skipHidden = false }
}

// WithExtraction triggers extraction after every created or replaced file.
func WithExtraction(ex Extractor) Option {
	return func(im *Importer) { im.extractor = ex }
}

func NewImporter(svc FileService, logger *slog.Logger, opts ...Option) *Importer {
	if logger == nil {
		logger = slog.Default()
	}
	im := &Importer{
		files:      svc,
		logger:     logger,
		exts:       constants.DocumentExtensions,
		skipHidden: true,
	}
	for _, o := range opts {
		o(im)
	}
	return im
}

// Allowed reports whether path has an importable extension.
func (im *Importer) Allowed(path string) bool {
	_, ok := im.exts[constants.NormalizeExt(filepath.Ext(path))]
	return ok
}

// ImportPath imports one file under its base name.
func (im *Importer) ImportPath(ctx context.Context, projectID int64, path string) Result {
	return im.importFile(ctx, projectID, path, filepath.Base(path))
}

// ImportDirectory walks root and imports every matching file, named by its
// slash-separated path relative to root. Per-file failures are reported in
// the results; the returned error is for the walk itself.
func (im *Importer) ImportDirectory(ctx context.Context, projectID int64, root string) ([]Result, DirStats, error) {
	var (
		results []Result
		stats   DirStats
	)
	if strings.TrimSpace(root) == "" {
		return nil, stats, common.InvalidInputError("root directory is required")
	}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path == root {
				return walkErr
			}
			stats.Scanned++
			stats.Failed++
			results = append(results, Result{Path: path, Outcome: OutcomeFailed, Err: walkErr.Error()})
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != root && im.skipHidden && isHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		stats.Scanned++
		if !im.Allowed(path) {
			return nil
		}
		stats.Matched++

		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." {
			rel = filepath.Base(path)
		}
		r := im.importFile(ctx, projectID, path, filepath.ToSlash(rel))
		stats.add(r)
		results = append(results, r)
		return nil
	})
	if err != nil {
		return results, stats, fmt.Errorf("walk %s: %w", root, err)
	}
	im.logger.Info("ingest.directory.done",
		"project_id", projectID, "root", root,
		"scanned", stats.Scanned, "matched", stats.Matched,
		"created", stats.Created, "replaced", stats.Replaced,
		"unchanged", stats.Unchanged, "failed", stats.Failed)
	return results, stats, nil
}

func (im *Importer) importFile(ctx context.Context, projectID int64, path, name string) Result {
	r := Result{Path: path, Name: name}
	fail := func(err error) Result {
		r.Outcome = OutcomeFailed
		r.Err = err.Error()
		im.logger.Warn("ingest.file.failed", "project_id", projectID, "path", path, "error", err)
		return r
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return fail(fmt.Errorf("read: %w", err))
	}
	sum := sha256.Sum256(content)
	r.SHA256 = hex.EncodeToString(sum[:])

	existing, active, err := im.lookup(ctx, projectID, name)
	if err != nil {
		return fail(err)
	}

	switch {
	case existing == nil:
		f, v, err := im.files.CreateFile(ctx, files.CreateFileRequest{ProjectID: projectID, Name: name, Content: content})
		if err != nil {
			return fail(err)
		}
		r.FileID, r.VersionID, r.Outcome = f.ID, v.ID, OutcomeCreated
	case active != nil && active.ContentSHA256 == r.SHA256:
		r.FileID, r.VersionID, r.Outcome = existing.ID, active.ID, OutcomeUnchanged
		im.logger.Debug("ingest.file.unchanged", "file_id", existing.ID, "path", path)
		return r
	default:
		v, err := im.files.ReplaceFile(ctx, existing.ID, content)
		if err != nil {
			return fail(err)
		}
		r.FileID, r.VersionID, r.Outcome = existing.ID, v.ID, OutcomeReplaced
	}
	im.logger.Info("ingest.file.ok", "project_id", projectID, "file_id", r.FileID, "version_id", r.VersionID, "outcome", r.Outcome, "path", path)

	if im.extractor != nil {
		if _, err := im.extractor.TriggerExtraction(ctx, r.FileID); err != nil && !errors.Is(err, common.ErrConflict) {
			im.logger.Warn("ingest.extract.trigger_failed", "file_id", r.FileID, "error", err)
			r.Err = err.Error()
		}
	}
	return r
}

// lookup finds the live file named name and its active version.
func (im *Importer) lookup(ctx context.Context, projectID int64, name string) (*entity.File, *entity.FileVersion, error) {
	list, err := im.files.ListFiles(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}
	for _, f := range list {
		if f.Name != name {
			continue
		}
		if f.ActiveVersionID == nil {
			return f, nil, nil
		}
		versions, err := im.files.ListVersions(ctx, f.ID)
		if err != nil {
			return nil, nil, err
		}
		for _, v := range versions {
			if v.ID == *f.ActiveVersionID {
				return f, v, nil
			}
		}
		return f, nil, nil
	}
	return nil, nil, nil
}

func isHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
