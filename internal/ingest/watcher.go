package ingest

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchConfig describes a folder whose documents are imported into a
// project as they appear or change.
type WatchConfig struct {
	ProjectID   int64
	Root        string
	InitialScan bool          // import files already present before watching
	Debounce    time.Duration // coalesce bursts of writes to the same file
}

// Watch imports files under cfg.Root until ctx is done. Every import result
// is passed to onResult when it is non-nil. Directories created after the
// watch starts are followed.
func (im *Importer) Watch(ctx context.Context, cfg WatchConfig, onResult func(Result)) error {
	if cfg.Root == "" {
		return errors.New("watch root is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		im.logger.Error("failed to create fsnotify watcher", "error", err)
		return err
	}
	defer func() {
		if err := w.Close(); err != nil {
			im.logger.Warn("failed to close watcher", "error", err)
		}
	}()

	if err := im.addTree(w, cfg.Root); err != nil {
		im.logger.Error("failed to watch root", "root", cfg.Root, "error", err)
		return err
	}
	im.logger.Info("ingest.watch.started", "root", cfg.Root, "project_id", cfg.ProjectID)

	emit := func(r Result) {
		if onResult != nil {
			onResult(r)
		}
	}
	if cfg.InitialScan {
		results, _, err := im.ImportDirectory(ctx, cfg.ProjectID, cfg.Root)
		if err != nil {
			im.logger.Warn("initial scan failed", "root", cfg.Root, "error", err)
		}
		for _, r := range results {
			emit(r)
		}
	}

	var (
		mu      sync.Mutex
		pending = map[string]struct{}{}
		ready   = make(chan struct{}, 1)
		timer   *time.Timer
	)
	schedule := func(path string) {
		mu.Lock()
		defer mu.Unlock()
		pending[path] = struct{}{}
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(cfg.Debounce, func() {
			select {
			case ready <- struct{}{}:
			default:
			}
		})
	}
	flush := func() {
		mu.Lock()
		paths := make([]string, 0, len(pending))
		for p := range pending {
			paths = append(paths, p)
		}
		clear(pending)
		mu.Unlock()

		for _, path := range paths {
			info, err := os.Stat(path)
			if err != nil || info.IsDir() {
				continue
			}
			rel, err := filepath.Rel(cfg.Root, path)
			if err != nil {
				rel = filepath.Base(path)
			}
			emit(im.importFile(ctx, cfg.ProjectID, path, filepath.ToSlash(rel)))
		}
	}

	for {
		select {
		case <-ctx.Done():
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
			im.logger.Info("ingest.watch.stopped", "root", cfg.Root)
			return nil
		case <-ready:
			flush()
		case e, ok := <-w.Events:
			if !ok {
				return nil
			}
			if im.skipHidden && isHidden(e.Name) {
				continue
			}
			if e.Has(fsnotify.Create) {
				if info, err := os.Stat(e.Name); err == nil && info.IsDir() {
					if err := im.addTree(w, e.Name); err != nil {
						im.logger.Warn("failed to watch new directory", "path", e.Name, "error", err)
					}
					// files may land before the directory is watched
					_ = filepath.WalkDir(e.Name, func(path string, d fs.DirEntry, err error) error {
						if err == nil && !d.IsDir() && im.Allowed(path) && !(im.skipHidden && isHidden(path)) {
							schedule(path)
						}
						return nil
					})
					continue
				}
			}
			if im.Allowed(e.Name) && (e.Has(fsnotify.Create) || e.Has(fsnotify.Write) || e.Has(fsnotify.Rename)) {
				schedule(e.Name)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			im.logger.Error("watcher error", "error", err)
		}
	}
}

// addTree watches dir and every non-hidden directory below it.
func (im *Importer) addTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && im.skipHidden && isHidden(path) {
			return filepath.SkipDir
		}
		return w.Add(path)
	})
}
