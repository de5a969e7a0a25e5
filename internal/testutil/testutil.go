// Package testutil builds the in-memory environment service tests run
// against: SQLite with the real migrations, an in-memory Badger store, the
// event recorder and a manual queue.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/docflow/constants"
	"github.com/joseph-ayodele/docflow/internal/core/async"
	"github.com/joseph-ayodele/docflow/internal/entity"
	"github.com/joseph-ayodele/docflow/internal/eventlog"
	"github.com/joseph-ayodele/docflow/internal/repository"
	"github.com/joseph-ayodele/docflow/internal/storage"
)

// Env is a fully migrated, isolated database plus collaborators.
type Env struct {
	DB     *repository.DB
	Repos  *repository.Repositories
	Blobs  *storage.BadgerStore
	Events *eventlog.Recorder
	Router *async.Router
	Queue  *async.ManualQueue
	Clock  *Clock
	Logger *slog.Logger
}

// NewEnv opens a fresh environment and closes it when t finishes.
func NewEnv(t testing.TB) *Env {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := repository.OpenSQLite("", logger)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.Migrate(context.Background()))

	clock := NewClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	db.SetClock(clock.Now)

	blobs, err := storage.OpenBadger("", logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = blobs.Close() })

	repos := repository.NewRepositories(db, logger)
	router := async.NewRouter(logger)
	return &Env{
		DB:     db,
		Repos:  repos,
		Blobs:  blobs,
		Events: eventlog.NewRecorder(db, repos.Events, logger),
		Router: router,
		Queue:  async.NewManualQueue(router, logger),
		Clock:  clock,
		Logger: logger,
	}
}

// Project creates an organization and a project in it.
func (e *Env) Project(t testing.TB) *entity.Project {
	t.Helper()
	ctx := context.Background()
	org, err := e.Repos.Projects.CreateOrganization(ctx, "acme")
	require.NoError(t, err)
	p, err := e.Repos.Projects.Create(ctx, org.ID, "q1 invoices", nil)
	require.NoError(t, err)
	return p
}

// Actions returns the actions recorded for an entity, oldest first.
func (e *Env) Actions(t testing.TB, et constants.EntityType, id int64) []constants.Action {
	t.Helper()
	evs, err := e.Events.List(context.Background(), et, id)
	require.NoError(t, err)
	out := make([]constants.Action, len(evs))
	for i, ev := range evs {
		out[i] = ev.Action
	}
	return out
}

// Clock is a settable time source.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// FailingPuts wraps a blob store so every Put returns Err. Reads still go
// to the wrapped store.
type FailingPuts struct {
	storage.BlobStore
	Err error
}

func (f FailingPuts) Put(context.Context, string, []byte, string) (string, error) {
	return "", f.Err
}
