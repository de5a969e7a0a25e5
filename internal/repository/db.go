package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"entgo.io/ent/dialect"
	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/joseph-ayodele/docflow/db/migrations"
)

// ErrDuplicate is returned when a write hits a unique constraint.
var ErrDuplicate = errors.New("duplicate key")

type Config struct {
	DSN              string
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// DB is the shared handle every repository runs its statements through.
// Statements issued with a context returned by WithTx join that transaction.
type DB struct {
	drv    *entsql.Driver
	pool   *pgxpool.Pool
	logger *slog.Logger
	clock  func() time.Time
}

// Open creates a pgx pool and wraps it in an ent SQL driver.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("connecting to database")
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}

	pc.MaxConns = cfg.MaxConns
	pc.MinConns = cfg.MinConns
	pc.MaxConnLifetime = cfg.MaxConnLifetime
	pc.MaxConnIdleTime = cfg.MaxConnIdleTime
	pc.ConnConfig.RuntimeParams["application_name"] = "docflow"
	if cfg.StatementTimeout > 0 {
		pc.ConnConfig.RuntimeParams["statement_timeout"] = fmt.Sprintf("%d", cfg.StatementTimeout.Milliseconds())
	}

	if cfg.DialTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
		defer cancel()
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		return nil, err
	}

	// Wrap pool as *sql.DB for the ent driver
	sqlDB := stdlib.OpenDBFromPool(pool)
	drv := entsql.OpenDB(dialect.Postgres, sqlDB)

	logger.Info("successfully connected to database")
	return &DB{drv: drv, pool: pool, logger: logger, clock: time.Now}, nil
}

// OpenSQLite opens an embedded SQLite database. An empty dsn opens a
// private in-memory database, which is what the tests use.
func OpenSQLite(dsn string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dsn == "" {
		dsn = "file:" + uuid.NewString() + "?mode=memory&cache=shared"
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serialises writers and keeps an in-memory
	// database alive for the lifetime of the handle.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetConnMaxLifetime(0)

	logger.Debug("opened sqlite database")
	return &DB{drv: entsql.OpenDB(dialect.SQLite, sqlDB), logger: logger, clock: time.Now}, nil
}

// SetClock overrides the time source used for every timestamp the
// repositories write.
func (db *DB) SetClock(clock func() time.Time) {
	db.clock = clock
}

// Now returns the current time in UTC.
func (db *DB) Now() time.Time {
	return db.clock().UTC()
}

// Dialect returns the ent dialect name of the underlying driver.
func (db *DB) Dialect() string {
	return db.drv.Dialect()
}

func (db *DB) builder() *entsql.DialectBuilder {
	return entsql.Dialect(db.drv.Dialect())
}

// Migrate applies the embedded schema for the driver's dialect.
func (db *DB) Migrate(ctx context.Context) error {
	dir := "postgres"
	if db.drv.Dialect() == dialect.SQLite {
		dir = "sqlite"
	}
	stmts, err := migrations.Statements(dir)
	if err != nil {
		return err
	}
	for i, stmt := range stmts {
		if err := db.drv.Exec(ctx, stmt, []any{}, nil); err != nil {
			return fmt.Errorf("migration statement %d: %w", i+1, err)
		}
	}
	db.logger.Info("database schema applied", "dialect", dir, "statements", len(stmts))
	return nil
}

// Close closes the database connections gracefully
func (db *DB) Close() {
	db.logger.Info("closing database connections")
	if err := db.drv.Close(); err != nil {
		db.logger.Error("failed to close sql driver", "error", err)
	}
	if db.pool != nil {
		db.pool.Close()
	}
	db.logger.Info("database connections closed")
}

// HealthCheck pings the database to catch DSN issues early.
func (db *DB) HealthCheck(ctx context.Context, timeout time.Duration) error {
	db.logger.Debug("pinging database")
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if db.pool != nil {
		return db.pool.Ping(ctx)
	}
	return db.drv.DB().PingContext(ctx)
}

type txKey struct{}

type txState struct {
	tx       dialect.Tx
	onCommit []func()
}

// WithTx runs fn inside a transaction. A nested call joins the outer
// transaction. fn must use the context it is given for every statement.
func (db *DB) WithTx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if st, ok := ctx.Value(txKey{}).(*txState); ok && st != nil {
		return fn(ctx)
	}

	tx, err := db.drv.Tx(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	st := &txState{tx: tx}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, st)); err != nil {
		if rerr := tx.Rollback(); rerr != nil {
			db.logger.Error("rollback failed", "error", rerr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr(fmt.Errorf("commit tx: %w", err))
	}
	for _, f := range st.onCommit {
		f()
	}
	return nil
}

// AfterCommit defers fn until the transaction carried by ctx commits. With
// no transaction in ctx fn runs immediately. fn is dropped on rollback.
func (db *DB) AfterCommit(ctx context.Context, fn func()) {
	if st, ok := ctx.Value(txKey{}).(*txState); ok && st != nil {
		st.onCommit = append(st.onCommit, fn)
		return
	}
	fn()
}

// WithoutTx returns ctx detached from any transaction it carries.
func WithoutTx(ctx context.Context) context.Context {
	return context.WithValue(ctx, txKey{}, (*txState)(nil))
}

func (db *DB) conn(ctx context.Context) dialect.ExecQuerier {
	if st, ok := ctx.Value(txKey{}).(*txState); ok && st != nil {
		return st.tx
	}
	return db.drv
}

type querier interface {
	Query() (string, []any)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// insert runs an INSERT and returns the generated id.
func (db *DB) insert(ctx context.Context, ib *entsql.InsertBuilder) (int64, error) {
	if db.drv.Dialect() == dialect.Postgres {
		var id int64
		found := false
		err := db.query(ctx, ib.Returning("id"), func(s rowScanner) error {
			found = true
			return s.Scan(&id)
		})
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, errors.New("insert returned no id")
		}
		return id, nil
	}

	q, args := ib.Query()
	var res sql.Result
	if err := db.conn(ctx).Exec(ctx, q, args, &res); err != nil {
		return 0, mapErr(err)
	}
	return res.LastInsertId()
}

// insertIgnore runs an INSERT that skips rows hitting a unique constraint.
// It returns the new id and whether a row was written.
func (db *DB) insertIgnore(ctx context.Context, ib *entsql.InsertBuilder) (int64, bool, error) {
	q, args := ib.Query()
	q += " ON CONFLICT DO NOTHING"
	if db.drv.Dialect() == dialect.Postgres {
		var id int64
		found := false
		err := db.query(ctx, rawQuery{q + " RETURNING id", args}, func(s rowScanner) error {
			found = true
			return s.Scan(&id)
		})
		return id, found, err
	}

	var res sql.Result
	if err := db.conn(ctx).Exec(ctx, q, args, &res); err != nil {
		return 0, false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil || n == 0 {
		return 0, false, err
	}
	id, err := res.LastInsertId()
	return id, err == nil, err
}

type rawQuery struct {
	q    string
	args []any
}

func (r rawQuery) Query() (string, []any) { return r.q, r.args }

// exec runs a statement and returns the number of affected rows.
func (db *DB) exec(ctx context.Context, b querier) (int64, error) {
	q, args := b.Query()
	return db.execRaw(ctx, q, args)
}

func (db *DB) execRaw(ctx context.Context, q string, args []any) (int64, error) {
	var res sql.Result
	if err := db.conn(ctx).Exec(ctx, q, args, &res); err != nil {
		return 0, mapErr(err)
	}
	return res.RowsAffected()
}

// query runs b and calls scan for every row. Rows are drained and closed
// before query returns so the connection is free for the next statement.
func (db *DB) query(ctx context.Context, b querier, scan func(rowScanner) error) error {
	q, args := b.Query()
	var rows entsql.Rows
	if err := db.conn(ctx).Query(ctx, q, args, &rows); err != nil {
		return mapErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		if err := scan(&rows); err != nil {
			return err
		}
	}
	return rows.Err()
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		switch sqErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
	}
	return err
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullFloat(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

// ptr returns the value behind p or nil, for nullable column arguments.
func ptr[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}
