package syncbridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteOperationTimeout = 5 * time.Second

// SQLiteAdapter bridges the clinic's on-premise practice-management database.
// Rows are held in the generic (id, payload, updated_at) shape per table;
// timestamps are RFC 3339 UTC strings.
type SQLiteAdapter struct {
	path      string
	policy    reconnectPolicy
	logger    *slog.Logger
	openDB    func(driverName, dsn string) (*sql.DB, error)
	mu        sync.Mutex
	db        *sql.DB
	tables    map[string]bool
	connected bool
}

type SQLiteOptions struct {
	Path      string
	Reconnect reconnectPolicy
	Logger    *slog.Logger
}

func NewSQLiteAdapter(opts SQLiteOptions) (*SQLiteAdapter, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLiteAdapter{
		path:   path,
		policy: opts.Reconnect.normalize(),
		logger: logger,
		openDB: sql.Open,
		tables: map[string]bool{},
	}, nil
}

func (a *SQLiteAdapter) Name() StoreName { return StoreLegacy }

// Path returns the database file location, used by the file-watch capture
// source.
func (a *SQLiteAdapter) Path() string { return a.path }

func (a *SQLiteAdapter) Connect(ctx context.Context) error {
	return connectWithRetry(ctx, StoreLegacy, a.policy, a.logger, a.open)
}

func (a *SQLiteAdapter) open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected && a.db != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	db, err := a.openDB("sqlite", a.path)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite has a single writer; WAL keeps capture reads from blocking it.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	a.db = db
	a.connected = true
	return nil
}

func (a *SQLiteAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connected = false
	if a.db == nil {
		return nil
	}
	err := a.db.Close()
	a.db = nil
	a.tables = map[string]bool{}
	return err
}

func (a *SQLiteAdapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected && a.db != nil
}

func (a *SQLiteAdapter) handle(ctx context.Context, table string) (*sql.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || a.db == nil {
		return nil, ErrStoreUnavailable
	}
	if table != "" && !a.tables[table] {
		ddl := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id TEXT PRIMARY KEY,
				payload TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`, quoteIdentifier(table))
		if _, err := a.db.ExecContext(ctx, ddl); err != nil {
			return nil, fmt.Errorf("%w: create table %s: %v", ErrStoreUnavailable, table, err)
		}
		a.tables[table] = true
	}
	return a.db, nil
}

func (a *SQLiteAdapter) Get(ctx context.Context, table, id string) (Record, error) {
	if strings.TrimSpace(table) == "" || strings.TrimSpace(id) == "" {
		return Record{}, ErrInvalidInput
	}
	db, err := a.handle(ctx, table)
	if err != nil {
		return Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload, updated_at FROM %s WHERE id = ?", quoteIdentifier(table))
	var payload, updatedAt string
	err = db.QueryRowContext(ctx, query, id).Scan(&payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return buildRecord(id, payload, updatedAt)
}

func (a *SQLiteAdapter) Upsert(ctx context.Context, table string, rec Record) error {
	if strings.TrimSpace(table) == "" || strings.TrimSpace(rec.ID) == "" {
		return ErrInvalidInput
	}
	db, err := a.handle(ctx, table)
	if err != nil {
		return err
	}
	payload, err := encodePayload(rec.Fields)
	if err != nil {
		return err
	}
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		quoteIdentifier(table))
	if _, err := db.ExecContext(ctx, query, rec.ID, payload, updatedAt.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (a *SQLiteAdapter) Delete(ctx context.Context, table, id string) error {
	if strings.TrimSpace(table) == "" || strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	db, err := a.handle(ctx, table)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = ?", quoteIdentifier(table))
	if _, err := db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (a *SQLiteAdapter) Count(ctx context.Context, table string) (int, error) {
	if strings.TrimSpace(table) == "" {
		return 0, ErrInvalidInput
	}
	db, err := a.handle(ctx, table)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdentifier(table))
	var count int
	if err := db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

func (a *SQLiteAdapter) ListIDs(ctx context.Context, table string) ([]string, error) {
	if strings.TrimSpace(table) == "" {
		return nil, ErrInvalidInput
	}
	db, err := a.handle(ctx, table)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT id FROM %s ORDER BY id", quoteIdentifier(table))
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (a *SQLiteAdapter) ChangesSince(ctx context.Context, table string, cursor time.Time) ([]Record, error) {
	if strings.TrimSpace(table) == "" {
		return nil, ErrInvalidInput
	}
	db, err := a.handle(ctx, table)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT id, payload, updated_at FROM %s WHERE updated_at > ? ORDER BY updated_at, id",
		quoteIdentifier(table))
	rows, err := db.QueryContext(ctx, query, cursor.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var id, payload, updatedAt string
		if err := rows.Scan(&id, &payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		rec, err := buildRecord(id, payload, updatedAt)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (a *SQLiteAdapter) Ping(ctx context.Context) (time.Duration, error) {
	a.mu.Lock()
	db := a.db
	connected := a.connected
	a.mu.Unlock()
	if !connected || db == nil {
		return 0, ErrStoreUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, sqliteOperationTimeout)
	defer cancel()

	start := time.Now()
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return time.Since(start), nil
}

func buildRecord(id, payload, updatedAt string) (Record, error) {
	fields, err := decodePayload(payload)
	if err != nil {
		return Record{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		// Legacy exports sometimes carry second precision.
		ts, err = time.Parse(time.RFC3339, updatedAt)
		if err != nil {
			return Record{}, fmt.Errorf("parse updated_at %q: %w", updatedAt, err)
		}
	}
	return Record{ID: id, Fields: fields, UpdatedAt: ts.UTC()}, nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
