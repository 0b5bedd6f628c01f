package syncbridge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresOperationTimeout = 5 * time.Second
	postgresNotifyChannel    = "syncbridge_changes"
)

// PostgresAdapter bridges the cloud-hosted relational store. It installs a
// row-change trigger per managed table so native change capture can ride
// LISTEN/NOTIFY instead of polling.
type PostgresAdapter struct {
	dsn       string
	policy    reconnectPolicy
	logger    *slog.Logger
	maxConns  int
	openDB    func(driverName, dsn string) (*sql.DB, error)
	mu        sync.Mutex
	db        *sql.DB
	tables    map[string]bool
	connected bool
}

type PostgresOptions struct {
	DSN       string
	MaxConns  int
	Reconnect reconnectPolicy
	Logger    *slog.Logger
}

func NewPostgresAdapter(opts PostgresOptions) (*PostgresAdapter, error) {
	dsn := strings.TrimSpace(opts.DSN)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = 8
	}
	return &PostgresAdapter{
		dsn:      dsn,
		policy:   opts.Reconnect.normalize(),
		logger:   logger,
		maxConns: maxConns,
		openDB:   sql.Open,
		tables:   map[string]bool{},
	}, nil
}

func (a *PostgresAdapter) Name() StoreName { return StoreCloud }

// DSN is exposed for the LISTEN/NOTIFY capture source, which needs its own
// connection.
func (a *PostgresAdapter) DSN() string { return a.dsn }

func (a *PostgresAdapter) Connect(ctx context.Context) error {
	return connectWithRetry(ctx, StoreCloud, a.policy, a.logger, a.open)
}

func (a *PostgresAdapter) open(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected && a.db != nil {
		return nil
	}
	db, err := a.openDB("postgres", a.dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(a.maxConns)
	db.SetMaxIdleConns(a.maxConns / 2)
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}
	if err := installNotifyFunction(ctx, db); err != nil {
		_ = db.Close()
		return err
	}
	a.db = db
	a.connected = true
	return nil
}

func installNotifyFunction(ctx context.Context, db *sql.DB) error {
	ddl := fmt.Sprintf(`
		CREATE OR REPLACE FUNCTION syncbridge_notify() RETURNS trigger AS $$
		DECLARE
			row_id TEXT;
		BEGIN
			IF TG_OP = 'DELETE' THEN
				row_id := OLD.id;
			ELSE
				row_id := NEW.id;
			END IF;
			PERFORM pg_notify('%s', json_build_object(
				'table', TG_TABLE_NAME,
				'id', row_id,
				'op', TG_OP
			)::text);
			RETURN NULL;
		END;
		$$ LANGUAGE plpgsql`, postgresNotifyChannel)
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("install notify function: %w", err)
	}
	return nil
}

func (a *PostgresAdapter) Close() error {
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

func (a *PostgresAdapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected && a.db != nil
}

func (a *PostgresAdapter) handle(ctx context.Context, table string) (*sql.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected || a.db == nil {
		return nil, ErrStoreUnavailable
	}
	if table != "" && !a.tables[table] {
		if err := a.ensureTableLocked(ctx, table); err != nil {
			return nil, err
		}
		a.tables[table] = true
	}
	return a.db, nil
}

func (a *PostgresAdapter) ensureTableLocked(ctx context.Context, table string) error {
	quoted := quoteIdentifier(table)
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			payload JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, quoted)
	if _, err := a.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("%w: create table %s: %v", ErrStoreUnavailable, table, err)
	}
	triggerName := quoteIdentifier(table + "_syncbridge_notify")
	dropTrigger := fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s", triggerName, quoted)
	if _, err := a.db.ExecContext(ctx, dropTrigger); err != nil {
		return fmt.Errorf("%w: reset trigger on %s: %v", ErrStoreUnavailable, table, err)
	}
	createTrigger := fmt.Sprintf(`
		CREATE TRIGGER %s
		AFTER INSERT OR UPDATE OR DELETE ON %s
		FOR EACH ROW EXECUTE FUNCTION syncbridge_notify()`, triggerName, quoted)
	if _, err := a.db.ExecContext(ctx, createTrigger); err != nil {
		return fmt.Errorf("%w: create trigger on %s: %v", ErrStoreUnavailable, table, err)
	}
	return nil
}

func (a *PostgresAdapter) Get(ctx context.Context, table, id string) (Record, error) {
	if strings.TrimSpace(table) == "" || strings.TrimSpace(id) == "" {
		return Record{}, ErrInvalidInput
	}
	db, err := a.handle(ctx, table)
	if err != nil {
		return Record{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload::text, updated_at FROM %s WHERE id = $1", quoteIdentifier(table))
	var payload string
	var updatedAt time.Time
	err = db.QueryRowContext(ctx, query, id).Scan(&payload, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrRecordNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	fields, err := decodePayload(payload)
	if err != nil {
		return Record{}, err
	}
	return Record{ID: id, Fields: fields, UpdatedAt: updatedAt.UTC()}, nil
}

func (a *PostgresAdapter) Upsert(ctx context.Context, table string, rec Record) error {
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
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, payload, updated_at)
		VALUES ($1, $2::jsonb, $3)
		ON CONFLICT (id)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at`,
		quoteIdentifier(table))
	if _, err := db.ExecContext(ctx, query, rec.ID, payload, updatedAt.UTC()); err != nil {
		return classifyPostgresWriteError(err)
	}
	return nil
}

func (a *PostgresAdapter) Delete(ctx context.Context, table, id string) error {
	if strings.TrimSpace(table) == "" || strings.TrimSpace(id) == "" {
		return ErrInvalidInput
	}
	db, err := a.handle(ctx, table)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", quoteIdentifier(table))
	if _, err := db.ExecContext(ctx, query, id); err != nil {
		return classifyPostgresWriteError(err)
	}
	return nil
}

func (a *PostgresAdapter) Count(ctx context.Context, table string) (int, error) {
	if strings.TrimSpace(table) == "" {
		return 0, ErrInvalidInput
	}
	db, err := a.handle(ctx, table)
	if err != nil {
		return 0, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s", quoteIdentifier(table))
	var count int
	if err := db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return count, nil
}

func (a *PostgresAdapter) ListIDs(ctx context.Context, table string) ([]string, error) {
	if strings.TrimSpace(table) == "" {
		return nil, ErrInvalidInput
	}
	db, err := a.handle(ctx, table)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
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

func (a *PostgresAdapter) ChangesSince(ctx context.Context, table string, cursor time.Time) ([]Record, error) {
	if strings.TrimSpace(table) == "" {
		return nil, ErrInvalidInput
	}
	db, err := a.handle(ctx, table)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, payload::text, updated_at
		FROM %s
		WHERE updated_at > $1
		ORDER BY updated_at, id`, quoteIdentifier(table))
	rows, err := db.QueryContext(ctx, query, cursor.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var id, payload string
		var updatedAt time.Time
		if err := rows.Scan(&id, &payload, &updatedAt); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		fields, err := decodePayload(payload)
		if err != nil {
			return nil, err
		}
		records = append(records, Record{ID: id, Fields: fields, UpdatedAt: updatedAt.UTC()})
	}
	return records, rows.Err()
}

func (a *PostgresAdapter) Ping(ctx context.Context) (time.Duration, error) {
	a.mu.Lock()
	db := a.db
	connected := a.connected
	a.mu.Unlock()
	if !connected || db == nil {
		return 0, ErrStoreUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	start := time.Now()
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return time.Since(start), nil
}

// classifyPostgresWriteError separates constraint rejections, which are
// permanent and must not burn connectivity retries, from transport failures.
func classifyPostgresWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 23 - integrity constraint violation, class 22 - data exception.
		if strings.HasPrefix(string(pqErr.Code), "23") || strings.HasPrefix(string(pqErr.Code), "22") {
			return fmt.Errorf("%w: %v", ErrWriteRejected, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
