package syncbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/lib/pq"
)

const (
	captureBufferSize   = 256
	defaultPollInterval = 5 * time.Second
	watchSafetyInterval = 60 * time.Second
	watchDebounceWindow = 250 * time.Millisecond
	listenMinReconnect  = 5 * time.Second
	listenMaxReconnect  = time.Minute
	listenPingInterval  = 90 * time.Second
)

// CaptureMode names the capture strategy a source implements.
type CaptureMode string

const (
	CapturePoll   CaptureMode = "poll"
	CaptureWatch  CaptureMode = "file-watch"
	CaptureListen CaptureMode = "listen-notify"
)

// ChangeSource is the per-store change feed. One implementation is selected
// at startup by a capability probe; Run blocks until the context is
// cancelled and owns the Events channel.
type ChangeSource interface {
	Store() StoreName
	Mode() CaptureMode
	Events() <-chan ChangeEvent
	Run(ctx context.Context)
}

// pollSource is the fallback strategy: a timer scan comparing each table's
// updated_at column against the latest observed cursor.
type pollSource struct {
	store    StoreName
	adapter  StoreAdapter
	tables   []string
	interval time.Duration
	logger   *slog.Logger
	out      chan ChangeEvent
	wake     chan struct{}

	mu      sync.Mutex
	cursors map[string]time.Time
}

func newPollSource(adapter StoreAdapter, tables []string, interval time.Duration, logger *slog.Logger) *pollSource {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &pollSource{
		store:    adapter.Name(),
		adapter:  adapter,
		tables:   append([]string(nil), tables...),
		interval: interval,
		logger:   logger,
		out:      make(chan ChangeEvent, captureBufferSize),
		wake:     make(chan struct{}, 1),
		cursors:  map[string]time.Time{},
	}
}

func (s *pollSource) Store() StoreName           { return s.store }
func (s *pollSource) Mode() CaptureMode          { return CapturePoll }
func (s *pollSource) Events() <-chan ChangeEvent { return s.out }

// trigger requests an immediate scan without waiting for the timer.
func (s *pollSource) trigger() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *pollSource) Run(ctx context.Context) {
	defer close(s.out)
	// Changes predating startup belong to the initial reconciliation pass,
	// not the capture feed.
	now := time.Now().UTC()
	s.mu.Lock()
	for _, table := range s.tables {
		if _, ok := s.cursors[table]; !ok {
			s.cursors[table] = now
		}
	}
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.wake:
		}
		s.scan(ctx)
	}
}

func (s *pollSource) scan(ctx context.Context) {
	for _, table := range s.tables {
		if ctx.Err() != nil {
			return
		}
		s.scanTable(ctx, table)
	}
}

func (s *pollSource) scanTable(ctx context.Context, table string) {
	s.mu.Lock()
	cursor := s.cursors[table]
	s.mu.Unlock()

	records, err := s.adapter.ChangesSince(ctx, table, cursor)
	if err != nil {
		s.logger.Warn("change scan failed",
			"store", string(s.store), "table", table, "error", err)
		return
	}
	maxSeen := cursor
	for _, rec := range records {
		ev := ChangeEvent{
			RecordID:        rec.ID,
			Table:           table,
			Kind:            ChangeUpdate,
			Payload:         rec.Fields,
			Source:          s.store,
			DetectedAt:      time.Now().UTC(),
			OriginTimestamp: rec.UpdatedAt,
		}
		select {
		case s.out <- ev:
		case <-ctx.Done():
			return
		}
		if rec.UpdatedAt.After(maxSeen) {
			maxSeen = rec.UpdatedAt
		}
	}
	if maxSeen.After(cursor) {
		s.mu.Lock()
		s.cursors[table] = maxSeen
		s.mu.Unlock()
	}
}

// watchSource is the legacy store's native-capture hybrid: fsnotify on the
// database file wakes the cursor scan immediately, with a slow safety timer
// behind it. The practice-management system writes the file in place, so a
// write event is a reliable change signal.
type watchSource struct {
	*pollSource
	dbPath  string
	watcher *fsnotify.Watcher
}

func newWatchSource(adapter *SQLiteAdapter, tables []string, logger *slog.Logger) (*watchSource, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	// Watch the directory: SQLite in WAL mode writes the -wal sidecar, and
	// some editors replace files via rename.
	dir := filepath.Dir(adapter.Path())
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	return &watchSource{
		pollSource: newPollSource(adapter, tables, watchSafetyInterval, logger),
		dbPath:     adapter.Path(),
		watcher:    watcher,
	}, nil
}

func (s *watchSource) Mode() CaptureMode { return CaptureWatch }

func (s *watchSource) Run(ctx context.Context) {
	go s.watchLoop(ctx)
	s.pollSource.Run(ctx)
}

func (s *watchSource) watchLoop(ctx context.Context) {
	defer s.watcher.Close()
	var debounce *time.Timer
	base := filepath.Base(s.dbPath)
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(watchDebounceWindow, s.trigger)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("file watch error", "store", string(s.store), "error", err)
		}
	}
}

// listenSource is the cloud store's native capture: Postgres LISTEN/NOTIFY
// fed by the row-change triggers the adapter installs at connect.
type listenSource struct {
	store    StoreName
	adapter  StoreAdapter
	tables   map[string]bool
	listener *pq.Listener
	logger   *slog.Logger
	out      chan ChangeEvent
}

type notifyPayload struct {
	Table string `json:"table"`
	ID    string `json:"id"`
	Op    string `json:"op"`
}

// newListenSource doubles as the capability probe: a failed LISTEN handshake
// means native capture is unusable and the caller falls back to polling.
func newListenSource(adapter *PostgresAdapter, tables []string, logger *slog.Logger) (*listenSource, error) {
	if logger == nil {
		logger = slog.Default()
	}
	listener := pq.NewListener(adapter.DSN(), listenMinReconnect, listenMaxReconnect, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("listener event", "store", string(StoreCloud), "event", int(ev), "error", err)
		}
	})
	if err := listener.Listen(postgresNotifyChannel); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("listen %s: %w", postgresNotifyChannel, err)
	}
	tableSet := make(map[string]bool, len(tables))
	for _, table := range tables {
		tableSet[table] = true
	}
	return &listenSource{
		store:    adapter.Name(),
		adapter:  adapter,
		tables:   tableSet,
		listener: listener,
		logger:   logger,
		out:      make(chan ChangeEvent, captureBufferSize),
	}, nil
}

func (s *listenSource) Store() StoreName           { return s.store }
func (s *listenSource) Mode() CaptureMode          { return CaptureListen }
func (s *listenSource) Events() <-chan ChangeEvent { return s.out }

func (s *listenSource) Run(ctx context.Context) {
	defer close(s.out)
	defer s.listener.Close()
	ping := time.NewTicker(listenPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if err := s.listener.Ping(); err != nil {
				s.logger.Warn("listener ping failed", "store", string(s.store), "error", err)
			}
		case notification := <-s.listener.Notify:
			if notification == nil {
				// Reconnect happened; notifications may have been missed. A
				// forced reconciliation covers the gap, which operators
				// trigger from the degraded-health alert.
				s.logger.Warn("listener reconnected, notifications may be lost", "store", string(s.store))
				continue
			}
			s.handleNotification(ctx, notification.Extra)
		}
	}
}

func (s *listenSource) handleNotification(ctx context.Context, extra string) {
	var payload notifyPayload
	if err := json.Unmarshal([]byte(extra), &payload); err != nil {
		s.logger.Warn("malformed notification", "store", string(s.store), "error", err)
		return
	}
	if payload.Table == "" || payload.ID == "" || !s.tables[payload.Table] {
		return
	}
	now := time.Now().UTC()
	var ev ChangeEvent
	switch payload.Op {
	case "DELETE":
		ev = ChangeEvent{
			RecordID:        payload.ID,
			Table:           payload.Table,
			Kind:            ChangeDelete,
			Source:          s.store,
			DetectedAt:      now,
			OriginTimestamp: now,
		}
	case "INSERT", "UPDATE":
		rec, err := s.adapter.Get(ctx, payload.Table, payload.ID)
		if err != nil {
			if isNotFound(err) {
				// Row vanished between notify and read; the delete
				// notification is right behind it.
				return
			}
			s.logger.Warn("fetch notified record failed",
				"store", string(s.store), "table", payload.Table, "id", payload.ID, "error", err)
			return
		}
		kind := ChangeUpdate
		if payload.Op == "INSERT" {
			kind = ChangeCreate
		}
		ev = ChangeEvent{
			RecordID:        rec.ID,
			Table:           payload.Table,
			Kind:            kind,
			Payload:         rec.Fields,
			Source:          s.store,
			DetectedAt:      now,
			OriginTimestamp: rec.UpdatedAt,
		}
	default:
		return
	}
	select {
	case s.out <- ev:
	case <-ctx.Done():
	}
}

// selectChangeSource probes for native capture on the adapter and falls back
// to polling. The returned degraded flag tells the caller to raise an Info
// alert about the fallback.
func selectChangeSource(adapter StoreAdapter, tables []string, pollInterval time.Duration, logger *slog.Logger) (source ChangeSource, degraded bool) {
	switch typed := adapter.(type) {
	case *PostgresAdapter:
		listen, err := newListenSource(typed, tables, logger)
		if err == nil {
			return listen, false
		}
		logger.Warn("native capture unavailable, falling back to polling",
			"store", string(adapter.Name()), "error", err)
	case *SQLiteAdapter:
		watch, err := newWatchSource(typed, tables, logger)
		if err == nil {
			return watch, false
		}
		logger.Warn("file watch unavailable, falling back to polling",
			"store", string(adapter.Name()), "error", err)
	}
	return newPollSource(adapter, tables, pollInterval, logger), true
}
