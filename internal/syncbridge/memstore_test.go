package syncbridge

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory StoreAdapter for tests.
type memStore struct {
	name StoreName

	mu          sync.Mutex
	tables      map[string]map[string]Record
	connected   bool
	failConnect bool
	failPing    bool
	failOps     bool
	upserts     int
}

func newMemStore(name StoreName) *memStore {
	return &memStore{
		name:   name,
		tables: map[string]map[string]Record{},
	}
}

func (m *memStore) Name() StoreName { return m.name }

func (m *memStore) Connect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failConnect {
		return fmt.Errorf("%w: %s store connect refused", ErrStoreUnavailable, m.name)
	}
	m.connected = true
	return nil
}

func (m *memStore) setConnectFailing(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failConnect = fail
}

func (m *memStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

func (m *memStore) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *memStore) setFailing(ping, ops bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPing = ping
	m.failOps = ops
	if ping {
		m.connected = false
	}
}

func (m *memStore) opsErr() error {
	if m.failOps {
		return fmt.Errorf("%w: %s store offline", ErrStoreUnavailable, m.name)
	}
	return nil
}

func (m *memStore) seed(table string, rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tables[table] == nil {
		m.tables[table] = map[string]Record{}
	}
	rec.Fields = normalizeFields(rec.Fields)
	m.tables[table][rec.ID] = rec
}

func (m *memStore) upsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

func (m *memStore) Get(_ context.Context, table, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.opsErr(); err != nil {
		return Record{}, err
	}
	rec, ok := m.tables[table][id]
	if !ok {
		return Record{}, ErrRecordNotFound
	}
	return rec, nil
}

func (m *memStore) Upsert(_ context.Context, table string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.opsErr(); err != nil {
		return err
	}
	if m.tables[table] == nil {
		m.tables[table] = map[string]Record{}
	}
	rec.Fields = normalizeFields(rec.Fields)
	m.tables[table][rec.ID] = rec
	m.upserts++
	return nil
}

func (m *memStore) Delete(_ context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.opsErr(); err != nil {
		return err
	}
	if _, ok := m.tables[table][id]; !ok {
		return ErrRecordNotFound
	}
	delete(m.tables[table], id)
	return nil
}

func (m *memStore) Count(_ context.Context, table string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.opsErr(); err != nil {
		return 0, err
	}
	return len(m.tables[table]), nil
}

func (m *memStore) ListIDs(_ context.Context, table string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.opsErr(); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(m.tables[table]))
	for id := range m.tables[table] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) ChangesSince(_ context.Context, table string, cursor time.Time) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.opsErr(); err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range m.tables[table] {
		if rec.UpdatedAt.After(cursor) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *memStore) Ping(context.Context) (time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPing {
		return 0, fmt.Errorf("%w: ping failed", ErrStoreUnavailable)
	}
	return time.Millisecond, nil
}
