package syncbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type EngineState string

const (
	StateUninitialized EngineState = "uninitialized"
	StateInitializing  EngineState = "initializing"
	StateRunning       EngineState = "running"
	StateDegraded      EngineState = "degraded"
	StateStopping      EngineState = "stopping"
	StateStopped       EngineState = "stopped"
)

const (
	initMaxAttempts    = 3
	initRetryBaseDelay = 5 * time.Second
	stopGracePeriod    = 15 * time.Second
	reconcileParallel  = 4
)

type EngineOptions struct {
	Config Config
	// Legacy and Cloud override the adapters built from Config. Used by tests.
	Legacy StoreAdapter
	Cloud  StoreAdapter
	Logger *slog.Logger
}

// Engine owns the whole bridge: both store adapters, change capture, the sync
// queue, conflict resolution, health monitoring, and the event stream. One
// Engine serves one legacy/cloud store pair.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	legacy   StoreAdapter
	cloud    StoreAdapter
	bus      *Bus
	alerts   *AlertManager
	monitor  *HealthMonitor
	queue    *SyncQueue
	detector *ConflictDetector
	resolver *ConflictResolver

	mu              sync.Mutex
	state           EngineState
	captureDegraded bool
	conflicts       uint64
	lastOpAt        time.Time
	pending         map[string]ConflictResolution
	pendingOps      map[string]string
	resolutions     []SyncResolutionRecord
	sources         []ChangeSource
	runCancel       context.CancelFunc
	runWG           sync.WaitGroup
}

// SyncResolutionRecord is one applied resolution in the bounded history.
type SyncResolutionRecord struct {
	Resolution ConflictResolution `json:"resolution"`
	Manual     bool               `json:"manual"`
}

const resolutionHistoryLimit = 128

func NewEngine(opts EngineOptions) (*Engine, error) {
	cfg := opts.Config
	cfg.Normalize()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		state:      StateUninitialized,
		pending:    map[string]ConflictResolution{},
		pendingOps: map[string]string{},
	}

	policy := reconnectPolicy{
		BaseDelay:   cfg.Reconnect.BaseDelay.Std(),
		MaxAttempts: cfg.Reconnect.MaxAttempts,
	}
	e.legacy = opts.Legacy
	if e.legacy == nil {
		legacy, err := NewSQLiteAdapter(SQLiteOptions{
			Path:      cfg.Legacy.Path,
			Reconnect: policy,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("legacy store: %w", err)
		}
		e.legacy = legacy
	}
	e.cloud = opts.Cloud
	if e.cloud == nil {
		cloud, err := NewPostgresAdapter(PostgresOptions{
			DSN:       cfg.Cloud.DSN,
			MaxConns:  cfg.Cloud.MaxConns,
			Reconnect: policy,
			Logger:    logger,
		})
		if err != nil {
			return nil, fmt.Errorf("cloud store: %w", err)
		}
		e.cloud = cloud
	}

	e.bus = NewBus(256)
	e.alerts = NewAlertManager(AlertManagerOptions{
		Retention: cfg.Alerts.Retention.Std(),
		MaxAlerts: cfg.Alerts.MaxAlerts,
		OnCreated: func(alert Alert) { e.bus.Publish(EventAlertCreated, alert) },
		Logger:    logger,
	})
	e.detector = NewConflictDetector()
	e.resolver = NewConflictResolver(ResolverOptions{
		TableClasses:       cfg.TableClasses(),
		AutoApplyThreshold: cfg.Resolver.AutoApplyThreshold,
		Logger:             logger,
	})
	e.queue = NewSyncQueue(QueueOptions{
		Workers:        cfg.Queue.Workers,
		MaxAttempts:    cfg.Queue.MaxAttempts,
		RetryBaseDelay: cfg.Queue.RetryBaseDelay.Std(),
		Apply:          e.applyOperation,
		OnApplied:      e.operationApplied,
		OnParked:       e.operationParked,
		OnFailed:       e.operationFailed,
		Logger:         logger,
	})
	probeTable := ""
	if len(cfg.Tables) > 0 {
		probeTable = cfg.Tables[0].Name
	}
	e.monitor = NewHealthMonitor(HealthMonitorOptions{
		Interval:           cfg.Health.ProbeInterval.Std(),
		Legacy:             e.legacy,
		Cloud:              e.cloud,
		ProbeTable:         probeTable,
		Queue:              e.queue,
		Alerts:             e.alerts,
		PendingResolutions: e.pendingCount,
		OnBandChange:       e.healthBandChanged,
		Logger:             logger,
	})
	return e, nil
}

// healthBandChanged mirrors the monitor's band into the lifecycle state: a
// running engine degrades when health leaves the healthy band and recovers
// with it, unless capture is stuck on the polling fallback.
func (e *Engine) healthBandChanged(band HealthStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateRunning:
		if band == HealthWarning || band == HealthCritical {
			e.state = StateDegraded
		}
	case StateDegraded:
		if band == HealthHealthy && !e.captureDegraded {
			e.state = StateRunning
		}
	}
}

// State reports the current lifecycle state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Queue exposes the sync queue for the operator API.
func (e *Engine) Queue() *SyncQueue { return e.queue }

// Alerts exposes the alert manager for the operator API.
func (e *Engine) Alerts() *AlertManager { return e.alerts }

// Patterns exposes the learned strategy table for operator overrides.
func (e *Engine) Patterns() *PatternTable { return e.resolver.Patterns() }

// Subscribe attaches a listener to the engine event stream.
func (e *Engine) Subscribe() (<-chan Event, func()) { return e.bus.Subscribe() }

// Start connects both stores, selects capture strategies, runs the initial
// reconciliation, and launches the capture and monitoring loops. The whole
// sequence retries up to three times with growing delays before giving up.
func (e *Engine) Start(ctx context.Context) (InitializationReport, error) {
	e.mu.Lock()
	switch e.state {
	case StateUninitialized, StateStopped:
		e.state = StateInitializing
	case StateRunning, StateDegraded, StateInitializing:
		e.mu.Unlock()
		return InitializationReport{}, ErrAlreadyRunning
	default:
		e.mu.Unlock()
		return InitializationReport{}, ErrInvalidState
	}
	e.mu.Unlock()

	started := time.Now()
	var report InitializationReport
	var lastErr error
	for attempt := 1; attempt <= initMaxAttempts; attempt++ {
		report, lastErr = e.initialize(ctx)
		if lastErr == nil {
			report.Attempts = attempt
			break
		}
		e.logger.Error("initialization attempt failed",
			"attempt", attempt, "error", lastErr)
		if attempt == initMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = initMaxAttempts
		case <-time.After(initRetryBaseDelay * time.Duration(attempt)):
		}
	}
	if lastErr != nil {
		// A partial attempt may have connected one store; release both so a
		// later Start begins from a clean slate.
		if err := e.legacy.Close(); err != nil {
			e.logger.Warn("legacy store close after failed start", "error", err)
		}
		if err := e.cloud.Close(); err != nil {
			e.logger.Warn("cloud store close after failed start", "error", err)
		}
		e.mu.Lock()
		e.state = StateUninitialized
		e.mu.Unlock()
		e.monitor.RecordCritical()
		e.alerts.Raise(SeverityCritical, "engine",
			fmt.Sprintf("initialization failed: %v", lastErr))
		e.bus.Publish(EventInitializationFailed, map[string]any{"error": lastErr.Error()})
		return InitializationReport{}, lastErr
	}
	report.Duration = time.Since(started)

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.runCancel = cancel
	e.captureDegraded = len(report.DegradedComponents) > 0
	if e.captureDegraded {
		e.state = StateDegraded
	} else {
		e.state = StateRunning
	}
	sources := append([]ChangeSource(nil), e.sources...)
	e.mu.Unlock()

	e.queue.Start()
	e.monitor.SetRunning(true)
	for _, source := range sources {
		src := source
		e.runWG.Add(2)
		go func() {
			defer e.runWG.Done()
			src.Run(runCtx)
		}()
		go func() {
			defer e.runWG.Done()
			e.consume(src)
		}()
	}
	e.runWG.Add(2)
	go func() {
		defer e.runWG.Done()
		e.monitor.Run(runCtx)
	}()
	go func() {
		defer e.runWG.Done()
		e.alerts.RunCleanup(runCtx)
	}()

	e.logger.Info("engine started",
		"attempts", report.Attempts,
		"reconciledTables", report.ReconciledTables,
		"synthesizedEvents", report.SynthesizedEvents,
		"degraded", len(report.DegradedComponents) > 0)
	e.bus.Publish(EventInitialized, report)
	return report, nil
}

func (e *Engine) initialize(ctx context.Context) (InitializationReport, error) {
	report := InitializationReport{CaptureModes: map[StoreName]string{}}

	g, connectCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.legacy.Connect(connectCtx) })
	g.Go(func() error { return e.cloud.Connect(connectCtx) })
	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("connect stores: %w", err)
	}

	tables := e.cfg.TableNames()
	pollInterval := e.cfg.Capture.PollInterval.Std()
	var sources []ChangeSource
	for _, adapter := range []StoreAdapter{e.legacy, e.cloud} {
		source, degraded := selectChangeSource(adapter, tables, pollInterval, e.logger)
		sources = append(sources, source)
		report.CaptureModes[adapter.Name()] = string(source.Mode())
		if degraded {
			name := string(adapter.Name()) + "_capture"
			report.DegradedComponents = append(report.DegradedComponents, name)
			e.alerts.Raise(SeverityInfo, name,
				fmt.Sprintf("%s store running on polling capture", adapter.Name()))
		}
	}

	synthesized, err := e.reconcile(ctx, tables)
	if err != nil {
		return report, fmt.Errorf("initial reconciliation: %w", err)
	}
	report.ReconciledTables = len(tables)
	report.SynthesizedEvents = synthesized

	e.mu.Lock()
	e.sources = sources
	e.mu.Unlock()
	return report, nil
}

// Stop winds the engine down: capture first, then the queue with a grace
// period for in-flight operations, then the store connections.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	switch e.state {
	case StateRunning, StateDegraded:
		e.state = StateStopping
	default:
		e.mu.Unlock()
		return ErrNotRunning
	}
	cancel := e.runCancel
	e.runCancel = nil
	e.sources = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		e.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	case <-time.After(stopGracePeriod):
		e.logger.Warn("capture loops did not stop within grace period")
	}
	e.queue.Stop(stopGracePeriod)
	e.monitor.SetRunning(false)
	if err := e.legacy.Close(); err != nil {
		e.logger.Warn("legacy store close failed", "error", err)
	}
	if err := e.cloud.Close(); err != nil {
		e.logger.Warn("cloud store close failed", "error", err)
	}

	e.mu.Lock()
	e.state = StateStopped
	e.mu.Unlock()
	e.logger.Info("engine stopped")
	e.bus.Publish(EventStopped, nil)
	return nil
}

// Restart is a full stop-then-start cycle.
func (e *Engine) Restart(ctx context.Context) (InitializationReport, error) {
	if err := e.Stop(ctx); err != nil && !errors.Is(err, ErrNotRunning) {
		return InitializationReport{}, err
	}
	return e.Start(ctx)
}

func (e *Engine) consume(source ChangeSource) {
	for ev := range source.Events() {
		if _, err := e.queue.Enqueue(ev); err != nil {
			e.logger.Warn("enqueue failed",
				"store", string(ev.Source), "table", ev.Table, "id", ev.RecordID, "error", err)
		}
	}
}

func (e *Engine) adapterFor(name StoreName) StoreAdapter {
	if name == StoreLegacy {
		return e.legacy
	}
	return e.cloud
}

// applyOperation pushes one captured change to the opposite store. Duplicate
// deliveries and write-back echoes land as no-ops because the target already
// holds an identical payload.
func (e *Engine) applyOperation(ctx context.Context, op SyncOperation) error {
	ev := op.Event
	target := e.adapterFor(ev.Source.Opposite())

	if ev.Kind == ChangeDelete {
		err := target.Delete(ctx, ev.Table, ev.RecordID)
		if isNotFound(err) {
			return nil
		}
		return err
	}

	existing, err := target.Get(ctx, ev.Table, ev.RecordID)
	if err != nil && !isNotFound(err) {
		return err
	}
	if err == nil {
		if payloadEqual(existing.Fields, ev.Payload) {
			return nil
		}
		if cand, conflict := e.detector.Detect(ev, existing); conflict {
			return e.resolveConflict(ctx, op, cand)
		}
	}
	return target.Upsert(ctx, ev.Table, Record{
		ID:        ev.RecordID,
		Fields:    ev.Payload,
		UpdatedAt: ev.OriginTimestamp,
	})
}

func (e *Engine) resolveConflict(ctx context.Context, op SyncOperation, cand ConflictCandidate) error {
	e.mu.Lock()
	e.conflicts++
	e.mu.Unlock()
	e.monitor.RecordConflict()

	res := e.resolver.Resolve(cand)
	e.bus.Publish(EventConflict, res)
	e.logger.Info("conflict detected",
		"table", cand.Table, "id", cand.RecordID,
		"strategy", string(res.StrategyUsed), "confidence", res.Confidence,
		"autoApply", res.Verified)

	if !res.Verified {
		e.mu.Lock()
		e.pending[res.ID] = res
		e.pendingOps[res.ID] = op.ID
		e.mu.Unlock()
		e.bus.Publish(EventResolutionPending, res)
		return fmt.Errorf("%w: resolution %s", ErrResolutionPending, res.ID)
	}

	if err := e.applyResolution(ctx, &res); err != nil {
		return err
	}
	e.resolver.Learn(res)
	e.recordResolution(res, false)
	return nil
}

// applyResolution writes the resolved payload to both stores so they converge
// on the same version.
func (e *Engine) applyResolution(ctx context.Context, res *ConflictResolution) error {
	rec := Record{
		ID:        res.RecordID,
		Fields:    res.ResolvedPayload,
		UpdatedAt: time.Now().UTC(),
	}
	if err := e.cloud.Upsert(ctx, res.Table, rec); err != nil {
		return fmt.Errorf("apply resolution to cloud: %w", err)
	}
	if err := e.legacy.Upsert(ctx, res.Table, rec); err != nil {
		return fmt.Errorf("apply resolution to legacy: %w", err)
	}
	stampApplied(res)
	return nil
}

func (e *Engine) recordResolution(res ConflictResolution, manual bool) {
	e.mu.Lock()
	e.resolutions = append(e.resolutions, SyncResolutionRecord{Resolution: res, Manual: manual})
	if len(e.resolutions) > resolutionHistoryLimit {
		e.resolutions = e.resolutions[len(e.resolutions)-resolutionHistoryLimit:]
	}
	e.mu.Unlock()
}

// PendingResolutions lists resolutions awaiting operator review.
func (e *Engine) PendingResolutions() []ConflictResolution {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ConflictResolution, 0, len(e.pending))
	for _, res := range e.pending {
		out = append(out, res)
	}
	return out
}

// Resolutions returns the bounded history of applied resolutions, oldest
// first.
func (e *Engine) Resolutions() []SyncResolutionRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]SyncResolutionRecord(nil), e.resolutions...)
}

func (e *Engine) pendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// ConfirmResolution applies an operator-approved payload for a pending
// resolution to both stores and discards the parked operation it blocked.
func (e *Engine) ConfirmResolution(ctx context.Context, id string, payload map[string]any) error {
	if len(payload) == 0 {
		return fmt.Errorf("%w: resolved payload required", ErrInvalidInput)
	}
	e.mu.Lock()
	res, ok := e.pending[id]
	opID := e.pendingOps[id]
	e.mu.Unlock()
	if !ok {
		return ErrRecordNotFound
	}

	res.ResolvedPayload = normalizeFields(payload)
	res.Verified = true
	if err := e.applyResolution(ctx, &res); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.pending, id)
	delete(e.pendingOps, id)
	e.mu.Unlock()
	if opID != "" {
		if err := e.queue.DiscardParked(opID); err != nil && !isNotFound(err) {
			e.logger.Warn("discard parked operation failed", "op", opID, "error", err)
		}
	}
	e.recordResolution(res, true)
	e.logger.Info("resolution confirmed", "id", id, "table", res.Table, "record", res.RecordID)
	return nil
}

// RejectResolution discards a pending resolution. The parked operation stays
// parked for replay once the underlying data is corrected.
func (e *Engine) RejectResolution(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pending[id]; !ok {
		return ErrRecordNotFound
	}
	delete(e.pending, id)
	delete(e.pendingOps, id)
	return nil
}

// ForceSync reconciles one table, or every configured table when table is
// empty. Capture cursors are untouched; differences become synthesized queue
// operations.
func (e *Engine) ForceSync(ctx context.Context, table string) (int, error) {
	e.mu.Lock()
	running := e.state == StateRunning || e.state == StateDegraded
	e.mu.Unlock()
	if !running {
		return 0, ErrNotRunning
	}
	tables := e.cfg.TableNames()
	if table != "" {
		found := false
		for _, name := range tables {
			if name == table {
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown table %q", ErrInvalidInput, table)
		}
		tables = []string{table}
	}
	return e.reconcile(ctx, tables)
}

// reconcile compares both stores table by table and enqueues a synthesized
// change event for every divergence. Missing rows become creates sourced from
// the store that has them; divergent rows become updates sourced from the
// newer side.
func (e *Engine) reconcile(ctx context.Context, tables []string) (int, error) {
	var mu sync.Mutex
	total := 0
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(reconcileParallel)
	for _, table := range tables {
		table := table
		g.Go(func() error {
			count, err := e.reconcileTable(gctx, table)
			if err != nil {
				return fmt.Errorf("reconcile %s: %w", table, err)
			}
			mu.Lock()
			total += count
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return total, err
	}
	return total, nil
}

func (e *Engine) reconcileTable(ctx context.Context, table string) (int, error) {
	legacyIDs, err := e.legacy.ListIDs(ctx, table)
	if err != nil {
		return 0, err
	}
	cloudIDs, err := e.cloud.ListIDs(ctx, table)
	if err != nil {
		return 0, err
	}
	legacySet := make(map[string]bool, len(legacyIDs))
	for _, id := range legacyIDs {
		legacySet[id] = true
	}
	cloudSet := make(map[string]bool, len(cloudIDs))
	for _, id := range cloudIDs {
		cloudSet[id] = true
	}

	count := 0
	enqueue := func(ev ChangeEvent) error {
		if _, err := e.queue.Enqueue(ev); err != nil {
			return err
		}
		count++
		return nil
	}

	for _, id := range legacyIDs {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		legacyRec, err := e.legacy.Get(ctx, table, id)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return count, err
		}
		if !cloudSet[id] {
			if err := enqueue(synthesizeEvent(ChangeCreate, StoreLegacy, table, legacyRec)); err != nil {
				return count, err
			}
			continue
		}
		cloudRec, err := e.cloud.Get(ctx, table, id)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return count, err
		}
		if payloadEqual(legacyRec.Fields, cloudRec.Fields) {
			continue
		}
		newer, source := legacyRec, StoreLegacy
		if cloudRec.UpdatedAt.After(legacyRec.UpdatedAt) {
			newer, source = cloudRec, StoreCloud
		}
		if err := enqueue(synthesizeEvent(ChangeUpdate, source, table, newer)); err != nil {
			return count, err
		}
	}
	for _, id := range cloudIDs {
		if legacySet[id] {
			continue
		}
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		cloudRec, err := e.cloud.Get(ctx, table, id)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return count, err
		}
		if err := enqueue(synthesizeEvent(ChangeCreate, StoreCloud, table, cloudRec)); err != nil {
			return count, err
		}
	}
	return count, nil
}

func synthesizeEvent(kind ChangeKind, source StoreName, table string, rec Record) ChangeEvent {
	return ChangeEvent{
		RecordID:        rec.ID,
		Table:           table,
		Kind:            kind,
		Payload:         rec.Fields,
		Source:          source,
		DetectedAt:      time.Now().UTC(),
		OriginTimestamp: rec.UpdatedAt,
	}
}

// GetStats merges queue counters with the engine's conflict tally.
func (e *Engine) GetStats() Stats {
	queueStats := e.queue.Stats()
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		TotalOperations: queueStats.Total,
		Successful:      queueStats.Successful,
		Failed:          queueStats.Failed,
		Conflicts:       e.conflicts,
		LastOperationAt: e.lastOpAt,
	}
}

// GetHealthReport returns the monitor's current aggregate view.
func (e *Engine) GetHealthReport() SystemHealthReport {
	return e.monitor.Report()
}

func (e *Engine) operationApplied(op SyncOperation) {
	e.mu.Lock()
	e.lastOpAt = op.FinishedAt
	e.mu.Unlock()
	e.monitor.RecordSuccess()
	e.bus.Publish(EventOperation, op)
	e.bus.Publish(EventStatsUpdated, e.GetStats())
}

func (e *Engine) operationParked(op SyncOperation) {
	e.mu.Lock()
	e.lastOpAt = op.FinishedAt
	e.mu.Unlock()
	// Resolution-pending parks already announced themselves via the
	// resolution_pending event; only retry exhaustion alerts, and only once.
	if !op.ResolutionPending {
		e.alerts.Raise(SeverityError, "sync_queue",
			fmt.Sprintf("operation parked after %d attempts on %s/%s: %s",
				op.AttemptCount, op.Event.Table, op.Event.RecordID, op.LastError))
	}
	e.bus.Publish(EventOperation, op)
}

func (e *Engine) operationFailed(op SyncOperation, err error) {
	if errors.Is(err, ErrStoreUnavailable) {
		e.monitor.RecordCritical()
		e.bus.Publish(EventCriticalError, map[string]any{
			"operation": op.ID, "error": err.Error(),
		})
		return
	}
	e.monitor.RecordError()
	e.bus.Publish(EventError, map[string]any{
		"operation": op.ID, "error": err.Error(),
	})
}

// Close releases resources without a lifecycle transition. Safe after Stop.
func (e *Engine) Close() {
	e.bus.Close()
}
