package syncbridge

import (
	"errors"
	"time"
)

var (
	ErrStoreUnavailable  = errors.New("store unavailable")
	ErrWriteRejected     = errors.New("write rejected")
	ErrRecordNotFound    = errors.New("record not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidState      = errors.New("invalid state")
	ErrNotRunning        = errors.New("engine not running")
	ErrAlreadyRunning    = errors.New("engine already running")
	ErrResolutionPending = errors.New("resolution pending manual review")
	ErrAlertNotFound     = errors.New("alert not found")
)

// StoreName identifies one side of the bridge.
type StoreName string

const (
	StoreLegacy StoreName = "legacy"
	StoreCloud  StoreName = "cloud"
)

// Opposite returns the other side of the bridge.
func (n StoreName) Opposite() StoreName {
	if n == StoreLegacy {
		return StoreCloud
	}
	return StoreLegacy
}

// Record is a store row in the bridge's generic shape. Payload fields are
// opaque to the engine; only ID and UpdatedAt carry sync semantics.
type Record struct {
	ID        string         `json:"id"`
	Fields    map[string]any `json:"fields"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
)

// ChangeEvent is a normalized change observed on one store. Produced only by
// change capture and reconciliation; immutable once created.
type ChangeEvent struct {
	RecordID        string         `json:"recordId"`
	Table           string         `json:"table"`
	Kind            ChangeKind     `json:"kind"`
	Payload         map[string]any `json:"payload,omitempty"`
	Source          StoreName      `json:"sourceStore"`
	DetectedAt      time.Time      `json:"detectedAt"`
	OriginTimestamp time.Time      `json:"originTimestamp"`
}

// Key is the serialization key: operations sharing it are never concurrently
// in flight.
func (e ChangeEvent) Key() string {
	return e.Table + "|" + e.RecordID
}

type OperationState string

const (
	OpPending    OperationState = "pending"
	OpProcessing OperationState = "processing"
	OpApplied    OperationState = "applied"
	OpFailed     OperationState = "failed"
	OpParked     OperationState = "parked"
)

// SyncOperation is an enqueued change. Owned by the queue until it reaches a
// terminal state; AttemptCount only ever increases.
type SyncOperation struct {
	ID           string         `json:"id"`
	Event        ChangeEvent    `json:"event"`
	State        OperationState `json:"state"`
	AttemptCount int            `json:"attemptCount"`
	LastError    string         `json:"lastError,omitempty"`
	EnqueuedAt   time.Time      `json:"enqueuedAt"`
	FinishedAt   time.Time      `json:"finishedAt,omitempty"`
	// ResolutionPending marks a parked operation waiting on a conflict
	// resolution rather than one that exhausted its retries.
	ResolutionPending bool `json:"resolutionPending,omitempty"`
}

// FieldDiff is one divergent field inside a ConflictCandidate. The per-side
// timestamps are the row UpdatedAt of each store; neither store keeps
// finer-grained history.
type FieldDiff struct {
	LegacyValue     any       `json:"legacyValue"`
	CloudValue      any       `json:"cloudValue"`
	LegacyTimestamp time.Time `json:"legacyTimestamp"`
	CloudTimestamp  time.Time `json:"cloudTimestamp"`
}

type ConflictComplexity string

const (
	ComplexityLow    ConflictComplexity = "low"
	ComplexityMedium ConflictComplexity = "medium"
	ComplexityHigh   ConflictComplexity = "high"
)

// ConflictCandidate describes concurrent divergent versions of one record.
// Built by the detector, consumed exactly once by the resolver.
type ConflictCandidate struct {
	RecordID      string               `json:"recordId"`
	Table         string               `json:"table"`
	LegacyVersion Record               `json:"legacyVersion"`
	CloudVersion  Record               `json:"cloudVersion"`
	Diffs         map[string]FieldDiff `json:"perFieldDiffs"`
	EventCount    int                  `json:"eventCount"`
}

// Complexity classifies the candidate for the confidence estimate.
func (c ConflictCandidate) Complexity() ConflictComplexity {
	fields := len(c.Diffs)
	switch {
	case fields > 5 || c.EventCount > 10:
		return ComplexityHigh
	case fields <= 2 && c.EventCount <= 2:
		return ComplexityLow
	default:
		return ComplexityMedium
	}
}

type StrategyName string

const (
	StrategyLastWriteWins   StrategyName = "last_write_wins"
	StrategyFieldLevelMerge StrategyName = "field_level_merge"
	StrategyPrioritySource  StrategyName = "priority_source"
	StrategyManualReview    StrategyName = "manual_review"
)

// ResolutionStrategy is a named strategy plus its configuration. PriorityStore
// is only meaningful for priority_source.
type ResolutionStrategy struct {
	Name          StrategyName `json:"name"`
	PriorityStore StoreName    `json:"priorityStore,omitempty"`
}

// ConflictResolution is the outcome of running a strategy over a candidate.
// Verified=false marks a resolution awaiting manual confirmation; it carries
// no resolved payload until confirmed and must never be applied to a store.
type ConflictResolution struct {
	ID              string            `json:"id"`
	Table           string            `json:"table"`
	RecordID        string            `json:"recordId"`
	Candidate       ConflictCandidate `json:"candidate"`
	StrategyUsed    StrategyName      `json:"strategyUsed"`
	ResolvedPayload map[string]any    `json:"resolvedPayload,omitempty"`
	Confidence      int               `json:"confidence"`
	AppliedAt       time.Time         `json:"appliedAt,omitempty"`
	Verified        bool              `json:"verified"`
}

type ComponentStatus string

const (
	StatusConnected    ComponentStatus = "connected"
	StatusDisconnected ComponentStatus = "disconnected"
	StatusReconnecting ComponentStatus = "reconnecting"
	StatusError        ComponentStatus = "error"
)

// ComponentHealth is the monitor's view of one component. Updated only by the
// probe cycle.
type ComponentHealth struct {
	Status        ComponentStatus `json:"status"`
	LatencyMs     int64           `json:"latencyMs"`
	LastSuccessAt time.Time       `json:"lastSuccessAt,omitempty"`
	ErrorCount    int             `json:"errorCount"`
}

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Alert lifecycle is strictly unacknowledged -> acknowledged -> resolved and
// is never reopened; a recurring condition raises a fresh alert.
type Alert struct {
	ID           string    `json:"id"`
	Severity     Severity  `json:"severity"`
	Source       string    `json:"source"`
	Message      string    `json:"message"`
	CreatedAt    time.Time `json:"createdAt"`
	Acknowledged bool      `json:"acknowledged"`
	Resolved     bool      `json:"resolved"`
}

type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthOffline  HealthStatus = "offline"
)

// SystemHealthReport is a derived read-only aggregate, recomputed on demand.
type SystemHealthReport struct {
	Status       HealthStatus               `json:"status"`
	Score        int                        `json:"score"`
	Components   map[string]ComponentHealth `json:"components"`
	ActiveAlerts int                        `json:"activeAlerts"`
	GeneratedAt  time.Time                  `json:"generatedAt"`
}

// Stats are the engine's aggregate operation counters.
type Stats struct {
	TotalOperations uint64    `json:"totalOperations"`
	Successful      uint64    `json:"successful"`
	Failed          uint64    `json:"failed"`
	Conflicts       uint64    `json:"conflicts"`
	LastOperationAt time.Time `json:"lastOperationAt,omitempty"`
}

// InitializationReport summarizes a successful Initialize call.
type InitializationReport struct {
	Attempts           int                  `json:"attempts"`
	Duration           time.Duration        `json:"duration"`
	CaptureModes       map[StoreName]string `json:"captureModes"`
	ReconciledTables   int                  `json:"reconciledTables"`
	SynthesizedEvents  int                  `json:"synthesizedEvents"`
	DegradedComponents []string             `json:"degradedComponents,omitempty"`
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
