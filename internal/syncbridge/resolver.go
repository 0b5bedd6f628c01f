package syncbridge

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TableClass captures the data semantics a table's default strategy derives
// from: identity/demographic data trusts the on-premise system of record,
// workflow state trusts the cloud application.
type TableClass string

const (
	ClassIdentity TableClass = "identity"
	ClassWorkflow TableClass = "workflow"
	ClassGeneral  TableClass = "general"
)

// workflowFields are field names treated as workflow state regardless of
// table class. The clinic schema is bilingual.
var workflowFields = map[string]bool{
	"status":   true,
	"state":    true,
	"estado":   true,
	"stage":    true,
	"etapa":    true,
	"workflow": true,
}

// PatternTable is the learned strategy lookup: exact "table.field" patterns
// first, then "table.*" wildcards. It is mutated both by the learning step
// and by operator overrides, so every access goes through the lock.
type PatternTable struct {
	mu       sync.RWMutex
	patterns map[string]ResolutionStrategy
}

func NewPatternTable() *PatternTable {
	return &PatternTable{patterns: map[string]ResolutionStrategy{}}
}

func (t *PatternTable) Lookup(table, field string) (ResolutionStrategy, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if s, ok := t.patterns[table+"."+field]; ok {
		return s, true
	}
	if s, ok := t.patterns[table+".*"]; ok {
		return s, true
	}
	return ResolutionStrategy{}, false
}

// Set installs or replaces a pattern. Patterns are "table.field" or
// "table.*"; the strategy name must be one of the known strategies.
func (t *PatternTable) Set(pattern string, strategy ResolutionStrategy) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" || !strings.Contains(pattern, ".") {
		return fmt.Errorf("%w: pattern must be table.field or table.*", ErrInvalidInput)
	}
	switch strategy.Name {
	case StrategyLastWriteWins, StrategyFieldLevelMerge, StrategyManualReview:
	case StrategyPrioritySource:
		if strategy.PriorityStore != StoreLegacy && strategy.PriorityStore != StoreCloud {
			return fmt.Errorf("%w: priority_source requires a priority store", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown strategy %q", ErrInvalidInput, strategy.Name)
	}
	t.mu.Lock()
	t.patterns[pattern] = strategy
	t.mu.Unlock()
	return nil
}

func (t *PatternTable) Snapshot() map[string]ResolutionStrategy {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]ResolutionStrategy, len(t.patterns))
	for pattern, strategy := range t.patterns {
		out[pattern] = strategy
	}
	return out
}

type ResolverOptions struct {
	TableClasses       map[string]TableClass
	Patterns           *PatternTable
	AutoApplyThreshold int
	Logger             *slog.Logger
}

// ConflictResolver turns candidates into resolutions. Resolutions at or above
// the auto-apply threshold come back verified with a payload; everything else
// is unverified and payload-free until an operator confirms it.
type ConflictResolver struct {
	classes   map[string]TableClass
	patterns  *PatternTable
	threshold int
	logger    *slog.Logger
}

func NewConflictResolver(opts ResolverOptions) *ConflictResolver {
	if opts.Patterns == nil {
		opts.Patterns = NewPatternTable()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	classes := map[string]TableClass{}
	for table, class := range opts.TableClasses {
		classes[table] = class
	}
	return &ConflictResolver{
		classes:   classes,
		patterns:  opts.Patterns,
		threshold: opts.Threshold(),
		logger:    opts.Logger,
	}
}

func (o ResolverOptions) Threshold() int {
	if o.AutoApplyThreshold <= 0 {
		return 95
	}
	return o.AutoApplyThreshold
}

// Patterns exposes the lookup table for the operator override API.
func (r *ConflictResolver) Patterns() *PatternTable { return r.patterns }

// Resolve runs strategy lookup and confidence scoring over a candidate.
// The resolver never touches a store; applying a verified payload is the
// caller's job.
func (r *ConflictResolver) Resolve(cand ConflictCandidate) ConflictResolution {
	res := ConflictResolution{
		ID:        uuid.NewString(),
		Table:     cand.Table,
		RecordID:  cand.RecordID,
		Candidate: cand,
	}

	strategies := make(map[string]ResolutionStrategy, len(cand.Diffs))
	manual := false
	for field := range cand.Diffs {
		strategy := r.strategyFor(cand.Table, field)
		strategies[field] = strategy
		if strategy.Name == StrategyManualReview {
			manual = true
		}
	}
	if manual {
		res.StrategyUsed = StrategyManualReview
		res.Confidence = 0
		return res
	}

	payload := normalizeFields(cand.CloudVersion.Fields)
	for field, diff := range cand.Diffs {
		value, present := resolveField(strategies[field], diff)
		if present {
			payload[field] = value
		} else {
			delete(payload, field)
		}
	}

	res.StrategyUsed = summarizeStrategies(strategies)
	res.Confidence = scoreConfidence(cand)
	if res.Confidence >= r.threshold {
		res.Verified = true
		res.ResolvedPayload = payload
	}
	return res
}

// Learn records the winning strategy for every field of an auto-applied
// resolution so the same table/field combination resolves the same way next
// time. Plain pattern memory, not a model.
func (r *ConflictResolver) Learn(res ConflictResolution) {
	if !res.Verified {
		return
	}
	for field := range res.Candidate.Diffs {
		strategy := r.strategyFor(res.Table, field)
		if err := r.patterns.Set(res.Table+"."+field, strategy); err != nil {
			r.logger.Warn("pattern learn failed", "table", res.Table, "field", field, "error", err)
		}
	}
}

func (r *ConflictResolver) strategyFor(table, field string) ResolutionStrategy {
	if strategy, ok := r.patterns.Lookup(table, field); ok {
		return strategy
	}
	if workflowFields[strings.ToLower(field)] {
		return ResolutionStrategy{Name: StrategyPrioritySource, PriorityStore: StoreCloud}
	}
	switch r.classes[table] {
	case ClassIdentity:
		return ResolutionStrategy{Name: StrategyPrioritySource, PriorityStore: StoreLegacy}
	case ClassWorkflow:
		return ResolutionStrategy{Name: StrategyPrioritySource, PriorityStore: StoreCloud}
	default:
		return ResolutionStrategy{Name: StrategyLastWriteWins}
	}
}

// resolveField picks one side of a diff. Timestamp ties keep the cloud value:
// the tie-break is arbitrary but must be fixed, and the cloud side is the
// store the application reads from.
func resolveField(strategy ResolutionStrategy, diff FieldDiff) (any, bool) {
	legacyWins := false
	switch strategy.Name {
	case StrategyPrioritySource:
		legacyWins = strategy.PriorityStore == StoreLegacy
	default:
		legacyWins = diff.LegacyTimestamp.After(diff.CloudTimestamp)
	}
	if legacyWins {
		return diff.LegacyValue, diff.LegacyValue != nil
	}
	return diff.CloudValue, diff.CloudValue != nil
}

func summarizeStrategies(strategies map[string]ResolutionStrategy) StrategyName {
	var single StrategyName
	for _, strategy := range strategies {
		if single == "" {
			single = strategy.Name
			continue
		}
		if strategy.Name != single {
			return StrategyFieldLevelMerge
		}
	}
	if single == "" {
		return StrategyLastWriteWins
	}
	return single
}

// scoreConfidence is a pure function of complexity class and conflict count:
// start at 100, subtract 20 for medium and 50 for high complexity, 30 when
// more than five conflicts were seen and another 50 beyond ten.
func scoreConfidence(cand ConflictCandidate) int {
	confidence := 100
	switch cand.Complexity() {
	case ComplexityMedium:
		confidence -= 20
	case ComplexityHigh:
		confidence -= 50
	}
	if cand.EventCount > 5 {
		confidence -= 30
	}
	if cand.EventCount > 10 {
		confidence -= 50
	}
	return clampScore(confidence)
}

// stampApplied marks a resolution as applied now. Small helper shared by the
// auto-apply path and manual confirmation.
func stampApplied(res *ConflictResolution) {
	res.AppliedAt = time.Now().UTC()
}
