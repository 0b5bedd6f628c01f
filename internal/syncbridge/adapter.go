package syncbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// StoreAdapter is the uniform contract over one side of the bridge. Adapters
// own their connection lifecycle and low-level retries; Upsert is idempotent
// keyed by record ID (create-or-replace) so the same change can be retried.
type StoreAdapter interface {
	Name() StoreName
	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool
	Get(ctx context.Context, table, id string) (Record, error)
	Upsert(ctx context.Context, table string, rec Record) error
	Delete(ctx context.Context, table, id string) error
	Count(ctx context.Context, table string) (int, error)
	ListIDs(ctx context.Context, table string) ([]string, error)
	ChangesSince(ctx context.Context, table string, cursor time.Time) ([]Record, error)
	Ping(ctx context.Context) (time.Duration, error)
}

// reconnectPolicy drives connection establishment retries inside adapters:
// delay base*attempt, capped attempts, then the error surfaces to the caller.
type reconnectPolicy struct {
	BaseDelay   time.Duration
	MaxAttempts int
}

func defaultReconnectPolicy() reconnectPolicy {
	return reconnectPolicy{
		BaseDelay:   5 * time.Second,
		MaxAttempts: 5,
	}
}

func (p reconnectPolicy) normalize() reconnectPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = 5 * time.Second
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	return p
}

// connectWithRetry runs connect until it succeeds or the retry budget is
// exhausted. The last error is wrapped in ErrStoreUnavailable so callers can
// classify the failure as connectivity.
func connectWithRetry(ctx context.Context, store StoreName, policy reconnectPolicy, logger *slog.Logger, connect func(context.Context) error) error {
	policy = policy.normalize()
	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = connect(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == policy.MaxAttempts {
			break
		}
		delay := policy.BaseDelay * time.Duration(attempt)
		if logger != nil {
			logger.Warn("store connect failed, retrying",
				"store", string(store),
				"attempt", attempt,
				"delay", delay.String(),
				"error", lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%w: %s after %d attempts: %v", ErrStoreUnavailable, store, policy.MaxAttempts, lastErr)
}

func encodePayload(fields map[string]any) (string, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("%w: encode payload: %v", ErrWriteRejected, err)
	}
	return string(data), nil
}

func decodePayload(payload string) (map[string]any, error) {
	fields := map[string]any{}
	if payload == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(payload), &fields); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return fields, nil
}

// payloadEqual compares two payloads by canonical JSON encoding. Used for the
// duplicate-delivery no-op check.
func payloadEqual(a, b map[string]any) bool {
	left, errA := json.Marshal(normalizeFields(a))
	right, errB := json.Marshal(normalizeFields(b))
	if errA != nil || errB != nil {
		return false
	}
	return string(left) == string(right)
}

// normalizeFields round-trips values through JSON so that int/float and
// typed/untyped representations of the same value compare equal.
func normalizeFields(fields map[string]any) map[string]any {
	if fields == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(fields)
	if err != nil {
		return fields
	}
	out := map[string]any{}
	if err := json.Unmarshal(data, &out); err != nil {
		return fields
	}
	return out
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}
