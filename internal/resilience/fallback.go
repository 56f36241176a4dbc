package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [FallbackGroup] failed or was
// skipped because its breaker is open.
var ErrAllFailed = errors.New("resilience: all endpoints failed")

// FallbackGroup holds a primary and any number of fallbacks of the same type,
// each guarded by its own [CircuitBreaker]. Entries are tried in registration
// order.
//
// Entries must be added before the group is used concurrently.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cbCfg   CircuitBreakerConfig
}

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// NewFallbackGroup returns a group whose entries get breakers configured from
// cbCfg (with Name replaced by the entry name).
func NewFallbackGroup[T any](primaryName string, primary T, cbCfg CircuitBreakerConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cbCfg: cbCfg}
	fg.Add(primaryName, primary)
	return fg
}

// Add appends an entry tried after all previously added ones.
func (fg *FallbackGroup[T]) Add(name string, value T) {
	cfg := fg.cbCfg
	cfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   value,
		breaker: NewCircuitBreaker(cfg),
	})
}

// Len returns the number of entries.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// States returns the effective breaker state of every entry by name.
func (fg *FallbackGroup[T]) States() map[string]State {
	out := make(map[string]State, len(fg.entries))
	for _, e := range fg.entries {
		out[e.name] = e.breaker.State()
	}
	return out
}

// Available reports whether at least one entry would currently admit a call.
func (fg *FallbackGroup[T]) Available() bool {
	for _, e := range fg.entries {
		if e.breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Execute calls fn against each entry until one succeeds and returns that
// entry's result. When fn fails with an error for which permanent reports
// true, the error is returned immediately without trying further entries.
// permanent may be nil.
func Execute[T, R any](ctx context.Context, fg *FallbackGroup[T], permanent func(error) bool, fn func(context.Context, T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for i := range fg.entries {
		e := &fg.entries[i]
		var result R
		err := e.breaker.Execute(ctx, func(ctx context.Context) error {
			var callErr error
			result, callErr = fn(ctx, e.value)
			return callErr
		})
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		if permanent != nil && permanent(err) {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("skipping endpoint, circuit open", "endpoint", e.name)
			continue
		}
		slog.Warn("endpoint failed, trying next", "endpoint", e.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
