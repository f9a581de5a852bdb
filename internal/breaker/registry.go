// Package breaker implements a circuit breaker registry whose state lives in
// the shared store, so every worker process fails fast together.
//
// Each named dependency has its own thresholds. Transitions are computed by
// pure functions over a Snapshot and written back with compare-and-swap.
// When the store itself cannot be reached the registry keeps going on a
// process-local copy of the state.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jcmexdev/enrollment-sagas/internal/pkg/cache"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/faults"
)

const (
	keyOperation   = "breaker"
	maxCASAttempts = 16
)

var errContention = errors.New("breaker: too much write contention")

// Registry guards calls to named dependencies.
type Registry struct {
	store     cache.Store
	configs   map[string]Config
	fallback  Config
	now       func() time.Time
	logger    *slog.Logger
	isFailure func(error) bool

	mu    sync.Mutex
	known map[string]struct{}
	local map[string]Snapshot
}

// Option configures a Registry.
type Option func(*Registry)

// WithConfigs replaces the per-dependency thresholds.
func WithConfigs(configs map[string]Config) Option {
	return func(r *Registry) {
		for name, cfg := range configs {
			r.configs[name] = cfg.withDefaults()
		}
	}
}

// WithDefault sets the thresholds for dependencies without their own entry.
func WithDefault(cfg Config) Option {
	return func(r *Registry) { r.fallback = cfg.withDefaults() }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithLogger sets the logger used for state changes.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithFailurePredicate decides which errors count against the breaker.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(r *Registry) { r.isFailure = fn }
}

// DefaultFailurePredicate counts everything except domain answers.
func DefaultFailurePredicate(err error) bool {
	return err != nil && !faults.IsDomain(err)
}

// NewRegistry builds a registry over the shared store.
func NewRegistry(store cache.Store, opts ...Option) *Registry {
	r := &Registry{
		store:     store,
		configs:   make(map[string]Config),
		fallback:  DefaultConfig.withDefaults(),
		now:       time.Now,
		logger:    slog.Default(),
		isFailure: DefaultFailurePredicate,
		known:     make(map[string]struct{}),
		local:     make(map[string]Snapshot),
	}
	for name, cfg := range DefaultConfigs() {
		r.configs[name] = cfg.withDefaults()
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Config returns the thresholds in force for name.
func (r *Registry) Config(name string) Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configLocked(name)
}

func (r *Registry) configLocked(name string) Config {
	if cfg, ok := r.configs[name]; ok {
		return cfg
	}
	return r.fallback
}

// Execute runs op through the breaker for name.
func (r *Registry) Execute(ctx context.Context, name string, op func(ctx context.Context) error) error {
	now := r.now()
	allowed := false
	snap, err := r.update(ctx, name, func(s Snapshot) (Snapshot, bool) {
		next, ok, changed := admit(s, now)
		allowed = ok
		return next, changed
	})
	if err != nil {
		r.logger.WarnContext(ctx, "circuit breaker admission undecided, allowing call", "breaker", name, "error", err)
		allowed = true
	}
	if !allowed {
		return &OpenError{Name: name, State: snap.State, RetryAfter: retryAfter(snap, now)}
	}

	callErr := r.call(ctx, name, r.Config(name).CallTimeout, op)
	r.record(ctx, name, callErr)
	return callErr
}

// State returns a read-only snapshot for name.
func (r *Registry) State(ctx context.Context, name string) (Snapshot, error) {
	r.remember(name)
	snap, _, err := r.load(ctx, name)
	if err != nil {
		r.mu.Lock()
		defer r.mu.Unlock()
		if s, ok := r.local[name]; ok {
			s.Config = r.configLocked(name)
			return s, nil
		}
		return closedSnapshot(name, r.configLocked(name)), nil
	}
	return snap, nil
}

// Reset forces the breaker back to CLOSED with zeroed counters.
func (r *Registry) Reset(ctx context.Context, name string) (Snapshot, error) {
	snap, err := r.update(ctx, name, func(s Snapshot) (Snapshot, bool) {
		fresh := closedSnapshot(name, s.Config)
		fresh.Version = s.Version
		return fresh, true
	})
	if err != nil {
		return Snapshot{}, err
	}
	r.logger.InfoContext(ctx, "circuit breaker reset", "breaker", name)
	return snap, nil
}

// Snapshots returns every breaker configured, used by this process or
// present in the shared store, sorted by name.
func (r *Registry) Snapshots(ctx context.Context) ([]Snapshot, error) {
	names := make(map[string]struct{})
	r.mu.Lock()
	for n := range r.configs {
		names[n] = struct{}{}
	}
	for n := range r.known {
		names[n] = struct{}{}
	}
	r.mu.Unlock()

	keys, err := r.store.Keys(ctx, r.store.GenerateKey(keyOperation, "*"))
	if err != nil {
		r.logger.WarnContext(ctx, "listing circuit breakers from store failed", "error", err)
	}
	for _, k := range keys {
		names[cache.StripKey(r.store, keyOperation, k)] = struct{}{}
	}

	sorted := make([]string, 0, len(names))
	for n := range names {
		sorted = append(sorted, n)
	}
	sort.Strings(sorted)

	out := make([]Snapshot, 0, len(sorted))
	for _, n := range sorted {
		s, err := r.State(ctx, n)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *Registry) call(ctx context.Context, name string, timeout time.Duration, op func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- fmt.Errorf("breaker %q: panic in guarded call: %v", name, p)
			}
		}()
		done <- op(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Name: name, Timeout: timeout}
		}
		return err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TimeoutError{Name: name, Timeout: timeout}
	}
}

func (r *Registry) record(ctx context.Context, name string, callErr error) {
	// Write the outcome even if the caller has gone away.
	wctx := context.WithoutCancel(ctx)
	now := r.now()

	var apply func(Snapshot) (Snapshot, bool)
	switch {
	case callErr != nil && ctx.Err() != nil:
		// The caller gave up; the dependency was not judged.
		apply = func(s Snapshot) (Snapshot, bool) {
			if s.State == StateHalfOpen && s.TrialCalls > 0 {
				s.TrialCalls--
				return s, true
			}
			return s, false
		}
	case callErr != nil && r.isFailure(callErr):
		apply = func(s Snapshot) (Snapshot, bool) { return onFailure(s, now, callErr.Error()) }
	default:
		apply = onSuccess
	}

	var from State
	snap, err := r.update(wctx, name, func(s Snapshot) (Snapshot, bool) {
		from = s.State
		return apply(s)
	})
	if err != nil {
		r.logger.WarnContext(ctx, "circuit breaker outcome not recorded", "breaker", name, "error", err)
		return
	}
	if from != snap.State {
		r.logger.WarnContext(ctx, "circuit breaker state changed",
			"breaker", name, "from", from, "to", snap.State, "last_error", snap.LastError)
	}
}

func (r *Registry) key(name string) string {
	return r.store.GenerateKey(keyOperation, name)
}

func (r *Registry) remember(name string) {
	r.mu.Lock()
	r.known[name] = struct{}{}
	r.mu.Unlock()
}

// load reads the persisted snapshot. raw is "" when nothing is stored yet.
func (r *Registry) load(ctx context.Context, name string) (Snapshot, string, error) {
	cfg := r.Config(name)
	raw, found, err := r.store.Get(ctx, r.key(name))
	if err != nil {
		return Snapshot{}, "", err
	}
	if !found {
		return closedSnapshot(name, cfg), "", nil
	}

	var s Snapshot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		r.logger.WarnContext(ctx, "discarding unreadable circuit breaker state", "breaker", name, "error", err)
		return closedSnapshot(name, cfg), raw, nil
	}
	s.Name = name
	s.Config = cfg
	return s, raw, nil
}

// update applies fn with compare-and-swap until it lands. fn may run more
// than once and must not have side effects beyond its return value.
func (r *Registry) update(ctx context.Context, name string, fn func(Snapshot) (Snapshot, bool)) (Snapshot, error) {
	r.remember(name)
	for i := 0; i < maxCASAttempts; i++ {
		cur, raw, err := r.load(ctx, name)
		if err != nil {
			return r.updateLocal(ctx, name, fn, err), nil
		}

		next, changed := fn(cur)
		if !changed {
			r.setLocal(cur)
			return cur, nil
		}
		next.Version = cur.Version + 1

		buf, err := json.Marshal(next)
		if err != nil {
			return Snapshot{}, fmt.Errorf("breaker %q: encode state: %w", name, err)
		}
		ok, err := r.store.CompareAndSwap(ctx, r.key(name), raw, string(buf), 0)
		if err != nil {
			return r.updateLocal(ctx, name, fn, err), nil
		}
		if ok {
			r.setLocal(next)
			return next, nil
		}
	}
	return Snapshot{}, fmt.Errorf("breaker %q: %w", name, errContention)
}

func (r *Registry) setLocal(s Snapshot) {
	r.mu.Lock()
	r.local[s.Name] = s
	r.mu.Unlock()
}

func (r *Registry) updateLocal(ctx context.Context, name string, fn func(Snapshot) (Snapshot, bool), cause error) Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg := r.configLocked(name)
	cur, ok := r.local[name]
	if !ok {
		cur = closedSnapshot(name, cfg)
	}
	cur.Config = cfg

	next, changed := fn(cur)
	if !changed {
		return cur
	}
	next.Version = cur.Version + 1
	r.local[name] = next
	r.logger.WarnContext(ctx, "circuit breaker store unavailable, using local state", "breaker", name, "error", cause)
	return next
}
