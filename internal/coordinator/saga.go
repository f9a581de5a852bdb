package coordinator

import (
	"context"
	"encoding/json"
	"maps"
	"sync"
)

// Step represents a single unit of work in the Saga.
// Compensate undoes the effects of a successful Execute.
type Step interface {
	Name() string
	Execute(ctx context.Context, v *Values) error
	Compensate(ctx context.Context, v *Values) error
}

// Compensable is implemented by steps that may have nothing to undo.
type Compensable interface {
	Compensable() bool
}

// Action is one direction of a step.
type Action func(ctx context.Context, v *Values) error

// Values is the context accumulated while a saga runs. Steps write the
// identifiers their compensation needs; the map is persisted with the
// instance so a recovered saga sees the same values.
type Values struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewValues(initial map[string]string) *Values {
	v := &Values{m: make(map[string]string, len(initial))}
	maps.Copy(v.m, initial)
	return v
}

func (v *Values) Get(key string) (string, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	s, ok := v.m[key]
	return s, ok
}

func (v *Values) Set(key, value string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.m[key] = value
}

// Map returns a copy of the values.
func (v *Values) Map() map[string]string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return maps.Clone(v.m)
}

type funcStep struct {
	name       string
	forward    Action
	compensate Action
}

func (s *funcStep) Name() string { return s.name }

func (s *funcStep) Execute(ctx context.Context, v *Values) error { return s.forward(ctx, v) }

func (s *funcStep) Compensate(ctx context.Context, v *Values) error {
	if s.compensate == nil {
		return nil
	}
	return s.compensate(ctx, v)
}

func (s *funcStep) Compensable() bool { return s.compensate != nil }

func isCompensable(s Step) bool {
	if c, ok := s.(Compensable); ok {
		return c.Compensable()
	}
	return true
}

// StepOption tunes how the engine runs one step.
type StepOption func(*stepSpec)

// OnDependency routes every attempt of the step through the named breaker.
func OnDependency(name string) StepOption {
	return func(s *stepSpec) { s.dependency = name }
}

// WithMaxAttempts bounds forward attempts for transient failures.
func WithMaxAttempts(n int) StepOption {
	return func(s *stepSpec) { s.maxAttempts = n }
}

// Resumable marks a step as safe to run again after a crash interrupted it.
func Resumable() StepOption {
	return func(s *stepSpec) { s.resumable = true }
}

type stepSpec struct {
	step        Step
	dependency  string
	maxAttempts int
	resumable   bool
}

// Saga is an ordered list of steps plus the identity of one execution.
type Saga struct {
	name          string
	id            string
	correlationID string
	payload       json.RawMessage
	metadata      map[string]string
	values        map[string]string
	steps         []stepSpec
}

// SagaOption sets identity and context for an execution.
type SagaOption func(*Saga)

func WithID(id string) SagaOption {
	return func(s *Saga) { s.id = id }
}

func WithCorrelationID(id string) SagaOption {
	return func(s *Saga) { s.correlationID = id }
}

// WithPayload stores the input that started the saga with the instance.
func WithPayload(p json.RawMessage) SagaOption {
	return func(s *Saga) { s.payload = p }
}

func WithMetadata(md map[string]string) SagaOption {
	return func(s *Saga) { s.metadata = maps.Clone(md) }
}

// WithValues seeds the saga context.
func WithValues(v map[string]string) SagaOption {
	return func(s *Saga) { s.values = maps.Clone(v) }
}

func New(name string, opts ...SagaOption) *Saga {
	s := &Saga{name: name}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddStep appends a step built from two actions. A nil compensate means the
// step has nothing to undo.
func (s *Saga) AddStep(name string, forward, compensate Action, opts ...StepOption) *Saga {
	return s.Add(&funcStep{name: name, forward: forward, compensate: compensate}, opts...)
}

func (s *Saga) Add(step Step, opts ...StepOption) *Saga {
	spec := stepSpec{step: step}
	for _, opt := range opts {
		opt(&spec)
	}
	s.steps = append(s.steps, spec)
	return s
}

func (s *Saga) Name() string { return s.name }

func (s *Saga) ID() string { return s.id }

// StepNames lists the steps in execution order.
func (s *Saga) StepNames() []string {
	names := make([]string, len(s.steps))
	for i, st := range s.steps {
		names[i] = st.step.Name()
	}
	return names
}
