// Package coordinator runs sagas: ordered steps with compensating actions,
// executed at most once at a time per saga id, persisted after every
// transition so another worker can pick up after a crash.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jcmexdev/enrollment-sagas/internal/breaker"
	"github.com/jcmexdev/enrollment-sagas/internal/coordinator/sagalog"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/faults"
)

const (
	DefaultTimeout             = 2 * time.Minute
	DefaultRetention           = 24 * time.Hour
	DefaultMaxAttempts         = 3
	DefaultCompensationTimeout = 30 * time.Second
	DefaultCompensationTries   = 5
	DefaultLeaseTTL            = 30 * time.Second
)

// Outcome is what callers learn about a finished saga.
type Outcome struct {
	SagaID               string            `json:"saga_id"`
	CorrelationID        string            `json:"correlation_id,omitempty"`
	Status               Status            `json:"status"`
	Reason               string            `json:"reason,omitempty"`
	Message              string            `json:"message,omitempty"`
	FailedStep           string            `json:"failed_step,omitempty"`
	Result               map[string]string `json:"result,omitempty"`
	RequiresIntervention bool              `json:"requires_intervention,omitempty"`
}

func (o Outcome) Succeeded() bool { return o.Status == StatusCompleted }

// Outcome summarizes a terminal instance.
func (in *Instance) Outcome() Outcome {
	o := Outcome{
		SagaID:               in.ID,
		CorrelationID:        in.CorrelationID,
		Status:               in.Status,
		Reason:               in.Reason,
		Message:              in.Message,
		FailedStep:           in.FailedStep,
		RequiresIntervention: in.RequiresIntervention,
	}
	if in.Status == StatusCompleted {
		o.Result = make(map[string]string, len(in.Values))
		for k, v := range in.Values {
			o.Result[k] = v
		}
	}
	return o
}

// AlertFunc is called when a saga ends with compensations that could not be
// applied.
type AlertFunc func(ctx context.Context, in *Instance)

type Engine struct {
	store    InstanceStore
	breakers *breaker.Registry
	audit    sagalog.Repository
	alert    AlertFunc
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	owner    string

	timeout             time.Duration
	retention           time.Duration
	leaseTTL            time.Duration
	maxAttempts         int
	compensationTimeout time.Duration
	compensationTries   int
	retryInitial        time.Duration
	retryMax            time.Duration
}

type Option func(*Engine)

func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithRetention sets how long terminal instances stay readable.
func WithRetention(d time.Duration) Option {
	return func(e *Engine) { e.retention = d }
}

func WithLeaseTTL(d time.Duration) Option {
	return func(e *Engine) { e.leaseTTL = d }
}

// WithStepAttempts sets the default bound on forward attempts.
func WithStepAttempts(n int) Option {
	return func(e *Engine) { e.maxAttempts = n }
}

func WithCompensation(timeout time.Duration, tries int) Option {
	return func(e *Engine) {
		e.compensationTimeout = timeout
		e.compensationTries = tries
	}
}

// WithRetryBackoff sets the exponential backoff between attempts.
func WithRetryBackoff(initial, max time.Duration) Option {
	return func(e *Engine) {
		e.retryInitial = initial
		e.retryMax = max
	}
}

func WithAuditLog(repo sagalog.Repository) Option {
	return func(e *Engine) { e.audit = repo }
}

func WithAlert(fn AlertFunc) Option {
	return func(e *Engine) { e.alert = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithOwner names this worker in ownership leases.
func WithOwner(owner string) Option {
	return func(e *Engine) { e.owner = owner }
}

func NewEngine(store InstanceStore, breakers *breaker.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:               store,
		breakers:            breakers,
		logger:              slog.Default(),
		tracer:              otel.Tracer("github.com/jcmexdev/enrollment-sagas/internal/coordinator"),
		now:                 time.Now,
		owner:               uuid.NewString(),
		timeout:             DefaultTimeout,
		retention:           DefaultRetention,
		leaseTTL:            DefaultLeaseTTL,
		maxAttempts:         DefaultMaxAttempts,
		compensationTimeout: DefaultCompensationTimeout,
		compensationTries:   DefaultCompensationTries,
		retryInitial:        100 * time.Millisecond,
		retryMax:            2 * time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs s to a terminal state. Running a saga id that already reached
// a terminal state returns the recorded outcome; running one that is still
// active resumes it. The error is non-nil only when the engine could not
// take ownership or persist the initial state.
func (e *Engine) Execute(ctx context.Context, s *Saga) (Outcome, error) {
	if s.id == "" {
		s.id = uuid.NewString()
	}

	ctx, release, err := e.claim(ctx, s.id)
	if err != nil {
		return Outcome{SagaID: s.id}, err
	}
	defer release()

	existing, err := e.store.Get(ctx, s.id)
	switch {
	case err == nil && existing.Status.Terminal():
		return existing.Outcome(), nil
	case err == nil:
		return settle(ctx, s.id)(e.resume(ctx, s, existing))
	case !errors.Is(err, ErrSagaNotFound):
		return Outcome{SagaID: s.id}, err
	}

	in := e.newInstance(s)
	if err := e.store.Save(ctx, in, 0); err != nil {
		return Outcome{SagaID: s.id}, err
	}
	e.record(ctx, in, sagalog.EventStarted, "", string(in.Payload), nil)
	e.logger.InfoContext(ctx, "saga started",
		"saga_id", in.ID, "saga", in.Name, "correlation_id", in.CorrelationID, "steps", len(in.Steps))

	return settle(ctx, s.id)(e.run(ctx, s, in, 0), nil)
}

// settle replaces the outcome of a run that lost its lease.
func settle(ctx context.Context, id string) func(Outcome, error) (Outcome, error) {
	return func(o Outcome, err error) (Outcome, error) {
		if err == nil && leaseLost(ctx) {
			return Outcome{SagaID: id}, ErrLeaseLost
		}
		return o, err
	}
}

// Get returns the persisted instance.
func (e *Engine) Get(ctx context.Context, id string) (*Instance, error) {
	return e.store.Get(ctx, id)
}

// ActiveSagas lists instances that have not reached a terminal state.
func (e *Engine) ActiveSagas(ctx context.Context) ([]*Instance, error) {
	return e.store.ListActive(ctx)
}

func (e *Engine) newInstance(s *Saga) *Instance {
	now := e.now()
	in := &Instance{
		ID:            s.id,
		Name:          s.name,
		CorrelationID: s.correlationID,
		Status:        StatusPending,
		Values:        s.values,
		Payload:       s.payload,
		Metadata:      s.metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
		Deadline:      now.Add(e.timeout),
	}
	for _, st := range s.steps {
		in.Steps = append(in.Steps, StepRecord{
			Name:       st.step.Name(),
			Status:     StepPending,
			Dependency: st.dependency,
			UpdatedAt:  now,
		})
	}
	return in
}

type lease struct{ lost atomic.Bool }

type leaseKey struct{}

// leaseLost reports whether the run behind ctx no longer owns its saga. The
// flag survives context.WithoutCancel, so compensation sees it too.
func leaseLost(ctx context.Context) bool {
	l, _ := ctx.Value(leaseKey{}).(*lease)
	return l != nil && l.lost.Load()
}

// claim takes the ownership lease and keeps renewing it until the returned
// func is called. The returned context is cancelled with ErrLeaseLost once
// another worker holds the lease.
func (e *Engine) claim(ctx context.Context, id string) (context.Context, func(), error) {
	ok, err := e.store.Claim(ctx, id, e.owner, e.leaseTTL)
	if err != nil {
		return ctx, nil, err
	}
	if !ok {
		return ctx, nil, ErrSagaLocked
	}

	l := &lease{}
	runCtx, stop := context.WithCancelCause(context.WithValue(ctx, leaseKey{}, l))
	renewCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.leaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-renewCtx.Done():
				return
			case <-ticker.C:
				held, err := e.store.Extend(renewCtx, id, e.owner, e.leaseTTL)
				switch {
				case err != nil:
					e.logger.WarnContext(renewCtx, "saga lease renewal failed", "saga_id", id, "error", err)
				case !held:
					e.logger.ErrorContext(renewCtx, "saga lease lost, abandoning run", "saga_id", id)
					l.lost.Store(true)
					stop(ErrLeaseLost)
					return
				}
			}
		}
	}()

	return runCtx, func() {
		cancel()
		<-done
		stop(nil)
		if l.lost.Load() {
			return
		}
		if err := e.store.Release(context.WithoutCancel(ctx), id, e.owner); err != nil {
			e.logger.WarnContext(ctx, "saga lease release failed", "saga_id", id, "error", err)
		}
	}, nil
}

// run drives steps forward from index start.
func (e *Engine) run(ctx context.Context, s *Saga, in *Instance, start int) Outcome {
	ctx, span := e.tracer.Start(ctx, "saga "+in.Name, trace.WithAttributes(
		attribute.String("saga.id", in.ID),
		attribute.String("saga.correlation_id", in.CorrelationID),
	))
	defer span.End()

	dctx, cancel := context.WithTimeoutCause(ctx, in.Deadline.Sub(e.now()), ErrDeadlineExceeded)
	defer cancel()

	values := NewValues(in.Values)
	in.Status = StatusExecuting
	e.persist(ctx, in)

	for i := start; i < len(s.steps); i++ {
		if leaseLost(ctx) {
			return Outcome{SagaID: in.ID}
		}
		spec := s.steps[i]
		rec := &in.Steps[i]

		var err error
		if cause := context.Cause(dctx); cause != nil {
			err = deadlineError(cause)
		} else {
			rec.Status = StepExecuting
			rec.UpdatedAt = e.now()
			e.persist(ctx, in)
			err = e.forward(dctx, spec, rec, values)
		}
		in.Values = values.Map()

		if err != nil && leaseLost(ctx) {
			e.logger.WarnContext(ctx, "saga step abandoned, lease lost", "saga_id", in.ID, "step", rec.Name, "error", err)
			return Outcome{SagaID: in.ID}
		}
		if err != nil {
			rec.Status = StepFailed
			rec.Error = err.Error()
			rec.UpdatedAt = e.now()
			e.record(ctx, in, sagalog.EventStepFailed, rec.Name, "", []string{err.Error()})
			e.logger.WarnContext(ctx, "saga step failed",
				"saga_id", in.ID, "step", rec.Name, "attempts", rec.Attempts, "error", err)
			span.SetStatus(codes.Error, rec.Name)
			return e.fail(ctx, s, in, rec, spec.dependency != "", err, values)
		}

		rec.Status = StepCompleted
		rec.Error = ""
		rec.UpdatedAt = e.now()
		e.persist(ctx, in)
		e.record(ctx, in, sagalog.EventStepDone, rec.Name, "", nil)
	}

	in.Status = StatusCompleted
	e.persist(ctx, in)
	e.record(ctx, in, sagalog.EventCompleted, "", "", nil)
	e.logger.InfoContext(ctx, "saga completed", "saga_id", in.ID, "saga", in.Name)
	return in.Outcome()
}

// forward runs one step with retries. Domain answers and open breakers end
// the loop at once.
func (e *Engine) forward(ctx context.Context, spec stepSpec, rec *StepRecord, values *Values) error {
	attempts := spec.maxAttempts
	if attempts <= 0 {
		attempts = e.maxAttempts
	}

	op := func() (struct{}, error) {
		rec.Attempts++
		actx, span := e.tracer.Start(ctx, "step "+rec.Name, trace.WithAttributes(
			attribute.Int("saga.step.attempt", rec.Attempts),
			attribute.String("saga.step.dependency", spec.dependency),
		))
		err := e.invoke(actx, spec, values)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "step failed")
		}
		span.End()

		switch {
		case err == nil:
			return struct{}{}, nil
		case faults.IsDomain(err), errors.Is(err, breaker.ErrOpen), context.Cause(ctx) != nil:
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(e.newBackOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.WarnContext(ctx, "saga step attempt failed, retrying",
				"step", rec.Name, "attempt", rec.Attempts, "retry_in", next, "error", err)
		}),
	)
	if err != nil && !faults.IsDomain(err) {
		if cause := context.Cause(ctx); cause != nil {
			return deadlineError(cause)
		}
	}
	return err
}

func (e *Engine) invoke(ctx context.Context, spec stepSpec, values *Values) error {
	if spec.dependency != "" && e.breakers != nil {
		return e.breakers.Execute(ctx, spec.dependency, func(ctx context.Context) error {
			return spec.step.Execute(ctx, values)
		})
	}
	return safely(ctx, func(ctx context.Context) error { return spec.step.Execute(ctx, values) })
}

// fail records the failed step and compensates what already completed.
func (e *Engine) fail(ctx context.Context, s *Saga, in *Instance, rec *StepRecord, dependent bool, cause error, values *Values) Outcome {
	in.FailedStep = rec.Name
	in.Reason = reasonFor(cause, dependent)
	in.Message = messageFor(cause, in.Reason)
	in.Status = StatusCompensating
	e.persist(ctx, in)
	e.record(ctx, in, sagalog.EventCompensating, rec.Name, "", nil)

	return e.compensate(ctx, s, in, values)
}

// compensate walks completed steps in reverse. It always visits every step;
// a failed compensation is recorded and the sweep continues.
func (e *Engine) compensate(ctx context.Context, s *Saga, in *Instance, values *Values) Outcome {
	cctx, span := e.tracer.Start(context.WithoutCancel(ctx), "compensate "+in.Name,
		trace.WithAttributes(attribute.String("saga.id", in.ID)))
	defer span.End()

	ran := 0
	var failures []string
	for i := len(in.Steps) - 1; i >= 0; i-- {
		if leaseLost(cctx) {
			e.logger.WarnContext(cctx, "saga compensation abandoned, lease lost", "saga_id", in.ID)
			return Outcome{SagaID: in.ID}
		}
		rec := &in.Steps[i]
		if rec.Status != StepCompleted && rec.Status != StepCompensating {
			continue
		}
		spec := s.steps[i]
		if !isCompensable(spec.step) {
			continue
		}

		rec.Status = StepCompensating
		rec.UpdatedAt = e.now()
		e.persist(cctx, in)

		ran++
		if err := e.undo(cctx, spec, values); err != nil {
			rec.Status = StepCompensationFailed
			rec.Error = err.Error()
			failures = append(failures, fmt.Sprintf("%s: %v", rec.Name, err))
			e.record(cctx, in, sagalog.EventCompensationFailed, rec.Name, "", []string{err.Error()})
			e.logger.ErrorContext(cctx, "saga compensation failed", "saga_id", in.ID, "step", rec.Name, "error", err)
		} else {
			rec.Status = StepCompensated
			e.record(cctx, in, sagalog.EventStepCompensated, rec.Name, "", nil)
		}
		rec.UpdatedAt = e.now()
		in.Values = values.Map()
		e.persist(cctx, in)
	}

	switch {
	case len(failures) > 0:
		in.Status = StatusFailed
		in.RequiresIntervention = true
		span.SetStatus(codes.Error, "compensation failed")
	case ran > 0:
		in.Status = StatusCompensated
	default:
		in.Status = StatusFailed
	}
	e.persist(cctx, in)

	if in.RequiresIntervention {
		e.record(cctx, in, sagalog.EventFailed, in.FailedStep, "", failures)
		e.logger.ErrorContext(cctx, "CRITICAL: saga left inconsistent, manual intervention required",
			"saga_id", in.ID,
			"saga", in.Name,
			"correlation_id", in.CorrelationID,
			"failed_step", in.FailedStep,
			"reason", in.Reason,
			"compensation_failures", failures,
			"values", in.Values,
			"metadata", in.Metadata,
			"payload", string(in.Payload),
		)
		if e.alert != nil {
			e.alert(cctx, in)
		}
	} else {
		event := sagalog.EventFailed
		if in.Status == StatusCompensated {
			event = sagalog.EventCompensated
		}
		e.record(cctx, in, event, in.FailedStep, "", nil)
		e.logger.InfoContext(cctx, "saga rolled back",
			"saga_id", in.ID, "status", in.Status, "reason", in.Reason, "failed_step", in.FailedStep, "compensated", ran)
	}
	return in.Outcome()
}

// undo runs one compensation with its own timeout per attempt. It is never
// routed through a breaker: an open circuit must not stop a rollback.
func (e *Engine) undo(ctx context.Context, spec stepSpec, values *Values) error {
	op := func() (struct{}, error) {
		actx, cancel := context.WithTimeout(ctx, e.compensationTimeout)
		defer cancel()
		return struct{}{}, safely(actx, func(ctx context.Context) error {
			return spec.step.Compensate(ctx, values)
		})
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(e.newBackOff()),
		backoff.WithMaxTries(uint(max(e.compensationTries, 1))),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.WarnContext(ctx, "compensation attempt failed, retrying",
				"step", spec.step.Name(), "retry_in", next, "error", err)
		}),
	)
	return err
}

func (e *Engine) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryInitial
	b.MaxInterval = e.retryMax
	return b
}

// persist saves the instance. A failed write is logged; the run goes on
// with the in-memory state.
func (e *Engine) persist(ctx context.Context, in *Instance) {
	if leaseLost(ctx) {
		e.logger.WarnContext(ctx, "saga state not persisted, lease lost", "saga_id", in.ID, "status", in.Status)
		return
	}
	in.UpdatedAt = e.now()
	var ttl time.Duration
	if in.Status.Terminal() {
		ttl = e.retention
	}
	if err := e.store.Save(context.WithoutCancel(ctx), in, ttl); err != nil {
		e.logger.WarnContext(ctx, "saga state not persisted", "saga_id", in.ID, "status", in.Status, "error", err)
	}
}

func (e *Engine) record(ctx context.Context, in *Instance, event sagalog.Event, step, payload string, errs []string) {
	if e.audit == nil {
		return
	}
	entry := sagalog.NewEntry(ctx, in.ID, in.CorrelationID, event, step, payload, errs)
	if err := e.audit.Save(context.WithoutCancel(ctx), entry); err != nil {
		e.logger.WarnContext(ctx, "saga log write failed", "saga_id", in.ID, "event", event, "error", err)
	}
}

func safely(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("coordinator: panic: %v", r)
		}
	}()
	return fn(ctx)
}

func deadlineError(cause error) error {
	if errors.Is(cause, ErrDeadlineExceeded) {
		return ErrDeadlineExceeded
	}
	return cause
}

func reasonFor(err error, dependent bool) string {
	if de, ok := faults.AsDomain(err); ok {
		return de.Reason
	}
	switch {
	case errors.Is(err, ErrDeadlineExceeded):
		return faults.ReasonTimeout
	case errors.Is(err, breaker.ErrOpen), errors.Is(err, breaker.ErrCallTimeout):
		return faults.ReasonDependencyUnavailable
	case errors.Is(err, ErrInterrupted), errors.Is(err, context.Canceled):
		return faults.ReasonInternal
	case dependent:
		return faults.ReasonDependencyUnavailable
	}
	return faults.ReasonInternal
}

func messageFor(err error, reason string) string {
	if de, ok := faults.AsDomain(err); ok {
		return de.Message
	}
	switch reason {
	case faults.ReasonDependencyUnavailable:
		return "a required service is temporarily unavailable, try again later"
	case faults.ReasonTimeout:
		return "the request did not complete in time"
	}
	return "the request could not be completed"
}
