package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/jcmexdev/enrollment-sagas/internal/coordinator/sagalog"
)

// Rebuilder reconstructs the step list of a persisted instance.
type Rebuilder func(ctx context.Context, in *Instance) (*Saga, error)

// RecoveryReport counts what a startup sweep did.
type RecoveryReport struct {
	Scanned     int
	Resumed     int
	Compensated int
	Skipped     int
	Failed      int
	Outcomes    []Outcome
}

// Recover finishes every active saga whose owner is gone. Sagas still owned
// by a live worker are skipped.
func (e *Engine) Recover(ctx context.Context, rebuild Rebuilder) (RecoveryReport, error) {
	var report RecoveryReport
	active, err := e.store.ListActive(ctx)
	if err != nil {
		return report, err
	}

	for _, in := range active {
		report.Scanned++
		if err := ctx.Err(); err != nil {
			return report, err
		}

		s, err := rebuild(ctx, in)
		if err != nil {
			report.Failed++
			e.logger.ErrorContext(ctx, "saga recovery: rebuild failed", "saga_id", in.ID, "error", err)
			continue
		}
		s.id = in.ID

		wasCompensating := in.Status == StatusCompensating
		o, err := e.Execute(ctx, s)
		switch {
		case errors.Is(err, ErrSagaLocked), errors.Is(err, ErrLeaseLost):
			report.Skipped++
			continue
		case err != nil:
			report.Failed++
			e.logger.ErrorContext(ctx, "saga recovery failed", "saga_id", in.ID, "error", err)
			continue
		}

		if o.Status == StatusCompleted && !wasCompensating {
			report.Resumed++
		} else {
			report.Compensated++
		}
		report.Outcomes = append(report.Outcomes, o)
	}
	return report, nil
}

// resume continues a non-terminal instance. The caller holds the lease.
func (e *Engine) resume(ctx context.Context, s *Saga, in *Instance) (Outcome, error) {
	if err := sameShape(s, in); err != nil {
		return Outcome{SagaID: in.ID}, err
	}
	e.record(ctx, in, sagalog.EventRecovered, "", "", nil)
	e.logger.InfoContext(ctx, "saga recovered", "saga_id", in.ID, "status", in.Status)

	values := NewValues(in.Values)
	if in.Status == StatusCompensating {
		return e.compensate(ctx, s, in, values), nil
	}

	next := len(in.Steps)
	for i, rec := range in.Steps {
		if rec.Status != StepCompleted {
			next = i
			break
		}
	}
	if next == len(in.Steps) {
		return e.run(ctx, s, in, next), nil
	}

	rec := &in.Steps[next]
	spec := s.steps[next]
	var cause error
	switch {
	case !e.now().Before(in.Deadline):
		cause = ErrDeadlineExceeded
	case rec.Status == StepExecuting && !spec.resumable:
		cause = ErrInterrupted
	case rec.Status == StepFailed:
		cause = ErrInterrupted
	}
	if cause == nil {
		return e.run(ctx, s, in, next), nil
	}

	rec.Status = StepFailed
	rec.Error = cause.Error()
	rec.UpdatedAt = e.now()
	e.record(ctx, in, sagalog.EventStepFailed, rec.Name, "", []string{cause.Error()})
	return e.fail(ctx, s, in, rec, spec.dependency != "", cause, values), nil
}

func sameShape(s *Saga, in *Instance) error {
	if len(s.steps) != len(in.Steps) {
		return fmt.Errorf("coordinator: saga %s has %d steps, instance has %d", in.ID, len(s.steps), len(in.Steps))
	}
	for i, spec := range s.steps {
		if spec.step.Name() != in.Steps[i].Name {
			return fmt.Errorf("coordinator: saga %s step %d is %q, instance has %q",
				in.ID, i, spec.step.Name(), in.Steps[i].Name)
		}
	}
	return nil
}
