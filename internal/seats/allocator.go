// Package seats serializes competing reservations against a group's
// capacity counter.
//
// Every reservation is one relational transaction: lock the group row,
// re-read the counter under the lock, increment only if a seat is left,
// record who holds it, commit. The lock is held for that check-and-increment
// and nothing else.
package seats

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/domain"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/faults"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/sqldb"
)

// Status of a reservation attempt that did not fail.
type Status string

const (
	StatusReserved Status = "RESERVED"
	// StatusAlreadyHeld means the same saga took the seat in an earlier
	// attempt.
	StatusAlreadyHeld Status = "ALREADY_HELD"
)

// Reservation is the result of ReserveSeat.
type Reservation struct {
	GroupID     string
	RequesterID string
	SagaID      string
	Status      Status
	Counter     SeatCounter
}

// SeatCounter mirrors a course_groups row.
type SeatCounter struct {
	GroupID       string `json:"group_id"`
	Capacity      int    `json:"capacity"`
	EnrolledCount int    `json:"enrolled_count"`
}

func (c SeatCounter) Remaining() int { return c.Capacity - c.EnrolledCount }

type Allocator struct {
	db  *sqldb.DB
	now func() time.Time
}

func NewAllocator(db *sqldb.DB) *Allocator {
	return &Allocator{db: db, now: time.Now}
}

// ReserveSeat takes one seat in groupID for requesterID on behalf of sagaID.
// It fails with a domain NoCapacity error when the group is full and
// GroupNotFound when it does not exist. A seat sagaID already holds is
// reported as StatusAlreadyHeld; a seat held through another saga fails with
// AlreadyEnrolled.
func (a *Allocator) ReserveSeat(ctx context.Context, groupID, requesterID, sagaID string) (Reservation, error) {
	res := Reservation{GroupID: groupID, RequesterID: requesterID, SagaID: sagaID}

	err := a.db.InTx(ctx, func(tx *sql.Tx) error {
		counter, err := a.lockGroup(ctx, tx, groupID)
		if err != nil {
			return err
		}
		res.Counter = counter

		owner, held, err := a.holder(ctx, tx, groupID, requesterID)
		if err != nil {
			return err
		}
		if held {
			if owner != sagaID {
				return domain.AlreadyEnrolled(requesterID, groupID)
			}
			res.Status = StatusAlreadyHeld
			return nil
		}

		if counter.EnrolledCount >= counter.Capacity {
			return domain.NoCapacity(groupID)
		}

		r, err := tx.ExecContext(ctx, a.db.Rebind(
			`UPDATE course_groups SET enrolled_count = enrolled_count + 1
			 WHERE group_id = ? AND enrolled_count < capacity`), groupID)
		if err != nil {
			return fmt.Errorf("increment: %w", err)
		}
		if n, err := r.RowsAffected(); err != nil || n != 1 {
			return domain.NoCapacity(groupID)
		}

		if _, err := tx.ExecContext(ctx, a.db.Rebind(
			`INSERT INTO group_enrollments (group_id, requester_id, saga_id, enrolled_at) VALUES (?, ?, ?, ?)`),
			groupID, requesterID, sagaID, a.now().UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert enrollment: %w", err)
		}

		res.Status = StatusReserved
		res.Counter.EnrolledCount++
		return nil
	})
	if err != nil {
		if faults.IsDomain(err) {
			return res, err
		}
		return res, fmt.Errorf("seats: reserve %s for %s: %w", groupID, requesterID, err)
	}
	return res, nil
}

// ReleaseSeat gives back the seat sagaID took for requesterID in groupID. A
// seat held through another saga is left alone. It reports whether a seat
// was actually released; releasing twice is a no-op.
func (a *Allocator) ReleaseSeat(ctx context.Context, groupID, requesterID, sagaID string) (bool, error) {
	released, err := a.release(ctx, groupID,
		`DELETE FROM group_enrollments WHERE group_id = ? AND requester_id = ? AND saga_id = ?`,
		groupID, requesterID, sagaID)
	if errors.Is(err, domain.ErrGroupNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("seats: release %s for %s: %w", groupID, requesterID, err)
	}
	return released, nil
}

// release runs del under the group lock and decrements the counter when it
// removed a row.
func (a *Allocator) release(ctx context.Context, groupID, del string, args ...any) (bool, error) {
	released := false
	err := a.db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := a.lockGroup(ctx, tx, groupID); err != nil {
			return err
		}

		r, err := tx.ExecContext(ctx, a.db.Rebind(del), args...)
		if err != nil {
			return fmt.Errorf("delete enrollment: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete enrollment: %w", err)
		}
		if n == 0 {
			return nil
		}

		if _, err := tx.ExecContext(ctx, a.db.Rebind(
			`UPDATE course_groups SET enrolled_count = enrolled_count - 1
			 WHERE group_id = ? AND enrolled_count > 0`), groupID); err != nil {
			return fmt.Errorf("decrement: %w", err)
		}
		released = true
		return nil
	})
	return released, err
}

// Counter reads the current counter without locking.
func (a *Allocator) Counter(ctx context.Context, groupID string) (SeatCounter, error) {
	c := SeatCounter{GroupID: groupID}
	err := a.db.QueryRowContext(ctx, a.db.Rebind(
		`SELECT capacity, enrolled_count FROM course_groups WHERE group_id = ?`), groupID).
		Scan(&c.Capacity, &c.EnrolledCount)
	if errors.Is(err, sql.ErrNoRows) {
		return c, domain.GroupNotFound(groupID)
	}
	if err != nil {
		return c, fmt.Errorf("seats: counter %s: %w", groupID, err)
	}
	return c, nil
}

// Holds reports whether requesterID has a seat in groupID.
func (a *Allocator) Holds(ctx context.Context, groupID, requesterID string) (bool, error) {
	var n int
	err := a.db.QueryRowContext(ctx, a.db.Rebind(
		`SELECT COUNT(*) FROM group_enrollments WHERE group_id = ? AND requester_id = ?`),
		groupID, requesterID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("seats: holds %s: %w", groupID, err)
	}
	return n > 0, nil
}

func (a *Allocator) lockGroup(ctx context.Context, tx *sql.Tx, groupID string) (SeatCounter, error) {
	c := SeatCounter{GroupID: groupID}
	err := tx.QueryRowContext(ctx, a.db.Rebind(
		`SELECT capacity, enrolled_count FROM course_groups WHERE group_id = ?`+a.db.ForUpdate()), groupID).
		Scan(&c.Capacity, &c.EnrolledCount)
	if errors.Is(err, sql.ErrNoRows) {
		return c, domain.GroupNotFound(groupID)
	}
	if err != nil {
		return c, fmt.Errorf("lock group: %w", err)
	}
	return c, nil
}

// holder returns the saga that took requesterID's seat in groupID.
func (a *Allocator) holder(ctx context.Context, tx *sql.Tx, groupID, requesterID string) (string, bool, error) {
	var sagaID string
	err := tx.QueryRowContext(ctx, a.db.Rebind(
		`SELECT saga_id FROM group_enrollments WHERE group_id = ? AND requester_id = ?`),
		groupID, requesterID).Scan(&sagaID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("check holder: %w", err)
	}
	return sagaID, true, nil
}
