// Package catalog reads and writes the enrollment system of record:
// students, academic periods, course groups and enrollment headers.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/domain"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/sqldb"
)

const (
	StudentRegular = "REGULAR"
	StudentBlocked = "BLOCKED"
	PeriodActive   = "ACTIVE"
	PeriodClosed   = "CLOSED"
)

type Student struct {
	RequesterID string `yaml:"requester_id" json:"requester_id"`
	FullName    string `yaml:"full_name" json:"full_name"`
	Status      string `yaml:"status" json:"status"`
}

type Period struct {
	PeriodID string `yaml:"period_id" json:"period_id"`
	Status   string `yaml:"status" json:"status"`
}

type Group struct {
	GroupID     string   `yaml:"group_id" json:"group_id"`
	PeriodID    string   `yaml:"period_id" json:"period_id"`
	SubjectCode string   `yaml:"subject_code" json:"subject_code"`
	Capacity    int      `yaml:"capacity" json:"capacity"`
	Schedule    Schedule `yaml:"schedule" json:"schedule"`
}

// Enrollment is the header row tying a saga to the groups it enrolled.
type Enrollment struct {
	EnrollmentID string    `json:"enrollment_id"`
	SagaID       string    `json:"saga_id"`
	RequesterID  string    `json:"requester_id"`
	PeriodID     string    `json:"period_id"`
	GroupIDs     []string  `json:"group_ids"`
	CreatedAt    time.Time `json:"created_at"`
}

type Catalog struct {
	db *sqldb.DB
}

func New(db *sqldb.DB) *Catalog {
	return &Catalog{db: db}
}

// ValidateStudentAndPeriod checks that the requester may enroll and the
// period is open.
func (c *Catalog) ValidateStudentAndPeriod(ctx context.Context, requesterID, periodID string) error {
	var status string
	err := c.db.QueryRowContext(ctx, c.db.Rebind(`SELECT status FROM students WHERE requester_id = ?`), requesterID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.StudentNotFound(requesterID)
	case err != nil:
		return fmt.Errorf("catalog: load student %s: %w", requesterID, err)
	case status == StudentBlocked:
		return domain.StudentBlocked(requesterID)
	}

	err = c.db.QueryRowContext(ctx, c.db.Rebind(`SELECT status FROM periods WHERE period_id = ?`), periodID).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return domain.PeriodNotFound(periodID)
	case err != nil:
		return fmt.Errorf("catalog: load period %s: %w", periodID, err)
	case status != PeriodActive:
		return domain.PeriodInactive(periodID)
	}
	return nil
}

type scheduledGroup struct {
	GroupID  string
	PeriodID string
	Subject  string
	Schedule Schedule
}

// CheckScheduleConflicts rejects a request whose groups overlap in time with
// each other or with groups the requester already holds in an active
// period, repeat a subject, or include a group already held.
func (c *Catalog) CheckScheduleConflicts(ctx context.Context, requesterID, periodID string, groupIDs []string) error {
	requested := make([]scheduledGroup, 0, len(groupIDs))
	for _, id := range groupIDs {
		g, err := c.loadGroup(ctx, id)
		if err != nil {
			return err
		}
		if g.PeriodID != periodID {
			return domain.InvalidRequest("group %s does not belong to period %s", id, periodID)
		}
		requested = append(requested, g)
	}

	held, err := c.heldGroups(ctx, requesterID)
	if err != nil {
		return err
	}
	for _, h := range held {
		for _, r := range requested {
			if h.GroupID == r.GroupID {
				return domain.AlreadyEnrolled(requesterID, r.GroupID)
			}
		}
	}

	for i, a := range requested {
		for _, b := range requested[i+1:] {
			if err := compare(a, b); err != nil {
				return err
			}
		}
		for _, h := range held {
			if err := compare(a, h); err != nil {
				return err
			}
		}
	}
	return nil
}

func compare(a, b scheduledGroup) error {
	if a.PeriodID == b.PeriodID && a.Subject == b.Subject {
		return domain.DuplicateSubject(a.Subject, a.GroupID, b.GroupID)
	}
	if a.Schedule.Overlaps(b.Schedule) {
		return domain.ScheduleConflict(a.GroupID, b.GroupID)
	}
	return nil
}

func (c *Catalog) loadGroup(ctx context.Context, groupID string) (scheduledGroup, error) {
	g := scheduledGroup{GroupID: groupID}
	var days string
	err := c.db.QueryRowContext(ctx, c.db.Rebind(
		`SELECT period_id, subject_code, days, starts_at, ends_at FROM course_groups WHERE group_id = ?`), groupID).
		Scan(&g.PeriodID, &g.Subject, &days, &g.Schedule.StartsAt, &g.Schedule.EndsAt)
	if errors.Is(err, sql.ErrNoRows) {
		return g, domain.GroupNotFound(groupID)
	}
	if err != nil {
		return g, fmt.Errorf("catalog: load group %s: %w", groupID, err)
	}
	g.Schedule.Days = splitDays(days)
	return g, nil
}

func (c *Catalog) heldGroups(ctx context.Context, requesterID string) ([]scheduledGroup, error) {
	rows, err := c.db.QueryContext(ctx, c.db.Rebind(`
		SELECT g.group_id, g.period_id, g.subject_code, g.days, g.starts_at, g.ends_at
		FROM   group_enrollments e
		JOIN   course_groups g ON g.group_id = e.group_id
		JOIN   periods p ON p.period_id = g.period_id
		WHERE  e.requester_id = ? AND p.status = ?
		ORDER  BY g.group_id`), requesterID, PeriodActive)
	if err != nil {
		return nil, fmt.Errorf("catalog: held groups for %s: %w", requesterID, err)
	}
	defer rows.Close()

	var out []scheduledGroup
	for rows.Next() {
		var g scheduledGroup
		var days string
		if err := rows.Scan(&g.GroupID, &g.PeriodID, &g.Subject, &days, &g.Schedule.StartsAt, &g.Schedule.EndsAt); err != nil {
			return nil, fmt.Errorf("catalog: scan held group: %w", err)
		}
		g.Schedule.Days = splitDays(days)
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: held groups for %s: %w", requesterID, err)
	}
	return out, nil
}

// CreateEnrollment inserts the header. Inserting the same saga twice keeps
// the first row.
func (c *Catalog) CreateEnrollment(ctx context.Context, e Enrollment) error {
	groups := append([]string(nil), e.GroupIDs...)
	sort.Strings(groups)
	_, err := c.db.ExecContext(ctx, c.db.Rebind(`
		INSERT INTO enrollments (enrollment_id, saga_id, requester_id, period_id, group_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (saga_id) DO NOTHING`),
		e.EnrollmentID, e.SagaID, e.RequesterID, e.PeriodID, strings.Join(groups, ","),
		e.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("catalog: create enrollment %s: %w", e.EnrollmentID, err)
	}
	return nil
}

const enrollmentColumns = `enrollment_id, saga_id, requester_id, period_id, group_ids, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEnrollment(row rowScanner) (Enrollment, error) {
	var (
		e         Enrollment
		groups    string
		createdAt string
	)
	if err := row.Scan(&e.EnrollmentID, &e.SagaID, &e.RequesterID, &e.PeriodID, &groups, &createdAt); err != nil {
		return e, err
	}
	if groups != "" {
		e.GroupIDs = strings.Split(groups, ",")
	}
	var err error
	if e.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return e, fmt.Errorf("catalog: parse created_at %q: %w", createdAt, err)
	}
	return e, nil
}

// GetEnrollment returns the header written by sagaID, if any.
func (c *Catalog) GetEnrollment(ctx context.Context, sagaID string) (*Enrollment, error) {
	return c.oneEnrollment(ctx, "saga_id", sagaID)
}

// EnrollmentByID returns the header with the given enrollment code, if any.
func (c *Catalog) EnrollmentByID(ctx context.Context, enrollmentID string) (*Enrollment, error) {
	return c.oneEnrollment(ctx, "enrollment_id", enrollmentID)
}

func (c *Catalog) oneEnrollment(ctx context.Context, column, value string) (*Enrollment, error) {
	e, err := scanEnrollment(c.db.QueryRowContext(ctx, c.db.Rebind(
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE `+column+` = ?`), value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: enrollment by %s %s: %w", column, value, err)
	}
	return &e, nil
}

// EnrollmentsByRequester lists every header of requesterID, oldest first.
func (c *Catalog) EnrollmentsByRequester(ctx context.Context, requesterID string) ([]Enrollment, error) {
	rows, err := c.db.QueryContext(ctx, c.db.Rebind(
		`SELECT `+enrollmentColumns+` FROM enrollments WHERE requester_id = ? ORDER BY created_at, enrollment_id`), requesterID)
	if err != nil {
		return nil, fmt.Errorf("catalog: enrollments of %s: %w", requesterID, err)
	}
	defer rows.Close()

	out := []Enrollment{}
	for rows.Next() {
		e, err := scanEnrollment(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: scan enrollment: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: enrollments of %s: %w", requesterID, err)
	}
	return out, nil
}

// RemoveEnrollmentGroup drops groupID from the header's group list. The
// header stays, possibly with no groups left. It returns the updated header,
// or nil when enrollmentID does not exist.
func (c *Catalog) RemoveEnrollmentGroup(ctx context.Context, enrollmentID, groupID string) (*Enrollment, error) {
	var updated *Enrollment
	err := c.db.InTx(ctx, func(tx *sql.Tx) error {
		e, err := scanEnrollment(tx.QueryRowContext(ctx, c.db.Rebind(
			`SELECT `+enrollmentColumns+` FROM enrollments WHERE enrollment_id = ?`+c.db.ForUpdate()), enrollmentID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		kept := make([]string, 0, len(e.GroupIDs))
		for _, g := range e.GroupIDs {
			if g != groupID {
				kept = append(kept, g)
			}
		}
		e.GroupIDs = kept
		if _, err := tx.ExecContext(ctx, c.db.Rebind(
			`UPDATE enrollments SET group_ids = ? WHERE enrollment_id = ?`),
			strings.Join(kept, ","), enrollmentID); err != nil {
			return err
		}
		updated = &e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("catalog: remove group %s from enrollment %s: %w", groupID, enrollmentID, err)
	}
	return updated, nil
}

// DeleteEnrollment removes the header written by sagaID. Deleting twice is
// a no-op.
func (c *Catalog) DeleteEnrollment(ctx context.Context, sagaID string) error {
	if _, err := c.db.ExecContext(ctx, c.db.Rebind(`DELETE FROM enrollments WHERE saga_id = ?`), sagaID); err != nil {
		return fmt.Errorf("catalog: delete enrollment for saga %s: %w", sagaID, err)
	}
	return nil
}

func (c *Catalog) UpsertStudent(ctx context.Context, s Student) error {
	if s.Status == "" {
		s.Status = StudentRegular
	}
	_, err := c.db.ExecContext(ctx, c.db.Rebind(`
		INSERT INTO students (requester_id, full_name, status) VALUES (?, ?, ?)
		ON CONFLICT (requester_id) DO UPDATE SET full_name = excluded.full_name, status = excluded.status`),
		s.RequesterID, s.FullName, s.Status)
	if err != nil {
		return fmt.Errorf("catalog: upsert student %s: %w", s.RequesterID, err)
	}
	return nil
}

func (c *Catalog) UpsertPeriod(ctx context.Context, p Period) error {
	if p.Status == "" {
		p.Status = PeriodActive
	}
	_, err := c.db.ExecContext(ctx, c.db.Rebind(`
		INSERT INTO periods (period_id, status) VALUES (?, ?)
		ON CONFLICT (period_id) DO UPDATE SET status = excluded.status`),
		p.PeriodID, p.Status)
	if err != nil {
		return fmt.Errorf("catalog: upsert period %s: %w", p.PeriodID, err)
	}
	return nil
}

// UpsertGroup creates or edits a group. The enrolled counter is left alone
// on update.
func (c *Catalog) UpsertGroup(ctx context.Context, g Group) error {
	_, err := c.db.ExecContext(ctx, c.db.Rebind(`
		INSERT INTO course_groups (group_id, period_id, subject_code, capacity, enrolled_count, days, starts_at, ends_at)
		VALUES (?, ?, ?, ?, 0, ?, ?, ?)
		ON CONFLICT (group_id) DO UPDATE SET
			period_id = excluded.period_id,
			subject_code = excluded.subject_code,
			capacity = excluded.capacity,
			days = excluded.days,
			starts_at = excluded.starts_at,
			ends_at = excluded.ends_at`),
		g.GroupID, g.PeriodID, g.SubjectCode, g.Capacity,
		strings.Join(g.Schedule.Days, ","), g.Schedule.StartsAt, g.Schedule.EndsAt)
	if err != nil {
		return fmt.Errorf("catalog: upsert group %s: %w", g.GroupID, err)
	}
	return nil
}
