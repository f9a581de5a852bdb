package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jcmexdev/enrollment-sagas/internal/enrollment/domain"
	"github.com/jcmexdev/enrollment-sagas/internal/pkg/sqldb"
)

func hm(h, m int) int { return h*60 + m }

func seeded(t *testing.T) (*Catalog, *sqldb.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := sqldb.Open(ctx, filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	c := New(db)
	require.NoError(t, c.UpsertStudent(ctx, Student{RequesterID: "218001234", FullName: "Ana Torres"}))
	require.NoError(t, c.UpsertStudent(ctx, Student{RequesterID: "218009999", Status: StudentBlocked}))
	require.NoError(t, c.UpsertPeriod(ctx, Period{PeriodID: "1-2025"}))
	require.NoError(t, c.UpsertPeriod(ctx, Period{PeriodID: "2-2024", Status: PeriodClosed}))

	groups := []Group{
		{GroupID: "ELC108-A", PeriodID: "1-2025", SubjectCode: "ELC108", Capacity: 30,
			Schedule: Schedule{Days: []string{"MO", "WE"}, StartsAt: hm(8, 0), EndsAt: hm(10, 0)}},
		{GroupID: "ELC108-B", PeriodID: "1-2025", SubjectCode: "ELC108", Capacity: 30,
			Schedule: Schedule{Days: []string{"TU"}, StartsAt: hm(8, 0), EndsAt: hm(10, 0)}},
		{GroupID: "MAT101-A", PeriodID: "1-2025", SubjectCode: "MAT101", Capacity: 30,
			Schedule: Schedule{Days: []string{"WE", "FR"}, StartsAt: hm(9, 0), EndsAt: hm(11, 0)}},
		{GroupID: "FIS120-A", PeriodID: "1-2025", SubjectCode: "FIS120", Capacity: 30,
			Schedule: Schedule{Days: []string{"MO"}, StartsAt: hm(10, 0), EndsAt: hm(12, 0)}},
		{GroupID: "QUI130-A", PeriodID: "1-2025", SubjectCode: "QUI130", Capacity: 30,
			Schedule: Schedule{Days: []string{"MO"}, StartsAt: hm(11, 0), EndsAt: hm(13, 0)}},
		{GroupID: "OLD100-A", PeriodID: "2-2024", SubjectCode: "OLD100", Capacity: 30,
			Schedule: Schedule{Days: []string{"MO"}, StartsAt: hm(8, 0), EndsAt: hm(10, 0)}},
	}
	for _, g := range groups {
		require.NoError(t, c.UpsertGroup(ctx, g))
	}
	return c, db
}

func hold(t *testing.T, db *sqldb.DB, groupID, requesterID string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(),
		`INSERT INTO group_enrollments (group_id, requester_id, enrolled_at) VALUES (?, ?, ?)`,
		groupID, requesterID, time.Now().UTC().Format(time.RFC3339Nano))
	require.NoError(t, err)
}

func TestValidateStudentAndPeriod(t *testing.T) {
	c, _ := seeded(t)
	ctx := context.Background()

	require.NoError(t, c.ValidateStudentAndPeriod(ctx, "218001234", "1-2025"))
	require.ErrorIs(t, c.ValidateStudentAndPeriod(ctx, "nobody", "1-2025"), domain.ErrStudentNotFound)
	require.ErrorIs(t, c.ValidateStudentAndPeriod(ctx, "218009999", "1-2025"), domain.ErrStudentBlocked)
	require.ErrorIs(t, c.ValidateStudentAndPeriod(ctx, "218001234", "9-2099"), domain.ErrPeriodNotFound)
	require.ErrorIs(t, c.ValidateStudentAndPeriod(ctx, "218001234", "2-2024"), domain.ErrPeriodInactive)
}

func TestCheckScheduleConflicts(t *testing.T) {
	c, db := seeded(t)
	ctx := context.Background()
	hold(t, db, "OLD100-A", "218001234")

	tests := []struct {
		name   string
		groups []string
		want   error
	}{
		{"no overlap", []string{"ELC108-B", "MAT101-A"}, nil},
		{"touching slots", []string{"ELC108-A", "FIS120-A"}, nil},
		{"overlap on shared day", []string{"ELC108-A", "MAT101-A"}, domain.ErrScheduleConflict},
		{"same subject twice", []string{"ELC108-A", "ELC108-B"}, domain.ErrDuplicateSubject},
		{"unknown group", []string{"NOPE"}, domain.ErrGroupNotFound},
		{"group from another period", []string{"OLD100-A"}, domain.ErrInvalidRequest},
		{"closed period holds are ignored", []string{"ELC108-A"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.CheckScheduleConflicts(ctx, "218001234", "1-2025", tt.groups)
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCheckScheduleConflictsAgainstHeldGroups(t *testing.T) {
	c, db := seeded(t)
	ctx := context.Background()
	hold(t, db, "FIS120-A", "218001234")

	err := c.CheckScheduleConflicts(ctx, "218001234", "1-2025", []string{"QUI130-A"})
	require.ErrorIs(t, err, domain.ErrScheduleConflict)

	err = c.CheckScheduleConflicts(ctx, "218001234", "1-2025", []string{"FIS120-A"})
	require.ErrorIs(t, err, domain.ErrAlreadyEnrolled)

	require.NoError(t, c.CheckScheduleConflicts(ctx, "218001234", "1-2025", []string{"ELC108-B"}))
}

func TestEnrollmentLifecycle(t *testing.T) {
	c, _ := seeded(t)
	ctx := context.Background()
	created := time.Date(2025, 3, 3, 8, 0, 0, 0, time.UTC)

	e := Enrollment{EnrollmentID: "I250303ABC", SagaID: "S1", RequesterID: "218001234",
		PeriodID: "1-2025", GroupIDs: []string{"MAT101-A", "ELC108-B"}, CreatedAt: created}
	require.NoError(t, c.CreateEnrollment(ctx, e))

	again := e
	again.EnrollmentID = "I250303DEF"
	require.NoError(t, c.CreateEnrollment(ctx, again), "second insert for the same saga is a no-op")

	got, err := c.GetEnrollment(ctx, "S1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "I250303ABC", got.EnrollmentID)
	assert.Equal(t, []string{"ELC108-B", "MAT101-A"}, got.GroupIDs)
	assert.True(t, created.Equal(got.CreatedAt))

	require.NoError(t, c.DeleteEnrollment(ctx, "S1"))
	require.NoError(t, c.DeleteEnrollment(ctx, "S1"))
	got, err = c.GetEnrollment(ctx, "S1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpsertGroupKeepsCounter(t *testing.T) {
	c, db := seeded(t)
	ctx := context.Background()
	_, err := db.ExecContext(ctx, `UPDATE course_groups SET enrolled_count = 7 WHERE group_id = 'ELC108-A'`)
	require.NoError(t, err)

	require.NoError(t, c.UpsertGroup(ctx, Group{GroupID: "ELC108-A", PeriodID: "1-2025", SubjectCode: "ELC108", Capacity: 40}))

	var capacity, enrolled int
	require.NoError(t, db.QueryRowContext(ctx,
		`SELECT capacity, enrolled_count FROM course_groups WHERE group_id = 'ELC108-A'`).Scan(&capacity, &enrolled))
	assert.Equal(t, 40, capacity)
	assert.Equal(t, 7, enrolled)
}

func TestScheduleOverlaps(t *testing.T) {
	mo := func(start, end int) Schedule { return Schedule{Days: []string{"MO"}, StartsAt: start, EndsAt: end} }

	assert.True(t, mo(hm(8, 0), hm(10, 0)).Overlaps(mo(hm(9, 0), hm(11, 0))))
	assert.True(t, mo(hm(8, 0), hm(12, 0)).Overlaps(mo(hm(9, 0), hm(10, 0))), "containment")
	assert.False(t, mo(hm(8, 0), hm(10, 0)).Overlaps(mo(hm(10, 0), hm(12, 0))), "touching")
	assert.False(t, mo(hm(8, 0), hm(10, 0)).Overlaps(Schedule{Days: []string{"TU"}, StartsAt: hm(8, 0), EndsAt: hm(10, 0)}))
	assert.True(t, mo(hm(8, 0), hm(10, 0)).Overlaps(Schedule{Days: []string{"mo"}, StartsAt: hm(9, 0), EndsAt: hm(9, 30)}))
	assert.Equal(t, "MO 08:00-10:00", mo(hm(8, 0), hm(10, 0)).String())
}
