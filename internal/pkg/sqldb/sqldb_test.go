package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	pg := &DB{Dialect: Postgres}
	lite := &DB{Dialect: SQLite}

	q := "UPDATE course_groups SET enrolled_count = ? WHERE group_id = ? AND period_id = ?"
	assert.Equal(t, "UPDATE course_groups SET enrolled_count = $1 WHERE group_id = $2 AND period_id = $3", pg.Rebind(q))
	assert.Equal(t, q, lite.Rebind(q))

	assert.Equal(t, " FOR UPDATE", pg.ForUpdate())
	assert.Empty(t, lite.ForUpdate())
}

func TestOpenSQLiteAppliesSchema(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "enrollment.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	assert.Equal(t, SQLite, db.Dialect)

	var n int
	err = db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name IN ('students','periods','course_groups','group_enrollments','enrollments')`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestCapacityCheckConstraint(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "enrollment.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, `INSERT INTO course_groups (group_id, period_id, subject_code, capacity, enrolled_count) VALUES ('G1','P1','MAT101',1,1)`)
	require.NoError(t, err)

	_, err = db.ExecContext(ctx, `UPDATE course_groups SET enrolled_count = enrolled_count + 1 WHERE group_id = 'G1'`)
	assert.Error(t, err, "enrolled_count must never exceed capacity")
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, filepath.Join(t.TempDir(), "enrollment.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sentinel := errors.New("abort")
	err = db.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO periods (period_id) VALUES ('P1')`); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM periods`).Scan(&n))
	assert.Zero(t, n)
}
