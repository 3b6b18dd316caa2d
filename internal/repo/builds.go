package repo

import (
	"context"
	"database/sql"
	"fmt"

	"buildline/internal/domain"
)

func scanBuild(scan func(dest ...any) error) (domain.Build, error) {
	var b domain.Build
	var parent, pv sql.NullInt64
	err := scan(&b.ID, &parent, &b.Kind, &b.State, &b.IsCI, &b.Version,
		&b.SourceName, &b.Architecture, &pv, &b.CreatedAt)
	if err != nil {
		return b, err
	}
	if parent.Valid {
		b.ParentID = &parent.Int64
	}
	if pv.Valid {
		b.ProjectVersionID = &pv.Int64
	}
	return b, nil
}

const buildCols = `id,parent_id,kind,state,is_ci,version,sourcename,architecture,projectversion_id,created_at`

func (r Repo) InsertBuild(ctx context.Context, b domain.Build) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO builds(parent_id,kind,state,is_ci,version,sourcename,architecture,projectversion_id,created_at)
VALUES (?,?,?,?,?,?,?,?,?)`,
		nullableInt64(b.ParentID), b.Kind, b.State, b.IsCI, b.Version,
		b.SourceName, b.Architecture, nullableInt64(b.ProjectVersionID), b.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetBuild(ctx context.Context, id int64) (domain.Build, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+buildCols+` FROM builds WHERE id=?`, id)
	b, err := scanBuild(row.Scan)
	if err == sql.ErrNoRows {
		return b, fmt.Errorf("build %d: %w", id, ErrNotFound)
	}
	return b, err
}

func (r Repo) ListBuilds(ctx context.Context) ([]domain.Build, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+buildCols+` FROM builds ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBuilds(rows)
}

// ListBuildsByState returns builds of the given kind in the given state,
// oldest first.
func (r Repo) ListBuildsByState(ctx context.Context, state, kind string) ([]domain.Build, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+buildCols+` FROM builds WHERE state=? AND kind=? ORDER BY id`, state, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectBuilds(rows)
}

func collectBuilds(rows *sql.Rows) ([]domain.Build, error) {
	var res []domain.Build
	for rows.Next() {
		b, err := scanBuild(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, b)
	}
	return res, rows.Err()
}

func (r Repo) UpdateBuildStateTx(ctx context.Context, tx *sql.Tx, id int64, state string) error {
	res, err := tx.ExecContext(ctx, `UPDATE builds SET state=? WHERE id=?`, state, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("build %d: %w", id, ErrNotFound)
	}
	return nil
}

// RootBuildID climbs the parent chain to the topmost ancestor, which owns the
// log stream for the whole build group.
func (r Repo) RootBuildID(ctx context.Context, id int64) (int64, error) {
	cur := id
	for {
		b, err := r.GetBuild(ctx, cur)
		if err != nil {
			return 0, err
		}
		if b.ParentID == nil {
			return b.ID, nil
		}
		cur = *b.ParentID
	}
}

func (r Repo) InsertBuildTaskTx(ctx context.Context, tx *sql.Tx, t domain.BuildTask) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO buildtasks(build_id,token) VALUES (?,?)`, t.BuildID, t.Token)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetBuildTaskByBuild(ctx context.Context, buildID int64) (domain.BuildTask, error) {
	var t domain.BuildTask
	err := r.DB.QueryRowContext(ctx, `SELECT id,build_id,token FROM buildtasks WHERE build_id=?`, buildID).
		Scan(&t.ID, &t.BuildID, &t.Token)
	if err == sql.ErrNoRows {
		return t, fmt.Errorf("buildtask for build %d: %w", buildID, ErrNotFound)
	}
	return t, err
}

// DeleteBuildTaskByBuildTx removes the in-flight marker; deleting a missing
// marker is not an error, recovery paths call this unconditionally.
func (r Repo) DeleteBuildTaskByBuildTx(ctx context.Context, tx *sql.Tx, buildID int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM buildtasks WHERE build_id=?`, buildID)
	return err
}
