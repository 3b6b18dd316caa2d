package buildlog

import (
	"context"
	"database/sql"
	"time"

	"buildline/internal/domain"
)

// Writer appends build output lines inside the caller's transaction so log
// rows commit together with the state change they describe.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, buildID int64, line string) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT INTO buildlog(build_id,ts,line) VALUES (?,?,?)`, buildID, ts, line)
	return err
}

func (w Writer) Lines(ctx context.Context, buildID int64) ([]domain.LogLine, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT id,build_id,ts,line FROM buildlog WHERE build_id=? ORDER BY id`, buildID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LogLine
	for rows.Next() {
		var l domain.LogLine
		if err := rows.Scan(&l.ID, &l.BuildID, &l.TS, &l.Line); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}
