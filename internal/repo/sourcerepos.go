package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"buildline/internal/domain"
)

func (r Repo) InsertSourceRepository(ctx context.Context, s domain.SourceRepository) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO sourcerepositories(name,url) VALUES (?,?)`, s.Name, s.URL)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetSourceRepository(ctx context.Context, id int64) (domain.SourceRepository, error) {
	var s domain.SourceRepository
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,url FROM sourcerepositories WHERE id=?`, id).
		Scan(&s.ID, &s.Name, &s.URL)
	if err == sql.ErrNoRows {
		return s, fmt.Errorf("sourcerepository %d: %w", id, ErrNotFound)
	}
	return s, err
}

// GetSourceRepoLink looks up the association payload by its key pair.
func (r Repo) GetSourceRepoLink(ctx context.Context, srcID, pvID int64) (domain.SourceRepoLink, error) {
	var l domain.SourceRepoLink
	var archJSON string
	err := r.DB.QueryRowContext(ctx,
		`SELECT sourcerepository_id,projectversion_id,architectures_json FROM sourcerepository_projectversions
WHERE sourcerepository_id=? AND projectversion_id=?`, srcID, pvID).
		Scan(&l.SourceRepositoryID, &l.ProjectVersionID, &archJSON)
	if err == sql.ErrNoRows {
		return l, fmt.Errorf("sourcerepository %d not associated with projectversion %d: %w", srcID, pvID, ErrNotFound)
	}
	if err != nil {
		return l, err
	}
	if archJSON != "" {
		if err := json.Unmarshal([]byte(archJSON), &l.Architectures); err != nil {
			return l, err
		}
	}
	return l, nil
}

func (r Repo) ListSourceRepoLinks(ctx context.Context, pvID int64) ([]domain.SourceRepoLink, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT sourcerepository_id,projectversion_id,architectures_json FROM sourcerepository_projectversions
WHERE projectversion_id=? ORDER BY sourcerepository_id`, pvID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SourceRepoLink
	for rows.Next() {
		var l domain.SourceRepoLink
		var archJSON string
		if err := rows.Scan(&l.SourceRepositoryID, &l.ProjectVersionID, &archJSON); err != nil {
			return nil, err
		}
		if archJSON != "" {
			if err := json.Unmarshal([]byte(archJSON), &l.Architectures); err != nil {
				return nil, err
			}
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

func (r Repo) LinkSourceRepoTx(ctx context.Context, tx *sql.Tx, l domain.SourceRepoLink) error {
	archJSON, err := marshalStrings(l.Architectures)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO sourcerepository_projectversions(sourcerepository_id,projectversion_id,architectures_json)
VALUES (?,?,?)`, l.SourceRepositoryID, l.ProjectVersionID, archJSON)
	return err
}

func (r Repo) UnlinkSourceRepoTx(ctx context.Context, tx *sql.Tx, srcID, pvID int64) error {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM sourcerepository_projectversions WHERE sourcerepository_id=? AND projectversion_id=?`, srcID, pvID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("sourcerepository %d not associated with projectversion %d: %w", srcID, pvID, ErrNotFound)
	}
	return nil
}
