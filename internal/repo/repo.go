package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"buildline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

const projectVersionCols = `pv.id, pv.project_id, p.name, pv.name, pv.basemirror_id,
pv.architectures_json, pv.is_locked, pv.is_deleted, pv.ci_builds_enabled, pv.created_at`

func (r Repo) InsertProject(ctx context.Context, p domain.Project) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO projects(name,is_basemirror,created_at) VALUES (?,?,?)`,
		p.Name, p.IsBaseMirror, p.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetProject(ctx context.Context, id int64) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,is_basemirror,created_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &p.IsBaseMirror, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	return p, err
}

func (r Repo) GetProjectByName(ctx context.Context, name string) (domain.Project, error) {
	var p domain.Project
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,is_basemirror,created_at FROM projects WHERE name=?`, name).
		Scan(&p.ID, &p.Name, &p.IsBaseMirror, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, fmt.Errorf("project %s: %w", name, ErrNotFound)
	}
	return p, err
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,is_basemirror,created_at FROM projects ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.IsBaseMirror, &p.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func scanProjectVersion(scan func(dest ...any) error) (domain.ProjectVersion, error) {
	var pv domain.ProjectVersion
	var basemirror sql.NullInt64
	var archJSON string
	err := scan(&pv.ID, &pv.ProjectID, &pv.ProjectName, &pv.Name, &basemirror,
		&archJSON, &pv.IsLocked, &pv.IsDeleted, &pv.CIBuildsEnabled, &pv.CreatedAt)
	if err != nil {
		return pv, err
	}
	if basemirror.Valid {
		pv.BasemirrorID = &basemirror.Int64
	}
	if archJSON != "" {
		if err := json.Unmarshal([]byte(archJSON), &pv.Architectures); err != nil {
			return pv, fmt.Errorf("architectures of projectversion %d: %w", pv.ID, err)
		}
	}
	return pv, nil
}

func (r Repo) queryProjectVersion(ctx context.Context, where string, args ...any) (domain.ProjectVersion, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+projectVersionCols+` FROM projectversions pv JOIN projects p ON p.id=pv.project_id WHERE `+where, args...)
	pv, err := scanProjectVersion(row.Scan)
	if err == sql.ErrNoRows {
		return pv, fmt.Errorf("projectversion: %w", ErrNotFound)
	}
	return pv, err
}

func (r Repo) GetProjectVersion(ctx context.Context, id int64) (domain.ProjectVersion, error) {
	row := r.DB.QueryRowContext(ctx,
		`SELECT `+projectVersionCols+` FROM projectversions pv JOIN projects p ON p.id=pv.project_id WHERE pv.id=?`, id)
	pv, err := scanProjectVersion(row.Scan)
	if err == sql.ErrNoRows {
		return pv, fmt.Errorf("projectversion %d: %w", id, ErrNotFound)
	}
	return pv, err
}

func (r Repo) GetProjectVersionByName(ctx context.Context, projectID int64, name string) (domain.ProjectVersion, error) {
	return r.queryProjectVersion(ctx, `pv.project_id=? AND pv.name=?`, projectID, name)
}

// GetProjectVersionByFullname resolves a "project/version" reference.
func (r Repo) GetProjectVersionByFullname(ctx context.Context, fullname string) (domain.ProjectVersion, error) {
	parts := strings.Split(fullname, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return domain.ProjectVersion{}, fmt.Errorf("reference %q must have the format 'name/version': %w", fullname, ErrInvalidInput)
	}
	return r.queryProjectVersion(ctx, `p.name=? AND pv.name=?`, parts[0], parts[1])
}

func (r Repo) ListProjectVersions(ctx context.Context, projectID int64) ([]domain.ProjectVersion, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+projectVersionCols+` FROM projectversions pv JOIN projects p ON p.id=pv.project_id
WHERE pv.project_id=? ORDER BY pv.id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjectVersions(rows)
}

func collectProjectVersions(rows *sql.Rows) ([]domain.ProjectVersion, error) {
	var res []domain.ProjectVersion
	for rows.Next() {
		pv, err := scanProjectVersion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, pv)
	}
	return res, rows.Err()
}

func (r Repo) InsertProjectVersionTx(ctx context.Context, tx *sql.Tx, pv domain.ProjectVersion) (int64, error) {
	archJSON, err := marshalStrings(pv.Architectures)
	if err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO projectversions(project_id,name,basemirror_id,architectures_json,is_locked,is_deleted,ci_builds_enabled,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		pv.ProjectID, pv.Name, nullableInt64(pv.BasemirrorID), archJSON,
		pv.IsLocked, pv.IsDeleted, pv.CIBuildsEnabled, pv.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// UpdateProjectVersionFlagsTx persists the mutable lifecycle flags.
func (r Repo) UpdateProjectVersionFlagsTx(ctx context.Context, tx *sql.Tx, pv domain.ProjectVersion) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE projectversions SET is_locked=?, is_deleted=?, ci_builds_enabled=? WHERE id=?`,
		pv.IsLocked, pv.IsDeleted, pv.CIBuildsEnabled, pv.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("projectversion %d: %w", pv.ID, ErrNotFound)
	}
	return nil
}

// Dependencies returns the direct dependency edges of a projectversion.
func (r Repo) Dependencies(ctx context.Context, pvID int64) ([]domain.ProjectVersion, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+projectVersionCols+` FROM projectversion_dependencies d
JOIN projectversions pv ON pv.id=d.dependency_id
JOIN projects p ON p.id=pv.project_id
WHERE d.projectversion_id=? ORDER BY pv.id`, pvID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjectVersions(rows)
}

// Dependents returns the incoming-edge sources of a projectversion.
func (r Repo) Dependents(ctx context.Context, pvID int64) ([]domain.ProjectVersion, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT `+projectVersionCols+` FROM projectversion_dependencies d
JOIN projectversions pv ON pv.id=d.projectversion_id
JOIN projects p ON p.id=pv.project_id
WHERE d.dependency_id=? ORDER BY pv.id`, pvID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectProjectVersions(rows)
}

func (r Repo) AddDependencyTx(ctx context.Context, tx *sql.Tx, pvID, depID int64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO projectversion_dependencies(projectversion_id,dependency_id) VALUES (?,?)`, pvID, depID)
	return err
}

func (r Repo) RemoveDependencyTx(ctx context.Context, tx *sql.Tx, pvID, depID int64) error {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM projectversion_dependencies WHERE projectversion_id=? AND dependency_id=?`, pvID, depID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dependency edge %d -> %d: %w", pvID, depID, ErrNotFound)
	}
	return nil
}

func marshalStrings(in []string) (string, error) {
	if in == nil {
		in = []string{}
	}
	b, err := json.Marshal(in)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
