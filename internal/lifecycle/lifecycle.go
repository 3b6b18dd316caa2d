// Package lifecycle implements the validated state transitions of
// projectversions: creation, cloning, overlay derivation, locking, CI
// toggling, logical deletion and dependency mutation. Every operation commits
// a single transaction and emits repository-management commands on the
// outbound command queue.
package lifecycle

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"buildline/internal/domain"
	"buildline/internal/graph"
	"buildline/internal/queue"
	"buildline/internal/repo"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9.-]+$`)

type Manager struct {
	DB       *sql.DB
	Repo     repo.Repo
	Graph    graph.Service
	Commands *queue.Queue[queue.Command]
	Log      *slog.Logger
	Now      func() time.Time
}

func New(db *sql.DB, commands *queue.Queue[queue.Command]) Manager {
	return Manager{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Graph:    graph.New(db),
		Commands: commands,
		Log:      slog.Default(),
		Now:      time.Now,
	}
}

func (m Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

// CreateOptions are parameters for creating a projectversion.
type CreateOptions struct {
	Project       string
	Name          string
	Basemirror    string
	Architectures []string
}

// Create validates and persists a new projectversion and asks the publishing
// subsystem to initialize its repository.
func (m Manager) Create(ctx context.Context, opts CreateOptions) (domain.ProjectVersion, error) {
	if !nameRe.MatchString(opts.Name) {
		return domain.ProjectVersion{}, fmt.Errorf("invalid projectversion name %q: %w", opts.Name, repo.ErrInvalidInput)
	}
	if len(opts.Architectures) == 0 {
		return domain.ProjectVersion{}, fmt.Errorf("no architectures given: %w", repo.ErrInvalidInput)
	}
	project, err := m.Repo.GetProjectByName(ctx, opts.Project)
	if err != nil {
		return domain.ProjectVersion{}, err
	}
	if err := m.ensureNameFree(ctx, project.ID, opts.Name); err != nil {
		return domain.ProjectVersion{}, err
	}
	basemirror, err := m.resolveBasemirror(ctx, opts.Basemirror)
	if err != nil {
		return domain.ProjectVersion{}, err
	}

	pv := domain.ProjectVersion{
		ProjectID:     project.ID,
		ProjectName:   project.Name,
		Name:          opts.Name,
		BasemirrorID:  &basemirror.ID,
		Architectures: opts.Architectures,
		CreatedAt:     m.now().UTC().Format(time.RFC3339),
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectVersion{}, err
	}
	defer tx.Rollback()
	pv.ID, err = m.Repo.InsertProjectVersionTx(ctx, tx, pv)
	if err != nil {
		return domain.ProjectVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectVersion{}, err
	}

	m.Log.Info("projectversion added", "projectversion", pv.Fullname(), "id", pv.ID)
	m.emitInitRepository(pv, basemirror)
	return pv, nil
}

// Clone copies architectures, dependency edges, base mirror, CI flag and
// source-repository associations of source into a new version. Each
// association's architecture payload is copied verbatim.
func (m Manager) Clone(ctx context.Context, sourceID int64, newName string) (domain.ProjectVersion, error) {
	source, err := m.Repo.GetProjectVersion(ctx, sourceID)
	if err != nil {
		return domain.ProjectVersion{}, err
	}
	if !nameRe.MatchString(newName) {
		return domain.ProjectVersion{}, fmt.Errorf("invalid projectversion name %q: %w", newName, repo.ErrInvalidInput)
	}
	if err := m.ensureNameFree(ctx, source.ProjectID, newName); err != nil {
		return domain.ProjectVersion{}, err
	}
	basemirror, err := m.basemirrorOf(ctx, source)
	if err != nil {
		return domain.ProjectVersion{}, err
	}
	deps, err := m.Repo.Dependencies(ctx, source.ID)
	if err != nil {
		return domain.ProjectVersion{}, err
	}
	links, err := m.Repo.ListSourceRepoLinks(ctx, source.ID)
	if err != nil {
		return domain.ProjectVersion{}, err
	}

	pv := domain.ProjectVersion{
		ProjectID:       source.ProjectID,
		ProjectName:     source.ProjectName,
		Name:            newName,
		BasemirrorID:    source.BasemirrorID,
		Architectures:   source.Architectures,
		CIBuildsEnabled: source.CIBuildsEnabled,
		CreatedAt:       m.now().UTC().Format(time.RFC3339),
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectVersion{}, err
	}
	defer tx.Rollback()
	pv.ID, err = m.Repo.InsertProjectVersionTx(ctx, tx, pv)
	if err != nil {
		return domain.ProjectVersion{}, err
	}
	for _, d := range deps {
		if err := m.Repo.AddDependencyTx(ctx, tx, pv.ID, d.ID); err != nil {
			return domain.ProjectVersion{}, err
		}
	}
	for _, l := range links {
		l.ProjectVersionID = pv.ID
		if err := m.Repo.LinkSourceRepoTx(ctx, tx, l); err != nil {
			return domain.ProjectVersion{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectVersion{}, err
	}

	m.Log.Info("projectversion cloned", "source", source.Fullname(), "projectversion", pv.Fullname(), "id", pv.ID)
	m.emitInitRepository(pv, basemirror)
	return pv, nil
}

// CreateOverlay derives a new version whose sole dependency edge points at
// source; it inherits only architectures and base mirror.
func (m Manager) CreateOverlay(ctx context.Context, sourceID int64, newName string) (domain.ProjectVersion, error) {
	source, err := m.Repo.GetProjectVersion(ctx, sourceID)
	if err != nil {
		return domain.ProjectVersion{}, err
	}
	if !nameRe.MatchString(newName) {
		return domain.ProjectVersion{}, fmt.Errorf("invalid projectversion name %q: %w", newName, repo.ErrInvalidInput)
	}
	if err := m.ensureNameFree(ctx, source.ProjectID, newName); err != nil {
		return domain.ProjectVersion{}, err
	}
	basemirror, err := m.basemirrorOf(ctx, source)
	if err != nil {
		return domain.ProjectVersion{}, err
	}

	pv := domain.ProjectVersion{
		ProjectID:     source.ProjectID,
		ProjectName:   source.ProjectName,
		Name:          newName,
		BasemirrorID:  source.BasemirrorID,
		Architectures: source.Architectures,
		CreatedAt:     m.now().UTC().Format(time.RFC3339),
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectVersion{}, err
	}
	defer tx.Rollback()
	pv.ID, err = m.Repo.InsertProjectVersionTx(ctx, tx, pv)
	if err != nil {
		return domain.ProjectVersion{}, err
	}
	if err := m.Repo.AddDependencyTx(ctx, tx, pv.ID, source.ID); err != nil {
		return domain.ProjectVersion{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectVersion{}, err
	}

	m.Log.Info("overlay created", "source", source.Fullname(), "projectversion", pv.Fullname(), "id", pv.ID)
	m.emitInitRepository(pv, basemirror)
	return pv, nil
}

// ToggleCI flips the ci_builds_enabled flag and returns the new value.
func (m Manager) ToggleCI(ctx context.Context, id int64) (bool, error) {
	pv, err := m.Repo.GetProjectVersion(ctx, id)
	if err != nil {
		return false, err
	}
	pv.CIBuildsEnabled = !pv.CIBuildsEnabled
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if err := m.Repo.UpdateProjectVersionFlagsTx(ctx, tx, pv); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	m.Log.Info("ci builds toggled", "projectversion", pv.Fullname(), "enabled", pv.CIBuildsEnabled)
	return pv.CIBuildsEnabled, nil
}

// Lock makes a projectversion immutable. All transitive dependencies must be
// locked first.
func (m Manager) Lock(ctx context.Context, id int64) error {
	pv, err := m.Repo.GetProjectVersion(ctx, id)
	if err != nil {
		return err
	}
	ok, err := m.Graph.CanLock(ctx, pv)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("dependencies of %s must be locked first: %w", pv.Fullname(), repo.ErrConflict)
	}
	pv.IsLocked = true
	pv.CIBuildsEnabled = false
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := m.Repo.UpdateProjectVersionFlagsTx(ctx, tx, pv); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.Log.Info("projectversion locked", "projectversion", pv.Fullname())
	return nil
}

// MarkDeleted flags a projectversion as deleted, locks it and asks the
// publishing subsystem to drop both publish channels. The row is never
// physically removed so historical builds keep their references.
func (m Manager) MarkDeleted(ctx context.Context, id int64) error {
	pv, err := m.Repo.GetProjectVersion(ctx, id)
	if err != nil {
		return err
	}
	blocking, err := m.Graph.BlockingDependents(ctx, pv)
	if err != nil {
		return err
	}
	if len(blocking) > 0 {
		names := make([]string, 0, len(blocking))
		for _, d := range blocking {
			names = append(names, d.Fullname())
		}
		return fmt.Errorf("projectversions '%s' are still depending on this version, cannot delete it: %w",
			strings.Join(names, ", "), repo.ErrConflict)
	}

	var basemirrorProject, basemirrorVersion string
	if basemirror, err := m.basemirrorOf(ctx, pv); err == nil {
		basemirrorProject = basemirror.ProjectName
		basemirrorVersion = basemirror.Name
	}
	for _, channel := range []string{domain.ChannelStable, domain.ChannelUnstable} {
		m.Commands.Put(queue.Command{
			Kind:              queue.CmdDropPublish,
			BasemirrorProject: basemirrorProject,
			BasemirrorVersion: basemirrorVersion,
			Project:           pv.ProjectName,
			Version:           pv.Name,
			Channel:           channel,
		})
	}

	pv.IsDeleted = true
	pv.IsLocked = true
	pv.CIBuildsEnabled = false
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := m.Repo.UpdateProjectVersionFlagsTx(ctx, tx, pv); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.Log.Info("projectversion deleted", "projectversion", pv.Fullname())
	return nil
}

// AddDependencyEdge adds the edge pv -> dependency. Self-dependency is always
// invalid regardless of lock state.
func (m Manager) AddDependencyEdge(ctx context.Context, pvID, dependencyID int64) error {
	if pvID == dependencyID {
		return fmt.Errorf("projectversion cannot depend on itself: %w", repo.ErrInvalidInput)
	}
	pv, err := m.Repo.GetProjectVersion(ctx, pvID)
	if err != nil {
		return err
	}
	dep, err := m.Repo.GetProjectVersion(ctx, dependencyID)
	if err != nil {
		return err
	}
	return m.Graph.AddDependency(ctx, pv, dep)
}

func (m Manager) RemoveDependencyEdge(ctx context.Context, pvID, dependencyID int64) error {
	if pvID == dependencyID {
		return fmt.Errorf("projectversion cannot depend on itself: %w", repo.ErrInvalidInput)
	}
	pv, err := m.Repo.GetProjectVersion(ctx, pvID)
	if err != nil {
		return err
	}
	dep, err := m.Repo.GetProjectVersion(ctx, dependencyID)
	if err != nil {
		return err
	}
	return m.Graph.RemoveDependency(ctx, pv, dep)
}

// AddSourceRepo associates a source repository with a projectversion,
// carrying the architecture subset the pair builds for.
func (m Manager) AddSourceRepo(ctx context.Context, pvID, sourceRepoID int64, architectures []string) error {
	pv, err := m.Repo.GetProjectVersion(ctx, pvID)
	if err != nil {
		return err
	}
	if pv.IsLocked {
		return fmt.Errorf("projectversion %s is locked: %w", pv.Fullname(), repo.ErrLocked)
	}
	if _, err := m.Repo.GetSourceRepository(ctx, sourceRepoID); err != nil {
		return err
	}
	if _, err := m.Repo.GetSourceRepoLink(ctx, sourceRepoID, pvID); err == nil {
		return fmt.Errorf("sourcerepository %d already associated with %s: %w", sourceRepoID, pv.Fullname(), repo.ErrConflict)
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	link := domain.SourceRepoLink{
		SourceRepositoryID: sourceRepoID,
		ProjectVersionID:   pvID,
		Architectures:      architectures,
	}
	if err := m.Repo.LinkSourceRepoTx(ctx, tx, link); err != nil {
		return err
	}
	return tx.Commit()
}

func (m Manager) RemoveSourceRepo(ctx context.Context, pvID, sourceRepoID int64) error {
	pv, err := m.Repo.GetProjectVersion(ctx, pvID)
	if err != nil {
		return err
	}
	if pv.IsLocked {
		return fmt.Errorf("projectversion %s is locked: %w", pv.Fullname(), repo.ErrLocked)
	}
	tx, err := m.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := m.Repo.UnlinkSourceRepoTx(ctx, tx, sourceRepoID, pvID); err != nil {
		return err
	}
	return tx.Commit()
}

// --- helpers ---

func (m Manager) ensureNameFree(ctx context.Context, projectID int64, name string) error {
	existing, err := m.Repo.GetProjectVersionByName(ctx, projectID, name)
	if err == nil {
		suffix := ""
		if existing.IsDeleted {
			suffix = ", and is marked as deleted"
		}
		return fmt.Errorf("projectversion %s already exists%s: %w", existing.Fullname(), suffix, repo.ErrConflict)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return nil
	}
	return err
}

// resolveBasemirror resolves a "name/version" reference to a non-deleted
// projectversion owned by a base-mirror project.
func (m Manager) resolveBasemirror(ctx context.Context, ref string) (domain.ProjectVersion, error) {
	basemirror, err := m.Repo.GetProjectVersionByFullname(ctx, ref)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ProjectVersion{}, fmt.Errorf("base mirror not found: %s: %w", ref, repo.ErrNotFound)
		}
		return domain.ProjectVersion{}, err
	}
	if basemirror.IsDeleted {
		return domain.ProjectVersion{}, fmt.Errorf("base mirror %s is deleted: %w", ref, repo.ErrNotFound)
	}
	project, err := m.Repo.GetProject(ctx, basemirror.ProjectID)
	if err != nil {
		return domain.ProjectVersion{}, err
	}
	if !project.IsBaseMirror {
		return domain.ProjectVersion{}, fmt.Errorf("%s is not a base mirror: %w", ref, repo.ErrNotFound)
	}
	return basemirror, nil
}

func (m Manager) basemirrorOf(ctx context.Context, pv domain.ProjectVersion) (domain.ProjectVersion, error) {
	if pv.BasemirrorID == nil {
		return domain.ProjectVersion{}, fmt.Errorf("projectversion %s has no base mirror: %w", pv.Fullname(), repo.ErrNotFound)
	}
	return m.Repo.GetProjectVersion(ctx, *pv.BasemirrorID)
}

func (m Manager) emitInitRepository(pv, basemirror domain.ProjectVersion) {
	m.Commands.Put(queue.Command{
		Kind:              queue.CmdInitRepository,
		ProjectVersionID:  pv.ID,
		BasemirrorProject: basemirror.ProjectName,
		BasemirrorVersion: basemirror.Name,
		Project:           pv.ProjectName,
		Version:           pv.Name,
		Architectures:     pv.Architectures,
	})
}
