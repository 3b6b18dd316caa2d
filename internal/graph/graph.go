// Package graph implements the dependency-graph operations over
// projectversions: transitive walks, cycle prechecks and lock validity.
package graph

import (
	"context"
	"database/sql"
	"fmt"

	"buildline/internal/domain"
	"buildline/internal/repo"
)

type Service struct {
	DB   *sql.DB
	Repo repo.Repo
}

func New(db *sql.DB) Service {
	return Service{DB: db, Repo: repo.Repo{DB: db}}
}

// TransitiveDependencies walks the outgoing dependency edges of pv depth
// first and returns every reachable projectversion exactly once, excluding pv
// itself. The visited set guarantees termination even if an invariant
// violation temporarily introduced a cycle.
func (s Service) TransitiveDependencies(ctx context.Context, pv domain.ProjectVersion) ([]domain.ProjectVersion, error) {
	visited := map[int64]bool{pv.ID: true}
	var result []domain.ProjectVersion
	stack := []int64{pv.ID}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		deps, err := s.Repo.Dependencies(ctx, cur)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			if visited[d.ID] {
				continue
			}
			visited[d.ID] = true
			result = append(result, d)
			stack = append(stack, d.ID)
		}
	}
	return result, nil
}

// WouldCreateCycle reports whether adding the edge target -> candidate would
// close a loop, i.e. whether target is already reachable from candidate.
func (s Service) WouldCreateCycle(ctx context.Context, candidateID, targetID int64) (bool, error) {
	candidate, err := s.Repo.GetProjectVersion(ctx, candidateID)
	if err != nil {
		return false, err
	}
	deps, err := s.TransitiveDependencies(ctx, candidate)
	if err != nil {
		return false, err
	}
	for _, d := range deps {
		if d.ID == targetID {
			return true, nil
		}
	}
	return false, nil
}

// AddDependency inserts the edge pv -> dep after validating lock state,
// self-reference and cycle freedom.
func (s Service) AddDependency(ctx context.Context, pv, dep domain.ProjectVersion) error {
	if pv.IsLocked {
		return fmt.Errorf("cannot add dependencies on locked projectversion %s: %w", pv.Fullname(), repo.ErrLocked)
	}
	if dep.ID == pv.ID {
		return fmt.Errorf("projectversion cannot depend on itself: %w", repo.ErrInvalidInput)
	}
	cyclic, err := s.WouldCreateCycle(ctx, dep.ID, pv.ID)
	if err != nil {
		return err
	}
	if cyclic {
		return fmt.Errorf("%s already depends on %s: %w", dep.Fullname(), pv.Fullname(), repo.ErrCycle)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.AddDependencyTx(ctx, tx, pv.ID, dep.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// RemoveDependency deletes the edge pv -> dep.
func (s Service) RemoveDependency(ctx context.Context, pv, dep domain.ProjectVersion) error {
	if pv.IsLocked {
		return fmt.Errorf("projectversion %s is locked: %w", pv.Fullname(), repo.ErrLocked)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.Repo.RemoveDependencyTx(ctx, tx, pv.ID, dep.ID); err != nil {
		return err
	}
	return tx.Commit()
}

// CanLock reports whether every transitive dependency of pv is locked.
func (s Service) CanLock(ctx context.Context, pv domain.ProjectVersion) (bool, error) {
	deps, err := s.TransitiveDependencies(ctx, pv)
	if err != nil {
		return false, err
	}
	for _, d := range deps {
		if !d.IsLocked {
			return false, nil
		}
	}
	return true, nil
}

// BlockingDependents returns the non-deleted versions that still depend on pv.
func (s Service) BlockingDependents(ctx context.Context, pv domain.ProjectVersion) ([]domain.ProjectVersion, error) {
	dependents, err := s.Repo.Dependents(ctx, pv.ID)
	if err != nil {
		return nil, err
	}
	var blocking []domain.ProjectVersion
	for _, d := range dependents {
		if !d.IsDeleted {
			blocking = append(blocking, d)
		}
	}
	return blocking, nil
}
