// Package scheduler runs the asynchronous build workers: startup recovery,
// the event loop that advances build states, and the scheduling pass that
// turns pending builds into dispatched jobs.
package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"buildline/internal/buildlog"
	"buildline/internal/domain"
	"buildline/internal/queue"
	"buildline/internal/repo"
)

// Backend dispatches a job to an execution node. Implementations must not
// block indefinitely; a returned error marks the dispatch as failed without
// touching build state.
type Backend interface {
	Build(ctx context.Context, job queue.Job) error
}

type Scheduler struct {
	DB       *sql.DB
	Repo     repo.Repo
	Queues   *queue.Queues
	Backend  Backend
	Logs     buildlog.Writer
	Log      *slog.Logger
	NewToken func() string
}

func New(db *sql.DB, qs *queue.Queues, backend Backend) *Scheduler {
	return &Scheduler{
		DB:       db,
		Repo:     repo.Repo{DB: db},
		Queues:   qs,
		Backend:  backend,
		Logs:     buildlog.Writer{DB: db},
		Log:      slog.Default(),
		NewToken: func() string { return uuid.NewString() },
	}
}

func ensureBuildTransition(oldState, newState string) error {
	ok := false
	switch newState {
	case domain.BuildStateScheduled:
		ok = oldState == domain.BuildStateNeedsBuild
	case domain.BuildStateBuilding:
		ok = oldState == domain.BuildStateScheduled
	case domain.BuildStateSuccess:
		ok = oldState == domain.BuildStateBuilding
	case domain.BuildStateFailed:
		ok = oldState == domain.BuildStateBuilding || oldState == domain.BuildStateScheduled
	case domain.BuildStateNeedsBuild:
		ok = oldState == domain.BuildStateScheduled
	}
	if !ok {
		return fmt.Errorf("invalid build transition %s -> %s: %w", oldState, newState, repo.ErrConflict)
	}
	return nil
}

// StartupRecovery repairs builds interrupted by a crash. Builds stuck in
// scheduled go back to needs_build so the next pass re-dispatches them;
// builds stuck in building are failed because their output is unknown. Each
// batch commits atomically together with its buildtask deletions.
func (s *Scheduler) StartupRecovery(ctx context.Context) error {
	if err := s.recoverBatch(ctx, domain.BuildStateScheduled, domain.BuildStateNeedsBuild); err != nil {
		return err
	}
	return s.recoverBatch(ctx, domain.BuildStateBuilding, domain.BuildStateFailed)
}

func (s *Scheduler) recoverBatch(ctx context.Context, fromState, toState string) error {
	stuck, err := s.Repo.ListBuildsByState(ctx, fromState, domain.BuildKindPackage)
	if err != nil {
		return err
	}
	if len(stuck) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, b := range stuck {
		if err := s.Repo.UpdateBuildStateTx(ctx, tx, b.ID, toState); err != nil {
			return err
		}
		if err := s.Repo.DeleteBuildTaskByBuildTx(ctx, tx, b.ID); err != nil {
			return err
		}
		s.Log.Info("recovered interrupted build", "build", b.ID, "from", fromState, "to", toState)
	}
	return tx.Commit()
}

// Run consumes the event queue until it is closed. Handler errors are logged
// and the loop continues; a single bad message never stops the worker.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		ev, ok := s.Queues.Events.Get()
		if !ok {
			s.Log.Info("build event loop terminated")
			return
		}
		if err := s.handle(ctx, ev); err != nil {
			s.Log.Error("build event failed", "error", err)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, ev queue.Event) error {
	switch {
	case ev.Schedule != nil:
		return s.dispatch(ctx, *ev.Schedule)
	case ev.Started != 0:
		return s.buildStarted(ctx, ev.Started)
	case ev.Succeeded != 0:
		return s.buildSucceeded(ctx, ev.Succeeded)
	case ev.Failed != 0:
		return s.buildFailed(ctx, ev.Failed)
	case ev.NodeRegistered:
		s.Queues.Requests.Put(queue.Request{})
		return nil
	}
	return fmt.Errorf("empty build event dropped: %w", repo.ErrInvalidInput)
}

func (s *Scheduler) dispatch(ctx context.Context, job queue.Job) error {
	if err := s.Backend.Build(ctx, job); err != nil {
		return fmt.Errorf("dispatch build %d: %w", job.BuildID, err)
	}
	return nil
}

func (s *Scheduler) buildStarted(ctx context.Context, buildID int64) error {
	build, err := s.Repo.GetBuild(ctx, buildID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.Log.Error("build started for unknown build", "build", buildID)
			return nil
		}
		return err
	}
	if err := ensureBuildTransition(build.State, domain.BuildStateBuilding); err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.logToRoot(ctx, tx, build.ID, fmt.Sprintf("I: started build %d", build.ID)); err != nil {
		return err
	}
	if err := s.Repo.UpdateBuildStateTx(ctx, tx, build.ID, domain.BuildStateBuilding); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Scheduler) buildSucceeded(ctx context.Context, buildID int64) error {
	build, err := s.Repo.GetBuild(ctx, buildID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.Log.Error("build succeeded for unknown build", "build", buildID)
			return nil
		}
		return err
	}
	if err := ensureBuildTransition(build.State, domain.BuildStateSuccess); err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.logToRoot(ctx, tx, build.ID, fmt.Sprintf("I: build %d succeeded", build.ID)); err != nil {
		return err
	}
	if err := s.Repo.UpdateBuildStateTx(ctx, tx, build.ID, domain.BuildStateSuccess); err != nil {
		return err
	}
	if err := s.Repo.DeleteBuildTaskByBuildTx(ctx, tx, build.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.Queues.Commands.Put(queue.Command{Kind: queue.CmdPublish, BuildID: build.ID})
	return nil
}

func (s *Scheduler) buildFailed(ctx context.Context, buildID int64) error {
	build, err := s.Repo.GetBuild(ctx, buildID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.Log.Error("build failed for unknown build", "build", buildID)
			return nil
		}
		return err
	}
	if err := ensureBuildTransition(build.State, domain.BuildStateFailed); err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := s.logToRoot(ctx, tx, build.ID, fmt.Sprintf("E: build %d failed", build.ID)); err != nil {
		return err
	}
	if err := s.Repo.UpdateBuildStateTx(ctx, tx, build.ID, domain.BuildStateFailed); err != nil {
		return err
	}
	if err := s.Repo.DeleteBuildTaskByBuildTx(ctx, tx, build.ID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if !build.IsCI {
		s.Queues.Notifications.Put(queue.Notification{BuildID: build.ID, Reason: "build failed"})
	}
	return nil
}

// logToRoot appends a log line to the topmost ancestor of the build so the
// aggregated log of a build group stays in one place.
func (s *Scheduler) logToRoot(ctx context.Context, tx *sql.Tx, buildID int64, line string) error {
	root, err := s.Repo.RootBuildID(ctx, buildID)
	if err != nil {
		return err
	}
	return s.Logs.Append(ctx, tx, root, line)
}

// RunRequests consumes the request queue until it is closed. A request with a
// job dispatches that job directly; an empty request triggers a full
// scheduling pass.
func (s *Scheduler) RunRequests(ctx context.Context) {
	for {
		req, ok := s.Queues.Requests.Get()
		if !ok {
			s.Log.Info("scheduling loop terminated")
			return
		}
		if req.Job != nil {
			s.Queues.Events.Put(queue.Event{Schedule: req.Job})
			continue
		}
		if err := s.SchedulePass(ctx); err != nil {
			s.Log.Error("scheduling pass failed", "error", err)
		}
	}
}

// SchedulePass moves every pending package build to scheduled, creating its
// buildtask with a fresh token and enqueueing the dispatch job.
func (s *Scheduler) SchedulePass(ctx context.Context) error {
	pending, err := s.Repo.ListBuildsByState(ctx, domain.BuildStateNeedsBuild, domain.BuildKindPackage)
	if err != nil {
		return err
	}
	for _, b := range pending {
		if err := s.scheduleBuild(ctx, b); err != nil {
			s.Log.Error("schedule build failed", "build", b.ID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) scheduleBuild(ctx context.Context, build domain.Build) error {
	job, err := s.jobFor(ctx, build)
	if err != nil {
		return err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := s.Repo.InsertBuildTaskTx(ctx, tx, domain.BuildTask{BuildID: build.ID, Token: job.Token}); err != nil {
		return err
	}
	if err := s.Repo.UpdateBuildStateTx(ctx, tx, build.ID, domain.BuildStateScheduled); err != nil {
		return err
	}
	if err := s.logToRoot(ctx, tx, build.ID, fmt.Sprintf("I: build %d scheduled on %s", build.ID, build.Architecture)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.Queues.Events.Put(queue.Event{Schedule: &job})
	return nil
}

// jobFor assembles the dispatch payload: source identity from the build row,
// distribution identity from the projectversion's base mirror.
func (s *Scheduler) jobFor(ctx context.Context, build domain.Build) (queue.Job, error) {
	if build.ProjectVersionID == nil {
		return queue.Job{}, fmt.Errorf("build %d has no projectversion: %w", build.ID, repo.ErrInvalidInput)
	}
	pv, err := s.Repo.GetProjectVersion(ctx, *build.ProjectVersionID)
	if err != nil {
		return queue.Job{}, err
	}
	job := queue.Job{
		BuildID:        build.ID,
		Token:          s.NewToken(),
		Version:        build.Version,
		Architecture:   build.Architecture,
		SourceName:     build.SourceName,
		Project:        pv.ProjectName,
		ProjectVersion: pv.Name,
		Channel:        domain.ChannelStable,
	}
	if build.IsCI {
		job.Channel = domain.ChannelUnstable
	}
	if pv.BasemirrorID != nil {
		basemirror, err := s.Repo.GetProjectVersion(ctx, *pv.BasemirrorID)
		if err != nil {
			return queue.Job{}, err
		}
		job.DistName = basemirror.ProjectName
		job.DistVersion = basemirror.Name
	}
	return job, nil
}
