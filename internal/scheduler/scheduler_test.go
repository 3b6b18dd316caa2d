package scheduler_test

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/migrate"
	"buildline/internal/queue"
	"buildline/internal/repo"
	"buildline/internal/scheduler"
)

type fakeBackend struct {
	jobs []queue.Job
	err  error
}

func (b *fakeBackend) Build(ctx context.Context, job queue.Job) error {
	if b.err != nil {
		return b.err
	}
	b.jobs = append(b.jobs, job)
	return nil
}

type testEnv struct {
	Scheduler *scheduler.Scheduler
	Backend   *fakeBackend
	Queues    *queue.Queues
	Repo      repo.Repo
	DB        *sql.DB
	Ctx       context.Context
	pvID      int64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	qs := queue.NewQueues()
	backend := &fakeBackend{}
	s := scheduler.New(conn, qs, backend)
	s.NewToken = func() string { return "token-1" }
	env := &testEnv{Scheduler: s, Backend: backend, Queues: qs, Repo: s.Repo, DB: conn, Ctx: context.Background()}
	env.seed(t)
	return env
}

// seed creates stretch/9.6 as base mirror and testproject/1 building against it.
func (env *testEnv) seed(t *testing.T) {
	t.Helper()
	mirrorProject, err := env.Repo.InsertProject(env.Ctx, domain.Project{Name: "stretch", IsBaseMirror: true, CreatedAt: "2024-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("insert mirror project: %v", err)
	}
	mirrorPV := env.insertVersion(t, domain.ProjectVersion{
		ProjectID: mirrorProject, ProjectName: "stretch", Name: "9.6",
		Architectures: []string{"amd64"}, IsLocked: true, CreatedAt: "2024-01-01T00:00:00Z",
	})
	projectID, err := env.Repo.InsertProject(env.Ctx, domain.Project{Name: "testproject", CreatedAt: "2024-01-01T00:00:00Z"})
	if err != nil {
		t.Fatalf("insert project: %v", err)
	}
	env.pvID = env.insertVersion(t, domain.ProjectVersion{
		ProjectID: projectID, ProjectName: "testproject", Name: "1",
		BasemirrorID:  &mirrorPV,
		Architectures: []string{"amd64"}, CreatedAt: "2024-01-01T00:00:00Z",
	})
}

func (env *testEnv) insertVersion(t *testing.T, pv domain.ProjectVersion) int64 {
	t.Helper()
	tx, err := env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	id, err := env.Repo.InsertProjectVersionTx(env.Ctx, tx, pv)
	if err != nil {
		t.Fatalf("insert version: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return id
}

func (env *testEnv) newBuild(t *testing.T, state string, ci bool) domain.Build {
	t.Helper()
	b := domain.Build{
		Kind:             domain.BuildKindPackage,
		State:            state,
		IsCI:             ci,
		Version:          "1.0-1",
		SourceName:       "hello",
		Architecture:     "amd64",
		ProjectVersionID: &env.pvID,
		CreatedAt:        "2024-01-01T00:00:00Z",
	}
	id, err := env.Repo.InsertBuild(env.Ctx, b)
	if err != nil {
		t.Fatalf("insert build: %v", err)
	}
	b.ID = id
	return b
}

func (env *testEnv) addBuildTask(t *testing.T, buildID int64) {
	t.Helper()
	tx, err := env.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if _, err := env.Repo.InsertBuildTaskTx(env.Ctx, tx, domain.BuildTask{BuildID: buildID, Token: "stale"}); err != nil {
		t.Fatalf("insert buildtask: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

// runEvents closes the event queue and drains it through the scheduler.
func (env *testEnv) runEvents(t *testing.T) {
	t.Helper()
	env.Queues.Events.Close()
	env.Scheduler.Run(env.Ctx)
}

func TestSchedulePassDispatchesPendingBuild(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBuild(t, domain.BuildStateNeedsBuild, false)

	if err := env.Scheduler.SchedulePass(env.Ctx); err != nil {
		t.Fatalf("schedule pass: %v", err)
	}
	got, err := env.Repo.GetBuild(env.Ctx, b.ID)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got.State != domain.BuildStateScheduled {
		t.Fatalf("state = %s", got.State)
	}
	task, err := env.Repo.GetBuildTaskByBuild(env.Ctx, b.ID)
	if err != nil {
		t.Fatalf("get buildtask: %v", err)
	}
	if task.Token != "token-1" {
		t.Fatalf("token = %s", task.Token)
	}

	env.runEvents(t)
	if len(env.Backend.jobs) != 1 {
		t.Fatalf("expected 1 dispatch, got %d", len(env.Backend.jobs))
	}
	job := env.Backend.jobs[0]
	if job.BuildID != b.ID || job.SourceName != "hello" || job.Version != "1.0-1" {
		t.Fatalf("job = %+v", job)
	}
	if job.DistName != "stretch" || job.DistVersion != "9.6" {
		t.Fatalf("dist = %s/%s", job.DistName, job.DistVersion)
	}
	if job.Channel != domain.ChannelStable {
		t.Fatalf("channel = %s", job.Channel)
	}
}

func TestSchedulePassUsesUnstableChannelForCI(t *testing.T) {
	env := newTestEnv(t)
	env.newBuild(t, domain.BuildStateNeedsBuild, true)
	if err := env.Scheduler.SchedulePass(env.Ctx); err != nil {
		t.Fatalf("schedule pass: %v", err)
	}
	env.runEvents(t)
	if len(env.Backend.jobs) != 1 || env.Backend.jobs[0].Channel != domain.ChannelUnstable {
		t.Fatalf("jobs = %+v", env.Backend.jobs)
	}
}

func TestStartupRecovery(t *testing.T) {
	env := newTestEnv(t)
	stuck := env.newBuild(t, domain.BuildStateScheduled, false)
	env.addBuildTask(t, stuck.ID)
	interrupted := env.newBuild(t, domain.BuildStateBuilding, false)
	env.addBuildTask(t, interrupted.ID)
	done := env.newBuild(t, domain.BuildStateSuccess, false)

	if err := env.Scheduler.StartupRecovery(env.Ctx); err != nil {
		t.Fatalf("recovery: %v", err)
	}

	got, _ := env.Repo.GetBuild(env.Ctx, stuck.ID)
	if got.State != domain.BuildStateNeedsBuild {
		t.Fatalf("scheduled build recovered to %s", got.State)
	}
	got, _ = env.Repo.GetBuild(env.Ctx, interrupted.ID)
	if got.State != domain.BuildStateFailed {
		t.Fatalf("building build recovered to %s", got.State)
	}
	got, _ = env.Repo.GetBuild(env.Ctx, done.ID)
	if got.State != domain.BuildStateSuccess {
		t.Fatalf("finished build touched: %s", got.State)
	}
	for _, id := range []int64{stuck.ID, interrupted.ID} {
		if _, err := env.Repo.GetBuildTaskByBuild(env.Ctx, id); !errors.Is(err, repo.ErrNotFound) {
			t.Fatalf("buildtask for %d should be gone, got %v", id, err)
		}
	}
}

func TestStartedThenSucceeded(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBuild(t, domain.BuildStateScheduled, false)
	env.addBuildTask(t, b.ID)

	env.Queues.Events.Put(queue.Event{Started: b.ID})
	env.Queues.Events.Put(queue.Event{Succeeded: b.ID})
	env.runEvents(t)

	got, err := env.Repo.GetBuild(env.Ctx, b.ID)
	if err != nil {
		t.Fatalf("get build: %v", err)
	}
	if got.State != domain.BuildStateSuccess {
		t.Fatalf("state = %s", got.State)
	}
	if _, err := env.Repo.GetBuildTaskByBuild(env.Ctx, b.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("buildtask should be deleted, got %v", err)
	}
	cmd, ok := env.Queues.Commands.Get()
	if !ok || cmd.Kind != queue.CmdPublish || cmd.BuildID != b.ID {
		t.Fatalf("publish command = %+v ok=%v", cmd, ok)
	}
	lines, err := env.Scheduler.Logs.Lines(env.Ctx, b.ID)
	if err != nil || len(lines) != 2 {
		t.Fatalf("log lines = %v err = %v", lines, err)
	}
	if !strings.Contains(lines[0].Line, "started") {
		t.Fatalf("first line = %q", lines[0].Line)
	}
}

func TestFailedNotifiesOnlyNonCIBuilds(t *testing.T) {
	env := newTestEnv(t)
	ci := env.newBuild(t, domain.BuildStateBuilding, true)
	plain := env.newBuild(t, domain.BuildStateBuilding, false)

	env.Queues.Events.Put(queue.Event{Failed: ci.ID})
	env.Queues.Events.Put(queue.Event{Failed: plain.ID})
	env.runEvents(t)

	for _, id := range []int64{ci.ID, plain.ID} {
		got, _ := env.Repo.GetBuild(env.Ctx, id)
		if got.State != domain.BuildStateFailed {
			t.Fatalf("build %d state = %s", id, got.State)
		}
	}
	if env.Queues.Notifications.Len() != 1 {
		t.Fatalf("expected 1 notification, got %d", env.Queues.Notifications.Len())
	}
	n, _ := env.Queues.Notifications.Get()
	if n.BuildID != plain.ID {
		t.Fatalf("notification for build %d", n.BuildID)
	}
}

func TestEventsForUnknownBuildAreDropped(t *testing.T) {
	env := newTestEnv(t)
	env.Queues.Events.Put(queue.Event{Started: 4242})
	env.Queues.Events.Put(queue.Event{Succeeded: 4242})
	env.Queues.Events.Put(queue.Event{Failed: 4242})
	env.Queues.Events.Put(queue.Event{})
	env.runEvents(t)
	if env.Queues.Commands.Len() != 0 || env.Queues.Notifications.Len() != 0 {
		t.Fatal("unknown builds must not produce commands or notifications")
	}
}

func TestNodeRegisteredTriggersSchedulingPass(t *testing.T) {
	env := newTestEnv(t)
	env.Queues.Events.Put(queue.Event{NodeRegistered: true})
	env.runEvents(t)
	if env.Queues.Requests.Len() != 1 {
		t.Fatalf("expected 1 request, got %d", env.Queues.Requests.Len())
	}
}

func TestLogsRouteToRootAncestor(t *testing.T) {
	env := newTestEnv(t)
	parent := env.newBuild(t, domain.BuildStateBuilding, false)
	child := domain.Build{
		ParentID:         &parent.ID,
		Kind:             domain.BuildKindPackage,
		State:            domain.BuildStateScheduled,
		Version:          "1.0-1",
		SourceName:       "hello",
		Architecture:     "amd64",
		ProjectVersionID: &env.pvID,
		CreatedAt:        "2024-01-01T00:00:00Z",
	}
	id, err := env.Repo.InsertBuild(env.Ctx, child)
	if err != nil {
		t.Fatalf("insert child: %v", err)
	}

	env.Queues.Events.Put(queue.Event{Started: id})
	env.runEvents(t)

	lines, err := env.Scheduler.Logs.Lines(env.Ctx, parent.ID)
	if err != nil || len(lines) != 1 {
		t.Fatalf("parent log lines = %v err = %v", lines, err)
	}
	childLines, err := env.Scheduler.Logs.Lines(env.Ctx, id)
	if err != nil || len(childLines) != 0 {
		t.Fatalf("child log lines = %v err = %v", childLines, err)
	}
}

func TestDispatchFailureKeepsBuildScheduled(t *testing.T) {
	env := newTestEnv(t)
	b := env.newBuild(t, domain.BuildStateNeedsBuild, false)
	env.Backend.err = errors.New("node unreachable")

	if err := env.Scheduler.SchedulePass(env.Ctx); err != nil {
		t.Fatalf("schedule pass: %v", err)
	}
	env.runEvents(t)

	got, _ := env.Repo.GetBuild(env.Ctx, b.ID)
	if got.State != domain.BuildStateScheduled {
		t.Fatalf("state = %s", got.State)
	}
}
