package graph_test

import (
	"context"
	"errors"
	"testing"

	"buildline/internal/db"
	"buildline/internal/domain"
	"buildline/internal/graph"
	"buildline/internal/migrate"
	"buildline/internal/repo"
)

type testEnv struct {
	Graph graph.Service
	Ctx   context.Context
	t     *testing.T
}

func newTestEnv(t *testing.T) testEnv {
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
	return testEnv{Graph: graph.New(conn), Ctx: context.Background(), t: t}
}

func (env testEnv) version(name string, locked bool) domain.ProjectVersion {
	env.t.Helper()
	r := env.Graph.Repo
	p, err := r.GetProjectByName(env.Ctx, "p")
	if errors.Is(err, repo.ErrNotFound) {
		id, ierr := r.InsertProject(env.Ctx, domain.Project{Name: "p", CreatedAt: "2024-01-01T00:00:00Z"})
		if ierr != nil {
			env.t.Fatalf("insert project: %v", ierr)
		}
		p = domain.Project{ID: id, Name: "p"}
	} else if err != nil {
		env.t.Fatalf("get project: %v", err)
	}
	tx, err := env.Graph.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		env.t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	pv := domain.ProjectVersion{
		ProjectID:     p.ID,
		ProjectName:   p.Name,
		Name:          name,
		Architectures: []string{"amd64"},
		IsLocked:      locked,
		CreatedAt:     "2024-01-01T00:00:00Z",
	}
	pv.ID, err = r.InsertProjectVersionTx(env.Ctx, tx, pv)
	if err != nil {
		env.t.Fatalf("insert version %s: %v", name, err)
	}
	if err := tx.Commit(); err != nil {
		env.t.Fatalf("commit: %v", err)
	}
	return pv
}

func (env testEnv) depend(pv, dep domain.ProjectVersion) {
	env.t.Helper()
	if err := env.Graph.AddDependency(env.Ctx, pv, dep); err != nil {
		env.t.Fatalf("add dependency %s -> %s: %v", pv.Name, dep.Name, err)
	}
}

func TestTransitiveDependenciesDiamond(t *testing.T) {
	env := newTestEnv(t)
	a := env.version("a", false)
	b := env.version("b", false)
	c := env.version("c", false)
	d := env.version("d", false)
	env.depend(a, b)
	env.depend(a, c)
	env.depend(b, d)
	env.depend(c, d)

	deps, err := env.Graph.TransitiveDependencies(env.Ctx, a)
	if err != nil {
		t.Fatalf("walk: %v", err)
	}
	if len(deps) != 3 {
		t.Fatalf("expected 3 unique deps, got %d", len(deps))
	}
	seen := map[int64]bool{}
	for _, pv := range deps {
		if seen[pv.ID] {
			t.Fatalf("duplicate dependency %s", pv.Name)
		}
		seen[pv.ID] = true
		if pv.ID == a.ID {
			t.Fatal("walk must not include the start version")
		}
	}
}

func TestAddDependencyRejectsSelf(t *testing.T) {
	env := newTestEnv(t)
	a := env.version("a", false)
	if err := env.Graph.AddDependency(env.Ctx, a, a); !errors.Is(err, repo.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	env := newTestEnv(t)
	a := env.version("a", false)
	b := env.version("b", false)
	c := env.version("c", false)
	env.depend(a, b)
	env.depend(b, c)
	if err := env.Graph.AddDependency(env.Ctx, c, a); !errors.Is(err, repo.ErrCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	// rejected edge leaves the graph untouched
	deps, err := env.Graph.Repo.Dependencies(env.Ctx, c.ID)
	if err != nil || len(deps) != 0 {
		t.Fatalf("deps of c = %v err = %v", deps, err)
	}
}

func TestCanLock(t *testing.T) {
	env := newTestEnv(t)
	a := env.version("a", false)
	b := env.version("b", false)
	c := env.version("c", true)
	env.depend(a, b)
	env.depend(b, c)

	ok, err := env.Graph.CanLock(env.Ctx, a)
	if err != nil || ok {
		t.Fatalf("expected not lockable, ok=%v err=%v", ok, err)
	}
	bLocked := b
	bLocked.IsLocked = true
	tx, err := env.Graph.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := env.Graph.Repo.UpdateProjectVersionFlagsTx(env.Ctx, tx, bLocked); err != nil {
		t.Fatalf("lock b: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	ok, err = env.Graph.CanLock(env.Ctx, a)
	if err != nil || !ok {
		t.Fatalf("expected lockable, ok=%v err=%v", ok, err)
	}
}

func TestRemoveDependency(t *testing.T) {
	env := newTestEnv(t)
	a := env.version("a", false)
	b := env.version("b", false)
	env.depend(a, b)
	if err := env.Graph.RemoveDependency(env.Ctx, a, b); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := env.Graph.RemoveDependency(env.Ctx, a, b); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second remove, got %v", err)
	}
}
