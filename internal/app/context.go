// Package app wires the engine pieces together for the CLI and the daemon:
// database, migrations, queues, lifecycle manager and workers.
package app

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"

	"buildline/internal/config"
	"buildline/internal/db"
	"buildline/internal/lifecycle"
	"buildline/internal/migrate"
	"buildline/internal/notify"
	"buildline/internal/queue"
	"buildline/internal/repo"
	"buildline/internal/scheduler"
)

// App bundles one fully wired engine instance.
type App struct {
	DB        *sql.DB
	Config    *config.Config
	Repo      repo.Repo
	Queues    *queue.Queues
	Lifecycle lifecycle.Manager
	Scheduler *scheduler.Scheduler
	Notify    *notify.Worker
	Log       *slog.Logger
}

// Open opens the workspace database, applies migrations and wires all
// components. The caller owns Close.
func Open(workspace string) (*App, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}
	qs := queue.NewQueues()
	a := &App{
		DB:        conn,
		Config:    cfg,
		Repo:      repo.Repo{DB: conn},
		Queues:    qs,
		Lifecycle: lifecycle.New(conn, qs.Commands),
		Notify:    notify.New(conn, qs),
		Log:       slog.Default(),
	}
	a.Scheduler = scheduler.New(conn, qs, LogBackend{Log: a.Log})
	return a, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// RunWorkers starts the event loop, the scheduling loop, the notification
// worker and the command drain, recovers interrupted builds and triggers an
// initial scheduling pass. It blocks until ctx is cancelled and the queues
// drain.
func (a *App) RunWorkers(ctx context.Context) error {
	if err := a.Scheduler.StartupRecovery(ctx); err != nil {
		return err
	}
	var wg sync.WaitGroup
	wg.Add(4)
	go func() { defer wg.Done(); a.Scheduler.Run(ctx) }()
	go func() { defer wg.Done(); a.Scheduler.RunRequests(ctx) }()
	go func() { defer wg.Done(); a.Notify.Run(ctx) }()
	go func() { defer wg.Done(); a.drainCommands() }()

	a.Queues.Requests.Put(queue.Request{})

	<-ctx.Done()
	a.Queues.CloseAll()
	wg.Wait()
	return nil
}

// drainCommands forwards repository commands to the publishing subsystem.
// Publishing runs out of process; the drain logs each command it hands off.
func (a *App) drainCommands() {
	for {
		cmd, ok := a.Queues.Commands.Get()
		if !ok {
			a.Log.Info("command loop terminated")
			return
		}
		a.Log.Info("repository command",
			"kind", string(cmd.Kind),
			"projectversion", cmd.ProjectVersionID,
			"channel", cmd.Channel,
			"build", cmd.BuildID)
	}
}

// LogBackend is the dispatch target used when no execution node backend is
// configured. It acknowledges jobs in the log so builds stay in scheduled
// until a node reports progress.
type LogBackend struct {
	Log *slog.Logger
}

func (b LogBackend) Build(ctx context.Context, job queue.Job) error {
	b.Log.Info("build dispatched",
		"build", job.BuildID,
		"source", job.SourceName,
		"version", job.Version,
		"arch", job.Architecture,
		"dist", job.DistName+"/"+job.DistVersion)
	return nil
}
