// Package notify runs the notification worker. Delivery targets (mail,
// chat hooks) live outside this process; the worker resolves build context
// and records what would be sent.
package notify

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"buildline/internal/queue"
	"buildline/internal/repo"
)

type Worker struct {
	DB     *sql.DB
	Repo   repo.Repo
	Queues *queue.Queues
	Log    *slog.Logger
}

func New(db *sql.DB, qs *queue.Queues) *Worker {
	return &Worker{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Queues: qs,
		Log:    slog.Default(),
	}
}

// Run consumes the notification queue until it is closed. A malformed
// message is logged and skipped.
func (w *Worker) Run(ctx context.Context) {
	for {
		n, ok := w.Queues.Notifications.Get()
		if !ok {
			w.Log.Info("notification loop terminated")
			return
		}
		if err := w.deliver(ctx, n); err != nil {
			w.Log.Error("notification failed", "build", n.BuildID, "error", err)
		}
	}
}

func (w *Worker) deliver(ctx context.Context, n queue.Notification) error {
	build, err := w.Repo.GetBuild(ctx, n.BuildID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			w.Log.Error("notification for unknown build", "build", n.BuildID)
			return nil
		}
		return err
	}
	w.Log.Info("build notification",
		"build", build.ID,
		"source", build.SourceName,
		"version", build.Version,
		"state", build.State,
		"reason", n.Reason)
	return nil
}
