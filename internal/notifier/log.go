package notifier

import (
	"context"

	"nudge/pkg/logx"
)

// Log writes each notification as a structured log line. Useful for dry runs
// and for deployments where another process tails the log.
type Log struct {
	log logx.Logger
}

func NewLog(log logx.Logger) *Log {
	return &Log{log: log.With(logx.String("comp", "notifier.log"))}
}

func (l *Log) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return failure(err)
	}
	l.log.Info("notification",
		logx.String("task", n.Task),
		logx.String("kind", n.Kind),
		logx.String("subject_kind", n.Subject.Kind),
		logx.String("subject_id", n.Subject.ID),
		logx.String("text", n.Text),
	)
	return nil
}
