// Package notify delivers at-risk alerts once they are committed.
package notify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ruteri/apas-records-backend/interfaces"
)

// LogNotifier writes one structured log line per alert. The subject is
// identified by a truncated digest only.
type LogNotifier struct {
	log *slog.Logger
}

var _ interfaces.Notifier = (*LogNotifier)(nil)

func NewLogNotifier(log *slog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

func (n *LogNotifier) NotifyAlert(ctx context.Context, a interfaces.AlertNotification) error {
	n.log.WarnContext(ctx, "Student at risk",
		slog.Int64("alertID", a.AlertID),
		slog.Int64("recordID", a.RecordID),
		slog.String("subject", a.SubjectDigest.Short()),
		slog.Float64("riskScore", a.RiskScore),
		slog.String("course", a.Course),
		slog.String("instructor", a.Owner))
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []interfaces.Notifier

var _ interfaces.Notifier = Fanout(nil)

func (f Fanout) NotifyAlert(ctx context.Context, a interfaces.AlertNotification) error {
	var errs []error
	for _, n := range f {
		if err := n.NotifyAlert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
