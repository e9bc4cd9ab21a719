package report

import (
	"log/slog"

	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/scheduler"
)

// LogObserver writes job transitions and the run summary to a logger.
type LogObserver struct {
	Logger *slog.Logger
}

var _ scheduler.Observer = (*LogObserver)(nil)

func (o *LogObserver) JobStarted(ev scheduler.Event) {
	logging.ForJob(o.Logger, ev.Job, ev.Variant).Debug("job state", "state", ev.State)
}

func (o *LogObserver) JobFinished(ev scheduler.Event) {
	logger := logging.ForJob(o.Logger, ev.Job, ev.Variant)
	attrs := []any{"state", ev.State}
	if !ev.Started.IsZero() {
		attrs = append(attrs, "duration", ev.Finished.Sub(ev.Started))
	}
	if ev.Err != nil {
		attrs = append(attrs, "error", ev.Err)
	}
	logger.Debug("job state", attrs...)
}

func (o *LogObserver) RunFinished(r scheduler.Report) {
	logger := logging.Ensure(o.Logger)
	counts := map[scheduler.State]int{}
	for _, res := range r.Jobs {
		counts[res.State]++
	}
	attrs := []any{
		"status", r.Status,
		"succeeded", counts[scheduler.Succeeded],
		"failed", counts[scheduler.Failed],
		"skipped", counts[scheduler.Skipped],
	}
	if r.Status == scheduler.Succeeded {
		logger.Info("pipeline finished", attrs...)
		return
	}
	for _, res := range r.Failed() {
		logging.ForJob(logger, res.Name, res.Variant).Warn("job did not succeed", "state", res.State, "error", res.Error)
	}
	logger.Error("pipeline finished", attrs...)
}
