// Package report turns scheduler events into logs, a status file and live
// Socket.IO notifications.
package report

import (
	"github.com/cochaviz/kiln/internal/scheduler"
)

// Multi fans events out to several observers in order.
type Multi []scheduler.Observer

var _ scheduler.Observer = Multi(nil)

func (m Multi) JobStarted(ev scheduler.Event) {
	for _, o := range m {
		o.JobStarted(ev)
	}
}

func (m Multi) JobFinished(ev scheduler.Event) {
	for _, o := range m {
		o.JobFinished(ev)
	}
}

func (m Multi) RunFinished(r scheduler.Report) {
	for _, o := range m {
		o.RunFinished(r)
	}
}

// JobStatus is the serialised form of a job event.
type JobStatus struct {
	Job        string  `json:"job"`
	Group      string  `json:"group,omitempty"`
	Variant    string  `json:"variant,omitempty"`
	State      string  `json:"state"`
	Error      string  `json:"error,omitempty"`
	Optional   bool    `json:"optional,omitempty"`
	Started    string  `json:"started,omitempty"`
	Finished   string  `json:"finished,omitempty"`
	DurationMS float64 `json:"duration_ms,omitempty"`
}

const timeLayout = "2006-01-02T15:04:05.000Z07:00"

func statusFromEvent(ev scheduler.Event) JobStatus {
	s := JobStatus{
		Job:     ev.Job,
		Group:   ev.Group,
		Variant: ev.Variant,
		State:   ev.State.String(),
	}
	if ev.Err != nil {
		s.Error = ev.Err.Error()
	}
	if !ev.Started.IsZero() {
		s.Started = ev.Started.UTC().Format(timeLayout)
	}
	if !ev.Finished.IsZero() {
		s.Finished = ev.Finished.UTC().Format(timeLayout)
		if !ev.Started.IsZero() {
			s.DurationMS = float64(ev.Finished.Sub(ev.Started).Microseconds()) / 1000
		}
	}
	return s
}

func statusFromResult(res scheduler.JobResult) JobStatus {
	s := statusFromEvent(scheduler.Event{
		Job:      res.Name,
		Group:    res.Group,
		Variant:  res.Variant,
		State:    res.State,
		Err:      res.Err,
		Started:  res.Started,
		Finished: res.Finished,
	})
	s.Optional = res.Optional
	return s
}
