package scheduler

import (
	"errors"
	"time"
)

// JobResult is the final record of one job.
type JobResult struct {
	Name     string        `json:"name"`
	Group    string        `json:"group,omitempty"`
	Variant  string        `json:"variant,omitempty"`
	State    State         `json:"state"`
	Err      error         `json:"-"`
	Error    string        `json:"error,omitempty"`
	Optional bool          `json:"optional,omitempty"`
	Started  time.Time     `json:"started,omitzero"`
	Finished time.Time     `json:"finished,omitzero"`
	Duration time.Duration `json:"duration_ns,omitempty"`
	Output   any           `json:"-"`
}

// Report summarises a finished run.
type Report struct {
	// Status is Succeeded unless a required job failed or was skipped.
	Status State                `json:"status"`
	Jobs   map[string]JobResult `json:"jobs"`
	// Order lists the job names in a topological order.
	Order []string `json:"order"`
}

// Results returns the job results in Order.
func (r Report) Results() []JobResult {
	out := make([]JobResult, 0, len(r.Order))
	for _, name := range r.Order {
		out = append(out, r.Jobs[name])
	}
	return out
}

// Failed returns the results of required jobs that did not succeed.
func (r Report) Failed() []JobResult {
	var out []JobResult
	for _, res := range r.Results() {
		if !res.Optional && res.State != Succeeded {
			out = append(out, res)
		}
	}
	return out
}

// Err joins the errors of the required jobs that failed. Skipped jobs are
// left out since their cause is already reported upstream.
func (r Report) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		if res.State == Failed && res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

func (r *run) report(g *Graph) Report {
	report := Report{
		Status: Succeeded,
		Jobs:   make(map[string]JobResult, len(g.nodes)),
		Order:  g.Order(),
	}
	for name, n := range g.nodes {
		en := r.nodes[n]
		res := JobResult{
			Name:     name,
			Group:    n.job.Group,
			Variant:  n.job.Variant,
			State:    State(en.state.Load()),
			Err:      en.err,
			Optional: n.job.Optional,
			Started:  en.started,
			Finished: en.finished,
			Output:   en.output,
		}
		if en.err != nil {
			res.Error = en.err.Error()
		}
		if !en.started.IsZero() && !en.finished.IsZero() {
			res.Duration = en.finished.Sub(en.started)
		}
		if !res.Optional && res.State != Succeeded {
			report.Status = Failed
		}
		report.Jobs[name] = res
	}
	return report
}
