package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// State is the lifecycle state of a job.
type State int32

const (
	Pending State = iota
	Running
	Succeeded
	Failed
	Skipped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalText renders the state name in reports.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether s is a final state.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Skipped
}

// JobFunc is the body of a job. The returned value becomes the job's output.
type JobFunc func(ctx context.Context, in Inputs) (any, error)

// Job is a named unit of work.
type Job struct {
	Name string
	// Needs names jobs or matrix groups that must succeed first.
	Needs []string
	Run   JobFunc
	// Optional jobs may fail or be skipped without failing the run.
	Optional bool

	// Group and Variant are set on matrix instances.
	Group   string
	Variant string
	// FailFast cancels the rest of the group after the first failure.
	FailFast bool
}

// Inputs exposes the outputs of a job's declared dependencies.
type Inputs struct {
	job     string
	variant string
	outputs map[string]any
}

// Job returns the name of the running job.
func (in Inputs) Job() string { return in.job }

// Variant returns the matrix variant of the running job, or "".
func (in Inputs) Variant() string { return in.variant }

// Get returns the output of a declared dependency. Inside a matrix instance a
// template name resolves to the same-variant instance. A group name yields a
// map of instance name to output.
func (in Inputs) Get(name string) (any, error) {
	if v, ok := in.outputs[name]; ok {
		return v, nil
	}
	if in.variant != "" {
		if v, ok := in.outputs[InstanceName(name, in.variant)]; ok {
			return v, nil
		}
	}
	declared := make([]string, 0, len(in.outputs))
	for k := range in.outputs {
		declared = append(declared, k)
	}
	return nil, fmt.Errorf("job %q does not depend on %q (declared: %s)", in.job, name, strings.Join(sortedStrings(declared), ", "))
}

// Input returns a dependency's output as T.
func Input[T any](in Inputs, name string) (T, error) {
	var zero T
	v, err := in.Get(name)
	if err != nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("output of %q is %T, not %T", name, v, zero)
	}
	return typed, nil
}

// Event is emitted when a job starts or reaches a terminal state.
type Event struct {
	Job      string
	Group    string
	Variant  string
	State    State
	Err      error
	Started  time.Time
	Finished time.Time
}

// Observer receives job events. Calls are serialised by the scheduler.
type Observer interface {
	JobStarted(Event)
	JobFinished(Event)
	RunFinished(Report)
}
