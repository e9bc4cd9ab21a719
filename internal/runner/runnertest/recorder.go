// Package runnertest provides a scripted runner.Runner for tests.
package runnertest

import (
	"context"
	"sync"

	"github.com/cochaviz/kiln/internal/runner"
)

// Handler fakes the outcome of one command.
type Handler func(cmd runner.Command) (runner.Result, error)

// Recorder records every command and answers through Handlers keyed by
// command name. Commands without a handler succeed with empty output.
type Recorder struct {
	Handlers map[string]Handler

	mu       sync.Mutex
	commands []runner.Command
}

var _ runner.Runner = (*Recorder)(nil)

// Run records cmd and dispatches it.
func (r *Recorder) Run(_ context.Context, cmd runner.Command) (runner.Result, error) {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	handler := r.Handlers[cmd.Name]
	r.mu.Unlock()

	if handler == nil {
		return runner.Result{}, nil
	}
	return handler(cmd)
}

// Commands returns a copy of the recorded commands.
func (r *Recorder) Commands() []runner.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]runner.Command(nil), r.commands...)
}

// Names returns the recorded command names in order.
func (r *Recorder) Names() []string {
	cmds := r.Commands()
	names := make([]string, len(cmds))
	for i, cmd := range cmds {
		names[i] = cmd.Name
	}
	return names
}
