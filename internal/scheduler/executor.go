package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cochaviz/kiln/internal/logging"
)

// Scheduler runs graphs.
type Scheduler struct {
	// MaxParallel caps concurrently running jobs; zero means no limit.
	MaxParallel int
	Observers   []Observer
	Logger      *slog.Logger
}

func (s *Scheduler) logger() *slog.Logger {
	return logging.Ensure(s.Logger)
}

// execNode is the per-run state of a graph node.
type execNode struct {
	*node
	depCount atomic.Int32
	state    atomic.Int32
	skipOnce sync.Once

	// Written once by the goroutine that finishes the node, read after wg.Wait
	// or after the node's dependents were released.
	err      error
	output   any
	started  time.Time
	finished time.Time
}

type run struct {
	s      *Scheduler
	nodes  map[*node]*execNode
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	notify sync.Mutex

	groupMu     sync.Mutex
	groupCtx    map[string]context.Context
	groupCancel map[string]context.CancelCauseFunc
}

// Run executes g and returns the final state of every job. It returns once
// every job has reached a terminal state. Canceling ctx fails the running
// jobs, and everything waiting on them is skipped.
func (s *Scheduler) Run(ctx context.Context, g *Graph) Report {
	r := &run{
		s:           s,
		nodes:       make(map[*node]*execNode, len(g.nodes)),
		groupCtx:    map[string]context.Context{},
		groupCancel: map[string]context.CancelCauseFunc{},
	}
	if s.MaxParallel > 0 {
		r.sem = semaphore.NewWeighted(int64(s.MaxParallel))
	}
	for _, n := range g.nodes {
		en := &execNode{node: n}
		en.depCount.Store(int32(len(n.deps)))
		r.nodes[n] = en
	}
	for group := range g.groups {
		gctx, cancel := context.WithCancelCause(ctx)
		r.groupCtx[group] = gctx
		r.groupCancel[group] = cancel
	}
	defer func() {
		for _, cancel := range r.groupCancel {
			cancel(nil)
		}
	}()

	s.logger().Debug("starting job graph", "jobs", len(g.nodes), "max_parallel", s.MaxParallel)

	r.wg.Add(len(g.nodes))
	for _, name := range g.names {
		en := r.nodes[g.nodes[name]]
		if en.depCount.Load() == 0 {
			r.start(ctx, en)
		}
	}
	r.wg.Wait()

	report := r.report(g)
	r.notify.Lock()
	for _, o := range s.Observers {
		o.RunFinished(report)
	}
	r.notify.Unlock()
	return report
}

func (r *run) start(ctx context.Context, en *execNode) {
	go r.execute(ctx, en)
}

// errSiblingFailed marks instances canceled by a fail-fast group.
var errSiblingFailed = errors.New("sibling failed")

func (r *run) execute(ctx context.Context, en *execNode) {
	defer r.wg.Done()
	job := en.job
	logger := logging.ForJob(r.s.logger(), job.Name, job.Variant)

	jobCtx := ctx
	if job.Group != "" {
		jobCtx = r.groupCtx[job.Group]
	}

	if r.sem != nil {
		if err := r.sem.Acquire(jobCtx, 1); err != nil {
			r.fail(en, jobCtx, err, logger)
			return
		}
		defer r.sem.Release(1)
	}
	if jobCtx.Err() != nil {
		r.fail(en, jobCtx, jobCtx.Err(), logger)
		return
	}

	inputs := r.inputs(en)
	en.started = time.Now()
	en.state.Store(int32(Running))
	r.emitStarted(en)
	logger.Info("job started")

	out, err := invoke(jobCtx, job.Run, inputs)
	en.finished = time.Now()

	if err != nil {
		r.fail(en, jobCtx, err, logger)
		return
	}

	en.output = out
	en.state.Store(int32(Succeeded))
	logger.Info("job succeeded", "duration", en.finished.Sub(en.started))
	r.emitFinished(en)

	for _, dependent := range en.dependents {
		d := r.nodes[dependent]
		if d.depCount.Add(-1) == 0 {
			r.start(ctx, d)
		}
	}
}

// fail records a failure. Jobs stopped by a failed fail-fast sibling are
// recorded as skipped.
func (r *run) fail(en *execNode, jobCtx context.Context, err error, logger *slog.Logger) {
	if en.finished.IsZero() {
		en.finished = time.Now()
	}

	if cause := context.Cause(jobCtx); errors.Is(cause, errSiblingFailed) && errors.Is(err, context.Canceled) {
		en.err = cause
		en.state.Store(int32(Skipped))
		logger.Warn("job skipped", "reason", cause)
	} else {
		en.err = err
		en.state.Store(int32(Failed))
		logger.Error("job failed", "error", err)
		if en.job.FailFast && en.job.Group != "" {
			r.groupCancel[en.job.Group](fmt.Errorf("%w: %s", errSiblingFailed, en.job.Name))
		}
	}
	r.emitFinished(en)
	r.skipDependents(en)
}

// skipDependents marks everything downstream of en skipped. Those jobs have
// at least one unfinished dependency, so none of them has started.
func (r *run) skipDependents(en *execNode) {
	for _, dependent := range en.dependents {
		d := r.nodes[dependent]
		d.skipOnce.Do(func() {
			d.err = fmt.Errorf("skipped: upstream job %q did not succeed", en.job.Name)
			d.state.Store(int32(Skipped))
			d.finished = time.Now()
			logging.ForJob(r.s.logger(), d.job.Name, d.job.Variant).Warn("job skipped", "upstream", en.job.Name)
			r.emitFinished(d)
			r.wg.Done()
			r.skipDependents(d)
		})
	}
}

func (r *run) inputs(en *execNode) Inputs {
	outputs := make(map[string]any, len(en.needs))
	for need, targets := range en.needs {
		if len(targets) == 1 && targets[0].job.Name == need {
			outputs[need] = r.nodes[targets[0]].output
			continue
		}
		group := make(map[string]any, len(targets))
		for _, t := range targets {
			group[t.job.Name] = r.nodes[t].output
		}
		outputs[need] = group
	}
	return Inputs{job: en.job.Name, variant: en.job.Variant, outputs: outputs}
}

func invoke(ctx context.Context, fn JobFunc, in Inputs) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return fn(ctx, in)
}

func (r *run) event(en *execNode) Event {
	return Event{
		Job:      en.job.Name,
		Group:    en.job.Group,
		Variant:  en.job.Variant,
		State:    State(en.state.Load()),
		Err:      en.err,
		Started:  en.started,
		Finished: en.finished,
	}
}

func (r *run) emitStarted(en *execNode) {
	r.notify.Lock()
	defer r.notify.Unlock()
	ev := r.event(en)
	for _, o := range r.s.Observers {
		o.JobStarted(ev)
	}
}

func (r *run) emitFinished(en *execNode) {
	r.notify.Lock()
	defer r.notify.Unlock()
	ev := r.event(en)
	for _, o := range r.s.Observers {
		o.JobFinished(ev)
	}
}
