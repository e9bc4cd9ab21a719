package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(out any) JobFunc {
	return func(context.Context, Inputs) (any, error) { return out, nil }
}

func failing(msg string) JobFunc {
	return func(context.Context, Inputs) (any, error) { return nil, errors.New(msg) }
}

type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	finished map[string]State
	reports  int
}

func (o *recordingObserver) JobStarted(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, ev.Job)
}

func (o *recordingObserver) JobFinished(ev Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished == nil {
		o.finished = map[string]State{}
	}
	o.finished[ev.Job] = ev.State
}

func (o *recordingObserver) RunFinished(Report) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports++
}

func states(r Report) map[string]State {
	out := make(map[string]State, len(r.Jobs))
	for name, res := range r.Jobs {
		out[name] = res.State
	}
	return out
}

func TestNewGraphRejectsInvalidGraphs(t *testing.T) {
	tests := []struct {
		name string
		jobs []Job
		want string
	}{
		{
			name: "unknown dependency",
			jobs: []Job{{Name: "a", Needs: []string{"missing"}, Run: ok(nil)}},
			want: `unknown dependency "missing"`,
		},
		{
			name: "duplicate",
			jobs: []Job{{Name: "a", Run: ok(nil)}, {Name: "a", Run: ok(nil)}},
			want: `duplicate job "a"`,
		},
		{
			name: "cycle",
			jobs: []Job{
				{Name: "a", Needs: []string{"b"}, Run: ok(nil)},
				{Name: "b", Needs: []string{"a"}, Run: ok(nil)},
			},
			want: "a -> b -> a",
		},
		{
			name: "self dependency",
			jobs: []Job{{Name: "a", Needs: []string{"a"}, Run: ok(nil)}},
			want: "a -> a",
		},
		{
			name: "missing run",
			jobs: []Job{{Name: "a"}},
			want: "no run function",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph(tt.jobs...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := NewGraph(
		Job{Name: "a", Needs: []string{"b"}, Run: ok(nil)},
		Job{Name: "b", Needs: []string{"a"}, Run: ok(nil)},
	)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestOrderIsTopological(t *testing.T) {
	g, err := NewGraph(
		Job{Name: "test", Needs: []string{"install"}, Run: ok(nil)},
		Job{Name: "build", Needs: []string{"install"}, Run: ok(nil)},
		Job{Name: "install", Run: ok(nil)},
		Job{Name: "publish", Needs: []string{"build", "test"}, Run: ok(nil)},
	)
	require.NoError(t, err)

	want := []string{"install", "build", "test", "publish"}
	if diff := cmp.Diff(want, g.Order()); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"build", "test"}, g.Dependencies("publish"))
}

func TestRunPassesOutputsAlongEdges(t *testing.T) {
	g, err := NewGraph(
		Job{Name: "version", Run: ok("1.2.3")},
		Job{Name: "build", Run: ok("dist/app.whl")},
		Job{Name: "publish", Needs: []string{"version", "build"}, Run: func(_ context.Context, in Inputs) (any, error) {
			v, err := Input[string](in, "version")
			if err != nil {
				return nil, err
			}
			b, err := Input[string](in, "build")
			if err != nil {
				return nil, err
			}
			return v + ":" + b, nil
		}},
	)
	require.NoError(t, err)

	report := (&Scheduler{}).Run(context.Background(), g)

	assert.Equal(t, Succeeded, report.Status)
	assert.Equal(t, "1.2.3:dist/app.whl", report.Jobs["publish"].Output)
	assert.NoError(t, report.Err())
}

func TestInputsOnlyExposeDeclaredDependencies(t *testing.T) {
	var getErr error
	g, err := NewGraph(
		Job{Name: "secret", Run: ok("s3cr3t")},
		Job{Name: "build", Run: ok("pkg")},
		Job{Name: "consumer", Needs: []string{"build"}, Run: func(_ context.Context, in Inputs) (any, error) {
			_, getErr = in.Get("secret")
			_, typeErr := Input[int](in, "build")
			return nil, typeErr
		}},
	)
	require.NoError(t, err)

	report := (&Scheduler{}).Run(context.Background(), g)

	require.Error(t, getErr)
	assert.Contains(t, getErr.Error(), `does not depend on "secret"`)
	assert.Equal(t, Failed, report.Jobs["consumer"].State)
	assert.Contains(t, report.Jobs["consumer"].Error, "not int")
}

func TestFailureSkipsDownstreamOnly(t *testing.T) {
	var ran atomic.Int32
	counting := func(context.Context, Inputs) (any, error) {
		ran.Add(1)
		return nil, nil
	}

	g, err := NewGraph(
		Job{Name: "install", Run: ok(nil)},
		Job{Name: "lint", Needs: []string{"install"}, Run: failing("lint errors")},
		Job{Name: "gate", Needs: []string{"lint"}, Run: counting},
		Job{Name: "release", Needs: []string{"gate", "test"}, Run: counting},
		Job{Name: "test", Needs: []string{"install"}, Run: ok(nil)},
	)
	require.NoError(t, err)

	obs := &recordingObserver{}
	report := (&Scheduler{Observers: []Observer{obs}}).Run(context.Background(), g)

	want := map[string]State{
		"install": Succeeded,
		"lint":    Failed,
		"gate":    Skipped,
		"release": Skipped,
		"test":    Succeeded,
	}
	if diff := cmp.Diff(want, states(report)); diff != "" {
		t.Fatalf("states mismatch (-want +got):\n%s", diff)
	}
	assert.Zero(t, ran.Load())
	assert.Equal(t, Failed, report.Status)
	assert.EqualError(t, report.Err(), "lint errors")
	assert.Equal(t, want, obs.finished)
	assert.NotContains(t, obs.started, "gate")
	assert.Equal(t, 1, obs.reports)
}

func TestOptionalFailureKeepsRunGreen(t *testing.T) {
	g, err := NewGraph(
		Job{Name: "test", Run: ok(nil)},
		Job{Name: "reports", Needs: []string{"test"}, Run: failing("upload failed"), Optional: true},
	)
	require.NoError(t, err)

	report := (&Scheduler{}).Run(context.Background(), g)

	assert.Equal(t, Succeeded, report.Status)
	assert.Equal(t, Failed, report.Jobs["reports"].State)
	assert.NoError(t, report.Err())
}

func TestMatrixIsolatesVariants(t *testing.T) {
	jobs := Matrix("image", []string{"lite", "full"}, false,
		Job{Name: "fetch", Run: func(_ context.Context, in Inputs) (any, error) {
			if in.Variant() == "full" {
				return nil, errors.New("checksum mismatch")
			}
			return "base-" + in.Variant(), nil
		}},
		Job{Name: "assemble", Needs: []string{"fetch", "build"}, Run: func(_ context.Context, in Inputs) (any, error) {
			base, err := Input[string](in, "fetch")
			if err != nil {
				return nil, err
			}
			return base + "+pkg", nil
		}},
	)
	jobs = append(jobs,
		Job{Name: "build", Run: ok("pkg")},
		Job{Name: "summary", Needs: []string{"image"}, Run: ok(nil)},
	)
	g, err := NewGraph(jobs...)
	require.NoError(t, err)

	report := (&Scheduler{}).Run(context.Background(), g)

	want := map[string]State{
		"build":           Succeeded,
		"fetch (lite)":    Succeeded,
		"assemble (lite)": Succeeded,
		"fetch (full)":    Failed,
		"assemble (full)": Skipped,
		"summary":         Skipped,
	}
	if diff := cmp.Diff(want, states(report)); diff != "" {
		t.Fatalf("states mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "base-lite+pkg", report.Jobs["assemble (lite)"].Output)
	assert.Equal(t, "lite", report.Jobs["assemble (lite)"].Variant)
	assert.Equal(t, "image", report.Jobs["assemble (lite)"].Group)
	assert.Equal(t, Failed, report.Status)
}

func TestGroupNeedCollectsInstanceOutputs(t *testing.T) {
	jobs := Matrix("image", []string{"lite", "full"}, false,
		Job{Name: "fetch", Run: func(_ context.Context, in Inputs) (any, error) { return in.Variant(), nil }},
	)
	var got map[string]any
	jobs = append(jobs, Job{Name: "summary", Needs: []string{"image"}, Run: func(_ context.Context, in Inputs) (any, error) {
		var err error
		got, err = Input[map[string]any](in, "image")
		return nil, err
	}})
	g, err := NewGraph(jobs...)
	require.NoError(t, err)

	report := (&Scheduler{}).Run(context.Background(), g)

	require.Equal(t, Succeeded, report.Status)
	assert.Equal(t, map[string]any{"fetch (lite)": "lite", "fetch (full)": "full"}, got)
}

func TestFailFastCancelsSiblings(t *testing.T) {
	jobs := Matrix("image", []string{"lite", "full"}, true,
		Job{Name: "fetch", Run: func(ctx context.Context, in Inputs) (any, error) {
			if in.Variant() == "full" {
				return nil, errors.New("download failed")
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return nil, errors.New("sibling was not canceled")
			}
		}},
	)
	g, err := NewGraph(jobs...)
	require.NoError(t, err)

	report := (&Scheduler{}).Run(context.Background(), g)

	assert.Equal(t, Failed, report.Jobs["fetch (full)"].State)
	assert.Equal(t, Skipped, report.Jobs["fetch (lite)"].State)
	assert.Contains(t, report.Jobs["fetch (lite)"].Error, "sibling failed")
	assert.EqualError(t, report.Err(), "download failed")
}

func TestMaxParallelCapsConcurrency(t *testing.T) {
	var running, peak atomic.Int32
	slow := func(context.Context, Inputs) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil, nil
	}

	var jobs []Job
	for _, name := range []string{"a", "b", "c", "d", "e", "f"} {
		jobs = append(jobs, Job{Name: name, Run: slow})
	}
	g, err := NewGraph(jobs...)
	require.NoError(t, err)

	report := (&Scheduler{MaxParallel: 2}).Run(context.Background(), g)

	assert.Equal(t, Succeeded, report.Status)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPanicBecomesFailure(t *testing.T) {
	g, err := NewGraph(Job{Name: "boom", Run: func(context.Context, Inputs) (any, error) {
		panic("kaboom")
	}})
	require.NoError(t, err)

	report := (&Scheduler{}).Run(context.Background(), g)

	assert.Equal(t, Failed, report.Jobs["boom"].State)
	assert.Contains(t, report.Jobs["boom"].Error, "kaboom")
}

func TestCanceledContextFailsRunningJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	g, err := NewGraph(
		Job{Name: "long", Run: func(ctx context.Context, _ Inputs) (any, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		}},
		Job{Name: "after", Needs: []string{"long"}, Run: ok(nil)},
	)
	require.NoError(t, err)

	report := (&Scheduler{}).Run(ctx, g)

	assert.Equal(t, Failed, report.Jobs["long"].State)
	assert.Equal(t, Skipped, report.Jobs["after"].State)
	assert.ErrorIs(t, report.Err(), context.Canceled)
}
