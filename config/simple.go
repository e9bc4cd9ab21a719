package simple

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/build/adapters/chroot"
	"github.com/cochaviz/kiln/internal/build/adapters/libvirt"
	"github.com/cochaviz/kiln/internal/build/description"
	"github.com/cochaviz/kiln/internal/failure"
	"github.com/cochaviz/kiln/internal/fetch"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/loopdev"
	"github.com/cochaviz/kiln/internal/mount"
	"github.com/cochaviz/kiln/internal/packaging"
	"github.com/cochaviz/kiln/internal/publish"
	"github.com/cochaviz/kiln/internal/reclaim"
	"github.com/cochaviz/kiln/internal/release"
	"github.com/cochaviz/kiln/internal/report"
	"github.com/cochaviz/kiln/internal/runner"
	"github.com/cochaviz/kiln/internal/scheduler"
	"github.com/cochaviz/kiln/internal/settings"
	"github.com/cochaviz/kiln/internal/setup"
	"github.com/cochaviz/kiln/internal/version"
)

var DefaultWorkDir = ".kiln/work"
var DefaultConnectionURI = "qemu:///system"

// Options are the command line overrides of a run.
type Options struct {
	// Tag is the triggering tag; it takes precedence over GITHUB_REF and
	// the repository.
	Tag        string
	TagFromGit bool
	// Ref is the triggering ref, usually $GITHUB_REF.
	Ref string

	Variants []string
	WorkDir  string
	Store    string

	ConnectionURI string
	// Output receives the output of external commands.
	Output io.Writer
}

// Apply overlays the command line options on cfg and validates the result.
func Apply(cfg settings.Config, opts Options) (settings.Config, error) {
	if len(opts.Variants) > 0 {
		cfg.Variants = append([]string(nil), opts.Variants...)
	}
	if opts.Store != "" {
		cfg.Publish.Store = opts.Store
	}
	if err := cfg.Validate(); err != nil {
		return cfg, failure.Wrap(failure.InvalidConfig, "config", err)
	}
	return cfg, nil
}

// ResolveTag picks the triggering tag: the explicit tag, then a release tag
// ref, then the tag at HEAD when TagFromGit is set. "" means the run was not
// triggered by a tag.
func ResolveTag(cfg settings.Config, opts Options) (string, error) {
	if opts.Tag != "" {
		return opts.Tag, nil
	}
	if trigger, tag := version.TriggerFromRef(opts.Ref); trigger == version.TriggerTag {
		return tag, nil
	}
	if opts.TagFromGit {
		return version.TagFromRepository(cfg.Root)
	}
	return "", nil
}

func workDir(cfg settings.Config, opts Options) string {
	if opts.WorkDir != "" {
		return opts.WorkDir
	}
	return cfg.Path(DefaultWorkDir)
}

// NewPipeline wires the release stages for cfg. The returned function
// releases the hypervisor connection.
func NewPipeline(ctx context.Context, cfg settings.Config, opts Options, logger *slog.Logger) (*release.Pipeline, func() error, error) {
	logger = logging.Ensure(logger).With("component", "config.simple")

	tag, err := ResolveTag(cfg, opts)
	if err != nil {
		return nil, nil, failure.Wrap(failure.InvalidConfig, "config", err)
	}

	work := workDir(cfg, opts)
	if err := os.MkdirAll(work, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create work directory: %w", err)
	}

	publishStore, err := artifacts.NewStore(ctx, cfg)
	if err != nil {
		return nil, nil, failure.Wrap(failure.InvalidConfig, "config", err)
	}

	cmdRunner := &runner.ExecRunner{Output: opts.Output}
	handoff := &artifacts.LocalArtifactStore{BaseDir: filepath.Join(work, "artifacts")}

	buildCmd, buildArgs, err := settings.SplitCommand(cfg.Commands.Build)
	if err != nil {
		return nil, nil, failure.Wrap(failure.InvalidConfig, "config", err)
	}

	uri := opts.ConnectionURI
	if uri == "" {
		uri = DefaultConnectionURI
	}
	hypervisor := &libvirt.Connection{URI: uri, Logger: logger.With("hypervisor", uri)}

	loop := loopdev.Default()
	mounter := mount.System{}

	pipeline := &release.Pipeline{
		Config:   cfg,
		Tag:      tag,
		WorkDir:  work,
		CacheDir: setup.CacheDir,
		Runner:   cmdRunner,
		Handoff:  handoff,
		Builder: &packaging.Builder{
			Runner:      cmdRunner,
			Store:       handoff,
			Command:     runner.Command{Name: buildCmd, Args: buildArgs},
			DistDir:     cfg.Artifacts.DistDir,
			PackageGlob: cfg.Artifacts.PackageGlob,
			TarballGlob: cfg.Artifacts.TarballGlob,
			Logger:      logger.With("stage", release.JobBuild),
		},
		Fetcher: &fetch.Fetcher{Logger: logger.With("stage", release.JobFetch)},
		Assembler: &build.Assembler{
			Logger: logger.With("stage", release.JobAssemble),
			Backends: map[string]build.Backend{
				description.EnvironmentChroot: {
					Preparer: &chroot.Preparer{
						Loop:    loop,
						Runner:  cmdRunner,
						Mounter: mounter,
						BaseDir: work,
						Logger:  logger.With("environment", description.EnvironmentChroot),
					},
					Driver: &chroot.Driver{
						Runner: cmdRunner,
						Logger: logger.With("environment", description.EnvironmentChroot),
					},
				},
				description.EnvironmentLibvirt: {
					Preparer: &libvirt.Preparer{
						BaseDir: work,
						Logger:  logger.With("environment", description.EnvironmentLibvirt),
					},
					Driver: &libvirt.Driver{
						Hypervisor: hypervisor,
						Links:      libvirt.NetlinkLinks{},
						Loop:       loop,
						Mounter:    mounter,
						Logger:     logger.With("environment", description.EnvironmentLibvirt),
					},
				},
			},
		},
		Reclaimer:  NewReclaimer(cfg, cmdRunner, logger),
		Compressor: &publish.Compressor{Logger: logger.With("stage", "compress")},
		Publisher: &publish.Publisher{
			Store:  publishStore,
			Logger: logger.With("stage", "publish"),
		},
		Logger: logger,
	}
	return pipeline, hypervisor.Close, nil
}

// NewReclaimer builds the reclaimer for the configured strategy.
func NewReclaimer(cfg settings.Config, r runner.Runner, logger *slog.Logger) *reclaim.Reclaimer {
	var strategy reclaim.Strategy = reclaim.Zerofree{Runner: r}
	if cfg.Image.Reclaim == "fill" {
		strategy = reclaim.Fill{Mounter: mount.System{}, FSType: "ext4"}
	}
	return &reclaim.Reclaimer{
		Loop:      loopdev.Default(),
		Strategy:  strategy,
		Partition: cfg.Image.DataPartition,
		Logger:    logging.Ensure(logger).With("stage", release.JobReclaim),
	}
}

// Observers builds the event sinks configured under reporting. A socket.io
// endpoint that cannot be reached is logged and left out. The returned
// function disconnects it.
func Observers(ctx context.Context, cfg settings.Config, logger *slog.Logger) (report.Multi, func()) {
	logger = logging.Ensure(logger)
	observers := report.Multi{&report.LogObserver{Logger: logger}}
	if cfg.Reporting.StatusFile != "" {
		observers = append(observers, &report.StatusFile{Path: cfg.Path(cfg.Reporting.StatusFile), Logger: logger})
	}

	closeFn := func() {}
	if cfg.Reporting.SocketIOURL != "" {
		sio, err := report.DialSocketIO(ctx, cfg.Reporting.SocketIOURL, cfg.Reporting.Namespace, logger)
		if err != nil {
			logger.Warn("socket.io reporting unavailable", "url", cfg.Reporting.SocketIOURL, "error", err)
		} else {
			observers = append(observers, sio)
			closeFn = sio.Close
		}
	}
	return observers, closeFn
}

// Run executes the full release graph for cfg.
func Run(ctx context.Context, cfg settings.Config, opts Options, logger *slog.Logger) (scheduler.Report, error) {
	logger = logging.Ensure(logger)

	pipeline, closeHypervisor, err := NewPipeline(ctx, cfg, opts, logger)
	if err != nil {
		return scheduler.Report{}, err
	}
	defer func() {
		if err := closeHypervisor(); err != nil {
			logger.Warn("failed to close hypervisor connection", "error", err)
		}
	}()

	graph, err := pipeline.Graph()
	if err != nil {
		return scheduler.Report{}, failure.Wrap(failure.InvalidConfig, "graph", err)
	}

	observers, closeObservers := Observers(ctx, cfg, logger)
	defer closeObservers()

	sched := &scheduler.Scheduler{
		MaxParallel: cfg.Scheduler.MaxParallel,
		Observers:   []scheduler.Observer{observers},
		Logger:      logger,
	}
	result := sched.Run(ctx, graph)
	if result.Status != scheduler.Succeeded {
		err := result.Err()
		if err == nil {
			err = errors.New("required jobs were skipped")
		}
		return result, err
	}
	return result, nil
}
