// Package release assembles the release job graph from the pipeline
// configuration and the stage implementations.
package release

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/diskimage"
	"github.com/cochaviz/kiln/internal/failure"
	"github.com/cochaviz/kiln/internal/fetch"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/packaging"
	"github.com/cochaviz/kiln/internal/publish"
	"github.com/cochaviz/kiln/internal/runner"
	"github.com/cochaviz/kiln/internal/scheduler"
	"github.com/cochaviz/kiln/internal/settings"
	"github.com/cochaviz/kiln/internal/variant"
	"github.com/cochaviz/kiln/internal/version"
)

// Job and group names of the release graph.
const (
	JobInstall          = "install"
	JobVersion          = "version"
	JobBuild            = "build"
	JobLint             = "lint"
	JobTypecheck        = "typecheck"
	JobTest             = "test"
	GroupImage          = "image"
	JobFetch            = "fetch"
	JobAssemble         = "assemble"
	JobReclaim          = "reclaim"
	JobPublishImage     = "publish-image"
	JobPublishArtifacts = "publish-artifacts"
	JobPublishReports   = "publish-reports"
)

// ArtifactBuilder produces the package archive and the source tarball.
type ArtifactBuilder interface {
	Build(ctx context.Context, dir string) (packaging.BuildArtifacts, error)
}

// ImageFetcher downloads and verifies a variant's base image.
type ImageFetcher interface {
	Fetch(ctx context.Context, src variant.Source, dir string) (fetch.BaseImage, error)
}

// ImageAssembler provisions a variant's image.
type ImageAssembler interface {
	Assemble(ctx context.Context, req build.AssemblyRequest) (diskimage.DiskImage, error)
}

// SpaceReclaimer zero-fills an image's free blocks.
type SpaceReclaimer interface {
	Reclaim(ctx context.Context, img diskimage.DiskImage) (diskimage.DiskImage, error)
}

// ImageCompressor produces the distributable image.
type ImageCompressor interface {
	Compress(ctx context.Context, img diskimage.DiskImage, naming publish.Naming, outDir string) (publish.Compressed, error)
}

// OutputPublisher publishes release outputs to the external store.
type OutputPublisher interface {
	PublishImage(ctx context.Context, c publish.Compressed, v version.ReleaseVersion) (publish.PublishedImage, error)
	PublishBuildArtifacts(ctx context.Context, handoff artifacts.ArtifactStore, v version.ReleaseVersion) ([]artifacts.Artifact, error)
	PublishReports(ctx context.Context, root, workDir string, reports []publish.Report, v version.ReleaseVersion) ([]artifacts.Artifact, error)
}

// Pipeline binds the configuration to the stages of one run.
type Pipeline struct {
	Config settings.Config
	// Tag is the triggering tag; empty for runs not triggered by a tag.
	Tag string
	// WorkDir holds per-run intermediate files.
	WorkDir string
	// CacheDir holds base image downloads; empty selects <WorkDir>/cache.
	CacheDir string

	Runner     runner.Runner
	Handoff    artifacts.ArtifactStore
	Builder    ArtifactBuilder
	Fetcher    ImageFetcher
	Assembler  ImageAssembler
	Reclaimer  SpaceReclaimer
	Compressor ImageCompressor
	Publisher  OutputPublisher

	Logger *slog.Logger
}

func (p *Pipeline) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Graph builds and validates the release graph.
func (p *Pipeline) Graph() (*scheduler.Graph, error) {
	return scheduler.NewGraph(p.Jobs()...)
}

// Jobs returns the release jobs. The image jobs are expanded once per
// configured variant; every publish job needs the version so a mismatch
// stops all publishing.
func (p *Pipeline) Jobs() []scheduler.Job {
	jobs := []scheduler.Job{
		{Name: JobInstall, Run: p.command(p.Config.Commands.Install)},
		{Name: JobVersion, Needs: []string{JobInstall}, Run: p.resolveVersion},
		{Name: JobBuild, Needs: []string{JobInstall}, Run: p.build},
		{Name: JobLint, Needs: []string{JobInstall}, Run: p.command(p.Config.Commands.Lint)},
		{Name: JobTypecheck, Needs: []string{JobInstall}, Run: p.command(p.Config.Commands.Typecheck)},
		{Name: JobTest, Needs: []string{JobInstall}, Run: p.command(p.Config.Commands.Test)},
	}

	jobs = append(jobs, scheduler.Matrix(GroupImage, p.Config.Variants, p.Config.Scheduler.FailFast,
		scheduler.Job{Name: JobFetch, Needs: []string{JobInstall}, Run: p.fetch},
		scheduler.Job{Name: JobAssemble, Needs: []string{JobFetch, JobBuild, JobVersion}, Run: p.assemble},
		scheduler.Job{Name: JobReclaim, Needs: []string{JobAssemble}, Run: p.reclaim},
		scheduler.Job{Name: JobPublishImage, Needs: []string{JobReclaim, JobVersion}, Run: p.publishImage},
	)...)

	jobs = append(jobs,
		scheduler.Job{Name: JobPublishArtifacts, Needs: []string{JobBuild, JobVersion}, Run: p.publishArtifacts},
		scheduler.Job{Name: JobPublishReports, Needs: []string{JobTest, JobVersion}, Run: p.publishReports, Optional: true},
	)
	return jobs
}

func (p *Pipeline) jobLogger(in scheduler.Inputs) *slog.Logger {
	return logging.ForJob(p.logger(), in.Job(), in.Variant())
}

// command runs a configured command line in the source tree. An empty line
// succeeds without running anything.
func (p *Pipeline) command(line string) scheduler.JobFunc {
	return func(ctx context.Context, in scheduler.Inputs) (any, error) {
		logger := p.jobLogger(in)
		name, args, err := settings.SplitCommand(line)
		if err != nil {
			return nil, failure.Wrap(failure.InvalidConfig, in.Job(), err)
		}
		if name == "" {
			logger.Info("no command configured")
			return nil, nil
		}
		if p.Runner == nil {
			return nil, failure.New(failure.InvalidConfig, in.Job(), "no command runner configured")
		}

		cmd := runner.Command{Name: name, Args: args, Dir: p.Config.Root}
		logger.Info("running command", "command", cmd.String())
		if _, err := p.Runner.Run(ctx, cmd); err != nil {
			return nil, failure.Wrap(failure.ExecutionFailed, in.Job(), err)
		}
		return nil, nil
	}
}

func (p *Pipeline) resolveVersion(_ context.Context, in scheduler.Inputs) (any, error) {
	v, err := version.Resolve(version.Sources{
		Manifest:  p.Config.Path(p.Config.Package.Manifest),
		Changelog: p.Config.Path(p.Config.Package.Changelog),
		Tag:       p.Tag,
	})
	if err != nil {
		return nil, err
	}
	p.jobLogger(in).Info("release version resolved", "version", v.String(), "tagged", p.Tag != "")
	return v, nil
}

func (p *Pipeline) build(ctx context.Context, _ scheduler.Inputs) (any, error) {
	if p.Builder == nil {
		return nil, failure.New(failure.InvalidConfig, JobBuild, "no artifact builder configured")
	}
	return p.Builder.Build(ctx, p.Config.Root)
}

func (p *Pipeline) source(name string) (variant.Source, error) {
	src, err := variant.Resolve(name, variant.ImageSettings{
		URLTemplate:         p.Config.Image.URL,
		ChecksumURLTemplate: p.Config.Image.ChecksumURL,
		Arch:                p.Config.Image.Arch,
		Codename:            p.Config.Image.Codename,
		Sizes:               variant.Table(p.Config.Sizes),
	})
	if err != nil {
		return variant.Source{}, failure.Wrap(failure.InvalidConfig, JobFetch, err)
	}
	return src, nil
}

func (p *Pipeline) cacheDir() string {
	if p.CacheDir != "" {
		return p.CacheDir
	}
	return filepath.Join(p.WorkDir, "cache")
}

func (p *Pipeline) fetch(ctx context.Context, in scheduler.Inputs) (any, error) {
	if p.Fetcher == nil {
		return nil, failure.New(failure.InvalidConfig, JobFetch, "no image fetcher configured")
	}
	src, err := p.source(in.Variant())
	if err != nil {
		return nil, err
	}
	p.jobLogger(in).Info("fetching base image", "url", src.ImageURL, "target_size", src.TargetSizeBytes)
	return p.Fetcher.Fetch(ctx, src, p.cacheDir())
}

func (p *Pipeline) assemble(ctx context.Context, in scheduler.Inputs) (any, error) {
	if p.Assembler == nil {
		return nil, failure.New(failure.InvalidConfig, JobAssemble, "no image assembler configured")
	}
	base, err := scheduler.Input[fetch.BaseImage](in, JobFetch)
	if err != nil {
		return nil, err
	}
	built, err := scheduler.Input[packaging.BuildArtifacts](in, JobBuild)
	if err != nil {
		return nil, err
	}
	v, err := scheduler.Input[version.ReleaseVersion](in, JobVersion)
	if err != nil {
		return nil, err
	}
	src, err := p.source(in.Variant())
	if err != nil {
		return nil, err
	}

	return p.Assembler.Assemble(ctx, build.AssemblyRequest{
		Source:          src,
		BaseImage:       base,
		Artifacts:       built,
		Version:         v.String(),
		Arch:            p.Config.Image.Arch,
		Codename:        p.Config.Image.Codename,
		OutputDir:       filepath.Join(p.WorkDir, "images"),
		DescriptionPath: p.Config.Path(p.Config.Image.Description),
	})
}

func (p *Pipeline) reclaim(ctx context.Context, in scheduler.Inputs) (any, error) {
	if p.Reclaimer == nil {
		return nil, failure.New(failure.InvalidConfig, JobReclaim, "no space reclaimer configured")
	}
	img, err := scheduler.Input[diskimage.DiskImage](in, JobAssemble)
	if err != nil {
		return nil, err
	}
	return p.Reclaimer.Reclaim(ctx, img)
}

func (p *Pipeline) publishImage(ctx context.Context, in scheduler.Inputs) (any, error) {
	if p.Compressor == nil || p.Publisher == nil {
		return nil, failure.New(failure.InvalidConfig, JobPublishImage, "no compressor or publisher configured")
	}
	img, err := scheduler.Input[diskimage.DiskImage](in, JobReclaim)
	if err != nil {
		return nil, err
	}
	v, err := scheduler.Input[version.ReleaseVersion](in, JobVersion)
	if err != nil {
		return nil, err
	}

	naming := publish.Naming{
		Package:  p.Config.Package.Name,
		Version:  v.String(),
		Codename: p.Config.Image.Codename,
		Suffix:   variant.FilenameSuffix(in.Variant()),
		Arch:     p.Config.Image.Arch,
	}
	compressed, err := p.Compressor.Compress(ctx, img, naming, filepath.Join(p.WorkDir, "dist"))
	if err != nil {
		return nil, err
	}
	return p.Publisher.PublishImage(ctx, compressed, v)
}

func (p *Pipeline) publishArtifacts(ctx context.Context, in scheduler.Inputs) (any, error) {
	if p.Publisher == nil || p.Handoff == nil {
		return nil, failure.New(failure.InvalidConfig, JobPublishArtifacts, "no publisher or hand-off store configured")
	}
	if _, err := scheduler.Input[packaging.BuildArtifacts](in, JobBuild); err != nil {
		return nil, err
	}
	v, err := scheduler.Input[version.ReleaseVersion](in, JobVersion)
	if err != nil {
		return nil, err
	}
	return p.Publisher.PublishBuildArtifacts(ctx, p.Handoff, v)
}

func (p *Pipeline) publishReports(ctx context.Context, in scheduler.Inputs) (any, error) {
	if p.Publisher == nil {
		return nil, failure.New(failure.InvalidConfig, JobPublishReports, "no publisher configured")
	}
	v, err := scheduler.Input[version.ReleaseVersion](in, JobVersion)
	if err != nil {
		return nil, err
	}
	reports := make([]publish.Report, 0, len(p.Config.Reports))
	for _, r := range p.Config.Reports {
		reports = append(reports, publish.Report{Name: r.Name, Patterns: r.Paths, Optional: r.Optional})
	}
	return p.Publisher.PublishReports(ctx, p.Config.Root, filepath.Join(p.WorkDir, "reports"), reports, v)
}

// Describe renders the expanded graph in topological order with each job's
// dependencies.
func Describe(g *scheduler.Graph) []string {
	order := g.Order()
	lines := make([]string, 0, len(order))
	for _, name := range order {
		deps := g.Dependencies(name)
		if len(deps) == 0 {
			lines = append(lines, name)
			continue
		}
		lines = append(lines, name+" <- "+strings.Join(deps, ", "))
	}
	return lines
}
