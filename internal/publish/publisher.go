package publish

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/klauspost/compress/gzip"

	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/diskimage"
	"github.com/cochaviz/kiln/internal/failure"
	"github.com/cochaviz/kiln/internal/version"
)

// Report is a named set of verification byproducts.
type Report struct {
	Name     string
	Patterns []string
	Optional bool
}

// PublishedImage is the outcome of publishing one variant's image.
type PublishedImage struct {
	Image    diskimage.DiskImage
	Artifact artifacts.Artifact
	Checksum artifacts.Artifact
}

// Publisher publishes release outputs to Store by logical name. A missing
// expected file is a PUBLISH_FAILURE; nothing is skipped silently.
type Publisher struct {
	Store  artifacts.ArtifactStore
	Logger *slog.Logger
}

func (p *Publisher) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// PublishImage publishes a compressed image and its checksum sidecar as
// image-<variant> and image-<variant>-sha256.
func (p *Publisher) PublishImage(ctx context.Context, c Compressed, v version.ReleaseVersion) (PublishedImage, error) {
	variant := c.Image.Variant
	metadata := map[string]any{
		"version": v.String(),
		"variant": variant,
		"sha256":  c.Checksum,
	}

	image, err := p.store(ctx, artifacts.ImageName(variant), c.Path, artifacts.ImageArtifact, metadata)
	if err != nil {
		return PublishedImage{}, err
	}
	sum, err := p.store(ctx, artifacts.ImageChecksumName(variant), c.ChecksumPath, artifacts.ChecksumArtifact, metadata)
	if err != nil {
		return PublishedImage{}, err
	}

	return PublishedImage{
		Image:    c.Image.With(diskimage.Published),
		Artifact: image,
		Checksum: sum,
	}, nil
}

// PublishBuildArtifacts copies the package archive and source tarball from
// the hand-off store to the publish store.
func (p *Publisher) PublishBuildArtifacts(ctx context.Context, handoff artifacts.ArtifactStore, v version.ReleaseVersion) ([]artifacts.Artifact, error) {
	names := []struct {
		name string
		kind artifacts.ArtifactKind
	}{
		{artifacts.PackageArchiveName, artifacts.PackageArtifact},
		{artifacts.SourceTarballName, artifacts.TarballArtifact},
	}

	var out []artifacts.Artifact
	for _, n := range names {
		stored, err := handoff.Get(ctx, n.name)
		if err != nil {
			return out, failure.Wrap(failure.PublishFailure, stage, fmt.Errorf("%s: %w", n.name, err))
		}
		path, err := artifacts.PathFromURI(stored.URI)
		if err != nil {
			return out, failure.Wrap(failure.PublishFailure, stage, fmt.Errorf("%s: %w", n.name, err))
		}
		published, err := p.store(ctx, n.name, path, n.kind, map[string]any{"version": v.String()})
		if err != nil {
			return out, err
		}
		out = append(out, published)
	}
	return out, nil
}

// PublishReports bundles each report's matches under root into
// <workDir>/<name>.tar.gz and publishes it under the report name. A report
// without matches fails unless it is optional.
func (p *Publisher) PublishReports(ctx context.Context, root, workDir string, reports []Report, v version.ReleaseVersion) ([]artifacts.Artifact, error) {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, err
	}

	var (
		out  []artifacts.Artifact
		errs []error
	)
	for _, report := range reports {
		files, err := Match(root, report.Patterns)
		if err != nil {
			errs = append(errs, failure.Wrap(failure.InvalidConfig, stage, fmt.Errorf("report %s: %w", report.Name, err)))
			continue
		}
		if len(files) == 0 {
			if report.Optional {
				p.logger().Info("optional report has no files", "report", report.Name)
				continue
			}
			errs = append(errs, failure.Newf(failure.PublishFailure, stage, "report %s: no files match %v", report.Name, report.Patterns))
			continue
		}

		bundle := filepath.Join(workDir, report.Name+".tar.gz")
		if err := Bundle(bundle, root, files); err != nil {
			errs = append(errs, failure.Wrap(failure.PublishFailure, stage, fmt.Errorf("bundle report %s: %w", report.Name, err)))
			continue
		}
		published, err := p.store(ctx, report.Name, bundle, artifacts.ReportArtifact, map[string]any{
			"version": v.String(),
			"files":   len(files),
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, published)
	}
	return out, errors.Join(errs...)
}

func (p *Publisher) store(ctx context.Context, name, path string, kind artifacts.ArtifactKind, metadata map[string]any) (artifacts.Artifact, error) {
	if _, err := os.Stat(path); err != nil {
		return artifacts.Artifact{}, failure.Wrap(failure.PublishFailure, stage, fmt.Errorf("expected output %s for %s: %w", path, name, err))
	}
	artifact, err := p.Store.StoreArtifact(ctx, name, path, kind, metadata)
	if err != nil {
		if failure.KindOf(err) == failure.Unknown {
			err = failure.Wrap(failure.PublishFailure, stage, err)
		}
		return artifacts.Artifact{}, fmt.Errorf("publish %s: %w", name, err)
	}
	p.logger().Info("artifact published", "name", name, "uri", artifact.URI, "size", artifact.Size)
	return artifact, nil
}

// Match expands doublestar patterns relative to root and returns the matching
// regular files as sorted, root-relative slash paths.
func Match(root string, patterns []string) ([]string, error) {
	fsys := os.DirFS(root)
	seen := map[string]struct{}{}
	for _, pattern := range patterns {
		matches, err := doublestar.Glob(fsys, filepath.ToSlash(pattern), doublestar.WithFilesOnly())
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		for _, m := range matches {
			seen[m] = struct{}{}
		}
	}
	files := make([]string, 0, len(seen))
	for f := range seen {
		files = append(files, f)
	}
	sort.Strings(files)
	return files, nil
}

// Bundle writes files (relative to root) into a gzip-compressed tarball.
func Bundle(dest, root string, files []string) error {
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	tw := tar.NewWriter(zw)

	err = func() error {
		for _, rel := range files {
			if err := addFile(tw, root, rel); err != nil {
				return err
			}
		}
		if err := tw.Close(); err != nil {
			return err
		}
		return zw.Close()
	}()
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
	}
	return err
}

func addFile(tw *tar.Writer, root, rel string) error {
	path := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = rel
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = io.Copy(tw, file)
	return err
}
