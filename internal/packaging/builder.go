// Package packaging invokes the external packaging tool and hands its two
// outputs to the artifact store.
package packaging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/failure"
	"github.com/cochaviz/kiln/internal/runner"
)

const stage = "build"

// BuildArtifacts are the two outputs of a packaging run.
type BuildArtifacts struct {
	Package artifacts.Artifact
	Tarball artifacts.Artifact
}

// Builder runs the packaging command once and registers its outputs.
type Builder struct {
	Runner  runner.Runner
	Store   artifacts.ArtifactStore
	Command runner.Command

	DistDir     string
	PackageGlob string
	TarballGlob string

	Logger *slog.Logger
}

func (b *Builder) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Build runs the packaging command in dir and registers the package archive
// and tarball under their logical names. When a command is configured the dist
// directory is emptied first. Nothing is registered unless both exist and are
// non-empty.
func (b *Builder) Build(ctx context.Context, dir string) (BuildArtifacts, error) {
	if b.Runner == nil || b.Store == nil {
		return BuildArtifacts{}, fmt.Errorf("builder is not configured")
	}

	distDir := b.DistDir
	if !filepath.IsAbs(distDir) {
		distDir = filepath.Join(dir, distDir)
	}

	cmd := b.Command
	if cmd.Dir == "" {
		cmd.Dir = dir
	}
	if cmd.Name != "" {
		// Outputs of earlier runs must not be taken for this build's.
		if err := resetDir(distDir); err != nil {
			return BuildArtifacts{}, failure.Wrap(failure.ExecutionFailed, stage, err)
		}
		b.logger().Info("running packaging command", "command", cmd.String())
		if _, err := b.Runner.Run(ctx, cmd); err != nil {
			return BuildArtifacts{}, failure.Wrap(failure.ExecutionFailed, stage, err)
		}
	}

	pkgPath, err := FindOne(distDir, b.PackageGlob)
	if err != nil {
		return BuildArtifacts{}, err
	}
	tarPath, err := FindOne(distDir, b.TarballGlob)
	if err != nil {
		return BuildArtifacts{}, err
	}

	metadata := map[string]any{"source": filepath.Base(dir)}

	pkg, err := b.Store.StoreArtifact(ctx, artifacts.PackageArchiveName, pkgPath, artifacts.PackageArtifact, metadata)
	if err != nil {
		return BuildArtifacts{}, fmt.Errorf("register package archive: %w", err)
	}
	tarball, err := b.Store.StoreArtifact(ctx, artifacts.SourceTarballName, tarPath, artifacts.TarballArtifact, metadata)
	if err != nil {
		return BuildArtifacts{}, fmt.Errorf("register source tarball: %w", err)
	}

	b.logger().Info("build artifacts registered", "package", filepath.Base(pkgPath), "tarball", filepath.Base(tarPath))
	return BuildArtifacts{Package: pkg, Tarball: tarball}, nil
}

// FindOne returns the single non-empty file in dir matching pattern. No match,
// an empty match or more than one match is a MISSING_ARTIFACT failure.
func FindOne(dir, pattern string) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", failure.Wrap(failure.InvalidConfig, stage, fmt.Errorf("pattern %q: %w", pattern, err))
	}

	var files []string
	for _, match := range matches {
		info, err := os.Stat(match)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Size() == 0 {
			return "", failure.Newf(failure.MissingArtifact, stage, "%s is empty", match)
		}
		files = append(files, match)
	}

	switch len(files) {
	case 0:
		return "", failure.Newf(failure.MissingArtifact, stage, "no file matching %q in %s", pattern, dir)
	case 1:
		return files[0], nil
	default:
		names := make([]string, len(files))
		for i, f := range files {
			names[i] = filepath.Base(f)
		}
		return "", failure.Newf(failure.MissingArtifact, stage, "ambiguous build output for %q: %s", pattern, strings.Join(names, ", "))
	}
}

func resetDir(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	return nil
}
