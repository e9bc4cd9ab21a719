// Package build assembles a variant's disk image: it copies the verified base
// image, grows it to the variant's size and provisions it with the build
// artifacts through a pluggable environment.
package build

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/build/description"
	"github.com/cochaviz/kiln/internal/diskimage"
	"github.com/cochaviz/kiln/internal/failure"
)

const stage = "assemble"

// Assembler turns a base image and the build artifacts into an assembled
// image. Backends are keyed by description environment name.
type Assembler struct {
	Logger   *slog.Logger
	Backends map[string]Backend
}

func (s *Assembler) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Assemble writes <OutputDir>/<variant>.img. Both build artifacts must exist
// and be non-empty. The environment is cleaned up on every path, and a
// failed image is removed.
func (s *Assembler) Assemble(ctx context.Context, req AssemblyRequest) (img diskimage.DiskImage, err error) {
	variantName := req.Source.Variant
	logger := s.logger().With("variant", variantName, "version", req.Version)

	files, err := stagedArtifacts(req)
	if err != nil {
		return diskimage.DiskImage{}, err
	}
	if info, statErr := os.Stat(req.BaseImage.Path); statErr != nil || info.Size() == 0 {
		return diskimage.DiskImage{}, failure.Newf(failure.MissingArtifact, stage, "base image %q is missing or empty", req.BaseImage.Path)
	}

	desc := req.Description
	if desc == nil {
		desc, err = description.Load(req.DescriptionPath, map[string]string{
			description.VarVersion:    req.Version,
			description.VarVariant:    variantName,
			description.VarTargetSize: strconv.FormatInt(req.Source.TargetSizeBytes, 10),
			description.VarArch:       req.Arch,
			description.VarCodename:   req.Codename,
		})
		if err != nil {
			return diskimage.DiskImage{}, failure.Wrap(failure.InvalidConfig, stage, err)
		}
	}

	backend, ok := s.Backends[desc.Image.Environment]
	if !ok || backend.Preparer == nil || backend.Driver == nil {
		return diskimage.DiskImage{}, failure.Newf(failure.InvalidConfig, stage, "no build backend for environment %q", desc.Image.Environment)
	}

	staged, err := resolveFiles(desc, files)
	if err != nil {
		return diskimage.DiskImage{}, err
	}

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return diskimage.DiskImage{}, fmt.Errorf("create output dir: %w", err)
	}
	imagePath := filepath.Join(req.OutputDir, variantName+".img")
	defer func() {
		if err != nil {
			_ = os.Remove(imagePath)
		}
	}()

	logger.Info("copying base image", "base", req.BaseImage.Path, "target_size", req.Source.TargetSizeBytes)
	if err := copyImage(ctx, req.BaseImage.Path, imagePath, req.Source.TargetSizeBytes); err != nil {
		return diskimage.DiskImage{}, err
	}

	buildContext := BuildContext{
		Request:     req,
		Description: desc,
		ImagePath:   imagePath,
		Files:       staged,
		Env: map[string]string{
			"KILN_VERSION": req.Version,
			"KILN_VARIANT": variantName,
		},
	}

	env, err := backend.Preparer.Prepare(ctx, buildContext)
	if err != nil {
		return diskimage.DiskImage{}, classify(err)
	}
	defer func() {
		if cleanupErr := env.Cleanup(context.WithoutCancel(ctx)); cleanupErr != nil {
			logger.Error("build environment cleanup failed", "error", cleanupErr)
			err = errors.Join(err, failure.Wrap(failure.ResourceLeakRisk, stage, cleanupErr))
		}
	}()
	logger.Info("build environment prepared", "environment", desc.Image.Environment)

	out, err := backend.Driver.Build(ctx, buildContext, env)
	if err != nil {
		return diskimage.DiskImage{}, classify(err)
	}
	logger.Info("build driver completed", "image", imagePath)

	img = out.Image
	img.Path = imagePath
	img.Variant = variantName
	img.State = diskimage.Assembled
	img.SizeBytes = req.Source.TargetSizeBytes
	return img, nil
}

// classify keeps an existing failure kind and marks anything else as a
// provisioning failure.
func classify(err error) error {
	if failure.KindOf(err) != failure.Unknown {
		return err
	}
	return failure.Wrap(failure.ProvisioningFailure, stage, err)
}

func stagedArtifacts(req AssemblyRequest) (map[string]artifacts.Artifact, error) {
	out := map[string]artifacts.Artifact{}
	for _, a := range []artifacts.Artifact{req.Artifacts.Package, req.Artifacts.Tarball} {
		if a.Name == "" || a.URI == "" {
			return nil, failure.New(failure.MissingArtifact, stage, "build artifacts are incomplete")
		}
		path, err := artifacts.PathFromURI(a.URI)
		if err != nil {
			return nil, failure.Wrap(failure.MissingArtifact, stage, err)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, failure.Wrap(failure.MissingArtifact, stage, fmt.Errorf("%s: %w", a.Name, err))
		}
		if info.Size() == 0 {
			return nil, failure.Newf(failure.MissingArtifact, stage, "%s (%s) is empty", a.Name, path)
		}
		out[a.Name] = a
	}
	return out, nil
}

func resolveFiles(desc *description.Description, available map[string]artifacts.Artifact) ([]StagedFile, error) {
	staged := make([]StagedFile, 0, len(desc.Files))
	for _, f := range desc.Files {
		a, ok := available[f.Artifact]
		if !ok {
			return nil, failure.Newf(failure.MissingArtifact, stage, "build description stages unknown artifact %q", f.Artifact)
		}
		path, err := artifacts.PathFromURI(a.URI)
		if err != nil {
			return nil, failure.Wrap(failure.MissingArtifact, stage, err)
		}
		staged = append(staged, StagedFile{
			Artifact:    f.Artifact,
			Source:      path,
			Destination: desc.Destination(f, filepath.Base(path)),
		})
	}
	return staged, nil
}

// copyImage copies src to dst and grows dst to size bytes.
func copyImage(ctx context.Context, src, dst string, size int64) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open base image: %w", err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return fmt.Errorf("stat base image: %w", err)
	}
	if size < info.Size() {
		return failure.Newf(failure.InvalidConfig, stage, "target size %d is smaller than the base image (%d bytes)", size, info.Size())
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image: %w", err)
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: in}); err != nil {
		out.Close()
		return fmt.Errorf("copy base image: %w", err)
	}
	if err := out.Truncate(size); err != nil {
		out.Close()
		return fmt.Errorf("grow image to %d bytes: %w", size, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return fmt.Errorf("sync image: %w", err)
	}
	return out.Close()
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
