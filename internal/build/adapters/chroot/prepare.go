// Package chroot provisions an image in place: the image is attached to a
// loop device, its root partition grown and mounted, and the provisioning
// script run through chroot(8).
package chroot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/failure"
	"github.com/cochaviz/kiln/internal/loopdev"
	"github.com/cochaviz/kiln/internal/mount"
	"github.com/cochaviz/kiln/internal/runner"
)

const stage = "assemble"

var _ build.BuildEnvironmentPreparer = (*Preparer)(nil)

// Preparer attaches and mounts the image under a temporary root.
type Preparer struct {
	Loop    *loopdev.Manager
	Runner  runner.Runner
	Mounter mount.Mounter
	// BaseDir holds the temporary mount roots; empty means os.TempDir.
	BaseDir string
	// SkipPseudoFS leaves /proc, /sys and /dev unmounted.
	SkipPseudoFS bool
	Logger       *slog.Logger
}

func (p *Preparer) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

var _ build.BuildEnvironment = (*Environment)(nil)

// Environment is a mounted image root.
type Environment struct {
	Root   string
	Device *loopdev.Device
	// RootPartition is the node of the mounted root filesystem.
	RootPartition string

	mounts *mount.Stack
}

// Prepare attaches the image with partition scanning, grows the root
// partition to fill the image and mounts root and boot.
func (p *Preparer) Prepare(ctx context.Context, bctx build.BuildContext) (build.BuildEnvironment, error) {
	img := bctx.Description.Image
	logger := p.logger().With("image", bctx.ImagePath)

	dev, err := p.Loop.Attach(bctx.ImagePath, loopdev.Options{PartScan: true})
	if err != nil {
		return nil, failure.Wrap(failure.ResourceLeakRisk, stage, err)
	}
	env := &Environment{Device: dev, mounts: &mount.Stack{Mounter: p.Mounter}}

	if err := p.prepare(ctx, env, bctx, logger); err != nil {
		if cleanupErr := env.Cleanup(context.WithoutCancel(ctx)); cleanupErr != nil {
			err = errors.Join(err, failure.Wrap(failure.ResourceLeakRisk, stage, cleanupErr))
		}
		return nil, err
	}
	logger.Debug("image root mounted", "root", env.Root, "device", dev.Path, "partition", img.Partition)
	return env, nil
}

func (p *Preparer) prepare(ctx context.Context, env *Environment, bctx build.BuildContext, logger *slog.Logger) error {
	img := bctx.Description.Image
	dev := env.Device

	rootNode, err := dev.WaitPartition(ctx, img.Partition)
	if err != nil {
		return err
	}
	env.RootPartition = rootNode

	if err := p.grow(ctx, dev.Path, img.Partition, rootNode, logger); err != nil {
		return err
	}

	root, err := os.MkdirTemp(p.BaseDir, "kiln-root-")
	if err != nil {
		return fmt.Errorf("create mount root: %w", err)
	}
	env.Root = root

	if err := env.mounts.Mount(rootNode, root, "ext4"); err != nil {
		return err
	}

	if img.BootPartition > 0 {
		bootNode, err := dev.WaitPartition(ctx, img.BootPartition)
		if err != nil {
			return err
		}
		target := filepath.Join(root, img.BootMount)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("create boot mount point: %w", err)
		}
		if err := env.mounts.Mount(bootNode, target, "vfat"); err != nil {
			return err
		}
	}

	if p.SkipPseudoFS {
		return nil
	}
	for _, fs := range []struct{ source, dir, fstype string }{
		{"proc", "proc", "proc"},
		{"sysfs", "sys", "sysfs"},
		{"devtmpfs", "dev", "devtmpfs"},
	} {
		target := filepath.Join(root, fs.dir)
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", target, err)
		}
		if err := env.mounts.Mount(fs.source, target, fs.fstype); err != nil {
			return err
		}
	}
	return nil
}

// grow extends partition n to the end of the device and resizes its
// filesystem.
func (p *Preparer) grow(ctx context.Context, device string, n int, node string, logger *slog.Logger) error {
	logger.Info("growing root partition", "device", device, "partition", n)

	res, err := p.Runner.Run(ctx, runner.Command{Name: "growpart", Args: []string{device, strconv.Itoa(n)}})
	if err != nil && !noChange(res, err) {
		return fmt.Errorf("growpart: %w", err)
	}

	// e2fsck exits 1 when it corrected errors.
	_, err = p.Runner.Run(ctx, runner.Command{Name: "e2fsck", Args: []string{"-f", "-y", node}})
	var exitErr *runner.ExitError
	if err != nil && !(errors.As(err, &exitErr) && exitErr.ExitCode == 1) {
		return fmt.Errorf("e2fsck: %w", err)
	}

	if _, err := p.Runner.Run(ctx, runner.Command{Name: "resize2fs", Args: []string{node}}); err != nil {
		return fmt.Errorf("resize2fs: %w", err)
	}
	return nil
}

// noChange reports growpart's exit for a partition that already fills the
// device.
func noChange(res runner.Result, err error) bool {
	var exitErr *runner.ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode != 1 {
		return false
	}
	return strings.Contains(res.Stdout, "NOCHANGE") || strings.Contains(exitErr.Stderr, "NOCHANGE")
}

// Cleanup unmounts everything in reverse order, detaches the loop device and
// removes the mount root. Every failure is reported.
func (env *Environment) Cleanup(context.Context) error {
	var errs []error
	if env.mounts != nil {
		if err := env.mounts.Release(); err != nil {
			errs = append(errs, err)
		}
	}
	if env.Device != nil {
		if err := env.Device.Detach(); err != nil {
			errs = append(errs, err)
		}
	}
	if env.Root != "" && len(errs) == 0 {
		if err := os.RemoveAll(env.Root); err != nil {
			errs = append(errs, fmt.Errorf("remove mount root: %w", err))
		}
	}
	return errors.Join(errs...)
}
