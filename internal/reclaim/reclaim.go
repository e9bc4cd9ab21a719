// Package reclaim zero-fills the free blocks of an assembled image's data
// partition so the compressor sees long runs of zeros.
package reclaim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cochaviz/kiln/internal/diskimage"
	"github.com/cochaviz/kiln/internal/failure"
	"github.com/cochaviz/kiln/internal/loopdev"
)

const stage = "reclaim"

// DefaultPartition is the data partition by convention.
const DefaultPartition = 2

// Strategy zeroes the free space of the filesystem on a partition node.
type Strategy interface {
	Name() string
	ZeroFill(ctx context.Context, partition string) error
}

// Reclaimer attaches an image, zero-fills one partition and detaches.
type Reclaimer struct {
	Loop      *loopdev.Manager
	Strategy  Strategy
	Partition int
	Logger    *slog.Logger
}

func (r *Reclaimer) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// Reclaim zero-fills the free space of img's data partition. Images already
// reclaimed are processed again with the same result. The loop device is
// released on every path; a failed release is a RESOURCE_LEAK_RISK failure
// that carries any zero-fill error alongside it.
func (r *Reclaimer) Reclaim(ctx context.Context, img diskimage.DiskImage) (diskimage.DiskImage, error) {
	if err := img.Require(stage, diskimage.Assembled, diskimage.Reclaimed); err != nil {
		return img, failure.Wrap(failure.ExecutionFailed, stage, err)
	}
	if r.Loop == nil || r.Strategy == nil {
		return img, errors.New("reclaimer is not configured")
	}
	partition := r.Partition
	if partition <= 0 {
		partition = DefaultPartition
	}

	logger := r.logger().With("image", img.Path, "strategy", r.Strategy.Name())

	var (
		attached bool
		fillErr  error
	)
	err := r.Loop.With(img.Path, loopdev.Options{PartScan: true}, func(dev *loopdev.Device) error {
		attached = true
		node, err := dev.WaitPartition(ctx, partition)
		if err != nil {
			fillErr = err
			return err
		}
		logger.Info("zero-filling free blocks", "partition", node)
		fillErr = r.Strategy.ZeroFill(ctx, node)
		return fillErr
	})

	if err != nil {
		// Anything beyond the zero-fill error itself came from attach or detach.
		if !attached || err != fillErr {
			return img, failure.Wrap(failure.ResourceLeakRisk, stage, err)
		}
		if failure.KindOf(fillErr) != failure.Unknown {
			return img, fmt.Errorf("zero-fill %s: %w", img.Path, fillErr)
		}
		return img, failure.Wrap(failure.ExecutionFailed, stage, fmt.Errorf("zero-fill %s: %w", img.Path, fillErr))
	}

	logger.Info("free space reclaimed")
	return img.With(diskimage.Reclaimed), nil
}
