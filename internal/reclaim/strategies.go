package reclaim

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cochaviz/kiln/internal/mount"
	"github.com/cochaviz/kiln/internal/runner"
)

// Zerofree runs zerofree(8) on an unmounted ext2/3/4 partition. Only blocks
// the filesystem marks free are written.
type Zerofree struct {
	Runner runner.Runner
}

func (Zerofree) Name() string { return "zerofree" }

func (z Zerofree) ZeroFill(ctx context.Context, partition string) error {
	_, err := z.Runner.Run(ctx, runner.Command{Name: "zerofree", Args: []string{"-v", partition}})
	return err
}

// Fill mounts the partition, writes a zero file until the filesystem is full
// or Limit bytes are written, then deletes it. It works on any writable
// filesystem but also touches blocks reserved for root.
type Fill struct {
	Mounter mount.Mounter
	FSType  string
	// Limit caps the zero file; zero means until ENOSPC.
	Limit int64
	// MountDir is the parent for the temporary mount point.
	MountDir string
}

func (Fill) Name() string { return "fill" }

func (f Fill) ZeroFill(ctx context.Context, partition string) error {
	target, err := os.MkdirTemp(f.MountDir, "kiln-reclaim-")
	if err != nil {
		return err
	}
	defer os.Remove(target)

	fstype := f.FSType
	if fstype == "" {
		fstype = "ext4"
	}
	return mount.With(f.Mounter, partition, target, fstype, func() error {
		_, err := FillZeros(ctx, target, f.Limit)
		return err
	})
}

const fillChunk = 1 << 20

const zeroFile = ".kiln-zero-fill"

// FillZeros writes zeros into a file under dir until the filesystem reports
// ENOSPC or limit bytes (when positive) are written, syncs it and removes it.
// It returns the number of bytes written.
func FillZeros(ctx context.Context, dir string, limit int64) (int64, error) {
	path := filepath.Join(dir, zeroFile)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	removed := false
	defer func() {
		file.Close()
		if !removed {
			os.Remove(path)
		}
	}()

	zeros := bytes.Repeat([]byte{0}, fillChunk)
	var written int64
	for limit <= 0 || written < limit {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		chunk := zeros
		if limit > 0 && limit-written < int64(len(chunk)) {
			chunk = chunk[:limit-written]
		}
		n, err := file.Write(chunk)
		written += int64(n)
		if errors.Is(err, syscall.ENOSPC) {
			break
		}
		if err != nil {
			return written, fmt.Errorf("write zero file: %w", err)
		}
	}

	if err := file.Sync(); err != nil && !errors.Is(err, syscall.ENOSPC) {
		return written, fmt.Errorf("sync zero file: %w", err)
	}
	if err := file.Close(); err != nil && !errors.Is(err, syscall.ENOSPC) {
		return written, err
	}
	if err := os.Remove(path); err != nil {
		return written, err
	}
	removed = true
	return written, nil
}
