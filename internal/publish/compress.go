package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"

	"github.com/cochaviz/kiln/internal/diskimage"
	"github.com/cochaviz/kiln/internal/failure"
)

const stage = "publish"

// Compressed is a gzip-compressed image with its checksum sidecar.
type Compressed struct {
	Image    diskimage.DiskImage
	Path     string
	Checksum string
	// ChecksumPath holds "<sha256>  <file name>".
	ChecksumPath string
	Size         int64
}

// Compressor streams reclaimed images through gzip.
type Compressor struct {
	// Level defaults to gzip.BestCompression.
	Level  int
	Logger *slog.Logger
}

func (c *Compressor) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Compress writes <outDir>/<ImageName(naming)> in one pass over the raw image,
// hashing the compressed stream as it is written, and a .sha256 sidecar.
func (c *Compressor) Compress(ctx context.Context, img diskimage.DiskImage, naming Naming, outDir string) (Compressed, error) {
	if err := img.Require("compress", diskimage.Reclaimed); err != nil {
		return Compressed{}, failure.Wrap(failure.ExecutionFailed, stage, err)
	}

	src, err := os.Open(img.Path)
	if err != nil {
		return Compressed{}, failure.Wrap(failure.PublishFailure, stage, err)
	}
	defer src.Close()

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return Compressed{}, err
	}
	name := ImageName(naming)
	dest := filepath.Join(outDir, name)
	partial := dest + ".partial"

	out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Compressed{}, err
	}
	cleanup := func() {
		out.Close()
		os.Remove(partial)
	}

	level := c.Level
	if level == 0 {
		level = gzip.BestCompression
	}
	hash := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(out, hash)}
	zw, err := gzip.NewWriterLevel(counter, level)
	if err != nil {
		cleanup()
		return Compressed{}, err
	}
	zw.Name = filepath.Base(img.Path)

	c.logger().Info("compressing image", "image", img.Path, "output", name)
	if _, err := io.Copy(zw, &ctxReader{ctx: ctx, r: src}); err != nil {
		cleanup()
		return Compressed{}, fmt.Errorf("compress %s: %w", img.Path, err)
	}
	if err := zw.Close(); err != nil {
		cleanup()
		return Compressed{}, err
	}
	if err := out.Close(); err != nil {
		os.Remove(partial)
		return Compressed{}, err
	}
	if err := os.Rename(partial, dest); err != nil {
		return Compressed{}, err
	}

	sum := hex.EncodeToString(hash.Sum(nil))
	sidecar := dest + ".sha256"
	if err := os.WriteFile(sidecar, []byte(sum+"  "+name+"\n"), 0o644); err != nil {
		return Compressed{}, err
	}

	return Compressed{
		Image:        img,
		Path:         dest,
		Checksum:     sum,
		ChecksumPath: sidecar,
		Size:         counter.n,
	}, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
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
