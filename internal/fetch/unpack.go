package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/ulikunitz/xz"
)

// Unpacker decompresses src into dst.
type Unpacker interface {
	Unpack(ctx context.Context, src, dst string) error
}

// DefaultUnpacker uses the xz executable when present and falls back to the
// native decoder, which is considerably slower.
func DefaultUnpacker() Unpacker {
	if _, err := exec.LookPath("xz"); err == nil {
		return ExternalXZ{}
	}
	return NativeXZ{}
}

// ExternalXZ runs `xz -dc`.
type ExternalXZ struct{}

func (ExternalXZ) Unpack(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "xz", "-dc")
	cmd.Stdin = in
	cmd.Stdout = out
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		out.Close()
		return fmt.Errorf("xz: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return out.Close()
}

// NativeXZ decodes with github.com/ulikunitz/xz.
type NativeXZ struct{}

func (NativeXZ) Unpack(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	reader, err := xz.NewReader(in)
	if err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, &ctxReader{ctx: ctx, r: reader}); err != nil {
		out.Close()
		return err
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
