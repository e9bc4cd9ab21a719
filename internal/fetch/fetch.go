// Package fetch downloads and verifies the base OS image of a build variant.
package fetch

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cochaviz/kiln/internal/failure"
	"github.com/cochaviz/kiln/internal/variant"
)

const stage = "fetch"

// BaseImage is a verified, unpacked base image on disk.
type BaseImage struct {
	Variant string
	// Path is the raw image.
	Path string
	// Download is the verified file as fetched, possibly compressed.
	Download string
	Checksum string
}

// Fetcher downloads base images into a cache directory.
type Fetcher struct {
	Client *http.Client
	// Unpacker decompresses .xz downloads; nil selects the default.
	Unpacker Unpacker
	Logger   *slog.Logger
}

func (f *Fetcher) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func (f *Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

// Fetch downloads src into dir, verifies it against the published checksum
// and unpacks it. A cached download whose checksum still matches is reused. A
// mismatch on a fresh download fails with CHECKSUM_MISMATCH and is not retried.
func (f *Fetcher) Fetch(ctx context.Context, src variant.Source, dir string) (BaseImage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return BaseImage{}, fmt.Errorf("create cache dir: %w", err)
	}

	filename, err := fileName(src.ImageURL)
	if err != nil {
		return BaseImage{}, failure.Wrap(failure.InvalidConfig, stage, err)
	}
	logger := f.logger().With("image", filename)

	want, err := f.expectedChecksum(ctx, src.ChecksumURL, filename)
	if err != nil {
		return BaseImage{}, err
	}

	download := filepath.Join(dir, filename)
	if sum, err := fileSHA256(download); err == nil && sum == want {
		logger.Info("reusing cached base image")
	} else {
		logger.Info("downloading base image", "url", src.ImageURL)
		if err := f.download(ctx, src.ImageURL, download, want); err != nil {
			return BaseImage{}, err
		}
	}

	raw, err := f.unpack(ctx, download, want)
	if err != nil {
		return BaseImage{}, err
	}

	return BaseImage{Variant: src.Variant, Path: raw, Download: download, Checksum: want}, nil
}

func (f *Fetcher) expectedChecksum(ctx context.Context, checksumURL, filename string) (string, error) {
	body, err := f.get(ctx, checksumURL)
	if err != nil {
		return "", fmt.Errorf("fetch checksum: %w", err)
	}
	defer body.Close()

	sum, err := ParseChecksum(io.LimitReader(body, 1<<20), filename)
	if err != nil {
		return "", failure.Wrap(failure.ChecksumMismatch, stage, fmt.Errorf("%s: %w", checksumURL, err))
	}
	return sum, nil
}

// download writes url to an intermediate file while hashing and renames it
// into place only when the hash matches.
func (f *Fetcher) download(ctx context.Context, rawURL, dest, want string) error {
	body, err := f.get(ctx, rawURL)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	defer body.Close()

	out, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.partial")
	if err != nil {
		return err
	}
	partial := out.Name()

	hash := sha256.New()
	if _, err := io.Copy(io.MultiWriter(out, hash), body); err != nil {
		out.Close()
		os.Remove(partial)
		return fmt.Errorf("download %s: %w", rawURL, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(partial)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(partial)
		return err
	}

	got := hex.EncodeToString(hash.Sum(nil))
	if got != want {
		os.Remove(partial)
		return failure.Newf(failure.ChecksumMismatch, stage, "%s: want sha256 %s, got %s", path.Base(dest), want, got)
	}
	return os.Rename(partial, dest)
}

func (f *Fetcher) get(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "file":
		return os.Open(u.Path)
	case "http", "https":
	default:
		return nil, fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	res, err := f.client().Do(req)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		res.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", rawURL, res.Status)
	}
	return res.Body, nil
}

// unpack decompresses .xz downloads next to the download. A stamp file records
// which download a raw image came from so re-runs skip decompression.
func (f *Fetcher) unpack(ctx context.Context, download, checksum string) (string, error) {
	if !strings.HasSuffix(download, ".xz") {
		return download, nil
	}
	raw := strings.TrimSuffix(download, ".xz")
	stamp := raw + ".source"

	if data, err := os.ReadFile(stamp); err == nil && strings.TrimSpace(string(data)) == checksum {
		if _, err := os.Stat(raw); err == nil {
			return raw, nil
		}
	}

	unpacker := f.Unpacker
	if unpacker == nil {
		unpacker = DefaultUnpacker()
	}

	f.logger().Info("unpacking base image", "file", filepath.Base(download))
	partial, err := tempPath(raw)
	if err != nil {
		return "", err
	}
	if err := unpacker.Unpack(ctx, download, partial); err != nil {
		os.Remove(partial)
		return "", fmt.Errorf("unpack %s: %w", filepath.Base(download), err)
	}
	if err := os.Rename(partial, raw); err != nil {
		os.Remove(partial)
		return "", err
	}
	if err := os.WriteFile(stamp, []byte(checksum+"\n"), 0o644); err != nil {
		return "", err
	}
	return raw, nil
}

// tempPath reserves a unique intermediate file next to final, so concurrent
// fetches of the same image never share one.
func tempPath(final string) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(final), filepath.Base(final)+".*.partial")
	if err != nil {
		return "", err
	}
	name := f.Name()
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", err
	}
	return name, nil
}

// ParseChecksum reads a sha256sum-style file. When it lists several files the
// entry for filename wins; a single bare hash is accepted as is.
func ParseChecksum(r io.Reader, filename string) (string, error) {
	var first string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || !isSHA256(fields[0]) {
			continue
		}
		sum := strings.ToLower(fields[0])
		if len(fields) > 1 && path.Base(strings.TrimPrefix(fields[1], "*")) == filename {
			return sum, nil
		}
		if first == "" {
			first = sum
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	if first == "" {
		return "", errors.New("no sha256 checksum found")
	}
	return first, nil
}

func isSHA256(s string) bool {
	if len(s) != sha256.Size*2 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func fileName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", fmt.Errorf("image URL %q has no file name", rawURL)
	}
	return name, nil
}

func fileSHA256(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
