package publish

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/kiln/internal/artifacts"
	"github.com/cochaviz/kiln/internal/diskimage"
	"github.com/cochaviz/kiln/internal/failure"
)

var liteNaming = Naming{Package: "ubo_app", Version: "0.13.1", Codename: "bookworm", Suffix: "-lite", Arch: "arm64"}

func TestImageNameIsDeterministic(t *testing.T) {
	assert.Equal(t, "ubo_app-0.13.1-bookworm-lite-arm64.img.gz", ImageName(liteNaming))
	assert.Equal(t, ImageName(liteNaming), ImageName(liteNaming))

	def := liteNaming
	def.Suffix = ""
	assert.Equal(t, "ubo_app-0.13.1-bookworm-arm64.img.gz", ImageName(def))
}

func reclaimedImage(t *testing.T, content []byte) diskimage.DiskImage {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lite.img")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return diskimage.DiskImage{Path: path, Variant: "lite", State: diskimage.Reclaimed}
}

func TestCompressWritesImageAndSidecar(t *testing.T) {
	raw := append(bytes.Repeat([]byte{0}, 1<<20), []byte("rootfs")...)
	img := reclaimedImage(t, raw)
	out := t.TempDir()

	c := &Compressor{}
	compressed, err := c.Compress(context.Background(), img, liteNaming, out)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(out, "ubo_app-0.13.1-bookworm-lite-arm64.img.gz"), compressed.Path)
	data, err := os.ReadFile(compressed.Path)
	require.NoError(t, err)
	assert.Less(t, len(data), len(raw)/10)
	assert.Equal(t, int64(len(data)), compressed.Size)

	digest := sha256.Sum256(data)
	assert.Equal(t, hex.EncodeToString(digest[:]), compressed.Checksum)

	sidecar, err := os.ReadFile(compressed.ChecksumPath)
	require.NoError(t, err)
	assert.Equal(t, compressed.Checksum+"  ubo_app-0.13.1-bookworm-lite-arm64.img.gz\n", string(sidecar))

	zr, err := gzip.NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	plain, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, raw, plain)
}

func TestCompressRequiresReclaimedImage(t *testing.T) {
	img := reclaimedImage(t, []byte("raw")).With(diskimage.Assembled)

	_, err := (&Compressor{}).Compress(context.Background(), img, liteNaming, t.TempDir())
	require.Error(t, err)
	var stateErr *diskimage.StateError
	assert.ErrorAs(t, err, &stateErr)
}

func TestPublishImage(t *testing.T) {
	store := &artifacts.LocalArtifactStore{BaseDir: t.TempDir()}
	compressed, err := (&Compressor{}).Compress(context.Background(), reclaimedImage(t, []byte("raw image")), liteNaming, t.TempDir())
	require.NoError(t, err)

	published, err := (&Publisher{Store: store}).PublishImage(context.Background(), compressed, "0.13.1")
	require.NoError(t, err)

	assert.Equal(t, diskimage.Published, published.Image.State)
	assert.Equal(t, "image-lite", published.Artifact.Name)
	assert.Equal(t, compressed.Checksum, published.Artifact.Checksum)
	assert.Equal(t, "image-lite-sha256", published.Checksum.Name)
}

func TestPublishImageMissingOutputFailsLoudly(t *testing.T) {
	store := &artifacts.LocalArtifactStore{BaseDir: t.TempDir()}
	compressed := Compressed{
		Image:        diskimage.DiskImage{Variant: "lite", State: diskimage.Reclaimed},
		Path:         filepath.Join(t.TempDir(), "absent.img.gz"),
		ChecksumPath: filepath.Join(t.TempDir(), "absent.img.gz.sha256"),
	}

	_, err := (&Publisher{Store: store}).PublishImage(context.Background(), compressed, "0.13.1")
	require.Error(t, err)
	assert.Equal(t, failure.PublishFailure, failure.KindOf(err))
}

func TestPublishBuildArtifacts(t *testing.T) {
	ctx := context.Background()
	handoff := &artifacts.LocalArtifactStore{BaseDir: t.TempDir()}
	store := &artifacts.LocalArtifactStore{BaseDir: t.TempDir()}
	src := t.TempDir()

	wheel := filepath.Join(src, "ubo_app.whl")
	require.NoError(t, os.WriteFile(wheel, []byte("wheel"), 0o644))
	_, err := handoff.StoreArtifact(ctx, artifacts.PackageArchiveName, wheel, artifacts.PackageArtifact, nil)
	require.NoError(t, err)

	p := &Publisher{Store: store}
	_, err = p.PublishBuildArtifacts(ctx, handoff, "0.13.1")
	require.Error(t, err)
	assert.Equal(t, failure.PublishFailure, failure.KindOf(err))

	tarball := filepath.Join(src, "ubo_app.tar.gz")
	require.NoError(t, os.WriteFile(tarball, []byte("sdist"), 0o644))
	_, err = handoff.StoreArtifact(ctx, artifacts.SourceTarballName, tarball, artifacts.TarballArtifact, nil)
	require.NoError(t, err)

	published, err := p.PublishBuildArtifacts(ctx, handoff, "0.13.1")
	require.NoError(t, err)
	require.Len(t, published, 2)
	assert.Equal(t, "0.13.1", published[1].Metadata["version"])
}

func TestPublishReports(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	store := &artifacts.LocalArtifactStore{BaseDir: t.TempDir()}

	shot := filepath.Join(root, "tests", "ui", "results", "run1", "home.png")
	require.NoError(t, os.MkdirAll(filepath.Dir(shot), 0o755))
	require.NoError(t, os.WriteFile(shot, []byte("png"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "coverage.xml"), []byte("<coverage/>"), 0o644))

	reports := []Report{
		{Name: "coverage", Patterns: []string{"coverage.xml"}},
		{Name: "screenshots", Patterns: []string{"tests/**/results/**/*.png"}, Optional: true},
		{Name: "snapshots", Patterns: []string{"tests/**/__snapshots__/**"}, Optional: true},
	}

	published, err := (&Publisher{Store: store}).PublishReports(ctx, root, t.TempDir(), reports, "0.13.1")
	require.NoError(t, err)
	require.Len(t, published, 2)

	got, err := store.Get(ctx, "screenshots")
	require.NoError(t, err)
	path, err := artifacts.PathFromURI(got.URI)
	require.NoError(t, err)
	assert.Equal(t, []string{"tests/ui/results/run1/home.png"}, tarNames(t, path))
}

func TestPublishReportsRequiredMissing(t *testing.T) {
	store := &artifacts.LocalArtifactStore{BaseDir: t.TempDir()}
	reports := []Report{{Name: "coverage", Patterns: []string{"coverage.xml"}}}

	_, err := (&Publisher{Store: store}).PublishReports(context.Background(), t.TempDir(), t.TempDir(), reports, "0.13.1")
	require.Error(t, err)
	assert.Equal(t, failure.PublishFailure, failure.KindOf(err))
	assert.True(t, strings.Contains(err.Error(), "coverage"))
}

func tarNames(t *testing.T, path string) []string {
	t.Helper()
	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	zr, err := gzip.NewReader(file)
	require.NoError(t, err)
	tr := tar.NewReader(zr)

	var names []string
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		names = append(names, header.Name)
	}
	return names
}
