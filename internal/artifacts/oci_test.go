package artifacts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"oras.land/oras-go/v2/content/memory"
)

func TestOCIStorePushAndGet(t *testing.T) {
	ctx := context.Background()
	store := &OCIArtifactStore{Target: memory.New(), Repository: "registry.example/kiln/releases"}

	path := writeFile(t, t.TempDir(), "ubo_app-0.13.1-bookworm-lite-arm64.img.gz", "compressed-image")
	stored, err := store.StoreArtifact(ctx, ImageName("lite"), path, ImageArtifact, map[string]any{"variant": "lite"})
	require.NoError(t, err)
	assert.Equal(t, "registry.example/kiln/releases:image-lite", stored.URI)

	got, err := store.Get(ctx, "image-lite")
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, stored.Checksum, got.Checksum)
	assert.Equal(t, int64(len("compressed-image")), got.Size)
	assert.Equal(t, ImageArtifact, got.Kind)
	assert.Equal(t, "lite", got.Metadata["variant"])

	_, err = store.Get(ctx, "image-full")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestOCIStoreRepublishSameContent(t *testing.T) {
	ctx := context.Background()
	store := &OCIArtifactStore{Target: memory.New()}
	path := writeFile(t, t.TempDir(), "ubo_app.whl", "wheel")

	_, err := store.StoreArtifact(ctx, PackageArchiveName, path, PackageArtifact, nil)
	require.NoError(t, err)
	_, err = store.StoreArtifact(ctx, PackageArchiveName, path, PackageArtifact, nil)
	require.NoError(t, err)
}

func TestTagFor(t *testing.T) {
	assert.Equal(t, "image-lite", TagFor("image-lite"))
	assert.Equal(t, "screenshots-v2", TagFor("screenshots v2"))
	assert.Equal(t, "_", TagFor("..."))
}
