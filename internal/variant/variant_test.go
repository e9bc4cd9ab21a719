package variant

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSizeBytes(t *testing.T) {
	assert.Equal(t, int64(4563402752), SizeBytes(4.25))
	assert.Equal(t, int64(6710886400), SizeBytes(6.25))
	assert.Equal(t, int64(13958643712), SizeBytes(13))
	assert.Equal(t, int64(1), SizeBytes(1.0/(1<<30)*0.6))
}

func TestTableFallsBackToDefault(t *testing.T) {
	table := DefaultTable()

	gb, err := table.Size("desktop")
	require.NoError(t, err)
	assert.Equal(t, 6.25, gb)

	_, err = Table{"lite": 4.25}.Size("desktop")
	assert.Error(t, err)
}

func TestSuffixes(t *testing.T) {
	assert.Equal(t, "", URLSuffix(Default))
	assert.Equal(t, "_lite", URLSuffix("lite"))
	assert.Equal(t, "", FilenameSuffix(Default))
	assert.Equal(t, "-lite", FilenameSuffix("lite"))
}

func TestResolveLite(t *testing.T) {
	src, err := Resolve("lite", ImageSettings{
		URLTemplate: "https://images.example/raspios{suffix}_{arch}/raspios-{codename}-{arch}{dash_suffix}.img.xz",
		Arch:        "arm64",
		Codename:    "bookworm",
	})
	require.NoError(t, err)

	assert.Equal(t, Source{
		Variant:         "lite",
		ImageURL:        "https://images.example/raspios_lite_arm64/raspios-bookworm-arm64-lite.img.xz",
		ChecksumURL:     "https://images.example/raspios_lite_arm64/raspios-bookworm-arm64-lite.img.xz.sha256",
		TargetSizeBytes: 4563402752,
		FilenameSuffix:  "-lite",
	}, src)
}

func TestResolveDefaultVariant(t *testing.T) {
	src, err := Resolve(Default, ImageSettings{
		URLTemplate:         "https://images.example/raspios{suffix}_{arch}.img.xz",
		ChecksumURLTemplate: "https://images.example/sums/{codename}{dash_suffix}.sha256",
		Arch:                "arm64",
		Codename:            "bookworm",
		Sizes:               DefaultTable(),
	})
	require.NoError(t, err)

	assert.Equal(t, "https://images.example/raspios_arm64.img.xz", src.ImageURL)
	assert.Equal(t, "https://images.example/sums/bookworm.sha256", src.ChecksumURL)
	assert.Equal(t, "", src.FilenameSuffix)
	assert.Equal(t, int64(6710886400), src.TargetSizeBytes)
}
