package loopdev_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/kiln/internal/loopdev"
	"github.com/cochaviz/kiln/internal/loopdev/loopdevtest"
)

func newManager(t *testing.T) (*loopdev.Manager, *loopdevtest.Backend, string) {
	t.Helper()
	dir := t.TempDir()
	image := filepath.Join(dir, "lite.img")
	require.NoError(t, os.WriteFile(image, make([]byte, 1024), 0o644))

	backend := &loopdevtest.Backend{Dir: dir, Partitions: []int{1, 2}}
	return &loopdev.Manager{Backend: backend, PartitionTimeout: 200 * time.Millisecond}, backend, image
}

func TestWithDetachesOnSuccess(t *testing.T) {
	manager, backend, image := newManager(t)

	err := manager.With(image, loopdev.Options{PartScan: true}, func(dev *loopdev.Device) error {
		node, err := dev.WaitPartition(context.Background(), 2)
		require.NoError(t, err)
		assert.Equal(t, dev.Path+"p2", node)
		assert.Len(t, backend.Attached(), 1)
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, backend.Attached())
}

func TestWithDetachesOnError(t *testing.T) {
	manager, backend, image := newManager(t)
	boom := errors.New("zero-fill failed")

	err := manager.With(image, loopdev.Options{PartScan: true}, func(*loopdev.Device) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, backend.Attached())
}

func TestWithDetachesOnPanic(t *testing.T) {
	manager, backend, image := newManager(t)

	assert.Panics(t, func() {
		_ = manager.With(image, loopdev.Options{}, func(*loopdev.Device) error {
			panic("interrupted")
		})
	})
	assert.Empty(t, backend.Attached())
}

func TestWithJoinsDetachError(t *testing.T) {
	manager, backend, image := newManager(t)
	backend.DetachErr = errors.New("device busy")
	boom := errors.New("zero-fill failed")

	err := manager.With(image, loopdev.Options{}, func(*loopdev.Device) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, err, backend.DetachErr)
}

func TestDetachIsIdempotent(t *testing.T) {
	manager, backend, image := newManager(t)

	dev, err := manager.Attach(image, loopdev.Options{})
	require.NoError(t, err)
	require.NoError(t, dev.Detach())
	require.NoError(t, dev.Detach())
	assert.Equal(t, 1, backend.Detaches())
}

func TestWaitPartitionTimesOut(t *testing.T) {
	manager, _, image := newManager(t)

	err := manager.With(image, loopdev.Options{}, func(dev *loopdev.Device) error {
		_, err := dev.WaitPartition(context.Background(), 2)
		return err
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAttachMissingImage(t *testing.T) {
	manager, backend, _ := newManager(t)

	_, err := manager.Attach(filepath.Join(t.TempDir(), "absent.img"), loopdev.Options{})
	assert.Error(t, err)
	assert.Empty(t, backend.Attached())
}
