package reclaim

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cochaviz/kiln/internal/diskimage"
	"github.com/cochaviz/kiln/internal/failure"
	"github.com/cochaviz/kiln/internal/loopdev"
	"github.com/cochaviz/kiln/internal/loopdev/loopdevtest"
	"github.com/cochaviz/kiln/internal/runner"
	"github.com/cochaviz/kiln/internal/runner/runnertest"
)

type fakeStrategy struct {
	err   error
	nodes []string
}

func (s *fakeStrategy) Name() string { return "fake" }

func (s *fakeStrategy) ZeroFill(_ context.Context, partition string) error {
	s.nodes = append(s.nodes, partition)
	return s.err
}

func setup(t *testing.T) (*loopdevtest.Backend, diskimage.DiskImage, *loopdev.Manager) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "lite.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096), 0o644))

	backend := &loopdevtest.Backend{Dir: dir, Partitions: []int{1, 2}}
	manager := &loopdev.Manager{Backend: backend, PartitionTimeout: 200 * time.Millisecond}
	return backend, diskimage.DiskImage{Path: path, Variant: "lite", State: diskimage.Assembled}, manager
}

func TestReclaimZeroFillsDataPartition(t *testing.T) {
	backend, img, manager := setup(t)
	strategy := &fakeStrategy{}
	r := &Reclaimer{Loop: manager, Strategy: strategy}

	out, err := r.Reclaim(context.Background(), img)
	require.NoError(t, err)

	assert.Equal(t, diskimage.Reclaimed, out.State)
	require.Len(t, strategy.nodes, 1)
	assert.Equal(t, "loop0p2", filepath.Base(strategy.nodes[0]))
	assert.Empty(t, backend.Attached())

	again, err := r.Reclaim(context.Background(), out)
	require.NoError(t, err)
	assert.Equal(t, diskimage.Reclaimed, again.State)
	assert.Empty(t, backend.Attached())
}

func TestReclaimReleasesLoopOnZeroFillFailure(t *testing.T) {
	backend, img, manager := setup(t)
	r := &Reclaimer{Loop: manager, Strategy: &fakeStrategy{err: errors.New("zerofree: bad superblock")}}

	out, err := r.Reclaim(context.Background(), img)
	require.Error(t, err)
	assert.Equal(t, failure.ExecutionFailed, failure.KindOf(err))
	assert.Equal(t, diskimage.Assembled, out.State)
	assert.Empty(t, backend.Attached())
	assert.Equal(t, 1, backend.Detaches())
}

func TestReclaimJoinsDetachFailure(t *testing.T) {
	backend, img, manager := setup(t)
	fillErr := errors.New("zerofree: bad superblock")
	backend.DetachErr = errors.New("device busy")
	r := &Reclaimer{Loop: manager, Strategy: &fakeStrategy{err: fillErr}}

	_, err := r.Reclaim(context.Background(), img)
	require.Error(t, err)
	assert.Equal(t, failure.ResourceLeakRisk, failure.KindOf(err))
	assert.ErrorIs(t, err, fillErr)
	assert.ErrorIs(t, err, backend.DetachErr)
}

func TestReclaimAttachFailure(t *testing.T) {
	backend, img, manager := setup(t)
	backend.AttachErr = errors.New("no free loop device")
	strategy := &fakeStrategy{}
	r := &Reclaimer{Loop: manager, Strategy: strategy}

	_, err := r.Reclaim(context.Background(), img)
	require.Error(t, err)
	assert.Equal(t, failure.ResourceLeakRisk, failure.KindOf(err))
	assert.Empty(t, strategy.nodes)
}

func TestReclaimRejectsOutOfOrder(t *testing.T) {
	backend, img, manager := setup(t)
	r := &Reclaimer{Loop: manager, Strategy: &fakeStrategy{}}

	for _, state := range []diskimage.State{"", diskimage.Published} {
		_, err := r.Reclaim(context.Background(), img.With(state))
		var stateErr *diskimage.StateError
		assert.True(t, errors.As(err, &stateErr), state)
	}
	assert.Equal(t, 0, backend.Detaches())
}

func TestZerofreeCommand(t *testing.T) {
	rec := &runnertest.Recorder{}
	require.NoError(t, Zerofree{Runner: rec}.ZeroFill(context.Background(), "/dev/loop3p2"))

	assert.Equal(t, []runner.Command{{Name: "zerofree", Args: []string{"-v", "/dev/loop3p2"}}}, rec.Commands())
}

func TestFillZerosLeavesContentsUnchanged(t *testing.T) {
	dir := t.TempDir()
	occupied := filepath.Join(dir, "ubo_app.whl")
	require.NoError(t, os.WriteFile(occupied, []byte("occupied blocks"), 0o644))

	for i := 0; i < 2; i++ {
		written, err := FillZeros(context.Background(), dir, 3*fillChunk+17)
		require.NoError(t, err)
		assert.Equal(t, int64(3*fillChunk+17), written)

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		data, err := os.ReadFile(occupied)
		require.NoError(t, err)
		assert.Equal(t, "occupied blocks", string(data))
	}
}

func TestFillZerosHonoursCancellation(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := FillZeros(ctx, dir, 0)
	assert.ErrorIs(t, err, context.Canceled)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
