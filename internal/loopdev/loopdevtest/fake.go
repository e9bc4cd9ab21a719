// Package loopdevtest provides an in-memory loop device backend for tests.
package loopdevtest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/cochaviz/kiln/internal/loopdev"
)

// Backend hands out fake device paths under Dir and creates a node file for
// each entry of Partitions when PartScan is requested.
type Backend struct {
	Dir        string
	Partitions []int
	AttachErr  error
	DetachErr  error

	mu       sync.Mutex
	next     int
	attached map[string]string
	options  []loopdev.Options
	detaches int
}

var _ loopdev.Backend = (*Backend)(nil)

func (b *Backend) Attach(path string, opts loopdev.Options) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.AttachErr != nil {
		return "", b.AttachErr
	}
	if b.attached == nil {
		b.attached = map[string]string{}
	}

	b.options = append(b.options, opts)
	dev := filepath.Join(b.Dir, "loop"+strconv.Itoa(b.next))
	b.next++
	if opts.PartScan {
		for _, n := range b.Partitions {
			if err := os.WriteFile(dev+"p"+strconv.Itoa(n), nil, 0o644); err != nil {
				return "", err
			}
		}
	}
	b.attached[dev] = path
	return dev, nil
}

func (b *Backend) Detach(device string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.detaches++
	if b.DetachErr != nil {
		return b.DetachErr
	}
	if _, ok := b.attached[device]; !ok {
		return fmt.Errorf("%s is not attached", device)
	}
	delete(b.attached, device)
	return nil
}

// Attached returns the devices still bound.
func (b *Backend) Attached() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]string, 0, len(b.attached))
	for dev := range b.attached {
		out = append(out, dev)
	}
	sort.Strings(out)
	return out
}

// Detaches counts Detach calls, successful or not.
func (b *Backend) Detaches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.detaches
}

// Options returns the options of every Attach call, in order.
func (b *Backend) Options() []loopdev.Options {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]loopdev.Options(nil), b.options...)
}
