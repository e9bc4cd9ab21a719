// Package loopdev attaches image files to loop devices. A device is released
// on every exit path of With, including errors and panics.
package loopdev

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"
)

// Options controls how an image is attached.
type Options struct {
	// PartScan asks the kernel to create partition nodes (<dev>p<N>).
	PartScan bool
	// ReadOnly attaches without write access to the backing file.
	ReadOnly bool
}

// Backend performs the privileged attach and detach.
type Backend interface {
	Attach(path string, opts Options) (string, error)
	Detach(device string) error
}

// Device is an attached loop device.
type Device struct {
	Path    string
	Backing string

	manager   *Manager
	once      sync.Once
	detachErr error
}

// Partition returns the node path of partition n.
func (d *Device) Partition(n int) string {
	return d.Path + "p" + strconv.Itoa(n)
}

// WaitPartition waits until the node of partition n exists.
func (d *Device) WaitPartition(ctx context.Context, n int) (string, error) {
	node := d.Partition(n)
	timeout := d.manager.partitionTimeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(node); err == nil {
			return node, nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("partition %d of %s did not appear within %s: %w", n, d.Path, timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Detach releases the device. Only the first call reaches the backend; later
// calls return its result.
func (d *Device) Detach() error {
	d.once.Do(func() {
		d.detachErr = d.manager.detach(d)
	})
	return d.detachErr
}

// Manager serialises loop device allocation for the process.
type Manager struct {
	Backend Backend
	// PartitionTimeout bounds WaitPartition; zero means 10s.
	PartitionTimeout time.Duration
	Logger           *slog.Logger

	mu sync.Mutex
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func (m *Manager) partitionTimeout() time.Duration {
	if m == nil || m.PartitionTimeout <= 0 {
		return 10 * time.Second
	}
	return m.PartitionTimeout
}

// Attach binds path to a free loop device.
func (m *Manager) Attach(path string, opts Options) (*Device, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("attach %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dev, err := m.Backend.Attach(path, opts)
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", path, err)
	}
	m.logger().Debug("loop device attached", "device", dev, "image", path, "partscan", opts.PartScan)
	return &Device{Path: dev, Backing: path, manager: m}, nil
}

func (m *Manager) detach(d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.Backend.Detach(d.Path); err != nil {
		return fmt.Errorf("detach %s: %w", d.Path, err)
	}
	m.logger().Debug("loop device detached", "device", d.Path)
	return nil
}

// With attaches path, runs fn and detaches on every exit path. A detach error
// is joined with fn's error; a panic in fn is re-raised after detaching.
func (m *Manager) With(path string, opts Options, fn func(*Device) error) (err error) {
	dev, err := m.Attach(path, opts)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			if detachErr := dev.Detach(); detachErr != nil {
				m.logger().Error("loop device left attached after panic", "device", dev.Path, "error", detachErr)
			}
			panic(r)
		}
		if detachErr := dev.Detach(); detachErr != nil {
			err = errors.Join(err, detachErr)
		}
	}()
	return fn(dev)
}

var defaultManager = &Manager{Backend: Kernel{}}

// Default returns the process-wide manager backed by the kernel.
func Default() *Manager {
	return defaultManager
}
