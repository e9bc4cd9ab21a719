//go:build linux

package loopdev

import (
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const loopControl = "/dev/loop-control"

// Flags of struct loop_info64.
const (
	loFlagsReadOnly = 0x1
	loFlagsPartScan = 0x8
)

// Kernel drives /dev/loop-control and the loop ioctls directly.
type Kernel struct{}

func (Kernel) Attach(path string, opts Options) (string, error) {
	ctl, err := os.OpenFile(loopControl, os.O_RDWR, 0)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", loopControl, err)
	}
	defer ctl.Close()

	mode := os.O_RDWR
	if opts.ReadOnly {
		mode = os.O_RDONLY
	}
	backing, err := os.OpenFile(path, mode, 0)
	if err != nil {
		return "", err
	}
	defer backing.Close()

	for attempt := 0; attempt < 5; attempt++ {
		n, err := unix.IoctlRetInt(int(ctl.Fd()), unix.LOOP_CTL_GET_FREE)
		if err != nil {
			return "", fmt.Errorf("LOOP_CTL_GET_FREE: %w", err)
		}
		devPath := fmt.Sprintf("/dev/loop%d", n)

		err = bind(devPath, backing, path, mode, opts)
		if errors.Is(err, unix.EBUSY) {
			// Another process took the device between GET_FREE and SET_FD.
			continue
		}
		if err != nil {
			return "", err
		}
		return devPath, nil
	}
	return "", errors.New("no free loop device after 5 attempts")
}

func bind(devPath string, backing *os.File, path string, mode int, opts Options) error {
	dev, err := os.OpenFile(devPath, mode, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", devPath, err)
	}
	defer dev.Close()

	if err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_SET_FD, int(backing.Fd())); err != nil {
		return fmt.Errorf("LOOP_SET_FD %s: %w", devPath, err)
	}

	info := &unix.LoopInfo64{}
	if opts.PartScan {
		info.Flags |= loFlagsPartScan
	}
	if opts.ReadOnly {
		info.Flags |= loFlagsReadOnly
	}
	copy(info.File_name[:], path)

	if err := unix.IoctlLoopSetStatus64(int(dev.Fd()), info); err != nil {
		_ = unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0)
		return fmt.Errorf("LOOP_SET_STATUS64 %s: %w", devPath, err)
	}
	return nil
}

// Detach clears the device, retrying while partitions are still referenced.
func (Kernel) Detach(device string) error {
	dev, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer dev.Close()

	delay := 50 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := unix.IoctlSetInt(int(dev.Fd()), unix.LOOP_CLR_FD, 0)
		if err == nil || errors.Is(err, unix.ENXIO) {
			return nil
		}
		if !errors.Is(err, unix.EBUSY) || attempt == 8 {
			return fmt.Errorf("LOOP_CLR_FD: %w", err)
		}
		time.Sleep(delay)
		delay *= 2
	}
}
