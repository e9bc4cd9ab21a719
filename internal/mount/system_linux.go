//go:build linux

package mount

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// System mounts through the mount(2) syscall.
type System struct{}

func (System) Mount(source, target, fstype string, readOnly bool) error {
	var flags uintptr
	if readOnly {
		flags |= unix.MS_RDONLY
	}
	return unix.Mount(source, target, fstype, flags, "")
}

// Unmount retries briefly while the target is busy.
func (System) Unmount(target string) error {
	var err error
	for attempt := 0; attempt < 5; attempt++ {
		err = unix.Unmount(target, 0)
		if err == nil || errors.Is(err, unix.EINVAL) {
			return nil
		}
		if !errors.Is(err, unix.EBUSY) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 100 * time.Millisecond)
	}
	return err
}
