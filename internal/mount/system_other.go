//go:build !linux

package mount

import "errors"

// System is only available on Linux.
type System struct{}

func (System) Mount(string, string, string, bool) error {
	return errors.New("mounting requires linux")
}

func (System) Unmount(string) error {
	return errors.New("mounting requires linux")
}
