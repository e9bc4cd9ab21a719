//go:build !linux

package loopdev

import "errors"

// Kernel is only available on Linux.
type Kernel struct{}

func (Kernel) Attach(string, Options) (string, error) {
	return "", errors.New("loop devices require linux")
}

func (Kernel) Detach(string) error {
	return errors.New("loop devices require linux")
}
