//go:build !linux

package chroot

import "errors"

// NetNS is only available on Linux.
type NetNS struct{}

func (NetNS) Isolate(func() error) error {
	return errors.New("network namespaces are only supported on linux")
}
