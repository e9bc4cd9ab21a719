//go:build linux

package chroot

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/vishvananda/netns"
)

// NetNS runs fn on a thread moved into a fresh network namespace holding
// only a down loopback interface. Processes started by fn inherit it.
type NetNS struct{}

func (NetNS) Isolate(fn func() error) (err error) {
	runtime.LockOSThread()

	origin, err := netns.Get()
	if err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("get current netns: %w", err)
	}
	defer origin.Close()

	isolated, err := netns.New()
	if err != nil {
		runtime.UnlockOSThread()
		return fmt.Errorf("create netns: %w", err)
	}
	defer isolated.Close()

	defer func() {
		// A thread left in the isolated namespace stays locked and is
		// discarded when the goroutine exits.
		if restoreErr := netns.Set(origin); restoreErr != nil {
			err = errors.Join(err, fmt.Errorf("restore netns: %w", restoreErr))
			return
		}
		runtime.UnlockOSThread()
	}()

	return fn()
}
