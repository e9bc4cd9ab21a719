package libvirt

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

var _ LinkManager = NetlinkLinks{}

// NetlinkLinks manages links through rtnetlink.
type NetlinkLinks struct{}

// EnsureUp sets the link administratively up when it is not.
func (NetlinkLinks) EnsureUp(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("lookup link %s: %w", name, err)
	}
	if link.Attrs().Flags&net.FlagUp != 0 {
		return nil
	}
	return netlink.LinkSetUp(link)
}
