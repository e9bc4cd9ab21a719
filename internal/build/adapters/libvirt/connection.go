package libvirt

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	libvirt "libvirt.org/go/libvirt"
)

var _ Hypervisor = (*Connection)(nil)

// Connection is a Hypervisor backed by a libvirt daemon. The zero value
// with URI set connects on first use.
type Connection struct {
	URI    string
	Logger *slog.Logger

	mu   sync.Mutex
	conn *libvirt.Connect
}

// Connect opens uri.
func Connect(uri string, logger *slog.Logger) (*Connection, error) {
	conn, err := libvirt.NewConnect(uri)
	if err != nil {
		return nil, fmt.Errorf("open libvirt connection %s: %w", uri, err)
	}
	return &Connection{URI: uri, Logger: logger, conn: conn}, nil
}

func (c *Connection) open() (*libvirt.Connect, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}
	conn, err := libvirt.NewConnect(c.URI)
	if err != nil {
		return nil, fmt.Errorf("open libvirt connection %s: %w", c.URI, err)
	}
	c.conn = conn
	return conn, nil
}

func (c *Connection) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Close releases the connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	_, err := c.conn.Close()
	c.conn = nil
	return err
}

// EnsureNetwork ensures that the named network exists and is active.
func (c *Connection) EnsureNetwork(name, xml string) (string, error) {
	conn, err := c.open()
	if err != nil {
		return "", err
	}
	network, err := conn.LookupNetworkByName(name)
	if err != nil {
		if !isInLibvirtErrors(err, libvirt.ERR_NO_NETWORK) {
			return "", fmt.Errorf("lookup network %s: %w", name, err)
		}
		if xml == "" {
			return "", fmt.Errorf("network %q not found and no XML configuration provided", name)
		}
		network, err = conn.NetworkDefineXML(xml)
		if err != nil {
			return "", fmt.Errorf("define network: %w", err)
		}
		c.logger().Info("defined libvirt network", "network", name)
	}
	defer network.Free()

	active, err := network.IsActive()
	if err != nil {
		return "", fmt.Errorf("query network active: %w", err)
	}
	if !active {
		if err := network.Create(); err != nil {
			return "", fmt.Errorf("start network: %w", err)
		}
		c.logger().Info("started libvirt network", "network", name)
	}

	if err := network.SetAutostart(true); err != nil {
		c.logger().Warn("unable to set network autostart", "network", name, "error", err)
	}

	bridge, err := network.GetBridgeName()
	if err != nil {
		return "", fmt.Errorf("network bridge: %w", err)
	}
	return bridge, nil
}

// Boot starts a transient domain; it disappears once it powers off.
func (c *Connection) Boot(domainXML string) (Guest, error) {
	conn, err := c.open()
	if err != nil {
		return nil, err
	}
	dom, err := conn.DomainCreateXML(domainXML, 0)
	if err != nil {
		return nil, fmt.Errorf("create domain: %w", err)
	}
	return &domain{dom: dom}, nil
}

type domain struct {
	dom *libvirt.Domain
}

func (d *domain) Stopped() (bool, error) {
	state, _, err := d.dom.GetState()
	if err != nil {
		if isInLibvirtErrors(err, libvirt.ERR_NO_DOMAIN) {
			return true, nil
		}
		return false, err
	}
	return state == libvirt.DOMAIN_SHUTOFF || state == libvirt.DOMAIN_CRASHED, nil
}

func (d *domain) Destroy() error {
	if err := d.dom.Destroy(); err != nil && !isInLibvirtErrors(err, libvirt.ERR_NO_DOMAIN, libvirt.ERR_OPERATION_INVALID) {
		return err
	}
	return nil
}

func (d *domain) Close() error {
	return d.dom.Free()
}

func isInLibvirtErrors(err error, codes ...libvirt.ErrorNumber) bool {
	if err == nil {
		return false
	}

	var libErr libvirt.Error
	if !errors.As(err, &libErr) {
		return false
	}
	return slices.Contains(codes, libErr.Code)
}
