package libvirt

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/kiln/arch"
	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/failure"
	"github.com/cochaviz/kiln/internal/loopdev"
	"github.com/cochaviz/kiln/internal/mount"
)

const stage = "assemble"

// GuestStatusFile is written by the guest with the provisioning exit status.
const GuestStatusFile = "/var/lib/kiln-provision-status"

//go:embed assets/domain.xml.tmpl
var domainTemplate string

//go:embed assets/build-network.xml
var defaultNetworkXML string

// Hypervisor boots build guests.
type Hypervisor interface {
	// EnsureNetwork defines and starts the network when needed and returns
	// its bridge device.
	EnsureNetwork(name, xml string) (string, error)
	Boot(domainXML string) (Guest, error)
}

// Guest is a running transient domain.
type Guest interface {
	// Stopped reports whether the guest has powered off.
	Stopped() (bool, error)
	Destroy() error
	Close() error
}

// LinkManager brings network links up.
type LinkManager interface {
	EnsureUp(name string) error
}

// Ensure Driver satisfies the build driver interface.
var _ build.BuildDriver = (*Driver)(nil)

// Driver boots the image with the staging ISO attached and waits for the
// guest to power itself off.
type Driver struct {
	Hypervisor Hypervisor
	Links      LinkManager

	NetworkName string
	// NetworkXML defines the network when it does not exist yet; empty
	// selects the built-in NAT network.
	NetworkXML string

	MemoryMB int
	VCPUs    int
	// Firmware is the UEFI code image for aarch64 guests.
	Firmware     string
	PollInterval time.Duration

	// Loop and Mounter read the guest's exit status back from the image.
	// Without them the status is not checked.
	Loop    *loopdev.Manager
	Mounter mount.Mounter

	Logger *slog.Logger
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

type domainTemplateData struct {
	Type      string
	Name      string
	UUID      string
	MemoryMB  int
	VCPUs     int
	Arch      string
	Machine   string
	CPUModel  string
	Firmware  string
	ImagePath string
	ISOPath   string
	Network   string
}

// Build runs one provisioning boot.
func (d *Driver) Build(ctx context.Context, bctx build.BuildContext, env build.BuildEnvironment) (build.BuildOutput, error) {
	libvirtEnv, ok := env.(*Environment)
	if !ok {
		return build.BuildOutput{}, failure.Newf(failure.InvalidConfig, stage, "invalid environment type %T: expected *libvirt.Environment", env)
	}
	if d.Hypervisor == nil {
		return build.BuildOutput{}, failure.New(failure.InvalidConfig, stage, "no hypervisor configured")
	}

	networkName := d.NetworkName
	if networkName == "" {
		networkName = "kiln-build"
	}
	networkXML := d.NetworkXML
	if networkXML == "" {
		networkXML = defaultNetworkXML
	}

	bridge, err := d.Hypervisor.EnsureNetwork(networkName, networkXML)
	if err != nil {
		return build.BuildOutput{}, err
	}
	if d.Links != nil && bridge != "" {
		if err := d.Links.EnsureUp(bridge); err != nil {
			return build.BuildOutput{}, fmt.Errorf("bring up bridge %s: %w", bridge, err)
		}
	}

	data, err := d.templateData(bctx, libvirtEnv, networkName)
	if err != nil {
		return build.BuildOutput{}, err
	}
	domainXML, err := renderDomainXML(domainTemplate, data)
	if err != nil {
		return build.BuildOutput{}, err
	}

	logger := d.logger().With("domain", data.Name, "arch", data.Arch, "type", data.Type)
	if data.Type == "qemu" {
		logger.Warn("using QEMU software emulation", "host_arch", arch.Host())
	}
	logger.Info("booting build guest", "timeout", bctx.Description.Image.Timeout)

	guest, err := d.Hypervisor.Boot(string(domainXML))
	if err != nil {
		return build.BuildOutput{}, fmt.Errorf("boot build guest: %w", err)
	}
	defer guest.Close()

	if err := d.wait(ctx, guest, bctx.Description.Image.Timeout); err != nil {
		if destroyErr := guest.Destroy(); destroyErr != nil {
			logger.Error("failed to destroy build guest", "error", destroyErr)
			err = errors.Join(err, failure.Wrap(failure.ResourceLeakRisk, stage, destroyErr))
		}
		return build.BuildOutput{}, err
	}
	logger.Info("build guest powered off")

	if d.Loop != nil && d.Mounter != nil {
		status, err := d.guestStatus(ctx, bctx)
		if err != nil {
			return build.BuildOutput{}, err
		}
		if status != 0 {
			return build.BuildOutput{}, failure.Newf(failure.ProvisioningFailure, stage, "guest provisioning exited with status %d", status)
		}
	}

	return build.BuildOutput{
		Metadata: map[string]any{
			"environment": "libvirt",
			"domain":      data.Name,
			"network":     networkName,
		},
	}, nil
}

func (d *Driver) templateData(bctx build.BuildContext, env *Environment, network string) (domainTemplateData, error) {
	guestArch, err := arch.Parse(bctx.Request.Arch)
	if err != nil {
		return domainTemplateData{}, failure.Wrap(failure.InvalidConfig, stage, err)
	}

	data := domainTemplateData{
		Type:      "kvm",
		Name:      fmt.Sprintf("kiln-build-%s-%s", bctx.Request.Source.Variant, uuid.NewString()[:8]),
		UUID:      uuid.NewString(),
		MemoryMB:  d.MemoryMB,
		VCPUs:     d.VCPUs,
		Arch:      guestArch.String(),
		Machine:   guestArch.Machine(),
		CPUModel:  "max",
		Firmware:  d.Firmware,
		ImagePath: bctx.ImagePath,
		ISOPath:   env.ISOPath,
		Network:   network,
	}
	if data.MemoryMB <= 0 {
		data.MemoryMB = 2048
	}
	if data.VCPUs <= 0 {
		data.VCPUs = 2
	}
	if arch.Host() != guestArch {
		data.Type = "qemu"
	}
	if data.Firmware == "" && guestArch == arch.AArch64 {
		data.Firmware = "/usr/share/AAVMF/AAVMF_CODE.fd"
	}
	return data, nil
}

// wait polls the guest until it stops, the timeout passes or ctx ends.
func (d *Driver) wait(ctx context.Context, guest Guest, timeout time.Duration) error {
	interval := d.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		stopped, err := guest.Stopped()
		if err != nil {
			return fmt.Errorf("query build guest: %w", err)
		}
		if stopped {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return failure.Newf(failure.ProvisioningFailure, stage, "build guest did not power off within %s", timeout)
		case <-ticker.C:
		}
	}
}

// guestStatus reads the exit status the guest left in its root filesystem.
func (d *Driver) guestStatus(ctx context.Context, bctx build.BuildContext) (int, error) {
	var raw []byte
	partition := bctx.Description.Image.Partition
	err := d.Loop.With(bctx.ImagePath, loopdev.Options{PartScan: true, ReadOnly: true}, func(dev *loopdev.Device) error {
		node, err := dev.WaitPartition(ctx, partition)
		if err != nil {
			return err
		}
		dir, err := os.MkdirTemp("", "kiln-status-")
		if err != nil {
			return err
		}
		defer os.Remove(dir)
		return mount.WithReadOnly(d.Mounter, node, dir, "ext4", func() error {
			raw, err = os.ReadFile(filepath.Join(dir, GuestStatusFile))
			return err
		})
	})
	if err != nil {
		return 0, failure.Wrap(failure.ProvisioningFailure, stage, fmt.Errorf("read guest status: %w", err))
	}
	status, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, failure.Wrap(failure.ProvisioningFailure, stage, fmt.Errorf("parse guest status %q: %w", raw, err))
	}
	return status, nil
}

func renderDomainXML(templateSrc string, data domainTemplateData) ([]byte, error) {
	if templateSrc == "" {
		return nil, errors.New("domain template source is empty")
	}

	tmpl, err := template.New("domain").Parse(templateSrc)
	if err != nil {
		return nil, fmt.Errorf("parse domain template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("execute domain template: %w", err)
	}
	return buf.Bytes(), nil
}
