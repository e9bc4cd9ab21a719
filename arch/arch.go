// Package arch maps between the architecture names used by Debian image
// names and the ones qemu/libvirt expect.
package arch

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Architecture is the qemu/libvirt name of a CPU architecture.
type Architecture string

const (
	X86_64  Architecture = "x86_64"
	AArch64 Architecture = "aarch64"
	ARMV7L  Architecture = "armv7l"
)

// Supported returns the full list of supported architectures.
func Supported() []Architecture {
	return []Architecture{X86_64, AArch64, ARMV7L}
}

// IsValid reports whether a matches a supported architecture value.
func (a Architecture) IsValid() bool {
	switch a {
	case X86_64, AArch64, ARMV7L:
		return true
	default:
		return false
	}
}

// String returns the architecture as string.
func (a Architecture) String() string {
	return string(a)
}

// Debian returns the name Debian and Raspberry Pi OS use in image and
// package file names.
func (a Architecture) Debian() string {
	switch a {
	case X86_64:
		return "amd64"
	case AArch64:
		return "arm64"
	case ARMV7L:
		return "armhf"
	default:
		return string(a)
	}
}

// Machine returns the qemu machine type used to boot a on any host.
func (a Architecture) Machine() string {
	switch a {
	case X86_64:
		return "q35"
	default:
		return "virt"
	}
}

// Parse returns the canonical Architecture for the provided string or an error if unsupported.
func Parse(value string) (Architecture, error) {
	if arch := Normalize(value); arch != "" {
		return arch, nil
	}
	return "", fmt.Errorf("unsupported architecture %q (supported: %s)", value, strings.Join(supportedStrings(), ", "))
}

// Normalize maps a possibly ambiguous string into a canonical Architecture. Returns ""
// when the string cannot be normalized.
func Normalize(value string) Architecture {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(X86_64), "x86-64", "amd64":
		return X86_64
	case string(AArch64), "arm64":
		return AArch64
	case string(ARMV7L), "arm", "armv7", "armhf":
		return ARMV7L
	default:
		return ""
	}
}

// Host returns the architecture of the running process, or "" when it is
// not supported.
func Host() Architecture {
	return Normalize(runtime.GOARCH)
}

func supportedStrings() []string {
	all := Supported()
	out := make([]string, 0, len(all))
	for _, a := range all {
		out = append(out, a.String())
	}
	sort.Strings(out)
	return out
}
