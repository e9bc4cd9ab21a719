package setup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cochaviz/kiln/internal/runner"
)

var ConfigDir = "/etc/kiln"
var StorageDir = "/var/lib/kiln/"

// CacheDir holds downloaded base images between runs.
var CacheDir = filepath.Join(StorageDir, "cache")

// Host tools needed by the image stages. The chroot environment additionally
// needs the partition tools; libvirt only needs a reachable daemon.
var imageTools = [...]string{"losetup", "zerofree"}
var chrootTools = [...]string{"growpart", "e2fsck", "resize2fs", "chroot"}

// Verify reports the first missing host tool for the given build environment
// ("chroot" or "libvirt").
func Verify(environment string) error {
	tools := append([]string(nil), imageTools[:]...)
	if environment == "chroot" {
		tools = append(tools, chrootTools[:]...)
	}
	getLogger().Debug("verifying host tools", "environment", environment, "tools", tools)
	if err := runner.LookPath(tools...); err != nil {
		return fmt.Errorf("host setup incomplete: %w", err)
	}
	return nil
}

// EnsureDirs creates the storage directories.
func EnsureDirs() error {
	for _, dir := range []string{StorageDir, CacheDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// ClearCache removes cached base images.
func ClearCache() error {
	getLogger().Info("clearing image cache", "dir", CacheDir)

	if err := os.RemoveAll(CacheDir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", CacheDir, err)
	}
	return nil
}
