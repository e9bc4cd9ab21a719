// Package libvirt provisions an image by booting it once in a transient
// libvirt guest. The build artifacts and the provisioning script travel on a
// staging ISO; the image's first-boot hook runs them and powers the guest off.
package libvirt

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/kdomanski/iso9660"

	"github.com/cochaviz/kiln/internal/build"
)

// VolumeLabel identifies the staging ISO to the guest's first-boot hook.
const VolumeLabel = "KILN"

//go:embed assets/run.sh
var runScript string

// Ensure Preparer implements the EnvironmentPreparer interface.
var _ build.BuildEnvironmentPreparer = (*Preparer)(nil)

// Preparer writes the staging ISO into a temporary workspace.
type Preparer struct {
	BaseDir string
	Logger  *slog.Logger
}

func (p *Preparer) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

var _ build.BuildEnvironment = (*Environment)(nil)

// Environment is a prepared staging workspace.
type Environment struct {
	WorkDir string
	ISOPath string
}

// Prepare stages the files, the provisioning script and the release stamp
// and packs them into an ISO.
func (p *Preparer) Prepare(_ context.Context, bctx build.BuildContext) (build.BuildEnvironment, error) {
	info, err := os.Stat(p.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("base dir %q does not exist", p.BaseDir)
		}
		return nil, fmt.Errorf("stat base dir %q: %w", p.BaseDir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("base dir %q is not a directory", p.BaseDir)
	}

	workDir, err := os.MkdirTemp(p.BaseDir, "kiln-build-")
	if err != nil {
		return nil, fmt.Errorf("create workdir: %w", err)
	}
	env := &Environment{WorkDir: workDir, ISOPath: filepath.Join(workDir, "provision.iso")}

	// qemu runs unprivileged and must reach the ISO.
	if err := ensureExecutePermissions(workDir); err != nil {
		_ = env.Cleanup(context.Background())
		return nil, err
	}

	stageDir := filepath.Join(workDir, "stage")
	if err := writeStage(stageDir, bctx); err != nil {
		_ = env.Cleanup(context.Background())
		return nil, err
	}
	if err := createISOFromDirectory(stageDir, env.ISOPath, VolumeLabel); err != nil {
		_ = env.Cleanup(context.Background())
		return nil, err
	}

	p.logger().Debug("staging iso written", "iso", env.ISOPath, "files", len(bctx.Files))
	return env, nil
}

// writeStage lays out the ISO contents: files/, manifest, env, release,
// provision.sh and run.sh.
func writeStage(dir string, bctx build.BuildContext) error {
	filesDir := filepath.Join(dir, "files")
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		return fmt.Errorf("create stage dir: %w", err)
	}

	var manifest strings.Builder
	for i, f := range bctx.Files {
		name := strconv.Itoa(i) + "-" + filepath.Base(f.Source)
		if err := copyFile(f.Source, filepath.Join(filesDir, name), 0o644); err != nil {
			return fmt.Errorf("stage %s: %w", f.Artifact, err)
		}
		fmt.Fprintf(&manifest, "%s %s\n", isoPath("files/"+name), f.Destination)
	}

	var envFile strings.Builder
	keys := make([]string, 0, len(bctx.Env))
	for k := range bctx.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&envFile, "%s='%s'\n", k, strings.ReplaceAll(bctx.Env[k], "'", `'\''`))
	}

	release := fmt.Sprintf("KILN_VERSION=%s\nKILN_VARIANT=%s\n", bctx.Env["KILN_VERSION"], bctx.Env["KILN_VARIANT"])

	files := map[string]string{
		"manifest": manifest.String(),
		"env":      envFile.String(),
		"release":  release,
		"run.sh":   runScript,
	}
	if len(bctx.Description.Provisions) > 0 {
		files["provision.sh"] = bctx.Description.Script()
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o755); err != nil {
			return fmt.Errorf("write %s: %w", name, err)
		}
	}
	return nil
}

// Cleanup removes the workspace.
func (env *Environment) Cleanup(context.Context) error {
	if env.WorkDir == "" {
		return nil
	}
	if err := os.RemoveAll(env.WorkDir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove workdir: %w", err)
	}
	return nil
}

func createISOFromDirectory(sourceDir, imagePath, volumeLabel string) error {
	writer, err := iso9660.NewWriter()
	if err != nil {
		return fmt.Errorf("create iso writer: %w", err)
	}
	defer writer.Cleanup()

	if err := writer.AddLocalDirectory(sourceDir, "/"); err != nil {
		return fmt.Errorf("stage directory: %w", err)
	}

	out, err := os.OpenFile(imagePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create image file: %w", err)
	}
	if err := writer.WriteTo(out, volumeLabel); err != nil {
		out.Close()
		_ = os.Remove(imagePath)
		return fmt.Errorf("write iso: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(imagePath)
		return fmt.Errorf("finalize iso: %w", err)
	}
	return nil
}

func ensureExecutePermissions(path string) error {
	for dir := path; ; {
		if info, err := os.Stat(dir); err == nil {
			currentPerm := info.Mode().Perm()
			desiredPerm := currentPerm | 0o755
			if desiredPerm != currentPerm {
				newMode := info.Mode()&^os.ModePerm | desiredPerm
				if err := os.Chmod(dir, newMode); err != nil {
					if errors.Is(err, fs.ErrPermission) {
						break
					}
					return fmt.Errorf("chmod %q: %w", dir, err)
				}
			}
		} else if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("stat %q: %w", dir, err)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
