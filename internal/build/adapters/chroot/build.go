package chroot

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/cochaviz/kiln/internal/build"
	"github.com/cochaviz/kiln/internal/failure"
	"github.com/cochaviz/kiln/internal/runner"
)

// ReleaseFile is stamped into every image with the version it carries.
const ReleaseFile = "/etc/kiln-release"

const scriptName = "provision.sh"

var _ build.BuildDriver = (*Driver)(nil)

// Driver copies the staged files into a mounted root and runs the
// provisioning script through chroot.
type Driver struct {
	Runner runner.Runner
	// Isolator runs offline provisioning; nil selects a fresh network
	// namespace.
	Isolator Isolator
	Logger   *slog.Logger
}

func (d *Driver) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

func (d *Driver) isolator() Isolator {
	if d.Isolator != nil {
		return d.Isolator
	}
	return NetNS{}
}

// Build provisions the image mounted by a Preparer.
func (d *Driver) Build(ctx context.Context, bctx build.BuildContext, env build.BuildEnvironment) (build.BuildOutput, error) {
	chrootEnv, ok := env.(*Environment)
	if !ok {
		return build.BuildOutput{}, failure.Newf(failure.InvalidConfig, stage, "invalid environment type %T: expected *chroot.Environment", env)
	}
	desc := bctx.Description
	logger := d.logger().With("variant", bctx.Request.Source.Variant, "root", chrootEnv.Root)

	for _, f := range bctx.Files {
		dst := within(chrootEnv.Root, f.Destination)
		if err := copyFile(f.Source, dst); err != nil {
			return build.BuildOutput{}, fmt.Errorf("stage %s: %w", f.Artifact, err)
		}
		logger.Debug("staged artifact", "artifact", f.Artifact, "destination", f.Destination)
	}

	if len(desc.Provisions) > 0 {
		scriptPath := path.Join(desc.Image.StagingDir, scriptName)
		hostScript := within(chrootEnv.Root, scriptPath)
		if err := os.MkdirAll(filepath.Dir(hostScript), 0o755); err != nil {
			return build.BuildOutput{}, fmt.Errorf("create staging dir: %w", err)
		}
		if err := os.WriteFile(hostScript, []byte(desc.Script()), 0o755); err != nil {
			return build.BuildOutput{}, fmt.Errorf("write provisioning script: %w", err)
		}
		defer os.Remove(hostScript)

		cmd := runner.Command{
			Name: "chroot",
			Args: []string{chrootEnv.Root, "/bin/sh", scriptPath},
			Env:  bctx.Env,
		}
		run := func() error {
			_, err := d.Runner.Run(ctx, cmd)
			return err
		}

		logger.Info("running provisioning", "steps", len(desc.Provisions), "offline", desc.Image.Offline)
		var err error
		if desc.Image.Offline {
			err = d.isolator().Isolate(run)
		} else {
			err = run()
		}
		if err != nil {
			return build.BuildOutput{}, failure.Wrap(failure.ProvisioningFailure, stage, err)
		}
	}

	if err := stampRelease(chrootEnv.Root, bctx.Env); err != nil {
		return build.BuildOutput{}, err
	}

	return build.BuildOutput{
		Metadata: map[string]any{
			"environment": "chroot",
			"partition":   chrootEnv.RootPartition,
			"files":       len(bctx.Files),
		},
	}, nil
}

func stampRelease(root string, env map[string]string) error {
	var b strings.Builder
	for _, key := range []string{"KILN_VERSION", "KILN_VARIANT"} {
		fmt.Fprintf(&b, "%s=%s\n", key, env[key])
	}
	target := within(root, ReleaseFile)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(ReleaseFile), err)
	}
	if err := os.WriteFile(target, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("stamp release: %w", err)
	}
	return nil
}

// within maps an absolute image path onto the host mount root.
func within(root, p string) string {
	return filepath.Join(root, filepath.FromSlash(path.Clean("/"+p)))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
