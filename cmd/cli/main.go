package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	config "github.com/cochaviz/kiln/config"
	"github.com/cochaviz/kiln/internal/build/description"
	"github.com/cochaviz/kiln/internal/diskimage"
	"github.com/cochaviz/kiln/internal/failure"
	"github.com/cochaviz/kiln/internal/logging"
	"github.com/cochaviz/kiln/internal/publish"
	"github.com/cochaviz/kiln/internal/release"
	"github.com/cochaviz/kiln/internal/runner"
	"github.com/cochaviz/kiln/internal/settings"
	"github.com/cochaviz/kiln/internal/setup"
	"github.com/cochaviz/kiln/internal/variant"
	"github.com/cochaviz/kiln/internal/version"
)

const defaultLogLevel = "info"

// Exit codes.
const (
	exitFailure     = 1
	exitUsage       = 2
	exitInterrupted = 130
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	cli := &cliState{levelVar: &levelVar}
	cli.setLogger(logging.NewCLI(os.Stderr, &levelVar))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(cli)
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(exitCode(ctx, cli.logger, err))
	}
}

func exitCode(ctx context.Context, logger *slog.Logger, err error) int {
	switch {
	case errors.Is(err, context.Canceled) || ctx.Err() != nil:
		logger.Warn("command interrupted", "error", err)
		return exitInterrupted
	case failure.KindOf(err) == failure.InvalidConfig:
		logger.Error("invalid configuration", "error", err)
		return exitUsage
	default:
		logger.Error("command execution failed", "error", err, "kind", failure.KindOf(err))
		return exitFailure
	}
}

// cliState carries the values shared by every command.
type cliState struct {
	logger   *slog.Logger
	levelVar *slog.LevelVar

	configPath string
	logLevel   string
	logFormat  string
}

func (c *cliState) setLogger(logger *slog.Logger) {
	c.logger = logger
	slog.SetDefault(logger)
	setup.SetLogger(logger.With("component", "setup"))
}

func (c *cliState) loadConfig() (settings.Config, error) {
	cfg, err := settings.Load(c.configPath)
	if err != nil {
		return cfg, failure.Wrap(failure.InvalidConfig, "config", err)
	}
	return cfg, nil
}

func usageError(err error) error {
	return failure.Wrap(failure.InvalidConfig, "usage", err)
}

func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		return usageError(cobra.ExactArgs(n)(cmd, args))
	}
}

func newRootCommand(cli *cliState) *cobra.Command {
	root := &cobra.Command{
		Use:           "kiln",
		Short:         "Release pipeline: version checks, packaging and bootable disk images",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&cli.configPath, "config", settings.DefaultFile, "Pipeline configuration file")
	root.PersistentFlags().StringVar(&cli.logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&cli.logFormat, "log-format", "text", "Log output format (text, json)")
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError(err)
	})

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(cli.logLevel)
		if err != nil {
			return usageError(err)
		}
		cli.levelVar.Set(level)

		mode, err := logging.ParseMode(cli.logFormat)
		if err != nil {
			return usageError(err)
		}
		if mode == logging.ModeJSON {
			cli.setLogger(logging.New(mode, os.Stderr, cli.levelVar))
		}
		return nil
	}

	root.AddCommand(
		newRunCommand(cli),
		newVersionCommand(cli),
		newVariantsCommand(cli),
		newGraphCommand(cli),
		newReclaimCommand(cli),
		newCompressCommand(cli),
		newSetupCommand(cli),
	)
	return root
}

func addRunFlags(cmd *cobra.Command, opts *config.Options) {
	cmd.Flags().StringVar(&opts.Tag, "tag", "", "Triggering release tag (e.g. v1.2.3); enables the tag check")
	cmd.Flags().BoolVar(&opts.TagFromGit, "tag-from-git", false, "Use the v* tag at HEAD as the triggering tag")
	cmd.Flags().StringSliceVar(&opts.Variants, "variant", nil, "Build variant; repeat to build several (default from config)")
	cmd.Flags().StringVar(&opts.WorkDir, "work-dir", "", "Directory for intermediate files (default .kiln/work)")
	cmd.Flags().StringVar(&opts.Store, "store", "", "Publish store override (local, s3, oci)")
}

// environmentFor reports the build environment named by the image
// description, or "" when it cannot be decoded yet.
func environmentFor(cfg settings.Config) string {
	name := cfg.Variants[0]
	src, err := variant.Resolve(name, variant.ImageSettings{
		URLTemplate: cfg.Image.URL,
		Arch:        cfg.Image.Arch,
		Codename:    cfg.Image.Codename,
		Sizes:       variant.Table(cfg.Sizes),
	})
	if err != nil {
		return ""
	}
	desc, err := description.Load(cfg.Path(cfg.Image.Description), map[string]string{
		description.VarVersion:    "0.0.0",
		description.VarVariant:    name,
		description.VarTargetSize: fmt.Sprint(src.TargetSizeBytes),
		description.VarArch:       cfg.Image.Arch,
		description.VarCodename:   cfg.Image.Codename,
	})
	if err != nil {
		return ""
	}
	return desc.Image.Environment
}

func newRunCommand(cli *cliState) *cobra.Command {
	var (
		opts       config.Options
		skipVerify bool
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Args:  exactArgs(0),
		Short: "Run the full release graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := cli.logger.With("command", "run")

			cfg, err := cli.loadConfig()
			if err != nil {
				return err
			}
			cfg, err = config.Apply(cfg, opts)
			if err != nil {
				return err
			}

			if !skipVerify {
				environment := environmentFor(cfg)
				if err := setup.Verify(environment); err != nil {
					cmdLogger.Info("run 'kiln setup verify' for details or pass --skip-verify")
					return err
				}
			}
			if err := setup.EnsureDirs(); err != nil {
				cmdLogger.Warn("using work directory for the image cache", "error", err)
				setup.CacheDir = filepath.Join(cfg.Path(config.DefaultWorkDir), "cache")
			}

			opts.Ref = os.Getenv("GITHUB_REF")
			if !quiet {
				opts.Output = cmd.ErrOrStderr()
			}

			cmdLogger.Info("starting release run", "variants", cfg.Variants, "store", cfg.Publish.Store)
			result, err := config.Run(cmd.Context(), cfg, opts, cmdLogger)
			for _, res := range result.Results() {
				fmt.Fprintf(cmd.OutOrStdout(), "%-28s %s\n", res.Name, res.State)
			}
			return err
		},
	}

	addRunFlags(cmd, &opts)
	cmd.Flags().StringVar(&opts.ConnectionURI, "connect-uri", config.DefaultConnectionURI, "Libvirt connection URI for libvirt builds")
	cmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "Do not check for required host tools")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not stream the output of external commands")
	return cmd
}

func newVersionCommand(cli *cliState) *cobra.Command {
	var opts config.Options

	cmd := &cobra.Command{
		Use:   "version",
		Args:  exactArgs(0),
		Short: "Resolve and cross-check the release version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.loadConfig()
			if err != nil {
				return err
			}
			opts.Ref = os.Getenv("GITHUB_REF")
			tag, err := config.ResolveTag(cfg, opts)
			if err != nil {
				return err
			}

			v, err := version.Resolve(version.Sources{
				Manifest:  cfg.Path(cfg.Package.Manifest),
				Changelog: cfg.Path(cfg.Package.Changelog),
				Tag:       tag,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.Tag, "tag", "", "Triggering release tag to check against")
	cmd.Flags().BoolVar(&opts.TagFromGit, "tag-from-git", false, "Use the v* tag at HEAD as the triggering tag")
	return cmd
}

func newVariantsCommand(cli *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "variants",
		Args:  exactArgs(0),
		Short: "List the configured variants with their target sizes and base images",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.loadConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, name := range cfg.Variants {
				src, err := variant.Resolve(name, variant.ImageSettings{
					URLTemplate:         cfg.Image.URL,
					ChecksumURLTemplate: cfg.Image.ChecksumURL,
					Arch:                cfg.Image.Arch,
					Codename:            cfg.Image.Codename,
					Sizes:               variant.Table(cfg.Sizes),
				})
				if err != nil {
					return usageError(err)
				}
				fmt.Fprintf(out, "%s\t%d\t%s\n", src.Variant, src.TargetSizeBytes, src.ImageURL)
			}
			return nil
		},
	}
}

func newGraphCommand(cli *cliState) *cobra.Command {
	var opts config.Options

	cmd := &cobra.Command{
		Use:   "graph",
		Args:  exactArgs(0),
		Short: "Print the expanded job graph in execution order",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.loadConfig()
			if err != nil {
				return err
			}
			cfg, err = config.Apply(cfg, opts)
			if err != nil {
				return err
			}
			pipeline := &release.Pipeline{Config: cfg}
			graph, err := pipeline.Graph()
			if err != nil {
				return usageError(err)
			}
			for _, line := range release.Describe(graph) {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&opts.Variants, "variant", nil, "Build variant; repeat to expand several")
	return cmd
}

func newReclaimCommand(cli *cliState) *cobra.Command {
	var variantName string

	cmd := &cobra.Command{
		Use:   "reclaim <image>",
		Args:  exactArgs(1),
		Short: "Zero-fill the free space of an assembled image's data partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.loadConfig()
			if err != nil {
				return err
			}
			path := strings.TrimSpace(args[0])
			cmdLogger := cli.logger.With("command", "reclaim", "image", path)

			reclaimer := config.NewReclaimer(cfg, &runner.ExecRunner{Output: cmd.ErrOrStderr()}, cmdLogger)
			img, err := reclaimer.Reclaim(cmd.Context(), diskimage.DiskImage{
				Path:    path,
				Variant: variantName,
				State:   diskimage.Assembled,
			})
			if err != nil {
				return err
			}
			cmdLogger.Info("image reclaimed", "state", img.State)
			return nil
		},
	}

	cmd.Flags().StringVar(&variantName, "variant", variant.Lite, "Variant the image was built for")
	return cmd
}

func newCompressCommand(cli *cliState) *cobra.Command {
	var (
		variantName string
		releaseVer  string
		outDir      string
	)

	cmd := &cobra.Command{
		Use:   "compress <image>",
		Args:  exactArgs(1),
		Short: "Compress a reclaimed image under its release name",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.loadConfig()
			if err != nil {
				return err
			}
			if releaseVer == "" {
				return usageError(errors.New("--release-version is required"))
			}

			compressor := &publish.Compressor{Logger: cli.logger.With("command", "compress")}
			compressed, err := compressor.Compress(cmd.Context(), diskimage.DiskImage{
				Path:    strings.TrimSpace(args[0]),
				Variant: variantName,
				State:   diskimage.Reclaimed,
			}, publish.Naming{
				Package:  cfg.Package.Name,
				Version:  releaseVer,
				Codename: cfg.Image.Codename,
				Suffix:   variant.FilenameSuffix(variantName),
				Arch:     cfg.Image.Arch,
			}, outDir)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), compressed.Path)
			return nil
		},
	}

	cmd.Flags().StringVar(&variantName, "variant", variant.Lite, "Variant the image was built for")
	cmd.Flags().StringVar(&releaseVer, "release-version", "", "Release version used in the image name")
	cmd.Flags().StringVarP(&outDir, "output", "o", ".", "Directory for the compressed image and its checksum")
	return cmd
}

func newSetupCommand(cli *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Check and prepare the host",
	}

	var environment string
	verify := &cobra.Command{
		Use:   "verify",
		Args:  exactArgs(0),
		Short: "Check that the host tools for image builds are installed",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := cli.logger.With("command", "setup.verify", "environment", environment)
			if err := setup.Verify(environment); err != nil {
				return err
			}
			cmdLogger.Info("setup verification succeeded")
			return nil
		},
	}
	verify.Flags().StringVar(&environment, "environment", description.EnvironmentChroot, "Build environment to check (chroot, libvirt)")

	dirs := &cobra.Command{
		Use:   "dirs",
		Args:  exactArgs(0),
		Short: "Create the storage directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.EnsureDirs()
		},
	}

	clearCache := &cobra.Command{
		Use:   "clear-cache",
		Args:  exactArgs(0),
		Short: "Remove cached base images",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.ClearCache()
		},
	}

	cmd.AddCommand(verify, dirs, clearCache)
	return cmd
}
