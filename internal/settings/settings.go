// Package settings loads the kiln.yaml pipeline file.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the pipeline file looked up in the source tree.
const DefaultFile = "kiln.yaml"

const defaultYAML = `# kiln pipeline configuration
package:
  name: ubo_app
  manifest: pyproject.toml
  changelog: CHANGELOG.md

image:
  arch: arm64
  codename: bookworm
  url: https://downloads.raspberrypi.com/raspios{suffix}_{arch}/images/raspios{suffix}_{arch}-latest/raspios-{codename}-{arch}{dash_suffix}.img.xz
  checksum_url: "{image_url}.sha256"
  description: image.hcl
  data_partition: 2
  reclaim: zerofree

variants:
  - lite

sizes:
  lite: 4.25
  default: 6.25
  full: 13

commands:
  install: uv sync --frozen
  build: uv build
  lint: uv run poe lint
  typecheck: uv run poe typecheck
  test: uv run poe test

artifacts:
  dist_dir: dist
  package_glob: "*.whl"
  tarball_glob: "*.tar.gz"

reports:
  - name: coverage
    paths: [coverage.xml]
  - name: screenshots
    paths: [tests/**/results/**/*.png]
    optional: true
  - name: snapshots
    paths: [tests/**/__snapshots__/**]
    optional: true

publish:
  store: local
  local:
    dir: .kiln/published

reporting:
  status_file: .kiln/status.json
`

// Package identifies the packaged application and its version sources.
type Package struct {
	Name      string `yaml:"name"`
	Manifest  string `yaml:"manifest"`
	Changelog string `yaml:"changelog"`
}

// Image holds the parameters of the disk image stage.
type Image struct {
	Arch          string `yaml:"arch"`
	Codename      string `yaml:"codename"`
	URL           string `yaml:"url"`
	ChecksumURL   string `yaml:"checksum_url"`
	Description   string `yaml:"description"`
	DataPartition int    `yaml:"data_partition"`
	Reclaim       string `yaml:"reclaim"`
}

// Commands are the command lines of the external collaborators.
type Commands struct {
	Install   string `yaml:"install"`
	Build     string `yaml:"build"`
	Lint      string `yaml:"lint"`
	Typecheck string `yaml:"typecheck"`
	Test      string `yaml:"test"`
}

// Artifacts locates the outputs of the build command.
type Artifacts struct {
	DistDir     string `yaml:"dist_dir"`
	PackageGlob string `yaml:"package_glob"`
	TarballGlob string `yaml:"tarball_glob"`
}

// Report is a verification byproduct published under Name.
type Report struct {
	Name     string   `yaml:"name"`
	Paths    []string `yaml:"paths"`
	Optional bool     `yaml:"optional"`
}

// Publish selects the external artifact store.
type Publish struct {
	Store string     `yaml:"store"`
	Local LocalStore `yaml:"local"`
	S3    S3Store    `yaml:"s3"`
	OCI   OCIStore   `yaml:"oci"`
}

// LocalStore publishes into a directory.
type LocalStore struct {
	Dir string `yaml:"dir"`
}

// S3Store publishes into an S3 bucket.
type S3Store struct {
	Bucket         string `yaml:"bucket"`
	Prefix         string `yaml:"prefix"`
	Region         string `yaml:"region"`
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`
}

// OCIStore publishes into an OCI registry repository.
type OCIStore struct {
	Repository string `yaml:"repository"`
	PlainHTTP  bool   `yaml:"plain_http"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
}

// Reporting configures job event sinks.
type Reporting struct {
	StatusFile  string `yaml:"status_file"`
	SocketIOURL string `yaml:"socketio_url"`
	Namespace   string `yaml:"namespace"`
}

// Scheduler tunes job execution.
type Scheduler struct {
	MaxParallel int  `yaml:"max_parallel"`
	FailFast    bool `yaml:"fail_fast"`
}

// Config models kiln.yaml.
type Config struct {
	Package   Package            `yaml:"package"`
	Image     Image              `yaml:"image"`
	Variants  []string           `yaml:"variants"`
	Sizes     map[string]float64 `yaml:"sizes"`
	Commands  Commands           `yaml:"commands"`
	Artifacts Artifacts          `yaml:"artifacts"`
	Reports   []Report           `yaml:"reports"`
	Publish   Publish            `yaml:"publish"`
	Reporting Reporting          `yaml:"reporting"`
	Scheduler Scheduler          `yaml:"scheduler"`

	// Root is the directory the file was loaded from; relative paths resolve against it.
	Root string `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultYAML), &cfg); err != nil {
		panic(fmt.Sprintf("settings: invalid default configuration: %v", err))
	}
	return cfg
}

// Load reads path over the defaults. A missing file yields the defaults rooted
// at the file's directory.
func Load(path string) (Config, error) {
	cfg := Default()

	abs, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	cfg.Root = filepath.Dir(abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}

	if err := Parse(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Parse decodes data on top of cfg. Lists in data replace the defaults.
func Parse(data []byte, cfg *Config) error {
	var overlay Config
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return err
	}
	if overlay.Variants != nil {
		cfg.Variants = nil
	}
	if overlay.Reports != nil {
		cfg.Reports = nil
	}
	return yaml.Unmarshal(data, cfg)
}

// Validate checks the fields every run depends on.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Package.Name) == "" {
		problems = append(problems, "package.name is required")
	}
	if c.Package.Manifest == "" || c.Package.Changelog == "" {
		problems = append(problems, "package.manifest and package.changelog are required")
	}
	if c.Image.Arch == "" || c.Image.Codename == "" {
		problems = append(problems, "image.arch and image.codename are required")
	}
	if c.Image.URL == "" {
		problems = append(problems, "image.url is required")
	}
	if c.Image.DataPartition < 1 {
		problems = append(problems, "image.data_partition must be >= 1")
	}
	if len(c.Variants) == 0 {
		problems = append(problems, "at least one variant is required")
	}
	for _, v := range c.Variants {
		if _, ok := c.Sizes[v]; !ok {
			if _, ok := c.Sizes["default"]; !ok {
				problems = append(problems, fmt.Sprintf("no size for variant %q and no default size", v))
			}
		}
	}
	for name, size := range c.Sizes {
		if size <= 0 {
			problems = append(problems, fmt.Sprintf("size for %q must be positive", name))
		}
	}
	switch c.Image.Reclaim {
	case "zerofree", "fill":
	default:
		problems = append(problems, fmt.Sprintf("image.reclaim must be zerofree or fill, got %q", c.Image.Reclaim))
	}
	switch c.Publish.Store {
	case "local":
		if c.Publish.Local.Dir == "" {
			problems = append(problems, "publish.local.dir is required")
		}
	case "s3":
		if c.Publish.S3.Bucket == "" {
			problems = append(problems, "publish.s3.bucket is required")
		}
	case "oci":
		if c.Publish.OCI.Repository == "" {
			problems = append(problems, "publish.oci.repository is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown publish.store %q", c.Publish.Store))
	}
	for _, report := range c.Reports {
		if report.Name == "" || len(report.Paths) == 0 {
			problems = append(problems, "reports need a name and at least one path")
		}
	}
	if c.Scheduler.MaxParallel < 0 {
		problems = append(problems, "scheduler.max_parallel must not be negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Path resolves p against the configuration root.
func (c Config) Path(p string) string {
	if p == "" || filepath.IsAbs(p) || c.Root == "" {
		return p
	}
	return filepath.Join(c.Root, p)
}

// SplitCommand splits a configured command line into program and arguments.
// An empty line yields an empty program.
func SplitCommand(line string) (string, []string, error) {
	parts, err := shlex.Split(line)
	if err != nil {
		return "", nil, fmt.Errorf("split %q: %w", line, err)
	}
	if len(parts) == 0 {
		return "", nil, nil
	}
	return parts[0], parts[1:], nil
}
