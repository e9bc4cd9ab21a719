// Package description decodes image build descriptions. A description is an
// HCL file naming the files staged into the image and the provisioning steps
// run inside it:
//
//	variable "hostname" {
//	  default = "kiln"
//	}
//
//	image {
//	  partition   = 2
//	  environment = "chroot"
//	  offline     = true
//	}
//
//	file "package-archive" {
//	  destination = "packages/"
//	}
//
//	provision "install" {
//	  inline = ["pip install /opt/kiln/packages/*.whl"]
//	  environment = {
//	    APP_VERSION = var.version
//	  }
//	}
//
// The variables version, variant, target_size, arch and codename are always
// defined.
package description

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// Environments a description may select.
const (
	EnvironmentChroot  = "chroot"
	EnvironmentLibvirt = "libvirt"
)

// Defaults applied to omitted image attributes.
const (
	DefaultPartition     = 2
	DefaultBootPartition = 1
	DefaultBootMount     = "/boot/firmware"
	DefaultStagingDir    = "/opt/kiln"
	DefaultTimeout       = 30 * time.Minute
)

// Builtin variable names.
const (
	VarVersion    = "version"
	VarVariant    = "variant"
	VarTargetSize = "target_size"
	VarArch       = "arch"
	VarCodename   = "codename"
)

// Description is a decoded build description.
type Description struct {
	Image      Image
	Files      []File
	Provisions []Provision
	// Variables holds the resolved value of every variable.
	Variables map[string]string
}

// Image selects the build environment and the partition layout.
type Image struct {
	Partition     int    `hcl:"partition,optional"`
	BootPartition int    `hcl:"boot_partition,optional"`
	BootMount     string `hcl:"boot_mount,optional"`
	StagingDir    string `hcl:"staging_dir,optional"`
	Environment   string `hcl:"environment,optional"`
	Offline       bool   `hcl:"offline,optional"`
	RawTimeout    string `hcl:"timeout,optional"`

	Timeout time.Duration
}

// File copies a build artifact, by logical name, into the image. Relative
// destinations resolve against the staging dir; a trailing slash keeps the
// artifact's file name.
type File struct {
	Artifact    string `hcl:"artifact,label"`
	Destination string `hcl:"destination"`
}

// Provision is an ordered group of shell commands run inside the image.
type Provision struct {
	Name        string            `hcl:"name,label"`
	Inline      []string          `hcl:"inline"`
	Environment map[string]string `hcl:"environment,optional"`
}

type variableBlock struct {
	Name        string  `hcl:"name,label"`
	Default     *string `hcl:"default,optional"`
	Description string  `hcl:"description,optional"`
}

type header struct {
	Variables []*variableBlock `hcl:"variable,block"`
	Remain    hcl.Body         `hcl:",remain"`
}

type body struct {
	Image      *Image      `hcl:"image,block"`
	Files      []File      `hcl:"file,block"`
	Provisions []Provision `hcl:"provision,block"`
}

// Default is used when no description file exists: it stages both build
// artifacts and installs the package archive into a virtualenv under the
// staging dir.
const Default = `
image {}

file "package-archive" {
  destination = "packages/"
}

file "source-tarball" {
  destination = "packages/"
}

provision "install" {
  inline = [
    "python3 -m venv /opt/kiln/venv",
    "/opt/kiln/venv/bin/pip install /opt/kiln/packages/*.whl",
  ]
}
`

// Load reads and decodes the description at filename. A missing file yields
// the Default description.
func Load(filename string, vars map[string]string) (*Description, error) {
	src, err := os.ReadFile(filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Parse([]byte(Default), "default.hcl", vars)
		}
		return nil, fmt.Errorf("read build description: %w", err)
	}
	return Parse(src, filename, vars)
}

// Parse decodes src. vars supplies variable values; they override the
// defaults declared in the file.
func Parse(src []byte, filename string, vars map[string]string) (*Description, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("failed to parse %s: %w", filename, diags)
	}

	var head header
	if diags := gohcl.DecodeBody(file.Body, nil, &head); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode variables in %s: %w", filename, diags)
	}

	values, err := resolveVariables(head.Variables, vars)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{"var": variablesObject(values)},
	}

	var decoded body
	if diags := gohcl.DecodeBody(head.Remain, evalCtx, &decoded); diags.HasErrors() {
		return nil, fmt.Errorf("failed to decode %s: %w", filename, diags)
	}

	desc := &Description{
		Files:      decoded.Files,
		Provisions: decoded.Provisions,
		Variables:  values,
	}
	if decoded.Image != nil {
		desc.Image = *decoded.Image
	}
	if err := desc.normalize(); err != nil {
		return nil, fmt.Errorf("%s: %w", filename, err)
	}
	return desc, nil
}

func resolveVariables(declared []*variableBlock, supplied map[string]string) (map[string]string, error) {
	values := make(map[string]string, len(declared)+len(supplied))
	for _, name := range []string{VarVersion, VarVariant, VarTargetSize, VarArch, VarCodename} {
		values[name] = ""
	}

	var missing []string
	for _, v := range declared {
		if v.Default != nil {
			values[v.Name] = *v.Default
			continue
		}
		if _, ok := supplied[v.Name]; !ok {
			missing = append(missing, v.Name)
		}
	}
	for name, value := range supplied {
		values[name] = value
	}

	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("no value for variables: %s", strings.Join(missing, ", "))
	}
	return values, nil
}

func variablesObject(values map[string]string) cty.Value {
	attrs := make(map[string]cty.Value, len(values))
	for name, value := range values {
		attrs[name] = cty.StringVal(value)
	}
	return cty.ObjectVal(attrs)
}

func (d *Description) normalize() error {
	img := &d.Image
	if img.Partition == 0 {
		img.Partition = DefaultPartition
	}
	if img.BootPartition == 0 {
		img.BootPartition = DefaultBootPartition
	}
	if img.BootMount == "" {
		img.BootMount = DefaultBootMount
	}
	if img.StagingDir == "" {
		img.StagingDir = DefaultStagingDir
	}
	if img.Environment == "" {
		img.Environment = EnvironmentChroot
	}
	img.Timeout = DefaultTimeout
	if img.RawTimeout != "" {
		timeout, err := time.ParseDuration(img.RawTimeout)
		if err != nil {
			return fmt.Errorf("image.timeout: %w", err)
		}
		img.Timeout = timeout
	}

	switch img.Environment {
	case EnvironmentChroot, EnvironmentLibvirt:
	default:
		return fmt.Errorf("image.environment must be %q or %q, got %q", EnvironmentChroot, EnvironmentLibvirt, img.Environment)
	}
	if img.Partition < 1 || img.BootPartition < 0 {
		return errors.New("image partitions must be positive")
	}
	if img.Partition == img.BootPartition {
		return fmt.Errorf("image.partition and image.boot_partition are both %d", img.Partition)
	}
	if !path.IsAbs(img.StagingDir) {
		return fmt.Errorf("image.staging_dir must be absolute, got %q", img.StagingDir)
	}

	seen := map[string]bool{}
	for _, p := range d.Provisions {
		if seen[p.Name] {
			return fmt.Errorf("duplicate provision block %q", p.Name)
		}
		seen[p.Name] = true
	}
	for _, f := range d.Files {
		if f.Destination == "" {
			return fmt.Errorf("file %q has no destination", f.Artifact)
		}
	}
	return nil
}

// Destination resolves where f lands inside the image root for a source file
// called base.
func (d *Description) Destination(f File, base string) string {
	dest := f.Destination
	if !path.IsAbs(dest) {
		dest = path.Join(d.Image.StagingDir, dest)
		if strings.HasSuffix(f.Destination, "/") {
			dest += "/"
		}
	}
	if strings.HasSuffix(dest, "/") {
		dest = path.Join(dest, base)
	}
	return path.Clean(dest)
}

// Script renders every provision block as one POSIX shell script, in order.
func (d *Description) Script() string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\nset -eu\n")
	for _, p := range d.Provisions {
		fmt.Fprintf(&b, "\n# %s\n", p.Name)
		for _, key := range sortedKeys(p.Environment) {
			fmt.Fprintf(&b, "export %s=%s\n", key, shellQuote(p.Environment[key]))
		}
		for _, line := range p.Inline {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
