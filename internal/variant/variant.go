// Package variant maps build variants onto base image sources and target sizes.
package variant

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Stock variant names. Default is used for sizes when a variant has no entry
// of its own.
const (
	Lite    = "lite"
	Default = "default"
	Full    = "full"
)

const gibibyte = 1 << 30

// Table maps variant names to target image sizes in GB.
type Table map[string]float64

// DefaultTable is the stock size table.
func DefaultTable() Table {
	return Table{Lite: 4.25, Default: 6.25, Full: 13}
}

// SizeBytes converts gigabytes to bytes, rounding to the nearest byte.
func SizeBytes(gb float64) int64 {
	return int64(math.Round(gb * gibibyte))
}

// Size returns the size in GB for name, falling back to the default entry.
func (t Table) Size(name string) (float64, error) {
	if gb, ok := t[name]; ok {
		return gb, nil
	}
	if gb, ok := t[Default]; ok {
		return gb, nil
	}
	return 0, fmt.Errorf("no size for variant %q", name)
}

// Names returns the table's variant names in order.
func (t Table) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// URLSuffix is the suffix used in download URLs: empty for the default
// variant, "_<name>" otherwise.
func URLSuffix(name string) string {
	if name == "" || name == Default {
		return ""
	}
	return "_" + name
}

// FilenameSuffix is the dash form of URLSuffix used in output filenames.
func FilenameSuffix(name string) string {
	if name == "" || name == Default {
		return ""
	}
	return "-" + name
}

// ImageSettings parameterize source resolution.
type ImageSettings struct {
	URLTemplate         string
	ChecksumURLTemplate string
	Arch                string
	Codename            string
	Sizes               Table
}

// Source is the resolved base image description of one variant.
type Source struct {
	Variant         string
	ImageURL        string
	ChecksumURL     string
	TargetSizeBytes int64
	FilenameSuffix  string
}

// Resolve expands the URL templates for name. Templates may use {variant},
// {suffix}, {dash_suffix}, {arch} and {codename}; the checksum template may
// additionally use {image_url}. An empty checksum template means
// "<image_url>.sha256".
func Resolve(name string, settings ImageSettings) (Source, error) {
	if name == "" {
		return Source{}, fmt.Errorf("variant name is required")
	}
	if settings.URLTemplate == "" {
		return Source{}, fmt.Errorf("image URL template is required")
	}

	sizes := settings.Sizes
	if sizes == nil {
		sizes = DefaultTable()
	}
	gb, err := sizes.Size(name)
	if err != nil {
		return Source{}, err
	}

	replacer := strings.NewReplacer(
		"{variant}", name,
		"{suffix}", URLSuffix(name),
		"{dash_suffix}", FilenameSuffix(name),
		"{arch}", settings.Arch,
		"{codename}", settings.Codename,
	)
	imageURL := replacer.Replace(settings.URLTemplate)

	checksumTemplate := settings.ChecksumURLTemplate
	if checksumTemplate == "" {
		checksumTemplate = "{image_url}.sha256"
	}
	checksumURL := strings.ReplaceAll(replacer.Replace(checksumTemplate), "{image_url}", imageURL)

	return Source{
		Variant:         name,
		ImageURL:        imageURL,
		ChecksumURL:     checksumURL,
		TargetSizeBytes: SizeBytes(gb),
		FilenameSuffix:  FilenameSuffix(name),
	}, nil
}
