// Package version resolves the release version from the package manifest, the
// change-log and, for tag-triggered runs, the triggering tag. The three must
// agree before anything is published.
package version

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/cochaviz/kiln/internal/failure"
)

const stage = "version"

// Source names used in mismatch reports.
const (
	SourceManifest  = "manifest"
	SourceChangelog = "changelog"
	SourceTag       = "tag"
)

// ReleaseVersion is the canonical semantic version of a run.
type ReleaseVersion string

func (v ReleaseVersion) String() string {
	return string(v)
}

// Sources locates the version sources. Tag is optional; an empty tag skips the
// tag check.
type Sources struct {
	Manifest  string
	Changelog string
	Tag       string
}

// Values are the raw versions read from each source.
type Values struct {
	Manifest  string
	Changelog string
	Tag       string
}

// MismatchError names two disagreeing sources and their values.
type MismatchError struct {
	SourceA string
	ValueA  string
	SourceB string
	ValueB  string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("version mismatch: %s has %q but %s has %q", e.SourceA, e.ValueA, e.SourceB, e.ValueB)
}

// Resolve reads the manifest and change-log (and normalizes the tag when
// present) and cross-checks them.
func Resolve(src Sources) (ReleaseVersion, error) {
	manifest, err := ReadManifestVersion(src.Manifest)
	if err != nil {
		return "", failure.Wrap(failure.InvalidConfig, stage, err)
	}
	changelog, err := ReadChangelogVersion(src.Changelog)
	if err != nil {
		return "", failure.Wrap(failure.InvalidConfig, stage, err)
	}

	values := Values{Manifest: manifest, Changelog: changelog}
	if src.Tag != "" {
		values.Tag = NormalizeTag(src.Tag)
	}
	return Check(values)
}

// Check compares the change-log and, when present, the tag exactly against
// the manifest. Only once all agree is the manifest value required to be a
// semantic version, so a disagreement is always reported as a mismatch.
func Check(values Values) (ReleaseVersion, error) {
	others := []struct {
		source string
		value  string
	}{
		{SourceChangelog, values.Changelog},
	}
	if values.Tag != "" {
		others = append(others, struct {
			source string
			value  string
		}{SourceTag, values.Tag})
	}

	for _, c := range others {
		if c.value != values.Manifest {
			return "", failure.Wrap(failure.VersionMismatch, stage, &MismatchError{
				SourceA: SourceManifest,
				ValueA:  values.Manifest,
				SourceB: c.source,
				ValueB:  c.value,
			})
		}
	}

	if _, err := semver.StrictNewVersion(values.Manifest); err != nil {
		return "", failure.Wrap(failure.InvalidConfig, stage, fmt.Errorf("%s version %q is not a semantic version: %w", SourceManifest, values.Manifest, err))
	}
	return ReleaseVersion(values.Manifest), nil
}
