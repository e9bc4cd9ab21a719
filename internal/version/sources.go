package version

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// ChangelogLine is the 1-based line that must carry the latest version heading.
const ChangelogLine = 3

var changelogHeading = regexp.MustCompile(`^## Version (\S+)$`)

// ReadManifestVersion returns the declared version of a manifest. TOML
// manifests use project.version, then tool.poetry.version; JSON and YAML
// manifests use a top-level version field.
func ReadManifestVersion(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read manifest: %w", err)
	}

	var version string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		var manifest struct {
			Project struct {
				Version string `toml:"version"`
			} `toml:"project"`
			Tool struct {
				Poetry struct {
					Version string `toml:"version"`
				} `toml:"poetry"`
			} `toml:"tool"`
		}
		if err := toml.Unmarshal(data, &manifest); err != nil {
			return "", fmt.Errorf("parse manifest %s: %w", path, err)
		}
		version = manifest.Project.Version
		if version == "" {
			version = manifest.Tool.Poetry.Version
		}
	case ".json":
		var manifest struct {
			Version string `json:"version"`
		}
		if err := json.Unmarshal(data, &manifest); err != nil {
			return "", fmt.Errorf("parse manifest %s: %w", path, err)
		}
		version = manifest.Version
	case ".yaml", ".yml":
		var manifest struct {
			Version string `yaml:"version"`
		}
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return "", fmt.Errorf("parse manifest %s: %w", path, err)
		}
		version = manifest.Version
	default:
		return "", fmt.Errorf("unsupported manifest format %q", filepath.Ext(path))
	}

	version = strings.TrimSpace(version)
	if version == "" {
		return "", fmt.Errorf("manifest %s declares no version", path)
	}
	return version, nil
}

// ReadChangelogVersion returns the version on line ChangelogLine, which must
// read exactly "## Version <semver>".
func ReadChangelogVersion(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("read changelog: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for n := 1; scanner.Scan(); n++ {
		if n < ChangelogLine {
			continue
		}
		line := strings.TrimRight(scanner.Text(), "\r")
		match := changelogHeading.FindStringSubmatch(line)
		if match == nil {
			return "", fmt.Errorf("changelog %s line %d is %q, want \"## Version <semver>\"", path, ChangelogLine, line)
		}
		return match[1], nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read changelog: %w", err)
	}
	return "", fmt.Errorf("changelog %s has fewer than %d lines", path, ChangelogLine)
}

// NormalizeTag strips a refs/tags/ prefix and one leading "v".
func NormalizeTag(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "refs/tags/")
	return strings.TrimPrefix(tag, "v")
}
