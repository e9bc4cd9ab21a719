// Package publish compresses reclaimed images and publishes release outputs to
// the artifact store.
package publish

import "fmt"

// Naming holds the inputs of the published image name.
type Naming struct {
	Package  string
	Version  string
	Codename string
	// Suffix is the variant's filename suffix, "" or "-<variant>".
	Suffix string
	Arch   string
}

// ImageName returns <package>-<version>-<codename><suffix>-<arch>.img.gz.
func ImageName(n Naming) string {
	return fmt.Sprintf("%s-%s-%s%s-%s.img.gz", n.Package, n.Version, n.Codename, n.Suffix, n.Arch)
}
