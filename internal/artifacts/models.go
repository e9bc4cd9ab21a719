package artifacts

import "time"

type ArtifactKind string

const (
	PackageArtifact  ArtifactKind = "package"  // Platform-portable package archive
	TarballArtifact  ArtifactKind = "tarball"  // Source/binary tarball
	ImageArtifact    ArtifactKind = "image"    // Compressed disk image
	ReportArtifact   ArtifactKind = "report"   // Verification byproduct bundle
	ChecksumArtifact ArtifactKind = "checksum" // Checksum sidecar
)

// Logical names shared between the build and publish stages.
const (
	PackageArchiveName = "package-archive"
	SourceTarballName  = "source-tarball"
)

// ImageName is the logical name of a variant's compressed image.
func ImageName(variant string) string {
	return "image-" + variant
}

// ImageChecksumName is the logical name of a variant's image checksum.
func ImageChecksumName(variant string) string {
	return ImageName(variant) + "-sha256"
}

type Artifact struct {
	ID   string       `json:"id"`
	Name string       `json:"name"`
	Kind ArtifactKind `json:"kind"`
	URI  string       `json:"uri"`

	Checksum    string         `json:"checksum"`
	Size        int64          `json:"size"`
	ContentType string         `json:"content_type"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	StoredAt    time.Time      `json:"stored_at"`
}
