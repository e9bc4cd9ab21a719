package build

import (
	"github.com/cochaviz/kiln/internal/build/description"
	"github.com/cochaviz/kiln/internal/diskimage"
	"github.com/cochaviz/kiln/internal/fetch"
	"github.com/cochaviz/kiln/internal/packaging"
	"github.com/cochaviz/kiln/internal/variant"
)

// AssemblyRequest is everything needed to assemble one variant's image.
type AssemblyRequest struct {
	Source    variant.Source
	BaseImage fetch.BaseImage
	Artifacts packaging.BuildArtifacts
	Version   string
	Arch      string
	Codename  string
	OutputDir string

	// Description is decoded from DescriptionPath when nil.
	Description     *description.Description
	DescriptionPath string
}

// StagedFile is a build artifact copied into the image.
type StagedFile struct {
	Artifact string
	// Source is the host path.
	Source string
	// Destination is the absolute path inside the image.
	Destination string
}

// BuildContext is passed across the environment preparer and the driver.
type BuildContext struct {
	Request     AssemblyRequest
	Description *description.Description
	// ImagePath is the writable copy being provisioned.
	ImagePath string
	Files     []StagedFile
	// Env is exported to every provisioning command.
	Env map[string]string
}

// BuildOutput is what a driver reports after provisioning.
type BuildOutput struct {
	Image    diskimage.DiskImage
	Metadata map[string]any
}
