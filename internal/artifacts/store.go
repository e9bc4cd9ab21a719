package artifacts

import (
	"context"
	"fmt"

	"github.com/cochaviz/kiln/internal/settings"
)

// NewStore builds the publish store selected in the pipeline configuration.
// Local directories resolve against the configuration root.
func NewStore(ctx context.Context, cfg settings.Config) (ArtifactStore, error) {
	publish := cfg.Publish
	switch publish.Store {
	case "local":
		return &LocalArtifactStore{BaseDir: cfg.Path(publish.Local.Dir)}, nil
	case "s3":
		return NewS3ArtifactStore(ctx, S3Options{
			Bucket:         publish.S3.Bucket,
			Prefix:         publish.S3.Prefix,
			Region:         publish.S3.Region,
			Endpoint:       publish.S3.Endpoint,
			ForcePathStyle: publish.S3.ForcePathStyle,
		})
	case "oci":
		return NewOCIArtifactStore(OCIOptions{
			Repository: publish.OCI.Repository,
			PlainHTTP:  publish.OCI.PlainHTTP,
			Username:   publish.OCI.Username,
			Password:   publish.OCI.Password,
		})
	default:
		return nil, fmt.Errorf("unknown artifact store %q", publish.Store)
	}
}
