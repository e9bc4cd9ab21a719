package artifacts

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when no artifact is stored under a name.
var ErrNotFound = errors.New("artifact not found")

// ArtifactStore stores named artifacts. Storing under an existing name
// replaces the previous artifact.
type ArtifactStore interface {
	StoreArtifact(ctx context.Context, name, artifactPath string, kind ArtifactKind, metadata map[string]any) (Artifact, error)
	Get(ctx context.Context, name string) (Artifact, error)
	List(ctx context.Context) ([]Artifact, error)
	RemoveArtifact(ctx context.Context, artifact Artifact) error
}
