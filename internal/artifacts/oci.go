package artifacts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/cochaviz/kiln/internal/failure"
)

// Manifest annotations carrying the artifact record.
const (
	annotationID   = "dev.kiln.artifact.id"
	annotationName = "dev.kiln.artifact.name"
	annotationKind = "dev.kiln.artifact.kind"
	annotationMeta = "dev.kiln.meta."
)

var invalidTagChars = regexp.MustCompile(`[^A-Za-z0-9_.-]`)

// OCIArtifactStore pushes each artifact as a single-layer OCI 1.1 artifact
// tagged with its sanitized name.
type OCIArtifactStore struct {
	Target     oras.Target
	Repository string
}

var _ ArtifactStore = (*OCIArtifactStore)(nil)

// OCIOptions configures NewOCIArtifactStore.
type OCIOptions struct {
	Repository string
	PlainHTTP  bool
	Username   string
	Password   string
}

// NewOCIArtifactStore connects to a remote registry repository. Without a
// username the registry is accessed anonymously.
func NewOCIArtifactStore(opts OCIOptions) (*OCIArtifactStore, error) {
	repo, err := remote.NewRepository(opts.Repository)
	if err != nil {
		return nil, fmt.Errorf("invalid repository %q: %w", opts.Repository, err)
	}
	repo.PlainHTTP = opts.PlainHTTP

	client := &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
	}
	if opts.Username != "" {
		client.Credential = auth.StaticCredential(repo.Reference.Registry, auth.Credential{
			Username: opts.Username,
			Password: opts.Password,
		})
	}
	repo.Client = client

	return &OCIArtifactStore{Target: repo, Repository: opts.Repository}, nil
}

// TagFor returns the tag an artifact name is stored under.
func TagFor(name string) string {
	tag := invalidTagChars.ReplaceAllString(name, "-")
	tag = strings.TrimLeft(tag, ".-")
	if tag == "" {
		tag = "_"
	}
	if len(tag) > 128 {
		tag = tag[:128]
	}
	return tag
}

// StoreArtifact streams the file as a blob with a precomputed digest, packs a
// manifest around it and tags it.
func (store *OCIArtifactStore) StoreArtifact(ctx context.Context, name, artifactPath string, kind ArtifactKind, metadata map[string]any) (Artifact, error) {
	if err := validName(name); err != nil {
		return Artifact{}, err
	}

	checksum, _, err := Digest(artifactPath)
	if err != nil {
		return Artifact{}, failure.Wrap(failure.PublishFailure, stage, fmt.Errorf("%s: %w", name, err))
	}
	src, info, err := openSource(name, artifactPath)
	if err != nil {
		return Artifact{}, err
	}
	defer src.Close()

	artifact := Artifact{
		ID:          uuid.NewString(),
		Name:        name,
		Kind:        kind,
		Checksum:    checksum,
		Size:        info.Size(),
		ContentType: detectContentType(artifactPath),
		Metadata:    cloneMetadata(metadata),
		StoredAt:    time.Now().UTC(),
	}

	layer := ocispec.Descriptor{
		MediaType: artifact.ContentType,
		Digest:    digest.NewDigestFromEncoded(digest.SHA256, checksum),
		Size:      info.Size(),
		Annotations: map[string]string{
			ocispec.AnnotationTitle: filepath.Base(artifactPath),
		},
	}

	exists, err := store.Target.Exists(ctx, layer)
	if err != nil {
		return Artifact{}, failure.Wrap(failure.PublishFailure, stage, fmt.Errorf("check blob for %s: %w", name, err))
	}
	if !exists {
		if err := store.Target.Push(ctx, layer, src); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
			return Artifact{}, failure.Wrap(failure.PublishFailure, stage, fmt.Errorf("push blob for %s: %w", name, err))
		}
	}

	annotations := map[string]string{
		annotationID:              artifact.ID,
		annotationName:            name,
		annotationKind:            string(kind),
		ocispec.AnnotationCreated: artifact.StoredAt.Format(time.RFC3339),
	}
	for k, v := range stringMetadata(metadata) {
		annotations[annotationMeta+k] = v
	}

	manifest, err := oras.PackManifest(ctx, store.Target, oras.PackManifestVersion1_1, artifactType(kind), oras.PackManifestOptions{
		Layers:              []ocispec.Descriptor{layer},
		ManifestAnnotations: annotations,
	})
	if err != nil {
		return Artifact{}, failure.Wrap(failure.PublishFailure, stage, fmt.Errorf("pack manifest for %s: %w", name, err))
	}

	tag := TagFor(name)
	if err := store.Target.Tag(ctx, manifest, tag); err != nil {
		return Artifact{}, failure.Wrap(failure.PublishFailure, stage, fmt.Errorf("tag %s: %w", tag, err))
	}

	artifact.URI = store.reference(tag)
	return artifact, nil
}

// Get resolves the tag for name and reads the artifact record from its manifest.
func (store *OCIArtifactStore) Get(ctx context.Context, name string) (Artifact, error) {
	if err := validName(name); err != nil {
		return Artifact{}, err
	}
	return store.resolve(ctx, TagFor(name))
}

// List enumerates repository tags. Targets that cannot list tags return an error.
func (store *OCIArtifactStore) List(ctx context.Context) ([]Artifact, error) {
	lister, ok := store.Target.(registry.TagLister)
	if !ok {
		return nil, errors.New("target does not support listing tags")
	}

	var tags []string
	if err := lister.Tags(ctx, "", func(page []string) error {
		tags = append(tags, page...)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}

	var out []Artifact
	for _, tag := range tags {
		artifact, err := store.resolve(ctx, tag)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, artifact)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RemoveArtifact deletes the manifest behind artifact when the target allows it.
func (store *OCIArtifactStore) RemoveArtifact(ctx context.Context, artifact Artifact) error {
	deleter, ok := store.Target.(content.Deleter)
	if !ok {
		return errors.New("target does not support deletion")
	}
	desc, err := store.Target.Resolve(ctx, TagFor(artifact.Name))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", artifact.Name, err)
	}
	return deleter.Delete(ctx, desc)
}

func (store *OCIArtifactStore) resolve(ctx context.Context, tag string) (Artifact, error) {
	desc, err := store.Target.Resolve(ctx, tag)
	if err != nil {
		if errors.Is(err, errdef.ErrNotFound) {
			return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, tag)
		}
		return Artifact{}, fmt.Errorf("resolve %s: %w", tag, err)
	}

	payload, err := content.FetchAll(ctx, store.Target, desc)
	if err != nil {
		return Artifact{}, fmt.Errorf("fetch manifest %s: %w", tag, err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(payload, &manifest); err != nil {
		return Artifact{}, fmt.Errorf("decode manifest %s: %w", tag, err)
	}
	if len(manifest.Layers) != 1 || manifest.Annotations[annotationName] == "" {
		return Artifact{}, fmt.Errorf("%w: %s is not a kiln artifact", ErrNotFound, tag)
	}

	layer := manifest.Layers[0]
	artifact := Artifact{
		ID:          manifest.Annotations[annotationID],
		Name:        manifest.Annotations[annotationName],
		Kind:        ArtifactKind(manifest.Annotations[annotationKind]),
		URI:         store.reference(tag),
		Checksum:    layer.Digest.Encoded(),
		Size:        layer.Size,
		ContentType: layer.MediaType,
	}
	if created, err := time.Parse(time.RFC3339, manifest.Annotations[ocispec.AnnotationCreated]); err == nil {
		artifact.StoredAt = created
	}
	for k, v := range manifest.Annotations {
		if trimmed, ok := strings.CutPrefix(k, annotationMeta); ok {
			if artifact.Metadata == nil {
				artifact.Metadata = map[string]any{}
			}
			artifact.Metadata[trimmed] = v
		}
	}
	return artifact, nil
}

func (store *OCIArtifactStore) reference(tag string) string {
	if store.Repository == "" {
		return tag
	}
	return store.Repository + ":" + tag
}

func artifactType(kind ArtifactKind) string {
	return "application/vnd.kiln." + string(kind) + ".v1"
}
