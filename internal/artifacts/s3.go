package artifacts

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"

	"github.com/cochaviz/kiln/internal/failure"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Object metadata keys written alongside each upload.
const (
	metaID       = "kiln-id"
	metaName     = "kiln-name"
	metaKind     = "kiln-kind"
	metaChecksum = "kiln-sha256"
	metaPrefix   = "kiln-meta-"
)

// S3ArtifactStore publishes artifacts to <Prefix>/<name>/<file> in Bucket.
type S3ArtifactStore struct {
	Client S3API
	Bucket string
	Prefix string
}

var _ ArtifactStore = (*S3ArtifactStore)(nil)

// S3Options configures NewS3ArtifactStore.
type S3Options struct {
	Bucket         string
	Prefix         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
}

// NewS3ArtifactStore builds a store from the default AWS credential chain.
func NewS3ArtifactStore(ctx context.Context, opts S3Options) (*S3ArtifactStore, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}

	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
	})

	return &S3ArtifactStore{Client: client, Bucket: opts.Bucket, Prefix: opts.Prefix}, nil
}

// StoreArtifact uploads the file with its checksum and metadata.
func (store *S3ArtifactStore) StoreArtifact(ctx context.Context, name, artifactPath string, kind ArtifactKind, metadata map[string]any) (Artifact, error) {
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

	key := store.key(name, filepath.Base(artifactPath))
	objectMeta := map[string]string{
		metaID:       artifact.ID,
		metaName:     name,
		metaKind:     string(kind),
		metaChecksum: checksum,
	}
	for k, v := range stringMetadata(metadata) {
		objectMeta[metaPrefix+k] = v
	}

	if err := store.removeName(ctx, name); err != nil {
		return Artifact{}, failure.Wrap(failure.PublishFailure, stage, err)
	}

	_, err = store.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(store.Bucket),
		Key:           aws.String(key),
		Body:          src,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String(artifact.ContentType),
		Metadata:      objectMeta,
	})
	if err != nil {
		return Artifact{}, failure.Wrap(failure.PublishFailure, stage, fmt.Errorf("upload %s to s3://%s/%s: %w", name, store.Bucket, key, err))
	}

	artifact.URI = "s3://" + store.Bucket + "/" + key
	return artifact, nil
}

// Get returns the object stored under name.
func (store *S3ArtifactStore) Get(ctx context.Context, name string) (Artifact, error) {
	if err := validName(name); err != nil {
		return Artifact{}, err
	}
	keys, err := store.keys(ctx, store.namePrefix(name))
	if err != nil {
		return Artifact{}, err
	}
	if len(keys) == 0 {
		return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return store.head(ctx, keys[0])
}

// List returns every artifact under the prefix.
func (store *S3ArtifactStore) List(ctx context.Context) ([]Artifact, error) {
	keys, err := store.keys(ctx, store.rootPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]Artifact, 0, len(keys))
	for _, key := range keys {
		artifact, err := store.head(ctx, key)
		if err != nil {
			return nil, err
		}
		out = append(out, artifact)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// RemoveArtifact deletes the object behind artifact.
func (store *S3ArtifactStore) RemoveArtifact(ctx context.Context, artifact Artifact) error {
	key, ok := strings.CutPrefix(artifact.URI, "s3://"+store.Bucket+"/")
	if !ok {
		return fmt.Errorf("artifact %s is not stored in bucket %s", artifact.Name, store.Bucket)
	}
	_, err := store.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(store.Bucket),
		Key:    aws.String(key),
	})
	return err
}

func (store *S3ArtifactStore) head(ctx context.Context, key string) (Artifact, error) {
	out, err := store.Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(store.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *s3types.NotFound
		if errors.As(err, &notFound) {
			return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return Artifact{}, fmt.Errorf("head s3://%s/%s: %w", store.Bucket, key, err)
	}

	artifact := Artifact{
		ID:          out.Metadata[metaID],
		Name:        out.Metadata[metaName],
		Kind:        ArtifactKind(out.Metadata[metaKind]),
		URI:         "s3://" + store.Bucket + "/" + key,
		Checksum:    out.Metadata[metaChecksum],
		Size:        aws.ToInt64(out.ContentLength),
		ContentType: aws.ToString(out.ContentType),
	}
	if out.LastModified != nil {
		artifact.StoredAt = out.LastModified.UTC()
	}
	for k, v := range out.Metadata {
		if trimmed, ok := strings.CutPrefix(k, metaPrefix); ok {
			if artifact.Metadata == nil {
				artifact.Metadata = map[string]any{}
			}
			artifact.Metadata[trimmed] = v
		}
	}
	return artifact, nil
}

func (store *S3ArtifactStore) keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	paginator := s3.NewListObjectsV2Paginator(store.Client, &s3.ListObjectsV2Input{
		Bucket: aws.String(store.Bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list s3://%s/%s: %w", store.Bucket, prefix, err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (store *S3ArtifactStore) removeName(ctx context.Context, name string) error {
	keys, err := store.keys(ctx, store.namePrefix(name))
	if err != nil {
		return err
	}
	for _, key := range keys {
		if _, err := store.Client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(store.Bucket),
			Key:    aws.String(key),
		}); err != nil {
			return fmt.Errorf("replace %s: %w", name, err)
		}
	}
	return nil
}

func (store *S3ArtifactStore) rootPrefix() string {
	prefix := strings.Trim(store.Prefix, "/")
	if prefix == "" {
		return ""
	}
	return prefix + "/"
}

func (store *S3ArtifactStore) namePrefix(name string) string {
	return store.rootPrefix() + name + "/"
}

func (store *S3ArtifactStore) key(name, file string) string {
	return path.Join(store.rootPrefix(), name, file)
}
