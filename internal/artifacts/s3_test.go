package artifacts

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	body        []byte
	contentType string
	metadata    map[string]string
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]fakeObject{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Key)] = fakeObject{body: body, contentType: aws.ToString(in.ContentType), metadata: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.body))),
		ContentType:   aws.String(obj.contentType),
		Metadata:      obj.metadata,
		LastModified:  aws.Time(time.Now()),
	}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, key := range keys {
		out.Contents = append(out.Contents, s3types.Object{Key: aws.String(key)})
	}
	return out, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3StoreUploadsUnderNamePrefix(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	store := &S3ArtifactStore{Client: client, Bucket: "releases", Prefix: "/ubo/"}

	path := writeFile(t, t.TempDir(), "ubo_app-0.13.1.tar.gz", "tarball")
	stored, err := store.StoreArtifact(ctx, SourceTarballName, path, TarballArtifact, map[string]any{"version": "0.13.1"})
	require.NoError(t, err)
	assert.Equal(t, "s3://releases/ubo/source-tarball/ubo_app-0.13.1.tar.gz", stored.URI)

	obj, ok := client.objects["ubo/source-tarball/ubo_app-0.13.1.tar.gz"]
	require.True(t, ok)
	assert.Equal(t, "tarball", string(obj.body))
	assert.Equal(t, stored.Checksum, obj.metadata[metaChecksum])

	got, err := store.Get(ctx, SourceTarballName)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, got.ID)
	assert.Equal(t, TarballArtifact, got.Kind)
	assert.Equal(t, "0.13.1", got.Metadata["version"])
	assert.Equal(t, int64(7), got.Size)
}

func TestS3StoreReplacesAndRemoves(t *testing.T) {
	ctx := context.Background()
	client := newFakeS3()
	store := &S3ArtifactStore{Client: client, Bucket: "releases"}
	dir := t.TempDir()

	_, err := store.StoreArtifact(ctx, "image-lite", writeFile(t, dir, "old.img.gz", "old"), ImageArtifact, nil)
	require.NoError(t, err)
	stored, err := store.StoreArtifact(ctx, "image-lite", writeFile(t, dir, "new.img.gz", "new"), ImageArtifact, nil)
	require.NoError(t, err)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, stored.URI, list[0].URI)

	require.NoError(t, store.RemoveArtifact(ctx, stored))
	_, err = store.Get(ctx, "image-lite")
	assert.ErrorIs(t, err, ErrNotFound)
}
