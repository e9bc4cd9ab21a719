package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cochaviz/kiln/internal/failure"
)

// LocalArtifactStore persists artifacts and metadata on disk under BaseDir,
// one directory per logical name.
type LocalArtifactStore struct {
	BaseDir string

	mu sync.Mutex
}

var _ ArtifactStore = (*LocalArtifactStore)(nil)

// StoreArtifact copies the artifact into <BaseDir>/<name>/ and records metadata.
func (store *LocalArtifactStore) StoreArtifact(ctx context.Context, name, artifactPath string, kind ArtifactKind, metadata map[string]any) (Artifact, error) {
	if store.BaseDir == "" {
		return Artifact{}, errors.New("base directory is not configured")
	}
	if err := validName(name); err != nil {
		return Artifact{}, err
	}

	src, _, err := openSource(name, artifactPath)
	if err != nil {
		return Artifact{}, err
	}
	defer src.Close()

	store.mu.Lock()
	defer store.mu.Unlock()

	dir := store.dir(name)
	if err := os.RemoveAll(dir); err != nil {
		return Artifact{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Artifact{}, err
	}

	destPath := filepath.Join(dir, filepath.Base(artifactPath))
	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return Artifact{}, err
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(dst, hash), readerWithContext(ctx, src))
	if err != nil {
		dst.Close()
		os.RemoveAll(dir)
		return Artifact{}, failure.Wrap(failure.PublishFailure, stage, fmt.Errorf("copy %s: %w", name, err))
	}
	if err := dst.Close(); err != nil {
		return Artifact{}, err
	}

	artifact := Artifact{
		ID:          uuid.NewString(),
		Name:        name,
		Kind:        kind,
		URI:         fileURI(destPath),
		Checksum:    hex.EncodeToString(hash.Sum(nil)),
		Size:        size,
		ContentType: detectContentType(destPath),
		Metadata:    cloneMetadata(metadata),
		StoredAt:    time.Now().UTC(),
	}

	if err := store.writeMetadata(destPath, artifact); err != nil {
		return Artifact{}, err
	}

	return artifact, nil
}

// Get returns the artifact stored under name.
func (store *LocalArtifactStore) Get(_ context.Context, name string) (Artifact, error) {
	if err := validName(name); err != nil {
		return Artifact{}, err
	}
	store.mu.Lock()
	defer store.mu.Unlock()

	return store.read(name)
}

// List returns every stored artifact ordered by name.
func (store *LocalArtifactStore) List(_ context.Context) ([]Artifact, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	entries, err := os.ReadDir(store.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var out []Artifact
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		artifact, err := store.read(entry.Name())
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

// RemoveArtifact deletes the artifact file and its metadata document.
func (store *LocalArtifactStore) RemoveArtifact(_ context.Context, artifact Artifact) error {
	path, err := PathFromURI(artifact.URI)
	if err != nil {
		return err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(metadataPath(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Remove(filepath.Dir(path)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Clear removes all artifacts and metadata under the store's base directory.
func (store *LocalArtifactStore) Clear() error {
	store.mu.Lock()
	defer store.mu.Unlock()

	entries, err := os.ReadDir(store.BaseDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(store.BaseDir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (store *LocalArtifactStore) dir(name string) string {
	return filepath.Join(store.BaseDir, name)
}

func (store *LocalArtifactStore) read(name string) (Artifact, error) {
	payload, err := os.ReadFile(filepath.Join(store.dir(name), metadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Artifact{}, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return Artifact{}, err
	}
	var artifact Artifact
	if err := json.Unmarshal(payload, &artifact); err != nil {
		return Artifact{}, fmt.Errorf("decode metadata for %s: %w", name, err)
	}
	return artifact, nil
}

func (store *LocalArtifactStore) writeMetadata(filePath string, artifact Artifact) error {
	payload, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metadataPath(filePath), payload, 0o644)
}

// metadataFile sits next to the stored file in each name directory.
const metadataFile = ".artifact.json"

func metadataPath(path string) string {
	return filepath.Join(filepath.Dir(path), metadataFile)
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("invalid artifact name %q", name)
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	if ctx == nil {
		return r
	}
	return ctxReader{ctx: ctx, r: r}
}
