package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/cochaviz/kiln/internal/failure"
)

const stage = "publish"

func PathFromURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, "file://") {
		return "", errors.New("not a file:// URI")
	}
	return strings.TrimPrefix(uri, "file://"), nil
}

func fileURI(path string) string {
	return "file://" + path
}

// openSource opens a file that must exist and be non-empty.
func openSource(name, path string) (*os.File, os.FileInfo, error) {
	if path == "" {
		return nil, nil, failure.Newf(failure.PublishFailure, stage, "no path given for %s", name)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, nil, failure.Wrap(failure.PublishFailure, stage, fmt.Errorf("%s: %w", name, err))
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, failure.Wrap(failure.PublishFailure, stage, fmt.Errorf("%s: %w", name, err))
	}
	if info.IsDir() || info.Size() == 0 {
		file.Close()
		return nil, nil, failure.Newf(failure.PublishFailure, stage, "%s: %s is empty or not a regular file", name, path)
	}
	return file, info, nil
}

// Digest returns the hex sha256 and size of the file at path.
func Digest(path string) (string, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	hash := sha256.New()
	size, err := io.Copy(hash, file)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(hash.Sum(nil)), size, nil
}

func detectContentType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".sha256":
		return "text/plain"
	case ".whl":
		return "application/zip"
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}

func cloneMetadata(metadata map[string]any) map[string]any {
	if metadata == nil {
		return nil
	}
	cloned := make(map[string]any, len(metadata))
	for k, v := range metadata {
		cloned[k] = v
	}
	return cloned
}

// stringMetadata flattens metadata for stores that only carry strings.
func stringMetadata(metadata map[string]any) map[string]string {
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = fmt.Sprint(v)
	}
	return out
}
