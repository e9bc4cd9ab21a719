package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/cochaviz/kiln/internal/failure"
	"github.com/cochaviz/kiln/internal/variant"
)

func sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func compress(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

type imageServer struct {
	*httptest.Server
	imageHits atomic.Int32
}

func newImageServer(t *testing.T, image []byte, checksum string) *imageServer {
	t.Helper()
	s := &imageServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/raspios-bookworm-arm64-lite.img.xz", func(w http.ResponseWriter, r *http.Request) {
		s.imageHits.Add(1)
		w.Write(image)
	})
	mux.HandleFunc("/raspios-bookworm-arm64-lite.img.xz.sha256", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(checksum + "  raspios-bookworm-arm64-lite.img.xz\n"))
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *imageServer) source() variant.Source {
	return variant.Source{
		Variant:     "lite",
		ImageURL:    s.URL + "/raspios-bookworm-arm64-lite.img.xz",
		ChecksumURL: s.URL + "/raspios-bookworm-arm64-lite.img.xz.sha256",
	}
}

func TestFetchVerifiesAndUnpacks(t *testing.T) {
	raw := bytes.Repeat([]byte("boot"), 4096)
	packed := compress(t, raw)
	srv := newImageServer(t, packed, sum(packed))
	dir := t.TempDir()

	fetcher := &Fetcher{Client: srv.Client(), Unpacker: NativeXZ{}}
	img, err := fetcher.Fetch(context.Background(), srv.source(), dir)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "raspios-bookworm-arm64-lite.img"), img.Path)
	assert.Equal(t, sum(packed), img.Checksum)
	got, err := os.ReadFile(img.Path)
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	_, err = fetcher.Fetch(context.Background(), srv.source(), dir)
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.imageHits.Load())
}

func TestFetchChecksumMismatch(t *testing.T) {
	packed := compress(t, []byte("image"))
	srv := newImageServer(t, packed, strings.Repeat("0", 64))
	dir := t.TempDir()

	fetcher := &Fetcher{Client: srv.Client(), Unpacker: NativeXZ{}}
	_, err := fetcher.Fetch(context.Background(), srv.source(), dir)
	require.Error(t, err)
	assert.Equal(t, failure.ChecksumMismatch, failure.KindOf(err))
	assert.Equal(t, int32(1), srv.imageHits.Load())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFetchRedownloadsCorruptCache(t *testing.T) {
	packed := compress(t, []byte("image"))
	srv := newImageServer(t, packed, sum(packed))
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "raspios-bookworm-arm64-lite.img.xz"), []byte("stale"), 0o644))

	fetcher := &Fetcher{Client: srv.Client(), Unpacker: NativeXZ{}}
	_, err := fetcher.Fetch(context.Background(), srv.source(), dir)
	require.NoError(t, err)
	assert.Equal(t, int32(1), srv.imageHits.Load())
}

func TestFetchSameImageConcurrently(t *testing.T) {
	raw := bytes.Repeat([]byte("root"), 8192)
	packed := compress(t, raw)
	checksum := sum(packed)

	// Hold every image response until both downloads are in flight.
	var arrived sync.WaitGroup
	arrived.Add(2)
	mux := http.NewServeMux()
	mux.HandleFunc("/raspios-bookworm-arm64-lite.img.xz", func(w http.ResponseWriter, r *http.Request) {
		arrived.Done()
		waited := make(chan struct{})
		go func() { arrived.Wait(); close(waited) }()
		select {
		case <-waited:
		case <-time.After(5 * time.Second):
		}
		w.Write(packed[:len(packed)/2])
		w.(http.Flusher).Flush()
		w.Write(packed[len(packed)/2:])
	})
	mux.HandleFunc("/raspios-bookworm-arm64-lite.img.xz.sha256", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(checksum + "  raspios-bookworm-arm64-lite.img.xz\n"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	src := variant.Source{
		Variant:     "lite",
		ImageURL:    srv.URL + "/raspios-bookworm-arm64-lite.img.xz",
		ChecksumURL: srv.URL + "/raspios-bookworm-arm64-lite.img.xz.sha256",
	}
	dir := t.TempDir()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			fetcher := &Fetcher{Client: srv.Client(), Unpacker: NativeXZ{}}
			_, errs[i] = fetcher.Fetch(context.Background(), src, dir)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "raspios-bookworm-arm64-lite.img"))
	require.NoError(t, err)
	assert.Equal(t, raw, got)

	partials, err := filepath.Glob(filepath.Join(dir, "*.partial"))
	require.NoError(t, err)
	assert.Empty(t, partials)
}

func TestParseChecksum(t *testing.T) {
	a := strings.Repeat("a", 64)
	b := strings.Repeat("B", 64)

	got, err := ParseChecksum(strings.NewReader(a+"  other.img.xz\n"+b+" *image.img.xz\n"), "image.img.xz")
	require.NoError(t, err)
	assert.Equal(t, strings.ToLower(b), got)

	got, err = ParseChecksum(strings.NewReader(a+"\n"), "image.img.xz")
	require.NoError(t, err)
	assert.Equal(t, a, got)

	_, err = ParseChecksum(strings.NewReader("<html>not found</html>"), "image.img.xz")
	assert.Error(t, err)
}
