package downloader

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTarGz creates a gzip-compressed tar archive with the given file
// contents, keyed by path inside the archive.
func buildTarGz(t *testing.T, files map[string]string) []byte {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestDownload(t *testing.T) {
	content := []byte("some dataset bytes")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(content)
	}))
	defer server.Close()

	baseDir := t.TempDir()
	filePath := path.Join(baseDir, "sub", "dataset.bin")
	size, err := Download(server.URL, filePath, false)
	require.NoError(t, err)
	assert.EqualValues(t, len(content), size)
	got, err := os.ReadFile(filePath)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Missing files yield an error, not an empty download.
	server404 := httptest.NewServer(http.NotFoundHandler())
	defer server404.Close()
	_, err = Download(server404.URL, path.Join(baseDir, "missing.bin"), false)
	require.Error(t, err)
}

func TestDownloadIfMissing(t *testing.T) {
	content := []byte("cached content")
	hash := sha256.Sum256(content)
	numRequests := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		numRequests++
		_, _ = w.Write(content)
	}))
	defer server.Close()

	filePath := path.Join(t.TempDir(), "cached.bin")
	require.NoError(t, DownloadIfMissing(server.URL, filePath, hex.EncodeToString(hash[:])))
	require.NoError(t, DownloadIfMissing(server.URL, filePath, hex.EncodeToString(hash[:])))
	assert.Equal(t, 1, numRequests, "the second call must hit the cached file")

	// A wrong hash must be reported.
	err := DownloadIfMissing(server.URL, filePath, "00000000")
	require.Error(t, err)
}

func TestUntar(t *testing.T) {
	archive := buildTarGz(t, map[string]string{
		"dataset/a.txt":     "aaa",
		"dataset/sub/b.txt": "bbb",
	})
	baseDir := t.TempDir()
	tarFile := path.Join(baseDir, "dataset.tar.gz")
	require.NoError(t, os.WriteFile(tarFile, archive, 0644))

	require.NoError(t, Untar(baseDir, tarFile))
	got, err := os.ReadFile(path.Join(baseDir, "dataset", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "aaa", string(got))
	got, err = os.ReadFile(path.Join(baseDir, "dataset", "sub", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "bbb", string(got))
}

func TestUntarRejectsEscapingPaths(t *testing.T) {
	archive := buildTarGz(t, map[string]string{
		"../escape.txt": "gotcha",
	})
	baseDir := t.TempDir()
	tarFile := path.Join(baseDir, "evil.tar.gz")
	require.NoError(t, os.WriteFile(tarFile, archive, 0644))
	require.Error(t, Untar(baseDir, tarFile))
}

func TestDownloadAndUntarIfMissing(t *testing.T) {
	archive := buildTarGz(t, map[string]string{
		"dataset/a.txt": "aaa",
	})
	hash := sha256.Sum256(archive)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	}))
	defer server.Close()

	baseDir := t.TempDir()
	require.NoError(t, DownloadAndUntarIfMissing(
		server.URL, baseDir, "dataset.tar.gz", "dataset", hex.EncodeToString(hash[:])))
	got, err := os.ReadFile(path.Join(baseDir, "dataset", "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "aaa", string(got))

	// Once extracted, nothing is downloaded again, even with the server gone.
	server.Close()
	require.NoError(t, DownloadAndUntarIfMissing(
		server.URL, baseDir, "dataset.tar.gz", "dataset", ""))
}
