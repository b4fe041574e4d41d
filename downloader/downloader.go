// Package downloader fetches dataset archives over HTTP and extracts them,
// skipping work whose results are already on disk.
package downloader

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// Download fetches url and saves it at filePath, creating the parent
// directory if needed. If showProgress is set, a progress bar is printed to
// stderr while downloading. It returns the number of bytes written.
func Download(url, filePath string, showProgress bool) (size int64, err error) {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if err = os.MkdirAll(path.Dir(filePath), 0777); err != nil {
		return 0, errors.Wrapf(err, "failed to create directory %q", path.Dir(filePath))
	}
	file, err := os.Create(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to create file %q", filePath)
	}
	defer func() {
		closeErr := file.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed to close %q", filePath)
		}
	}()

	resp, err := http.Get(url)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to download %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return 0, errors.Errorf("failed to download %q: %s", url, resp.Status)
	}

	var w io.Writer = file
	if showProgress {
		bar := progressbar.DefaultBytes(resp.ContentLength,
			fmt.Sprintf("%s (%s)", path.Base(filePath), fsutil.ByteCountIEC(resp.ContentLength)))
		w = io.MultiWriter(file, bar)
		defer func() { _ = bar.Close() }()
	}
	size, err = io.Copy(w, resp.Body)
	if err != nil {
		return 0, errors.Wrapf(err, "failed while downloading %q to %q", url, filePath)
	}
	return size, nil
}

// DownloadIfMissing downloads url to filePath if the file doesn't exist yet.
// If checkHash is not empty, the file's SHA256 checksum is validated against
// it, whether the file was just downloaded or already present.
func DownloadIfMissing(url, filePath, checkHash string) error {
	filePath = fsutil.MustReplaceTildeInDir(filePath)
	if !fsutil.MustFileExists(filePath) {
		if _, err := Download(url, filePath, true); err != nil {
			return err
		}
	}
	if checkHash == "" {
		return nil
	}
	return fsutil.ValidateChecksum(filePath, checkHash)
}

// Untar extracts tarFile under baseDir. Files named *.gz or *.tgz are
// decompressed with gzip on the fly. Entries with paths escaping baseDir are
// rejected.
func Untar(baseDir, tarFile string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	file, err := os.Open(tarFile)
	if err != nil {
		return errors.Wrapf(err, "failed to open %q", tarFile)
	}
	defer func() { _ = file.Close() }()

	var r io.Reader = file
	if strings.HasSuffix(tarFile, ".gz") || strings.HasSuffix(tarFile, ".tgz") {
		gz, err := gzip.NewReader(file)
		if err != nil {
			return errors.Wrapf(err, "failed to decompress %q", tarFile)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrapf(err, "failed reading tar %q", tarFile)
		}
		target := path.Join(baseDir, hdr.Name)
		if !strings.HasPrefix(target, path.Clean(baseDir)+"/") {
			return errors.Errorf("tar %q contains entry %q escaping the target directory", tarFile, hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0777); err != nil {
				return errors.Wrapf(err, "failed to create directory %q", target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(path.Dir(target), 0777); err != nil {
				return errors.Wrapf(err, "failed to create directory %q", path.Dir(target))
			}
			out, err := os.Create(target)
			if err != nil {
				return errors.Wrapf(err, "failed to create %q", target)
			}
			if _, err := io.Copy(out, tr); err != nil {
				_ = out.Close()
				return errors.Wrapf(err, "failed to extract %q from %q", hdr.Name, tarFile)
			}
			if err := out.Close(); err != nil {
				return errors.Wrapf(err, "failed to close %q", target)
			}
		default:
			// Symlinks and other special entries are not expected in dataset archives.
			return errors.Errorf("tar %q contains unsupported entry type %v for %q", tarFile, hdr.Typeflag, hdr.Name)
		}
	}
}

// DownloadAndUntarIfMissing downloads the tarball at url and extracts it
// under baseDir, but only if targetUntarDir doesn't exist yet. Relative
// tarFile and targetUntarDir paths are taken relative to baseDir. If
// checkHash is not empty, the downloaded file is validated against it.
func DownloadAndUntarIfMissing(url, baseDir, tarFile, targetUntarDir, checkHash string) error {
	baseDir = fsutil.MustReplaceTildeInDir(baseDir)
	if !path.IsAbs(tarFile) {
		tarFile = path.Join(baseDir, tarFile)
	}
	if !path.IsAbs(targetUntarDir) {
		targetUntarDir = path.Join(baseDir, targetUntarDir)
	}
	if fsutil.MustFileExists(targetUntarDir) {
		return nil
	}
	if err := DownloadIfMissing(url, tarFile, checkHash); err != nil {
		return err
	}
	if err := Untar(baseDir, tarFile); err != nil {
		return err
	}
	if !fsutil.MustFileExists(targetUntarDir) {
		return errors.Errorf("downloaded %q and extracted %q, but directory %q is still missing",
			url, tarFile, targetUntarDir)
	}
	return nil
}
