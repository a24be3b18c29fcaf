// Copyright 2026 The Histokit Authors. SPDX-License-Identifier: Apache-2.0

// Package downloader fetches dataset archives over HTTP and extracts them
// into a local cache directory. There is no retry and no resumption: a
// download either completes or its error is propagated to the caller.
package downloader

import (
	"archive/zip"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// FileExists returns true if file or directory exists.
func FileExists(path string) bool {
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	panic(err)
}

// ReplaceTildeInDir by the user's home directory. Returns dir if it doesn't start with "~".
func ReplaceTildeInDir(dir string) string {
	if len(dir) == 0 || dir[0] != '~' {
		return dir
	}
	usr, _ := user.Current()
	homeDir := usr.HomeDir
	return path.Join(homeDir, dir[1:])
}

// ByteCountIEC converts a byte count to string using the appropriate unit (B, KiB, MiB, GiB, ...).
func ByteCountIEC(count int64) string {
	const unit = 1024
	if count < unit {
		return fmt.Sprintf("%d B", count)
	}
	div, exp := int64(unit), 0
	for n := count / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(count)/float64(div), "KMGTPE"[exp])
}

// copyBytesBar copies bytes from an io.Reader to an io.Writer while displaying a progressbar.
// It requires knowing the contentLength.
type copyBytesBar struct {
	w                             io.Writer
	bar                           *progressbar.ProgressBar
	contentLength, amountWritten  int64
	barUnit, numUnits, addedUnits int64
}

func newCopyBytesBar(w io.Writer, contentLength int64) *copyBytesBar {
	bar := &copyBytesBar{w: w}
	bar.barUnit = 1
	for contentLength > bar.barUnit*1024*1024 {
		bar.barUnit *= 1024
	}
	bar.numUnits = (contentLength + bar.barUnit - 1) / bar.barUnit
	bar.bar = progressbar.NewOptions(int(bar.numUnits),
		progressbar.OptionSetDescription(ByteCountIEC(contentLength)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return bar
}

// Write implements io.Writer, while updating the progress bar.
func (bar *copyBytesBar) Write(p []byte) (n int, err error) {
	n, err = bar.w.Write(p)
	bar.amountWritten += int64(n)
	toUnits := bar.amountWritten / bar.barUnit
	if toUnits > bar.addedUnits {
		_ = bar.bar.Add(int(toUnits - bar.addedUnits))
		bar.addedUnits = toUnits
	}
	return
}

// CopyWithProgressBar is similar to io.Copy, but updates a progress bar with
// the amount of data copied. It requires knowing the amount up-front.
func CopyWithProgressBar(dst io.Writer, src io.Reader, contentLength int64) (n int64, err error) {
	bar := newCopyBytesBar(dst, contentLength)
	n, err = io.Copy(bar, src)
	if bar.addedUnits < bar.numUnits {
		_ = bar.bar.Add(int(bar.numUnits - bar.addedUnits))
	}
	_ = bar.bar.Close()
	fmt.Println()
	return
}

// Download file from url and save at given path. Attempts to create the
// directory if it doesn't yet exist.
//
// Optionally, use showProgressBar.
func Download(url, filePath string, showProgressBar bool) (size int64, err error) {
	filePath = ReplaceTildeInDir(filePath)
	err = os.MkdirAll(path.Dir(filePath), 0777)
	if err != nil && !os.IsExist(err) {
		return 0, errors.Wrapf(err, "failed to create the directory for the path %q", path.Dir(filePath))
	}
	var file *os.File
	file, err = os.Create(filePath)
	if err != nil {
		return 0, errors.Wrapf(err, "failed creating file %q", filePath)
	}
	// Leave no empty or partial file behind on failure: a later
	// DownloadIfMissing must retry instead of treating it as cached.
	abort := func(err error) (int64, error) {
		_ = file.Close()
		_ = os.Remove(filePath)
		return 0, err
	}
	client := http.Client{
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			r.URL.Opaque = r.URL.Path
			return nil
		},
	}
	var resp *http.Response
	resp, err = client.Get(url)
	if err != nil {
		return abort(errors.Wrapf(err, "failed downloading %q", url))
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return abort(errors.Errorf("failed downloading %q: %s", url, resp.Status))
	}

	if showProgressBar {
		size, err = CopyWithProgressBar(file, resp.Body, resp.ContentLength)
	} else {
		size, err = io.Copy(file, resp.Body)
	}
	if err != nil {
		_ = resp.Body.Close()
		return abort(errors.Wrapf(err, "downloading %q to %q", url, filePath))
	}
	err = file.Close()
	if err != nil {
		_ = resp.Body.Close()
		_ = os.Remove(filePath)
		return 0, errors.Wrapf(err, "failed closing %q", filePath)
	}
	err = resp.Body.Close()
	if err != nil {
		return 0, errors.Wrapf(err, "failed closing connection to %q", url)
	}
	return size, nil
}

// DownloadIfMissing will check if the path exists already, and if not it will
// download the file from the given URL.
func DownloadIfMissing(url, filePath string) error {
	filePath = ReplaceTildeInDir(filePath)
	if FileExists(filePath) {
		return nil
	}
	fmt.Printf("Downloading %s ...\n", url)
	_, err := Download(url, filePath, true)
	return err
}

// Unzip extracts zipFile under destDir, creating directories as needed.
// Entries escaping destDir abort the extraction.
func Unzip(zipFile, destDir string) error {
	reader, err := zip.OpenReader(zipFile)
	if err != nil {
		return errors.Wrapf(err, "failed to open zip archive %q", zipFile)
	}
	defer func() { _ = reader.Close() }()

	for _, f := range reader.File {
		cleanPath := path.Clean(f.Name)
		if path.IsAbs(cleanPath) || strings.HasPrefix(cleanPath, "..") {
			return errors.Errorf("invalid (malicious?) path %q in archive %q", f.Name, zipFile)
		}
		target := filepath.Join(destDir, filepath.FromSlash(cleanPath))
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0777); err != nil {
				return errors.Wrapf(err, "failed to create directory %q", target)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0777); err != nil {
			return errors.Wrapf(err, "failed to create directory for %q", target)
		}
		if err := extractFile(f, target); err != nil {
			return errors.WithMessagef(err, "failed to extract %q from %q", f.Name, zipFile)
		}
	}
	return nil
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return errors.Wrapf(err, "failed to open archive entry")
	}
	defer func() { _ = rc.Close() }()
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", target)
	}
	if _, err = io.Copy(out, rc); err != nil {
		_ = out.Close()
		return errors.Wrapf(err, "failed to write %q", target)
	}
	return errors.Wrapf(out.Close(), "failed closing %q", target)
}

// DownloadAndUnzipIfMissing downloads zipFile from the given url, if not there
// yet, and extracts it under destDir, if the target directory is missing.
func DownloadAndUnzipIfMissing(url, zipFile, destDir, targetDir string) error {
	if FileExists(targetDir) {
		return nil
	}
	if err := DownloadIfMissing(url, zipFile); err != nil {
		return err
	}
	if err := Unzip(zipFile, destDir); err != nil {
		return err
	}
	if !FileExists(targetDir) {
		return errors.Errorf("downloaded from %q and unzip'ed %q, but didn't get directory %q", url, zipFile, targetDir)
	}
	return nil
}
