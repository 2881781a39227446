// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package plugin

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

// Archive limits.
const (
	DefaultMaxArchiveBytes = 50 << 20
	maxArchiveEntries      = 1000
)

const (
	downloadAttempts = 3
	downloadBackoff  = 500 * time.Millisecond
)

// isURL reports whether source names a remote archive.
func isURL(source string) bool {
	u, err := url.Parse(source)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// download fetches url into a temporary file under dir, retrying transient
// failures. The caller removes the returned file.
func download(ctx context.Context, client *http.Client, backoff retry.Backoff, source, dir string, maxBytes int64) (string, error) {
	f, err := os.CreateTemp(dir, ".download-*.zip")
	if err != nil {
		return "", err
	}
	path := f.Name()
	_ = f.Close()

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return retry.RetryableError(err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return retry.RetryableError(fmt.Errorf("download %s: %s", source, resp.Status))
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("download %s: %s", source, resp.Status)
		}

		out, err := os.Create(path) //nolint:gosec // path was created by CreateTemp above
		if err != nil {
			return err
		}
		n, copyErr := io.Copy(out, io.LimitReader(resp.Body, maxBytes+1))
		closeErr := out.Close()
		if copyErr != nil {
			return retry.RetryableError(copyErr)
		}
		if closeErr != nil {
			return closeErr
		}
		if n > maxBytes {
			return fmt.Errorf("download %s: archive exceeds %d bytes", source, maxBytes)
		}
		return nil
	})
	if err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// extractZip unpacks archive into dest, rejecting entries that would land
// outside dest, links, and archives that expand past maxBytes.
func extractZip(archive, dest string, maxBytes int64) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	if len(r.File) > maxArchiveEntries {
		return fmt.Errorf("archive has %d entries, limit is %d", len(r.File), maxArchiveEntries)
	}

	var total int64
	for _, zf := range r.File {
		target, err := safeJoin(dest, zf.Name)
		if err != nil {
			return err
		}
		mode := zf.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o750); err != nil {
				return err
			}
			continue
		case !mode.IsRegular():
			return fmt.Errorf("archive entry %q is not a regular file", zf.Name)
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			return err
		}
		n, err := extractFile(zf, target, maxBytes-total)
		if err != nil {
			return err
		}
		total += n
	}
	return nil
}

func extractFile(zf *zip.File, target string, budget int64) (int64, error) {
	rc, err := zf.Open()
	if err != nil {
		return 0, err
	}
	defer func() { _ = rc.Close() }()

	perm := zf.Mode().Perm() & 0o755
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm) //nolint:gosec // target checked by safeJoin
	if err != nil {
		return 0, err
	}
	n, copyErr := io.Copy(out, io.LimitReader(rc, budget+1))
	if err := out.Close(); err != nil && copyErr == nil {
		copyErr = err
	}
	if copyErr != nil {
		return n, copyErr
	}
	if n > budget {
		return n, errors.New("archive expands past the size limit")
	}
	return n, nil
}

// safeJoin joins an archive entry name onto dest, refusing names that are
// absolute or climb out of dest.
func safeJoin(dest, name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes the plugin directory", name)
	}
	return filepath.Join(dest, clean), nil
}

// copyTree copies the regular files and directories under src into dest.
// Symlinks are refused so an install never reaches outside its source.
func copyTree(src, dest string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o750)
		case !info.Mode().IsRegular():
			return fmt.Errorf("%s is not a regular file", rel)
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dest string, perm os.FileMode) error {
	in, err := os.Open(src) //nolint:gosec // src comes from walking the install source
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm) //nolint:gosec // dest is inside the staging directory
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// findManifest returns the directory holding plugin.yaml: the staging root
// itself or its only subdirectory, which is how most archives are packed.
func findManifest(staging string) (string, error) {
	if _, err := os.Stat(filepath.Join(staging, ManifestFile)); err == nil {
		return staging, nil
	}
	entries, err := os.ReadDir(staging)
	if err != nil {
		return "", err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, e.Name())
		}
	}
	if len(dirs) == 1 {
		inner := filepath.Join(staging, dirs[0])
		if _, err := os.Stat(filepath.Join(inner, ManifestFile)); err == nil {
			return inner, nil
		}
	}
	return "", oops.Code(CodeLoadFailed).Errorf("no %s found in plugin source", ManifestFile)
}

func defaultDownloadBackoff() retry.Backoff {
	return retry.WithMaxRetries(downloadAttempts-1, retry.NewExponential(downloadBackoff))
}
