// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 ShellBe Contributors

package plugin

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"regexp"

	"github.com/samber/oops"
)

var checksumLine = regexp.MustCompile(`(?m)^checksum:[ \t]*\S*[ \t]*$`)

// ArtifactChecksum returns the "sha256:<hex>" digest of the artifact named
// by the manifest in dir. With write set, the manifest's checksum line is
// rewritten in place. The rest of the manifest is left byte-for-byte alone.
func ArtifactChecksum(dir string, write bool) (string, error) {
	manifestPath := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(manifestPath) //nolint:gosec // plugin directory chosen by the user
	if err != nil {
		return "", ErrLoadFailed(manifestPath, err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return "", ErrLoadFailed(manifestPath, err)
	}

	rel := m.Artifact()
	f, err := os.Open(filepath.Join(dir, filepath.FromSlash(rel))) //nolint:gosec // validated manifest-relative path
	if err != nil {
		return "", ErrArtifactInvalid(m.Name, rel, err.Error())
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", ErrArtifactInvalid(m.Name, rel, err.Error())
	}
	sum := "sha256:" + hex.EncodeToString(h.Sum(nil))
	if !write || sum == m.Checksum {
		return sum, nil
	}

	if !checksumLine.Match(data) {
		return "", oops.In("plugin").With("manifest", manifestPath).Errorf("manifest has no top-level checksum line to rewrite")
	}
	updated := checksumLine.ReplaceAll(data, []byte("checksum: "+sum))
	info, err := os.Stat(manifestPath)
	if err != nil {
		return "", oops.In("plugin").With("manifest", manifestPath).Wrap(err)
	}
	if err := os.WriteFile(manifestPath, updated, info.Mode().Perm()); err != nil {
		return "", oops.In("plugin").With("manifest", manifestPath).Wrapf(err, "write manifest")
	}
	return sum, nil
}
