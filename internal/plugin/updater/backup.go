// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

package updater

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/samber/oops"
	"golang.org/x/crypto/blake2b"
)

// checksumFileName holds the backup's integrity manifest: a JSON map of
// relative path to BLAKE2b-256 digest. It lives next to the backed-up
// files, outside the copied tree.
const checksumFileName = "checksums.json"

// hashTree computes BLAKE2b-256 digests for every regular file under
// dir, keyed by slash-separated relative path.
func hashTree(dir string) (map[string]string, error) {
	sums := make(map[string]string)
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == checksumFileName {
			return nil
		}

		digest, err := hashFile(path)
		if err != nil {
			return err
		}
		sums[filepath.ToSlash(rel)] = digest
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sums, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // path produced by WalkDir over a controlled tree
	if err != nil {
		return "", err
	}
	defer f.Close() //nolint:errcheck // read-only file

	h, err := blake2b.New256(nil)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeChecksums records the integrity manifest for a backup.
func writeChecksums(dir string, sums map[string]string) error {
	data, err := json.MarshalIndent(sums, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, checksumFileName), data, 0o640) //nolint:gosec // backup metadata
}

// verifyChecksums re-hashes dir and compares against the recorded
// manifest, failing on any missing, extra, or altered file.
func verifyChecksums(dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, checksumFileName)) //nolint:gosec // backup metadata
	if err != nil {
		return oops.In("updater").Hint("backup checksum manifest unreadable").Wrap(err)
	}
	var want map[string]string
	if err := json.Unmarshal(data, &want); err != nil {
		return oops.In("updater").Hint("backup checksum manifest corrupt").Wrap(err)
	}

	got, err := hashTree(dir)
	if err != nil {
		return oops.In("updater").Wrap(err)
	}

	var bad []string
	for rel, sum := range want {
		if got[rel] != sum {
			bad = append(bad, rel)
		}
	}
	for rel := range got {
		if _, ok := want[rel]; !ok {
			bad = append(bad, rel)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return oops.In("updater").With("files", bad).
			New("backup integrity check failed")
	}
	return nil
}
