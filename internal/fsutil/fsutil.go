// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Lumina Assist Contributors

// Package fsutil holds the small directory-copy primitives the install
// and update paths share. Plugin packages are plain regular files;
// symlinks and other irregular entries are deliberately not copied.
package fsutil

import (
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// CopyTree copies the regular files under src into dst, preserving the
// relative layout and creating dst as needed.
func CopyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o750)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		return CopyFile(path, target)
	})
}

// CopyFile copies one regular file, creating parent directories.
func CopyFile(src, dst string) error {
	in, err := os.Open(src) //nolint:gosec // paths come from controlled plugin directories
	if err != nil {
		return err
	}
	defer in.Close() //nolint:errcheck // read-only file

	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) //nolint:gosec // controlled destination
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck,gosec // copy error takes precedence
		return err
	}
	return out.Close()
}

// ReplaceTree swaps dst's contents for src's. dst is cleared first so
// files absent from src do not linger.
func ReplaceTree(src, dst string) error {
	entries, err := os.ReadDir(dst)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dst, entry.Name())); err != nil {
			return err
		}
	}
	return CopyTree(src, dst)
}
