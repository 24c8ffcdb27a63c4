// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// BlobStore is the content-addressed-by-opaque-name bundle (blob) store,
// §4.5: "a bundle (blob) store (content-addressed-by-opaque-name)". This
// implementation names blobs by the SHA-256 of their BundleID, written
// under dir, matching the teacher's bundlePartPath naming scheme.
type BlobStore struct {
	dir string
}

// NewBlobStore opens (creating if needed) a BlobStore rooted at dir.
func NewBlobStore(dir string) (*BlobStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("bpa7 store: %w", err)
	}
	return &BlobStore{dir: dir}, nil
}

// NameFor derives the opaque storage name the blob for id would be saved
// under, before it is necessarily saved.
func (bs *BlobStore) NameFor(idKey string) string {
	sum := sha256.Sum256([]byte(idKey))
	return fmt.Sprintf("%x", sum)
}

func (bs *BlobStore) path(name string) string { return filepath.Join(bs.dir, name) }

// Save writes data under name, overwriting any existing blob of that name.
func (bs *BlobStore) Save(name string, data []byte) error {
	return os.WriteFile(bs.path(name), data, 0600)
}

// Load reads the blob named name.
func (bs *BlobStore) Load(name string) ([]byte, error) {
	return os.ReadFile(bs.path(name))
}

// Delete removes the blob named name. A missing blob is not an error.
func (bs *BlobStore) Delete(name string) error {
	if err := os.Remove(bs.path(name)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Names lists every blob name currently on disk, used by CheckOrphans.
func (bs *BlobStore) Names() ([]string, error) {
	entries, err := os.ReadDir(bs.dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// ReceivedAt reports a blob's on-disk modification time, used by
// check_orphans(callback(storage_name, hash, received_at)).
func (bs *BlobStore) ReceivedAt(name string) (time.Time, error) {
	info, err := os.Stat(bs.path(name))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
