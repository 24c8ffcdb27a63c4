// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package store implements the metadata and blob stores §4.5 calls for:
// a transactional, queryable metadata store (badgerhold, as the teacher's
// storage package already used) fronting a content-addressed blob store for
// the serialized bundles themselves.
package store

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/timshannon/badgerhold"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

const (
	dirBadger = "meta"
	dirBlob   = "blob"
)

// Store is the combined metadata + blob store the dispatcher operates on.
type Store struct {
	bh   *badgerhold.Store
	blob *BlobStore
}

// Open creates a new Store or opens an existing one rooted at dir.
func Open(dir string) (*Store, error) {
	badgerDir := path.Join(dir, dirBadger)
	if err := os.MkdirAll(badgerDir, 0700); err != nil {
		return nil, fmt.Errorf("bpa7 store: %w", err)
	}

	opts := badgerhold.DefaultOptions
	opts.Dir = badgerDir
	opts.ValueDir = badgerDir
	opts.Logger = log.StandardLogger()
	opts.Options.ValueLogFileSize = 1<<28 - 1

	bh, err := badgerhold.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("bpa7 store: %w", err)
	}

	blob, err := NewBlobStore(path.Join(dir, dirBlob))
	if err != nil {
		bh.Close()
		return nil, err
	}

	return &Store{bh: bh, blob: blob}, nil
}

// Close releases the underlying badger database. The Store must not be used
// afterwards.
func (s *Store) Close() error { return s.bh.Close() }

// Insert saves wire to the blob store and inserts b's metadata row with
// status Dispatching, §4.6 receive_bundle step 2.
func (s *Store) Insert(b *bpv7.Bundle, wire []byte, nonCanonical bool) (*BundleItem, error) {
	id := b.ID()
	name := s.blob.NameFor(id.Key())
	if err := s.blob.Save(name, wire); err != nil {
		return nil, fmt.Errorf("bpa7 store: %w", err)
	}

	item := newBundleItem(b, name, nonCanonical)
	if err := s.bh.Insert(item.IdKey, item); err != nil {
		s.blob.Delete(name)
		return nil, fmt.Errorf("bpa7 store: %w", err)
	}
	return item, nil
}

// InsertMetadataOnly records a row with no backing blob, for an Invalid
// parse that nonetheless yielded a recoverable BundleID (§4.6 step 4).
func (s *Store) InsertMetadataOnly(id bpv7.BundleID) (*BundleItem, error) {
	item := &BundleItem{IdKey: id.Key(), Id: id, Status: StatusDispatching}
	if err := s.bh.Insert(item.IdKey, item); err != nil {
		return nil, fmt.Errorf("bpa7 store: %w", err)
	}
	return item, nil
}

// Update persists changes to an already-inserted BundleItem.
func (s *Store) Update(item *BundleItem) error {
	if err := s.bh.Update(item.IdKey, item); err != nil {
		return fmt.Errorf("bpa7 store: %w", err)
	}
	return nil
}

// Tombstone transitions id's row to StatusTombstone without deleting it and
// drops its backing blob; the row is kept briefly for receive-side
// deduplication and is reclaimed later by Remove.
func (s *Store) Tombstone(id bpv7.BundleID) error {
	item, err := s.Get(id)
	if err != nil {
		return err
	}
	item.Status = StatusTombstone
	if item.StorageName != "" {
		if err := s.blob.Delete(item.StorageName); err != nil {
			log.WithError(err).WithField("bundle", id).Warn("failed to delete tombstoned blob")
		}
		item.StorageName = ""
	}
	return s.Update(item)
}

// Remove permanently deletes id's metadata row and any backing blob.
func (s *Store) Remove(id bpv7.BundleID) error {
	item, err := s.Get(id)
	if err != nil {
		return err
	}
	if item.StorageName != "" {
		if err := s.blob.Delete(item.StorageName); err != nil {
			log.WithError(err).WithField("bundle", id).Warn("failed to delete blob on remove")
		}
	}
	if err := s.bh.Delete(item.IdKey, BundleItem{}); err != nil {
		return fmt.Errorf("bpa7 store: %w", err)
	}
	return nil
}

// Get fetches the metadata row for id.
func (s *Store) Get(id bpv7.BundleID) (*BundleItem, error) {
	var item BundleItem
	if err := s.bh.Get(id.Key(), &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// ConfirmExists reports whether a row for id is already stored.
func (s *Store) ConfirmExists(id bpv7.BundleID) bool {
	_, err := s.Get(id)
	return err == nil
}

// LoadBundle loads and parses the bundle backing item, if any blob is
// attached.
func (s *Store) LoadBundle(item *BundleItem, lookup bpv7.KeyLookup) (*bpv7.Bundle, error) {
	if item.StorageName == "" {
		return nil, fmt.Errorf("bpa7 store: bundle %s has no backing blob", item.IdKey)
	}
	data, err := s.blob.Load(item.StorageName)
	if err != nil {
		return nil, err
	}
	result := bpv7.ParseBundle(data, lookup)
	if result.Outcome == bpv7.OutcomeInvalid {
		return nil, result.Err
	}
	return result.Bundle, nil
}

// PollPending streams every row with the given status to sink, a bounded
// channel of depth channelDepth providing backpressure to the producer. The
// channel is closed when the scan completes or ctx is cancelled.
func (s *Store) PollPending(ctx context.Context, status Status, channelDepth int) (<-chan *BundleItem, error) {
	var items []BundleItem
	if err := s.bh.Find(&items, badgerhold.Where("Status").Eq(status)); err != nil {
		return nil, fmt.Errorf("bpa7 store: %w", err)
	}

	sink := make(chan *BundleItem, channelDepth)
	go func() {
		defer close(sink)
		for i := range items {
			select {
			case sink <- &items[i]:
			case <-ctx.Done():
				return
			}
		}
	}()
	return sink, nil
}

// PollExpiry streams the n rows with the earliest (non-zero) Expiry, used by
// the reaper to refill its heap.
func (s *Store) PollExpiry(n int) ([]*BundleItem, error) {
	var items []BundleItem
	if err := s.bh.Find(&items, badgerhold.Where("Expiry").Gt(time.Time{}).
		SortBy("Expiry").Limit(n)); err != nil {
		return nil, fmt.Errorf("bpa7 store: %w", err)
	}
	out := make([]*BundleItem, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out, nil
}

// PollAduFragments streams every row sharing the (source, timestamp) ADU
// fragment key, §4.5 ADU reassembly.
func (s *Store) PollAduFragments(source bpv7.Eid, ts bpv7.CreationTimestamp) ([]*BundleItem, error) {
	var items []BundleItem
	if err := s.bh.Find(&items, badgerhold.Where("Status").Eq(StatusAduFragment).
		And("FragmentSource").Eq(source).
		And("FragmentTimestamp").Eq(ts)); err != nil {
		return nil, fmt.Errorf("bpa7 store: %w", err)
	}
	out := make([]*BundleItem, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out, nil
}

// LoadBundleWire returns the raw serialized bytes backing item, without
// reparsing them into a Bundle; the CLA egress path only ever needs to
// retransmit the original wire representation.
func (s *Store) LoadBundleWire(item *BundleItem) ([]byte, error) {
	if item.StorageName == "" {
		return nil, fmt.Errorf("bpa7 store: bundle %s has no backing blob", item.IdKey)
	}
	return s.blob.Load(item.StorageName)
}

// ResaveBundleWire overwrites the blob backing item with wire, keeping the
// same storage name; used when the dispatcher rewrites a bundle in place
// (hop count increment, previous-node block) before forwarding it.
func (s *Store) ResaveBundleWire(item *BundleItem, wire []byte) error {
	if item.StorageName == "" {
		return fmt.Errorf("bpa7 store: bundle %s has no backing blob", item.IdKey)
	}
	if err := s.blob.Save(item.StorageName, wire); err != nil {
		return fmt.Errorf("bpa7 store: %w", err)
	}
	return nil
}

// PollPendingForPeerQueue returns up to limit rows ForwardPending on the
// given (peer, queue) pair, the parameterized poll_pending a CLA's per-queue
// worker loop drains on each wakeup, §4.7.
func (s *Store) PollPendingForPeerQueue(peer, queue string, limit int) ([]*BundleItem, error) {
	var items []BundleItem
	if err := s.bh.Find(&items, badgerhold.Where("Status").Eq(StatusForwardPending).
		And("Peer").Eq(peer).And("Queue").Eq(queue).Limit(limit)); err != nil {
		return nil, fmt.Errorf("bpa7 store: %w", err)
	}
	out := make([]*BundleItem, len(items))
	for i := range items {
		out[i] = &items[i]
	}
	return out, nil
}

// ResetPeerQueue moves every row ForwardPending on peer back to Dispatching,
// §4.6 forward_bundle's NoNeighbour handling.
func (s *Store) ResetPeerQueue(peer string) error {
	var items []BundleItem
	if err := s.bh.Find(&items, badgerhold.Where("Status").Eq(StatusForwardPending).
		And("Peer").Eq(peer)); err != nil {
		return fmt.Errorf("bpa7 store: %w", err)
	}
	for i := range items {
		items[i].Status = StatusDispatching
		items[i].Peer = ""
		items[i].Queue = ""
		if err := s.Update(&items[i]); err != nil {
			return err
		}
	}
	return nil
}

// LoadBlobByName reads a blob directly by its storage name, for callers
// (restart_bundle, §4.6) that only have an orphaned name and no metadata row
// to hang an Id off yet.
func (s *Store) LoadBlobByName(name string) ([]byte, error) { return s.blob.Load(name) }

// DeleteBlobByName removes a blob directly by its storage name.
func (s *Store) DeleteBlobByName(name string) error { return s.blob.Delete(name) }

// BlobNameFor derives the storage name a bundle with the given metadata key
// would be saved under.
func (s *Store) BlobNameFor(idKey string) string { return s.blob.NameFor(idKey) }

// SaveBlobByName writes data under an explicit storage name, overwriting any
// existing blob of that name.
func (s *Store) SaveBlobByName(name string, data []byte) error { return s.blob.Save(name, data) }

// CheckOrphans enumerates every blob whose name is not referenced by any
// live metadata row and invokes callback(storageName, receivedAt) for each,
// per §4.5's check_orphans.
func (s *Store) CheckOrphans(callback func(storageName string, receivedAt time.Time)) error {
	names, err := s.blob.Names()
	if err != nil {
		return fmt.Errorf("bpa7 store: %w", err)
	}

	var items []BundleItem
	if err := s.bh.Find(&items, nil); err != nil {
		return fmt.Errorf("bpa7 store: %w", err)
	}
	known := make(map[string]bool, len(items))
	for _, item := range items {
		if item.StorageName != "" {
			known[item.StorageName] = true
		}
	}

	for _, name := range names {
		if known[name] {
			continue
		}
		receivedAt, err := s.blob.ReceivedAt(name)
		if err != nil {
			log.WithError(err).WithField("blob", name).Warn("failed to stat orphaned blob")
			continue
		}
		callback(name, receivedAt)
	}
	return nil
}
