// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

func setupStoreDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "bpa7-store")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func newTestBundle(t *testing.T) *bpv7.Bundle {
	t.Helper()
	src := bpv7.DtnEid("src", "app")
	dst := bpv7.DtnEid("dest", "app")
	ts := bpv7.NewCreationTimestamp(bpv7.DtnTimeNow(), 0)
	primary := bpv7.NewPrimaryBlock(0, dst, src, ts, uint64(10*time.Minute/time.Millisecond))
	return bpv7.NewBundle(primary, []byte("hello world"))
}

func TestStoreInsertGetRemove(t *testing.T) {
	s, err := Open(setupStoreDir(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	b := newTestBundle(t)
	wire := b.Marshal()

	item, err := s.Insert(b, wire, false)
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != StatusDispatching {
		t.Fatalf("expected StatusDispatching, got %v", item.Status)
	}

	got, err := s.Get(b.ID())
	if err != nil {
		t.Fatal(err)
	}
	if got.IdKey != item.IdKey {
		t.Fatalf("fetched item id mismatch")
	}

	loaded, err := s.LoadBundle(got, nil)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ID().String() != b.ID().String() {
		t.Fatalf("loaded bundle id mismatch: %v != %v", loaded.ID(), b.ID())
	}

	if !s.ConfirmExists(b.ID()) {
		t.Fatalf("expected ConfirmExists to report true")
	}

	if err := s.Remove(b.ID()); err != nil {
		t.Fatal(err)
	}
	if s.ConfirmExists(b.ID()) {
		t.Fatalf("expected ConfirmExists to report false after Remove")
	}
}

func TestStorePollPendingAndTombstone(t *testing.T) {
	s, err := Open(setupStoreDir(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	b := newTestBundle(t)
	if _, err := s.Insert(b, b.Marshal(), false); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	sink, err := s.PollPending(ctx, StatusDispatching, 4)
	if err != nil {
		t.Fatal(err)
	}
	count := 0
	for range sink {
		count++
	}
	if count != 1 {
		t.Fatalf("expected 1 pending item, got %d", count)
	}

	if err := s.Tombstone(b.ID()); err != nil {
		t.Fatal(err)
	}
	item, err := s.Get(b.ID())
	if err != nil {
		t.Fatal(err)
	}
	if item.Status != StatusTombstone {
		t.Fatalf("expected StatusTombstone, got %v", item.Status)
	}
	if item.StorageName != "" {
		t.Fatalf("expected blob to be dropped on tombstone")
	}
}

func TestStoreResetPeerQueue(t *testing.T) {
	s, err := Open(setupStoreDir(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	b := newTestBundle(t)
	item, err := s.Insert(b, b.Marshal(), false)
	if err != nil {
		t.Fatal(err)
	}
	item.Status = StatusForwardPending
	item.Peer = "peer-a"
	item.Queue = "bulk"
	if err := s.Update(item); err != nil {
		t.Fatal(err)
	}

	if err := s.ResetPeerQueue("peer-a"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(b.ID())
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusDispatching || got.Peer != "" {
		t.Fatalf("expected row reset to Dispatching with no peer, got %v/%q", got.Status, got.Peer)
	}
}

func TestReaperWatchAndDrop(t *testing.T) {
	s, err := Open(setupStoreDir(t))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	dropped := make(chan bpv7.BundleID, 1)
	r := NewReaper(s, func(id bpv7.BundleID, reason bpv7.StatusReportReason) {
		if reason != bpv7.LifetimeExpired {
			t.Errorf("expected LifetimeExpired, got %v", reason)
		}
		dropped <- id
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	b := newTestBundle(t)
	r.WatchBundle(b.ID(), time.Now().Add(20*time.Millisecond))

	select {
	case id := <-dropped:
		if id.String() != b.ID().String() {
			t.Fatalf("dropped wrong bundle id: %v", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not drop expired bundle in time")
	}
}
