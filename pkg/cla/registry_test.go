// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"context"
	"testing"
	"time"

	"github.com/dtn-bpa/bpa7/internal/task"
	"github.com/dtn-bpa/bpa7/pkg/bpv7"
	"github.com/dtn-bpa/bpa7/pkg/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store, *mockSink) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	pool := task.NewBoundedPool(context.Background(), 4)
	t.Cleanup(pool.Shutdown)

	sink := &mockSink{}
	return NewRegistry(st, pool, sink), st, sink
}

func TestRegisterDuplicateName(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	c := newMockCla("quicla")

	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Register(newMockCla("quicla")); err == nil {
		t.Fatalf("expected ErrAlreadyExists for duplicate registration")
	}
}

func TestUnregisterUnknown(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	if err := reg.Unregister("nope"); err == nil {
		t.Fatalf("expected ErrUnknownCla")
	}
}

func TestPeerAppearedSpawnsWorkerAndForwards(t *testing.T) {
	reg, st, sink := newTestRegistry(t)
	c := newMockCla("quicla")
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}

	c.appear(Peer{Addr: "peer-a", NodeIds: []bpv7.Eid{bpv7.DtnEid("peer-a")}, QueueCount: 1})
	if len(sink.appeared) != 1 {
		t.Fatalf("expected sink to observe 1 peer appearance, got %d", len(sink.appeared))
	}

	src := bpv7.DtnEid("sender")
	dst := bpv7.DtnEid("peer-a")
	ts := bpv7.NewCreationTimestamp(bpv7.DtnTimeNow(), 0)
	b := bpv7.NewBundle(bpv7.NewPrimaryBlock(0, dst, src, ts, 3600_000), []byte("hi"))

	item, err := st.Insert(b, b.Marshal(), false)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	item.Status = store.StatusForwardPending
	item.Peer = "peer-a"
	item.Queue = "0"
	if err := st.Update(item); err != nil {
		t.Fatalf("Update: %v", err)
	}

	reg.NotifyPeer("peer-a", "0")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.sentCount() > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if c.sentCount() != 1 {
		t.Fatalf("expected exactly one forwarded bundle, got %d", c.sentCount())
	}

	if _, err := st.Get(b.ID()); err != nil {
		t.Fatalf("expected tombstoned row to remain readable: %v", err)
	}
}

func TestPeerDisappearedResetsQueue(t *testing.T) {
	reg, st, sink := newTestRegistry(t)
	c := newMockCla("quicla")
	if err := reg.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	c.appear(Peer{Addr: "peer-b", QueueCount: 1})

	src := bpv7.DtnEid("sender")
	dst := bpv7.DtnEid("peer-b")
	ts := bpv7.NewCreationTimestamp(bpv7.DtnTimeNow(), 0)
	b := bpv7.NewBundle(bpv7.NewPrimaryBlock(0, dst, src, ts, 3600_000), []byte("hi"))
	item, err := st.Insert(b, b.Marshal(), false)
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	item.Status = store.StatusForwardPending
	item.Peer = "peer-b"
	item.Queue = "0"
	if err := st.Update(item); err != nil {
		t.Fatalf("Update: %v", err)
	}

	c.disappear("peer-b")
	if len(sink.disappeared) != 1 {
		t.Fatalf("expected 1 disappearance event, got %d", len(sink.disappeared))
	}

	got, err := st.Get(b.ID())
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != store.StatusDispatching {
		t.Errorf("expected row reset to Dispatching, got %v", got.Status)
	}
}
