// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"container/heap"
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// DefaultReaperCacheSize is reaper_cache_size's default, §4.5.
const DefaultReaperCacheSize = 64

// DropFunc drops an expired bundle, reporting LifetimeExpired; the
// dispatcher supplies this to avoid an import cycle between store and
// dispatch.
type DropFunc func(id bpv7.BundleID, reason bpv7.StatusReportReason)

type reaperEntry struct {
	expiry time.Time
	id     bpv7.BundleID
}

// expiryHeap is a max-heap on expiry so watch_bundle can cheaply find (and
// evict) the entry furthest in the future when the cache is full; the
// reaper loop itself always wants the minimum, fetched via min().
type expiryHeap []reaperEntry

func (h expiryHeap) Len() int            { return len(h) }
func (h expiryHeap) Less(i, j int) bool  { return h[i].expiry.After(h[j].expiry) } // max-heap
func (h expiryHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *expiryHeap) Push(x interface{}) { *h = append(*h, x.(reaperEntry)) }
func (h *expiryHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func (h expiryHeap) min() (reaperEntry, bool) {
	if len(h) == 0 {
		return reaperEntry{}, false
	}
	min := h[0]
	for _, e := range h[1:] {
		if e.expiry.Before(min.expiry) {
			min = e
		}
	}
	return min, true
}

// Reaper is the singleton expiry task, §4.5: an in-memory bounded heap of
// (expiry_time, bundle_id) backed by the metadata store's poll_expiry for
// refills once the heap runs dry.
type Reaper struct {
	store     *Store
	drop      DropFunc
	cacheSize int

	mu      sync.Mutex
	entries expiryHeap
	notify  chan struct{}
	refill  bool // a refill task is in flight; deduplicates concurrent refills
}

// NewReaper builds a Reaper with the default cache size.
func NewReaper(store *Store, drop DropFunc) *Reaper {
	return &Reaper{
		store:     store,
		drop:      drop,
		cacheSize: DefaultReaperCacheSize,
		notify:    make(chan struct{}, 1),
	}
}

// WatchBundle inserts a freshly-seen expiry into the cache if there is room,
// or if it expires sooner than the cache's current latest entry (evicting
// that entry). It wakes the reaper loop iff the new entry is now the
// earliest expiry, matching §4.5's "notifies the reaper task iff the new
// entry is the new minimum".
func (r *Reaper) WatchBundle(id bpv7.BundleID, expiry time.Time) {
	if expiry.IsZero() {
		return
	}

	r.mu.Lock()
	prevMin, hadMin := r.entries.min()

	if len(r.entries) < r.cacheSize {
		heap.Push(&r.entries, reaperEntry{expiry: expiry, id: id})
	} else if r.entries[0].expiry.After(expiry) {
		heap.Pop(&r.entries)
		heap.Push(&r.entries, reaperEntry{expiry: expiry, id: id})
	} else {
		r.mu.Unlock()
		return
	}

	newMin, _ := r.entries.min()
	isNewMinimum := !hadMin || newMin.expiry.Before(prevMin.expiry)
	r.mu.Unlock()

	if isNewMinimum {
		r.wake()
	}
}

func (r *Reaper) wake() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Run drives the reaper loop until ctx is cancelled: sleep until the
// earliest expiry (or until woken), drop everything whose time has passed,
// and trigger a refill when the cache runs dry.
func (r *Reaper) Run(ctx context.Context) {
	for {
		r.mu.Lock()
		min, ok := r.entries.min()
		r.mu.Unlock()

		var timer <-chan time.Time
		if ok {
			d := time.Until(min.expiry)
			if d < 0 {
				d = 0
			}
			t := time.NewTimer(d)
			defer t.Stop()
			timer = t.C
		}

		select {
		case <-ctx.Done():
			return
		case <-r.notify:
		case <-timer:
		}

		r.reapExpired()

		r.mu.Lock()
		empty := len(r.entries) == 0
		alreadyRefilling := r.refill
		if empty && !alreadyRefilling {
			r.refill = true
		}
		r.mu.Unlock()

		if empty && !alreadyRefilling {
			go r.refillOnce(ctx)
		}
	}
}

// reapExpired drops every cached entry whose expiry has passed.
func (r *Reaper) reapExpired() {
	now := time.Now()
	for {
		r.mu.Lock()
		min, ok := r.entries.min()
		if !ok || min.expiry.After(now) {
			r.mu.Unlock()
			break
		}
		// remove min from the heap: pop/push dance since container/heap
		// only exposes removal of index 0 (the max under our ordering).
		for i, e := range r.entries {
			if e.expiry.Equal(min.expiry) && e.id.String() == min.id.String() {
				r.entries[i] = r.entries[len(r.entries)-1]
				r.entries = r.entries[:len(r.entries)-1]
				heap.Init(&r.entries)
				break
			}
		}
		r.mu.Unlock()

		r.drop(min.id, bpv7.LifetimeExpired)
	}
}

// refillOnce re-streams the next batch of earliest-expiry rows from the
// metadata store once the cache has run dry.
func (r *Reaper) refillOnce(ctx context.Context) {
	defer func() {
		r.mu.Lock()
		r.refill = false
		r.mu.Unlock()
	}()

	items, err := r.store.PollExpiry(r.cacheSize)
	if err != nil {
		log.WithError(err).Warn("reaper refill failed to poll expiry")
		return
	}
	for _, item := range items {
		select {
		case <-ctx.Done():
			return
		default:
		}
		r.WatchBundle(item.Id, item.Expiry)
	}
}
