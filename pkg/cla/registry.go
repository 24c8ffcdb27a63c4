// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dtn-bpa/bpa7/internal/task"
	"github.com/dtn-bpa/bpa7/pkg/store"
)

// DefaultChannelDepth is CHANNEL_DEPTH, the shared backpressure knob every
// per-queue worker's drain burst is bounded by, §4.7.
const DefaultChannelDepth = 16

type peerWorkers struct {
	cancels []context.CancelFunc
	notify  []chan struct{}
}

type registeredCla struct {
	cla   Cla
	peers map[string]*peerWorkers // keyed by Peer.Addr
}

// Registry is the engine-wide CLA registry and egress scheduler, §4.7. It
// implements Sink itself, interposing on every Cla callback to manage
// per-peer worker goroutines before relaying the event to the dispatcher's
// Sink.
type Registry struct {
	store        *store.Store
	pool         *task.BoundedPool
	channelDepth int
	sink         Sink

	mu      sync.Mutex
	clas    map[string]*registeredCla
	addrCla map[string]string // peer addr -> owning Cla name, for NotifyPeer
}

// NewRegistry builds a Registry bound to st, driving its worker goroutines
// through pool and handing dispatcher-facing events to sink.
func NewRegistry(st *store.Store, pool *task.BoundedPool, sink Sink) *Registry {
	return &Registry{
		store:        st,
		pool:         pool,
		channelDepth: DefaultChannelDepth,
		sink:         sink,
		clas:         make(map[string]*registeredCla),
		addrCla:      make(map[string]string),
	}
}

// Register adds c to the registry and calls its OnRegister hook.
func (r *Registry) Register(c Cla) error {
	name := c.Name()

	r.mu.Lock()
	if _, exists := r.clas[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyExists, name)
	}
	r.clas[name] = &registeredCla{cla: c, peers: make(map[string]*peerWorkers)}
	r.mu.Unlock()

	if err := c.OnRegister(r); err != nil {
		r.mu.Lock()
		delete(r.clas, name)
		r.mu.Unlock()
		return fmt.Errorf("cla: registering %s: %w", name, err)
	}
	return nil
}

// Unregister removes the named Cla: every worker watching its peers is
// cancelled, the RIB entries under it are no longer reachable, and finally
// OnUnregister is called, §4.7 "cascading unregister".
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	rc, exists := r.clas[name]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownCla, name)
	}
	delete(r.clas, name)
	for addr := range rc.peers {
		delete(r.addrCla, addr)
	}
	r.mu.Unlock()

	for _, pw := range rc.peers {
		for _, cancel := range pw.cancels {
			cancel()
		}
	}
	rc.cla.OnUnregister()
	return nil
}

// Names returns every currently-registered Cla name.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.clas))
	for name := range r.clas {
		out = append(out, name)
	}
	return out
}

// Forward hands data to the named Cla for delivery to addr on queue.
func (r *Registry) Forward(ctx context.Context, claName, queue, addr string, data []byte) (ForwardResult, error) {
	r.mu.Lock()
	rc, exists := r.clas[claName]
	r.mu.Unlock()
	if !exists {
		return NoNeighbour, fmt.Errorf("%w: %s", ErrUnknownCla, claName)
	}
	return rc.cla.Forward(ctx, queue, addr, data)
}

// Dial asks the named Cla to actively connect to addr, for Clas implementing
// Dialer; used by peer discovery to turn a freshly-heard Announcement into a
// connection instead of waiting passively for the peer to dial in.
func (r *Registry) Dial(ctx context.Context, claName, addr string) error {
	r.mu.Lock()
	rc, exists := r.clas[claName]
	r.mu.Unlock()
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownCla, claName)
	}
	d, ok := rc.cla.(Dialer)
	if !ok {
		return fmt.Errorf("cla: %s does not support dialing", claName)
	}
	return d.Dial(ctx, addr)
}

// NotifyPeer wakes the worker loop for (peer, queue) after the dispatcher
// has written a fresh ForwardPending row, the edge-triggered "notify" half
// of §4.7's worker pseudocode. It is a no-op if no worker is currently
// watching that queue (e.g. the peer has since disappeared).
func (r *Registry) NotifyPeer(addr, queue string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	claName, ok := r.addrCla[addr]
	if !ok {
		return
	}
	rc := r.clas[claName]
	pw, ok := rc.peers[addr]
	if !ok {
		return
	}
	idx, err := strconv.Atoi(queue)
	if err != nil || idx < 0 || idx >= len(pw.notify) {
		return
	}
	select {
	case pw.notify[idx] <- struct{}{}:
	default:
	}
}

// OnReceive implements Sink: relayed verbatim to the dispatcher.
func (r *Registry) OnReceive(claName string, data []byte) {
	r.sink.OnReceive(claName, data)
}

// OnPeerAppeared implements Sink: spawns one worker per queue lane and
// relays peer appearance to the dispatcher for FIB insertion.
func (r *Registry) OnPeerAppeared(claName string, peer Peer) {
	count := peer.QueueCount
	if count < 1 {
		count = 1
	}

	r.mu.Lock()
	rc, exists := r.clas[claName]
	if !exists {
		r.mu.Unlock()
		return
	}
	if _, already := rc.peers[peer.Addr]; already {
		r.mu.Unlock()
		return
	}

	pw := &peerWorkers{cancels: make([]context.CancelFunc, count), notify: make([]chan struct{}, count)}
	rc.peers[peer.Addr] = pw
	r.addrCla[peer.Addr] = claName
	r.mu.Unlock()

	for i := 0; i < count; i++ {
		queue := strconv.Itoa(i)
		ctx, cancel := r.pool.ChildToken()
		pw.cancels[i] = cancel
		pw.notify[i] = make(chan struct{}, 1)

		if err := r.pool.Spawn(func(ctx context.Context) {
			r.runQueueWorker(ctx, rc.cla, claName, peer.Addr, queue, pw.notify[i])
		}); err != nil {
			log.WithError(err).WithFields(log.Fields{"cla": claName, "peer": peer.Addr, "queue": queue}).
				Warn("failed to spawn egress worker")
			cancel()
		}
	}

	r.sink.OnPeerAppeared(claName, peer)
}

// OnPeerDisappeared implements Sink: cancels that peer's workers, resets any
// rows still parked ForwardPending on it back to Dispatching so routing can
// retry them, and relays disappearance to the dispatcher.
func (r *Registry) OnPeerDisappeared(claName, addr string) {
	r.mu.Lock()
	rc, exists := r.clas[claName]
	var pw *peerWorkers
	if exists {
		pw = rc.peers[addr]
		delete(rc.peers, addr)
	}
	delete(r.addrCla, addr)
	r.mu.Unlock()

	if pw != nil {
		for _, cancel := range pw.cancels {
			cancel()
		}
	}

	if err := r.store.ResetPeerQueue(addr); err != nil {
		log.WithError(err).WithField("peer", addr).Warn("failed to reset peer queue on disappearance")
	}

	r.sink.OnPeerDisappeared(claName, addr)
}

// runQueueWorker is the per-(peer,queue) loop of §4.7: wait for an
// edge-triggered notification (there is no timer; only NotifyPeer or
// cancellation wakes it), drain bursts of at most channelDepth pending rows,
// and forward each in turn.
func (r *Registry) runQueueWorker(ctx context.Context, c Cla, claName, addr, queue string, notify <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-notify:
		}

		for {
			items, err := r.store.PollPendingForPeerQueue(addr, queue, r.channelDepth)
			if err != nil {
				log.WithError(err).WithFields(log.Fields{"cla": claName, "peer": addr, "queue": queue}).
					Warn("failed to poll forward-pending rows")
				break
			}
			if len(items) == 0 {
				break
			}

			for _, item := range items {
				if err := r.forwardOne(ctx, c, claName, addr, queue, item); err != nil {
					return
				}
			}

			if len(items) < r.channelDepth {
				break
			}
		}
	}
}

func (r *Registry) forwardOne(ctx context.Context, c Cla, claName, addr, queue string, item *store.BundleItem) error {
	wire, err := r.store.LoadBundleWire(item)
	if err != nil {
		log.WithError(err).WithField("bundle", item.Id).Warn("failed to load bundle for forwarding")
		return nil
	}

	result, err := c.Forward(ctx, queue, addr, wire)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{"cla": claName, "peer": addr, "bundle": item.Id}).
			Warn("forward attempt failed")
		return nil
	}

	switch result {
	case Sent:
		if err := r.store.Tombstone(item.Id); err != nil {
			log.WithError(err).WithField("bundle", item.Id).Warn("failed to tombstone forwarded bundle")
		}
		r.sink.OnForwarded(item.Id, claName)
	case NoNeighbour:
		if err := r.store.ResetPeerQueue(addr); err != nil {
			log.WithError(err).WithField("peer", addr).Warn("failed to reset peer queue after NoNeighbour")
		}
		return fmt.Errorf("cla: %s reported no neighbour for %s", claName, addr)
	}
	return nil
}
