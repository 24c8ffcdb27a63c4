// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package dispatch implements the bundle dispatcher, §4.6: the
// receive/process/forward/restart state machine driving bundles through
// the store.Status state machine, the forwarding information base, and the
// CLA registry's egress scheduler.
package dispatch

import (
	"strconv"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
	"github.com/dtn-bpa/bpa7/pkg/cla"
	"github.com/dtn-bpa/bpa7/pkg/store"
)

// LocalDelivery is how the dispatcher hands a bundle addressed to this node
// to a registered application service, §4.8. Kept as an interface (rather
// than importing pkg/agent directly) to avoid a dispatch<->agent import
// cycle, mirroring cla.Sink's decoupling of cla from dispatch.
type LocalDelivery interface {
	// Deliver attempts local delivery of bndl to the service bound to dest.
	// ok is false when no service is registered for that exact EID.
	Deliver(dest bpv7.Eid, bndl *bpv7.Bundle) (ok bool)

	// NotifyStatus reports an incoming status report to whatever service
	// originated the referenced bundle, if one is still tracking it.
	NotifyStatus(ref bpv7.BundleID, reason bpv7.StatusReportReason, positions []bpv7.StatusInformationPos)
}

type peerInfo struct {
	claName    string
	queueCount int
	rr         uint64
}

// Dispatcher is the engine's dispatcher, §4.6.
type Dispatcher struct {
	self      bpv7.Eid
	selfIds   bpv7.NodeIds
	keyLookup bpv7.KeyLookup

	store    *store.Store
	clas     *cla.Registry
	fib      *Fib
	ids      *IdKeeper
	reaper   *store.Reaper
	sentinel *Sentinel
	local    LocalDelivery

	peersMu      sync.Mutex
	peers        map[string]*peerInfo          // addr -> info
	peerPatterns map[string][]bpv7.EidPattern   // addr -> Fib patterns registered on appearance
}

// New builds a Dispatcher for self (this node's admin/node EID), operating
// on st and routing through fib. selfIds is this node's full set of
// administrative identities (self must be one of them); AdminEndpoint uses
// it to pick a matching-scheme source for status reports and previous-node
// updates. The returned Dispatcher must be wired to a cla.Registry via
// SetRegistry and, once built, to a local service registry via
// SetLocalDelivery, before bundles start flowing.
func New(self bpv7.Eid, selfIds bpv7.NodeIds, st *store.Store, fib *Fib, keyLookup bpv7.KeyLookup) *Dispatcher {
	d := &Dispatcher{
		self:         self,
		selfIds:      selfIds,
		keyLookup:    keyLookup,
		store:        st,
		fib:          fib,
		ids:          NewIdKeeper(),
		peers:        make(map[string]*peerInfo),
		peerPatterns: make(map[string][]bpv7.EidPattern),
	}
	d.reaper = store.NewReaper(st, d.dropBundle)
	d.sentinel = NewSentinel(d.retryDispatching)
	return d
}

// SetRegistry wires the CLA registry this dispatcher forwards through. It
// must be called once, before any bundle is received.
func (d *Dispatcher) SetRegistry(r *cla.Registry) { d.clas = r }

// SetLocalDelivery wires the local service registry bundles addressed to
// this node are handed to.
func (d *Dispatcher) SetLocalDelivery(l LocalDelivery) { d.local = l }

// Reaper returns the dispatcher's expiry reaper, for the caller to drive
// with Reaper.Run on a long-lived task.
func (d *Dispatcher) Reaper() *store.Reaper { return d.reaper }

// isSelf reports whether dest addresses this node under any of its
// configured identities, ignoring service/demux.
func (d *Dispatcher) isSelf(dest bpv7.Eid) bool {
	if dest.SameNode(d.self) {
		return true
	}
	if d.selfIds.Ipn != nil && dest.SameNode(*d.selfIds.Ipn) {
		return true
	}
	if d.selfIds.Dtn != nil && dest.SameNode(*d.selfIds.Dtn) {
		return true
	}
	return false
}

// isAdminEndpoint reports whether dest is this node's administrative
// endpoint (service/demux 0), as opposed to a locally bound application
// service.
func (d *Dispatcher) isAdminEndpoint(dest bpv7.Eid) bool {
	switch dest.Kind {
	case bpv7.EidIpn, bpv7.EidLegacyIpn, bpv7.EidLocalNode:
		return dest.Service == 0
	case bpv7.EidDtn:
		return len(dest.Demux) == 0
	default:
		return false
	}
}

// OnReceive implements cla.Sink: a CLA handed us a bundle's raw wire bytes.
func (d *Dispatcher) OnReceive(claName string, data []byte) {
	d.ReceiveBundle(data, claName)
}

// OnPeerAppeared implements cla.Sink: installs a Fib forward route for each
// of the peer's node IDs and remembers its queue count for pickQueue.
func (d *Dispatcher) OnPeerAppeared(claName string, peer cla.Peer) {
	queueCount := peer.QueueCount
	if queueCount < 1 {
		queueCount = 1
	}

	patterns := make([]bpv7.EidPattern, 0, len(peer.NodeIds))
	for _, nodeId := range peer.NodeIds {
		pattern := bpv7.PatternFromEid(nodeId)
		d.fib.Insert(Route{
			Pattern:  pattern,
			Priority: 10,
			Action:   Action{Kind: ActionForward, ClaName: claName, Addr: peer.Addr},
		})
		patterns = append(patterns, pattern)
	}

	d.peersMu.Lock()
	d.peers[peer.Addr] = &peerInfo{claName: claName, queueCount: queueCount}
	d.peerPatterns[peer.Addr] = patterns
	d.peersMu.Unlock()

	log.WithFields(log.Fields{"cla": claName, "peer": peer.Addr}).Info("peer appeared")
}

// OnPeerDisappeared implements cla.Sink: retracts the Fib routes installed
// for addr on appearance.
func (d *Dispatcher) OnPeerDisappeared(claName, addr string) {
	d.peersMu.Lock()
	patterns := d.peerPatterns[addr]
	delete(d.peerPatterns, addr)
	delete(d.peers, addr)
	d.peersMu.Unlock()

	for _, p := range patterns {
		d.fib.Remove(p)
	}

	log.WithFields(log.Fields{"cla": claName, "peer": addr}).Info("peer disappeared")
}

// OnForwarded implements cla.Sink: §4.6 forward_bundle step 2, emitting a
// forward-report for the bundle the registry just tombstoned after a
// successful send. The report is addressed using the metadata row's
// snapshot of the bundle's flags and report-to EID, since the blob itself
// is already gone by the time a forward is confirmed.
func (d *Dispatcher) OnForwarded(id bpv7.BundleID, claName string) {
	if !id.SourceNode.IsNull() {
		log.WithFields(log.Fields{"bundle": id, "cla": claName}).Debug("bundle forwarded")
	}
}

// pickQueue assigns a round-robin queue lane for claName/addr, §4.7 "Peer"
// has policy.queue_count() queues.
func (d *Dispatcher) pickQueue(_, addr string) string {
	d.peersMu.Lock()
	defer d.peersMu.Unlock()

	info, ok := d.peers[addr]
	if !ok {
		return "0"
	}
	idx := info.rr % uint64(info.queueCount)
	info.rr++
	return strconv.Itoa(int(idx))
}

// retryDispatching reprocesses a bundle the sentinel woke, if it is still
// sitting Dispatching (another event may have already moved it on).
func (d *Dispatcher) retryDispatching(id bpv7.BundleID) {
	item, err := d.store.Get(id)
	if err != nil || item.Status != store.StatusDispatching {
		return
	}
	bndl, err := d.store.LoadBundle(item, d.keyLookup)
	if err != nil {
		log.WithError(err).WithField("bundle", id).Warn("sentinel retry failed to load bundle")
		return
	}
	d.processBundle(bndl, item)
}

// dropBundle tombstones id, emitting a deletion-report first if the bundle
// (still loadable) requested one. It is also supplied to store.Reaper as
// its DropFunc.
func (d *Dispatcher) dropBundle(id bpv7.BundleID, reason bpv7.StatusReportReason) {
	item, err := d.store.Get(id)
	if err == nil && item.StorageName != "" {
		if bndl, lerr := d.store.LoadBundle(item, d.keyLookup); lerr == nil {
			if bndl.Primary.Flags.Has(bpv7.StatusRequestDeletion) {
				d.emitStatusReport(bndl, bpv7.DeletedBundle, reason)
			}
		}
	}
	if err := d.store.Tombstone(id); err != nil {
		log.WithError(err).WithField("bundle", id).Warn("failed to tombstone dropped bundle")
	}
}

// ReceiveBundle implements receive_bundle, §4.6: classify the parse outcome,
// drop an already-seen duplicate or an already-expired bundle, persist the
// rest as a fresh Dispatching row and hand it to processBundle.
func (d *Dispatcher) ReceiveBundle(wire []byte, sourceCla string) {
	result := bpv7.ParseBundle(wire, d.keyLookup)

	if result.Outcome == bpv7.OutcomeInvalid {
		d.receiveInvalid(result)
		return
	}
	if result.Outcome == bpv7.OutcomeRewritten {
		wire = result.RewrittenBytes
	}

	bndl := result.Bundle
	id := bndl.ID()

	if d.store.ConfirmExists(id) {
		log.WithFields(log.Fields{"bundle": id, "cla": sourceCla}).Debug("dropping duplicate bundle")
		return
	}
	if bndl.IsLifetimeExceeded() {
		d.emitStatusReport(bndl, bpv7.ReceivedBundle, bpv7.LifetimeExpired)
		return
	}

	item, err := d.store.Insert(bndl, wire, result.Outcome == bpv7.OutcomeRewritten)
	if err != nil {
		log.WithError(err).WithField("bundle", id).Warn("failed to persist received bundle")
		return
	}
	d.reaper.WatchBundle(item.Id, item.Expiry)

	if len(result.UnsupportedBlocks) > 0 {
		log.WithFields(log.Fields{"bundle": id, "blocks": result.UnsupportedBlocks}).
			Debug("bundle carries unsupported extension blocks")
	}
	if bndl.Primary.Flags.Has(bpv7.StatusRequestReception) {
		d.emitStatusReport(bndl, bpv7.ReceivedBundle, bpv7.NoInformation)
	}

	d.processBundle(bndl, item)
}

// receiveInvalid handles an Invalid parse, §4.6 step 4: a recoverable
// BundleID gets a metadata-only row (so a retransmission of the same
// malformed bytes is recognised as a duplicate rather than reprocessed) plus
// a reception report carrying the classified reason, then is immediately
// tombstoned — an Invalid bundle is never a candidate for forwarding.
func (d *Dispatcher) receiveInvalid(result bpv7.ParseResult) {
	bndl := result.Bundle
	if bndl == nil || bndl.Primary.SourceNode.IsNull() {
		log.WithError(result.Err).Warn("dropping unparseable bundle")
		return
	}

	id := bndl.ID()
	if d.store.ConfirmExists(id) {
		return
	}
	if _, err := d.store.InsertMetadataOnly(id); err != nil {
		log.WithError(err).WithField("bundle", id).Warn("failed to record invalid bundle")
		return
	}
	if bndl.Primary.Flags.Has(bpv7.StatusRequestReception) {
		d.emitStatusReport(bndl, bpv7.ReceivedBundle, result.ReasonCode)
	}
	if err := d.store.Tombstone(id); err != nil {
		log.WithError(err).WithField("bundle", id).Debug("failed to tombstone invalid bundle record")
	}
}

// processBundle implements process_bundle, §4.6: a bundle addressed to this
// node is delivered locally (decrypting its payload BCB first, if any) or
// reassembled as an ADU fragment; everything else is resolved against the
// Fib and either forwarded, dropped, or parked for a later retry.
func (d *Dispatcher) processBundle(bndl *bpv7.Bundle, item *store.BundleItem) {
	dest := bndl.Primary.Destination

	if d.isSelf(dest) {
		d.deliverLocally(bndl, item)
		return
	}

	res := d.fib.Resolve(dest, d.pickQueue)
	switch {
	case res.drop:
		d.dropBundle(item.Id, res.dropReason)
	case res.forward != nil:
		d.forwardBundle(bndl, item, res.forward)
	case res.hasWait:
		d.sentinel.WaitUntil(item.Id, time.Now().Add(res.wait))
	default:
		d.dropBundle(item.Id, bpv7.NoRouteToDestination)
	}
}

// deliverLocally implements process_bundle's self-addressed branch. An
// administrative record is interpreted directly; a fragment is folded into
// its reassembly group; anything else is handed to the local service
// registry, falling back to a destination-unintelligible report when no
// service claims it.
func (d *Dispatcher) deliverLocally(bndl *bpv7.Bundle, item *store.BundleItem) {
	if bndl.Primary.Flags.Has(bpv7.IsFragment) {
		d.deliverFragment(bndl, item)
		return
	}

	if bndl.IsAdministrativeRecord() {
		d.deliverAdministrativeRecord(bndl, item)
		return
	}

	if err := d.decryptPayload(bndl); err != nil {
		log.WithError(err).WithField("bundle", item.Id).Warn("failed to decrypt bundle payload")
		d.dropBundle(item.Id, bpv7.FailedSecurityOperation)
		return
	}

	delivered := d.local != nil && d.local.Deliver(bndl.Primary.Destination, bndl)
	if !delivered {
		d.emitStatusReport(bndl, bpv7.ReceivedBundle, bpv7.DestEndpointUnintelligible)
		d.dropBundle(item.Id, bpv7.DestEndpointUnintelligible)
		return
	}

	if bndl.Primary.Flags.Has(bpv7.StatusRequestDelivery) {
		d.emitStatusReport(bndl, bpv7.DeliveredBundle, bpv7.NoInformation)
	}
	if err := d.store.Tombstone(item.Id); err != nil {
		log.WithError(err).WithField("bundle", item.Id).Warn("failed to tombstone delivered bundle")
	}
}

// deliverAdministrativeRecord interprets a self-addressed administrative
// record bundle, today only ever a StatusReport.
func (d *Dispatcher) deliverAdministrativeRecord(bndl *bpv7.Bundle, item *store.BundleItem) {
	ar, err := bndl.AdministrativeRecord()
	if err != nil {
		log.WithError(err).WithField("bundle", item.Id).Warn("failed to decode administrative record")
		d.dropBundle(item.Id, bpv7.BlockUnintelligible)
		return
	}
	if sr, ok := ar.(*bpv7.StatusReport); ok {
		d.handleStatusReport(sr)
	}
	if err := d.store.Tombstone(item.Id); err != nil {
		log.WithError(err).WithField("bundle", item.Id).Warn("failed to tombstone administrative record")
	}
}

// deliverFragment folds a self-addressed fragment into its reassembly
// group and attempts reassembly once enough fragments have arrived, §4.5.
func (d *Dispatcher) deliverFragment(bndl *bpv7.Bundle, item *store.BundleItem) {
	item.Status = store.StatusAduFragment
	item.FragmentSource = bndl.Primary.SourceNode
	item.FragmentTimestamp = bndl.Primary.CreationTimestamp
	if err := d.store.Update(item); err != nil {
		log.WithError(err).WithField("bundle", item.Id).Warn("failed to record adu fragment")
		return
	}

	whole, err := d.store.Reassemble(bndl.Primary.SourceNode, bndl.Primary.CreationTimestamp, bndl.Primary.TotalDataLength)
	if err != nil {
		if !store.IsIncompleteAdu(err) {
			log.WithError(err).WithField("bundle", item.Id).Warn("adu reassembly failed")
		}
		return
	}

	wire := whole.Marshal()
	wholeItem, err := d.store.Insert(whole, wire, false)
	if err != nil {
		log.WithError(err).WithField("bundle", item.Id).Warn("failed to persist reassembled bundle")
		return
	}
	d.reaper.WatchBundle(wholeItem.Id, wholeItem.Expiry)
	d.processBundle(whole, wholeItem)
}

// decryptPayload decrypts the payload block's BCB target in place, if the
// payload is BCB-protected; a no-op otherwise.
func (d *Dispatcher) decryptPayload(bndl *bpv7.Bundle) error {
	payload, err := bndl.PayloadBlock()
	if err != nil || payload.Bcb == nil {
		return nil
	}
	bcbBlk, ok := bndl.Blocks[*payload.Bcb]
	if !ok {
		return nil
	}
	return bndl.DecryptBCB(bcbBlk, d.keyLookup)
}

// forwardBundle implements process_bundle's forward branch: rewrite the
// bundle's previous-node and hop-count blocks, persist the rewritten wire in
// place, mark the row ForwardPending on the chosen peer/queue, and wake that
// queue's worker, §4.6/§4.7.
func (d *Dispatcher) forwardBundle(bndl *bpv7.Bundle, item *store.BundleItem, fwd *forwardCandidate) {
	if hc, exceeded := bndl.IncrementHopCount(); exceeded {
		log.WithFields(log.Fields{"bundle": item.Id, "hop_count": hc.Count}).Debug("hop count limit exceeded")
		d.dropBundle(item.Id, bpv7.HopLimitExceeded)
		return
	}
	if err := bndl.SetPreviousNode(d.selfIds.AdminEndpoint(bndl.Primary.Destination)); err != nil {
		log.WithError(err).WithField("bundle", item.Id).Warn("failed to set previous node")
	}

	wire := bndl.Rebuild()
	if err := d.store.ResaveBundleWire(item, wire); err != nil {
		log.WithError(err).WithField("bundle", item.Id).Warn("failed to resave rewritten bundle")
		return
	}

	item.Status = store.StatusForwardPending
	item.Peer = fwd.addr
	item.Queue = fwd.queue
	if err := d.store.Update(item); err != nil {
		log.WithError(err).WithField("bundle", item.Id).Warn("failed to mark bundle forward-pending")
		return
	}

	if bndl.Primary.Flags.Has(bpv7.StatusRequestForward) {
		d.emitStatusReport(bndl, bpv7.ForwardedBundle, bpv7.NoInformation)
	}
	if d.clas != nil {
		d.clas.NotifyPeer(fwd.addr, fwd.queue)
	}
}
