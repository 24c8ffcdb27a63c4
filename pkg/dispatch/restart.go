// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// RestartOrphans runs restart_bundle, §4.6, over every blob store.CheckOrphans
// finds with no live metadata row or a stale one. It is meant to run once,
// synchronously, before any CLA is registered or bundle worker started, so a
// crash-recovered bundle is fully reinstated before new traffic can race it.
func (d *Dispatcher) RestartOrphans() error {
	return d.store.CheckOrphans(d.restartBundle)
}

// restartBundle re-parses an orphaned blob and reconciles it against
// metadata, §4.6 restart_bundle.
func (d *Dispatcher) restartBundle(storageName string, receivedAt time.Time) {
	wire, err := d.store.LoadBlobByName(storageName)
	if err != nil {
		log.WithError(err).WithField("blob", storageName).Warn("failed to read orphaned blob")
		return
	}

	result := bpv7.ParseBundle(wire, d.keyLookup)

	switch result.Outcome {
	case bpv7.OutcomeInvalid:
		d.restartInvalid(storageName, result)

	case bpv7.OutcomeRewritten:
		d.restartRewritten(storageName, receivedAt, result)

	default: // OutcomeValid
		d.restartValid(storageName, receivedAt, wire, result.Bundle)
	}
}

// restartValid reconciles a cleanly parsed orphaned blob against metadata.
func (d *Dispatcher) restartValid(storageName string, receivedAt time.Time, wire []byte, bndl *bpv7.Bundle) {
	id := bndl.ID()

	item, err := d.store.Get(id)
	switch {
	case err == nil && item.StorageName == storageName:
		// Metadata already references this exact blob: nothing orphaned.
		return

	case err == nil:
		// Metadata exists under a different storage name: this blob is a
		// leftover duplicate, §4.6 restart_bundle's Duplicate outcome.
		if derr := d.store.DeleteBlobByName(storageName); derr != nil {
			log.WithError(derr).WithField("blob", storageName).Warn("failed to delete duplicate orphaned blob")
		}

	default:
		// No metadata at all: promote to a fresh ingress, Orphan outcome.
		d.restartOrphan(bndl, wire, receivedAt)
	}
}

// restartRewritten canonicalizes a non-canonical orphaned blob, rewrites it
// under its canonical storage name and proceeds as an Orphan.
func (d *Dispatcher) restartRewritten(oldName string, receivedAt time.Time, result bpv7.ParseResult) {
	if err := d.store.DeleteBlobByName(oldName); err != nil {
		log.WithError(err).WithField("blob", oldName).Warn("failed to delete rewritten orphaned blob's old copy")
	}
	d.restartOrphan(result.Bundle, result.RewrittenBytes, receivedAt)
}

// restartOrphan inserts a freshly discovered bundle as if it had just been
// received over some now-vanished CLA, preserving its original receive time.
func (d *Dispatcher) restartOrphan(bndl *bpv7.Bundle, wire []byte, receivedAt time.Time) {
	if d.store.ConfirmExists(bndl.ID()) {
		return
	}

	item, err := d.store.Insert(bndl, wire, false)
	if err != nil {
		log.WithError(err).WithField("bundle", bndl.ID()).Warn("failed to promote orphaned bundle")
		return
	}

	item.ReceivedAt = receivedAt
	if err := d.store.Update(item); err != nil {
		log.WithError(err).WithField("bundle", bndl.ID()).Warn("failed to backdate restarted bundle's receive time")
	}

	d.reaper.WatchBundle(item.Id, item.Expiry)
	d.processBundle(bndl, item)
}

// restartInvalid handles an orphan whose bytes fail to parse cleanly,
// §4.6 restart_bundle's Invalid and parse-error (Junk) cases: a bundle that
// still yields a usable BundleID gets a best-effort metadata-only ingress,
// everything else is deleted silently as junk.
func (d *Dispatcher) restartInvalid(storageName string, result bpv7.ParseResult) {
	bndl := result.Bundle
	if bndl == nil || bndl.Primary.SourceNode.IsNull() {
		if err := d.store.DeleteBlobByName(storageName); err != nil {
			log.WithError(err).WithField("blob", storageName).Warn("failed to delete junk orphaned blob")
		}
		return
	}

	id := bndl.ID()
	if !d.store.ConfirmExists(id) {
		if _, err := d.store.InsertMetadataOnly(id); err != nil {
			log.WithError(err).WithField("bundle", id).Warn("failed to record invalid restarted bundle")
		}
	}
	if err := d.store.DeleteBlobByName(storageName); err != nil {
		log.WithError(err).WithField("blob", storageName).Warn("failed to delete invalid orphaned blob")
	}
}
