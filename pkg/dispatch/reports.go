// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	log "github.com/sirupsen/logrus"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// defaultReportLifetime is how long a locally-generated status report
// bundle is allowed to live; reports are small and timely, so they get a
// short, fixed lifetime rather than inheriting the original bundle's.
const defaultReportLifetime = 24 * 60 * 60 * 1000 // 24h, in milliseconds

// emitStatusReport builds a StatusReport for bndl's status item and hands
// it to dispatchAdministrativeRecord for routing to bndl's report-to EID, RFC 9171 §6.1.
// It is a no-op if bndl has a null report-to (nothing to report to) or its
// source is null (status reports are never requested for such bundles,
// enforced by PrimaryBlock.CheckValid, but this is cheap to double-check).
func (d *Dispatcher) emitStatusReport(bndl *bpv7.Bundle, pos bpv7.StatusInformationPos, reason bpv7.StatusReportReason) {
	if bndl.Primary.ReportTo.IsNull() || bndl.Primary.SourceNode.IsNull() {
		return
	}
	if bndl.IsAdministrativeRecord() {
		// Never generate a report about a report.
		return
	}

	sr := bpv7.NewStatusReport(bndl, pos, reason, bpv7.DtnTimeNow())
	d.dispatchAdministrativeRecord(bndl.Primary.ReportTo, sr)
}

// dispatchAdministrativeRecord wraps ar as an administrative-record bundle
// addressed to dest, sourced from whichever of this node's own identities
// matches dest's scheme (§bpv7.NodeIds.AdminEndpoint), and routes it exactly
// like any other freshly originated bundle.
func (d *Dispatcher) dispatchAdministrativeRecord(dest bpv7.Eid, ar bpv7.AdministrativeRecord) {
	source := d.selfIds.AdminEndpoint(dest)
	ts := bpv7.NewCreationTimestamp(bpv7.DtnTimeNow(), d.ids.Next(source, bpv7.DtnTimeNow()))
	primary := bpv7.NewPrimaryBlock(bpv7.AdministrativeRecordPayload, dest, source, ts, defaultReportLifetime)
	bndl := bpv7.NewBundle(primary, bpv7.EncodeAdministrativeRecord(ar))

	if err := d.localOriginate(bndl); err != nil {
		log.WithError(err).WithField("destination", dest).Warn("failed to dispatch administrative record")
	}
}

// Originate accepts a bundle built by a locally registered application
// service (via the agent registry's outbound message channel) and routes
// it exactly as any other freshly created bundle, assigning it a creation
// timestamp sequence number if its caller left Sequence unset.
func (d *Dispatcher) Originate(bndl *bpv7.Bundle) error {
	if bndl.Primary.CreationTimestamp.Sequence == 0 {
		bndl.Primary.CreationTimestamp.Sequence = d.ids.Next(bndl.Primary.SourceNode, bndl.Primary.CreationTimestamp.Time)
	}
	return d.localOriginate(bndl)
}

// localOriginate inserts a freshly built bundle into the store as a new
// ingress and routes it, exactly as receive_bundle would for an externally
// arriving one; used for status reports and, through Originate, locally
// originated service sends.
func (d *Dispatcher) localOriginate(bndl *bpv7.Bundle) error {
	wire := bndl.Marshal()
	item, err := d.store.Insert(bndl, wire, false)
	if err != nil {
		return err
	}
	d.reaper.WatchBundle(item.Id, item.Expiry)
	d.processBundle(bndl, item)
	return nil
}

// handleStatusReport applies an incoming StatusReport to this node's
// bookkeeping: it logs each reported status and, when a local service
// registry is wired, passes the report to its NotifyStatus hook
// (on_status_notify, §4.8).
func (d *Dispatcher) handleStatusReport(sr *bpv7.StatusReport) {
	for _, pos := range sr.StatusInformations() {
		log.WithFields(log.Fields{
			"bundle": sr.RefBundle,
			"status": pos,
			"reason": sr.ReportReason,
		}).Debug("received status report")
	}

	if d.local != nil {
		d.local.NotifyStatus(sr.RefBundle, sr.ReportReason, sr.StatusInformations())
	}
}
