// SPDX-FileCopyrightText: 2019, 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"time"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// BundleItem is a metadata-store row, §4.5/§6: "Metadata-store rows are
// {id_key, source, destination, received_at, status, storage_name?, flags,
// lifetime, non_canonical, fragment_info?}". The store operates on
// BundleItems; the serialized bundle itself lives in the blob store, named
// by StorageName.
type BundleItem struct {
	IdKey string `badgerhold:"key"`
	Id    bpv7.BundleID

	Source      bpv7.Eid
	Destination bpv7.Eid
	ReportTo    bpv7.Eid
	ReceivedAt  time.Time
	Flags       bpv7.BundleControlFlags
	Lifetime    uint64

	Status      Status `badgerholdIndex:"Status"`
	StorageName string

	// NonCanonical marks a bundle whose original bytes were rewritten to
	// canonical form on receipt (ValidBundle::parse's Rewritten outcome).
	NonCanonical bool

	// Peer/Queue are populated while Status == StatusForwardPending.
	Peer  string
	Queue string

	// FragmentSource/FragmentTimestamp key the AduFragment group this row
	// belongs to while Status == StatusAduFragment; see reassembly.go.
	FragmentSource    bpv7.Eid
	FragmentTimestamp bpv7.CreationTimestamp

	// Expiry is CreationTimestamp + Lifetime, indexed for the reaper's
	// poll_expiry.
	Expiry time.Time `badgerholdIndex:"Expiry"`
}

// newBundleItem builds the metadata row for a freshly received bundle.
func newBundleItem(b *bpv7.Bundle, storageName string, nonCanonical bool) *BundleItem {
	id := b.ID()
	return &BundleItem{
		IdKey:        id.Key(),
		Id:           id,
		Source:       b.Primary.SourceNode,
		Destination:  b.Primary.Destination,
		ReportTo:     b.Primary.ReportTo,
		ReceivedAt:   time.Now(),
		Flags:        b.Primary.Flags,
		Lifetime:     b.Primary.Lifetime,
		Status:       StatusDispatching,
		StorageName:  storageName,
		NonCanonical: nonCanonical,
		Expiry:       expiryOf(b),
	}
}

// expiryOf computes a bundle's expiry time from its creation timestamp and
// lifetime; bundles with a zero (unsynchronized) creation time never expire
// by wall-clock and are left to the Bundle Age Block / reaper's best effort.
func expiryOf(b *bpv7.Bundle) time.Time {
	if b.Primary.CreationTimestamp.IsZeroTime() {
		return time.Time{}
	}
	return b.Primary.CreationTimestamp.Time.Time().Add(time.Duration(b.Primary.Lifetime) * time.Millisecond)
}
