// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"encoding/base64"
	"fmt"
)

// BundleID identifies a bundle by its source node, creation timestamp, and
// (for a fragment) the fragment offset paired with the total ADU length.
type BundleID struct {
	SourceNode Eid
	Timestamp  CreationTimestamp

	IsFragment      bool
	FragmentOffset  uint64
	TotalDataLength uint64
}

func (bid BundleID) String() string {
	s := fmt.Sprintf("%s-%d-%d", bid.SourceNode, bid.Timestamp.Time, bid.Timestamp.Sequence)
	if bid.IsFragment {
		s += fmt.Sprintf("-%d-%d", bid.FragmentOffset, bid.TotalDataLength)
	}
	return s
}

// Scrub returns a BundleID with fragmentation info cleared, identifying the
// original ADU a fragment belongs to.
func (bid BundleID) Scrub() BundleID {
	return BundleID{SourceNode: bid.SourceNode, Timestamp: bid.Timestamp}
}

// Key returns the store's id_key: base64url(CBOR([source, timestamp (,
// offset, total_len)])), per the external-interfaces metadata-row format.
func (bid BundleID) Key() string {
	enc := &encoder{}
	bid.marshalCbor(enc)
	return base64.URLEncoding.EncodeToString(enc.bytes())
}

func (bid BundleID) marshalCbor(enc *encoder) {
	n := 2
	if bid.IsFragment {
		n = 4
	}
	enc.writeArrayHeader(n)
	bid.SourceNode.MarshalCbor(enc)
	bid.Timestamp.marshalCbor(enc)
	if bid.IsFragment {
		enc.writeUint(bid.FragmentOffset)
		enc.writeUint(bid.TotalDataLength)
	}
}

func parseBundleID(c *cursor) (BundleID, error) {
	n, indefinite, err := c.readArrayLength()
	if err != nil {
		return BundleID{}, fmt.Errorf("bpv7 bundle id: %w", err)
	}
	if indefinite || (n != 2 && n != 4) {
		return BundleID{}, fmt.Errorf("bpv7 bundle id: %w: expected 2 or 4 elements, got %d", ErrInvalidChunk, n)
	}

	var bid BundleID
	if bid.SourceNode, err = parseEidCbor(c); err != nil {
		return BundleID{}, err
	}
	if bid.Timestamp, err = parseCreationTimestamp(c); err != nil {
		return BundleID{}, err
	}
	if n == 4 {
		bid.IsFragment = true
		if bid.FragmentOffset, err = c.readUint(); err != nil {
			return BundleID{}, err
		}
		if bid.TotalDataLength, err = c.readUint(); err != nil {
			return BundleID{}, err
		}
	}
	return bid, nil
}
