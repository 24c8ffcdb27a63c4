// SPDX-FileCopyrightText: 2019, 2020, 2022 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import "fmt"

// HopCount is the Hop Count extension block's value, RFC 9171 §4.4.3.
type HopCount struct {
	Limit uint8
	Count uint8
}

// Exceeded reports whether the hop count has surpassed its configured limit.
func (hc HopCount) Exceeded() bool { return hc.Count > hc.Limit }

// EncodeHopCount renders hc as a Hop Count extension block's data field, for
// callers outside this package building a block with PushBlock.
func EncodeHopCount(hc HopCount) []byte { return encodeHopCount(hc) }

func encodeHopCount(hc HopCount) []byte {
	enc := &encoder{}
	enc.writeArrayHeader(2)
	enc.writeUint(uint64(hc.Limit))
	enc.writeUint(uint64(hc.Count))
	return enc.bytes()
}

func decodeHopCount(data []byte) (HopCount, error) {
	c := newCursor(data)
	n, indefinite, err := c.readArrayLength()
	if err != nil {
		return HopCount{}, fmt.Errorf("bpv7 hop count block: %w", err)
	}
	if indefinite || n != 2 {
		return HopCount{}, fmt.Errorf("bpv7 hop count block: %w: expected 2 elements", ErrInvalidChunk)
	}
	limit, err := c.readUint()
	if err != nil {
		return HopCount{}, err
	}
	count, err := c.readUint()
	if err != nil {
		return HopCount{}, err
	}
	if limit > 255 || count > 255 {
		return HopCount{}, fmt.Errorf("bpv7 hop count block: %w: fields must fit in a byte", ErrInvalidChunk)
	}
	return HopCount{Limit: uint8(limit), Count: uint8(count)}, nil
}

func encodeBundleAge(ms uint64) []byte {
	enc := &encoder{}
	enc.writeUint(ms)
	return enc.bytes()
}

func decodeBundleAge(data []byte) (uint64, error) {
	c := newCursor(data)
	v, err := c.readUint()
	if err != nil {
		return 0, fmt.Errorf("bpv7 bundle age block: %w", err)
	}
	return v, nil
}

func encodePreviousNode(e Eid) []byte {
	enc := &encoder{}
	e.MarshalCbor(enc)
	return enc.bytes()
}

func decodePreviousNode(data []byte) (Eid, error) {
	c := newCursor(data)
	e, err := parseEidCbor(c)
	if err != nil {
		return Eid{}, fmt.Errorf("bpv7 previous node block: %w", err)
	}
	return e, nil
}
