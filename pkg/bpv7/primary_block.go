// SPDX-FileCopyrightText: 2018, 2019, 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"strings"
)

const dtnVersion uint64 = 7

// PrimaryBlock is the bundle's primary block, RFC 9171 §4.3.1.
type PrimaryBlock struct {
	Version           uint64
	Flags             BundleControlFlags
	CRCType           CRCType
	Destination       Eid
	SourceNode        Eid
	ReportTo          Eid
	CreationTimestamp CreationTimestamp
	Lifetime          uint64 // milliseconds

	FragmentOffset  uint64
	TotalDataLength uint64
}

// NewPrimaryBlock builds a primary block with CRC32C and all other fields
// at their defaults.
func NewPrimaryBlock(flags BundleControlFlags, destination, source Eid, ts CreationTimestamp, lifetime uint64) PrimaryBlock {
	return PrimaryBlock{
		Version:           dtnVersion,
		Flags:             flags,
		CRCType:           CRC32,
		Destination:       destination,
		SourceNode:        source,
		ReportTo:          source,
		CreationTimestamp: ts,
		Lifetime:          lifetime,
	}
}

func (pb PrimaryBlock) HasFragmentation() bool { return pb.Flags.Has(IsFragment) }
func (pb PrimaryBlock) HasCRC() bool           { return pb.CRCType != CRCNo }

func (pb PrimaryBlock) CheckValid() error {
	if pb.Version != dtnVersion {
		return fmt.Errorf("bpv7: %w: got version %d", ErrInvalidVersion, pb.Version)
	}
	if err := pb.Flags.CheckValid(); err != nil {
		return err
	}

	// RFC 9171 §4.2.3: source = dtn:none implies must-not-fragment and no
	// status-report-request flags.
	if pb.SourceNode.IsNull() {
		if !pb.Flags.Has(MustNotFragment) ||
			pb.Flags.Has(StatusRequestReception) || pb.Flags.Has(StatusRequestForward) ||
			pb.Flags.Has(StatusRequestDelivery) || pb.Flags.Has(StatusRequestDeletion) {
			return fmt.Errorf("bpv7: %w: source is null but must-not-fragment/no-status-flags invariant violated", ErrInvalidFlags)
		}
	}
	return nil
}

func (pb PrimaryBlock) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "version: %d, flags: %s, crc: %s, dst: %s, src: %s, report-to: %s, ts: %s, lifetime: %dms",
		pb.Version, pb.Flags, pb.CRCType, pb.Destination, pb.SourceNode, pb.ReportTo, pb.CreationTimestamp, pb.Lifetime)
	if pb.HasFragmentation() {
		fmt.Fprintf(&b, ", offset: %d, total: %d", pb.FragmentOffset, pb.TotalDataLength)
	}
	return b.String()
}

// arrayLen returns how many CBOR array elements the primary block occupies
// on the wire, per RFC 9171 §4.3.1.
func (pb PrimaryBlock) arrayLen() int {
	n := 8
	if pb.HasFragmentation() {
		n += 2
	}
	if pb.HasCRC() {
		n++
	}
	return n
}

// marshalCbor writes the canonical (definite-length array) encoding,
// returning the CRC field's byte offset in enc's buffer if one was
// reserved, so the caller can patch it in place once the CRC is known.
func (pb PrimaryBlock) marshalCbor(enc *encoder) (crcValueOffset int, hasCRC bool) {
	enc.writeArrayHeader(pb.arrayLen())
	enc.writeUint(dtnVersion)
	enc.writeUint(uint64(pb.Flags))
	enc.writeUint(uint64(pb.CRCType))
	pb.Destination.MarshalCbor(enc)
	pb.SourceNode.MarshalCbor(enc)
	pb.ReportTo.MarshalCbor(enc)
	pb.CreationTimestamp.marshalCbor(enc)
	enc.writeUint(pb.Lifetime)
	if pb.HasFragmentation() {
		enc.writeUint(pb.FragmentOffset)
		enc.writeUint(pb.TotalDataLength)
	}
	if pb.HasCRC() {
		size, _ := crcFieldSize(pb.CRCType)
		off := enc.writeZeroByteString(size)
		return off, true
	}
	return 0, false
}

// parsePrimaryBlock parses a primary block starting at c's current position,
// returning the parsed block and its byte extent within c's source buffer.
func parsePrimaryBlock(c *cursor) (PrimaryBlock, byteExtent, error) {
	start := c.offset()
	n, indefinite, err := c.readArrayLength()
	if err != nil {
		return PrimaryBlock{}, byteExtent{}, fmt.Errorf("bpv7 primary block: %w", err)
	}
	if indefinite {
		return PrimaryBlock{}, byteExtent{}, fmt.Errorf("bpv7 primary block: %w: must be definite-length", ErrInvalidChunk)
	}
	if n < 8 || n > 11 {
		return PrimaryBlock{}, byteExtent{}, fmt.Errorf("bpv7 primary block: %w: expected 8-11 elements, got %d", ErrInvalidChunk, n)
	}

	var pb PrimaryBlock

	version, err := c.readUint()
	if err != nil {
		return PrimaryBlock{}, byteExtent{}, err
	}
	if version != dtnVersion {
		return PrimaryBlock{}, byteExtent{}, fmt.Errorf("bpv7 primary block: %w: got %d", ErrInvalidVersion, version)
	}
	pb.Version = version

	flags, err := c.readUint()
	if err != nil {
		return PrimaryBlock{}, byteExtent{}, err
	}
	pb.Flags = BundleControlFlags(flags)

	crcType, err := c.readUint()
	if err != nil {
		return PrimaryBlock{}, byteExtent{}, err
	}
	pb.CRCType = CRCType(crcType)

	if pb.Destination, err = parseEidCbor(c); err != nil {
		return PrimaryBlock{}, byteExtent{}, err
	}
	if pb.SourceNode, err = parseEidCbor(c); err != nil {
		return PrimaryBlock{}, byteExtent{}, err
	}
	if pb.ReportTo, err = parseEidCbor(c); err != nil {
		return PrimaryBlock{}, byteExtent{}, err
	}
	if pb.CreationTimestamp, err = parseCreationTimestamp(c); err != nil {
		return PrimaryBlock{}, byteExtent{}, err
	}
	if pb.Lifetime, err = c.readUint(); err != nil {
		return PrimaryBlock{}, byteExtent{}, err
	}

	if n == 10 || n == 11 {
		if pb.FragmentOffset, err = c.readUint(); err != nil {
			return PrimaryBlock{}, byteExtent{}, err
		}
		if pb.TotalDataLength, err = c.readUint(); err != nil {
			return PrimaryBlock{}, byteExtent{}, err
		}
		if !pb.Flags.Has(IsFragment) {
			return PrimaryBlock{}, byteExtent{}, fmt.Errorf("bpv7 primary block: %w: fragment fields present without is-fragment flag", ErrInvalidFragmentInfo)
		}
	} else if pb.Flags.Has(IsFragment) {
		return PrimaryBlock{}, byteExtent{}, fmt.Errorf("bpv7 primary block: %w: is-fragment flag set without fragment fields", ErrInvalidFragmentInfo)
	}

	if n == 9 || n == 11 {
		crc, err := c.readByteString()
		if err != nil {
			return PrimaryBlock{}, byteExtent{}, err
		}
		size, sizeErr := crcFieldSize(pb.CRCType)
		if sizeErr != nil {
			return PrimaryBlock{}, byteExtent{}, sizeErr
		}
		if len(crc) != size {
			return PrimaryBlock{}, byteExtent{}, fmt.Errorf("bpv7 primary block: %w: CRC field length mismatch", ErrBadCRC)
		}
	} else if pb.CRCType != CRCNo {
		return PrimaryBlock{}, byteExtent{}, fmt.Errorf("bpv7 primary block: %w: CRC type set without CRC field", ErrInvalidChunk)
	}

	return pb, byteExtent{Start: start, End: c.offset()}, nil
}
