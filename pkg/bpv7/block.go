// SPDX-FileCopyrightText: 2018, 2019, 2020, 2022 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"encoding/json"
	"fmt"
)

// BlockType identifies a canonical block's semantics, RFC 9171 §4.3 plus the
// BPSec block types of RFC 9172 §3.
type BlockType uint64

const (
	BlockTypePayload      BlockType = 1
	BlockTypeIntegrity    BlockType = 11 // BIB, RFC 9172 §3.6
	BlockTypeConfidential BlockType = 12 // BCB, RFC 9172 §3.10
	BlockTypePreviousNode BlockType = 6
	BlockTypeBundleAge    BlockType = 7
	BlockTypeHopCount     BlockType = 10
)

func (t BlockType) String() string {
	switch t {
	case BlockTypePayload:
		return "payload"
	case BlockTypeIntegrity:
		return "integrity"
	case BlockTypeConfidential:
		return "confidentiality"
	case BlockTypePreviousNode:
		return "previous-node"
	case BlockTypeBundleAge:
		return "bundle-age"
	case BlockTypeHopCount:
		return "hop-count"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

// byteExtent is an inclusive-start/exclusive-end byte range within a source
// buffer.
type byteExtent struct {
	Start, End int
}

func (e byteExtent) empty() bool { return e.End <= e.Start }

// slice returns the bytes this extent denotes within buf, or nil if the
// extent is empty.
func (e byteExtent) slice(buf []byte) []byte {
	if e.empty() {
		return nil
	}
	return buf[e.Start:e.End]
}

// Block is a canonical (non-primary) bundle block. It records its own byte
// extent within the bundle's source buffer so an editor can copy untouched
// blocks verbatim into a rebuilt bundle instead of re-encoding them (see
// Bundle.source and Bundle.Rebuild).
type Block struct {
	Number  uint64
	Type    BlockType
	Flags   BlockControlFlags
	CRCType CRCType

	// extent is this block's whole canonical-CBOR-array byte range in the
	// owning Bundle's source buffer. It is meaningless once dirty is true or
	// source is nil.
	extent byteExtent
	dirty  bool

	// data is this block's payload. For a parsed block this is a slice into
	// the owning Bundle's source buffer (zero-copy); SetData replaces it
	// with an owned copy and marks the block dirty.
	data []byte

	// Bib/Bcb are back-pointers to the block number of the BIB/BCB (if any)
	// that targets this block, per the data model's bib?/bcb? fields.
	Bib *uint64
	Bcb *uint64
}

// NewBlock constructs a fresh, dirty canonical block carrying data.
func NewBlock(number uint64, typ BlockType, flags BlockControlFlags, data []byte) *Block {
	return &Block{Number: number, Type: typ, Flags: flags, CRCType: CRCNo, data: data, dirty: true}
}

// Data returns this block's payload bytes. source is accepted for callers
// that don't statically know whether this Block came from a parse (where
// data already aliases the bundle's source buffer) or was freshly
// constructed; it is unused once data is populated, which is always true
// after NewBlock or a successful parse.
func (b *Block) Data(source []byte) []byte {
	if b.data != nil {
		return b.data
	}
	if source != nil && !b.extent.empty() {
		return b.extent.slice(source)
	}
	return nil
}

// SetData replaces this block's payload and marks it dirty, so rebuild
// re-encodes it rather than copying the old extent.
func (b *Block) SetData(data []byte) {
	b.data = data
	b.dirty = true
}

// HasCRC reports whether this block carries a CRC.
func (b *Block) HasCRC() bool { return b.CRCType != CRCNo }

// CheckValid validates the fields that are context-free (flags, CRC type);
// Bundle-level invariants (singleton blocks, payload-is-last, …) are
// checked by Bundle.CheckValid.
func (b *Block) CheckValid() error {
	if err := b.Flags.CheckValid(); err != nil {
		return err
	}
	if _, err := crcFieldSize(b.CRCType); err != nil {
		return err
	}
	if b.Type == BlockTypePayload && b.Number != 1 {
		return fmt.Errorf("bpv7: %w: payload block must be number 1, got %d", ErrInvalidBlockNumber, b.Number)
	}
	if (b.Number == 0 || b.Number == 1) && b.Type != BlockTypePayload {
		return fmt.Errorf("bpv7: %w: block numbers 0 and 1 are reserved", ErrInvalidBlockNumber)
	}
	return nil
}

func (b *Block) MarshalJSON() ([]byte, error) {
	payload := b.data
	if len(payload) > 100 {
		payload = payload[:100]
	}
	return json.Marshal(&struct {
		Number  uint64 `json:"blockNumber"`
		Type    string `json:"blockType"`
		Flags   string `json:"flags"`
		CRCType string `json:"crcType"`
		Data    []byte `json:"data,omitempty"`
	}{
		Number:  b.Number,
		Type:    b.Type.String(),
		Flags:   b.Flags.String(),
		CRCType: b.CRCType.String(),
		Data:    payload,
	})
}
