// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"errors"
	"fmt"
)

// Valid is an interface with the CheckValid function. This function should
// return an errors for incorrect data. It should be implemented for the
// different types and sub-types of a Bundle. Each type is able to check its
// sub-types and by tree-like calls all errors of a whole Bundle can be
// detected.
// For non-trivial code, the multierror package might be used.
type Valid interface {
	// CheckValid returns an array of errors for incorrect data.
	CheckValid() error
}

// ParseOutcome is ValidBundle::parse's three-way result tag.
type ParseOutcome int

const (
	OutcomeValid ParseOutcome = iota
	OutcomeRewritten
	OutcomeInvalid
)

func (o ParseOutcome) String() string {
	switch o {
	case OutcomeValid:
		return "valid"
	case OutcomeRewritten:
		return "rewritten"
	case OutcomeInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// ParseResult is the outcome of ParseBundle.
//
// Bundle is populated on every outcome: on Invalid it holds a best-effort
// partial decode (Null EIDs and zero fields standing in for whatever could
// not be read) so a caller can still emit a reception status report when a
// BundleID was recoverable.
type ParseResult struct {
	Outcome ParseOutcome
	Bundle  *Bundle

	// RewrittenBytes is the canonical re-emission, set only on Rewritten.
	RewrittenBytes []byte

	// UnsupportedBlocks lists canonical block numbers of an unrecognised
	// BlockType this codec decoded but does not interpret.
	UnsupportedBlocks []uint64

	// NonCanonical is true on Rewritten; it is the report_unsupported /
	// non_canonical flag a caller persists alongside the bundle's metadata.
	NonCanonical bool

	// ReasonCode and Err are set only on Invalid.
	ReasonCode StatusReportReason
	Err        error
}

func isKnownBlockType(t BlockType) bool {
	switch t {
	case BlockTypePayload, BlockTypeIntegrity, BlockTypeConfidential,
		BlockTypePreviousNode, BlockTypeBundleAge, BlockTypeHopCount:
		return true
	default:
		return false
	}
}

// classifyParseError maps a parse-time sentinel error to the status report
// reason code a reception report would carry for it.
func classifyParseError(err error) StatusReportReason {
	switch {
	case errors.Is(err, ErrNoKey), errors.Is(err, ErrDecryptionFailed),
		errors.Is(err, ErrIntegrityCheckFailed), errors.Is(err, ErrInvalidContextParameter),
		errors.Is(err, ErrMissingContextParameter), errors.Is(err, ErrInvalidSecuritySource),
		errors.Is(err, ErrFailedSecurityOperation):
		return FailedSecurityOperation
	default:
		return BlockUnintelligible
	}
}

func invalidResult(partial *Bundle, err error) ParseResult {
	return ParseResult{Outcome: OutcomeInvalid, Bundle: partial, ReasonCode: classifyParseError(err), Err: err}
}

// ParseBundle implements ValidBundle::parse: it decodes data as a bundle,
// verifies every block's CRC and BPSec integrity target, and classifies the
// result as Valid (canonical wire form), Rewritten (recoverable non-canonical
// encoding, re-emitted to canonical form) or Invalid (malformed or an
// invariant violated).
//
// lookup resolves BIB/BCB key material; BCB targets are only attached
// (target.Bcb set) here, never decrypted — decryption is lazy, performed on
// demand by Bundle.DecryptBCB when a target's plaintext is actually needed.
func ParseBundle(data []byte, lookup KeyLookup) ParseResult {
	c := newCursor(data)

	elementCount, outerIndefinite, err := c.readArrayLength()
	if err != nil {
		return invalidResult(emptyPartialBundle(data), fmt.Errorf("bpv7 bundle: %w", err))
	}

	primary, primaryExtent, err := parsePrimaryBlock(c)
	if err != nil {
		return invalidResult(emptyPartialBundle(data), err)
	}
	if err := primary.CheckValid(); err != nil {
		partial := &Bundle{Primary: primary, Blocks: map[uint64]*Block{}, source: data}
		return invalidResult(partial, err)
	}
	if err := verifyCRC(primaryExtent.slice(data), primary.CRCType); err != nil {
		partial := &Bundle{Primary: primary, Blocks: map[uint64]*Block{}, source: data}
		return invalidResult(partial, err)
	}

	b := &Bundle{Primary: primary, Blocks: map[uint64]*Block{}, source: data}

	// Emission always uses an indefinite-length outer array; a well-formed
	// definite-length one is still recoverable, just non-canonical.
	nonCanonical := !outerIndefinite

	var unsupported []uint64
	var lastType BlockType
	var lastNumber uint64

	for i := 1; ; i++ {
		if outerIndefinite {
			if c.peekIsBreak() {
				break
			}
		} else if i >= elementCount {
			break
		}

		blk, extent, err := parseCanonicalBlock(c)
		if err != nil {
			return invalidResult(b, err)
		}
		if _, dup := b.Blocks[blk.Number]; dup {
			return invalidResult(b, fmt.Errorf("bpv7 bundle: %w: block %d", ErrDuplicateBlock, blk.Number))
		}
		if err := verifyCRC(extent.slice(data), blk.CRCType); err != nil {
			return invalidResult(b, err)
		}

		blk.extent = extent
		b.Blocks[blk.Number] = blk
		lastType, lastNumber = blk.Type, blk.Number

		if !isKnownBlockType(blk.Type) {
			unsupported = append(unsupported, blk.Number)
		}
	}
	if outerIndefinite {
		if err := c.readExpectBreak(); err != nil {
			return invalidResult(b, fmt.Errorf("bpv7 bundle: %w", err))
		}
	}

	if len(b.Blocks) == 0 {
		return invalidResult(b, fmt.Errorf("bpv7 bundle: %w", ErrNoPayloadBlock))
	}
	if lastType != BlockTypePayload || lastNumber != 1 {
		return invalidResult(b, fmt.Errorf("bpv7 bundle: last canonical block is not the payload block, got %s/%d", lastType, lastNumber))
	}

	singleton := map[BlockType]int{
		BlockTypePayload:      0,
		BlockTypePreviousNode: 0,
		BlockTypeBundleAge:    0,
		BlockTypeHopCount:     0,
	}
	for _, blk := range b.Blocks {
		if _, tracked := singleton[blk.Type]; tracked {
			singleton[blk.Type]++
		}
	}
	for t, n := range singleton {
		if n > 1 {
			return invalidResult(b, fmt.Errorf("bpv7 bundle: %w: %d blocks of type %s", ErrDuplicateBlock, n, t))
		}
	}

	if !c.shortest {
		nonCanonical = true
	}

	// BPSec application, in block-number order for determinism: BIBs verify
	// eagerly (a failed target fails the whole parse); BCBs only attach to
	// their targets, leaving decryption for later.
	for _, n := range b.blockNumbers() {
		blk := b.Blocks[n]
		switch blk.Type {
		case BlockTypeIntegrity:
			if err := b.VerifyBIB(blk, lookup); err != nil {
				return invalidResult(b, err)
			}
		case BlockTypeConfidential:
			sb, err := parseSecurityBlock(newCursor(blk.Data(b.source)))
			if err != nil {
				return invalidResult(b, err)
			}
			bcbNumber := blk.Number
			for _, targetNum := range sb.Targets {
				target, ok := b.Blocks[targetNum]
				if !ok {
					return invalidResult(b, fmt.Errorf("bpv7 bcb: %w: target block %d missing", ErrFailedSecurityOperation, targetNum))
				}
				target.Bcb = &bcbNumber
			}
		}
	}

	b.refreshCaches()

	if !nonCanonical {
		return ParseResult{Outcome: OutcomeValid, Bundle: b, UnsupportedBlocks: unsupported}
	}
	return ParseResult{
		Outcome:           OutcomeRewritten,
		Bundle:            b,
		RewrittenBytes:    b.Marshal(),
		UnsupportedBlocks: unsupported,
		NonCanonical:      true,
	}
}

// emptyPartialBundle is the best-effort partial bundle for a parse that
// failed before even the primary block was readable: Null EIDs and zero
// fields throughout, per ValidBundle::parse's Invalid contract.
func emptyPartialBundle(source []byte) *Bundle {
	return &Bundle{Blocks: map[uint64]*Block{}, source: source}
}

// parseCanonicalBlock parses one extension/payload block: a 5- or 6-element
// array [block_type, block_number, flags, crc_type, payload_bytes (, crc)].
func parseCanonicalBlock(c *cursor) (*Block, byteExtent, error) {
	start := c.offset()
	n, indefinite, err := c.readArrayLength()
	if err != nil {
		return nil, byteExtent{}, fmt.Errorf("bpv7 block: %w", err)
	}
	if indefinite {
		return nil, byteExtent{}, fmt.Errorf("bpv7 block: %w: must be definite-length", ErrInvalidChunk)
	}
	if n != 5 && n != 6 {
		return nil, byteExtent{}, fmt.Errorf("bpv7 block: %w: expected 5 or 6 elements, got %d", ErrInvalidChunk, n)
	}

	typ, err := c.readUint()
	if err != nil {
		return nil, byteExtent{}, err
	}
	number, err := c.readUint()
	if err != nil {
		return nil, byteExtent{}, err
	}
	flags, err := c.readUint()
	if err != nil {
		return nil, byteExtent{}, err
	}
	crcType, err := c.readUint()
	if err != nil {
		return nil, byteExtent{}, err
	}

	data, err := c.readTaggedByteString()
	if err != nil {
		return nil, byteExtent{}, err
	}

	blk := &Block{
		Number:  number,
		Type:    BlockType(typ),
		Flags:   BlockControlFlags(flags),
		CRCType: CRCType(crcType),
		data:    data,
	}

	if n == 6 {
		crc, err := c.readByteString()
		if err != nil {
			return nil, byteExtent{}, err
		}
		size, sizeErr := crcFieldSize(blk.CRCType)
		if sizeErr != nil {
			return nil, byteExtent{}, sizeErr
		}
		if len(crc) != size {
			return nil, byteExtent{}, fmt.Errorf("bpv7 block: %w: CRC field length mismatch", ErrBadCRC)
		}
	} else if blk.CRCType != CRCNo {
		return nil, byteExtent{}, fmt.Errorf("bpv7 block: %w: CRC type set without CRC field", ErrInvalidChunk)
	}

	if err := blk.CheckValid(); err != nil {
		return nil, byteExtent{}, err
	}

	return blk, byteExtent{Start: start, End: c.offset()}, nil
}
