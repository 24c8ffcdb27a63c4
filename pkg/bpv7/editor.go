// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// The bundle editor: mutation operations on an already-parsed or freshly
// constructed Bundle, grounded on the teacher's Bundle.AddExtensionBlock /
// Bundle.RemoveExtensionBlockByBlockNumber block-number bookkeeping, adapted
// from its []CanonicalBlock slice to this package's map[uint64]*Block model
// and extended with Rebuild's zero-copy re-emission.
package bpv7

import "fmt"

func isSingletonBlockType(t BlockType) bool {
	switch t {
	case BlockTypePreviousNode, BlockTypeBundleAge, BlockTypeHopCount:
		return true
	default:
		return false
	}
}

// nextBlockNumber returns the lowest unused block number, starting at 2
// (0 is the primary block, 1 is always the payload block).
func (b *Bundle) nextBlockNumber() uint64 {
	for n := uint64(2); ; n++ {
		if _, used := b.Blocks[n]; !used {
			return n
		}
	}
}

// PushBlock appends a new canonical block of typ carrying data, assigning it
// the lowest unused block number ≥ 2. It refuses to create an illegal
// duplicate of a singleton block type.
func (b *Bundle) PushBlock(typ BlockType, flags BlockControlFlags, data []byte) (*Block, error) {
	if typ == BlockTypePayload {
		return nil, fmt.Errorf("bpv7 editor: cannot push a second payload block")
	}
	if isSingletonBlockType(typ) && b.HasExtensionBlock(typ) {
		return nil, fmt.Errorf("bpv7 editor: %w: a %s block already exists", ErrDuplicateBlock, typ)
	}

	blk := NewBlock(b.nextBlockNumber(), typ, flags, data)
	b.Blocks[blk.Number] = blk
	b.refreshCaches()
	return blk, nil
}

// InsertBlock adds a block of typ, replacing an existing singleton of the
// same type in place (reusing its block number) when one already exists,
// falling back to PushBlock otherwise.
func (b *Bundle) InsertBlock(typ BlockType, flags BlockControlFlags, data []byte) (*Block, error) {
	if isSingletonBlockType(typ) {
		if existing, err := b.ExtensionBlock(typ); err == nil {
			existing.Flags = flags
			existing.SetData(data)
			b.refreshCaches()
			return existing, nil
		}
	}
	return b.PushBlock(typ, flags, data)
}

// UpdateBlock rewrites an existing block's payload in place, including the
// payload block itself.
func (b *Bundle) UpdateBlock(number uint64, data []byte) error {
	blk, ok := b.Blocks[number]
	if !ok {
		return fmt.Errorf("bpv7 editor: block %d not found", number)
	}
	blk.SetData(data)
	b.refreshCaches()
	return nil
}

// RemoveBlock deletes an existing canonical block, clearing any Bib/Bcb
// back-pointer that referenced it. Block numbers 0 (the primary block,
// never stored in Blocks) and 1 (the payload block) can never be removed.
func (b *Bundle) RemoveBlock(number uint64) error {
	if number == 0 || number == 1 {
		return fmt.Errorf("bpv7 editor: %w: block numbers 0 and 1 cannot be removed", ErrInvalidBlockNumber)
	}
	if _, ok := b.Blocks[number]; !ok {
		return fmt.Errorf("bpv7 editor: block %d not found", number)
	}
	delete(b.Blocks, number)

	for _, blk := range b.Blocks {
		if blk.Bib != nil && *blk.Bib == number {
			blk.Bib = nil
		}
		if blk.Bcb != nil && *blk.Bcb == number {
			blk.Bcb = nil
		}
	}

	b.refreshCaches()
	return nil
}

// IncrementHopCount bumps the Hop Count extension block's counter by one,
// if present, reporting the updated value and whether the bundle has now
// exceeded its configured limit (RFC 9171 §4.4.3). It is a no-op returning
// (HopCount{}, false) when the bundle carries no hop count block.
func (b *Bundle) IncrementHopCount() (HopCount, bool) {
	blk, err := b.ExtensionBlock(BlockTypeHopCount)
	if err != nil {
		return HopCount{}, false
	}
	hc, err := decodeHopCount(blk.Data(b.source))
	if err != nil {
		return HopCount{}, false
	}
	hc.Count++
	if err := b.UpdateBlock(blk.Number, encodeHopCount(hc)); err != nil {
		return HopCount{}, false
	}
	return hc, hc.Exceeded()
}

// SetPreviousNode inserts or overwrites the Previous Node extension block,
// recording this node as the bundle's most recent forwarder, RFC 9171
// §4.4.1.
func (b *Bundle) SetPreviousNode(self Eid) error {
	_, err := b.InsertBlock(BlockTypePreviousNode, 0, encodePreviousNode(self))
	return err
}

// Rebuild re-emits this bundle's canonical wire form like Marshal, but
// copies each untouched block's original bytes verbatim from source instead
// of re-encoding it — the editor's zero-copy path for bundles where most
// blocks survive a mutation unchanged.
func (b *Bundle) Rebuild() []byte {
	enc := &encoder{}
	enc.writeIndefiniteArrayHeader()
	b.marshalPrimaryInto(enc)

	for _, n := range b.blockNumbers() {
		blk := b.Blocks[n]
		if !blk.dirty && b.source != nil && !blk.extent.empty() {
			enc.buf.Write(blk.extent.slice(b.source))
			continue
		}
		enc.buf.Write(marshalBlock(blk, b.source))
	}

	enc.writeBreak()
	return enc.bytes()
}
