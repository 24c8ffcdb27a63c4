// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

// Emission always produces a CBOR indefinite-length outer array: the primary
// block (definite-length, 8-11 elements) followed by each canonical block
// (definite-length, 5-6 elements), closed with a break byte. Each block's
// CRC field, when present, is written as zero bytes and patched in place
// once the rest of the block has been emitted.

// marshalBlock encodes a single canonical block, patching in its CRC if one
// is configured.
func marshalBlock(blk *Block, source []byte) []byte {
	enc := &encoder{}

	n := 5
	if blk.HasCRC() {
		n = 6
	}
	enc.writeArrayHeader(n)
	enc.writeUint(uint64(blk.Type))
	enc.writeUint(blk.Number)
	enc.writeUint(uint64(blk.Flags))
	enc.writeUint(uint64(blk.CRCType))
	enc.writeByteString(blk.Data(source))

	if !blk.HasCRC() {
		return enc.bytes()
	}

	size, _ := crcFieldSize(blk.CRCType)
	crcOffset := enc.writeZeroByteString(size)
	buf := enc.bytes()
	crc, err := computeCRC(buf, blk.CRCType)
	if err != nil {
		panic(err) // CRCType was already validated by CheckValid
	}
	copy(buf[crcOffset:crcOffset+size], crc)
	return buf
}

// marshalPrimaryInto writes b's primary block into enc, patching its CRC in
// place once the rest of the block is known.
func (b *Bundle) marshalPrimaryInto(enc *encoder) {
	start := enc.buf.Len()
	crcOffset, hasCRC := b.Primary.marshalCbor(enc)
	if !hasCRC {
		return
	}
	size, _ := crcFieldSize(b.Primary.CRCType)
	buf := enc.bytes()
	crc, err := computeCRC(buf[start:], b.Primary.CRCType)
	if err != nil {
		panic(err) // CRCType was already validated by CheckValid
	}
	copy(buf[crcOffset:crcOffset+size], crc)
}

// Marshal serializes the bundle to its canonical wire form: an indefinite-
// length outer array containing the primary block and every canonical
// block in blockNumbers order (payload last). Every block is freshly
// encoded; see Bundle.Rebuild for the editor's zero-copy variant.
func (b *Bundle) Marshal() []byte {
	enc := &encoder{}
	enc.writeIndefiniteArrayHeader()
	b.marshalPrimaryInto(enc)

	for _, n := range b.blockNumbers() {
		blk := b.Blocks[n]
		enc.buf.Write(marshalBlock(blk, b.source))
	}

	enc.writeBreak()
	return enc.bytes()
}
