// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"testing"
)

type staticKeyLookup map[string][]byte

func (s staticKeyLookup) Key(source Eid, _ SecurityOperation) ([]byte, bool) {
	k, ok := s[source.String()]
	return k, ok
}

func newTestBundle(t *testing.T) *Bundle {
	t.Helper()
	src := DtnEid("sender", "app")
	dst := DtnEid("receiver", "app")
	ts := NewCreationTimestamp(DtnTimeNow(), 0)
	primary := NewPrimaryBlock(0, dst, src, ts, 3600_000)
	return NewBundle(primary, []byte("hello dtn"))
}

func TestParseBundleRoundTripValid(t *testing.T) {
	b := newTestBundle(t)
	if _, err := b.PushBlock(BlockTypeHopCount, 0, encodeHopCount(HopCount{Limit: 30})); err != nil {
		t.Fatalf("PushBlock: %v", err)
	}

	wire := b.Marshal()
	result := ParseBundle(wire, nil)
	if result.Outcome != OutcomeValid {
		t.Fatalf("expected Valid, got %v (err=%v)", result.Outcome, result.Err)
	}
	if result.Bundle.ID().String() != b.ID().String() {
		t.Errorf("round-tripped bundle id mismatch: %v != %v", result.Bundle.ID(), b.ID())
	}

	reEmitted := result.Bundle.Marshal()
	again := ParseBundle(reEmitted, nil)
	if again.Outcome != OutcomeValid {
		t.Fatalf("re-emission did not parse as Valid: %v", again.Outcome)
	}
}

func TestParseBundleRewritesIndefiniteByteString(t *testing.T) {
	b := newTestBundle(t)
	wire := b.Marshal()

	// Turn the payload block's payload_bytes field into an indefinite-length
	// (chunked) byte string wrapping the same content, a legal but
	// non-canonical encoding.
	enc := &encoder{}
	payload, err := b.PayloadBlock()
	if err != nil {
		t.Fatalf("PayloadBlock: %v", err)
	}
	data := payload.Data(b.source)
	enc.buf.WriteByte(majorBytes | additionalIndefinite)
	enc.writeByteString(data)
	enc.writeBreak()
	chunked := enc.bytes()

	original := marshalBlock(payload, b.source)
	replaced := replaceOnce(t, wire, original, rebuildBlockWithChunkedPayload(payload, chunked))

	result := ParseBundle(replaced, nil)
	if result.Outcome != OutcomeRewritten {
		t.Fatalf("expected Rewritten, got %v (err=%v)", result.Outcome, result.Err)
	}
	if !result.NonCanonical {
		t.Errorf("expected NonCanonical flag set")
	}
}

// rebuildBlockWithChunkedPayload re-encodes a block's 5/6-element array using
// a pre-built chunked byte string for its payload_bytes field, bypassing
// marshalBlock (which only ever emits canonical definite-length strings).
func rebuildBlockWithChunkedPayload(blk *Block, chunkedPayload []byte) []byte {
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
	enc.buf.Write(chunkedPayload)
	if !blk.HasCRC() {
		return enc.bytes()
	}
	size, _ := crcFieldSize(blk.CRCType)
	off := enc.writeZeroByteString(size)
	buf := enc.bytes()
	crc, _ := computeCRC(buf, blk.CRCType)
	copy(buf[off:off+size], crc)
	return buf
}

func replaceOnce(t *testing.T, haystack, needle, replacement []byte) []byte {
	t.Helper()
	idx := indexOf(haystack, needle)
	if idx < 0 {
		t.Fatalf("needle not found in haystack")
	}
	out := make([]byte, 0, len(haystack)-len(needle)+len(replacement))
	out = append(out, haystack[:idx]...)
	out = append(out, replacement...)
	out = append(out, haystack[idx+len(needle):]...)
	return out
}

func indexOf(haystack, needle []byte) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func TestParseBundleRejectsDuplicateBlockNumber(t *testing.T) {
	b := newTestBundle(t)
	b.Blocks[2] = NewBlock(2, BlockTypeHopCount, 0, encodeHopCount(HopCount{Limit: 1}))
	b.Blocks[3] = NewBlock(3, BlockTypeBundleAge, 0, encodeBundleAge(0))
	b.Blocks[3].Number = 2 // force a duplicate block number onto the wire

	wire := b.Marshal()
	result := ParseBundle(wire, nil)
	if result.Outcome != OutcomeInvalid {
		t.Fatalf("expected Invalid for duplicate block numbers, got %v", result.Outcome)
	}
}

func TestBIBVerifyThroughParse(t *testing.T) {
	b := newTestBundle(t)
	secSrc := DtnEid("security-source", "bpsec")
	key := make([]byte, 64)
	for i := range key {
		key[i] = byte(i)
	}
	if err := b.SignBIB(2, []uint64{1}, secSrc, HMAC384, defaultScopeFlags, key); err != nil {
		t.Fatalf("SignBIB: %v", err)
	}

	wire := b.Marshal()
	lookup := staticKeyLookup{secSrc.String(): key}

	result := ParseBundle(wire, lookup)
	if result.Outcome != OutcomeValid {
		t.Fatalf("expected Valid with correct key, got %v (err=%v)", result.Outcome, result.Err)
	}

	// Corrupting the payload must fail the integrity check.
	payloadBlock := result.Bundle.Blocks[1]
	corrupted := append([]byte(nil), payloadBlock.Data(result.Bundle.source)...)
	corrupted[0] ^= 0xff
	corruptWire := replaceOnce(t, wire, marshalBlock(payloadBlock, result.Bundle.source),
		marshalBlock(&Block{Number: 1, Type: BlockTypePayload, data: corrupted}, nil))

	again := ParseBundle(corruptWire, lookup)
	if again.Outcome != OutcomeInvalid || again.ReasonCode != FailedSecurityOperation {
		t.Fatalf("expected Invalid/FailedSecurityOperation after payload tamper, got %v/%v (err=%v)",
			again.Outcome, again.ReasonCode, again.Err)
	}
}

func TestBCBAttachIsLazy(t *testing.T) {
	b := newTestBundle(t)
	secSrc := DtnEid("security-source", "bpsec")
	key := make([]byte, 32)
	iv := make([]byte, 12)
	for i := range key {
		key[i] = byte(i)
	}
	for i := range iv {
		iv[i] = byte(i + 1)
	}

	plaintext := append([]byte(nil), b.Blocks[1].data...)
	if err := b.EncryptBCB(2, []uint64{1}, secSrc, A256GCM, defaultScopeFlags, iv, key); err != nil {
		t.Fatalf("EncryptBCB: %v", err)
	}

	wire := b.Marshal()
	lookup := staticKeyLookup{secSrc.String(): key}

	result := ParseBundle(wire, lookup)
	if result.Outcome != OutcomeValid {
		t.Fatalf("expected Valid, got %v (err=%v)", result.Outcome, result.Err)
	}

	target := result.Bundle.Blocks[1]
	if target.Bcb == nil {
		t.Fatalf("expected payload block to carry a Bcb back-pointer after parse")
	}
	if string(target.Data(result.Bundle.source)) == string(plaintext) {
		t.Fatalf("payload must still be ciphertext before DecryptBCB is called")
	}

	bcbBlk := result.Bundle.Blocks[*target.Bcb]
	if err := result.Bundle.DecryptBCB(bcbBlk, lookup); err != nil {
		t.Fatalf("DecryptBCB: %v", err)
	}
	if string(target.Data(result.Bundle.source)) != string(plaintext) {
		t.Errorf("decrypted payload = %q, want %q", target.Data(result.Bundle.source), plaintext)
	}
	if target.Bcb != nil {
		t.Errorf("Bcb back-pointer should be cleared after decryption")
	}
}
