// SPDX-FileCopyrightText: 2020 Matthias Axel Kröll
// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// BPSec (RFC 9172) block integrity and confidentiality, restricted to the
// two mandatory default security contexts of RFC 9173: BIB-HMAC-SHA2 and
// BCB-AES-GCM. Grounded on the Abstract Security Block framing in
// abstract_security_block.go, generalized from that file's fully generic
// IDValueTuple parameter model to the closed set of parameter/result IDs
// RFC 9173 actually assigns, since this module implements only those two
// contexts rather than an open context registry.
package bpv7

import "fmt"

// SecurityOperation selects which key a KeyLookup should return: verifying
// a BIB, decrypting a BCB, or unwrapping a key-wrapped content key.
type SecurityOperation int

const (
	OpVerify SecurityOperation = iota
	OpDecrypt
	OpUnwrap
)

// KeyLookup resolves the key material for a security operation against a
// security source EID. Implementations may return the key used directly, or
// (when the ASB carries a wrapped content key) the key-encryption-key used
// to unwrap it.
type KeyLookup interface {
	Key(source Eid, op SecurityOperation) ([]byte, bool)
}

// ScopeFlags controls which bundle fields participate in BIB/BCB AAD
// construction, RFC 9173 §3.5.
type ScopeFlags uint64

const (
	ScopeIncludePrimaryBlock   ScopeFlags = 1 << 0
	ScopeIncludeTargetHeader   ScopeFlags = 1 << 1
	ScopeIncludeSecurityHeader ScopeFlags = 1 << 2

	defaultScopeFlags = ScopeIncludePrimaryBlock | ScopeIncludeTargetHeader | ScopeIncludeSecurityHeader
)

func (sf ScopeFlags) has(bit ScopeFlags) bool { return sf&bit != 0 }

// Security context identifiers, RFC 9173 §2 IANA registry.
const (
	securityContextBIBHMACSHA2 uint64 = 1
	securityContextBCBAESGCM   uint64 = 2
)

// asbParamPresentFlag marks bit 0 of the ASB's context flags field: whether
// a (possibly empty) security context parameters array follows the source.
const asbParamPresentFlag uint64 = 0x01

// securityBlock is the wire-level Abstract Security Block shared by BIB and
// BCB canonical blocks: [targets, context_id, context_flags, source,
// parameters?, results].
type securityBlock struct {
	Targets    []uint64
	ContextID  uint64
	Source     Eid
	Parameters map[uint64][]byte // raw CBOR-encoded parameter values, by RFC 9173 parameter id
	Results    [][]byte          // one result per Targets entry, same order
}

func (sb *securityBlock) marshalCbor(enc *encoder) {
	n := 5
	hasParams := len(sb.Parameters) > 0
	if hasParams {
		n = 6
	}
	enc.writeArrayHeader(n)

	enc.writeArrayHeader(len(sb.Targets))
	for _, t := range sb.Targets {
		enc.writeUint(t)
	}

	enc.writeUint(sb.ContextID)

	flags := uint64(0)
	if hasParams {
		flags |= asbParamPresentFlag
	}
	enc.writeUint(flags)

	sb.Source.MarshalCbor(enc)

	if hasParams {
		ids := sortedParamIDs(sb.Parameters)
		enc.writeArrayHeader(len(ids))
		for _, id := range ids {
			enc.writeArrayHeader(2)
			enc.writeUint(id)
			enc.buf.Write(sb.Parameters[id])
		}
	}

	enc.writeArrayHeader(len(sb.Results))
	for i, target := range sb.Targets {
		enc.writeArrayHeader(2)
		enc.writeUint(target)
		enc.writeArrayHeader(1)
		enc.writeArrayHeader(2)
		enc.writeUint(1) // result id 1: the sole HMAC tag / auth tag this module emits
		enc.writeByteString(sb.Results[i])
	}
}

func sortedParamIDs(m map[uint64][]byte) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	return ids
}

func parseSecurityBlock(c *cursor) (*securityBlock, error) {
	n, indefinite, err := c.readArrayLength()
	if err != nil {
		return nil, fmt.Errorf("bpv7 security block: %w", err)
	}
	if indefinite || (n != 5 && n != 6) {
		return nil, fmt.Errorf("bpv7 security block: %w: expected 5 or 6 elements, got %d", ErrInvalidChunk, n)
	}

	sb := &securityBlock{}

	targetCount, indefinite, err := c.readArrayLength()
	if err != nil {
		return nil, err
	}
	if indefinite {
		return nil, fmt.Errorf("bpv7 security block: %w: targets must be definite-length", ErrInvalidChunk)
	}
	if targetCount == 0 {
		return nil, fmt.Errorf("bpv7 security block: %w: no security targets", ErrInvalidChunk)
	}
	seen := map[uint64]bool{}
	for i := 0; i < targetCount; i++ {
		t, err := c.readUint()
		if err != nil {
			return nil, err
		}
		if seen[t] {
			return nil, fmt.Errorf("bpv7 security block: %w: duplicate target %d", ErrInvalidChunk, t)
		}
		seen[t] = true
		sb.Targets = append(sb.Targets, t)
	}

	if sb.ContextID, err = c.readUint(); err != nil {
		return nil, err
	}

	flags, err := c.readUint()
	if err != nil {
		return nil, err
	}
	hasParams := flags&asbParamPresentFlag != 0
	if hasParams != (n == 6) {
		return nil, fmt.Errorf("bpv7 security block: %w: context-flags/array-length mismatch", ErrInvalidChunk)
	}

	if sb.Source, err = parseEidCbor(c); err != nil {
		return nil, err
	}

	if hasParams {
		paramCount, indefinite, err := c.readArrayLength()
		if err != nil {
			return nil, err
		}
		if indefinite {
			return nil, fmt.Errorf("bpv7 security block: %w: parameters must be definite-length", ErrInvalidChunk)
		}
		sb.Parameters = map[uint64][]byte{}
		for i := 0; i < paramCount; i++ {
			pn, indefinite, err := c.readArrayLength()
			if err != nil {
				return nil, err
			}
			if indefinite || pn != 2 {
				return nil, fmt.Errorf("bpv7 security block: %w: parameter must be a 2-element array", ErrInvalidChunk)
			}
			id, err := c.readUint()
			if err != nil {
				return nil, err
			}
			start := c.offset()
			if err := c.skipValue(); err != nil {
				return nil, err
			}
			sb.Parameters[id] = append([]byte(nil), c.data[start:c.offset()]...)
		}
	}

	resultCount, indefinite, err := c.readArrayLength()
	if err != nil {
		return nil, err
	}
	if indefinite {
		return nil, fmt.Errorf("bpv7 security block: %w: results must be definite-length", ErrInvalidChunk)
	}
	if resultCount != targetCount {
		return nil, fmt.Errorf("bpv7 security block: %w: %d result sets for %d targets", ErrInvalidChunk, resultCount, targetCount)
	}
	sb.Results = make([][]byte, targetCount)
	for i := 0; i < resultCount; i++ {
		pairLen, indefinite, err := c.readArrayLength()
		if err != nil {
			return nil, err
		}
		if indefinite || pairLen != 2 {
			return nil, fmt.Errorf("bpv7 security block: %w: result entry must be a 2-element array", ErrInvalidChunk)
		}
		target, err := c.readUint()
		if err != nil {
			return nil, err
		}
		idx := -1
		for j, t := range sb.Targets {
			if t == target {
				idx = j
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("bpv7 security block: %w: result for unknown target %d", ErrInvalidChunk, target)
		}

		rn, indefinite, err := c.readArrayLength()
		if err != nil {
			return nil, err
		}
		if indefinite || rn != 1 {
			return nil, fmt.Errorf("bpv7 security block: %w: expected exactly one result", ErrInvalidChunk)
		}
		kvLen, indefinite, err := c.readArrayLength()
		if err != nil {
			return nil, err
		}
		if indefinite || kvLen != 2 {
			return nil, fmt.Errorf("bpv7 security block: %w: result must be a 2-element array", ErrInvalidChunk)
		}
		if _, err := c.readUint(); err != nil { // result id, always 1 for these two contexts
			return nil, err
		}
		val, err := c.readByteString()
		if err != nil {
			return nil, err
		}
		sb.Results[idx] = val
	}

	return sb, nil
}

// buildAAD constructs the Additional Authenticated Data for one security
// target, RFC 9173 §3.5/§3.6: scope flags, optionally the canonical primary
// block, optionally the target's header triple, optionally the security
// block's own header triple, and — for BIB only — the target's length-
// prefixed payload bytes.
func buildAAD(b *Bundle, target *Block, secBlk *Block, scope ScopeFlags, includePayload bool) []byte {
	enc := &encoder{}
	enc.writeUint(uint64(scope & 0x07))

	// A security target is always a canonical block in this data model; the
	// primary block (number 0) is never itself a BIB/BCB target.
	if scope.has(ScopeIncludePrimaryBlock) {
		primaryEnc := &encoder{}
		b.marshalPrimaryInto(primaryEnc)
		enc.buf.Write(primaryEnc.bytes())
	}
	if scope.has(ScopeIncludeTargetHeader) {
		enc.writeArrayHeader(3)
		enc.writeUint(uint64(target.Type))
		enc.writeUint(target.Number)
		enc.writeUint(uint64(target.Flags))
	}

	if scope.has(ScopeIncludeSecurityHeader) {
		enc.writeArrayHeader(3)
		enc.writeUint(uint64(secBlk.Type))
		enc.writeUint(secBlk.Number)
		enc.writeUint(uint64(secBlk.Flags))
	}

	if includePayload {
		payload := target.Data(b.source)
		enc.writeByteString(payload)
	}

	return enc.bytes()
}

// unwrapContentKey resolves the content-encryption key for a security
// operation: the key-lookup's raw key when the ASB carries no wrapped key,
// or that key used as a KEK to AES-KW-unwrap the carried key otherwise.
func unwrapContentKey(lookup KeyLookup, source Eid, op SecurityOperation, wrapped []byte) ([]byte, error) {
	kek, ok := lookup.Key(source, OpUnwrap)
	if !ok {
		kek, ok = lookup.Key(source, op)
		if !ok {
			return nil, fmt.Errorf("bpv7 bpsec: %w", ErrNoKey)
		}
		if wrapped == nil {
			return kek, nil
		}
	}
	if wrapped == nil {
		return kek, nil
	}
	return aesKeyUnwrap(kek, wrapped)
}
