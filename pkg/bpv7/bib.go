// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// ShaVariant selects the HMAC hash function for a BIB, RFC 9173 §3.3.
// Values are the RFC's own security-context-parameter-value assignments.
type ShaVariant uint64

const (
	HMAC256 ShaVariant = 5
	HMAC384 ShaVariant = 6 // RFC 9173 default
	HMAC512 ShaVariant = 7
)

func (v ShaVariant) newHash() (func() hash.Hash, error) {
	switch v {
	case HMAC256:
		return sha256.New, nil
	case HMAC384:
		return sha512.New384, nil
	case HMAC512:
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("bpv7 bib: %w: unrecognised SHA variant %d", ErrInvalidContextParameter, v)
	}
}

// bibParameters is BIB-HMAC-SHA2's security context parameters, RFC 9173
// §3.3: parameter id 1 is the SHA variant, id 2 an optional wrapped key, id
// 3 the scope flags.
type bibParameters struct {
	Variant    ShaVariant
	WrappedKey []byte
	Scope      ScopeFlags
}

func defaultBibParameters() bibParameters {
	return bibParameters{Variant: HMAC384, Scope: defaultScopeFlags}
}

func parseBibParameters(raw map[uint64][]byte) (bibParameters, error) {
	p := defaultBibParameters()
	if v, ok := raw[1]; ok {
		n, err := newCursor(v).readUint()
		if err != nil {
			return bibParameters{}, fmt.Errorf("bpv7 bib: %w: SHA variant: %v", ErrInvalidContextParameter, err)
		}
		p.Variant = ShaVariant(n)
	}
	if v, ok := raw[2]; ok {
		key, err := newCursor(v).readByteString()
		if err != nil {
			return bibParameters{}, fmt.Errorf("bpv7 bib: %w: wrapped key: %v", ErrInvalidContextParameter, err)
		}
		p.WrappedKey = key
	}
	if v, ok := raw[3]; ok {
		n, err := newCursor(v).readUint()
		if err != nil {
			return bibParameters{}, fmt.Errorf("bpv7 bib: %w: scope flags: %v", ErrInvalidContextParameter, err)
		}
		p.Scope = ScopeFlags(n)
	}
	return p, nil
}

func (p bibParameters) marshal() map[uint64][]byte {
	out := map[uint64][]byte{}
	if p.Variant != HMAC384 {
		out[1] = cborLiteralUint(majorUint, uint64(p.Variant))
	}
	if p.WrappedKey != nil {
		e := &encoder{}
		e.writeByteString(p.WrappedKey)
		out[2] = e.bytes()
	}
	if p.Scope != defaultScopeFlags {
		out[3] = cborLiteralUint(majorUint, uint64(p.Scope))
	}
	return out
}

// VerifyBIB verifies every target of the BIB canonical block bibBlk against
// lookup, returning ErrIntegrityCheckFailed if any target's MAC does not
// match, ErrFailedSecurityOperation if a target block is missing, or ErrNoKey
// if a key could not be resolved.
func (b *Bundle) VerifyBIB(bibBlk *Block, lookup KeyLookup) error {
	sb, err := parseSecurityBlock(newCursor(bibBlk.Data(b.source)))
	if err != nil {
		return err
	}
	params, err := parseBibParameters(sb.Parameters)
	if err != nil {
		return err
	}
	newHash, err := params.Variant.newHash()
	if err != nil {
		return nil // unrecognised variant: treated as unsupported, not a failure
	}

	cek, err := unwrapContentKey(lookup, sb.Source, OpVerify, params.WrappedKey)
	if err != nil {
		return err
	}

	for i, targetNum := range sb.Targets {
		target, ok := b.Blocks[targetNum]
		if !ok {
			return fmt.Errorf("bpv7 bib: %w: target block %d missing", ErrFailedSecurityOperation, targetNum)
		}
		aad := buildAAD(b, target, bibBlk, params.Scope, true)
		mac := hmac.New(newHash, cek)
		mac.Write(aad)
		if !hmac.Equal(mac.Sum(nil), sb.Results[i]) {
			return fmt.Errorf("bpv7 bib: %w: target block %d", ErrIntegrityCheckFailed, targetNum)
		}
	}
	return nil
}

// SignBIB computes and attaches a new BIB canonical block covering targets,
// patching each target's Bib back-pointer to the new block's number.
func (b *Bundle) SignBIB(blockNumber uint64, targets []uint64, source Eid, variant ShaVariant, scope ScopeFlags, key []byte) error {
	newHash, err := variant.newHash()
	if err != nil {
		return err
	}

	sb := &securityBlock{Targets: targets, ContextID: securityContextBIBHMACSHA2, Source: source}
	params := bibParameters{Variant: variant, Scope: scope}
	sb.Parameters = params.marshal()

	bibBlk := NewBlock(blockNumber, BlockTypeIntegrity, 0, nil)
	bibNumber := blockNumber

	sb.Results = make([][]byte, len(targets))
	for i, targetNum := range targets {
		target, ok := b.Blocks[targetNum]
		if !ok {
			return fmt.Errorf("bpv7 bib: target block %d missing", targetNum)
		}
		aad := buildAAD(b, target, bibBlk, scope, true)
		mac := hmac.New(newHash, key)
		mac.Write(aad)
		sb.Results[i] = mac.Sum(nil)
		target.Bib = &bibNumber
	}

	enc := &encoder{}
	sb.marshalCbor(enc)
	bibBlk.SetData(enc.bytes())
	b.Blocks[blockNumber] = bibBlk
	return nil
}
