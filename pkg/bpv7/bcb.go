// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// AesVariant selects the AES-GCM key size for a BCB, RFC 9173 §4.3. Values
// are the RFC's own security-context-parameter-value assignments.
type AesVariant uint64

const (
	A128GCM AesVariant = 1
	A256GCM AesVariant = 3 // RFC 9173 default
)

func (v AesVariant) keyLen() (int, error) {
	switch v {
	case A128GCM:
		return 16, nil
	case A256GCM:
		return 32, nil
	default:
		return 0, fmt.Errorf("bpv7 bcb: %w: unrecognised AES variant %d", ErrInvalidContextParameter, v)
	}
}

// bcbParameters is BCB-AES-GCM's security context parameters, RFC 9173
// §4.3: id 1 the IV, id 2 the AES variant, id 3 an optional wrapped key, id
// 4 the scope flags.
type bcbParameters struct {
	IV         []byte
	Variant    AesVariant
	WrappedKey []byte
	Scope      ScopeFlags
}

func parseBcbParameters(raw map[uint64][]byte) (bcbParameters, error) {
	p := bcbParameters{Variant: A256GCM, Scope: defaultScopeFlags}
	if v, ok := raw[1]; ok {
		iv, err := newCursor(v).readByteString()
		if err != nil {
			return bcbParameters{}, fmt.Errorf("bpv7 bcb: %w: iv: %v", ErrInvalidContextParameter, err)
		}
		p.IV = iv
	} else {
		return bcbParameters{}, fmt.Errorf("bpv7 bcb: %w: missing IV", ErrMissingContextParameter)
	}
	if v, ok := raw[2]; ok {
		n, err := newCursor(v).readUint()
		if err != nil {
			return bcbParameters{}, fmt.Errorf("bpv7 bcb: %w: AES variant: %v", ErrInvalidContextParameter, err)
		}
		p.Variant = AesVariant(n)
	}
	if v, ok := raw[3]; ok {
		key, err := newCursor(v).readByteString()
		if err != nil {
			return bcbParameters{}, fmt.Errorf("bpv7 bcb: %w: wrapped key: %v", ErrInvalidContextParameter, err)
		}
		p.WrappedKey = key
	}
	if v, ok := raw[4]; ok {
		n, err := newCursor(v).readUint()
		if err != nil {
			return bcbParameters{}, fmt.Errorf("bpv7 bcb: %w: scope flags: %v", ErrInvalidContextParameter, err)
		}
		p.Scope = ScopeFlags(n)
	}
	return p, nil
}

func (p bcbParameters) marshal() map[uint64][]byte {
	out := map[uint64][]byte{}
	ivEnc := &encoder{}
	ivEnc.writeByteString(p.IV)
	out[1] = ivEnc.bytes()
	if p.Variant != A256GCM {
		out[2] = cborLiteralUint(majorUint, uint64(p.Variant))
	}
	if p.WrappedKey != nil {
		e := &encoder{}
		e.writeByteString(p.WrappedKey)
		out[3] = e.bytes()
	}
	if p.Scope != defaultScopeFlags {
		out[4] = cborLiteralUint(majorUint, uint64(p.Scope))
	}
	return out
}

// DecryptBCB decrypts every target of the BCB canonical block bcbBlk in
// place against lookup. Decrypted targets have their payload replaced with
// the recovered plaintext and their Bcb back-pointer cleared.
func (b *Bundle) DecryptBCB(bcbBlk *Block, lookup KeyLookup) error {
	sb, err := parseSecurityBlock(newCursor(bcbBlk.Data(b.source)))
	if err != nil {
		return err
	}
	params, err := parseBcbParameters(sb.Parameters)
	if err != nil {
		return err
	}
	keyLen, err := params.Variant.keyLen()
	if err != nil {
		return nil // unrecognised variant: unsupported, not a failure
	}

	cek, err := unwrapContentKey(lookup, sb.Source, OpDecrypt, params.WrappedKey)
	if err != nil {
		return err
	}
	if len(cek) != keyLen {
		return fmt.Errorf("bpv7 bcb: %w: key length %d does not match variant", ErrInvalidContextParameter, len(cek))
	}

	block, err := aes.NewCipher(cek)
	if err != nil {
		return fmt.Errorf("bpv7 bcb: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("bpv7 bcb: %w", err)
	}

	for i, targetNum := range sb.Targets {
		target, ok := b.Blocks[targetNum]
		if !ok {
			return fmt.Errorf("bpv7 bcb: %w: target block %d missing", ErrFailedSecurityOperation, targetNum)
		}
		aad := buildAAD(b, target, bcbBlk, params.Scope, false)
		ciphertext := append(append([]byte(nil), target.Data(b.source)...), sb.Results[i]...)
		plaintext, err := gcm.Open(nil, params.IV, ciphertext, aad)
		if err != nil {
			return fmt.Errorf("bpv7 bcb: %w: target block %d: %v", ErrDecryptionFailed, targetNum, err)
		}
		target.SetData(plaintext)
		target.Bcb = nil
	}
	return nil
}

// EncryptBCB encrypts targets in place and attaches a new BCB canonical
// block, patching each target's Bcb back-pointer.
func (b *Bundle) EncryptBCB(blockNumber uint64, targets []uint64, source Eid, variant AesVariant, scope ScopeFlags, iv, key []byte) error {
	keyLen, err := variant.keyLen()
	if err != nil {
		return err
	}
	if len(key) != keyLen {
		return fmt.Errorf("bpv7 bcb: key length %d does not match variant", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("bpv7 bcb: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("bpv7 bcb: %w", err)
	}

	sb := &securityBlock{Targets: targets, ContextID: securityContextBCBAESGCM, Source: source}
	params := bcbParameters{IV: iv, Variant: variant, Scope: scope}
	sb.Parameters = params.marshal()

	bcbBlk := NewBlock(blockNumber, BlockTypeConfidential, 0, nil)
	bcbNumber := blockNumber

	sb.Results = make([][]byte, len(targets))
	for i, targetNum := range targets {
		target, ok := b.Blocks[targetNum]
		if !ok {
			return fmt.Errorf("bpv7 bcb: target block %d missing", targetNum)
		}
		aad := buildAAD(b, target, bcbBlk, scope, false)
		sealed := gcm.Seal(nil, iv, target.Data(b.source), aad)
		ciphertext, tag := sealed[:len(sealed)-gcm.Overhead()], sealed[len(sealed)-gcm.Overhead():]
		target.SetData(ciphertext)
		target.Bcb = &bcbNumber
		sb.Results[i] = tag
	}

	enc := &encoder{}
	sb.marshalCbor(enc)
	bcbBlk.SetData(enc.bytes())
	b.Blocks[blockNumber] = bcbBlk
	return nil
}
