// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"
)

// aesKeyWrapIV is the default integrity check register, RFC 3394 §2.2.3.1.
var aesKeyWrapIV = [8]byte{0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6, 0xA6}

// AES key wrap (RFC 3394) has no dedicated library among the examples or in
// golang.org/x/crypto; every AES-GCM library the pack uses is itself built
// on crypto/aes's cipher.Block, so this wraps that same primitive directly
// rather than reaching for an unrelated dependency.

// aesKeyWrap wraps cek (a multiple of 8 bytes, at least 16) under kek per
// RFC 3394 §2.2.1.
func aesKeyWrap(kek, cek []byte) ([]byte, error) {
	if len(cek)%8 != 0 || len(cek) < 16 {
		return nil, fmt.Errorf("bpv7 keywrap: content key must be a multiple of 8 bytes, at least 16")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("bpv7 keywrap: %w", err)
	}

	n := len(cek) / 8
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], cek[i*8:(i+1)*8])
	}

	a := aesKeyWrapIV
	buf := make([]byte, 16)
	for j := 0; j <= 5; j++ {
		for i := 1; i <= n; i++ {
			copy(buf[:8], a[:])
			copy(buf[8:], r[i-1][:])
			block.Encrypt(buf, buf)

			t := uint64(n*j + i)
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)
			copy(a[:], buf[:8])
			for k := range a {
				a[k] ^= tb[k]
			}
			copy(r[i-1][:], buf[8:])
		}
	}

	out := make([]byte, 8+len(cek))
	copy(out[:8], a[:])
	for i := 0; i < n; i++ {
		copy(out[8+i*8:], r[i][:])
	}
	return out, nil
}

// aesKeyUnwrap reverses aesKeyWrap, rejecting a wrapped value whose
// recovered integrity register does not match RFC 3394's default IV.
func aesKeyUnwrap(kek, wrapped []byte) ([]byte, error) {
	if len(wrapped)%8 != 0 || len(wrapped) < 24 {
		return nil, fmt.Errorf("bpv7 keywrap: wrapped key must be a multiple of 8 bytes, at least 24")
	}
	block, err := aes.NewCipher(kek)
	if err != nil {
		return nil, fmt.Errorf("bpv7 keywrap: %w", err)
	}

	n := len(wrapped)/8 - 1
	var a [8]byte
	copy(a[:], wrapped[:8])
	r := make([][8]byte, n)
	for i := 0; i < n; i++ {
		copy(r[i][:], wrapped[8+i*8:8+(i+1)*8])
	}

	buf := make([]byte, 16)
	for j := 5; j >= 0; j-- {
		for i := n; i >= 1; i-- {
			t := uint64(n*j + i)
			var tb [8]byte
			binary.BigEndian.PutUint64(tb[:], t)
			var ax [8]byte
			copy(ax[:], a[:])
			for k := range ax {
				ax[k] ^= tb[k]
			}

			copy(buf[:8], ax[:])
			copy(buf[8:], r[i-1][:])
			block.Decrypt(buf, buf)

			copy(a[:], buf[:8])
			copy(r[i-1][:], buf[8:])
		}
	}

	if a != aesKeyWrapIV {
		return nil, fmt.Errorf("bpv7 keywrap: %w: integrity check register mismatch", ErrDecryptionFailed)
	}

	out := make([]byte, n*8)
	for i := 0; i < n; i++ {
		copy(out[i*8:], r[i][:])
	}
	return out, nil
}
