// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/howeyc/crc16"
)

// CRCType indicates which CRC, if any, trails a block, per RFC 9171 §4.1.1.
type CRCType uint64

const (
	CRCNo   CRCType = 0
	CRC16   CRCType = 1 // standard X-25 CRC-16
	CRC32   CRCType = 2 // standard CRC32C (Castagnoli)
	crcSize16      = 2
	crcSize32      = 4
)

func (c CRCType) String() string {
	switch c {
	case CRCNo:
		return "none"
	case CRC16:
		return "crc16"
	case CRC32:
		return "crc32"
	default:
		return "unknown"
	}
}

var (
	crc16Table = crc16.MakeTable(crc16.CCITT)
	crc32Table = crc32.MakeTable(crc32.Castagnoli)
)

// crcFieldSize returns the byte length of the CRC field for a CRCType, or an
// error for anything else.
func crcFieldSize(t CRCType) (int, error) {
	switch t {
	case CRCNo:
		return 0, nil
	case CRC16:
		return crcSize16, nil
	case CRC32:
		return crcSize32, nil
	default:
		return 0, fmt.Errorf("bpv7: %w: unknown CRC type %d", ErrInvalidChunk, t)
	}
}

// computeCRC computes the CRC of data (the block's bytes with the CRC field
// itself zeroed) for the given type.
func computeCRC(data []byte, t CRCType) ([]byte, error) {
	switch t {
	case CRCNo:
		return nil, nil
	case CRC16:
		out := make([]byte, crcSize16)
		binary.BigEndian.PutUint16(out, crc16.Checksum(data, crc16Table))
		return out, nil
	case CRC32:
		out := make([]byte, crcSize32)
		binary.BigEndian.PutUint32(out, crc32.Checksum(data, crc32Table))
		return out, nil
	default:
		return nil, fmt.Errorf("bpv7: %w: unknown CRC type %d", ErrInvalidChunk, t)
	}
}

// verifyCRC checks a parsed block's CRC. extentBytes is the block's whole
// canonical-array byte range as it appeared on the wire, including the
// trailing CRC field's byte-string header and content; the content's last
// size bytes are compared against a CRC recomputed over extentBytes with
// that tail zeroed.
func verifyCRC(extentBytes []byte, t CRCType) error {
	size, err := crcFieldSize(t)
	if err != nil {
		return err
	}
	if size == 0 {
		return nil
	}
	if len(extentBytes) < size {
		return fmt.Errorf("bpv7: %w: extent shorter than CRC field", ErrBadCRC)
	}

	tailStart := len(extentBytes) - size
	got := extentBytes[tailStart:]

	scratch := append([]byte(nil), extentBytes...)
	for i := tailStart; i < len(scratch); i++ {
		scratch[i] = 0
	}
	want, err := computeCRC(scratch, t)
	if err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("bpv7: %w", ErrBadCRC)
	}
	return nil
}
