// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import "fmt"

// AdministrativeRecordTypeStatusReport is the sole administrative record
// type code this module implements, RFC 9171 §6.1.
const AdministrativeRecordTypeStatusReport uint64 = 1

// AdministrativeRecord is a payload carried by a bundle whose
// AdministrativeRecordPayload control flag is set. The only variant defined
// by this module is StatusReport.
type AdministrativeRecord interface {
	RecordTypeCode() uint64
	marshalCbor(enc *encoder)
}

// EncodeAdministrativeRecord wraps ar in the mandatory 2-element
// [record_type_code, record] array, for use as a bundle's payload when
// originating an administrative record bundle (a status report, today).
func EncodeAdministrativeRecord(ar AdministrativeRecord) []byte {
	return encodeAdministrativeRecord(ar)
}

// encodeAdministrativeRecord wraps ar in the mandatory 2-element
// [record_type_code, record] array.
func encodeAdministrativeRecord(ar AdministrativeRecord) []byte {
	enc := &encoder{}
	enc.writeArrayHeader(2)
	enc.writeUint(ar.RecordTypeCode())
	ar.marshalCbor(enc)
	return enc.bytes()
}

func parseAdministrativeRecord(data []byte) (AdministrativeRecord, error) {
	c := newCursor(data)
	n, indefinite, err := c.readArrayLength()
	if err != nil {
		return nil, fmt.Errorf("bpv7 administrative record: %w", err)
	}
	if indefinite || n != 2 {
		return nil, fmt.Errorf("bpv7 administrative record: %w: expected 2-element array", ErrInvalidChunk)
	}

	typeCode, err := c.readUint()
	if err != nil {
		return nil, err
	}

	switch typeCode {
	case AdministrativeRecordTypeStatusReport:
		return parseStatusReport(c)
	default:
		return nil, fmt.Errorf("bpv7 administrative record: unknown record type code %d", typeCode)
	}
}
