// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import "errors"

// Parse error sentinels, wrapped with context via fmt.Errorf("...: %w", ...)
// throughout the codec. Callers use errors.Is against these.
var (
	ErrNotEnoughData      = errors.New("not enough data")
	ErrIncorrectType      = errors.New("incorrect CBOR type")
	ErrInvalidChunk       = errors.New("invalid CBOR chunk")
	ErrInvalidVersion     = errors.New("invalid bundle version")
	ErrInvalidFlags       = errors.New("invalid bundle control flags")
	ErrInvalidFragmentInfo = errors.New("invalid fragment info")
	ErrBadCRC             = errors.New("CRC mismatch")
	ErrInvalidBlockNumber = errors.New("invalid block number")
	ErrDuplicateBlock     = errors.New("duplicate block number")
	ErrNoPayloadBlock     = errors.New("no payload block")
	ErrInvalidEid         = errors.New("invalid endpoint id")
	ErrLifetimeExceeded   = errors.New("bundle lifetime exceeded")

	// Security error sentinels, RFC 9172 processing failures.
	ErrNoKey                    = errors.New("no key available for security operation")
	ErrDecryptionFailed         = errors.New("decryption failed")
	ErrIntegrityCheckFailed     = errors.New("integrity check failed")
	ErrInvalidContextParameter  = errors.New("invalid security context parameter")
	ErrMissingContextParameter  = errors.New("missing security context parameter")
	ErrInvalidSecuritySource    = errors.New("invalid security source")
	ErrFailedSecurityOperation  = errors.New("failed security operation")
)
