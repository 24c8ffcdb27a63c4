// SPDX-FileCopyrightText: 2019, 2020, 2021 Alvar Penning
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package bpv7 provides a library for interaction with Bundles as defined
// in the Bundle Protocol Version 7 (RFC 9171), including BPSec (RFC 9172,
// RFC 9173 default security contexts). This includes Bundle creation,
// modification, serialization and deserialization.
//
// A new bundle starts from a primary block and a payload:
//
//	primary := bpv7.NewPrimaryBlock(0, destination, source, bpv7.NewCreationTimestamp(bpv7.DtnTimeNow(), 0), uint64(time.Hour/time.Millisecond))
//	bundle := bpv7.NewBundle(primary, []byte("hello world!"))
//	bundle.PushBlock(bpv7.BlockTypeHopCount, 0, bpv7.EncodeHopCount(bpv7.HopCount{Limit: 64}))
//
// Both serializing and deserializing bundles into CBOR is supported.
//
//	wire := bundle.Marshal()
//	result := bpv7.ParseBundle(wire, keyLookup)
//	switch result.Outcome {
//	case bpv7.OutcomeValid:
//		// result.Bundle is ready to use
//	case bpv7.OutcomeRewritten:
//		// result.RewrittenBytes is the canonical re-emission
//	case bpv7.OutcomeInvalid:
//		// result.Err / result.ReasonCode describe the failure
//	}
package bpv7
