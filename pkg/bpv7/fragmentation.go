// SPDX-FileCopyrightText: 2019, 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2022 Markus Sommer
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"sort"
)

// Fragment splits b into a sequence of bundles, each serializing to at most
// mtu bytes, by slicing the payload block and replicating every extension
// block whose ReplicateBlock flag is set into every fragment.
func (b *Bundle) Fragment(mtu int) ([]*Bundle, error) {
	if b.Primary.Flags.Has(MustNotFragment) {
		return nil, fmt.Errorf("bpv7: bundle control flags forbid fragmentation")
	}

	payloadBlock, err := b.PayloadBlock()
	if err != nil {
		return nil, err
	}
	payload := payloadBlock.Data(b.source)

	firstOverhead, otherOverhead := estimateExtensionBlocksLen(b, mtu)

	var fragments []*Bundle
	for i := 0; i < len(payload); {
		fragPrimary := b.Primary
		fragPrimary.Flags |= IsFragment
		fragPrimary.FragmentOffset = uint64(i)
		fragPrimary.TotalDataLength = uint64(len(payload))

		overhead := 2 + len(marshalPrimaryForSizing(fragPrimary))
		if i == 0 {
			overhead += firstOverhead
		} else {
			overhead += otherOverhead
		}
		if overhead >= mtu {
			return nil, fmt.Errorf("bpv7: fragment overhead at offset %d exceeds MTU %d", i, mtu)
		}

		fragPayloadLen := mtu - overhead
		end := i + fragPayloadLen
		if end > len(payload) {
			end = len(payload)
		}

		frag := NewBundle(fragPrimary, payload[i:end])
		for _, n := range b.blockNumbers() {
			src := b.Blocks[n]
			if src.Type == BlockTypePayload {
				continue
			}
			if i > 0 && !src.Flags.Has(ReplicateBlock) {
				continue
			}
			cp := *src
			cp.dirty = true
			frag.Blocks[n] = &cp
		}
		frag.refreshCaches()

		if err := frag.CheckValid(); err != nil {
			return nil, err
		}
		fragments = append(fragments, frag)

		i = end
	}

	if len(fragments) == 1 {
		return []*Bundle{b}, nil
	}
	return fragments, nil
}

// marshalPrimaryForSizing estimates a primary block's wire length without
// mutating any CRC state.
func marshalPrimaryForSizing(pb PrimaryBlock) []byte {
	enc := &encoder{}
	pb.marshalCbor(enc)
	return enc.bytes()
}

// estimateExtensionBlocksLen estimates the worst-case byte overhead
// contributed by every non-payload extension block, split into the cost
// paid by the first fragment (which carries non-replicated blocks too) and
// every later fragment (replicated blocks only).
func estimateExtensionBlocksLen(b *Bundle, mtu int) (first, others int) {
	for _, n := range b.blockNumbers() {
		blk := b.Blocks[n]
		if blk.Type == BlockTypePayload {
			continue
		}
		l := len(marshalBlock(blk, b.source))
		first += l
		if blk.Flags.Has(ReplicateBlock) {
			others += l
		}
	}
	return
}

// prepareReassembly sorts fragments by offset and validates that they form a
// complete, contiguous, gap-free sequence summing to TotalDataLength.
func prepareReassembly(bs []*Bundle) error {
	if len(bs) == 0 {
		return fmt.Errorf("bpv7: fragment set is empty")
	}

	sort.Slice(bs, func(i, j int) bool {
		return bs[i].Primary.FragmentOffset < bs[j].Primary.FragmentOffset
	})

	if bs[0].Primary.FragmentOffset != 0 {
		return fmt.Errorf("bpv7: %w: no fragment at offset 0", ErrInvalidFragmentInfo)
	}

	lastEnd := uint64(0)
	for _, b := range bs {
		if !b.Primary.Flags.Has(IsFragment) {
			return fmt.Errorf("bpv7: %w: bundle is not a fragment", ErrInvalidFragmentInfo)
		}
		if b.Primary.FragmentOffset != lastEnd {
			return fmt.Errorf("bpv7: %w: gap between offset %d and fragment starting at %d",
				ErrInvalidFragmentInfo, lastEnd, b.Primary.FragmentOffset)
		}
		payloadBlock, err := b.PayloadBlock()
		if err != nil {
			return err
		}
		lastEnd = b.Primary.FragmentOffset + uint64(len(payloadBlock.Data(b.source)))
	}

	if total := bs[0].Primary.TotalDataLength; total != lastEnd {
		return fmt.Errorf("bpv7: %w: concatenated length %d does not match total_data_length %d",
			ErrInvalidFragmentInfo, lastEnd, total)
	}
	return nil
}

// IsBundleReassemblable reports whether bs forms a complete, contiguous
// fragment set. It may sort bs as a side effect.
func IsBundleReassemblable(bs []*Bundle) bool {
	return prepareReassembly(bs) == nil
}

// mergeFragmentPayload concatenates each fragment's payload in ascending
// offset order into the reassembled ADU.
func mergeFragmentPayload(bs []*Bundle) ([]byte, error) {
	var data []byte
	lastEnd := 0
	for _, b := range bs {
		start := int(b.Primary.FragmentOffset)
		payloadBlock, err := b.PayloadBlock()
		if err != nil {
			return nil, err
		}
		payload := payloadBlock.Data(b.source)
		data = append(data, payload[lastEnd-start:]...)
		lastEnd = start + len(payload)
	}
	return data, nil
}

// ReassembleFragments merges a complete fragment set into the original ADU
// bundle: the offset-0 fragment's primary block is cloned with its
// fragmentation fields cleared, its non-replicated extension blocks are
// kept, and the payload is the concatenation of every fragment's payload in
// offset order.
func ReassembleFragments(bs []*Bundle) (*Bundle, error) {
	if err := prepareReassembly(bs); err != nil {
		return nil, err
	}

	primary := bs[0].Primary
	primary.Flags &^= IsFragment
	primary.FragmentOffset = 0
	primary.TotalDataLength = 0

	payload, err := mergeFragmentPayload(bs)
	if err != nil {
		return nil, err
	}

	out := NewBundle(primary, payload)
	pb0, err := bs[0].PayloadBlock()
	if err != nil {
		return nil, err
	}
	out.Blocks[1].Flags = pb0.Flags
	out.Blocks[1].CRCType = pb0.CRCType

	for _, n := range bs[0].blockNumbers() {
		src := bs[0].Blocks[n]
		if src.Type == BlockTypePayload {
			continue
		}
		cp := *src
		cp.dirty = true
		out.Blocks[n] = &cp
	}
	out.refreshCaches()

	if err := out.CheckValid(); err != nil {
		return nil, err
	}
	return out, nil
}
