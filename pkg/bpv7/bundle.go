// SPDX-FileCopyrightText: 2018, 2019, 2020, 2022 Alvar Penning
// SPDX-FileCopyrightText: 2022 Markus Sommer
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Bundle is the in-memory structural record for a parsed or constructed
// bundle: a primary block plus a set of canonical blocks keyed by block
// number (block 0 is implicitly the primary block; block 1 is always the
// payload block).
//
// source, when non-nil, is the canonical byte buffer this Bundle was parsed
// from; blocks that were not subsequently edited keep their extent/data
// range pointing into it so a rebuild can copy their bytes verbatim.
type Bundle struct {
	Primary PrimaryBlock
	Blocks  map[uint64]*Block

	source []byte

	// Cached decodes of the well-known singleton extension blocks, kept in
	// sync by the editor.
	previousNode *Eid
	bundleAge    *uint64
	hopCount     *HopCount
}

// NewBundle builds a fresh Bundle from a primary block and a payload,
// assigning block number 1 to the payload.
func NewBundle(primary PrimaryBlock, payload []byte) *Bundle {
	b := &Bundle{Primary: primary, Blocks: map[uint64]*Block{}}
	b.Blocks[1] = NewBlock(1, BlockTypePayload, 0, payload)
	return b
}

// blockNumbers returns every canonical block number in ascending order,
// matching the teacher's sortBlocks ordering guarantee (payload last).
func (b *Bundle) blockNumbers() []uint64 {
	nums := make([]uint64, 0, len(b.Blocks))
	for n := range b.Blocks {
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool {
		ti, tj := b.Blocks[nums[i]].Type, b.Blocks[nums[j]].Type
		if (ti == BlockTypePayload) != (tj == BlockTypePayload) {
			return tj == BlockTypePayload // payload block always sorts last
		}
		return nums[i] < nums[j]
	})
	return nums
}

// PayloadBlock returns the mandatory payload block (number 1).
func (b *Bundle) PayloadBlock() (*Block, error) {
	blk, ok := b.Blocks[1]
	if !ok || blk.Type != BlockTypePayload {
		return nil, fmt.Errorf("bpv7: %w", ErrNoPayloadBlock)
	}
	return blk, nil
}

// ExtensionBlocks returns every block of the given type.
func (b *Bundle) ExtensionBlocks(t BlockType) []*Block {
	var out []*Block
	for _, n := range b.blockNumbers() {
		if blk := b.Blocks[n]; blk.Type == t {
			out = append(out, blk)
		}
	}
	return out
}

// ExtensionBlock returns the single block of the given type, erroring if
// zero or more than one exists.
func (b *Bundle) ExtensionBlock(t BlockType) (*Block, error) {
	blks := b.ExtensionBlocks(t)
	if len(blks) != 1 {
		return nil, fmt.Errorf("bpv7: expected exactly one %s block, found %d", t, len(blks))
	}
	return blks[0], nil
}

func (b *Bundle) HasExtensionBlock(t BlockType) bool { return len(b.ExtensionBlocks(t)) > 0 }

// PreviousNode returns the decoded Previous Node Block value, if present.
func (b *Bundle) PreviousNode() (Eid, bool) {
	if b.previousNode == nil {
		return Eid{}, false
	}
	return *b.previousNode, true
}

// BundleAgeMillis returns the decoded Bundle Age Block value, if present.
func (b *Bundle) BundleAgeMillis() (uint64, bool) {
	if b.bundleAge == nil {
		return 0, false
	}
	return *b.bundleAge, true
}

// HopCountInfo returns the decoded Hop Count Block value, if present.
func (b *Bundle) HopCountInfo() (HopCount, bool) {
	if b.hopCount == nil {
		return HopCount{}, false
	}
	return *b.hopCount, true
}

// ID returns this bundle's BundleID.
func (b *Bundle) ID() BundleID {
	id := BundleID{SourceNode: b.Primary.SourceNode, Timestamp: b.Primary.CreationTimestamp}
	if b.Primary.HasFragmentation() {
		id.IsFragment = true
		id.FragmentOffset = b.Primary.FragmentOffset
		id.TotalDataLength = b.Primary.TotalDataLength
	}
	return id
}

func (b *Bundle) String() string { return b.ID().String() }

// IsLifetimeExceeded reports whether this bundle has outlived its lifetime,
// using the Bundle Age Block when the creation timestamp lacks an accurate
// clock (IsZeroTime).
func (b *Bundle) IsLifetimeExceeded() bool {
	if b.Primary.CreationTimestamp.IsZeroTime() {
		age, ok := b.BundleAgeMillis()
		if !ok {
			return true
		}
		return age > b.Primary.Lifetime
	}
	maxTime := b.Primary.CreationTimestamp.Time.Time().Add(time.Duration(b.Primary.Lifetime) * time.Millisecond)
	return time.Now().After(maxTime)
}

// IsAdministrativeRecord reports whether this bundle's payload is an
// administrative record per its control flags.
func (b *Bundle) IsAdministrativeRecord() bool { return b.Primary.Flags.Has(AdministrativeRecordPayload) }

// AdministrativeRecord decodes this bundle's payload as an administrative
// record. It is an error to call this on a non-administrative bundle.
func (b *Bundle) AdministrativeRecord() (AdministrativeRecord, error) {
	if !b.IsAdministrativeRecord() {
		return nil, fmt.Errorf("bpv7: bundle is not an administrative record")
	}
	payload, err := b.PayloadBlock()
	if err != nil {
		return nil, err
	}
	return parseAdministrativeRecord(payload.Data(b.source))
}

// CheckValid validates structural invariants across the whole bundle: RFC
// 9171 §4.2.3's admin/status-report-flag constraint, block-number
// uniqueness, reserved numbers, singleton extension blocks, and the
// payload-block-is-last rule.
func (b *Bundle) CheckValid() (errs error) {
	if err := b.Primary.CheckValid(); err != nil {
		errs = multierror.Append(errs, err)
	}

	if len(b.Blocks) == 0 {
		return multierror.Append(errs, fmt.Errorf("bpv7: bundle contains no canonical blocks"))
	}

	if _, err := b.PayloadBlock(); err != nil {
		errs = multierror.Append(errs, err)
	}

	singleton := map[BlockType]int{
		BlockTypePayload:      0,
		BlockTypePreviousNode: 0,
		BlockTypeBundleAge:    0,
		BlockTypeHopCount:     0,
	}

	adminOrSrcNull := b.Primary.Flags.Has(AdministrativeRecordPayload) || b.Primary.SourceNode.IsNull()

	nums := b.blockNumbers()
	for _, n := range nums {
		blk := b.Blocks[n]
		if err := blk.CheckValid(); err != nil {
			errs = multierror.Append(errs, err)
		}
		if _, tracked := singleton[blk.Type]; tracked {
			singleton[blk.Type]++
		}
		if adminOrSrcNull && blk.Flags.Has(StatusReportBlock) {
			errs = multierror.Append(errs, fmt.Errorf(
				"bpv7: block %d requests a status report but the bundle is an administrative record or has a null source", n))
		}
	}
	for t, count := range singleton {
		if count > 1 {
			errs = multierror.Append(errs, fmt.Errorf("bpv7: %w: %d blocks of type %s", ErrDuplicateBlock, count, t))
		}
	}

	if last := b.Blocks[nums[len(nums)-1]]; last.Type != BlockTypePayload {
		errs = multierror.Append(errs, fmt.Errorf("bpv7: last canonical block is not the payload block, got %s", last.Type))
	}

	if b.Primary.CreationTimestamp.IsZeroTime() && !b.HasExtensionBlock(BlockTypeBundleAge) {
		errs = multierror.Append(errs, fmt.Errorf("bpv7: creation timestamp is zero but no bundle age block exists"))
	}

	if b.IsLifetimeExceeded() {
		errs = multierror.Append(errs, fmt.Errorf("bpv7: %w", ErrLifetimeExceeded))
	}

	return errs
}

// refreshCaches re-decodes the well-known singleton extension blocks after
// a parse or an editor mutation.
func (b *Bundle) refreshCaches() {
	b.previousNode, b.bundleAge, b.hopCount = nil, nil, nil

	if blk, err := b.ExtensionBlock(BlockTypePreviousNode); err == nil {
		if e, derr := decodePreviousNode(blk.Data(b.source)); derr == nil {
			b.previousNode = &e
		}
	}
	if blk, err := b.ExtensionBlock(BlockTypeBundleAge); err == nil {
		if v, derr := decodeBundleAge(blk.Data(b.source)); derr == nil {
			b.bundleAge = &v
		}
	}
	if blk, err := b.ExtensionBlock(BlockTypeHopCount); err == nil {
		if hc, derr := decodeHopCount(blk.Data(b.source)); derr == nil {
			b.hopCount = &hc
		}
	}
}
