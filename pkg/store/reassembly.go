// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"fmt"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// Reassemble implements §4.5's ADU reassembly: it loads every stored
// fragment sharing the (source, timestamp) ADU key, and once their payload
// lengths sum to at least total_adu_length, hands them to
// bpv7.ReassembleFragments. Once ReassembleFragments has run, whether it
// succeeded or failed, every constituent fragment's blob and metadata row is
// removed (Store.Remove) so the set is never retried. An error loading a
// fragment returns before that point and leaves the set in place.
func (s *Store) Reassemble(source bpv7.Eid, ts bpv7.CreationTimestamp, totalAduLength uint64) (*bpv7.Bundle, error) {
	items, err := s.PollAduFragments(source, ts)
	if err != nil {
		return nil, err
	}

	var sum uint64
	fragments := make([]*bpv7.Bundle, 0, len(items))
	for _, item := range items {
		frag, err := s.LoadBundle(item, nil)
		if err != nil {
			return nil, fmt.Errorf("bpa7 store: reassembly: %w", err)
		}
		payload, err := frag.PayloadBlock()
		if err != nil {
			return nil, fmt.Errorf("bpa7 store: reassembly: %w", err)
		}
		sum += uint64(len(payload.Data(nil)))
		fragments = append(fragments, frag)
	}

	if sum < totalAduLength {
		return nil, errIncompleteAdu
	}

	out, err := bpv7.ReassembleFragments(fragments)

	for _, item := range items {
		if remErr := s.Remove(item.Id); remErr != nil {
			continue
		}
	}

	if err != nil {
		return nil, fmt.Errorf("bpa7 store: reassembly: %w", err)
	}
	return out, nil
}

var errIncompleteAdu = fmt.Errorf("bpa7 store: ADU fragments do not yet sum to total_adu_length")

// IsIncompleteAdu reports whether err indicates reassembly was attempted
// before every fragment had arrived, as opposed to a genuine malformed set.
func IsIncompleteAdu(err error) bool { return err == errIncompleteAdu }
