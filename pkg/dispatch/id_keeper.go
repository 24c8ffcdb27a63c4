// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"sync"
	"time"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// idTuple looks up a bundle's next sequence number by its source node and
// the DtnTime half of its creation timestamp.
type idTuple struct {
	source string
	time   bpv7.DtnTime
}

// IdKeeper hands out the creation-timestamp sequence numbers for outbound
// bundles this node originates, disambiguating bundles created within the
// same source/millisecond pair, RFC 9171 §4.2.7.
type IdKeeper struct {
	mutex     sync.Mutex
	data      map[idTuple]uint64
	autoClean bool
}

// NewIdKeeper creates a new, empty IdKeeper.
func NewIdKeeper() *IdKeeper {
	return &IdKeeper{data: make(map[idTuple]uint64), autoClean: true}
}

// Next returns the sequence number to use for a bundle from source created
// at t, advancing the counter for that (source, t) pair.
func (idk *IdKeeper) Next(source bpv7.Eid, t bpv7.DtnTime) uint64 {
	tpl := idTuple{source: source.String(), time: t}

	idk.mutex.Lock()
	defer idk.mutex.Unlock()

	seq, ok := idk.data[tpl]
	if ok {
		seq++
	}
	idk.data[tpl] = seq

	if idk.autoClean {
		idk.clean()
	}
	return seq
}

// clean removes states older than a day that aren't the unsynchronized
// epoch time (which bundles without an accurate clock keep reusing).
func (idk *IdKeeper) clean() {
	threshold := bpv7.DtnTimeNow().Add(-24 * time.Hour)
	for tpl := range idk.data {
		if tpl.time < threshold && tpl.time != bpv7.DtnTimeEpoch {
			delete(idk.data, tpl)
		}
	}
}
