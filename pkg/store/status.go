// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import "fmt"

// Status is the dispatcher's per-bundle state machine position, §4.6.
type Status int

const (
	StatusDispatching Status = iota
	StatusForwardPending
	StatusAduFragment
	StatusTombstone
)

func (s Status) String() string {
	switch s {
	case StatusDispatching:
		return "Dispatching"
	case StatusForwardPending:
		return "ForwardPending"
	case StatusAduFragment:
		return "AduFragment"
	case StatusTombstone:
		return "Tombstone"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}
