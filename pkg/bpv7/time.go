// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"time"
)

// DtnTime is milliseconds since the start of the year 2000 (UTC), per RFC
// 9171 §4.2.6.
type DtnTime uint64

const (
	milliseconds1970To2k = 946684800000

	milliToSec  int64 = 1000
	nanoToMilli int64 = 1000000

	// DtnTimeEpoch is the zero timestamp, used by bundles without an
	// accurate clock.
	DtnTimeEpoch DtnTime = 0
)

func (t DtnTime) unixMilliseconds() int64 { return int64(t) + milliseconds1970To2k }

// Time returns a UTC time.Time for this DtnTime.
func (t DtnTime) Time() time.Time {
	unixSec := t.unixMilliseconds() / milliToSec
	unixNano := (t.unixMilliseconds() - unixSec*milliToSec) * nanoToMilli
	return time.Unix(unixSec, unixNano).UTC()
}

func (t DtnTime) String() string { return t.Time().Format("2006-01-02 15:04:05.000") }

// DtnTimeFromTime converts a time.Time to a DtnTime.
func DtnTimeFromTime(t time.Time) DtnTime {
	return DtnTime((t.UTC().UnixNano() / nanoToMilli) - milliseconds1970To2k)
}

// DtnTimeNow returns the current time as a DtnTime.
func DtnTimeNow() DtnTime { return DtnTimeFromTime(time.Now()) }

// Add returns t advanced by d.
func (t DtnTime) Add(d time.Duration) DtnTime {
	return DtnTimeFromTime(t.Time().Add(d))
}

// CreationTimestamp pairs a DtnTime with a sequence number disambiguating
// bundles created within the same millisecond from the same source, per RFC
// 9171 §4.2.7.
type CreationTimestamp struct {
	Time     DtnTime
	Sequence uint64
}

// NewCreationTimestamp builds a CreationTimestamp.
func NewCreationTimestamp(t DtnTime, seq uint64) CreationTimestamp {
	return CreationTimestamp{Time: t, Sequence: seq}
}

// IsZeroTime reports whether the time component lacks an accurate clock
// reading.
func (ct CreationTimestamp) IsZeroTime() bool { return ct.Time == DtnTimeEpoch }

func (ct CreationTimestamp) String() string {
	return fmt.Sprintf("(%v, %d)", ct.Time, ct.Sequence)
}

func (ct CreationTimestamp) marshalCbor(enc *encoder) {
	enc.writeArrayHeader(2)
	enc.writeUint(uint64(ct.Time))
	enc.writeUint(ct.Sequence)
}

func parseCreationTimestamp(c *cursor) (CreationTimestamp, error) {
	n, indefinite, err := c.readArrayLength()
	if err != nil {
		return CreationTimestamp{}, fmt.Errorf("bpv7 creation timestamp: %w", err)
	}
	if indefinite {
		c.markNonShortest()
	}
	if n != 2 {
		return CreationTimestamp{}, fmt.Errorf("bpv7 creation timestamp: %w: expected 2 elements, got %d", ErrInvalidChunk, n)
	}
	t, err := c.readUint()
	if err != nil {
		return CreationTimestamp{}, err
	}
	seq, err := c.readUint()
	if err != nil {
		return CreationTimestamp{}, err
	}
	return CreationTimestamp{Time: DtnTime(t), Sequence: seq}, nil
}
