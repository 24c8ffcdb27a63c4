// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// Sentinel schedules a one-shot wakeup for a bundle left Dispatching
// because process_bundle found no forwarding candidate but a matching Wait
// entry, §4.6. Wakeups are in-memory timers and are not durable across a
// restart: a bundle the sentinel never gets to wake stays Dispatching in the
// metadata store. Neither a peer appearing nor a route reload re-examines
// it; the reaper removes it once its lifetime expires.
type Sentinel struct {
	retry func(id bpv7.BundleID)
}

// NewSentinel builds a Sentinel that calls retry when a scheduled wakeup
// fires.
func NewSentinel(retry func(id bpv7.BundleID)) *Sentinel {
	return &Sentinel{retry: retry}
}

// WaitUntil schedules id to be retried at at, clamping a past or zero
// deadline to "immediately".
func (s *Sentinel) WaitUntil(id bpv7.BundleID, at time.Time) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		defer func() {
			if r := recover(); r != nil {
				log.WithField("bundle", id).WithField("panic", r).Error("sentinel wakeup panicked")
			}
		}()
		s.retry(id)
	})
}
