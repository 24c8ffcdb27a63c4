// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"math/rand"
	"sync"
	"time"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// ActionKind discriminates a Fib entry's behaviour, §4.6 process_bundle
// step 2.
type ActionKind int

const (
	// ActionForward routes to a directly reachable CLA peer.
	ActionForward ActionKind = iota
	// ActionVia recurses routing through an intermediate EID, e.g. a
	// static next-hop that is itself resolved by another Fib entry.
	ActionVia
	// ActionDrop unconditionally drops a matching bundle.
	ActionDrop
	// ActionWait defers a decision until a neighbour might appear.
	ActionWait
)

// Action is one thing a matching Fib entry can tell the router to do.
type Action struct {
	Kind ActionKind

	// ActionForward.
	ClaName string
	Addr    string

	// ActionVia.
	Via bpv7.Eid

	// ActionDrop.
	Reason bpv7.StatusReportReason

	// ActionWait.
	Until time.Duration
}

// Route is one Fib entry: a pattern, the priority group it belongs to
// (lower values are preferred), and the action to take when it's the
// chosen group.
type Route struct {
	Pattern  bpv7.EidPattern
	Priority int
	Action   Action
}

// Fib is the forwarding information base: a pattern-indexed table of
// routes, consulted by process_bundle for any destination not addressed to
// this node itself.
type Fib struct {
	routes *bpv7.EidPatternMap[Route]

	mu             sync.Mutex
	staticFileSets map[string][]bpv7.EidPattern
}

// NewFib builds an empty Fib.
func NewFib() *Fib {
	return &Fib{routes: bpv7.NewEidPatternMap[Route](), staticFileSets: make(map[string][]bpv7.EidPattern)}
}

func (f *Fib) staticFromFile(path string) []bpv7.EidPattern {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.staticFileSets[path]
}

func (f *Fib) setStaticFromFile(path string, patterns []bpv7.EidPattern) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.staticFileSets[path] = patterns
}

// Insert adds a route. Multiple routes may match the same destination;
// Resolve considers every one grouped by Priority.
func (f *Fib) Insert(r Route) {
	f.routes.Insert(r.Pattern, r)
}

// Remove deletes every route registered under pattern.
func (f *Fib) Remove(pattern bpv7.EidPattern) int {
	return f.routes.Remove(pattern)
}

// forwardCandidate is one resolved, directly-forwardable destination:
// either a CLA peer reached straight from an ActionForward, or one reached
// by recursing through a chain of ActionVia entries.
type forwardCandidate struct {
	claName string
	addr    string
	queue   string
}

// resolution is Resolve's outcome: at most one of its fields is populated,
// mirroring process_bundle step 2's three-way disposition.
type resolution struct {
	forward    *forwardCandidate
	dropReason bpv7.StatusReportReason
	drop       bool
	wait       time.Duration
	hasWait    bool
}

// Resolve applies the Fib to dest, implementing process_bundle step 2: scan
// priority groups ascending, first trying direct/via Forward candidates,
// falling back to the minimum Wait deadline seen across all groups when none
// forward, and reporting Drop as soon as the group being scanned contains a
// Drop entry (a Drop in a later group is not reached once an earlier group
// yields a forward candidate).
func (f *Fib) Resolve(dest bpv7.Eid, pickQueue func(claName, addr string) string) resolution {
	visited := map[string]bool{}
	return f.resolve(dest, visited, pickQueue)
}

func (f *Fib) resolve(dest bpv7.Eid, visited map[string]bool, pickQueue func(claName, addr string) string) resolution {
	key := dest.String()
	if visited[key] {
		return resolution{}
	}
	visited[key] = true

	matches := f.routes.Find(dest)
	if len(matches) == 0 {
		return resolution{}
	}

	byPriority := map[int][]Route{}
	var priorities []int
	for _, r := range matches {
		if _, ok := byPriority[r.Priority]; !ok {
			priorities = append(priorities, r.Priority)
		}
		byPriority[r.Priority] = append(byPriority[r.Priority], r)
	}
	sortInts(priorities)

	var minWait time.Duration
	haveWait := false

	for _, p := range priorities {
		group := byPriority[p]

		for _, r := range group {
			if r.Action.Kind == ActionDrop {
				return resolution{drop: true, dropReason: r.Action.Reason}
			}
		}

		var candidates []forwardCandidate
		for _, r := range group {
			switch r.Action.Kind {
			case ActionForward:
				queue := pickQueue(r.Action.ClaName, r.Action.Addr)
				candidates = append(candidates, forwardCandidate{claName: r.Action.ClaName, addr: r.Action.Addr, queue: queue})
			case ActionVia:
				sub := f.resolve(r.Action.Via, visited, pickQueue)
				if sub.forward != nil {
					candidates = append(candidates, *sub.forward)
				} else if sub.hasWait && (!haveWait || sub.wait < minWait) {
					minWait, haveWait = sub.wait, true
				}
			case ActionWait:
				if !haveWait || r.Action.Until < minWait {
					minWait, haveWait = r.Action.Until, true
				}
			}
		}

		if len(candidates) > 0 {
			rand.Shuffle(len(candidates), func(i, j int) { candidates[i], candidates[j] = candidates[j], candidates[i] })
			return resolution{forward: &candidates[0]}
		}
	}

	if haveWait {
		return resolution{wait: minWait, hasWait: true}
	}
	return resolution{}
}

func sortInts(s []int) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
