// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package dispatch

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// routeFile is the on-disk TOML shape of a static routing table: a flat
// list of entries, each naming the destination pattern it covers and
// exactly one action.
type routeFile struct {
	Route []routeEntry `toml:"route"`
}

type routeEntry struct {
	Pattern  string `toml:"pattern"`
	Priority int    `toml:"priority"`

	// At most one of the following is set, selecting the entry's Action.Kind.
	Forward string `toml:"forward"` // "claName addr"
	Via     string `toml:"via"`
	Drop    string `toml:"drop"` // reason name, e.g. "no-route"
	WaitMs  int64  `toml:"wait_ms"`
}

var dropReasons = map[string]bpv7.StatusReportReason{
	"no-information":  bpv7.NoInformation,
	"no-route":        bpv7.NoRouteToDestination,
	"depleted-storage": bpv7.DepletedStorage,
	"unintelligible":  bpv7.DestEndpointUnintelligible,
}

// parseRouteFile turns routeFile rows into Fib Routes.
func parseRouteFile(rf routeFile) ([]Route, error) {
	routes := make([]Route, 0, len(rf.Route))
	for i, e := range rf.Route {
		pattern, err := bpv7.ParseEidPattern(e.Pattern)
		if err != nil {
			return nil, fmt.Errorf("dispatch: route %d: %w", i, err)
		}

		var action Action
		switch {
		case e.Forward != "":
			var claName, addr string
			if _, err := fmt.Sscanf(e.Forward, "%s %s", &claName, &addr); err != nil {
				return nil, fmt.Errorf("dispatch: route %d: malformed forward %q", i, e.Forward)
			}
			action = Action{Kind: ActionForward, ClaName: claName, Addr: addr}
		case e.Via != "":
			via, err := bpv7.ParseEid(e.Via)
			if err != nil {
				return nil, fmt.Errorf("dispatch: route %d: %w", i, err)
			}
			action = Action{Kind: ActionVia, Via: via}
		case e.Drop != "":
			reason, ok := dropReasons[e.Drop]
			if !ok {
				return nil, fmt.Errorf("dispatch: route %d: unknown drop reason %q", i, e.Drop)
			}
			action = Action{Kind: ActionDrop, Reason: reason}
		case e.WaitMs > 0:
			action = Action{Kind: ActionWait, Until: time.Duration(e.WaitMs) * time.Millisecond}
		default:
			return nil, fmt.Errorf("dispatch: route %d: no action specified", i)
		}

		routes = append(routes, Route{Pattern: pattern, Priority: e.Priority, Action: action})
	}
	return routes, nil
}

// LoadRoutes parses a static routing table from path and installs it into
// fib, replacing any routes previously loaded from that same path by this
// Fib instance (dynamically-discovered CLA-peer routes are left alone).
func LoadRoutes(fib *Fib, path string) error {
	var rf routeFile
	if _, err := toml.DecodeFile(path, &rf); err != nil {
		return fmt.Errorf("dispatch: reading routes %s: %w", path, err)
	}
	routes, err := parseRouteFile(rf)
	if err != nil {
		return err
	}

	for _, p := range fib.staticFromFile(path) {
		fib.Remove(p)
	}

	patterns := make([]bpv7.EidPattern, 0, len(routes))
	for _, r := range routes {
		fib.Insert(r)
		patterns = append(patterns, r.Pattern)
	}
	fib.setStaticFromFile(path, patterns)
	return nil
}

// WatchRoutes loads path into fib once, then reloads it on every subsequent
// write, keeping the static routing table editable without a daemon
// restart. The returned watcher should be closed on shutdown.
func WatchRoutes(fib *Fib, path string) (*fsnotify.Watcher, error) {
	if err := LoadRoutes(fib, path); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("dispatch: route watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("dispatch: watching %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := LoadRoutes(fib, path); err != nil {
					log.WithError(err).WithField("path", path).Warn("failed to reload routing table")
				} else {
					log.WithField("path", path).Info("reloaded routing table")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("route watcher error")
			}
		}
	}()

	return watcher, nil
}
