// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2019, 2020 Markus Sommer
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/dtn-bpa/bpa7/pkg/agent"
	"github.com/dtn-bpa/bpa7/pkg/bpv7"
	"github.com/dtn-bpa/bpa7/pkg/cla"
	"github.com/dtn-bpa/bpa7/pkg/cla/discovery"
	"github.com/dtn-bpa/bpa7/pkg/cla/quicla"
	"github.com/dtn-bpa/bpa7/pkg/config"
	"github.com/dtn-bpa/bpa7/pkg/dispatch"
	"github.com/dtn-bpa/bpa7/pkg/store"
	"github.com/dtn-bpa/bpa7/internal/task"
)

// node bundles every long-lived object a running node owns, returned by
// bootstrap and torn down by Close.
type node struct {
	store      *store.Store
	pool       *task.Pool
	dispatcher *dispatch.Dispatcher
	clas       *cla.Registry
	discovery  *discovery.Manager
	httpServer *http.Server

	cancel context.CancelFunc
}

// Close shuts every subsystem down, in roughly reverse startup order.
func (n *node) Close() {
	n.cancel()

	if n.discovery != nil {
		n.discovery.Close()
	}
	if n.httpServer != nil {
		_ = n.httpServer.Close()
	}
	n.pool.Shutdown()
	if err := n.store.Close(); err != nil {
		log.WithError(err).Warn("failed to close store")
	}
}

func setupLogging(conf config.LogConf) {
	if conf.Level != "" {
		if lvl, err := log.ParseLevel(conf.Level); err != nil {
			log.WithFields(log.Fields{
				"level":    conf.Level,
				"error":    err,
				"provided": "panic,fatal,error,warn,info,debug,trace",
			}).Warn("Failed to set log level. Please select one of the provided ones")
		} else {
			log.SetLevel(lvl)
		}
	}

	log.SetReportCaller(conf.ReportCaller)

	switch conf.Format {
	case "", "text":
		log.SetFormatter(&log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05.000",
		})

	case "json":
		log.SetFormatter(&log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		})

	default:
		log.Warn("Unknown logging format")
	}
}

// setupAgents wires the application-agent webserver (WebSocket and/or the
// admin REST surface) per conf, registering every agent it builds with reg.
func setupAgents(conf config.AgentsConf, reg *agent.Registry, self bpv7.Eid) (*http.Server, error) {
	if conf.Webserver == (config.WebserverConf{}) {
		return nil, nil
	}
	if !conf.Webserver.Websocket && !conf.Webserver.Rest {
		return nil, fmt.Errorf("agents.webserver needs at least one of websocket or rest")
	}

	r := mux.NewRouter()

	if conf.Webserver.Websocket {
		ws := agent.NewWebSocketAgent(reg.Allocate)
		r.HandleFunc("/ws", ws.ServeHTTP)
		reg.Register(ws)
	}

	if conf.Webserver.Rest {
		restRouter := r.PathPrefix("/rest").Subrouter()
		// No idKey-indexed lookup is exposed by store.Store today (Get
		// takes a parsed BundleID, not the opaque key string a client
		// would send); status queries report "unavailable" until one is
		// added, rather than faking an answer.
		ra := agent.NewAdminHTTPAgent(restRouter, self, nil)
		reg.Register(ra)
	}

	httpServer := &http.Server{
		Addr:    conf.Webserver.Address,
		Handler: r,
	}

	errChan := make(chan error, 1)
	go func() { errChan <- httpServer.ListenAndServe() }()

	select {
	case err := <-errChan:
		return nil, err
	case <-time.After(100 * time.Millisecond):
		return httpServer, nil
	}
}

// bootstrap takes the already-loaded conf and constructs a running node: store, dispatcher,
// CLA registry with its quicla adapters, the application agent registry,
// and LAN discovery.
func bootstrap(conf config.Settings) (*node, error) {
	setupLogging(conf.Logging)

	self, err := bpv7.ParseEid(conf.Core.NodeId)
	if err != nil {
		return nil, fmt.Errorf("core.node-id: %w", err)
	}

	selfIds, err := conf.NodeIds()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(conf.Core.Store)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := task.NewPool(ctx)

	fib := dispatch.NewFib()
	if conf.Routing.StaticRoutesFile != "" {
		if err := dispatch.LoadRoutes(fib, conf.Routing.StaticRoutesFile); err != nil {
			cancel()
			return nil, fmt.Errorf("loading static routes: %w", err)
		}
		if conf.Routing.WatchRoutesFile {
			if _, err := dispatch.WatchRoutes(fib, conf.Routing.StaticRoutesFile); err != nil {
				log.WithError(err).Warn("failed to watch static routes file for changes")
			}
		}
	}

	keys := config.NewKeyStore(conf.Security)
	d := dispatch.New(self, selfIds, st, fib, keys)

	if err := d.RestartOrphans(); err != nil {
		log.WithError(err).Warn("failed to scan store for orphaned blobs")
	}

	clasPool := task.NewBoundedPool(ctx, maxInt(4, len(conf.Listen)+len(conf.Peer)+1))
	claRegistry := cla.NewRegistry(st, clasPool, d)
	d.SetRegistry(claRegistry)

	reg := agent.NewRegistry(self)
	d.SetLocalDelivery(reg)

	httpServer, err := setupAgents(conf.Agents, reg, self)
	if err != nil {
		cancel()
		return nil, err
	}

	var announcements []discovery.Announcement
	for _, l := range conf.Listen {
		listenId := self
		if l.NodeId != "" {
			if parsed, err := bpv7.ParseEid(l.NodeId); err == nil {
				listenId = parsed
			}
		}

		q := quicla.NewCla(l.Address, listenId)
		if err := claRegistry.Register(q); err != nil {
			log.WithError(err).WithField("address", l.Address).Warn("failed to register quicla listener")
			continue
		}
		announcements = append(announcements, discovery.Announcement{
			ClaName:  q.Name(),
			Endpoint: listenId,
			Port:     listenPort(l.Address),
		})
	}

	for _, p := range conf.Peer {
		if err := claRegistry.Dial(ctx, "quicla", p.Address); err != nil {
			log.WithFields(log.Fields{"peer": p.Address, "error": err}).Warn("failed to dial configured peer")
		}
	}

	var discoveryManager *discovery.Manager
	if conf.Discovery.IPv4 || conf.Discovery.IPv6 {
		interval := conf.Discovery.Interval
		if interval == 0 {
			interval = 10
		}

		discoveryManager, err = discovery.NewManager(
			self, claRegistry.Dial, announcements,
			time.Duration(interval)*time.Second,
			conf.Discovery.IPv4, conf.Discovery.IPv6)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("starting discovery: %w", err)
		}
	}

	go d.Reaper().Run(ctx)
	go pumpOriginate(reg, d)

	return &node{
		store:      st,
		pool:       pool,
		dispatcher: d,
		clas:       claRegistry,
		discovery:  discoveryManager,
		httpServer: httpServer,
		cancel:     cancel,
	}, nil
}

// pumpOriginate drains bundles built by registered application services
// and hands them to the dispatcher as freshly originated traffic.
func pumpOriginate(reg *agent.Registry, d *dispatch.Dispatcher) {
	for msg := range reg.MessageSender() {
		bm, ok := msg.(agent.BundleMessage)
		if !ok {
			continue
		}
		if err := d.Originate(bm.Bundle); err != nil {
			log.WithError(err).WithField("bundle", bm.Bundle.ID()).Warn("failed to originate locally built bundle")
		}
	}
}

func listenPort(address string) uint {
	_, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 {
		return 0
	}
	return uint(port)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
