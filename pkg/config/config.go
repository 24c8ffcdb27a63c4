// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package config parses a node's TOML settings file, the way
// cmd/dtnd/configuration.go does for the teacher: store location, node id,
// logging, discovery, CLA listen/peer entries, the application agent
// webserver, static routing, reaper tuning, and per-peer BPSec key material.
// Loading is deliberately thin — cmd/bpad is the one that turns Settings
// into running store/dispatch/cla/agent objects.
package config

import (
	"encoding/hex"
	"fmt"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-multierror"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// Settings is the root of a node's TOML configuration file.
type Settings struct {
	Core      CoreConf
	Logging   LogConf
	Discovery DiscoveryConf
	Agents    AgentsConf
	Listen    []ListenConf
	Peer      []PeerConf
	Routing   RoutingConf
	Security  []SecurityConf
}

// CoreConf is the top-level "Core" table.
type CoreConf struct {
	Store           string
	NodeId          string `toml:"node-id"`
	NodeIdAlt       string `toml:"node-id-alt"` // optional second identity, opposite scheme of NodeId
	ReaperCacheSize int    `toml:"reaper-cache-size"`
}

// LogConf is the "Logging" table.
type LogConf struct {
	Level        string
	ReportCaller bool `toml:"report-caller"`
	Format       string
}

// DiscoveryConf is the "Discovery" table, LAN peer discovery over UDP multicast.
type DiscoveryConf struct {
	IPv4     bool
	IPv6     bool
	Interval uint
}

// AgentsConf is the "Agents" table.
type AgentsConf struct {
	Webserver WebserverConf
}

// WebserverConf is the nested "Agents.Webserver" table, the HTTP surface
// hosting the WebSocket and/or admin REST application services.
type WebserverConf struct {
	Address   string
	Websocket bool
	Rest      bool
}

// ListenConf is one "[[Listen]]" table: a quicla address to accept incoming connections on.
type ListenConf struct {
	Address string
	NodeId  string `toml:"node-id"`
}

// PeerConf is one "[[Peer]]" table: a quicla address to actively dial.
type PeerConf struct {
	Node    string
	Address string
}

// RoutingConf is the "Routing" table.
type RoutingConf struct {
	StaticRoutesFile string `toml:"static-routes-file"`
	WatchRoutesFile  bool   `toml:"watch-routes-file"`
}

// SecurityConf is one "[[Security]]" table: the symmetric key material used
// to verify/decrypt BPSec blocks whose security source is Peer.
type SecurityConf struct {
	Peer string
	Key  string // hex-encoded
}

// Load reads and validates a node's settings file.
func Load(path string) (Settings, error) {
	var s Settings
	if _, err := toml.DecodeFile(path, &s); err != nil {
		return Settings{}, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// NodeIds parses Core.NodeId and, if set, Core.NodeIdAlt into this node's
// full set of administrative identities.
func (s Settings) NodeIds() (bpv7.NodeIds, error) {
	self, err := bpv7.ParseEid(s.Core.NodeId)
	if err != nil {
		return bpv7.NodeIds{}, fmt.Errorf("core.node-id: %w", err)
	}
	eids := []bpv7.Eid{self}

	if s.Core.NodeIdAlt != "" {
		alt, err := bpv7.ParseEid(s.Core.NodeIdAlt)
		if err != nil {
			return bpv7.NodeIds{}, fmt.Errorf("core.node-id-alt: %w", err)
		}
		eids = append(eids, alt)
	}

	return bpv7.NewNodeIds(eids)
}

// Validate checks the fields Load cannot infer a sane default for,
// aggregating every problem found rather than stopping at the first.
func (s Settings) Validate() error {
	var result *multierror.Error

	if s.Core.Store == "" {
		result = multierror.Append(result, fmt.Errorf("core.store is empty"))
	}
	if s.Core.NodeId == "" {
		result = multierror.Append(result, fmt.Errorf("core.node-id is empty"))
	}
	for i, sec := range s.Security {
		if _, err := hex.DecodeString(sec.Key); err != nil {
			result = multierror.Append(result, fmt.Errorf("security[%d]: invalid hex key: %w", i, err))
		}
	}

	return result.ErrorOrNil()
}

// KeyStore implements bpv7.KeyLookup from the Security table: the same
// key answers both a BIB verification and a BCB decryption request for its
// configured peer, which is adequate for this node's single pre-shared
// key per peer model.
type KeyStore struct {
	keys map[string][]byte
}

// NewKeyStore decodes every configured Security entry into a KeyStore.
// Settings.Validate must have been called so the hex decode below cannot fail.
func NewKeyStore(entries []SecurityConf) *KeyStore {
	ks := &KeyStore{keys: make(map[string][]byte, len(entries))}
	for _, e := range entries {
		if key, err := hex.DecodeString(e.Key); err == nil {
			ks.keys[e.Peer] = key
		}
	}
	return ks
}

// Key implements bpv7.KeyLookup.
func (ks *KeyStore) Key(source bpv7.Eid, _ bpv7.SecurityOperation) ([]byte, bool) {
	key, ok := ks.keys[source.String()]
	return key, ok
}
