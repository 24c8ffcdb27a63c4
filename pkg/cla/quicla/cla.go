// SPDX-FileCopyrightText: 2022 Markus Sommer
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicla

import (
	"context"
	"sync"

	"github.com/lucas-clemente/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
	"github.com/dtn-bpa/bpa7/pkg/cla"
	"github.com/dtn-bpa/bpa7/pkg/cla/quicla/internal"
)

type peerConn struct {
	conn   quic.Connection
	peerId bpv7.Eid
}

// Cla is the quicla convergence layer adapter: it both listens for inbound
// QUIC connections and, on the registry's behalf, dials peers discovered
// elsewhere (e.g. by pkg/cla/discovery). It implements cla.Cla and
// cla.Dialer.
type Cla struct {
	listenAddress string
	id            bpv7.Eid

	sink     cla.Sink
	listener quic.Listener

	mu    sync.Mutex
	peers map[string]*peerConn
}

// NewCla builds a quicla adapter that will listen on listenAddress and
// identify itself with id once registered.
func NewCla(listenAddress string, id bpv7.Eid) *Cla {
	return &Cla{
		listenAddress: listenAddress,
		id:            id,
		peers:         make(map[string]*peerConn),
	}
}

func (c *Cla) Name() string { return "quicla" }

func (c *Cla) OnRegister(sink cla.Sink) error {
	c.sink = sink

	lst, err := quic.ListenAddr(c.listenAddress, internal.GenerateSimpleListenerTLSConfig(), internal.GenerateQUICConfig())
	if err != nil {
		log.WithError(err).WithField("address", c.listenAddress).Error("quicla failed to start listener")
		return err
	}
	c.listener = lst

	go c.acceptLoop()
	return nil
}

func (c *Cla) OnUnregister() {
	if c.listener != nil {
		_ = c.listener.Close()
	}

	c.mu.Lock()
	peers := c.peers
	c.peers = make(map[string]*peerConn)
	c.mu.Unlock()

	for _, p := range peers {
		_ = p.conn.CloseWithError(internal.ApplicationShutdown, "daemon unregistering cla")
	}
}

// Dial implements cla.Dialer: establish a new QUIC connection to addr,
// handshake, and track it as a peer.
func (c *Cla) Dial(ctx context.Context, addr string) error {
	conn, err := quic.DialAddrContext(ctx, addr, internal.GenerateSimpleDialerTLSConfig(), internal.GenerateQUICConfig())
	if err != nil {
		return err
	}

	peerId, err := c.handshakeDialer(conn)
	if err != nil {
		_ = conn.CloseWithError(internal.LocalError, "handshake failed")
		return err
	}

	if !c.registerPeer(addr, conn, peerId) {
		_ = conn.CloseWithError(internal.PeerError, "peer already known")
		return nil
	}

	go c.runConnection(addr, conn)
	return nil
}

// Forward implements cla.Cla: open a fresh stream to addr's connection and
// write the already-serialized bundle bytes to it.
func (c *Cla) Forward(_ context.Context, _, addr string, data []byte) (cla.ForwardResult, error) {
	c.mu.Lock()
	p, ok := c.peers[addr]
	c.mu.Unlock()
	if !ok {
		return cla.NoNeighbour, nil
	}

	stream, err := p.conn.OpenStream()
	if err != nil {
		return cla.NoNeighbour, err
	}
	defer stream.Close()

	if _, err := stream.Write(data); err != nil {
		stream.CancelWrite(internal.StreamTransmissionError)
		return cla.NoNeighbour, err
	}
	return cla.Sent, nil
}

// registerPeer records a freshly-handshaked connection and reports its
// appearance to the sink. It returns false (and does not register) if addr
// is already a known peer.
func (c *Cla) registerPeer(addr string, conn quic.Connection, peerId bpv7.Eid) bool {
	c.mu.Lock()
	if _, exists := c.peers[addr]; exists {
		c.mu.Unlock()
		return false
	}
	c.peers[addr] = &peerConn{conn: conn, peerId: peerId}
	c.mu.Unlock()

	c.sink.OnPeerAppeared(c.Name(), cla.Peer{Addr: addr, NodeIds: []bpv7.Eid{peerId}, QueueCount: 1})
	return true
}

func (c *Cla) removePeer(addr string) {
	c.mu.Lock()
	_, existed := c.peers[addr]
	delete(c.peers, addr)
	c.mu.Unlock()

	if existed {
		c.sink.OnPeerDisappeared(c.Name(), addr)
	}
}
