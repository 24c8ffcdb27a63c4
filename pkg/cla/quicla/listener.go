// SPDX-FileCopyrightText: 2022 Markus Sommer
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicla

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/lucas-clemente/quic-go"
	log "github.com/sirupsen/logrus"

	"github.com/dtn-bpa/bpa7/pkg/cla/quicla/internal"
)

func (c *Cla) acceptLoop() {
	log.WithField("address", c.listenAddress).Info("quicla listening for connections")

	for {
		conn, err := c.listener.Accept(context.Background())
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			log.WithError(err).WithField("address", c.listenAddress).Info("quicla listener stopped accepting")
			return
		}

		log.WithField("peer", conn.RemoteAddr()).Info("quicla accepted a new connection")
		go c.handleIncoming(conn)
	}
}

func (c *Cla) handleIncoming(conn quic.Connection) {
	peerId, err := c.handshakeListener(conn)
	if err != nil {
		var herr *internal.HandshakeError
		if errors.As(err, &herr) {
			_ = conn.CloseWithError(herr.Code, herr.Msg)
		} else {
			_ = conn.CloseWithError(internal.LocalError, "local error")
		}
		log.WithError(err).WithField("peer", conn.RemoteAddr()).Warn("quicla handshake failed")
		return
	}

	addr := conn.RemoteAddr().String()
	if !c.registerPeer(addr, conn, peerId) {
		_ = conn.CloseWithError(internal.PeerError, "peer already known")
		return
	}
	c.runConnection(addr, conn)
}

// runConnection accepts incoming streams on conn until it is closed; each
// stream carries exactly one bundle's wire bytes, §4.7/quicla transmission
// model.
func (c *Cla) runConnection(addr string, conn quic.Connection) {
	defer c.removePeer(addr)

	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			var netErr net.Error
			var appErr *quic.ApplicationError
			switch {
			case errors.As(err, &netErr), errors.As(err, &appErr):
				log.WithError(err).WithField("peer", addr).Debug("quicla connection closed")
			default:
				log.WithError(err).WithField("peer", addr).Warn("quicla unexpected error accepting stream")
			}
			return
		}
		go c.handleStream(stream)
	}
}

func (c *Cla) handleStream(stream quic.Stream) {
	data, err := io.ReadAll(stream)
	if err != nil {
		log.WithError(err).Warn("quicla failed to read incoming stream")
		stream.CancelRead(internal.StreamTransmissionError)
		return
	}
	c.sink.OnReceive(c.Name(), data)
}
