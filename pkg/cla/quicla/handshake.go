// SPDX-FileCopyrightText: 2022 Markus Sommer
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package quicla

import (
	"context"
	"errors"
	"time"

	"github.com/dtn7/cboring"
	"github.com/lucas-clemente/quic-go"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
	"github.com/dtn-bpa/bpa7/pkg/cla/quicla/internal"
)

// handshakeTimeout bounds how long a listener waits for the dialer to
// initiate the handshake stream.
const handshakeTimeout = 500 * time.Millisecond

// handshakeListener waits for the dialer to open the handshake stream,
// receives their Endpoint ID, and replies with this node's own.
func (c *Cla) handshakeListener(conn quic.Connection) (bpv7.Eid, error) {
	ctx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return bpv7.Eid{}, internal.NewHandshakeError("dialer took too long to initiate handshake", internal.PeerError, err)
		}
		return bpv7.Eid{}, internal.NewHandshakeError("unanticipated error during handshake accept", internal.UnknownError, err)
	}
	defer stream.Close()

	peerId, err := receiveEndpointID(stream)
	if err != nil {
		return bpv7.Eid{}, err
	}
	if err := sendEndpointID(stream, c.id); err != nil {
		return bpv7.Eid{}, err
	}
	return peerId, nil
}

// handshakeDialer opens the handshake stream, sends this node's own Endpoint
// ID, and waits for the listener's.
func (c *Cla) handshakeDialer(conn quic.Connection) (bpv7.Eid, error) {
	stream, err := conn.OpenStream()
	if err != nil {
		return bpv7.Eid{}, internal.NewHandshakeError("error opening handshake stream", internal.ConnectionError, err)
	}
	defer stream.Close()

	if err := sendEndpointID(stream, c.id); err != nil {
		return bpv7.Eid{}, err
	}
	return receiveEndpointID(stream)
}

func sendEndpointID(stream quic.Stream, id bpv7.Eid) error {
	if err := cboring.WriteTextString(id.String(), stream); err != nil {
		return internal.NewHandshakeError("error sending endpoint id", internal.ConnectionError, err)
	}
	return nil
}

func receiveEndpointID(stream quic.Stream) (bpv7.Eid, error) {
	s, err := cboring.ReadTextString(stream)
	if err != nil {
		return bpv7.Eid{}, internal.NewHandshakeError("error reading endpoint id", internal.ConnectionError, err)
	}
	id, err := bpv7.ParseEid(s)
	if err != nil {
		return bpv7.Eid{}, internal.NewHandshakeError("error parsing endpoint id", internal.PeerError, err)
	}
	return id, nil
}
