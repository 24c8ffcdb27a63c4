// SPDX-FileCopyrightText: 2022 Markus Sommer
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package quicla implements an experimental QUIC convergence layer.
Note that this convergence layer is not part of the Bundle Protocol or its associated specifications.


Why?
The bundle protocol's "native" CLAs come with several significant downsides.

MTCP is simple but very limited in its functionality.
Most significantly, even though it uses a bidirectional TCP connection, the CLA's communication is unidirectional.

TCPCL is more powerful but also very complicated.
It has a multi-step handshake and requires the implementer to do some heavy lifting.

quicla is meant as a reasonable middle ground between these extremes.
While QUIC also has an extensive handshake and powerful features (e.g. data multiplexing),
this work has already been done if one uses an existing QUIC library.


Protocol
When it comes to the establishment of a connection, there are two distinct roles.
The listener waits for incoming connections and spawns a new peer tracking goroutine each time a dialer connects.
A single Cla value plays both roles at once: it listens for inbound connections and, on the registry's behalf,
can also dial a freshly-discovered peer.

Once the connection has been established, the two sides perform a simple handshake, exchanging Endpoint IDs
as CBOR text strings. While, in most cases, the dialer already knows the listener's endpoint ID,
we cannot rely on this always being the case, so both sides always exchange IDs.

The listener side waits for a stream to be opened on the QUIC connection and receives the dialer's Endpoint ID.
If the dialer does not initiate the handshake within a set time,
the listener closes the connection with error code 4 (PeerError).


Bundle transmission

QUIC allows for the simultaneous sending and receiving of multiple streams of data on the same connection,
with the QUIC library handling (de-)multiplexing of data.
This greatly simplifies bundle transmission since we don't need to track any state ourselves.
To forward a bundle, quicla opens a new stream and writes the already-serialized wire bytes handed to it by the
registry. On the receiving side, when a new stream opens, a handler goroutine reads it to completion and hands
the raw bytes to the registry's Sink; the dispatcher, not quicla, is responsible for parsing them.
A single stream always carries exactly one bundle and is closed once the transmission completes.
*/
package quicla
