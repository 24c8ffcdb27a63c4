// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/websocket"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// WebSocketAgent is a WebSocket based ApplicationAgent, §4.8's external
// application interface: every accepted connection becomes its own
// webAgentClient, multiplexed together through a MuxAgent.
type WebSocketAgent struct {
	receiver  chan Message
	clientMux *MuxAgent
	allocate  func() bpv7.Eid

	upgrader websocket.Upgrader
}

// NewWebSocketAgent builds a WebSocketAgent; ServeHTTP must be bound to an
// HTTP route for it to accept connections. allocate mints an endpoint for a
// client that registers without naming one.
func NewWebSocketAgent(allocate func() bpv7.Eid) (wa *WebSocketAgent) {
	wa = &WebSocketAgent{
		receiver:  make(chan Message),
		clientMux: NewMuxAgent(),
		allocate:  allocate,

		upgrader: websocket.Upgrader{},
	}

	go wa.handler()

	return
}

// handler is the "generic" handler for a WebSocketAgent.
func (w *WebSocketAgent) handler() {
	for msg := range w.receiver {
		w.clientMux.MessageReceiver() <- msg

		if _, isShutdown := msg.(ShutdownMessage); isShutdown {
			log.Info("WebSocketAgent received a shutdown")
			return
		}
	}
}

// ServeHTTP must be bound to an HTTP endpoint, e.g., /ws, by a gorilla/mux router.
func (w *WebSocketAgent) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	conn, connErr := w.upgrader.Upgrade(rw, r, nil)
	if connErr != nil {
		log.WithError(connErr).Warn("Upgrading HTTP request to WebSocket errored")
		return
	}

	client := newWebAgentClient(conn, w.allocate)
	w.clientMux.Register(client)

	client.start()
}

// Endpoints of all currently connected clients.
func (w *WebSocketAgent) Endpoints() []bpv7.Eid {
	return w.clientMux.Endpoints()
}

// MessageReceiver is a channel on which the ApplicationAgent must listen for incoming Messages.
func (w *WebSocketAgent) MessageReceiver() chan Message {
	return w.receiver
}

// MessageSender is a channel to which the ApplicationAgent can send outgoing Messages.
func (w *WebSocketAgent) MessageSender() chan Message {
	return w.clientMux.MessageSender()
}
