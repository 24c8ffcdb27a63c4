// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/websocket"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// webAgentClient is a single WebSocket connection registered with a
// WebSocketAgent; it behaves as its own ApplicationAgent, answering to
// whatever endpoint its remote side registers for.
type webAgentClient struct {
	sync.Mutex

	conn     *websocket.Conn
	endpoint bpv7.Eid
	allocate func() bpv7.Eid
	receiver chan Message
	sender   chan Message

	shutdownOnce sync.Once
}

func newWebAgentClient(conn *websocket.Conn, allocate func() bpv7.Eid) *webAgentClient {
	return &webAgentClient{
		conn:     conn,
		allocate: allocate,
		receiver: make(chan Message),
		sender:   make(chan Message),
	}
}

func (client *webAgentClient) start() {
	go client.handleReceiver()
	client.handleConn()
}

func (client *webAgentClient) shutdown() {
	client.shutdownOnce.Do(func() {
		log.WithField("web agent client", client.conn.RemoteAddr().String()).Debug("Reached shutdown")

		close(client.sender)
		_ = client.conn.Close()
	})
}

func (client *webAgentClient) handleReceiver() {
	defer client.shutdown()

	var logger = log.WithField("web agent client", client.conn.RemoteAddr().String())

	for msg := range client.receiver {
		switch msg := msg.(type) {
		case ShutdownMessage:
			logger.Debug("Received Shutdown")
			return

		case BundleMessage:
			if err := client.writeMessage(newBundleMessage(msg.Bundle)); err != nil {
				logger.WithError(err).Warn("Sending outgoing Bundle errored")
				return
			}
			logger.WithField("bundle", msg.Bundle.ID()).Info("Sent Bundle to client")

		case StatusNotifyMessage:
			text := fmt.Sprintf("status for %s: reason %d", msg.RefBundle, msg.Reason)
			if err := client.writeMessage(newStatusMessage(fmt.Errorf("%s", text))); err != nil {
				logger.WithError(err).Warn("Sending status notification errored")
				return
			}

		case SyscallResponseMessage:
			if err := client.writeMessage(newSyscallResponseMessage(msg.Request, msg.Response)); err != nil {
				logger.WithError(err).Warn("Sending syscall response errored")
				return
			}
			logger.WithField("syscall", msg.Request).Info("Sent syscall response to client")

		default:
			logger.WithField("message", msg).Info("Received unknown / unsupported message")
		}
	}
}

func (client *webAgentClient) handleConn() {
	defer client.shutdown()

	var logger = log.WithField("web agent client", client.conn.RemoteAddr().String())

	for {
		messageType, reader, err := client.conn.NextReader()
		if err != nil {
			if netErr, ok := err.(*net.OpError); ok && netErr.Err.Error() == "use of closed network connection" {
				logger.WithError(err).Debug("Reader errored due to closed network connection")
			} else {
				logger.WithError(err).Warn("Opening next Websocket Reader errored")
			}
			return
		} else if messageType != websocket.BinaryMessage {
			logger.WithField("message type", messageType).Warn("Websocket Reader's type is not binary")
			return
		}

		msg, err := unmarshalCbor(reader)
		if err != nil {
			logger.WithError(err).Warn("Unmarshal CBOR errored")
			return
		}

		switch msg := msg.(type) {
		case *wamRegister:
			regErr := client.handleIncomingRegister(msg)
			if err := client.acknowledgeIncoming(regErr); err != nil {
				logger.WithError(err).Warn("Handling registration errored")
				return
			}

		case *wamBundle:
			logger.WithField("bundle", msg.b.ID()).Info("Received Bundle")
			client.sender <- BundleMessage{Bundle: msg.b}

		case *wamSyscallRequest:
			logger.WithField("syscall", msg.request).Info("Received requested syscall")
			client.sender <- SyscallRequestMessage{
				Sender:  client.endpointOrNull(),
				Request: msg.request,
			}

		default:
			logger.WithField("message", msg).Info("Received unknown / unsupported message")
		}
	}
}

func (client *webAgentClient) handleIncomingRegister(m *wamRegister) error {
	client.Lock()
	defer client.Unlock()

	logger := log.WithFields(log.Fields{
		"web agent client": client.conn.RemoteAddr().String(),
		"message":          m,
	})

	if !client.endpoint.IsNull() {
		return fmt.Errorf("register errored, an endpoint id is already present")
	}

	if m.endpoint == "" {
		client.endpoint = client.allocate()
		logger.WithField("endpoint", client.endpoint).Debug("Allocated endpoint id")
		return nil
	}

	eid, err := bpv7.ParseEid(m.endpoint)
	if err != nil {
		logger.WithError(err).Warn("Parsing endpoint id errored")
		return err
	}
	logger.WithField("endpoint", eid).Debug("Setting endpoint id")
	client.endpoint = eid
	return nil
}

func (client *webAgentClient) acknowledgeIncoming(err error) error {
	if writeErr := client.writeMessage(newStatusMessage(err)); writeErr != nil {
		return writeErr
	}
	return err
}

func (client *webAgentClient) writeMessage(msg webAgentMessage) error {
	client.Lock()
	defer client.Unlock()

	wc, wcErr := client.conn.NextWriter(websocket.BinaryMessage)
	if wcErr != nil {
		return wcErr
	}

	if cborErr := marshalCbor(msg, wc); cborErr != nil {
		return cborErr
	}

	return wc.Close()
}

func (client *webAgentClient) endpointOrNull() bpv7.Eid {
	client.Lock()
	defer client.Unlock()
	return client.endpoint
}

func (client *webAgentClient) Endpoints() []bpv7.Eid {
	client.Lock()
	defer client.Unlock()

	if client.endpoint.IsNull() {
		return nil
	}
	return []bpv7.Eid{client.endpoint}
}

func (client *webAgentClient) MessageReceiver() chan Message {
	return client.receiver
}

func (client *webAgentClient) MessageSender() chan Message {
	return client.sender
}
