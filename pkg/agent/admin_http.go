// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/gorilla/mux"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// AdminHTTPAgent is the node's administrative and application HTTP
// surface, §4.8: a client registers for an endpoint, then fetches
// delivered bundles or builds new ones to send, all by POSTing JSON; a
// couple of GET routes expose read-only node status. It plays the role a
// full gRPC admin surface would in a larger deployment, without committing
// to that protocol.
type AdminHTTPAgent struct {
	self     bpv7.Eid
	status   func(idKey string) (string, bool)
	receiver chan Message
	sender   chan Message

	clients sync.Map // uuid -> bpv7.Eid
	mailbox sync.Map // uuid -> [][]byte (bundle wire bytes)
}

// NewAdminHTTPAgent registers its routes on router and starts its message
// loop. self is reported at GET /status/node; status, if non-nil, answers
// GET /status/bundle/{id} by looking up a bundle's current dispatcher
// status keyed by its store.BundleItem.IdKey (e.g. backed by a
// store.Store).
func NewAdminHTTPAgent(router *mux.Router, self bpv7.Eid, status func(idKey string) (string, bool)) *AdminHTTPAgent {
	a := &AdminHTTPAgent{
		self:     self,
		status:   status,
		receiver: make(chan Message),
		sender:   make(chan Message),
	}

	router.HandleFunc("/status/node", a.handleNodeStatus).Methods(http.MethodGet)
	router.HandleFunc("/status/bundle/{id}", a.handleBundleStatus).Methods(http.MethodGet)
	router.HandleFunc("/register", a.handleRegister).Methods(http.MethodPost)
	router.HandleFunc("/unregister", a.handleUnregister).Methods(http.MethodPost)
	router.HandleFunc("/fetch", a.handleFetch).Methods(http.MethodPost)
	router.HandleFunc("/build", a.handleBuild).Methods(http.MethodPost)

	go a.handler()

	return a
}

func (a *AdminHTTPAgent) handler() {
	defer close(a.sender)

	for msg := range a.receiver {
		switch msg := msg.(type) {
		case BundleMessage:
			a.receiveBundleMessage(msg)

		case ShutdownMessage:
			log.Debug("admin HTTP agent is shutting down")
			return

		default:
			log.WithField("message", msg).Info("admin HTTP agent received unknown/unsupported message")
		}
	}
}

func (a *AdminHTTPAgent) receiveBundleMessage(msg BundleMessage) {
	var uuids []string
	a.clients.Range(func(k, v interface{}) bool {
		if bagHasEndpoint(msg.Recipients(), v.(bpv7.Eid)) {
			uuids = append(uuids, k.(string))
		}
		return true
	})

	wire := msg.Bundle.Marshal()
	for _, uuid := range uuids {
		bundles, _ := a.mailbox.Load(uuid)
		var list [][]byte
		if bundles != nil {
			list = bundles.([][]byte)
		}
		list = append(list, wire)
		a.mailbox.Store(uuid, list)

		log.WithFields(log.Fields{"bundle": msg.Bundle.ID(), "uuid": uuid}).
			Info("admin HTTP agent delivering bundle to client inbox")
	}
}

func randomUuid() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x", buf[0:4], buf[4:6], buf[6:8], buf[8:10], buf[10:16]), nil
}

func (a *AdminHTTPAgent) handleNodeStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, struct {
		NodeId string `json:"node_id"`
	}{NodeId: a.self.String()})
}

func (a *AdminHTTPAgent) handleBundleStatus(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]

	var resp struct {
		Error  string `json:"error"`
		Status string `json:"status"`
	}

	if a.status == nil {
		resp.Error = "status lookup unavailable"
	} else if st, ok := a.status(idStr); !ok {
		resp.Error = "unknown bundle"
	} else {
		resp.Status = st
	}

	writeJSON(w, resp)
}

func (a *AdminHTTPAgent) handleRegister(w http.ResponseWriter, r *http.Request) {
	var (
		req  RestRegisterRequest
		resp RestRegisterResponse
	)

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.Error = err.Error()
	} else if eid, err := bpv7.ParseEid(req.EndpointId); err != nil {
		resp.Error = err.Error()
	} else if uuid, err := randomUuid(); err != nil {
		resp.Error = err.Error()
	} else {
		a.clients.Store(uuid, eid)
		resp.UUID = uuid
		resp.Endpoint = eid.String()
	}

	log.WithFields(log.Fields{"request": req, "response": resp}).Info("processing admin HTTP registration")
	writeJSON(w, resp)
}

func (a *AdminHTTPAgent) handleUnregister(w http.ResponseWriter, r *http.Request) {
	var (
		req  RestUnregisterRequest
		resp RestUnregisterResponse
	)

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.WithError(err).Warn("failed to parse admin HTTP unregister request")
	} else {
		a.clients.Delete(req.UUID)
		a.mailbox.Delete(req.UUID)
	}

	writeJSON(w, resp)
}

func (a *AdminHTTPAgent) handleFetch(w http.ResponseWriter, r *http.Request) {
	var (
		req  RestFetchRequest
		resp RestFetchResponse
	)

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.Error = err.Error()
	} else if val, ok := a.mailbox.Load(req.UUID); ok {
		resp.Bundles = val.([][]byte)
		a.mailbox.Delete(req.UUID)
	} else {
		resp.Bundles = [][]byte{}
	}

	writeJSON(w, resp)
}

func (a *AdminHTTPAgent) handleBuild(w http.ResponseWriter, r *http.Request) {
	var (
		req  RestBuildRequest
		resp RestBuildResponse
	)

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		resp.Error = err.Error()
		writeJSON(w, resp)
		return
	}
	eidVal, known := a.clients.Load(req.UUID)
	if !known {
		resp.Error = "invalid uuid"
		writeJSON(w, resp)
		return
	}
	source := eidVal.(bpv7.Eid)

	dest, err := bpv7.ParseEid(req.Destination)
	if err != nil {
		resp.Error = err.Error()
		writeJSON(w, resp)
		return
	}

	flags := bpv7.BundleControlFlags(0)
	if req.RequestedStatus {
		flags = bpv7.StatusRequestDelivery | bpv7.StatusRequestReception
	}

	ts := bpv7.NewCreationTimestamp(bpv7.DtnTimeNow(), 0)
	lifetime := req.LifetimeMillis
	if lifetime == 0 {
		lifetime = defaultPingLifetime
	}
	primary := bpv7.NewPrimaryBlock(flags, dest, source, ts, lifetime)
	bndl := bpv7.NewBundle(primary, []byte(req.PayloadBlock))

	log.WithFields(log.Fields{"uuid": req.UUID, "bundle": bndl.ID()}).Info("admin HTTP client built a bundle")
	a.sender <- BundleMessage{Bundle: bndl}
	resp.Bundle = bndl.ID().String()

	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("failed to write admin HTTP JSON response")
	}
}

func (a *AdminHTTPAgent) Endpoints() (eids []bpv7.Eid) {
	a.clients.Range(func(_, v interface{}) bool {
		eids = append(eids, v.(bpv7.Eid))
		return true
	})
	return
}

func (a *AdminHTTPAgent) MessageReceiver() chan Message { return a.receiver }
func (a *AdminHTTPAgent) MessageSender() chan Message   { return a.sender }
