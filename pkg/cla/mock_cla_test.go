// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package cla

import (
	"context"
	"fmt"
	"sync"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// mockCla mocks a Cla where the outcome of each Forward call is directly
// editable, mirroring the teacher's mockConvSender pattern.
type mockCla struct {
	name string

	mu      sync.Mutex
	sink    Sink
	sent    [][]byte
	result  ForwardResult
	failErr error
}

func newMockCla(name string) *mockCla {
	return &mockCla{name: name, result: Sent}
}

func (m *mockCla) Name() string { return m.name }

func (m *mockCla) OnRegister(sink Sink) error {
	m.mu.Lock()
	m.sink = sink
	m.mu.Unlock()
	return nil
}

func (m *mockCla) OnUnregister() {}

func (m *mockCla) Forward(_ context.Context, _, _ string, data []byte) (ForwardResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return NoNeighbour, m.failErr
	}
	m.sent = append(m.sent, data)
	return m.result, nil
}

func (m *mockCla) appear(peer Peer) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	sink.OnPeerAppeared(m.name, peer)
}

func (m *mockCla) disappear(addr string) {
	m.mu.Lock()
	sink := m.sink
	m.mu.Unlock()
	sink.OnPeerDisappeared(m.name, addr)
}

func (m *mockCla) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// mockSink records every event a Registry relays, for assertions.
type mockSink struct {
	mu          sync.Mutex
	received    [][]byte
	appeared    []Peer
	disappeared []string
	forwarded   []bpv7.BundleID
}

func (s *mockSink) OnReceive(_ string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, data)
}

func (s *mockSink) OnPeerAppeared(_ string, peer Peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.appeared = append(s.appeared, peer)
}

func (s *mockSink) OnPeerDisappeared(_, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disappeared = append(s.disappeared, addr)
}

func (s *mockSink) OnForwarded(id bpv7.BundleID, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forwarded = append(s.forwarded, id)
}

var errMockForwardFailed = fmt.Errorf("mock cla: forced forward failure")
