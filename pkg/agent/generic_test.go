// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"net"
	"testing"
	"time"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// randomPort returns a random open TCP port.
func randomPort(t *testing.T) (port int) {
	if addr, err := net.ResolveTCPAddr("tcp", "localhost:0"); err != nil {
		t.Fatal(err)
	} else if l, err := net.ListenTCP("tcp", addr); err != nil {
		t.Fatal(err)
	} else {
		port = l.Addr().(*net.TCPAddr).Port
		_ = l.Close()
	}
	return
}

// isAddrReachable checks if a TCP address - like localhost:2342 - is reachable.
func isAddrReachable(addr string) (open bool) {
	if conn, err := net.DialTimeout("tcp", addr, time.Second); err != nil {
		open = false
	} else {
		open = true
		_ = conn.Close()
	}
	return
}

// mustParseEid parses s, failing the test on error.
func mustParseEid(t *testing.T, s string) bpv7.Eid {
	eid, err := bpv7.ParseEid(s)
	if err != nil {
		t.Fatal(err)
	}
	return eid
}

// createBundle from src to dst for testing purpose.
func createBundle(src, dst string, t *testing.T) *bpv7.Bundle {
	ts := bpv7.NewCreationTimestamp(bpv7.DtnTimeNow(), 0)
	primary := bpv7.NewPrimaryBlock(0, mustParseEid(t, dst), mustParseEid(t, src), ts, 24*60*60*1000)
	return bpv7.NewBundle(primary, []byte("hello world"))
}
