// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package agent implements local application services, §4.8: the registry
// an application binds an endpoint to in order to send and receive bundles,
// plus the concrete agents this node ships with (a ping responder, a
// WebSocket-framed external interface). An ApplicationAgent only needs two
// channels, one for inbound and one for outbound Messages, and a list of
// endpoints it answers to; everything else (multiplexing several agents,
// routing a dispatcher delivery to the right one, allocating an endpoint for
// an agent that doesn't bring its own) is handled by Registry.
package agent
