// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// EidKind discriminates the closed set of Endpoint ID variants defined by
// RFC 9171 §4.2.5 plus the legacy 2-tuple "ipn" encoding still seen on the
// wire from older agents.
type EidKind int

const (
	EidNull EidKind = iota
	EidLocalNode
	EidIpn
	EidLegacyIpn
	EidDtn
	EidUnknown
)

const (
	schemeDtn uint64 = 1
	schemeIpn uint64 = 2

	localNodeNumber uint32 = math.MaxUint32
)

// Eid is an Endpoint ID, a tagged union over the schemes RFC 9171 defines.
// Exactly one of the scheme-specific fields is meaningful, selected by Kind;
// this mirrors the sum-type shape spec'd in DESIGN NOTES "Tagged-union
// state". Demux/Raw keep it from being usable as a map key directly (slices
// aren't comparable); code needing an Eid-keyed lookup keys on String()
// instead — see EidPatternMap, which does a linear scan rather than a map.
type Eid struct {
	Kind EidKind

	// ipn-family fields (EidLocalNode, EidIpn, EidLegacyIpn).
	Allocator uint32
	Node      uint32
	Service   uint32

	// dtn-family fields (EidDtn).
	NodeName string
	Demux    []string

	// EidUnknown.
	Scheme uint64
	Raw    []byte
}

// NullEid is the nil endpoint, "dtn:none" / "ipn:0.0".
func NullEid() Eid { return Eid{Kind: EidNull} }

// LocalNodeEid addresses a service on this node without knowing its node
// number, "ipn:!.<service>".
func LocalNodeEid(service uint32) Eid {
	return Eid{Kind: EidLocalNode, Allocator: 0, Node: localNodeNumber, Service: service}
}

// IpnEid builds a modern 3-tuple ipn EID.
func IpnEid(allocator, node, service uint32) Eid {
	if allocator == 0 && node == 0 {
		return NullEid()
	}
	if allocator == 0 && node == localNodeNumber {
		return LocalNodeEid(service)
	}
	return Eid{Kind: EidIpn, Allocator: allocator, Node: node, Service: service}
}

// DtnEid builds a dtn-scheme EID from a node name and demux path segments.
func DtnEid(nodeName string, demux ...string) Eid {
	return Eid{Kind: EidDtn, NodeName: nodeName, Demux: demux}
}

// IsNull reports whether this is the nil endpoint.
func (e Eid) IsNull() bool { return e.Kind == EidNull }

// SameNode reports whether two EIDs address the same node, ignoring the
// service/demux component.
func (e Eid) SameNode(other Eid) bool {
	switch e.Kind {
	case EidDtn:
		return other.Kind == EidDtn && e.NodeName == other.NodeName
	case EidIpn, EidLegacyIpn, EidLocalNode:
		if other.Kind != EidIpn && other.Kind != EidLegacyIpn && other.Kind != EidLocalNode {
			return false
		}
		return e.Allocator == other.Allocator && e.Node == other.Node
	case EidNull:
		return other.Kind == EidNull
	default:
		return e.Kind == other.Kind && e.Scheme == other.Scheme
	}
}

// String renders the EID in its textual form (RFC 9171 §4.2.5.1 / RFC 6260).
// LegacyIpn renders identically to Ipn, per §6 of the spec this module
// implements: FromStr(Display(LegacyIpn)) yields Ipn, not LegacyIpn back.
func (e Eid) String() string {
	switch e.Kind {
	case EidNull:
		return "dtn:none"
	case EidLocalNode:
		return fmt.Sprintf("ipn:!.%d", e.Service)
	case EidIpn, EidLegacyIpn:
		if e.Allocator == 0 {
			return fmt.Sprintf("ipn:%d.%d", e.Node, e.Service)
		}
		return fmt.Sprintf("ipn:%d.%d.%d", e.Allocator, e.Node, e.Service)
	case EidDtn:
		var b strings.Builder
		b.WriteString("dtn://")
		b.WriteString(escapeDtnSegment(e.NodeName))
		b.WriteByte('/')
		for i, d := range e.Demux {
			if i > 0 {
				b.WriteByte('/')
			}
			b.WriteString(escapeDtnSegment(d))
		}
		return b.String()
	case EidUnknown:
		return fmt.Sprintf("unknown-scheme-%d:%x", e.Scheme, e.Raw)
	default:
		return "dtn:none"
	}
}

func escapeDtnSegment(s string) string {
	return url.PathEscape(s)
}

var ipnRe = regexp.MustCompile(`^(\d+)\.(\d+)(?:\.(\d+))?$`)
var localNodeRe = regexp.MustCompile(`^!\.(\d+)$`)

// ParseEid parses an EID from its textual form. It is the inverse of
// Eid.String for every variant except LegacyIpn, which never round-trips
// back from text (there is no textual distinction between Ipn and
// LegacyIpn), and EidUnknown, whose "unknown-scheme-" text form is not
// accepted here.
func ParseEid(s string) (Eid, error) {
	switch {
	case s == "dtn:none":
		return NullEid(), nil
	case strings.HasPrefix(s, "dtn://"):
		return parseDtnEid(s[len("dtn://"):])
	case strings.HasPrefix(s, "dtn:"):
		return Eid{}, fmt.Errorf("bpv7: %w: dtn EID must be dtn:none or dtn://node/path: %q", ErrInvalidEid, s)
	case strings.HasPrefix(s, "ipn:"):
		return parseIpnEid(s[len("ipn:"):])
	default:
		return Eid{}, fmt.Errorf("bpv7: %w: unrecognised scheme in %q", ErrInvalidEid, s)
	}
}

func parseDtnEid(rest string) (Eid, error) {
	parts := strings.SplitN(rest, "/", 2)
	nodeName, err := url.PathUnescape(parts[0])
	if err != nil {
		return Eid{}, fmt.Errorf("bpv7: %w: bad percent-encoding in node name: %v", ErrInvalidEid, err)
	}
	if nodeName == "" {
		return Eid{}, fmt.Errorf("bpv7: %w: empty dtn node name", ErrInvalidEid)
	}

	var demux []string
	if len(parts) == 2 && parts[1] != "" {
		for _, seg := range strings.Split(parts[1], "/") {
			unescaped, err := url.PathUnescape(seg)
			if err != nil {
				return Eid{}, fmt.Errorf("bpv7: %w: bad percent-encoding in demux: %v", ErrInvalidEid, err)
			}
			demux = append(demux, unescaped)
		}
	}
	return DtnEid(nodeName, demux...), nil
}

func parseIpnEid(rest string) (Eid, error) {
	if m := localNodeRe.FindStringSubmatch(rest); m != nil {
		service, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return Eid{}, fmt.Errorf("bpv7: %w: ipn service number: %v", ErrInvalidEid, err)
		}
		return LocalNodeEid(uint32(service)), nil
	}

	m := ipnRe.FindStringSubmatch(rest)
	if m == nil {
		return Eid{}, fmt.Errorf("bpv7: %w: malformed ipn SSP %q", ErrInvalidEid, rest)
	}

	if m[3] == "" {
		// 2-element form: "N.S", allocator implicitly 0.
		node, err := strconv.ParseUint(m[1], 10, 32)
		if err != nil {
			return Eid{}, fmt.Errorf("bpv7: %w: ipn node number: %v", ErrInvalidEid, err)
		}
		service, err := strconv.ParseUint(m[2], 10, 32)
		if err != nil {
			return Eid{}, fmt.Errorf("bpv7: %w: ipn service number: %v", ErrInvalidEid, err)
		}
		return IpnEid(0, uint32(node), uint32(service)), nil
	}

	allocator, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return Eid{}, fmt.Errorf("bpv7: %w: ipn allocator id: %v", ErrInvalidEid, err)
	}
	node, err := strconv.ParseUint(m[2], 10, 32)
	if err != nil {
		return Eid{}, fmt.Errorf("bpv7: %w: ipn node number: %v", ErrInvalidEid, err)
	}
	service, err := strconv.ParseUint(m[3], 10, 32)
	if err != nil {
		return Eid{}, fmt.Errorf("bpv7: %w: ipn service number: %v", ErrInvalidEid, err)
	}
	return IpnEid(uint32(allocator), uint32(node), uint32(service)), nil
}

// MarshalCbor writes this EID's canonical CBOR representation: a 2-element
// array [scheme, ssp].
func (e Eid) MarshalCbor(enc *encoder) {
	enc.writeArrayHeader(2)
	switch e.Kind {
	case EidNull:
		enc.writeUint(schemeIpn)
		enc.writeUint(0)

	case EidDtn:
		enc.writeUint(schemeDtn)
		var b strings.Builder
		b.WriteString("//")
		b.WriteString(escapeDtnSegment(e.NodeName))
		b.WriteByte('/')
		b.WriteString(strings.Join(e.Demux, "/"))
		enc.writeTextString(b.String())

	case EidLocalNode:
		enc.writeUint(schemeIpn)
		enc.writeArrayHeader(3)
		enc.writeUint(0)
		enc.writeUint(uint64(localNodeNumber))
		enc.writeUint(uint64(e.Service))

	case EidIpn, EidLegacyIpn:
		enc.writeUint(schemeIpn)
		if e.Allocator == 0 {
			enc.writeArrayHeader(2)
			enc.writeUint(uint64(e.Node))
			enc.writeUint(uint64(e.Service))
		} else {
			enc.writeArrayHeader(3)
			enc.writeUint(uint64(e.Allocator))
			enc.writeUint(uint64(e.Node))
			enc.writeUint(uint64(e.Service))
		}

	case EidUnknown:
		enc.writeUint(e.Scheme)
		enc.buf.Write(e.Raw)

	default:
		enc.writeUint(schemeIpn)
		enc.writeUint(0)
	}
}

// parseEidCbor parses a CBOR-encoded EID starting at c's current position.
func parseEidCbor(c *cursor) (Eid, error) {
	n, indefinite, err := c.readArrayLength()
	if err != nil {
		return Eid{}, fmt.Errorf("bpv7 eid: %w", err)
	}
	if indefinite || n != 2 {
		return Eid{}, fmt.Errorf("bpv7 eid: %w: expected a definite 2-element array", ErrInvalidChunk)
	}
	if indefinite {
		c.markNonShortest()
	}

	scheme, err := c.readUint()
	if err != nil {
		return Eid{}, fmt.Errorf("bpv7 eid: scheme: %w", err)
	}

	switch scheme {
	case schemeDtn:
		return parseDtnSsp(c)
	case schemeIpn:
		return parseIpnSsp(c)
	default:
		start := c.offset()
		if err := c.skipValue(); err != nil {
			return Eid{}, fmt.Errorf("bpv7 eid: unknown-scheme ssp: %w", err)
		}
		return Eid{Kind: EidUnknown, Scheme: scheme, Raw: append([]byte(nil), c.data[start:c.offset()]...)}, nil
	}
}

func parseDtnSsp(c *cursor) (Eid, error) {
	if c.remaining() < 1 {
		return Eid{}, fmt.Errorf("bpv7 eid: dtn ssp: %w", ErrNotEnoughData)
	}
	major := c.data[c.pos] & 0xe0
	if major == majorUint {
		v, err := c.readUint()
		if err != nil {
			return Eid{}, fmt.Errorf("bpv7 eid: dtn ssp: %w", err)
		}
		if v != 0 {
			return Eid{}, fmt.Errorf("bpv7 eid: %w: dtn ssp uint must be 0", ErrInvalidEid)
		}
		return NullEid(), nil
	}
	if major != majorText {
		return Eid{}, fmt.Errorf("bpv7 eid: %w: dtn ssp must be text or 0", ErrIncorrectType)
	}

	s, err := c.readTextString()
	if err != nil {
		return Eid{}, fmt.Errorf("bpv7 eid: dtn ssp text: %w", err)
	}
	if s == "none" {
		return NullEid(), nil
	}
	if !strings.HasPrefix(s, "//") {
		return Eid{}, fmt.Errorf("bpv7 eid: %w: dtn ssp must start with //", ErrInvalidEid)
	}
	return parseDtnEid(s[2:])
}

func parseIpnSsp(c *cursor) (Eid, error) {
	n, indefinite, err := c.readArrayLength()
	if err != nil {
		return Eid{}, fmt.Errorf("bpv7 eid: ipn ssp: %w", err)
	}
	if indefinite {
		c.markNonShortest()
	}
	if n != 2 && n != 3 {
		return Eid{}, fmt.Errorf("bpv7 eid: %w: ipn ssp must have 2 or 3 elements", ErrInvalidChunk)
	}

	a, err := c.readUint()
	if err != nil {
		return Eid{}, err
	}
	b, err := c.readUint()
	if err != nil {
		return Eid{}, err
	}

	if n == 2 {
		// Legacy encoding: a single 64-bit "fully qualified node number" with
		// the allocator packed into the high 32 bits, followed by a service
		// number. A value that fits entirely in the low 32 bits has an
		// implicit allocator of 0 and is therefore modern Ipn, not legacy.
		if a>>32 == 0 {
			return IpnEid(0, uint32(a), uint32(b)), nil
		}
		return Eid{
			Kind:      EidLegacyIpn,
			Allocator: uint32(a >> 32),
			Node:      uint32(a),
			Service:   uint32(b),
		}, nil
	}

	c2, err := c.readUint()
	if err != nil {
		return Eid{}, err
	}
	return IpnEid(uint32(a), uint32(b), uint32(c2)), nil
}
