// SPDX-FileCopyrightText: 2019, 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"strings"
)

// BundleStatusItem is one element of a StatusReport's status information
// array: whether the corresponding status was asserted and, optionally, the
// time at which it occurred.
type BundleStatusItem struct {
	Asserted        bool
	Time            DtnTime
	StatusRequested bool
}

// NewBundleStatusItem returns an item with an assertion but no status time.
func NewBundleStatusItem(asserted bool) BundleStatusItem {
	return BundleStatusItem{Asserted: asserted}
}

// NewTimeReportingBundleStatusItem returns an asserted item carrying time.
func NewTimeReportingBundleStatusItem(time DtnTime) BundleStatusItem {
	return BundleStatusItem{Asserted: true, Time: time, StatusRequested: true}
}

func (bsi BundleStatusItem) marshalCbor(enc *encoder) {
	if bsi.Asserted && bsi.StatusRequested {
		enc.writeArrayHeader(2)
		enc.writeBool(bsi.Asserted)
		enc.writeUint(uint64(bsi.Time))
		return
	}
	enc.writeArrayHeader(1)
	enc.writeBool(bsi.Asserted)
}

func parseBundleStatusItem(c *cursor) (BundleStatusItem, error) {
	n, indefinite, err := c.readArrayLength()
	if err != nil {
		return BundleStatusItem{}, fmt.Errorf("bpv7 bundle status item: %w", err)
	}
	if indefinite || (n != 1 && n != 2) {
		return BundleStatusItem{}, fmt.Errorf("bpv7 bundle status item: %w: expected 1 or 2 elements, got %d", ErrInvalidChunk, n)
	}

	asserted, err := c.readBool()
	if err != nil {
		return BundleStatusItem{}, err
	}
	bsi := BundleStatusItem{Asserted: asserted}
	if n == 2 {
		t, err := c.readUint()
		if err != nil {
			return BundleStatusItem{}, err
		}
		bsi.Time = DtnTime(t)
		bsi.StatusRequested = true
	}
	return bsi, nil
}

func (bsi BundleStatusItem) String() string {
	if !bsi.Asserted {
		return fmt.Sprintf("BundleStatusItem(%t)", bsi.Asserted)
	}
	return fmt.Sprintf("BundleStatusItem(%t, %v)", bsi.Asserted, bsi.Time)
}

// StatusReportReason is the reason code carried by a StatusReport, RFC 9171
// §6.1.1. Reason code 255 is reserved and must be rejected on parse.
type StatusReportReason uint64

const (
	NoInformation              StatusReportReason = 0
	LifetimeExpired            StatusReportReason = 1
	ForwardUnidirectionalLink  StatusReportReason = 2
	TransmissionCanceled       StatusReportReason = 3
	DepletedStorage            StatusReportReason = 4
	DestEndpointUnintelligible StatusReportReason = 5
	NoRouteToDestination       StatusReportReason = 6
	NoNextNodeContact          StatusReportReason = 7
	BlockUnintelligible        StatusReportReason = 8
	HopLimitExceeded           StatusReportReason = 9
	TrafficPared               StatusReportReason = 10
	BlockUnsupported           StatusReportReason = 11

	// BPSec reason codes, RFC 9173 §3.7/§4.4.
	MissingSecurityOperation     StatusReportReason = 12
	UnknownSecurityOperation     StatusReportReason = 13
	UnexpectedSecurityOperation  StatusReportReason = 14
	FailedSecurityOperation      StatusReportReason = 15
	ConflictingSecurityOperation StatusReportReason = 16

	// reservedReasonCode is never a valid wire value; a bundle status
	// report carrying it must be rejected on parse.
	reservedReasonCode StatusReportReason = 255
)

func (srr StatusReportReason) String() string {
	switch srr {
	case NoInformation:
		return "No additional information"
	case LifetimeExpired:
		return "Lifetime expired"
	case ForwardUnidirectionalLink:
		return "Forward over unidirectional link"
	case TransmissionCanceled:
		return "Transmission canceled"
	case DepletedStorage:
		return "Depleted storage"
	case DestEndpointUnintelligible:
		return "Destination endpoint ID unintelligible"
	case NoRouteToDestination:
		return "No known route to destination from here"
	case NoNextNodeContact:
		return "No timely contact with next node on route"
	case BlockUnintelligible:
		return "Block unintelligible"
	case HopLimitExceeded:
		return "Hop limit exceeded"
	case TrafficPared:
		return "Traffic pared"
	case BlockUnsupported:
		return "Block unsupported"
	case MissingSecurityOperation:
		return "Missing security operation"
	case UnknownSecurityOperation:
		return "Unknown security operation"
	case UnexpectedSecurityOperation:
		return "Unexpected security operation"
	case FailedSecurityOperation:
		return "Failed security operation"
	case ConflictingSecurityOperation:
		return "Conflicting security operation"
	default:
		return "unknown"
	}
}

// StatusInformationPos indexes the four mandatory status information slots
// a StatusReport's array always carries, RFC 9171 §6.1.1.
type StatusInformationPos int

const (
	maxStatusInformationPos = 4

	ReceivedBundle   StatusInformationPos = 0
	ForwardedBundle  StatusInformationPos = 1
	DeliveredBundle  StatusInformationPos = 2
	DeletedBundle    StatusInformationPos = 3
)

func (sip StatusInformationPos) String() string {
	switch sip {
	case ReceivedBundle:
		return "received bundle"
	case ForwardedBundle:
		return "forwarded bundle"
	case DeliveredBundle:
		return "delivered bundle"
	case DeletedBundle:
		return "deleted bundle"
	default:
		return "unknown"
	}
}

// StatusReport is the single administrative record this module implements:
// [[received,forwarded,delivered,deleted], reason_code, source, timestamp
// (, offset, total_len)].
type StatusReport struct {
	StatusInformation []BundleStatusItem
	ReportReason       StatusReportReason
	RefBundle          BundleID
}

// NewStatusReport builds a report asserting a single status for bndl, using
// RequestStatusTime to decide whether the asserted item also carries time.
func NewStatusReport(bndl *Bundle, statusItem StatusInformationPos, reason StatusReportReason, at DtnTime) *StatusReport {
	sr := &StatusReport{
		StatusInformation: make([]BundleStatusItem, maxStatusInformationPos),
		ReportReason:      reason,
		RefBundle:         bndl.ID(),
	}
	for i := 0; i < maxStatusInformationPos; i++ {
		sip := StatusInformationPos(i)
		switch {
		case sip == statusItem && bndl.Primary.Flags.Has(RequestStatusTime):
			sr.StatusInformation[i] = NewTimeReportingBundleStatusItem(at)
		case sip == statusItem:
			sr.StatusInformation[i] = NewBundleStatusItem(true)
		default:
			sr.StatusInformation[i] = NewBundleStatusItem(false)
		}
	}
	return sr
}

// StatusInformations returns every asserted position.
func (sr StatusReport) StatusInformations() []StatusInformationPos {
	var sips []StatusInformationPos
	for i, si := range sr.StatusInformation {
		if si.Asserted {
			sips = append(sips, StatusInformationPos(i))
		}
	}
	return sips
}

func (sr StatusReport) RecordTypeCode() uint64 { return AdministrativeRecordTypeStatusReport }

func (sr *StatusReport) marshalCbor(enc *encoder) {
	enc.writeArrayHeader(3)

	enc.writeArrayHeader(len(sr.StatusInformation))
	for _, si := range sr.StatusInformation {
		si.marshalCbor(enc)
	}

	enc.writeUint(uint64(sr.ReportReason))
	sr.RefBundle.marshalCbor(enc)
}

func parseStatusReport(c *cursor) (*StatusReport, error) {
	n, indefinite, err := c.readArrayLength()
	if err != nil {
		return nil, fmt.Errorf("bpv7 status report: %w", err)
	}
	if indefinite || n != 3 {
		return nil, fmt.Errorf("bpv7 status report: %w: expected 3-element array, got %d", ErrInvalidChunk, n)
	}

	infoLen, indefinite, err := c.readArrayLength()
	if err != nil {
		return nil, err
	}
	if indefinite {
		return nil, fmt.Errorf("bpv7 status report: %w: status information must be definite-length", ErrInvalidChunk)
	}
	infos := make([]BundleStatusItem, infoLen)
	for i := range infos {
		if infos[i], err = parseBundleStatusItem(c); err != nil {
			return nil, err
		}
	}

	reason, err := c.readUint()
	if err != nil {
		return nil, err
	}
	if StatusReportReason(reason) == reservedReasonCode {
		return nil, fmt.Errorf("bpv7 status report: %w: reason code 255 is reserved", ErrInvalidChunk)
	}

	refBundle, err := parseBundleID(c)
	if err != nil {
		return nil, err
	}

	return &StatusReport{
		StatusInformation: infos,
		ReportReason:      StatusReportReason(reason),
		RefBundle:         refBundle,
	}, nil
}

func (sr StatusReport) String() string {
	var b strings.Builder
	fmt.Fprint(&b, "StatusReport([")
	for i, si := range sr.StatusInformation {
		if !si.Asserted {
			continue
		}
		sip := StatusInformationPos(i)
		if si.Time == DtnTimeEpoch {
			fmt.Fprintf(&b, "%v,", sip)
		} else {
			fmt.Fprintf(&b, "%v %v,", sip, si.Time)
		}
	}
	fmt.Fprintf(&b, "], %v, %v", sr.ReportReason, sr.RefBundle)
	return b.String()
}
