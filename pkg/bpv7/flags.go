// SPDX-FileCopyrightText: 2018, 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"fmt"
	"strings"
)

// BundleControlFlags are the Bundle Processing Control Flags, RFC 9171
// §4.2.3. Only bits 1-18 are assigned; the type is a 20-bit set per the data
// model, with the top bits reserved.
type BundleControlFlags uint64

const (
	IsFragment                  BundleControlFlags = 0x000001
	AdministrativeRecordPayload BundleControlFlags = 0x000002
	MustNotFragment             BundleControlFlags = 0x000004
	RequestUserApplicationAck   BundleControlFlags = 0x000020
	RequestStatusTime           BundleControlFlags = 0x000040
	StatusRequestReception      BundleControlFlags = 0x004000
	StatusRequestForward        BundleControlFlags = 0x010000
	StatusRequestDelivery       BundleControlFlags = 0x020000
	StatusRequestDeletion       BundleControlFlags = 0x040000
)

// Has reports whether any bit of flag is set.
func (bcf BundleControlFlags) Has(flag BundleControlFlags) bool { return bcf&flag != 0 }

// CheckValid enforces RFC 9171 §4.2.3's flag consistency rules.
func (bcf BundleControlFlags) CheckValid() error {
	var errs []string
	if bcf.Has(IsFragment) && bcf.Has(MustNotFragment) {
		errs = append(errs, "both is-fragment and must-not-fragment are set")
	}
	if bcf.Has(AdministrativeRecordPayload) &&
		(bcf.Has(StatusRequestReception) || bcf.Has(StatusRequestForward) ||
			bcf.Has(StatusRequestDelivery) || bcf.Has(StatusRequestDeletion)) {
		errs = append(errs, "administrative-record payload must not request status reports")
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("bpv7: %w: %s", ErrInvalidFlags, strings.Join(errs, "; "))
}

func (bcf BundleControlFlags) Strings() []string {
	checks := []struct {
		field BundleControlFlags
		text  string
	}{
		{StatusRequestDeletion, "status-request-deletion"},
		{StatusRequestDelivery, "status-request-delivery"},
		{StatusRequestForward, "status-request-forward"},
		{StatusRequestReception, "status-request-reception"},
		{RequestStatusTime, "request-status-time"},
		{RequestUserApplicationAck, "request-application-ack"},
		{MustNotFragment, "must-not-fragment"},
		{AdministrativeRecordPayload, "administrative-payload"},
		{IsFragment, "is-fragment"},
	}
	var out []string
	for _, c := range checks {
		if bcf.Has(c.field) {
			out = append(out, c.text)
		}
	}
	return out
}

func (bcf BundleControlFlags) String() string { return strings.Join(bcf.Strings(), ",") }

// BlockControlFlags are the Block Processing Control Flags, RFC 9171 §4.2.4.
type BlockControlFlags uint64

const (
	ReplicateBlock    BlockControlFlags = 0x01
	StatusReportBlock BlockControlFlags = 0x02
	DeleteBundleBlock BlockControlFlags = 0x04
	RemoveBlock       BlockControlFlags = 0x10
)

func (bcf BlockControlFlags) Has(flag BlockControlFlags) bool { return bcf&flag != 0 }

// CheckValid never rejects a BlockControlFlags value: per RFC 9171, unknown
// or reserved bits are not themselves faults.
func (bcf BlockControlFlags) CheckValid() error { return nil }

func (bcf BlockControlFlags) Strings() []string {
	checks := []struct {
		field BlockControlFlags
		text  string
	}{
		{DeleteBundleBlock, "delete-bundle"},
		{StatusReportBlock, "request-status-report"},
		{RemoveBlock, "remove-block"},
		{ReplicateBlock, "replicate-block"},
	}
	var out []string
	for _, c := range checks {
		if bcf.Has(c.field) {
			out = append(out, c.text)
		}
	}
	return out
}

func (bcf BlockControlFlags) String() string { return strings.Join(bcf.Strings(), ",") }
