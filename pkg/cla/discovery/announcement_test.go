// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2020 Markus Sommer
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"reflect"
	"testing"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

func TestDiscoveryMessageCbor(t *testing.T) {
	var tests = []Announcement{
		{
			ClaName:  "quicla",
			Endpoint: bpv7.DtnEid("foobar"),
			Port:     8000,
		},
		{
			ClaName:  "quicla",
			Endpoint: bpv7.IpnEid(0, 1337, 23),
			Port:     12345,
		},
	}

	for _, dmIn := range tests {
		buff, err := MarshalAnnouncements([]Announcement{dmIn})
		if err != nil {
			t.Fatalf("Encoding failed: %v", err)
		}

		dmsOut, err := UnmarshalAnnouncements(buff)
		if err != nil {
			t.Fatalf("Decoding failed: %v", err)
		}

		if l := len(dmsOut); l != 1 {
			t.Fatalf("Length of decoded DiscoveryMessages is %d != 1", l)
		}

		if !reflect.DeepEqual(dmIn, dmsOut[0]) {
			t.Fatalf("Decoded Announcement differs: %v became %v", dmIn, dmsOut[0])
		}
	}
}
