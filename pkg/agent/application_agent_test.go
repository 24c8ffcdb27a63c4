// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"testing"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

func TestAppAgentContainsEndpoint(t *testing.T) {
	appAgent := newMockAgent([]bpv7.Eid{mustParseEid(t, "dtn://foo/"), mustParseEid(t, "dtn://bar/")})

	tests := []struct {
		eids  []bpv7.Eid
		valid bool
	}{
		{[]bpv7.Eid{}, false},
		{[]bpv7.Eid{mustParseEid(t, "dtn://foo/")}, true},
		{[]bpv7.Eid{mustParseEid(t, "dtn://bar/")}, true},
		{[]bpv7.Eid{mustParseEid(t, "dtn://foo/"), mustParseEid(t, "dtn://bar/")}, true},
		{[]bpv7.Eid{mustParseEid(t, "dtn://bar/"), mustParseEid(t, "dtn://foo/")}, true},
		{[]bpv7.Eid{mustParseEid(t, "dtn://bar/"), mustParseEid(t, "dtn://bar/")}, true},
		{[]bpv7.Eid{mustParseEid(t, "dtn://baz/"), mustParseEid(t, "dtn://bar/")}, true},
		{[]bpv7.Eid{mustParseEid(t, "dtn://baz/"), mustParseEid(t, "dtn://ban/")}, false},
		{[]bpv7.Eid{mustParseEid(t, "dtn://baz/"), mustParseEid(t, "dtn://ban/"), mustParseEid(t, "dtn://bar/")}, true},
	}

	for _, test := range tests {
		contains := AppAgentContainsEndpoint(appAgent, test.eids)
		if contains != test.valid {
			t.Fatalf("errored for %v", test.eids)
		}
	}
}
