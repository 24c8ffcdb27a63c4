// SPDX-FileCopyrightText: 2020 Markus Sommer
// SPDX-FileCopyrightText: 2020, 2021 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package discovery

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// Announcement advertises one of this node's registered Clas over UDP
// multicast: the Cla's registry name (e.g. "quicla"), the node's own Eid
// (textual form, since bpv7.Eid does not implement cboring's io-based
// marshaler interface), and the port a discoverer should dial.
type Announcement struct {
	ClaName  string
	Endpoint bpv7.Eid
	Port     uint
}

// UnmarshalAnnouncements creates a new array of Announcement based on a CBOR byte string.
func UnmarshalAnnouncements(data []byte) (announcements []Announcement, err error) {
	buff := bytes.NewBuffer(data)

	l, cErr := cboring.ReadArrayLength(buff)
	if cErr != nil {
		return nil, cErr
	}
	announcements = make([]Announcement, l)

	for i := range announcements {
		if cErr := cboring.Unmarshal(&announcements[i], buff); cErr != nil {
			return nil, fmt.Errorf("unmarshalling Announcement %d failed: %v", i, cErr)
		}
	}
	return announcements, nil
}

// MarshalAnnouncements into a CBOR byte string.
func MarshalAnnouncements(announcements []Announcement) (data []byte, err error) {
	buff := new(bytes.Buffer)

	if cErr := cboring.WriteArrayLength(uint64(len(announcements)), buff); cErr != nil {
		return nil, cErr
	}
	for i := range announcements {
		announcement := announcements[i]
		if cErr := cboring.Marshal(&announcement, buff); cErr != nil {
			return nil, fmt.Errorf("marshalling Announcement %d (%v) failed: %v", i, announcement, cErr)
		}
	}
	return buff.Bytes(), nil
}

// MarshalCbor creates a CBOR representation for an Announcement.
func (announcement *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(3, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(announcement.ClaName, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(announcement.Endpoint.String(), w); err != nil {
		return fmt.Errorf("marshalling endpoint failed: %v", err)
	}
	return cboring.WriteUInt(uint64(announcement.Port), w)
}

// UnmarshalCbor creates an Announcement from its CBOR representation.
func (announcement *Announcement) UnmarshalCbor(r io.Reader) error {
	if l, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if l != 3 {
		return fmt.Errorf("wrong array length: %d instead of 3", l)
	}

	claName, err := cboring.ReadTextString(r)
	if err != nil {
		return err
	}
	announcement.ClaName = claName

	eidStr, err := cboring.ReadTextString(r)
	if err != nil {
		return err
	}
	eid, err := bpv7.ParseEid(eidStr)
	if err != nil {
		return fmt.Errorf("unmarshalling endpoint failed: %v", err)
	}
	announcement.Endpoint = eid

	port, err := cboring.ReadUInt(r)
	if err != nil {
		return err
	}
	announcement.Port = uint(port)

	return nil
}

func (announcement Announcement) String() string {
	return fmt.Sprintf("Announcement(%s,%v,%d)", announcement.ClaName, announcement.Endpoint, announcement.Port)
}
