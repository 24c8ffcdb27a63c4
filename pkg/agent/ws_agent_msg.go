// SPDX-FileCopyrightText: 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package agent

import (
	"fmt"
	"io"
	"reflect"

	"github.com/dtn7/cboring"

	"github.com/dtn-bpa/bpa7/pkg/bpv7"
)

// webAgentMessage describes a message which might be sent over a WebSocketAgent.
// Implementations follow this interface's definition below.
type webAgentMessage interface {
	// typeCode is a unique identifier for each message type.
	typeCode() uint64

	// CborMarshaler must only be implemented for the type's logic; the
	// typeCode wrapper is handled generically by marshalCbor/unmarshalCbor.
	cboring.CborMarshaler
}

const (
	wamStatusCode          uint64 = 0
	wamRegisterCode        uint64 = 1
	wamBundleCode          uint64 = 2
	wamSyscallRequestCode  uint64 = 3
	wamSyscallResponseCode uint64 = 4
)

var wamMapping = map[uint64]reflect.Type{
	wamStatusCode:          reflect.TypeOf(wamStatus{}),
	wamRegisterCode:        reflect.TypeOf(wamRegister{}),
	wamBundleCode:          reflect.TypeOf(wamBundle{}),
	wamSyscallRequestCode:  reflect.TypeOf(wamSyscallRequest{}),
	wamSyscallResponseCode: reflect.TypeOf(wamSyscallResponse{}),
}

// marshalCbor writes a webAgentMessage wrapped with its type code as CBOR.
func marshalCbor(wam webAgentMessage, w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteUInt(wam.typeCode(), w); err != nil {
		return err
	}
	return cboring.Marshal(wam, w)
}

// unmarshalCbor reads a new webAgentMessage based on its type code from CBOR.
func unmarshalCbor(r io.Reader) (wam webAgentMessage, err error) {
	n, err := cboring.ReadArrayLength(r)
	if err != nil {
		return nil, err
	} else if n != 2 {
		return nil, fmt.Errorf("expected array of two elements, got %d", n)
	}

	code, err := cboring.ReadUInt(r)
	if err != nil {
		return nil, err
	}
	t, ok := wamMapping[code]
	if !ok {
		return nil, fmt.Errorf("no known web agent message type code %d", code)
	}
	wam = reflect.New(t).Interface().(webAgentMessage)

	if err := cboring.Unmarshal(wam, r); err != nil {
		return nil, err
	}
	return wam, nil
}

// wamStatus acknowledges a previous message or reports an error with a
// non-empty string. Either a client or the server may send one.
type wamStatus struct {
	errorMsg string
}

func newStatusMessage(err error) *wamStatus {
	if err == nil {
		return &wamStatus{}
	}
	return &wamStatus{errorMsg: err.Error()}
}

func (*wamStatus) typeCode() uint64 { return wamStatusCode }

func (ws *wamStatus) MarshalCbor(w io.Writer) error {
	return cboring.WriteTextString(ws.errorMsg, w)
}

func (ws *wamStatus) UnmarshalCbor(r io.Reader) (err error) {
	ws.errorMsg, err = cboring.ReadTextString(r)
	return
}

// wamRegister is sent from a client to the server to register itself for an
// endpoint, carried as its textual Eid form.
type wamRegister struct {
	endpoint string
}

func newRegisterMessage(endpoint bpv7.Eid) *wamRegister {
	return &wamRegister{endpoint: endpoint.String()}
}

func (*wamRegister) typeCode() uint64 { return wamRegisterCode }

func (wr *wamRegister) MarshalCbor(w io.Writer) error {
	return cboring.WriteTextString(wr.endpoint, w)
}

func (wr *wamRegister) UnmarshalCbor(r io.Reader) (err error) {
	wr.endpoint, err = cboring.ReadTextString(r)
	return
}

// wamBundle carries a Bundle to or from a peer. Since *bpv7.Bundle does not
// implement cboring's io-based marshaler (this module's wire codec is its
// own byte-string block encoding rather than cboring structs), the bundle
// is carried as its already-encoded wire bytes inside a CBOR byte string.
type wamBundle struct {
	b *bpv7.Bundle
}

func newBundleMessage(b *bpv7.Bundle) *wamBundle {
	return &wamBundle{b: b}
}

func (*wamBundle) typeCode() uint64 { return wamBundleCode }

func (wb *wamBundle) MarshalCbor(w io.Writer) error {
	return cboring.WriteByteString(wb.b.Marshal(), w)
}

func (wb *wamBundle) UnmarshalCbor(r io.Reader) error {
	wire, err := cboring.ReadByteString(r)
	if err != nil {
		return err
	}
	result := bpv7.ParseBundle(wire, nil)
	if result.Outcome == bpv7.OutcomeInvalid {
		return fmt.Errorf("unmarshalling bundle failed: %w", result.Err)
	}
	wb.b = result.Bundle
	return nil
}

// wamSyscallRequest requests some "syscall" specific information from the
// server side.
type wamSyscallRequest struct {
	request string
}

func newSyscallRequestMessage(request string) *wamSyscallRequest {
	return &wamSyscallRequest{request: request}
}

func (*wamSyscallRequest) typeCode() uint64 { return wamSyscallRequestCode }

func (wsr *wamSyscallRequest) MarshalCbor(w io.Writer) error {
	return cboring.WriteTextString(wsr.request, w)
}

func (wsr *wamSyscallRequest) UnmarshalCbor(r io.Reader) (err error) {
	wsr.request, err = cboring.ReadTextString(r)
	return
}

// wamSyscallResponse answers a wamSyscallRequest; the response payload's
// meaning is defined per syscall name.
type wamSyscallResponse struct {
	request  string
	response []byte
}

func newSyscallResponseMessage(request string, response []byte) *wamSyscallResponse {
	return &wamSyscallResponse{request: request, response: response}
}

func (*wamSyscallResponse) typeCode() uint64 { return wamSyscallResponseCode }

func (wsr *wamSyscallResponse) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(2, w); err != nil {
		return err
	}
	if err := cboring.WriteTextString(wsr.request, w); err != nil {
		return err
	}
	return cboring.WriteByteString(wsr.response, w)
}

func (wsr *wamSyscallResponse) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 2 {
		return fmt.Errorf("expected CBOR array of 2 elements, not %d", n)
	}

	request, err := cboring.ReadTextString(r)
	if err != nil {
		return err
	}
	wsr.request = request

	response, err := cboring.ReadByteString(r)
	if err != nil {
		return err
	}
	wsr.response = response

	return nil
}
