// SPDX-FileCopyrightText: 2019, 2020 Alvar Penning
// SPDX-FileCopyrightText: 2024 The bpa7 Authors
//
// SPDX-License-Identifier: GPL-3.0-or-later

package bpv7

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Major CBOR types used by the bundle wire format, per RFC 8949 §3.1.
const (
	majorUint   byte = 0 << 5
	majorBytes  byte = 2 << 5
	majorText   byte = 3 << 5
	majorArray  byte = 4 << 5
	majorTag    byte = 6 << 5
	majorSimple byte = 7 << 5
)

const (
	additionalIndefinite byte = 31
	breakCode            byte = 0xff

	// tagCborInByteString is the only tag RFC 9171 permits on the wire: a
	// definite-length byte string wrapping further CBOR-encoded content.
	tagCborInByteString uint64 = 24

	// simpleFalse and simpleTrue are the major-7 simple values CBOR booleans
	// encode as, RFC 8949 §3.3.
	simpleFalse uint64 = 20
	simpleTrue  uint64 = 21
)

// cursor reads CBOR values from a fixed byte slice while tracking the byte
// offset of every value and whether shortest-form encoding was used. This is
// the information the bundle codec needs to record block extents and decide
// between Valid and Rewritten parse outcomes; it is not exposed by
// github.com/dtn7/cboring's io.Reader-oriented API, so the low-level header
// parsing is hand-rolled on top of the same wire-format rules cboring uses.
type cursor struct {
	data     []byte
	pos      int
	shortest bool
}

func newCursor(data []byte) *cursor {
	return &cursor{data: data, shortest: true}
}

func (c *cursor) offset() int { return c.pos }

func (c *cursor) remaining() int { return len(c.data) - c.pos }

func (c *cursor) markNonShortest() { c.shortest = false }

// readHead reads a CBOR initial byte and its argument, returning the major
// type, the additional-information nibble and the decoded argument (for
// additional info < 24 the argument equals the additional info itself).
func (c *cursor) readHead() (major byte, info byte, arg uint64, err error) {
	if c.remaining() < 1 {
		return 0, 0, 0, fmt.Errorf("bpv7: %w: truncated CBOR head", ErrNotEnoughData)
	}

	b := c.data[c.pos]
	major = b & 0xe0
	info = b & 0x1f
	c.pos++

	switch {
	case info < 24:
		arg = uint64(info)
		return

	case info == 24:
		if c.remaining() < 1 {
			return 0, 0, 0, fmt.Errorf("bpv7: %w: truncated 1-byte argument", ErrNotEnoughData)
		}
		arg = uint64(c.data[c.pos])
		c.pos++
		if arg < 24 {
			c.markNonShortest()
		}

	case info == 25:
		if c.remaining() < 2 {
			return 0, 0, 0, fmt.Errorf("bpv7: %w: truncated 2-byte argument", ErrNotEnoughData)
		}
		arg = uint64(binary.BigEndian.Uint16(c.data[c.pos:]))
		c.pos += 2
		if arg <= 0xff {
			c.markNonShortest()
		}

	case info == 26:
		if c.remaining() < 4 {
			return 0, 0, 0, fmt.Errorf("bpv7: %w: truncated 4-byte argument", ErrNotEnoughData)
		}
		arg = uint64(binary.BigEndian.Uint32(c.data[c.pos:]))
		c.pos += 4
		if arg <= 0xffff {
			c.markNonShortest()
		}

	case info == 27:
		if c.remaining() < 8 {
			return 0, 0, 0, fmt.Errorf("bpv7: %w: truncated 8-byte argument", ErrNotEnoughData)
		}
		arg = binary.BigEndian.Uint64(c.data[c.pos:])
		c.pos += 8
		if arg <= 0xffffffff {
			c.markNonShortest()
		}

	case info == additionalIndefinite:
		// Only valid for arrays, byte strings and text strings; callers decide.
		return major, info, 0, nil

	default:
		return 0, 0, 0, fmt.Errorf("bpv7: %w: reserved additional info %d", ErrInvalidChunk, info)
	}

	return
}

// readUint reads a CBOR unsigned integer.
func (c *cursor) readUint() (uint64, error) {
	major, info, arg, err := c.readHead()
	if err != nil {
		return 0, err
	}
	if major != majorUint {
		return 0, fmt.Errorf("bpv7: %w: expected uint, got major type %d", ErrIncorrectType, major>>5)
	}
	if info == additionalIndefinite {
		return 0, fmt.Errorf("bpv7: %w: indefinite-length uint", ErrInvalidChunk)
	}
	return arg, nil
}

// readArrayLength reads a CBOR array header. indefinite is true if the array
// uses the indefinite-length encoding (only legal for the outermost bundle
// array per RFC 9171).
func (c *cursor) readArrayLength() (length int, indefinite bool, err error) {
	major, info, arg, err := c.readHead()
	if err != nil {
		return 0, false, err
	}
	if major != majorArray {
		return 0, false, fmt.Errorf("bpv7: %w: expected array, got major type %d", ErrIncorrectType, major>>5)
	}
	if info == additionalIndefinite {
		return 0, true, nil
	}
	return int(arg), false, nil
}

func (c *cursor) readExpectBreak() error {
	if c.remaining() < 1 || c.data[c.pos] != breakCode {
		return fmt.Errorf("bpv7: %w: expected CBOR break", ErrInvalidChunk)
	}
	c.pos++
	return nil
}

func (c *cursor) peekIsBreak() bool {
	return c.remaining() >= 1 && c.data[c.pos] == breakCode
}

// readByteString reads a CBOR byte string, handling both the definite form
// and the indefinite (chunked) form that canonical bundles must not use.
func (c *cursor) readByteString() ([]byte, error) {
	major, info, arg, err := c.readHead()
	if err != nil {
		return nil, err
	}
	if major != majorBytes {
		return nil, fmt.Errorf("bpv7: %w: expected byte string, got major type %d", ErrIncorrectType, major>>5)
	}

	if info == additionalIndefinite {
		c.markNonShortest()
		var out bytes.Buffer
		for !c.peekIsBreak() {
			chunk, err := c.readByteString()
			if err != nil {
				return nil, err
			}
			out.Write(chunk)
		}
		if err := c.readExpectBreak(); err != nil {
			return nil, err
		}
		return out.Bytes(), nil
	}

	if c.remaining() < int(arg) {
		return nil, fmt.Errorf("bpv7: %w: truncated byte string", ErrNotEnoughData)
	}
	b := c.data[c.pos : c.pos+int(arg)]
	c.pos += int(arg)
	return b, nil
}

// readTextString reads a CBOR text string (definite form only; the bundle
// format never carries an indefinite text string).
func (c *cursor) readTextString() (string, error) {
	major, info, arg, err := c.readHead()
	if err != nil {
		return "", err
	}
	if major != majorText {
		return "", fmt.Errorf("bpv7: %w: expected text string, got major type %d", ErrIncorrectType, major>>5)
	}
	if info == additionalIndefinite {
		c.markNonShortest()
		var out bytes.Buffer
		for !c.peekIsBreak() {
			chunk, err := c.readTextString()
			if err != nil {
				return "", err
			}
			out.WriteString(chunk)
		}
		if err := c.readExpectBreak(); err != nil {
			return "", err
		}
		return out.String(), nil
	}
	if c.remaining() < int(arg) {
		return "", fmt.Errorf("bpv7: %w: truncated text string", ErrNotEnoughData)
	}
	s := string(c.data[c.pos : c.pos+int(arg)])
	c.pos += int(arg)
	return s, nil
}

// readBool reads a CBOR boolean simple value.
func (c *cursor) readBool() (bool, error) {
	major, _, arg, err := c.readHead()
	if err != nil {
		return false, err
	}
	if major != majorSimple || (arg != simpleFalse && arg != simpleTrue) {
		return false, fmt.Errorf("bpv7: %w: expected boolean", ErrIncorrectType)
	}
	return arg == simpleTrue, nil
}

// readTaggedByteString reads a byte string, accepting an optional leading
// CBOR tag 24 (content hint: this byte string holds further CBOR) — the only
// tag RFC 9171 permits on the wire, used on a canonical block's
// payload_bytes field.
func (c *cursor) readTaggedByteString() ([]byte, error) {
	if c.remaining() >= 1 && c.data[c.pos]&0xe0 == majorTag {
		_, info, arg, err := c.readHead()
		if err != nil {
			return nil, err
		}
		if info == additionalIndefinite || arg != tagCborInByteString {
			return nil, fmt.Errorf("bpv7: %w: unexpected tag %d", ErrInvalidChunk, arg)
		}
	}
	return c.readByteString()
}

// skipValue consumes one arbitrary, well-formed CBOR value without
// interpreting it, used to step over extension blocks this version does not
// understand and unknown-scheme EID scheme-specific parts.
func (c *cursor) skipValue() error {
	major, info, arg, err := c.readHead()
	if err != nil {
		return err
	}

	switch major {
	case majorUint, 1 << 5: // uint, negint
		_ = arg
		return nil

	case majorBytes, majorText:
		if info == additionalIndefinite {
			for !c.peekIsBreak() {
				if err := c.skipValue(); err != nil {
					return err
				}
			}
			return c.readExpectBreak()
		}
		if c.remaining() < int(arg) {
			return fmt.Errorf("bpv7: %w: truncated string", ErrNotEnoughData)
		}
		c.pos += int(arg)
		return nil

	case majorArray:
		if info == additionalIndefinite {
			for !c.peekIsBreak() {
				if err := c.skipValue(); err != nil {
					return err
				}
			}
			return c.readExpectBreak()
		}
		for i := uint64(0); i < arg; i++ {
			if err := c.skipValue(); err != nil {
				return err
			}
		}
		return nil

	case 5 << 5: // map
		if info == additionalIndefinite {
			for !c.peekIsBreak() {
				if err := c.skipValue(); err != nil { // key
					return err
				}
				if err := c.skipValue(); err != nil { // value
					return err
				}
			}
			return c.readExpectBreak()
		}
		for i := uint64(0); i < arg; i++ {
			if err := c.skipValue(); err != nil {
				return err
			}
			if err := c.skipValue(); err != nil {
				return err
			}
		}
		return nil

	case majorTag:
		return c.skipValue()

	case majorSimple:
		return nil

	default:
		return fmt.Errorf("bpv7: %w: unsupported major type %d", ErrInvalidChunk, major>>5)
	}
}

// encoder builds canonical (definite-length, shortest-form) CBOR into a
// buffer. It mirrors the subset of github.com/dtn7/cboring's Write* helpers
// the codec needs, but works on an in-memory buffer so block bytes can be
// sliced out for CRC computation and zero-copy re-use.
type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) bytes() []byte { return e.buf.Bytes() }
func (e *encoder) len() int      { return e.buf.Len() }

func (e *encoder) writeHead(major byte, arg uint64) {
	switch {
	case arg < 24:
		e.buf.WriteByte(major | byte(arg))
	case arg <= 0xff:
		e.buf.WriteByte(major | 24)
		e.buf.WriteByte(byte(arg))
	case arg <= 0xffff:
		e.buf.WriteByte(major | 25)
		var b [2]byte
		binary.BigEndian.PutUint16(b[:], uint16(arg))
		e.buf.Write(b[:])
	case arg <= 0xffffffff:
		e.buf.WriteByte(major | 26)
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], uint32(arg))
		e.buf.Write(b[:])
	default:
		e.buf.WriteByte(major | 27)
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], arg)
		e.buf.Write(b[:])
	}
}

func (e *encoder) writeUint(v uint64)              { e.writeHead(majorUint, v) }
func (e *encoder) writeArrayHeader(n int)          { e.writeHead(majorArray, uint64(n)) }
func (e *encoder) writeIndefiniteArrayHeader()     { e.buf.WriteByte(majorArray | additionalIndefinite) }
func (e *encoder) writeBreak()                     { e.buf.WriteByte(breakCode) }
func (e *encoder) writeByteString(b []byte) {
	e.writeHead(majorBytes, uint64(len(b)))
	e.buf.Write(b)
}
func (e *encoder) writeBool(v bool) {
	if v {
		e.writeHead(majorSimple, simpleTrue)
	} else {
		e.writeHead(majorSimple, simpleFalse)
	}
}

func (e *encoder) writeTextString(s string) {
	e.writeHead(majorText, uint64(len(s)))
	e.buf.WriteString(s)
}

// writeZeroByteString writes a byte string of the given length filled with
// zero bytes; used to reserve CRC fields before patching their real value in
// place.
func (e *encoder) writeZeroByteString(n int) (dataOffset int) {
	e.writeHead(majorBytes, uint64(n))
	dataOffset = e.buf.Len()
	e.buf.Write(make([]byte, n))
	return
}

// cborLiteralUint returns the canonical CBOR encoding of a single unsigned
// integer, used by the BIB and BCB parameter encoders that need a single
// encoded value without a full encoder.
func cborLiteralUint(major byte, v uint64) []byte {
	e := &encoder{}
	e.writeHead(major, v)
	return e.bytes()
}
