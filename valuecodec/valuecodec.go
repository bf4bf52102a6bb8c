/*
DESCRIPTION
  valuecodec.go reads and writes the scalar field types used by telemetry
  frames: unsigned/signed 8/16/32 bit integers in both byte orders,
  float32 in both byte orders, and opaque byte payloads.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package valuecodec reads and writes the fixed set of scalar field
// types used by telemetry frames.
package valuecodec

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
)

// Type identifies a scalar field encoding.
type Type int

const (
	Uint8 Type = iota
	Int8
	Uint16LE
	Uint16BE
	Int16LE
	Int16BE
	Uint32LE
	Uint32BE
	Int32LE
	Int32BE
	Float32LE
	Float32BE
	Bytes
)

// Size returns the fixed encoded size of t in bytes, or -1 if t has no
// fixed size (Bytes is variable length).
func Size(t Type) int {
	switch t {
	case Uint8, Int8:
		return 1
	case Uint16LE, Uint16BE, Int16LE, Int16BE:
		return 2
	case Uint32LE, Uint32BE, Int32LE, Int32BE, Float32LE, Float32BE:
		return 4
	default:
		return -1
	}
}

// ErrShortField indicates a read was attempted on fewer bytes than the
// type requires.
type ErrShortField struct {
	Type     Type
	Need, Have int
}

func (e *ErrShortField) Error() string {
	return fmt.Sprintf("short field: type %v needs %d bytes, have %d", e.Type, e.Need, e.Have)
}

// Read decodes b as the scalar type t, returning a Go value: uint64 for
// unsigned integer types, int64 for signed integer types, float64 for
// float types (widened from float32), and a lowercase hex string for
// Bytes (so payloads survive round trips through map[string]any
// records for downstream semantic re-parsing).
func Read(b []byte, t Type) (interface{}, error) {
	if t == Bytes {
		return hex.EncodeToString(b), nil
	}

	need := Size(t)
	if len(b) < need {
		return nil, &ErrShortField{Type: t, Need: need, Have: len(b)}
	}
	b = b[:need]

	switch t {
	case Uint8:
		return uint64(b[0]), nil
	case Int8:
		return int64(int8(b[0])), nil
	case Uint16LE:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case Uint16BE:
		return uint64(binary.BigEndian.Uint16(b)), nil
	case Int16LE:
		return int64(int16(binary.LittleEndian.Uint16(b))), nil
	case Int16BE:
		return int64(int16(binary.BigEndian.Uint16(b))), nil
	case Uint32LE:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case Uint32BE:
		return uint64(binary.BigEndian.Uint32(b)), nil
	case Int32LE:
		return int64(int32(binary.LittleEndian.Uint32(b))), nil
	case Int32BE:
		return int64(int32(binary.BigEndian.Uint32(b))), nil
	case Float32LE:
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case Float32BE:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b))), nil
	default:
		return nil, fmt.Errorf("valuecodec: unrecognised type %v", t)
	}
}

// Write encodes value as the scalar type t. value must be the Go type
// Read would have produced for t (or any numeric type convertible to
// it); Bytes accepts a hex string.
func Write(value interface{}, t Type) ([]byte, error) {
	if t == Bytes {
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("valuecodec: Bytes field requires a hex string, got %T", value)
		}
		return hex.DecodeString(s)
	}

	u, s, f, err := widen(value)
	if err != nil {
		return nil, err
	}

	b := make([]byte, Size(t))
	switch t {
	case Uint8:
		b[0] = byte(u)
	case Int8:
		b[0] = byte(s)
	case Uint16LE:
		binary.LittleEndian.PutUint16(b, uint16(u))
	case Uint16BE:
		binary.BigEndian.PutUint16(b, uint16(u))
	case Int16LE:
		binary.LittleEndian.PutUint16(b, uint16(int16(s)))
	case Int16BE:
		binary.BigEndian.PutUint16(b, uint16(int16(s)))
	case Uint32LE:
		binary.LittleEndian.PutUint32(b, uint32(u))
	case Uint32BE:
		binary.BigEndian.PutUint32(b, uint32(u))
	case Int32LE:
		binary.LittleEndian.PutUint32(b, uint32(int32(s)))
	case Int32BE:
		binary.BigEndian.PutUint32(b, uint32(int32(s)))
	case Float32LE:
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(f)))
	case Float32BE:
		binary.BigEndian.PutUint32(b, math.Float32bits(float32(f)))
	default:
		return nil, fmt.Errorf("valuecodec: unrecognised type %v", t)
	}
	return b, nil
}

// widen coerces value (typically uint64/int64/float64 as produced by
// Read, but any Go numeric kind is accepted) into all three
// representations so Write need not switch on the input type per case.
func widen(value interface{}) (u uint64, s int64, f float64, err error) {
	switch v := value.(type) {
	case uint64:
		return v, int64(v), float64(v), nil
	case uint32:
		return uint64(v), int64(v), float64(v), nil
	case uint16:
		return uint64(v), int64(v), float64(v), nil
	case uint8:
		return uint64(v), int64(v), float64(v), nil
	case uint:
		return uint64(v), int64(v), float64(v), nil
	case int64:
		return uint64(v), v, float64(v), nil
	case int32:
		return uint64(uint32(v)), int64(v), float64(v), nil
	case int16:
		return uint64(uint16(v)), int64(v), float64(v), nil
	case int8:
		return uint64(uint8(v)), int64(v), float64(v), nil
	case int:
		return uint64(v), int64(v), float64(v), nil
	case float64:
		return uint64(v), int64(v), v, nil
	case float32:
		return uint64(v), int64(v), float64(v), nil
	default:
		return 0, 0, 0, fmt.Errorf("valuecodec: cannot encode value of type %T", value)
	}
}
