/*
DESCRIPTION
  decode.go decodes a validated frame's fields into a generic record
  according to a schema.Frame: it resolves negative (from-end) offsets,
  resolves symbolic field lengths against previously decoded fields, and
  reads each field with valuecodec. Decoding never partially emits a
  record: any field error aborts the whole frame (spec.md §4.E).

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package decode turns a raw, checksum-validated frame into a named
// field record using a schema.Frame.
package decode

import (
	"fmt"

	"github.com/ausocean/dvk/schema"
	"github.com/ausocean/dvk/valuecodec"
)

// Record is one decoded frame: its field values by name, plus the frame
// name it was decoded against (for downstream semantic dispatch).
type Record struct {
	FrameName string
	Values    map[string]interface{}
}

// DecodeError reports the field that failed and why; it is always
// returned for the whole frame, never partially populated (spec.md
// §4.E — "no partial emission").
type DecodeError struct {
	FrameName, Field string
	Err              error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode: frame %q field %q: %v", e.FrameName, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// resolveOffset turns a possibly-negative field offset into an absolute
// index into raw, counting from the end of the frame when negative.
func resolveOffset(offset, n int) int {
	if offset >= 0 {
		return offset
	}
	return n + offset
}

// resolveLength resolves fl against the values already decoded earlier
// in the same frame (fields are decoded in declaration order, so a
// symbolic length may only reference a field declared before it).
func resolveLength(fl schema.FieldLength, values map[string]interface{}) (int, error) {
	if !fl.IsSymbolic() {
		return fl.Literal, nil
	}
	ref, ok := values[fl.Ref]
	if !ok {
		return 0, fmt.Errorf("length references undeclared or not-yet-decoded field %q", fl.Ref)
	}
	n, err := toInt(ref)
	if err != nil {
		return 0, fmt.Errorf("length reference %q: %w", fl.Ref, err)
	}
	mul := fl.Mul
	if mul == 0 {
		mul = 1
	}
	return n*mul + fl.Add, nil
}

func toInt(v interface{}) (int, error) {
	switch x := v.(type) {
	case uint64:
		return int(x), nil
	case int64:
		return int(x), nil
	default:
		return 0, fmt.Errorf("value of type %T is not an integer", v)
	}
}

// Frame decodes raw according to frame's field layout. raw is assumed to
// already be a checksum-validated, correctly-lengthed frame (e.g. as
// produced by framer.Framer.Next).
func Frame(raw []byte, frame schema.Frame) (Record, error) {
	values := make(map[string]interface{}, len(frame.Fields))
	n := len(raw)

	for _, fld := range frame.Fields {
		length, err := resolveLength(fld.Length, values)
		if err != nil {
			return Record{}, &DecodeError{FrameName: frame.Name, Field: fld.Name, Err: err}
		}
		off := resolveOffset(fld.Offset, n)
		if off < 0 || off+length > n {
			return Record{}, &DecodeError{
				FrameName: frame.Name, Field: fld.Name,
				Err: fmt.Errorf("field out of bounds: offset %d length %d frame length %d", off, length, n),
			}
		}

		var v interface{}
		if fld.Type == valuecodec.Bytes {
			v, err = valuecodec.Read(raw[off:off+length], valuecodec.Bytes)
		} else {
			v, err = valuecodec.Read(raw[off:off+length], fld.Type)
		}
		if err != nil {
			return Record{}, &DecodeError{FrameName: frame.Name, Field: fld.Name, Err: err}
		}
		values[fld.Name] = v
	}

	return Record{FrameName: frame.Name, Values: values}, nil
}
