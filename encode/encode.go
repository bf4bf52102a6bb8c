/*
DESCRIPTION
  encode.go builds outbound command frames from a schema.Command
  descriptor and a parameter mapping: it encodes each declared payload
  field via valuecodec, assembles the default frame layout
  header‖[length]‖[command id]‖payload‖[checksum], and places the
  checksum last so its range resolves against the final frame length.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package encode builds outbound command frames from a schema.Command
// and a set of named parameters.
package encode

import (
	"fmt"

	"github.com/ausocean/dvk/checksum"
	"github.com/ausocean/dvk/schema"
	"github.com/ausocean/dvk/valuecodec"
)

// Layout describes the frame shell a command is embedded in: the fixed
// header, an optional dynamic length field immediately following the
// header, and an optional trailing checksum. This is the "default
// ordering" of spec.md §4.F; a schema that declares something else
// builds its own Layout rather than using this package's assembly.
type Layout struct {
	Header   []byte
	Length   *schema.LengthSpec // nil for frames with no length field (fixed-size commands).
	Checksum *checksum.Spec
}

func storeWidth(f checksum.StoreFormat) int {
	switch f {
	case checksum.Uint8:
		return 1
	case checksum.Uint16LE, checksum.Uint16BE:
		return 2
	case checksum.Uint32LE, checksum.Uint32BE:
		return 4
	default:
		return 0
	}
}

// Command encodes cmd with the given named params under layout,
// producing a ready-to-send frame.
func Command(cs *schema.CommandSet, cmdName string, params map[string]interface{}, layout Layout) ([]byte, error) {
	cmd, ok := cs.CommandByName(cmdName)
	if !ok {
		return nil, fmt.Errorf("encode: unknown command %q", cmdName)
	}

	payload, err := encodePayload(cmd, params)
	if err != nil {
		return nil, err
	}

	frame := append([]byte(nil), layout.Header...)

	var lengthFieldOffset, lengthFieldWidth int
	if layout.Length != nil && layout.Length.Mode == schema.LengthDynamic {
		lengthFieldOffset = len(frame)
		lengthFieldWidth = layout.Length.Field.Length
		frame = append(frame, make([]byte, lengthFieldWidth)...)
	}

	frame = append(frame, cmd.ID)
	frame = append(frame, payload...)

	var checksumWidth int
	if layout.Checksum != nil {
		checksumWidth = storeWidth(layout.Checksum.StoreFormat)
		frame = append(frame, make([]byte, checksumWidth)...)
	}

	if layout.Length != nil && layout.Length.Mode == schema.LengthDynamic {
		value := len(frame) - layout.Length.OverheadBytes
		b, err := valuecodec.Write(uint64(value), layout.Length.Field.Type)
		if err != nil {
			return nil, fmt.Errorf("encode: writing length field: %w", err)
		}
		copy(frame[lengthFieldOffset:lengthFieldOffset+lengthFieldWidth], b)
	}

	if layout.Checksum != nil {
		if err := checksum.Place(frame, *layout.Checksum); err != nil {
			return nil, fmt.Errorf("encode: placing checksum: %w", err)
		}
	}

	return frame, nil
}

// encodePayload encodes each declared payload field of cmd from params,
// in declaration order, and concatenates the results.
func encodePayload(cmd schema.Command, params map[string]interface{}) ([]byte, error) {
	var payload []byte
	for _, f := range cmd.Payload {
		v, ok := params[f.Name]
		if !ok {
			return nil, fmt.Errorf("encode: command %q missing parameter %q", cmd.Name, f.Name)
		}
		b, err := valuecodec.Write(v, f.Type)
		if err != nil {
			return nil, fmt.Errorf("encode: command %q field %q: %w", cmd.Name, f.Name, err)
		}
		payload = append(payload, b...)
	}
	return payload, nil
}
