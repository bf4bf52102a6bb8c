/*
DESCRIPTION
  schema.go defines the in-memory typed representation of a protocol
  description (frame header(s), length mode, field layout, checksum
  spec) and a command-set description (named commands with typed
  payload fields and a telemetry transform spec), and validates them
  once at load time.

  The interpreter never parses schema files itself; callers hand it
  already-parsed Go values (see spec.md §6 — JSON/YAML loading is an
  external collaborator).

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package schema owns the parsed, validated representation of a
// protocol and command-set description. Once loaded, a schema is
// immutable for the lifetime of any framer/decoder/encoder built from
// it; no I/O lives in this package.
package schema

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/ausocean/dvk/checksum"
	"github.com/ausocean/dvk/valuecodec"
)

// LengthMode discriminates how a frame's total length is determined.
type LengthMode int

const (
	LengthFixed LengthMode = iota
	LengthDynamic
	LengthCounted
)

// LengthField describes a fixed-position integer field used to resolve
// a frame's length or sample count.
type LengthField struct {
	Offset int
	Length int
	Type   valuecodec.Type
}

// LengthSpec is the discriminated length specification from spec.md §3.
type LengthSpec struct {
	Mode LengthMode

	// Fixed.
	Value int

	// Dynamic.
	Field         LengthField
	OverheadBytes int

	// Counted.
	CountField LengthField
	UnitBytes  int
	// OverheadBytes is shared with Dynamic.
}

// FieldLength is either a literal length or a symbolic reference to a
// previously decoded field in the same frame.
type FieldLength struct {
	Literal int  // used when Ref == "".
	Ref     string
	Mul     int
	Add     int
}

// IsSymbolic reports whether this length resolves from a referenced
// field rather than a literal value.
func (l FieldLength) IsSymbolic() bool { return l.Ref != "" }

// Field describes one named, positioned, typed field within a frame.
type Field struct {
	Name   string
	Offset int // may be negative: counted from end of frame.
	Length FieldLength
	Type   valuecodec.Type
}

// FrameSelectorType identifies a frame-selection rule.
type FrameSelectorType int

const (
	SelectorNone FrameSelectorType = iota
	SelectorIfBitsV1
)

// FrameSelector chooses one of several frame layouts by inspecting an
// information-flags byte at a fixed offset of the first detected frame
// (spec.md §4.D — "first frame wins", per the Open Questions resolution
// in SPEC_FULL.md §13).
type FrameSelector struct {
	Type     FrameSelectorType
	IfOffset int

	// Bit positions within the IF byte, each independently invertible.
	SpeedBit, SpeedInvert           int
	BrightnessBit, BrightnessInvert int
	BrightnessU16Bit, BrightnessU16Invert int
}

// Key names the six closed frame-layout keys if_bits_v1 can select.
const (
	KeyNoSpeedDistOnly              = "no_speed_dist_only"
	KeySpeedDistOnly                 = "speed_dist_only"
	KeyNoSpeedDistBrightnessU8       = "no_speed_dist_brightness_u8"
	KeySpeedDistBrightnessU8         = "speed_dist_brightness_u8"
	KeyNoSpeedDistBrightnessU16      = "no_speed_dist_brightness_u16"
	KeySpeedDistBrightnessU16        = "speed_dist_brightness_u16"
)

// Resolve maps a 3-bit (speedPresent, brightnessPresent, brightnessIsU16)
// tuple read from the IF byte to one of the six closed layout keys.
func (s FrameSelector) Resolve(ifByte byte) string {
	bit := func(pos, invert int) bool {
		v := ifByte&(1<<uint(pos)) != 0
		if invert != 0 {
			return !v
		}
		return v
	}
	speed := bit(s.SpeedBit, s.SpeedInvert)
	bright := bit(s.BrightnessBit, s.BrightnessInvert)
	u16 := bit(s.BrightnessU16Bit, s.BrightnessU16Invert)

	switch {
	case !speed && !bright:
		return KeyNoSpeedDistOnly
	case speed && !bright:
		return KeySpeedDistOnly
	case !speed && bright && !u16:
		return KeyNoSpeedDistBrightnessU8
	case speed && bright && !u16:
		return KeySpeedDistBrightnessU8
	case !speed && bright && u16:
		return KeyNoSpeedDistBrightnessU16
	default:
		return KeySpeedDistBrightnessU16
	}
}

// Frame describes one named frame layout within a protocol.
type Frame struct {
	Name     string
	Header   []byte
	Length   LengthSpec
	Fields   []Field
	Checksum *checksum.Spec // nil if the frame is unchecksummed.
}

// Protocol is the top-level parsed protocol description.
type Protocol struct {
	ProtocolID      string
	ProtocolVersion string
	Frames          []Frame
	Selector        *FrameSelector // nil if the protocol declares a single frame layout.
}

// FrameByName returns the frame with the given name, or false if none matches.
func (p *Protocol) FrameByName(name string) (Frame, bool) {
	for _, f := range p.Frames {
		if f.Name == name {
			return f, true
		}
	}
	return Frame{}, false
}

// PayloadField describes one typed field of a command payload.
type PayloadField struct {
	Name string
	Type valuecodec.Type
}

// Command is a named, identified command with a typed payload layout.
type Command struct {
	Name    string
	ID      uint8
	Payload []PayloadField
}

// TransformType identifies a telemetry semantic transform.
type TransformType int

const (
	TransformTripletPointcloudV1 TransformType = iota
	TransformIfDnPointcloudV1
	TransformUnknown
)

// DistanceFields configures the triplet_pointcloud_v1 distance unpack.
type DistanceFields struct {
	B2Shift, B1Shift, B1Mask, Mask int
}

// IntensityFields configures the triplet_pointcloud_v1 intensity unpack.
type IntensityFields struct {
	B1Mask, B1Shift, B0Shift, B0Mask int
}

// HRFlagFields configures the triplet_pointcloud_v1 high-resolution flag unpack.
type HRFlagFields struct {
	Mask int
}

// AngleFields configures the angle interpolation shared by both transforms.
type AngleFields struct {
	StartField, EndField string
	RightShift           int
	ScaleDiv             float64
	Offset               float64
	SubtractA000         bool // if_dn_pointcloud_v1 only.
}

// SpeedFields configures the optional speed field of if_dn_pointcloud_v1.
type SpeedFields struct {
	Field string
	Div   float64
}

// BrightnessMode identifies the per-unit brightness encoding of
// if_dn_pointcloud_v1.
type BrightnessMode int

const (
	BrightnessNone BrightnessMode = iota
	BrightnessU8
	BrightnessU16LE
)

// Transform is a tagged telemetry transform rule.
type Transform struct {
	Type      TransformType
	FrameName string // optional: if set, only frames with this name are transformed.
	InputField string
	CountRef   string

	Distance   DistanceFields
	Intensity  IntensityFields
	HRFlag     HRFlagFields
	Angle      AngleFields
	DistanceMask int // if_dn_pointcloud_v1 distance mask.

	BrightnessMode BrightnessMode
	Speed          *SpeedFields

	IncludeFrameFields []string
}

// Telemetry carries the ordered list of transform rules; the first
// applicable one is applied (spec.md §3).
type Telemetry struct {
	Transforms []Transform
}

// CommandSet is the top-level parsed command-set description.
type CommandSet struct {
	CommandSetID string
	Commands     []Command
	Telemetry    Telemetry
}

// CommandByName returns the command with the given name.
func (c *CommandSet) CommandByName(name string) (Command, bool) {
	for _, cmd := range c.Commands {
		if cmd.Name == name {
			return cmd, true
		}
	}
	return Command{}, false
}

// ProtocolBundle restricts a model to an expected protocol/version pair.
type ProtocolBundle struct {
	ProtocolID             string
	ExpectedProtocolVersion string // empty means "any version".
}

// Model lists the protocol bundles a device model is expected to speak.
type Model struct {
	ModelID         string
	ProtocolBundles []ProtocolBundle
}

// MultiError aggregates validation errors encountered while loading a
// schema, modeled on the teacher's device.MultiError.
type MultiError []error

func (me MultiError) Error() string {
	if len(me) == 0 {
		panic("schema: invalid use of MultiError")
	}
	s := fmt.Sprintf("%d schema validation error(s):", len(me))
	for _, e := range me {
		s += "\n  - " + e.Error()
	}
	return s
}

// ErrChecksumRangeOverlap is returned when a checksum's store_at lies
// inside its own verification range — rejected per SPEC_FULL.md §13
// (Open Question §9(a)) rather than silently diverging.
var ErrChecksumRangeOverlap = errors.New("schema: checksum store_at overlaps its own range")

// LoadProtocol validates an already-constructed Protocol and returns it
// unchanged if valid, or a MultiError describing every problem found.
func LoadProtocol(p Protocol) (*Protocol, error) {
	var errs MultiError

	if len(p.Frames) == 0 {
		errs = append(errs, errors.New("protocol must declare at least one frame"))
	}

	for _, f := range p.Frames {
		if len(f.Header) == 0 {
			errs = append(errs, errors.Errorf("frame %q: header must be non-empty", f.Name))
		}
		switch f.Length.Mode {
		case LengthFixed, LengthDynamic, LengthCounted:
		default:
			errs = append(errs, errors.Errorf("frame %q: unrecognised length mode", f.Name))
		}
		if f.Checksum != nil {
			if err := validateChecksumSpec(*f.Checksum, minFrameLength(f)); err != nil {
				errs = append(errs, errors.Wrapf(err, "frame %q", f.Name))
			}
		}
		for _, fld := range f.Fields {
			if valuecodec.Size(fld.Type) < 0 && fld.Type != valuecodec.Bytes {
				errs = append(errs, errors.Errorf("frame %q: field %q has unrecognised type", f.Name, fld.Name))
			}
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return &p, nil
}

// minFrameLength returns a best-effort lower bound on a frame's total
// byte length, used to resolve negative range/store_at indices at
// schema-load time. Fixed frames have an exact length; dynamic/counted
// frames only have a true length at decode time (it depends on a field
// read from the wire), so this returns the smallest length their own
// layout requires: enough to hold the length/count field plus its
// declared overhead.
func minFrameLength(f Frame) int {
	switch f.Length.Mode {
	case LengthFixed:
		return f.Length.Value
	case LengthDynamic:
		need := f.Length.Field.Offset + f.Length.Field.Length
		if f.Length.OverheadBytes > need {
			return f.Length.OverheadBytes
		}
		return need
	case LengthCounted:
		need := f.Length.CountField.Offset + f.Length.CountField.Length
		if f.Length.OverheadBytes > need {
			return f.Length.OverheadBytes
		}
		return need
	default:
		return 0
	}
}

// validateChecksumSpec checks one property of a checksum spec: that
// store_at never lies inside its own verification
// range (see ErrChecksumRangeOverlap). Negative Range/StoreAt indices
// are resolved against minLen first (spec.md §9(a): the rewrite must
// reject schemas where a negative-indexed range reaches into the
// checksum field itself rather than silently diverging), so the very
// common "checksum at the end of the frame" pattern — Range{0,-1},
// StoreAt:-1 — is caught here rather than passing unchecked.
func validateChecksumSpec(spec checksum.Spec, minLen int) error {
	if spec.Type == checksum.XOR16Slices {
		return nil // XOR16 has no single Range to overlap with StoreAt.
	}

	resolve := func(idx int) int {
		if idx >= 0 {
			return idx
		}
		return minLen + idx
	}

	from, to, storeAt := resolve(spec.Range.From), resolve(spec.Range.To), resolve(spec.StoreAt)
	if storeAt >= from && storeAt <= to {
		return ErrChecksumRangeOverlap
	}
	return nil
}

// LoadCommandSet validates an already-constructed CommandSet.
func LoadCommandSet(c CommandSet) (*CommandSet, error) {
	var errs MultiError

	seen := map[uint8]string{}
	for _, cmd := range c.Commands {
		if other, ok := seen[cmd.ID]; ok {
			errs = append(errs, errors.Errorf("command %q: id 0x%02x already used by %q", cmd.Name, cmd.ID, other))
			continue
		}
		seen[cmd.ID] = cmd.Name
		for _, p := range cmd.Payload {
			if valuecodec.Size(p.Type) < 0 && p.Type != valuecodec.Bytes {
				errs = append(errs, errors.Errorf("command %q: payload field %q has unrecognised type", cmd.Name, p.Name))
			}
		}
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return &c, nil
}
