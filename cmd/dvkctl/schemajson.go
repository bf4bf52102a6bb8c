/*
DESCRIPTION
  schemajson.go is the argument-parsing-adjacent glue spec.md §6 places
  outside the core: it turns the JSON protocol/command-set/model files a
  caller hands dvkctl into the already-parsed schema.Protocol,
  schema.CommandSet and schema.Model values the interpreter itself
  never constructs from files (spec.md §1's Out of scope list: "YAML/JSON
  file loading... is the caller's responsibility").

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/ausocean/dvk/checksum"
	"github.com/ausocean/dvk/schema"
	"github.com/ausocean/dvk/valuecodec"
)

type jsonLengthField struct {
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	Type   string `json:"value_type"`
}

type jsonLength struct {
	Mode          string          `json:"mode"`
	Value         int             `json:"value"`
	Field         jsonLengthField `json:"field"`
	CountField    jsonLengthField `json:"count_field"`
	UnitBytes     int             `json:"unit_bytes"`
	OverheadBytes int             `json:"overhead_bytes"`
}

type jsonFieldLength struct {
	isRef bool
	lit   int
	ref   string
	mul   int
	add   int
}

func (l *jsonFieldLength) UnmarshalJSON(b []byte) error {
	var lit int
	if err := json.Unmarshal(b, &lit); err == nil {
		l.lit = lit
		return nil
	}
	var ref struct {
		Ref string `json:"ref"`
		Mul int    `json:"mul"`
		Add int     `json:"add"`
	}
	if err := json.Unmarshal(b, &ref); err != nil {
		return fmt.Errorf("field length: %w", err)
	}
	l.isRef = true
	l.ref = ref.Ref
	l.mul = ref.Mul
	l.add = ref.Add
	return nil
}

type jsonField struct {
	Name   string          `json:"name"`
	Offset int             `json:"offset"`
	Length jsonFieldLength `json:"length"`
	Type   string          `json:"type"`
}

type jsonRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

type jsonChecksum struct {
	Type        string             `json:"type"`
	Range       jsonRange          `json:"range"`
	StoreAt     int                `json:"store_at"`
	StoreFormat string             `json:"store_format"`
	Params      map[string]json.RawMessage `json:"params"`
}

type jsonFrameSelector struct {
	Type                  string `json:"type"`
	IfOffset              int    `json:"if_offset"`
	SpeedBit              int    `json:"speed_bit"`
	SpeedInvert           int    `json:"speed_invert"`
	BrightnessBit         int    `json:"brightness_bit"`
	BrightnessInvert      int    `json:"brightness_invert"`
	BrightnessU16Bit      int    `json:"brightness_u16_bit"`
	BrightnessU16Invert   int    `json:"brightness_u16_invert"`
}

type jsonFrame struct {
	Name     string        `json:"name"`
	Header   []string      `json:"header"`
	Length   jsonLength    `json:"length"`
	Fields   []jsonField   `json:"fields"`
	Checksum *jsonChecksum `json:"checksum"`
}

type jsonProtocol struct {
	ProtocolID      string             `json:"protocol_id"`
	ProtocolVersion string             `json:"protocol_version"`
	Frames          []jsonFrame        `json:"frames"`
	FrameSelector   *jsonFrameSelector `json:"frame_selector"`
}

type jsonPayloadField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type jsonCommand struct {
	Name    string             `json:"name"`
	ID      int                `json:"id"`
	Payload []jsonPayloadField `json:"payload"`
}

// jsonDistanceFields mirrors semantics.py's dist_cfg = cfg.get("distance")
// or {}: the group itself is optional, and every key inside it defaults
// independently via dist_cfg.get(key, default) when absent.
type jsonDistanceFields struct {
	B2Shift *int `json:"b2_shift"`
	B1Shift *int `json:"b1_shift"`
	B1Mask  *int `json:"b1_mask"`
	Mask    *int `json:"mask"`
}

// jsonIntensityFields mirrors semantics.py's inten_cfg = cfg.get("intensity") or {}.
type jsonIntensityFields struct {
	B1Mask  *int `json:"b1_mask"`
	B1Shift *int `json:"b1_shift"`
	B0Shift *int `json:"b0_shift"`
	B0Mask  *int `json:"b0_mask"`
}

// jsonHRFlagFields mirrors semantics.py's hr_cfg = cfg.get("hr_flag") or {}.
type jsonHRFlagFields struct {
	Mask *int `json:"mask"`
}

// jsonAngleFields mirrors semantics.py's angle_cfg = cfg.get("angle") or {}.
// StartField/EndField use Go's existing "" means absent convention (matching
// semantics.py's `str(x.get(key) or default)`, which also treats "" as
// absent); RightShift/ScaleDiv/Offset/SubtractA000 use pointers because
// semantics.py reads them with plain cfg.get(key, default), under which an
// explicit zero/false differs from an absent key.
type jsonAngleFields struct {
	StartField   string   `json:"start_field"`
	EndField     string   `json:"end_field"`
	RightShift   *int     `json:"right_shift"`
	ScaleDiv     *float64 `json:"scale_div"`
	Offset       *float64 `json:"offset"`
	SubtractA000 *bool    `json:"subtract_a000"`
}

// jsonSpeedFields mirrors semantics.py's speed_cfg = cfg.get("speed") or {}.
type jsonSpeedFields struct {
	Field string   `json:"field"`
	Div   *float64 `json:"div"`
}

type jsonTransform struct {
	Type               string               `json:"type"`
	FrameName          string               `json:"frame_name"`
	InputField         string               `json:"input_field"`
	CountRef           string               `json:"count_ref"`
	BrightnessMode     string               `json:"brightness_mode"`
	Distance           *jsonDistanceFields  `json:"distance"`
	Intensity          *jsonIntensityFields `json:"intensity"`
	HRFlag             *jsonHRFlagFields    `json:"hr_flag"`
	Angle              *jsonAngleFields     `json:"angle"`
	Speed              *jsonSpeedFields     `json:"speed"`
	IncludeFrameFields []string             `json:"include_frame_fields"`
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

type jsonCommandSet struct {
	CommandSetID string `json:"command_set_id"`
	Commands     []jsonCommand `json:"commands"`
	Telemetry    struct {
		Transforms []jsonTransform `json:"transforms"`
	} `json:"telemetry"`
}

type jsonProtocolBundle struct {
	ProtocolID              string `json:"protocol_id"`
	ExpectedProtocolVersion string `json:"expected_protocol_version"`
}

type jsonModel struct {
	ModelID         string               `json:"model_id"`
	ProtocolBundles []jsonProtocolBundle `json:"protocol_bundles"`
}

var typeNames = map[string]valuecodec.Type{
	"uint8": valuecodec.Uint8, "int8": valuecodec.Int8,
	"uint16_le": valuecodec.Uint16LE, "uint16_be": valuecodec.Uint16BE,
	"int16_le": valuecodec.Int16LE, "int16_be": valuecodec.Int16BE,
	"uint32_le": valuecodec.Uint32LE, "uint32_be": valuecodec.Uint32BE,
	"int32_le": valuecodec.Int32LE, "int32_be": valuecodec.Int32BE,
	"float32_le": valuecodec.Float32LE, "float32_be": valuecodec.Float32BE,
	"bytes": valuecodec.Bytes,
}

func parseValueType(s string) (valuecodec.Type, error) {
	t, ok := typeNames[s]
	if !ok {
		return 0, fmt.Errorf("unrecognised value type %q", s)
	}
	return t, nil
}

func parseHeaderByte(s string) (byte, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0X"), "0x")
	v, err := strconv.ParseUint(s, 16, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid header byte %q: %w", s, err)
	}
	return byte(v), nil
}

func parseHeader(tokens []string) ([]byte, error) {
	out := make([]byte, len(tokens))
	for i, tok := range tokens {
		b, err := parseHeaderByte(tok)
		if err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}

func parseStoreFormat(s string) (checksum.StoreFormat, error) {
	switch s {
	case "", "uint8":
		return checksum.Uint8, nil
	case "uint16_le":
		return checksum.Uint16LE, nil
	case "uint16_be":
		return checksum.Uint16BE, nil
	case "uint32_le":
		return checksum.Uint32LE, nil
	case "uint32_be":
		return checksum.Uint32BE, nil
	default:
		return 0, fmt.Errorf("unrecognised store_format %q", s)
	}
}

func u64(m map[string]json.RawMessage, key string) uint64 {
	raw, ok := m[key]
	if !ok {
		return 0
	}
	var v uint64
	json.Unmarshal(raw, &v)
	return v
}

func boolParam(m map[string]json.RawMessage, key string) bool {
	raw, ok := m[key]
	if !ok {
		return false
	}
	var v bool
	json.Unmarshal(raw, &v)
	return v
}

func intSlice(m map[string]json.RawMessage, key string) []int {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	var v []int
	json.Unmarshal(raw, &v)
	return v
}

func convertChecksum(jc *jsonChecksum) (*checksum.Spec, error) {
	if jc == nil {
		return nil, nil
	}
	spec := &checksum.Spec{
		Range:   checksum.Range{From: jc.Range.From, To: jc.Range.To},
		StoreAt: jc.StoreAt,
	}

	switch jc.Type {
	case "sum8":
		spec.Type = checksum.Sum8
	case "cs15":
		spec.Type = checksum.CS15
	case "xor16_slices":
		spec.Type = checksum.XOR16Slices
	case "crc16":
		spec.Type = checksum.CRC16
	case "crc32":
		spec.Type = checksum.CRC32
	default:
		return nil, fmt.Errorf("unrecognised checksum type %q", jc.Type)
	}

	sf, err := parseStoreFormat(jc.StoreFormat)
	if err != nil {
		return nil, err
	}
	if jc.StoreFormat == "" {
		if d, ok := checksum.DefaultStoreFormat(spec.Type); ok {
			sf = d
		}
	}
	spec.StoreFormat = sf

	if spec.Type == checksum.CRC16 || spec.Type == checksum.CRC32 {
		spec.CRC = checksum.CRCParams{
			Poly:   u64(jc.Params, "poly"),
			Init:   u64(jc.Params, "init"),
			XorOut: u64(jc.Params, "xorout"),
			RefIn:  boolParam(jc.Params, "refin"),
			RefOut: boolParam(jc.Params, "refout"),
		}
	}
	if spec.Type == checksum.XOR16Slices {
		spec.XOR16.SeedLowOffsets = intSlice(jc.Params, "seed_low_offsets")
		spec.XOR16.SeedUpOffsets = intSlice(jc.Params, "seed_up_offsets")
		if raw, ok := jc.Params["data_slices"]; ok {
			var rawSlices []map[string]json.RawMessage
			if err := json.Unmarshal(raw, &rawSlices); err != nil {
				return nil, fmt.Errorf("checksum data_slices: %w", err)
			}
			for _, rs := range rawSlices {
				var from, to, stride int
				var low, up []int
				json.Unmarshal(rs["from"], &from)
				json.Unmarshal(rs["to"], &to)
				json.Unmarshal(rs["stride"], &stride)
				json.Unmarshal(rs["low_rel_offsets"], &low)
				json.Unmarshal(rs["up_rel_offsets"], &up)
				spec.XOR16.DataSlices = append(spec.XOR16.DataSlices, checksum.XOR16Slice{
					From: from, To: to, Stride: stride, LowRelOffsets: low, UpRelOffsets: up,
				})
			}
		}
	}
	return spec, nil
}

func convertLength(jl jsonLength) (schema.LengthSpec, error) {
	switch jl.Mode {
	case "fixed":
		return schema.LengthSpec{Mode: schema.LengthFixed, Value: jl.Value}, nil
	case "dynamic":
		t, err := parseValueType(jl.Field.Type)
		if err != nil {
			return schema.LengthSpec{}, err
		}
		return schema.LengthSpec{
			Mode:          schema.LengthDynamic,
			Field:         schema.LengthField{Offset: jl.Field.Offset, Length: jl.Field.Length, Type: t},
			OverheadBytes: jl.OverheadBytes,
		}, nil
	case "counted":
		t, err := parseValueType(jl.CountField.Type)
		if err != nil {
			return schema.LengthSpec{}, err
		}
		return schema.LengthSpec{
			Mode:          schema.LengthCounted,
			CountField:    schema.LengthField{Offset: jl.CountField.Offset, Length: jl.CountField.Length, Type: t},
			UnitBytes:     jl.UnitBytes,
			OverheadBytes: jl.OverheadBytes,
		}, nil
	default:
		return schema.LengthSpec{}, fmt.Errorf("unrecognised length mode %q", jl.Mode)
	}
}

func convertField(jf jsonField) (schema.Field, error) {
	t, err := parseValueType(jf.Type)
	if err != nil {
		return schema.Field{}, err
	}
	fl := schema.FieldLength{Literal: jf.Length.lit}
	if jf.Length.isRef {
		fl = schema.FieldLength{Ref: jf.Length.ref, Mul: jf.Length.mul, Add: jf.Length.add}
	}
	return schema.Field{Name: jf.Name, Offset: jf.Offset, Length: fl, Type: t}, nil
}

func convertSelector(js *jsonFrameSelector) *schema.FrameSelector {
	if js == nil || js.Type != "if_bits_v1" {
		return nil
	}
	return &schema.FrameSelector{
		Type:                  schema.SelectorIfBitsV1,
		IfOffset:              js.IfOffset,
		SpeedBit:              js.SpeedBit,
		SpeedInvert:           js.SpeedInvert,
		BrightnessBit:         js.BrightnessBit,
		BrightnessInvert:      js.BrightnessInvert,
		BrightnessU16Bit:      js.BrightnessU16Bit,
		BrightnessU16Invert:   js.BrightnessU16Invert,
	}
}

// LoadProtocol reads and validates a protocol.json file per spec.md §6's
// required top-level keys.
func LoadProtocol(path string) (*schema.Protocol, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var jp jsonProtocol
	if err := json.Unmarshal(b, &jp); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	proto := schema.Protocol{
		ProtocolID:      jp.ProtocolID,
		ProtocolVersion: jp.ProtocolVersion,
		Selector:        convertSelector(jp.FrameSelector),
	}
	for _, jf := range jp.Frames {
		header, err := parseHeader(jf.Header)
		if err != nil {
			return nil, fmt.Errorf("frame %q: %w", jf.Name, err)
		}
		length, err := convertLength(jf.Length)
		if err != nil {
			return nil, fmt.Errorf("frame %q: %w", jf.Name, err)
		}
		var fields []schema.Field
		for _, jField := range jf.Fields {
			f, err := convertField(jField)
			if err != nil {
				return nil, fmt.Errorf("frame %q field %q: %w", jf.Name, jField.Name, err)
			}
			fields = append(fields, f)
		}
		cs, err := convertChecksum(jf.Checksum)
		if err != nil {
			return nil, fmt.Errorf("frame %q: %w", jf.Name, err)
		}
		proto.Frames = append(proto.Frames, schema.Frame{
			Name: jf.Name, Header: header, Length: length, Fields: fields, Checksum: cs,
		})
	}

	return schema.LoadProtocol(proto)
}

// convertTransform ports original_source/dvk/semantics.py's
// _transform_triplet_pointcloud_v1 and _transform_if_dn_pointcloud_v1
// default-filling, field by field: count_ref, the angle start/end field
// names, subtract_a000 and the speed field/divisor all default
// differently depending on tType, exactly as the two Python functions
// above do rather than sharing one default set.
func convertTransform(jt jsonTransform) (schema.Transform, error) {
	var tType schema.TransformType
	switch jt.Type {
	case "triplet_pointcloud_v1":
		tType = schema.TransformTripletPointcloudV1
	case "if_dn_pointcloud_v1":
		tType = schema.TransformIfDnPointcloudV1
	default:
		tType = schema.TransformUnknown
	}

	inputField := jt.InputField
	if inputField == "" {
		inputField = "samples"
	}

	countRef := jt.CountRef
	if countRef == "" {
		if tType == schema.TransformIfDnPointcloudV1 {
			countRef = "dn"
		} else {
			countRef = "lsn"
		}
	}

	var brightness schema.BrightnessMode
	switch jt.BrightnessMode {
	case "u8":
		brightness = schema.BrightnessU8
	case "u16_le":
		brightness = schema.BrightnessU16LE
	default:
		brightness = schema.BrightnessNone
	}

	dist := jt.Distance
	if dist == nil {
		dist = &jsonDistanceFields{}
	}
	inten := jt.Intensity
	if inten == nil {
		inten = &jsonIntensityFields{}
	}
	hr := jt.HRFlag
	if hr == nil {
		hr = &jsonHRFlagFields{}
	}
	angle := jt.Angle
	if angle == nil {
		angle = &jsonAngleFields{}
	}
	speedCfg := jt.Speed
	if speedCfg == nil {
		speedCfg = &jsonSpeedFields{}
	}

	startField := angle.StartField
	endField := angle.EndField
	if tType == schema.TransformIfDnPointcloudV1 {
		if startField == "" {
			startField = "fa"
		}
		if endField == "" {
			endField = "la"
		}
	} else {
		if startField == "" {
			startField = "fsa"
		}
		if endField == "" {
			endField = "lsa"
		}
	}

	subtractA000 := boolOr(angle.SubtractA000, tType == schema.TransformIfDnPointcloudV1)

	var speed *schema.SpeedFields
	if tType == schema.TransformIfDnPointcloudV1 {
		speedField := speedCfg.Field
		if speedField == "" {
			speedField = "sp"
		}
		speed = &schema.SpeedFields{Field: speedField, Div: floatOr(speedCfg.Div, 60.0*64.0)}
	}

	// dist_cfg.get("mask", 0x3FFF) is read identically by both transforms,
	// feeding schema.Transform.Distance.Mask (triplet's unpacked-distance
	// mask) and schema.Transform.DistanceMask (if_dn's raw-distance mask).
	distMask := intOr(dist.Mask, 0x3FFF)

	return schema.Transform{
		Type:       tType,
		FrameName:  jt.FrameName,
		InputField: inputField,
		CountRef:   countRef,
		Distance: schema.DistanceFields{
			B2Shift: intOr(dist.B2Shift, 6),
			B1Shift: intOr(dist.B1Shift, 2),
			B1Mask:  intOr(dist.B1Mask, 0x3F),
			Mask:    distMask,
		},
		Intensity: schema.IntensityFields{
			B1Mask:  intOr(inten.B1Mask, 0x03),
			B1Shift: intOr(inten.B1Shift, 6),
			B0Shift: intOr(inten.B0Shift, 2),
			B0Mask:  intOr(inten.B0Mask, 0x3F),
		},
		HRFlag: schema.HRFlagFields{Mask: intOr(hr.Mask, 0x01)},
		Angle: schema.AngleFields{
			StartField:   startField,
			EndField:     endField,
			RightShift:   intOr(angle.RightShift, 1),
			ScaleDiv:     floatOr(angle.ScaleDiv, 64.0),
			Offset:       floatOr(angle.Offset, 0.0),
			SubtractA000: subtractA000,
		},
		DistanceMask:       distMask,
		BrightnessMode:     brightness,
		Speed:              speed,
		IncludeFrameFields: jt.IncludeFrameFields,
	}, nil
}

// LoadCommandSet reads and validates a command-set JSON file per
// spec.md §6.
func LoadCommandSet(path string) (*schema.CommandSet, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var jc jsonCommandSet
	if err := json.Unmarshal(b, &jc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cs := schema.CommandSet{CommandSetID: jc.CommandSetID}
	for _, jcmd := range jc.Commands {
		var payload []schema.PayloadField
		for _, jp := range jcmd.Payload {
			t, err := parseValueType(jp.Type)
			if err != nil {
				return nil, fmt.Errorf("command %q field %q: %w", jcmd.Name, jp.Name, err)
			}
			payload = append(payload, schema.PayloadField{Name: jp.Name, Type: t})
		}
		cs.Commands = append(cs.Commands, schema.Command{Name: jcmd.Name, ID: uint8(jcmd.ID), Payload: payload})
	}
	for _, jt := range jc.Telemetry.Transforms {
		tr, err := convertTransform(jt)
		if err != nil {
			return nil, err
		}
		cs.Telemetry.Transforms = append(cs.Telemetry.Transforms, tr)
	}

	return schema.LoadCommandSet(cs)
}

// LoadModel reads a model.json file per spec.md §6.
func LoadModel(path string) (*schema.Model, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var jm jsonModel
	if err := json.Unmarshal(b, &jm); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	m := schema.Model{ModelID: jm.ModelID}
	for _, bundle := range jm.ProtocolBundles {
		m.ProtocolBundles = append(m.ProtocolBundles, schema.ProtocolBundle{
			ProtocolID: bundle.ProtocolID, ExpectedProtocolVersion: bundle.ExpectedProtocolVersion,
		})
	}
	return &m, nil
}
