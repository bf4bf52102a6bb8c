package semantics

import (
	"encoding/hex"
	"math"
	"testing"

	"github.com/ausocean/dvk/decode"
	"github.com/ausocean/dvk/schema"
)

func tripletTransform() schema.Transform {
	return schema.Transform{
		Type:       schema.TransformTripletPointcloudV1,
		InputField: "samples",
		CountRef:   "lsn",
		Distance:   schema.DistanceFields{B2Shift: 6, B1Shift: 2, B1Mask: 0x3F, Mask: 0x3FFF},
		Intensity:  schema.IntensityFields{B1Mask: 0x03, B1Shift: 6, B0Shift: 2, B0Mask: 0x3F},
		HRFlag:     schema.HRFlagFields{Mask: 0x01},
		Angle: schema.AngleFields{
			StartField: "fsa", EndField: "lsa",
			RightShift: 1, ScaleDiv: 64, Offset: 0,
		},
	}
}

// TestTripletPointcloudV1WorkedExample pins spec.md §8 scenario 5:
// count=2, start_raw=0, end_raw=64 -> start_deg=0, end_deg=0.5,
// delta=0.5, points at 0deg and 0.5deg.
func TestTripletPointcloudV1WorkedExample(t *testing.T) {
	samples := hex.EncodeToString([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	rec := decode.Record{
		FrameName: "scan",
		Values: map[string]interface{}{
			"samples": samples,
			"lsn":     uint64(2),
			"fsa":     uint64(0),
			"lsa":     uint64(64),
		},
	}
	telemetry := schema.Telemetry{Transforms: []schema.Transform{tripletTransform()}}

	rows := Apply(telemetry, []IndexedRecord{{Idx: 7, Record: rec}})
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if math.Abs(rows[0].AngleDeg-0.0) > 1e-9 {
		t.Errorf("rows[0].AngleDeg = %v, want 0", rows[0].AngleDeg)
	}
	if math.Abs(rows[1].AngleDeg-0.5) > 1e-9 {
		t.Errorf("rows[1].AngleDeg = %v, want 0.5", rows[1].AngleDeg)
	}
	for _, r := range rows {
		if r.AngleDeg < 0 || r.AngleDeg >= 360 {
			t.Errorf("angle %v out of [0,360)", r.AngleDeg)
		}
	}
	if rows[0].FrameIdx != 7 {
		t.Errorf("FrameIdx = %d, want 7", rows[0].FrameIdx)
	}
}

// TestTripletPointcloudV1CountInvariant pins spec.md §8's semantic count
// invariant: len(rows) = min(count, floor(len(payload)/3)).
func TestTripletPointcloudV1CountInvariant(t *testing.T) {
	samples := hex.EncodeToString([]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}) // 2 triplets only.
	rec := decode.Record{
		Values: map[string]interface{}{
			"samples": samples,
			"lsn":     uint64(5), // claims 5, but payload only has 2.
			"fsa":     uint64(0),
			"lsa":     uint64(640),
		},
	}
	telemetry := schema.Telemetry{Transforms: []schema.Transform{tripletTransform()}}
	rows := Apply(telemetry, []IndexedRecord{{Record: rec}})
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2 (floor(6/3))", len(rows))
	}
}

func TestTripletPointcloudV1FrameNameFilter(t *testing.T) {
	transform := tripletTransform()
	transform.FrameName = "scan"
	telemetry := schema.Telemetry{Transforms: []schema.Transform{transform}}

	other := decode.Record{
		FrameName: "status",
		Values: map[string]interface{}{
			"samples": hex.EncodeToString([]byte{0, 0, 0}),
			"lsn":     uint64(1), "fsa": uint64(0), "lsa": uint64(0),
		},
	}
	rows := Apply(telemetry, []IndexedRecord{{Record: other}})
	if len(rows) != 0 {
		t.Fatalf("expected frame_name filter to exclude non-matching frame, got %d rows", len(rows))
	}
}

func ifDnTransform() schema.Transform {
	return schema.Transform{
		Type:           schema.TransformIfDnPointcloudV1,
		InputField:     "samples",
		CountRef:       "dn",
		BrightnessMode: schema.BrightnessU8,
		DistanceMask:   0x3FFF,
		Angle: schema.AngleFields{
			StartField: "fa", EndField: "la",
			ScaleDiv: 64, SubtractA000: true,
		},
		Speed: &schema.SpeedFields{Field: "sp", Div: 60 * 64},
	}
}

func TestIfDnPointcloudV1BrightnessAndSpeed(t *testing.T) {
	// Two 3-byte units: distance LE + 1 brightness byte each.
	samples := hex.EncodeToString([]byte{0x10, 0x00, 0x7F, 0x20, 0x00, 0x80})
	rec := decode.Record{
		Values: map[string]interface{}{
			"samples": samples,
			"dn":      uint64(2),
			"fa":      uint64(0xA000),
			"la":      uint64(0xA000 + 64),
			"sp":      uint64(3840),
		},
	}
	telemetry := schema.Telemetry{Transforms: []schema.Transform{ifDnTransform()}}
	rows := Apply(telemetry, []IndexedRecord{{Record: rec}})
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0].DistanceRaw != 0x10 || rows[1].DistanceRaw != 0x20 {
		t.Errorf("unexpected distances: %v %v", rows[0].DistanceRaw, rows[1].DistanceRaw)
	}
	if rows[0].Brightness == nil || *rows[0].Brightness != 0x7F {
		t.Errorf("unexpected brightness: %v", rows[0].Brightness)
	}
	if rows[0].SpeedRPS == nil || *rows[0].SpeedRPS != 1.0 {
		t.Errorf("unexpected speed: %v", rows[0].SpeedRPS)
	}
	if math.Abs(rows[0].AngleDeg-0) > 1e-9 {
		t.Errorf("AngleDeg[0] = %v, want 0", rows[0].AngleDeg)
	}
}

func TestApplySkipsUnrecognizedTransform(t *testing.T) {
	telemetry := schema.Telemetry{Transforms: []schema.Transform{
		{Type: schema.TransformUnknown},
		tripletTransform(),
	}}
	rec := decode.Record{
		Values: map[string]interface{}{
			"samples": hex.EncodeToString([]byte{0, 0, 0}),
			"lsn":     uint64(1), "fsa": uint64(0), "lsa": uint64(0),
		},
	}
	rows := Apply(telemetry, []IndexedRecord{{Record: rec}})
	if len(rows) != 1 {
		t.Fatalf("expected the second, recognized transform to apply, got %d rows", len(rows))
	}
}
