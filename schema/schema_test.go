package schema

import (
	"testing"

	"github.com/ausocean/dvk/checksum"
	"github.com/ausocean/dvk/valuecodec"
)

func simpleProtocol() Protocol {
	return Protocol{
		ProtocolID:      "test",
		ProtocolVersion: "1",
		Frames: []Frame{
			{
				Name:   "status",
				Header: []byte{0xAA, 0x55},
				Length: LengthSpec{Mode: LengthFixed, Value: 6},
				Fields: []Field{
					{Name: "a", Offset: 2, Length: FieldLength{Literal: 1}, Type: valuecodec.Uint8},
				},
				Checksum: &checksum.Spec{
					Type: checksum.Sum8, Range: checksum.Range{From: 0, To: 4},
					StoreAt: 5, StoreFormat: checksum.Uint8,
				},
			},
		},
	}
}

func TestLoadProtocolValid(t *testing.T) {
	p, err := LoadProtocol(simpleProtocol())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := p.FrameByName("status"); !ok {
		t.Fatal("expected to find frame by name")
	}
}

func TestLoadProtocolEmptyHeader(t *testing.T) {
	p := simpleProtocol()
	p.Frames[0].Header = nil
	_, err := LoadProtocol(p)
	if err == nil {
		t.Fatal("expected error for empty header")
	}
}

func TestLoadProtocolChecksumOverlapRejected(t *testing.T) {
	p := simpleProtocol()
	p.Frames[0].Checksum.Range = checksum.Range{From: 0, To: 5} // overlaps StoreAt=5.
	_, err := LoadProtocol(p)
	if err == nil {
		t.Fatal("expected checksum range overlap to be rejected")
	}
}

func TestLoadProtocolChecksumOverlapRejectedNegativeIndices(t *testing.T) {
	p := simpleProtocol()
	// Checksum at the very end of a fixed-length-6 frame, range covering
	// everything up to and including the checksum byte itself: a common
	// real pattern (spec.md §9(a)) that must be rejected even though
	// every index here is negative.
	p.Frames[0].Checksum.Range = checksum.Range{From: 0, To: -1}
	p.Frames[0].Checksum.StoreAt = -1
	_, err := LoadProtocol(p)
	if err == nil {
		t.Fatal("expected negative-index checksum range overlap to be rejected")
	}
}

func TestLoadProtocolChecksumNoOverlapNegativeIndices(t *testing.T) {
	p := simpleProtocol()
	// Checksum at the end, range excluding it: From:0,To:-2 on a 6-byte
	// frame resolves to [0,4], StoreAt:-1 resolves to 5 — no overlap.
	p.Frames[0].Checksum.Range = checksum.Range{From: 0, To: -2}
	p.Frames[0].Checksum.StoreAt = -1
	_, err := LoadProtocol(p)
	if err != nil {
		t.Fatalf("unexpected error for non-overlapping negative-index range: %v", err)
	}
}

func TestLoadCommandSetDuplicateID(t *testing.T) {
	cs := CommandSet{
		Commands: []Command{
			{Name: "start", ID: 0x01},
			{Name: "stop", ID: 0x01},
		},
	}
	_, err := LoadCommandSet(cs)
	if err == nil {
		t.Fatal("expected duplicate command id to be rejected")
	}
}

func TestLoadCommandSetValid(t *testing.T) {
	cs := CommandSet{
		Commands: []Command{
			{Name: "start", ID: 0x01, Payload: []PayloadField{{Name: "speed", Type: valuecodec.Uint8}}},
		},
	}
	got, err := LoadCommandSet(cs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := got.CommandByName("start"); !ok {
		t.Fatal("expected to find command by name")
	}
}

func TestFrameSelectorResolve(t *testing.T) {
	sel := FrameSelector{IfOffset: 0, SpeedBit: 0, BrightnessBit: 1, BrightnessU16Bit: 2}
	cases := []struct {
		ifByte byte
		want   string
	}{
		{0b000, KeyNoSpeedDistOnly},
		{0b001, KeySpeedDistOnly},
		{0b010, KeyNoSpeedDistBrightnessU8},
		{0b011, KeySpeedDistBrightnessU8},
		{0b110, KeyNoSpeedDistBrightnessU16},
		{0b111, KeySpeedDistBrightnessU16},
	}
	for _, c := range cases {
		if got := sel.Resolve(c.ifByte); got != c.want {
			t.Errorf("Resolve(0b%03b) = %q, want %q", c.ifByte, got, c.want)
		}
	}
}

func TestFrameSelectorResolveInvertedBits(t *testing.T) {
	sel := FrameSelector{SpeedBit: 0, SpeedInvert: 1, BrightnessBit: 1, BrightnessU16Bit: 2}
	// With SpeedInvert set, bit=0 means "speed present".
	if got := sel.Resolve(0b000); got != KeySpeedDistOnly {
		t.Errorf("Resolve with inverted speed bit = %q, want %q", got, KeySpeedDistOnly)
	}
}
