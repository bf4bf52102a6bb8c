package checksum

import "testing"

// TestSum8Scenario exercises the literal scenario from spec.md §8.1:
// header [0xAA,0x55], sum8 over [0,4].
func TestSum8Scenario(t *testing.T) {
	frame := []byte{0xAA, 0x55, 0x01, 0x02, 0x03, 0xAB}
	got := sum8(frame, 0, 4)
	want := uint8((0xAA + 0x55 + 0x01 + 0x02 + 0x03) & 0xFF)
	if got != want {
		t.Fatalf("Sum8() = 0x%02x, want 0x%02x", got, want)
	}
	if got == frame[5] {
		t.Fatalf("test fixture should mismatch stored checksum 0x%02x", frame[5])
	}

	spec := Spec{Type: Sum8, Range: Range{From: 0, To: 4}, StoreAt: 5, StoreFormat: Uint8}
	ok, err := Verify(frame, spec)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected checksum mismatch with stored 0xAB")
	}

	frame[5] = got
	ok, err = Verify(frame, spec)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected checksum match after correcting stored byte")
	}
}

// TestCS15Scenario exercises spec.md §8.3.
func TestCS15Scenario(t *testing.T) {
	got := cs15([]byte{0x01, 0x02})
	want := uint32(0x0201)
	if got != want {
		t.Fatalf("CS15() = 0x%04x, want 0x%04x", got, want)
	}
}

func TestCS15OddLengthPadding(t *testing.T) {
	a := cs15([]byte{0x01, 0x02, 0x03})
	b := cs15([]byte{0x01, 0x02, 0x03, 0x00})
	if a != b {
		t.Fatalf("odd-length input should pad with 0x00: got 0x%04x vs 0x%04x", a, b)
	}
}

// TestXOR16SlicesScenario mirrors spec.md §8.4's worked inputs, but with
// the expected value pinned to original_source/dvk/checksums.py's
// checksum_xor16_slices ground truth: both low and up accumulators read
// frame[pos+rel] off the same pos, so a single shared rel offset of 0
// pulls the same bytes into both accumulators.
func TestXOR16SlicesScenario(t *testing.T) {
	frame := []byte{0x00, 0x11, 0x22, 0x33}
	p := XOR16Params{
		SeedLowOffsets: []int{0},
		SeedUpOffsets:  []int{1},
		DataSlices: []XOR16Slice{
			{From: 2, To: 3, Stride: 1, LowRelOffsets: []int{0}, UpRelOffsets: []int{0}},
		},
	}
	got := xor16Slices(frame, p)
	want := uint32(((0x11 ^ 0x22 ^ 0x33) << 8) | (0x00 ^ 0x22 ^ 0x33))
	if got != want {
		t.Fatalf("XOR16Slices() = 0x%04x, want 0x%04x", got, want)
	}
}

// TestXOR16SlicesDistinctRelOffsets pins the same-pos indexing with
// distinct low/up relative offsets, matching checksums.py's
// checksum_xor16_slices against frame=[0,1,2,3,4,5],
// slice{from:0,to:5,stride:2,low_rel:[0],up_rel:[1]}: low accumulates
// frame[0],frame[2],frame[4] and up accumulates frame[1],frame[3],frame[5]
// off the very same stride positions, with no added stride between the
// two accumulators.
func TestXOR16SlicesDistinctRelOffsets(t *testing.T) {
	frame := []byte{0, 1, 2, 3, 4, 5}
	p := XOR16Params{
		DataSlices: []XOR16Slice{
			{From: 0, To: 5, Stride: 2, LowRelOffsets: []int{0}, UpRelOffsets: []int{1}},
		},
	}
	got := xor16Slices(frame, p)
	want := uint32(((1 ^ 3 ^ 5) << 8) | (0 ^ 2 ^ 4))
	if got != want {
		t.Fatalf("XOR16Slices() = 0x%04x, want 0x%04x", got, want)
	}
}

func TestXOR16SlicesOutOfRangeTolerated(t *testing.T) {
	frame := []byte{0x01, 0x02}
	p := XOR16Params{
		SeedLowOffsets: []int{0, 50},
		DataSlices: []XOR16Slice{
			{From: 0, To: 100, Stride: 1, LowRelOffsets: []int{0, 10}},
		},
	}
	// Should not panic, and should ignore all out-of-range contributions.
	got := xor16Slices(frame, p)
	want := uint32(0x01 ^ 0x01 ^ 0x02) // seed@0 then slice touches idx0 and idx1 (rel 0), rel10 skipped.
	if got != want {
		t.Fatalf("XOR16Slices() = 0x%04x, want 0x%04x", got, want)
	}
}

// TestCRC16Modbus pins the reflected-polynomial convention from the
// design notes: CRC-16/MODBUS uses poly 0xA001, the already-reflected
// form of 0x8005.
func TestCRC16Modbus(t *testing.T) {
	data := []byte{0x01, 0x03, 0x00, 0x00, 0x00, 0x0A}
	got := CRC(data, 16, 0xA001, 0xFFFF, 0x0000, true, true)
	want := uint64(0xCDC5)
	if got != want {
		t.Fatalf("CRC16/MODBUS = 0x%04x, want 0x%04x", got, want)
	}
}

func TestCRC32IEEEReflected(t *testing.T) {
	data := []byte("123456789")
	// CRC-32/ISO-HDLC reflected form (what hash/crc32.ChecksumIEEE computes).
	got := CRC(data, 32, 0xEDB88320, 0xFFFFFFFF, 0xFFFFFFFF, true, true)
	want := uint64(0xCBF43926)
	if got != want {
		t.Fatalf("CRC32 = 0x%08x, want 0x%08x", got, want)
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	specs := []Spec{
		{Type: Sum8, Range: Range{From: 0, To: 3}, StoreAt: 4, StoreFormat: Uint8},
		{Type: CS15, Range: Range{From: 0, To: 3}, StoreAt: -2, StoreFormat: Uint16LE},
		{Type: CRC16, Range: Range{From: 0, To: 3}, StoreAt: -2, StoreFormat: Uint16LE,
			CRC: CRCParams{Poly: 0xA001, Init: 0xFFFF, XorOut: 0, RefIn: true, RefOut: true}},
	}
	for _, spec := range specs {
		storeLen := map[StoreFormat]int{Uint8: 1, Uint16LE: 2, Uint16BE: 2, Uint32LE: 4, Uint32BE: 4}[spec.StoreFormat]
		frame := append([]byte{0xDE, 0xAD, 0xBE, 0xEF}, make([]byte, storeLen)...)
		if err := Place(frame, spec); err != nil {
			t.Fatalf("Place() error = %v", err)
		}
		ok, err := Verify(frame, spec)
		if err != nil {
			t.Fatalf("Verify() error = %v", err)
		}
		if !ok {
			t.Fatalf("round trip failed for spec %+v on frame % x", spec, frame)
		}
	}
}

func TestComputeInvalidRange(t *testing.T) {
	_, err := Compute([]byte{1, 2, 3}, Spec{Type: Sum8, Range: Range{From: 2, To: 1}, StoreAt: 0, StoreFormat: Uint8})
	if err == nil {
		t.Fatal("expected error for inverted range")
	}
}
