package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ausocean/dvk/semantics"
)

func f64(v float64) *float64 { return &v }

func TestComputeStats(t *testing.T) {
	rows := []semantics.Row{
		{DistanceRaw: 10, Intensity: f64(1)},
		{DistanceRaw: 20, Intensity: f64(3)},
	}
	s := ComputeStats(rows)
	if s.Count != 2 {
		t.Fatalf("Count = %d, want 2", s.Count)
	}
	if s.DistanceMean != 15 {
		t.Fatalf("DistanceMean = %v, want 15", s.DistanceMean)
	}
	if s.IntensityMean != 2 {
		t.Fatalf("IntensityMean = %v, want 2", s.IntensityMean)
	}
}

func TestComputeStatsEmpty(t *testing.T) {
	if got := ComputeStats(nil); got.Count != 0 {
		t.Fatalf("ComputeStats(nil) = %+v, want zero value", got)
	}
}

func TestWriteJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decode_meta.json")

	meta := Metadata{
		DeviceID:  "dev1",
		Protocol:  "lidar_v1",
		FrameName: "scan",
		InputPath: "capture.bin",
		OutputPaths: map[string]string{
			"raw":      "decoded_raw.json",
			"semantic": "decoded.json",
		},
		Stats:     FrameStats{TotalFrames: 10, DecodedOK: 9, DecodeErrors: 1},
		Semantic:  SemanticInfo{Applied: true, Reason: "triplet_pointcloud_v1 applied"},
		CreatedAt: "2026-07-31T00:00:00Z",
	}
	if err := WriteJSON(path, meta); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got Metadata
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(meta, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestWriteRecordsCSV(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "decoded.csv")

	rows := []map[string]interface{}{
		{"a": 1, "b": "x"},
		{"b": "y", "c": 3.5},
	}
	if err := WriteRecordsCSV(path, rows); err != nil {
		t.Fatalf("WriteRecordsCSV: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	want := "a,b,c\n1,x,<nil>\n<nil>,y,3.5\n"
	if string(b) != want {
		t.Fatalf("csv = %q, want %q", string(b), want)
	}
}

func TestRowsToGeneric(t *testing.T) {
	hr := uint64(1)
	rows := []semantics.Row{
		{FrameIdx: 2, PointIdx: 3, AngleDeg: 45, DistanceRaw: 100, Intensity: f64(9), HRFlag: &hr,
			Include: map[string]interface{}{"lsn": uint64(5)}},
	}
	got := RowsToGeneric(rows)
	want := []map[string]interface{}{
		{
			"frame_idx": uint32(2), "point_idx": 3, "angle_deg": 45.0, "distance_raw": 100.0,
			"intensity": 9.0, "hr_flag": uint64(1), "lsn": uint64(5),
		},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("RowsToGeneric mismatch (-want +got):\n%s", diff)
	}
}
