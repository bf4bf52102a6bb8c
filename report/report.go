/*
DESCRIPTION
  report.go implements the offline collaborators spec.md §6 describes at
  their boundary only: a metadata record writer, CSV/JSON tabular row
  output, and a static point-cloud PNG snapshot for verification
  reports. Markdown/HTML report rendering, notebook generation and
  browser launching stay external (spec.md §1's "Out of scope") — this
  package stops at producing the artifacts those collaborators consume.

  Grounded on
  original_source/skills/protocol_decode_skill/scripts/dvk_decode.py's
  write_csv/write_json and the `meta` dict it writes to decode_meta.json
  (device_id, run_id, protocol, frame_name, outputs, semantic{applied,
  reason}, stats, created_at), and on
  original_source/skills/report_skill/scripts/dvk_report.py's figure
  discovery (a reports directory scanned for *.png/*.jpg/*.svg) — here
  RenderPointCloud is the one Go-side producer of such a figure.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package report produces the offline artifacts a decode or detect run
// leaves behind: a metadata record, tabular CSV/JSON row output and a
// static point-cloud plot. It never renders a human-facing report
// itself; that stays an external collaborator (spec.md §1, §6).
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/ausocean/dvk/semantics"
)

// DescriptiveStats holds per-frame distance/intensity summary statistics
// (not part of Metadata, whose Stats field is a FrameStats of frame
// counts), computed with gonum.org/v1/gonum/stat the
// same way cmd/rv/probe.go reduces per-frame turbidity scores with
// stat.Mean.
type DescriptiveStats struct {
	Count int

	DistanceMean, DistanceStdDev   float64
	IntensityMean, IntensityStdDev float64
}

// ComputeStats folds rows into a DescriptiveStats summary. Rows whose
// Intensity is nil (if_dn_pointcloud_v1 output) are counted for distance
// only.
func ComputeStats(rows []semantics.Row) DescriptiveStats {
	if len(rows) == 0 {
		return DescriptiveStats{}
	}

	distances := make([]float64, len(rows))
	var intensities []float64
	for i, r := range rows {
		distances[i] = r.DistanceRaw
		if r.Intensity != nil {
			intensities = append(intensities, *r.Intensity)
		}
	}

	s := DescriptiveStats{
		Count:        len(rows),
		DistanceMean: stat.Mean(distances, nil),
	}
	s.DistanceStdDev = stat.StdDev(distances, nil)
	if len(intensities) > 0 {
		s.IntensityMean = stat.Mean(intensities, nil)
		s.IntensityStdDev = stat.StdDev(intensities, nil)
	}
	return s
}

// SemanticInfo carries whether a semantic transform applied and why,
// mirroring semantics.SemanticResult without importing the row slice
// into the persisted record.
type SemanticInfo struct {
	Applied bool   `json:"applied"`
	Reason  string `json:"reason"`
}

// FrameStats mirrors DecodeStats from dvk_decode.py.
type FrameStats struct {
	TotalFrames  int `json:"total_frames"`
	DecodedOK    int `json:"decoded_ok"`
	DecodeErrors int `json:"decode_errors"`
}

// Metadata is the per-run offline metadata record described in spec.md
// §6, written alongside a decode or detect run's tabular output.
type Metadata struct {
	DeviceID    string            `json:"device_id"`
	Protocol    string            `json:"protocol"`
	FrameName   string            `json:"frame_name"`
	InputPath   string            `json:"input_path"`
	OutputPaths map[string]string `json:"output_paths"`
	Stats       FrameStats        `json:"stats"`
	Semantic    SemanticInfo      `json:"semantic"`
	CreatedAt   string            `json:"created_at"` // RFC3339; stamped by the caller (time.Now is not available inside pure helpers under test).
}

// WriteJSON writes meta as indented JSON to path.
func WriteJSON(path string, meta Metadata) error {
	b, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("report: marshal metadata: %w", err)
	}
	if err := os.WriteFile(path, b, 0644); err != nil {
		return fmt.Errorf("report: write %s: %w", path, err)
	}
	return nil
}

// WriteRecordsCSV writes a slice of generic field records (as produced
// by decode.Record.Values, or any map[string]interface{} row) to path
// as CSV. Column order is the sorted union of every row's keys, mirroring
// dvk_decode.py's write_csv, which also derives a stable header from the
// union of keys seen across rows.
func WriteRecordsCSV(path string, rows []map[string]interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("report: create %s: %w", path, err)
	}
	defer f.Close()

	header := unionKeys(rows)
	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("report: write csv header: %w", err)
	}
	for _, row := range rows {
		record := make([]string, len(header))
		for i, k := range header {
			record[i] = fmt.Sprint(row[k])
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("report: write csv row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func unionKeys(rows []map[string]interface{}) []string {
	seen := map[string]bool{}
	var keys []string
	for _, row := range rows {
		for k := range row {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	sort.Strings(keys)
	return keys
}

// RowsToGeneric flattens semantic rows into the generic
// map[string]interface{} shape WriteRecordsCSV expects,
// so both decode.Record output and semantics.Row output share one
// tabular writer.
func RowsToGeneric(rows []semantics.Row) []map[string]interface{} {
	out := make([]map[string]interface{}, len(rows))
	for i, r := range rows {
		m := map[string]interface{}{
			"frame_idx":    r.FrameIdx,
			"point_idx":    r.PointIdx,
			"angle_deg":    r.AngleDeg,
			"distance_raw": r.DistanceRaw,
		}
		if r.Intensity != nil {
			m["intensity"] = *r.Intensity
		}
		if r.HRFlag != nil {
			m["hr_flag"] = *r.HRFlag
		}
		if r.Brightness != nil {
			m["brightness"] = *r.Brightness
		}
		if r.SpeedRPS != nil {
			m["speed_rps"] = *r.SpeedRPS
		}
		for k, v := range r.Include {
			m[k] = v
		}
		out[i] = m
	}
	return out
}

// RenderPointCloud draws rows as a polar-derived scatter (x, y in the
// units distance_raw is expressed in) to a PNG at path. It is a static
// CLI-produced artifact for a verification report's figures section
// (dvk_report.py's find_figures globs exactly this kind of file out of
// a reports directory), not a GUI.
func RenderPointCloud(path string, rows []semantics.Row, width, height vg.Length) error {
	p := plot.New()
	p.Title.Text = "Point cloud"
	p.X.Label.Text = "x"
	p.Y.Label.Text = "y"

	pts := make(plotter.XYs, 0, len(rows))
	for _, r := range rows {
		rad := r.AngleDeg * math.Pi / 180
		pts = append(pts, plotter.XY{
			X: r.DistanceRaw * math.Cos(rad),
			Y: r.DistanceRaw * math.Sin(rad),
		})
	}
	scatter, err := plotter.NewScatter(pts)
	if err != nil {
		return fmt.Errorf("report: new scatter: %w", err)
	}
	scatter.GlyphStyle.Radius = vg.Points(1.5)
	p.Add(scatter)

	if err := p.Save(width, height, path); err != nil {
		return fmt.Errorf("report: save plot %s: %w", path, err)
	}
	return nil
}
