/*
DESCRIPTION
  dvkctl is the command-line entry point wiring the core packages
  together: detect, decode, encode and live subcommands over a
  protocol/command-set described by JSON files. Argument parsing and
  schema-file loading are deliberately kept out of the core packages
  (spec.md §1's Out of scope list) and live here instead.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Command dvkctl detects, decodes, encodes and live-streams device
// verification telemetry against a JSON-described protocol.
package main

import (
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ausocean/utils/logging"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/ausocean/dvk/bytesource"
	"github.com/ausocean/dvk/decode"
	"github.com/ausocean/dvk/detect"
	"github.com/ausocean/dvk/encode"
	"github.com/ausocean/dvk/framer"
	"github.com/ausocean/dvk/pipeline"
	"github.com/ausocean/dvk/pipeline/config"
	"github.com/ausocean/dvk/report"
	"github.com/ausocean/dvk/schema"
	"github.com/ausocean/dvk/semantics"
)

// Logging configuration, in the same shape as cmd/rv and cmd/speaker's.
const (
	logPath      = "/var/log/dvkctl/dvkctl.log"
	logMaxSize   = 500 // MB
	logMaxBackup = 10
	logMaxAge    = 28 // days
	logVerbosity = logging.Info
	logSuppress  = true
)

func newLogger() logging.Logger {
	fileLog := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    logMaxSize,
		MaxBackups: logMaxBackup,
		MaxAge:     logMaxAge,
	}
	return logging.New(logVerbosity, io.MultiWriter(fileLog, os.Stderr), logSuppress)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "detect":
		runDetect(os.Args[2:])
	case "decode":
		runDecode(os.Args[2:])
	case "encode":
		runEncode(os.Args[2:])
	case "live":
		runLive(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dvkctl <detect|decode|encode|live> [flags]")
}

// runDetect sniffs a captured byte sample against the single protocol
// file named by -protocol and reports the result.
func runDetect(args []string) {
	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	protoPath := fs.String("protocol", "", "path to a protocol.json file")
	samplePath := fs.String("sample", "", "path to a captured byte sample")
	deviceSerial := fs.String("device-serial", "", "device serial recorded in the run record")
	modelID := fs.String("model-id", "", "model id recorded in the run record")
	runPath := fs.String("run-out", "", "path to write the detection run record as JSON (default: none)")
	acceptAmbiguous := fs.Bool("accept-ambiguous", false, "exit 0 even if detection is ambiguous")
	fs.Parse(args)

	log := newLogger()
	if *protoPath == "" || *samplePath == "" {
		log.Fatal("detect: -protocol and -sample are required")
	}

	proto, err := LoadProtocol(*protoPath)
	if err != nil {
		log.Fatal("detect: loading protocol", "error", err)
	}
	sample, err := os.ReadFile(*samplePath)
	if err != nil {
		log.Fatal("detect: reading sample", "error", err)
	}

	candidates := []detect.Candidate{{ProtocolID: proto.ProtocolID, ProtocolVersion: proto.ProtocolVersion, Proto: proto}}
	best, scored, ambiguous := detect.SniffScore(candidates, sample)
	if best == nil {
		log.Info("detect: no candidate matched the sample")
		return
	}
	log.Info("detect: best match", "protocol_id", best.ProtocolID, "confidence", best.Confidence, "ambiguous", ambiguous)
	for _, s := range scored {
		log.Debug("detect: candidate score", "protocol_id", s.ProtocolID, "score", s.Score, "frames_ok", s.FramesOK, "frames_bad_checksum", s.FramesBadChecksum, "resyncs", s.Resyncs)
	}

	if *runPath != "" {
		record := detect.RunRecord{
			DeviceSerial: *deviceSerial,
			ModelID:      *modelID,
			Method:       "OfflineFile",
			Detected:     *best,
			Candidates:   scored,
			Ambiguous:    ambiguous,
		}
		if err := writeRunRecord(*runPath, record); err != nil {
			log.Warning("detect: writing run record", "error", err)
		}
	}

	if ambiguous && !*acceptAmbiguous {
		log.Warning("detect: ambiguous detection and -accept-ambiguous not set")
		os.Exit(2)
	}
}

// writeRunRecord writes a detection run record as indented JSON to path,
// per spec.md §6's per-device run record.
func writeRunRecord(path string, record detect.RunRecord) error {
	b, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run record: %w", err)
	}
	return os.WriteFile(path, b, 0644)
}

// runDecode frames and decodes a captured byte sample, applies the
// command set's semantic transform, and writes the report artifacts
// spec.md §6 describes.
func runDecode(args []string) {
	fs := flag.NewFlagSet("decode", flag.ExitOnError)
	protoPath := fs.String("protocol", "", "path to a protocol.json file")
	cmdSetPath := fs.String("commands", "", "path to a command-set.json file")
	inputPath := fs.String("input", "", "path to a captured byte sample")
	outDir := fs.String("out", ".", "directory to write decoded output into")
	deviceID := fs.String("device-id", "dvk", "device identifier recorded in the metadata")
	fs.Parse(args)

	log := newLogger()
	if *protoPath == "" || *inputPath == "" {
		log.Fatal("decode: -protocol and -input are required")
	}

	proto, err := LoadProtocol(*protoPath)
	if err != nil {
		log.Fatal("decode: loading protocol", "error", err)
	}
	var cmdSet *schema.CommandSet
	if *cmdSetPath != "" {
		cmdSet, err = LoadCommandSet(*cmdSetPath)
		if err != nil {
			log.Fatal("decode: loading command set", "error", err)
		}
	}

	raw, err := os.ReadFile(*inputPath)
	if err != nil {
		log.Fatal("decode: reading input", "error", err)
	}

	f := framer.New(proto)
	f.Write(raw)

	var (
		records      []semantics.IndexedRecord
		rawRows      []map[string]interface{}
		decodeErrors int
		frameName    string
		idx          uint32
	)
	f.Drain(func(fr framer.Frame) {
		frameName = fr.Name
		schemaFrame, ok := proto.FrameByName(fr.Name)
		if !ok {
			return
		}
		rec, err := decode.Frame(fr.Raw, schemaFrame)
		if err != nil {
			decodeErrors++
			log.Warning("decode: frame decode failed", "frame", fr.Name, "error", err)
			return
		}
		records = append(records, semantics.IndexedRecord{Idx: idx, Record: rec})
		rawRows = append(rawRows, rec.Values)
		idx++
	})

	stats := f.Stats()
	meta := report.Metadata{
		DeviceID:  *deviceID,
		Protocol:  proto.ProtocolID,
		FrameName: frameName,
		InputPath: *inputPath,
		Stats: report.FrameStats{
			TotalFrames:  int(stats.FramesOK + stats.FramesBadChecksum),
			DecodedOK:    len(records),
			DecodeErrors: decodeErrors,
		},
		OutputPaths: map[string]string{},
		CreatedAt:   time.Now().UTC().Format(time.RFC3339),
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatal("decode: creating output directory", "error", err)
	}

	rawPath := *outDir + "/decoded_raw.json"
	if err := writeRawRecords(rawPath, rawRows); err != nil {
		log.Warning("decode: writing raw output", "error", err)
	} else {
		meta.OutputPaths["raw"] = rawPath
	}

	if cmdSet != nil {
		result := semantics.ApplyResult(cmdSet.Telemetry, records)
		meta.Semantic = report.SemanticInfo{Applied: result.Applied, Reason: result.Reason}

		csvPath := *outDir + "/decoded.csv"
		if err := report.WriteRecordsCSV(csvPath, report.RowsToGeneric(result.Rows)); err != nil {
			log.Warning("decode: writing csv", "error", err)
		} else {
			meta.OutputPaths["csv"] = csvPath
		}

		if len(result.Rows) > 0 {
			pngPath := *outDir + "/points.png"
			if err := report.RenderPointCloud(pngPath, result.Rows, 6*72, 6*72); err != nil {
				log.Warning("decode: rendering point cloud", "error", err)
			} else {
				meta.OutputPaths["plot"] = pngPath
			}
		}
	}

	metaPath := *outDir + "/decode_meta.json"
	if err := report.WriteJSON(metaPath, meta); err != nil {
		log.Fatal("decode: writing metadata", "error", err)
	}
	log.Info("decode: complete", "frames_ok", stats.FramesOK, "frames_bad_checksum", stats.FramesBadChecksum, "resyncs", stats.Resyncs)
}

// writeRawRecords writes the per-frame decoded field values to path as
// a JSON array, one object per frame in stream order.
func writeRawRecords(path string, rows []map[string]interface{}) error {
	b, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal raw records: %w", err)
	}
	return os.WriteFile(path, b, 0644)
}

// runEncode builds one outbound command frame and writes it to stdout
// as hex. Payload parameter values are supplied as a JSON object
// mapping field name to value, e.g. {"speed":12,"distance":300}.
func runEncode(args []string) {
	fs := flag.NewFlagSet("encode", flag.ExitOnError)
	cmdSetPath := fs.String("commands", "", "path to a command-set.json file")
	cmdName := fs.String("cmd", "", "command name to encode")
	headerHex := fs.String("header", "", "hex-encoded frame header bytes")
	paramsJSON := fs.String("params", "{}", "JSON object of payload field name to value")
	fs.Parse(args)

	log := newLogger()
	if *cmdSetPath == "" || *cmdName == "" {
		log.Fatal("encode: -commands and -cmd are required")
	}

	cmdSet, err := LoadCommandSet(*cmdSetPath)
	if err != nil {
		log.Fatal("encode: loading command set", "error", err)
	}

	var params map[string]interface{}
	if err := json.Unmarshal([]byte(*paramsJSON), &params); err != nil {
		log.Fatal("encode: invalid -params JSON", "error", err)
	}

	header, err := hex.DecodeString(*headerHex)
	if err != nil {
		log.Fatal("encode: invalid -header hex", "error", err)
	}

	frame, err := encode.Command(cmdSet, *cmdName, params, encode.Layout{Header: header})
	if err != nil {
		log.Fatal("encode: building command frame", "error", err)
	}
	fmt.Println(hex.EncodeToString(frame))
}

// runLive starts a live pipeline reading framed telemetry from a byte
// source and publishing point-cloud rows to an SHM ring until
// interrupted.
func runLive(args []string) {
	fs := flag.NewFlagSet("live", flag.ExitOnError)
	protoPath := fs.String("protocol", "", "path to a protocol.json file")
	cmdSetPath := fs.String("commands", "", "path to a command-set.json file")
	deviceID := fs.String("device-id", "", "device identifier, used as the default SHM ring name")
	filePath := fs.String("file", "", "read telemetry from this file instead of a serial/network source")
	loop := fs.Bool("loop", false, "loop the file source on EOF")
	fps := fs.Float64("fps", 0, "publish rate cap; 0 disables throttling")
	fs.Parse(args)

	log := newLogger()
	if *protoPath == "" || *cmdSetPath == "" || *deviceID == "" || *filePath == "" {
		log.Fatal("live: -protocol, -commands, -device-id and -file are required")
	}

	proto, err := LoadProtocol(*protoPath)
	if err != nil {
		log.Fatal("live: loading protocol", "error", err)
	}
	cmdSet, err := LoadCommandSet(*cmdSetPath)
	if err != nil {
		log.Fatal("live: loading command set", "error", err)
	}

	src := &bytesource.File{Path: *filePath, Loop: *loop}
	cfg := config.Config{
		DeviceID:     *deviceID,
		FPS:          *fps,
		DeriveXY:     true,
		UnlinkOnStop: true,
		ReadTimeout:  500 * time.Millisecond,
		Logger:       log,
	}

	pl, err := pipeline.New(cfg, proto, cmdSet.Telemetry, src)
	if err != nil {
		log.Fatal("live: creating pipeline", "error", err)
	}
	if err := pl.Start(); err != nil {
		log.Fatal("live: starting pipeline", "error", err)
	}
	log.Info("live: pipeline started", "device_id", *deviceID, "ring_base", cfg.RingBase)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	log.Info("live: shutting down")
	pl.Stop()
}
