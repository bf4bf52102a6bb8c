/*
DESCRIPTION
  pipeline.go composes the framer, decoder and semantic transform stages
  into a live producer loop that publishes point-cloud rows to an SHM
  ring, per spec.md's section 4.J.

  Grounded on revid/revid.go's Revid (Start/Stop/Burst, the wg+err+stop
  lifecycle and the async handleErrors routine) and revid/pipeline.go's
  processFrom (read-lex-write loop, error-channel reporting, graceful
  Stop sequencing). The byte-source read / frame / decode / transform /
  publish stages replace revid's read / lex / encode / send stages one
  for one.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package pipeline composes the framer, decoder and semantic transform
// stages into a live producer that publishes point-cloud rows to an SHM
// ring.
package pipeline

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ausocean/dvk/bytesource"
	"github.com/ausocean/dvk/decode"
	"github.com/ausocean/dvk/framer"
	"github.com/ausocean/dvk/pipeline/config"
	"github.com/ausocean/dvk/schema"
	"github.com/ausocean/dvk/semantics"
	"github.com/ausocean/dvk/shm"
)

// Pipeline runs one producer loop: read bytes, frame, decode, apply the
// schema's semantic transforms, throttle and publish to an SHM ring.
type Pipeline struct {
	cfg       config.Config
	proto     *schema.Protocol
	telemetry schema.Telemetry
	src       bytesource.Source

	framer *framer.Framer
	ring   *shm.Ring

	frameIdx    uint32
	lastPublish time.Time

	running bool
	wg      sync.WaitGroup
	stop    chan struct{}
	err     chan error

	// Stats mirrors the producer's running counters for callers that want
	// to surface them without reaching into the framer directly.
	DecodeErrors uint64
}

// New builds a Pipeline over src using proto to frame and decode, and
// telemetry to transform decoded records into point-cloud rows. It
// creates (and so owns) the SHM ring named by cfg.RingBase.
func New(cfg config.Config, proto *schema.Protocol, telemetry schema.Telemetry, src bytesource.Source) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	ring, err := shm.CreateRing(cfg.RingBase, cfg.RingCapacity)
	if err != nil {
		return nil, fmt.Errorf("pipeline: create ring: %w", err)
	}
	p := &Pipeline{
		cfg:       cfg,
		proto:     proto,
		telemetry: telemetry,
		src:       src,
		framer:    framer.New(proto),
		ring:      ring,
		err:       make(chan error),
	}
	go p.handleErrors()
	return p, nil
}

func (p *Pipeline) handleErrors() {
	for err := range p.err {
		if err != nil {
			p.cfg.Logger.Error("pipeline async error", "error", err.Error())
		}
	}
}

// Start begins the producer loop in its own goroutine.
func (p *Pipeline) Start() error {
	if p.running {
		p.cfg.Logger.Warning("start called, but pipeline already running")
		return nil
	}
	p.stop = make(chan struct{})
	if err := p.src.Start(); err != nil {
		return fmt.Errorf("pipeline: start byte source: %w", err)
	}
	p.running = true
	p.wg.Add(1)
	go p.processFrom()
	return nil
}

// Stop signals the producer to exit, closes the byte source, and waits
// for the producer to finish. If the pipeline owns the SHM ring and
// cfg.UnlinkOnStop is set, the ring is unlinked.
func (p *Pipeline) Stop() {
	if !p.running {
		p.cfg.Logger.Warning("stop called but pipeline isn't running")
		return
	}
	close(p.stop)
	if err := p.src.Stop(); err != nil {
		p.cfg.Logger.Error("could not stop byte source", "error", err.Error())
	}
	p.wg.Wait()

	if err := p.ring.Close(p.cfg.UnlinkOnStop); err != nil {
		p.cfg.Logger.Error("could not close ring", "error", err.Error())
	}
	p.running = false
}

// processFrom reads from the byte source, frames, decodes, transforms
// and publishes, until Stop is called or the byte source errors out.
func (p *Pipeline) processFrom() {
	defer p.wg.Done()

	buf := make([]byte, 4096)
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		n, err := p.src.Read(buf)
		if n > 0 {
			p.framer.Write(buf[:n])
			p.framer.Drain(p.handleFrame)
		}
		if err != nil {
			select {
			case <-p.stop:
				return
			default:
			}
			p.err <- fmt.Errorf("byte source read: %w", err)
			return
		}
	}
}

// handleFrame decodes one framed record, transforms it, and publishes
// the resulting rows (subject to throttling and clipping).
func (p *Pipeline) handleFrame(f framer.Frame) {
	if p.cfg.FrameName != "" && f.Name != p.cfg.FrameName {
		return
	}
	schemaFrame, ok := p.proto.FrameByName(f.Name)
	if !ok {
		return
	}
	rec, err := decode.Frame(f.Raw, schemaFrame)
	if err != nil {
		p.DecodeErrors++
		return
	}

	idx := p.frameIdx
	p.frameIdx++

	rows := semantics.Apply(p.telemetry, []semantics.IndexedRecord{{Idx: idx, Record: rec}})
	if len(rows) == 0 {
		return
	}
	p.publish(rows)
}

// publish applies the fps throttle and max-points clip, then writes
// rows to the ring.
func (p *Pipeline) publish(rows []semantics.Row) {
	if p.cfg.FPS > 0 && !p.lastPublish.IsZero() {
		if time.Since(p.lastPublish) < time.Duration(float64(time.Second)/p.cfg.FPS) {
			return
		}
	}

	if len(rows) > p.cfg.MaxPoints {
		rows = rows[len(rows)-p.cfg.MaxPoints:]
	}

	points := make([]shm.Point, len(rows))
	for i, r := range rows {
		points[i] = rowToPoint(r, p.cfg.DeriveXY)
	}
	if err := p.ring.WritePoints(points); err != nil {
		p.err <- fmt.Errorf("write points: %w", err)
		return
	}
	p.lastPublish = time.Now()
}

// rowToPoint converts a semantic row to an SHM point record, deriving
// (x, y) from (distance, angle_deg) when requested.
func rowToPoint(r semantics.Row, deriveXY bool) shm.Point {
	p := shm.Point{
		AngleDeg: float32(r.AngleDeg),
		Distance: float32(r.DistanceRaw),
		FrameIdx: r.FrameIdx,
		PointIdx: uint32(r.PointIdx),
	}
	if r.Intensity != nil {
		p.Intensity = float32(*r.Intensity)
	}
	if deriveXY {
		rad := r.AngleDeg * math.Pi / 180
		p.X = float32(r.DistanceRaw * math.Cos(rad))
		p.Y = float32(r.DistanceRaw * math.Sin(rad))
	}
	return p
}

// Running reports whether the pipeline's producer loop is active.
func (p *Pipeline) Running() bool { return p.running }
