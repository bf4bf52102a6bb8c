/*
DESCRIPTION
  framer.go implements the streaming, resynchronizing framing state
  machine described in spec.md §4.D: locate a frame header in an
  append-only byte stream, resolve the frame's total length under one
  of three length modes, verify its checksum, and yield validated
  frames in stream order.

  The internal buffer is a simple growable byte slice, in the spirit of
  the teacher's codecutil.ByteScanner (codec/codecutil/bytescanner.go):
  bytes accumulate until consumed, and only the minimum tail required to
  catch a header spanning a write boundary is ever retained on a miss.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package framer implements the framing state machine that turns a raw
// byte stream plus a schema.Protocol into a sequence of validated
// frames.
package framer

import (
	"bytes"
	"fmt"

	"github.com/ausocean/dvk/checksum"
	"github.com/ausocean/dvk/schema"
	"github.com/ausocean/dvk/valuecodec"
)

const defaultMaxFrameSize = 65535

// Frame is one framed, checksum-validated record ready for decoding.
type Frame struct {
	Raw  []byte
	Name string
}

// Stats holds the counters exposed by a Framer, per spec.md §4.D.
type Stats struct {
	TotalBytes        uint64
	FramesOK          uint64
	FramesBadChecksum uint64
	Resyncs           uint64
}

// Framer is a streaming resynchronizing framer for one protocol. It is
// not safe for concurrent use: exactly one producer should Write to and
// drain a Framer, per spec.md §5.
type Framer struct {
	proto        *schema.Protocol
	maxFrameSize int

	buf []byte

	// resolvedFrame caches the frame_selector's choice made against the
	// IF byte of the first detected frame ("first frame wins", per
	// SPEC_FULL.md §13 / spec.md §9(b)).
	resolvedFrame *schema.Frame

	stats Stats
}

// Option configures a Framer at construction.
type Option func(*Framer)

// WithMaxFrameSize overrides the default cap of 65535+len(header) bytes
// on a single resolved frame length.
func WithMaxFrameSize(n int) Option {
	return func(f *Framer) { f.maxFrameSize = n }
}

// New returns a Framer for proto. proto must already have been returned
// by schema.LoadProtocol.
func New(proto *schema.Protocol, opts ...Option) *Framer {
	f := &Framer{proto: proto}
	for _, o := range opts {
		o(f)
	}
	if f.maxFrameSize == 0 {
		f.maxFrameSize = defaultMaxFrameSize + maxHeaderLen(proto)
	}
	return f
}

func maxHeaderLen(p *schema.Protocol) int {
	max := 0
	for _, fr := range p.Frames {
		if len(fr.Header) > max {
			max = len(fr.Header)
		}
	}
	return max
}

// Write feeds more bytes from the byte source into the framer's
// internal buffer. It never blocks and never fails.
func (f *Framer) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)
	f.stats.TotalBytes += uint64(len(p))
	return len(p), nil
}

// Stats returns a snapshot of the framer's counters.
func (f *Framer) Stats() Stats { return f.stats }

// candidateFrames returns the frame layouts eligible to match at the
// current buffer position.
func (f *Framer) candidateFrames() []schema.Frame {
	if f.resolvedFrame != nil {
		return []schema.Frame{*f.resolvedFrame}
	}
	if f.proto.Selector != nil && f.proto.Selector.Type != schema.SelectorNone {
		if len(f.proto.Frames) == 0 {
			return nil
		}
		return []schema.Frame{f.proto.Frames[0]}
	}
	return f.proto.Frames
}

// findHeader scans the buffer for the earliest occurrence of any
// candidate frame's header, naive-memchr style (per spec.md §4.D's
// "naive memchr-equivalent" allowance).
func (f *Framer) findHeader() (schema.Frame, int, bool) {
	bestIdx := -1
	var best schema.Frame
	for _, fr := range f.candidateFrames() {
		if len(fr.Header) == 0 {
			continue
		}
		if i := bytes.Index(f.buf, fr.Header); i >= 0 && (bestIdx == -1 || i < bestIdx) {
			bestIdx = i
			best = fr
		}
	}
	if bestIdx == -1 {
		return schema.Frame{}, -1, false
	}
	return best, bestIdx, true
}

// trimOnMiss keeps only the tail bytes that could still begin a header
// once more data arrives, discarding everything else.
func (f *Framer) trimOnMiss() {
	keep := maxHeaderLen(f.proto) - 1
	if keep < 0 {
		keep = 0
	}
	if len(f.buf) > keep {
		f.buf = f.buf[len(f.buf)-keep:]
	}
}

// readUint reads an unsigned integer field used for length/count
// resolution.
func readUint(b []byte, t valuecodec.Type) (uint64, error) {
	v, err := valuecodec.Read(b, t)
	if err != nil {
		return 0, err
	}
	u, ok := v.(uint64)
	if !ok {
		return 0, fmt.Errorf("framer: length/count field type must be unsigned, got %T", v)
	}
	return u, nil
}

// resolveIfByte applies the protocol's frame_selector to the current
// buffer (which begins with the matched header) and caches the chosen
// frame permanently. Returns false if more bytes are needed.
func (f *Framer) resolveIfByte(headerFrame schema.Frame) (schema.Frame, bool) {
	sel := f.proto.Selector
	if len(f.buf) <= sel.IfOffset {
		return schema.Frame{}, false
	}
	key := sel.Resolve(f.buf[sel.IfOffset])
	chosen, ok := f.proto.FrameByName(key)
	if !ok {
		// Schema declares a selector but is missing the resolved layout;
		// fall back to the header-matched frame rather than stalling forever.
		chosen = headerFrame
	}
	f.resolvedFrame = &chosen
	return chosen, true
}

// resolveLength evaluates frame's length spec against the current
// buffer. ready is false when more bytes are required before the
// length/count field can be read; total<=0 (with ready true) signals a
// malformed length that should be treated as a resync trigger.
func (f *Framer) resolveLength(frame schema.Frame) (total int, ready bool) {
	switch frame.Length.Mode {
	case schema.LengthFixed:
		return frame.Length.Value, true

	case schema.LengthDynamic:
		off, ln := frame.Length.Field.Offset, frame.Length.Field.Length
		if len(f.buf) < off+ln {
			return 0, false
		}
		v, err := readUint(f.buf[off:off+ln], frame.Length.Field.Type)
		if err != nil {
			return -1, true
		}
		return int(v) + frame.Length.OverheadBytes, true

	case schema.LengthCounted:
		off, ln := frame.Length.CountField.Offset, frame.Length.CountField.Length
		if len(f.buf) < off+ln {
			return 0, false
		}
		v, err := readUint(f.buf[off:off+ln], frame.Length.CountField.Type)
		if err != nil {
			return -1, true
		}
		return int(v)*frame.Length.UnitBytes + frame.Length.OverheadBytes, true

	default:
		return -1, true
	}
}

// Next extracts the next validated frame from the internal buffer. ok
// is false when the framer has no complete frame available yet (it
// should be called again after more data is Written); it is not an
// error condition. Bad-checksum frames are dropped (counted, not
// yielded) and Next continues searching for the next frame internally.
func (f *Framer) Next() (Frame, bool) {
	for {
		headerFrame, idx, found := f.findHeader()
		if !found {
			f.trimOnMiss()
			return Frame{}, false
		}
		if idx > 0 {
			f.stats.Resyncs++
			f.buf = f.buf[idx:]
		}

		active := headerFrame
		if f.proto.Selector != nil && f.proto.Selector.Type != schema.SelectorNone && f.resolvedFrame == nil {
			chosen, ready := f.resolveIfByte(headerFrame)
			if !ready {
				return Frame{}, false
			}
			active = chosen
		} else if f.resolvedFrame != nil {
			active = *f.resolvedFrame
		}

		total, ready := f.resolveLength(active)
		if !ready {
			return Frame{}, false
		}
		if total <= 0 || total > f.maxFrameSize {
			// FrameTooLarge / malformed length: resync past this header
			// candidate one byte at a time so a single bad length can't
			// lock the framer (spec.md §4.D).
			f.stats.Resyncs++
			f.buf = f.buf[1:]
			continue
		}
		if len(f.buf) < total {
			return Frame{}, false
		}

		raw := make([]byte, total)
		copy(raw, f.buf[:total])
		f.buf = f.buf[total:]

		if active.Checksum != nil {
			ok, err := checksum.Verify(raw, *active.Checksum)
			if err != nil || !ok {
				f.stats.FramesBadChecksum++
				continue
			}
		}

		f.stats.FramesOK++
		return Frame{Raw: raw, Name: active.Name}, true
	}
}

// Drain repeatedly calls Next until no further frame is available,
// invoking fn for each yielded frame. It is the idiomatic way to use a
// Framer in score-only (sniff) mode: feed a whole captured sample via
// Write, then Drain with a no-op fn and read Stats().
func (f *Framer) Drain(fn func(Frame)) {
	for {
		fr, ok := f.Next()
		if !ok {
			return
		}
		if fn != nil {
			fn(fr)
		}
	}
}
