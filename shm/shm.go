/*
DESCRIPTION
  shm.go implements the fixed-capacity, single-writer/many-reader shared
  memory ring buffer used to publish live point-cloud rows for
  visualization: a small `<base>.ctrl` control header memory-mapped
  alongside a `<base>.data` array of point records.

  Grounded on original_source/dvk/shm.py's _CTRL_DTYPE/_POINT_DTYPE and
  create_ring/attach_ring/write_points/read_latest, translated from
  numpy-backed POSIX shared memory to file-backed mmap segments (the
  teacher's packages have no SHM precedent; github.com/edsrzf/mmap-go
  and golang.org/x/sys/unix.Flock are adopted from the retrieval pack's
  saferwall-pe and momentics-hioload-ws examples, which mmap files and
  advisory-lock them the same way).

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package shm implements the fixed-capacity shared-memory point ring:
// one writer publishes live point rows, any number of readers sample
// the latest window.
package shm

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/edsrzf/mmap-go"
	"golang.org/x/sys/unix"
)

const (
	ctrlVersion = 1
	ctrlSize    = 32 // version u4, capacity u4, write_index u4, _pad u4, seq u8, last_write_ns u8.
	pointSize   = 28 // x,y,angle_deg,distance,intensity f32 (20) + frame_idx,point_idx u32 (8).

	offVersion     = 0
	offCapacity    = 4
	offWriteIndex  = 8
	offPad         = 12
	offSeq         = 16
	offLastWriteNs = 24
)

// Point is one published point record, bit-exact with the layout
// written into the data segment.
type Point struct {
	X, Y, AngleDeg, Distance, Intensity float32
	FrameIdx, PointIdx                  uint32
}

// Ring is one attached or owned shared-memory ring.
type Ring struct {
	ctrlFile, dataFile *os.File
	ctrl, data         mmap.MMap
	capacity           uint32
	owner              bool
}

func names(base string) (string, string) { return base + ".ctrl", base + ".data" }

// CreateRing creates a new ring at base, taking an exclusive advisory
// lock on the control file so only one writer can own it at a time.
func CreateRing(base string, capacity uint32) (*Ring, error) {
	if capacity == 0 {
		return nil, fmt.Errorf("shm: capacity must be > 0")
	}
	ctrlName, dataName := names(base)

	ctrlFile, err := os.OpenFile(ctrlName, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", ctrlName, err)
	}
	if err := unix.Flock(int(ctrlFile.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		ctrlFile.Close()
		return nil, fmt.Errorf("shm: ring %q already owned by another writer: %w", base, err)
	}

	dataFile, err := os.OpenFile(dataName, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		ctrlFile.Close()
		return nil, fmt.Errorf("shm: open %s: %w", dataName, err)
	}

	if err := ctrlFile.Truncate(ctrlSize); err != nil {
		ctrlFile.Close()
		dataFile.Close()
		return nil, err
	}
	if err := dataFile.Truncate(int64(capacity) * pointSize); err != nil {
		ctrlFile.Close()
		dataFile.Close()
		return nil, err
	}

	ctrlMap, err := mmap.Map(ctrlFile, mmap.RDWR, 0)
	if err != nil {
		ctrlFile.Close()
		dataFile.Close()
		return nil, err
	}
	dataMap, err := mmap.Map(dataFile, mmap.RDWR, 0)
	if err != nil {
		ctrlMap.Unmap()
		ctrlFile.Close()
		dataFile.Close()
		return nil, err
	}

	binary.LittleEndian.PutUint32(ctrlMap[offVersion:], ctrlVersion)
	binary.LittleEndian.PutUint32(ctrlMap[offCapacity:], capacity)
	binary.LittleEndian.PutUint32(ctrlMap[offWriteIndex:], 0)
	binary.LittleEndian.PutUint32(ctrlMap[offPad:], 0)
	binary.LittleEndian.PutUint64(ctrlMap[offSeq:], 0)
	binary.LittleEndian.PutUint64(ctrlMap[offLastWriteNs:], 0)
	for i := range dataMap {
		dataMap[i] = 0
	}

	return &Ring{ctrlFile: ctrlFile, dataFile: dataFile, ctrl: ctrlMap, data: dataMap, capacity: capacity, owner: true}, nil
}

// AttachRing attaches to an existing ring as a reader. It does not take
// an exclusive lock: any number of readers may attach concurrently.
func AttachRing(base string) (*Ring, error) {
	ctrlName, dataName := names(base)

	ctrlFile, err := os.OpenFile(ctrlName, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("shm: open %s: %w", ctrlName, err)
	}
	ctrlMap, err := mmap.Map(ctrlFile, mmap.RDWR, 0)
	if err != nil {
		ctrlFile.Close()
		return nil, err
	}
	capacity := binary.LittleEndian.Uint32(ctrlMap[offCapacity:])

	dataFile, err := os.OpenFile(dataName, os.O_RDWR, 0644)
	if err != nil {
		ctrlMap.Unmap()
		ctrlFile.Close()
		return nil, fmt.Errorf("shm: open %s: %w", dataName, err)
	}
	dataMap, err := mmap.Map(dataFile, mmap.RDWR, 0)
	if err != nil {
		ctrlMap.Unmap()
		ctrlFile.Close()
		dataFile.Close()
		return nil, err
	}

	return &Ring{ctrlFile: ctrlFile, dataFile: dataFile, ctrl: ctrlMap, data: dataMap, capacity: capacity, owner: false}, nil
}

// Capacity returns the ring's point capacity.
func (r *Ring) Capacity() uint32 { return r.capacity }

// Close unmaps and closes the ring's segments. If unlink is true and
// this Ring owns the segments, the backing files are removed.
func (r *Ring) Close(unlink bool) error {
	r.ctrl.Unmap()
	r.data.Unmap()
	ctrlName, dataName := r.ctrlFile.Name(), r.dataFile.Name()
	r.ctrlFile.Close()
	r.dataFile.Close()
	if unlink && r.owner {
		os.Remove(ctrlName)
		os.Remove(dataName)
	}
	return nil
}

func (r *Ring) writeIndex() uint32 { return binary.LittleEndian.Uint32(r.ctrl[offWriteIndex:]) }
func (r *Ring) seq() uint64        { return binary.LittleEndian.Uint64(r.ctrl[offSeq:]) }

func (r *Ring) putPoint(idx uint32, p Point) {
	b := r.data[idx*pointSize : (idx+1)*pointSize]
	binary.LittleEndian.PutUint32(b[0:], math.Float32bits(p.X))
	binary.LittleEndian.PutUint32(b[4:], math.Float32bits(p.Y))
	binary.LittleEndian.PutUint32(b[8:], math.Float32bits(p.AngleDeg))
	binary.LittleEndian.PutUint32(b[12:], math.Float32bits(p.Distance))
	binary.LittleEndian.PutUint32(b[16:], math.Float32bits(p.Intensity))
	binary.LittleEndian.PutUint32(b[20:], p.FrameIdx)
	binary.LittleEndian.PutUint32(b[24:], p.PointIdx)
}

func (r *Ring) getPoint(idx uint32) Point {
	b := r.data[idx*pointSize : (idx+1)*pointSize]
	return Point{
		X:         math.Float32frombits(binary.LittleEndian.Uint32(b[0:])),
		Y:         math.Float32frombits(binary.LittleEndian.Uint32(b[4:])),
		AngleDeg:  math.Float32frombits(binary.LittleEndian.Uint32(b[8:])),
		Distance:  math.Float32frombits(binary.LittleEndian.Uint32(b[12:])),
		Intensity: math.Float32frombits(binary.LittleEndian.Uint32(b[16:])),
		FrameIdx:  binary.LittleEndian.Uint32(b[20:]),
		PointIdx:  binary.LittleEndian.Uint32(b[24:]),
	}
}

// WritePoints appends rows to the ring, per the single-writer overwrite
// policy: if len(rows) >= capacity, only the last capacity rows are
// kept and the write cursor resets to 0. An empty rows is a no-op: seq
// and last_write_ns are left unchanged (mirrors write_points' early
// return for n<=0).
func (r *Ring) WritePoints(rows []Point) error {
	if !r.owner {
		return fmt.Errorf("shm: WritePoints called on a non-owning (reader) ring")
	}
	n := len(rows)
	if n <= 0 {
		return nil
	}

	cap := int(r.capacity)
	w := int(r.writeIndex())

	if n >= cap {
		rows = rows[n-cap:]
		n = cap
		w = 0
	}

	end := w + n
	if end <= cap {
		for i, p := range rows {
			r.putPoint(uint32(w+i), p)
		}
	} else {
		first := cap - w
		for i, p := range rows[:first] {
			r.putPoint(uint32(w+i), p)
		}
		for i, p := range rows[first:] {
			r.putPoint(uint32(i), p)
		}
	}

	binary.LittleEndian.PutUint32(r.ctrl[offWriteIndex:], uint32((w+n)%cap))
	binary.LittleEndian.PutUint64(r.ctrl[offSeq:], r.seq()+1)
	binary.LittleEndian.PutUint64(r.ctrl[offLastWriteNs:], uint64(time.Now().UnixNano()))
	return nil
}

// ReadLatest returns (a copy of) the most recent up-to-maxPoints rows
// in chronological order.
func (r *Ring) ReadLatest(maxPoints int) []Point {
	cap := int(r.capacity)
	if maxPoints <= 0 {
		return nil
	}
	if maxPoints > cap {
		maxPoints = cap
	}
	w := int(r.writeIndex())

	start := ((w-maxPoints)%cap + cap) % cap
	out := make([]Point, 0, maxPoints)
	if start < w {
		for i := start; i < w; i++ {
			out = append(out, r.getPoint(uint32(i)))
		}
		return out
	}
	for i := start; i < cap; i++ {
		out = append(out, r.getPoint(uint32(i)))
	}
	for i := 0; i < w; i++ {
		out = append(out, r.getPoint(uint32(i)))
	}
	return out
}

// Seq returns the current write sequence number.
func (r *Ring) Seq() uint64 { return r.seq() }

// LastWriteNs returns the monotonic wall-clock nanosecond timestamp of
// the last WritePoints call.
func (r *Ring) LastWriteNs() uint64 { return binary.LittleEndian.Uint64(r.ctrl[offLastWriteNs:]) }
