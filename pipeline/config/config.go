/*
DESCRIPTION
  config.go holds the configuration for one live pipeline run.

  Grounded on revid/config/config.go's Config struct and Validate method:
  a plain struct of tunables with defaults applied in Validate, plus the
  same ausocean/utils/logging.Logger field for ambient logging.

AUTHORS
  Saxon A. Nelson-Milton <saxon@ausocean.org>

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package config holds the configuration for a live telemetry pipeline.
package config

import (
	"fmt"
	"time"

	"github.com/ausocean/utils/logging"
)

// Config configures one pipeline.Pipeline run.
type Config struct {
	// DeviceID names the device this pipeline reads from; used to derive
	// the default SHM ring base name "dvk.<device_id>".
	DeviceID string

	// FrameName, if nonempty, restricts publishing to decoded frames with
	// this name; empty means every frame the framer recognises is
	// eligible for semantic transformation and publishing.
	FrameName string

	// FPS is the target publish rate. Publishes faster than 1/FPS since
	// the last one are skipped. Zero disables throttling.
	FPS float64

	// MaxPoints caps how many rows a single publish writes; if a batch
	// exceeds it, only the last MaxPoints rows are kept.
	MaxPoints int

	// DeriveXY computes (x, y) from (distance, angle_deg) for rows whose
	// semantic stage did not already supply them.
	DeriveXY bool

	// RingCapacity is the SHM ring's point capacity.
	RingCapacity uint32

	// RingBase overrides the default "dvk.<device_id>" SHM base path.
	RingBase string

	// ReadTimeout is given a default by Validate when zero. The pipeline
	// does not apply it to byte-source reads; how long a read blocks is
	// set by the byte source's own configuration.
	ReadTimeout time.Duration

	// UnlinkOnStop unlinks the SHM ring when the pipeline stops, if it
	// owns the ring.
	UnlinkOnStop bool

	Logger logging.Logger
}

// Validate fills in defaults for unset fields and reports any
// unrecoverable misconfiguration.
func (c *Config) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("pipeline: config: DeviceID must be set")
	}
	if c.RingBase == "" {
		c.RingBase = "dvk." + c.DeviceID
	}
	if c.RingCapacity == 0 {
		c.RingCapacity = 1024
	}
	if c.MaxPoints <= 0 {
		c.MaxPoints = int(c.RingCapacity)
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 500 * time.Millisecond
	}
	if c.Logger == nil {
		return fmt.Errorf("pipeline: config: Logger must be set")
	}
	return nil
}
