// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package metertest

import (
	"context"
	"fmt"
	"math"

	"github.com/omec-project/upf-meter-test/pkg/trtcm"
)

// MeterSpec is a trTCM meter configuration in the units switch control planes use.
type MeterSpec struct {
	CIRKbps    uint64 `json:"cir_kbps"`
	CBSKbits   uint64 `json:"cbs_kbits"`
	PIRKbps    uint64 `json:"pir_kbps"`
	PBSKbits   uint64 `json:"pbs_kbits"`
	ColorBlind bool   `json:"color_blind"`
}

func (m MeterSpec) String() string {
	return fmt.Sprintf("Meter(CIR=%dkbps, CBS=%dkbits, PIR=%dkbps, PBS=%dkbits, colorBlind=%v)",
		m.CIRKbps, m.CBSKbits, m.PIRKbps, m.PBSKbits, m.ColorBlind)
}

// MeterSpecFromParameters programs the unscaled rates: a target running ClkScale times
// slower than wall clock meters them at rate/ClkScale, which is what the oracle assumes.
func MeterSpecFromParameters(p trtcm.TestParameters, colorBlind bool) MeterSpec {
	return MeterSpec{
		CIRKbps:    uint64(math.Round(p.CIR / 1e3)),
		CBSKbits:   uint64(math.Round(p.CBS / 1e3)),
		PIRKbps:    uint64(math.Round(p.PIR / 1e3)),
		PBSKbits:   uint64(math.Round(p.PBS / 1e3)),
		ColorBlind: colorBlind,
	}
}

// ColorCounters holds the color counter cells attached to one meter cell.
type ColorCounters struct {
	Packets [trtcm.NumColors]uint64 `json:"packets"`
	Bytes   [trtcm.NumColors]uint64 `json:"bytes"`
}

func (c ColorCounters) Measured() trtcm.Measured {
	var m trtcm.Measured
	for _, color := range trtcm.Colors {
		m.Set(color, c.Packets[color])
	}

	return m
}

// CounterIndex is the color counter cell of meterIndex for color.
func CounterIndex(meterIndex uint32, color trtcm.Color) int64 {
	return int64(meterIndex)*trtcm.NumColors + int64(color)
}

// Datapath is the device under test as seen by the runner.
type Datapath interface {
	ProgramMeter(ctx context.Context, index uint32, spec MeterSpec) error
	// ClearMeter returns the cell to its unconfigured state.
	ClearMeter(ctx context.Context, index uint32) error
	ResetCounters(ctx context.Context, index uint32) error
	ReadCounters(ctx context.Context, index uint32) (ColorCounters, error)
	Close() error
}

// PacketInjector sends a frame into the pipeline through the control plane.
type PacketInjector interface {
	SendPacket(ctx context.Context, egressPort uint32, meterIndex uint32, frame []byte) error
}
