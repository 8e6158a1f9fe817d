// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

// Package trtcm predicts how a two-rate three-color marker (RFC 2698) colors a given
// offered load. The prediction is a closed-form approximation used as a test oracle for
// hardware meters, not a token-bucket simulator.
package trtcm

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var ErrInvalidParameter = errors.New("invalid meter test parameter")

// Mode selects how traffic is offered to the meter.
type Mode uint8

const (
	// ModeBurst offers BurstCount bursts of PacketsPerBurst back-to-back packets.
	ModeBurst Mode = iota
	// ModeRate offers PacketCount packets at a sustained rate for RunTime seconds.
	ModeRate
)

var modeName = map[Mode]string{
	ModeBurst: "BURST",
	ModeRate:  "RATE",
}

func (m Mode) String() string {
	if name, ok := modeName[m]; ok {
		return name
	}

	return "UNKNOWN"
}

func (m Mode) MarshalText() ([]byte, error) {
	if _, ok := modeName[m]; !ok {
		return nil, fmt.Errorf("%w: mode %d", ErrInvalidParameter, m)
	}

	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	for mode, name := range modeName {
		if strings.EqualFold(name, string(text)) {
			*m = mode
			return nil
		}
	}

	return fmt.Errorf("%w: mode %q", ErrInvalidParameter, string(text))
}

// TestParameters describes one metering scenario. Rates are in bits/sec, sizes in bits.
type TestParameters struct {
	Mode Mode `json:"mode"`

	OIR float64 `json:"oir"` // offered information rate
	CIR float64 `json:"cir"` // committed information rate
	PIR float64 `json:"pir"` // peak information rate
	TIR float64 `json:"tir"` // traffic (line) rate the bursts are sent at

	CBS float64 `json:"cbs"` // committed burst size
	PBS float64 `json:"pbs"` // peak burst size

	PacketSize float64 `json:"packet_size"`
	IPG        float64 `json:"ipg"`

	PacketsPerBurst uint64 `json:"packets_per_burst,omitempty"`
	BurstCount      uint64 `json:"burst_count,omitempty"`

	// PacketCount is the number of packets offered in ModeRate. It is supplied by the
	// scenario and never derived from rate and run time.
	PacketCount uint64  `json:"packet_count,omitempty"`
	RunTime     float64 `json:"run_time,omitempty"` // seconds

	// ClkScale divides every rate, for targets that run slower than wall clock.
	ClkScale float64 `json:"clk_scale,omitempty"`
	// SaturationControl disables the inertia credit.
	SaturationControl bool `json:"saturation_control,omitempty"`
}

func invalid(name string, value interface{}, reason string) error {
	return fmt.Errorf("%w '%s'=%v (%s)", ErrInvalidParameter, name, value, reason)
}

// Validate reports configuration errors. The oracle itself never validates, callers
// are expected to reject bad parameters before asking for a prediction.
func (p TestParameters) Validate() error {
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"oir", p.OIR}, {"cir", p.CIR}, {"pir", p.PIR}, {"tir", p.TIR}, {"cbs", p.CBS}, {"pbs", p.PBS},
		{"packet_size", p.PacketSize}, {"ipg", p.IPG}, {"run_time", p.RunTime}, {"clk_scale", p.ClkScale},
	} {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return invalid(f.name, f.value, "must be finite")
		}
	}

	rates := []struct {
		name  string
		value float64
	}{
		{"oir", p.OIR},
		{"cir", p.CIR},
		{"pir", p.PIR},
		{"cbs", p.CBS},
		{"pbs", p.PBS},
		{"packet_size", p.PacketSize},
	}
	for _, r := range rates {
		if r.value <= 0 {
			return invalid(r.name, r.value, "must be positive")
		}
	}

	if p.PIR < p.CIR {
		return invalid("pir", p.PIR, "must not be lower than cir")
	}

	if p.IPG < 0 {
		return invalid("ipg", p.IPG, "must not be negative")
	}

	if p.ClkScale < 0 {
		return invalid("clk_scale", p.ClkScale, "must not be negative")
	}

	switch p.Mode {
	case ModeBurst:
		if p.PacketsPerBurst == 0 {
			return invalid("packets_per_burst", p.PacketsPerBurst, "must be positive in burst mode")
		}

		if p.BurstCount == 0 {
			return invalid("burst_count", p.BurstCount, "must be positive in burst mode")
		}

		if p.TIR < p.OIR {
			return invalid("tir", p.TIR, "bursts cannot be sent slower than the offered rate")
		}
	case ModeRate:
		if p.PacketCount == 0 {
			return invalid("packet_count", p.PacketCount, "must be positive in rate mode")
		}

		if p.RunTime <= 0 {
			return invalid("run_time", p.RunTime, "must be positive in rate mode")
		}
	default:
		return invalid("mode", p.Mode, "unknown mode")
	}

	return nil
}

// TotalPackets is the number of packets the scenario offers to the meter.
func (p TestParameters) TotalPackets() uint64 {
	if p.Mode == ModeBurst {
		return p.PacketsPerBurst * p.BurstCount
	}

	return p.PacketCount
}

func (p TestParameters) clkScale() float64 {
	if p.ClkScale <= 0 {
		return 1
	}

	return p.ClkScale
}

// Normalized is TestParameters with clock scaling and framing overhead applied.
// All rates held here are already divided by the clock scale.
type Normalized struct {
	TestParameters

	OIRActual        float64
	TIRActual        float64
	PacketSizeActual float64

	// OBS is the offered burst size including inter-packet gaps.
	OBS float64
	// IBGNs is the gap between bursts in nanoseconds. Only traffic generators use it.
	IBGNs float64
}

// Normalize has no side effects and does not validate its input.
func Normalize(p TestParameters) Normalized {
	scale := p.clkScale()

	n := Normalized{TestParameters: p}
	n.OIR /= scale
	n.CIR /= scale
	n.PIR /= scale
	n.TIR /= scale

	n.PacketSizeActual = p.PacketSize + p.IPG
	overhead := n.PacketSizeActual / p.PacketSize
	n.OIRActual = n.OIR * overhead
	n.TIRActual = n.TIR * overhead

	n.OBS = n.PacketSizeActual * float64(p.PacketsPerBurst)

	if n.OIRActual > 0 && n.TIRActual > 0 {
		n.IBGNs = (n.OBS/n.OIRActual - n.OBS/n.TIRActual) * 1e9
	}

	return n
}
