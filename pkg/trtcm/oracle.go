// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package trtcm

import (
	"fmt"
	"math"
)

// InertiaCreditBits works around a hardware erratum: the meter grants roughly 400 bytes
// of extra credit per burst. Saturation control removes it.
const InertiaCreditBits = 3200

// coloring is one cell of the {burst, rate} x {over peak, over committed, conforming}
// decision table. red is always evaluated first and its result is passed to yellow, so a
// packet counted as red can never also be counted as yellow.
type coloring interface {
	red() float64
	yellow(red float64) float64
	String() string
}

type burstOverPeak struct {
	excessRed, excessYellow float64
	crdRed, crdYellow       float64
	bursts                  float64
}

func (c burstOverPeak) red() float64 {
	return math.Max((c.excessRed-c.crdRed)*c.bursts, 0)
}

func (c burstOverPeak) yellow(red float64) float64 {
	return math.Max((c.excessYellow-c.crdYellow)*c.bursts-red, 0)
}

func (c burstOverPeak) String() string { return "burst/over-peak" }

type burstOverCommitted struct {
	excessYellow, crdYellow float64
	bursts                  float64
}

func (c burstOverCommitted) red() float64 { return 0 }

func (c burstOverCommitted) yellow(float64) float64 {
	return math.Max((c.excessYellow-c.crdYellow)*c.bursts, 0)
}

func (c burstOverCommitted) String() string { return "burst/over-committed" }

type rateOverPeak struct {
	excessRed, excessYellow float64
}

func (c rateOverPeak) red() float64 {
	return math.Max(c.excessRed, 0)
}

func (c rateOverPeak) yellow(red float64) float64 {
	return math.Max(c.excessYellow-red, 0)
}

func (c rateOverPeak) String() string { return "rate/over-peak" }

type rateOverCommitted struct {
	excessYellow float64
}

func (c rateOverCommitted) red() float64 { return 0 }

func (c rateOverCommitted) yellow(float64) float64 {
	return math.Max(c.excessYellow, 0)
}

func (c rateOverCommitted) String() string { return "rate/over-committed" }

type conforming struct {
	mode Mode
}

func (c conforming) red() float64 { return 0 }

func (c conforming) yellow(float64) float64 { return 0 }

func (c conforming) String() string {
	if c.mode == ModeBurst {
		return "burst/conforming"
	}

	return "rate/conforming"
}

func paint(c coloring) (red, yellow float64) {
	red = c.red()
	return red, c.yellow(red)
}

func classify(n Normalized) coloring {
	if n.Mode == ModeRate {
		return classifyRate(n)
	}

	return classifyBurst(n)
}

func classifyBurst(n Normalized) coloring {
	bursts := float64(n.BurstCount)
	// token credit, in packets, refilled over one burst interval
	crdYellow := float64(n.PacketsPerBurst) / n.OIR * n.CIR
	crdRed := float64(n.PacketsPerBurst) / n.OIR * n.PIR
	excessYellow := (n.OBS - n.CBS) / n.PacketSizeActual

	switch {
	case n.OBS > n.PBS:
		return burstOverPeak{
			excessRed:    (n.OBS - n.PBS) / n.PacketSizeActual,
			excessYellow: excessYellow,
			crdRed:       crdRed,
			crdYellow:    crdYellow,
			bursts:       bursts,
		}
	case n.OBS > n.CBS:
		return burstOverCommitted{
			excessYellow: excessYellow,
			crdYellow:    crdYellow,
			bursts:       bursts,
		}
	default:
		return conforming{mode: ModeBurst}
	}
}

// rateExcess counts packets offered above rate, minus what a full bucket of depth burst
// absorbs. A packet straddling the boundary counts as excess.
func rateExcess(n Normalized, rate, burst float64) float64 {
	offered := float64(n.PacketCount)
	return math.Ceil((n.OIRActual-rate)*offered/n.OIRActual) - burst/n.PacketSizeActual
}

func classifyRate(n Normalized) coloring {
	switch {
	case n.OIRActual <= n.CIR:
		return conforming{mode: ModeRate}
	case n.OIRActual <= n.PIR:
		return rateOverCommitted{excessYellow: rateExcess(n, n.CIR, n.CBS)}
	default:
		return rateOverPeak{
			excessRed:    rateExcess(n, n.PIR, n.PBS),
			excessYellow: rateExcess(n, n.CIR, n.CBS),
		}
	}
}

// marginTotal is the absolute per-color tolerance, in packets, caused by the inertia
// credit plus one packet of rounding per burst. Rate mode has none.
func marginTotal(n Normalized) float64 {
	if n.Mode != ModeBurst {
		return 0
	}

	inertia := float64(InertiaCreditBits)
	if n.SaturationControl {
		inertia = 0
	}

	return (inertia/n.PacketSize + 1) * float64(n.BurstCount)
}

// Prediction carries the expected result along with how it was reached.
type Prediction struct {
	Normalized Normalized
	Outcome    string
	Total      uint64
	Expected   ExpectedResult
}

func (p Prediction) String() string {
	return fmt.Sprintf("Prediction(mode=%v, outcome=%s, total=%d, OBS=%.0f, OIRActual=%.0f, IBG=%.1fns, %v)",
		p.Normalized.Mode, p.Outcome, p.Total, p.Normalized.OBS, p.Normalized.OIRActual,
		p.Normalized.IBGNs, p.Expected)
}

// Predict runs the oracle for p and keeps the intermediate values for diagnostics.
func Predict(p TestParameters) Prediction {
	n := Normalize(p)
	c := classify(n)
	red, yellow := paint(c)
	total := p.TotalPackets()

	return Prediction{
		Normalized: n,
		Outcome:    c.String(),
		Total:      total,
		Expected:   newExpectedResult(red, yellow, float64(total), marginTotal(n)),
	}
}

// ComputeExpected predicts the green, yellow and red packet counts a meter configured
// with p reports, together with the margin each measured count must fall within.
func ComputeExpected(p TestParameters) ExpectedResult {
	return Predict(p).Expected
}
