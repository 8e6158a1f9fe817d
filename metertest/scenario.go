// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package metertest

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/omec-project/upf-meter-test/pkg/trtcm"
	"github.com/omec-project/upf-meter-test/pkg/utils"
)

const (
	defaultPacketSize = 1984
	defaultIPG        = 64
	defaultBurstCount = 10
	defaultRunTime    = 0.1
)

// TestScenario is one row of the test matrix. Rates are bits/sec, sizes are bits.
type TestScenario struct {
	Name string     `json:"name"`
	Mode trtcm.Mode `json:"mode"`

	OIR float64 `json:"oir"`
	CIR float64 `json:"cir"`
	PIR float64 `json:"pir"`
	TIR float64 `json:"tir"`
	CBS float64 `json:"cbs"`
	PBS float64 `json:"pbs"`

	PacketSize float64 `json:"packet_size"`
	IPG        float64 `json:"ipg"`

	PacketsPerBurst uint64  `json:"packets_per_burst,omitempty"`
	BurstCount      uint64  `json:"burst_count,omitempty"`
	PacketCount     uint64  `json:"packet_count,omitempty"`
	RunTime         float64 `json:"run_time,omitempty"`

	ClkScale          float64 `json:"clk_scale,omitempty"`
	SaturationControl bool    `json:"saturation_control,omitempty"`
}

func (s TestScenario) Parameters() trtcm.TestParameters {
	return trtcm.TestParameters{
		Mode:              s.Mode,
		OIR:               s.OIR,
		CIR:               s.CIR,
		PIR:               s.PIR,
		TIR:               s.TIR,
		CBS:               s.CBS,
		PBS:               s.PBS,
		PacketSize:        s.PacketSize,
		IPG:               s.IPG,
		PacketsPerBurst:   s.PacketsPerBurst,
		BurstCount:        s.BurstCount,
		PacketCount:       s.PacketCount,
		RunTime:           s.RunTime,
		ClkScale:          s.ClkScale,
		SaturationControl: s.SaturationControl,
	}
}

func (s TestScenario) String() string {
	return fmt.Sprintf("Scenario(%s, mode=%v, OIR=%.0f, CIR=%.0f, PIR=%.0f, CBS=%.0f, PBS=%.0f)",
		s.Name, s.Mode, s.OIR, s.CIR, s.PIR, s.CBS, s.PBS)
}

// burstScenario uses the reference rates and bursts shared by every BURST row.
func burstScenario(name string, packetsPerBurst uint64) TestScenario {
	return TestScenario{
		Name:            name,
		Mode:            trtcm.ModeBurst,
		OIR:             300 * utils.GB,
		TIR:             400 * utils.GB,
		CIR:             50 * utils.GB,
		PIR:             100 * utils.GB,
		CBS:             512000,
		PBS:             1024000,
		PacketSize:      defaultPacketSize,
		IPG:             defaultIPG,
		PacketsPerBurst: packetsPerBurst,
		BurstCount:      defaultBurstCount,
		ClkScale:        1,
	}
}

// rateScenario offers oir for defaultRunTime; the packet count is fixed up front.
func rateScenario(name string, oir, cir, pir float64) TestScenario {
	return TestScenario{
		Name:        name,
		Mode:        trtcm.ModeRate,
		OIR:         oir,
		TIR:         oir,
		CIR:         cir,
		PIR:         pir,
		CBS:         512000,
		PBS:         1024000,
		PacketSize:  defaultPacketSize,
		IPG:         defaultIPG,
		PacketCount: uint64(math.Round(oir * defaultRunTime / defaultPacketSize)),
		RunTime:     defaultRunTime,
		ClkScale:    1,
	}
}

// DefaultMatrix is the built-in test matrix.
func DefaultMatrix() []TestScenario {
	bt4 := burstScenario("BT4", 800)
	bt4.SaturationControl = true

	return []TestScenario{
		burstScenario("BT1", 230),
		burstScenario("BT2", 400),
		burstScenario("BT3", 800),
		bt4,
		rateScenario("RT1", 40*utils.GB, 50*utils.GB, 100*utils.GB),
		rateScenario("RT2", 48*utils.GB, 50*utils.GB, 100*utils.GB),
		rateScenario("RT3", 60*utils.GB, 50*utils.GB, 100*utils.GB),
		rateScenario("RT4", 110*utils.GB, 50*utils.GB, 100*utils.GB),
		rateScenario("RT5", 120*utils.GB, 40*utils.GB, 80*utils.GB),
	}
}

// ValidateMatrix rejects an empty matrix, unnamed or duplicate rows and rows the oracle
// cannot predict.
func ValidateMatrix(scenarios []TestScenario) error {
	if len(scenarios) == 0 {
		return ErrInvalidArgumentWithReason("matrix", len(scenarios), "no scenarios")
	}

	seen := make(map[string]struct{}, len(scenarios))

	for i, s := range scenarios {
		if s.Name == "" {
			return ErrInvalidArgumentWithReason("scenario.name", i, "scenario has no name")
		}

		if _, ok := seen[s.Name]; ok {
			return ErrInvalidArgumentWithReason("scenario.name", s.Name, "duplicate scenario")
		}

		seen[s.Name] = struct{}{}

		if err := s.Parameters().Validate(); err != nil {
			return fmt.Errorf("scenario %s: %w", s.Name, err)
		}
	}

	return nil
}

// FilterMatrix keeps the scenarios named in names, in matrix order. An empty names keeps all.
func FilterMatrix(scenarios []TestScenario, names []string) ([]TestScenario, error) {
	if len(names) == 0 {
		return scenarios, nil
	}

	wanted := make(map[string]bool, len(names))
	for _, n := range names {
		wanted[n] = false
	}

	var filtered []TestScenario

	for _, s := range scenarios {
		if _, ok := wanted[s.Name]; ok {
			wanted[s.Name] = true

			filtered = append(filtered, s)
		}
	}

	for n, found := range wanted {
		if !found {
			return nil, ErrNotFoundWithParam("scenario", "name", n)
		}
	}

	return filtered, nil
}

type matrixFile struct {
	// RateUnit applies to oir, cir, pir and tir of every scenario in the file.
	RateUnit  string         `json:"rate_unit"`
	Scenarios []TestScenario `json:"scenarios"`
}

// ParseMatrix decodes a JSON matrix, converts rates to bits/sec and validates it.
func ParseMatrix(data []byte) ([]TestScenario, error) {
	var mf matrixFile

	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, err
	}

	for i := range mf.Scenarios {
		s := &mf.Scenarios[i]

		for _, rate := range []*float64{&s.OIR, &s.CIR, &s.PIR, &s.TIR} {
			bps, err := utils.BitRate(*rate, mf.RateUnit)
			if err != nil {
				return nil, ErrInvalidArgumentWithReason("rate_unit", mf.RateUnit, err.Error())
			}

			*rate = bps
		}

		if s.TIR == 0 {
			s.TIR = s.OIR
		}
	}

	if err := ValidateMatrix(mf.Scenarios); err != nil {
		return nil, err
	}

	return mf.Scenarios, nil
}

func LoadMatrixFile(path string) ([]TestScenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return ParseMatrix(data)
}
