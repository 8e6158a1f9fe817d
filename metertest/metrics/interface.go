// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package metrics

import "time"

const (
	ResultPass  = "pass"
	ResultFail  = "fail"
	ResultError = "error"
)

type Scenario struct {
	Name   string
	Mode   string
	Result string
	// ErrorPercent is keyed by color name.
	ErrorPercent map[string]float64

	StartedAt time.Time
	Duration  float64
}

func NewScenario(name, mode string) *Scenario {
	return &Scenario{
		Name: name,
		Mode: mode,

		StartedAt: time.Now(),
	}
}

func (s *Scenario) Finish(result string, errorPercent map[string]float64) {
	s.Result = result
	s.ErrorPercent = errorPercent
	s.Duration = time.Since(s.StartedAt).Seconds()
}

type InstrumentMeterTest interface {
	SaveScenario(s *Scenario)
	SaveMeterCells(inUse int)
	Stop() error
}
