// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package metertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/omec-project/upf-meter-test/logger"
	"github.com/omec-project/upf-meter-test/metertest/metrics"
	"github.com/omec-project/upf-meter-test/pkg/trtcm"
	"go.uber.org/zap"
)

const cleanupTimeout = 5 * time.Second

// Expectation is what the oracle predicts for one scenario, before any traffic is sent.
type Expectation struct {
	Scenario string               `json:"scenario"`
	Mode     trtcm.Mode           `json:"mode"`
	Outcome  string               `json:"outcome"`
	Total    uint64               `json:"total"`
	Expected trtcm.ExpectedResult `json:"expected"`
	Traffic  TrafficProfile       `json:"traffic"`
}

func (e Expectation) String() string {
	return fmt.Sprintf("%-8s %-5v %-22s total=%-9d %v", e.Scenario, e.Mode, e.Outcome, e.Total, e.Expected)
}

// Expect runs the oracle for a validated scenario.
func Expect(s TestScenario) (Expectation, error) {
	params := s.Parameters()
	if err := params.Validate(); err != nil {
		return Expectation{}, err
	}

	prediction := trtcm.Predict(params)
	logger.OracleLog.With("scenario", s.Name).Debugln(prediction)

	return Expectation{
		Scenario: s.Name,
		Mode:     params.Mode,
		Outcome:  prediction.Outcome,
		Total:    prediction.Total,
		Expected: prediction.Expected,
		Traffic:  NewTrafficProfile(params),
	}, nil
}

// Expectations runs the oracle over a whole matrix without touching a device.
func Expectations(scenarios []TestScenario) ([]Expectation, error) {
	if err := ValidateMatrix(scenarios); err != nil {
		return nil, err
	}

	result := make([]Expectation, 0, len(scenarios))

	for _, s := range scenarios {
		e, err := Expect(s)
		if err != nil {
			return nil, err
		}

		result = append(result, e)
	}

	return result, nil
}

// Outcome is the result of running one scenario against the device.
type Outcome struct {
	Expectation

	Iteration  uint64         `json:"iteration"`
	MeterIndex uint32         `json:"meter_index"`
	Sent       uint64         `json:"sent"`
	Measured   trtcm.Measured `json:"measured"`
	Verdict    trtcm.Verdict  `json:"verdict"`
	Pass       bool           `json:"pass"`
	Error      string         `json:"error,omitempty"`
	Duration   time.Duration  `json:"duration"`
}

func (o Outcome) result() string {
	switch {
	case o.Error != "":
		return metrics.ResultError
	case o.Pass:
		return metrics.ResultPass
	default:
		return metrics.ResultFail
	}
}

// Report gathers every outcome of a run.
type Report struct {
	StartedAt time.Time `json:"started_at"`
	Outcomes  []Outcome `json:"outcomes"`
	Summary   Summary   `json:"summary"`
}

// Runner executes scenarios one at a time on a device. Scenarios never overlap because
// their traffic would share the device.
type Runner struct {
	datapath   Datapath
	generator  TrafficGenerator
	metrics    metrics.InstrumentMeterTest
	rc         *RunContext
	settle     time.Duration
	colorBlind bool
	// steerFlowsFrom is the UDP destination port of meter cell 0; zero disables steering.
	steerFlowsFrom uint16

	mtx        sync.Mutex
	lastReport *Report
}

// NewRunner builds a runner; instrument may be nil.
func NewRunner(conf Conf, datapath Datapath, generator TrafficGenerator, instrument metrics.InstrumentMeterTest) *Runner {
	r := &Runner{
		datapath:   datapath,
		generator:  generator,
		metrics:    instrument,
		rc:         NewRunContext(conf.Meter.Size),
		settle:     conf.SettleDuration(),
		colorBlind: conf.Meter.ColorBlind,
	}

	if _, ok := datapath.(FlowSteering); ok && conf.Traffic.Generator == GeneratorUDP {
		if g, ok := generator.(*udpGenerator); ok {
			r.steerFlowsFrom = g.basePort
		}
	}

	return r
}

// LastReport returns the report of the most recent completed run.
func (r *Runner) LastReport() (Report, bool) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	if r.lastReport == nil {
		return Report{}, false
	}

	return *r.lastReport, true
}

func (r *Runner) Summary() Summary {
	return r.rc.Summary()
}

// Run executes scenarios in order. A failing scenario does not stop the run; an invalid
// matrix or a cancelled context does.
func (r *Runner) Run(ctx context.Context, scenarios []TestScenario) (Report, error) {
	report := Report{StartedAt: time.Now()}

	if err := ValidateMatrix(scenarios); err != nil {
		return report, err
	}

	for _, s := range scenarios {
		if err := ctx.Err(); err != nil {
			report.Summary = r.rc.Summary()
			return report, err
		}

		report.Outcomes = append(report.Outcomes, r.runScenario(ctx, s))
	}

	report.Summary = r.rc.Summary()

	r.mtx.Lock()
	r.lastReport = &report
	r.mtx.Unlock()

	logger.HarnessLog.Infoln("run complete:", report.Summary)

	return report, nil
}

func (r *Runner) saveMeterCells() {
	if r.metrics != nil {
		r.metrics.SaveMeterCells(r.rc.MeterCellsInUse())
	}
}

func (r *Runner) runScenario(ctx context.Context, s TestScenario) (outcome Outcome) {
	started := time.Now()
	outcome.Iteration = r.rc.NextIteration()

	log := logger.HarnessLog.With("scenario", s.Name, "iteration", outcome.Iteration)
	instrument := metrics.NewScenario(s.Name, s.Mode.String())

	defer func() {
		outcome.Duration = time.Since(started)
		r.rc.RecordVerdict(outcome.Pass)

		if outcome.Error != "" {
			log.Errorln("ERROR:", outcome.Error)
		}

		if r.metrics != nil {
			errorPercent := make(map[string]float64, trtcm.NumColors)
			for _, check := range outcome.Verdict.Checks {
				errorPercent[check.Color.String()] = check.ErrorPercent
			}

			instrument.Finish(outcome.result(), errorPercent)
			r.metrics.SaveScenario(instrument)
		}
	}()

	expectation, err := Expect(s)
	if err != nil {
		outcome.Expectation.Scenario = s.Name
		outcome.Error = err.Error()

		return outcome
	}

	outcome.Expectation = expectation
	log.Infoln(expectation.Traffic)
	log.Infoln(expectation.Expected)

	if expectation.Traffic.RunTimeMismatch(s.RunTime) {
		log.Warnf("packet count lasts %v at the offered rate, run time is %gs",
			expectation.Traffic.Duration, s.RunTime)
	}

	idx, err := r.rc.AllocateMeterIndex()
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}

	outcome.MeterIndex = idx
	log = log.With("meter-index", idx)

	r.saveMeterCells()

	defer r.release(log, idx)

	measured, sent, err := r.exercise(ctx, log, idx, s.Parameters(), expectation.Traffic)
	outcome.Sent = sent

	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}

	outcome.Measured = measured
	outcome.Verdict = expectation.Expected.Verify(measured)
	outcome.Pass = outcome.Verdict.Pass

	result := "PASS"
	if !outcome.Pass {
		result = "FAIL"
	}

	for _, check := range outcome.Verdict.Checks {
		log.Infoln(check)
	}

	log.Infof("%s %s (%v)", s.Name, result, expectation.Outcome)

	return outcome
}

// exercise programs the cell, offers the traffic and reads the color counters back.
func (r *Runner) exercise(ctx context.Context, log *zap.SugaredLogger, idx uint32, params trtcm.TestParameters,
	profile TrafficProfile) (trtcm.Measured, uint64, error) {
	spec := MeterSpecFromParameters(params, r.colorBlind)

	if err := r.datapath.ProgramMeter(ctx, idx, spec); err != nil {
		return trtcm.Measured{}, 0, fmt.Errorf("program meter: %w", err)
	}

	if r.steerFlowsFrom != 0 {
		steering := r.datapath.(FlowSteering)
		if err := steering.InstallFlow(ctx, FlowDstPort(r.steerFlowsFrom, idx), idx); err != nil {
			return trtcm.Measured{}, 0, fmt.Errorf("install flow: %w", err)
		}
	}

	if err := r.datapath.ResetCounters(ctx, idx); err != nil {
		return trtcm.Measured{}, 0, fmt.Errorf("reset counters: %w", err)
	}

	sent, err := r.generator.Send(ctx, idx, profile)
	if err != nil {
		return trtcm.Measured{}, sent, fmt.Errorf("send traffic: %w", err)
	}

	if sent != profile.Packets {
		log.Warnf("sent %d of %d packets", sent, profile.Packets)
	}

	select {
	case <-ctx.Done():
		return trtcm.Measured{}, sent, ctx.Err()
	case <-time.After(r.settle):
	}

	counters, err := r.datapath.ReadCounters(ctx, idx)
	if err != nil {
		return trtcm.Measured{}, sent, fmt.Errorf("read counters: %w", err)
	}

	measured := counters.Measured()
	log.Debugf("measured %+v, %d bytes green", measured, counters.Bytes[trtcm.Green])

	return measured, sent, nil
}

// release undoes the per-scenario device state and returns the cell to the pool. Cleanup
// runs even when the run was cancelled. A cell that could not be cleared stays allocated.
func (r *Runner) release(log *zap.SugaredLogger, idx uint32) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if r.steerFlowsFrom != 0 {
		steering := r.datapath.(FlowSteering)
		if err := steering.RemoveFlow(ctx, FlowDstPort(r.steerFlowsFrom, idx)); err != nil {
			log.Debugln("remove flow:", err)
		}
	}

	if err := r.datapath.ClearMeter(ctx, idx); err != nil {
		log.Warnw("clear meter failed, cell withheld from the pool", "meterIndex", idx, "error", err)
		r.saveMeterCells()

		return
	}

	if err := r.rc.ReleaseMeterIndex(idx); err != nil {
		log.Errorln(err)
	}

	r.saveMeterCells()
}
