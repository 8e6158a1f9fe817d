// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package metertest

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/omec-project/upf-meter-test/logger"
	"github.com/omec-project/upf-meter-test/metertest/metrics"
)

// Options select what a MeterTest run does beyond the config file.
type Options struct {
	// DryRun prints the expected results and never connects to the device.
	DryRun bool
	// Scenarios restricts the matrix to the named rows.
	Scenarios []string
	// Serve keeps the HTTP endpoints up after the run until a signal arrives.
	Serve bool
}

type MeterTest struct {
	conf Conf
}

func NewMeterTest(conf Conf) *MeterTest {
	return &MeterTest{conf: conf}
}

func (m *MeterTest) matrix(names []string) ([]TestScenario, error) {
	scenarios := DefaultMatrix()

	if m.conf.Matrix != "" {
		var err error

		scenarios, err = LoadMatrixFile(m.conf.Matrix)
		if err != nil {
			return nil, err
		}
	}

	return FilterMatrix(scenarios, names)
}

func (m *MeterTest) newGenerator(datapath *P4rtDatapath) (TrafficGenerator, error) {
	if m.conf.Traffic.Generator == GeneratorUDP {
		return NewUDPGenerator(m.conf.Traffic.UDPLocal, m.conf.Traffic.UDPRemote, m.conf.Traffic.Workers)
	}

	return NewP4rtGenerator(datapath, m.conf.Traffic.EgressPort), nil
}

func listenAndServe(srv *http.Server, name string) {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.InitLog.Errorln(name, "server failed", err)
		return
	}

	logger.InitLog.Infoln(name, "server closed")
}

// Run executes the matrix and returns an error when any scenario did not pass.
func (m *MeterTest) Run(opts Options) error {
	scenarios, err := m.matrix(opts.Scenarios)
	if err != nil {
		return err
	}

	if opts.DryRun {
		expectations, err := Expectations(scenarios)
		if err != nil {
			return err
		}

		for _, e := range expectations {
			logger.OracleLog.Infoln(e)
		}

		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	datapath, err := NewP4rtDatapath(ctx, m.conf)
	if err != nil {
		return err
	}
	defer datapath.Close()

	generator, err := m.newGenerator(datapath)
	if err != nil {
		return err
	}
	defer generator.Close()

	prom, err := metrics.NewPrometheusService()
	if err != nil {
		return err
	}
	defer prom.Stop()

	runner := NewRunner(m.conf, datapath, generator, prom)

	mux := http.NewServeMux()
	SetupWebService(mux, runner, nil)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", prom.Handler())

	httpSrv := &http.Server{Addr: ":" + m.conf.HTTPPort, Handler: mux}
	metricsSrv := &http.Server{Addr: ":" + m.conf.MetricsPort, Handler: metricsMux}

	go listenAndServe(httpSrv, "http")
	go listenAndServe(metricsSrv, "metrics")

	report, err := runner.Run(ctx, scenarios)

	if opts.Serve && err == nil {
		logger.InitLog.Infoln("run finished, serving results until interrupted")
		<-ctx.Done()
	}

	if err := httpSrv.Shutdown(context.Background()); err != nil {
		logger.InitLog.Errorln("Failed to shutdown http:", err)
	}

	if err := metricsSrv.Shutdown(context.Background()); err != nil {
		logger.MetricsLog.Errorln("Failed to shutdown metrics:", err)
	}

	if err != nil {
		return err
	}

	if report.Summary.Failed > 0 {
		return ErrOperationFailedWithReason("meter test", report.Summary.String())
	}

	return nil
}
