// SPDX-License-Identifier: Apache-2.0
// Copyright 2021-present Intel Corporation

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Service struct {
	reg *prometheus.Registry

	scenarios        *prometheus.CounterVec
	scenarioDuration *prometheus.HistogramVec
	colorError       *prometheus.GaugeVec

	meterCells prometheus.Gauge
}

func NewPrometheusService() (*Service, error) {
	reg := prometheus.NewRegistry()

	scenarios := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "metertest_scenarios_total",
		Help: "Counter for executed meter scenarios by verdict",
	}, []string{"mode", "result"})

	scenarioDuration := promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
		Name:    "metertest_scenario_duration_seconds",
		Help:    "Time to program, offer traffic to and verify one meter cell",
		Buckets: []float64{1e-3, 1e-2, 1e-1, 1, 5, 10, 30, 60, 300},
	}, []string{"mode"})

	colorError := promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
		Name: "metertest_color_error_percent",
		Help: "Deviation of the measured color count from the expected one in the last scenario",
	}, []string{"scenario", "color"})

	meterCells := promauto.With(reg).NewGauge(prometheus.GaugeOpts{
		Name: "metertest_meter_cells_in_use",
		Help: "Number of meter cells currently allocated to running scenarios",
	})

	s := &Service{
		reg: reg,

		scenarios:        scenarios,
		scenarioDuration: scenarioDuration,
		colorError:       colorError,

		meterCells: meterCells,
	}

	return s, nil
}

func (s *Service) SaveScenario(sc *Scenario) {
	s.scenarios.WithLabelValues(sc.Mode, sc.Result).Inc()
	s.scenarioDuration.WithLabelValues(sc.Mode).Observe(sc.Duration)

	for color, pct := range sc.ErrorPercent {
		s.colorError.WithLabelValues(sc.Name, color).Set(pct)
	}
}

func (s *Service) SaveMeterCells(inUse int) {
	s.meterCells.Set(float64(inUse))
}

// Handler serves the private registry.
func (s *Service) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{Registry: s.reg})
}

func (s *Service) Stop() error {
	s.reg.Unregister(s.scenarios)
	s.reg.Unregister(s.scenarioDuration)
	s.reg.Unregister(s.colorError)
	s.reg.Unregister(s.meterCells)

	return nil
}
