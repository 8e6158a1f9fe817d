// SPDX-License-Identifier: Apache-2.0
// Copyright 2020 Intel Corporation

package metertest

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/omec-project/upf-meter-test/logger"
)

// ExpectedHandler runs the oracle on a posted matrix document, without a device.
type ExpectedHandler struct{}

// ReportHandler serves the report of the last completed run.
type ReportHandler struct {
	runner *Runner
}

// SetupWebService registers the harness endpoints on mux. metrics may be nil.
func SetupWebService(mux *http.ServeMux, runner *Runner, metrics http.Handler) {
	mux.Handle("/v1/expected", &ExpectedHandler{})
	mux.Handle("/v1/report", &ReportHandler{runner: runner})

	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
}

func (e *ExpectedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger.HarnessLog.Infoln("handle http request for /v1/expected")

	switch r.Method {
	case "PUT":
		fallthrough
	case "POST":
		body, err := io.ReadAll(r.Body)
		if err != nil {
			logger.HarnessLog.Errorln("http req read body failed.")
			sendHTTPResp(http.StatusBadRequest, err.Error(), w)

			return
		}

		logger.HarnessLog.Debugln(string(body))

		scenarios, err := ParseMatrix(body)
		if err != nil {
			logger.HarnessLog.Errorln("invalid matrix in http request:", err)
			sendHTTPResp(http.StatusBadRequest, err.Error(), w)

			return
		}

		expectations, err := Expectations(scenarios)
		if err != nil {
			sendHTTPResp(http.StatusBadRequest, err.Error(), w)
			return
		}

		sendJSON(http.StatusOK, expectations, w)
	default:
		logger.HarnessLog.Infoln("Sorry, only PUT and POST methods are supported.")
		sendHTTPResp(http.StatusMethodNotAllowed, "only PUT and POST methods are supported", w)
	}
}

func (h *ReportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger.HarnessLog.Infoln("handle http request for /v1/report")

	if r.Method != "GET" {
		sendHTTPResp(http.StatusMethodNotAllowed, "only GET method is supported", w)
		return
	}

	report, ok := h.runner.LastReport()
	if !ok {
		sendHTTPResp(http.StatusNotFound, "no completed run", w)
		return
	}

	sendJSON(http.StatusOK, report, w)
}

func sendHTTPResp(status int, message string, w http.ResponseWriter) {
	sendJSON(status, map[string]string{"message": message}, w)
}

func sendJSON(status int, v interface{}, w http.ResponseWriter) {
	jsonResp, err := json.Marshal(v)
	if err != nil {
		logger.HarnessLog.Errorln("Error happened in JSON marshal. Err: ", err)

		status = http.StatusInternalServerError
		jsonResp = []byte(`{"message":"internal error"}`)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_, err = w.Write(jsonResp)
	if err != nil {
		logger.HarnessLog.Errorln("http response write failed : ", err)
	}
}
