// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package metertest

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"
)

const (
	// Default values
	p4rtPortDefault      = "9559"
	deviceIDDefault      = 1
	electionIDDefault    = 1
	meterNameDefault     = "MeterPipe.color_meter"
	counterNameDefault   = "MeterPipe.color_counter"
	meterSizeDefault     = 64
	settleTimeDefault    = 2 * time.Second
	workersDefault       = 1
	metricsPortDefault   = "8081"
	httpPortDefault      = "8080"
	p4rtTimeoutDefault   = 5 * time.Second
	udpRemoteDefaultPort = "5000"
	udpLocalAddrDefault  = ":0"

	// possible traffic generators
	GeneratorP4rt = "p4rt"
	GeneratorUDP  = "udp"
)

// Conf : Json conf struct.
type Conf struct {
	LogLevel zapcore.Level `json:"log_level"`

	P4rt    P4rtInfo    `json:"p4rt"`
	Meter   MeterInfo   `json:"meter"`
	Traffic TrafficInfo `json:"traffic"`

	// SettleTime is how long to wait after the last packet before reading counters.
	SettleTime  string `json:"settle_time"`
	MetricsPort string `json:"metrics_port"`
	HTTPPort    string `json:"http_port"`

	// Matrix is an optional scenario file. The built-in matrix is used when empty.
	Matrix string `json:"matrix"`
}

// P4rtInfo : P4Runtime target settings.
type P4rtInfo struct {
	Server       string `json:"server"`
	Port         string `json:"port"`
	DeviceID     uint64 `json:"device_id"`
	ElectionID   uint64 `json:"election_id"`
	P4Info       string `json:"p4info"`
	DeviceConfig string `json:"device_config"`
	// SetPipeline pushes P4Info and DeviceConfig to the target on connect.
	SetPipeline bool   `json:"set_pipeline"`
	Timeout     string `json:"timeout"`
}

// MeterInfo : the meter and color counter under test.
type MeterInfo struct {
	Name    string `json:"name"`
	Counter string `json:"counter"`
	// Size is the number of meter cells the harness may use.
	Size       uint32 `json:"size"`
	ColorBlind bool   `json:"color_blind"`
}

// TrafficInfo : traffic generator settings.
type TrafficInfo struct {
	Generator string `json:"generator"`
	// EgressPort is where packet-outs leave the pipeline once metered.
	EgressPort uint32 `json:"egress_port"`
	UDPLocal   string `json:"udp_local"`
	// UDPRemote is the first destination; meter cell i is addressed at port+i.
	UDPRemote string `json:"udp_remote"`
	Workers   int    `json:"workers"`
}

func (c Conf) P4rtAddress() string {
	return net.JoinHostPort(c.P4rt.Server, c.P4rt.Port)
}

func (c Conf) SettleDuration() time.Duration {
	d, err := time.ParseDuration(c.SettleTime)
	if err != nil {
		return settleTimeDefault
	}

	return d
}

func (c Conf) P4rtTimeout() time.Duration {
	d, err := time.ParseDuration(c.P4rt.Timeout)
	if err != nil {
		return p4rtTimeoutDefault
	}

	return d
}

// validateConf checks that the given config reaches a baseline of correctness.
func validateConf(conf Conf) error {
	if conf.P4rt.Server == "" {
		return ErrInvalidArgumentWithReason("conf.P4rt.Server", conf.P4rt.Server, "P4Runtime server must be set")
	}

	if conf.P4rt.P4Info == "" {
		return ErrInvalidArgumentWithReason("conf.P4rt.P4Info", conf.P4rt.P4Info, "p4info path must be set")
	}

	if conf.P4rt.SetPipeline && conf.P4rt.DeviceConfig == "" {
		return ErrInvalidArgumentWithReason("conf.P4rt.DeviceConfig", conf.P4rt.DeviceConfig,
			"device config is required to set the pipeline")
	}

	if _, err := time.ParseDuration(conf.P4rt.Timeout); err != nil {
		return ErrInvalidArgumentWithReason("conf.P4rt.Timeout", conf.P4rt.Timeout, "invalid duration")
	}

	if _, err := time.ParseDuration(conf.SettleTime); err != nil {
		return ErrInvalidArgumentWithReason("conf.SettleTime", conf.SettleTime, "invalid duration")
	}

	if conf.Meter.Size == 0 {
		return ErrInvalidArgumentWithReason("conf.Meter.Size", conf.Meter.Size, "at least one meter cell is required")
	}

	if conf.Traffic.Workers < 1 {
		return ErrInvalidArgumentWithReason("conf.Traffic.Workers", conf.Traffic.Workers, "invalid number of workers")
	}

	switch conf.Traffic.Generator {
	case GeneratorP4rt:
		if conf.Traffic.Workers != 1 {
			return ErrInvalidArgumentWithReason("conf.Traffic.Workers", conf.Traffic.Workers,
				"packet-out shares one stream and supports a single worker")
		}

		if !flowPortsFit(flowDstPortBase, conf.Meter.Size) {
			return ErrInvalidArgumentWithReason("conf.Meter.Size", conf.Meter.Size,
				"flow destination ports would exceed 65535")
		}
	case GeneratorUDP:
		_, port, err := net.SplitHostPort(conf.Traffic.UDPRemote)
		if err != nil {
			return ErrInvalidArgumentWithReason("conf.Traffic.UDPRemote", conf.Traffic.UDPRemote, err.Error())
		}

		basePort, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return ErrInvalidArgumentWithReason("conf.Traffic.UDPRemote", conf.Traffic.UDPRemote, err.Error())
		}

		if !flowPortsFit(basePort, conf.Meter.Size) {
			return ErrInvalidArgumentWithReason("conf.Traffic.UDPRemote", conf.Traffic.UDPRemote,
				fmt.Sprintf("port plus %d meter cells exceeds 65535", conf.Meter.Size))
		}

		if _, _, err := net.SplitHostPort(conf.Traffic.UDPLocal); err != nil {
			return ErrInvalidArgumentWithReason("conf.Traffic.UDPLocal", conf.Traffic.UDPLocal, err.Error())
		}
	default:
		return ErrInvalidArgumentWithReason("conf.Traffic.Generator", conf.Traffic.Generator, "invalid generator type")
	}

	return nil
}

// flowPortsFit reports whether every meter cell gets its own destination port above base.
func flowPortsFit(base uint64, cells uint32) bool {
	return base+uint64(cells) <= math.MaxUint16+1
}

// setDefaults fills in every optional field left empty.
func setDefaults(conf *Conf) {
	if conf.P4rt.Port == "" {
		conf.P4rt.Port = p4rtPortDefault
	}

	if conf.P4rt.DeviceID == 0 {
		conf.P4rt.DeviceID = deviceIDDefault
	}

	if conf.P4rt.ElectionID == 0 {
		conf.P4rt.ElectionID = electionIDDefault
	}

	if conf.P4rt.Timeout == "" {
		conf.P4rt.Timeout = p4rtTimeoutDefault.String()
	}

	if conf.Meter.Name == "" {
		conf.Meter.Name = meterNameDefault
	}

	if conf.Meter.Counter == "" {
		conf.Meter.Counter = counterNameDefault
	}

	if conf.Meter.Size == 0 {
		conf.Meter.Size = meterSizeDefault
	}

	if conf.Traffic.Generator == "" {
		conf.Traffic.Generator = GeneratorP4rt
	}

	if conf.Traffic.Workers == 0 {
		conf.Traffic.Workers = workersDefault
	}

	if conf.Traffic.Generator == GeneratorUDP {
		if conf.Traffic.UDPLocal == "" {
			conf.Traffic.UDPLocal = udpLocalAddrDefault
		}

		if conf.Traffic.UDPRemote != "" {
			if _, _, err := net.SplitHostPort(conf.Traffic.UDPRemote); err != nil {
				conf.Traffic.UDPRemote = net.JoinHostPort(conf.Traffic.UDPRemote, udpRemoteDefaultPort)
			}
		}
	}

	if conf.SettleTime == "" {
		conf.SettleTime = settleTimeDefault.String()
	}

	if conf.MetricsPort == "" {
		conf.MetricsPort = metricsPortDefault
	}

	if conf.HTTPPort == "" {
		conf.HTTPPort = httpPortDefault
	}
}

// LoadConfigFile : parse json file and populate corresponding struct.
func LoadConfigFile(filepath string) (Conf, error) {
	// Open up file.
	jsonFile, err := os.Open(filepath)
	if err != nil {
		return Conf{}, err
	}
	defer jsonFile.Close()

	// Read our file into memory.
	byteValue, err := io.ReadAll(jsonFile)
	if err != nil {
		return Conf{}, err
	}

	var conf Conf

	err = json.Unmarshal(byteValue, &conf)
	if err != nil {
		return Conf{}, err
	}

	// Set defaults, when missing.
	setDefaults(&conf)

	// Perform basic validation.
	err = validateConf(conf)
	if err != nil {
		return Conf{}, err
	}

	return conf, nil
}
