// SPDX-License-Identifier: Apache-2.0
// Copyright 2022 Open Networking Foundation

package integration

import (
	"github.com/omec-project/upf-meter-test/internal/p4constants"
	"github.com/omec-project/upf-meter-test/metertest"
)

const (
	defaultP4RuntimeServerPort = "9559"
	defaultMeterSize           = 16
)

func ConfMeterTestDefault() metertest.Conf {
	return metertest.Conf{
		P4rt: metertest.P4rtInfo{
			Server:     "127.0.0.1",
			Port:       defaultP4RuntimeServerPort,
			DeviceID:   1,
			ElectionID: 10,
			P4Info:     "../../conf/p4/p4info.txt",
			Timeout:    "5s",
		},
		Meter: metertest.MeterInfo{
			Name:       p4constants.GetMeterIDToNameMap()[p4constants.MeterMeterPipeColorMeter],
			Counter:    p4constants.GetCounterIDToNameMap()[p4constants.CounterMeterPipeColorCounter],
			Size:       defaultMeterSize,
			ColorBlind: true,
		},
		Traffic: metertest.TrafficInfo{
			Generator:  metertest.GeneratorP4rt,
			EgressPort: 1,
			Workers:    1,
		},
		SettleTime: "500ms",
	}
}

// ConfMeterTestDocker pushes the pipeline since a fresh target starts without one.
func ConfMeterTestDocker(deviceConfig string) metertest.Conf {
	c := ConfMeterTestDefault()
	c.P4rt.SetPipeline = true
	c.P4rt.DeviceConfig = deviceConfig

	return c
}
