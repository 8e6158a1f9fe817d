// SPDX-License-Identifier: Apache-2.0
// Copyright 2020 Intel Corporation
// Copyright 2022-present Open Networking Foundation

package main

import (
	"flag"
	"os"
	"strings"

	"github.com/omec-project/upf-meter-test/logger"
	"github.com/omec-project/upf-meter-test/metertest"
)

var (
	configPath = flag.String("config", "conf/metertest.json", "path to meter test config")
	dryRun     = flag.Bool("dry-run", false, "print the expected results and exit")
	scenarios  = flag.String("scenarios", "", "comma separated scenario names to run, all when empty")
	serve      = flag.Bool("serve", false, "keep the HTTP endpoints up after the run")
)

func main() {
	// cmdline args
	flag.Parse()

	defer logger.Sync()

	// Read and parse json startup file.
	conf, err := metertest.LoadConfigFile(*configPath)
	if err != nil {
		logger.InitLog.Fatalln("Error reading conf file:", err)
	}

	logger.SetLogLevel(conf.LogLevel)

	logger.InitLog.Infof("%+v", conf)

	var names []string
	if *scenarios != "" {
		names = strings.Split(*scenarios, ",")
	}

	mt := metertest.NewMeterTest(conf)

	// blocking
	err = mt.Run(metertest.Options{
		DryRun:    *dryRun,
		Scenarios: names,
		Serve:     *serve,
	})
	if err != nil {
		logger.InitLog.Errorln(err)
		logger.Sync()
		os.Exit(1)
	}
}
