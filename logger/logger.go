// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log         *zap.Logger
	InitLog     *zap.SugaredLogger
	OracleLog   *zap.SugaredLogger
	HarnessLog  *zap.SugaredLogger
	P4rtLog     *zap.SugaredLogger
	TrafficLog  *zap.SugaredLogger
	MetricsLog  *zap.SugaredLogger
	atomicLevel zap.AtomicLevel
)

func init() {
	atomicLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	config := zap.Config{
		Level:            atomicLevel,
		Development:      false,
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.LevelKey = "level"
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	config.EncoderConfig.MessageKey = "message"
	config.EncoderConfig.StacktraceKey = ""

	var err error
	log, err = config.Build()
	if err != nil {
		panic(err)
	}

	sugar := log.Sugar().With("component", "MeterTest")
	InitLog = sugar.With("category", "Init")
	OracleLog = sugar.With("category", "Oracle")
	HarnessLog = sugar.With("category", "Harness")
	P4rtLog = sugar.With("category", "P4rt")
	TrafficLog = sugar.With("category", "Traffic")
	MetricsLog = sugar.With("category", "Metrics")
}

func GetLogger() *zap.Logger {
	return log
}

// SetLogLevel changes the level of every logger of this package at once.
func SetLogLevel(level zapcore.Level) {
	InitLog.Infoln("set log level:", level)
	atomicLevel.SetLevel(level)
}

// Sync flushes any buffered log entries.
func Sync() {
	_ = log.Sync()
}
