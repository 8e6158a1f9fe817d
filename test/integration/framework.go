// SPDX-License-Identifier: Apache-2.0
// Copyright 2022 Open Networking Foundation

package integration

import (
	"context"
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/omec-project/upf-meter-test/logger"
	"github.com/omec-project/upf-meter-test/metertest"
	"github.com/omec-project/upf-meter-test/pkg/fake_p4rt"
	"github.com/omec-project/upf-meter-test/test/integration/providers"
	"go.uber.org/zap"
)

// this file should contain all the struct defs/constants used among different test cases.

const (
	// ModeNative runs the meter harness against an in-process P4Runtime target.
	ModeNative = "native"
	// ModeDocker runs it against a target container started from $TARGET_IMAGE.
	ModeDocker = "docker"

	targetContainerName = "metertest-target"
)

var (
	// fakeTarget instance is used only in the native mode
	fakeTarget *fake_p4rt.FakeP4rt
)

type testCase struct {
	scenario metertest.TestScenario

	// conforming rows must pass; the others must at least mark some packets red.
	conforming bool

	desc string
}

func init() {
	logger.SetLogLevel(zap.DebugLevel)
}

func testMode() string {
	if mode := os.Getenv("MODE"); mode != "" {
		return mode
	}

	return ModeNative
}

func isModeNative() bool {
	return testMode() == ModeNative
}

func IsConnectionOpen(host string, port string) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), time.Second*3)
	if err != nil {
		return false
	}

	conn.Close()

	return true
}

func waitForPortOpen(host string, port string, timeout time.Duration) error {
	deadline := time.After(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)

	defer ticker.Stop()

	// Keep trying until we're timed out or get a result/error
	for {
		select {
		case <-deadline:
			return errors.New("timed out")
		case <-ticker.C:
			if IsConnectionOpen(host, port) {
				return nil
			}
		}
	}
}

func setupNative(t *testing.T, conf metertest.Conf) metertest.Conf {
	p4info, err := metertest.LoadP4Info(conf.P4rt.P4Info)
	if err != nil {
		t.Fatalf("failed to load P4Info: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}

	fakeTarget = fake_p4rt.NewFakeP4rt(p4info)
	fakeTarget.SetColorer(fake_p4rt.NewTokenBucketColorer())

	go func() {
		if err := fakeTarget.Serve(listener); err != nil {
			logger.P4rtLog.Errorln("fake target stopped:", err)
		}
	}()

	_, port, _ := net.SplitHostPort(listener.Addr().String())
	conf.P4rt.Port = port

	return conf
}

func setupDocker(t *testing.T) metertest.Conf {
	image := os.Getenv("TARGET_IMAGE")
	if image == "" {
		t.Skip("TARGET_IMAGE is not set")
	}

	conf := ConfMeterTestDocker(os.Getenv("TARGET_DEVICE_CONFIG"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := providers.StartContainer(ctx, image, targetContainerName, nil,
		net.JoinHostPort(conf.P4rt.Server, conf.P4rt.Port)+":"+conf.P4rt.Port+"/tcp")
	if err != nil {
		t.Fatalf("failed to start target container: %v", err)
	}

	if err := waitForPortOpen(conf.P4rt.Server, conf.P4rt.Port, 30*time.Second); err != nil {
		t.Fatalf("P4Runtime server of the target is not reachable: %v", err)
	}

	return conf
}

func setup(t *testing.T) metertest.Conf {
	switch testMode() {
	case ModeNative:
		return setupNative(t, ConfMeterTestDefault())
	case ModeDocker:
		return setupDocker(t)
	default:
		t.Fatalf("unknown MODE %q", testMode())
	}

	return metertest.Conf{}
}

func teardown(t *testing.T) {
	if isModeNative() {
		if fakeTarget != nil {
			fakeTarget.Stop()
			fakeTarget = nil
		}

		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := providers.RemoveContainer(ctx, targetContainerName); err != nil {
		t.Errorf("failed to remove target container: %v", err)
	}
}
