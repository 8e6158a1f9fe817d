// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package metertest

import (
	"io/fs"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func mustWriteStringToDisk(s string, path string) {
	err := os.WriteFile(path, []byte(s), fs.ModePerm)
	if err != nil {
		panic(err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	t.Run("minimal config gets defaults", func(t *testing.T) {
		s := `{
			"p4rt": {
				"server": "10.0.0.1",
				"p4info": "p4info.txt"
			}
		}`
		confPath := t.TempDir() + "/conf.json"
		mustWriteStringToDisk(s, confPath)

		conf, err := LoadConfigFile(confPath)
		require.NoError(t, err)
		require.Equal(t, zapcore.InfoLevel, conf.LogLevel)
		require.Equal(t, "10.0.0.1:9559", conf.P4rtAddress())
		require.Equal(t, uint64(1), conf.P4rt.DeviceID)
		require.Equal(t, meterNameDefault, conf.Meter.Name)
		require.Equal(t, counterNameDefault, conf.Meter.Counter)
		require.EqualValues(t, meterSizeDefault, conf.Meter.Size)
		require.Equal(t, GeneratorP4rt, conf.Traffic.Generator)
		require.Equal(t, 1, conf.Traffic.Workers)
		require.Equal(t, settleTimeDefault, conf.SettleDuration())
		require.Equal(t, p4rtTimeoutDefault, conf.P4rtTimeout())
	})

	t.Run("log level is parsed", func(t *testing.T) {
		s := `{
			"log_level": "debug",
			"p4rt": {"server": "10.0.0.1", "p4info": "p4info.txt"}
		}`
		confPath := t.TempDir() + "/conf.json"
		mustWriteStringToDisk(s, confPath)

		conf, err := LoadConfigFile(confPath)
		require.NoError(t, err)
		require.Equal(t, zapcore.DebugLevel, conf.LogLevel)
	})

	t.Run("udp generator without port gets default port", func(t *testing.T) {
		s := `{
			"p4rt": {"server": "10.0.0.1", "p4info": "p4info.txt"},
			"traffic": {"generator": "udp", "udp_remote": "192.168.1.10", "workers": 4}
		}`
		confPath := t.TempDir() + "/conf.json"
		mustWriteStringToDisk(s, confPath)

		conf, err := LoadConfigFile(confPath)
		require.NoError(t, err)
		require.Equal(t, "192.168.1.10:5000", conf.Traffic.UDPRemote)
		require.Equal(t, ":0", conf.Traffic.UDPLocal)
		require.Equal(t, 4, conf.Traffic.Workers)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadConfigFile(t.TempDir() + "/does-not-exist.json")
		require.Error(t, err)
	})

	t.Run("all sample configs must be valid", func(t *testing.T) {
		paths := []string{
			"../conf/metertest.json",
		}

		for _, path := range paths {
			_, err := LoadConfigFile(path)
			assert.NoError(t, err, "config %v is not valid", path)
		}
	})
}

func TestValidateConf(t *testing.T) {
	valid := func() Conf {
		c := Conf{
			P4rt: P4rtInfo{Server: "127.0.0.1", P4Info: "p4info.txt"},
		}
		setDefaults(&c)

		return c
	}

	tests := []struct {
		name    string
		mutate  func(c *Conf)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(c *Conf) {}},
		{name: "no server", mutate: func(c *Conf) { c.P4rt.Server = "" }, wantErr: true},
		{name: "no p4info", mutate: func(c *Conf) { c.P4rt.P4Info = "" }, wantErr: true},
		{
			name:    "set pipeline without device config",
			mutate:  func(c *Conf) { c.P4rt.SetPipeline = true },
			wantErr: true,
		},
		{name: "bad settle time", mutate: func(c *Conf) { c.SettleTime = "soon" }, wantErr: true},
		{name: "bad p4rt timeout", mutate: func(c *Conf) { c.P4rt.Timeout = "5" }, wantErr: true},
		{name: "zero meter cells", mutate: func(c *Conf) { c.Meter.Size = 0 }, wantErr: true},
		{name: "unknown generator", mutate: func(c *Conf) { c.Traffic.Generator = "ixia" }, wantErr: true},
		{name: "p4rt generator with many workers", mutate: func(c *Conf) { c.Traffic.Workers = 2 }, wantErr: true},
		{
			name: "udp generator with bad remote",
			mutate: func(c *Conf) {
				c.Traffic.Generator = GeneratorUDP
				c.Traffic.UDPLocal = ":0"
				c.Traffic.UDPRemote = "not an address"
			},
			wantErr: true,
		},
		{
			name: "udp ports past 65535",
			mutate: func(c *Conf) {
				c.Traffic.Generator = GeneratorUDP
				c.Traffic.UDPLocal = ":0"
				c.Traffic.UDPRemote = "10.0.0.1:65000"
				c.Meter.Size = 1024
			},
			wantErr: true,
		},
		{
			name: "udp last cell on port 65536",
			mutate: func(c *Conf) {
				c.Traffic.Generator = GeneratorUDP
				c.Traffic.UDPLocal = ":0"
				c.Traffic.UDPRemote = "10.0.0.1:65473"
				c.Meter.Size = 64
			},
			wantErr: true,
		},
		{
			name: "udp last cell on port 65535",
			mutate: func(c *Conf) {
				c.Traffic.Generator = GeneratorUDP
				c.Traffic.UDPLocal = ":0"
				c.Traffic.UDPRemote = "10.0.0.1:65472"
				c.Meter.Size = 64
			},
		},
		{
			name: "udp remote port out of range",
			mutate: func(c *Conf) {
				c.Traffic.Generator = GeneratorUDP
				c.Traffic.UDPLocal = ":0"
				c.Traffic.UDPRemote = "10.0.0.1:70000"
			},
			wantErr: true,
		},
		{name: "p4rt flow ports past 65535", mutate: func(c *Conf) { c.Meter.Size = 65536 - flowDstPortBase + 1 }, wantErr: true},
		{name: "p4rt flow ports up to 65535", mutate: func(c *Conf) { c.Meter.Size = 65536 - flowDstPortBase }},
		{
			name: "udp generator",
			mutate: func(c *Conf) {
				c.Traffic.Generator = GeneratorUDP
				c.Traffic.UDPLocal = ":0"
				c.Traffic.UDPRemote = "10.0.0.2:5000"
				c.Traffic.Workers = 8
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(&c)

			err := validateConf(c)
			if tt.wantErr {
				require.ErrorIs(t, err, errInvalidArgument)
				return
			}

			require.NoError(t, err)
		})
	}
}

func TestConf_SettleDuration(t *testing.T) {
	c := Conf{SettleTime: "250ms"}
	require.Equal(t, 250*time.Millisecond, c.SettleDuration())
}
