// SPDX-License-Identifier: Apache-2.0
// Copyright 2022 Open Networking Foundation

package utils

import (
	"fmt"
	"math"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInt2ip(t *testing.T) {
	tests := []struct {
		name string
		args uint32
		want net.IP
	}{
		{name: "zero", args: 0, want: net.IPv4zero.To4()},
		{name: "plain", args: 0x0a000001, want: net.ParseIP("10.0.0.1").To4()},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				got := Uint32ToIp4(tt.args)
				require.Equal(t, tt.want, got)
			},
		)
	}
}

func TestIp2int2IpTransitive(t *testing.T) {
	tests := []uint32{
		0,
		1,
		math.MaxUint32,
		0x0a000001,
	}
	for _, i := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			ip := Uint32ToIp4(i)
			got := Ip4ToUint32(ip)
			require.Equal(t, i, got, "value %v failed transitive conversion with intermediate ip %v", ip)
		},
		)
	}
}

func TestBitRate(t *testing.T) {
	tests := []struct {
		name    string
		value   float64
		unit    string
		want    float64
		wantErr bool
	}{
		{name: "no unit", value: 1234, want: 1234},
		{name: "bps", value: 1234, unit: "bps", want: 1234},
		{name: "Kbps", value: 2, unit: "Kbps", want: 2e3},
		{name: "Mbps", value: 2.5, unit: "Mbps", want: 2.5e6},
		{name: "Gbps", value: 50, unit: "Gbps", want: 50e9},
		{name: "case insensitive", value: 1, unit: "GBPS", want: 1e9},
		{name: "unknown unit", value: 1, unit: "Tbps", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := BitRate(tt.value, tt.unit)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.InDelta(t, tt.want, got, 1e-6)
		})
	}
}

func TestKbpsToBytesPerSecond(t *testing.T) {
	require.Equal(t, int64(6_250_000_000), KbpsToBytesPerSecond(50_000_000))
	require.Equal(t, int64(125), KbitsToBytes(1))
	require.Equal(t, int64(math.MaxInt64), KbpsToBytesPerSecond(math.MaxUint64))
}
