// SPDX-License-Identifier: Apache-2.0
// Copyright 2020 Intel Corporation
// Copyright 2022 Open Networking Foundation

package utils

import (
	"encoding/binary"
	"fmt"
	"math"
	"net"
	"strings"
)

const (
	KB = 1000
	MB = 1000 * KB
	GB = 1000 * MB
)

var rateMultiplier = map[string]float64{
	"bps":  1,
	"kbps": KB,
	"mbps": MB,
	"gbps": GB,
}

// BitRate converts value expressed in unit to bits per second. An empty unit means bps.
func BitRate(value float64, unit string) (float64, error) {
	if unit == "" {
		return value, nil
	}

	m, ok := rateMultiplier[strings.ToLower(unit)]
	if !ok {
		return 0, fmt.Errorf("unknown bit rate unit %q", unit)
	}

	return value * m, nil
}

// KbpsToBytesPerSecond saturates at math.MaxInt64.
func KbpsToBytesPerSecond(kbps uint64) int64 {
	return saturatingInt64(float64(kbps) * KB / 8)
}

func KbitsToBytes(kbits uint64) int64 {
	return saturatingInt64(float64(kbits) * KB / 8)
}

func saturatingInt64(v float64) int64 {
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}

	return int64(v)
}

func Uint32ToIp4(nn uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, nn)

	return ip
}

func Ip4ToUint32(ip net.IP) uint32 {
	return binary.BigEndian.Uint32(ip.To4())
}
