// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package metertest

import (
	"encoding/binary"
	"math"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/omec-project/upf-meter-test/pkg/utils"
)

const (
	fcsBytes      = 4
	minFrameBytes = 64 - fcsBytes
	headerBytes   = 14 + 20 + 8

	flowSrcBase     uint32 = 0x0a000001 // 10.0.0.1
	flowDstAddr     uint32 = 0x0a010001 // 10.1.0.1
	flowSrcPort            = 40000
	flowDstPortBase        = 5000
)

var (
	flowSrcMAC = net.HardwareAddr{0x00, 0xaa, 0x00, 0x00, 0x00, 0x01}
	flowDstMAC = net.HardwareAddr{0x00, 0xbb, 0x00, 0x00, 0x00, 0x01}
	payloadTag = []byte("MTR0")
)

// FrameBytes is the frame length handed to the device for a packet of sizeBits on the wire,
// which includes the FCS the device appends.
func FrameBytes(sizeBits float64) (int, error) {
	if sizeBits <= 0 || math.Mod(sizeBits, 8) != 0 {
		return 0, ErrInvalidArgumentWithReason("packet_size", sizeBits, "must be a positive number of bytes")
	}

	frame := int(sizeBits/8) - fcsBytes
	if frame < minFrameBytes {
		return 0, ErrInvalidArgumentWithReason("packet_size", sizeBits, "shorter than a minimum ethernet frame")
	}

	return frame, nil
}

// PayloadBytes is the UDP payload length that yields a packet of sizeBits on the wire.
func PayloadBytes(sizeBits float64) (int, error) {
	frame, err := FrameBytes(sizeBits)
	if err != nil {
		return 0, err
	}

	return frame - headerBytes, nil
}

// flowPayload tags the payload with the meter cell so captures can be attributed.
func flowPayload(size int, meterIndex uint32) []byte {
	payload := make([]byte, size)
	n := copy(payload, payloadTag)

	if size >= n+4 {
		binary.BigEndian.PutUint32(payload[n:], meterIndex)
	}

	return payload
}

// BuildFrame serializes the Ethernet/IPv4/UDP frame of the flow metered by meterIndex.
// Each meter cell gets its own source address and destination port.
func BuildFrame(sizeBits float64, meterIndex uint32) ([]byte, error) {
	payloadSize, err := PayloadBytes(sizeBits)
	if err != nil {
		return nil, err
	}

	options := gopacket.SerializeOptions{
		ComputeChecksums: true,
		FixLengths:       true,
	}
	buffer := gopacket.NewSerializeBuffer()
	ipLayer := &layers.IPv4{
		Version:  4,
		TTL:      64,
		SrcIP:    utils.Uint32ToIp4(flowSrcBase + meterIndex),
		DstIP:    utils.Uint32ToIp4(flowDstAddr),
		Protocol: layers.IPProtocolUDP,
	}
	ethernetLayer := &layers.Ethernet{
		SrcMAC:       flowSrcMAC,
		DstMAC:       flowDstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	udpLayer := &layers.UDP{
		SrcPort: layers.UDPPort(flowSrcPort),
		DstPort: layers.UDPPort(FlowDstPort(flowDstPortBase, meterIndex)),
	}

	err = udpLayer.SetNetworkLayerForChecksum(ipLayer)
	if err != nil {
		return nil, err
	}

	err = gopacket.SerializeLayers(buffer, options,
		ethernetLayer,
		ipLayer,
		udpLayer,
		gopacket.Payload(flowPayload(payloadSize, meterIndex)),
	)
	if err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

// FlowDstPort is the UDP destination port the pipeline maps to meterIndex. validateConf
// keeps base plus the meter size within 16 bits.
func FlowDstPort(base uint16, meterIndex uint32) uint16 {
	return base + uint16(meterIndex)
}
