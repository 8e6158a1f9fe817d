// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package p4constants

//noinspection GoSnakeCaseUsage
const (
	// HeaderFields
	HdrMeterPipeFlowMeterUdpDport uint32 = 1
	// Tables
	TableMeterPipeFlowMeter uint32 = 41927516
	// Actions
	ActionNoAction             uint32 = 21257015
	ActionMeterPipeSetMeterIdx uint32 = 26722063
	// ActionParams
	ActionParamMeterPipeSetMeterIdxMeterIdx uint32 = 1
	// Counters
	CounterMeterPipeColorCounter     uint32 = 309202705
	CounterSizeMeterPipeColorCounter uint64 = 3072
	// PacketMetadata
	PacketMetaPacketOut uint32 = 75115289
	PacketMetaPacketIn  uint32 = 79892743
	// PacketMetadataFields
	PacketMetaFieldPacketOutEgressPort uint32 = 1
	PacketMetaFieldPacketOutMeterIdx   uint32 = 2
	PacketMetaFieldPacketOutColorAware uint32 = 3
	PacketMetaFieldPacketInIngressPort uint32 = 1
	// Meters
	MeterMeterPipeColorMeter     uint32 = 346111069
	MeterSizeMeterPipeColorMeter uint64 = 1024
	// Bitwidths
	BitwidthMfUdpDport    int32 = 16
	BitwidthApMeterIdx    int32 = 16
	BitwidthPmColorAware  int32 = 1
	BitwidthPmEgressPort  int32 = 9
	BitwidthPmIngressPort int32 = 9
	BitwidthPmMeterIdx    int32 = 16
)

func GetTableIDToNameMap() map[uint32]string {
	return map[uint32]string{
		41927516: "MeterPipe.flow_meter",
	}
}

func GetTableIDList() []uint32 {
	return []uint32{
		41927516,
	}
}

func GetActionIDToNameMap() map[uint32]string {
	return map[uint32]string{
		21257015: "NoAction",
		26722063: "MeterPipe.set_meter_idx",
	}
}

func GetActionIDList() []uint32 {
	return []uint32{
		21257015,
		26722063,
	}
}

func GetCounterIDToNameMap() map[uint32]string {
	return map[uint32]string{
		309202705: "MeterPipe.color_counter",
	}
}

func GetCounterIDList() []uint32 {
	return []uint32{
		309202705,
	}
}

func GetMeterIDToNameMap() map[uint32]string {
	return map[uint32]string{
		346111069: "MeterPipe.color_meter",
	}
}

func GetMeterIDList() []uint32 {
	return []uint32{
		346111069,
	}
}

func GetControllerPacketMetadataIDToNameMap() map[uint32]string {
	return map[uint32]string{
		75115289: "packet_out",
		79892743: "packet_in",
	}
}

func GetControllerPacketMetadataIDList() []uint32 {
	return []uint32{
		75115289,
		79892743,
	}
}
