// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package main

import (
	"os"
	"regexp"
	"testing"

	"github.com/golang/protobuf/proto"
	p4ConfigV1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	"github.com/stretchr/testify/require"
)

const (
	pipelineP4Info     = "../../conf/p4/p4info.txt"
	checkedInConstants = "../../internal/p4constants/p4constants.go"
)

// A renumbered meter pipeline with two tables sharing a match field.
const testP4InfoString = `
pkg_info {
  arch: "v1model"
}
tables {
  preamble {
    id: 40000001
    name: "MeterPipe.flow_meter"
    alias: "flow_meter"
  }
  match_fields {
    id: 4
    name: "udp_dport"
    bitwidth: 16
    match_type: EXACT
  }
  action_refs {
    id: 20000002
  }
  size: 1024
}
tables {
  preamble {
    id: 40000002
    name: "MeterPipe.port_meter"
    alias: "port_meter"
  }
  match_fields {
    id: 1
    name: "udp_dport"
    bitwidth: 16
    match_type: EXACT
  }
  action_refs {
    id: 20000002
  }
  size: 64
}
actions {
  preamble {
    id: 20000001
    name: "NoAction"
    alias: "NoAction"
  }
}
actions {
  preamble {
    id: 20000002
    name: "MeterPipe.set_meter_idx"
    alias: "set_meter_idx"
  }
  params {
    id: 2
    name: "meter_idx"
    bitwidth: 12
  }
}
counters {
  preamble {
    id: 300000001
    name: "MeterPipe.color_counter"
    alias: "color_counter"
  }
  spec {
    unit: PACKETS
  }
  size: 192
}
meters {
  preamble {
    id: 300000002
    name: "MeterPipe.color_meter"
    alias: "color_meter"
  }
  spec {
    unit: BYTES
  }
  size: 64
}
controller_packet_metadata {
  preamble {
    id: 70000001
    name: "packet_out"
    alias: "packet_out"
  }
  metadata {
    id: 1
    name: "meter_idx"
    bitwidth: 12
  }
  metadata {
    id: 2
    name: "color_aware"
    bitwidth: 1
  }
}
`

var (
	constantLine = regexp.MustCompile(`(?m)^\s*(\w+)\s+(u?int\d+)\s*=\s*(\d+)\s*$`)
	mapEntryLine = regexp.MustCompile(`(?m)^\s*(\d+):\s*"([^"]+)",\s*$`)
	funcLine     = regexp.MustCompile(`(?m)^func (\w+)\(\)`)
)

func mustParseP4Info(t *testing.T, text string) *p4ConfigV1.P4Info {
	t.Helper()

	p4info := &p4ConfigV1.P4Info{}
	require.NoError(t, proto.UnmarshalText(text, p4info))

	return p4info
}

// constantsOf maps each declared constant to "type=value", ignoring layout.
func constantsOf(src string) map[string]string {
	result := map[string]string{}
	for _, m := range constantLine.FindAllStringSubmatch(src, -1) {
		result[m[1]] = m[2] + "=" + m[3]
	}

	return result
}

func matchesOf(re *regexp.Regexp, src string) []string {
	var result []string
	for _, m := range re.FindAllStringSubmatch(src, -1) {
		result = append(result, m[1:]...)
	}

	return result
}

func TestGenerate_MatchesCheckedInConstants(t *testing.T) {
	p4info, err := loadP4Info(pipelineP4Info)
	require.NoError(t, err)

	generated, err := generate(p4info, defaultPackageName)
	require.NoError(t, err)

	checkedIn, err := os.ReadFile(checkedInConstants)
	require.NoError(t, err)

	want := string(checkedIn)

	require.NotEmpty(t, constantsOf(generated))
	require.Equal(t, constantsOf(want), constantsOf(generated))
	require.Equal(t, matchesOf(mapEntryLine, want), matchesOf(mapEntryLine, generated))
	require.Equal(t, matchesOf(funcLine, want), matchesOf(funcLine, generated))
	require.Contains(t, generated, "package "+defaultPackageName+"\n")
}

func Test_generateConstants(t *testing.T) {
	p4info := mustParseP4Info(t, testP4InfoString)

	generated, err := generateConstants(p4info)
	require.NoError(t, err)

	got := constantsOf(generated)

	tests := []struct {
		name     string
		constant string
		want     string
	}{
		{name: "table id", constant: "TableMeterPipeFlowMeter", want: "uint32=40000001"},
		{name: "second table", constant: "TableMeterPipePortMeter", want: "uint32=40000002"},
		{name: "match field per table", constant: "HdrMeterPipeFlowMeterUdpDport", want: "uint32=4"},
		{name: "match field of second table", constant: "HdrMeterPipePortMeterUdpDport", want: "uint32=1"},
		{name: "action without params", constant: "ActionNoAction", want: "uint32=20000001"},
		{name: "action", constant: "ActionMeterPipeSetMeterIdx", want: "uint32=20000002"},
		{name: "action param", constant: "ActionParamMeterPipeSetMeterIdxMeterIdx", want: "uint32=2"},
		{name: "counter", constant: "CounterMeterPipeColorCounter", want: "uint32=300000001"},
		{name: "counter size", constant: "CounterSizeMeterPipeColorCounter", want: "uint64=192"},
		{name: "meter", constant: "MeterMeterPipeColorMeter", want: "uint32=300000002"},
		{name: "meter size", constant: "MeterSizeMeterPipeColorMeter", want: "uint64=64"},
		{name: "packet metadata header", constant: "PacketMetaPacketOut", want: "uint32=70000001"},
		{name: "packet metadata field", constant: "PacketMetaFieldPacketOutMeterIdx", want: "uint32=1"},
		{name: "second packet metadata field", constant: "PacketMetaFieldPacketOutColorAware", want: "uint32=2"},
		{name: "match field width shared by tables", constant: "BitwidthMfUdpDport", want: "int32=16"},
		{name: "action param width", constant: "BitwidthApMeterIdx", want: "int32=12"},
		{name: "packet metadata width", constant: "BitwidthPmColorAware", want: "int32=1"},
		{name: "packet metadata width shared with action param", constant: "BitwidthPmMeterIdx", want: "int32=12"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, got[tt.constant])
		})
	}

	require.Len(t, got, len(tests))
}

func Test_generateConstants_conflictingBitwidth(t *testing.T) {
	p4info := mustParseP4Info(t, testP4InfoString)
	p4info.GetTables()[1].GetMatchFields()[0].Bitwidth = 8

	_, err := generateConstants(p4info)
	require.ErrorContains(t, err, "udp_dport")
}

func Test_generateP4DataFunctions(t *testing.T) {
	p4info := mustParseP4Info(t, testP4InfoString)

	tests := []struct {
		kind    string
		entries []string
		wantErr bool
	}{
		{kind: kindTable, entries: []string{"40000001", "MeterPipe.flow_meter", "40000002", "MeterPipe.port_meter"}},
		{kind: kindAction, entries: []string{"20000001", "NoAction", "20000002", "MeterPipe.set_meter_idx"}},
		{kind: kindCounter, entries: []string{"300000001", "MeterPipe.color_counter"}},
		{kind: kindMeter, entries: []string{"300000002", "MeterPipe.color_meter"}},
		{kind: kindPacketMetadata, entries: []string{"70000001", "packet_out"}},
		{kind: "DirectMeter", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.kind, func(t *testing.T) {
			got, err := generateP4DataFunctions(p4info, tt.kind)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.Equal(t, tt.entries, matchesOf(mapEntryLine, got))
			require.Equal(t, []string{"Get" + tt.kind + "IDToNameMap", "Get" + tt.kind + "IDList"}, matchesOf(funcLine, got))
		})
	}
}

func Test_loadP4Info(t *testing.T) {
	_, err := loadP4Info("testdata/missing.txt")
	require.Error(t, err)

	p4info, err := loadP4Info(pipelineP4Info)
	require.NoError(t, err)
	require.Len(t, p4info.GetMeters(), 1)
}
