// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

// p4info_code_gen renders the IDs, sizes and bitwidths of the meter pipeline as Go
// constants, so tests can check the driver against the P4Info it was built for.
package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ettle/strcase"
	"github.com/golang/protobuf/proto"
	"github.com/omec-project/upf-meter-test/logger"
	p4ConfigV1 "github.com/p4lang/p4runtime/go/p4/config/v1"
)

const (
	p4infoPath = "conf/p4/p4info.txt"

	defaultPackageName = "p4constants"
	// copyrightHeader uses raw strings to avoid issues with reuse
	copyrightHeader = `// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation
`

	constOpen       = "//noinspection GoSnakeCaseUsage\nconst (\n"
	constClose      = ")\n"
	mapEntryFormat  = "%v:\"%v\",\n"
	listEntryFormat = "%v,\n"

	idType       = "uint32"
	sizeType     = "uint64"
	bitwidthType = "int32"
)

// Kinds with a Get<Kind>IDToNameMap and Get<Kind>IDList accessor.
const (
	kindTable          = "Table"
	kindAction         = "Action"
	kindCounter        = "Counter"
	kindMeter          = "Meter"
	kindPacketMetadata = "ControllerPacketMetadata"
)

var dataFunctionKinds = []string{kindTable, kindAction, kindCounter, kindMeter, kindPacketMetadata}

// constant is one line of the generated const block.
type constant struct {
	prefix string
	name   string
	goType string
	value  interface{}
}

// identifier turns e.g. ("Hdr_MeterPipe.flow_meter", "udp_dport") into HdrMeterPipeFlowMeterUdpDport.
func (c constant) identifier() string {
	return strcase.ToPascal(strings.ReplaceAll(c.prefix+"_"+c.name, ".", "_"))
}

func (c constant) String() string {
	return fmt.Sprintf("%s \t %s = %v\n", c.identifier(), c.goType, c.value)
}

type section struct {
	title     string
	constants []constant
}

// bitwidths collects field widths by name; duplicate names must agree on the width.
type bitwidths map[string]int32

func (b bitwidths) add(name string, width int32) error {
	if w, ok := b[name]; ok && w != width {
		return fmt.Errorf("%s is %d bits wide in one place and %d in another", name, w, width)
	}

	b[name] = width

	return nil
}

func (b bitwidths) constants(prefix string) []constant {
	names := make([]string, 0, len(b))
	for name := range b {
		names = append(names, name)
	}

	sort.Strings(names)

	result := make([]constant, 0, len(names))
	for _, name := range names {
		result = append(result, constant{prefix, name, bitwidthType, b[name]})
	}

	return result
}

func collectSections(p4info *p4ConfigV1.P4Info) ([]section, error) {
	var (
		fields, tables, actions, params, counters, meters, headers, pmFields []constant

		mfWidth = bitwidths{}
		apWidth = bitwidths{}
		pmWidth = bitwidths{}
	)

	for _, t := range p4info.GetTables() {
		name := t.GetPreamble().GetName()
		tables = append(tables, constant{"Table", name, idType, t.GetPreamble().GetId()})

		for _, mf := range t.GetMatchFields() {
			fields = append(fields, constant{"Hdr_" + name, mf.GetName(), idType, mf.GetId()})

			if err := mfWidth.add(mf.GetName(), mf.GetBitwidth()); err != nil {
				return nil, err
			}
		}
	}

	for _, a := range p4info.GetActions() {
		name := a.GetPreamble().GetName()
		actions = append(actions, constant{"Action", name, idType, a.GetPreamble().GetId()})

		for _, p := range a.GetParams() {
			params = append(params, constant{"ActionParam_" + name, p.GetName(), idType, p.GetId()})

			if err := apWidth.add(p.GetName(), p.GetBitwidth()); err != nil {
				return nil, err
			}
		}
	}

	for _, c := range p4info.GetCounters() {
		name := c.GetPreamble().GetName()
		counters = append(counters,
			constant{"Counter", name, idType, c.GetPreamble().GetId()},
			constant{"CounterSize", name, sizeType, c.GetSize()})
	}

	for _, m := range p4info.GetMeters() {
		name := m.GetPreamble().GetName()
		meters = append(meters,
			constant{"Meter", name, idType, m.GetPreamble().GetId()},
			constant{"MeterSize", name, sizeType, m.GetSize()})
	}

	for _, cpm := range p4info.GetControllerPacketMetadata() {
		name := cpm.GetPreamble().GetName()
		headers = append(headers, constant{"PacketMeta", name, idType, cpm.GetPreamble().GetId()})

		for _, md := range cpm.GetMetadata() {
			pmFields = append(pmFields, constant{"PacketMetaField_" + name, md.GetName(), idType, md.GetId()})

			if err := pmWidth.add(md.GetName(), md.GetBitwidth()); err != nil {
				return nil, err
			}
		}
	}

	return []section{
		{"HeaderFields", fields},
		{"Tables", tables},
		{"Actions", actions},
		{"ActionParams", params},
		{"Counters", counters},
		{"PacketMetadata", headers},
		{"PacketMetadataFields", pmFields},
		{"Meters", meters},
		{"Bitwidths", append(append(mfWidth.constants("BitwidthMf"), apWidth.constants("BitwidthAp")...),
			pmWidth.constants("BitwidthPm")...)},
	}, nil
}

func generateConstants(p4info *p4ConfigV1.P4Info) (string, error) {
	sections, err := collectSections(p4info)
	if err != nil {
		return "", err
	}

	sb := strings.Builder{}
	sb.WriteString(constOpen)

	for _, s := range sections {
		sb.WriteString("// " + s.title + "\n")

		for _, c := range s.constants {
			sb.WriteString(c.String())
		}
	}

	sb.WriteString(constClose + "\n")

	return sb.String(), nil
}

func getPreambles(info *p4ConfigV1.P4Info, kind string) ([]*p4ConfigV1.Preamble, error) {
	var preambles []*p4ConfigV1.Preamble

	switch kind {
	case kindTable:
		for _, e := range info.GetTables() {
			preambles = append(preambles, e.GetPreamble())
		}
	case kindAction:
		for _, e := range info.GetActions() {
			preambles = append(preambles, e.GetPreamble())
		}
	case kindCounter:
		for _, e := range info.GetCounters() {
			preambles = append(preambles, e.GetPreamble())
		}
	case kindMeter:
		for _, e := range info.GetMeters() {
			preambles = append(preambles, e.GetPreamble())
		}
	case kindPacketMetadata:
		for _, e := range info.GetControllerPacketMetadata() {
			preambles = append(preambles, e.GetPreamble())
		}
	default:
		return nil, fmt.Errorf("unsupported p4 kind %q", kind)
	}

	return preambles, nil
}

func generateP4DataFunctions(info *p4ConfigV1.P4Info, kind string) (string, error) {
	preambles, err := getPreambles(info, kind)
	if err != nil {
		return "", err
	}

	mapBuilder, listBuilder := strings.Builder{}, strings.Builder{}
	mapBuilder.WriteString(fmt.Sprintf("func Get%sIDToNameMap() map[%s]string {\n return map[%s]string {\n", kind, idType, idType))
	listBuilder.WriteString(fmt.Sprintf("func Get%sIDList() []%s {\n return []%s {\n", kind, idType, idType))

	for _, p := range preambles {
		mapBuilder.WriteString(fmt.Sprintf(mapEntryFormat, p.GetId(), p.GetName()))
		listBuilder.WriteString(fmt.Sprintf(listEntryFormat, p.GetId()))
	}

	mapBuilder.WriteString("}\n}\n\n")
	listBuilder.WriteString("}\n}\n\n")

	return mapBuilder.String() + listBuilder.String(), nil
}

func loadP4Info(path string) (*p4ConfigV1.P4Info, error) {
	p4infoBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read P4Info: %w", err)
	}

	var p4info p4ConfigV1.P4Info

	if err := proto.UnmarshalText(string(p4infoBytes), &p4info); err != nil {
		return nil, fmt.Errorf("parse P4Info %s: %w", path, err)
	}

	return &p4info, nil
}

func generate(p4info *p4ConfigV1.P4Info, packageName string) (string, error) {
	sb := strings.Builder{}
	sb.WriteString(copyrightHeader + "\n")
	sb.WriteString(fmt.Sprintf("package %s\n\n", packageName))

	constants, err := generateConstants(p4info)
	if err != nil {
		return "", err
	}

	sb.WriteString(constants)

	for _, kind := range dataFunctionKinds {
		functions, err := generateP4DataFunctions(p4info, kind)
		if err != nil {
			return "", err
		}

		sb.WriteString(functions)
	}

	return sb.String(), nil
}

func main() {
	p4infoPath := flag.String("p4info", p4infoPath, "Path of the p4info file")
	outputPath := flag.String("output", "-", "Default will print to Stdout")
	packageName := flag.String("package", defaultPackageName, "Set the package name")

	flag.Parse()

	p4info, err := loadP4Info(*p4infoPath)
	if err != nil {
		logger.InitLog.Fatalln(err)
	}

	result, err := generate(p4info, *packageName)
	if err != nil {
		logger.InitLog.Fatalln(err)
	}

	if *outputPath == "-" {
		fmt.Print(result)
		return
	}

	if err := os.WriteFile(*outputPath, []byte(result), 0o644); err != nil {
		logger.InitLog.Fatalln("write constants:", err)
	}
}
