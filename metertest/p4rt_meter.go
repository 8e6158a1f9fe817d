// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package metertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/omec-project/upf-meter-test/logger"
	"github.com/omec-project/upf-meter-test/pkg/trtcm"
	"github.com/omec-project/upf-meter-test/pkg/utils"
	p4ConfigV1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4 "github.com/p4lang/p4runtime/go/p4/v1"
)

const (
	packetOutHeader      = "packet_out"
	packetOutEgressPort  = "egress_port"
	packetOutMeterIdx    = "meter_idx"
	packetOutColorAware  = "color_aware"
	flowTableName        = "MeterPipe.flow_meter"
	flowTableMatchField  = "udp_dport"
	flowTableAction      = "MeterPipe.set_meter_idx"
	flowTableActionParam = "meter_idx"
)

// FlowSteering is implemented by datapaths that must be told which meter cell a
// front-panel flow maps to.
type FlowSteering interface {
	InstallFlow(ctx context.Context, udpDstPort uint16, meterIndex uint32) error
	RemoveFlow(ctx context.Context, udpDstPort uint16) error
}

// P4rtDatapath drives the meter and color counters of a P4Runtime target.
type P4rtDatapath struct {
	client *P4rtClient

	meterID     uint32
	meterSize   int64
	counterID   uint32
	counterSize int64

	pktOutEgressPort *p4ConfigV1.ControllerPacketMetadata_Metadata
	pktOutMeterIdx   *p4ConfigV1.ControllerPacketMetadata_Metadata
	pktOutColorAware *p4ConfigV1.ControllerPacketMetadata_Metadata

	// flow steering, nil when the pipeline has no flow table
	flowTableID    uint32
	flowMatchField *p4ConfigV1.MatchField
	flowActionID   uint32
	flowParam      *p4ConfigV1.Action_Param

	mtx        sync.Mutex
	colorAware map[uint32]bool
}

// NewP4rtDatapath connects to the target described by conf and resolves the meter
// entities by name.
func NewP4rtDatapath(ctx context.Context, conf Conf) (*P4rtDatapath, error) {
	ctx, cancel := context.WithTimeout(ctx, conf.P4rtTimeout())
	defer cancel()

	client, err := CreateChannel(ctx, conf.P4rtAddress(), conf.P4rt.DeviceID,
		p4.Uint128{High: 0, Low: conf.P4rt.ElectionID})
	if err != nil {
		return nil, err
	}

	if conf.P4rt.SetPipeline {
		err = client.SetForwardingPipelineConfig(ctx, conf.P4rt.P4Info, conf.P4rt.DeviceConfig)
	} else {
		err = loadP4Info(ctx, client, conf.P4rt.P4Info)
	}

	if err != nil {
		client.Close()
		return nil, err
	}

	d, err := newP4rtDatapath(client, conf.Meter)
	if err != nil {
		client.Close()
		return nil, err
	}

	return d, nil
}

// loadP4Info prefers the local P4Info and falls back to the one installed on the device.
func loadP4Info(ctx context.Context, client *P4rtClient, path string) error {
	p4info, err := LoadP4Info(path)
	if err == nil {
		client.SetP4Info(p4info)
		return nil
	}

	logger.P4rtLog.Warnf("cannot load local P4Info (%v), reading it from the device", err)

	return client.GetForwardingPipelineConfig(ctx)
}

func newP4rtDatapath(client *P4rtClient, meter MeterInfo) (*P4rtDatapath, error) {
	d := &P4rtDatapath{
		client:     client,
		colorAware: make(map[uint32]bool),
	}

	d.meterID = client.meterID(meter.Name)
	if d.meterID == invalidID {
		return nil, ErrNotFoundWithParam("meter", "name", meter.Name)
	}

	d.counterID = client.counterID(meter.Counter)
	if d.counterID == invalidID {
		return nil, ErrNotFoundWithParam("counter", "name", meter.Counter)
	}

	d.meterSize = client.meterSize(meter.Name)
	if d.meterSize < int64(meter.Size) {
		return nil, ErrInvalidArgumentWithReason("conf.Meter.Size", meter.Size,
			fmt.Sprintf("meter %s only has %d cells", meter.Name, d.meterSize))
	}

	d.counterSize = client.counterSize(meter.Counter)
	if d.counterSize < int64(meter.Size)*trtcm.NumColors {
		return nil, ErrInvalidArgumentWithReason("conf.Meter.Size", meter.Size,
			fmt.Sprintf("counter %s only has %d cells", meter.Counter, d.counterSize))
	}

	// Packet-out and flow steering are optional; their absence only fails the
	// generator that needs them.
	d.pktOutEgressPort, _ = client.packetMetadata(packetOutHeader, packetOutEgressPort)
	d.pktOutMeterIdx, _ = client.packetMetadata(packetOutHeader, packetOutMeterIdx)
	d.pktOutColorAware, _ = client.packetMetadata(packetOutHeader, packetOutColorAware)

	if table := client.table(flowTableName); table != nil {
		d.flowTableID = table.GetPreamble().GetId()
		d.flowMatchField = getMatchFieldByName(table, flowTableMatchField)

		if d.flowMatchField == nil {
			return nil, ErrNotFoundWithParam("match field", "name", flowTableName+"."+flowTableMatchField)
		}
	}

	if action := client.action(flowTableAction); action != nil {
		d.flowActionID = action.GetPreamble().GetId()
		d.flowParam = getActionParamByName(action, flowTableActionParam)

		if d.flowParam == nil {
			return nil, ErrNotFoundWithParam("action param", "name", flowTableAction+"."+flowTableActionParam)
		}
	}

	logger.P4rtLog.Infof("meter %s (id %d, %d cells), counter %s (id %d, %d cells)",
		meter.Name, d.meterID, d.meterSize, meter.Counter, d.counterID, d.counterSize)

	return d, nil
}

func (d *P4rtDatapath) checkMeterIndex(index uint32) error {
	if int64(index) >= d.meterSize {
		return ErrInvalidArgumentWithReason("meter index", index, fmt.Sprintf("meter has %d cells", d.meterSize))
	}

	return nil
}

func (d *P4rtDatapath) meterEntity(index uint32, config *p4.MeterConfig) *p4.Entity {
	return &p4.Entity{
		Entity: &p4.Entity_MeterEntry{
			MeterEntry: &p4.MeterEntry{
				MeterId: d.meterID,
				Index:   &p4.Index{Index: int64(index)},
				Config:  config,
			},
		},
	}
}

func (d *P4rtDatapath) counterEntity(index int64, data *p4.CounterData) *p4.Entity {
	return &p4.Entity{
		Entity: &p4.Entity_CounterEntry{
			CounterEntry: &p4.CounterEntry{
				CounterId: d.counterID,
				Index:     &p4.Index{Index: index},
				Data:      data,
			},
		},
	}
}

// ProgramMeter writes spec into meter cell index. P4Runtime meters take bytes/s and bytes.
func (d *P4rtDatapath) ProgramMeter(ctx context.Context, index uint32, spec MeterSpec) error {
	if err := d.checkMeterIndex(index); err != nil {
		return err
	}

	config := &p4.MeterConfig{
		Cir:    utils.KbpsToBytesPerSecond(spec.CIRKbps),
		Cburst: utils.KbitsToBytes(spec.CBSKbits),
		Pir:    utils.KbpsToBytesPerSecond(spec.PIRKbps),
		Pburst: utils.KbitsToBytes(spec.PBSKbits),
	}

	logger.P4rtLog.With("meter-index", index).Debugln("program meter:", spec)

	err := d.client.WriteReq(ctx, &p4.Update{
		Type:   p4.Update_MODIFY,
		Entity: d.meterEntity(index, config),
	})
	if err != nil {
		return err
	}

	d.mtx.Lock()
	d.colorAware[index] = !spec.ColorBlind
	d.mtx.Unlock()

	return nil
}

// ClearMeter restores the default configuration of a cell, which marks every packet green.
func (d *P4rtDatapath) ClearMeter(ctx context.Context, index uint32) error {
	if err := d.checkMeterIndex(index); err != nil {
		return err
	}

	d.mtx.Lock()
	delete(d.colorAware, index)
	d.mtx.Unlock()

	return d.client.WriteReq(ctx, &p4.Update{
		Type:   p4.Update_MODIFY,
		Entity: d.meterEntity(index, nil),
	})
}

// ReadMeter returns the configuration of a cell, nil when it was never programmed.
func (d *P4rtDatapath) ReadMeter(ctx context.Context, index uint32) (*p4.MeterConfig, error) {
	if err := d.checkMeterIndex(index); err != nil {
		return nil, err
	}

	entities, err := d.client.ReadReq(ctx, d.meterEntity(index, nil))
	if err != nil {
		return nil, err
	}

	for _, e := range entities {
		if e.GetMeterEntry().GetIndex().GetIndex() == int64(index) {
			return e.GetMeterEntry().GetConfig(), nil
		}
	}

	return nil, ErrNotFoundWithParam("meter entry", "index", index)
}

func (d *P4rtDatapath) ResetCounters(ctx context.Context, index uint32) error {
	if err := d.checkMeterIndex(index); err != nil {
		return err
	}

	updates := make([]*p4.Update, 0, trtcm.NumColors)
	for _, color := range trtcm.Colors {
		updates = append(updates, &p4.Update{
			Type:   p4.Update_MODIFY,
			Entity: d.counterEntity(CounterIndex(index, color), &p4.CounterData{}),
		})
	}

	return d.client.WriteBatchReq(ctx, updates)
}

func (d *P4rtDatapath) ReadCounters(ctx context.Context, index uint32) (ColorCounters, error) {
	var counters ColorCounters

	if err := d.checkMeterIndex(index); err != nil {
		return counters, err
	}

	entities := make([]*p4.Entity, 0, trtcm.NumColors)
	for _, color := range trtcm.Colors {
		entities = append(entities, d.counterEntity(CounterIndex(index, color), nil))
	}

	result, err := d.client.ReadReqEntities(ctx, entities)
	if err != nil {
		return counters, err
	}

	found := 0

	for _, e := range result {
		ce := e.GetCounterEntry()
		if ce == nil || ce.GetCounterId() != d.counterID {
			continue
		}

		color := ce.GetIndex().GetIndex() - CounterIndex(index, trtcm.Green)
		if color < 0 || color >= trtcm.NumColors {
			continue
		}

		counters.Packets[color] = uint64(ce.GetData().GetPacketCount())
		counters.Bytes[color] = uint64(ce.GetData().GetByteCount())
		found++
	}

	if found != trtcm.NumColors {
		return counters, ErrOperationFailedWithReason("read color counters",
			fmt.Sprintf("got %d of %d cells for meter index %d", found, trtcm.NumColors, index))
	}

	return counters, nil
}

// encodeMetadata renders value on the minimum number of bytes holding bitwidth bits.
func encodeMetadata(value uint64, bitwidth int32) ([]byte, error) {
	if bitwidth <= 0 || bitwidth > 64 {
		return nil, ErrInvalidArgument("bitwidth", bitwidth)
	}

	if bitwidth < 64 && value>>uint(bitwidth) != 0 {
		return nil, ErrInvalidArgumentWithReason("metadata value", value,
			fmt.Sprintf("does not fit in %d bits", bitwidth))
	}

	buf := make([]byte, (bitwidth+7)/8)
	for i := len(buf) - 1; i >= 0; i-- {
		buf[i] = byte(value)
		value >>= 8
	}

	return buf, nil
}

func (d *P4rtDatapath) packetOutMetadata(egressPort uint32, meterIndex uint32) ([]*p4.PacketMetadata, error) {
	if d.pktOutEgressPort == nil || d.pktOutMeterIdx == nil {
		return nil, ErrUnsupported("packet-out metadata", packetOutHeader)
	}

	d.mtx.Lock()
	colorAware := d.colorAware[meterIndex]
	d.mtx.Unlock()

	fields := []struct {
		md    *p4ConfigV1.ControllerPacketMetadata_Metadata
		value uint64
	}{
		{d.pktOutEgressPort, uint64(egressPort)},
		{d.pktOutMeterIdx, uint64(meterIndex)},
	}

	if d.pktOutColorAware != nil {
		var v uint64
		if colorAware {
			v = 1
		}

		fields = append(fields, struct {
			md    *p4ConfigV1.ControllerPacketMetadata_Metadata
			value uint64
		}{d.pktOutColorAware, v})
	}

	metadata := make([]*p4.PacketMetadata, 0, len(fields))

	for _, f := range fields {
		value, err := encodeMetadata(f.value, f.md.GetBitwidth())
		if err != nil {
			return nil, err
		}

		metadata = append(metadata, &p4.PacketMetadata{
			MetadataId: f.md.GetId(),
			Value:      value,
		})
	}

	return metadata, nil
}

// SendPacket injects frame as a packet-out metered by meterIndex and sent to egressPort.
func (d *P4rtDatapath) SendPacket(ctx context.Context, egressPort uint32, meterIndex uint32, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	metadata, err := d.packetOutMetadata(egressPort, meterIndex)
	if err != nil {
		return err
	}

	return d.client.SendPacketOut(frame, metadata)
}

func (d *P4rtDatapath) flowEntry(udpDstPort uint16, action *p4.TableAction) (*p4.TableEntry, error) {
	if d.flowMatchField == nil {
		return nil, ErrNotFoundWithParam("table", "name", flowTableName)
	}

	match, err := encodeMetadata(uint64(udpDstPort), d.flowMatchField.GetBitwidth())
	if err != nil {
		return nil, err
	}

	return &p4.TableEntry{
		TableId: d.flowTableID,
		Match: []*p4.FieldMatch{{
			FieldId: d.flowMatchField.GetId(),
			FieldMatchType: &p4.FieldMatch_Exact_{
				Exact: &p4.FieldMatch_Exact{Value: match},
			},
		}},
		Action: action,
	}, nil
}

// flowAction points a flow entry at meterIndex.
func (d *P4rtDatapath) flowAction(meterIndex uint32) (*p4.TableAction, error) {
	if d.flowParam == nil {
		return nil, ErrNotFoundWithParam("action", "name", flowTableAction)
	}

	param, err := encodeMetadata(uint64(meterIndex), d.flowParam.GetBitwidth())
	if err != nil {
		return nil, err
	}

	return &p4.TableAction{
		Type: &p4.TableAction_Action{
			Action: &p4.Action{
				ActionId: d.flowActionID,
				Params:   []*p4.Action_Param{{ParamId: d.flowParam.GetId(), Value: param}},
			},
		},
	}, nil
}

// InstallFlow steers UDP traffic for udpDstPort through meterIndex.
func (d *P4rtDatapath) InstallFlow(ctx context.Context, udpDstPort uint16, meterIndex uint32) error {
	action, err := d.flowAction(meterIndex)
	if err != nil {
		return err
	}

	entry, err := d.flowEntry(udpDstPort, action)
	if err != nil {
		return err
	}

	return d.client.WriteReq(ctx, &p4.Update{
		Type:   p4.Update_INSERT,
		Entity: &p4.Entity{Entity: &p4.Entity_TableEntry{TableEntry: entry}},
	})
}

func (d *P4rtDatapath) RemoveFlow(ctx context.Context, udpDstPort uint16) error {
	entry, err := d.flowEntry(udpDstPort, nil)
	if err != nil {
		return err
	}

	return d.client.WriteReq(ctx, &p4.Update{
		Type:   p4.Update_DELETE,
		Entity: &p4.Entity{Entity: &p4.Entity_TableEntry{TableEntry: entry}},
	})
}

func (d *P4rtDatapath) Close() error {
	d.client.Close()
	return nil
}
