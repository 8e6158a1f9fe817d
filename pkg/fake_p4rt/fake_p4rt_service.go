// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package fake_p4rt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/omec-project/upf-meter-test/logger"
	"github.com/omec-project/upf-meter-test/pkg/trtcm"
	p4ConfigV1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/genproto/googleapis/rpc/code"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

const (
	colorMeterName   = "MeterPipe.color_meter"
	colorCounterName = "MeterPipe.color_counter"
	packetOutHeader  = "packet_out"
	packetInHeader   = "packet_in"
	meterIdxField    = "meter_idx"
	ingressPortField = "ingress_port"
)

type fakeP4rtService struct {
	p4.UnimplementedP4RuntimeServer

	mtx          sync.Mutex
	p4info       *p4ConfigV1.P4Info
	deviceConfig []byte
	primary      *p4.Uint128

	meters     map[uint32]map[int64]*p4.MeterConfig
	counters   map[uint32]map[int64]*p4.CounterData
	tables     map[string]*p4.TableEntry
	packetOuts []*p4.PacketOut

	colorer      Colorer
	loopback     bool
	loopbackPort uint32
}

func newFakeP4rtService(p4info *p4ConfigV1.P4Info) *fakeP4rtService {
	return &fakeP4rtService{
		p4info:   p4info,
		meters:   make(map[uint32]map[int64]*p4.MeterConfig),
		counters: make(map[uint32]map[int64]*p4.CounterData),
		tables:   make(map[string]*p4.TableEntry),
		colorer: func(uint32, *p4.MeterConfig, []byte) trtcm.Color {
			return trtcm.Green
		},
	}
}

func greater(a, b *p4.Uint128) bool {
	if a.GetHigh() != b.GetHigh() {
		return a.GetHigh() > b.GetHigh()
	}

	return a.GetLow() > b.GetLow()
}

func (s *fakeP4rtService) isPrimary(electionID *p4.Uint128) bool {
	return s.primary != nil && electionID != nil && proto.Equal(s.primary, electionID)
}

func (s *fakeP4rtService) meterSize(id uint32) (int64, bool) {
	for _, m := range s.p4info.GetMeters() {
		if m.GetPreamble().GetId() == id {
			return m.GetSize(), true
		}
	}

	return 0, false
}

func (s *fakeP4rtService) counterSize(id uint32) (int64, bool) {
	for _, c := range s.p4info.GetCounters() {
		if c.GetPreamble().GetId() == id {
			return c.GetSize(), true
		}
	}

	return 0, false
}

func (s *fakeP4rtService) hasTable(id uint32) bool {
	for _, t := range s.p4info.GetTables() {
		if t.GetPreamble().GetId() == id {
			return true
		}
	}

	return false
}

func (s *fakeP4rtService) idByName(name string) uint32 {
	for _, m := range s.p4info.GetMeters() {
		if m.GetPreamble().GetName() == name {
			return m.GetPreamble().GetId()
		}
	}

	for _, c := range s.p4info.GetCounters() {
		if c.GetPreamble().GetName() == name {
			return c.GetPreamble().GetId()
		}
	}

	return 0
}

func (s *fakeP4rtService) metadataID(header, field string) uint32 {
	for _, cpm := range s.p4info.GetControllerPacketMetadata() {
		if cpm.GetPreamble().GetName() != header {
			continue
		}

		for _, md := range cpm.GetMetadata() {
			if md.GetName() == field {
				return md.GetId()
			}
		}
	}

	return 0
}

func (s *fakeP4rtService) counterCell(counterID uint32, index int64) *p4.CounterData {
	if s.counters[counterID] == nil {
		s.counters[counterID] = make(map[int64]*p4.CounterData)
	}

	if s.counters[counterID][index] == nil {
		s.counters[counterID][index] = &p4.CounterData{}
	}

	return s.counters[counterID][index]
}

func tableKey(entry *p4.TableEntry) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%d", entry.GetTableId())

	for _, fm := range entry.GetMatch() {
		fmt.Fprintf(&b, "/%d=%x", fm.GetFieldId(), fm.GetExact().GetValue())
	}

	return b.String()
}

func checkIndex(index *p4.Index, size int64) error {
	if index == nil {
		return status.Error(codes.InvalidArgument, "missing index")
	}

	if index.GetIndex() < 0 || index.GetIndex() >= size {
		return status.Errorf(codes.OutOfRange, "index %d out of range [0, %d)", index.GetIndex(), size)
	}

	return nil
}

func (s *fakeP4rtService) validateUpdate(u *p4.Update) error {
	switch e := u.GetEntity().GetEntity().(type) {
	case *p4.Entity_MeterEntry:
		if u.GetType() != p4.Update_MODIFY {
			return status.Errorf(codes.InvalidArgument, "meter entries only support MODIFY, got %v", u.GetType())
		}

		size, ok := s.meterSize(e.MeterEntry.GetMeterId())
		if !ok {
			return status.Errorf(codes.NotFound, "unknown meter id %d", e.MeterEntry.GetMeterId())
		}

		return checkIndex(e.MeterEntry.GetIndex(), size)
	case *p4.Entity_CounterEntry:
		if u.GetType() != p4.Update_MODIFY {
			return status.Errorf(codes.InvalidArgument, "counter entries only support MODIFY, got %v", u.GetType())
		}

		size, ok := s.counterSize(e.CounterEntry.GetCounterId())
		if !ok {
			return status.Errorf(codes.NotFound, "unknown counter id %d", e.CounterEntry.GetCounterId())
		}

		return checkIndex(e.CounterEntry.GetIndex(), size)
	case *p4.Entity_TableEntry:
		if !s.hasTable(e.TableEntry.GetTableId()) {
			return status.Errorf(codes.NotFound, "unknown table id %d", e.TableEntry.GetTableId())
		}

		_, exists := s.tables[tableKey(e.TableEntry)]

		switch u.GetType() {
		case p4.Update_INSERT:
			if exists {
				return status.Error(codes.AlreadyExists, "table entry already exists")
			}
		case p4.Update_MODIFY, p4.Update_DELETE:
			if !exists {
				return status.Error(codes.NotFound, "table entry not found")
			}
		default:
			return status.Errorf(codes.InvalidArgument, "unsupported update type %v", u.GetType())
		}

		return nil
	default:
		return status.Errorf(codes.Unimplemented, "unsupported entity %T", e)
	}
}

func (s *fakeP4rtService) applyUpdate(u *p4.Update) {
	switch e := u.GetEntity().GetEntity().(type) {
	case *p4.Entity_MeterEntry:
		id := e.MeterEntry.GetMeterId()
		if s.meters[id] == nil {
			s.meters[id] = make(map[int64]*p4.MeterConfig)
		}

		// A MODIFY without config resets the cell to its default.
		if e.MeterEntry.GetConfig() == nil {
			delete(s.meters[id], e.MeterEntry.GetIndex().GetIndex())
			return
		}

		s.meters[id][e.MeterEntry.GetIndex().GetIndex()] = proto.Clone(e.MeterEntry.GetConfig()).(*p4.MeterConfig)
	case *p4.Entity_CounterEntry:
		cell := s.counterCell(e.CounterEntry.GetCounterId(), e.CounterEntry.GetIndex().GetIndex())
		cell.PacketCount = e.CounterEntry.GetData().GetPacketCount()
		cell.ByteCount = e.CounterEntry.GetData().GetByteCount()
	case *p4.Entity_TableEntry:
		key := tableKey(e.TableEntry)
		if u.GetType() == p4.Update_DELETE {
			delete(s.tables, key)
			return
		}

		s.tables[key] = proto.Clone(e.TableEntry).(*p4.TableEntry)
	}
}

// Write validates the whole batch first and applies nothing when any update fails. Errors
// carry one p4.Error per update, as P4Runtime targets report batch failures.
func (s *fakeP4rtService) Write(ctx context.Context, req *p4.WriteRequest) (*p4.WriteResponse, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.p4info == nil {
		return nil, status.Error(codes.FailedPrecondition, "no forwarding pipeline config")
	}

	if !s.isPrimary(req.GetElectionId()) {
		return nil, status.Error(codes.PermissionDenied, "not primary")
	}

	details := make([]*p4.Error, 0, len(req.GetUpdates()))
	failed := false

	for _, u := range req.GetUpdates() {
		err := s.validateUpdate(u)
		if err == nil {
			details = append(details, &p4.Error{CanonicalCode: int32(code.Code_OK)})
			continue
		}

		failed = true
		st := status.Convert(err)
		details = append(details, &p4.Error{
			CanonicalCode: int32(st.Code()),
			Message:       st.Message(),
		})
	}

	if failed {
		st := status.New(codes.Unknown, "write failed")
		for _, d := range details {
			withDetails, err := st.WithDetails(d)
			if err != nil {
				return nil, st.Err()
			}

			st = withDetails
		}

		return nil, st.Err()
	}

	for _, u := range req.GetUpdates() {
		s.applyUpdate(u)
	}

	return &p4.WriteResponse{}, nil
}

func (s *fakeP4rtService) readMeters(e *p4.MeterEntry) []*p4.Entity {
	var result []*p4.Entity

	for _, m := range s.p4info.GetMeters() {
		id := m.GetPreamble().GetId()
		if e.GetMeterId() != 0 && e.GetMeterId() != id {
			continue
		}

		for i := int64(0); i < m.GetSize(); i++ {
			if e.GetIndex() != nil && e.GetIndex().GetIndex() != i {
				continue
			}

			entry := &p4.MeterEntry{MeterId: id, Index: &p4.Index{Index: i}}
			if config, ok := s.meters[id][i]; ok {
				entry.Config = proto.Clone(config).(*p4.MeterConfig)
			}

			result = append(result, &p4.Entity{Entity: &p4.Entity_MeterEntry{MeterEntry: entry}})
		}
	}

	return result
}

func (s *fakeP4rtService) readCounters(e *p4.CounterEntry) []*p4.Entity {
	var result []*p4.Entity

	for _, c := range s.p4info.GetCounters() {
		id := c.GetPreamble().GetId()
		if e.GetCounterId() != 0 && e.GetCounterId() != id {
			continue
		}

		for i := int64(0); i < c.GetSize(); i++ {
			if e.GetIndex() != nil && e.GetIndex().GetIndex() != i {
				continue
			}

			data := &p4.CounterData{}
			if cell, ok := s.counters[id][i]; ok {
				data = proto.Clone(cell).(*p4.CounterData)
			}

			result = append(result, &p4.Entity{Entity: &p4.Entity_CounterEntry{
				CounterEntry: &p4.CounterEntry{CounterId: id, Index: &p4.Index{Index: i}, Data: data},
			}})
		}
	}

	return result
}

func (s *fakeP4rtService) readTables(e *p4.TableEntry) []*p4.Entity {
	var result []*p4.Entity

	for _, entry := range s.tables {
		if e.GetTableId() != 0 && e.GetTableId() != entry.GetTableId() {
			continue
		}

		result = append(result, &p4.Entity{Entity: &p4.Entity_TableEntry{
			TableEntry: proto.Clone(entry).(*p4.TableEntry),
		}})
	}

	return result
}

// Read treats a zero id or a missing index as a wildcard.
func (s *fakeP4rtService) Read(req *p4.ReadRequest, srv p4.P4Runtime_ReadServer) error {
	s.mtx.Lock()

	if s.p4info == nil {
		s.mtx.Unlock()
		return status.Error(codes.FailedPrecondition, "no forwarding pipeline config")
	}

	var result []*p4.Entity

	for _, entity := range req.GetEntities() {
		switch e := entity.GetEntity().(type) {
		case *p4.Entity_MeterEntry:
			result = append(result, s.readMeters(e.MeterEntry)...)
		case *p4.Entity_CounterEntry:
			result = append(result, s.readCounters(e.CounterEntry)...)
		case *p4.Entity_TableEntry:
			result = append(result, s.readTables(e.TableEntry)...)
		default:
			s.mtx.Unlock()
			return status.Errorf(codes.Unimplemented, "unsupported entity %T", e)
		}
	}

	s.mtx.Unlock()

	return srv.Send(&p4.ReadResponse{Entities: result})
}

func (s *fakeP4rtService) SetForwardingPipelineConfig(ctx context.Context, req *p4.SetForwardingPipelineConfigRequest) (*p4.SetForwardingPipelineConfigResponse, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if !s.isPrimary(req.GetElectionId()) {
		return nil, status.Error(codes.PermissionDenied, "not primary")
	}

	if req.GetConfig().GetP4Info() == nil {
		return nil, status.Error(codes.InvalidArgument, "missing P4Info")
	}

	s.p4info = proto.Clone(req.GetConfig().GetP4Info()).(*p4ConfigV1.P4Info)
	s.deviceConfig = append([]byte(nil), req.GetConfig().GetP4DeviceConfig()...)

	// A new pipeline starts from empty state.
	s.meters = make(map[uint32]map[int64]*p4.MeterConfig)
	s.counters = make(map[uint32]map[int64]*p4.CounterData)
	s.tables = make(map[string]*p4.TableEntry)

	return &p4.SetForwardingPipelineConfigResponse{}, nil
}

func (s *fakeP4rtService) GetForwardingPipelineConfig(ctx context.Context, req *p4.GetForwardingPipelineConfigRequest) (*p4.GetForwardingPipelineConfigResponse, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.p4info == nil {
		return nil, status.Error(codes.FailedPrecondition, "no forwarding pipeline config")
	}

	return &p4.GetForwardingPipelineConfigResponse{
		Config: &p4.ForwardingPipelineConfig{
			P4Info: proto.Clone(s.p4info).(*p4ConfigV1.P4Info),
		},
	}, nil
}

func (s *fakeP4rtService) arbitrate(req *p4.MasterArbitrationUpdate) *p4.StreamMessageResponse {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	electionID := req.GetElectionId()
	result := code.Code_OK

	switch {
	case electionID == nil:
		result = code.Code_INVALID_ARGUMENT
	case s.primary == nil || !greater(s.primary, electionID):
		s.primary = proto.Clone(electionID).(*p4.Uint128)
	default:
		result = code.Code_ALREADY_EXISTS
	}

	return &p4.StreamMessageResponse{
		Update: &p4.StreamMessageResponse_Arbitration{
			Arbitration: &p4.MasterArbitrationUpdate{
				DeviceId:   req.GetDeviceId(),
				ElectionId: s.primary,
				Status:     status.New(codes.Code(result), result.String()).Proto(),
			},
		},
	}
}

func decodeMetadata(value []byte) uint64 {
	var v uint64
	for _, b := range value {
		v = v<<8 | uint64(b)
	}

	return v
}

// countPacketOut colors the packet and accounts it on the color counter cell.
func (s *fakeP4rtService) countPacketOut(pkt *p4.PacketOut) *p4.StreamMessageResponse {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.packetOuts = append(s.packetOuts, proto.Clone(pkt).(*p4.PacketOut))

	meterIdxID := s.metadataID(packetOutHeader, meterIdxField)

	var (
		meterIndex uint32
		found      bool
	)

	for _, md := range pkt.GetMetadata() {
		if md.GetMetadataId() == meterIdxID {
			meterIndex = uint32(decodeMetadata(md.GetValue()))
			found = true
		}
	}

	if found {
		meterID := s.idByName(colorMeterName)
		color := s.colorer(meterIndex, s.meters[meterID][int64(meterIndex)], pkt.GetPayload())

		counterID := s.idByName(colorCounterName)
		index := int64(meterIndex)*trtcm.NumColors + int64(color)

		if size, ok := s.counterSize(counterID); ok && index < size {
			cell := s.counterCell(counterID, index)
			cell.PacketCount++
			cell.ByteCount += int64(len(pkt.GetPayload()))
		}
	} else {
		logger.P4rtLog.Debugln("packet-out without meter index")
	}

	if !s.loopback {
		return nil
	}

	return &p4.StreamMessageResponse{
		Update: &p4.StreamMessageResponse_Packet{
			Packet: &p4.PacketIn{
				Payload: pkt.GetPayload(),
				Metadata: []*p4.PacketMetadata{{
					MetadataId: s.metadataID(packetInHeader, ingressPortField),
					Value:      []byte{byte(s.loopbackPort >> 8), byte(s.loopbackPort)},
				}},
			},
		},
	}
}

func (s *fakeP4rtService) StreamChannel(srv p4.P4Runtime_StreamChannelServer) error {
	for {
		req, err := srv.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		var res *p4.StreamMessageResponse

		switch {
		case req.GetArbitration() != nil:
			res = s.arbitrate(req.GetArbitration())
		case req.GetPacket() != nil:
			res = s.countPacketOut(req.GetPacket())
		default:
			logger.P4rtLog.Debugln("fake p4rt: ignoring stream message", req)
		}

		if res == nil {
			continue
		}

		if err := srv.Send(res); err != nil {
			return err
		}
	}
}
