// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package fake_p4rt

import (
	"net"

	"github.com/omec-project/upf-meter-test/pkg/trtcm"
	p4ConfigV1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/proto"
)

// Colorer decides the color of a packet-out metered by meterIndex. config is nil when
// the cell was never programmed. It runs with the server state locked and must not call
// back into FakeP4rt.
type Colorer func(meterIndex uint32, config *p4.MeterConfig, payload []byte) trtcm.Color

type FakeP4rt struct {
	grpcServer *grpc.Server
	service    *fakeP4rtService
}

// NewFakeP4rt creates a P4Runtime server holding meter, counter and table state. p4info
// may be nil, in which case a pipeline must be pushed before writes are accepted.
func NewFakeP4rt(p4info *p4ConfigV1.P4Info) *FakeP4rt {
	f := &FakeP4rt{
		grpcServer: grpc.NewServer(),
		service:    newFakeP4rtService(p4info),
	}
	p4.RegisterP4RuntimeServer(f.grpcServer, f.service)

	return f
}

// Run starts and runs the gRPC server on the given address. Blocking until Stop is called.
func (f *FakeP4rt) Run(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return err
	}

	return f.Serve(listener)
}

// Serve runs the gRPC server on an existing listener. Blocking until Stop is called.
func (f *FakeP4rt) Serve(listener net.Listener) error {
	return f.grpcServer.Serve(listener)
}

func (f *FakeP4rt) Stop() {
	f.grpcServer.Stop()
}

// SetColorer replaces the default coloring, which marks every packet green.
func (f *FakeP4rt) SetColorer(c Colorer) {
	f.service.mtx.Lock()
	defer f.service.mtx.Unlock()

	f.service.colorer = c
}

// EnableLoopback echoes every packet-out back to the controller as a packet-in.
func (f *FakeP4rt) EnableLoopback(ingressPort uint32) {
	f.service.mtx.Lock()
	defer f.service.mtx.Unlock()

	f.service.loopback = true
	f.service.loopbackPort = ingressPort
}

func (f *FakeP4rt) GetMeterConfig(meterID uint32, index int64) (*p4.MeterConfig, bool) {
	f.service.mtx.Lock()
	defer f.service.mtx.Unlock()

	config, ok := f.service.meters[meterID][index]
	if !ok {
		return nil, false
	}

	return proto.Clone(config).(*p4.MeterConfig), true
}

func (f *FakeP4rt) GetCounter(counterID uint32, index int64) *p4.CounterData {
	f.service.mtx.Lock()
	defer f.service.mtx.Unlock()

	data, ok := f.service.counters[counterID][index]
	if !ok {
		return &p4.CounterData{}
	}

	return proto.Clone(data).(*p4.CounterData)
}

// SetCounter overwrites a counter cell as if the pipeline had counted traffic.
func (f *FakeP4rt) SetCounter(counterID uint32, index int64, packets, bytes int64) {
	f.service.mtx.Lock()
	defer f.service.mtx.Unlock()

	f.service.counterCell(counterID, index).PacketCount = packets
	f.service.counterCell(counterID, index).ByteCount = bytes
}

func (f *FakeP4rt) GetTableEntries() []*p4.TableEntry {
	f.service.mtx.Lock()
	defer f.service.mtx.Unlock()

	entries := make([]*p4.TableEntry, 0, len(f.service.tables))
	for _, e := range f.service.tables {
		entries = append(entries, proto.Clone(e).(*p4.TableEntry))
	}

	return entries
}

func (f *FakeP4rt) PacketOuts() []*p4.PacketOut {
	f.service.mtx.Lock()
	defer f.service.mtx.Unlock()

	return append([]*p4.PacketOut(nil), f.service.packetOuts...)
}

func (f *FakeP4rt) GetP4Info() *p4ConfigV1.P4Info {
	f.service.mtx.Lock()
	defer f.service.mtx.Unlock()

	return f.service.p4info
}
