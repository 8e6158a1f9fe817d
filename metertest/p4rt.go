// SPDX-License-Identifier: Apache-2.0
// Copyright 2021-present Open Networking Foundation

package metertest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang/protobuf/proto"
	grpcRetry "github.com/grpc-ecosystem/go-grpc-middleware/retry"
	"github.com/omec-project/upf-meter-test/logger"
	p4ConfigV1 "github.com/p4lang/p4runtime/go/p4/config/v1"
	p4 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/genproto/googleapis/rpc/code"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// P4DeviceConfig ... Device config
type P4DeviceConfig []byte

const invalidID = 0

// P4rtClient ... P4 Runtime client object
type P4rtClient struct {
	client     p4.P4RuntimeClient
	conn       *grpc.ClientConn
	p4Info     *p4ConfigV1.P4Info
	deviceID   uint64
	electionID p4.Uint128

	stream       p4.P4Runtime_StreamChannelClient
	streamCancel context.CancelFunc
	// Send on a gRPC stream is not safe for concurrent use.
	sendMtx sync.Mutex

	arbitrationCh chan *p4.MasterArbitrationUpdate
	packetInCh    chan *p4.PacketIn
	recvDone      chan struct{}
}

// CreateChannel dials host, opens the stream channel and becomes primary controller.
func CreateChannel(ctx context.Context, host string, deviceID uint64, electionID p4.Uint128) (*P4rtClient, error) {
	log := logger.P4rtLog.With("target", host, "device-id", deviceID)
	log.Infoln("create channel")

	conn, err := GetConnection(host)
	if err != nil {
		return nil, err
	}

	client := &P4rtClient{
		client:     p4.NewP4RuntimeClient(conn),
		conn:       conn,
		deviceID:   deviceID,
		electionID: electionID,
	}

	err = client.Init()
	if err != nil {
		client.Close()
		return nil, ErrOperationFailedWithReason("P4Runtime stream init", err.Error())
	}

	err = client.SetMastership(ctx, electionID)
	if err != nil {
		client.Close()
		return nil, err
	}

	log.Infoln("client is master")

	return client, nil
}

// GetConnection ... Get Grpc connection
func GetConnection(host string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(host, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		logger.P4rtLog.Errorln("grpc dial err:", err)
		return nil, err
	}

	return conn, nil
}

// Init opens the stream channel used for arbitration and packet I/O.
func (c *P4rtClient) Init() (err error) {
	ctx, cancel := context.WithCancel(context.Background())

	c.stream, err = c.client.StreamChannel(
		ctx,
		grpcRetry.WithMax(3),
		grpcRetry.WithPerRetryTimeout(1*time.Second))
	if err != nil {
		cancel()
		logger.P4rtLog.Errorln("stream channel error:", err)

		return err
	}

	c.streamCancel = cancel
	c.arbitrationCh = make(chan *p4.MasterArbitrationUpdate, 1)
	c.packetInCh = make(chan *p4.PacketIn, 128)
	c.recvDone = make(chan struct{})

	go c.recvLoop()

	return nil
}

func (c *P4rtClient) recvLoop() {
	defer close(c.recvDone)

	for {
		res, err := c.stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				logger.P4rtLog.Debugln("stream closed")
			} else {
				logger.P4rtLog.Errorln("stream recv error:", err)
			}

			return
		}

		switch {
		case res.GetArbitration() != nil:
			select {
			case c.arbitrationCh <- res.GetArbitration():
			default:
				logger.P4rtLog.Debugln("dropping unsolicited arbitration update")
			}
		case res.GetPacket() != nil:
			select {
			case c.packetInCh <- res.GetPacket():
			default:
				logger.P4rtLog.Warnln("packet-in queue full, dropping packet")
			}
		case res.GetError() != nil:
			streamErr := res.GetError()
			logger.P4rtLog.Errorf("stream error: %v (%s)",
				code.Code(streamErr.GetCanonicalCode()), streamErr.GetMessage())
		default:
			logger.P4rtLog.Debugln("stream recv:", res)
		}
	}
}

// SetMastership sends a master arbitration update and waits for the verdict.
func (c *P4rtClient) SetMastership(ctx context.Context, electionID p4.Uint128) error {
	c.electionID = electionID
	mastershipReq := &p4.StreamMessageRequest{
		Update: &p4.StreamMessageRequest_Arbitration{
			Arbitration: &p4.MasterArbitrationUpdate{
				DeviceId:   c.deviceID,
				ElectionId: &electionID,
			},
		},
	}

	if err := c.send(mastershipReq); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ErrOperationFailedWithReason("master arbitration", ctx.Err().Error())
	case <-c.recvDone:
		return ErrOperationFailedWithReason("master arbitration", "stream closed")
	case arb := <-c.arbitrationCh:
		if code.Code(arb.GetStatus().GetCode()) != code.Code_OK {
			return ErrOperationFailedWithReason("master arbitration",
				fmt.Sprintf("client is not master: %v", code.Code(arb.GetStatus().GetCode())))
		}
	}

	return nil
}

func (c *P4rtClient) send(req *p4.StreamMessageRequest) error {
	c.sendMtx.Lock()
	defer c.sendMtx.Unlock()

	return c.stream.Send(req)
}

// PacketIns delivers packets punted by the pipeline.
func (c *P4rtClient) PacketIns() <-chan *p4.PacketIn {
	return c.packetInCh
}

// SendPacketOut injects payload into the pipeline with the given metadata.
func (c *P4rtClient) SendPacketOut(payload []byte, metadata []*p4.PacketMetadata) error {
	return c.send(&p4.StreamMessageRequest{
		Update: &p4.StreamMessageRequest_Packet{
			Packet: &p4.PacketOut{
				Payload:  payload,
				Metadata: metadata,
			},
		},
	})
}

func (c *P4rtClient) Close() {
	if c.streamCancel != nil {
		c.streamCancel()
		<-c.recvDone
	}

	if c.conn != nil {
		c.conn.Close()
	}
}

func (c *P4rtClient) P4Info() *p4ConfigV1.P4Info {
	return c.p4Info
}

func (c *P4rtClient) meterID(name string) uint32 {
	for _, meter := range c.p4Info.GetMeters() {
		if meter.GetPreamble().GetName() == name {
			return meter.GetPreamble().GetId()
		}
	}

	return invalidID
}

func (c *P4rtClient) meterSize(name string) int64 {
	for _, meter := range c.p4Info.GetMeters() {
		if meter.GetPreamble().GetName() == name {
			return meter.GetSize()
		}
	}

	return 0
}

func (c *P4rtClient) counterID(name string) uint32 {
	for _, counter := range c.p4Info.GetCounters() {
		if counter.GetPreamble().GetName() == name {
			return counter.GetPreamble().GetId()
		}
	}

	return invalidID
}

func (c *P4rtClient) counterSize(name string) int64 {
	for _, counter := range c.p4Info.GetCounters() {
		if counter.GetPreamble().GetName() == name {
			return counter.GetSize()
		}
	}

	return 0
}

func (c *P4rtClient) table(name string) *p4ConfigV1.Table {
	for _, table := range c.p4Info.GetTables() {
		if table.GetPreamble().GetName() == name {
			return table
		}
	}

	return nil
}

func (c *P4rtClient) action(name string) *p4ConfigV1.Action {
	for _, action := range c.p4Info.GetActions() {
		if action.GetPreamble().GetName() == name {
			return action
		}
	}

	return nil
}

func getMatchFieldByName(table *p4ConfigV1.Table, fieldName string) *p4ConfigV1.MatchField {
	for _, field := range table.GetMatchFields() {
		if field.GetName() == fieldName {
			return field
		}
	}

	return nil
}

func getActionParamByName(action *p4ConfigV1.Action, paramName string) *p4ConfigV1.Action_Param {
	for _, param := range action.GetParams() {
		if param.GetName() == paramName {
			return param
		}
	}

	return nil
}

// packetMetadata returns the field definition of header.field, e.g. packet_out.egress_port.
func (c *P4rtClient) packetMetadata(header, field string) (*p4ConfigV1.ControllerPacketMetadata_Metadata, error) {
	for _, cpm := range c.p4Info.GetControllerPacketMetadata() {
		if cpm.GetPreamble().GetName() != header {
			continue
		}

		for _, md := range cpm.GetMetadata() {
			if md.GetName() == field {
				return md, nil
			}
		}
	}

	return nil, ErrNotFoundWithParam("packet metadata", "name", header+"."+field)
}

// ReadReqEntities reads every entity and collects all responses of the server stream.
func (c *P4rtClient) ReadReqEntities(ctx context.Context, entities []*p4.Entity) ([]*p4.Entity, error) {
	req := &p4.ReadRequest{
		DeviceId: c.deviceID,
		Entities: entities,
	}

	readClient, err := c.client.Read(ctx, req)
	if err != nil {
		return nil, wrapP4rtError("read", err)
	}

	var result []*p4.Entity

	for {
		readRes, err := readClient.Recv()
		if errors.Is(err, io.EOF) {
			return result, nil
		}

		if err != nil {
			return nil, wrapP4rtError("read", err)
		}

		result = append(result, readRes.GetEntities()...)
	}
}

// ReadReq ... Read Request
func (c *P4rtClient) ReadReq(ctx context.Context, entity *p4.Entity) ([]*p4.Entity, error) {
	return c.ReadReqEntities(ctx, []*p4.Entity{entity})
}

// WriteReq ... Write Request
func (c *P4rtClient) WriteReq(ctx context.Context, update *p4.Update) error {
	return c.WriteBatchReq(ctx, []*p4.Update{update})
}

// WriteBatchReq ... Write batch Request
func (c *P4rtClient) WriteBatchReq(ctx context.Context, updates []*p4.Update) error {
	req := &p4.WriteRequest{
		DeviceId:   c.deviceID,
		ElectionId: &c.electionID,
		Updates:    updates,
	}

	_, err := c.client.Write(ctx, req)
	if err != nil {
		return wrapP4rtError("write", err)
	}

	return nil
}

// wrapP4rtError keeps the gRPC error wrapped and appends the per-update P4Runtime errors.
func wrapP4rtError(operation string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("%s %w: %w", operation, errFailed, err)
	}

	var details []string

	for _, d := range st.Details() {
		p4Err, ok := d.(*p4.Error)
		if !ok || code.Code(p4Err.GetCanonicalCode()) == code.Code_OK {
			continue
		}

		details = append(details, fmt.Sprintf("%v: %s", code.Code(p4Err.GetCanonicalCode()), p4Err.GetMessage()))
	}

	if len(details) == 0 {
		return fmt.Errorf("%s %w: %w", operation, errFailed, err)
	}

	return fmt.Errorf("%s %w: %w [%s]", operation, errFailed, err, strings.Join(details, "; "))
}

// GetForwardingPipelineConfig fetches the P4Info installed on the device.
func (c *P4rtClient) GetForwardingPipelineConfig(ctx context.Context) error {
	req := &p4.GetForwardingPipelineConfigRequest{
		DeviceId:     c.deviceID,
		ResponseType: p4.GetForwardingPipelineConfigRequest_P4INFO_AND_COOKIE,
	}

	configRes, err := c.client.GetForwardingPipelineConfig(ctx, req)
	if err != nil {
		return wrapP4rtError("get forwarding pipeline config", err)
	}

	if configRes.GetConfig().GetP4Info() == nil {
		return ErrNotFound("P4Info on device")
	}

	c.p4Info = configRes.GetConfig().GetP4Info()

	return nil
}

// SetP4Info makes the client resolve names against p4info without touching the device.
func (c *P4rtClient) SetP4Info(p4info *p4ConfigV1.P4Info) {
	c.p4Info = p4info
}

// SetForwardingPipelineConfig pushes the pipeline and adopts its P4Info.
func (c *P4rtClient) SetForwardingPipelineConfig(ctx context.Context, p4InfoPath, deviceConfigPath string) error {
	logger.P4rtLog.Infoln("P4 Info:", p4InfoPath)

	p4info, err := LoadP4Info(p4InfoPath)
	if err != nil {
		return err
	}

	deviceConfig, err := LoadDeviceConfig(deviceConfigPath)
	if err != nil {
		return err
	}

	req := &p4.SetForwardingPipelineConfigRequest{
		DeviceId:   c.deviceID,
		RoleId:     0,
		ElectionId: &c.electionID,
		Action:     p4.SetForwardingPipelineConfigRequest_VERIFY_AND_COMMIT,
		Config: &p4.ForwardingPipelineConfig{
			P4Info:         p4info,
			P4DeviceConfig: deviceConfig,
		},
	}

	_, err = c.client.SetForwardingPipelineConfig(ctx, req)
	if err != nil {
		return wrapP4rtError("set forwarding pipeline config", err)
	}

	c.p4Info = p4info

	return nil
}

// LoadP4Info parses a P4Info in protobuf text format.
func LoadP4Info(p4InfoPath string) (*p4ConfigV1.P4Info, error) {
	p4infoBytes, err := os.ReadFile(p4InfoPath)
	if err != nil {
		return nil, err
	}

	var p4info p4ConfigV1.P4Info

	err = proto.UnmarshalText(string(p4infoBytes), &p4info)
	if err != nil {
		return nil, ErrOperationFailedWithReason("parse P4Info "+p4InfoPath, err.Error())
	}

	return &p4info, nil
}

// LoadDeviceConfig : Load Device config
func LoadDeviceConfig(deviceConfigPath string) (P4DeviceConfig, error) {
	logger.P4rtLog.Infoln("device config:", deviceConfigPath)

	bin, err := os.ReadFile(deviceConfigPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", deviceConfigPath, err)
	}

	return bin, nil
}
