// SPDX-License-Identifier: Apache-2.0
// Copyright 2022 Open Networking Foundation

package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/antoninbas/p4runtime-go-client/pkg/client"
	p4_v1 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// P4rtSession is a P4Runtime connection used to inspect the device under test.
type P4rtSession struct {
	*client.Client

	conn   *grpc.ClientConn
	stopCh chan struct{}
}

func TimeBasedElectionId() p4_v1.Uint128 {
	now := time.Now()
	return p4_v1.Uint128{
		High: uint64(now.Unix()),
		Low:  uint64(now.UnixNano() % 1e9),
	}
}

// ConnectP4rt opens a session to addr. A primary session competes with the harness for
// mastership, so verification code connects as a secondary.
func ConnectP4rt(addr string, deviceID uint64, asPrimary bool) (*P4rtSession, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := grpc.DialContext(ctx, addr, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
	if err != nil {
		return nil, err
	}

	s := &P4rtSession{
		Client: client.NewClient(p4_v1.NewP4RuntimeClient(conn), deviceID, TimeBasedElectionId(), client.DisableCanonicalBytestrings),
		conn:   conn,
	}

	if asPrimary {
		s.stopCh = make(chan struct{})
		arbitrationCh := make(chan bool)

		go s.Run(s.stopCh, arbitrationCh, nil)

		select {
		case <-time.After(5 * time.Second):
			s.Close()
			return nil, fmt.Errorf("failed to become primary on %s", addr)
		case <-arbitrationCh:
		}
	}

	// Names used by the read helpers are resolved through the P4Info of the device.
	if _, err := s.GetFwdPipe(client.GetFwdPipeP4InfoAndCookie); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to get pipeline from %s: %w", addr, err)
	}

	return s, nil
}

// ConfiguredMeterCells counts the cells of meter holding a non default config.
func (s *P4rtSession) ConfiguredMeterCells(meter string) (int, error) {
	entries, err := s.ReadMeterEntryWildcard(meter)
	if err != nil {
		return 0, err
	}

	n := 0

	for _, e := range entries {
		if e.Config != nil {
			n++
		}
	}

	return n, nil
}

// ColorCells reads the three counter cells that follow base.
func (s *P4rtSession) ColorCells(counter string, base int64) ([3]*p4_v1.CounterData, error) {
	var cells [3]*p4_v1.CounterData

	for i := range cells {
		c, err := s.ReadCounterEntry(counter, base+int64(i))
		if err != nil {
			return cells, err
		}

		cells[i] = c
	}

	return cells, nil
}

func (s *P4rtSession) Close() {
	if s.stopCh != nil {
		close(s.stopCh)
		// FIXME: p4runtime-go-client fatals if the gRPC channel is closed before the stream
		//  is terminated, and gives no way to wait for it.
		time.Sleep(1 * time.Second)
	}

	if s.conn != nil {
		s.conn.Close()
	}
}
