// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package metertest

import (
	"context"
	"fmt"
	"math"
	"net"
	"strconv"
	"sync"
	"time"

	reuse "github.com/libp2p/go-reuseport"
	"github.com/omec-project/upf-meter-test/logger"
	"github.com/omec-project/upf-meter-test/pkg/trtcm"
	"golang.org/x/time/rate"
)

// TrafficProfile is the packet schedule a generator replays for one scenario.
type TrafficProfile struct {
	Mode       trtcm.Mode `json:"mode"`
	PacketSize float64    `json:"packet_size"`
	Packets    uint64     `json:"packets"`

	PacketsPerBurst uint64 `json:"packets_per_burst,omitempty"`
	BurstCount      uint64 `json:"burst_count,omitempty"`

	// PacketRate is the average rate in packets/s, bursts included.
	PacketRate float64 `json:"packet_rate"`
	// LineRate is the rate in packets/s packets leave at inside a burst.
	LineRate      float64       `json:"line_rate,omitempty"`
	BurstPeriod   time.Duration `json:"burst_period,omitempty"`
	InterBurstGap time.Duration `json:"inter_burst_gap,omitempty"`
	Duration      time.Duration `json:"duration"`
}

func (t TrafficProfile) String() string {
	if t.Mode == trtcm.ModeBurst {
		return fmt.Sprintf("Traffic(burst, %d x %d packets of %.0f bits, period=%v, gap=%v)",
			t.BurstCount, t.PacketsPerBurst, t.PacketSize, t.BurstPeriod, t.InterBurstGap)
	}

	return fmt.Sprintf("Traffic(rate, %d packets of %.0f bits at %.1f pps, duration=%v)",
		t.Packets, t.PacketSize, t.PacketRate, t.Duration)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// NewTrafficProfile derives the schedule from the clock-scaled parameters, so the
// generator runs at the rates the oracle assumes.
func NewTrafficProfile(p trtcm.TestParameters) TrafficProfile {
	n := trtcm.Normalize(p)

	t := TrafficProfile{
		Mode:       p.Mode,
		PacketSize: p.PacketSize,
		Packets:    p.TotalPackets(),
	}

	if n.PacketSizeActual > 0 {
		t.PacketRate = n.OIRActual / n.PacketSizeActual
	}

	if p.Mode == trtcm.ModeBurst {
		t.PacketsPerBurst = p.PacketsPerBurst
		t.BurstCount = p.BurstCount
		t.LineRate = n.TIRActual / n.PacketSizeActual

		if n.OIRActual > 0 {
			t.BurstPeriod = seconds(n.OBS / n.OIRActual)
		}

		t.InterBurstGap = time.Duration(n.IBGNs)
		t.Duration = t.BurstPeriod * time.Duration(p.BurstCount)

		return t
	}

	if t.PacketRate > 0 {
		t.Duration = seconds(float64(t.Packets) / t.PacketRate)
	}

	return t
}

// RunTimeMismatch reports whether the packet count, offered at the offered rate, lasts
// longer or shorter than the scenario run time by more than 1%.
func (t TrafficProfile) RunTimeMismatch(runTime float64) bool {
	if t.Mode == trtcm.ModeBurst || runTime <= 0 {
		return false
	}

	return math.Abs(t.Duration.Seconds()-runTime) > runTime/100
}

func (t TrafficProfile) validate() error {
	if t.PacketRate <= 0 || math.IsInf(t.PacketRate, 0) || math.IsNaN(t.PacketRate) {
		return ErrInvalidArgumentWithReason("packet rate", t.PacketRate, "must be positive and finite")
	}

	if t.Packets == 0 {
		return ErrInvalidArgument("packets", t.Packets)
	}

	return nil
}

// TrafficGenerator offers a profile to the meter cell meterIndex and returns the number of
// packets it handed to the device.
type TrafficGenerator interface {
	Send(ctx context.Context, meterIndex uint32, profile TrafficProfile) (uint64, error)
	Close() error
}

// share is worker's part of total when split evenly over workers.
func share(total uint64, workers, worker int) uint64 {
	w := uint64(workers)
	n := total / w

	if uint64(worker) < total%w {
		n++
	}

	return n
}

// burstSender sends n packets back to back.
type burstSender func(ctx context.Context, n uint64) error

// pace replays profile over workers senders, each holding an even share of every burst
// and of the packet rate.
func pace(ctx context.Context, profile TrafficProfile, senders []burstSender) (uint64, error) {
	if err := profile.validate(); err != nil {
		return 0, err
	}

	var (
		wg       sync.WaitGroup
		mtx      sync.Mutex
		sent     uint64
		firstErr error
	)

	workers := len(senders)

	for i, send := range senders {
		var (
			perBurst uint64
			bursts   uint64
		)

		if profile.Mode == trtcm.ModeBurst {
			perBurst = share(profile.PacketsPerBurst, workers, i)
			bursts = profile.BurstCount
		} else {
			perBurst = 1
			bursts = share(profile.Packets, workers, i)
		}

		if perBurst == 0 || bursts == 0 {
			continue
		}

		// The bucket holds one burst, so bursts leave back to back and are spaced by
		// the average rate.
		var limiter *rate.Limiter
		if profile.Mode == trtcm.ModeBurst {
			limiter = rate.NewLimiter(rate.Limit(profile.PacketRate*float64(perBurst)/
				float64(profile.PacketsPerBurst)), int(perBurst))
		} else {
			limiter = rate.NewLimiter(rate.Limit(profile.PacketRate/float64(workers)), 1)
		}

		wg.Add(1)

		go func(worker int, send burstSender) {
			defer wg.Done()

			var n uint64

			for b := uint64(0); b < bursts; b++ {
				err := limiter.WaitN(ctx, int(perBurst))
				if err == nil {
					err = send(ctx, perBurst)
				}

				if err != nil {
					mtx.Lock()
					if firstErr == nil {
						firstErr = fmt.Errorf("worker %d: %w", worker, err)
					}
					mtx.Unlock()

					break
				}

				n += perBurst
			}

			mtx.Lock()
			sent += n
			mtx.Unlock()
		}(i, send)
	}

	wg.Wait()

	return sent, firstErr
}

// p4rtGenerator injects frames as packet-outs, one stream, one worker.
type p4rtGenerator struct {
	injector   PacketInjector
	egressPort uint32
}

func NewP4rtGenerator(injector PacketInjector, egressPort uint32) TrafficGenerator {
	return &p4rtGenerator{
		injector:   injector,
		egressPort: egressPort,
	}
}

func (g *p4rtGenerator) Send(ctx context.Context, meterIndex uint32, profile TrafficProfile) (uint64, error) {
	frame, err := BuildFrame(profile.PacketSize, meterIndex)
	if err != nil {
		return 0, err
	}

	send := func(ctx context.Context, n uint64) error {
		for i := uint64(0); i < n; i++ {
			if err := g.injector.SendPacket(ctx, g.egressPort, meterIndex, frame); err != nil {
				return err
			}
		}

		return nil
	}

	logger.TrafficLog.With("meter-index", meterIndex).Debugln("p4rt generator:", profile)

	return pace(ctx, profile, []burstSender{send})
}

func (g *p4rtGenerator) Close() error {
	return nil
}

// udpGenerator sends UDP datagrams from several sockets sharing one local address. The
// destination port selects the meter cell.
type udpGenerator struct {
	localAddr  string
	remoteHost string
	basePort   uint16
	workers    int
}

func NewUDPGenerator(localAddr, remoteAddr string, workers int) (TrafficGenerator, error) {
	host, port, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil, ErrInvalidArgumentWithReason("udp_remote", remoteAddr, err.Error())
	}

	basePort, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil, ErrInvalidArgumentWithReason("udp_remote", remoteAddr, err.Error())
	}

	if workers < 1 {
		return nil, ErrInvalidArgument("workers", workers)
	}

	return &udpGenerator{
		localAddr:  localAddr,
		remoteHost: host,
		basePort:   uint16(basePort),
		workers:    workers,
	}, nil
}

// dial opens one socket per worker. With an ephemeral local port the first socket picks it
// and the others reuse it.
func (g *udpGenerator) dial(remote string) ([]net.Conn, error) {
	conns := make([]net.Conn, 0, g.workers)
	local := g.localAddr

	for i := 0; i < g.workers; i++ {
		conn, err := reuse.Dial("udp", local, remote)
		if err != nil {
			for _, c := range conns {
				c.Close()
			}

			return nil, ErrOperationFailedWithReason("dial "+remote, err.Error())
		}

		conns = append(conns, conn)
		local = conn.LocalAddr().String()
	}

	return conns, nil
}

func (g *udpGenerator) Send(ctx context.Context, meterIndex uint32, profile TrafficProfile) (uint64, error) {
	payloadSize, err := PayloadBytes(profile.PacketSize)
	if err != nil {
		return 0, err
	}

	payload := flowPayload(payloadSize, meterIndex)
	remote := net.JoinHostPort(g.remoteHost, strconv.Itoa(int(FlowDstPort(g.basePort, meterIndex))))

	conns, err := g.dial(remote)
	if err != nil {
		return 0, err
	}

	defer func() {
		for _, c := range conns {
			c.Close()
		}
	}()

	senders := make([]burstSender, 0, len(conns))

	for _, conn := range conns {
		conn := conn
		senders = append(senders, func(ctx context.Context, n uint64) error {
			for i := uint64(0); i < n; i++ {
				if _, err := conn.Write(payload); err != nil {
					return err
				}
			}

			return nil
		})
	}

	logger.TrafficLog.With("meter-index", meterIndex, "remote", remote, "workers", g.workers).
		Debugln("udp generator:", profile)

	return pace(ctx, profile, senders)
}

func (g *udpGenerator) Close() error {
	return nil
}
