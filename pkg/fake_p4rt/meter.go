// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package fake_p4rt

import (
	"math"
	"time"

	"github.com/omec-project/upf-meter-test/pkg/trtcm"
	p4 "github.com/p4lang/p4runtime/go/p4/v1"
	"google.golang.org/protobuf/proto"
)

type bucket struct {
	config    *p4.MeterConfig
	committed float64
	peak      float64
	last      time.Time
}

// NewTokenBucketColorer returns a color-blind two rate three color marker keeping one
// pair of buckets per meter cell. Rates are bytes per second and bursts are bytes, as
// written to the meter. Unconfigured cells mark everything green.
func NewTokenBucketColorer() Colorer {
	return newTokenBucketColorer(time.Now)
}

func newTokenBucketColorer(now func() time.Time) Colorer {
	cells := make(map[uint32]*bucket)

	return func(meterIndex uint32, config *p4.MeterConfig, payload []byte) trtcm.Color {
		if config == nil {
			delete(cells, meterIndex)
			return trtcm.Green
		}

		t := now()

		b, ok := cells[meterIndex]
		if !ok || !proto.Equal(b.config, config) {
			// Buckets start full when a cell is (re)programmed.
			b = &bucket{
				config:    proto.Clone(config).(*p4.MeterConfig),
				committed: float64(config.GetCburst()),
				peak:      float64(config.GetPburst()),
				last:      t,
			}
			cells[meterIndex] = b
		}

		elapsed := t.Sub(b.last).Seconds()
		b.last = t

		b.committed = math.Min(float64(config.GetCburst()), b.committed+elapsed*float64(config.GetCir()))
		b.peak = math.Min(float64(config.GetPburst()), b.peak+elapsed*float64(config.GetPir()))

		size := float64(len(payload))

		switch {
		case b.peak < size:
			return trtcm.Red
		case b.committed < size:
			b.peak -= size
			return trtcm.Yellow
		default:
			b.peak -= size
			b.committed -= size

			return trtcm.Green
		}
	}
}
