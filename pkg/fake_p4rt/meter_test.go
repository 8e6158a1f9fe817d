// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package fake_p4rt

import (
	"testing"
	"time"

	"github.com/omec-project/upf-meter-test/pkg/trtcm"
	p4 "github.com/p4lang/p4runtime/go/p4/v1"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketColorer(t *testing.T) {
	now := time.Unix(0, 0)
	colorer := newTokenBucketColorer(func() time.Time { return now })

	config := &p4.MeterConfig{Cir: 1000, Cburst: 1000, Pir: 2000, Pburst: 2000}
	payload := make([]byte, 500)

	var got []trtcm.Color
	for i := 0; i < 5; i++ {
		got = append(got, colorer(3, config, payload))
	}

	require.Equal(t, []trtcm.Color{trtcm.Green, trtcm.Green, trtcm.Yellow, trtcm.Yellow, trtcm.Red}, got)

	// Half a second refills 500 committed bytes and 1000 peak bytes.
	now = now.Add(500 * time.Millisecond)
	require.Equal(t, trtcm.Green, colorer(3, config, payload))
	require.Equal(t, trtcm.Yellow, colorer(3, config, payload))
	require.Equal(t, trtcm.Red, colorer(3, config, payload))

	// Other cells have their own buckets.
	require.Equal(t, trtcm.Green, colorer(4, config, payload))

	// Reprogramming refills the buckets.
	bigger := &p4.MeterConfig{Cir: 1000, Cburst: 1500, Pir: 2000, Pburst: 2000}
	require.Equal(t, trtcm.Green, colorer(3, bigger, payload))

	// Clearing the cell passes everything.
	require.Equal(t, trtcm.Green, colorer(3, nil, make([]byte, 1e6)))
}
