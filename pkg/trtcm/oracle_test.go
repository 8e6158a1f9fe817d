// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package trtcm

import (
	"math"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

var approx = cmpopts.EquateApprox(0, 1e-6)

func TestComputeExpected_Burst(t *testing.T) {
	// inertia margin for 10 bursts of 1984 bit packets
	margin := (3200.0/1984 + 1) * 10

	tests := []struct {
		name    string
		params  TestParameters
		outcome string
		want    ExpectedResult
	}{
		{
			name:    "BT1 conforming",
			params:  burstParams(230),
			outcome: "burst/conforming",
			want: ExpectedResult{
				Green:        2300,
				MarginGreen:  2 * margin,
				MarginYellow: margin,
				MarginRed:    margin,
			},
		},
		{
			name:    "BT2 over committed",
			params:  burstParams(400),
			outcome: "burst/over-committed",
			want: ExpectedResult{
				Green:        4000 - (150-400.0*50/300)*10,
				Yellow:       (150 - 400.0*50/300) * 10,
				MarginGreen:  2 * margin,
				MarginYellow: margin,
				MarginRed:    margin,
			},
		},
		{
			name:    "BT3 over peak",
			params:  burstParams(800),
			outcome: "burst/over-peak",
			want: ExpectedResult{
				Green:        8000 - (550-800.0*50/300)*10,
				Yellow:       (550-800.0*50/300)*10 - (300-800.0*100/300)*10,
				Red:          (300 - 800.0*100/300) * 10,
				MarginGreen:  margin + ((550-800.0*50/300)*10-(300-800.0*100/300)*10)*0.01,
				MarginYellow: ((550-800.0*50/300)*10 - (300-800.0*100/300)*10) * 0.01,
				MarginRed:    margin,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prediction := Predict(tt.params)

			require.Equal(t, tt.outcome, prediction.Outcome)
			if diff := cmp.Diff(tt.want, prediction.Expected, approx); diff != "" {
				t.Errorf("ComputeExpected() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestComputeExpected_BT3YellowExcludesRed(t *testing.T) {
	p := burstParams(800)
	n := Normalize(p)
	got := ComputeExpected(p)

	rawYellow := ((n.OBS-n.CBS)/n.PacketSizeActual - float64(p.PacketsPerBurst)/n.OIR*n.CIR) * float64(p.BurstCount)

	require.Greater(t, got.Red, float64(0))
	require.Greater(t, got.Yellow, float64(0))
	require.Less(t, got.Yellow, rawYellow)
	require.InDelta(t, rawYellow-got.Red, got.Yellow, 1e-6)
}

func TestComputeExpected_SaturationControl(t *testing.T) {
	p := burstParams(230)
	p.SaturationControl = true

	got := ComputeExpected(p)

	// only the one packet per burst rounding remains
	require.Equal(t, float64(10), got.MarginYellow)
	require.Equal(t, float64(10), got.MarginRed)
	require.Equal(t, float64(20), got.MarginGreen)
}

func TestComputeExpected_Rate(t *testing.T) {
	tests := []struct {
		name    string
		params  TestParameters
		outcome string
		red     float64
		yellow  float64
	}{
		{
			name:    "RT1 under committed",
			params:  rateParams(40e9, 50e9, 100e9),
			outcome: "rate/conforming",
		},
		{
			name:    "RT3 over committed",
			params:  rateParams(60e9, 50e9, 100e9),
			outcome: "rate/over-committed",
			// ceil((1 - 50*1984/(60*2048)) * 1e6) - 512000/2048
			yellow: 192709 - 250,
		},
		{
			name:    "RT5 over peak",
			params:  rateParams(120e9, 40e9, 80e9),
			outcome: "rate/over-peak",
			// ceil((1 - 80*1984/(120*2048)) * 1e6) - 1024000/2048
			red: 354167 - 500,
			// ceil((1 - 40*1984/(120*2048)) * 1e6) - 512000/2048 - red
			yellow: 677084 - 250 - (354167 - 500),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prediction := Predict(tt.params)
			got := prediction.Expected

			require.Equal(t, tt.outcome, prediction.Outcome)
			require.InDelta(t, tt.red, got.Red, 1e-6)
			require.InDelta(t, tt.yellow, got.Yellow, 1e-6)
			require.InDelta(t, 1e6-tt.red-tt.yellow, got.Green, 1e-6)

			// rate mode has no absolute margin, only the relative one
			require.InDelta(t, tt.yellow*0.01, got.MarginYellow, 1e-6)
			require.InDelta(t, tt.red*0.01, got.MarginRed, 1e-6)
		})
	}
}

func TestComputeExpected_RateBurstAbsorbsExcess(t *testing.T) {
	// barely over committed: the committed bucket swallows every excess packet
	p := rateParams(50e9*1984/2048+1e3, 50e9, 100e9)
	p.PacketCount = 1000

	got := ComputeExpected(p)

	require.Zero(t, got.Yellow)
	require.Zero(t, got.Red)
	require.Equal(t, float64(1000), got.Green)
}

func TestComputeExpected_Boundaries(t *testing.T) {
	t.Run("OBS equal to CBS is conforming", func(t *testing.T) {
		// 250 * 2048 == 512000
		prediction := Predict(burstParams(250))

		require.Equal(t, "burst/conforming", prediction.Outcome)
		require.Zero(t, prediction.Expected.Yellow)
		require.Zero(t, prediction.Expected.Red)
	})

	t.Run("OBS equal to PBS is not red", func(t *testing.T) {
		// 500 * 2048 == 1024000
		prediction := Predict(burstParams(500))

		require.Equal(t, "burst/over-committed", prediction.Outcome)
		require.Zero(t, prediction.Expected.Red)
		require.Greater(t, prediction.Expected.Yellow, float64(0))
	})

	t.Run("offered equal to committed is conforming", func(t *testing.T) {
		p := rateParams(50e9, 50e9, 100e9)
		p.IPG = 0

		require.Equal(t, "rate/conforming", Predict(p).Outcome)
	})
}

func TestComputeExpected_Idempotent(t *testing.T) {
	for _, p := range []TestParameters{burstParams(800), rateParams(120e9, 40e9, 80e9)} {
		first := ComputeExpected(p)
		second := ComputeExpected(p)

		require.Equal(t, first, second)
	}
}

func TestComputeExpected_PeakRateMonotonic(t *testing.T) {
	bases := map[string]TestParameters{
		"burst": burstParams(800),
		"rate":  rateParams(120e9, 40e9, 80e9),
	}
	for name, base := range bases {
		t.Run(name, func(t *testing.T) {
			prevRed := math.Inf(1)
			for pir := base.CIR; pir <= 4*base.OIR; pir += base.CIR / 4 {
				p := base
				p.PIR = pir

				red := ComputeExpected(p).Red
				require.LessOrEqual(t, red, prevRed, "red grew at pir=%v", pir)
				prevRed = red
			}
		})
	}
}

func randomParams(r *rand.Rand) TestParameters {
	cir := 1e9 + r.Float64()*99e9
	p := TestParameters{
		OIR:        1e9 + r.Float64()*199e9,
		CIR:        cir,
		PIR:        cir * (1 + r.Float64()*3),
		CBS:        8000 + r.Float64()*2e6,
		PacketSize: float64(8 * (64 + r.Intn(1450))),
		IPG:        float64(8 * r.Intn(24)),
		ClkScale:   float64(1 + r.Intn(4)),
	}
	p.PBS = p.CBS * (1 + r.Float64()*3)
	p.TIR = p.OIR * (1 + r.Float64())

	if r.Intn(2) == 0 {
		p.Mode = ModeBurst
		p.PacketsPerBurst = uint64(1 + r.Intn(2000))
		p.BurstCount = uint64(1 + r.Intn(100))
		p.SaturationControl = r.Intn(2) == 0
	} else {
		p.Mode = ModeRate
		p.PacketCount = uint64(1 + r.Intn(5000000))
		p.RunTime = 1 + r.Float64()*9
	}

	return p
}

func TestComputeExpected_Properties(t *testing.T) {
	r := rand.New(rand.NewSource(1))

	for i := 0; i < 2000; i++ {
		p := randomParams(r)
		require.NoError(t, p.Validate())

		got := ComputeExpected(p)
		total := float64(p.TotalPackets())

		require.InDelta(t, total, got.Green+got.Yellow+got.Red, 1e-6*math.Max(total, 1), "%+v", p)
		require.GreaterOrEqual(t, got.Yellow, float64(0), "%+v", p)
		require.GreaterOrEqual(t, got.Red, float64(0), "%+v", p)
		require.GreaterOrEqual(t, got.MarginYellow, float64(0), "%+v", p)
		require.GreaterOrEqual(t, got.MarginRed, float64(0), "%+v", p)
		require.InDelta(t, got.MarginYellow+got.MarginRed, got.MarginGreen, 1e-9)
	}
}
