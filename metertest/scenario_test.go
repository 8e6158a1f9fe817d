// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package metertest

import (
	"testing"

	"github.com/omec-project/upf-meter-test/pkg/trtcm"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatrix(t *testing.T) {
	matrix := DefaultMatrix()

	require.NoError(t, ValidateMatrix(matrix))
	require.Len(t, matrix, 9)

	byName := make(map[string]TestScenario)
	for _, s := range matrix {
		byName[s.Name] = s
	}

	t.Run("BT1 conforms", func(t *testing.T) {
		expected := trtcm.ComputeExpected(byName["BT1"].Parameters())
		require.Zero(t, expected.Yellow)
		require.Zero(t, expected.Red)
	})

	t.Run("BT3 colors red and yellow", func(t *testing.T) {
		expected := trtcm.ComputeExpected(byName["BT3"].Parameters())
		require.Positive(t, expected.Red)
		require.Positive(t, expected.Yellow)
	})

	t.Run("BT4 has no inertia margin", func(t *testing.T) {
		withInertia := trtcm.ComputeExpected(byName["BT3"].Parameters())
		withoutInertia := trtcm.ComputeExpected(byName["BT4"].Parameters())
		require.Less(t, withoutInertia.MarginRed, withInertia.MarginRed)
	})

	t.Run("RT1 conforms", func(t *testing.T) {
		expected := trtcm.ComputeExpected(byName["RT1"].Parameters())
		require.Zero(t, expected.Yellow)
		require.Zero(t, expected.Red)
		require.EqualValues(t, 2016129, expected.Total())
	})

	t.Run("RT5 colors red", func(t *testing.T) {
		expected := trtcm.ComputeExpected(byName["RT5"].Parameters())
		require.Positive(t, expected.Red)
	})
}

func TestValidateMatrix(t *testing.T) {
	valid := DefaultMatrix()[0]

	invalid := valid
	invalid.Name = "bad"
	invalid.PIR = invalid.CIR / 2

	unnamed := valid
	unnamed.Name = ""

	tests := []struct {
		name    string
		matrix  []TestScenario
		wantErr error
	}{
		{name: "empty", matrix: nil, wantErr: errInvalidArgument},
		{name: "unnamed", matrix: []TestScenario{unnamed}, wantErr: errInvalidArgument},
		{name: "duplicate", matrix: []TestScenario{valid, valid}, wantErr: errInvalidArgument},
		{name: "invalid parameters", matrix: []TestScenario{valid, invalid}, wantErr: trtcm.ErrInvalidParameter},
		{name: "single", matrix: []TestScenario{valid}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMatrix(tt.matrix)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
		})
	}
}

func TestFilterMatrix(t *testing.T) {
	matrix := DefaultMatrix()

	t.Run("no names keeps everything", func(t *testing.T) {
		got, err := FilterMatrix(matrix, nil)
		require.NoError(t, err)
		require.Equal(t, matrix, got)
	})

	t.Run("keeps matrix order", func(t *testing.T) {
		got, err := FilterMatrix(matrix, []string{"RT5", "BT1"})
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, "BT1", got[0].Name)
		require.Equal(t, "RT5", got[1].Name)
	})

	t.Run("unknown name", func(t *testing.T) {
		_, err := FilterMatrix(matrix, []string{"BT1", "XX9"})
		require.ErrorIs(t, err, errNotFound)
	})
}

func TestParseMatrix(t *testing.T) {
	t.Run("rates are scaled by the unit", func(t *testing.T) {
		data := []byte(`{
			"rate_unit": "Mbps",
			"scenarios": [{
				"name": "slow",
				"mode": "rate",
				"oir": 40, "cir": 50, "pir": 100,
				"cbs": 8000, "pbs": 16000,
				"packet_size": 512, "ipg": 96,
				"packet_count": 1000, "run_time": 0.5
			}]
		}`)

		matrix, err := ParseMatrix(data)
		require.NoError(t, err)
		require.Len(t, matrix, 1)
		require.Equal(t, trtcm.ModeRate, matrix[0].Mode)
		require.InDelta(t, 40e6, matrix[0].OIR, 1e-6)
		require.InDelta(t, 40e6, matrix[0].TIR, 1e-6)
		require.InDelta(t, 100e6, matrix[0].PIR, 1e-6)
		require.InDelta(t, 8000, matrix[0].CBS, 1e-6)
	})

	t.Run("unknown unit", func(t *testing.T) {
		_, err := ParseMatrix([]byte(`{"rate_unit": "furlongs", "scenarios": [{"name": "x"}]}`))
		require.ErrorIs(t, err, errInvalidArgument)
	})

	t.Run("unknown mode", func(t *testing.T) {
		_, err := ParseMatrix([]byte(`{"scenarios": [{"name": "x", "mode": "STREAM"}]}`))
		require.ErrorIs(t, err, trtcm.ErrInvalidParameter)
	})

	t.Run("sample matrix file is valid", func(t *testing.T) {
		matrix, err := LoadMatrixFile("../conf/matrix.json")
		require.NoError(t, err)
		require.Len(t, matrix, 4)
		require.InDelta(t, 50e9, matrix[0].CIR, 1e-3)
	})
}
