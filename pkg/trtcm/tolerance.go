// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package trtcm

import (
	"fmt"
	"math"
)

// relativeMargin is the tolerance, as a fraction of the expected count, granted to
// yellow and red when it exceeds the absolute margin.
const relativeMargin = 0.01

type Color uint8

const (
	Green Color = iota
	Yellow
	Red

	NumColors = 3
)

// Colors lists every color in counter index order.
var Colors = [NumColors]Color{Green, Yellow, Red}

var colorName = map[Color]string{
	Green:  "green",
	Yellow: "yellow",
	Red:    "red",
}

func (c Color) String() string {
	if name, ok := colorName[c]; ok {
		return name
	}

	return "invalid"
}

func (c Color) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Color) UnmarshalText(text []byte) error {
	for color, name := range colorName {
		if name == string(text) {
			*c = color
			return nil
		}
	}

	return fmt.Errorf("%w: color %q", ErrInvalidParameter, string(text))
}

// ExpectedResult holds predicted packet counts per color and the tolerance around each.
// Counts are integers in spirit but kept as float64 like the arithmetic producing them.
type ExpectedResult struct {
	Green  float64 `json:"expected_green"`
	Yellow float64 `json:"expected_yellow"`
	Red    float64 `json:"expected_red"`

	MarginGreen  float64 `json:"margin_green"`
	MarginYellow float64 `json:"margin_yellow"`
	MarginRed    float64 `json:"margin_red"`
}

// newExpectedResult derives green as the residual so that the three colors always add
// up to total.
func newExpectedResult(red, yellow, total, marginTotal float64) ExpectedResult {
	r := ExpectedResult{
		Green:  total - yellow - red,
		Yellow: yellow,
		Red:    red,
	}

	r.MarginYellow = math.Max(marginTotal, r.Yellow*relativeMargin)
	r.MarginRed = math.Max(marginTotal, r.Red*relativeMargin)
	// a packet mis-colored at either boundary also shows up as a green error
	r.MarginGreen = r.MarginYellow + r.MarginRed

	return r
}

func (r ExpectedResult) String() string {
	return fmt.Sprintf("Expected(green=%.1f±%.1f, yellow=%.1f±%.1f, red=%.1f±%.1f)",
		r.Green, r.MarginGreen, r.Yellow, r.MarginYellow, r.Red, r.MarginRed)
}

func (r ExpectedResult) Count(c Color) float64 {
	switch c {
	case Green:
		return r.Green
	case Yellow:
		return r.Yellow
	case Red:
		return r.Red
	}

	return 0
}

func (r ExpectedResult) Margin(c Color) float64 {
	switch c {
	case Green:
		return r.MarginGreen
	case Yellow:
		return r.MarginYellow
	case Red:
		return r.MarginRed
	}

	return 0
}

// Total is the number of packets the prediction covers.
func (r ExpectedResult) Total() float64 {
	return r.Green + r.Yellow + r.Red
}

// Measured holds the packet counts read back from the device per color.
type Measured struct {
	Green  uint64 `json:"green"`
	Yellow uint64 `json:"yellow"`
	Red    uint64 `json:"red"`
}

func (m Measured) Count(c Color) uint64 {
	switch c {
	case Green:
		return m.Green
	case Yellow:
		return m.Yellow
	case Red:
		return m.Red
	}

	return 0
}

func (m *Measured) Set(c Color, count uint64) {
	switch c {
	case Green:
		m.Green = count
	case Yellow:
		m.Yellow = count
	case Red:
		m.Red = count
	}
}

func (m Measured) Total() uint64 {
	return m.Green + m.Yellow + m.Red
}

// ErrorPercent is a diagnostic only, it takes no part in the pass decision. An expected
// count of zero yields 0 rather than an undefined ratio.
func ErrorPercent(expected, measured float64) float64 {
	if expected == 0 {
		return 0
	}

	return math.Abs(expected-measured) * 100 / expected
}

type ColorCheck struct {
	Color        Color   `json:"color"`
	Expected     float64 `json:"expected"`
	Measured     uint64  `json:"measured"`
	Margin       float64 `json:"margin"`
	ErrorPercent float64 `json:"error_percent"`
	Pass         bool    `json:"pass"`
}

func (c ColorCheck) String() string {
	result := "PASS"
	if !c.Pass {
		result = "FAIL"
	}

	return fmt.Sprintf("%s: expected=%.1f measured=%d margin=%.1f error=%.2f%% %s",
		c.Color, c.Expected, c.Measured, c.Margin, c.ErrorPercent, result)
}

// Verdict is the outcome of comparing a measurement against an ExpectedResult.
type Verdict struct {
	Checks [NumColors]ColorCheck `json:"checks"`
	Pass   bool                  `json:"pass"`
}

// Verify applies the pass rule: every color must satisfy |measured - expected| <= margin.
func (r ExpectedResult) Verify(m Measured) Verdict {
	v := Verdict{Pass: true}

	for i, c := range Colors {
		expected, measured, margin := r.Count(c), float64(m.Count(c)), r.Margin(c)
		check := ColorCheck{
			Color:        c,
			Expected:     expected,
			Measured:     m.Count(c),
			Margin:       margin,
			ErrorPercent: ErrorPercent(expected, measured),
			Pass:         math.Abs(measured-expected) <= margin,
		}

		v.Checks[i] = check
		v.Pass = v.Pass && check.Pass
	}

	return v
}
