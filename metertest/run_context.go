// SPDX-License-Identifier: Apache-2.0
// Copyright 2022-present Open Networking Foundation

package metertest

import (
	"fmt"
	"sync"

	set "github.com/deckarep/golang-set"
)

// RunContext owns the state shared by the scenarios of one run: the pool of free meter
// cells, the iteration counter and the pass/fail tally. It is passed to every scenario.
type RunContext struct {
	mtx sync.Mutex

	meterSize      uint32
	meterCellsPool set.Set

	iteration uint64
	numPass   uint64
	numFail   uint64
}

// Summary is a snapshot of a RunContext tally.
type Summary struct {
	Iterations uint64 `json:"iterations"`
	Passed     uint64 `json:"passed"`
	Failed     uint64 `json:"failed"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%d/%d scenarios passed", s.Passed, s.Passed+s.Failed)
}

func NewRunContext(meterSize uint32) *RunContext {
	rc := &RunContext{
		meterSize:      meterSize,
		meterCellsPool: set.NewThreadUnsafeSet(),
	}

	for i := uint32(0); i < meterSize; i++ {
		rc.meterCellsPool.Add(i)
	}

	return rc
}

// AllocateMeterIndex hands out a meter cell not used by any running scenario.
func (rc *RunContext) AllocateMeterIndex() (uint32, error) {
	rc.mtx.Lock()
	defer rc.mtx.Unlock()

	allocated := rc.meterCellsPool.Pop()
	if allocated == nil {
		return 0, ErrExhausted("meter cell pool")
	}

	return allocated.(uint32), nil
}

// ReleaseMeterIndex returns index to the pool. Releasing a cell twice is an error.
func (rc *RunContext) ReleaseMeterIndex(index uint32) error {
	rc.mtx.Lock()
	defer rc.mtx.Unlock()

	if index >= rc.meterSize {
		return ErrInvalidArgumentWithReason("meter index", index, "out of range")
	}

	if rc.meterCellsPool.Contains(index) {
		return ErrInvalidOperation(fmt.Sprintf("release of free meter index %d", index))
	}

	rc.meterCellsPool.Add(index)

	return nil
}

func (rc *RunContext) MeterCellsInUse() int {
	rc.mtx.Lock()
	defer rc.mtx.Unlock()

	return int(rc.meterSize) - rc.meterCellsPool.Cardinality()
}

// NextIteration returns the 1-based number of the scenario about to run.
func (rc *RunContext) NextIteration() uint64 {
	rc.mtx.Lock()
	defer rc.mtx.Unlock()

	rc.iteration++

	return rc.iteration
}

func (rc *RunContext) RecordVerdict(pass bool) {
	rc.mtx.Lock()
	defer rc.mtx.Unlock()

	if pass {
		rc.numPass++
	} else {
		rc.numFail++
	}
}

func (rc *RunContext) Summary() Summary {
	rc.mtx.Lock()
	defer rc.mtx.Unlock()

	return Summary{
		Iterations: rc.iteration,
		Passed:     rc.numPass,
		Failed:     rc.numFail,
	}
}
