// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"bytes"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/shoenig/test/must"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/hashicorp/drover/ci"
	"github.com/hashicorp/drover/drover/structs"
)

func testRun(req *structs.TaskRequest) *structs.TaskRunResult {
	return &structs.TaskRunResult{
		RequestID:    req.ID,
		TryNumber:    1,
		BotID:        "b1",
		State:        structs.TaskStateRunning,
		StartedAt:    req.CreatedAt,
		ModifiedAt:   req.CreatedAt,
		CurrentSlice: 0,
	}
}

func appendOutput(t *testing.T, store *StateStore, run *structs.TaskRunResult, data []byte, offset int64) int64 {
	t.Helper()
	var dropped int64
	err := store.WithWriteTxn(0, func(txn *Txn) error {
		var err error
		dropped, err = txn.AppendOutput(run, data, offset, DefaultOutputLimit)
		return err
	})
	must.NoError(t, err)
	return dropped
}

func readOutput(t *testing.T, store *StateStore, run *structs.TaskRunResult) []byte {
	t.Helper()
	txn := store.ReadTxn()
	defer txn.Abort()
	out, err := txn.TaskOutput(run)
	must.NoError(t, err)
	return out
}

func TestOutput_appendSimple(t *testing.T) {
	ci.Parallel(t)

	store, clock := testStore(t)
	req := mockRequest(clock.Now(), 50)
	run := testRun(req)

	appendOutput(t, store, run, []byte("hello "), 0)
	appendOutput(t, store, run, []byte("world"), 6)
	must.Eq(t, 1, run.OutputChunks)
	must.Eq(t, []byte("hello world"), readOutput(t, store, run))
}

func TestOutput_appendIdempotent(t *testing.T) {
	ci.Parallel(t)

	store, clock := testStore(t)
	req := mockRequest(clock.Now(), 50)
	run := testRun(req)

	// The same (bytes, offset) twice yields the same contents.
	appendOutput(t, store, run, []byte("retry me"), 0)
	appendOutput(t, store, run, []byte("retry me"), 0)
	must.Eq(t, []byte("retry me"), readOutput(t, store, run))
}

func TestOutput_gapThenFill(t *testing.T) {
	ci.Parallel(t)

	store, clock := testStore(t)
	req := mockRequest(clock.Now(), 50)
	run := testRun(req)

	// Writing past the end records the hole as a gap.
	appendOutput(t, store, run, []byte("tail"), 10)
	txn := store.ReadTxn()
	chunk, err := txn.OutputChunk(req.ID, 1, 0)
	txn.Abort()
	must.NoError(t, err)
	must.Eq(t, []int64{0, 10}, chunk.Gaps)
	must.Eq(t, append(make([]byte, 10), []byte("tail")...), readOutput(t, store, run))

	// Filling the gap erases it.
	appendOutput(t, store, run, bytes.Repeat([]byte("x"), 10), 0)
	txn = store.ReadTxn()
	chunk, err = txn.OutputChunk(req.ID, 1, 0)
	txn.Abort()
	must.NoError(t, err)
	must.SliceEmpty(t, chunk.Gaps)
	must.Eq(t, append(bytes.Repeat([]byte("x"), 10), []byte("tail")...), readOutput(t, store, run))
}

func TestOutput_gapSplit(t *testing.T) {
	ci.Parallel(t)

	store, clock := testStore(t)
	req := mockRequest(clock.Now(), 50)
	run := testRun(req)

	// One big gap, then a write in its middle splits it in two.
	appendOutput(t, store, run, []byte("end"), 100)
	appendOutput(t, store, run, []byte("mid"), 40)

	txn := store.ReadTxn()
	chunk, err := txn.OutputChunk(req.ID, 1, 0)
	txn.Abort()
	must.NoError(t, err)
	must.Eq(t, []int64{0, 40, 43, 100}, chunk.Gaps)
}

func TestOutput_multiChunk(t *testing.T) {
	ci.Parallel(t)

	store, clock := testStore(t)
	req := mockRequest(clock.Now(), 50)
	run := testRun(req)

	// A write spanning the chunk boundary lands in both chunks.
	data := bytes.Repeat([]byte("ab"), OutputChunkSize/2+10)
	appendOutput(t, store, run, data, 0)
	must.Eq(t, 2, run.OutputChunks)
	must.Eq(t, data, readOutput(t, store, run))
}

func TestOutput_capDropsExcess(t *testing.T) {
	ci.Parallel(t)

	store, clock := testStore(t)
	req := mockRequest(clock.Now(), 50)
	run := testRun(req)

	limit := int64(2 * OutputChunkSize)
	write := func(data []byte, offset int64) int64 {
		var dropped int64
		err := store.WithWriteTxn(0, func(txn *Txn) error {
			var err error
			dropped, err = txn.AppendOutput(run, data, offset, limit)
			return err
		})
		must.NoError(t, err)
		return dropped
	}

	// Entirely below the cap: nothing dropped.
	must.Eq(t, 0, write(bytes.Repeat([]byte("a"), OutputChunkSize), 0))

	// Straddling the cap: the below-cap prefix is kept.
	straddle := bytes.Repeat([]byte("b"), 2*OutputChunkSize)
	must.Eq(t, int64(OutputChunkSize), write(straddle, OutputChunkSize))
	must.Eq(t, 2, run.OutputChunks)

	// Entirely above the cap: all dropped.
	must.Eq(t, 100, write(bytes.Repeat([]byte("c"), 100), limit))
	must.Eq(t, 2, run.OutputChunks)
}

// TestOutput_rapid checks the chunk/gap arithmetic against a flat
// reference buffer over arbitrary write sequences.
func TestOutput_rapid(t *testing.T) {
	ci.Parallel(t)

	rapid.Check(t, func(rt *rapid.T) {
		clock := newFakeClock()
		store, err := NewStateStore(hclog.NewNullLogger(), clock)
		require.NoError(rt, err)
		req := mockRequest(clock.Now(), 50)
		run := testRun(req)

		span := int64(3 * OutputChunkSize)
		var expected []byte
		writes := rapid.IntRange(1, 10).Draw(rt, "writes")
		for i := 0; i < writes; i++ {
			offset := rapid.Int64Range(0, span).Draw(rt, "offset")
			data := rapid.SliceOfN(rapid.Byte(), 1, 4096).Draw(rt, "data")

			werr := store.WithWriteTxn(0, func(txn *Txn) error {
				_, err := txn.AppendOutput(run, data, offset, MaxOutputLimit)
				return err
			})
			require.NoError(rt, werr)

			end := offset + int64(len(data))
			if int64(len(expected)) < end {
				expected = append(expected, make([]byte, end-int64(len(expected)))...)
			}
			copy(expected[offset:end], data)
		}

		rtxn := store.ReadTxn()
		got, err := rtxn.TaskOutput(run)
		rtxn.Abort()
		require.NoError(rt, err)
		require.Equal(rt, expected, got)
	})
}
