// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"

	"github.com/hashicorp/drover/drover/structs"
)

const (
	// OutputChunkSize is the fixed size of one stored output chunk.
	OutputChunkSize = 100 * 1024

	// DefaultOutputLimit caps stored output per run. 16*1000*1024 rather
	// than 16 MiB so the limit is a whole number of chunks.
	DefaultOutputLimit = 16 * 1000 * 1024

	// MaxOutputLimit is the hard ceiling a config cannot exceed.
	MaxOutputLimit = 100 * 1024 * 1024
)

// AppendOutput writes data at byte offset into the chunk series backing
// run, mutating run's chunk count in place; the caller re-inserts run.
// Writes landing past the end of a chunk zero-fill the intervening region
// and record it as a gap; writes over a gap shrink or split it. Chunks at
// or past the cap are dropped; the returned count is how many bytes were
// lost. A write straddling the cap keeps the portion below it.
func (t *Txn) AppendOutput(run *structs.TaskRunResult, data []byte, offset int64, limit int64) (int64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if offset < 0 {
		return 0, fmt.Errorf("negative output offset %d", offset)
	}
	if limit <= 0 || limit > MaxOutputLimit {
		limit = MaxOutputLimit
	}
	maxChunks := int(limit / OutputChunkSize)

	var dropped int64
	for len(data) > 0 {
		chunkNumber := int(offset / OutputChunkSize)
		if chunkNumber >= maxChunks {
			dropped += int64(len(data))
			break
		}
		start := int(offset % OutputChunkSize)
		n := OutputChunkSize - start
		if n > len(data) {
			n = len(data)
		}
		if err := t.patchChunk(run, chunkNumber, start, data[:n]); err != nil {
			return dropped, err
		}
		if run.OutputChunks < chunkNumber+1 {
			run.OutputChunks = chunkNumber + 1
		}
		data = data[n:]
		offset = int64(chunkNumber+1) * OutputChunkSize
	}
	return dropped, nil
}

// patchChunk loads (or creates) one chunk, overlays piece at start and
// maintains the gap list.
func (t *Txn) patchChunk(run *structs.TaskRunResult, chunkNumber, start int, piece []byte) error {
	raw, err := t.txn.First(tableOutputChunks, "id", run.RequestID, run.TryNumber, chunkNumber)
	if err != nil {
		return err
	}
	var chunk *structs.TaskOutputChunk
	if raw != nil {
		chunk = raw.(*structs.TaskOutputChunk).Copy()
	} else {
		chunk = &structs.TaskOutputChunk{
			RequestID: run.RequestID,
			TryNumber: run.TryNumber,
			Chunk:     chunkNumber,
		}
	}

	end := start + len(piece)
	if len(chunk.Data) < start {
		// The write lands past the current end: zero-fill and remember
		// the hole.
		chunk.Gaps = append(chunk.Gaps, int64(len(chunk.Data)), int64(start))
		chunk.Data = append(chunk.Data, make([]byte, start-len(chunk.Data))...)
	}

	// Strip or split gaps the write covers. All values are offsets
	// relative to the chunk itself.
	s, e := int64(start), int64(end)
	var newGaps []int64
	for i := 0; i+1 < len(chunk.Gaps); i += 2 {
		gapStart, gapEnd := chunk.Gaps[i], chunk.Gaps[i+1]

		// Gap:     |   |
		// Write: |   |
		if s <= gapStart && gapStart <= e && e <= gapEnd {
			gapStart = e
		}
		// Gap:   |   |
		// Write:   |   |
		if gapStart <= s && s <= gapEnd && gapEnd <= e {
			gapEnd = s
		}
		// Gap:      | |
		// Write:  |     |
		if s <= gapStart && gapStart <= e && s <= gapEnd && gapEnd <= e {
			continue
		}
		// Gap:   |       |
		// Write:   |   |
		if gapStart < s && s < gapEnd && gapStart <= e && e <= gapEnd {
			newGaps = append(newGaps, gapStart, s, e, gapEnd)
		} else if gapStart < gapEnd {
			newGaps = append(newGaps, gapStart, gapEnd)
		}
	}
	chunk.Gaps = newGaps

	if end <= len(chunk.Data) {
		copy(chunk.Data[start:end], piece)
	} else {
		chunk.Data = append(chunk.Data[:start], piece...)
	}
	return t.txn.Insert(tableOutputChunks, chunk)
}

// OutputChunk returns one stored chunk, or nil.
func (t *Txn) OutputChunk(id structs.RequestID, tryNumber, chunkNumber int) (*structs.TaskOutputChunk, error) {
	raw, err := t.txn.First(tableOutputChunks, "id", id, tryNumber, chunkNumber)
	if err != nil || raw == nil {
		return nil, err
	}
	return raw.(*structs.TaskOutputChunk).Copy(), nil
}

// TaskOutput reassembles a run's output stream. Chunks never written are
// rendered as zero bytes, as are recorded gaps, so offsets are stable.
func (t *Txn) TaskOutput(run *structs.TaskRunResult) ([]byte, error) {
	if run.OutputChunks == 0 {
		return nil, nil
	}
	out := make([]byte, 0, run.OutputChunks*OutputChunkSize)
	for i := 0; i < run.OutputChunks; i++ {
		chunk, err := t.OutputChunk(run.RequestID, run.TryNumber, i)
		if err != nil {
			return nil, err
		}
		switch {
		case chunk == nil:
			out = append(out, make([]byte, OutputChunkSize)...)
		case i < run.OutputChunks-1 && len(chunk.Data) < OutputChunkSize:
			out = append(out, chunk.Data...)
			out = append(out, make([]byte, OutputChunkSize-len(chunk.Data))...)
		default:
			out = append(out, chunk.Data...)
		}
	}
	return out, nil
}
