// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"fmt"

	"github.com/hashicorp/drover/drover/structs"
)

// InsertTaskRequest stores an immutable request. Inserting an id twice is
// an internal error.
func (t *Txn) InsertTaskRequest(req *structs.TaskRequest) error {
	existing, err := t.txn.First(tableTaskRequests, "id", req.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return fmt.Errorf("task request %s already exists", req.ID)
	}
	return t.txn.Insert(tableTaskRequests, req.Copy())
}

// TaskRequestByID returns the request, or nil.
func (t *Txn) TaskRequestByID(id structs.RequestID) (*structs.TaskRequest, error) {
	raw, err := t.txn.First(tableTaskRequests, "id", id)
	if err != nil || raw == nil {
		return nil, err
	}
	return raw.(*structs.TaskRequest).Copy(), nil
}

// InsertSecretBytes stores a request's secret blob.
func (t *Txn) InsertSecretBytes(sb *structs.SecretBytes) error {
	return t.txn.Insert(tableSecrets, sb.Copy())
}

// SecretBytesByRequest returns the secret blob, or nil.
func (t *Txn) SecretBytesByRequest(id structs.RequestID) (*structs.SecretBytes, error) {
	raw, err := t.txn.First(tableSecrets, "id", id)
	if err != nil || raw == nil {
		return nil, err
	}
	return raw.(*structs.SecretBytes).Copy(), nil
}

// UpsertResultSummary writes a summary.
func (t *Txn) UpsertResultSummary(s *structs.TaskResultSummary) error {
	return t.txn.Insert(tableTaskSummaries, s.Copy())
}

// ResultSummaryByID returns the summary, or nil.
func (t *Txn) ResultSummaryByID(id structs.RequestID) (*structs.TaskResultSummary, error) {
	raw, err := t.txn.First(tableTaskSummaries, "id", id)
	if err != nil || raw == nil {
		return nil, err
	}
	return raw.(*structs.TaskResultSummary).Copy(), nil
}

// ResultSummariesByPropertiesHash returns up to limit summaries carrying
// the hash, most recent request first (ids are reverse-chronological).
func (t *Txn) ResultSummariesByPropertiesHash(hash string, limit int) ([]*structs.TaskResultSummary, error) {
	it, err := t.txn.Get(tableTaskSummaries, "properties_hash", hash)
	if err != nil {
		return nil, err
	}
	var out []*structs.TaskResultSummary
	for raw := it.Next(); raw != nil && len(out) < limit; raw = it.Next() {
		out = append(out, raw.(*structs.TaskResultSummary).Copy())
	}
	return out, nil
}

// ReusableSummaries returns every summary currently publishing a
// properties hash for dedup.
func (t *Txn) ReusableSummaries() ([]*structs.TaskResultSummary, error) {
	it, err := t.txn.Get(tableTaskSummaries, "properties_hash")
	if err != nil {
		return nil, err
	}
	var out []*structs.TaskResultSummary
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.TaskResultSummary).Copy())
	}
	return out, nil
}

// UpsertTaskToRun writes a queue entry, enforcing that a request never
// has more than one claimable entry live at once.
func (t *Txn) UpsertTaskToRun(toRun *structs.TaskToRun) error {
	if toRun.Claimable() {
		live, err := t.LiveTaskToRun(toRun.RequestID)
		if err != nil {
			return err
		}
		if live != nil && (live.TryNumber != toRun.TryNumber || live.SliceIndex != toRun.SliceIndex) {
			return fmt.Errorf("request %s already has claimable queue entry (try %d, slice %d)",
				toRun.RequestID, live.TryNumber, live.SliceIndex)
		}
	}
	return t.txn.Insert(tableTaskToRuns, toRun.Copy())
}

// TaskToRunByID returns one queue entry, or nil.
func (t *Txn) TaskToRunByID(id structs.RequestID, tryNumber, sliceIndex int) (*structs.TaskToRun, error) {
	raw, err := t.txn.First(tableTaskToRuns, "id", id, tryNumber, sliceIndex)
	if err != nil || raw == nil {
		return nil, err
	}
	return raw.(*structs.TaskToRun).Copy(), nil
}

// LiveTaskToRun returns the request's claimable entry, or nil.
func (t *Txn) LiveTaskToRun(id structs.RequestID) (*structs.TaskToRun, error) {
	it, err := t.txn.Get(tableTaskToRuns, "request", id)
	if err != nil {
		return nil, err
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		if entry := raw.(*structs.TaskToRun); entry.Claimable() {
			return entry.Copy(), nil
		}
	}
	return nil, nil
}

// ClaimableTaskToRuns returns a snapshot of the run queue in serving
// order (ascending queue key: priority bucket, then age). The snapshot is
// an index read; callers must re-validate each entry inside the claiming
// transaction.
func (t *Txn) ClaimableTaskToRuns() ([]*structs.TaskToRun, error) {
	it, err := t.txn.Get(tableTaskToRuns, "claimable")
	if err != nil {
		return nil, err
	}
	var out []*structs.TaskToRun
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.TaskToRun).Copy())
	}
	return out, nil
}

// ClaimTaskToRun re-reads the entry and atomically clears its queue key.
// Returns ErrNotClaimable if another transaction got there first.
func (t *Txn) ClaimTaskToRun(id structs.RequestID, tryNumber, sliceIndex int) (*structs.TaskToRun, error) {
	entry, err := t.TaskToRunByID(id, tryNumber, sliceIndex)
	if err != nil {
		return nil, err
	}
	if !entry.Claimable() {
		return nil, structs.ErrNotClaimable
	}
	entry.QueueKey = nil
	if err := t.txn.Insert(tableTaskToRuns, entry); err != nil {
		return nil, err
	}
	return entry.Copy(), nil
}

// UpsertRunResult writes an attempt record.
func (t *Txn) UpsertRunResult(run *structs.TaskRunResult) error {
	return t.txn.Insert(tableRunResults, run.Copy())
}

// RunResultByID returns one attempt, or nil.
func (t *Txn) RunResultByID(id structs.RequestID, tryNumber int) (*structs.TaskRunResult, error) {
	raw, err := t.txn.First(tableRunResults, "id", id, tryNumber)
	if err != nil || raw == nil {
		return nil, err
	}
	return raw.(*structs.TaskRunResult).Copy(), nil
}

// RunningRunResults returns every attempt currently in RUNNING state.
// Backed by an index read; the dead-bot sweep re-validates under its
// transaction.
func (t *Txn) RunningRunResults() ([]*structs.TaskRunResult, error) {
	it, err := t.txn.Get(tableRunResults, "state", string(structs.TaskStateRunning))
	if err != nil {
		return nil, err
	}
	var out []*structs.TaskRunResult
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.TaskRunResult).Copy())
	}
	return out, nil
}
