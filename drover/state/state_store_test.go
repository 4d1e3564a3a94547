// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/drover/ci"
	"github.com/hashicorp/drover/drover/structs"
	"github.com/hashicorp/drover/helper/testlog"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testStore(t *testing.T) (*StateStore, *fakeClock) {
	clock := newFakeClock()
	store, err := NewStateStore(testlog.HCLogger(t), clock)
	must.NoError(t, err)
	return store, clock
}

func mockRequest(now time.Time, priority uint8) *structs.TaskRequest {
	return &structs.TaskRequest{
		ID:        structs.NewRequestID(now, 1),
		Name:      "mock",
		Priority:  priority,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
		Slices: []*structs.TaskSlice{{
			Capabilities: structs.NewCapabilitySet(map[string][]string{"pool": {"default"}}),
			Expiration:   time.Minute,
			Command:      []string{"true"},
		}},
	}
}

func insertPending(t *testing.T, store *StateStore, req *structs.TaskRequest) *structs.TaskToRun {
	toRun := structs.NewTaskToRun(req, 1, 0, req.CreatedAt)
	err := store.WithWriteTxn(0, func(txn *Txn) error {
		if err := txn.InsertTaskRequest(req); err != nil {
			return err
		}
		if err := txn.UpsertResultSummary(structs.NewResultSummary(req, req.CreatedAt)); err != nil {
			return err
		}
		return txn.UpsertTaskToRun(toRun)
	})
	must.NoError(t, err)
	return toRun
}

func TestStateStore_ClaimTaskToRun_singleWinner(t *testing.T) {
	ci.Parallel(t)

	store, clock := testStore(t)
	req := mockRequest(clock.Now(), 50)
	insertPending(t, store, req)

	// Many concurrent claimers; exactly one may win.
	const claimers = 16
	var wg sync.WaitGroup
	claimErrs := make([]error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimErrs[i] = store.WithWriteTxn(0, func(txn *Txn) error {
				_, err := txn.ClaimTaskToRun(req.ID, 1, 0)
				return err
			})
		}()
	}
	wg.Wait()

	winners := 0
	for _, err := range claimErrs {
		if err == nil {
			winners++
			continue
		}
		must.True(t, errors.Is(err, structs.ErrNotClaimable))
	}
	must.Eq(t, 1, winners)

	txn := store.ReadTxn()
	defer txn.Abort()
	entry, err := txn.TaskToRunByID(req.ID, 1, 0)
	must.NoError(t, err)
	must.False(t, entry.Claimable())
	live, err := txn.LiveTaskToRun(req.ID)
	must.NoError(t, err)
	must.Nil(t, live)
}

func TestStateStore_TaskToRun_singleLiveEntry(t *testing.T) {
	ci.Parallel(t)

	store, clock := testStore(t)
	req := mockRequest(clock.Now(), 50)
	req.Slices = append(req.Slices, req.Slices[0].Copy())
	insertPending(t, store, req)

	// A second claimable entry for the same request is refused.
	err := store.WithWriteTxn(0, func(txn *Txn) error {
		return txn.UpsertTaskToRun(structs.NewTaskToRun(req, 1, 1, clock.Now()))
	})
	must.Error(t, err)

	// Once the live entry is retired, the next slice may be enqueued.
	err = store.WithWriteTxn(0, func(txn *Txn) error {
		if _, err := txn.ClaimTaskToRun(req.ID, 1, 0); err != nil {
			return err
		}
		return txn.UpsertTaskToRun(structs.NewTaskToRun(req, 1, 1, clock.Now()))
	})
	must.NoError(t, err)
}

func TestStateStore_Claimable_servingOrder(t *testing.T) {
	ci.Parallel(t)

	store, clock := testStore(t)
	base := clock.Now()

	urgent := mockRequest(base.Add(2*time.Second), 10)
	oldNormal := mockRequest(base, 50)
	newNormal := mockRequest(base.Add(time.Second), 50)
	for _, req := range []*structs.TaskRequest{newNormal, urgent, oldNormal} {
		insertPending(t, store, req)
	}

	txn := store.ReadTxn()
	defer txn.Abort()
	entries, err := txn.ClaimableTaskToRuns()
	must.NoError(t, err)
	must.Len(t, 3, entries)

	// Priority first, then age.
	must.Eq(t, urgent.ID, entries[0].RequestID)
	must.Eq(t, oldNormal.ID, entries[1].RequestID)
	must.Eq(t, newNormal.ID, entries[2].RequestID)
}

func TestStateStore_PropertiesHash_newestFirst(t *testing.T) {
	ci.Parallel(t)

	store, clock := testStore(t)
	base := clock.Now()

	older := mockRequest(base, 50)
	newer := mockRequest(base.Add(time.Minute), 50)
	err := store.WithWriteTxn(0, func(txn *Txn) error {
		for _, req := range []*structs.TaskRequest{older, newer} {
			summary := structs.NewResultSummary(req, req.CreatedAt)
			summary.State = structs.TaskStateCompleted
			summary.PropertiesHash = "abcd"
			if err := txn.UpsertResultSummary(summary); err != nil {
				return err
			}
		}
		return nil
	})
	must.NoError(t, err)

	txn := store.ReadTxn()
	defer txn.Abort()
	got, err := txn.ResultSummariesByPropertiesHash("abcd", 3)
	must.NoError(t, err)
	must.Len(t, 2, got)
	must.Eq(t, newer.ID, got[0].RequestID)
	must.Eq(t, older.ID, got[1].RequestID)

	// The scan limit is honored.
	got, err = txn.ResultSummariesByPropertiesHash("abcd", 1)
	must.NoError(t, err)
	must.Len(t, 1, got)
}

func TestStateStore_Effects_replayOnCommit(t *testing.T) {
	ci.Parallel(t)

	store, _ := testStore(t)
	var mu sync.Mutex
	var applied []string
	store.SetEffectHandler(func(e *Effect) error {
		mu.Lock()
		defer mu.Unlock()
		applied = append(applied, e.Path)
		return nil
	})

	// Commit replays.
	txn := store.WriteTxn()
	txn.Effect("a", []byte("1"))
	must.NoError(t, txn.Commit())
	must.Eq(t, []string{"a"}, applied)

	// Abort discards.
	txn = store.WriteTxn()
	txn.Effect("b", []byte("2"))
	txn.Abort()
	must.Eq(t, []string{"a"}, applied)
}

func TestStateStore_Effects_outboxFallback(t *testing.T) {
	ci.Parallel(t)

	store, _ := testStore(t)
	store.SetEffectHandler(func(e *Effect) error {
		return errors.New("sink down")
	})

	txn := store.WriteTxn()
	txn.Effect("notify", []byte("payload"))
	must.NoError(t, txn.Commit())

	// The failed effect degraded to a durable outbox record.
	rtxn := store.ReadTxn()
	defer rtxn.Abort()
	records, err := rtxn.OutboxRecords()
	must.NoError(t, err)
	must.Len(t, 1, records)
	must.Eq(t, "notify", records[0].Path)
	must.Eq(t, []byte("payload"), records[0].Payload)
}

func TestStateStore_WithWriteTxn_conflictRetry(t *testing.T) {
	ci.Parallel(t)

	store, _ := testStore(t)
	attempts := 0
	err := store.WithWriteTxn(2, func(txn *Txn) error {
		attempts++
		if attempts < 3 {
			return structs.ErrTxnConflict
		}
		return nil
	})
	must.NoError(t, err)
	must.Eq(t, 3, attempts)

	attempts = 0
	err = store.WithWriteTxn(0, func(txn *Txn) error {
		attempts++
		return structs.ErrTxnConflict
	})
	must.ErrorIs(t, err, structs.ErrTxnConflict)
	must.Eq(t, 1, attempts)
}

func TestStateStore_Bots(t *testing.T) {
	ci.Parallel(t)

	store, clock := testStore(t)
	now := clock.Now()
	err := store.WithWriteTxn(0, func(txn *Txn) error {
		return txn.UpsertBot(&structs.Bot{
			ID:           "b1",
			Capabilities: structs.NewCapabilitySet(map[string][]string{"pool": {"default"}, "id": {"b1"}}),
			FirstSeenAt:  now,
			LastSeenAt:   now,
		})
	})
	must.NoError(t, err)

	txn := store.ReadTxn()
	defer txn.Abort()
	ok, err := txn.HasCapacity(structs.NewCapabilitySet(map[string][]string{"pool": {"default"}}))
	must.NoError(t, err)
	must.True(t, ok)
	ok, err = txn.HasCapacity(structs.NewCapabilitySet(map[string][]string{"pool": {"nonexistent"}}))
	must.NoError(t, err)
	must.False(t, ok)
}
