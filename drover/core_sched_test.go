// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package drover

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/drover/ci"
	"github.com/hashicorp/drover/drover/structs"
)

func twoSliceRequest(first, second map[string][]string, firstExpiration time.Duration) *structs.TaskRequest {
	req := minimalRequest(first, firstExpiration)
	req.Slices = append(req.Slices, &structs.TaskSlice{
		Capabilities: structs.NewCapabilitySet(second),
		Expiration:   time.Minute,
		Command:      []string{"run.sh"},
	})
	return req
}

// TestSweep_SliceFallback: slice 0 has nobody, slice 1 does; the expire
// sweep moves the task to slice 1 with the state still pending.
func TestSweep_SliceFallback(t *testing.T) {
	ci.Parallel(t)

	srv, clock, _ := testServer(t)
	registerBot(t, srv, "b1", defaultCaps())

	req := twoSliceRequest(map[string][]string{"pool": {"X"}}, defaultCaps(), 10*time.Second)
	req.Slices[0].WaitForCapacity = true
	summary, err := srv.SubmitTask(req, nil)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatePending, summary.State)
	must.Eq(t, 0, summary.CurrentSlice)

	// Not yet expired: the sweep does nothing.
	acted, err := srv.SweepExpiredQueue()
	must.NoError(t, err)
	must.Eq(t, 0, acted)

	clock.advance(11 * time.Second)
	acted, err = srv.SweepExpiredQueue()
	must.NoError(t, err)
	must.Eq(t, 1, acted)

	got, err := srv.GetTaskResult(summary.TaskID())
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatePending, got.State)
	must.Eq(t, 1, got.CurrentSlice)

	txn := srv.State().ReadTxn()
	live, err := txn.LiveTaskToRun(summary.RequestID)
	txn.Abort()
	must.NoError(t, err)
	must.NotNil(t, live)
	must.Eq(t, 1, live.SliceIndex)
	must.Eq(t, 1, live.TryNumber)

	// The bot matching slice 1 reaps it.
	clock.advance(time.Second)
	manifest := pollForTask(t, srv, "b1", defaultCaps())
	must.Eq(t, summary.RequestID, manifest.Run.RequestID)
	must.Eq(t, 1, manifest.Run.CurrentSlice)
}

// TestSweep_Expire_terminal: no fallback slice has capacity, so the task
// expires.
func TestSweep_Expire_terminal(t *testing.T) {
	ci.Parallel(t)

	srv, clock, notifier := testServer(t)
	registerBot(t, srv, "b1", defaultCaps())

	req := minimalRequest(map[string][]string{"pool": {"X"}}, 10*time.Second)
	req.Slices[0].WaitForCapacity = true
	req.PubSubTopic = "t"
	summary, err := srv.SubmitTask(req, nil)
	must.NoError(t, err)

	clock.advance(11 * time.Second)
	acted, err := srv.SweepExpiredQueue()
	must.NoError(t, err)
	must.Eq(t, 1, acted)

	got, err := srv.GetTaskResult(summary.TaskID())
	must.NoError(t, err)
	must.Eq(t, structs.TaskStateExpired, got.State)
	must.False(t, got.CompletedAt.IsZero())
	must.Eq(t, 1, notifier.count())

	// Idempotent: a second sweep finds nothing.
	acted, err = srv.SweepExpiredQueue()
	must.NoError(t, err)
	must.Eq(t, 0, acted)
}

// TestReap_inlineExpiration: a poll that walks over an expired entry
// handles it inline and can harvest the fallback slice immediately.
func TestReap_inlineExpiration(t *testing.T) {
	ci.Parallel(t)

	srv, clock, _ := testServer(t)
	registerBot(t, srv, "b1", defaultCaps())

	// Both slices match the bot, so the poll itself walks over the
	// expired first-slice entry.
	req := twoSliceRequest(defaultCaps(), defaultCaps(), 10*time.Second)
	summary, err := srv.SubmitTask(req, nil)
	must.NoError(t, err)

	clock.advance(11 * time.Second)
	manifest := pollForTask(t, srv, "b1", defaultCaps())
	must.Eq(t, summary.RequestID, manifest.Run.RequestID)
	must.Eq(t, 1, manifest.Run.CurrentSlice)

	got, err := srv.GetTaskResult(summary.TaskID())
	must.NoError(t, err)
	must.Eq(t, structs.TaskStateRunning, got.State)
	must.Eq(t, 1, got.CurrentSlice)
}

// TestSweep_DeadBot_idempotentRetry: a silent bot on an idempotent slice
// gets the task retried as try 2; the dead run is closed as BOT_DIED.
func TestSweep_DeadBot_idempotentRetry(t *testing.T) {
	ci.Parallel(t)

	srv, clock, _ := testServer(t)
	registerBot(t, srv, "b1", defaultCaps())
	registerBot(t, srv, "b2", defaultCaps())

	req := minimalRequest(defaultCaps(), time.Hour)
	req.Slices[0].Idempotent = true
	req.Slices[0].ExecutionTimeout = 300 * time.Second
	summary, err := srv.SubmitTask(req, nil)
	must.NoError(t, err)

	clock.advance(time.Second)
	manifest := pollForTask(t, srv, "b1", defaultCaps())
	runID := manifest.Run.RunID()

	// The bot pings once, then goes silent.
	clock.advance(time.Second)
	_, err = srv.UpdateTask(runID, "b1", &TaskUpdate{Output: []byte("starting\n")})
	must.NoError(t, err)

	// Within tolerance: nothing happens.
	acted, err := srv.SweepDeadBots()
	must.NoError(t, err)
	must.Eq(t, 0, acted)

	clock.advance(7 * time.Minute)
	acted, err = srv.SweepDeadBots()
	must.NoError(t, err)
	must.Eq(t, 1, acted)

	// The summary is pending again; the try number still names the dead
	// try while the new queue entry carries try 2.
	got, err := srv.GetTaskResult(summary.TaskID())
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatePending, got.State)
	must.Eq(t, 1, got.TryNumber)

	txn := srv.State().ReadTxn()
	live, err := txn.LiveTaskToRun(summary.RequestID)
	must.NoError(t, err)
	must.NotNil(t, live)
	must.Eq(t, 2, live.TryNumber)
	must.Eq(t, 0, live.SliceIndex)
	deadRun, err := txn.RunResultByID(summary.RequestID, 1)
	must.NoError(t, err)
	must.Eq(t, structs.TaskStateBotDied, deadRun.State)
	must.True(t, deadRun.InternalFailure)
	txn.Abort()

	// b1 may not pick up the retry of its own failure; b2 completes it.
	resp, err := srv.PollBot("b1", structs.NewCapabilitySet(defaultCaps()), "1.0.0", time.Time{})
	must.NoError(t, err)
	must.Eq(t, PollSleep, resp.Directive)

	// The negative-lookup entry from b1's refused claim ages out.
	clock.advance(time.Minute)
	srv.notClaimable.Purge()

	manifest2 := pollForTask(t, srv, "b2", defaultCaps())
	must.Eq(t, 2, manifest2.Run.TryNumber)
	exit := int64(0)
	dur := time.Second
	_, err = srv.UpdateTask(manifest2.Run.RunID(), "b2", &TaskUpdate{ExitCode: &exit, Duration: &dur})
	must.NoError(t, err)

	got, err = srv.GetTaskResult(summary.TaskID())
	must.NoError(t, err)
	must.Eq(t, structs.TaskStateCompleted, got.State)
	must.Eq(t, 2, got.TryNumber)
	must.Eq(t, "b2", got.BotID)
}

// TestSweep_DeadBot_terminal: a non-idempotent task whose bot pinged
// after start is not retried.
func TestSweep_DeadBot_terminal(t *testing.T) {
	ci.Parallel(t)

	srv, clock, notifier := testServer(t)
	registerBot(t, srv, "b1", defaultCaps())

	req := minimalRequest(defaultCaps(), time.Hour)
	req.PubSubTopic = "t"
	summary, err := srv.SubmitTask(req, nil)
	must.NoError(t, err)
	clock.advance(time.Second)
	manifest := pollForTask(t, srv, "b1", defaultCaps())

	// A ping after start means the command may have had side effects.
	clock.advance(time.Second)
	_, err = srv.UpdateTask(manifest.Run.RunID(), "b1", &TaskUpdate{Output: []byte("x")})
	must.NoError(t, err)

	clock.advance(7 * time.Minute)
	acted, err := srv.SweepDeadBots()
	must.NoError(t, err)
	must.Eq(t, 1, acted)

	got, err := srv.GetTaskResult(summary.TaskID())
	must.NoError(t, err)
	must.Eq(t, structs.TaskStateBotDied, got.State)
	must.True(t, got.InternalFailure)
	must.Eq(t, 1, notifier.count())

	// The bot record is free for new work again.
	txn := srv.State().ReadTxn()
	defer txn.Abort()
	bot, err := txn.BotByID("b1")
	must.NoError(t, err)
	must.True(t, bot.Idle())
}

// TestSweep_DeadBot_neverPinged: even a non-idempotent task is retried
// when the bot never pinged after the claim, since the command cannot
// have started.
func TestSweep_DeadBot_neverPinged(t *testing.T) {
	ci.Parallel(t)

	srv, clock, _ := testServer(t)
	registerBot(t, srv, "b1", defaultCaps())

	summary, err := srv.SubmitTask(minimalRequest(defaultCaps(), time.Hour), nil)
	must.NoError(t, err)
	clock.advance(time.Second)
	pollForTask(t, srv, "b1", defaultCaps())

	clock.advance(7 * time.Minute)
	acted, err := srv.SweepDeadBots()
	must.NoError(t, err)
	must.Eq(t, 1, acted)

	got, err := srv.GetTaskResult(summary.TaskID())
	must.NoError(t, err)
	must.Eq(t, structs.TaskStatePending, got.State)

	txn := srv.State().ReadTxn()
	defer txn.Abort()
	live, err := txn.LiveTaskToRun(summary.RequestID)
	must.NoError(t, err)
	must.NotNil(t, live)
	must.Eq(t, 2, live.TryNumber)
}

// TestSweep_DeadBot_retryExpires: when the retry's slice deadline passes
// with nobody to take it, the summary keeps the BOT_DIED outcome rather
// than turning into a plain expiration.
func TestSweep_DeadBot_retryExpires(t *testing.T) {
	ci.Parallel(t)

	srv, clock, _ := testServer(t)
	registerBot(t, srv, "b1", defaultCaps())

	req := minimalRequest(defaultCaps(), 20*time.Minute)
	req.Slices[0].Idempotent = true
	summary, err := srv.SubmitTask(req, nil)
	must.NoError(t, err)
	clock.advance(time.Second)
	pollForTask(t, srv, "b1", defaultCaps())

	clock.advance(7 * time.Minute)
	acted, err := srv.SweepDeadBots()
	must.NoError(t, err)
	must.Eq(t, 1, acted)

	// b1 is the only bot and may not retry its own failure; the retry
	// entry eventually expires.
	clock.advance(30 * time.Minute)
	acted, err = srv.SweepExpiredQueue()
	must.NoError(t, err)
	must.Eq(t, 1, acted)

	got, err := srv.GetTaskResult(summary.TaskID())
	must.NoError(t, err)
	must.Eq(t, structs.TaskStateBotDied, got.State)
}

// TestSweep_DedupIndex prunes hashes that aged out of the reuse window.
func TestSweep_DedupIndex(t *testing.T) {
	ci.Parallel(t)

	srv, clock, _ := testServer(t)
	registerBot(t, srv, "b1", defaultCaps())

	req := minimalRequest(defaultCaps(), time.Minute)
	req.Slices[0].Idempotent = true
	summary, err := srv.SubmitTask(req, nil)
	must.NoError(t, err)
	manifest := pollForTask(t, srv, "b1", defaultCaps())
	exit := int64(0)
	dur := time.Second
	_, err = srv.UpdateTask(manifest.Run.RunID(), "b1", &TaskUpdate{ExitCode: &exit, Duration: &dur})
	must.NoError(t, err)

	// Fresh: nothing to prune.
	pruned, err := srv.SweepDedupIndex()
	must.NoError(t, err)
	must.Eq(t, 0, pruned)

	clock.advance(srv.Config().DedupWindow + time.Hour)
	pruned, err = srv.SweepDedupIndex()
	must.NoError(t, err)
	must.Eq(t, 1, pruned)

	got, err := srv.GetTaskResult(summary.TaskID())
	must.NoError(t, err)
	must.Eq(t, "", got.PropertiesHash)
}
