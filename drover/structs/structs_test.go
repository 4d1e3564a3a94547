// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"errors"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/drover/ci"
)

func testSlice() *TaskSlice {
	return &TaskSlice{
		Capabilities: NewCapabilitySet(map[string][]string{"pool": {"default"}}),
		Expiration:   time.Minute,
		Command:      []string{"echo", "hi"},
	}
}

func testRequest(now time.Time) *TaskRequest {
	return &TaskRequest{
		ID:        NewRequestID(now, 42),
		Name:      "test",
		Priority:  50,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Minute),
		Slices:    []*TaskSlice{testSlice()},
	}
}

func TestRequestID_ReverseChronological(t *testing.T) {
	ci.Parallel(t)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	older := NewRequestID(base, 7)
	newer := NewRequestID(base.Add(time.Second), 7)

	// Newer requests sort first.
	must.True(t, newer < older)
	must.Eq(t, base, older.CreatedAt())

	parsed, err := ParseRequestID(older.String())
	must.NoError(t, err)
	must.Eq(t, older, parsed)
}

func TestRequestID_Parse_errors(t *testing.T) {
	ci.Parallel(t)

	_, err := ParseRequestID("not-hex")
	must.Error(t, err)
	_, err = ParseRequestID("ffffffffffffffffff")
	must.Error(t, err)
}

func TestRunID_RoundTrip(t *testing.T) {
	ci.Parallel(t)

	id := NewRequestID(time.Now(), 1)
	runID := RunID(id, 2)
	gotID, gotTry, err := ParseRunID(runID)
	must.NoError(t, err)
	must.Eq(t, id, gotID)
	must.Eq(t, 2, gotTry)

	_, _, err = ParseRunID("junk")
	must.Error(t, err)
	_, _, err = ParseRunID(id.String() + "-0")
	must.Error(t, err)
}

func TestQueueKey_Ordering(t *testing.T) {
	ci.Parallel(t)

	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	// More urgent (smaller) priority wins regardless of age.
	urgent := QueueKey(10, now.Add(time.Hour))
	relaxed := QueueKey(50, now)
	must.True(t, urgent < relaxed)

	// Same priority: older wins.
	older := QueueKey(50, now)
	newer := QueueKey(50, now.Add(time.Second))
	must.True(t, older < newer)
}

func TestTaskRequest_Validate(t *testing.T) {
	ci.Parallel(t)

	now := time.Now()
	cases := []struct {
		name   string
		mutate func(*TaskRequest)
		ok     bool
	}{
		{"valid", func(r *TaskRequest) {}, true},
		{"missing name", func(r *TaskRequest) { r.Name = "" }, false},
		{"no slices", func(r *TaskRequest) { r.Slices = nil }, false},
		{"empty capabilities", func(r *TaskRequest) {
			r.Slices[0].Capabilities = NewCapabilitySet(nil)
		}, false},
		{"zero expiration", func(r *TaskRequest) { r.Slices[0].Expiration = 0 }, false},
		{"missing command", func(r *TaskRequest) { r.Slices[0].Command = nil }, false},
		{"negative timeout", func(r *TaskRequest) { r.Slices[0].IOTimeout = -time.Second }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := testRequest(now)
			tc.mutate(req)
			err := req.Validate()
			if tc.ok {
				must.NoError(t, err)
			} else {
				must.Error(t, err)
				var invalid *InvalidRequestError
				must.True(t, errors.As(err, &invalid))
			}
		})
	}
}

func TestTerminationRequest(t *testing.T) {
	ci.Parallel(t)

	req := NewTerminationRequest("bot7")
	must.NoError(t, req.Validate())
	must.Eq(t, uint8(0), req.Priority)
	must.True(t, req.Slices[0].WaitForCapacity)
	must.True(t, req.Slices[0].Capabilities.Contains("id", "bot7"))
}

func TestTaskSlice_PropertiesHash(t *testing.T) {
	ci.Parallel(t)

	a := testSlice()
	b := testSlice()
	must.Eq(t, a.PropertiesHash(), b.PropertiesHash())

	// Every deterministic input changes the hash.
	b.Command = []string{"echo", "bye"}
	must.NotEq(t, a.PropertiesHash(), b.PropertiesHash())

	c := testSlice()
	c.Capabilities = NewCapabilitySet(map[string][]string{"pool": {"other"}})
	must.NotEq(t, a.PropertiesHash(), c.PropertiesHash())

	d := testSlice()
	d.Env = map[string]string{"K": "V"}
	must.NotEq(t, a.PropertiesHash(), d.PropertiesHash())

	// The non-deterministic parts do not.
	e := testSlice()
	e.Expiration = time.Hour
	e.WaitForCapacity = true
	must.Eq(t, a.PropertiesHash(), e.PropertiesHash())
}

func TestResultSummary_SetFromRunResult(t *testing.T) {
	ci.Parallel(t)

	now := time.Now()
	req := testRequest(now)
	req.Slices[0].Idempotent = true
	summary := NewResultSummary(req, now)
	toRun := NewTaskToRun(req, 1, 0, now)
	caps := NewCapabilitySet(map[string][]string{"id": {"b1"}, "pool": {"default"}})
	run := NewRunResult(req, toRun, "b1", "1.0.0", caps, now)

	summary.SetFromRunResult(run, req)
	must.Eq(t, TaskStateRunning, summary.State)
	must.Eq(t, 1, summary.TryNumber)
	must.Eq(t, "b1", summary.BotID)
	// Still running: nothing reusable to publish.
	must.Eq(t, "", summary.PropertiesHash)

	exit := int64(0)
	dur := 3 * time.Second
	run.State = TaskStateCompleted
	run.ExitCode = &exit
	run.Duration = &dur
	run.CostUSD = 0.25
	summary.SetFromRunResult(run, req)
	must.Eq(t, TaskStateCompleted, summary.State)
	must.Eq(t, req.Slices[0].PropertiesHash(), summary.PropertiesHash)
	must.Eq(t, []float64{0.25}, summary.CostsUSD)
	must.Eq(t, 0.25, summary.CostUSD())

	// A failed result is not reusable.
	bad := int64(1)
	run.ExitCode = &bad
	summary.SetFromRunResult(run, req)
	must.Eq(t, "", summary.PropertiesHash)
}

func TestResultSummary_ResetToPending(t *testing.T) {
	ci.Parallel(t)

	now := time.Now()
	req := testRequest(now)
	summary := NewResultSummary(req, now)
	exit := int64(0)
	summary.State = TaskStateBotDied
	summary.TryNumber = 1
	summary.ExitCode = &exit
	summary.InternalFailure = true
	summary.StartedAt = now

	summary.ResetToPending(now.Add(time.Second))
	must.Eq(t, TaskStatePending, summary.State)
	must.Nil(t, summary.ExitCode)
	must.False(t, summary.InternalFailure)
	must.True(t, summary.StartedAt.IsZero())
	// The try number survives the reset; the retry entry carries try 2.
	must.Eq(t, 1, summary.TryNumber)
}

func TestTaskState_Terminal(t *testing.T) {
	ci.Parallel(t)

	must.False(t, TaskStatePending.Terminal())
	must.False(t, TaskStateRunning.Terminal())
	for _, s := range []TaskState{
		TaskStateCompleted, TaskStateTimedOut, TaskStateKilled,
		TaskStateCanceled, TaskStateExpired, TaskStateBotDied,
		TaskStateNoResource,
	} {
		must.True(t, s.Terminal())
	}
	must.False(t, TaskStateCompleted.Exceptional())
	must.True(t, TaskStateBotDied.Exceptional())
}
