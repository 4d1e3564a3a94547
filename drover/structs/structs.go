// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package structs holds the entities shared by the drover scheduler core:
// task requests and their slices, result summaries, queue entries, run
// results, bots and machine leases. Entities are plain value records;
// parent-child relationships are expressed by composite ids rather than
// object references, and every mutable entity carries a Copy method so the
// state store can hand out isolated snapshots.
package structs

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/drover/helper/pointer"
)

const (
	// idVersion is encoded in the low nibble of a RequestID so the id
	// format can evolve without ambiguity.
	idVersion = 1

	// MaxPriority is the largest (least urgent) allowed priority value.
	MaxPriority = 255
)

var (
	// ErrTxnConflict is returned from inside a write transaction body to
	// request that the transaction runner retry it.
	ErrTxnConflict = errors.New("transaction conflict")

	// ErrNotClaimable signals that a queue entry was already claimed,
	// canceled or expired.
	ErrNotClaimable = errors.New("task queue entry is not claimable")

	// ErrWrongBot is returned when a bot reports on a run owned by a
	// different bot.
	ErrWrongBot = errors.New("run is owned by a different bot")

	// ErrUnknownRun is returned for updates against a run that does not
	// exist.
	ErrUnknownRun = errors.New("unknown run")

	// ErrExitCodeChanged is returned when a bot retries an update with a
	// different exit code than the one already recorded.
	ErrExitCodeChanged = errors.New("exit code already set with a different value")

	// ErrDurationChanged is the duration flavor of ErrExitCodeChanged.
	ErrDurationChanged = errors.New("duration already set with a different value")
)

// InvalidRequestError describes a submit-time validation failure. It is a
// permanent, caller-observable failure; nothing was stored.
type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string {
	return "invalid task request: " + e.Reason
}

func invalidf(format string, args ...any) error {
	return &InvalidRequestError{Reason: fmt.Sprintf(format, args...)}
}

// TimeSource provides the current time. Production wiring passes
// libtime.SystemClock(); tests substitute a fake so TTLs and sweeps can
// be driven deterministically.
type TimeSource interface {
	Now() time.Time
}

// TaskState is the shared state of a TaskResultSummary and its current
// TaskRunResult.
type TaskState string

const (
	TaskStatePending    TaskState = "pending"
	TaskStateRunning    TaskState = "running"
	TaskStateCompleted  TaskState = "completed"
	TaskStateTimedOut   TaskState = "timed_out"
	TaskStateKilled     TaskState = "killed"
	TaskStateCanceled   TaskState = "canceled"
	TaskStateExpired    TaskState = "expired"
	TaskStateBotDied    TaskState = "bot_died"
	TaskStateNoResource TaskState = "no_resource"
)

// Terminal reports whether no further state transition can occur, save
// for the asynchronous completion notification.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStatePending, TaskStateRunning:
		return false
	}
	return true
}

// Exceptional reports whether the state denotes an abnormal ending: the
// task never produced a usable result.
func (s TaskState) Exceptional() bool {
	switch s {
	case TaskStateTimedOut, TaskStateKilled, TaskStateCanceled,
		TaskStateExpired, TaskStateBotDied, TaskStateNoResource:
		return true
	}
	return false
}

// RequestID is a 63-bit task request identifier that encodes its creation
// time such that numerically ascending ids are reverse-chronological:
// newer requests sort first.
type RequestID uint64

// NewRequestID builds an id from a timestamp and 16 random bits. The
// millisecond timestamp occupies the high bits (inverted), the random
// bits disambiguate requests created in the same millisecond, and the low
// nibble is a format version.
func NewRequestID(now time.Time, rnd uint16) RequestID {
	v := uint64(now.UnixMilli())<<20 | uint64(rnd)<<4 | idVersion
	return RequestID(uint64(math.MaxInt64) - v)
}

// CreatedAt recovers the creation timestamp encoded in the id.
func (id RequestID) CreatedAt() time.Time {
	v := uint64(math.MaxInt64) - uint64(id)
	return time.UnixMilli(int64(v >> 20)).UTC()
}

// String renders the id as 16 hex digits, the form used in APIs and logs.
func (id RequestID) String() string {
	return fmt.Sprintf("%016x", uint64(id))
}

// ParseRequestID parses the hex form produced by String.
func ParseRequestID(s string) (RequestID, error) {
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed request id %q: %w", s, err)
	}
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("malformed request id %q: high bit set", s)
	}
	return RequestID(v), nil
}

// RunID names one execution attempt: "<request id>-<try number>".
func RunID(id RequestID, tryNumber int) string {
	return id.String() + "-" + strconv.Itoa(tryNumber)
}

// ParseRunID splits a RunID into its request id and try number.
func ParseRunID(s string) (RequestID, int, error) {
	base, try, ok := strings.Cut(s, "-")
	if !ok {
		return 0, 0, fmt.Errorf("malformed run id %q", s)
	}
	id, err := ParseRequestID(base)
	if err != nil {
		return 0, 0, err
	}
	n, err := strconv.Atoi(try)
	if err != nil || n < 1 {
		return 0, 0, fmt.Errorf("malformed run id %q: bad try number", s)
	}
	return id, n, nil
}

// QueueKey packs a priority and a creation timestamp into the ordering
// key of the run queue: the creation time in milliseconds occupies the low
// 48 bits and priority the 8 bits directly above them, so that a smaller
// value is served first (more urgent, then older).
func QueueKey(priority uint8, createdAt time.Time) uint64 {
	return uint64(priority)<<48 | uint64(createdAt.UnixMilli())&0xFFFFFFFFFFFF
}

// TaskSlice is one alternative capability requirement inside a
// TaskRequest, together with the command the matched bot runs.
type TaskSlice struct {
	// Capabilities the executing bot must advertise.
	Capabilities *CapabilitySet

	// Expiration bounds how long the slice's queue entry may wait for a
	// bot before the scheduler falls back to the next slice.
	Expiration time.Duration

	// WaitForCapacity keeps the slice queued even when no live bot
	// matches, on the expectation that one will appear.
	WaitForCapacity bool

	// Idempotent marks the slice safe to dedup and to retry after bot
	// death.
	Idempotent bool

	ExecutionTimeout time.Duration
	IOTimeout        time.Duration
	GracePeriod      time.Duration

	// Command, Env and InputsRef are the deterministic content of the
	// slice; together with Capabilities, ExecutionTimeout and IOTimeout
	// they form the properties hash used for dedup.
	Command   []string
	Env       map[string]string
	InputsRef string
}

// PropertiesHash returns the hex sha256 of the slice's deterministic
// content.
func (s *TaskSlice) PropertiesHash() string {
	payload := struct {
		Command   []string            `json:"command"`
		Env       map[string]string   `json:"env,omitempty"`
		InputsRef string              `json:"inputs_ref,omitempty"`
		Caps      map[string][]string `json:"capabilities"`
		ExecSecs  int64               `json:"execution_timeout_secs"`
		IOSecs    int64               `json:"io_timeout_secs"`
	}{
		Command:   s.Command,
		Env:       s.Env,
		InputsRef: s.InputsRef,
		Caps:      s.Capabilities.Canonical(),
		ExecSecs:  int64(s.ExecutionTimeout.Seconds()),
		IOSecs:    int64(s.IOTimeout.Seconds()),
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("properties hash: %v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Copy returns a deep copy.
func (s *TaskSlice) Copy() *TaskSlice {
	if s == nil {
		return nil
	}
	ns := *s
	ns.Capabilities = s.Capabilities.Copy()
	ns.Command = append([]string(nil), s.Command...)
	if s.Env != nil {
		ns.Env = make(map[string]string, len(s.Env))
		for k, v := range s.Env {
			ns.Env[k] = v
		}
	}
	return &ns
}

// TaskRequest is the immutable descriptor of one submitted task. It is
// created once, never mutated, and retained indefinitely.
type TaskRequest struct {
	ID        RequestID
	Name      string
	User      string
	Tags      []string
	Priority  uint8
	CreatedAt time.Time

	// ExpiresAt is the overall deadline: creation time plus the sum of
	// every slice expiration.
	ExpiresAt time.Time

	// Slices lists the capability alternatives in preferred order.
	Slices []*TaskSlice

	// ParentRunID links a task spawned by a running task to its parent
	// run, or "".
	ParentRunID string

	// TerminationForBot marks the synthetic highest-priority request that
	// asks a single bot to self-exit.
	TerminationForBot string

	// PubSubTopic, if set, receives a completion notification.
	PubSubTopic     string
	PubSubAuthToken string
	PubSubUserdata  string

	HasSecret bool
}

// Slice returns the i-th slice; it panics on a bad index, which would be
// a validation bug.
func (r *TaskRequest) Slice(i int) *TaskSlice {
	return r.Slices[i]
}

// Validate checks the request at submit time.
func (r *TaskRequest) Validate() error {
	if r.Name == "" {
		return invalidf("missing name")
	}
	if len(r.Slices) == 0 {
		return invalidf("at least one task slice is required")
	}
	for i, s := range r.Slices {
		if s.Capabilities.Empty() {
			return invalidf("slice %d: empty capability set", i)
		}
		if s.Expiration <= 0 {
			return invalidf("slice %d: expiration must be positive", i)
		}
		if len(s.Command) == 0 && r.TerminationForBot == "" {
			return invalidf("slice %d: missing command", i)
		}
		if s.ExecutionTimeout < 0 || s.IOTimeout < 0 || s.GracePeriod < 0 {
			return invalidf("slice %d: negative timeout", i)
		}
	}
	return nil
}

// Copy returns a deep copy.
func (r *TaskRequest) Copy() *TaskRequest {
	if r == nil {
		return nil
	}
	nr := *r
	nr.Tags = append([]string(nil), r.Tags...)
	nr.Slices = make([]*TaskSlice, len(r.Slices))
	for i, s := range r.Slices {
		nr.Slices[i] = s.Copy()
	}
	return &nr
}

// terminationExpiration bounds how long a synthetic termination task may
// wait for its bot before the requester gives up on this round.
const terminationExpiration = time.Hour

// NewTerminationRequest builds the synthetic highest-priority request
// that asks a single bot to self-exit. It waits for capacity so a
// momentarily disconnected bot still receives it.
func NewTerminationRequest(botID string) *TaskRequest {
	return &TaskRequest{
		Name:              "terminate " + botID,
		Priority:          0,
		TerminationForBot: botID,
		Tags:              []string{"drover:termination"},
		Slices: []*TaskSlice{{
			Capabilities:    NewCapabilitySet(map[string][]string{"id": {botID}}),
			Expiration:      terminationExpiration,
			WaitForCapacity: true,
		}},
	}
}

// SecretBytes is the optional secret input blob attached to a request and
// delivered to the bot on reap. It is stored aside so result reads never
// touch it.
type SecretBytes struct {
	RequestID RequestID
	Value     []byte
}

// Copy returns a deep copy.
func (s *SecretBytes) Copy() *SecretBytes {
	if s == nil {
		return nil
	}
	return &SecretBytes{RequestID: s.RequestID, Value: append([]byte(nil), s.Value...)}
}

// TaskToRun is one live run-queue entry: the invitation for a bot to run
// one (request, try, slice) triple. A nil QueueKey means the entry is no
// longer claimable; clearing it is the atomic claim/cancel operation.
type TaskToRun struct {
	RequestID  RequestID
	TryNumber  int
	SliceIndex int
	QueueKey   *uint64
	CreatedAt  time.Time
}

// NewTaskToRun enqueues a claimable entry for the given slice of req.
func NewTaskToRun(req *TaskRequest, tryNumber, sliceIndex int, now time.Time) *TaskToRun {
	qk := QueueKey(req.Priority, req.CreatedAt)
	return &TaskToRun{
		RequestID:  req.ID,
		TryNumber:  tryNumber,
		SliceIndex: sliceIndex,
		QueueKey:   &qk,
		CreatedAt:  now,
	}
}

// Claimable reports whether the entry can still be handed to a bot.
func (t *TaskToRun) Claimable() bool {
	return t != nil && t.QueueKey != nil
}

// ExpiresAt is the moment the entry falls to the expiration sweep.
func (t *TaskToRun) ExpiresAt(req *TaskRequest) time.Time {
	return t.CreatedAt.Add(req.Slice(t.SliceIndex).Expiration)
}

// Copy returns a deep copy.
func (t *TaskToRun) Copy() *TaskToRun {
	if t == nil {
		return nil
	}
	nt := *t
	if t.QueueKey != nil {
		qk := *t.QueueKey
		nt.QueueKey = &qk
	}
	return &nt
}

// TaskRunResult records a single bot-on-task execution attempt. One
// exists iff a bot has been handed the task.
type TaskRunResult struct {
	RequestID  RequestID
	TryNumber  int
	BotID      string
	BotVersion string

	// BotCapabilities snapshots the bot's advertised capability set at
	// claim time.
	BotCapabilities *CapabilitySet

	State        TaskState
	CurrentSlice int

	StartedAt   time.Time
	ModifiedAt  time.Time
	CompletedAt time.Time
	AbandonedAt time.Time

	ExitCode *int64
	Duration *time.Duration

	// Killing is set by a cancel request; the KILLED transition happens
	// only once the bot acknowledges with a duration.
	Killing bool

	// InternalFailure marks failures caused by infrastructure rather
	// than the task's command.
	InternalFailure bool

	CostUSD      float64
	OutputChunks int
	OutputsRef   string

	// OutputDropped records that the output cap was hit; used to warn
	// once per run.
	OutputDropped bool

	// ChildrenTaskIDs lists tasks submitted by this run.
	ChildrenTaskIDs []string
}

// NewRunResult creates the RUNNING record for a freshly claimed entry.
func NewRunResult(req *TaskRequest, toRun *TaskToRun, botID, botVersion string, caps *CapabilitySet, now time.Time) *TaskRunResult {
	return &TaskRunResult{
		RequestID:       req.ID,
		TryNumber:       toRun.TryNumber,
		BotID:           botID,
		BotVersion:      botVersion,
		BotCapabilities: caps.Copy(),
		State:           TaskStateRunning,
		CurrentSlice:    toRun.SliceIndex,
		StartedAt:       now,
		ModifiedAt:      now,
	}
}

// RunID returns the attempt's id string.
func (r *TaskRunResult) RunID() string {
	return RunID(r.RequestID, r.TryNumber)
}

// Failure reports whether the attempt ended with a task-level failure.
func (r *TaskRunResult) Failure() bool {
	return r.ExitCode != nil && *r.ExitCode != 0
}

// Copy returns a deep copy.
func (r *TaskRunResult) Copy() *TaskRunResult {
	if r == nil {
		return nil
	}
	nr := *r
	nr.BotCapabilities = r.BotCapabilities.Copy()
	nr.ChildrenTaskIDs = append([]string(nil), r.ChildrenTaskIDs...)
	nr.ExitCode = pointer.Copy(r.ExitCode)
	nr.Duration = pointer.Copy(r.Duration)
	return &nr
}

// TaskResultSummary is the canonical mutable record of a request's
// outcome, created atomically with the request.
type TaskResultSummary struct {
	RequestID RequestID
	Name      string
	User      string
	Tags      []string
	CreatedAt time.Time

	State TaskState

	// TryNumber is 1-based; 0 is reserved for deduped requests that
	// never ran.
	TryNumber    int
	CurrentSlice int

	BotID      string
	BotVersion string

	StartedAt   time.Time
	ModifiedAt  time.Time
	CompletedAt time.Time
	AbandonedAt time.Time

	ExitCode *int64
	Duration *time.Duration

	InternalFailure bool

	// CostsUSD holds the per-try cost counters; index try-1.
	CostsUSD []float64

	// CostSavedUSD is set on deduped requests to the cost of the reused
	// result.
	CostSavedUSD float64

	// DedupedFrom names the run whose successful result substitutes for
	// this request, or "".
	DedupedFrom string

	// PropertiesHash (hex) is published only when the result is valid
	// for reuse: completed, not failed, idempotent and not itself
	// deduped.
	PropertiesHash string

	OutputChunks int
	OutputsRef   string

	// ChildrenTaskIDs lists tasks submitted by this request's runs.
	ChildrenTaskIDs []string
}

// NewResultSummary creates the PENDING summary for a fresh request.
func NewResultSummary(req *TaskRequest, now time.Time) *TaskResultSummary {
	return &TaskResultSummary{
		RequestID:  req.ID,
		Name:       req.Name,
		User:       req.User,
		Tags:       append([]string(nil), req.Tags...),
		CreatedAt:  req.CreatedAt,
		State:      TaskStatePending,
		ModifiedAt: now,
	}
}

// TaskID returns the request id string clients use to address the task.
func (s *TaskResultSummary) TaskID() string {
	return s.RequestID.String()
}

// RunID returns the id of the attempt backing this summary: the deduped
// source run for try 0, the current try otherwise, or "".
func (s *TaskResultSummary) RunID() string {
	if s.DedupedFrom != "" {
		return s.DedupedFrom
	}
	if s.TryNumber == 0 {
		return ""
	}
	return RunID(s.RequestID, s.TryNumber)
}

// CanBeCanceled reports whether a cancel call can still affect the task.
func (s *TaskResultSummary) CanBeCanceled() bool {
	return !s.State.Terminal()
}

// Failure reports a task-level failure on the recorded result.
func (s *TaskResultSummary) Failure() bool {
	return s.ExitCode != nil && *s.ExitCode != 0
}

// CostUSD returns the summed cost over every try.
func (s *TaskResultSummary) CostUSD() float64 {
	var total float64
	for _, c := range s.CostsUSD {
		total += c
	}
	return total
}

// SetFromRunResult copies the relevant attempt fields onto the summary
// and publishes the properties hash when the result became reusable.
func (s *TaskResultSummary) SetFromRunResult(run *TaskRunResult, req *TaskRequest) {
	s.State = run.State
	s.TryNumber = run.TryNumber
	s.CurrentSlice = run.CurrentSlice
	s.BotID = run.BotID
	s.BotVersion = run.BotVersion
	s.StartedAt = run.StartedAt
	s.ModifiedAt = run.ModifiedAt
	s.CompletedAt = run.CompletedAt
	s.AbandonedAt = run.AbandonedAt
	s.InternalFailure = run.InternalFailure
	s.OutputChunks = run.OutputChunks
	s.OutputsRef = run.OutputsRef
	s.ExitCode = pointer.Copy(run.ExitCode)
	s.Duration = pointer.Copy(run.Duration)
	for len(s.CostsUSD) < run.TryNumber {
		s.CostsUSD = append(s.CostsUSD, 0)
	}
	s.CostsUSD[run.TryNumber-1] = run.CostUSD

	slice := req.Slice(run.CurrentSlice)
	if s.State == TaskStateCompleted && !s.Failure() && !s.InternalFailure &&
		slice.Idempotent && s.DedupedFrom == "" {
		s.PropertiesHash = slice.PropertiesHash()
	} else {
		s.PropertiesHash = ""
	}
}

// ResetToPending clears the attempt-derived fields ahead of an automatic
// retry.
func (s *TaskResultSummary) ResetToPending(now time.Time) {
	s.State = TaskStatePending
	s.ExitCode = nil
	s.Duration = nil
	s.InternalFailure = false
	s.StartedAt = time.Time{}
	s.CompletedAt = time.Time{}
	s.AbandonedAt = time.Time{}
	s.OutputChunks = 0
	s.OutputsRef = ""
	s.PropertiesHash = ""
	s.ModifiedAt = now
}

// Copy returns a deep copy.
func (s *TaskResultSummary) Copy() *TaskResultSummary {
	if s == nil {
		return nil
	}
	ns := *s
	ns.Tags = append([]string(nil), s.Tags...)
	ns.CostsUSD = append([]float64(nil), s.CostsUSD...)
	ns.ChildrenTaskIDs = append([]string(nil), s.ChildrenTaskIDs...)
	ns.ExitCode = pointer.Copy(s.ExitCode)
	ns.Duration = pointer.Copy(s.Duration)
	return &ns
}

// Bot is the per-bot persistent record.
type Bot struct {
	ID           string
	Version      string
	Capabilities *CapabilitySet

	FirstSeenAt time.Time
	LastSeenAt  time.Time

	// RunID is the bot's current attempt, "" when idle.
	RunID string

	// TerminationTaskID is set while a termination request targets this
	// bot; on its completion the bot self-exits.
	TerminationTaskID string

	// Lease linkage, set only for bots provisioned by the lease manager.
	MachineLeaseID     string
	LeaseExpiresAt     time.Time
	LeasedIndefinitely bool
}

// Idle reports whether the bot has no attempt in flight.
func (b *Bot) Idle() bool {
	return b.RunID == ""
}

// Copy returns a deep copy.
func (b *Bot) Copy() *Bot {
	if b == nil {
		return nil
	}
	nb := *b
	nb.Capabilities = b.Capabilities.Copy()
	return &nb
}

// TaskOutputChunk is one fixed-size piece of a run's output stream. Gaps
// holds (start, end) pairs of byte ranges inside Data that were
// zero-filled rather than written.
type TaskOutputChunk struct {
	RequestID RequestID
	TryNumber int
	Chunk     int

	Data []byte
	Gaps []int64
}

// Copy returns a deep copy.
func (c *TaskOutputChunk) Copy() *TaskOutputChunk {
	if c == nil {
		return nil
	}
	return &TaskOutputChunk{
		RequestID: c.RequestID,
		TryNumber: c.TryNumber,
		Chunk:     c.Chunk,
		Data:      append([]byte(nil), c.Data...),
		Gaps:      append([]int64(nil), c.Gaps...),
	}
}
