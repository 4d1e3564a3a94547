// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package lease maintains a target population of ephemeral worker
// machines obtained from an external provider. The control loop runs
// independently of the task path: each tick performs at most one
// state-advancing operation per machine lease, and progress comes from
// the tick frequency rather than any internal retry.
package lease

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	multierror "github.com/hashicorp/go-multierror"
	uuid "github.com/hashicorp/go-uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/hashicorp/drover/drover/state"
	"github.com/hashicorp/drover/drover/structs"
)

// txnRetries matches the scheduler's default for non-claim transactions.
const txnRetries = 4

// TaskService is the slice of the scheduler the lease manager needs: it
// schedules termination tasks and watches them complete.
type TaskService interface {
	SubmitTask(req *structs.TaskRequest, secret []byte) (*structs.TaskResultSummary, error)
	GetTaskResult(taskID string) (*structs.TaskResultSummary, error)
}

// Config tunes the lease manager.
type Config struct {
	// ServerURL is handed to leased machines so they know where to
	// connect.
	ServerURL string

	// ScaleUpFactor and DampenFraction parameterize load-based scaling:
	// target = ceil(busy * ScaleUpFactor), never dropping below
	// DampenFraction of the previous target in one tick.
	ScaleUpFactor  float64
	DampenFraction float64

	// ConnectionTolerance is how long a leased machine may take between
	// the connection instruction and its bot's first poll before the
	// lease is abandoned.
	ConnectionTolerance time.Duration

	// ConnectedCacheTTL bounds the advisory bot-connected cache.
	ConnectedCacheTTL  time.Duration
	ConnectedCacheSize int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		ScaleUpFactor:       1.5,
		DampenFraction:      0.99,
		ConnectionTolerance: 10 * time.Minute,
		ConnectedCacheTTL:   time.Minute,
		ConnectedCacheSize:  4096,
	}
}

// Manager runs the lease control loop.
type Manager struct {
	logger   hclog.Logger
	config   *Config
	store    *state.StateStore
	clock    structs.TimeSource
	provider MachineProvider
	tasks    TaskService

	// connected is the advisory lease-side cache: a hit skips the bot
	// record scan while checking for a machine's first connection.
	connected *expirable.LRU[string, struct{}]

	// targets remembers the last resolved target size per machine type
	// to dampen load-based scale downs.
	targets map[string]int
}

// NewManager builds a Manager on the shared state store.
func NewManager(logger hclog.Logger, config *Config, store *state.StateStore, clock structs.TimeSource, provider MachineProvider, tasks TaskService) *Manager {
	if config == nil {
		config = DefaultConfig()
	}
	return &Manager{
		logger:   logger.Named("lease"),
		config:   config,
		store:    store,
		clock:    clock,
		provider: provider,
		tasks:    tasks,
		connected: expirable.NewLRU[string, struct{}](
			config.ConnectedCacheSize, nil, config.ConnectedCacheTTL),
		targets: make(map[string]int),
	}
}

// SetMachineTypes replaces the stored machine types with the configured
// set, draining the leases of types that disappeared.
func (m *Manager) SetMachineTypes(types []*structs.MachineType) error {
	for _, mt := range types {
		if err := mt.Validate(); err != nil {
			return err
		}
	}
	return m.store.WithWriteTxn(txnRetries, func(txn *state.Txn) error {
		keep := make(map[string]bool, len(types))
		for _, mt := range types {
			keep[mt.Name] = true
			if err := txn.UpsertMachineType(mt); err != nil {
				return err
			}
		}
		existing, err := txn.MachineTypes()
		if err != nil {
			return err
		}
		for _, mt := range existing {
			if keep[mt.Name] {
				continue
			}
			leases, err := txn.MachineLeasesByType(mt.Name)
			if err != nil {
				return err
			}
			for _, l := range leases {
				l.Drained = true
				if err := txn.UpsertMachineLease(l); err != nil {
					return err
				}
			}
			if err := txn.DeleteMachineType(mt.Name); err != nil {
				return err
			}
		}
		return nil
	})
}

// Tick runs one control-loop pass over every machine type: resolve the
// target size, make slot entities match it, then advance each lease by at
// most one step. Returns the number of state-advancing operations.
func (m *Manager) Tick() (int, error) {
	defer metrics.MeasureSince([]string{"drover", "lease", "tick"}, time.Now())

	txn := m.store.ReadTxn()
	types, err := txn.MachineTypes()
	txn.Abort()
	if err != nil {
		return 0, err
	}

	var advanced int
	var mErr *multierror.Error
	for _, mt := range types {
		n, err := m.tickMachineType(mt)
		advanced += n
		if err != nil {
			mErr = multierror.Append(mErr, err)
		}
	}
	return advanced, mErr.ErrorOrNil()
}

func (m *Manager) tickMachineType(mt *structs.MachineType) (int, error) {
	now := m.clock.Now()

	rtxn := m.store.ReadTxn()
	util, err := rtxn.UtilizationByType(mt.Name)
	rtxn.Abort()
	if err != nil {
		return 0, err
	}

	current, ok := m.targets[mt.Name]
	if !ok {
		current = mt.TargetSize
	}
	target := TargetSize(mt, util, current, now, m.config.ScaleUpFactor, m.config.DampenFraction)
	if !mt.Enabled {
		target = 0
	}
	if target != current {
		m.logger.Info("machine type target changed",
			"machine_type", mt.Name, "previous", current, "target", target)
	}
	m.targets[mt.Name] = target
	metrics.SetGaugeWithLabels([]string{"drover", "lease", "target_size"}, float32(target),
		[]metrics.Label{{Name: "machine_type", Value: mt.Name}})

	var advanced int
	// Slots the ensure pass creates or flips are done for this tick:
	// each lease advances at most one step per invocation.
	touched := make(map[string]bool)
	err = m.store.WithWriteTxn(txnRetries, func(txn *state.Txn) error {
		advanced = 0
		clear(touched)
		// Ensure one slot entity per index below the target; everything
		// above it (or everything, when disabled) drains.
		for i := 0; i < target; i++ {
			id := structs.MachineLeaseID(mt.Name, i)
			l, err := txn.MachineLeaseByID(id)
			if err != nil {
				return err
			}
			if l == nil {
				l = &structs.MachineLease{
					ID:            id,
					MachineType:   mt.Name,
					Index:         i,
					Capabilities:  mt.Capabilities.Copy(),
					LeaseDuration: mt.LeaseDuration,
					EarlyRelease:  mt.EarlyRelease,
				}
				advanced++
				touched[id] = true
				if err := txn.UpsertMachineLease(l); err != nil {
					return err
				}
				continue
			}
			changed := false
			if l.Drained {
				l.Drained = false
				changed = true
			}
			// Template changes only apply to slots with no machine
			// attached; live leases keep the terms they were issued
			// under.
			if !l.Leased() && l.ClientRequestID == "" {
				if !l.Capabilities.Equal(mt.Capabilities) {
					l.Capabilities = mt.Capabilities.Copy()
					changed = true
				}
				if l.LeaseDuration != mt.LeaseDuration || l.EarlyRelease != mt.EarlyRelease {
					l.LeaseDuration = mt.LeaseDuration
					l.EarlyRelease = mt.EarlyRelease
					changed = true
				}
			}
			if changed {
				touched[id] = true
				if err := txn.UpsertMachineLease(l); err != nil {
					return err
				}
			}
		}
		leases, err := txn.MachineLeasesByType(mt.Name)
		if err != nil {
			return err
		}
		for _, l := range leases {
			if l.Index >= target && !l.Drained {
				l.Drained = true
				touched[l.ID] = true
				if err := txn.UpsertMachineLease(l); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return advanced, err
	}

	rtxn = m.store.ReadTxn()
	leases, err := rtxn.MachineLeasesByType(mt.Name)
	rtxn.Abort()
	if err != nil {
		return advanced, err
	}
	var mErr *multierror.Error
	for _, l := range leases {
		if touched[l.ID] {
			continue
		}
		stepped, err := m.manageLease(mt, l)
		if err != nil {
			mErr = multierror.Append(mErr, fmt.Errorf("lease %s: %w", l.ID, err))
		}
		if stepped {
			advanced++
		}
	}
	return advanced, mErr.ErrorOrNil()
}

// manageLease advances one lease by at most one step.
func (m *Manager) manageLease(mt *structs.MachineType, l *structs.MachineLease) (bool, error) {
	if l.Leased() {
		return m.manageLeasedMachine(l)
	}
	if l.ClientRequestID != "" {
		return m.managePendingRequest(mt, l)
	}
	if !l.Drained {
		return true, m.issueRequestID(mt, l)
	}
	// Drained with nothing in flight: the slot goes away.
	m.logger.Debug("deleting drained lease slot", "lease", l.ID)
	return true, m.store.WithWriteTxn(txnRetries, func(txn *state.Txn) error {
		return txn.DeleteMachineLease(l.ID)
	})
}

// issueRequestID starts a fresh lease request for an empty slot.
func (m *Manager) issueRequestID(mt *structs.MachineType, l *structs.MachineLease) error {
	entropy, err := uuid.GenerateUUID()
	if err != nil {
		return err
	}
	requestID := fmt.Sprintf("%s-%d-%s", l.ID, l.RequestCount, entropy[:8])
	m.logger.Info("issuing lease request", "lease", l.ID, "request_id", requestID)
	return m.updateLease(l.ID, func(cur *structs.MachineLease) {
		cur.ClientRequestID = requestID
		cur.RequestCount++
		cur.Capabilities = mt.Capabilities.Copy()
		cur.LeaseDuration = mt.LeaseDuration
		cur.EarlyRelease = mt.EarlyRelease
	})
}

// managePendingRequest polls the provider about an in-flight request.
// Lease calls are idempotent under the same request id, so re-sending is
// also how we poll.
func (m *Manager) managePendingRequest(mt *structs.MachineType, l *structs.MachineLease) (bool, error) {
	resp, err := m.provider.LeaseMachine(&LeaseRequest{
		RequestID:    l.ClientRequestID,
		Capabilities: l.Capabilities,
		Duration:     l.LeaseDuration,
		Indefinite:   mt.LeaseIndefinitely,
	})
	if err != nil {
		// Transport failure; next tick retries.
		m.logger.Warn("lease request failed", "lease", l.ID, "error", err)
		return false, nil
	}
	if resp.ErrorCode != "" {
		if TransientErrorCode(resp.ErrorCode) {
			m.logger.Warn("transient lease request failure",
				"lease", l.ID, "request_id", l.ClientRequestID, "error", resp.ErrorCode)
			return false, nil
		}
		// Permanent: clear the request id so the next attempt uses a
		// fresh one.
		m.logger.Error("lease request failed permanently",
			"lease", l.ID, "request_id", l.ClientRequestID, "error", resp.ErrorCode)
		return true, m.updateLease(l.ID, func(cur *structs.MachineLease) {
			cur.ClientRequestID = ""
		})
	}

	switch resp.State {
	case LeaseStateFulfilled:
		if resp.Hostname == "" {
			// Fulfilled but already expired; extremely short leases can
			// do this.
			m.logger.Error("lease fulfilled without a hostname",
				"lease", l.ID, "request_id", l.ClientRequestID)
			return true, m.updateLease(l.ID, func(cur *structs.MachineLease) {
				cur.ClientRequestID = ""
			})
		}
		m.logger.Info("lease fulfilled", "lease", l.ID,
			"hostname", resp.Hostname, "expires", resp.LeaseExpiration)
		metrics.IncrCounter([]string{"drover", "lease", "fulfilled"}, 1)
		return true, m.updateLease(l.ID, func(cur *structs.MachineLease) {
			cur.Hostname = resp.Hostname
			cur.LeaseID = resp.LeaseID
			cur.LeaseExpiresAt = resp.LeaseExpiration
			cur.LeasedIndefinitely = resp.LeasedIndefinitely
		})
	case LeaseStateDenied:
		m.logger.Warn("lease request denied", "lease", l.ID, "request_id", l.ClientRequestID)
		return true, m.updateLease(l.ID, func(cur *structs.MachineLease) {
			cur.ClientRequestID = ""
		})
	default:
		// Still pending.
		return false, nil
	}
}

// manageLeasedMachine walks a fulfilled lease through bot creation,
// connection instruction, connection tracking, expiration, termination
// and early release, one step per tick.
func (m *Manager) manageLeasedMachine(l *structs.MachineLease) (bool, error) {
	now := m.clock.Now()

	// A newly leased machine first gets a bot record.
	if l.BotID == "" {
		return true, m.registerBot(l)
	}

	// Then the instruction to connect to this server.
	if l.InstructionAt.IsZero() {
		return m.sendConnectionInstruction(l)
	}

	// Then we watch for its first poll.
	if l.ConnectedAt.IsZero() {
		return m.checkForConnection(l)
	}

	// Expired out from under us: the provider already reclaimed it.
	if !l.LeasedIndefinitely && !now.Before(l.LeaseExpiresAt) {
		m.logger.Info("lease expired", "lease", l.ID, "hostname", l.Hostname)
		return true, m.releaseLease(l)
	}

	// A termination is in flight: wait for it, then release.
	if l.TerminationTaskID != "" {
		return m.handleTerminationTask(l)
	}

	// Drained leases and leases inside their early-release window get a
	// termination task. Indefinite leases only ever release when drained.
	if l.Drained ||
		(!l.LeasedIndefinitely && l.EarlyRelease > 0 &&
			!now.Before(l.LeaseExpiresAt.Add(-l.EarlyRelease))) {
		return true, m.scheduleTermination(l)
	}

	return false, nil
}

func (m *Manager) registerBot(l *structs.MachineLease) error {
	now := m.clock.Now()
	return m.store.WithWriteTxn(txnRetries, func(txn *state.Txn) error {
		bot, err := txn.BotByID(l.Hostname)
		if err != nil {
			return err
		}
		if bot == nil {
			caps := l.Capabilities.Canonical()
			if caps == nil {
				caps = map[string][]string{}
			}
			caps["id"] = []string{l.Hostname}
			bot = &structs.Bot{
				ID:           l.Hostname,
				Capabilities: structs.NewCapabilitySet(caps),
				FirstSeenAt:  now,
			}
		}
		bot.MachineLeaseID = l.ID
		bot.LeaseExpiresAt = l.LeaseExpiresAt
		bot.LeasedIndefinitely = l.LeasedIndefinitely
		if err := txn.UpsertBot(bot); err != nil {
			return err
		}
		cur, err := txn.MachineLeaseByID(l.ID)
		if err != nil || cur == nil {
			return err
		}
		cur.BotID = l.Hostname
		return txn.UpsertMachineLease(cur)
	})
}

func (m *Manager) sendConnectionInstruction(l *structs.MachineLease) (bool, error) {
	code, err := m.provider.InstructMachine(l.ClientRequestID, m.config.ServerURL)
	if err != nil {
		m.logger.Warn("connection instruction failed", "lease", l.ID, "error", err)
		return false, nil
	}
	switch {
	case code == "":
		m.logger.Info("connection instruction sent", "lease", l.ID, "hostname", l.Hostname)
		now := m.clock.Now()
		return true, m.updateLease(l.ID, func(cur *structs.MachineLease) {
			cur.InstructionAt = now
		})
	case code == ErrCodeAlreadyReclaimed:
		// The lease expired before the machine ever connected.
		m.logger.Error("lease reclaimed before machine connected",
			"lease", l.ID, "hostname", l.Hostname)
		return true, m.releaseLease(l)
	default:
		m.logger.Warn("connection instruction error", "lease", l.ID, "error", code)
		return false, nil
	}
}

func (m *Manager) checkForConnection(l *structs.MachineLease) (bool, error) {
	now := m.clock.Now()

	connected := m.connected.Contains(l.BotID)
	var lastSeen time.Time
	if !connected {
		rtxn := m.store.ReadTxn()
		bot, err := rtxn.BotByID(l.BotID)
		rtxn.Abort()
		if err != nil {
			return false, err
		}
		// Only polls after the instruction count; hostname reuse could
		// otherwise surface a stale record.
		if bot != nil && bot.LastSeenAt.After(l.InstructionAt) {
			connected = true
			lastSeen = bot.LastSeenAt
			m.connected.Add(l.BotID, struct{}{})
		}
	}
	if connected {
		if lastSeen.IsZero() {
			lastSeen = now
		}
		m.logger.Info("leased machine connected", "lease", l.ID, "hostname", l.Hostname)
		metrics.MeasureSince([]string{"drover", "lease", "connection_time"}, l.InstructionAt)
		return true, m.updateLease(l.ID, func(cur *structs.MachineLease) {
			cur.ConnectedAt = lastSeen
		})
	}

	if now.Sub(l.InstructionAt) > m.config.ConnectionTolerance {
		// The machine never showed up. It might still connect after we
		// release, so a termination task makes it shut itself down.
		m.logger.Warn("machine failed to connect in time",
			"lease", l.ID, "hostname", l.Hostname)
		if _, err := m.tasks.SubmitTask(structs.NewTerminationRequest(l.BotID), nil); err != nil {
			return false, err
		}
		return true, m.releaseLease(l)
	}
	return false, nil
}

func (m *Manager) scheduleTermination(l *structs.MachineLease) error {
	summary, err := m.tasks.SubmitTask(structs.NewTerminationRequest(l.BotID), nil)
	if err != nil {
		return err
	}
	m.logger.Info("scheduled termination task",
		"lease", l.ID, "hostname", l.Hostname, "task_id", summary.TaskID())
	return m.updateLease(l.ID, func(cur *structs.MachineLease) {
		cur.TerminationTaskID = summary.TaskID()
	})
}

func (m *Manager) handleTerminationTask(l *structs.MachineLease) (bool, error) {
	summary, err := m.tasks.GetTaskResult(l.TerminationTaskID)
	if err != nil {
		// The task is gone; schedule a new one next tick.
		return true, m.updateLease(l.ID, func(cur *structs.MachineLease) {
			cur.TerminationTaskID = ""
		})
	}
	switch {
	case summary.State == structs.TaskStateCompleted:
		m.logger.Info("termination complete, releasing lease",
			"lease", l.ID, "hostname", l.Hostname)
		return true, m.releaseLease(l)
	case summary.State.Exceptional():
		m.logger.Warn("termination task failed",
			"lease", l.ID, "task_id", l.TerminationTaskID, "state", summary.State)
		return true, m.updateLease(l.ID, func(cur *structs.MachineLease) {
			cur.TerminationTaskID = ""
		})
	default:
		return false, nil
	}
}

// releaseLease gives the machine back to the provider, deletes the bot
// record and clears the slot. A drained slot is deleted outright.
func (m *Manager) releaseLease(l *structs.MachineLease) error {
	code, err := m.provider.ReleaseMachine(l.ClientRequestID)
	if err != nil {
		m.logger.Warn("release failed", "lease", l.ID, "error", err)
		return nil
	}
	if code != "" && !GoneErrorCode(code) {
		m.logger.Error("release failed", "lease", l.ID, "request_id", l.ClientRequestID, "error", code)
		return nil
	}
	m.logger.Info("lease released", "lease", l.ID, "hostname", l.Hostname)
	metrics.IncrCounter([]string{"drover", "lease", "released"}, 1)

	return m.store.WithWriteTxn(txnRetries, func(txn *state.Txn) error {
		if l.BotID != "" {
			if err := txn.DeleteBot(l.BotID); err != nil {
				return err
			}
			m.connected.Remove(l.BotID)
		}
		cur, err := txn.MachineLeaseByID(l.ID)
		if err != nil || cur == nil {
			return err
		}
		if cur.Drained {
			return txn.DeleteMachineLease(cur.ID)
		}
		cur.ClientRequestID = ""
		cur.Hostname = ""
		cur.BotID = ""
		cur.LeaseID = ""
		cur.LeaseExpiresAt = time.Time{}
		cur.LeasedIndefinitely = false
		cur.InstructionAt = time.Time{}
		cur.ConnectedAt = time.Time{}
		cur.TerminationTaskID = ""
		return txn.UpsertMachineLease(cur)
	})
}

// updateLease applies fn to the current copy of a lease.
func (m *Manager) updateLease(id string, fn func(*structs.MachineLease)) error {
	return m.store.WithWriteTxn(txnRetries, func(txn *state.Txn) error {
		cur, err := txn.MachineLeaseByID(id)
		if err != nil || cur == nil {
			return err
		}
		fn(cur)
		return txn.UpsertMachineLease(cur)
	})
}

// ComputeUtilization refreshes the busy/idle counts per machine type from
// the bot records. Run on its own cadence, in parallel with Tick.
func (m *Manager) ComputeUtilization() (int, error) {
	defer metrics.MeasureSince([]string{"drover", "lease", "compute_utilization"}, time.Now())

	now := m.clock.Now()
	type counts struct{ busy, idle int }
	perType := make(map[string]*counts)

	txn := m.store.ReadTxn()
	bots, err := txn.Bots()
	if err != nil {
		txn.Abort()
		return 0, err
	}
	for _, bot := range bots {
		if bot.MachineLeaseID == "" {
			continue
		}
		l, err := txn.MachineLeaseByID(bot.MachineLeaseID)
		if err != nil {
			txn.Abort()
			return 0, err
		}
		if l == nil {
			continue
		}
		c := perType[l.MachineType]
		if c == nil {
			c = &counts{}
			perType[l.MachineType] = c
		}
		if bot.Idle() {
			c.idle++
		} else {
			c.busy++
		}
	}
	types, err := txn.MachineTypes()
	txn.Abort()
	if err != nil {
		return 0, err
	}

	err = m.store.WithWriteTxn(txnRetries, func(wtxn *state.Txn) error {
		for _, mt := range types {
			c := perType[mt.Name]
			if c == nil {
				c = &counts{}
			}
			u := &structs.MachineUtilization{
				MachineType: mt.Name,
				Busy:        c.busy,
				Idle:        c.idle,
				UpdatedAt:   now,
			}
			if err := wtxn.UpsertUtilization(u); err != nil {
				return err
			}
			metrics.SetGaugeWithLabels([]string{"drover", "lease", "busy"}, float32(c.busy),
				[]metrics.Label{{Name: "machine_type", Value: mt.Name}})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(types), nil
}
