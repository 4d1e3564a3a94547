// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package drover implements the task scheduler core: submit with
// idempotent dedup, the bot dispatch protocol, the lifecycle sweeps and
// completion notifications. The lease manager lives in the lease
// subpackage; the agent wires both to the outside world.
package drover

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
	"oss.indeed.com/go/libtime"

	"github.com/hashicorp/drover/drover/state"
	"github.com/hashicorp/drover/drover/structs"
)

// Notifier is the pub/sub completion sink. Publish must be at-least-once;
// the scheduler tolerates duplicate delivery.
type Notifier interface {
	Publish(topic string, message []byte, attributes map[string]string) error
}

// DeferredQueue decouples side effects from the transactions that
// produce them. Payload handling routes back through
// Server.HandleDeferred.
type DeferredQueue interface {
	Enqueue(path string, payload []byte) error
}

// Config tunes the scheduler core. The retry knobs exist because the
// right counts are operational, not principled: claims do not retry (a
// lost race means another bot took the task) while sweeps retry a few
// times before deferring to their next tick.
type Config struct {
	// ClaimRetries is how many times the claim transaction retries on
	// conflict.
	ClaimRetries int

	// TxnRetries is the retry count for every other write transaction.
	TxnRetries int

	// BotPingTolerance is how long a RUNNING task may go without a bot
	// update before the dead-bot sweep acts on it.
	BotPingTolerance time.Duration

	// NegativeCacheTTL bounds how long a claimed entry keeps being
	// skipped by other pollers on cache evidence alone.
	NegativeCacheTTL  time.Duration
	NegativeCacheSize int

	// DedupWindow is the maximum age of a prior result reused by
	// idempotent dedup.
	DedupWindow time.Duration

	// OutputLimit caps stored output per run, up to state.MaxOutputLimit.
	OutputLimit int64

	// MaxInlineExpirations caps how many expired entries one poll will
	// process before giving up, so an expiration backlog cannot starve a
	// bot's poll.
	MaxInlineExpirations int

	// InlineExpirationsPerSec rate-limits inline expiration work across
	// all polls.
	InlineExpirationsPerSec float64

	// BotVersion, when set, makes polls from other versions receive an
	// update directive instead of work.
	BotVersion string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		ClaimRetries:            0,
		TxnRetries:              4,
		BotPingTolerance:        6 * time.Minute,
		NegativeCacheTTL:        15 * time.Second,
		NegativeCacheSize:       8192,
		DedupWindow:             7 * 24 * time.Hour,
		OutputLimit:             state.DefaultOutputLimit,
		MaxInlineExpirations:    5,
		InlineExpirationsPerSec: 100,
	}
}

// Server is the scheduler core. It holds no cross-request state beyond
// the advisory negative-lookup cache; all coordination goes through the
// state store's transactions.
type Server struct {
	logger   hclog.Logger
	config   *Config
	store    *state.StateStore
	clock    structs.TimeSource
	notifier Notifier
	deferred DeferredQueue

	// notClaimable marks queue entries recently claimed or expired so
	// concurrent pollers skip them without a transaction. Advisory:
	// stale entries cost latency, never correctness.
	notClaimable *expirable.LRU[string, struct{}]

	// capacityGroup collapses concurrent has-capacity scans for the same
	// capability fingerprint.
	capacityGroup singleflight.Group

	inlineExpire *rate.Limiter
}

// NewServer builds a Server and its state store.
func NewServer(logger hclog.Logger, config *Config, clock structs.TimeSource, notifier Notifier, deferred DeferredQueue) (*Server, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if clock == nil {
		clock = libtime.SystemClock()
	}
	store, err := state.NewStateStore(logger, clock)
	if err != nil {
		return nil, err
	}
	s := &Server{
		logger:   logger.Named("scheduler"),
		config:   config,
		store:    store,
		clock:    clock,
		notifier: notifier,
		deferred: deferred,
		notClaimable: expirable.NewLRU[string, struct{}](
			config.NegativeCacheSize, nil, config.NegativeCacheTTL),
		inlineExpire: rate.NewLimiter(rate.Limit(config.InlineExpirationsPerSec), config.MaxInlineExpirations),
	}
	store.SetEffectHandler(s.applyEffect)
	return s, nil
}

// State exposes the store for the agent's HTTP surface and for tests.
func (s *Server) State() *state.StateStore {
	return s.store
}

// Config returns the server's configuration.
func (s *Server) Config() *Config {
	return s.config
}

func (s *Server) applyEffect(e *state.Effect) error {
	if s.deferred == nil {
		return fmt.Errorf("no deferred queue configured")
	}
	return s.deferred.Enqueue(e.Path, e.Payload)
}

// toRunKey names a queue entry in the negative-lookup cache.
func toRunKey(id structs.RequestID, tryNumber, sliceIndex int) string {
	return fmt.Sprintf("%s/%d/%d", id, tryNumber, sliceIndex)
}

// markNotClaimable publishes a negative-lookup entry.
func (s *Server) markNotClaimable(id structs.RequestID, tryNumber, sliceIndex int) {
	s.notClaimable.Add(toRunKey(id, tryNumber, sliceIndex), struct{}{})
}

// skipByCache reports whether the cache says the entry is gone.
func (s *Server) skipByCache(id structs.RequestID, tryNumber, sliceIndex int) bool {
	return s.notClaimable.Contains(toRunKey(id, tryNumber, sliceIndex))
}

// newRequestID mints an id for the current instant.
func (s *Server) newRequestID() structs.RequestID {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("request id entropy: %v", err))
	}
	return structs.NewRequestID(s.clock.Now(), binary.BigEndian.Uint16(b[:]))
}

// hasCapacity scans bot records for one matching the required set,
// deduplicating concurrent scans per capability fingerprint.
func (s *Server) hasCapacity(required *structs.CapabilitySet) bool {
	key := fmt.Sprintf("%x", required.Fingerprint())
	v, _, _ := s.capacityGroup.Do(key, func() (interface{}, error) {
		txn := s.store.ReadTxn()
		defer txn.Abort()
		ok, err := txn.HasCapacity(required)
		if err != nil {
			return false, err
		}
		return ok, nil
	})
	ok, _ := v.(bool)
	return ok
}
