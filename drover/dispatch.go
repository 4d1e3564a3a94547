// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package drover

import (
	"errors"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	goversion "github.com/hashicorp/go-version"

	"github.com/hashicorp/drover/drover/state"
	"github.com/hashicorp/drover/drover/structs"
)

// PollDirective tells a polling bot what to do next.
type PollDirective string

const (
	// PollSleep: nothing matched; poll again after a backoff.
	PollSleep PollDirective = "sleep"

	// PollRun: a task was claimed for the bot; the manifest describes it.
	PollRun PollDirective = "run"

	// PollTerminate: the bot should self-exit.
	PollTerminate PollDirective = "terminate"

	// PollUpdate: the bot runs a stale version and should update before
	// taking more work.
	PollUpdate PollDirective = "update"
)

// PollResponse is the reply to one bot poll.
type PollResponse struct {
	Directive PollDirective
	Manifest  *TaskManifest
	Version   string
}

// TaskManifest hands a claimed task to a bot.
type TaskManifest struct {
	Request *structs.TaskRequest
	Slice   *structs.TaskSlice
	Run     *structs.TaskRunResult
	Secret  []byte
}

// errSkipCandidate aborts a claim transaction without surfacing an error:
// the candidate went away or the bot is not allowed to take it.
var errSkipCandidate = errors.New("skip candidate")

// PollBot services one bot poll: it refreshes the bot record, gates stale
// bot versions, honors pending termination and otherwise tries to claim
// one queue entry until the deadline.
func (s *Server) PollBot(botID string, caps *structs.CapabilitySet, version string, deadline time.Time) (*PollResponse, error) {
	defer metrics.MeasureSince([]string{"drover", "bot", "poll"}, time.Now())

	if botID == "" {
		return nil, &structs.InvalidRequestError{Reason: "missing bot id"}
	}
	// The bot's own id is itself a capability, so tasks can target a
	// single bot (termination does).
	merged := caps.Canonical()
	if merged == nil {
		merged = map[string][]string{}
	}
	merged["id"] = []string{botID}
	caps = structs.NewCapabilitySet(merged)

	now := s.clock.Now()
	var bot *structs.Bot
	err := s.store.WithWriteTxn(s.config.TxnRetries, func(txn *state.Txn) error {
		var err error
		bot, err = txn.BotByID(botID)
		if err != nil {
			return err
		}
		if bot == nil {
			bot = &structs.Bot{ID: botID, FirstSeenAt: now}
		}
		bot.Capabilities = caps
		bot.Version = version
		bot.LastSeenAt = now
		return txn.UpsertBot(bot)
	})
	if err != nil {
		return nil, err
	}

	if s.botNeedsUpdate(version) {
		return &PollResponse{Directive: PollUpdate, Version: s.config.BotVersion}, nil
	}

	if bot.TerminationTaskID != "" {
		done, err := s.terminationDone(bot.TerminationTaskID)
		if err != nil {
			return nil, err
		}
		if done {
			return &PollResponse{Directive: PollTerminate}, nil
		}
	}

	manifest, err := s.reap(botID, caps, version, deadline)
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		return &PollResponse{Directive: PollSleep}, nil
	}
	return &PollResponse{Directive: PollRun, Manifest: manifest}, nil
}

func (s *Server) botNeedsUpdate(botVersion string) bool {
	want := s.config.BotVersion
	if want == "" || botVersion == want {
		return false
	}
	wv, werr := goversion.NewVersion(want)
	bv, berr := goversion.NewVersion(botVersion)
	if werr != nil || berr != nil {
		// Unparseable versions fall back to string comparison, already
		// known unequal.
		return true
	}
	return bv.LessThan(wv)
}

func (s *Server) terminationDone(taskID string) (bool, error) {
	id, err := structs.ParseRequestID(taskID)
	if err != nil {
		return false, err
	}
	txn := s.store.ReadTxn()
	defer txn.Abort()
	summary, err := txn.ResultSummaryByID(id)
	if err != nil || summary == nil {
		return false, err
	}
	return summary.State == structs.TaskStateCompleted, nil
}

// reap walks the run queue in serving order and tries to claim one entry
// whose slice the bot satisfies. Entries found expired on the way are
// handled inline, with a cap so an expiration backlog cannot starve the
// poll.
func (s *Server) reap(botID string, caps *structs.CapabilitySet, botVersion string, deadline time.Time) (*TaskManifest, error) {
	start := time.Now()

	txn := s.store.ReadTxn()
	entries, err := txn.ClaimableTaskToRuns()
	txn.Abort()
	if err != nil {
		return nil, err
	}

	var iterated, expired, reenqueued, failures, staleIndex int
	defer func() {
		s.logger.Debug("reap finished",
			"bot", botID, "elapsed", time.Since(start),
			"iterated", iterated, "expired", expired, "reenqueued", reenqueued,
			"stale_index", staleIndex, "failures", failures)
	}()

	for _, toRun := range entries {
		if !deadline.IsZero() && s.clock.Now().After(deadline) {
			return nil, nil
		}
		if s.skipByCache(toRun.RequestID, toRun.TryNumber, toRun.SliceIndex) {
			continue
		}

		rtxn := s.store.ReadTxn()
		req, err := rtxn.TaskRequestByID(toRun.RequestID)
		rtxn.Abort()
		if err != nil {
			return nil, err
		}
		if req == nil {
			staleIndex++
			continue
		}
		slice := req.Slice(toRun.SliceIndex)
		if !slice.Capabilities.MatchedBy(caps) {
			continue
		}
		iterated++

		if s.clock.Now().After(toRun.ExpiresAt(req)) {
			if expired >= s.config.MaxInlineExpirations || !s.inlineExpire.Allow() {
				failures++
				continue
			}
			summary, newToRun, err := s.expireTaskToRun(req, toRun, true)
			if err != nil {
				s.logger.Warn("inline expiration failed", "task_id", req.ID, "error", err)
				failures++
				continue
			}
			if newToRun == nil {
				if summary != nil {
					expired++
				} else {
					staleIndex++
				}
				continue
			}
			// The fallback slice was enqueued; harvest it right away if
			// it also matches.
			reenqueued++
			if !req.Slice(newToRun.SliceIndex).Capabilities.MatchedBy(caps) {
				continue
			}
			toRun = newToRun
		}

		manifest, err := s.reapOne(req, toRun, botID, botVersion, caps)
		if err != nil {
			return nil, err
		}
		if manifest == nil {
			failures++
			continue
		}
		s.logger.Info("reaped task", "run_id", manifest.Run.RunID(), "bot", botID)
		metrics.IncrCounter([]string{"drover", "bot", "reaped"}, 1)
		return manifest, nil
	}
	return nil, nil
}

// reapOne attempts the claim transaction for one candidate. A nil, nil
// return means the candidate was lost to a race or refused; the caller
// moves on.
func (s *Server) reapOne(req *structs.TaskRequest, toRun *structs.TaskToRun, botID, botVersion string, caps *structs.CapabilitySet) (*TaskManifest, error) {
	// Publish the negative-lookup entry before the transaction so
	// concurrent pollers stop contending on this entry. If the claim
	// fails the entry stays wrong for up to the cache TTL, which only
	// costs latency.
	s.markNotClaimable(toRun.RequestID, toRun.TryNumber, toRun.SliceIndex)

	now := s.clock.Now()
	var manifest *TaskManifest
	err := s.store.WithWriteTxn(s.config.ClaimRetries, func(txn *state.Txn) error {
		manifest = nil
		entry, err := txn.ClaimTaskToRun(toRun.RequestID, toRun.TryNumber, toRun.SliceIndex)
		if err != nil {
			if errors.Is(err, structs.ErrNotClaimable) {
				return errSkipCandidate
			}
			return err
		}
		summary, err := txn.ResultSummaryByID(req.ID)
		if err != nil {
			return err
		}
		if summary == nil {
			return errSkipCandidate
		}
		// A bot that watched its own first try die does not get the
		// retry: it may be broken and on a killing spree.
		if summary.BotID == botID {
			return errSkipCandidate
		}

		bot, err := txn.BotByID(botID)
		if err != nil {
			return err
		}
		if bot == nil {
			bot = &structs.Bot{ID: botID, FirstSeenAt: now, Capabilities: caps, Version: botVersion}
		}
		// The bot id on the bot record is the per-bot serialization
		// point: a claim must witness the bot idle.
		if !bot.Idle() {
			return errSkipCandidate
		}

		run := structs.NewRunResult(req, entry, botID, botVersion, caps, now)
		if err := txn.UpsertRunResult(run); err != nil {
			return err
		}
		summary.SetFromRunResult(run, req)
		if err := txn.UpsertResultSummary(summary); err != nil {
			return err
		}
		bot.RunID = run.RunID()
		bot.LastSeenAt = now
		if err := txn.UpsertBot(bot); err != nil {
			return err
		}

		var secret []byte
		if req.HasSecret {
			sb, err := txn.SecretBytesByRequest(req.ID)
			if err != nil {
				return err
			}
			if sb != nil {
				secret = sb.Value
			}
		}
		manifest = &TaskManifest{
			Request: req,
			Slice:   req.Slice(entry.SliceIndex),
			Run:     run,
			Secret:  secret,
		}
		return nil
	})
	if errors.Is(err, errSkipCandidate) {
		// Do not clear the negative cache on a lost race: the entry was
		// taken, or soon will be, and more contention will not help.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return manifest, nil
}
