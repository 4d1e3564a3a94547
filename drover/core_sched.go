// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package drover

import (
	"errors"
	"time"

	metrics "github.com/hashicorp/go-metrics"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/hashicorp/drover/drover/state"
	"github.com/hashicorp/drover/drover/structs"
)

// expireTaskToRun retires one queue entry past its slice deadline and, if
// a later slice has capacity, enqueues that slice instead; otherwise the
// summary goes terminal. Returns the updated summary and the replacement
// entry, both nil when the entry was already gone.
func (s *Server) expireTaskToRun(req *structs.TaskRequest, toRun *structs.TaskToRun, inline bool) (*structs.TaskResultSummary, *structs.TaskToRun, error) {
	// Publish the negative-lookup entry before the transaction: whether
	// the entry was reaped meanwhile or expires now, it is not claimable.
	if inline && s.skipByCache(toRun.RequestID, toRun.TryNumber, toRun.SliceIndex) {
		return nil, nil, nil
	}
	s.markNotClaimable(toRun.RequestID, toRun.TryNumber, toRun.SliceIndex)

	// Capacity for the remaining slices is computed outside the
	// transaction; the small race is acceptable and the expiration sweep
	// will catch a wrong guess later.
	capacity := make([]bool, len(req.Slices))
	for i := toRun.SliceIndex + 1; i < len(req.Slices); i++ {
		slice := req.Slice(i)
		capacity[i] = slice.WaitForCapacity || s.hasCapacity(slice.Capabilities)
	}

	retries := s.config.TxnRetries
	if inline {
		// A bot is waiting on this poll; do not try hard, the sweep will
		// finish the job.
		retries = 0
	}

	now := s.clock.Now()
	var summary *structs.TaskResultSummary
	var newToRun *structs.TaskToRun
	err := s.store.WithWriteTxn(retries, func(txn *state.Txn) error {
		summary, newToRun = nil, nil
		if _, err := txn.ClaimTaskToRun(toRun.RequestID, toRun.TryNumber, toRun.SliceIndex); err != nil {
			if errors.Is(err, structs.ErrNotClaimable) {
				return errSkipCandidate
			}
			return err
		}
		var err error
		summary, err = txn.ResultSummaryByID(req.ID)
		if err != nil {
			return err
		}

		for i := summary.CurrentSlice + 1; i < len(req.Slices); i++ {
			if !capacity[i] {
				continue
			}
			newToRun = structs.NewTaskToRun(req, 1, i, now)
			summary.CurrentSlice = i
			if err := txn.UpsertTaskToRun(newToRun); err != nil {
				return err
			}
			break
		}

		if newToRun == nil {
			if summary.TryNumber > 0 {
				// The entry being expired was a retry; the first try
				// already went BOT_DIED and that is the state to keep.
				prior, err := txn.RunResultByID(req.ID, summary.TryNumber)
				if err != nil {
					return err
				}
				if prior != nil {
					summary.SetFromRunResult(prior, req)
				} else {
					summary.State = structs.TaskStateExpired
				}
			} else {
				summary.State = structs.TaskStateExpired
			}
			summary.AbandonedAt = now
			summary.CompletedAt = now
		}
		summary.ModifiedAt = now
		if err := txn.UpsertResultSummary(summary); err != nil {
			return err
		}
		s.maybeNotify(txn, req, summary)
		return nil
	})
	if errors.Is(err, errSkipCandidate) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	if newToRun == nil && summary != nil {
		s.logger.Info("task expired", "task_id", req.ID, "state", summary.State)
		metrics.IncrCounter([]string{"drover", "sweep", "expired"}, 1)
	} else if newToRun != nil {
		s.logger.Debug("task fell back to next slice",
			"task_id", req.ID, "slice", newToRun.SliceIndex)
		metrics.IncrCounter([]string{"drover", "sweep", "reenqueued"}, 1)
	}
	return summary, newToRun, nil
}

// SweepExpiredQueue retires every claimable queue entry past its slice
// deadline, falling back to later slices where capacity exists. Returns
// the number of entries acted upon.
func (s *Server) SweepExpiredQueue() (int, error) {
	defer metrics.MeasureSince([]string{"drover", "sweep", "expired_queue"}, time.Now())

	txn := s.store.ReadTxn()
	entries, err := txn.ClaimableTaskToRuns()
	txn.Abort()
	if err != nil {
		return 0, err
	}

	var acted int
	var mErr *multierror.Error
	for _, toRun := range entries {
		rtxn := s.store.ReadTxn()
		req, err := rtxn.TaskRequestByID(toRun.RequestID)
		rtxn.Abort()
		if err != nil {
			mErr = multierror.Append(mErr, err)
			continue
		}
		if req == nil || !s.clock.Now().After(toRun.ExpiresAt(req)) {
			continue
		}
		summary, newToRun, err := s.expireTaskToRun(req, toRun, false)
		if err != nil {
			mErr = multierror.Append(mErr, err)
			continue
		}
		if summary != nil || newToRun != nil {
			acted++
		}
	}
	return acted, mErr.ErrorOrNil()
}

// SweepDeadBots finds RUNNING attempts whose bot stopped pinging and
// either retries them (first try, still within the request deadline, and
// idempotent or never pinged) or finishes them as BOT_DIED. Returns the
// number of attempts acted upon.
func (s *Server) SweepDeadBots() (int, error) {
	defer metrics.MeasureSince([]string{"drover", "sweep", "dead_bots"}, time.Now())

	txn := s.store.ReadTxn()
	running, err := txn.RunningRunResults()
	txn.Abort()
	if err != nil {
		return 0, err
	}

	cutoff := s.clock.Now().Add(-s.config.BotPingTolerance)
	var acted int
	var mErr *multierror.Error
	for _, run := range running {
		if run.ModifiedAt.After(cutoff) {
			continue
		}
		retried, touched, err := s.handleDeadBot(run.RequestID, run.TryNumber, cutoff)
		if err != nil {
			mErr = multierror.Append(mErr, err)
			continue
		}
		if touched {
			acted++
		}
		if retried {
			metrics.IncrCounter([]string{"drover", "sweep", "bot_died_retried"}, 1)
		} else if touched {
			metrics.IncrCounter([]string{"drover", "sweep", "bot_died"}, 1)
		}
	}
	return acted, mErr.ErrorOrNil()
}

// handleDeadBot applies the dead-bot transition for one attempt.
func (s *Server) handleDeadBot(id structs.RequestID, tryNumber int, cutoff time.Time) (retried, touched bool, err error) {
	now := s.clock.Now()
	err = s.store.WithWriteTxn(s.config.TxnRetries, func(txn *state.Txn) error {
		retried, touched = false, false
		run, err := txn.RunResultByID(id, tryNumber)
		if err != nil || run == nil {
			return err
		}
		// Re-validate under the transaction: the snapshot may be stale.
		if run.State != structs.TaskStateRunning || run.ModifiedAt.After(cutoff) {
			return nil
		}
		req, err := txn.TaskRequestByID(id)
		if err != nil {
			return err
		}
		summary, err := txn.ResultSummaryByID(id)
		if err != nil {
			return err
		}

		neverPinged := run.ModifiedAt.Equal(run.StartedAt)
		run.State = structs.TaskStateBotDied
		run.InternalFailure = true
		run.AbandonedAt = now
		run.CompletedAt = now
		run.ModifiedAt = now

		switch {
		case summary.TryNumber != run.TryNumber:
			// The summary moved on to a later try; close this attempt
			// without touching it.
			if err := txn.UpsertRunResult(run); err != nil {
				return err
			}

		case run.TryNumber == 1 && now.Before(req.ExpiresAt) &&
			(req.Slice(run.CurrentSlice).Idempotent || neverPinged):
			// Retry under the same slice: enqueue try 2 and put the
			// summary back to pending without syncing the dead attempt
			// onto it.
			toRun := structs.NewTaskToRun(req, 2, run.CurrentSlice, now)
			if err := txn.UpsertTaskToRun(toRun); err != nil {
				return err
			}
			if err := txn.UpsertRunResult(run); err != nil {
				return err
			}
			summary.ResetToPending(now)
			if err := txn.UpsertResultSummary(summary); err != nil {
				return err
			}
			retried = true

		default:
			if err := txn.UpsertRunResult(run); err != nil {
				return err
			}
			summary.SetFromRunResult(run, req)
			if err := txn.UpsertResultSummary(summary); err != nil {
				return err
			}
			s.maybeNotify(txn, req, summary)
		}

		if err := s.releaseBot(txn, run.BotID, structs.RunID(id, tryNumber), now); err != nil {
			return err
		}
		touched = true
		return nil
	})
	if touched && !retried {
		s.logger.Error("bot died while running task",
			"run_id", structs.RunID(id, tryNumber))
	} else if retried {
		s.logger.Info("retrying task after bot death",
			"run_id", structs.RunID(id, tryNumber))
	}
	return retried, touched, err
}

// SweepDedupIndex drops properties hashes from summaries that aged out of
// the dedup window, so the dedup scan never has to wade through stale
// candidates. Optional for correctness of any individual task; safe to
// skip under load. Returns the number of summaries pruned.
func (s *Server) SweepDedupIndex() (int, error) {
	defer metrics.MeasureSince([]string{"drover", "sweep", "dedup_index"}, time.Now())

	txn := s.store.ReadTxn()
	reusable, err := txn.ReusableSummaries()
	txn.Abort()
	if err != nil {
		return 0, err
	}

	cutoff := s.clock.Now().Add(-s.config.DedupWindow)
	var pruned int
	var mErr *multierror.Error
	for _, summary := range reusable {
		if summary.CreatedAt.After(cutoff) {
			continue
		}
		id := summary.RequestID
		err := s.store.WithWriteTxn(s.config.TxnRetries, func(txn *state.Txn) error {
			cur, err := txn.ResultSummaryByID(id)
			if err != nil || cur == nil || cur.PropertiesHash == "" {
				return err
			}
			cur.PropertiesHash = ""
			return txn.UpsertResultSummary(cur)
		})
		if err != nil {
			mErr = multierror.Append(mErr, err)
			continue
		}
		pruned++
	}
	return pruned, mErr.ErrorOrNil()
}
