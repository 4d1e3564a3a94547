// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package drover

import (
	"fmt"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/drover/drover/state"
	"github.com/hashicorp/drover/drover/structs"
	"github.com/hashicorp/drover/helper/pointer"
)

// TaskUpdate is the delta a bot reports about its run.
type TaskUpdate struct {
	Output       []byte
	OutputOffset int64

	ExitCode *int64
	Duration *time.Duration

	HardTimeout bool
	IOTimeout   bool

	CostUSD    float64
	OutputsRef string
}

// UpdateTask applies a bot report to its run and, unless the report is
// for a stale try, to the summary. The returned state is advisory: KILLED
// tells the bot a cancel is pending and it should stop the task.
func (s *Server) UpdateTask(runID, botID string, u *TaskUpdate) (structs.TaskState, error) {
	defer metrics.MeasureSince([]string{"drover", "bot", "update"}, time.Now())

	id, tryNumber, err := structs.ParseRunID(runID)
	if err != nil {
		return "", &structs.InvalidRequestError{Reason: err.Error()}
	}
	if u.CostUSD < 0 {
		return "", &structs.InvalidRequestError{Reason: "cost_usd must not be negative"}
	}
	if u.Duration != nil && *u.Duration < 0 {
		return "", &structs.InvalidRequestError{Reason: "duration must not be negative"}
	}
	if (u.Duration == nil) != (u.ExitCode == nil) && !u.HardTimeout && !u.IOTimeout {
		return "", &structs.InvalidRequestError{
			Reason: "exit_code and duration must be supplied together",
		}
	}

	now := s.clock.Now()
	var advisory structs.TaskState
	err = s.store.WithWriteTxn(s.config.TxnRetries, func(txn *state.Txn) error {
		run, err := txn.RunResultByID(id, tryNumber)
		if err != nil {
			return err
		}
		if run == nil {
			return structs.ErrUnknownRun
		}
		if run.BotID != botID {
			return fmt.Errorf("%w: expected %s, got update from %s",
				structs.ErrWrongBot, run.BotID, botID)
		}
		req, err := txn.TaskRequestByID(id)
		if err != nil {
			return err
		}

		// Bots retry updates over a lossy network; an identical replay is
		// fine, a different exit code is misbehavior.
		if u.ExitCode != nil {
			if run.ExitCode != nil {
				if *run.ExitCode != *u.ExitCode {
					return fmt.Errorf("%w: %d then %d",
						structs.ErrExitCodeChanged, *run.ExitCode, *u.ExitCode)
				}
				if (run.Duration == nil) != (u.Duration == nil) ||
					(run.Duration != nil && *run.Duration != *u.Duration) {
					return structs.ErrDurationChanged
				}
			} else {
				run.ExitCode = pointer.Copy(u.ExitCode)
				run.Duration = pointer.Copy(u.Duration)
			}
		}

		if u.OutputsRef != "" {
			run.OutputsRef = u.OutputsRef
		}

		if run.State == structs.TaskStateRunning {
			switch {
			case run.Killing:
				if u.Duration != nil {
					// Cancel acknowledged by the bot.
					run.Killing = false
					run.State = structs.TaskStateKilled
				}
			case u.HardTimeout || u.IOTimeout:
				run.State = structs.TaskStateTimedOut
				run.CompletedAt = now
				if run.ExitCode == nil {
					run.ExitCode = pointer.Of(int64(-1))
				}
				if run.Duration == nil {
					run.Duration = pointer.Of(now.Sub(run.StartedAt))
				}
			case run.ExitCode != nil:
				run.State = structs.TaskStateCompleted
				run.CompletedAt = now
			}
		}

		if len(u.Output) > 0 {
			dropped, err := txn.AppendOutput(run, u.Output, u.OutputOffset, s.config.OutputLimit)
			if err != nil {
				return err
			}
			if dropped > 0 && !run.OutputDropped {
				run.OutputDropped = true
				s.logger.Warn("run output over cap, dropping excess",
					"run_id", runID, "dropped_bytes", dropped)
			}
		}

		if u.CostUSD > run.CostUSD {
			run.CostUSD = u.CostUSD
		}
		run.ModifiedAt = now
		if err := txn.UpsertRunResult(run); err != nil {
			return err
		}

		summary, err := txn.ResultSummaryByID(id)
		if err != nil {
			return err
		}
		if summary.TryNumber > 0 && summary.TryNumber > run.TryNumber {
			// A bot from an earlier, already-retried try reappeared. Its
			// report is absorbed without touching summary state; only the
			// cost counter is kept.
			for len(summary.CostsUSD) < run.TryNumber {
				summary.CostsUSD = append(summary.CostsUSD, 0)
			}
			summary.CostsUSD[run.TryNumber-1] = run.CostUSD
			summary.ModifiedAt = now
		} else {
			summary.SetFromRunResult(run, req)
		}
		if err := txn.UpsertResultSummary(summary); err != nil {
			return err
		}

		if run.State.Terminal() {
			if err := s.releaseBot(txn, botID, run.RunID(), now); err != nil {
				return err
			}
			s.maybeNotify(txn, req, summary)
		}

		if run.Killing {
			advisory = structs.TaskStateKilled
		} else {
			advisory = run.State
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if advisory.Terminal() {
		metrics.IncrCounterWithLabels([]string{"drover", "task", "finished"}, 1,
			[]metrics.Label{{Name: "state", Value: string(advisory)}})
	}
	return advisory, nil
}

// releaseBot clears the bot's current-run pointer if it still names the
// finished run.
func (s *Server) releaseBot(txn *state.Txn, botID, runID string, now time.Time) error {
	bot, err := txn.BotByID(botID)
	if err != nil || bot == nil {
		return err
	}
	if bot.RunID != runID {
		return nil
	}
	bot.RunID = ""
	bot.LastSeenAt = now
	return txn.UpsertBot(bot)
}

// BotKillTask records a bot-initiated terminal failure: the bot could not
// run or finish the task for a reason of its own. The run becomes
// BOT_DIED with an internal failure.
func (s *Server) BotKillTask(runID, botID, reason string) error {
	id, tryNumber, err := structs.ParseRunID(runID)
	if err != nil {
		return &structs.InvalidRequestError{Reason: err.Error()}
	}
	s.logger.Warn("bot killed its task", "run_id", runID, "bot", botID, "reason", reason)

	now := s.clock.Now()
	return s.store.WithWriteTxn(s.config.TxnRetries, func(txn *state.Txn) error {
		run, err := txn.RunResultByID(id, tryNumber)
		if err != nil {
			return err
		}
		if run == nil {
			return structs.ErrUnknownRun
		}
		if botID != "" && run.BotID != botID {
			return fmt.Errorf("%w: expected %s, got kill from %s",
				structs.ErrWrongBot, run.BotID, botID)
		}
		if run.State == structs.TaskStateBotDied {
			return nil
		}
		req, err := txn.TaskRequestByID(id)
		if err != nil {
			return err
		}

		run.State = structs.TaskStateBotDied
		run.InternalFailure = true
		run.AbandonedAt = now
		run.CompletedAt = now
		run.ModifiedAt = now
		if err := txn.UpsertRunResult(run); err != nil {
			return err
		}
		summary, err := txn.ResultSummaryByID(id)
		if err != nil {
			return err
		}
		summary.SetFromRunResult(run, req)
		if err := txn.UpsertResultSummary(summary); err != nil {
			return err
		}
		if err := s.releaseBot(txn, run.BotID, runID, now); err != nil {
			return err
		}
		s.maybeNotify(txn, req, summary)
		return nil
	})
}
