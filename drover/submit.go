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

// dedupCandidateScan bounds how many summaries with a matching properties
// hash are examined, to tolerate stale candidates without unbounded work.
const dedupCandidateScan = 3

// SubmitTask validates and stores a new task request together with its
// result summary and, when the task will actually run, its first queue
// entry. The request, summary, queue entry and secret are committed in a
// single transaction; a request that dedups or is denied NO_RESOURCE
// never creates a queue entry.
func (s *Server) SubmitTask(req *structs.TaskRequest, secret []byte) (*structs.TaskResultSummary, error) {
	defer metrics.MeasureSince([]string{"drover", "task", "submit"}, time.Now())

	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	req = req.Copy()
	if req.ID == 0 {
		req.ID = s.newRequestID()
	}
	req.CreatedAt = now
	var total time.Duration
	for _, slice := range req.Slices {
		total += slice.Expiration
	}
	req.ExpiresAt = now.Add(total)
	req.HasSecret = len(secret) > 0

	summary := structs.NewResultSummary(req, now)

	err := s.store.WithWriteTxn(s.config.TxnRetries, func(txn *state.Txn) error {
		var toRun *structs.TaskToRun

		deduped := false
		for i, slice := range req.Slices {
			if !slice.Idempotent {
				continue
			}
			dupe, err := s.findDupe(txn, slice.PropertiesHash(), now)
			if err != nil {
				return err
			}
			if dupe != nil {
				dedupeSummary(dupe, summary, i, now)
				deduped = true
				break
			}
		}

		if !deduped {
			index := 0
			for ; index < len(req.Slices); index++ {
				slice := req.Slice(index)
				ok, err := txn.HasCapacity(slice.Capabilities)
				if err != nil {
					return err
				}
				if slice.WaitForCapacity || ok {
					toRun = structs.NewTaskToRun(req, 1, index, now)
					summary.CurrentSlice = index
					break
				}
			}
			if index == len(req.Slices) {
				// No slice has a matching bot and none asked to wait:
				// denied instantly.
				summary.State = structs.TaskStateNoResource
				summary.AbandonedAt = now
				summary.CompletedAt = now
			}
		}

		if err := txn.InsertTaskRequest(req); err != nil {
			return err
		}
		if toRun != nil && len(secret) > 0 {
			// Secrets for tasks that will never run are not stored; the
			// deduped-against task holds them already.
			err := txn.InsertSecretBytes(&structs.SecretBytes{RequestID: req.ID, Value: secret})
			if err != nil {
				return err
			}
		}
		if toRun != nil {
			if err := txn.UpsertTaskToRun(toRun); err != nil {
				return err
			}
		}
		if err := txn.UpsertResultSummary(summary); err != nil {
			return err
		}

		if req.ParentRunID != "" {
			if err := s.linkParent(txn, req, now); err != nil {
				return err
			}
		}
		if req.TerminationForBot != "" {
			if err := s.linkTermination(txn, req); err != nil {
				return err
			}
		}

		s.maybeNotify(txn, req, summary)
		return nil
	})
	if err != nil {
		return nil, err
	}

	switch {
	case summary.DedupedFrom != "":
		metrics.IncrCounter([]string{"drover", "task", "deduped"}, 1)
		s.logger.Debug("new request reusing prior result",
			"task_id", summary.TaskID(), "deduped_from", summary.DedupedFrom)
	case summary.State == structs.TaskStateNoResource:
		metrics.IncrCounter([]string{"drover", "task", "no_resource"}, 1)
		s.logger.Warn("new request denied with no_resource", "task_id", summary.TaskID())
	default:
		s.logger.Debug("new request", "task_id", summary.TaskID())
	}
	return summary.Copy(), nil
}

// findDupe returns a prior completed, non-failed summary with the given
// properties hash inside the reuse window, or nil. Candidates come back
// most recent first; a few stale entries are tolerated before giving up.
func (s *Server) findDupe(txn *state.Txn, hash string, now time.Time) (*structs.TaskResultSummary, error) {
	candidates, err := txn.ResultSummariesByPropertiesHash(hash, dedupCandidateScan)
	if err != nil {
		return nil, err
	}
	cutoff := now.Add(-s.config.DedupWindow)
	for _, c := range candidates {
		if c.State != structs.TaskStateCompleted || c.Failure() {
			continue
		}
		if !c.CreatedAt.After(cutoff) {
			// Ordered newest first: everything after this is older still.
			return nil, nil
		}
		return c, nil
	}
	return nil, nil
}

// dedupeSummary copies the reusable result onto the fresh summary. The
// properties hash is deliberately not republished, which keeps the
// substitution depth at one.
func dedupeSummary(dupe, summary *structs.TaskResultSummary, sliceIndex int, now time.Time) {
	summary.State = structs.TaskStateCompleted
	summary.TryNumber = 0
	summary.CurrentSlice = sliceIndex
	summary.DedupedFrom = dupe.RunID()
	summary.CostSavedUSD = dupe.CostUSD()
	summary.CostsUSD = nil
	summary.PropertiesHash = ""
	summary.BotID = dupe.BotID
	summary.BotVersion = dupe.BotVersion
	summary.StartedAt = dupe.StartedAt
	summary.CompletedAt = dupe.CompletedAt
	summary.ExitCode = pointer.Copy(dupe.ExitCode)
	summary.Duration = pointer.Copy(dupe.Duration)
	summary.OutputChunks = dupe.OutputChunks
	summary.OutputsRef = dupe.OutputsRef
	summary.ModifiedAt = now
}

// linkParent appends the new task id to its parent run and summary.
func (s *Server) linkParent(txn *state.Txn, req *structs.TaskRequest, now time.Time) error {
	parentID, parentTry, err := structs.ParseRunID(req.ParentRunID)
	if err != nil {
		return &structs.InvalidRequestError{Reason: err.Error()}
	}
	run, err := txn.RunResultByID(parentID, parentTry)
	if err != nil {
		return err
	}
	if run == nil {
		return &structs.InvalidRequestError{Reason: fmt.Sprintf("unknown parent run %s", req.ParentRunID)}
	}
	run.ChildrenTaskIDs = append(run.ChildrenTaskIDs, req.ID.String())
	run.ModifiedAt = now
	if err := txn.UpsertRunResult(run); err != nil {
		return err
	}
	parent, err := txn.ResultSummaryByID(parentID)
	if err != nil || parent == nil {
		return err
	}
	parent.ChildrenTaskIDs = append(parent.ChildrenTaskIDs, req.ID.String())
	parent.ModifiedAt = now
	return txn.UpsertResultSummary(parent)
}

// linkTermination points the targeted bot at its termination task.
func (s *Server) linkTermination(txn *state.Txn, req *structs.TaskRequest) error {
	bot, err := txn.BotByID(req.TerminationForBot)
	if err != nil || bot == nil {
		return err
	}
	bot.TerminationTaskID = req.ID.String()
	return txn.UpsertBot(bot)
}

// GetTaskResult returns the summary for a task id.
func (s *Server) GetTaskResult(taskID string) (*structs.TaskResultSummary, error) {
	id, err := structs.ParseRequestID(taskID)
	if err != nil {
		return nil, &structs.InvalidRequestError{Reason: err.Error()}
	}
	txn := s.store.ReadTxn()
	defer txn.Abort()
	summary, err := txn.ResultSummaryByID(id)
	if err != nil {
		return nil, err
	}
	if summary == nil {
		return nil, &structs.InvalidRequestError{Reason: fmt.Sprintf("unknown task %s", taskID)}
	}
	return summary, nil
}

// GetTaskOutput returns the reassembled output of the run backing the
// task, following the dedup pointer when the task never ran itself.
func (s *Server) GetTaskOutput(taskID string) ([]byte, error) {
	summary, err := s.GetTaskResult(taskID)
	if err != nil {
		return nil, err
	}
	runID := summary.RunID()
	if runID == "" {
		return nil, nil
	}
	id, try, err := structs.ParseRunID(runID)
	if err != nil {
		return nil, err
	}
	txn := s.store.ReadTxn()
	defer txn.Abort()
	run, err := txn.RunResultByID(id, try)
	if err != nil || run == nil {
		return nil, err
	}
	return txn.TaskOutput(run)
}

// CancelTask cancels a task, atomically retiring the active queue entry
// when it is still pending. Canceling a running task requires killRunning
// and is two-phase: the killing flag is set here and the KILLED
// transition happens when the bot acknowledges with a duration. A
// non-empty botID restricts the cancel to a task running on that bot.
func (s *Server) CancelTask(taskID string, killRunning bool, botID string) (bool, bool, error) {
	defer metrics.MeasureSince([]string{"drover", "task", "cancel"}, time.Now())

	if botID != "" && !killRunning {
		return false, false, &structs.InvalidRequestError{
			Reason: "bot_id requires kill_running",
		}
	}
	id, err := structs.ParseRequestID(taskID)
	if err != nil {
		return false, false, &structs.InvalidRequestError{Reason: err.Error()}
	}

	now := s.clock.Now()
	var ok, wasRunning bool
	err = s.store.WithWriteTxn(s.config.TxnRetries, func(txn *state.Txn) error {
		ok, wasRunning = false, false
		summary, err := txn.ResultSummaryByID(id)
		if err != nil {
			return err
		}
		if summary == nil {
			return &structs.InvalidRequestError{Reason: fmt.Sprintf("unknown task %s", taskID)}
		}
		req, err := txn.TaskRequestByID(id)
		if err != nil {
			return err
		}
		wasRunning = summary.State == structs.TaskStateRunning
		if !summary.CanBeCanceled() {
			return nil
		}

		if !wasRunning {
			if botID != "" {
				return nil
			}
			summary.State = structs.TaskStateCanceled
			toRun, err := txn.LiveTaskToRun(id)
			if err != nil {
				return err
			}
			if toRun != nil {
				s.markNotClaimable(id, toRun.TryNumber, toRun.SliceIndex)
				if _, err := txn.ClaimTaskToRun(id, toRun.TryNumber, toRun.SliceIndex); err != nil {
					return err
				}
			}
		} else {
			if !killRunning {
				return nil
			}
			if botID != "" && botID != summary.BotID {
				return nil
			}
			run, err := txn.RunResultByID(id, summary.TryNumber)
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("running summary %s has no run result", taskID)
			}
			run.Killing = true
			run.AbandonedAt = now
			run.CompletedAt = now
			run.ModifiedAt = now
			if err := txn.UpsertRunResult(run); err != nil {
				return err
			}
		}

		summary.AbandonedAt = now
		summary.CompletedAt = now
		summary.ModifiedAt = now
		if err := txn.UpsertResultSummary(summary); err != nil {
			return err
		}
		s.maybeNotify(txn, req, summary)
		ok = true
		return nil
	})
	if err != nil {
		return false, false, err
	}
	if ok {
		s.logger.Info("task canceled", "task_id", taskID, "was_running", wasRunning)
	}
	return ok, wasRunning, nil
}
