// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package drover

import (
	"encoding/json"
	"fmt"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/hashicorp/drover/drover/state"
	"github.com/hashicorp/drover/drover/structs"
)

// Deferred-task paths routed by HandleDeferred.
const (
	// DeferredPathNotifyTask publishes a task-completed notification.
	DeferredPathNotifyTask = "pubsub/notify-task"
)

// taskNotification is the payload of a DeferredPathNotifyTask entry and,
// minus the delivery fields, the pub/sub message body.
type taskNotification struct {
	TaskID    string           `json:"task_id"`
	State     structs.TaskState `json:"state"`
	Topic     string           `json:"topic"`
	AuthToken string           `json:"auth_token,omitempty"`
	Userdata  string           `json:"userdata,omitempty"`
}

// maybeNotify records a completion-notification effect on the transaction
// when the summary reached a terminal state and the request asked for
// one. The effect only fires if the transaction commits.
func (s *Server) maybeNotify(txn *state.Txn, req *structs.TaskRequest, summary *structs.TaskResultSummary) {
	if req.PubSubTopic == "" || !summary.State.Terminal() {
		return
	}
	payload, err := json.Marshal(&taskNotification{
		TaskID:    summary.TaskID(),
		State:     summary.State,
		Topic:     req.PubSubTopic,
		AuthToken: req.PubSubAuthToken,
		Userdata:  req.PubSubUserdata,
	})
	if err != nil {
		// The payload is marshalable by construction.
		panic(fmt.Sprintf("notification payload: %v", err))
	}
	txn.Effect(DeferredPathNotifyTask, payload)
}

// HandleDeferred executes one deferred-task payload. The deferred queue
// implementation calls this from its workers; a returned error means the
// entry should be retried on a later attempt.
func (s *Server) HandleDeferred(path string, payload []byte) error {
	switch path {
	case DeferredPathNotifyTask:
		return s.publishNotification(payload)
	default:
		// Unknown paths are permanent failures: retrying cannot help.
		s.logger.Error("dropping deferred task with unknown path", "path", path)
		return nil
	}
}

func (s *Server) publishNotification(payload []byte) error {
	if s.notifier == nil {
		return nil
	}
	var n taskNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		s.logger.Error("dropping malformed notification payload", "error", err)
		return nil
	}
	msg, err := json.Marshal(map[string]string{
		"task_id": n.TaskID,
		"state":   string(n.State),
		"userdata": n.Userdata,
	})
	if err != nil {
		return err
	}
	var attrs map[string]string
	if n.AuthToken != "" {
		attrs = map[string]string{"auth_token": n.AuthToken}
	}
	if err := s.notifier.Publish(n.Topic, msg, attrs); err != nil {
		metrics.IncrCounter([]string{"drover", "notify", "publish_error"}, 1)
		return fmt.Errorf("publishing completion of %s: %w", n.TaskID, err)
	}
	metrics.IncrCounter([]string{"drover", "notify", "published"}, 1)
	return nil
}

// SweepOutbox drains effects that failed their post-commit replay.
// Returns how many records were delivered.
func (s *Server) SweepOutbox() (int, error) {
	txn := s.store.ReadTxn()
	records, err := txn.OutboxRecords()
	txn.Abort()
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, rec := range records {
		if err := s.applyEffect(&state.Effect{Path: rec.Path, Payload: rec.Payload}); err != nil {
			rec.Attempts++
			werr := s.store.WithWriteTxn(s.config.TxnRetries, func(txn *state.Txn) error {
				return txn.UpsertOutboxRecord(rec)
			})
			if werr != nil {
				s.logger.Error("failed to update outbox record", "id", rec.ID, "error", werr)
			}
			continue
		}
		werr := s.store.WithWriteTxn(s.config.TxnRetries, func(txn *state.Txn) error {
			return txn.DeleteOutboxRecord(rec)
		})
		if werr != nil {
			s.logger.Error("failed to delete outbox record", "id", rec.ID, "error", werr)
			continue
		}
		delivered++
	}
	return delivered, nil
}
