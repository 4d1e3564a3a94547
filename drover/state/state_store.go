// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package state implements the scheduler's transactional store on top of
// go-memdb. Write transactions are serialized by memdb's single writer,
// which gives the serializable-per-entity-group guarantee the scheduler
// protocol relies on. All entities handed out are copies; callers mutate
// a copy and re-insert it inside the same transaction.
package state

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/drover/drover/structs"
)

// Effect is a side-effect descriptor collected during a write transaction
// and replayed only after a successful commit: a deferred-task enqueue in
// the sense of the external task queue, addressed by path.
type Effect struct {
	Path    string
	Payload []byte
}

// EffectHandler applies one committed effect. A non-nil error triggers
// backoff retries and, past those, a durable outbox record.
type EffectHandler func(*Effect) error

// OutboxRecord is an effect that could not be applied after commit. The
// notify sweeper drains these.
type OutboxRecord struct {
	ID        uint64
	Path      string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// Copy returns a deep copy.
func (o *OutboxRecord) Copy() *OutboxRecord {
	if o == nil {
		return nil
	}
	no := *o
	no.Payload = append([]byte(nil), o.Payload...)
	return &no
}

// StateStore owns the memdb database.
type StateStore struct {
	db     *memdb.MemDB
	logger hclog.Logger
	clock  structs.TimeSource

	handler  EffectHandler
	outboxID atomic.Uint64
}

// NewStateStore builds an empty store.
func NewStateStore(logger hclog.Logger, clock structs.TimeSource) (*StateStore, error) {
	db, err := memdb.NewMemDB(stateStoreSchema())
	if err != nil {
		return nil, fmt.Errorf("state store setup failed: %w", err)
	}
	return &StateStore{
		db:     db,
		logger: logger.Named("state_store"),
		clock:  clock,
	}, nil
}

// SetEffectHandler installs the post-commit effect applier. Must be
// called before the first write transaction carrying effects.
func (s *StateStore) SetEffectHandler(h EffectHandler) {
	s.handler = h
}

// Txn is an explicit transaction handle. Store accessors hang off it so a
// function cannot accidentally read outside its enclosing transaction.
type Txn struct {
	txn     *memdb.Txn
	store   *StateStore
	write   bool
	done    bool
	effects []*Effect
}

// ReadTxn opens a read-only snapshot transaction.
func (s *StateStore) ReadTxn() *Txn {
	return &Txn{txn: s.db.Txn(false), store: s}
}

// WriteTxn opens a write transaction. Exactly one may be live at a time;
// memdb blocks concurrent writers.
func (s *StateStore) WriteTxn() *Txn {
	return &Txn{txn: s.db.Txn(true), store: s, write: true}
}

// Effect records a side effect to replay after commit. It is discarded if
// the transaction aborts.
func (t *Txn) Effect(path string, payload []byte) {
	t.effects = append(t.effects, &Effect{Path: path, Payload: payload})
}

// Abort rolls the transaction back and discards pending effects.
func (t *Txn) Abort() {
	if t.done {
		return
	}
	t.done = true
	t.effects = nil
	t.txn.Abort()
}

// Commit commits and then replays collected effects. Effect failures do
// not roll back the committed data; they degrade to the durable outbox.
func (t *Txn) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	t.txn.Commit()

	for _, e := range t.effects {
		t.store.applyEffect(e)
	}
	t.effects = nil
	return nil
}

func (s *StateStore) applyEffect(e *Effect) {
	if s.handler == nil {
		s.logger.Error("dropping effect with no handler installed", "path", e.Path)
		return
	}
	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
	), 3)
	err := backoff.Retry(func() error { return s.handler(e) }, policy)
	if err == nil {
		return
	}

	// Last resort: persist the effect so the outbox sweep finishes the
	// job.
	s.logger.Warn("effect replay failed, writing outbox record",
		"path", e.Path, "error", err)
	rec := &OutboxRecord{
		ID:        s.outboxID.Add(1),
		Path:      e.Path,
		Payload:   append([]byte(nil), e.Payload...),
		CreatedAt: s.clock.Now(),
	}
	txn := s.WriteTxn()
	defer txn.Abort()
	if err := txn.txn.Insert(tableOutbox, rec); err != nil {
		s.logger.Error("failed to persist outbox record", "path", e.Path, "error", err)
		return
	}
	txn.Commit()
}

// WithWriteTxn runs fn inside a write transaction, committing when fn
// succeeds. A fn returning ErrTxnConflict is retried up to retries times;
// claims default to zero retries and sweeps to four (see Config).
func (s *StateStore) WithWriteTxn(retries int, fn func(*Txn) error) error {
	for attempt := 0; ; attempt++ {
		txn := s.WriteTxn()
		err := fn(txn)
		if err == nil {
			return txn.Commit()
		}
		txn.Abort()
		if errors.Is(err, structs.ErrTxnConflict) && attempt < retries {
			continue
		}
		return err
	}
}

// OutboxRecords returns the pending outbox entries, oldest id first.
func (t *Txn) OutboxRecords() ([]*OutboxRecord, error) {
	it, err := t.txn.Get(tableOutbox, "id")
	if err != nil {
		return nil, err
	}
	var out []*OutboxRecord
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*OutboxRecord).Copy())
	}
	return out, nil
}

// UpsertOutboxRecord writes back a record (e.g. a bumped attempt count).
func (t *Txn) UpsertOutboxRecord(rec *OutboxRecord) error {
	return t.txn.Insert(tableOutbox, rec.Copy())
}

// DeleteOutboxRecord removes a drained record.
func (t *Txn) DeleteOutboxRecord(rec *OutboxRecord) error {
	return t.txn.Delete(tableOutbox, rec)
}
