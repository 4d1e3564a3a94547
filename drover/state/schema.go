// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"encoding/binary"
	"fmt"

	memdb "github.com/hashicorp/go-memdb"

	"github.com/hashicorp/drover/drover/structs"
)

const (
	tableTaskRequests  = "task_requests"
	tableTaskSummaries = "task_summaries"
	tableTaskToRuns    = "task_to_runs"
	tableRunResults    = "task_run_results"
	tableOutputChunks  = "task_output_chunks"
	tableSecrets       = "task_secrets"
	tableBots          = "bots"
	tableMachineTypes  = "machine_types"
	tableMachineLeases = "machine_leases"
	tableUtilization   = "machine_utilization"
	tableOutbox        = "outbox"
)

func stateStoreSchema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableTaskRequests: {
				Name: tableTaskRequests,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.UintFieldIndex{Field: "ID"},
					},
				},
			},
			tableTaskSummaries: {
				Name: tableTaskSummaries,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.UintFieldIndex{Field: "RequestID"},
					},
					// Requests ids are reverse-chronological, so for one
					// hash value iteration yields the most recent summary
					// first. Only reusable results carry a hash.
					"properties_hash": {
						Name:         "properties_hash",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "PropertiesHash"},
					},
				},
			},
			tableTaskToRuns: {
				Name: tableTaskToRuns,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.UintFieldIndex{Field: "RequestID"},
								&memdb.IntFieldIndex{Field: "TryNumber"},
								&memdb.IntFieldIndex{Field: "SliceIndex"},
							},
						},
					},
					"request": {
						Name:    "request",
						Indexer: &memdb.UintFieldIndex{Field: "RequestID"},
					},
					// Partial index over live entries only, ordered by the
					// packed queue key: the run queue itself.
					"claimable": {
						Name:         "claimable",
						AllowMissing: true,
						Indexer:      queueKeyIndexer{},
					},
				},
			},
			tableRunResults: {
				Name: tableRunResults,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.UintFieldIndex{Field: "RequestID"},
								&memdb.IntFieldIndex{Field: "TryNumber"},
							},
						},
					},
					"state": {
						Name:    "state",
						Indexer: &memdb.StringFieldIndex{Field: "State"},
					},
				},
			},
			tableOutputChunks: {
				Name: tableOutputChunks,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:   "id",
						Unique: true,
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.UintFieldIndex{Field: "RequestID"},
								&memdb.IntFieldIndex{Field: "TryNumber"},
								&memdb.IntFieldIndex{Field: "Chunk"},
							},
						},
					},
					"run": {
						Name: "run",
						Indexer: &memdb.CompoundIndex{
							Indexes: []memdb.Indexer{
								&memdb.UintFieldIndex{Field: "RequestID"},
								&memdb.IntFieldIndex{Field: "TryNumber"},
							},
						},
					},
				},
			},
			tableSecrets: {
				Name: tableSecrets,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.UintFieldIndex{Field: "RequestID"},
					},
				},
			},
			tableBots: {
				Name: tableBots,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"lease": {
						Name:         "lease",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "MachineLeaseID"},
					},
				},
			},
			tableMachineTypes: {
				Name: tableMachineTypes,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "Name"},
					},
				},
			},
			tableMachineLeases: {
				Name: tableMachineLeases,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"type": {
						Name:    "type",
						Indexer: &memdb.StringFieldIndex{Field: "MachineType"},
					},
				},
			},
			tableUtilization: {
				Name: tableUtilization,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "MachineType"},
					},
				},
			},
			tableOutbox: {
				Name: tableOutbox,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.UintFieldIndex{Field: "ID"},
					},
				},
			},
		},
	}
}

// queueKeyIndexer indexes TaskToRun entries by their packed queue key.
// Entries with a nil key are simply absent from the index, which is what
// makes clearing the key the atomic dequeue operation.
type queueKeyIndexer struct{}

func (queueKeyIndexer) FromObject(raw interface{}) (bool, []byte, error) {
	t, ok := raw.(*structs.TaskToRun)
	if !ok {
		return false, nil, fmt.Errorf("object %T is not a TaskToRun", raw)
	}
	if t.QueueKey == nil {
		return false, nil, nil
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, *t.QueueKey)
	return true, b, nil
}

func (queueKeyIndexer) FromArgs(args ...interface{}) ([]byte, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("must provide exactly one argument")
	}
	v, ok := args[0].(uint64)
	if !ok {
		return nil, fmt.Errorf("argument %T is not a uint64", args[0])
	}
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b, nil
}
