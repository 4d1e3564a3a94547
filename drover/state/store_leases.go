// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"github.com/hashicorp/drover/drover/structs"
)

// UpsertMachineType writes a machine type.
func (t *Txn) UpsertMachineType(mt *structs.MachineType) error {
	return t.txn.Insert(tableMachineTypes, mt.Copy())
}

// MachineTypeByName returns a machine type, or nil.
func (t *Txn) MachineTypeByName(name string) (*structs.MachineType, error) {
	raw, err := t.txn.First(tableMachineTypes, "id", name)
	if err != nil || raw == nil {
		return nil, err
	}
	return raw.(*structs.MachineType).Copy(), nil
}

// MachineTypes returns every machine type.
func (t *Txn) MachineTypes() ([]*structs.MachineType, error) {
	it, err := t.txn.Get(tableMachineTypes, "id")
	if err != nil {
		return nil, err
	}
	var out []*structs.MachineType
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.MachineType).Copy())
	}
	return out, nil
}

// DeleteMachineType removes a machine type dropped from the config.
func (t *Txn) DeleteMachineType(name string) error {
	raw, err := t.txn.First(tableMachineTypes, "id", name)
	if err != nil || raw == nil {
		return err
	}
	return t.txn.Delete(tableMachineTypes, raw)
}

// UpsertMachineLease writes a lease slot.
func (t *Txn) UpsertMachineLease(l *structs.MachineLease) error {
	return t.txn.Insert(tableMachineLeases, l.Copy())
}

// MachineLeaseByID returns a lease slot, or nil.
func (t *Txn) MachineLeaseByID(id string) (*structs.MachineLease, error) {
	raw, err := t.txn.First(tableMachineLeases, "id", id)
	if err != nil || raw == nil {
		return nil, err
	}
	return raw.(*structs.MachineLease).Copy(), nil
}

// DeleteMachineLease removes a drained, unleased slot.
func (t *Txn) DeleteMachineLease(id string) error {
	raw, err := t.txn.First(tableMachineLeases, "id", id)
	if err != nil || raw == nil {
		return err
	}
	return t.txn.Delete(tableMachineLeases, raw)
}

// MachineLeases returns every lease slot.
func (t *Txn) MachineLeases() ([]*structs.MachineLease, error) {
	it, err := t.txn.Get(tableMachineLeases, "id")
	if err != nil {
		return nil, err
	}
	var out []*structs.MachineLease
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.MachineLease).Copy())
	}
	return out, nil
}

// MachineLeasesByType returns the slots belonging to one machine type.
func (t *Txn) MachineLeasesByType(name string) ([]*structs.MachineLease, error) {
	it, err := t.txn.Get(tableMachineLeases, "type", name)
	if err != nil {
		return nil, err
	}
	var out []*structs.MachineLease
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.MachineLease).Copy())
	}
	return out, nil
}

// UpsertUtilization writes the busy/idle summary for one machine type.
func (t *Txn) UpsertUtilization(u *structs.MachineUtilization) error {
	return t.txn.Insert(tableUtilization, u.Copy())
}

// UtilizationByType returns the summary, or nil.
func (t *Txn) UtilizationByType(name string) (*structs.MachineUtilization, error) {
	raw, err := t.txn.First(tableUtilization, "id", name)
	if err != nil || raw == nil {
		return nil, err
	}
	return raw.(*structs.MachineUtilization).Copy(), nil
}
