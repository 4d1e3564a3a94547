// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package state

import (
	"github.com/hashicorp/drover/drover/structs"
)

// UpsertBot writes a bot record.
func (t *Txn) UpsertBot(b *structs.Bot) error {
	return t.txn.Insert(tableBots, b.Copy())
}

// BotByID returns a bot record, or nil.
func (t *Txn) BotByID(id string) (*structs.Bot, error) {
	raw, err := t.txn.First(tableBots, "id", id)
	if err != nil || raw == nil {
		return nil, err
	}
	return raw.(*structs.Bot).Copy(), nil
}

// DeleteBot removes a bot record; missing bots are not an error.
func (t *Txn) DeleteBot(id string) error {
	raw, err := t.txn.First(tableBots, "id", id)
	if err != nil || raw == nil {
		return err
	}
	return t.txn.Delete(tableBots, raw)
}

// Bots returns every bot record.
func (t *Txn) Bots() ([]*structs.Bot, error) {
	it, err := t.txn.Get(tableBots, "id")
	if err != nil {
		return nil, err
	}
	var out []*structs.Bot
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(*structs.Bot).Copy())
	}
	return out, nil
}

// HasCapacity reports whether any known bot advertises a superset of the
// required capability set.
func (t *Txn) HasCapacity(required *structs.CapabilitySet) (bool, error) {
	it, err := t.txn.Get(tableBots, "id")
	if err != nil {
		return false, err
	}
	for raw := it.Next(); raw != nil; raw = it.Next() {
		bot := raw.(*structs.Bot)
		if required.MatchedBy(bot.Capabilities) {
			return true, nil
		}
	}
	return false, nil
}
