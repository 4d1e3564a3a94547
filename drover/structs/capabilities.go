// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/hashicorp/go-set/v3"
	"github.com/mitchellh/hashstructure"
)

// CapabilitySet is a multi-valued key to set-of-values map. Bots advertise
// one describing what they can do; task slices require one describing what
// they need. A slice matches a bot when, for every key the slice requires,
// the bot advertises a superset of the required values.
type CapabilitySet struct {
	caps map[string]*set.Set[string]
}

// NewCapabilitySet builds a CapabilitySet from a plain map. Empty value
// lists are dropped.
func NewCapabilitySet(m map[string][]string) *CapabilitySet {
	cs := &CapabilitySet{caps: make(map[string]*set.Set[string], len(m))}
	for k, vs := range m {
		if len(vs) == 0 {
			continue
		}
		cs.caps[k] = set.From(vs)
	}
	return cs
}

// Keys returns the capability keys in sorted order.
func (c *CapabilitySet) Keys() []string {
	keys := make([]string, 0, len(c.caps))
	for k := range c.caps {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Values returns the sorted values for key, or nil.
func (c *CapabilitySet) Values(key string) []string {
	s, ok := c.caps[key]
	if !ok {
		return nil
	}
	vs := s.Slice()
	sort.Strings(vs)
	return vs
}

// Contains reports whether key advertises value.
func (c *CapabilitySet) Contains(key, value string) bool {
	s, ok := c.caps[key]
	return ok && s.Contains(value)
}

// Empty reports whether no capabilities are present.
func (c *CapabilitySet) Empty() bool {
	return c == nil || len(c.caps) == 0
}

// MatchedBy reports whether bot satisfies every requirement in c.
func (c *CapabilitySet) MatchedBy(bot *CapabilitySet) bool {
	if c.Empty() {
		return true
	}
	if bot.Empty() {
		return false
	}
	for k, required := range c.caps {
		advertised, ok := bot.caps[k]
		if !ok || !advertised.Subset(required) {
			return false
		}
	}
	return true
}

// Equal reports whether two capability sets hold the same keys and values.
func (c *CapabilitySet) Equal(o *CapabilitySet) bool {
	if c.Empty() != o.Empty() {
		return false
	}
	if c.Empty() {
		return true
	}
	if len(c.caps) != len(o.caps) {
		return false
	}
	for k, vs := range c.caps {
		ovs, ok := o.caps[k]
		if !ok || !vs.Equal(ovs) {
			return false
		}
	}
	return true
}

// Copy returns a deep copy.
func (c *CapabilitySet) Copy() *CapabilitySet {
	if c == nil {
		return nil
	}
	nc := &CapabilitySet{caps: make(map[string]*set.Set[string], len(c.caps))}
	for k, vs := range c.caps {
		nc.caps[k] = vs.Copy()
	}
	return nc
}

// Canonical returns the capability set as a map with sorted value slices,
// suitable for stable encoding.
func (c *CapabilitySet) Canonical() map[string][]string {
	if c == nil {
		return nil
	}
	out := make(map[string][]string, len(c.caps))
	for _, k := range c.Keys() {
		out[k] = c.Values(k)
	}
	return out
}

// Fingerprint returns a stable hash of the canonical form, used to key
// capacity scans and the negative-lookup caches.
func (c *CapabilitySet) Fingerprint() uint64 {
	h, err := hashstructure.Hash(c.Canonical(), nil)
	if err != nil {
		// hashstructure cannot fail on a map of string slices.
		panic(fmt.Sprintf("capability fingerprint: %v", err))
	}
	return h
}

// String renders "k1:v1,v2;k2:v3" with sorted keys and values.
func (c *CapabilitySet) String() string {
	if c.Empty() {
		return ""
	}
	parts := make([]string, 0, len(c.caps))
	for _, k := range c.Keys() {
		parts = append(parts, k+":"+strings.Join(c.Values(k), ","))
	}
	return strings.Join(parts, ";")
}

// MarshalJSON encodes the canonical map form.
func (c *CapabilitySet) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.Canonical())
}

// UnmarshalJSON decodes from the canonical map form.
func (c *CapabilitySet) UnmarshalJSON(data []byte) error {
	var m map[string][]string
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*c = *NewCapabilitySet(m)
	return nil
}
