// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/drover/ci"
)

func TestDailyInterval_Covers(t *testing.T) {
	ci.Parallel(t)

	// 2024-03-04 is a Monday, day 0 in the schedule's numbering.
	monday := time.Date(2024, 3, 4, 10, 30, 0, 0, time.UTC)
	sunday := time.Date(2024, 3, 10, 10, 30, 0, 0, time.UTC)

	interval := &DailyInterval{Start: "09:00", End: "17:00", Days: []int{0, 1, 2, 3, 4}}
	must.True(t, interval.Covers(monday))
	must.False(t, interval.Covers(sunday))
	must.False(t, interval.Covers(monday.Add(9*time.Hour)))

	weekend := &DailyInterval{Start: "00:00", End: "23:59", Days: []int{5, 6}}
	must.True(t, weekend.Covers(sunday))
	must.False(t, weekend.Covers(monday))

	// No days means every day.
	always := &DailyInterval{Start: "10:00", End: "11:00"}
	must.True(t, always.Covers(monday))
	must.True(t, always.Covers(sunday))
}

func TestMachineType_Validate(t *testing.T) {
	ci.Parallel(t)

	mt := &MachineType{
		Name:          "small",
		Enabled:       true,
		TargetSize:    2,
		LeaseDuration: time.Hour,
		Capabilities:  NewCapabilitySet(map[string][]string{"pool": {"lease"}}),
	}
	must.NoError(t, mt.Validate())

	bad := mt.Copy()
	bad.Name = ""
	must.Error(t, bad.Validate())

	bad = mt.Copy()
	bad.LeaseIndefinitely = true
	must.Error(t, bad.Validate())

	bad = mt.Copy()
	bad.Schedule = &LeaseSchedule{Daily: []*DailyInterval{{Start: "9am", End: "17:00"}}}
	must.Error(t, bad.Validate())

	bad = mt.Copy()
	bad.Schedule = &LeaseSchedule{Daily: []*DailyInterval{{Start: "09:00", End: "17:00", Days: []int{7}}}}
	must.Error(t, bad.Validate())

	good := mt.Copy()
	good.Schedule = &LeaseSchedule{
		Daily:     []*DailyInterval{{Start: "09:00", End: "17:00", Days: []int{0, 4}, TargetSize: 5}},
		LoadBased: &LoadBasedPolicy{MinimumSize: 1, MaximumSize: 10},
	}
	must.NoError(t, good.Validate())
}

func TestMachineLeaseID(t *testing.T) {
	ci.Parallel(t)
	must.Eq(t, "small-3", MachineLeaseID("small", 3))
}
