// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package lease

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/drover/ci"
	"github.com/hashicorp/drover/drover/structs"
)

func TestTargetSize(t *testing.T) {
	ci.Parallel(t)

	// 2024-03-04 is a Monday.
	monday10 := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	monday20 := time.Date(2024, 3, 4, 20, 0, 0, 0, time.UTC)

	mt := &structs.MachineType{
		Name:       "small",
		Enabled:    true,
		TargetSize: 4,
		Schedule: &structs.LeaseSchedule{
			Daily: []*structs.DailyInterval{
				{Start: "09:00", End: "17:00", Days: []int{0, 1, 2, 3, 4}, TargetSize: 10},
			},
			LoadBased: &structs.LoadBasedPolicy{MinimumSize: 2, MaximumSize: 20},
		},
	}

	cases := []struct {
		name    string
		util    *structs.MachineUtilization
		current int
		now     time.Time
		expect  int
	}{
		{"inside interval wins", &structs.MachineUtilization{Busy: 100}, 4, monday10, 10},
		{"no utilization falls back to config", nil, 4, monday20, 4},
		{"load based scales up", &structs.MachineUtilization{Busy: 8}, 4, monday20, 12},
		{"load based hits maximum", &structs.MachineUtilization{Busy: 100}, 4, monday20, 20},
		{"load based hits minimum", &structs.MachineUtilization{Busy: 0}, 1, monday20, 2},
		{"scale down is dampened", &structs.MachineUtilization{Busy: 1}, 18, monday20, 17},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := TargetSize(mt, tc.util, tc.current, tc.now, 1.5, 0.99)
			must.Eq(t, tc.expect, got)
		})
	}

	// No schedule at all: the static size.
	plain := &structs.MachineType{Name: "plain", TargetSize: 3}
	must.Eq(t, 3, TargetSize(plain, nil, 3, monday10, 1.5, 0.99))

	// Parameterized constants are honored.
	aggressive := TargetSize(mt, &structs.MachineUtilization{Busy: 8}, 4, monday20, 2.0, 0.99)
	must.Eq(t, 16, aggressive)
}
