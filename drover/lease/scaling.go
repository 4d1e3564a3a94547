// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package lease

import (
	"math"
	"time"

	"github.com/hashicorp/drover/drover/structs"
)

// TargetSize resolves the current target size for a machine type: a
// covering daily schedule interval wins, then the load-based policy, then
// the configured static size. current is the previously resolved target,
// used to dampen load-based scale downs.
func TargetSize(mt *structs.MachineType, util *structs.MachineUtilization, current int, now time.Time, scaleUpFactor, dampenFraction float64) int {
	sched := mt.Schedule
	if sched == nil {
		return mt.TargetSize
	}

	// Intervals never intersect (validated), so the first covering one
	// is the only one.
	for _, interval := range sched.Daily {
		if interval.Covers(now) {
			return interval.TargetSize
		}
	}

	// Outside every interval, fall back to load-based scaling so
	// scheduled and load-based changes can be combined.
	if lb := sched.LoadBased; lb != nil {
		if util == nil {
			return mt.TargetSize
		}
		target := int(math.Ceil(float64(util.Busy) * scaleUpFactor))
		if target >= lb.MaximumSize {
			return lb.MaximumSize
		}
		// Dampen scale downs: one tick may not drop the target below the
		// configured fraction of what it was. This deliberately couples
		// the decay rate to the tick frequency.
		if floor := int(dampenFraction * float64(current)); target < floor {
			target = floor
		}
		if target < lb.MinimumSize {
			target = lb.MinimumSize
		}
		return target
	}

	return mt.TargetSize
}
