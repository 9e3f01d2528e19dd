package retention

import (
	"sort"
	"time"

	"github.com/zsnapd/zsnapd/pkg/models"
	"github.com/zsnapd/zsnapd/pkg/snaptime"
)

// Plan is the planner's verdict over one candidate set. Keep and
// Destroy partition the input: every snapshot appears in exactly one of
// the two, and both are ordered by creation ascending.
type Plan struct {
	Keep    []models.Snapshot
	Destroy []models.Snapshot
}

// Plan maps the candidate snapshots to a keep/destroy partition.
//
// Bucket edges are walked backwards from now floored to the minute:
// first the keep span (Keep days, nothing destroyed), then Hours
// one-hour buckets, then Days, Weeks, Months, Years buckets of their
// unit lengths. Snapshots inside the first interval of the walk fall
// in no bucket and are always kept. Within each bucket the oldest
// snapshot survives; a snapshot exactly on a bucket edge belongs to
// the older bucket. Snapshots behind the last edge are destroyed.
// Foreign-named snapshots are only ever destroyed when cleanAll is
// set.
//
// Keeping the oldest per bucket makes snapshots roll into older buckets
// over time instead of being re-evaluated out of existence at edges.
func (s Schema) Plan(snapshots []models.Snapshot, now time.Time, cleanAll bool) Plan {
	now = snaptime.FloorMinute(now)
	keepLimit := s.keepLimit()
	edges := s.boundaries()

	sorted := make([]models.Snapshot, len(snapshots))
	copy(sorted, snapshots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Creation.Before(sorted[j].Creation) })

	// oldest survivor per bucket, keyed by edge index
	buckets := make(map[int]models.Snapshot, len(edges))
	var plan Plan
	condemn := func(snap models.Snapshot) {
		if !cleanAll && !snaptime.IsManaged(snap.Name) {
			plan.Keep = append(plan.Keep, snap)
			return
		}
		plan.Destroy = append(plan.Destroy, snap)
	}

	for _, snap := range sorted {
		age := now.Sub(snap.Creation)
		if age <= 0 || age < keepLimit {
			plan.Keep = append(plan.Keep, snap)
			continue
		}
		bucket := sort.Search(len(edges), func(i int) bool { return age < edges[i] })
		if bucket == len(edges) {
			condemn(snap)
			continue
		}
		if _, occupied := buckets[bucket]; occupied {
			// Walking creation-ascending, the first occupant is the
			// oldest in its bucket and survives.
			condemn(snap)
			continue
		}
		buckets[bucket] = snap
		plan.Keep = append(plan.Keep, snap)
	}

	sort.Slice(plan.Keep, func(i, j int) bool { return plan.Keep[i].Creation.Before(plan.Keep[j].Creation) })
	sort.Slice(plan.Destroy, func(i, j int) bool { return plan.Destroy[i].Creation.Before(plan.Destroy[j].Creation) })
	return plan
}
