package workflow

import (
	"github.com/songzhibin97/process-engine/types"
)

// IsRunningInParallel reports whether activityID lies strictly between a fork
// and its matching join, given the ordered activities an instance visited.
// Only the part of path before the first occurrence of activityID counts; if
// activityID was never visited the whole path is used, which answers the
// question for the activity the instance is about to perform.
func IsRunningInParallel(def *types.ProcessDefinition, path []string, activityID string) bool {
	if def.Activity(activityID) == nil {
		return false
	}
	var open []string
	for _, id := range path {
		if id == activityID {
			break
		}
		switch a := def.Activity(id).(type) {
		case *types.Fork:
			open = append(open, a.ID)
		case *types.Join:
			// Sibling paths interleave, so the fork need not be on top.
			for i := len(open) - 1; i >= 0; i-- {
				if open[i] == a.ForkID {
					open = append(open[:i], open[i+1:]...)
					break
				}
			}
		}
	}
	if len(open) == 0 {
		return false
	}
	if j, ok := def.Activity(activityID).(*types.Join); ok && len(open) == 1 && open[0] == j.ForkID {
		return false
	}
	return true
}

// IsWaiting reports whether activityID has already delivered its path to a
// join that is still waiting for sibling paths.
func IsWaiting(pos types.Position, activityID string) bool {
	for _, t := range pos {
		if t.ArrivedFrom(activityID) {
			return true
		}
	}
	return false
}

// PendingJoin describes a join barrier that has not fired yet.
type PendingJoin struct {
	JoinID   string
	ForkID   string
	Arrived  []int
	Expected int
}

// PendingJoins lists the join barriers in pos that still wait for paths.
func PendingJoins(def *types.ProcessDefinition, pos types.Position) []PendingJoin {
	var out []PendingJoin
	for _, t := range pos {
		j, ok := def.Activity(t.ActivityID).(*types.Join)
		if !ok {
			continue
		}
		p := PendingJoin{JoinID: j.ID, ForkID: j.ForkID, Expected: j.ExpectedPaths}
		for _, a := range t.Arrivals {
			p.Arrived = append(p.Arrived, a.Path)
		}
		out = append(out, p)
	}
	return out
}

// InParallelSection reports whether the token at activityID sits inside a
// fork/join section of the current position.
func InParallelSection(pos types.Position, activityID string) bool {
	t, ok := pos.Find(activityID)
	return ok && t.InParallel()
}
