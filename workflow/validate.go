package workflow

import (
	"fmt"
	"sort"

	"github.com/songzhibin97/process-engine/types"
)

// Validation rules, in the order they are checked.
const (
	RuleSingleStart    = "single_start"
	RuleSuccessors     = "successors"
	RuleActors         = "actors"
	RuleBranches       = "conditional_branches"
	RuleForkJoin       = "fork_join"
	RuleAcyclic        = "acyclic"
	RuleSections       = "parallel_sections"
	RuleReachable      = "reachable"
	RuleEndReachable   = "end_reachable"
	RuleJoinReachable  = "join_reachable"
	RuleUnknownVariant = "unknown_variant"
)

// ValidationError is the first violation found in a definition graph.
type ValidationError struct {
	Rule       string
	ActivityID string
	Message    string
}

func (e *ValidationError) Error() string {
	if e.ActivityID == "" {
		return fmt.Sprintf("%v: %s: %s", ErrGraphInvalid, e.Rule, e.Message)
	}
	return fmt.Sprintf("%v: %s: activity %q: %s", ErrGraphInvalid, e.Rule, e.ActivityID, e.Message)
}

// Unwrap makes errors.Is(err, ErrGraphInvalid) hold.
func (e *ValidationError) Unwrap() error { return ErrGraphInvalid }

func violation(rule, activityID, format string, args ...interface{}) error {
	return &ValidationError{Rule: rule, ActivityID: activityID, Message: fmt.Sprintf(format, args...)}
}

// Validate checks that def describes an executable activity graph. It returns
// nil or the first *ValidationError found. It has no side effects.
func Validate(def *types.ProcessDefinition) error {
	if def == nil || len(def.Activities) == 0 {
		return violation(RuleSingleStart, "", "definition has no activities")
	}
	ids := sortedIDs(def)

	// (a) exactly one start
	var starts []string
	for _, id := range ids {
		a := def.Activities[id]
		if a == nil {
			return violation(RuleUnknownVariant, id, "nil activity")
		}
		if a.Base().ID != id {
			return violation(RuleSuccessors, id, "activity declares id %q", a.Base().ID)
		}
		if a.Kind() == types.KindStart {
			starts = append(starts, id)
		}
	}
	if len(starts) != 1 {
		return violation(RuleSingleStart, "", "want exactly one start activity, found %d", len(starts))
	}
	if def.StartID != starts[0] {
		return violation(RuleSingleStart, def.StartID, "start id does not name the start activity %q", starts[0])
	}

	// (b) successors and actors exist
	for _, id := range ids {
		a := def.Activities[id]
		for _, next := range a.Successors() {
			if next == "" {
				if a.Kind() == types.KindConditional {
					continue
				}
				return violation(RuleSuccessors, id, "%s activity has no successor", a.Kind())
			}
			if _, ok := def.Activities[next]; !ok {
				return violation(RuleSuccessors, id, "successor %q does not exist", next)
			}
			if next == def.StartID {
				return violation(RuleSuccessors, id, "start activity cannot be a successor")
			}
		}
		if actor := a.Base().ActorID; actor != "" {
			if _, ok := def.Actors[actor]; !ok {
				return violation(RuleActors, id, "actor %q does not exist", actor)
			}
		}
	}

	// (c) conditional branches
	for _, id := range ids {
		if c, ok := def.Activities[id].(*types.Conditional); ok {
			if c.OnTrue == "" || c.OnFalse == "" {
				return violation(RuleBranches, id, "conditional needs both onTrue and onFalse")
			}
		}
	}

	// (d) fork/join pairing
	for _, id := range ids {
		switch a := def.Activities[id].(type) {
		case *types.Fork:
			if len(a.Paths) == 0 {
				return violation(RuleForkJoin, id, "fork has no paths")
			}
			join, ok := def.Activities[a.JoinID].(*types.Join)
			if !ok {
				return violation(RuleForkJoin, id, "join %q does not exist or is not a join", a.JoinID)
			}
			if join.ForkID != id {
				return violation(RuleForkJoin, id, "join %q belongs to fork %q", a.JoinID, join.ForkID)
			}
			if join.ExpectedPaths != len(a.Paths) {
				return violation(RuleForkJoin, id, "join %q expects %d paths, fork has %d", a.JoinID, join.ExpectedPaths, len(a.Paths))
			}
		case *types.Join:
			fork, ok := def.Activities[a.ForkID].(*types.Fork)
			if !ok || fork.JoinID != id {
				return violation(RuleForkJoin, id, "join is not the declared join of fork %q", a.ForkID)
			}
		}
	}

	// (e) acyclic, no cross-section jumps
	w := &walker{
		def:     def,
		lineage: make(map[string][]types.Branch, len(def.Activities)),
		onStack: make(map[string]bool),
		done:    make(map[string]bool),
	}
	if err := w.visit(def.StartID, nil); err != nil {
		return err
	}

	// (f) reachability
	hasEnd := false
	for _, id := range ids {
		if _, ok := w.lineage[id]; !ok {
			return violation(RuleReachable, id, "activity is not reachable from start")
		}
		switch a := def.Activities[id].(type) {
		case *types.End:
			hasEnd = true
		case *types.Fork:
			if _, ok := w.lineage[a.JoinID]; !ok {
				return violation(RuleJoinReachable, id, "join %q is not reachable", a.JoinID)
			}
		}
	}
	if !hasEnd {
		return violation(RuleEndReachable, "", "no end activity is reachable from start")
	}
	return nil
}

type walker struct {
	def     *types.ProcessDefinition
	lineage map[string][]types.Branch
	onStack map[string]bool
	done    map[string]bool
}

func (w *walker) visit(id string, lineage []types.Branch) error {
	if w.onStack[id] {
		return violation(RuleAcyclic, id, "activity is part of a cycle")
	}
	if seen, ok := w.lineage[id]; ok {
		if !sameLineage(seen, lineage) {
			return violation(RuleSections, id, "activity reached from more than one parallel section")
		}
		if w.done[id] {
			return nil
		}
	}
	w.lineage[id] = lineage
	w.onStack[id] = true
	defer func() {
		w.onStack[id] = false
		w.done[id] = true
	}()

	switch a := w.def.Activities[id].(type) {
	case *types.End:
		if len(lineage) > 0 {
			return violation(RuleSections, id, "end activity inside parallel section of fork %q", lineage[len(lineage)-1].ForkID)
		}
		return nil
	case *types.Fork:
		for i, head := range a.Paths {
			child := append(append([]types.Branch(nil), lineage...), types.Branch{ForkID: id, Path: i})
			if err := w.enter(id, head, child); err != nil {
				return err
			}
		}
		return nil
	case *types.Start, *types.Normal, *types.Conditional, *types.Join:
		for _, next := range a.Successors() {
			if err := w.enter(id, next, lineage); err != nil {
				return err
			}
		}
		return nil
	default:
		return violation(RuleUnknownVariant, id, "unsupported activity type %T", a)
	}
}

// enter follows the edge from -> next, popping the lineage when next is the
// join closing the innermost section.
func (w *walker) enter(from, next string, lineage []types.Branch) error {
	join, ok := w.def.Activities[next].(*types.Join)
	if !ok {
		return w.visit(next, lineage)
	}
	if len(lineage) == 0 || lineage[len(lineage)-1].ForkID != join.ForkID {
		return violation(RuleSections, next, "join entered from outside the paths of fork %q (from %q)", join.ForkID, from)
	}
	if w.onStack[next] {
		return violation(RuleAcyclic, next, "activity is part of a cycle")
	}
	parent := lineage[:len(lineage)-1]
	if seen, ok := w.lineage[next]; ok {
		if !sameLineage(seen, parent) {
			return violation(RuleSections, next, "activity reached from more than one parallel section")
		}
		return nil
	}
	return w.visit(next, append([]types.Branch(nil), parent...))
}

func sameLineage(a, b []types.Branch) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func sortedIDs(def *types.ProcessDefinition) []string {
	ids := make([]string, 0, len(def.Activities))
	for id := range def.Activities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
