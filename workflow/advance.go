package workflow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/songzhibin97/process-engine/types"
)

// Advance moves the instance out of activityID given the artifact committed
// there and returns the new position. It is a pure function of its inputs:
// inst is never modified and no I/O happens.
//
// Start and Fork activities accept a nil artifact. Normal and Conditional
// activities need a committed one.
func Advance(def *types.ProcessDefinition, inst *types.ProcessInstance, activityID string, artifact *types.Artifact) (types.Position, error) {
	tr, err := Trace(def, inst, activityID, artifact)
	if err != nil {
		return nil, err
	}
	return tr.Position, nil
}

// Transition is the outcome of one Advance.
type Transition struct {
	Position types.Position
	// FiredJoins lists the joins whose barrier was reached, in firing order.
	FiredJoins []string
}

// Terminal reports whether the new position is exactly an End activity.
func (t Transition) Terminal(def *types.ProcessDefinition) bool {
	return t.Position.IsTerminal(def)
}

// Trace is Advance that also reports which join barriers fired.
func Trace(def *types.ProcessDefinition, inst *types.ProcessInstance, activityID string, artifact *types.Artifact) (Transition, error) {
	if def == nil || inst == nil {
		return Transition{}, fmt.Errorf("%w: definition and instance are required", ErrInvalidPosition)
	}
	if inst.DefinitionID != "" && def.ID != "" && inst.DefinitionID != def.ID {
		return Transition{}, fmt.Errorf("%w: instance %s belongs to definition %s, not %s", ErrInvalidPosition, inst.ID, inst.DefinitionID, def.ID)
	}

	idx := inst.Position.Index(activityID)
	if idx < 0 {
		if duplicateArrival(def, inst, activityID) {
			return Transition{}, fmt.Errorf("%w: activity %q already arrived at its join", ErrDuplicateArrival, activityID)
		}
		return Transition{}, fmt.Errorf("%w: activity %q is not part of the position of instance %s", ErrInvalidPosition, activityID, inst.ID)
	}
	activity := def.Activity(activityID)
	if activity == nil {
		return Transition{}, fmt.Errorf("%w: activity %q is not defined in %s", ErrInvalidPosition, activityID, def.ID)
	}
	if artifact != nil && !artifact.Committed() {
		return Transition{}, fmt.Errorf("%w: artifact for %q has no commit date", ErrArtifactNotCommitted, activityID)
	}

	a := &advancer{
		def:      def,
		pos:      inst.Position.Clone(),
		idx:      idx,
		artifact: artifact,
	}
	if err := activity.Accept(a); err != nil {
		return Transition{}, err
	}
	return Transition{Position: a.pos, FiredJoins: a.fired}, nil
}

// duplicateArrival reports whether activityID already delivered its path to a
// join, either still waiting or already fired. A fork whose path starts at the
// join is recorded as the source of that arrival but never counts here.
func duplicateArrival(def *types.ProcessDefinition, inst *types.ProcessInstance, activityID string) bool {
	if _, ok := def.Activity(activityID).(*types.Fork); ok {
		return false
	}
	for _, t := range inst.Position {
		if t.ArrivedFrom(activityID) {
			return true
		}
	}
	if !inst.Committed(activityID) {
		return false
	}
	activity := def.Activity(activityID)
	if activity == nil {
		return false
	}
	for _, next := range activity.Successors() {
		if _, ok := def.Activity(next).(*types.Join); ok {
			return true
		}
	}
	return false
}

// advancer applies one Advance to a cloned position.
type advancer struct {
	def      *types.ProcessDefinition
	pos      types.Position
	idx      int
	artifact *types.Artifact
	fired    []string
}

func (a *advancer) token() types.Token { return a.pos[a.idx] }

func (a *advancer) requireArtifact(id string) error {
	if a.artifact == nil {
		return fmt.Errorf("%w: activity %q needs a committed artifact", ErrArtifactNotCommitted, id)
	}
	return nil
}

func (a *advancer) VisitStart(s *types.Start) error {
	return a.moveTo(s.ID, s.Next)
}

func (a *advancer) VisitNormal(n *types.Normal) error {
	if err := a.requireArtifact(n.ID); err != nil {
		return err
	}
	return a.moveTo(n.ID, n.Next)
}

func (a *advancer) VisitConditional(c *types.Conditional) error {
	if err := a.requireArtifact(c.ID); err != nil {
		return err
	}
	value, err := ConditionValue(a.artifact)
	if err != nil {
		return err
	}
	if value {
		return a.moveTo(c.ID, c.OnTrue)
	}
	return a.moveTo(c.ID, c.OnFalse)
}

func (a *advancer) VisitFork(f *types.Fork) error {
	tok := a.token()
	spawned := make(types.Position, 0, len(f.Paths))
	for i, head := range f.Paths {
		lineage := append(append([]types.Branch(nil), tok.Lineage...), types.Branch{ForkID: f.ID, Path: i})
		spawned = append(spawned, types.Token{ActivityID: head, Lineage: lineage})
	}
	rest := append(types.Position(nil), a.pos[a.idx+1:]...)
	a.pos = append(append(a.pos[:a.idx], spawned...), rest...)

	// A path may start directly at the join; settle those arrivals in order.
	for i := len(f.Paths) - 1; i >= 0; i-- {
		if _, ok := a.def.Activity(f.Paths[i]).(*types.Join); !ok {
			continue
		}
		at := a.idx + i
		t := a.pos[at]
		a.pos = append(a.pos[:at], a.pos[at+1:]...)
		if err := a.place(at, f.Paths[i], f.ID, t.Lineage); err != nil {
			return err
		}
	}
	return nil
}

func (a *advancer) VisitJoin(j *types.Join) error {
	tok := a.token()
	return fmt.Errorf("%w: join %q is waiting for %d of %d paths", ErrInvalidPosition, j.ID, j.ExpectedPaths-len(tok.Arrivals), j.ExpectedPaths)
}

func (a *advancer) VisitEnd(e *types.End) error {
	return fmt.Errorf("%w: end activity %q is terminal", ErrInvalidPosition, e.ID)
}

// moveTo replaces the token of from with a token at next.
func (a *advancer) moveTo(from, next string) error {
	tok := a.token()
	a.pos = append(a.pos[:a.idx], a.pos[a.idx+1:]...)
	return a.place(a.idx, next, from, tok.Lineage)
}

// place inserts a token for activity id at index at. Entering a join records
// the arrival of the innermost path instead; the last arrival fires the join.
func (a *advancer) place(at int, id, from string, lineage []types.Branch) error {
	activity := a.def.Activity(id)
	if activity == nil {
		return fmt.Errorf("%w: successor %q of %q is not defined", ErrGraphInvalid, id, from)
	}
	join, ok := activity.(*types.Join)
	if !ok {
		a.insert(at, types.Token{ActivityID: id, Lineage: lineage})
		return nil
	}

	if len(lineage) == 0 || lineage[len(lineage)-1].ForkID != join.ForkID {
		return fmt.Errorf("%w: %q entered join %q from outside fork %q", ErrGraphInvalid, from, id, join.ForkID)
	}
	path := lineage[len(lineage)-1].Path
	parent := append([]types.Branch(nil), lineage[:len(lineage)-1]...)

	j := a.joinToken(id, parent)
	if j < 0 {
		a.insert(at, types.Token{ActivityID: id, Lineage: parent})
		j = at
	}
	if a.pos[j].Arrived(path) {
		return fmt.Errorf("%w: path %d of fork %q already arrived at %q", ErrDuplicateArrival, path, join.ForkID, id)
	}
	a.pos[j].Arrivals = append(a.pos[j].Arrivals, types.Arrival{Path: path, ActivityID: from})
	if len(a.pos[j].Arrivals) < join.ExpectedPaths {
		return nil
	}

	// Barrier reached: drop the join token and anything still spawned by the
	// fork, then continue as a normal activity.
	kept := a.pos[:0]
	insertAt := -1
	for i, t := range a.pos {
		if i == j {
			insertAt = len(kept)
			continue
		}
		if spawnedBy(t.Lineage, parent, join.ForkID) {
			continue
		}
		kept = append(kept, t)
	}
	a.pos = kept
	a.fired = append(a.fired, id)
	return a.place(insertAt, join.Next, id, parent)
}

// joinToken returns the index of the barrier token of join id opened at
// parent. Spawned tokens of paths that start at the join carry the same
// activity id but a deeper lineage and are skipped.
func (a *advancer) joinToken(id string, parent []types.Branch) int {
	for i, t := range a.pos {
		if t.ActivityID == id && sameLineage(t.Lineage, parent) {
			return i
		}
	}
	return -1
}

func (a *advancer) insert(at int, t types.Token) {
	if at > len(a.pos) {
		at = len(a.pos)
	}
	a.pos = append(a.pos, types.Token{})
	copy(a.pos[at+1:], a.pos[at:])
	a.pos[at] = t
}

// spawnedBy reports whether lineage lies inside fork forkID opened at parent.
func spawnedBy(lineage, parent []types.Branch, forkID string) bool {
	if len(lineage) <= len(parent) {
		return false
	}
	return sameLineage(lineage[:len(parent)], parent) && lineage[len(parent)].ForkID == forkID
}

// ConditionValue reads the boolean a conditional artifact carries.
func ConditionValue(artifact *types.Artifact) (bool, error) {
	if artifact == nil {
		return false, fmt.Errorf("%w: no artifact", ErrMalformedArtifact)
	}
	raw := strings.Trim(strings.TrimSpace(string(artifact.Content)), `"`)
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: conditional payload %q is not a boolean", ErrMalformedArtifact, raw)
	}
	return value, nil
}
