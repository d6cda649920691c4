package types

// Branch is one level of parallel nesting: path Path of fork ForkID.
type Branch struct {
	ForkID string `json:"fork_id"`
	Path   int    `json:"path"`
}

// Arrival records that a fork path reached its join, coming from ActivityID.
type Arrival struct {
	Path       int    `json:"path"`
	ActivityID string `json:"activity_id"`
}

// Token is one member of an instance position.
type Token struct {
	ActivityID string `json:"activity_id"`
	// Lineage is the stack of fork paths enclosing the token, outermost first.
	Lineage []Branch `json:"lineage,omitempty"`
	// Arrivals is only populated on a join token waiting for its paths.
	Arrivals []Arrival `json:"arrivals,omitempty"`
}

// InParallel reports whether the token sits inside a fork/join section.
func (t Token) InParallel() bool { return len(t.Lineage) > 0 }

// Arrived reports whether path already arrived at this join token.
func (t Token) Arrived(path int) bool {
	for _, a := range t.Arrivals {
		if a.Path == path {
			return true
		}
	}
	return false
}

// ArrivedFrom reports whether an arrival came from activityID.
func (t Token) ArrivedFrom(activityID string) bool {
	for _, a := range t.Arrivals {
		if a.ActivityID == activityID {
			return true
		}
	}
	return false
}

func (t Token) clone() Token {
	out := Token{ActivityID: t.ActivityID}
	if t.Lineage != nil {
		out.Lineage = append([]Branch(nil), t.Lineage...)
	}
	if t.Arrivals != nil {
		out.Arrivals = append([]Arrival(nil), t.Arrivals...)
	}
	return out
}

// Position is the ordered set of tokens a running instance occupies. Each
// activity id appears at most once.
type Position []Token

// NewPosition returns a single-token position at activityID.
func NewPosition(activityID string) Position {
	return Position{{ActivityID: activityID}}
}

// Index returns the index of the token at activityID, or -1.
func (p Position) Index(activityID string) int {
	for i, t := range p {
		if t.ActivityID == activityID {
			return i
		}
	}
	return -1
}

// Contains reports whether a token sits at activityID.
func (p Position) Contains(activityID string) bool {
	return p.Index(activityID) >= 0
}

// Find returns the token at activityID.
func (p Position) Find(activityID string) (Token, bool) {
	if i := p.Index(activityID); i >= 0 {
		return p[i], true
	}
	return Token{}, false
}

// ActivityIDs lists the activity ids in position order.
func (p Position) ActivityIDs() []string {
	ids := make([]string, len(p))
	for i, t := range p {
		ids[i] = t.ActivityID
	}
	return ids
}

// Clone returns a deep copy.
func (p Position) Clone() Position {
	if p == nil {
		return nil
	}
	out := make(Position, len(p))
	for i, t := range p {
		out[i] = t.clone()
	}
	return out
}

// IsTerminal reports whether the position is exactly one End activity of def.
func (p Position) IsTerminal(def *ProcessDefinition) bool {
	if len(p) != 1 {
		return false
	}
	_, ok := def.Activity(p[0].ActivityID).(*End)
	return ok
}
