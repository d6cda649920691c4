package types

// ActivityKind names the variant of an activity definition.
type ActivityKind string

const (
	KindStart       ActivityKind = "start"
	KindNormal      ActivityKind = "normal"
	KindConditional ActivityKind = "conditional"
	KindFork        ActivityKind = "fork"
	KindJoin        ActivityKind = "join"
	KindEnd         ActivityKind = "end"
)

// ActivityBase holds the attributes shared by every activity variant.
type ActivityBase struct {
	ID          string
	Name        string
	Description string
	Color       string
	Artifact    *ArtifactDefinition
	ActorID     string
	Kpis        []KpiDefinition
}

// Base returns the shared attributes. It is promoted to every variant.
func (b *ActivityBase) Base() *ActivityBase { return b }

// Activity is one node of a process definition graph. The set of
// implementations is closed: Start, Normal, Conditional, Fork, Join and End.
type Activity interface {
	Base() *ActivityBase
	Kind() ActivityKind
	// Successors lists the ids this activity can move a token to.
	Successors() []string
	Accept(v ActivityVisitor) error
	sealed()
}

// ActivityVisitor dispatches on the concrete activity variant. Adding a
// variant adds a method here, so every visitor must handle it.
type ActivityVisitor interface {
	VisitStart(a *Start) error
	VisitNormal(a *Normal) error
	VisitConditional(a *Conditional) error
	VisitFork(a *Fork) error
	VisitJoin(a *Join) error
	VisitEnd(a *End) error
}

// Start is the single entry activity of a definition.
type Start struct {
	ActivityBase
	Next string
}

// Normal is a plain step with one successor.
type Normal struct {
	ActivityBase
	Next string
	// Idling allows the artifact to be saved without advancing the instance.
	Idling bool
	// Confirm requires an explicit confirmation when committing.
	Confirm bool
}

// Conditional selects OnTrue or OnFalse from the boolean committed at it.
type Conditional struct {
	ActivityBase
	OnTrue              string
	OnFalse             string
	InformationArtifact *ArtifactDefinition
}

// Fork splits one token into one token per path.
type Fork struct {
	ActivityBase
	// Paths holds the head activity of each parallel path, in order.
	Paths  []string
	JoinID string
}

// Join waits for every path of its fork before continuing with Next.
type Join struct {
	ActivityBase
	ForkID        string
	ExpectedPaths int
	Next          string
}

// End is terminal.
type End struct {
	ActivityBase
}

func (*Start) Kind() ActivityKind       { return KindStart }
func (*Normal) Kind() ActivityKind      { return KindNormal }
func (*Conditional) Kind() ActivityKind { return KindConditional }
func (*Fork) Kind() ActivityKind        { return KindFork }
func (*Join) Kind() ActivityKind        { return KindJoin }
func (*End) Kind() ActivityKind         { return KindEnd }

func (a *Start) Successors() []string       { return []string{a.Next} }
func (a *Normal) Successors() []string      { return []string{a.Next} }
func (a *Conditional) Successors() []string { return []string{a.OnTrue, a.OnFalse} }
func (a *Fork) Successors() []string        { return append([]string(nil), a.Paths...) }
func (a *Join) Successors() []string        { return []string{a.Next} }
func (*End) Successors() []string           { return nil }

func (a *Start) Accept(v ActivityVisitor) error       { return v.VisitStart(a) }
func (a *Normal) Accept(v ActivityVisitor) error      { return v.VisitNormal(a) }
func (a *Conditional) Accept(v ActivityVisitor) error { return v.VisitConditional(a) }
func (a *Fork) Accept(v ActivityVisitor) error        { return v.VisitFork(a) }
func (a *Join) Accept(v ActivityVisitor) error        { return v.VisitJoin(a) }
func (a *End) Accept(v ActivityVisitor) error         { return v.VisitEnd(a) }

func (*Start) sealed()       {}
func (*Normal) sealed()      {}
func (*Conditional) sealed() {}
func (*Fork) sealed()        {}
func (*Join) sealed()        {}
func (*End) sealed()         {}

// ArtifactDefinition is the schema/template of the artifact an activity expects.
type ArtifactDefinition struct {
	ID                  string `json:"id" yaml:"id"`
	Name                string `json:"name" yaml:"name"`
	ContentType         string `json:"content_type,omitempty" yaml:"contentType,omitempty"`
	Template            []byte `json:"template,omitempty" yaml:"template,omitempty"`
	PreconditionScript  string `json:"precondition_script,omitempty" yaml:"preconditionScript,omitempty"`
	PostconditionScript string `json:"postcondition_script,omitempty" yaml:"postconditionScript,omitempty"`
	Printable           bool   `json:"printable,omitempty" yaml:"printable,omitempty"`
}

// KpiDefinition describes a compliance indicator scored by a script.
type KpiDefinition struct {
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Script      string             `json:"script" yaml:"script"`
	Thresholds  map[string]float64 `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}
