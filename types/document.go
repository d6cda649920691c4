package types

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ActivityDocument is the flat, serializable form of an Activity.
type ActivityDocument struct {
	ID                  string              `json:"id" yaml:"id"`
	Kind                ActivityKind        `json:"kind" yaml:"kind"`
	Name                string              `json:"name,omitempty" yaml:"name,omitempty"`
	Description         string              `json:"description,omitempty" yaml:"description,omitempty"`
	Color               string              `json:"color,omitempty" yaml:"color,omitempty"`
	Actor               string              `json:"actor,omitempty" yaml:"actor,omitempty"`
	Artifact            *ArtifactDefinition `json:"artifact,omitempty" yaml:"artifact,omitempty"`
	Kpis                []KpiDefinition     `json:"kpis,omitempty" yaml:"kpis,omitempty"`
	Next                string              `json:"next,omitempty" yaml:"next,omitempty"`
	Idling              bool                `json:"idling,omitempty" yaml:"idling,omitempty"`
	Confirm             bool                `json:"confirm,omitempty" yaml:"confirm,omitempty"`
	OnTrue              string              `json:"on_true,omitempty" yaml:"onTrue,omitempty"`
	OnFalse             string              `json:"on_false,omitempty" yaml:"onFalse,omitempty"`
	InformationArtifact *ArtifactDefinition `json:"information_artifact,omitempty" yaml:"informationArtifact,omitempty"`
	Paths               []string            `json:"paths,omitempty" yaml:"paths,omitempty"`
	Join                string              `json:"join,omitempty" yaml:"join,omitempty"`
	Fork                string              `json:"fork,omitempty" yaml:"fork,omitempty"`
	ExpectedPaths       int                 `json:"expected_paths,omitempty" yaml:"expectedPaths,omitempty"`
}

// DefinitionDocument is the serializable form of a ProcessDefinition.
type DefinitionDocument struct {
	ID           string             `json:"id" yaml:"id"`
	Name         string             `json:"name" yaml:"name"`
	Description  string             `json:"description,omitempty" yaml:"description,omitempty"`
	Version      Version            `json:"version" yaml:"version"`
	Enabled      bool               `json:"enabled" yaml:"enabled"`
	Start        string             `json:"start" yaml:"start"`
	Actors       []Actor            `json:"actors,omitempty" yaml:"actors,omitempty"`
	Activities   []ActivityDocument `json:"activities" yaml:"activities"`
	Kpis         []KpiDefinition    `json:"kpis,omitempty" yaml:"kpis,omitempty"`
	CreationDate time.Time          `json:"creation_date,omitempty" yaml:"creationDate,omitempty"`
}

// DocumentOf converts an activity into its document form.
func DocumentOf(a Activity) ActivityDocument {
	b := a.Base()
	doc := ActivityDocument{
		ID:          b.ID,
		Kind:        a.Kind(),
		Name:        b.Name,
		Description: b.Description,
		Color:       b.Color,
		Actor:       b.ActorID,
		Artifact:    b.Artifact,
		Kpis:        b.Kpis,
	}
	switch v := a.(type) {
	case *Start:
		doc.Next = v.Next
	case *Normal:
		doc.Next, doc.Idling, doc.Confirm = v.Next, v.Idling, v.Confirm
	case *Conditional:
		doc.OnTrue, doc.OnFalse, doc.InformationArtifact = v.OnTrue, v.OnFalse, v.InformationArtifact
	case *Fork:
		doc.Paths, doc.Join = v.Paths, v.JoinID
	case *Join:
		doc.Fork, doc.ExpectedPaths, doc.Next = v.ForkID, v.ExpectedPaths, v.Next
	}
	return doc
}

// Activity converts the document back into its variant.
func (doc ActivityDocument) Activity() (Activity, error) {
	base := ActivityBase{
		ID:          doc.ID,
		Name:        doc.Name,
		Description: doc.Description,
		Color:       doc.Color,
		ActorID:     doc.Actor,
		Artifact:    doc.Artifact,
		Kpis:        doc.Kpis,
	}
	switch doc.Kind {
	case KindStart:
		return &Start{ActivityBase: base, Next: doc.Next}, nil
	case KindNormal:
		return &Normal{ActivityBase: base, Next: doc.Next, Idling: doc.Idling, Confirm: doc.Confirm}, nil
	case KindConditional:
		if doc.Idling {
			return nil, fmt.Errorf("activity %q: conditional activities cannot be idling", doc.ID)
		}
		return &Conditional{ActivityBase: base, OnTrue: doc.OnTrue, OnFalse: doc.OnFalse, InformationArtifact: doc.InformationArtifact}, nil
	case KindFork:
		return &Fork{ActivityBase: base, Paths: doc.Paths, JoinID: doc.Join}, nil
	case KindJoin:
		return &Join{ActivityBase: base, ForkID: doc.Fork, ExpectedPaths: doc.ExpectedPaths, Next: doc.Next}, nil
	case KindEnd:
		return &End{ActivityBase: base}, nil
	default:
		return nil, fmt.Errorf("activity %q: unknown kind %q", doc.ID, doc.Kind)
	}
}

// Document converts the definition into its serializable form. Activities
// and actors are sorted by id.
func (d ProcessDefinition) Document() DefinitionDocument {
	doc := DefinitionDocument{
		ID:           d.ID,
		Name:         d.Name,
		Description:  d.Description,
		Version:      d.Version,
		Enabled:      d.Enabled,
		Start:        d.StartID,
		Kpis:         d.Kpis,
		CreationDate: d.CreationDate,
	}
	for _, a := range d.Activities {
		doc.Activities = append(doc.Activities, DocumentOf(a))
	}
	sort.Slice(doc.Activities, func(i, j int) bool { return doc.Activities[i].ID < doc.Activities[j].ID })
	for _, actor := range d.Actors {
		doc.Actors = append(doc.Actors, actor)
	}
	sort.Slice(doc.Actors, func(i, j int) bool { return doc.Actors[i].ID < doc.Actors[j].ID })
	return doc
}

// Definition builds a ProcessDefinition from the document.
func (doc DefinitionDocument) Definition() (ProcessDefinition, error) {
	def := ProcessDefinition{
		ID:           doc.ID,
		Name:         doc.Name,
		Description:  doc.Description,
		Version:      doc.Version,
		Enabled:      doc.Enabled,
		StartID:      doc.Start,
		Kpis:         doc.Kpis,
		CreationDate: doc.CreationDate,
		Activities:   make(map[string]Activity, len(doc.Activities)),
		Actors:       make(map[string]Actor, len(doc.Actors)),
	}
	for _, ad := range doc.Activities {
		if ad.ID == "" {
			return ProcessDefinition{}, fmt.Errorf("definition %q: activity without id", doc.ID)
		}
		if _, dup := def.Activities[ad.ID]; dup {
			return ProcessDefinition{}, fmt.Errorf("definition %q: duplicate activity id %q", doc.ID, ad.ID)
		}
		a, err := ad.Activity()
		if err != nil {
			return ProcessDefinition{}, fmt.Errorf("definition %q: %w", doc.ID, err)
		}
		def.Activities[ad.ID] = a
	}
	for _, actor := range doc.Actors {
		if _, dup := def.Actors[actor.ID]; dup {
			return ProcessDefinition{}, fmt.Errorf("definition %q: duplicate actor id %q", doc.ID, actor.ID)
		}
		def.Actors[actor.ID] = actor
	}
	return def, nil
}

// MarshalJSON encodes the definition through its document form.
func (d ProcessDefinition) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Document())
}

// UnmarshalJSON decodes the document form.
func (d *ProcessDefinition) UnmarshalJSON(data []byte) error {
	var doc DefinitionDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	def, err := doc.Definition()
	if err != nil {
		return err
	}
	*d = def
	return nil
}
