package types

import (
	"time"
)

// ActorType tells what kind of identity an actor is.
type ActorType string

const (
	ActorUser     ActorType = "user"
	ActorGroup    ActorType = "group"
	ActorExternal ActorType = "external"
)

// Actor is the identity responsible for an activity.
type Actor struct {
	ID   string    `json:"id" yaml:"id"`
	Name string    `json:"name" yaml:"name"`
	Type ActorType `json:"type" yaml:"type"`
}

// ProcessDefinition is the immutable template of a process. A new version is
// a new ProcessDefinition with its own ID.
type ProcessDefinition struct {
	ID           string
	Name         string
	Description  string
	Version      Version
	Enabled      bool
	Activities   map[string]Activity
	Actors       map[string]Actor
	StartID      string
	Kpis         []KpiDefinition
	CreationDate time.Time
}

// Activity returns the activity with the given id, or nil.
func (d *ProcessDefinition) Activity(id string) Activity {
	if d == nil || d.Activities == nil {
		return nil
	}
	return d.Activities[id]
}

// ActorOf returns the actor responsible for the activity.
func (d *ProcessDefinition) ActorOf(activityID string) (Actor, bool) {
	act := d.Activity(activityID)
	if act == nil || act.Base().ActorID == "" {
		return Actor{}, false
	}
	actor, ok := d.Actors[act.Base().ActorID]
	return actor, ok
}

// Step is one committed activity occurrence in an instance's history.
type Step struct {
	ActivityID string    `json:"activity_id"`
	ArtifactID string    `json:"artifact_id,omitempty"`
	Lineage    []Branch  `json:"lineage,omitempty"`
	CommitDate time.Time `json:"commit_date"`
}

// ProcessInstance is one execution of a ProcessDefinition.
type ProcessInstance struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	DefinitionID string    `json:"definition_id"`
	Position     Position  `json:"position"`
	Trail        []Step    `json:"trail,omitempty"`
	CreationDate time.Time `json:"creation_date"`
	UpdateDate   time.Time `json:"update_date"`
}

// Path returns the activity ids of the trail in commit order.
func (inst *ProcessInstance) Path() []string {
	path := make([]string, 0, len(inst.Trail))
	for _, s := range inst.Trail {
		path = append(path, s.ActivityID)
	}
	return path
}

// Committed reports whether the trail records a commit at activityID.
func (inst *ProcessInstance) Committed(activityID string) bool {
	for _, s := range inst.Trail {
		if s.ActivityID == activityID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the instance.
func (inst ProcessInstance) Clone() ProcessInstance {
	out := inst
	out.Position = inst.Position.Clone()
	if inst.Trail != nil {
		out.Trail = make([]Step, len(inst.Trail))
		for i, s := range inst.Trail {
			s.Lineage = append([]Branch(nil), s.Lineage...)
			out.Trail[i] = s
		}
	}
	return out
}

// SharedValue is one ordered key/value pair an artifact exposes to later
// activities and scripts.
type SharedValue struct {
	Key   string `json:"key" yaml:"key"`
	Value string `json:"value" yaml:"value"`
}

// Artifact is the payload produced by one activity occurrence.
type Artifact struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	ContentType       string        `json:"content_type"`
	Content           []byte        `json:"content"`
	SharedInformation []SharedValue `json:"shared_information,omitempty"`
	CreationDate      time.Time     `json:"creation_date"`
	SaveDate          time.Time     `json:"save_date,omitempty"`
	CommitDate        time.Time     `json:"commit_date,omitempty"`
}

// Committed reports whether the commit date is set.
func (a *Artifact) Committed() bool {
	return a != nil && !a.CommitDate.IsZero()
}

// Shared returns the value stored under key, if any.
func (a *Artifact) Shared(key string) (string, bool) {
	for _, kv := range a.SharedInformation {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return "", false
}
