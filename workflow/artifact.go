package workflow

import (
	"fmt"
	"time"

	"github.com/songzhibin97/process-engine/types"
)

// ArtifactState is the lifecycle state of the artifact of one
// (instance, activity) pair.
type ArtifactState int

const (
	ArtifactNone ArtifactState = iota
	ArtifactDraft
	ArtifactSaved
	ArtifactCommitted
)

func (s ArtifactState) String() string {
	switch s {
	case ArtifactNone:
		return "none"
	case ArtifactDraft:
		return "draft"
	case ArtifactSaved:
		return "saved"
	case ArtifactCommitted:
		return "committed"
	default:
		return fmt.Sprintf("ArtifactState(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s ArtifactState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// StateOf derives the lifecycle state from the artifact's dates.
func StateOf(a *types.Artifact) ArtifactState {
	switch {
	case a == nil:
		return ArtifactNone
	case !a.CommitDate.IsZero():
		return ArtifactCommitted
	case !a.SaveDate.IsZero():
		return ArtifactSaved
	default:
		return ArtifactDraft
	}
}

// NewDraft returns a draft artifact for the given activity definition.
func NewDraft(id string, def *types.ArtifactDefinition, content []byte, now time.Time) types.Artifact {
	a := types.Artifact{
		ID:           id,
		Content:      content,
		CreationDate: now,
	}
	if def != nil {
		a.Name = def.Name
		a.ContentType = def.ContentType
		if content == nil && def.Template != nil {
			a.Content = append([]byte(nil), def.Template...)
		}
	}
	return a
}

// CanSave reports whether an artifact may be saved at activityID without
// advancing the instance: the activity must be an idling Normal activity or
// sit inside a parallel section whose join has not fired.
func CanSave(def *types.ProcessDefinition, inst *types.ProcessInstance, activityID string) error {
	tok, ok := inst.Position.Find(activityID)
	if !ok {
		return fmt.Errorf("%w: activity %q is not part of the position of instance %s", ErrInvalidPosition, activityID, inst.ID)
	}
	switch a := def.Activity(activityID).(type) {
	case nil:
		return fmt.Errorf("%w: activity %q is not defined in %s", ErrInvalidPosition, activityID, def.ID)
	case *types.Join:
		return fmt.Errorf("%w: join %q does not take artifacts", ErrSaveNotAllowed, activityID)
	case *types.End:
		return fmt.Errorf("%w: end activity %q is terminal", ErrSaveNotAllowed, activityID)
	case *types.Normal:
		if a.Idling {
			return nil
		}
	}
	if tok.InParallel() {
		return nil
	}
	return fmt.Errorf("%w: activity %q is neither idling nor inside a parallel section", ErrSaveNotAllowed, activityID)
}

// PrepareSave validates a save of artifact at activityID and returns the
// artifact with its save date set.
func PrepareSave(def *types.ProcessDefinition, inst *types.ProcessInstance, activityID string, artifact types.Artifact, now time.Time) (types.Artifact, error) {
	if StateOf(&artifact) == ArtifactCommitted {
		return types.Artifact{}, fmt.Errorf("%w: artifact %s of %q", ErrArtifactImmutable, artifact.ID, activityID)
	}
	if err := CanSave(def, inst, activityID); err != nil {
		return types.Artifact{}, err
	}
	if artifact.CreationDate.IsZero() {
		artifact.CreationDate = now
	}
	artifact.SaveDate = now
	return artifact, nil
}

// PrepareCommit validates a commit of artifact at activityID and returns the
// artifact with its commit date set. A confirm activity needs confirmed.
// An artifact that already carries a commit date keeps it, so a retried
// commit stays identical.
func PrepareCommit(def *types.ProcessDefinition, activityID string, artifact types.Artifact, confirmed bool, now time.Time) (types.Artifact, error) {
	activity := def.Activity(activityID)
	if activity == nil {
		return types.Artifact{}, fmt.Errorf("%w: activity %q is not defined in %s", ErrInvalidPosition, activityID, def.ID)
	}
	if n, ok := activity.(*types.Normal); ok && n.Confirm && !confirmed {
		return types.Artifact{}, fmt.Errorf("%w: activity %q", ErrConfirmationRequired, activityID)
	}
	if artifact.CreationDate.IsZero() {
		artifact.CreationDate = now
	}
	if artifact.SaveDate.IsZero() {
		artifact.SaveDate = now
	}
	if artifact.CommitDate.IsZero() {
		artifact.CommitDate = now
	}
	return artifact, nil
}
