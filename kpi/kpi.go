// Package kpi resolves which KPI definitions apply to an activity or a
// process definition and scores them through a script runner.
package kpi

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/songzhibin97/process-engine/rules"
	"github.com/songzhibin97/process-engine/types"
)

const (
	MinCompliance = 1
	MaxCompliance = 10
)

var (
	ErrComplianceOutOfRange = errors.New("compliance level out of range")
	ErrMalformedResult      = errors.New("malformed kpi result")
	ErrNoRunner             = errors.New("script runner is required")
)

// Result is the outcome of one KPI script.
type Result struct {
	Name            string                 `json:"name"`
	ComplianceLevel int                    `json:"compliance_level"`
	Observations    string                 `json:"observations,omitempty"`
	Values          map[string]interface{} `json:"values,omitempty"`
}

// History is what a KPI script may look at.
type History struct {
	Instance  types.ProcessInstance
	Artifacts map[string]types.Artifact // keyed by activity id
}

// Evaluator scores KPIs. It does no scoring itself.
type Evaluator struct {
	runner rules.ScriptRunner
	strict bool
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithStrictRange rejects out-of-range compliance levels instead of clamping.
func WithStrictRange() Option {
	return func(e *Evaluator) { e.strict = true }
}

// NewEvaluator creates an Evaluator. By default out-of-range levels are
// clamped into [1,10] and the clamp is noted in the observations.
func NewEvaluator(runner rules.ScriptRunner, opts ...Option) (*Evaluator, error) {
	if runner == nil {
		return nil, ErrNoRunner
	}
	e := &Evaluator{runner: runner}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Applicable returns the KPI definitions that apply. With an empty
// activityID only definition-level KPIs apply; otherwise activity-level KPIs
// override definition-level ones of the same name.
func Applicable(def *types.ProcessDefinition, activityID string) ([]types.KpiDefinition, error) {
	if activityID == "" {
		return append([]types.KpiDefinition(nil), def.Kpis...), nil
	}
	activity := def.Activity(activityID)
	if activity == nil {
		return nil, fmt.Errorf("activity %q is not defined in %s", activityID, def.ID)
	}
	own := activity.Base().Kpis
	overridden := make(map[string]bool, len(own))
	for _, k := range own {
		overridden[k.Name] = true
	}
	out := make([]types.KpiDefinition, 0, len(def.Kpis)+len(own))
	for _, k := range def.Kpis {
		if !overridden[k.Name] {
			out = append(out, k)
		}
	}
	return append(out, own...), nil
}

// Evaluate scores every applicable KPI. Scripts run concurrently; results keep
// the order of Applicable.
func (e *Evaluator) Evaluate(ctx context.Context, def *types.ProcessDefinition, activityID string, history History) ([]Result, error) {
	kpis, err := Applicable(def, activityID)
	if err != nil {
		return nil, err
	}
	results := make([]Result, len(kpis))
	g, ctx := errgroup.WithContext(ctx)
	for i, k := range kpis {
		i, k := i, k
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			res, err := e.score(k, activityID, history)
			if err != nil {
				return fmt.Errorf("kpi %q: %w", k.Name, err)
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func (e *Evaluator) score(k types.KpiDefinition, activityID string, history History) (Result, error) {
	raw, err := e.runner.Run(k.Script, Params(k, activityID, history))
	if err != nil {
		return Result{}, err
	}
	res, err := decode(k.Name, raw)
	if err != nil {
		return Result{}, err
	}
	if res.ComplianceLevel >= MinCompliance && res.ComplianceLevel <= MaxCompliance {
		return res, nil
	}
	if e.strict {
		return Result{}, fmt.Errorf("%w: %d", ErrComplianceOutOfRange, res.ComplianceLevel)
	}
	clamped := res.ComplianceLevel
	if clamped < MinCompliance {
		clamped = MinCompliance
	} else {
		clamped = MaxCompliance
	}
	note := fmt.Sprintf("compliance level %d clamped to %d", res.ComplianceLevel, clamped)
	if res.Observations != "" {
		note = res.Observations + "; " + note
	}
	res.ComplianceLevel, res.Observations = clamped, note
	return res, nil
}

// Params builds the named parameters passed to a KPI script.
func Params(k types.KpiDefinition, activityID string, history History) map[string]interface{} {
	shared := make(map[string]interface{})
	trail := make([]interface{}, 0, len(history.Instance.Trail))
	for _, s := range history.Instance.Trail {
		trail = append(trail, map[string]interface{}{
			"activity":   s.ActivityID,
			"artifact":   s.ArtifactID,
			"commitDate": s.CommitDate,
		})
		if a, ok := history.Artifacts[s.ActivityID]; ok {
			for _, kv := range a.SharedInformation {
				shared[kv.Key] = kv.Value
			}
		}
	}
	thresholds := make(map[string]interface{}, len(k.Thresholds))
	for name, v := range k.Thresholds {
		thresholds[name] = v
	}
	return map[string]interface{}{
		"instance":   history.Instance.ID,
		"activity":   activityID,
		"trail":      trail,
		"shared":     shared,
		"thresholds": thresholds,
	}
}

func decode(name string, raw interface{}) (Result, error) {
	res := Result{Name: name}
	switch v := raw.(type) {
	case map[string]interface{}:
		level, ok := toInt(v["complianceLevel"])
		if !ok {
			return Result{}, fmt.Errorf("%w: complianceLevel missing or not a number", ErrMalformedResult)
		}
		res.ComplianceLevel = level
		if obs, ok := v["observations"]; ok && obs != nil {
			s, ok := obs.(string)
			if !ok {
				return Result{}, fmt.Errorf("%w: observations is %T", ErrMalformedResult, obs)
			}
			res.Observations = s
		}
		if vals, ok := v["values"]; ok && vals != nil {
			m, ok := vals.(map[string]interface{})
			if !ok {
				return Result{}, fmt.Errorf("%w: values is %T", ErrMalformedResult, vals)
			}
			res.Values = m
		}
	default:
		level, ok := toInt(raw)
		if !ok {
			return Result{}, fmt.Errorf("%w: got %T", ErrMalformedResult, raw)
		}
		res.ComplianceLevel = level
	}
	return res, nil
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case int32:
		return int(n), true
	case float64:
		if n != float64(int(n)) {
			return 0, false
		}
		return int(n), true
	case float32:
		if n != float32(int(n)) {
			return 0, false
		}
		return int(n), true
	default:
		return 0, false
	}
}
