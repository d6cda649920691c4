package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/process-engine/config"
	"github.com/songzhibin97/process-engine/events"
	"github.com/songzhibin97/process-engine/types"
	"github.com/songzhibin97/process-engine/workflow"
)

func demoCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a conditional and a parallel process on in-memory storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			cfg.Storage.Backend = config.BackendMemory
			cfg.Storage.SQLite.DSN = ""
			logger, err := cfg.Logger()
			if err != nil {
				return err
			}
			a, err := newAppWith(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return runDemo(context.Background(), a, cmd.OutOrStdout())
		},
	}
}

// lockedWriter serializes writes from event handlers and the demo itself.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

// loggingHandler prints every event it receives.
type loggingHandler struct {
	w io.Writer
}

func (h loggingHandler) Handle(ctx context.Context, event events.Event) error {
	fmt.Fprintf(h.w, "  event %-20s instance=%s activity=%s\n", event.Type, event.InstanceID, event.ActivityID)
	return nil
}

func runDemo(ctx context.Context, a *app, out io.Writer) error {
	w := &lockedWriter{w: out}
	for _, t := range []string{events.InstanceCompleted, events.JoinFired, events.JoinWaiting} {
		a.engine.SubscribeEvent(t, loggingHandler{w: w})
	}

	for _, def := range []types.ProcessDefinition{reviewDefinition(), shippingDefinition()} {
		if err := a.engine.PublishDefinition(ctx, def); err != nil {
			return err
		}
	}

	fmt.Fprintln(w, "=== Review process, rejected once ===")
	review, err := a.engine.StartInstance(ctx, "review", "demo review")
	if err != nil {
		return err
	}
	steps := []demoStep{
		{activity: "start"},
		{activity: "draft", content: "first draft", shared: map[string]string{"author": "ana"}},
		{activity: "approved", content: "false"},
		{activity: "rework", content: "second draft"},
	}
	if err := runSteps(ctx, a, w, review.ID, steps); err != nil {
		return err
	}

	fmt.Fprintln(w, "\n=== Shipping process, two parallel paths ===")
	shipping, err := a.engine.StartInstance(ctx, "shipping", "demo shipping")
	if err != nil {
		return err
	}
	steps = []demoStep{
		{activity: "start"},
		{activity: "split"},
		{activity: "invoice", content: "invoice #1"},
		{activity: "pack", content: "2 boxes", confirm: true},
	}
	if err := runSteps(ctx, a, w, shipping.ID, steps); err != nil {
		return err
	}

	results, err := a.engine.EvaluateKpis(ctx, review.ID, "")
	if err != nil {
		return err
	}
	for _, r := range results {
		fmt.Fprintf(w, "kpi %s: level %d %s\n", r.Name, r.ComplianceLevel, r.Observations)
	}

	// Give the asynchronous event handlers a moment before the bus stops.
	time.Sleep(50 * time.Millisecond)
	return printCounters(a, w)
}

type demoStep struct {
	activity string
	content  string
	shared   map[string]string
	confirm  bool
}

func runSteps(ctx context.Context, a *app, w io.Writer, instanceID string, steps []demoStep) error {
	for _, s := range steps {
		req := workflow.CommitRequest{InstanceID: instanceID, ActivityID: s.activity, Confirmed: s.confirm}
		if s.content != "" {
			artifact := types.Artifact{Name: s.activity, ContentType: "text/plain", Content: []byte(s.content)}
			keys := make([]string, 0, len(s.shared))
			for k := range s.shared {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				artifact.SharedInformation = append(artifact.SharedInformation, types.SharedValue{Key: k, Value: s.shared[k]})
			}
			req.Artifact = &artifact
		}
		res, err := a.engine.CommitArtifact(ctx, req)
		if err != nil {
			return fmt.Errorf("commit %s: %w", s.activity, err)
		}
		state := ""
		if res.Waiting {
			state = " (waiting at join)"
		}
		if res.Terminal {
			state = " (terminal)"
		}
		fmt.Fprintf(w, "commit %-9s -> %s%s\n", s.activity, strings.Join(res.Instance.Position.ActivityIDs(), ","), state)
	}
	return nil
}

func printCounters(a *app, w io.Writer) error {
	families, err := a.registry.Gather()
	if err != nil {
		return err
	}
	fmt.Fprintln(w, "\n=== Counters ===")
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			c := m.GetCounter()
			if c == nil {
				continue
			}
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			fmt.Fprintf(w, "%s{%s} %g\n", mf.GetName(), strings.Join(labels, ","), c.GetValue())
		}
	}
	return nil
}

// reviewDefinition is start, draft, approved?, then end or rework, end.
func reviewDefinition() types.ProcessDefinition {
	return types.ProcessDefinition{
		ID:      "review",
		Name:    "Document review",
		Version: types.Version{Major: 1},
		Enabled: true,
		StartID: "start",
		Activities: map[string]types.Activity{
			"start": &types.Start{ActivityBase: types.ActivityBase{ID: "start"}, Next: "draft"},
			"draft": &types.Normal{ActivityBase: types.ActivityBase{
				ID:       "draft",
				Artifact: &types.ArtifactDefinition{ID: "draft", Name: "Draft", PostconditionScript: `len(artifact.content) > 0`},
			}, Next: "approved"},
			"approved": &types.Conditional{ActivityBase: types.ActivityBase{ID: "approved"}, OnTrue: "end", OnFalse: "rework"},
			"rework":   &types.Normal{ActivityBase: types.ActivityBase{ID: "rework"}, Next: "end"},
			"end":      &types.End{ActivityBase: types.ActivityBase{ID: "end"}},
		},
		Kpis: []types.KpiDefinition{{
			Name:       "rounds",
			Script:     `len(trail) <= thresholds.steps ? 10 : 4`,
			Thresholds: map[string]float64{"steps": 3},
		}},
	}
}

// shippingDefinition forks into invoice and pack and joins before the end.
func shippingDefinition() types.ProcessDefinition {
	return types.ProcessDefinition{
		ID:      "shipping",
		Name:    "Shipping",
		Version: types.Version{Major: 1},
		Enabled: true,
		StartID: "start",
		Activities: map[string]types.Activity{
			"start":   &types.Start{ActivityBase: types.ActivityBase{ID: "start"}, Next: "split"},
			"split":   &types.Fork{ActivityBase: types.ActivityBase{ID: "split"}, Paths: []string{"invoice", "pack"}, JoinID: "merge"},
			"invoice": &types.Normal{ActivityBase: types.ActivityBase{ID: "invoice"}, Next: "merge"},
			"pack":    &types.Normal{ActivityBase: types.ActivityBase{ID: "pack"}, Next: "merge", Confirm: true},
			"merge":   &types.Join{ActivityBase: types.ActivityBase{ID: "merge"}, ForkID: "split", ExpectedPaths: 2, Next: "end"},
			"end":     &types.End{ActivityBase: types.ActivityBase{ID: "end"}},
		},
	}
}
