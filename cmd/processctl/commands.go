package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/songzhibin97/process-engine/codec"
	"github.com/songzhibin97/process-engine/types"
	"github.com/songzhibin97/process-engine/workflow"
)

// withApp opens the engine for the duration of one command.
func withApp(flags *globalFlags, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(flags)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(context.Background(), a)
}

func validateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <definition-file>",
		Short: "Check a definition document for graph errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := codec.ReadFile(args[0])
			if err != nil {
				return err
			}
			if err := workflow.Validate(&def); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d activities, ok\n", def.ID, def.Version, len(def.Activities))
			return nil
		},
	}
}

func publishCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "publish <definition-file>",
		Short: "Validate and store a definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := codec.ReadFile(args[0])
			if err != nil {
				return err
			}
			return withApp(flags, func(ctx context.Context, a *app) error {
				if err := a.engine.PublishDefinition(ctx, def); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "published %s %s\n", def.ID, def.Version)
				return nil
			})
		},
	}
}

func startCmd(flags *globalFlags) *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "start <definition-id>",
		Short: "Create an instance at the start activity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(ctx context.Context, a *app) error {
				inst, err := a.engine.StartInstance(ctx, args[0], name)
				if err != nil {
					return err
				}
				return printOut(cmd.OutOrStdout(), flags.output, inst)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Instance name")
	return cmd
}

// artifactFlags describe an artifact on the command line.
type artifactFlags struct {
	user        string
	name        string
	contentType string
	content     string
	file        string
	shared      []string
}

func (f *artifactFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.user, "user", "", "User acting for the activity actor")
	cmd.Flags().StringVar(&f.name, "name", "", "Artifact name")
	cmd.Flags().StringVar(&f.contentType, "content-type", "text/plain", "Artifact content type")
	cmd.Flags().StringVar(&f.content, "content", "", "Artifact content")
	cmd.Flags().StringVar(&f.file, "file", "", "Read artifact content from a file")
	cmd.Flags().StringArrayVar(&f.shared, "shared", nil, "Shared information as key=value (repeatable)")
}

func (f *artifactFlags) given() bool {
	return f.content != "" || f.file != "" || len(f.shared) > 0
}

func (f *artifactFlags) artifact() (types.Artifact, error) {
	a := types.Artifact{Name: f.name, ContentType: f.contentType, Content: []byte(f.content)}
	if f.file != "" {
		data, err := os.ReadFile(f.file)
		if err != nil {
			return types.Artifact{}, fmt.Errorf("failed to read artifact content: %w", err)
		}
		a.Content = data
	}
	for _, kv := range f.shared {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return types.Artifact{}, fmt.Errorf("shared information %q is not key=value", kv)
		}
		a.SharedInformation = append(a.SharedInformation, types.SharedValue{Key: key, Value: value})
	}
	return a, nil
}

func saveCmd(flags *globalFlags) *cobra.Command {
	af := &artifactFlags{}
	cmd := &cobra.Command{
		Use:   "save <instance-id> <activity-id>",
		Short: "Save an artifact without committing it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			artifact, err := af.artifact()
			if err != nil {
				return err
			}
			return withApp(flags, func(ctx context.Context, a *app) error {
				saved, err := a.engine.SaveArtifact(ctx, workflow.SaveRequest{
					InstanceID: args[0],
					ActivityID: args[1],
					UserID:     af.user,
					Artifact:   artifact,
				})
				if err != nil {
					return err
				}
				return printOut(cmd.OutOrStdout(), flags.output, saved)
			})
		},
	}
	af.register(cmd)
	return cmd
}

func commitCmd(flags *globalFlags) *cobra.Command {
	af := &artifactFlags{}
	var confirm bool
	cmd := &cobra.Command{
		Use:   "commit <instance-id> <activity-id>",
		Short: "Commit an artifact and advance the instance",
		Long: `Commit the artifact of an activity and advance the instance.
Without --content, --file or --shared the artifact saved earlier is
committed; start and fork activities take no artifact.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := workflow.CommitRequest{
				InstanceID: args[0],
				ActivityID: args[1],
				UserID:     af.user,
				Confirmed:  confirm,
			}
			if af.given() {
				artifact, err := af.artifact()
				if err != nil {
					return err
				}
				req.Artifact = &artifact
			}
			return withApp(flags, func(ctx context.Context, a *app) error {
				res, err := a.engine.CommitArtifact(ctx, req)
				if err != nil {
					return err
				}
				return printOut(cmd.OutOrStdout(), flags.output, map[string]interface{}{
					"position":            res.Instance.Position.ActivityIDs(),
					"firedJoins":          res.FiredJoins,
					"waiting":             res.Waiting,
					"terminal":            res.Terminal,
					"postconditionFailed": res.PostconditionFailed,
				})
			})
		},
	}
	af.register(cmd)
	cmd.Flags().BoolVar(&confirm, "confirm", false, "Confirm the commit of a confirmation activity")
	return cmd
}

func statusCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show where an instance stands",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(ctx context.Context, a *app) error {
				st, err := a.engine.Status(ctx, args[0])
				if err != nil {
					return err
				}
				return printOut(cmd.OutOrStdout(), flags.output, st)
			})
		},
	}
}

func kpiCmd(flags *globalFlags) *cobra.Command {
	var activity string
	cmd := &cobra.Command{
		Use:   "kpi <instance-id>",
		Short: "Score the KPIs of an instance or one of its activities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(flags, func(ctx context.Context, a *app) error {
				results, err := a.engine.EvaluateKpis(ctx, args[0], activity)
				if err != nil {
					return err
				}
				return printOut(cmd.OutOrStdout(), flags.output, results)
			})
		},
	}
	cmd.Flags().StringVar(&activity, "activity", "", "Activity whose KPIs to score (default: definition KPIs)")
	return cmd
}
