package workflow

import (
	"time"

	"github.com/songzhibin97/process-engine/types"
)

func start(id, next string) *types.Start {
	return &types.Start{ActivityBase: types.ActivityBase{ID: id}, Next: next}
}

func normal(id, next string) *types.Normal {
	return &types.Normal{ActivityBase: types.ActivityBase{ID: id}, Next: next}
}

func conditional(id, onTrue, onFalse string) *types.Conditional {
	return &types.Conditional{ActivityBase: types.ActivityBase{ID: id}, OnTrue: onTrue, OnFalse: onFalse}
}

func fork(id, join string, paths ...string) *types.Fork {
	return &types.Fork{ActivityBase: types.ActivityBase{ID: id}, Paths: paths, JoinID: join}
}

func join(id, fork string, expected int, next string) *types.Join {
	return &types.Join{ActivityBase: types.ActivityBase{ID: id}, ForkID: fork, ExpectedPaths: expected, Next: next}
}

func end(id string) *types.End {
	return &types.End{ActivityBase: types.ActivityBase{ID: id}}
}

func definition(id string, activities ...types.Activity) *types.ProcessDefinition {
	def := &types.ProcessDefinition{
		ID:         id,
		Name:       id,
		Version:    types.Version{Major: 1},
		Enabled:    true,
		Activities: make(map[string]types.Activity, len(activities)),
	}
	for _, a := range activities {
		def.Activities[a.Base().ID] = a
		if a.Kind() == types.KindStart {
			def.StartID = a.Base().ID
		}
	}
	return def
}

// linearDefinition: start -> work -> end
func linearDefinition() *types.ProcessDefinition {
	return definition("linear", start("start", "work"), normal("work", "end"), end("end"))
}

// reviewDefinition: start -> check -> (publish | rework) -> end
func reviewDefinition() *types.ProcessDefinition {
	return definition("review",
		start("start", "check"),
		conditional("check", "publish", "rework"),
		normal("publish", "end"),
		normal("rework", "end"),
		end("end"),
	)
}

// parallelDefinition: start -> split -> {a, b} -> merge -> after -> end
func parallelDefinition() *types.ProcessDefinition {
	return definition("parallel",
		start("start", "split"),
		fork("split", "merge", "a", "b"),
		normal("a", "merge"),
		normal("b", "merge"),
		join("merge", "split", 2, "after"),
		normal("after", "end"),
		end("end"),
	)
}

// nestedDefinition: outer forks into x and inner; inner forks into y and z.
func nestedDefinition() *types.ProcessDefinition {
	return definition("nested",
		start("start", "outer"),
		fork("outer", "outerJoin", "x", "inner"),
		normal("x", "outerJoin"),
		fork("inner", "innerJoin", "y", "z"),
		normal("y", "innerJoin"),
		normal("z", "innerJoin"),
		join("innerJoin", "inner", 2, "outerJoin"),
		join("outerJoin", "outer", 2, "end"),
		end("end"),
	)
}

func instanceAt(def *types.ProcessDefinition, pos types.Position) *types.ProcessInstance {
	return &types.ProcessInstance{ID: "1", DefinitionID: def.ID, Position: pos}
}

func committed(content string) *types.Artifact {
	return &types.Artifact{ID: "artifact-" + content, Content: []byte(content), CommitDate: time.Unix(1700000000, 0)}
}

func branch(fork string, path int) types.Branch {
	return types.Branch{ForkID: fork, Path: path}
}
