package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/songzhibin97/process-engine/types"
)

func TestIsRunningInParallel(t *testing.T) {
	parallel := parallelDefinition()
	nested := nestedDefinition()
	siblings := definition("siblings",
		start("start", "outer"),
		fork("outer", "outerJoin", "f2", "f3"),
		fork("f2", "j2", "a"),
		normal("a", "j2"),
		join("j2", "f2", 1, "outerJoin"),
		fork("f3", "j3", "b"),
		normal("b", "j3"),
		join("j3", "f3", 1, "outerJoin"),
		join("outerJoin", "outer", 2, "after"),
		normal("after", "end"),
		end("end"),
	)
	siblingsPath := []string{"start", "outer", "f2", "f3", "a", "j2", "b", "j3", "outerJoin"}

	tests := []struct {
		name     string
		def      *types.ProcessDefinition
		path     []string
		activity string
		want     bool
	}{
		{"before the fork", parallel, []string{"start"}, "split", false},
		{"fork path", parallel, []string{"start", "split"}, "a", true},
		{"only the prefix counts", parallel, []string{"start", "split", "a", "b", "merge", "after"}, "a", true},
		{"join of the open fork", parallel, []string{"start", "split", "a"}, "merge", false},
		{"after the join", parallel, []string{"start", "split", "a", "b", "merge"}, "after", false},
		{"start", parallel, []string{"start"}, "start", false},
		{"unknown activity", parallel, []string{"start", "split"}, "nope", false},
		{"nested path", nested, []string{"start", "outer", "inner"}, "y", true},
		{"inner join inside the outer section", nested, []string{"start", "outer", "inner", "y"}, "innerJoin", true},
		{"forks in sibling paths", siblings, siblingsPath, "after", false},
		{"sibling fork still open", siblings, siblingsPath[:6], "b", true},
		{"outer join", nested, []string{"start", "outer", "inner", "y", "z", "innerJoin", "x"}, "outerJoin", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRunningInParallel(tt.def, tt.path, tt.activity))
		})
	}
}

func TestWaitingAndPendingJoins(t *testing.T) {
	def := parallelDefinition()
	pos := types.Position{
		{ActivityID: "merge", Arrivals: []types.Arrival{{Path: 0, ActivityID: "a"}}},
		{ActivityID: "b", Lineage: []types.Branch{branch("split", 1)}},
	}

	assert.True(t, IsWaiting(pos, "a"))
	assert.False(t, IsWaiting(pos, "b"))

	assert.Equal(t, []PendingJoin{{JoinID: "merge", ForkID: "split", Arrived: []int{0}, Expected: 2}}, PendingJoins(def, pos))
	assert.Empty(t, PendingJoins(def, types.NewPosition("after")))

	assert.True(t, InParallelSection(pos, "b"))
	assert.False(t, InParallelSection(pos, "merge"))
	assert.False(t, InParallelSection(pos, "a"))
}
