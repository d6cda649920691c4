package codec

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/process-engine/types"
)

const orderYAML = `
id: order-1.2.0
name: Order handling
version: 1.2.0
enabled: true
start: start
actors:
  - id: sales
    name: Sales
    type: group
activities:
  - id: start
    kind: start
    next: split
  - id: split
    kind: fork
    paths: [invoice, ship]
    join: merge
  - id: invoice
    kind: normal
    actor: sales
    next: merge
    artifact:
      id: invoice-form
      name: Invoice
      contentType: application/json
      postconditionScript: artifact.content != ""
  - id: ship
    kind: normal
    idling: true
    next: merge
  - id: merge
    kind: join
    fork: split
    expectedPaths: 2
    next: approved
  - id: approved
    kind: conditional
    onTrue: end
    onFalse: end
  - id: end
    kind: end
kpis:
  - name: lead-time
    script: "5"
    thresholds:
      days: 3
`

func TestDecodeYAML(t *testing.T) {
	def, err := Decode([]byte(orderYAML), YAML)
	require.NoError(t, err)

	assert.Equal(t, "order-1.2.0", def.ID)
	assert.Equal(t, types.Version{Major: 1, Minor: 2}, def.Version)
	assert.True(t, def.Enabled)
	assert.Len(t, def.Activities, 7)
	assert.Equal(t, types.ActorGroup, def.Actors["sales"].Type)

	fork, ok := def.Activity("split").(*types.Fork)
	require.True(t, ok)
	assert.Equal(t, []string{"invoice", "ship"}, fork.Paths)
	assert.Equal(t, "merge", fork.JoinID)

	join, ok := def.Activity("merge").(*types.Join)
	require.True(t, ok)
	assert.Equal(t, 2, join.ExpectedPaths)

	invoice, ok := def.Activity("invoice").(*types.Normal)
	require.True(t, ok)
	assert.Equal(t, `artifact.content != ""`, invoice.Artifact.PostconditionScript)
	assert.True(t, def.Activity("ship").(*types.Normal).Idling)
	assert.Equal(t, 3.0, def.Kpis[0].Thresholds["days"])
}

func TestRoundTrip(t *testing.T) {
	def, err := Decode([]byte(orderYAML), YAML)
	require.NoError(t, err)

	for _, format := range []Format{YAML, JSON} {
		t.Run(string(format), func(t *testing.T) {
			data, err := Encode(def, format)
			require.NoError(t, err)

			back, err := Decode(data, format)
			require.NoError(t, err)
			if diff := cmp.Diff(def, back); diff != "" {
				t.Errorf("round trip mismatch (-want +got):\n%s", diff)
			}

			again, err := Encode(back, format)
			require.NoError(t, err)
			assert.Equal(t, string(data), string(again))
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		data   string
	}{
		{"unknown yaml field", YAML, "id: x\nstartt: a\n"},
		{"unknown json field", JSON, `{"id":"x","bogus":1}`},
		{"unknown kind", YAML, "id: x\nactivities:\n  - id: a\n    kind: loop\n"},
		{"duplicate activity", YAML, "id: x\nactivities:\n  - {id: a, kind: end}\n  - {id: a, kind: end}\n"},
		{"bad version", YAML, "id: x\nversion: one\n"},
		{"idling conditional", JSON, `{"id":"x","activities":[{"id":"c","kind":"conditional","idling":true}]}`},
		{"unknown format", Format("toml"), "id = 'x'"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data), tt.format)
			assert.Error(t, err)
		})
	}
}

func TestFiles(t *testing.T) {
	def, err := Decode([]byte(orderYAML), YAML)
	require.NoError(t, err)
	dir := t.TempDir()

	for _, name := range []string{"order.yaml", "order.yml", "order.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, WriteFile(path, def))
			back, err := ReadFile(path)
			require.NoError(t, err)
			assert.Empty(t, cmp.Diff(def, back))
		})
	}

	t.Run("unknown extension", func(t *testing.T) {
		err := WriteFile(filepath.Join(dir, "order.txt"), def)
		assert.ErrorIs(t, err, ErrUnknownFormat)
		_, err = ReadFile(filepath.Join(dir, "order.txt"))
		assert.ErrorIs(t, err, ErrUnknownFormat)
	})
}
