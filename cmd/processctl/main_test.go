package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/process-engine/codec"
	"github.com/songzhibin97/process-engine/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "processctl version "+Version)
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()

	t.Run("valid", func(t *testing.T) {
		path := filepath.Join(dir, "shipping.yaml")
		require.NoError(t, codec.WriteFile(path, shippingDefinition()))
		out, err := execute(t, "validate", path)
		require.NoError(t, err)
		assert.Contains(t, out, "shipping 1.0.0: 6 activities, ok")
	})

	t.Run("invalid graph", func(t *testing.T) {
		def := shippingDefinition()
		delete(def.Activities, "merge")
		path := filepath.Join(dir, "broken.json")
		require.NoError(t, codec.WriteFile(path, def))
		_, err := execute(t, "validate", path)
		assert.Error(t, err)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := execute(t, "validate", filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestDemo(t *testing.T) {
	out, err := execute(t, "demo", "--log-level", "error")
	require.NoError(t, err)

	assert.Contains(t, out, "commit approved  -> rework")
	assert.Contains(t, out, "(waiting at join)")
	assert.Contains(t, out, "-> end (terminal)")
	assert.Contains(t, out, "kpi rounds: level 4")
	assert.Contains(t, out, "process_engine_instances_completed_total{definition=shipping} 1")
}

func TestBoltBackendAcrossCommands(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "engine.yaml")
	dbPath := filepath.Join(dir, "process.db")
	require.NoError(t, os.WriteFile(cfgPath, []byte("log:\n  level: error\nstorage:\n  backend: bolt\n  bolt:\n    path: "+dbPath+"\n"), 0o644))

	defPath := filepath.Join(dir, "review.yaml")
	require.NoError(t, codec.WriteFile(defPath, reviewDefinition()))

	out, err := execute(t, "-c", cfgPath, "publish", defPath)
	require.NoError(t, err)
	assert.Contains(t, out, "published review 1.0.0")

	ids := make(map[string]bool)
	for i := 0; i < 3; i++ {
		out, err = execute(t, "-c", cfgPath, "-o", "json", "start", "review", "--name", "cli")
		require.NoError(t, err)
		assert.Contains(t, out, `"definition_id": "review"`)

		var inst struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &inst))
		assert.False(t, ids[inst.ID], "instance id %s reused", inst.ID)
		ids[inst.ID] = true
		time.Sleep(20 * time.Millisecond)
	}
}

func TestIDGenerator(t *testing.T) {
	cfg := config.DefaultConfig()

	first, err := idGenerator(cfg).NextID()
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	second, err := idGenerator(cfg).NextID()
	require.NoError(t, err)
	assert.Greater(t, second, first)

	cfg.Engine.IDEpoch = time.Now().Add(time.Hour)
	assert.Nil(t, idGenerator(cfg))
}
