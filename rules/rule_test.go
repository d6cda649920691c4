package rules

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprRunner_Evaluate(t *testing.T) {
	runner := NewExprRunner()

	tests := []struct {
		name       string
		expression string
		params     map[string]interface{}
		wantResult bool
		wantErr    error
		errMsg     string
	}{
		{
			name:       "Valid true expression",
			expression: "age > 18",
			params:     map[string]interface{}{"age": 25},
			wantResult: true,
		},
		{
			name:       "Valid false expression",
			expression: "age < 18",
			params:     map[string]interface{}{"age": 25},
			wantResult: false,
		},
		{
			name:       "Shared information lookup",
			expression: `shared.approved == "yes"`,
			params:     map[string]interface{}{"shared": map[string]interface{}{"approved": "yes"}},
			wantResult: true,
		},
		{
			name:       "Undefined variable is nil",
			expression: "missing == nil",
			params:     map[string]interface{}{},
			wantResult: true,
		},
		{
			name:       "Non-boolean result",
			expression: "age + 5",
			params:     map[string]interface{}{"age": 25},
			wantErr:    ErrNotBoolean,
		},
		{
			name:       "Invalid expression",
			expression: "age >>> 18",
			params:     map[string]interface{}{"age": 25},
			errMsg:     "unexpected token",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := runner.Evaluate(tt.expression, tt.params)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
				assert.False(t, result)
			case tt.errMsg != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
				assert.False(t, result)
			default:
				require.NoError(t, err)
				assert.Equal(t, tt.wantResult, result)
			}
		})
	}
}

func TestExprRunner_Run(t *testing.T) {
	t.Run("returns any value", func(t *testing.T) {
		runner := NewExprRunner()
		out, err := runner.Run(`{"complianceLevel": 7, "observations": "ok"}`, nil)
		require.NoError(t, err)
		m, ok := out.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, 7, m["complianceLevel"])
	})

	t.Run("does not modify params", func(t *testing.T) {
		runner := NewExprRunner()
		runner.AddHelper("double", func(params map[string]interface{}) interface{} {
			return params["n"].(int) * 2
		})
		params := map[string]interface{}{"n": 4}
		out, err := runner.Run("double + n", params)
		require.NoError(t, err)
		assert.Equal(t, 12, out)
		assert.Len(t, params, 1)
	})

	t.Run("helper panic", func(t *testing.T) {
		runner := NewExprRunner()
		runner.AddHelper("double", func(params map[string]interface{}) interface{} {
			return params["n"].(int) * 2
		})

		_, err := runner.Run("double", map[string]interface{}{})
		require.ErrorIs(t, err, ErrHelperPanicked)
		assert.Contains(t, err.Error(), "double")

		ok, err := runner.Evaluate("double == 8", map[string]interface{}{"n": 4})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("caches compiled programs", func(t *testing.T) {
		runner := NewExprRunner()
		_, err := runner.Run("n > 1", map[string]interface{}{"n": 2})
		require.NoError(t, err)
		_, err = runner.Run("n > 1", map[string]interface{}{"n": 0})
		require.NoError(t, err)

		runner.mu.RLock()
		_, cached := runner.cache["n > 1"]
		runner.mu.RUnlock()
		assert.True(t, cached)
	})

	t.Run("concurrent use", func(t *testing.T) {
		runner := NewExprRunner()
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ok, err := runner.Evaluate("x % 2 == 0", map[string]interface{}{"x": i})
				assert.NoError(t, err)
				assert.Equal(t, i%2 == 0, ok)
			}(i)
		}
		wg.Wait()
	})
}

func TestEvaluateWith(t *testing.T) {
	t.Run("plain runner", func(t *testing.T) {
		runner := ScriptRunnerFunc(func(source string, params map[string]interface{}) (interface{}, error) {
			return source == "yes", nil
		})
		ok, err := EvaluateWith(runner, "yes", nil)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("non-boolean", func(t *testing.T) {
		runner := ScriptRunnerFunc(func(string, map[string]interface{}) (interface{}, error) {
			return 3, nil
		})
		_, err := EvaluateWith(runner, "3", nil)
		assert.ErrorIs(t, err, ErrNotBoolean)
	})

	t.Run("runner error", func(t *testing.T) {
		boom := errors.New("boom")
		runner := ScriptRunnerFunc(func(string, map[string]interface{}) (interface{}, error) {
			return nil, boom
		})
		_, err := EvaluateWith(runner, "x", nil)
		assert.ErrorIs(t, err, boom)
	})

	t.Run("prefers Evaluate", func(t *testing.T) {
		ok, err := EvaluateWith(NewExprRunner(), "1 < 2", nil)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}
