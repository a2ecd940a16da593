package loader

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePlan(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "phases.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

var testDefaults = Defaults{Timeout: time.Minute, MaxRetries: 2, BackoffBase: time.Second, MaxBackoff: 30 * time.Second}

func TestPlanLoader_ResolvesDefaults(t *testing.T) {
	path := writePlan(t, `
phases:
  - name: data
    timeout_seconds: 12.5
    max_retries: 0
  - name: strategy
    backoff_base_seconds: 2
  - name: report
    disabled: true
  - name: api
`)
	l, err := NewPlanLoader(path, false)
	require.NoError(t, err)
	snap := l.Snapshot()
	assert.Equal(t, int64(1), snap.Version)

	phases := snap.Resolve(testDefaults)
	require.Len(t, phases, 3)
	assert.Equal(t, "data", phases[0].Name)
	assert.Equal(t, 12500*time.Millisecond, phases[0].Timeout)
	assert.Equal(t, 0, phases[0].MaxRetries)
	assert.Equal(t, time.Minute, phases[1].Timeout)
	assert.Equal(t, 2, phases[1].MaxRetries)
	assert.Equal(t, 2*time.Second, phases[1].BackoffBase)
	assert.Equal(t, "api", phases[2].Name)
	for _, p := range phases {
		assert.NoError(t, p.Validate())
	}
}

func TestPlanLoader_RejectsInvalidPlans(t *testing.T) {
	cases := map[string]string{
		"empty":         "phases: []\n",
		"negative":      "phases:\n  - name: data\n    timeout_seconds: -1\n",
		"unknown field": "phases:\n  - name: data\n    retries: 3\n",
		"bad name":      "phases:\n  - name: Data Phase\n",
		"duplicate":     "phases:\n  - name: data\n  - name: data\n",
		"not yaml":      "phases: [\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewPlanLoader(writePlan(t, body), false)
			assert.Error(t, err)
		})
	}
}

func TestPlanLoader_SubscribeGetsSnapshot(t *testing.T) {
	l, err := NewPlanLoader(writePlan(t, "phases:\n  - name: data\n"), false)
	require.NoError(t, err)
	got := make(chan PlanSnapshot, 1)
	l.Subscribe(func(s PlanSnapshot) { got <- s })
	select {
	case snap := <-got:
		require.Len(t, snap.Phases, 1)
		assert.Equal(t, "data", snap.Phases[0].Name)
	case <-time.After(time.Second):
		t.Fatal("listener not called")
	}
}
