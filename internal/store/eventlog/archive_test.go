package eventlog

import (
	"context"
	"path/filepath"
	"testing"

	"sessionpilot/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchive_MirrorsRecorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.db")
	arch, err := Open(path, "s1")
	require.NoError(t, err)
	defer arch.Close()

	rec := events.NewRecorder(nil, arch)
	require.NoError(t, rec.Append(events.NewSessionStart("s1", 10000, 2, false, 20)))
	require.NoError(t, rec.Append(events.NewPhaseStart("data")))
	require.NoError(t, rec.Append(events.NewRiskBreach(22.5, 20, true)))
	require.NoError(t, rec.Append(events.NewSessionEnd("Aborted", 7750, 22.5, "risk_breach")))
	require.NoError(t, rec.Close())

	ctx := context.Background()
	all, err := arch.Query(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, all, 4)
	for i, evt := range all {
		assert.Equal(t, int64(i+1), evt.Seq)
	}
	assert.Equal(t, "data", all[1].String(events.KeyPhase))

	breaches, err := arch.Query(ctx, "s1", events.RiskBreach, events.SessionEnd)
	require.NoError(t, err)
	require.Len(t, breaches, 2)
	dd, ok := breaches[0].Float(events.KeyDrawdownPct)
	require.True(t, ok)
	assert.Equal(t, 22.5, dd)

	ids, err := arch.Sessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, ids)

	none, err := arch.Query(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestArchive_Closed(t *testing.T) {
	arch, err := Open(filepath.Join(t.TempDir(), "a.db"), "s1")
	require.NoError(t, err)
	require.NoError(t, arch.Close())
	require.NoError(t, arch.Close())
	assert.Error(t, arch.OnEvent(events.NewPhaseStart("data")))
	_, err = Open("", "s1")
	assert.Error(t, err)
}
