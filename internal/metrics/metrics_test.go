package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"sessionpilot/internal/events"
	"sessionpilot/internal/pkg/circuit"
	"sessionpilot/internal/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_FoldsEvents(t *testing.T) {
	m := New("")
	feed := []events.Event{
		events.NewSessionStart("s1", 10000, 3, false, 20),
		events.NewPhaseEnd("data", "Success", 2, 1, ""),
		events.NewPositionOpened("BTCUSDT", types.Long, 100, 1, 98, 104),
		events.NewPositionClosed("BTCUSDT", types.Long, types.ExitTakeProfitHit, 104, 4, 10004),
		events.NewRiskBreach(22.5, 20, true),
		events.NewSessionEnd("Aborted", 7750, 22.5, "risk_breach"),
	}
	for _, evt := range feed {
		require.NoError(t, m.OnEvent(evt))
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PhaseRuns.WithLabelValues("data", "Success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RiskBreaches))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.PositionsOpen))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.RealizedPnL))
	assert.Equal(t, 7750.0, testutil.ToFloat64(m.Equity))
	assert.Equal(t, 22.5, testutil.ToFloat64(m.DrawdownPct))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsEnded.WithLabelValues("Aborted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PositionsClosed.WithLabelValues("TakeProfitHit")))
}

func TestMetrics_IndependentRegistriesAndHandler(t *testing.T) {
	a, b := New("x"), New("x")
	_ = a.OnEvent(events.NewRiskBreach(21, 20, true))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.RiskBreaches))

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Contains(t, string(body), "x_risk_breaches_total 1")
}

func TestMetrics_ObserveCircuit(t *testing.T) {
	m := New("")
	m.ObserveCircuit("broker:paper", circuit.StateClosed, circuit.StateOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("broker:paper")))
	m.ObserveCircuit("broker:paper", circuit.StateOpen, circuit.StateHalfOpen)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("broker:paper")))
}
