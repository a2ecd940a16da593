package position

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"sessionpilot/internal/events"
	"sessionpilot/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	mu     sync.Mutex
	events []events.Event
	err    error
}

func (s *captureSink) Append(evt events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, evt)
	return s.err
}

func (s *captureSink) types() []events.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Type, len(s.events))
	for i, evt := range s.events {
		out[i] = evt.Type
	}
	return out
}

type MockPnL struct {
	mock.Mock
}

func (m *MockPnL) RealizePnL(pnl float64) float64 {
	args := m.Called(pnl)
	return args.Get(0).(float64)
}

func ptr(v float64) *float64 { return &v }

func TestManager_TrailingStopLong(t *testing.T) {
	m := NewManager(nil, nil)
	pos, err := m.Open("BTCUSDT", types.Long, 100, 1, 0.0025, 0.5)
	require.NoError(t, err)

	stops := []float64{pos.StopLoss}
	for _, px := range []float64{105, 110, 108, 112} {
		kind, closed := m.OnPriceUpdate("BTCUSDT", px, px, px, ptr(0.05))
		require.Equal(t, types.NoOp, kind)
		require.Nil(t, closed)
		cur, ok := m.Get("BTCUSDT")
		require.True(t, ok)
		stops = append(stops, cur.StopLoss)
	}

	assert.Equal(t, []float64{99.75, 99.75, 104.5, 104.5, 106.4}, stops)
	for i := 1; i < len(stops); i++ {
		assert.GreaterOrEqual(t, stops[i], stops[i-1])
	}
	cur, _ := m.Get("BTCUSDT")
	assert.Equal(t, 112.0, cur.ExtremePrice)
}

func TestManager_TrailingStopShortMirror(t *testing.T) {
	m := NewManager(nil, nil)
	pos, err := m.Open("ETHUSDT", types.Short, 100, 2, 0.0025, 0.5)
	require.NoError(t, err)
	assert.Equal(t, 100.25, pos.StopLoss)
	assert.Equal(t, 50.0, pos.TakeProfit)

	stops := []float64{pos.StopLoss}
	for _, px := range []float64{95, 90, 92, 88} {
		kind, _ := m.OnPriceUpdate("ETHUSDT", px, px, px, ptr(0.05))
		require.Equal(t, types.NoOp, kind)
		cur, _ := m.Get("ETHUSDT")
		stops = append(stops, cur.StopLoss)
	}
	assert.Equal(t, []float64{100.25, 99.75, 94.5, 94.5, 92.4}, stops)
	for i := 1; i < len(stops); i++ {
		assert.LessOrEqual(t, stops[i], stops[i-1])
	}
}

func TestManager_StopAndTargetHits(t *testing.T) {
	t.Run("long stop closes at stop level", func(t *testing.T) {
		pnl := new(MockPnL)
		pnl.On("RealizePnL", -20.0).Return(9980.0).Once()
		sink := &captureSink{}
		m := NewManager(sink, pnl)
		_, err := m.Open("btcusdt", types.Long, 100, 10, 0.02, 0.05)
		require.NoError(t, err)

		kind, closed := m.OnPriceUpdate("BTCUSDT", 99, 97, 97.5, nil)
		require.Equal(t, types.StopHit, kind)
		require.NotNil(t, closed)
		assert.Equal(t, 98.0, closed.ExitPrice)
		assert.Equal(t, StatusClosed, closed.Status)
		assert.Equal(t, types.ExitStopHit, closed.ExitReason)
		assert.InDelta(t, -20.0, closed.RealizedPnL, 1e-9)
		_, ok := m.Get("BTCUSDT")
		assert.False(t, ok)

		pnl.AssertExpectations(t)
		assert.Equal(t, []events.Type{events.PositionOpened, events.PositionClosed}, sink.types())
		last := sink.events[len(sink.events)-1]
		eq, ok := last.Float(events.KeyEquity)
		require.True(t, ok)
		assert.Equal(t, 9980.0, eq)
		assert.Equal(t, "StopHit", last.String(events.KeyExitReason))
	})

	t.Run("short target closes at target level", func(t *testing.T) {
		m := NewManager(nil, nil)
		_, err := m.Open("SOLUSDT", types.Short, 200, 1, 0.01, 0.1)
		require.NoError(t, err)
		kind, closed := m.OnPriceUpdate("SOLUSDT", 185, 178, 179, nil)
		require.Equal(t, types.TakeProfitHit, kind)
		assert.Equal(t, 180.0, closed.ExitPrice)
		assert.InDelta(t, 20.0, closed.RealizedPnL, 1e-9)
	})

	t.Run("unknown symbol is a no-op", func(t *testing.T) {
		m := NewManager(nil, nil)
		kind, closed := m.OnPriceUpdate("NOPE", 1, 1, 1, nil)
		assert.Equal(t, types.NoOp, kind)
		assert.Nil(t, closed)
	})
}

func TestManager_InvalidTransitions(t *testing.T) {
	m := NewManager(nil, nil)
	_, err := m.Open("BTCUSDT", types.Long, 100, 1, 0.02, 0.05)
	require.NoError(t, err)

	_, err = m.Open("BTCUSDT", types.Short, 100, 1, 0.02, 0.05)
	assert.ErrorIs(t, err, ErrAlreadyOpen)
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = m.Close("ETHUSDT", 100)
	assert.ErrorIs(t, err, ErrNoOpenPosition)

	_, err = m.Open("ETHUSDT", types.Long, 100, 0, 0.02, 0.05)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	_, err = m.Open("ETHUSDT", types.Direction("Sideways"), 100, 1, 0.02, 0.05)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	_, err = m.Open("ETHUSDT", types.Long, 100, 1, 1.5, 0.05)
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = m.Reverse("BTCUSDT", types.Long, 101, 1, 0.02, 0.05)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	cur, ok := m.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, types.Long, cur.Direction)
}

func TestManager_CloseBySignal(t *testing.T) {
	m := NewManager(nil, nil)
	_, err := m.Open("BTCUSDT", types.Short, 100, 3, 0.02, 0.05)
	require.NoError(t, err)
	closed, err := m.Close("BTCUSDT", 98)
	require.NoError(t, err)
	assert.Equal(t, types.ExitSignal, closed.ExitReason)
	assert.InDelta(t, 6.0, closed.RealizedPnL, 1e-9)
	assert.Len(t, m.History(), 1)
	assert.Empty(t, m.OpenPositions())
}

func TestManager_ReverseIsAtomic(t *testing.T) {
	sink := &captureSink{}
	m := NewManager(sink, nil)
	_, err := m.Open("BTCUSDT", types.Long, 100, 1, 0.02, 0.05)
	require.NoError(t, err)

	var sawFlat atomic.Bool
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if _, ok := m.Get("BTCUSDT"); !ok {
				sawFlat.Store(true)
			}
		}
	}()

	dir := types.Short
	for i := 0; i < 200; i++ {
		_, err := m.Reverse("BTCUSDT", dir, 100, 1, 0.02, 0.05)
		require.NoError(t, err)
		dir = dir.Opposite()
	}
	close(stop)
	wg.Wait()

	assert.False(t, sawFlat.Load())
	assert.Len(t, m.History(), 200)
	got := sink.types()
	require.Len(t, got, 1+200*2)
	for i := 1; i < len(got); i += 2 {
		assert.Equal(t, events.PositionClosed, got[i])
		assert.Equal(t, events.PositionOpened, got[i+1])
	}
}

func TestManager_SinkFailureSurfaces(t *testing.T) {
	sink := &captureSink{err: errors.New("disk full")}
	m := NewManager(sink, nil)
	_, err := m.Open("BTCUSDT", types.Long, 100, 1, 0.02, 0.05)
	require.Error(t, err)
	_, ok := m.Get("BTCUSDT")
	assert.True(t, ok)

	m.OnPriceUpdate("BTCUSDT", 120, 120, 120, ptr(0.01))
	assert.Error(t, m.Err())
	assert.NoError(t, m.Err())
}

func TestManager_Unrealized(t *testing.T) {
	m := NewManager(nil, nil)
	_, _ = m.Open("BTCUSDT", types.Long, 100, 2, 0.02, 0.5)
	_, _ = m.Open("ETHUSDT", types.Short, 50, 4, 0.02, 0.5)
	got := m.Unrealized(map[string]float64{"BTCUSDT": 110, "ETHUSDT": 45})
	assert.InDelta(t, 40.0, got, 1e-9)
}
