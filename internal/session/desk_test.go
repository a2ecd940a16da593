package session

import (
	"context"
	"errors"
	"testing"

	"sessionpilot/internal/gateway/exchange"
	"sessionpilot/internal/position"
	"sessionpilot/internal/store"
	"sessionpilot/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) AppendTrade(ctx context.Context, rec store.TradeRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockStore) AppendEquityPoint(ctx context.Context, rec store.EquityRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockStore) SaveSession(ctx context.Context, rec store.SessionRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockStore) QueryTrades(ctx context.Context, q store.TradeQuery) ([]store.TradeRecord, error) {
	args := m.Called(ctx, q)
	return args.Get(0).([]store.TradeRecord), args.Error(1)
}

func (m *MockStore) QueryEquity(ctx context.Context, sessionID string, limit int) ([]store.EquityRecord, error) {
	args := m.Called(ctx, sessionID, limit)
	return args.Get(0).([]store.EquityRecord), args.Error(1)
}

func (m *MockStore) Ping(ctx context.Context) error { return m.Called(ctx).Error(0) }
func (m *MockStore) Close() error                   { return m.Called().Error(0) }

func deskSizing() Sizing {
	return Sizing{
		KellyMultiplier:  0.5,
		MaxPositionPct:   0.25,
		FixedPositionPct: 0.1,
		StopLossPct:      0.02,
		TakeProfitPct:    0.04,
	}
}

func newTestDesk(t *testing.T, st store.Store) (*Desk, *exchange.Paper) {
	t.Helper()
	paper := exchange.NewPaper(map[string]float64{"BTCUSDT": 100})
	cfg := testConfig()
	cfg.ID = "desk-test"
	cfg.Sizing = deskSizing()
	o := newOrchestrator(t, cfg, Deps{Broker: paper, Store: st})
	return o.Desk(), paper
}

func TestDesk_EntrySizing(t *testing.T) {
	cases := []struct {
		name     string
		stats    *TradeStats
		method   SizingMethod
		notional float64
		err      error
	}{
		{"half kelly", &TradeStats{WinRate: 0.6, AvgWin: 150, AvgLoss: 100}, SizingKelly, 10000 * (1.0 / 3.0) * 0.5, nil},
		{"explicit fixed fallback", nil, SizingFixed, 1000, nil},
		{"invalid kelly falls back", &TradeStats{WinRate: 1.5, AvgWin: 150, AvgLoss: 100}, SizingFixed, 1000, nil},
		{"no edge", &TradeStats{WinRate: 0.5, AvgWin: 100, AvgLoss: 100}, "", 0, ErrNoEdge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			desk, _ := newTestDesk(t, nil)
			res, err := desk.Enter(context.Background(), EntryRequest{Symbol: "btc/usdt", Direction: types.Long, Stats: tc.stats})
			if tc.err != nil {
				assert.ErrorIs(t, err, tc.err)
				_, open := desk.Positions().Get("BTCUSDT")
				assert.False(t, open)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.method, res.Method)
			assert.InDelta(t, tc.notional, res.Notional, 1e-6)
			assert.InDelta(t, tc.notional/100, res.Position.Quantity, 1e-9)
			assert.NotEmpty(t, res.OrderID)
			assert.Equal(t, "BTCUSDT", res.Position.Symbol)
		})
	}
}

func TestDesk_EnterTwiceIsRejectedBeforeOrdering(t *testing.T) {
	desk, paper := newTestDesk(t, nil)
	ctx := context.Background()
	_, err := desk.Enter(ctx, EntryRequest{Symbol: "BTCUSDT", Direction: types.Long})
	require.NoError(t, err)
	_, err = desk.Enter(ctx, EntryRequest{Symbol: "BTCUSDT", Direction: types.Short})
	assert.ErrorIs(t, err, position.ErrAlreadyOpen)
	assert.Len(t, paper.Fills(), 1)
}

func TestDesk_StopHitClosesAndPersists(t *testing.T) {
	st := new(MockStore)
	st.On("SaveSession", mock.Anything, mock.Anything).Return(nil).Maybe()
	st.On("AppendTrade", mock.Anything, mock.MatchedBy(func(rec store.TradeRecord) bool {
		return rec.SessionID == "desk-test" && rec.Symbol == "BTCUSDT" && rec.ExitReason == string(types.ExitStopHit)
	})).Return(nil).Once()
	st.On("AppendEquityPoint", mock.Anything, mock.MatchedBy(func(rec store.EquityRecord) bool {
		return rec.Equity > 9979.99 && rec.Equity < 9980.01
	})).Return(nil).Once()

	desk, paper := newTestDesk(t, st)
	ctx := context.Background()
	_, err := desk.Enter(ctx, EntryRequest{Symbol: "BTCUSDT", Direction: types.Long})
	require.NoError(t, err)

	kind, err := desk.Tick(ctx, "BTCUSDT", 101, 99, 100.5)
	require.NoError(t, err)
	assert.Equal(t, types.NoOp, kind)

	kind, err = desk.Tick(ctx, "BTCUSDT", 100, 97, 97.5)
	require.NoError(t, err)
	assert.Equal(t, types.StopHit, kind)

	// qty 10, closed at the 98 stop
	assert.InDelta(t, 9980.0, desk.RealizedEquity(), 1e-6)
	fills := paper.Fills()
	require.Len(t, fills, 2)
	assert.Equal(t, types.Short, fills[1].Direction)
	assert.InDelta(t, 10.0, fills[1].Quantity, 1e-9)
	st.AssertExpectations(t)
}

func TestDesk_FlipSendsOneOrder(t *testing.T) {
	desk, paper := newTestDesk(t, nil)
	ctx := context.Background()
	_, err := desk.Enter(ctx, EntryRequest{Symbol: "BTCUSDT", Direction: types.Long})
	require.NoError(t, err)

	paper.SetPrice("BTCUSDT", 101)
	res, err := desk.Flip(ctx, EntryRequest{Symbol: "BTCUSDT", Direction: types.Short})
	require.NoError(t, err)
	assert.Equal(t, types.Short, res.Position.Direction)

	fills := paper.Fills()
	require.Len(t, fills, 2)
	assert.Equal(t, types.Short, fills[1].Direction)
	assert.InDelta(t, 10+1000.0/101, fills[1].Quantity, 1e-9)

	hist := desk.Positions().History()
	require.Len(t, hist, 1)
	assert.Equal(t, types.ExitReversal, hist[0].ExitReason)
	assert.InDelta(t, 10.0, hist[0].RealizedPnL, 1e-9)

	_, err = desk.Flip(ctx, EntryRequest{Symbol: "BTCUSDT", Direction: types.Short})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}

func TestDesk_MarkToMarketKeepsRealizedSeparate(t *testing.T) {
	desk, paper := newTestDesk(t, nil)
	ctx := context.Background()
	_, err := desk.Enter(ctx, EntryRequest{Symbol: "BTCUSDT", Direction: types.Long})
	require.NoError(t, err)

	paper.SetPrice("BTCUSDT", 99)
	pt, err := desk.MarkToMarket(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 9990.0, pt.Equity, 1e-9)
	assert.InDelta(t, 0.1, pt.DrawdownPct, 1e-9)

	closed, err := desk.Exit(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, types.ExitSignal, closed.ExitReason)
	// 盯市亏损不会被重复计入
	assert.InDelta(t, 9990.0, desk.RealizedEquity(), 1e-9)
}

func TestDesk_ATRTrailing(t *testing.T) {
	paper := exchange.NewPaper(map[string]float64{"BTCUSDT": 100})
	bars := make([]exchange.Candle, 0, 20)
	for i := 0; i < 20; i++ {
		bars = append(bars, exchange.Candle{High: 101, Low: 99, Close: 100})
	}
	paper.SetCandles("BTCUSDT", bars)
	cfg := testConfig()
	cfg.Sizing = deskSizing()
	cfg.Sizing.ATRPeriod = 5
	cfg.Sizing.ATRMultiplier = 1
	cfg.Sizing.TakeProfitPct = 0.5
	o := newOrchestrator(t, cfg, Deps{Broker: paper})
	desk := o.Desk()
	ctx := context.Background()

	_, err := desk.Enter(ctx, EntryRequest{Symbol: "BTCUSDT", Direction: types.Long})
	require.NoError(t, err)
	// ATR 2 on a 100 close: trailing 2%
	_, err = desk.Tick(ctx, "BTCUSDT", 110, 105, 108)
	require.NoError(t, err)
	pos, ok := desk.Positions().Get("BTCUSDT")
	require.True(t, ok)
	assert.InDelta(t, 107.8, pos.StopLoss, 1e-6)
}

func TestDesk_CloseKeepsOpenLossesOnTheCurve(t *testing.T) {
	paper := exchange.NewPaper(map[string]float64{"BTCUSDT": 100, "ETHUSDT": 100})
	o := newOrchestrator(t, testConfig(), Deps{Broker: paper})
	desk := o.Desk()
	ctx := context.Background()

	_, err := desk.Enter(ctx, EntryRequest{Symbol: "BTCUSDT", Direction: types.Long})
	require.NoError(t, err)
	_, err = desk.Enter(ctx, EntryRequest{Symbol: "ETHUSDT", Direction: types.Long})
	require.NoError(t, err)

	paper.SetPrice("BTCUSDT", 70)
	pt, err := desk.MarkToMarket(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 7000.0, pt.Equity, 1e-6)

	paper.SetPrice("ETHUSDT", 101)
	_, err = desk.Exit(ctx, "ETHUSDT")
	require.NoError(t, err)

	// BTC 仍按 70 计价：10000 + 100 - 3000
	assert.InDelta(t, 10100.0, desk.RealizedEquity(), 1e-6)
	assert.InDelta(t, 7100.0, o.Risk().CurrentEquity(), 1e-6)
	assert.InDelta(t, 10000.0, o.Risk().Peak(), 1e-6)
	breached, dd := o.Risk().CheckCircuitBreaker(20)
	assert.True(t, breached)
	assert.InDelta(t, 29.0, dd, 1e-6)
}

// rejectingBroker fails the next n orders and passes everything else to paper.
type rejectingBroker struct {
	*exchange.Paper
	failures int
}

func (b *rejectingBroker) PlaceOrder(ctx context.Context, sym string, dir types.Direction, qty float64) (string, error) {
	if b.failures > 0 {
		b.failures--
		return "", errors.New("order gateway timeout")
	}
	return b.Paper.PlaceOrder(ctx, sym, dir, qty)
}

func TestDesk_FailedStopOrderStaysPending(t *testing.T) {
	paper := exchange.NewPaper(map[string]float64{"BTCUSDT": 100})
	broker := &rejectingBroker{Paper: paper}
	cfg := testConfig()
	cfg.Sizing = deskSizing()
	o := newOrchestrator(t, cfg, Deps{Broker: broker})
	desk := o.Desk()
	ctx := context.Background()

	_, err := desk.Enter(ctx, EntryRequest{Symbol: "BTCUSDT", Direction: types.Long})
	require.NoError(t, err)

	broker.failures = 2
	kind, err := desk.Tick(ctx, "BTCUSDT", 100, 97, 97.5)
	require.Error(t, err)
	assert.Equal(t, types.StopHit, kind)
	_, open := desk.Positions().Get("BTCUSDT")
	assert.False(t, open)
	require.Len(t, desk.PendingExits(), 1)
	assert.Len(t, paper.Fills(), 1)

	// 仍有待平仓单时不接受新开仓
	_, err = desk.Enter(ctx, EntryRequest{Symbol: "BTCUSDT", Direction: types.Short})
	require.Error(t, err)
	assert.Len(t, paper.Fills(), 1)

	require.NoError(t, desk.SettlePending(ctx))
	assert.Empty(t, desk.PendingExits())
	fills := paper.Fills()
	require.Len(t, fills, 2)
	assert.Equal(t, types.Short, fills[1].Direction)
	assert.InDelta(t, 10.0, fills[1].Quantity, 1e-9)
	assert.InDelta(t, 9980.0, o.Risk().CurrentEquity(), 1e-6)
}
