package binance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"sessionpilot/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T, handler http.HandlerFunc) *Broker {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b, err := New(Config{RESTBaseURL: srv.URL, HTTPTimeout: 2 * time.Second})
	require.NoError(t, err)
	return b
}

func TestBroker_GetPrice(t *testing.T) {
	b := newTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v2/ticker/price", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"symbol":"BTCUSDT","price":"64250.10","time":1700000000000}`))
	})
	px, err := b.GetPrice(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.InDelta(t, 64250.10, px, 1e-9)
}

func TestBroker_Candles(t *testing.T) {
	b := newTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fapi/v1/klines", r.URL.Path)
		assert.Equal(t, "1h", r.URL.Query().Get("interval"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			[1700000000000,"100","110","95","105","12.5",1700003599999,"1300",42,"6","650","0"],
			[1700003600000,"105","112","101","111","8.0",1700007199999,"880",30,"4","440","0"]
		]`))
	})
	bars, err := b.Candles(context.Background(), "BTCUSDT", "1H", 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 110.0, bars[0].High)
	assert.Equal(t, 101.0, bars[1].Low)
	assert.Equal(t, 111.0, bars[1].Close)
	assert.Equal(t, time.UnixMilli(1700003600000).UTC(), bars[1].OpenTime)
}

func TestBroker_PlaceOrderRequiresCredentials(t *testing.T) {
	b := newTestBroker(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL.Path)
	})
	_, err := b.PlaceOrder(context.Background(), "BTCUSDT", types.Long, 0.01)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
	_, err = b.PlaceOrder(context.Background(), "BTCUSDT", types.Long, 0)
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}
