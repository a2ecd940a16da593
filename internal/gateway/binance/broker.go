package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"sessionpilot/internal/gateway/exchange"
	"sessionpilot/internal/logger"
	"sessionpilot/internal/pkg/symbol"
	"sessionpilot/internal/types"

	"github.com/adshao/go-binance/v2/futures"
)

const maxHistoryLimit = 1500

// Broker 基于 go-binance futures REST 实现 exchange.Broker。
type Broker struct {
	cfg    Config
	client *futures.Client
}

func New(cfg Config) (*Broker, error) {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Broker{cfg: final, client: client}, nil
}

func (b *Broker) Name() string { return "binance" }

func (b *Broker) GetPrice(ctx context.Context, sym string) (float64, error) {
	code := symbol.Compact(sym)
	if code == "" {
		return 0, fmt.Errorf("symbol is required: %w", types.ErrInvalidInput)
	}
	res, err := b.client.NewListPricesService().Symbol(code).Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range res {
		if p == nil || !strings.EqualFold(p.Symbol, code) {
			continue
		}
		px, err := strconv.ParseFloat(p.Price, 64)
		if err != nil {
			return 0, fmt.Errorf("binance: bad price %q for %s: %w", p.Price, code, err)
		}
		return px, nil
	}
	return 0, fmt.Errorf("binance: no price for %s", code)
}

func (b *Broker) PlaceOrder(ctx context.Context, sym string, dir types.Direction, quantity float64) (string, error) {
	code := symbol.Compact(sym)
	if code == "" || !dir.Valid() || !(quantity > 0) {
		return "", fmt.Errorf("binance order %s %s %.8f: %w", sym, dir, quantity, types.ErrInvalidInput)
	}
	if b.cfg.APIKey == "" || b.cfg.APISecret == "" {
		return "", fmt.Errorf("binance: api key/secret not configured: %w", types.ErrInvalidInput)
	}
	side := futures.SideTypeBuy
	if dir == types.Short {
		side = futures.SideTypeSell
	}
	res, err := b.client.NewCreateOrderService().
		Symbol(code).
		Side(side).
		Type(futures.OrderTypeMarket).
		Quantity(strconv.FormatFloat(quantity, 'f', -1, 64)).
		Do(ctx)
	if err != nil {
		return "", err
	}
	logger.Infof("binance: order %d %s %s qty=%.8f status=%s", res.OrderID, code, side, quantity, res.Status)
	return strconv.FormatInt(res.OrderID, 10), nil
}

func (b *Broker) Candles(ctx context.Context, sym, interval string, limit int) ([]exchange.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	code := symbol.Compact(sym)
	if code == "" {
		return nil, fmt.Errorf("symbol is required")
	}
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return nil, fmt.Errorf("interval is required")
	}
	kls, err := b.client.NewKlinesService().Symbol(code).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, exchange.Candle{
			OpenTime: time.UnixMilli(kl.OpenTime).UTC(),
			Open:     parseFloat(kl.Open),
			High:     parseFloat(kl.High),
			Low:      parseFloat(kl.Low),
			Close:    parseFloat(kl.Close),
			Volume:   parseFloat(kl.Volume),
		})
	}
	return out, nil
}

func parseFloat(raw string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return f
}
