package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sessionpilot/internal/logger"
	"sessionpilot/internal/pkg/circuit"
	"sessionpilot/internal/scheduler"
	"sessionpilot/internal/types"
)

const defaultCallTimeout = 10 * time.Second

// Guarded bounds every broker call with a timeout and stops calling a venue
// that keeps failing. Every failure it returns is classified transient, except
// invalid input, which is fatal.
type Guarded struct {
	inner   Broker
	timeout time.Duration
	breaker *circuit.CircuitBreaker
}

type GuardOptions struct {
	Timeout          time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

func NewGuarded(inner Broker, opts GuardOptions) *Guarded {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultCallTimeout
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	return &Guarded{
		inner:   inner,
		timeout: opts.Timeout,
		breaker: circuit.NewCircuitBreaker("broker:"+inner.Name(), opts.FailureThreshold, opts.Cooldown),
	}
}

func (g *Guarded) Name() string { return g.inner.Name() }

// State exposes the circuit for health checks.
func (g *Guarded) State() circuit.State { return g.breaker.State() }

// OnStateChange logs every circuit transition and forwards it to fn.
// fn runs on its own goroutine.
func (g *Guarded) OnStateChange(fn func(name string, from, to circuit.State)) {
	g.breaker.SetStateChangeHandler(func(name string, from, to circuit.State) {
		logger.Warnf("broker circuit %s: %s -> %s", name, from, to)
		if fn != nil {
			fn(name, from, to)
		}
	})
}

func (g *Guarded) GetPrice(ctx context.Context, sym string) (float64, error) {
	var px float64
	err := g.call(ctx, "get_price "+sym, func(cctx context.Context) error {
		var err error
		px, err = g.inner.GetPrice(cctx, sym)
		return err
	})
	return px, err
}

func (g *Guarded) PlaceOrder(ctx context.Context, sym string, dir types.Direction, quantity float64) (string, error) {
	var id string
	err := g.call(ctx, fmt.Sprintf("place_order %s %s", sym, dir), func(cctx context.Context) error {
		var err error
		id, err = g.inner.PlaceOrder(cctx, sym, dir, quantity)
		return err
	})
	return id, err
}

// Candles passes through when the wrapped broker serves bars.
func (g *Guarded) Candles(ctx context.Context, sym, interval string, limit int) ([]Candle, error) {
	src, ok := g.inner.(CandleSource)
	if !ok {
		return nil, fmt.Errorf("%s: candles not supported", g.inner.Name())
	}
	var out []Candle
	err := g.call(ctx, "candles "+sym, func(cctx context.Context) error {
		var err error
		out, err = src.Candles(cctx, sym, interval, limit)
		return err
	})
	return out, err
}

func (g *Guarded) call(ctx context.Context, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	var rejected error
	err := g.breaker.Guard(func() error {
		err := fn(cctx)
		if errors.Is(err, types.ErrInvalidInput) {
			// 参数错误不计入熔断
			rejected = err
			return nil
		}
		return err
	})
	if rejected != nil {
		logger.Warnf("broker %s %s rejected: %v", g.inner.Name(), op, rejected)
		return scheduler.Fatal(fmt.Errorf("broker %s: %w", op, rejected))
	}
	if err == nil {
		return nil
	}
	logger.Warnf("broker %s %s: %v", g.inner.Name(), op, err)
	return scheduler.Transient(fmt.Errorf("broker %s: %w", op, err))
}
