package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"sessionpilot/internal/logger"
	"sessionpilot/internal/pkg/symbol"
	"sessionpilot/internal/scheduler"
	"sessionpilot/internal/session"
	"sessionpilot/internal/types"
)

// 内置阶段名称。
const (
	PhaseData     = "data"
	PhaseStrategy = "strategy"
	PhaseAPI      = "api"
)

// SignalAction 是信号源给出的动作。
type SignalAction string

const (
	ActionHold  SignalAction = "hold"
	ActionEnter SignalAction = "enter"
	ActionExit  SignalAction = "exit"
	ActionFlip  SignalAction = "flip"
)

// Bar 是一根已收盘 K 线的高低收；零值表示只用最新价。
type Bar struct {
	High, Low, Close float64
}

// Signal 描述某个币种本轮要执行的动作。
type Signal struct {
	Action    SignalAction
	Direction types.Direction
	Stats     *session.TradeStats
	Bar       Bar
}

// SignalSource 为策略阶段提供交易信号。
type SignalSource interface {
	Evaluate(ctx context.Context, symbol string, price float64) (Signal, error)
}

// HoldSignals 永远返回 hold；未注入信号源时使用。
type HoldSignals struct{}

func (HoldSignals) Evaluate(context.Context, string, float64) (Signal, error) {
	return Signal{Action: ActionHold}, nil
}

// Pinger 是 api 阶段要检查的依赖。
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Catalog 把阶段名映射到内置阶段体。
type Catalog struct {
	symbols []string
	signals SignalSource
	checks  map[string]Pinger
}

// NewCatalog 构造阶段目录；signals 为空时使用 HoldSignals。
func NewCatalog(symbols []string, signals SignalSource, checks map[string]Pinger) *Catalog {
	if signals == nil {
		signals = HoldSignals{}
	}
	return &Catalog{
		symbols: symbol.NormalizeList(symbols),
		signals: signals,
		checks:  checks,
	}
}

// Has reports whether name is a built-in phase.
func (c *Catalog) Has(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case PhaseData, PhaseStrategy, PhaseAPI:
		return true
	}
	return false
}

// CheckPlan rejects phase plans that name unknown phases.
func (c *Catalog) CheckPlan(phases []scheduler.Phase) error {
	for _, p := range phases {
		if !c.Has(p.Name) {
			return fmt.Errorf("unknown phase %q: %w", p.Name, types.ErrInvalidInput)
		}
	}
	return nil
}

// Body 按阶段名分派；未知阶段直接 Fatal。
func (c *Catalog) Body() session.PhaseBody {
	return func(ctx context.Context, desk *session.Desk, phase scheduler.Phase) error {
		switch strings.ToLower(phase.Name) {
		case PhaseData:
			return c.runData(ctx, desk)
		case PhaseStrategy:
			return c.runStrategy(ctx, desk)
		case PhaseAPI:
			return c.runAPI(ctx)
		default:
			return scheduler.Fatal(fmt.Errorf("unknown phase %q", phase.Name))
		}
	}
}

// runData 拉取观察列表的最新价，确认券商可达。
func (c *Catalog) runData(ctx context.Context, desk *session.Desk) error {
	for _, sym := range c.symbols {
		price, err := desk.Price(ctx, sym)
		if err != nil {
			return fmt.Errorf("data: price %s: %w", sym, err)
		}
		logger.Debugf("data phase: %s = %.6f", sym, price)
	}
	logger.Infof("data phase: %d symbols priced", len(c.symbols))
	return nil
}

// runStrategy 先推进已有仓位的止损止盈，再执行信号，最后盯市。
func (c *Catalog) runStrategy(ctx context.Context, desk *session.Desk) error {
	// 上次重试留下的平仓单先补发
	if err := desk.SettlePending(ctx); err != nil {
		return fmt.Errorf("strategy: %w", err)
	}
	for _, sym := range c.symbols {
		price, err := desk.Price(ctx, sym)
		if err != nil {
			return fmt.Errorf("strategy: price %s: %w", sym, err)
		}
		sig, err := c.signals.Evaluate(ctx, sym, price)
		if err != nil {
			return fmt.Errorf("strategy: signal %s: %w", sym, err)
		}
		if _, open := desk.Positions().Get(sym); open {
			bar := sig.Bar
			if bar.Close <= 0 {
				bar = Bar{High: price, Low: price, Close: price}
			}
			kind, err := desk.Tick(ctx, sym, bar.High, bar.Low, bar.Close)
			if err != nil {
				return err
			}
			if kind != types.NoOp {
				logger.Infof("strategy phase: %s %s", sym, kind)
			}
		}
		if err := c.apply(ctx, desk, sym, sig); err != nil {
			return err
		}
	}
	_, err := desk.MarkToMarket(ctx)
	return err
}

func (c *Catalog) apply(ctx context.Context, desk *session.Desk, sym string, sig Signal) error {
	req := session.EntryRequest{Symbol: sym, Direction: sig.Direction, Stats: sig.Stats}
	_, open := desk.Positions().Get(sym)
	switch sig.Action {
	case ActionHold, "":
		return nil
	case ActionEnter:
		if open {
			logger.Debugf("strategy phase: %s already open, enter ignored", sym)
			return nil
		}
		res, err := desk.Enter(ctx, req)
		if errors.Is(err, session.ErrNoEdge) {
			logger.Infof("strategy phase: %s skipped, no edge", sym)
			return nil
		}
		if err != nil {
			return err
		}
		logger.Infof("strategy phase: entered %s %s notional=%.2f (%s)", sym, sig.Direction, res.Notional, res.Method)
		return nil
	case ActionExit:
		if !open {
			return nil
		}
		_, err := desk.Exit(ctx, sym)
		return err
	case ActionFlip:
		if !open {
			_, err := desk.Enter(ctx, req)
			if errors.Is(err, session.ErrNoEdge) {
				return nil
			}
			return err
		}
		_, err := desk.Flip(ctx, req)
		return err
	default:
		return scheduler.Fatal(fmt.Errorf("strategy: unknown action %q for %s: %w", sig.Action, sym, types.ErrInvalidInput))
	}
}

// runAPI 检查持久化等外部依赖是否健康。
func (c *Catalog) runAPI(ctx context.Context) error {
	for name, p := range c.checks {
		if p == nil {
			continue
		}
		if err := p.Ping(ctx); err != nil {
			return fmt.Errorf("api: %s unhealthy: %w", name, err)
		}
	}
	logger.Infof("api phase: %d dependencies healthy", len(c.checks))
	return nil
}
