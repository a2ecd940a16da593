package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"sessionpilot/internal/config"
	cfgloader "sessionpilot/internal/config/loader"
	"sessionpilot/internal/events"
	"sessionpilot/internal/gateway/binance"
	"sessionpilot/internal/gateway/exchange"
	"sessionpilot/internal/gateway/notifier"
	"sessionpilot/internal/logger"
	"sessionpilot/internal/metrics"
	"sessionpilot/internal/scheduler"
	"sessionpilot/internal/session"
	"sessionpilot/internal/store"
	"sessionpilot/internal/store/eventlog"
	"sessionpilot/internal/store/gormstore"
	livehttp "sessionpilot/internal/transport/http/live"

	"github.com/google/uuid"
)

type AppBuilder struct {
	cfg *config.Config

	brokerFn   func(config.BrokerConfig) (exchange.Broker, error)
	storeFn    func(config.StoreConfig) (store.Store, error)
	notifierFn func(config.NotifyConfig) notifier.Notifier
	signals    SignalSource
	watchPlan  bool
}

type AppBuilderOption func(*AppBuilder)

// WithBroker 替换券商实现（测试或自定义撮合）。
func WithBroker(b exchange.Broker) AppBuilderOption {
	return func(ab *AppBuilder) {
		ab.brokerFn = func(config.BrokerConfig) (exchange.Broker, error) { return b, nil }
	}
}

// WithSignalSource 注入策略阶段使用的信号源。
func WithSignalSource(src SignalSource) AppBuilderOption {
	return func(ab *AppBuilder) { ab.signals = src }
}

// WithPlanWatch 控制是否监听阶段计划文件的变更。
func WithPlanWatch(on bool) AppBuilderOption {
	return func(ab *AppBuilder) { ab.watchPlan = on }
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		brokerFn:   buildBroker,
		storeFn:    buildStore,
		notifierFn: buildNotifier,
		watchPlan:  true,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (app *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)

	var closers []io.Closer
	defer func() {
		if err != nil {
			closeAll(closers)
		}
	}()

	logFile, err := logger.SetupFile(logger.FileOptions{
		Path:       cfg.App.Log.Path,
		MaxSizeMB:  cfg.App.Log.MaxSizeMB,
		MaxBackups: cfg.App.Log.MaxBackups,
		MaxAgeDays: cfg.App.Log.MaxAgeDays,
		Compress:   cfg.App.Log.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化日志文件失败: %w", err)
	}
	if logFile != nil {
		closers = append(closers, logFile)
	}

	plan, phases, err := b.loadPlan(cfg)
	if err != nil {
		return nil, err
	}
	for _, p := range phases {
		if err = p.Validate(); err != nil {
			return nil, err
		}
	}
	logger.Infof("✓ 已加载 %d 个阶段: %s", len(phases), phaseNames(phases))

	broker, err := b.brokerFn(cfg.Broker)
	if err != nil {
		return nil, err
	}

	var st store.Store
	if cfg.Store.Enabled() {
		if st, err = b.storeFn(cfg.Store); err != nil {
			return nil, err
		}
		closers = append(closers, st)
	}

	sessionID := uuid.NewString()
	var archive *eventlog.Archive
	if path := strings.TrimSpace(cfg.Store.EventArchivePath); path != "" && cfg.Store.Enabled() {
		if archive, err = eventlog.Open(path, sessionID); err != nil {
			return nil, fmt.Errorf("初始化事件归档失败: %w", err)
		}
		closers = append(closers, archive)
	}

	m := metrics.New(cfg.Session.MetricsNamespace)
	if g, ok := broker.(*exchange.Guarded); ok {
		g.OnStateChange(m.ObserveCircuit)
	}
	listeners := []events.Listener{m}
	if archive != nil {
		listeners = append(listeners, archive)
	}
	if n := b.notifierFn(cfg.Notify); n != nil {
		listeners = append(listeners, notifier.Listener(n))
	}

	var eventStore events.Store
	if path := strings.TrimSpace(cfg.Session.EventLogPath); path != "" {
		fs, err := events.NewFileStore(path)
		if err != nil {
			return nil, fmt.Errorf("初始化事件日志失败: %w", err)
		}
		eventStore = fs
	}
	var summary *events.SummaryWriter
	if path := strings.TrimSpace(cfg.Session.SummaryPath); path != "" {
		summary = events.NewSummaryWriter(path)
	}

	orch, err := session.New(sessionConfig(cfg, sessionID), session.Deps{
		EventStore:  eventStore,
		Listeners:   listeners,
		Broker:      broker,
		Store:       st,
		Summary:     summary,
		HealthCheck: healthCheck(broker, st, cfg.Session.Symbols),
	})
	if err != nil {
		if eventStore != nil {
			_ = eventStore.Close()
		}
		return nil, err
	}

	checks := map[string]Pinger{}
	if st != nil {
		checks["store"] = st
	}
	if archive != nil {
		checks["event_archive"] = PingFunc(func(ctx context.Context) error {
			_, err := archive.Sessions(ctx)
			return err
		})
	}
	catalog := NewCatalog(cfg.Session.Symbols, b.signals, checks)
	if err := catalog.CheckPlan(phases); err != nil {
		_ = orch.Close()
		return nil, err
	}

	var server *livehttp.Server
	if addr := strings.TrimSpace(cfg.App.HTTPAddr); addr != "" {
		srvCfg := livehttp.ServerConfig{
			Addr:    addr,
			View:    sessionView{o: orch},
			Metrics: m.Handler(),
		}
		if st != nil {
			srvCfg.Trades = st
		}
		if archive != nil {
			srvCfg.Archive = archive
		}
		if server, err = livehttp.NewServer(srvCfg); err != nil {
			_ = orch.Close()
			return nil, fmt.Errorf("初始化 live HTTP 失败: %w", err)
		}
	}

	return &App{
		cfg:      cfg,
		session:  orch,
		catalog:  catalog,
		phases:   phases,
		plan:     plan,
		liveHTTP: server,
		metrics:  m,
		closers:  closers,
		Summary:  newStartupSummary(cfg, orch.ID(), phases, broker.Name()),
	}, nil
}

// loadPlan 读取阶段计划；未配置 phases_path 时使用内置 data → strategy → api。
func (b *AppBuilder) loadPlan(cfg *config.Config) (*cfgloader.PlanLoader, []scheduler.Phase, error) {
	defaults := cfgloader.Defaults{
		Timeout:     secondsDuration(cfg.PhaseDefaults.TimeoutSeconds),
		MaxRetries:  cfg.PhaseDefaults.MaxRetries,
		BackoffBase: secondsDuration(cfg.PhaseDefaults.BackoffBaseSeconds),
		MaxBackoff:  secondsDuration(cfg.PhaseDefaults.MaxBackoffSeconds),
	}
	path := strings.TrimSpace(cfg.Session.PhasesPath)
	if path == "" {
		specs := []cfgloader.PhaseSpec{{Name: PhaseData}, {Name: PhaseStrategy}, {Name: PhaseAPI}}
		return nil, cfgloader.PlanSnapshot{Phases: specs}.Resolve(defaults), nil
	}
	plan, err := cfgloader.NewPlanLoader(path, b.watchPlan)
	if err != nil {
		return nil, nil, fmt.Errorf("加载阶段计划失败: %w", err)
	}
	return plan, plan.Snapshot().Resolve(defaults), nil
}

func sessionConfig(cfg *config.Config, id string) session.Config {
	s := cfg.Session
	z := cfg.Sizing
	return session.Config{
		ID:               id,
		InitialCapital:   s.InitialCapital,
		DryRun:           s.DryRun,
		MaxDrawdownPct:   s.MaxDrawdownPct,
		Pause:            s.Pause(),
		MaxPause:         s.MaxPause(),
		HealthTimeout:    s.HealthTimeout(),
		SnapshotInterval: s.SnapshotInterval(),
		Sizing: session.Sizing{
			KellyMultiplier:  z.KellyMultiplier,
			MaxPositionPct:   z.MaxPositionPct,
			FixedPositionPct: z.FixedPositionPct,
			StopLossPct:      z.StopLossPct,
			TakeProfitPct:    z.TakeProfitPct,
			TrailingPct:      z.TrailingPct,
			ATRPeriod:        z.ATRPeriod,
			ATRMultiplier:    z.ATRMultiplier,
			CandleInterval:   z.CandleInterval,
		},
	}
}

func buildBroker(cfg config.BrokerConfig) (exchange.Broker, error) {
	var inner exchange.Broker
	switch strings.ToLower(strings.TrimSpace(cfg.Kind)) {
	case config.BrokerPaper, "":
		inner = exchange.NewPaper(cfg.Paper.Prices)
	case config.BrokerBinance:
		bb, err := binance.New(binance.Config{
			RESTBaseURL:  cfg.RESTBaseURL,
			HTTPTimeout:  cfg.Timeout(),
			APIKey:       cfg.APIKey,
			APISecret:    cfg.APISecret,
			ProxyEnabled: cfg.Proxy.Enabled,
			RESTProxyURL: cfg.Proxy.URL,
		})
		if err != nil {
			return nil, fmt.Errorf("初始化 binance 失败: %w", err)
		}
		inner = bb
	default:
		return nil, fmt.Errorf("unknown broker kind %q", cfg.Kind)
	}
	logger.Infof("✓ Broker: %s (timeout=%s failures=%d cooldown=%s)", inner.Name(), cfg.Timeout(), cfg.FailureThreshold, cfg.Cooldown())
	return exchange.NewGuarded(inner, exchange.GuardOptions{
		Timeout:          cfg.Timeout(),
		FailureThreshold: cfg.FailureThreshold,
		Cooldown:         cfg.Cooldown(),
	}), nil
}

func buildStore(cfg config.StoreConfig) (store.Store, error) {
	st, err := gormstore.Open(gormstore.Config{Driver: cfg.Driver, Path: cfg.Path, DSN: cfg.DSN})
	if err != nil {
		return nil, fmt.Errorf("初始化存储失败: %w", err)
	}
	logger.Infof("✓ Store: %s", st.Driver())
	return st, nil
}

// buildNotifier 总是带上日志通知；Telegram 启用时并行推送。
func buildNotifier(cfg config.NotifyConfig) notifier.Notifier {
	multi := notifier.Multi{notifier.LogNotifier{}}
	tg := cfg.Telegram
	if tg.Enabled {
		multi = append(multi, notifier.NewTelegram(tg.BotToken, tg.ChatID, notifier.TelegramOptions{
			APIBase:    tg.APIBase,
			Timeout:    secondsDuration(tg.TimeoutSeconds),
			RetryCount: tg.RetryCount,
		}))
		logger.Infof("✓ Telegram 通知已启用 chat=%s", tg.ChatID)
	}
	return multi
}

// healthCheck 在阶段间确认券商与存储仍然可用。
func healthCheck(broker exchange.Broker, st store.Store, symbols []string) func(context.Context) error {
	return func(ctx context.Context) error {
		if len(symbols) > 0 {
			if _, err := broker.GetPrice(ctx, symbols[0]); err != nil {
				return fmt.Errorf("broker %s: %w", broker.Name(), err)
			}
		}
		if st != nil {
			if err := st.Ping(ctx); err != nil {
				return fmt.Errorf("store: %w", err)
			}
		}
		return nil
	}
}

func closeAll(closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].Close(); err != nil {
			logger.Warnf("close: %v", err)
		}
	}
}

func phaseNames(phases []scheduler.Phase) string {
	names := make([]string, 0, len(phases))
	for _, p := range phases {
		names = append(names, p.Name)
	}
	return strings.Join(names, " → ")
}
