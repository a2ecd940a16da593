package app

import (
	"context"
	"fmt"
	"io"

	"sessionpilot/internal/config"
	cfgloader "sessionpilot/internal/config/loader"
	"sessionpilot/internal/logger"
	"sessionpilot/internal/metrics"
	"sessionpilot/internal/scheduler"
	"sessionpilot/internal/session"
	livehttp "sessionpilot/internal/transport/http/live"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→运行一次会话。
type App struct {
	cfg      *config.Config
	session  *session.Orchestrator
	catalog  *Catalog
	phases   []scheduler.Phase
	plan     *cfgloader.PlanLoader
	liveHTTP *livehttp.Server
	metrics  *metrics.Metrics
	closers  []io.Closer
	Summary  *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(cfg *config.Config, opts ...AppBuilderOption) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return NewAppBuilder(cfg, opts...).Build(context.Background())
}

// Run 启动状态接口并执行会话；会话结束后 HTTP 服务随之关闭。
func (a *App) Run(ctx context.Context) (session.Result, error) {
	if a == nil || a.session == nil {
		return session.Result{}, fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	if a.plan != nil {
		// 运行中的会话使用启动时的快照
		a.plan.Subscribe(func(s cfgloader.PlanSnapshot) {
			if s.Version > 1 {
				logger.Infof("phase plan v%d loaded; takes effect on the next session", s.Version)
			}
		})
	}

	group, gctx := errgroup.WithContext(ctx)
	httpCtx, stopHTTP := context.WithCancel(gctx)
	defer stopHTTP()

	if a.liveHTTP != nil {
		group.Go(func() error {
			if err := a.liveHTTP.Start(httpCtx); err != nil {
				return fmt.Errorf("live http server error: %w", err)
			}
			return nil
		})
	}

	var result session.Result
	group.Go(func() error {
		defer stopHTTP()
		res, err := a.session.Run(gctx, a.phases, a.catalog.Body())
		result = res
		return err
	})

	err := group.Wait()
	return result, err
}

// Session exposes the underlying orchestrator (for tests and replay harnesses).
func (a *App) Session() *session.Orchestrator {
	if a == nil {
		return nil
	}
	return a.session
}

// Close 关闭会话事件日志及所有外部资源。
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var err error
	if a.session != nil {
		err = a.session.Close()
	}
	closeAll(a.closers)
	return err
}
