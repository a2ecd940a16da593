package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"sessionpilot/internal/app"
	"sessionpilot/internal/config"
	"sessionpilot/internal/logger"
	"sessionpilot/internal/session"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfgPath := os.Getenv("SESSIONPILOT_CONFIG")
	if cfgPath == "" {
		cfgPath = "configs/config.yaml"
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("读取配置失败: %v", err)
		return 2
	}
	logger.SetLevel(cfg.App.LogLevel)
	logger.Infof("✓ 配置加载成功（环境=%s，dry_run=%v）", cfg.App.Env, cfg.Session.DryRun)

	// Ctrl-C 只在下一个阶段边界生效
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.NewApp(cfg)
	if err != nil {
		log.Printf("初始化应用失败: %v", err)
		return 2
	}
	defer a.Close()

	res, err := a.Run(ctx)
	if err != nil {
		logger.Errorf("运行失败: %v", err)
		return 1
	}
	logger.Infof("会话 %s 结束: status=%s phases=%d/%d equity=%.2f",
		res.Session.ID, res.Session.Status, res.Session.PhasesCompleted, res.Session.PhasesTotal, res.Session.CurrentEquity)
	if res.Session.Status != session.StatusSuccess {
		return 1
	}
	return 0
}
