package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"AgentPay-Chain/internal/api"
	"AgentPay-Chain/internal/audit"
	"AgentPay-Chain/internal/auth"
	"AgentPay-Chain/internal/budget"
	"AgentPay-Chain/internal/compliance"
	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/observability/metrics"
	"AgentPay-Chain/internal/orchestrator"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/pipeline"
	"AgentPay-Chain/internal/task"
	"AgentPay-Chain/pkg/logger"
)

// main 是 AgentPay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("agentpayd 运行失败: %v", err)
	}
}

func run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	appLog := logger.Named("agentpayd")

	var cleanups []func()
	defer func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}()

	stores, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, stores.close)

	var recorder *metrics.Recorder
	if cfg.Metrics.Enabled {
		recorder = metrics.New(cfg.Metrics.RuntimeMetrics)
	}

	auditRecorder := audit.NewRecorder(stores.audit)

	rules := compliance.DefaultRules()
	if cfg.Compliance.RulesFile != "" {
		if rules, err = compliance.LoadRules(cfg.Compliance.RulesFile); err != nil {
			return err
		}
	}

	budgetOpts, closeReserver, err := budgetOptions(ctx, cfg)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, closeReserver)

	signer, err := loadSigner(cfg, appLog)
	if err != nil {
		return err
	}
	trusted := cfg.Payment.TrustedSigners
	if len(trusted) == 0 {
		trusted = []string{signer.Address()}
	}

	memoryStore, err := openMemory(cfg)
	if err != nil {
		return err
	}

	analyzer, err := newAnalyzer(cfg)
	if err != nil {
		return err
	}

	pipelineOpts := []pipeline.Option{
		pipeline.WithNamespace(cfg.Memory.Namespace),
		pipeline.WithStageTimeout(config.Duration(cfg.Orchestrator.StageTimeoutMS)),
	}
	if recorder != nil {
		pipelineOpts = append(pipelineOpts, pipeline.WithObserver(recorder))
	}
	stages, err := pipeline.New(pipeline.Dependencies{
		Analyzer:   analyzer,
		Compliance: compliance.NewRuleEngine(rules, auditRecorder),
		Budget:     budget.NewGate(stores.ledger, budgetOpts...),
		Payment:    payment.NewLedgerGateway(stores.ledger, trusted, payment.WithInitialStatus(ledger.Status(cfg.Payment.InitialStatus))),
		Signer:     signer,
		Memory:     memoryStore,
		Audit:      auditRecorder,
	}, pipelineOpts...)
	if err != nil {
		return err
	}

	alerts := newAlerts(cfg)
	orchOpts := []orchestrator.Option{orchestrator.WithAlerts(alerts)}
	if recorder != nil {
		orchOpts = append(orchOpts, orchestrator.WithRunObserver(recorder))
	}
	orch, err := orchestrator.New(stages, memoryStore, auditRecorder, orchestrator.Config{
		MaxRetries:          cfg.Orchestrator.MaxRetries,
		RetryDelay:          cfg.Orchestrator.RetryDelay(),
		SimilarityThreshold: cfg.Orchestrator.SimilarityThreshold,
		ContextTopK:         cfg.Orchestrator.ContextTopK,
		Namespace:           cfg.Memory.Namespace,
	}, orchOpts...)
	if err != nil {
		return err
	}

	queue, err := openQueue(ctx, cfg, appLog)
	if err != nil {
		return err
	}
	cleanups = append(cleanups, func() {
		if err := queue.Close(); err != nil {
			appLog.Warn("关闭任务队列失败", slog.Any("error", err))
		}
	})

	taskService := task.NewService(stores.tasks, queue, task.WithMaxRetries(cfg.Queue.MaxRetries))
	processor := task.NewProcessor(orch, stores.tasks, queue, queue,
		task.WithWorkerCount(cfg.Queue.Workers),
		task.WithAlertDispatcher(alerts),
	)

	authService, err := auth.NewService(cfg.Auth, nil)
	if err != nil {
		return err
	}
	if !authService.Enabled() {
		appLog.Warn("API 认证未启用，任何调用方都可以代表任意代理付款")
	}

	serverOpts := []api.Option{
		api.WithTasks(taskService),
		api.WithAuth(authService),
		api.WithShutdownTimeout(config.Duration(cfg.Server.ShutdownTimeoutMS)),
	}
	if recorder != nil {
		serverOpts = append(serverOpts, api.WithMetrics(recorder.Handler(), recorder))
	}
	server := api.NewServer(cfg.Server.Address, orch, serverOpts...)

	var wg sync.WaitGroup
	background := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				appLog.Error(name+" 异常退出", slog.Any("error", err))
			}
		}()
	}
	background("任务处理器", processor.Start)
	if recorder != nil && cfg.Metrics.Address != "" {
		background("指标服务", func(ctx context.Context) error {
			return recorder.StartServer(ctx, cfg.Metrics.Address)
		})
	}

	appLog.Info("agentpayd 已启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("signer", signer.Address()),
		slog.Bool("strict_budget", cfg.Budget.StrictReservation),
	)
	err = server.Start(ctx)
	cancel()
	wg.Wait()
	appLog.Info("agentpayd 已停止")
	return err
}
