package main

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"AgentPay-Chain/internal/audit"
	"AgentPay-Chain/internal/budget"
	"AgentPay-Chain/internal/config"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/knowledge"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/memory"
	"AgentPay-Chain/internal/observability/alerting"
	"AgentPay-Chain/internal/payment"
	"AgentPay-Chain/internal/pipeline"
	"AgentPay-Chain/internal/storage/mysql"
	"AgentPay-Chain/internal/task"
)

type storeSet struct {
	ledger ledger.Store
	audit  audit.Store
	tasks  task.Store
	db     *sql.DB
}

func (s storeSet) close() {
	if s.tasks != nil {
		_ = s.tasks.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

// openStores 按存储驱动创建账本、审计与任务存储，MySQL 模式下三者共用一个连接池。
func openStores(ctx context.Context, cfg *config.Config) (storeSet, error) {
	if cfg.Storage.Driver != "mysql" {
		return storeSet{
			ledger: ledger.NewMemoryStore(),
			audit:  audit.NewMemoryStore(),
			tasks:  task.NewMemoryStore(),
		}, nil
	}
	db, err := mysql.Open(ctx, mysql.Config{
		DSN:             cfg.Storage.MySQL.DSN,
		MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSec) * time.Second,
	})
	if err != nil {
		return storeSet{}, err
	}
	if cfg.Storage.MySQL.AutoMigrate {
		if err := mysql.Migrate(ctx, db); err != nil {
			_ = db.Close()
			return storeSet{}, err
		}
	}
	return storeSet{
		ledger: ledger.NewMySQLStore(db),
		audit:  audit.NewMySQLStore(db),
		tasks:  task.NewMySQLStore(db),
		db:     db,
	}, nil
}

// openQueue 按驱动创建任务队列，支持恢复的队列会先把遗留任务放回队列。
func openQueue(ctx context.Context, cfg *config.Config, log *slog.Logger) (task.Queue, error) {
	var (
		queue task.Queue
		err   error
	)
	switch cfg.Queue.Driver {
	case "redis":
		queue, err = task.NewRedisQueue(ctx, task.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Key,
			BlockWait: config.Duration(cfg.Queue.Redis.BlockWaitMS),
		})
	case "rabbitmq":
		queue, err = task.NewRabbitMQQueue(task.RabbitMQConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Queue:    cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
			Durable:  cfg.Queue.RabbitMQ.Durable,
		})
	default:
		queue = task.NewMemoryQueue(cfg.Queue.BufferSize)
	}
	if err != nil {
		return nil, err
	}

	if recoverer, ok := queue.(task.Recoverer); ok {
		if moved, err := recoverer.Recover(ctx); err != nil {
			log.Warn("恢复未完成任务失败", slog.Any("error", err))
		} else if moved > 0 {
			log.Info("已恢复未完成任务", slog.Int("count", moved))
		}
	}
	return queue, nil
}

// budgetOptions 返回预算网关配置和预留器的关闭函数。
func budgetOptions(ctx context.Context, cfg *config.Config) ([]budget.Option, func(), error) {
	daily, monthly, err := cfg.Budget.Limits()
	if err != nil {
		return nil, nil, err
	}
	opts := []budget.Option{budget.WithDefaultLimits(daily, monthly)}
	noop := func() {}
	if !cfg.Budget.StrictReservation {
		return opts, noop, nil
	}
	if cfg.Budget.Reserver != "redis" {
		return append(opts, budget.WithReserver(budget.NewMemoryReserver())), noop, nil
	}

	redisCfg := cfg.Budget.Redis
	if redisCfg.Address == "" {
		redisCfg = cfg.Queue.Redis
	}
	reserver, err := budget.NewRedisReserver(ctx, budget.RedisReserverConfig{
		Address:   redisCfg.Address,
		Password:  redisCfg.Password,
		DB:        redisCfg.DB,
		KeyPrefix: cfg.Budget.Redis.Key,
		HoldTTL:   time.Duration(cfg.Budget.HoldTTLSec) * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}
	return append(opts, budget.WithReserver(reserver)), func() { _ = reserver.Close() }, nil
}

// loadSigner 未配置密钥时生成进程内临时密钥，重启后签名地址会变化。
func loadSigner(cfg *config.Config, log *slog.Logger) (*payment.KeySigner, error) {
	if strings.TrimSpace(cfg.Payment.SignerKey) != "" {
		return payment.NewKeySigner(cfg.Payment.SignerKey)
	}
	signer, err := payment.GenerateKeySigner()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "生成签名密钥失败")
	}
	log.Warn("未配置签名密钥，使用临时密钥", slog.String("address", signer.Address()))
	return signer, nil
}

func openMemory(cfg *config.Config) (memory.Store, error) {
	return memory.NewChromemStore(memory.ChromemConfig{
		PersistPath: cfg.Memory.PersistPath,
		Compress:    cfg.Memory.Compress,
	}, memory.NewHashEmbedder(cfg.Memory.VectorSize))
}

func newAnalyzer(cfg *config.Config) (pipeline.Analyzer, error) {
	var notes knowledge.Provider = knowledge.NewCatalog(nil)
	if cfg.Knowledge.CatalogFile != "" {
		catalog, err := knowledge.LoadCatalog(cfg.Knowledge.CatalogFile)
		if err != nil {
			return nil, err
		}
		notes = catalog
	}
	return pipeline.NewLocalAnalyzer(notes, cfg.Knowledge.NoteLimit), nil
}

func newAlerts(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if cfg.Alerting.WebhookURL != "" {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(cfg.Alerting.WebhookURL, config.Duration(cfg.Alerting.WebhookTimeoutMS)))
	}
	return alerting.NewFanout(notifiers...)
}
