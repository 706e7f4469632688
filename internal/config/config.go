package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"AgentPay-Chain/internal/auth"
	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/pkg/logger"
)

// 环境变量
const (
	EnvConfigPath = "AGENTPAY_CONFIG"
	EnvSignerKey  = "AGENTPAY_SIGNER_KEY"
	EnvMySQLDSN   = "AGENTPAY_MYSQL_DSN"

	DefaultPath = "configs/agentpay.json"
)

// Config 描述 AgentPay 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Logging      logger.Config      `json:"logging" yaml:"logging"`
	Auth         auth.Config        `json:"auth" yaml:"auth"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	Queue        QueueConfig        `json:"queue" yaml:"queue"`
	Memory       MemoryConfig       `json:"memory" yaml:"memory"`
	Orchestrator OrchestratorConfig `json:"orchestrator" yaml:"orchestrator"`
	Budget       BudgetConfig       `json:"budget" yaml:"budget"`
	Compliance   ComplianceConfig   `json:"compliance" yaml:"compliance"`
	Payment      PaymentConfig      `json:"payment" yaml:"payment"`
	Knowledge    KnowledgeConfig    `json:"knowledge" yaml:"knowledge"`
	Alerting     AlertingConfig     `json:"alerting" yaml:"alerting"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics"`
}

// ServerConfig 控制 API 服务的监听地址。
type ServerConfig struct {
	Address           string `json:"address" yaml:"address"`
	ShutdownTimeoutMS int    `json:"shutdown_timeout_ms" yaml:"shutdown_timeout_ms"`
}

// StorageConfig 选择账本、审计与任务的存储后端。
type StorageConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	MySQL  MySQLConfig `json:"mysql" yaml:"mysql"`
}

// MySQLConfig 描述共享连接池。
type MySQLConfig struct {
	DSN                string `json:"dsn" yaml:"dsn"`
	MaxOpenConns       int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns       int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSec int    `json:"conn_max_lifetime_sec" yaml:"conn_max_lifetime_sec"`
	AutoMigrate        bool   `json:"auto_migrate" yaml:"auto_migrate"`
}

// QueueConfig 选择异步任务队列。
type QueueConfig struct {
	Driver     string         `json:"driver" yaml:"driver"`
	Workers    int            `json:"workers" yaml:"workers"`
	MaxRetries int            `json:"max_retries" yaml:"max_retries"`
	BufferSize int            `json:"buffer_size" yaml:"buffer_size"`
	Redis      RedisConfig    `json:"redis" yaml:"redis"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
}

// RedisConfig 被任务队列和预算预留共用。
type RedisConfig struct {
	Address     string `json:"address" yaml:"address"`
	Password    string `json:"password" yaml:"password"`
	DB          int    `json:"db" yaml:"db"`
	Key         string `json:"key" yaml:"key"`
	BlockWaitMS int    `json:"block_wait_ms" yaml:"block_wait_ms"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
	Durable  bool   `json:"durable" yaml:"durable"`
}

// MemoryConfig 控制向量记忆库。
type MemoryConfig struct {
	Namespace   string `json:"namespace" yaml:"namespace"`
	VectorSize  int    `json:"vector_size" yaml:"vector_size"`
	PersistPath string `json:"persist_path" yaml:"persist_path"`
	Compress    bool   `json:"compress" yaml:"compress"`
}

// OrchestratorConfig 对应编排器的重试与上下文参数。
type OrchestratorConfig struct {
	MaxRetries          int     `json:"max_retries" yaml:"max_retries"`
	// RetryDelayMS 未填写时取默认值，显式填 0 表示立即重试。
	RetryDelayMS        *int    `json:"retry_delay_ms" yaml:"retry_delay_ms"`
	SimilarityThreshold float64 `json:"similarity_threshold" yaml:"similarity_threshold"`
	ContextTopK         int     `json:"context_top_k" yaml:"context_top_k"`
	StageTimeoutMS      int     `json:"stage_timeout_ms" yaml:"stage_timeout_ms"`
}

// BudgetConfig 中的限额以十进制字符串表示，空字符串表示不限。
type BudgetConfig struct {
	DefaultDailyLimit   string      `json:"default_daily_limit" yaml:"default_daily_limit"`
	DefaultMonthlyLimit string      `json:"default_monthly_limit" yaml:"default_monthly_limit"`
	StrictReservation   bool        `json:"strict_reservation" yaml:"strict_reservation"`
	Reserver            string      `json:"reserver" yaml:"reserver"`
	HoldTTLSec          int         `json:"hold_ttl_sec" yaml:"hold_ttl_sec"`
	Redis               RedisConfig `json:"redis" yaml:"redis"`
}

// ComplianceConfig 指向规则文件，为空时使用内置规则。
type ComplianceConfig struct {
	RulesFile string `json:"rules_file" yaml:"rules_file"`
}

// PaymentConfig 描述签名密钥与支付网关行为。
type PaymentConfig struct {
	SignerKey      string   `json:"signer_key" yaml:"signer_key"`
	InitialStatus  string   `json:"initial_status" yaml:"initial_status"`
	TrustedSigners []string `json:"trusted_signers" yaml:"trusted_signers"`
}

// KnowledgeConfig 指向分析阶段使用的市场笔记。
type KnowledgeConfig struct {
	CatalogFile string `json:"catalog_file" yaml:"catalog_file"`
	NoteLimit   int    `json:"note_limit" yaml:"note_limit"`
}

// AlertingConfig 配置告警渠道。日志渠道始终开启。
type AlertingConfig struct {
	WebhookURL       string `json:"webhook_url" yaml:"webhook_url"`
	WebhookTimeoutMS int    `json:"webhook_timeout_ms" yaml:"webhook_timeout_ms"`
}

// MetricsConfig 控制 Prometheus 指标。指标始终挂在 API 的 /metrics 上，
// Address 非空时额外启动独立的抓取端口。
type MetricsConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	Address        string `json:"address" yaml:"address"`
	RuntimeMetrics bool   `json:"runtime_metrics" yaml:"runtime_metrics"`
}

// Load 解析 path 指向的配置文件，.yaml/.yml 按 YAML 解析，其余按 JSON。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取配置文件失败")
	}

	var cfg Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(content, &cfg)
	default:
		err = json.Unmarshal(content, &cfg)
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解析配置失败")
	}

	cfg.applyEnv(os.Getenv)
	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv 读取 AGENTPAY_CONFIG 指定的文件，未设置时使用 DefaultPath。
func LoadFromEnv() (*Config, error) {
	path := os.Getenv(EnvConfigPath)
	if path == "" {
		path = DefaultPath
	}
	return Load(path)
}

func (c *Config) applyEnv(getenv func(string) string) {
	if key := strings.TrimSpace(getenv(EnvSignerKey)); key != "" {
		c.Payment.SignerKey = key
	}
	if dsn := strings.TrimSpace(getenv(EnvMySQLDSN)); dsn != "" {
		c.Storage.MySQL.DSN = dsn
	}
}

// applyDefaults 在用户未填写部分字段时设置默认值，相对路径以配置文件所在目录为基准。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeoutMS <= 0 {
		c.Server.ShutdownTimeoutMS = 10_000
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.MaxRetries <= 0 {
		c.Queue.MaxRetries = 3
	}
	if c.Memory.Namespace == "" {
		c.Memory.Namespace = "agentpay"
	}
	if c.Memory.VectorSize <= 0 {
		c.Memory.VectorSize = 256
	}
	if c.Orchestrator.MaxRetries <= 0 {
		c.Orchestrator.MaxRetries = 3
	}
	if c.Orchestrator.RetryDelayMS == nil || *c.Orchestrator.RetryDelayMS < 0 {
		delay := 1000
		c.Orchestrator.RetryDelayMS = &delay
	}
	if c.Orchestrator.SimilarityThreshold <= 0 {
		c.Orchestrator.SimilarityThreshold = 0.7
	}
	if c.Orchestrator.ContextTopK <= 0 {
		c.Orchestrator.ContextTopK = 5
	}
	if c.Budget.Reserver == "" {
		c.Budget.Reserver = "memory"
	}
	if c.Budget.HoldTTLSec <= 0 {
		c.Budget.HoldTTLSec = 300
	}
	if c.Payment.InitialStatus == "" {
		c.Payment.InitialStatus = "confirmed"
	}
	if c.Knowledge.NoteLimit <= 0 {
		c.Knowledge.NoteLimit = 3
	}

	c.Memory.PersistPath = resolve(baseDir, c.Memory.PersistPath)
	c.Compliance.RulesFile = resolve(baseDir, c.Compliance.RulesFile)
	c.Knowledge.CatalogFile = resolve(baseDir, c.Knowledge.CatalogFile)
	c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

// Validate 检查枚举值与限额格式。
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if strings.TrimSpace(c.Storage.MySQL.DSN) == "" {
			return xerrors.New(xerrors.CodeInvalidArgument, "storage.mysql.dsn 不能为空（可通过 "+EnvMySQLDSN+" 设置）")
		}
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的存储驱动: "+c.Storage.Driver)
	}
	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的队列驱动: "+c.Queue.Driver)
	}
	switch c.Auth.Mode {
	case "", auth.ModeDisabled, auth.ModeAPIKey:
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的认证模式: "+string(c.Auth.Mode))
	}
	switch c.Budget.Reserver {
	case "memory", "redis":
	default:
		return xerrors.New(xerrors.CodeInvalidArgument, "未知的预算预留实现: "+c.Budget.Reserver)
	}
	if _, _, err := c.Budget.Limits(); err != nil {
		return err
	}
	return nil
}

// Limits 解析默认日、月限额。
func (b BudgetConfig) Limits() (daily, monthly *decimal.Decimal, err error) {
	if daily, err = parseLimit("budget.default_daily_limit", b.DefaultDailyLimit); err != nil {
		return nil, nil, err
	}
	if monthly, err = parseLimit("budget.default_monthly_limit", b.DefaultMonthlyLimit); err != nil {
		return nil, nil, err
	}
	return daily, monthly, nil
}

func parseLimit(field, raw string) (*decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, field+" 不是合法的金额")
	}
	if value.IsNegative() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, field+" 不能为负数")
	}
	return &value, nil
}

// RetryDelay 返回重试间隔，未经默认值处理时为 0。
func (o OrchestratorConfig) RetryDelay() time.Duration {
	if o.RetryDelayMS == nil {
		return 0
	}
	return Duration(*o.RetryDelayMS)
}

// Duration 把毫秒配置转换为 time.Duration。
func Duration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
