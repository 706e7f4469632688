package orchestrator

import (
	"time"

	"AgentPay-Chain/internal/memory"
)

const (
	defaultMaxRetries          = 3
	defaultRetryDelay          = time.Second
	defaultSimilarityThreshold = 0.7
	defaultContextTopK         = 5
)

// Config 控制重试与上下文加载。
type Config struct {
	// MaxRetries 是一次运行允许的最大尝试次数（含首次）。
	MaxRetries          int
	RetryDelay          time.Duration
	SimilarityThreshold float64
	ContextTopK         int
	Namespace           string
}

// DefaultConfig 返回默认配置。
func DefaultConfig() Config {
	return Config{
		MaxRetries:          defaultMaxRetries,
		RetryDelay:          defaultRetryDelay,
		SimilarityThreshold: defaultSimilarityThreshold,
		ContextTopK:         defaultContextTopK,
		Namespace:           memory.DefaultNamespace,
	}
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaultMaxRetries
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		c.SimilarityThreshold = defaultSimilarityThreshold
	}
	if c.ContextTopK <= 0 {
		c.ContextTopK = defaultContextTopK
	}
	if c.Namespace == "" {
		c.Namespace = memory.DefaultNamespace
	}
	return c
}
