// Package memory 保存智能体运行过程中产生的笔记，并支持按语义相似度检索。
package memory

import (
	"context"
	"time"
)

// 阶段写入记忆时使用的 memory_type 标签。
const (
	TypeAnalysis    = "analysis"
	TypeCompliance  = "compliance"
	TypeTransaction = "transaction"
)

// DefaultNamespace 是未指定命名空间时使用的集合。
const DefaultNamespace = "agentpay"

// Entry 是一条待写入的记忆。
type Entry struct {
	ProjectID  string
	AgentID    string
	RunID      string
	MemoryType string
	Namespace  string
	Content    string
	Metadata   map[string]string
	CreatedAt  time.Time
}

// Query 描述一次相似度检索。
type Query struct {
	ProjectID string
	Text      string
	Namespace string
	TopK      int
}

// Hit 是检索命中的记忆。
type Hit struct {
	ID         string
	Content    string
	Similarity float64
	Metadata   map[string]string
}

// Store 是流水线依赖的记忆存储能力。
type Store interface {
	Store(ctx context.Context, entry Entry) (string, error)
	Search(ctx context.Context, query Query) ([]Hit, error)
}

// Embedder 将文本转换为向量。
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
