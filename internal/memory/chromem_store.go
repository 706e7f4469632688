package memory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	chromem "github.com/philippgille/chromem-go"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/pkg/logger"
)

// ChromemConfig 描述向量库的存储方式。
type ChromemConfig struct {
	// PersistPath 为空时只在内存中保存。
	PersistPath string
	Compress    bool
}

// ChromemStore 基于 chromem-go 实现 Store，每个命名空间对应一个集合。
type ChromemStore struct {
	db       *chromem.DB
	embedder Embedder
	logger   *slog.Logger
}

// NewChromemStore 创建 ChromemStore。
func NewChromemStore(cfg ChromemConfig, embedder Embedder) (*ChromemStore, error) {
	if embedder == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "embedder 不能为空")
	}
	var (
		db  *chromem.DB
		err error
	)
	if path := strings.TrimSpace(cfg.PersistPath); path != "" {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建向量库目录失败")
		}
		db, err = chromem.NewPersistentDB(path, cfg.Compress)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "打开向量库失败")
		}
	} else {
		db = chromem.NewDB()
	}
	return &ChromemStore{db: db, embedder: embedder, logger: logger.Named("memory")}, nil
}

func (s *ChromemStore) embeddingFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.Embed(ctx, text)
	}
}

func (s *ChromemStore) collection(namespace string) (*chromem.Collection, error) {
	if strings.TrimSpace(namespace) == "" {
		namespace = DefaultNamespace
	}
	collection, err := s.db.GetOrCreateCollection(namespace, nil, s.embeddingFunc())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("获取集合 %s 失败", namespace))
	}
	return collection, nil
}

// Store 写入一条记忆，返回 memory_id。
func (s *ChromemStore) Store(ctx context.Context, entry Entry) (string, error) {
	if strings.TrimSpace(entry.Content) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "记忆内容不能为空")
	}
	collection, err := s.collection(entry.Namespace)
	if err != nil {
		return "", err
	}
	embedding, err := s.embedder.Embed(ctx, entry.Content)
	if err != nil {
		return "", xerrors.Classify(err, "生成向量失败")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	metadata := make(map[string]string, len(entry.Metadata)+5)
	for k, v := range entry.Metadata {
		metadata[k] = v
	}
	metadata["project_id"] = entry.ProjectID
	metadata["agent_id"] = entry.AgentID
	metadata["run_id"] = entry.RunID
	metadata["memory_type"] = entry.MemoryType
	metadata["created_at"] = entry.CreatedAt.Format(time.RFC3339Nano)

	id := uuid.NewString()
	if err := collection.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   entry.Content,
		Metadata:  metadata,
		Embedding: embedding,
	}); err != nil {
		return "", xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入记忆失败")
	}
	s.logger.Debug("写入记忆",
		slog.String("memory_id", id),
		slog.String("run_id", entry.RunID),
		slog.String("memory_type", entry.MemoryType),
	)
	return id, nil
}

// Search 在项目范围内按相似度检索，结果按相似度降序。
func (s *ChromemStore) Search(ctx context.Context, query Query) ([]Hit, error) {
	if strings.TrimSpace(query.Text) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "检索语句不能为空")
	}
	topK := query.TopK
	if topK <= 0 {
		topK = 5
	}
	collection, err := s.collection(query.Namespace)
	if err != nil {
		return nil, err
	}
	count := collection.Count()
	if count == 0 {
		return nil, nil
	}
	if topK > count {
		topK = count
	}

	var where map[string]string
	if query.ProjectID != "" {
		where = map[string]string{"project_id": query.ProjectID}
	}
	results, err := collection.Query(ctx, query.Text, topK, where, nil)
	if err != nil {
		return nil, xerrors.Classify(err, "检索记忆失败")
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:         r.ID,
			Content:    r.Content,
			Similarity: float64(r.Similarity),
			Metadata:   r.Metadata,
		})
	}
	return hits, nil
}

var _ Store = (*ChromemStore)(nil)
