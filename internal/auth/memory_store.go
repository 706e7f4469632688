package auth

import (
	"context"
	"strings"
	"sync"

	xerrors "AgentPay-Chain/internal/errors"
)

// MemoryStore 保存配置文件中声明的 API Key。
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[string]KeyConfig
}

// NewMemoryStore 校验并载入凭证，ID 重复或缺少哈希时报错。
func NewMemoryStore(keys []KeyConfig) (*MemoryStore, error) {
	store := &MemoryStore{keys: make(map[string]KeyConfig, len(keys))}
	for _, key := range keys {
		if err := store.Put(key); err != nil {
			return nil, err
		}
	}
	return store, nil
}

// Put 新增或替换一把凭证。
func (s *MemoryStore) Put(key KeyConfig) error {
	key.ID = strings.TrimSpace(key.ID)
	if key.ID == "" || strings.Contains(key.ID, ".") {
		return xerrors.New(xerrors.CodeInvalidArgument, "API Key ID 不能为空且不能包含 '.'")
	}
	if strings.TrimSpace(key.Hash) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "API Key "+key.ID+" 缺少 hash")
	}
	key.AgentIDs = dedupeStrings(key.AgentIDs)
	key.Permissions = dedupeStrings(key.Permissions)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = key
	return nil
}

// FindKey 实现 Store 接口。
func (s *MemoryStore) FindKey(_ context.Context, id string) (*KeyConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.keys[id]
	if !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, "API Key 不存在")
	}
	return &key, nil
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
