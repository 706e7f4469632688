package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore 以内存方式保存账本，适合单进程部署与测试。
type MemoryStore struct {
	mu           sync.RWMutex
	transactions []Transaction
	index        map[string]struct{}
}

// NewMemoryStore 创建内存账本，可选地预置历史交易。
func NewMemoryStore(seed ...Transaction) *MemoryStore {
	store := &MemoryStore{index: make(map[string]struct{})}
	for _, tx := range seed {
		_ = store.Append(context.Background(), tx)
	}
	return store
}

// Append 实现 Writer 接口。
func (m *MemoryStore) Append(_ context.Context, tx Transaction) error {
	if err := validate(tx); err != nil {
		return err
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.index[tx.ID]; ok {
		return errDuplicate(tx.ID)
	}
	m.index[tx.ID] = struct{}{}
	m.transactions = append(m.transactions, tx)
	return nil
}

// QueryConfirmedTransactions 实现 Reader 接口，结果按创建时间升序。
func (m *MemoryStore) QueryConfirmedTransactions(ctx context.Context, agentID string, window TimeRange) ([]Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []Transaction
	for _, tx := range m.transactions {
		if tx.AgentID != agentID || tx.Status != StatusConfirmed || !window.Contains(tx.CreatedAt) {
			continue
		}
		result = append(result, tx)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
