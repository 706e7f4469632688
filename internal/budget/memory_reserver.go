package budget

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryReserver 在进程内用互斥锁维护日/月计数器，适合单实例部署。
type MemoryReserver struct {
	mu       sync.Mutex
	counters map[string]decimal.Decimal
	holds    map[string]Reservation
}

// NewMemoryReserver 创建 MemoryReserver。
func NewMemoryReserver() *MemoryReserver {
	return &MemoryReserver{
		counters: make(map[string]decimal.Decimal),
		holds:    make(map[string]Reservation),
	}
}

// Reserve 实现 Reserver 接口。
func (m *MemoryReserver) Reserve(_ context.Context, req ReserveRequest) (ReserveResult, error) {
	res := newReservation(req.AgentID, req.Amount, req.Now)

	m.mu.Lock()
	defer m.mu.Unlock()

	day := m.counter("day:"+res.DayKey, req.DailySeed)
	month := m.counter("month:"+res.MonthKey, req.MonthlySeed)
	result := ReserveResult{Reservation: res, DailySpend: day, MonthlySpend: month}
	if !withinLimit(day, req.Amount, req.DailyLimit) || !withinLimit(month, req.Amount, req.MonthlyLimit) {
		return result, nil
	}
	m.counters["day:"+res.DayKey] = day.Add(req.Amount)
	m.counters["month:"+res.MonthKey] = month.Add(req.Amount)
	m.holds[res.ID] = res
	result.Granted = true
	return result, nil
}

func (m *MemoryReserver) counter(key string, seed decimal.Decimal) decimal.Decimal {
	value, ok := m.counters[key]
	if !ok {
		m.counters[key] = seed
		return seed
	}
	return value
}

// Release 归还尚未确认的预留。
func (m *MemoryReserver) Release(_ context.Context, res Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	held, ok := m.holds[res.ID]
	if !ok {
		return nil
	}
	delete(m.holds, res.ID)
	m.counters["day:"+held.DayKey] = m.counters["day:"+held.DayKey].Sub(held.Amount)
	m.counters["month:"+held.MonthKey] = m.counters["month:"+held.MonthKey].Sub(held.Amount)
	return nil
}

// Confirm 使预留成为既成花费。
func (m *MemoryReserver) Confirm(_ context.Context, res Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.holds, res.ID)
	return nil
}

var _ Reserver = (*MemoryReserver)(nil)
