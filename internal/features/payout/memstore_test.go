package payout

import (
	"context"
	"sort"
	"sync"
	"time"

	"evbackend.in/core/internal/common"
)

type memPayouts struct {
	mu      sync.Mutex
	payouts map[int64]Payout
	logs    map[int64]WebhookLog
	nextID  int64
	nextLog int64
}

func newMemPayouts() *memPayouts {
	return &memPayouts{payouts: map[int64]Payout{}, logs: map[int64]WebhookLog{}}
}

func (m *memPayouts) Snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	payouts := make(map[int64]Payout, len(m.payouts))
	for k, v := range m.payouts {
		payouts[k] = v
	}
	logs := make(map[int64]WebhookLog, len(m.logs))
	for k, v := range m.logs {
		logs[k] = v
	}
	nextID, nextLog := m.nextID, m.nextLog
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.payouts, m.logs, m.nextID, m.nextLog = payouts, logs, nextID, nextLog
	}
}

func (m *memPayouts) Insert(_ context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	p.ID = m.nextID
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.payouts[p.ID] = *p
	return nil
}

func (m *memPayouts) Get(_ context.Context, id int64) (*Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payouts[id]
	if !ok {
		return nil, common.NotFound("payout", id)
	}
	return &p, nil
}

func (m *memPayouts) Lock(ctx context.Context, id int64) (*Payout, error) {
	return m.Get(ctx, id)
}

func (m *memPayouts) Save(_ context.Context, p *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.TransactionID != nil {
		for id, other := range m.payouts {
			if id != p.ID && other.TransactionID != nil && *other.TransactionID == *p.TransactionID {
				return common.ConsistencyViolation("gateway id %s already belongs to another payout", *p.TransactionID)
			}
		}
	}
	p.UpdatedAt = time.Now()
	m.payouts[p.ID] = *p
	return nil
}

func (m *memPayouts) find(match func(p Payout) bool, key any) (*Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payouts {
		if match(p) {
			return &p, nil
		}
	}
	return nil, common.NotFound("payout", key)
}

func (m *memPayouts) FindByTransactionID(_ context.Context, txnID string) (*Payout, error) {
	return m.find(func(p Payout) bool { return p.TransactionID != nil && *p.TransactionID == txnID }, txnID)
}

func (m *memPayouts) FindByReference(_ context.Context, reference string) (*Payout, error) {
	return m.find(func(p Payout) bool { return p.Reference == reference }, reference)
}

func (m *memPayouts) filter(keep func(p Payout) bool) []*Payout {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Payout
	for _, p := range m.payouts {
		if keep(p) {
			p := p
			out = append(out, &p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *memPayouts) ListByUser(_ context.Context, userID int64, limit int) ([]*Payout, error) {
	out := m.filter(func(p Payout) bool { return p.UserID == userID })
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memPayouts) ListStale(_ context.Context, before time.Time) ([]*Payout, error) {
	return m.filter(func(p Payout) bool {
		return p.Status == StatusProcessing && p.ProcessedAt != nil && p.ProcessedAt.Before(before)
	}), nil
}

func (m *memPayouts) InsertWebhookLog(_ context.Context, l *WebhookLog) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.logs {
		if existing.EventID == l.EventID {
			return false, nil
		}
	}
	m.nextLog++
	l.ID = m.nextLog
	l.CreatedAt = time.Now()
	m.logs[l.ID] = *l
	return true, nil
}

func (m *memPayouts) MarkWebhookLog(_ context.Context, id int64, status WebhookStatus, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return common.NotFound("webhook log", id)
	}
	now := time.Now()
	l.Status, l.ErrorMessage, l.ProcessedAt = status, message, &now
	m.logs[id] = l
	return nil
}

func (m *memPayouts) WebhookLogs(_ context.Context, limit int) ([]*WebhookLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*WebhookLog
	for _, l := range m.logs {
		l := l
		out = append(out, &l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memPayouts) log(id int64) WebhookLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.logs[id]
}

func (m *memPayouts) put(p Payout) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == 0 {
		m.nextID++
		p.ID = m.nextID
	}
	m.payouts[p.ID] = p
}
