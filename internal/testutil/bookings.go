package testutil

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/features/booking"
)

// MemBookings is an in-memory booking store.
type MemBookings struct {
	mu         sync.Mutex
	bookings   map[int64]booking.Booking
	deductions []booking.Deduction
	nextID     int64
	nextDedID  int64
	// PairNumber resolves a deduction's source pair to its number.
	PairNumber func(pairID int64) int
}

func NewMemBookings() *MemBookings {
	return &MemBookings{bookings: make(map[int64]booking.Booking)}
}

func (m *MemBookings) Snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	bookings := make(map[int64]booking.Booking, len(m.bookings))
	for k, v := range m.bookings {
		bookings[k] = v
	}
	deductions := append([]booking.Deduction(nil), m.deductions...)
	nextID, nextDedID := m.nextID, m.nextDedID
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.bookings, m.deductions, m.nextID, m.nextDedID = bookings, deductions, nextID, nextDedID
	}
}

func (m *MemBookings) Insert(_ context.Context, b *booking.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	b.ID = m.nextID
	b.Number = fmt.Sprintf("BK-%06d", b.ID)
	b.CreatedAt = time.Now().Add(time.Duration(b.ID) * time.Millisecond)
	b.UpdatedAt = b.CreatedAt
	m.bookings[b.ID] = *b
	return nil
}

func (m *MemBookings) Get(_ context.Context, id int64) (*booking.Booking, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, common.NotFound("booking", id)
	}
	return &b, nil
}

func (m *MemBookings) Lock(ctx context.Context, id int64) (*booking.Booking, error) {
	return m.Get(ctx, id)
}

func (m *MemBookings) filter(keep func(b booking.Booking) bool, less func(a, b booking.Booking) bool) []*booking.Booking {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*booking.Booking
	for _, b := range m.bookings {
		if keep(b) {
			c := b
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(*out[i], *out[j]) })
	return out
}

func byID(a, b booking.Booking) bool { return a.ID < b.ID }

func byEMIStart(a, b booking.Booking) bool {
	switch {
	case a.EMIStartDate == nil && b.EMIStartDate == nil:
		return a.ID < b.ID
	case a.EMIStartDate == nil:
		return false
	case b.EMIStartDate == nil:
		return true
	case a.EMIStartDate.Equal(*b.EMIStartDate):
		return a.ID < b.ID
	default:
		return a.EMIStartDate.Before(*b.EMIStartDate)
	}
}

func (m *MemBookings) LockOpen(_ context.Context, userID int64) ([]*booking.Booking, error) {
	return m.filter(func(b booking.Booking) bool {
		return b.UserID == userID && b.Open() && b.RemainingAmount.IsPositive()
	}, byID), nil
}

func isEMI(userID int64) func(b booking.Booking) bool {
	return func(b booking.Booking) bool {
		return b.UserID == userID && b.Open() && b.PendingEMIMonths() > 0
	}
}

func (m *MemBookings) LockEMI(_ context.Context, userID int64) ([]*booking.Booking, error) {
	return m.filter(isEMI(userID), byEMIStart), nil
}

func (m *MemBookings) ListEMI(_ context.Context, userID int64) ([]*booking.Booking, error) {
	return m.filter(isEMI(userID), byEMIStart), nil
}

func (m *MemBookings) ListByUser(_ context.Context, userID int64) ([]*booking.Booking, error) {
	return m.filter(func(b booking.Booking) bool { return b.UserID == userID },
		func(a, b booking.Booking) bool { return a.ID > b.ID }), nil
}

func (m *MemBookings) Save(_ context.Context, b *booking.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bookings[b.ID]; !ok {
		return common.NotFound("booking", b.ID)
	}
	b.UpdatedAt = time.Now()
	m.bookings[b.ID] = *b
	return nil
}

func (m *MemBookings) InsertDeduction(_ context.Context, d *booking.Deduction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextDedID++
	d.ID = m.nextDedID
	d.CreatedAt = time.Now()
	m.deductions = append(m.deductions, *d)
	return nil
}

func (m *MemBookings) ListEarlyPairDeductions(_ context.Context, maxPairNumber int) ([]*booking.Deduction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*booking.Deduction
	for _, d := range m.deductions {
		if d.ReversedAt != nil || d.Source.Kind != booking.PairSource(0).Kind || m.PairNumber == nil {
			continue
		}
		n := m.PairNumber(d.Source.ID)
		if n <= maxPairNumber {
			c := d
			c.PairNumber = n
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemBookings) MarkDeductionReversed(_ context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.deductions {
		if m.deductions[i].ID == id {
			if m.deductions[i].ReversedAt != nil {
				return false, nil
			}
			t := at
			m.deductions[i].ReversedAt = &t
			return true, nil
		}
	}
	return false, nil
}

func (m *MemBookings) ExpirePending(_ context.Context, now time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, b := range m.bookings {
		if b.Status == booking.StatusPending && b.ExpiresAt != nil && b.ExpiresAt.Before(now) {
			b.Status = booking.StatusExpired
			m.bookings[id] = b
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// Deductions returns the journal.
func (m *MemBookings) Deductions() []booking.Deduction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]booking.Deduction(nil), m.deductions...)
}

// Tasks records enqueued tasks in memory.
type Tasks struct {
	mu    sync.Mutex
	Items []EnqueuedTask
	Err   error
}

// EnqueuedTask is one recorded Enqueue call.
type EnqueuedTask struct {
	Kind    string
	Payload any
}

func (t *Tasks) Enqueue(_ context.Context, kind string, payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Err != nil {
		return t.Err
	}
	t.Items = append(t.Items, EnqueuedTask{Kind: kind, Payload: payload})
	return nil
}

// Kinds lists recorded kinds in order.
func (t *Tasks) Kinds() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.Items))
	for _, it := range t.Items {
		out = append(out, it.Kind)
	}
	return out
}

func (t *Tasks) Snapshot() func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	items := append([]EnqueuedTask(nil), t.Items...)
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.Items = items
	}
}
