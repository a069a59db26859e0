package binary

import (
	"context"
	"sort"
	"sync"
	"time"

	"evbackend.in/core/internal/common"
)

// memTree is the in-memory twin of Repository.
type memTree struct {
	mu       sync.Mutex
	nodes    map[int64]Node
	order    []int64
	units    []LegUnit
	pairs    []Pair
	earnings []Earning
}

func newMemTree() *memTree {
	return &memTree{nodes: make(map[int64]Node)}
}

func (m *memTree) Snapshot() func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	nodes := make(map[int64]Node, len(m.nodes))
	for k, v := range m.nodes {
		nodes[k] = v
	}
	order := append([]int64(nil), m.order...)
	units := append([]LegUnit(nil), m.units...)
	pairs := append([]Pair(nil), m.pairs...)
	earnings := append([]Earning(nil), m.earnings...)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.nodes, m.order, m.units, m.pairs, m.earnings = nodes, order, units, pairs, earnings
	}
}

func (m *memTree) GetNode(_ context.Context, userID int64) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[userID]
	if !ok {
		return nil, common.NotFound("binary node", userID)
	}
	return &n, nil
}

func (m *memTree) LockNode(ctx context.Context, userID int64) (*Node, error) {
	return m.GetNode(ctx, userID)
}

func (m *memTree) Root(_ context.Context) (*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		if n := m.nodes[id]; n.ParentID == nil {
			return &n, nil
		}
	}
	return nil, common.NotFound("binary root", "")
}

// child must be called with mu held.
func (m *memTree) child(parent int64, side Side) (int64, bool) {
	for _, id := range m.order {
		n := m.nodes[id]
		if n.ParentID != nil && *n.ParentID == parent && *n.Side == side {
			return id, true
		}
	}
	return 0, false
}

func (m *memTree) OpenSlots(_ context.Context, start int64, limit int) ([]Slot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Slot
	queue := []int64{start}
	for len(queue) > 0 && len(out) < limit {
		id := queue[0]
		queue = queue[1:]
		l, hasL := m.child(id, SideLeft)
		r, hasR := m.child(id, SideRight)
		if !hasL || !hasR {
			out = append(out, Slot{UserID: id, Level: m.nodes[id].Level, HasLeft: hasL, HasRight: hasR})
		}
		if hasL {
			queue = append(queue, l)
		}
		if hasR {
			queue = append(queue, r)
		}
	}
	return out, nil
}

func (m *memTree) InsertNode(_ context.Context, n *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodes[n.UserID]; ok {
		return errSlotTaken
	}
	for _, id := range m.order {
		o := m.nodes[id]
		if n.ParentID == nil && o.ParentID == nil {
			return errSlotTaken
		}
		if n.ParentID != nil && o.ParentID != nil && *o.ParentID == *n.ParentID && *o.Side == *n.Side {
			return errSlotTaken
		}
	}
	n.CreatedAt = time.Now()
	m.nodes[n.UserID] = *n
	m.order = append(m.order, n.UserID)
	return nil
}

func (m *memTree) SaveSponsor(_ context.Context, n *Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.nodes[n.UserID]
	cur.DirectCount, cur.Activated, cur.ActivatedAt = n.DirectCount, n.Activated, n.ActivatedAt
	m.nodes[n.UserID] = cur
	return nil
}

func (m *memTree) Ancestors(_ context.Context, userID int64, maxDepth int) ([]Ancestor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Ancestor
	n, ok := m.nodes[userID]
	for depth := 1; ok && n.ParentID != nil; depth++ {
		if maxDepth > 0 && depth > maxDepth {
			break
		}
		out = append(out, Ancestor{UserID: *n.ParentID, Side: *n.Side, Depth: depth})
		n, ok = m.nodes[*n.ParentID]
	}
	return out, nil
}

func (m *memTree) subtree(userID int64, side Side) []int64 {
	first, ok := m.child(userID, side)
	if !ok {
		return nil
	}
	out := []int64{first}
	for i := 0; i < len(out); i++ {
		if l, ok := m.child(out[i], SideLeft); ok {
			out = append(out, l)
		}
		if r, ok := m.child(out[i], SideRight); ok {
			out = append(out, r)
		}
	}
	return out
}

func (m *memTree) Descendants(_ context.Context, userID int64, side Side) ([]*Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Node
	for _, id := range m.subtree(userID, side) {
		n := m.nodes[id]
		out = append(out, &n)
	}
	return out, nil
}

func (m *memTree) CountSubtree(_ context.Context, userID int64, side Side) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subtree(userID, side)), nil
}

func (m *memTree) SaveCounts(_ context.Context, userID int64, left, right int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodes[userID]
	n.LeftCount, n.RightCount, n.CountsRefreshedAt = left, right, &at
	m.nodes[userID] = n
	return nil
}

func (m *memTree) NodeIDs(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.order...), nil
}

func (m *memTree) InsertLegUnit(_ context.Context, u *LegUnit) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.units {
		if o.AncestorID == u.AncestorID && o.SourceUserID == u.SourceUserID {
			return false, nil
		}
	}
	u.ID = int64(len(m.units) + 1)
	m.units = append(m.units, *u)
	return true, nil
}

func (m *memTree) OldestUnmatched(_ context.Context, ancestorID int64, side Side) (*LegUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.units {
		if u.AncestorID == ancestorID && u.Side == side && u.PairID == nil {
			return &u, nil
		}
	}
	return nil, nil
}

func (m *memTree) MarkUnitsMatched(_ context.Context, pairID int64, unitIDs ...int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range unitIDs {
		u := &m.units[id-1]
		if u.PairID != nil {
			return common.ConsistencyViolation("unit %d already matched", id)
		}
		pid := pairID
		u.PairID = &pid
	}
	return nil
}

func (m *memTree) AncestorsWithOpenUnits(_ context.Context, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	open := map[int64]map[Side]bool{}
	for _, u := range m.units {
		if u.PairID != nil || !m.nodes[u.AncestorID].Activated {
			continue
		}
		if open[u.AncestorID] == nil {
			open[u.AncestorID] = map[Side]bool{}
		}
		open[u.AncestorID][u.Side] = true
	}
	var out []int64
	for id, sides := range open {
		if sides[SideLeft] && sides[SideRight] {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTree) CountPairsOn(_ context.Context, userID int64, day time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.pairs {
		if p.UserID == userID && p.PairDate.Equal(day) {
			n++
		}
	}
	return n, nil
}

func (m *memTree) PairNumberExists(_ context.Context, userID int64, number int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pairs {
		if p.UserID == userID && p.PairNumber == number {
			return true, nil
		}
	}
	return false, nil
}

func (m *memTree) InsertPair(_ context.Context, p *Pair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.pairs {
		if o.UserID == p.UserID && o.PairNumber == p.PairNumber {
			return common.ConsistencyViolation("pair number %d already allocated for user %d", p.PairNumber, p.UserID)
		}
	}
	p.ID = int64(len(m.pairs) + 1)
	m.pairs = append(m.pairs, *p)
	return nil
}

func (m *memTree) SavePair(_ context.Context, p *Pair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pairs[p.ID-1] = *p
	return nil
}

func (m *memTree) SetLastPairNumber(_ context.Context, userID int64, number int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nodes[userID]
	if n.LastPairNumber != number-1 {
		return common.ConsistencyViolation("pair counter of user %d is not at %d", userID, number-1)
	}
	n.LastPairNumber = number
	m.nodes[userID] = n
	return nil
}

func (m *memTree) LockPair(_ context.Context, id int64) (*Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 1 || int(id) > len(m.pairs) {
		return nil, common.NotFound("binary pair", id)
	}
	p := m.pairs[id-1]
	return &p, nil
}

func (m *memTree) ListPairs(_ context.Context, userID int64, limit int) ([]*Pair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Pair
	for i := len(m.pairs) - 1; i >= 0 && len(out) < limit; i-- {
		if p := m.pairs[i]; p.UserID == userID {
			out = append(out, &p)
		}
	}
	return out, nil
}

func (m *memTree) HasEarning(_ context.Context, pairID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.earnings {
		if e.PairID == pairID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memTree) InsertEarning(_ context.Context, e *Earning) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.earnings {
		if o.PairID == e.PairID {
			return common.ConsistencyViolation("pair %d already has an earning", e.PairID)
		}
	}
	e.ID = int64(len(m.earnings) + 1)
	m.earnings = append(m.earnings, *e)
	return nil
}

func (m *memTree) PairsMissingEarning(_ context.Context, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	has := map[int64]bool{}
	for _, e := range m.earnings {
		has[e.PairID] = true
	}
	var out []int64
	for _, p := range m.pairs {
		if p.Status != PairPending && !p.CommissionBlocked && p.NetAmount.IsPositive() && !has[p.ID] && len(out) < limit {
			out = append(out, p.ID)
		}
	}
	return out, nil
}

// pairsOf returns the user's pairs in allocation order.
func (m *memTree) pairsOf(userID int64) []Pair {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Pair
	for _, p := range m.pairs {
		if p.UserID == userID {
			out = append(out, p)
		}
	}
	return out
}

func (m *memTree) pairNumber(pairID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pairID < 1 || int(pairID) > len(m.pairs) {
		return 0
	}
	return m.pairs[pairID-1].PairNumber
}

func (m *memTree) owners() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[int64]bool{}
	var out []int64
	for _, p := range m.pairs {
		if !seen[p.UserID] {
			seen[p.UserID] = true
			out = append(out, p.UserID)
		}
	}
	return out
}
