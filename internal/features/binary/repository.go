// Package binary: repository.go runs the queries against binary_nodes,
// binary_leg_units, binary_pairs and binary_earnings.
package binary

import (
	"context"
	"fmt"
	"time"

	"evbackend.in/core/internal/common"
	"evbackend.in/core/internal/db/postgres"
)

// Repository provides access to the tree tables.
type Repository struct {
	db *postgres.TxManager
}

// NewRepository creates the binary repository.
func NewRepository(db *postgres.TxManager) *Repository {
	return &Repository{db: db}
}

const nodeColumns = `user_id, parent_id, sponsor_id, side, level, left_count, right_count,
	counts_refreshed_at, direct_count, activated, activated_at, last_pair_number, created_at`

func scanNode(row interface{ Scan(...any) error }) (*Node, error) {
	var n Node
	var side *string
	err := row.Scan(&n.UserID, &n.ParentID, &n.SponsorID, &side, &n.Level, &n.LeftCount, &n.RightCount,
		&n.CountsRefreshedAt, &n.DirectCount, &n.Activated, &n.ActivatedAt, &n.LastPairNumber, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	if side != nil {
		s := Side(*side)
		n.Side = &s
	}
	return &n, nil
}

func (r *Repository) node(ctx context.Context, query string, id int64) (*Node, error) {
	n, err := scanNode(r.db.Conn(ctx).QueryRow(ctx, query, id))
	if postgres.IsNoRows(err) {
		return nil, common.NotFound("binary node", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binary node: %w", err)
	}
	return n, nil
}

// GetNode returns common.ErrNotFound when the user is not in the tree.
func (r *Repository) GetNode(ctx context.Context, userID int64) (*Node, error) {
	return r.node(ctx, `SELECT `+nodeColumns+` FROM binary_nodes WHERE user_id = $1`, userID)
}

// LockNode reads the node FOR UPDATE. The lock serializes pair-number
// allocation and direct-count updates for that node.
func (r *Repository) LockNode(ctx context.Context, userID int64) (*Node, error) {
	return r.node(ctx, `SELECT `+nodeColumns+` FROM binary_nodes WHERE user_id = $1 FOR UPDATE`, userID)
}

// Root returns common.ErrNotFound on an empty tree.
func (r *Repository) Root(ctx context.Context) (*Node, error) {
	n, err := scanNode(r.db.Conn(ctx).QueryRow(ctx,
		`SELECT `+nodeColumns+` FROM binary_nodes WHERE parent_id IS NULL ORDER BY created_at LIMIT 1`))
	if postgres.IsNoRows(err) {
		return nil, common.NotFound("binary root", "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get binary root: %w", err)
	}
	return n, nil
}

// OpenSlots lists nodes under (and including) start that have a free child
// position, breadth-first and left to right.
func (r *Repository) OpenSlots(ctx context.Context, startUserID int64, limit int) ([]Slot, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `
		WITH RECURSIVE sub AS (
			SELECT user_id, level, ARRAY[]::int[] AS path
			FROM binary_nodes WHERE user_id = $1
			UNION ALL
			SELECT c.user_id, c.level, sub.path || CASE c.side WHEN 'left' THEN 0 ELSE 1 END
			FROM binary_nodes c JOIN sub ON c.parent_id = sub.user_id
		), slots AS (
			SELECT sub.user_id, sub.level, sub.path,
				EXISTS (SELECT 1 FROM binary_nodes l WHERE l.parent_id = sub.user_id AND l.side = 'left')  AS has_left,
				EXISTS (SELECT 1 FROM binary_nodes r WHERE r.parent_id = sub.user_id AND r.side = 'right') AS has_right
			FROM sub
		)
		SELECT user_id, level, has_left, has_right FROM slots
		WHERE NOT (has_left AND has_right)
		ORDER BY level, path
		LIMIT $2
	`, startUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to scan open slots: %w", err)
	}
	defer rows.Close()

	var out []Slot
	for rows.Next() {
		var s Slot
		if err := rows.Scan(&s.UserID, &s.Level, &s.HasLeft, &s.HasRight); err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertNode stores a new node. Returns errSlotTaken when the position (or the
// root) was claimed concurrently.
func (r *Repository) InsertNode(ctx context.Context, n *Node) error {
	var side *string
	if n.Side != nil {
		s := string(*n.Side)
		side = &s
	}
	err := r.db.Conn(ctx).QueryRow(ctx, `
		INSERT INTO binary_nodes (user_id, parent_id, sponsor_id, side, level)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, n.UserID, n.ParentID, n.SponsorID, side, n.Level).Scan(&n.CreatedAt)
	if postgres.IsUniqueViolation(err, "binary_nodes_parent_side_key", "binary_nodes_single_root", "binary_nodes_pkey") {
		return errSlotTaken
	}
	if err != nil {
		return fmt.Errorf("failed to insert binary node: %w", err)
	}
	return nil
}

// SaveSponsor stores the direct count and activation of a locked node.
func (r *Repository) SaveSponsor(ctx context.Context, n *Node) error {
	_, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE binary_nodes SET direct_count = $2, activated = $3, activated_at = $4
		WHERE user_id = $1
	`, n.UserID, n.DirectCount, n.Activated, n.ActivatedAt)
	if err != nil {
		return fmt.Errorf("failed to update sponsor: %w", err)
	}
	return nil
}

// Ancestors walks parent links from userID upwards, nearest first, with the
// side of each ancestor the user is under. maxDepth 0 means no limit.
func (r *Repository) Ancestors(ctx context.Context, userID int64, maxDepth int) ([]Ancestor, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `
		WITH RECURSIVE up AS (
			SELECT parent_id AS ancestor, side, 1 AS depth
			FROM binary_nodes WHERE user_id = $1 AND parent_id IS NOT NULL
			UNION ALL
			SELECT n.parent_id, n.side, up.depth + 1
			FROM binary_nodes n JOIN up ON n.user_id = up.ancestor
			WHERE n.parent_id IS NOT NULL AND ($2::int = 0 OR up.depth < $2::int)
		)
		SELECT ancestor, side, depth FROM up ORDER BY depth
	`, userID, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to walk ancestors: %w", err)
	}
	defer rows.Close()

	var out []Ancestor
	for rows.Next() {
		var a Ancestor
		var side string
		if err := rows.Scan(&a.UserID, &side, &a.Depth); err != nil {
			return nil, fmt.Errorf("failed to scan ancestor: %w", err)
		}
		a.Side = Side(side)
		out = append(out, a)
	}
	return out, rows.Err()
}

const subtreeCTE = `
	WITH RECURSIVE sub AS (
		SELECT user_id FROM binary_nodes WHERE parent_id = $1 AND side = $2
		UNION ALL
		SELECT c.user_id FROM binary_nodes c JOIN sub ON c.parent_id = sub.user_id
	)`

// Descendants returns the subtree hanging from userID's side child.
func (r *Repository) Descendants(ctx context.Context, userID int64, side Side) ([]*Node, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, subtreeCTE+`
		SELECT `+nodeColumns+` FROM binary_nodes
		WHERE user_id IN (SELECT user_id FROM sub)
		ORDER BY level, user_id
	`, userID, string(side))
	if err != nil {
		return nil, fmt.Errorf("failed to list descendants: %w", err)
	}
	defer rows.Close()

	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CountSubtree counts the nodes under userID's side child.
func (r *Repository) CountSubtree(ctx context.Context, userID int64, side Side) (int, error) {
	var n int
	err := r.db.Conn(ctx).QueryRow(ctx, subtreeCTE+`SELECT count(*) FROM sub`, userID, string(side)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count subtree: %w", err)
	}
	return n, nil
}

// SaveCounts stores recomputed counts.
func (r *Repository) SaveCounts(ctx context.Context, userID int64, left, right int, at time.Time) error {
	_, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE binary_nodes SET left_count = $2, right_count = $3, counts_refreshed_at = $4
		WHERE user_id = $1
	`, userID, left, right, at)
	if err != nil {
		return fmt.Errorf("failed to save counts: %w", err)
	}
	return nil
}

// NodeIDs lists every user in the tree, deepest first so parents refresh last.
func (r *Repository) NodeIDs(ctx context.Context) ([]int64, error) {
	return r.ids(ctx, `SELECT user_id FROM binary_nodes ORDER BY level DESC, user_id`)
}

func (r *Repository) ids(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ids: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// InsertLegUnit records volume unless the source already counted for the
// ancestor. Returns false on a replay.
func (r *Repository) InsertLegUnit(ctx context.Context, u *LegUnit) (bool, error) {
	err := r.db.Conn(ctx).QueryRow(ctx, `
		INSERT INTO binary_leg_units (ancestor_id, source_user_id, side, amount)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (ancestor_id, source_user_id) DO NOTHING
		RETURNING id, created_at
	`, u.AncestorID, u.SourceUserID, string(u.Side), u.Amount).Scan(&u.ID, &u.CreatedAt)
	if postgres.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to insert leg unit: %w", err)
	}
	return true, nil
}

// OldestUnmatched returns the earliest unmatched unit on side, or nil.
func (r *Repository) OldestUnmatched(ctx context.Context, ancestorID int64, side Side) (*LegUnit, error) {
	var u LegUnit
	var s string
	err := r.db.Conn(ctx).QueryRow(ctx, `
		SELECT id, ancestor_id, source_user_id, side, amount, created_at
		FROM binary_leg_units
		WHERE ancestor_id = $1 AND side = $2 AND pair_id IS NULL
		ORDER BY created_at, id
		LIMIT 1
		FOR UPDATE
	`, ancestorID, string(side)).Scan(&u.ID, &u.AncestorID, &u.SourceUserID, &s, &u.Amount, &u.CreatedAt)
	if postgres.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get unmatched unit: %w", err)
	}
	u.Side = Side(s)
	return &u, nil
}

// MarkUnitsMatched links the units to the pair they formed.
func (r *Repository) MarkUnitsMatched(ctx context.Context, pairID int64, unitIDs ...int64) error {
	tag, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE binary_leg_units SET pair_id = $1
		WHERE id = ANY($2) AND pair_id IS NULL
	`, pairID, unitIDs)
	if err != nil {
		return fmt.Errorf("failed to mark units matched: %w", err)
	}
	if int(tag.RowsAffected()) != len(unitIDs) {
		return common.ConsistencyViolation("pair %d: expected %d free units, matched %d", pairID, len(unitIDs), tag.RowsAffected())
	}
	return nil
}

// AncestorsWithOpenUnits lists activated nodes holding unmatched volume on
// both legs.
func (r *Repository) AncestorsWithOpenUnits(ctx context.Context, limit int) ([]int64, error) {
	return r.ids(ctx, `
		SELECT n.user_id FROM binary_nodes n
		WHERE n.activated
		  AND EXISTS (SELECT 1 FROM binary_leg_units u WHERE u.ancestor_id = n.user_id AND u.side = 'left'  AND u.pair_id IS NULL)
		  AND EXISTS (SELECT 1 FROM binary_leg_units u WHERE u.ancestor_id = n.user_id AND u.side = 'right' AND u.pair_id IS NULL)
		ORDER BY n.user_id
		LIMIT $1
	`, limit)
}

const pairColumns = `id, user_id, left_user_id, right_user_id, pair_number, pair_amount, earning_amount,
	tds_amount, extra_deduction, net_amount, emi_deducted, status, booking_deducted,
	commission_blocked, blocked_reason, pair_date, matched_at, processed_at`

func scanPair(row interface{ Scan(...any) error }) (*Pair, error) {
	var p Pair
	var status string
	err := row.Scan(&p.ID, &p.UserID, &p.LeftUserID, &p.RightUserID, &p.PairNumber, &p.PairAmount, &p.EarningAmount,
		&p.TDSAmount, &p.ExtraDeduction, &p.NetAmount, &p.EMIDeducted, &status, &p.BookingDeducted,
		&p.CommissionBlocked, &p.BlockedReason, &p.PairDate, &p.MatchedAt, &p.ProcessedAt)
	if err != nil {
		return nil, err
	}
	p.Status = PairStatus(status)
	return &p, nil
}

// CountPairsOn counts the user's pairs dated day.
func (r *Repository) CountPairsOn(ctx context.Context, userID int64, day time.Time) (int, error) {
	var n int
	err := r.db.Conn(ctx).QueryRow(ctx,
		`SELECT count(*) FROM binary_pairs WHERE user_id = $1 AND pair_date = $2`, userID, day).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pairs: %w", err)
	}
	return n, nil
}

// PairNumberExists reports whether the user already owns pair number n.
func (r *Repository) PairNumberExists(ctx context.Context, userID int64, n int) (bool, error) {
	var exists bool
	err := r.db.Conn(ctx).QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM binary_pairs WHERE user_id = $1 AND pair_number = $2)`, userID, n).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check pair number: %w", err)
	}
	return exists, nil
}

// InsertPair stores a new pair and sets its id.
func (r *Repository) InsertPair(ctx context.Context, p *Pair) error {
	err := r.db.Conn(ctx).QueryRow(ctx, `
		INSERT INTO binary_pairs (user_id, left_user_id, right_user_id, pair_number, pair_amount,
			earning_amount, tds_amount, extra_deduction, net_amount, emi_deducted, status, pair_date, matched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`, p.UserID, p.LeftUserID, p.RightUserID, p.PairNumber, p.PairAmount,
		p.EarningAmount, p.TDSAmount, p.ExtraDeduction, p.NetAmount, p.EMIDeducted, string(p.Status), p.PairDate, p.MatchedAt,
	).Scan(&p.ID)
	if postgres.IsUniqueViolation(err, "binary_pairs_user_number_key") {
		return common.ConsistencyViolation("pair number %d already allocated for user %d", p.PairNumber, p.UserID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert pair: %w", err)
	}
	return nil
}

// SavePair stores settlement fields of a locked pair.
func (r *Repository) SavePair(ctx context.Context, p *Pair) error {
	_, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE binary_pairs SET status = $2, emi_deducted = $3, booking_deducted = $4,
			commission_blocked = $5, blocked_reason = $6, processed_at = $7
		WHERE id = $1
	`, p.ID, string(p.Status), p.EMIDeducted, p.BookingDeducted, p.CommissionBlocked, p.BlockedReason, p.ProcessedAt)
	if err != nil {
		return fmt.Errorf("failed to update pair: %w", err)
	}
	return nil
}

// SetLastPairNumber advances the node's pair counter.
func (r *Repository) SetLastPairNumber(ctx context.Context, userID int64, n int) error {
	tag, err := r.db.Conn(ctx).Exec(ctx, `
		UPDATE binary_nodes SET last_pair_number = $2
		WHERE user_id = $1 AND last_pair_number = $2 - 1
	`, userID, n)
	if err != nil {
		return fmt.Errorf("failed to advance pair number: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return common.ConsistencyViolation("pair counter of user %d is not at %d", userID, n-1)
	}
	return nil
}

// LockPair reads the pair FOR UPDATE.
func (r *Repository) LockPair(ctx context.Context, id int64) (*Pair, error) {
	p, err := scanPair(r.db.Conn(ctx).QueryRow(ctx,
		`SELECT `+pairColumns+` FROM binary_pairs WHERE id = $1 FOR UPDATE`, id))
	if postgres.IsNoRows(err) {
		return nil, common.NotFound("binary pair", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock pair: %w", err)
	}
	return p, nil
}

// ListPairs returns the user's pairs, newest first.
func (r *Repository) ListPairs(ctx context.Context, userID int64, limit int) ([]*Pair, error) {
	rows, err := r.db.Conn(ctx).Query(ctx, `
		SELECT `+pairColumns+` FROM binary_pairs
		WHERE user_id = $1 ORDER BY pair_number DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pairs: %w", err)
	}
	defer rows.Close()

	var out []*Pair
	for rows.Next() {
		p, err := scanPair(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pair: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// HasEarning reports whether the pair's earning was recorded.
func (r *Repository) HasEarning(ctx context.Context, pairID int64) (bool, error) {
	var exists bool
	err := r.db.Conn(ctx).QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM binary_earnings WHERE pair_id = $1)`, pairID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check earning: %w", err)
	}
	return exists, nil
}

// InsertEarning records a paid commission. One earning per pair.
func (r *Repository) InsertEarning(ctx context.Context, e *Earning) error {
	err := r.db.Conn(ctx).QueryRow(ctx, `
		INSERT INTO binary_earnings (user_id, pair_id, pair_number, amount, emi_deducted, net_amount)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, e.UserID, e.PairID, e.PairNumber, e.Amount, e.EMIDeducted, e.NetAmount).Scan(&e.ID, &e.CreatedAt)
	if postgres.IsUniqueViolation(err) {
		return common.ConsistencyViolation("pair %d already has an earning", e.PairID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert earning: %w", err)
	}
	return nil
}

// PairsMissingEarning lists payable pairs past matching that have no earning.
func (r *Repository) PairsMissingEarning(ctx context.Context, limit int) ([]int64, error) {
	return r.ids(ctx, `
		SELECT p.id FROM binary_pairs p
		WHERE p.status IN ('matched', 'processed')
		  AND NOT p.commission_blocked
		  AND p.net_amount > 0
		  AND NOT EXISTS (SELECT 1 FROM binary_earnings e WHERE e.pair_id = p.id)
		ORDER BY p.id
		LIMIT $1
	`, limit)
}
