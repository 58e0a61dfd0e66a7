package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"packetmap/model"
)

const targetColumns = `id, node_id, port, port_name, last_crawled, needs_check, active_port, uid`

func scanTarget(row interface{ Scan(...any) error }) (model.CrawlTarget, error) {
	var (
		t           model.CrawlTarget
		lastCrawled sql.NullInt64
		needsCheck  int
		active      int
		uid         sql.NullString
	)
	if err := row.Scan(&t.ID, &t.NodeID, &t.Port, &t.PortName, &lastCrawled, &needsCheck, &active, &uid); err != nil {
		return model.CrawlTarget{}, err
	}
	t.LastCrawled = timeFromNull(lastCrawled)
	t.NeedsCheck = needsCheck == 1
	t.ActivePort = active == 1
	t.UID = uid.String
	return t, nil
}

// Target returns the newest active row for (nodeID, port).
func (q queries) Target(ctx context.Context, nodeID string, port int) (model.CrawlTarget, bool, error) {
	row := q.ex.QueryRowContext(ctx, `select `+targetColumns+` from crawl_targets
		where node_id = ? and port = ? and active_port = 1 order by id desc limit 1`, nodeID, port)
	t, err := scanTarget(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CrawlTarget{}, false, nil
	}
	if err != nil {
		return model.CrawlTarget{}, false, fmt.Errorf("store: target %s:%d: %w", nodeID, port, err)
	}
	return t, true, nil
}

// UpsertTarget creates or refreshes the active row for (t.NodeID, t.Port).
// LastCrawled is written when set, PortName fills an empty stored label, and
// UID is backfilled once a label is known. A row waiting for a port check is
// left alone and ErrNeedsCheck is returned.
func (q queries) UpsertTarget(ctx context.Context, t model.CrawlTarget) (model.CrawlTarget, error) {
	existing, ok, err := q.Target(ctx, t.NodeID, t.Port)
	if err != nil {
		return model.CrawlTarget{}, err
	}
	if !ok {
		t.ActivePort = true
		t.NeedsCheck = false
		if t.PortName != "" && t.UID == "" {
			t.UID = model.TargetUID(t.NodeID, t.PortName)
		}
		res, err := q.ex.ExecContext(ctx, `insert into crawl_targets(node_id, port, port_name, last_crawled, needs_check, active_port, uid)
			values(?, ?, ?, ?, 0, 1, ?)`, t.NodeID, t.Port, t.PortName, unixOrNull(t.LastCrawled), nullString(t.UID))
		if err != nil {
			return model.CrawlTarget{}, fmt.Errorf("store: insert target %s: %w", t, mapErr(err))
		}
		t.ID, _ = res.LastInsertId()
		return t, nil
	}
	if existing.NeedsCheck {
		return existing, fmt.Errorf("%w: %s", ErrNeedsCheck, existing)
	}
	if existing.PortName == "" {
		existing.PortName = t.PortName
	}
	if existing.UID == "" && existing.PortName != "" {
		existing.UID = model.TargetUID(existing.NodeID, existing.PortName)
	}
	if !t.LastCrawled.IsZero() {
		existing.LastCrawled = t.LastCrawled.UTC().Truncate(time.Second)
	}
	if _, err := q.ex.ExecContext(ctx, `update crawl_targets set port_name = ?, last_crawled = ?, uid = ? where id = ?`,
		existing.PortName, unixOrNull(existing.LastCrawled), nullString(existing.UID), existing.ID); err != nil {
		return model.CrawlTarget{}, fmt.Errorf("store: update target %s: %w", existing, mapErr(err))
	}
	return existing, nil
}

// EligibleTargets lists active, checked targets not crawled within refresh.
func (q queries) EligibleTargets(ctx context.Context, now time.Time, refresh time.Duration) ([]model.CrawlTarget, error) {
	cutoff := now.UTC().Add(-refresh).Unix()
	rows, err := q.ex.QueryContext(ctx, `select `+targetColumns+` from crawl_targets
		where active_port = 1 and needs_check = 0 and (last_crawled is null or last_crawled <= ?)
		order by id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: eligible targets: %w", err)
	}
	defer rows.Close()
	var out []model.CrawlTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, fmt.Errorf("store: eligible targets: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ClaimTarget moves last_crawled from the value in t to now, provided nobody
// else changed it since t was read. It reports whether the claim was won.
func (q queries) ClaimTarget(ctx context.Context, t model.CrawlTarget, now time.Time) (bool, error) {
	res, err := q.ex.ExecContext(ctx, `update crawl_targets set last_crawled = ?
		where id = ? and active_port = 1 and needs_check = 0 and last_crawled is ?`,
		now.UTC().Unix(), t.ID, unixOrNull(t.LastCrawled))
	if err != nil {
		return false, fmt.Errorf("store: claim %s: %w", t, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: claim %s: %w", t, err)
	}
	return n == 1, nil
}

// ReleaseClaim restores previous as last_crawled if the row still carries
// the claim written at claimedAt.
func (q queries) ReleaseClaim(ctx context.Context, id int64, claimedAt, previous time.Time) error {
	if _, err := q.ex.ExecContext(ctx, `update crawl_targets set last_crawled = ? where id = ? and last_crawled = ?`,
		unixOrNull(previous), id, claimedAt.UTC().Unix()); err != nil {
		return fmt.Errorf("store: release claim %d: %w", id, err)
	}
	return nil
}

// MarkNeedsCheck flags a target whose port label changed.
func (q queries) MarkNeedsCheck(ctx context.Context, id int64) error {
	if _, err := q.ex.ExecContext(ctx, `update crawl_targets set needs_check = 1 where id = ?`, id); err != nil {
		return fmt.Errorf("store: mark needs_check %d: %w", id, err)
	}
	return nil
}

// ConfirmPort accepts portName as the label of a flagged target and clears
// needs_check. The uid follows the new label.
func (q queries) ConfirmPort(ctx context.Context, id int64, nodeID, portName string) error {
	if _, err := q.ex.ExecContext(ctx, `update crawl_targets set port_name = ?, uid = ?, needs_check = 0 where id = ?`,
		portName, model.TargetUID(nodeID, portName), id); err != nil {
		return fmt.Errorf("store: confirm port %d: %w", id, mapErr(err))
	}
	return nil
}

// KnownNodes lists every node id the store has seen as a target or node.
func (q queries) KnownNodes(ctx context.Context) ([]string, error) {
	rows, err := q.ex.QueryContext(ctx, `select node_id from crawl_targets
		union select call from stations where kind = ? order by 1`, string(model.KindNode))
	if err != nil {
		return nil, fmt.Errorf("store: known nodes: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: known nodes: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
