package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"packetmap/model"
)

// GetQuarantine returns the quarantine entry for subject, if any.
func (q queries) GetQuarantine(ctx context.Context, subject string) (model.Quarantine, bool, error) {
	var (
		entry   model.Quarantine
		alias   sql.NullString
		parent  sql.NullString
		checked int64
	)
	err := q.ex.QueryRowContext(ctx, `select subject, alias, last_checked, reason, parent_target
		from geocode_quarantine where subject = ?`, subject).Scan(&entry.Subject, &alias, &checked, &entry.Reason, &parent)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Quarantine{}, false, nil
	}
	if err != nil {
		return model.Quarantine{}, false, fmt.Errorf("store: quarantine %s: %w", subject, err)
	}
	entry.Alias = alias.String
	entry.ParentTarget = parent.String
	entry.LastChecked = time.Unix(checked, 0).UTC()
	return entry, true, nil
}

// PutQuarantine writes or refreshes the entry for entry.Subject.
func (q queries) PutQuarantine(ctx context.Context, entry model.Quarantine) error {
	if _, err := q.ex.ExecContext(ctx, `insert into geocode_quarantine(subject, alias, last_checked, reason, parent_target)
		values(?, ?, ?, ?, ?)
		on conflict(subject) do update set alias = coalesce(excluded.alias, alias),
			last_checked = excluded.last_checked, reason = excluded.reason,
			parent_target = coalesce(excluded.parent_target, parent_target)`,
		entry.Subject, nullString(entry.Alias), entry.LastChecked.UTC().Unix(), entry.Reason, nullString(entry.ParentTarget)); err != nil {
		return fmt.Errorf("store: put quarantine %s: %w", entry.Subject, err)
	}
	return nil
}

// ClearQuarantine removes the entry for subject and reports whether one existed.
func (q queries) ClearQuarantine(ctx context.Context, subject string) (bool, error) {
	res, err := q.ex.ExecContext(ctx, `delete from geocode_quarantine where subject = ?`, subject)
	if err != nil {
		return false, fmt.Errorf("store: clear quarantine %s: %w", subject, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecordRun appends a finished run to crawl_runs.
func (q queries) RecordRun(ctx context.Context, r model.Run) (int64, error) {
	res, err := q.ex.ExecContext(ctx, `insert into crawl_runs(mode, node_id, port, target_uid, status, started_at,
		finished_at, events_added, stations_added, stations_updated, quarantined, detail)
		values(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Mode, nullString(r.NodeID), r.Port, nullString(r.TargetUID), r.Status, r.StartedAt.UTC().Unix(),
		r.FinishedAt.UTC().Unix(), r.EventsAdded, r.StationsAdded, r.StationsUpdated, r.Quarantined, nullString(r.Detail))
	if err != nil {
		return 0, fmt.Errorf("store: record run: %w", err)
	}
	return res.LastInsertId()
}

// LastRun returns the most recent run recorded for nodeID, if any.
func (q queries) LastRun(ctx context.Context, nodeID string) (model.Run, bool, error) {
	var (
		r                 model.Run
		node, uid, detail sql.NullString
		started, finished int64
	)
	err := q.ex.QueryRowContext(ctx, `select id, mode, node_id, port, target_uid, status, started_at, finished_at,
		events_added, stations_added, stations_updated, quarantined, detail
		from crawl_runs where node_id = ? order by id desc limit 1`, nodeID).Scan(&r.ID, &r.Mode, &node, &r.Port, &uid,
		&r.Status, &started, &finished, &r.EventsAdded, &r.StationsAdded, &r.StationsUpdated, &r.Quarantined, &detail)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Run{}, false, nil
	}
	if err != nil {
		return model.Run{}, false, fmt.Errorf("store: last run %s: %w", nodeID, err)
	}
	r.NodeID = node.String
	r.TargetUID = uid.String
	r.Detail = detail.String
	r.StartedAt = time.Unix(started, 0).UTC()
	r.FinishedAt = time.Unix(finished, 0).UTC()
	return r, true, nil
}
