package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"packetmap/band"
	"packetmap/model"

	"github.com/zeebo/xxh3"
)

// DefaultDedupWindow absorbs the rounding between absolute and relative
// heard-list timestamps.
const DefaultDedupWindow = 5 * time.Second

// eventHash keys an event on call and second-resolution time. The unique
// index on it stops two concurrent runs from writing the same line twice.
func eventHash(call string, at time.Time) int64 {
	return int64(xxh3.HashString(call + "|" + strconv.FormatInt(at.UTC().Unix(), 10)))
}

// InsertHeardEvent appends ev unless an event for the same call already
// exists within ±window of ev.HeardTime. It reports whether a row was added.
func (q queries) InsertHeardEvent(ctx context.Context, ev model.HeardEvent, window time.Duration) (bool, error) {
	if window < 0 {
		window = -window
	}
	at := ev.HeardTime.UTC().Unix()
	span := int64(window / time.Second)
	var id int64
	err := q.ex.QueryRowContext(ctx, `select id from heard_events
		where call = ? and heard_time between ? and ? limit 1`, ev.Call, at-span, at+span).Scan(&id)
	switch {
	case err == nil:
		return false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return false, fmt.Errorf("store: heard dedup %s: %w", ev.Call, err)
	}

	var ssid any
	if ev.HasSSID {
		ssid = ev.SSID
	}
	var bandValue any
	if ev.Band != "" {
		bandValue = ev.Band
	}
	res, err := q.ex.ExecContext(ctx, `insert or ignore into heard_events(scope, parent_target, call, base_call, ssid,
		heard_time, path, port_name, uid, band, update_time, event_hash)
		values(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(ev.Scope), ev.ParentTarget, ev.Call, ev.BaseCall, ssid, at, nullString(ev.Path),
		nullString(ev.PortName), nullString(ev.UID), bandValue, unixOrNull(ev.UpdateTime), eventHash(ev.Call, ev.HeardTime))
	if err != nil {
		return false, fmt.Errorf("store: insert heard %s: %w", ev.Call, mapErr(err))
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// HeardEvents returns the events for call in heard_time order.
func (q queries) HeardEvents(ctx context.Context, call string) ([]model.HeardEvent, error) {
	rows, err := q.ex.QueryContext(ctx, `select id, scope, parent_target, call, base_call, ssid, heard_time,
		path, port_name, uid, band, update_time from heard_events where call = ? order by heard_time, id`, call)
	if err != nil {
		return nil, fmt.Errorf("store: heard events %s: %w", call, err)
	}
	defer rows.Close()
	var out []model.HeardEvent
	for rows.Next() {
		var (
			ev                         model.HeardEvent
			scope                      string
			ssid                       sql.NullInt64
			heard                      int64
			path, port, uid, bandValue sql.NullString
			updated                    sql.NullInt64
		)
		if err := rows.Scan(&ev.ID, &scope, &ev.ParentTarget, &ev.Call, &ev.BaseCall, &ssid, &heard,
			&path, &port, &uid, &bandValue, &updated); err != nil {
			return nil, fmt.Errorf("store: heard events %s: %w", call, err)
		}
		ev.Scope = model.Scope(scope)
		ev.SSID = int(ssid.Int64)
		ev.HasSSID = ssid.Valid
		ev.HeardTime = time.Unix(heard, 0).UTC()
		ev.Path = path.String
		ev.PortName = port.String
		ev.UID = uid.String
		ev.Band = bandValue.String
		ev.UpdateTime = timeFromNull(updated)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// BackfillBands classifies every event whose band is still NULL. Labels with
// no recognisable band are stored as an empty string so they are not
// revisited. It returns the number of rows that received a band.
func (q queries) BackfillBands(ctx context.Context) (int, error) {
	rows, err := q.ex.QueryContext(ctx, `select distinct coalesce(port_name, '') from heard_events where band is null`)
	if err != nil {
		return 0, fmt.Errorf("store: backfill bands: %w", err)
	}
	var labels []string
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store: backfill bands: %w", err)
		}
		labels = append(labels, label)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	classified := 0
	for _, label := range labels {
		b := band.Classify(label)
		res, err := q.ex.ExecContext(ctx, `update heard_events set band = ?
			where band is null and coalesce(port_name, '') = ?`, b, label)
		if err != nil {
			return classified, fmt.Errorf("store: backfill bands %q: %w", label, err)
		}
		if b == "" {
			continue
		}
		n, _ := res.RowsAffected()
		classified += int(n)
	}
	return classified, nil
}
