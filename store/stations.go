package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"packetmap/model"
	"packetmap/strutil"
)

const stationColumns = `id, kind, scope, call, ssid, alias, last_heard, last_checked, lat, lon, grid,
	parent_target, port_name, uid, repeated, heard_ports, bands, level, path`

func scanStation(row interface{ Scan(...any) error }) (model.Station, error) {
	var (
		s                          model.Station
		kind, scope                string
		ssid                       sql.NullInt64
		alias, grid, portName, uid sql.NullString
		path                       sql.NullString
		lastHeard, lastChecked     sql.NullInt64
		lat, lon                   sql.NullFloat64
		repeated                   int
	)
	if err := row.Scan(&s.ID, &kind, &scope, &s.Call, &ssid, &alias, &lastHeard, &lastChecked, &lat, &lon, &grid,
		&s.ParentTarget, &portName, &uid, &repeated, &s.HeardPorts, &s.Bands, &s.Level, &path); err != nil {
		return model.Station{}, err
	}
	s.Kind = model.StationKind(kind)
	s.Scope = model.Scope(scope)
	s.SSID = int(ssid.Int64)
	s.HasSSID = ssid.Valid
	s.Alias = alias.String
	s.LastHeard = timeFromNull(lastHeard)
	s.LastChecked = timeFromNull(lastChecked)
	if lat.Valid && lon.Valid {
		s.Location = &model.Location{Lat: lat.Float64, Lon: lon.Float64, Grid: grid.String}
	}
	s.PortName = portName.String
	s.UID = uid.String
	s.Repeated = repeated == 1
	s.Path = path.String
	return s, nil
}

// Station looks a station up by its natural key. The parent target is an
// attribute of the latest sighting, not part of the key.
func (q queries) Station(ctx context.Context, kind model.StationKind, scope model.Scope, call string) (model.Station, bool, error) {
	row := q.ex.QueryRowContext(ctx, `select `+stationColumns+` from stations
		where kind = ? and scope = ? and call = ?`, string(kind), string(scope), call)
	s, err := scanStation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Station{}, false, nil
	}
	if err != nil {
		return model.Station{}, false, fmt.Errorf("store: station %s/%s %s: %w", kind, scope, call, err)
	}
	return s, true, nil
}

// InsertStation writes a new station. A second station with the same natural
// key yields ErrConflict.
func (q queries) InsertStation(ctx context.Context, s model.Station) (int64, error) {
	var lat, lon, grid any
	if s.Location != nil {
		lat, lon, grid = s.Location.Lat, s.Location.Lon, nullString(s.Location.Grid)
	}
	var ssid any
	if s.HasSSID {
		ssid = s.SSID
	}
	res, err := q.ex.ExecContext(ctx, `insert into stations(kind, scope, call, ssid, alias, last_heard, last_checked,
		lat, lon, grid, parent_target, port_name, uid, repeated, heard_ports, bands, level, path)
		values(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(s.Kind), string(s.Scope), s.Call, ssid, nullString(s.Alias), unixOrNull(s.LastHeard), unixOrNull(s.LastChecked),
		lat, lon, grid, s.ParentTarget, nullString(s.PortName), nullString(s.UID), boolToInt(s.Repeated),
		s.HeardPorts, s.Bands, s.Level, nullString(s.Path))
	if err != nil {
		return 0, fmt.Errorf("store: insert station %s: %w", s.Call, mapErr(err))
	}
	return res.LastInsertId()
}

// TouchLastHeard advances last_heard to at when at is strictly newer. The
// comparison runs in SQL so concurrent writers cannot move it backwards.
func (q queries) TouchLastHeard(ctx context.Context, id int64, at time.Time) (bool, error) {
	ts := at.UTC().Unix()
	res, err := q.ex.ExecContext(ctx, `update stations set last_heard = ?
		where id = ? and (last_heard is null or last_heard < ?)`, ts, id, ts)
	if err != nil {
		return false, fmt.Errorf("store: touch last_heard %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// UpdateLocation records a geocode attempt at checked. A nil loc only moves
// last_checked; a stored location is never cleared.
func (q queries) UpdateLocation(ctx context.Context, id int64, loc *model.Location, checked time.Time) error {
	var err error
	if loc == nil {
		_, err = q.ex.ExecContext(ctx, `update stations set last_checked = ? where id = ?`, checked.UTC().Unix(), id)
	} else {
		_, err = q.ex.ExecContext(ctx, `update stations set last_checked = ?, lat = ?, lon = ?, grid = ? where id = ?`,
			checked.UTC().Unix(), loc.Lat, loc.Lon, nullString(loc.Grid), id)
	}
	if err != nil {
		return fmt.Errorf("store: update location %d: %w", id, err)
	}
	return nil
}

// UpdateAttribution rewrites the fields that describe the latest observation
// of a station. Parent, port and uid move together so they always name the
// same sighting; alias is kept when the new sighting has none.
func (q queries) UpdateAttribution(ctx context.Context, id int64, s model.Station) error {
	var ssid any
	if s.HasSSID {
		ssid = s.SSID
	}
	if _, err := q.ex.ExecContext(ctx, `update stations set ssid = ?, alias = coalesce(?, alias), parent_target = ?,
		port_name = ?, uid = ?, repeated = ?, path = ? where id = ?`,
		ssid, nullString(s.Alias), s.ParentTarget, nullString(s.PortName), nullString(s.UID),
		boolToInt(s.Repeated), nullString(s.Path), id); err != nil {
		return fmt.Errorf("store: update attribution %d: %w", id, err)
	}
	return nil
}

// AddHeardPort appends port to the station's heard_ports list unless it is
// already there.
func (q queries) AddHeardPort(ctx context.Context, id int64, port string) (bool, error) {
	var current string
	if err := q.ex.QueryRowContext(ctx, `select heard_ports from stations where id = ?`, id).Scan(&current); err != nil {
		return false, fmt.Errorf("store: heard ports %d: %w", id, err)
	}
	next, changed := strutil.AppendListItem(current, port)
	if !changed {
		return false, nil
	}
	if _, err := q.ex.ExecContext(ctx, `update stations set heard_ports = ? where id = ?`, next, id); err != nil {
		return false, fmt.Errorf("store: heard ports %d: %w", id, err)
	}
	return true, nil
}

// RefreshOperatorBands recomputes the bands column of every remote operator
// heard under parent. Bands aggregate over every parent that heard the base
// call, since one operator is one row however many nodes hear it. It returns
// the number of stations whose bands changed.
func (q queries) RefreshOperatorBands(ctx context.Context, parent string) (int, error) {
	remote := string(model.ScopeRemote)
	rows, err := q.ex.QueryContext(ctx, `select distinct base_call, band from heard_events
		where scope = ? and band is not null and band != ''
			and base_call in (select base_call from heard_events where scope = ? and parent_target = ?)`,
		remote, remote, parent)
	if err != nil {
		return 0, fmt.Errorf("store: operator bands %s: %w", parent, err)
	}
	byCall := make(map[string][]string)
	for rows.Next() {
		var call, b string
		if err := rows.Scan(&call, &b); err != nil {
			rows.Close()
			return 0, fmt.Errorf("store: operator bands %s: %w", parent, err)
		}
		byCall[call] = append(byCall[call], b)
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}

	calls := make([]string, 0, len(byCall))
	for call := range byCall {
		calls = append(calls, call)
	}
	sort.Strings(calls)
	changed := 0
	for _, call := range calls {
		op, ok, err := q.Station(ctx, model.KindOperator, model.ScopeRemote, call)
		if err != nil {
			return changed, err
		}
		if !ok {
			continue
		}
		bands := byCall[call]
		sort.Strings(bands)
		joined := strings.Join(bands, ",")
		if joined == op.Bands {
			continue
		}
		if _, err := q.ex.ExecContext(ctx, `update stations set bands = ? where id = ?`, joined, op.ID); err != nil {
			return changed, fmt.Errorf("store: operator bands %s: %w", call, err)
		}
		changed++
	}
	return changed, nil
}
