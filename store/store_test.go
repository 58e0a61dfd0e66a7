package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"packetmap/model"
)

var t0 = time.Date(2024, 3, 10, 18, 30, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "crawl.db"), Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpenAddsOptionalColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if _, err := db.Exec(`create table heard_events (
		id integer primary key autoincrement, scope text not null, parent_target text not null default '',
		call text not null, base_call text not null, ssid integer, heard_time integer not null,
		path text, port_name text, event_hash integer not null)`); err != nil {
		t.Fatalf("create old table: %v", err)
	}
	if _, err := db.Exec(`insert into heard_events(scope, call, base_call, heard_time, event_hash) values('remote', 'N0HI', 'N0HI', 1, 1)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	db.Close()

	s, err := Open(path, Options{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	for _, col := range []string{"uid", "band", "update_time"} {
		ok, err := hasColumn(s.db, "heard_events", col)
		if err != nil || !ok {
			t.Fatalf("column %s missing (err=%v)", col, err)
		}
	}
	events, err := s.HeardEvents(context.Background(), "N0HI")
	if err != nil || len(events) != 1 {
		t.Fatalf("old rows must survive migration: %v %v", events, err)
	}
}

func TestHeardEventDedupWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	ev := model.HeardEvent{Scope: model.ScopeRemote, ParentTarget: "KD5LPB", Call: "KE0GB-7", BaseCall: "KE0GB", HeardTime: t0}

	added, err := s.InsertHeardEvent(ctx, ev, DefaultDedupWindow)
	if err != nil || !added {
		t.Fatalf("first insert added=%v err=%v", added, err)
	}
	ev.HeardTime = t0.Add(3 * time.Second)
	added, err = s.InsertHeardEvent(ctx, ev, DefaultDedupWindow)
	if err != nil || added {
		t.Fatalf("3s apart should be absorbed, added=%v err=%v", added, err)
	}
	ev.HeardTime = t0.Add(-3 * time.Second)
	if added, _ := s.InsertHeardEvent(ctx, ev, DefaultDedupWindow); added {
		t.Fatalf("window must be symmetric")
	}
	ev.HeardTime = t0.Add(10 * time.Minute)
	added, err = s.InsertHeardEvent(ctx, ev, DefaultDedupWindow)
	if err != nil || !added {
		t.Fatalf("10m apart should insert, added=%v err=%v", added, err)
	}
	events, err := s.HeardEvents(ctx, "KE0GB-7")
	if err != nil {
		t.Fatalf("HeardEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	other := ev
	other.Call, other.BaseCall, other.HeardTime = "W0ARP-7", "W0ARP", t0
	if added, _ := s.InsertHeardEvent(ctx, other, DefaultDedupWindow); !added {
		t.Fatalf("different call at same time must insert")
	}
}

func TestTouchLastHeardMonotonic(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.InsertStation(ctx, model.Station{
		Kind: model.KindOperator, Scope: model.ScopeRemote, Call: "N0HI", ParentTarget: "KD5LPB", LastHeard: t0,
	})
	if err != nil {
		t.Fatalf("InsertStation: %v", err)
	}
	steps := []struct {
		at      time.Time
		changed bool
	}{
		{t0.Add(-time.Hour), false},
		{t0, false},
		{t0.Add(time.Minute), true},
		{t0.Add(30 * time.Second), false},
	}
	for i, step := range steps {
		changed, err := s.TouchLastHeard(ctx, id, step.at)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if changed != step.changed {
			t.Fatalf("step %d changed=%v want %v", i, changed, step.changed)
		}
	}
	st, ok, err := s.Station(ctx, model.KindOperator, model.ScopeRemote, "N0HI")
	if err != nil || !ok {
		t.Fatalf("Station: ok=%v err=%v", ok, err)
	}
	if !st.LastHeard.Equal(t0.Add(time.Minute)) {
		t.Fatalf("last_heard = %v", st.LastHeard)
	}
}

func TestInsertStationConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	st := model.Station{Kind: model.KindNode, Scope: model.ScopeLocal, Call: "W0ARP", ParentTarget: "KD5LPB", Level: 1}
	if _, err := s.InsertStation(ctx, st); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if _, err := s.InsertStation(ctx, st); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestStationKeyIgnoresParent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	st := model.Station{Kind: model.KindOperator, Scope: model.ScopeRemote, Call: "KE0GB", ParentTarget: "KD5LPB", PortName: "145.050 MHz"}
	id, err := s.InsertStation(ctx, st)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	st.ParentTarget = "COSCO"
	if _, err := s.InsertStation(ctx, st); !errors.Is(err, ErrConflict) {
		t.Fatalf("same call under another parent must conflict, got %v", err)
	}

	st.PortName, st.UID = "441.000 MHz", "COSCO-441.000 MHz"
	if err := s.UpdateAttribution(ctx, id, st); err != nil {
		t.Fatalf("UpdateAttribution: %v", err)
	}
	got, ok, err := s.Station(ctx, model.KindOperator, model.ScopeRemote, "KE0GB")
	if err != nil || !ok {
		t.Fatalf("Station: ok=%v err=%v", ok, err)
	}
	if got.ParentTarget != "COSCO" || got.PortName != "441.000 MHz" || got.UID != "COSCO-441.000 MHz" {
		t.Fatalf("attribution not moved: %+v", got)
	}
}

func TestUpdateLocationNeverClears(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.InsertStation(ctx, model.Station{
		Kind: model.KindNode, Scope: model.ScopeLocal, Call: "KE0GB", ParentTarget: "KD5LPB",
		Location: &model.Location{Lat: 39.1, Lon: -94.6, Grid: "EM29qc"}, LastChecked: t0,
	})
	if err != nil {
		t.Fatalf("InsertStation: %v", err)
	}
	later := t0.Add(8 * 24 * time.Hour)
	if err := s.UpdateLocation(ctx, id, nil, later); err != nil {
		t.Fatalf("UpdateLocation: %v", err)
	}
	st, _, _ := s.Station(ctx, model.KindNode, model.ScopeLocal, "KE0GB")
	if st.Location == nil || st.Location.Grid != "EM29qc" {
		t.Fatalf("location cleared: %+v", st.Location)
	}
	if !st.LastChecked.Equal(later) {
		t.Fatalf("last_checked = %v", st.LastChecked)
	}
}

func TestAddHeardPortAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	id, err := s.InsertStation(ctx, model.Station{Kind: model.KindDigipeater, Scope: model.ScopeRemote, Call: "W0ARP", ParentTarget: "KD5LPB"})
	if err != nil {
		t.Fatalf("InsertStation: %v", err)
	}
	for _, port := range []string{"145.050 MHz", "441.000 MHz", "145.050 MHz"} {
		if _, err := s.AddHeardPort(ctx, id, port); err != nil {
			t.Fatalf("AddHeardPort: %v", err)
		}
	}
	st, _, _ := s.Station(ctx, model.KindDigipeater, model.ScopeRemote, "W0ARP")
	if st.HeardPorts != "145.050 MHz,441.000 MHz" {
		t.Fatalf("heard_ports = %q", st.HeardPorts)
	}
}

func TestBackfillAndOperatorBands(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.InsertStation(ctx, model.Station{Kind: model.KindOperator, Scope: model.ScopeRemote, Call: "KE0GB", ParentTarget: "KD5LPB"}); err != nil {
		t.Fatalf("InsertStation: %v", err)
	}
	events := []model.HeardEvent{
		{Scope: model.ScopeRemote, ParentTarget: "KD5LPB", Call: "KE0GB-7", BaseCall: "KE0GB", HeardTime: t0, PortName: "145.050 MHz 1200 Baud"},
		{Scope: model.ScopeRemote, ParentTarget: "KD5LPB", Call: "KE0GB-7", BaseCall: "KE0GB", HeardTime: t0.Add(time.Hour), PortName: "441.000 MHz 9600"},
		{Scope: model.ScopeRemote, ParentTarget: "KD5LPB", Call: "KE0GB-1", BaseCall: "KE0GB", HeardTime: t0, PortName: "AXIP link"},
	}
	for _, ev := range events {
		if _, err := s.InsertHeardEvent(ctx, ev, DefaultDedupWindow); err != nil {
			t.Fatalf("InsertHeardEvent: %v", err)
		}
	}
	n, err := s.BackfillBands(ctx)
	if err != nil {
		t.Fatalf("BackfillBands: %v", err)
	}
	if n != 2 {
		t.Fatalf("classified %d rows, want 2", n)
	}
	if again, _ := s.BackfillBands(ctx); again != 0 {
		t.Fatalf("second backfill classified %d rows", again)
	}
	changed, err := s.RefreshOperatorBands(ctx, "KD5LPB")
	if err != nil || changed != 1 {
		t.Fatalf("RefreshOperatorBands changed=%d err=%v", changed, err)
	}
	st, _, _ := s.Station(ctx, model.KindOperator, model.ScopeRemote, "KE0GB")
	if st.Bands != "2M,70CM" {
		t.Fatalf("bands = %q", st.Bands)
	}
}

func TestOperatorBandsSpanParents(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.InsertStation(ctx, model.Station{Kind: model.KindOperator, Scope: model.ScopeRemote, Call: "KE0GB", ParentTarget: "COSCO"}); err != nil {
		t.Fatalf("InsertStation: %v", err)
	}
	events := []model.HeardEvent{
		{Scope: model.ScopeRemote, ParentTarget: "KD5LPB", Call: "KE0GB-7", BaseCall: "KE0GB", HeardTime: t0, PortName: "145.050 MHz 1200 Baud"},
		{Scope: model.ScopeRemote, ParentTarget: "COSCO", Call: "KE0GB-7", BaseCall: "KE0GB", HeardTime: t0.Add(time.Hour), PortName: "441.000 MHz 9600"},
	}
	for _, ev := range events {
		if _, err := s.InsertHeardEvent(ctx, ev, DefaultDedupWindow); err != nil {
			t.Fatalf("InsertHeardEvent: %v", err)
		}
	}
	if _, err := s.BackfillBands(ctx); err != nil {
		t.Fatalf("BackfillBands: %v", err)
	}
	changed, err := s.RefreshOperatorBands(ctx, "KD5LPB")
	if err != nil || changed != 1 {
		t.Fatalf("RefreshOperatorBands changed=%d err=%v", changed, err)
	}
	st, _, _ := s.Station(ctx, model.KindOperator, model.ScopeRemote, "KE0GB")
	if st.Bands != "2M,70CM" {
		t.Fatalf("bands = %q", st.Bands)
	}
	if again, _ := s.RefreshOperatorBands(ctx, "COSCO"); again != 0 {
		t.Fatalf("refresh from the other parent changed %d rows", again)
	}
}

func TestTargetClaimLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	target, err := s.UpsertTarget(ctx, model.CrawlTarget{NodeID: "KD5LPB", Port: 1, PortName: "145.050 MHz"})
	if err != nil {
		t.Fatalf("UpsertTarget: %v", err)
	}
	if target.UID != "KD5LPB-145.050 MHz" {
		t.Fatalf("uid = %q", target.UID)
	}

	eligible, err := s.EligibleTargets(ctx, t0, 24*time.Hour)
	if err != nil || len(eligible) != 1 {
		t.Fatalf("eligible = %v, %v", eligible, err)
	}
	won, err := s.ClaimTarget(ctx, eligible[0], t0)
	if err != nil || !won {
		t.Fatalf("first claim won=%v err=%v", won, err)
	}
	won, err = s.ClaimTarget(ctx, eligible[0], t0.Add(time.Second))
	if err != nil || won {
		t.Fatalf("stale claim must lose, won=%v err=%v", won, err)
	}
	if eligible, _ := s.EligibleTargets(ctx, t0.Add(time.Hour), 24*time.Hour); len(eligible) != 0 {
		t.Fatalf("claimed target still eligible: %v", eligible)
	}
	if err := s.ReleaseClaim(ctx, target.ID, t0, time.Time{}); err != nil {
		t.Fatalf("ReleaseClaim: %v", err)
	}
	got, _, _ := s.Target(ctx, "KD5LPB", 1)
	if !got.LastCrawled.IsZero() {
		t.Fatalf("release did not restore last_crawled: %v", got.LastCrawled)
	}
}

func TestNeedsCheckExcludedAndConfirmed(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	target, err := s.UpsertTarget(ctx, model.CrawlTarget{NodeID: "KD5LPB", Port: 2, PortName: "441.000 MHz"})
	if err != nil {
		t.Fatalf("UpsertTarget: %v", err)
	}
	if err := s.MarkNeedsCheck(ctx, target.ID); err != nil {
		t.Fatalf("MarkNeedsCheck: %v", err)
	}
	if eligible, _ := s.EligibleTargets(ctx, t0, time.Hour); len(eligible) != 0 {
		t.Fatalf("needs_check target selected: %v", eligible)
	}
	if _, err := s.UpsertTarget(ctx, model.CrawlTarget{NodeID: "KD5LPB", Port: 2, LastCrawled: t0}); !errors.Is(err, ErrNeedsCheck) {
		t.Fatalf("expected ErrNeedsCheck, got %v", err)
	}
	if err := s.ConfirmPort(ctx, target.ID, "KD5LPB", "AXIP"); err != nil {
		t.Fatalf("ConfirmPort: %v", err)
	}
	got, _, _ := s.Target(ctx, "KD5LPB", 2)
	if got.NeedsCheck || got.PortName != "AXIP" || got.UID != "KD5LPB-AXIP" {
		t.Fatalf("after confirm: %+v", got)
	}
}

func TestInactiveTargetNeverEligible(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.ex.ExecContext(ctx, `insert into crawl_targets(node_id, port, port_name, active_port) values('W0ARP', 3, 'old', 0)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if eligible, _ := s.EligibleTargets(ctx, t0, time.Hour); len(eligible) != 0 {
		t.Fatalf("inactive target selected: %v", eligible)
	}
}

func TestQuarantineRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	entry := model.Quarantine{Subject: "N0CALL", Alias: "NOPE", LastChecked: t0, Reason: "never resolved", ParentTarget: "KD5LPB"}
	if err := s.PutQuarantine(ctx, entry); err != nil {
		t.Fatalf("PutQuarantine: %v", err)
	}
	entry.LastChecked = t0.Add(time.Hour)
	entry.Reason = "resolution regressed"
	entry.Alias = ""
	if err := s.PutQuarantine(ctx, entry); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	got, ok, err := s.GetQuarantine(ctx, "N0CALL")
	if err != nil || !ok {
		t.Fatalf("GetQuarantine ok=%v err=%v", ok, err)
	}
	if got.Alias != "NOPE" || got.Reason != "resolution regressed" || !got.LastChecked.Equal(t0.Add(time.Hour)) {
		t.Fatalf("entry = %+v", got)
	}
	cleared, err := s.ClearQuarantine(ctx, "N0CALL")
	if err != nil || !cleared {
		t.Fatalf("ClearQuarantine cleared=%v err=%v", cleared, err)
	}
	if _, ok, _ := s.GetQuarantine(ctx, "N0CALL"); ok {
		t.Fatalf("entry still present")
	}
}

func TestInTxRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx *Tx) error {
		if _, err := tx.InsertStation(ctx, model.Station{Kind: model.KindNode, Scope: model.ScopeLocal, Call: "N0HI"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx err = %v", err)
	}
	if _, ok, _ := s.Station(ctx, model.KindNode, model.ScopeLocal, "N0HI"); ok {
		t.Fatalf("rolled back insert is visible")
	}
}

func TestRecordRunAndKnownNodes(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	if _, err := s.UpsertTarget(ctx, model.CrawlTarget{NodeID: "KD5LPB", Port: 1}); err != nil {
		t.Fatalf("UpsertTarget: %v", err)
	}
	if _, err := s.InsertStation(ctx, model.Station{Kind: model.KindNode, Scope: model.ScopeLocal, Call: "COSCO"}); err != nil {
		t.Fatalf("InsertStation: %v", err)
	}
	nodes, err := s.KnownNodes(ctx)
	if err != nil || len(nodes) != 2 || nodes[0] != "COSCO" || nodes[1] != "KD5LPB" {
		t.Fatalf("KnownNodes = %v, %v", nodes, err)
	}
	run := model.Run{Mode: "heard", NodeID: "KD5LPB", Port: 1, Status: model.RunOK, StartedAt: t0, FinishedAt: t0.Add(time.Minute), EventsAdded: 4}
	if _, err := s.RecordRun(ctx, run); err != nil {
		t.Fatalf("RecordRun: %v", err)
	}
	last, ok, err := s.LastRun(ctx, "KD5LPB")
	if err != nil || !ok || last.EventsAdded != 4 || last.Status != model.RunOK {
		t.Fatalf("LastRun = %+v ok=%v err=%v", last, ok, err)
	}
}
