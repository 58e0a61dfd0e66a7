package screen

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"packetmap/callsign"
)

func TestParsePorts(t *testing.T) {
	raw := []byte("LPBNOD:KD5LPB-7} Ports\r\n  1   145.050 MHz  1200 Baud\r\n  2 Telnet\r\n 10 440.100 MHz 9600\r\n***\r\n")
	got, err := ParsePorts(raw)
	if err != nil {
		t.Fatalf("ParsePorts: %v", err)
	}
	want := map[int]string{1: "145.050 MHz 1200 Baud", 2: "Telnet", 10: "440.100 MHz 9600"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParsePorts = %v, want %v", got, want)
	}
}

func TestParsePortsMissingSentinel(t *testing.T) {
	raw := []byte("Ports\r\n 1 145.050 MHz\r\n")
	_, err := ParsePorts(raw)
	if !errors.Is(err, ErrScreenFormat) {
		t.Fatalf("expected ErrScreenFormat, got %v", err)
	}
	var sfe *ScreenFormatError
	if !errors.As(err, &sfe) || string(sfe.Raw) != string(raw) {
		t.Fatalf("expected raw bytes preserved, got %#v", err)
	}
}

func TestParsePortsMissingBanner(t *testing.T) {
	if _, err := ParsePorts([]byte("nothing here\r\n***")); !errors.Is(err, ErrScreenFormat) {
		t.Fatalf("expected ErrScreenFormat, got %v", err)
	}
}

func TestParseNodesKeepsOrder(t *testing.T) {
	raw := []byte("KD5LPB} Nodes\r\nLPBNOD:KD5LPB-7  COSCO:KE0GB-7\r\nPHYLNS:W0ARP-7 SOLBPQ:N0HI-7\r\n***")
	got, err := ParseNodes(raw)
	if err != nil {
		t.Fatalf("ParseNodes: %v", err)
	}
	want := []callsign.Pair{
		{Alias: "LPBNOD", Call: "KD5LPB-7"},
		{Alias: "COSCO", Call: "KE0GB-7"},
		{Alias: "PHYLNS", Call: "W0ARP-7"},
		{Alias: "SOLBPQ", Call: "N0HI-7"},
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseNodes = %v, want %v", got, want)
	}
}

func TestParseNodesDeduplicates(t *testing.T) {
	raw := []byte("Nodes\r\nLPBNOD:KD5LPB-7 KD5LPB-7:LPBNOD KE0GB-7\r\n***")
	got, err := ParseNodes(raw)
	if err != nil {
		t.Fatalf("ParseNodes: %v", err)
	}
	want := []callsign.Pair{{Alias: "LPBNOD", Call: "KD5LPB-7"}, {Call: "KE0GB-7"}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ParseNodes = %v, want %v", got, want)
	}
}

func TestParseNodesEmpty(t *testing.T) {
	if _, err := ParseNodes([]byte("Nodes\r\n\r\n***")); !errors.Is(err, ErrScreenFormat) {
		t.Fatalf("expected ErrScreenFormat, got %v", err)
	}
}

func TestParseHeardRelative(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 500, time.UTC)
	raw := []byte("mh 1\r\nLPBNOD:KD5LPB-7} Heard List for Port 1\r\n" +
		"KE0GB-7   0:00:10:00 via W0ARP-7*,N0HI-7\r\n" +
		"N0CALL    0:01:00:00\r\n" +
		"NOISE\r\n" +
		"BADROW 1:2:3\r\n" +
		"***")
	heard, err := ParseHeard(raw, 1, now)
	if err != nil {
		t.Fatalf("ParseHeard: %v", err)
	}
	if len(heard.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %+v", heard.Rows)
	}
	first, second := heard.Rows[0], heard.Rows[1]
	if first.Call != "N0CALL" || !first.HeardAt.Equal(time.Date(2024, 3, 10, 11, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected first row %+v", first)
	}
	if second.Call != "KE0GB-7" || !second.HeardAt.Equal(time.Date(2024, 3, 10, 11, 50, 0, 0, time.UTC)) {
		t.Fatalf("unexpected second row %+v", second)
	}
	wantDigis := []Digipeater{{Call: "W0ARP-7", Repeated: true}, {Call: "N0HI-7"}}
	if !reflect.DeepEqual(second.Digipeaters, wantDigis) {
		t.Fatalf("digipeaters = %+v, want %+v", second.Digipeaters, wantDigis)
	}
	if second.Path() != "W0ARP-7*,N0HI-7" {
		t.Fatalf("path = %q", second.Path())
	}
	if len(heard.Rejected) != 1 || heard.Rejected[0] != "BADROW 1:2:3" {
		t.Fatalf("rejected = %v", heard.Rejected)
	}
}

func TestParseHeardAbsoluteYearWrap(t *testing.T) {
	now := time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC)
	raw := []byte("Port 3\r\nKD5LPB-7 Dec 31 23:59:30 via LPBNOD\r\nW0ARP Jan 2 07:00:00\r\n***")
	heard, err := ParseHeard(raw, 3, now)
	if err != nil {
		t.Fatalf("ParseHeard: %v", err)
	}
	if len(heard.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %+v", heard.Rows)
	}
	if want := time.Date(2023, 12, 31, 23, 59, 30, 0, time.UTC); !heard.Rows[0].HeardAt.Equal(want) {
		t.Fatalf("wrapped stamp = %v, want %v", heard.Rows[0].HeardAt, want)
	}
	if want := time.Date(2024, 1, 2, 7, 0, 0, 0, time.UTC); !heard.Rows[1].HeardAt.Equal(want) {
		t.Fatalf("current-year stamp = %v, want %v", heard.Rows[1].HeardAt, want)
	}
	if len(heard.Rows[0].Digipeaters) != 1 || heard.Rows[0].Digipeaters[0].Repeated {
		t.Fatalf("digipeaters = %+v", heard.Rows[0].Digipeaters)
	}
}

func TestParseHeardAbsoluteLeapDay(t *testing.T) {
	now := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)
	heard, err := ParseHeard([]byte("Port 1\r\nKE0GB-7 Feb 29 12:00:00\r\n***"), 1, now)
	if err != nil {
		t.Fatalf("ParseHeard: %v", err)
	}
	if len(heard.Rows) != 1 || len(heard.Rejected) != 0 {
		t.Fatalf("rows=%+v rejected=%v", heard.Rows, heard.Rejected)
	}
	if want := time.Date(2024, 2, 29, 12, 0, 0, 0, time.UTC); !heard.Rows[0].HeardAt.Equal(want) {
		t.Fatalf("leap day stamp = %v, want %v", heard.Rows[0].HeardAt, want)
	}

	// Early in a leap year, Feb 29 is still ahead and last year has none.
	now = time.Date(2024, 2, 10, 8, 0, 0, 0, time.UTC)
	heard, err = ParseHeard([]byte("Port 1\r\nKE0GB-7 Feb 29 12:00:00\r\nW0ARP Feb 9 07:00:00\r\n***"), 1, now)
	if err != nil {
		t.Fatalf("ParseHeard: %v", err)
	}
	if len(heard.Rows) != 1 || heard.Rows[0].Call != "W0ARP" {
		t.Fatalf("rows = %+v", heard.Rows)
	}
	if len(heard.Rejected) != 1 {
		t.Fatalf("future leap day should be rejected, got %v", heard.Rejected)
	}
}

func TestParseHeardPortBannerIsExact(t *testing.T) {
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	raw := []byte("Heard List for Port 12\r\nA1AAA 0:00:00:01\r\n***")
	if _, err := ParseHeard(raw, 1, now); !errors.Is(err, ErrScreenFormat) {
		t.Fatalf("Port 1 must not match Port 12, got %v", err)
	}
}

func TestScreenFormatErrorDigestStable(t *testing.T) {
	a := &ScreenFormatError{Raw: []byte("abc")}
	b := &ScreenFormatError{Raw: []byte("abc")}
	if a.Digest() != b.Digest() {
		t.Fatalf("digest not stable")
	}
}
