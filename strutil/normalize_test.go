package strutil

import "testing"

func TestCollapseSpaces(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "", want: ""},
		{in: "a b", want: "a b"},
		{in: "1   145.050  MHz", want: "1 145.050 MHz"},
		{in: "  lead\r\n   next", want: " lead\r\n next"},
	}
	for _, tt := range tests {
		if got := CollapseSpaces(tt.in); got != tt.want {
			t.Fatalf("CollapseSpaces(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAppendListItemIsAppendOnly(t *testing.T) {
	list, changed := AppendListItem("", "145.050 MHz")
	if !changed || list != "145.050 MHz" {
		t.Fatalf("first append = %q changed=%v", list, changed)
	}
	list, changed = AppendListItem(list, "145.050 MHz")
	if changed || list != "145.050 MHz" {
		t.Fatalf("duplicate append = %q changed=%v", list, changed)
	}
	list, changed = AppendListItem(list, "440.100 MHz")
	if !changed || list != "145.050 MHz,440.100 MHz" {
		t.Fatalf("second append = %q changed=%v", list, changed)
	}
	if _, changed = AppendListItem(list, "  "); changed {
		t.Fatalf("blank item should not change the list")
	}
}

func TestNormalizeUpper(t *testing.T) {
	if got := NormalizeUpper("  kd5lpb-7 "); got != "KD5LPB-7" {
		t.Fatalf("NormalizeUpper = %q", got)
	}
}
