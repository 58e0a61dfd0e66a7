package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestDescribePorts(t *testing.T) {
	var buf bytes.Buffer
	describe(&buf, "p", []byte("KD5LPB} Ports\r\n  2 441.000 MHz 9600\r\n  1 145.050 MHz 1200 Baud\r\n***\r\n"))
	want := "[p] port 1: 145.050 MHz 1200 Baud\n[p] port 2: 441.000 MHz 9600\n"
	if buf.String() != want {
		t.Fatalf("got %q want %q", buf.String(), want)
	}
}

func TestDescribeReportsParseErrors(t *testing.T) {
	var buf bytes.Buffer
	describe(&buf, "n", []byte("garbage with no sentinel"))
	if !strings.HasPrefix(buf.String(), "[n] ") {
		t.Fatalf("expected error line, got %q", buf.String())
	}
}

func TestCommandListRejectsEmpty(t *testing.T) {
	var c commandList
	if err := c.Set("  "); err == nil {
		t.Fatalf("expected error for empty command")
	}
	if err := c.Set("mh 1"); err != nil || c.String() != "mh 1" {
		t.Fatalf("Set: %v, %q", err, c.String())
	}
}
