package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"packetmap/bbs/bbstest"
	"packetmap/crawl"
	"packetmap/model"
	"packetmap/store"
)

func TestParseArgs(t *testing.T) {
	cases := []struct {
		name string
		args []string
		ok   bool
	}{
		{"node", []string{"-node", "kd5lpb-7", "-port", "1"}, true},
		{"node without port", []string{"-node", "KD5LPB"}, true},
		{"auto", []string{"-auto"}, true},
		{"neither", nil, false},
		{"both", []string{"-auto", "-node", "KD5LPB"}, false},
		{"auto with port", []string{"-auto", "-port", "2"}, false},
		{"bad node", []string{"-node", "-7"}, false},
		{"negative port", []string{"-node", "KD5LPB", "-port", "-1"}, false},
		{"nodes", []string{"-mode", "nodes"}, true},
		{"nodes with node", []string{"-mode", "nodes", "-node", "KD5LPB"}, false},
		{"local heard", []string{"-mode", "local-heard", "-port", "3"}, true},
		{"confirm", []string{"-mode", "confirm", "-node", "KD5LPB", "-port", "1"}, true},
		{"confirm without port", []string{"-mode", "confirm", "-node", "KD5LPB"}, false},
		{"unknown mode", []string{"-mode", "ops"}, false},
		{"stray args", []string{"-auto", "extra"}, false},
	}
	for _, tc := range cases {
		_, err := parseArgs(tc.args, io.Discard)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok {
			if err == nil {
				t.Fatalf("%s: expected usage error", tc.name)
			}
			if !errors.Is(err, errUsage) {
				t.Fatalf("%s: expected errUsage, got %v", tc.name, err)
			}
		}
	}
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv(envConfigPath, "")
	if got := resolveConfigPath(""); got != defaultConfigPath {
		t.Fatalf("default = %q", got)
	}
	t.Setenv(envConfigPath, "/etc/packetmap")
	if got := resolveConfigPath(""); got != "/etc/packetmap" {
		t.Fatalf("env = %q", got)
	}
	if got := resolveConfigPath(" local.yaml "); got != "local.yaml" {
		t.Fatalf("flag = %q", got)
	}
}

func TestExitStatus(t *testing.T) {
	cases := []struct {
		status string
		err    error
		want   int
	}{
		{model.RunOK, nil, exitOK},
		{model.RunNothingToCrawl, nil, exitOK},
		{model.RunUnreachable, nil, exitOK},
		{model.RunPortChanged, nil, exitOK},
		{model.RunScreenError, nil, exitOK},
		{model.RunFailed, nil, exitFailure},
		{model.RunFailed, errors.New("boom"), exitFailure},
	}
	for _, tc := range cases {
		if got := exitStatus(crawl.Report{Status: tc.status}, tc.err); got != tc.want {
			t.Fatalf("%s/%v: got %d want %d", tc.status, tc.err, got, tc.want)
		}
	}
}

func TestPortChooser(t *testing.T) {
	ports := map[int]string{1: "145.050 MHz", 2: "441.000 MHz"}

	var out bytes.Buffer
	choose := newPortChooser(strings.NewReader("2\n"), &out, true)
	n, err := choose("KD5LPB", ports)
	if err != nil || n != 2 {
		t.Fatalf("choose = %d, %v", n, err)
	}
	if !strings.Contains(out.String(), "441.000 MHz") {
		t.Fatalf("ports not listed: %q", out.String())
	}

	if _, err := newPortChooser(strings.NewReader("7\n"), io.Discard, true)("KD5LPB", ports); err == nil {
		t.Fatalf("expected error for unlisted port")
	}
	if _, err := newPortChooser(strings.NewReader("x\n"), io.Discard, true)("KD5LPB", ports); err == nil {
		t.Fatalf("expected error for non-numeric port")
	}
	if _, err := newPortChooser(strings.NewReader("1\n"), io.Discard, false)("KD5LPB", ports); err == nil {
		t.Fatalf("expected refusal without a terminal")
	}
}

func writeTestConfig(t *testing.T, server *bbstest.Server) (string, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "packetmap.db")
	body := fmt.Sprintf(`bbs:
  host: %s
  port: %d
  username: crawler
  password: secret
  login_node: KD5LPB
  connect_timeout_seconds: 2
  node_connect_timeout_seconds: 2
  screen_timeout_seconds: 1
store:
  path: %s
logging:
  dir: %s
`, server.Host, server.Port, dbPath, filepath.Join(dir, "logs"))
	path := filepath.Join(dir, "packetmap.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path, dbPath
}

func TestRunUnreachableTargetExitsZeroAndRecordsRun(t *testing.T) {
	server, err := bbstest.NewServer("crawler", "secret", map[string]string{
		"c NOPE": "Downlink connect needs port number\r\n",
	})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer server.Close()
	cfgPath, dbPath := writeTestConfig(t, server)

	var stdout, stderr bytes.Buffer
	code := run([]string{"-config", cfgPath, "-node", "nope", "-port", "1"}, strings.NewReader(""), &stdout, &stderr)
	if code != exitOK {
		t.Fatalf("exit = %d, stderr=%q stdout=%q", code, stderr.String(), stdout.String())
	}
	if !strings.Contains(stdout.String(), "unreachable") {
		t.Fatalf("summary not logged: %q", stdout.String())
	}

	st, err := store.Open(dbPath, store.Options{})
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	defer st.Close()
	last, ok, err := st.LastRun(context.Background(), "NOPE")
	if err != nil || !ok {
		t.Fatalf("run not recorded: ok=%v err=%v", ok, err)
	}
	if last.Status != model.RunUnreachable || last.Mode != crawl.ModeHeard {
		t.Fatalf("recorded run = %+v", last)
	}
}

func TestRunAutoWithNothingToCrawl(t *testing.T) {
	server, err := bbstest.NewServer("crawler", "secret", nil)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer server.Close()
	cfgPath, _ := writeTestConfig(t, server)

	var stdout bytes.Buffer
	code := run([]string{"-config", cfgPath, "-auto"}, strings.NewReader(""), &stdout, io.Discard)
	if code != exitOK {
		t.Fatalf("exit = %d, stdout=%q", code, stdout.String())
	}
	if !strings.Contains(stdout.String(), "nothing to crawl") {
		t.Fatalf("expected nothing-to-crawl message, got %q", stdout.String())
	}
	if len(server.Received()) != 0 {
		t.Fatalf("no session expected, got %v", server.Received())
	}
}

func TestRunUsageAndConfigErrors(t *testing.T) {
	var stderr bytes.Buffer
	if code := run(nil, strings.NewReader(""), io.Discard, &stderr); code != exitUsage {
		t.Fatalf("no target: exit = %d", code)
	}
	if !strings.Contains(stderr.String(), "-node or -auto") {
		t.Fatalf("diagnostic missing: %q", stderr.String())
	}
	missing := filepath.Join(t.TempDir(), "absent.yaml")
	if code := run([]string{"-config", missing, "-auto"}, strings.NewReader(""), io.Discard, io.Discard); code != exitFailure {
		t.Fatalf("missing config: exit = %d", code)
	}
}
