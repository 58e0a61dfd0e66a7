// Command bbsprobe logs in to the configured BBS node, optionally connects
// onward to another node, runs a list of menu commands, and echoes everything
// the node sends to stdout. With -parse it also shows what the crawler's screen
// parsers make of each reply. It writes nothing to the database.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"packetmap/bbs"
	"packetmap/config"
	"packetmap/screen"
)

// commandList collects repeated -cmd flags.
type commandList []string

func (c *commandList) String() string { return strings.Join(*c, ", ") }

func (c *commandList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("empty command")
	}
	*c = append(*c, v)
	return nil
}

func main() {
	var cmds commandList
	configPath := flag.String("config", "packetmap.yaml", "packetmap config file or directory")
	node := flag.String("node", "", "node to connect to after login (optional)")
	parse := flag.Bool("parse", false, "run the screen parsers over each reply")
	quiet := flag.Bool("quiet", false, "do not echo the raw transcript")
	flag.Var(&cmds, "cmd", "command to run, repeatable (default: p)")
	flag.Parse()

	if len(cmds) == 0 {
		cmds = commandList{"p"}
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("bbsprobe: %v", err)
	}

	var transcript io.Writer = os.Stdout
	if *quiet {
		transcript = nil
	}
	opts := bbs.Options{
		ConnectTimeout:     cfg.BBS.ConnectTimeout(),
		PromptTimeout:      cfg.BBS.PromptTimeout(),
		BannerTimeout:      cfg.BBS.BannerTimeout(),
		NodeConnectTimeout: cfg.BBS.NodeConnectTimeout(),
		Banner:             cfg.BBS.Banner,
		FailureMarkers:     cfg.BBS.FailureMarkers,
		Transcript:         transcript,
	}
	creds := bbs.Credentials{Username: cfg.BBS.Username, Password: cfg.BBS.Password}

	err = bbs.Run(cfg.BBS.Host, cfg.BBS.Port, creds, opts, func(s *bbs.Session) error {
		if target := strings.TrimSpace(*node); target != "" {
			if err := s.ConnectTo(target); err != nil {
				return err
			}
		}
		for _, cmd := range cmds {
			raw, err := s.RunCommand(cmd, screen.Sentinel, cfg.BBS.ScreenTimeout())
			if err != nil {
				var pte *bbs.ProtocolTimeoutError
				if errors.As(err, &pte) {
					fmt.Fprintf(os.Stderr, "\n[%s] timed out after %d bytes\n", cmd, len(pte.Partial))
					continue
				}
				return err
			}
			if *parse {
				describe(os.Stderr, cmd, raw)
			}
		}
		return nil
	})
	if err != nil {
		log.Fatalf("bbsprobe: %v", err)
	}
}

// describe prints the parsed form of raw when cmd names a screen the crawler
// understands.
func describe(w io.Writer, cmd string, raw []byte) {
	fields := strings.Fields(strings.ToLower(cmd))
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "p":
		ports, err := screen.ParsePorts(raw)
		if err != nil {
			fmt.Fprintf(w, "[%s] %v\n", cmd, err)
			return
		}
		nums := make([]int, 0, len(ports))
		for n := range ports {
			nums = append(nums, n)
		}
		sort.Ints(nums)
		for _, n := range nums {
			fmt.Fprintf(w, "[%s] port %d: %s\n", cmd, n, ports[n])
		}
	case "n":
		pairs, err := screen.ParseNodes(raw)
		if err != nil {
			fmt.Fprintf(w, "[%s] %v\n", cmd, err)
			return
		}
		for _, p := range pairs {
			fmt.Fprintf(w, "[%s] %s alias=%q\n", cmd, p.Call, p.Alias)
		}
	case "mh", "mhu":
		if len(fields) < 2 {
			return
		}
		port, err := strconv.Atoi(fields[1])
		if err != nil {
			return
		}
		heard, err := screen.ParseHeard(raw, port, time.Now().UTC())
		if err != nil {
			fmt.Fprintf(w, "[%s] %v\n", cmd, err)
			return
		}
		for _, row := range heard.Rows {
			var via []string
			for _, d := range row.Digipeaters {
				if d.Repeated {
					via = append(via, d.Call+"*")
				} else {
					via = append(via, d.Call)
				}
			}
			fmt.Fprintf(w, "[%s] %-10s %s %s\n", cmd, row.Call, row.HeardAt.Format(time.RFC3339), strings.Join(via, ","))
		}
		for _, rej := range heard.Rejected {
			fmt.Fprintf(w, "[%s] rejected %q\n", cmd, rej)
		}
	}
}
