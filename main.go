// Program packetmap crawls a packet-radio BBS network. It logs in to one node,
// reads heard lists and node tables, geocodes the stations it finds, and
// records the results in SQLite for the map API to serve.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"packetmap/bbs"
	"packetmap/callsign"
	"packetmap/config"
	"packetmap/crawl"
	"packetmap/geocache"
	"packetmap/geocode"
	"packetmap/internal/ratelimit"
	"packetmap/model"
	"packetmap/store"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"
)

const (
	defaultConfigPath = "packetmap.yaml"
	envConfigPath     = "PACKETMAP_CONFIG"

	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

var errUsage = errors.New("usage")

// cliOptions is the parsed command line.
type cliOptions struct {
	configPath string
	mode       string
	node       string
	auto       bool
	port       int
	verbose    bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// Purpose: Parse and cross-check the command line.
// Key aspects: -node and -auto are exclusive; heard mode needs one of them.
// Upstream: run.
// Downstream: flag.FlagSet.
func parseArgs(args []string, stderr io.Writer) (cliOptions, error) {
	var opts cliOptions
	fs := flag.NewFlagSet("packetmap", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "", "config file or directory (default $"+envConfigPath+" or "+defaultConfigPath+")")
	fs.StringVar(&opts.mode, "mode", crawl.ModeHeard, "pass to run: heard, local-heard, nodes, confirm")
	fs.StringVar(&opts.node, "node", "", "node to crawl, e.g. KD5LPB-7")
	fs.BoolVar(&opts.auto, "auto", false, "pick a stale target at random")
	fs.IntVar(&opts.port, "port", 0, "radio port on the node")
	fs.BoolVar(&opts.verbose, "v", false, "log the effective configuration")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if fs.NArg() > 0 {
		return opts, fmt.Errorf("%w: unexpected arguments %q", errUsage, fs.Args())
	}
	opts.mode = strings.ToLower(strings.TrimSpace(opts.mode))
	opts.node = strings.TrimSpace(opts.node)
	if opts.port < 0 {
		return opts, fmt.Errorf("%w: -port must be positive", errUsage)
	}
	if opts.node != "" {
		call, err := callsign.Normalize(opts.node)
		if err != nil || call.Base == "" {
			return opts, fmt.Errorf("%w: -node %q is not a callsign", errUsage, opts.node)
		}
	}
	switch opts.mode {
	case crawl.ModeHeard:
		if opts.auto == (opts.node != "") {
			return opts, fmt.Errorf("%w: give exactly one of -node or -auto", errUsage)
		}
		if opts.auto && opts.port > 0 {
			return opts, fmt.Errorf("%w: -port needs -node", errUsage)
		}
	case crawl.ModeConfirm:
		if opts.node == "" || opts.port == 0 || opts.auto {
			return opts, fmt.Errorf("%w: confirm needs -node and -port", errUsage)
		}
	case crawl.ModeLocalHeard, crawl.ModeNodes:
		if opts.auto || opts.node != "" {
			return opts, fmt.Errorf("%w: %s runs on the login node; drop -node/-auto", errUsage, opts.mode)
		}
	default:
		return opts, fmt.Errorf("%w: unknown mode %q", errUsage, opts.mode)
	}
	return opts, nil
}

// resolveConfigPath picks the -config flag, then the environment, then the
// default file name.
func resolveConfigPath(flagPath string) string {
	if p := strings.TrimSpace(flagPath); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(envConfigPath)); p != "" {
		return p
	}
	return defaultConfigPath
}

// Purpose: Run one crawl pass and map its outcome to an exit status.
// Key aspects: "nothing to crawl" and unreachable targets exit 0.
// Upstream: main.
// Downstream: config.Load, setupLogging, newApp, dispatch.
func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	opts, err := parseArgs(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "packetmap: %v\n", err)
		return exitUsage
	}
	cfg, err := config.Load(resolveConfigPath(opts.configPath))
	if err != nil {
		fmt.Fprintf(stderr, "packetmap: %v\n", err)
		return exitFailure
	}

	fanout, err := setupLogging(cfg.Logging, stdout, isTerminal(stdout), nil)
	if err != nil {
		fmt.Fprintf(stderr, "Logging: %v\n", err)
	}
	defer fanout.Close()
	log.SetFlags(0)
	log.SetOutput(fanout)
	defer log.SetOutput(os.Stderr)

	log.Printf("packetmap: loaded configuration from %s", cfg.LoadedFrom)
	if opts.verbose {
		cfg.Fprint(fanout)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, newPortChooser(stdin, stdout, isTerminal(stdin)))
	if err != nil {
		log.Printf("packetmap: %v", err)
		return exitFailure
	}
	defer a.Close()

	rep, err := dispatch(ctx, a.crawler, opts)
	a.pushMetrics(ctx)
	return exitStatus(rep, err)
}

// dispatch runs the pass selected by -mode.
func dispatch(ctx context.Context, c *crawl.Crawler, opts cliOptions) (crawl.Report, error) {
	switch opts.mode {
	case crawl.ModeLocalHeard:
		return c.RunLocalHeard(ctx, opts.port)
	case crawl.ModeNodes:
		return c.RunNodes(ctx)
	case crawl.ModeConfirm:
		return c.ConfirmPort(ctx, opts.node, opts.port)
	default:
		return c.RunHeard(ctx, crawl.Selection{NodeID: opts.node, Port: opts.port, Auto: opts.auto})
	}
}

func exitStatus(rep crawl.Report, err error) int {
	if err != nil {
		log.Printf("packetmap: %v", err)
		return exitFailure
	}
	switch rep.Status {
	case model.RunNothingToCrawl:
		log.Printf("packetmap: nothing to crawl")
	case model.RunPortChanged:
		log.Printf("packetmap: %s port %d needs a check; rerun with -mode confirm -node %s -port %d",
			rep.Target.NodeID, rep.Target.Port, rep.Target.NodeID, rep.Target.Port)
	case model.RunFailed:
		return exitFailure
	}
	return exitOK
}

// app owns every resource a run opens.
type app struct {
	cfg      *config.Config
	store    *store.Store
	cache    *geocache.Store
	registry *prometheus.Registry
	crawler  *crawl.Crawler
}

// Purpose: Build the store, geocoder, scheduler and crawler from config.
// Key aspects: The on-disk provider cache is optional; stale entries are
// purged at startup.
// Upstream: run.
// Downstream: store.Open, geocache.Open, geocode.NewClient, crawl.New.
func newApp(cfg *config.Config, choose crawl.PortChooser) (*app, error) {
	clock := clockwork.NewRealClock()
	st, err := store.Open(cfg.Store.Path, store.Options{
		BusyTimeout:      time.Duration(cfg.Store.BusyTimeoutMS) * time.Millisecond,
		PreflightTimeout: time.Duration(cfg.Store.PreflightTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, store: st, registry: prometheus.NewRegistry()}

	var provider geocode.Provider = geocode.NewHamDB(cfg.Geocode.BaseURL, cfg.Geocode.Timeout(), cfg.Geocode.UserAgent)
	if interval := cfg.Geocode.MinInterval(); interval > 0 {
		provider = geocode.Paced(provider, ratelimit.NewSpacer(interval, clock))
	}
	if dir := strings.TrimSpace(cfg.Geocode.CacheDir); dir != "" {
		cache, err := geocache.Open(dir, geocache.Options{})
		if err != nil {
			a.Close()
			return nil, err
		}
		a.cache = cache
		if n, err := cache.PurgeOlderThan(clock.Now().Add(-cfg.Geocode.CacheTTL())); err != nil {
			log.Printf("packetmap: geocode cache purge: %v", err)
		} else if n > 0 {
			log.Printf("packetmap: purged %d stale geocode cache entries", n)
		}
		provider = geocode.NewCached(provider, cache, cfg.Geocode.CacheTTL(), clock)
	}
	policy := geocode.RetryPolicy{MaxAttempts: cfg.Geocode.MaxAttempts, Delay: cfg.Geocode.RetryDelay()}
	geo := geocode.NewClient(provider, policy, cfg.Geocode.QuarantineRefresh(), clock)

	sched := crawl.NewScheduler(st, cfg.Crawl.HeardRefresh(), clock, rand.New(rand.NewSource(time.Now().UnixNano())))
	a.crawler = crawl.New(crawl.Settings{
		Host:        cfg.BBS.Host,
		Port:        cfg.BBS.Port,
		Credentials: bbs.Credentials{Username: cfg.BBS.Username, Password: cfg.BBS.Password},
		Session: bbs.Options{
			ConnectTimeout:     cfg.BBS.ConnectTimeout(),
			PromptTimeout:      cfg.BBS.PromptTimeout(),
			BannerTimeout:      cfg.BBS.BannerTimeout(),
			NodeConnectTimeout: cfg.BBS.NodeConnectTimeout(),
			Banner:             cfg.BBS.Banner,
			FailureMarkers:     cfg.BBS.FailureMarkers,
		},
		LoginNode:      cfg.BBS.LoginNode,
		ScreenTimeout:  cfg.BBS.ScreenTimeout(),
		StationRefresh: cfg.Crawl.StationRefresh(),
		NodeRefresh:    cfg.Crawl.NodeRefresh(),
		DedupWindow:    cfg.Crawl.DedupWindow(),
	}, crawl.Deps{
		Store:      st,
		Geocoder:   geo,
		Scheduler:  sched,
		Clock:      clock,
		Metrics:    crawl.NewMetrics(a.registry),
		ChoosePort: choose,
	})
	return a, nil
}

func (a *app) pushMetrics(ctx context.Context) {
	url := strings.TrimSpace(a.cfg.Metrics.PushgatewayURL)
	if url == "" {
		return
	}
	pushCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := crawl.Push(pushCtx, url, a.cfg.Metrics.Job, a.registry); err != nil {
		log.Printf("packetmap: %v", err)
	}
}

func (a *app) Close() {
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			log.Printf("packetmap: close geocode cache: %v", err)
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			log.Printf("packetmap: close store: %v", err)
		}
	}
}

// isTerminal reports whether v is a file attached to a terminal.
func isTerminal(v any) bool {
	f, ok := v.(interface{ Fd() uintptr })
	return ok && term.IsTerminal(int(f.Fd()))
}

// Purpose: Ask the operator which port to crawl when -node came without -port.
// Key aspects: Refuses outright when stdin is not interactive.
// Upstream: crawl.Crawler.RunHeard after the Ports screen.
// Downstream: bufio.Reader on stdin.
func newPortChooser(in io.Reader, out io.Writer, interactive bool) crawl.PortChooser {
	reader := bufio.NewReader(in)
	return func(nodeID string, ports map[int]string) (int, error) {
		if !interactive {
			return 0, fmt.Errorf("no -port given for %s and stdin is not a terminal", nodeID)
		}
		nums := make([]int, 0, len(ports))
		for n := range ports {
			nums = append(nums, n)
		}
		sort.Ints(nums)
		fmt.Fprintf(out, "Ports on %s:\n", nodeID)
		for _, n := range nums {
			fmt.Fprintf(out, "  %2d  %s\n", n, ports[n])
		}
		fmt.Fprint(out, "Port to crawl: ")
		line, err := reader.ReadString('\n')
		if err != nil && strings.TrimSpace(line) == "" {
			return 0, fmt.Errorf("read port choice: %w", err)
		}
		n, err := strconv.Atoi(strings.TrimSpace(line))
		if err != nil {
			return 0, fmt.Errorf("port choice %q is not a number", strings.TrimSpace(line))
		}
		if _, ok := ports[n]; !ok {
			return 0, fmt.Errorf("%s has no port %d", nodeID, n)
		}
		return n, nil
	}
}
