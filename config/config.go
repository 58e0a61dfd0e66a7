package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPassword, when set, overrides bbs.password so the secret can stay out
// of the YAML file.
const EnvPassword = "PACKETMAP_BBS_PASSWORD"

// Config represents the complete crawler configuration
type Config struct {
	BBS     BBSConfig     `yaml:"bbs"`
	Store   StoreConfig   `yaml:"store"`
	Geocode GeocodeConfig `yaml:"geocode"`
	Crawl   CrawlConfig   `yaml:"crawl"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`

	// LoadedFrom is the file or directory the config was read from.
	LoadedFrom string `yaml:"-"`
}

// BBSConfig describes the login node and the session timeouts
type BBSConfig struct {
	Host                      string   `yaml:"host"`
	Port                      int      `yaml:"port"`
	Username                  string   `yaml:"username"`
	Password                  string   `yaml:"password"`
	LoginNode                 string   `yaml:"login_node"`
	Banner                    string   `yaml:"banner"`
	FailureMarkers            []string `yaml:"failure_markers"`
	ConnectTimeoutSeconds     int      `yaml:"connect_timeout_seconds"`
	PromptTimeoutSeconds      int      `yaml:"prompt_timeout_seconds"`
	BannerTimeoutSeconds      int      `yaml:"banner_timeout_seconds"`
	NodeConnectTimeoutSeconds int      `yaml:"node_connect_timeout_seconds"`
	ScreenTimeoutSeconds      int      `yaml:"screen_timeout_seconds"`
}

// StoreConfig locates the SQLite database
type StoreConfig struct {
	Path               string `yaml:"path"`
	BusyTimeoutMS      int    `yaml:"busy_timeout_ms"`
	PreflightTimeoutMS int    `yaml:"preflight_timeout_ms"`
}

// GeocodeConfig selects the lookup provider and its retry and quarantine policy
type GeocodeConfig struct {
	Provider               string `yaml:"provider"`
	BaseURL                string `yaml:"base_url"`
	UserAgent              string `yaml:"user_agent"`
	TimeoutSeconds         int    `yaml:"timeout_seconds"`
	MaxAttempts            int    `yaml:"max_attempts"`
	RetryDelaySeconds      int    `yaml:"retry_delay_seconds"`
	QuarantineRefreshHours int    `yaml:"quarantine_refresh_hours"`
	// MinIntervalMS spaces requests to the provider; cache hits are not paced.
	MinIntervalMS int `yaml:"min_interval_ms"`
	// CacheDir enables the on-disk provider cache when set.
	CacheDir      string `yaml:"cache_dir"`
	CacheTTLHours int    `yaml:"cache_ttl_hours"`
}

// CrawlConfig holds the revisit intervals. StationRefreshHours applies to
// stations seen on heard passes, NodeRefreshHours to node-list passes.
type CrawlConfig struct {
	HeardRefreshHours   int `yaml:"heard_refresh_hours"`
	NodeRefreshHours    int `yaml:"node_refresh_hours"`
	StationRefreshHours int `yaml:"station_refresh_hours"`
	DedupWindowSeconds  int `yaml:"dedup_window_seconds"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// MetricsConfig points at an optional Pushgateway
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url"`
	Job            string `yaml:"job"`
}

// Load reads a YAML file, or every *.yaml / *.yml file of a directory in
// name order with later files overriding earlier ones, then applies defaults
// and validates the result.
func Load(path string) (*Config, error) {
	files, err := configFiles(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", file, err)
		}
	}
	cfg.LoadedFrom = path
	if pw := os.Getenv(EnvPassword); pw != "" {
		cfg.BBS.Password = pw
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func configFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		files = append(files, filepath.Join(path, e.Name()))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no yaml files in config dir %s", path)
	}
	sort.Strings(files)
	return files, nil
}

func (c *Config) applyDefaults() {
	setInt := func(v *int, def int) {
		if *v <= 0 {
			*v = def
		}
	}
	setString := func(v *string, def string) {
		if strings.TrimSpace(*v) == "" {
			*v = def
		}
	}
	setInt(&c.BBS.Port, 8010)
	setString(&c.BBS.Banner, "Telnet Server")
	if len(c.BBS.FailureMarkers) == 0 {
		c.BBS.FailureMarkers = []string{"needs port number", "Failure with", "Busy from"}
	}
	setInt(&c.BBS.ConnectTimeoutSeconds, 5)
	setInt(&c.BBS.PromptTimeoutSeconds, 2)
	setInt(&c.BBS.BannerTimeoutSeconds, 20)
	setInt(&c.BBS.NodeConnectTimeoutSeconds, 30)
	setInt(&c.BBS.ScreenTimeoutSeconds, 30)
	c.BBS.LoginNode = strings.ToUpper(strings.TrimSpace(c.BBS.LoginNode))

	setString(&c.Store.Path, filepath.Join("data", "packetmap.db"))
	setInt(&c.Store.BusyTimeoutMS, 5000)
	setInt(&c.Store.PreflightTimeoutMS, 5000)

	setString(&c.Geocode.Provider, "hamdb")
	setString(&c.Geocode.UserAgent, "packetmap")
	setInt(&c.Geocode.TimeoutSeconds, 10)
	setInt(&c.Geocode.MaxAttempts, 3)
	if c.Geocode.RetryDelaySeconds < 0 {
		c.Geocode.RetryDelaySeconds = 0
	}
	setInt(&c.Geocode.QuarantineRefreshHours, 7*24)
	if c.Geocode.MinIntervalMS < 0 {
		c.Geocode.MinIntervalMS = 0
	}
	setInt(&c.Geocode.CacheTTLHours, 30*24)

	setInt(&c.Crawl.HeardRefreshHours, 24)
	setInt(&c.Crawl.NodeRefreshHours, 7*24)
	setInt(&c.Crawl.StationRefreshHours, 24)
	setInt(&c.Crawl.DedupWindowSeconds, 5)

	setInt(&c.Logging.RetentionDays, 7)
	setString(&c.Metrics.Job, "packetmap")
}

// Validate reports the first setting that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.BBS.Host) == "" {
		errs = append(errs, errors.New("bbs.host is required"))
	}
	if c.BBS.Port > 65535 {
		errs = append(errs, fmt.Errorf("bbs.port %d out of range", c.BBS.Port))
	}
	if strings.TrimSpace(c.BBS.Username) == "" {
		errs = append(errs, errors.New("bbs.username is required"))
	}
	if c.BBS.LoginNode == "" {
		errs = append(errs, errors.New("bbs.login_node is required"))
	}
	switch strings.ToLower(c.Geocode.Provider) {
	case "hamdb":
	default:
		errs = append(errs, fmt.Errorf("geocode.provider %q is not supported", c.Geocode.Provider))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// ConnectTimeout and friends convert the integer settings.
func (b BBSConfig) ConnectTimeout() time.Duration { return seconds(b.ConnectTimeoutSeconds) }
func (b BBSConfig) PromptTimeout() time.Duration  { return seconds(b.PromptTimeoutSeconds) }
func (b BBSConfig) BannerTimeout() time.Duration  { return seconds(b.BannerTimeoutSeconds) }
func (b BBSConfig) NodeConnectTimeout() time.Duration {
	return seconds(b.NodeConnectTimeoutSeconds)
}
func (b BBSConfig) ScreenTimeout() time.Duration { return seconds(b.ScreenTimeoutSeconds) }

func (g GeocodeConfig) Timeout() time.Duration           { return seconds(g.TimeoutSeconds) }
func (g GeocodeConfig) RetryDelay() time.Duration        { return seconds(g.RetryDelaySeconds) }
func (g GeocodeConfig) QuarantineRefresh() time.Duration { return hours(g.QuarantineRefreshHours) }
func (g GeocodeConfig) CacheTTL() time.Duration          { return hours(g.CacheTTLHours) }
func (g GeocodeConfig) MinInterval() time.Duration {
	return time.Duration(g.MinIntervalMS) * time.Millisecond
}

func (c CrawlConfig) HeardRefresh() time.Duration   { return hours(c.HeardRefreshHours) }
func (c CrawlConfig) NodeRefresh() time.Duration    { return hours(c.NodeRefreshHours) }
func (c CrawlConfig) StationRefresh() time.Duration { return hours(c.StationRefreshHours) }
func (c CrawlConfig) DedupWindow() time.Duration    { return seconds(c.DedupWindowSeconds) }

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func hours(n int) time.Duration   { return time.Duration(n) * time.Hour }

// Print displays the configuration
func (c *Config) Print() {
	c.Fprint(os.Stdout)
}

// Fprint writes the effective configuration to w. The password is never shown.
func (c *Config) Fprint(w io.Writer) {
	if c.LoadedFrom != "" {
		fmt.Fprintf(w, "Config: %s\n", c.LoadedFrom)
	}
	pw := "unset"
	if c.BBS.Password != "" {
		pw = "set"
	}
	fmt.Fprintf(w, "BBS: %s:%d as %s (password %s), login node %s\n", c.BBS.Host, c.BBS.Port, c.BBS.Username, pw, c.BBS.LoginNode)
	fmt.Fprintf(w, "Timeouts: connect=%ds prompt=%ds banner=%ds node=%ds screen=%ds\n",
		c.BBS.ConnectTimeoutSeconds, c.BBS.PromptTimeoutSeconds, c.BBS.BannerTimeoutSeconds,
		c.BBS.NodeConnectTimeoutSeconds, c.BBS.ScreenTimeoutSeconds)
	fmt.Fprintf(w, "Store: %s\n", c.Store.Path)
	fmt.Fprintf(w, "Geocode: %s (attempts=%d, delay=%ds, quarantine=%dh)\n",
		c.Geocode.Provider, c.Geocode.MaxAttempts, c.Geocode.RetryDelaySeconds, c.Geocode.QuarantineRefreshHours)
	if c.Geocode.CacheDir != "" {
		fmt.Fprintf(w, "Geocode cache: %s (ttl=%dh)\n", c.Geocode.CacheDir, c.Geocode.CacheTTLHours)
	}
	fmt.Fprintf(w, "Refresh: heard=%dh nodes=%dh stations=%dh dedup=%ds\n",
		c.Crawl.HeardRefreshHours, c.Crawl.NodeRefreshHours, c.Crawl.StationRefreshHours, c.Crawl.DedupWindowSeconds)
	if c.Logging.Dir != "" {
		fmt.Fprintf(w, "Logging: %s (retention %d days)\n", c.Logging.Dir, c.Logging.RetentionDays)
	}
	if c.Metrics.PushgatewayURL != "" {
		fmt.Fprintf(w, "Metrics: push to %s as job %s\n", c.Metrics.PushgatewayURL, c.Metrics.Job)
	}
}
