package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/daedalus/daedalus_client/internal/i18n"
	"github.com/daedalus/daedalus_client/internal/util"
)

const (
	AppName      = "daedalus_client"
	DefaultUser  = "daedalus"
	Unbranded    = "unbranded"
	defaultPort  = 22
	LogTarget    = AppName
	EnvLog       = "DAEDALUS_LOG"
	EnvLogLegacy = "RUST_LOG"
)

type Config struct {
	Connection struct {
		Endpoint string
		// Endpoints are tried in order after Endpoint when it cannot be
		// reached.
		Endpoints  []string
		KeyFile    string        `toml:"key_file"`
		KnownHosts string        `toml:"known_hosts"`
		Timeout    time.Duration `toml:"timeout"`
	}
	Identity struct {
		Name    string
		Contact string
		Tags    map[string]string
	}
	Backoff struct {
		Base        time.Duration
		Max         time.Duration
		Jitter      float64
		MaxAttempts int `toml:"max_attempts"`
	}
	Dispatch struct {
		SubmitTimeout     time.Duration `toml:"submit_timeout"`
		MaxRetries        int           `toml:"max_retries"`
		Concurrency       int
		RateLimit         float64       `toml:"rate_limit"`
		HeartbeatInterval time.Duration `toml:"heartbeat_interval"`
	}
	Shutdown struct {
		GracePeriod time.Duration `toml:"grace_period"`
	}
	Work struct {
		Input     string
		ExitOnEOF bool `toml:"exit_on_eof"`
	}
	Logging struct {
		Level   string
		LogFile string `toml:"log_file,omitempty"`
	}
	Metrics struct {
		Listen string
	}
	Registration struct {
		URL string `toml:"url"`
	}
}

// Endpoint is the parsed form of connection.endpoint.
type Endpoint struct {
	Protocol string
	User     string
	Host     string
	Port     int
}

func (e Endpoint) String() string {
	return e.Protocol + "://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func Default() Config {
	var cfg Config
	cfg.Connection.Timeout = 15 * time.Second
	cfg.Identity.Name = Unbranded
	cfg.Identity.Contact = Unbranded
	cfg.Backoff.Base = 100 * time.Millisecond
	cfg.Backoff.Max = 30 * time.Second
	cfg.Backoff.Jitter = 0.2
	cfg.Dispatch.SubmitTimeout = 30 * time.Second
	cfg.Dispatch.MaxRetries = 3
	cfg.Dispatch.Concurrency = 4
	cfg.Dispatch.HeartbeatInterval = 30 * time.Second
	cfg.Shutdown.GracePeriod = 10 * time.Second
	cfg.Work.Input = "-"
	cfg.Logging.Level = "info"
	return cfg
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Read is Load without validation, for commands that need only part of the
// configuration.
func Read(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("%w: %v", util.ErrConfigLoad, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setDuration := func(key string, dst *time.Duration) error {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s", util.ErrConfigLoad,
				i18n.T("config_env_invalid", map[string]any{"Key": key, "Error": err}))
		}
		*dst = d
		return nil
	}

	if v, ok := os.LookupEnv("DAEDALUS_ENDPOINT"); ok && v != "" {
		list := strings.Split(v, ",")
		for i := range list {
			list[i] = strings.TrimSpace(list[i])
		}
		cfg.Connection.Endpoint = list[0]
		cfg.Connection.Endpoints = list[1:]
	}
	setString("DAEDALUS_KEY_FILE", &cfg.Connection.KeyFile)
	setString("DAEDALUS_KNOWN_HOSTS", &cfg.Connection.KnownHosts)
	setString("DAEDALUS_IDENTITY_NAME", &cfg.Identity.Name)
	setString("DAEDALUS_IDENTITY_CONTACT", &cfg.Identity.Contact)
	setString("DAEDALUS_METRICS_LISTEN", &cfg.Metrics.Listen)
	setString(EnvLogLegacy, &cfg.Logging.Level)
	setString(EnvLog, &cfg.Logging.Level)

	for key, dst := range map[string]*time.Duration{
		"DAEDALUS_CONNECT_TIMEOUT": &cfg.Connection.Timeout,
		"DAEDALUS_BACKOFF_BASE":    &cfg.Backoff.Base,
		"DAEDALUS_BACKOFF_MAX":     &cfg.Backoff.Max,
		"DAEDALUS_GRACE_PERIOD":    &cfg.Shutdown.GracePeriod,
	} {
		if err := setDuration(key, dst); err != nil {
			return err
		}
	}
	return nil
}

func (c Config) Validate() error {
	invalid := func(id string, data map[string]any) error {
		return fmt.Errorf("%w: %s", util.ErrConfigLoad, i18n.T(id, data))
	}

	if c.Connection.Endpoint == "" {
		return invalid("connection_endpoint_missing", nil)
	}
	endpoints, err := c.EndpointList()
	if err != nil {
		return err
	}
	for _, endpoint := range endpoints {
		if endpoint.Protocol == "ssh" && c.Connection.KeyFile == "" {
			return invalid("connection_keyfile_missing", nil)
		}
	}
	if c.Connection.Timeout <= 0 {
		return invalid("config_must_be_positive", map[string]any{"Field": "connection.timeout"})
	}
	if c.Backoff.Base <= 0 {
		return invalid("config_must_be_positive", map[string]any{"Field": "backoff.base"})
	}
	if c.Backoff.Max < c.Backoff.Base {
		return invalid("config_backoff_max_below_base", nil)
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		return invalid("config_jitter_range", nil)
	}
	if c.Backoff.MaxAttempts < 0 || c.Dispatch.MaxRetries < 0 || c.Dispatch.RateLimit < 0 {
		return invalid("config_negative", nil)
	}
	if c.Dispatch.Concurrency <= 0 {
		return invalid("config_must_be_positive", map[string]any{"Field": "dispatch.concurrency"})
	}
	if c.Shutdown.GracePeriod <= 0 {
		return invalid("config_must_be_positive", map[string]any{"Field": "shutdown.grace_period"})
	}
	return nil
}

// Endpoint parses connection.endpoint. Accepted forms are
// ssh://[user@]host[:port], tcp://host:port and host[:port] for ssh.
func (c Config) Endpoint() (Endpoint, error) {
	return ParseEndpoint(c.Connection.Endpoint)
}

// EndpointList parses connection.endpoint followed by connection.endpoints,
// in the order they are tried.
func (c Config) EndpointList() ([]Endpoint, error) {
	raw := append([]string{c.Connection.Endpoint}, c.Connection.Endpoints...)
	endpoints := make([]Endpoint, 0, len(raw))
	for _, r := range raw {
		ep, err := ParseEndpoint(r)
		if err != nil {
			return nil, err
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

func ParseEndpoint(raw string) (Endpoint, error) {
	invalid := func(reason string) (Endpoint, error) {
		return Endpoint{}, fmt.Errorf("%w: %s", util.ErrConfigLoad,
			i18n.T("connection_endpoint_invalid", map[string]any{"Endpoint": raw, "Reason": reason}))
	}

	ep := Endpoint{Protocol: "ssh"}
	rest := strings.TrimSpace(raw)
	if rest == "" {
		return invalid("empty")
	}

	if scheme, after, found := strings.Cut(rest, "://"); found {
		ep.Protocol = strings.ToLower(scheme)
		rest = after
	}
	switch ep.Protocol {
	case "ssh", "tcp":
	default:
		return invalid("unsupported scheme " + ep.Protocol)
	}

	if user, host, found := strings.Cut(rest, "@"); found {
		ep.User = user
		rest = host
	}
	rest = strings.TrimSuffix(rest, "/")

	host, portStr, err := net.SplitHostPort(rest)
	if err != nil {
		if ep.Protocol != "ssh" {
			return invalid("port required")
		}
		host, portStr = strings.Trim(rest, "[]"), strconv.Itoa(defaultPort)
	}
	if host == "" {
		return invalid("missing host")
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return invalid("bad port")
	}

	ep.Host = host
	ep.Port = port
	if ep.Protocol == "ssh" && ep.User == "" {
		ep.User = DefaultUser
	}
	return ep, nil
}

// UserAgent is the branding string sent in the handshake.
func (c Config) UserAgent(version string) string {
	return fmt.Sprintf("%s/daedalus/%s <%s>", c.Identity.Name, version, c.Identity.Contact)
}

func (c Config) LogLevel() slog.Level {
	return util.ParseLogLevel(c.Logging.Level, LogTarget)
}
