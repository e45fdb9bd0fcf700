package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	EnvTunnelPort           = "CNCRELAY_TUNNEL_PORT"
	EnvReflectionPort       = "CNCRELAY_REFLECTION_PORT"
	EnvMaxClients           = "CNCRELAY_MAX_CLIENTS"
	EnvIPLimit              = "CNCRELAY_IP_LIMIT"
	EnvName                 = "CNCRELAY_NAME"
	EnvMasterURL            = "CNCRELAY_MASTER_URL"
	EnvMasterPassword       = "CNCRELAY_MASTER_PASSWORD"
	EnvMaintenancePassword  = "CNCRELAY_MAINTENANCE_PASSWORD"
	EnvNoMasterAnnounce     = "CNCRELAY_NO_MASTER_ANNOUNCE"
	EnvClientTimeoutSeconds = "CNCRELAY_CLIENT_TIMEOUT_SECS"

	EnvMode            = "CNCRELAY_MODE"
	EnvLogFormat       = "CNCRELAY_LOG_FORMAT"
	EnvLogLevel        = "CNCRELAY_LOG_LEVEL"
	EnvShutdownTimeout = "CNCRELAY_SHUTDOWN_TIMEOUT"
	EnvMetricsAddr     = "CNCRELAY_METRICS_ADDR"

	// DefaultTunnelPort is used whenever the configured tunnel_port is <=
	// 1024 - privileged ports are refused rather than attempted.
	DefaultTunnelPort = 50001
	// DefaultReflectionPort has no coercion rule; it is simply the value
	// used when the operator leaves it unset.
	DefaultReflectionPort = 50000
	// DefaultMaxClients is substituted whenever the configured max_clients
	// is below the 2-client lower bound.
	DefaultMaxClients = 200
	// DefaultIPLimit is substituted whenever the configured ip_limit is
	// below the 1-client lower bound.
	DefaultIPLimit = 8
	// DefaultName is reported to the directory whenever name is empty after
	// semicolon stripping.
	DefaultName = "Unnamed server"
	// DefaultClientTimeoutSeconds bounds how long an admitted client may go
	// without sending any datagram before the heartbeat evicts it.
	DefaultClientTimeoutSeconds = 60

	DefaultShutdownTimeout      = 15 * time.Second
	DefaultMode            Mode = ModeDev
	// DefaultMetricsAddr is where the Prometheus exposition handler listens;
	// empty disables it entirely.
	DefaultMetricsAddr = ""
)

// Mode selects the process's default log format/level, mirroring the dev/
// prod split an operator expects from a small network service.
type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

// LogFormat selects the slog.Handler constructed by NewLogger.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// Config is the fully validated, defaulted configuration for one relay
// process. Every coercion rule documented on its fields has already been
// applied by the time Load returns it.
type Config struct {
	TunnelPort     int
	ReflectionPort int
	MaxClients     int
	IPLimit        int
	ClientTimeout  time.Duration

	Name                string
	MasterURL           string
	MasterPassword      string
	MaintenancePassword string
	NoMasterAnnounce    bool

	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	MetricsAddr     string
}

// Load parses os.Args-style arguments and the process environment into a
// Config. errors.Is(err, flag.ErrHelp) distinguishes a requested -h/-help
// from an actual validation failure; callers should exit 0 on the former.
func Load(args []string) (Config, error) {
	return load(func(key string) (string, bool) { return os.LookupEnv(key) }, args)
}

// load is the testable core of Load: lookup is injected so tests can supply
// a fake environment without mutating process state.
func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, EnvMode, string(DefaultMode))

	logFormatDefault, envLogFormatSet := lookup(EnvLogFormat)
	logLevelDefault, envLogLevelSet := lookup(EnvLogLevel)

	tunnelPortDefault, err := envIntOrDefault(lookup, EnvTunnelPort, DefaultTunnelPort)
	if err != nil {
		return Config{}, err
	}
	reflectionPortDefault, err := envIntOrDefault(lookup, EnvReflectionPort, DefaultReflectionPort)
	if err != nil {
		return Config{}, err
	}
	maxClientsDefault, err := envIntOrDefault(lookup, EnvMaxClients, DefaultMaxClients)
	if err != nil {
		return Config{}, err
	}
	ipLimitDefault, err := envIntOrDefault(lookup, EnvIPLimit, DefaultIPLimit)
	if err != nil {
		return Config{}, err
	}
	clientTimeoutDefault, err := envIntOrDefault(lookup, EnvClientTimeoutSeconds, DefaultClientTimeoutSeconds)
	if err != nil {
		return Config{}, err
	}
	nameDefault := envOrDefault(lookup, EnvName, "")
	masterURLDefault := envOrDefault(lookup, EnvMasterURL, "")
	masterPasswordDefault := envOrDefault(lookup, EnvMasterPassword, "")
	maintenancePasswordDefault := envOrDefault(lookup, EnvMaintenancePassword, "")
	metricsAddrDefault := envOrDefault(lookup, EnvMetricsAddr, DefaultMetricsAddr)

	noMasterAnnounceDefault := false
	if raw, ok := lookup(EnvNoMasterAnnounce); ok && strings.TrimSpace(raw) != "" {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvNoMasterAnnounce, raw, err)
		}
		noMasterAnnounceDefault = v
	}

	shutdownTimeout := DefaultShutdownTimeout
	if raw, ok := lookup(EnvShutdownTimeout); ok && strings.TrimSpace(raw) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvShutdownTimeout, raw, err)
		}
		shutdownTimeout = d
	}

	fs := flag.NewFlagSet("cncrelay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string

		tunnelPort     int
		reflectionPort int
		maxClients     int
		ipLimit        int
		clientTimeout  int

		name                string
		masterURL           string
		masterPassword      string
		maintenancePassword string
		noMasterAnnounce    bool
		metricsAddr         string
	)

	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod ("+EnvMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json ("+EnvLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error ("+EnvLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout")

	fs.IntVar(&tunnelPort, "tunnel-port", tunnelPortDefault, "UDP port for the tunnel relay ("+EnvTunnelPort+")")
	fs.IntVar(&reflectionPort, "reflection-port", reflectionPortDefault, "UDP port for the reflection responder ("+EnvReflectionPort+")")
	fs.IntVar(&maxClients, "max-clients", maxClientsDefault, "Maximum admitted clients ("+EnvMaxClients+")")
	fs.IntVar(&ipLimit, "ip-limit", ipLimitDefault, "Maximum admitted clients per source IP ("+EnvIPLimit+")")
	fs.IntVar(&clientTimeout, "client-timeout-secs", clientTimeoutDefault, "Idle timeout in seconds before a client is evicted ("+EnvClientTimeoutSeconds+")")

	fs.StringVar(&name, "name", nameDefault, "Instance name reported to the directory ("+EnvName+")")
	fs.StringVar(&masterURL, "master-url", masterURLDefault, "Directory service URL ("+EnvMasterURL+")")
	fs.StringVar(&masterPassword, "master-password", masterPasswordDefault, "Directory service credential ("+EnvMasterPassword+")")
	fs.StringVar(&maintenancePassword, "maintenance-password", maintenancePasswordDefault, "Password gating the maintenance command; empty disables it ("+EnvMaintenancePassword+")")
	fs.BoolVar(&noMasterAnnounce, "no-master-announce", noMasterAnnounceDefault, "Skip the directory HTTP announce step ("+EnvNoMasterAnnounce+")")
	fs.StringVar(&metricsAddr, "metrics-addr", metricsAddrDefault, "Address to serve Prometheus metrics on; empty disables it ("+EnvMetricsAddr+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(mode)
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(mode)
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if tunnelPort <= 1024 {
		tunnelPort = DefaultTunnelPort
	}
	if maxClients < 2 {
		maxClients = DefaultMaxClients
	}
	if ipLimit < 1 {
		ipLimit = DefaultIPLimit
	}
	if clientTimeout <= 0 {
		clientTimeout = DefaultClientTimeoutSeconds
	}

	name = strings.ReplaceAll(name, ";", "")
	if name == "" {
		name = DefaultName
	}

	if !noMasterAnnounce {
		if strings.TrimSpace(masterURL) == "" {
			return Config{}, fmt.Errorf("%s/--master-url must be set unless %s/--no-master-announce is set", EnvMasterURL, EnvNoMasterAnnounce)
		}
		if _, err := url.Parse(masterURL); err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", EnvMasterURL, masterURL, err)
		}
	}

	return Config{
		TunnelPort:     tunnelPort,
		ReflectionPort: reflectionPort,
		MaxClients:     maxClients,
		IPLimit:        ipLimit,
		ClientTimeout:  time.Duration(clientTimeout) * time.Second,

		Name:                name,
		MasterURL:           masterURL,
		MasterPassword:      masterPassword,
		MaintenancePassword: maintenancePassword,
		NoMasterAnnounce:    noMasterAnnounce,

		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		MetricsAddr:     metricsAddr,
	}, nil
}

// NewLogger constructs the process-wide slog.Logger described by cfg.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
}
