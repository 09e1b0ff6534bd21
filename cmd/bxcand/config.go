package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-bxcan/internal/bxcan"
	"github.com/kstaniek/go-bxcan/internal/hub"
	"github.com/kstaniek/go-bxcan/internal/logging"
	"github.com/kstaniek/go-bxcan/internal/serial"
)

const envPrefix = "BXCAND_"

type appConfig struct {
	bitrate         uint32
	pclk            uint32
	loopback        bool
	silent          bool
	wire            string
	canIf           string
	serialDev       string
	baud            int
	serialReadTO    time.Duration
	listenAddr      string
	txTimeout       time.Duration
	rxPoll          time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
	flushInterval   time.Duration
	batchSize       int
	txAllow         string
}

func defaultConfig() *appConfig {
	return &appConfig{
		bitrate:       1000000,
		pclk:          bxcan.DefaultPeripheralClock,
		wire:          "virtual",
		canIf:         "can0",
		serialDev:     "/dev/ttyACM0",
		baud:          115200,
		serialReadTO:  50 * time.Millisecond,
		listenAddr:    ":20000",
		txTimeout:     10 * time.Millisecond,
		rxPoll:        5 * time.Millisecond,
		logFormat:     "text",
		logLevel:      "info",
		hubBuffer:     512,
		hubPolicy:     "drop",
		handshakeTO:   3 * time.Second,
		clientReadTO:  60 * time.Second,
		flushInterval: 5 * time.Millisecond,
		batchSize:     64,
	}
}

func (c *appConfig) mode() bxcan.Mode {
	var m bxcan.Mode
	if c.loopback {
		m |= bxcan.ModeLoopback
	}
	if c.silent {
		m |= bxcan.ModeSilent
	}
	return m
}

// parseFlags returns nil config on a configuration error (already reported).
func parseFlags(fs *flag.FlagSet, args []string) (*appConfig, bool) {
	cfg := defaultConfig()
	var bitrate, pclk uint
	fs.UintVar(&bitrate, "bitrate", uint(cfg.bitrate), "CAN bitrate in bit/s")
	fs.UintVar(&pclk, "pclk", uint(cfg.pclk), "CAN peripheral clock in Hz")
	fs.BoolVar(&cfg.loopback, "loopback", false, "Echo local transmissions back to clients")
	fs.BoolVar(&cfg.silent, "silent", false, "Listen-only mode")
	fs.StringVar(&cfg.wire, "wire", cfg.wire, "Bus attachment: virtual|socketcan|slcan")
	fs.StringVar(&cfg.canIf, "can-if", cfg.canIf, "SocketCAN interface (when -wire=socketcan)")
	fs.StringVar(&cfg.serialDev, "serial", cfg.serialDev, "SLCAN serial device (when -wire=slcan)")
	fs.IntVar(&cfg.baud, "baud", cfg.baud, "Serial baud rate")
	fs.DurationVar(&cfg.serialReadTO, "serial-read-timeout", cfg.serialReadTO, "Serial read timeout")
	fs.StringVar(&cfg.listenAddr, "listen", cfg.listenAddr, "TCP listen address")
	fs.DurationVar(&cfg.txTimeout, "tx-timeout", cfg.txTimeout, "How long a client frame may wait for a mailbox")
	fs.DurationVar(&cfg.rxPoll, "rx-poll", cfg.rxPoll, "Receive wait per RX pump iteration")
	fs.StringVar(&cfg.logFormat, "log-format", cfg.logFormat, "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", cfg.logLevel, "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.IntVar(&cfg.hubBuffer, "hub-buffer", cfg.hubBuffer, "Per-client hub buffer (frames)")
	fs.StringVar(&cfg.hubPolicy, "hub-policy", cfg.hubPolicy, "Backpressure policy: drop|kick")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.IntVar(&cfg.maxClients, "max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	fs.DurationVar(&cfg.handshakeTO, "handshake-timeout", cfg.handshakeTO, "Client handshake timeout")
	fs.DurationVar(&cfg.clientReadTO, "client-read-timeout", cfg.clientReadTO, "Per-connection read deadline")
	fs.DurationVar(&cfg.flushInterval, "flush-interval", cfg.flushInterval, "Max delay before queued bus frames are written to a client")
	fs.IntVar(&cfg.batchSize, "batch-size", cfg.batchSize, "Bus frames per client write before an early flush")
	fs.StringVar(&cfg.txAllow, "tx-allow", "", "Client frame ids allowed onto the bus, e.g. 0x100/0x700,0x18DAF110 (empty allows all)")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Enable mDNS advertisement")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default bxcand-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, false
	}
	cfg.bitrate, cfg.pclk = uint32(bitrate), uint32(pclk)

	// Flags given on the command line win over the environment.
	setFlags := map[string]struct{}{}
	fs.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Fprintf(os.Stderr, "environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate checks values and ranges; it opens no devices or listeners.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	if _, err := logging.ParseLevel(c.logLevel); err != nil {
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	if _, err := bxcan.ComputeTimings(c.bitrate, c.pclk); err != nil {
		return fmt.Errorf("bitrate %d at pclk %d: %w", c.bitrate, c.pclk, err)
	}
	switch c.wire {
	case "virtual", "socketcan":
	case "slcan":
		if _, err := serial.BitrateCommand(c.bitrate); err != nil {
			return err
		}
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
		if c.serialReadTO <= 0 {
			return fmt.Errorf("serial-read-timeout must be > 0")
		}
	default:
		return fmt.Errorf("invalid wire: %s", c.wire)
	}
	if _, err := hub.ParsePolicy(c.hubPolicy); err != nil || c.hubPolicy == "" {
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.txTimeout < 0 {
		return fmt.Errorf("tx-timeout must be >= 0")
	}
	if c.rxPoll <= 0 {
		return fmt.Errorf("rx-poll must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	if c.flushInterval <= 0 {
		return fmt.Errorf("flush-interval must be > 0")
	}
	if c.batchSize <= 0 {
		return fmt.Errorf("batch-size must be > 0 (got %d)", c.batchSize)
	}
	if _, err := parseTxAllow(c.txAllow); err != nil {
		return fmt.Errorf("invalid tx-allow: %w", err)
	}
	return nil
}

// envOverrides applies BXCAND_<FLAG> variables to flags not set explicitly.
// Empty values are ignored; the first parse error is kept.
type envOverrides struct {
	set      map[string]struct{}
	firstErr error
}

func envKey(flagName string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

func (e *envOverrides) lookup(flagName string, allowEmpty bool) (string, bool) {
	if _, ok := e.set[flagName]; ok {
		return "", false
	}
	v, ok := os.LookupEnv(envKey(flagName))
	v = strings.TrimSpace(v)
	return v, ok && (allowEmpty || v != "")
}

func (e *envOverrides) fail(flagName string, err error) {
	if e.firstErr == nil {
		e.firstErr = fmt.Errorf("invalid %s: %w", envKey(flagName), err)
	}
}

func (e *envOverrides) str(flagName string, dst *string) {
	if v, ok := e.lookup(flagName, false); ok {
		*dst = v
	}
}

func (e *envOverrides) integer(flagName string, dst *int) {
	if v, ok := e.lookup(flagName, false); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(flagName, err)
			return
		}
		*dst = n
	}
}

func (e *envOverrides) uint32(flagName string, dst *uint32) {
	if v, ok := e.lookup(flagName, false); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			e.fail(flagName, err)
			return
		}
		*dst = uint32(n)
	}
}

func (e *envOverrides) duration(flagName string, dst *time.Duration) {
	if v, ok := e.lookup(flagName, false); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(flagName, err)
			return
		}
		*dst = d
	}
}

func (e *envOverrides) boolean(flagName string, dst *bool) {
	if v, ok := e.lookup(flagName, false); ok {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst = true
		case "0", "false", "no", "off":
			*dst = false
		default:
			e.fail(flagName, fmt.Errorf("not a boolean: %q", v))
		}
	}
}

func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	e := &envOverrides{set: set}
	e.uint32("bitrate", &c.bitrate)
	e.uint32("pclk", &c.pclk)
	e.boolean("loopback", &c.loopback)
	e.boolean("silent", &c.silent)
	e.str("wire", &c.wire)
	e.str("can-if", &c.canIf)
	e.str("serial", &c.serialDev)
	e.integer("baud", &c.baud)
	e.duration("serial-read-timeout", &c.serialReadTO)
	e.str("listen", &c.listenAddr)
	e.duration("tx-timeout", &c.txTimeout)
	e.duration("rx-poll", &c.rxPoll)
	e.str("log-format", &c.logFormat)
	e.str("log-level", &c.logLevel)
	// An empty BXCAND_METRICS_ADDR disables the endpoint.
	if v, ok := e.lookup("metrics-addr", true); ok {
		c.metricsAddr = v
	}
	e.integer("hub-buffer", &c.hubBuffer)
	e.str("hub-policy", &c.hubPolicy)
	e.duration("log-metrics-interval", &c.logMetricsEvery)
	e.integer("max-clients", &c.maxClients)
	e.duration("handshake-timeout", &c.handshakeTO)
	e.duration("client-read-timeout", &c.clientReadTO)
	e.duration("flush-interval", &c.flushInterval)
	e.integer("batch-size", &c.batchSize)
	e.str("tx-allow", &c.txAllow)
	e.boolean("mdns-enable", &c.mdnsEnable)
	e.str("mdns-name", &c.mdnsName)
	return e.firstErr
}
