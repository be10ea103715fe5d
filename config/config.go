// Package config loads the qmid configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/ardnew/softqmi/pkg"
	"github.com/ardnew/softqmi/qmi"
)

const (
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultInterface       = 8
	defaultTransferTimeout = 5 * time.Second
	defaultMaxQueued       = 64
)

// DefaultSocket is the daemon socket path when none is configured.
const DefaultSocket = "/run/qmid/qmid.sock"

// Environment variables that override file values.
const (
	EnvLogLevel = "QMID_LOG_LEVEL"
	EnvSocket   = "QMID_SOCKET"
	EnvDevice   = "QMID_DEVICE"
	EnvMetrics  = "QMID_METRICS"
)

// Duration is a time.Duration written as a string such as "30s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Logging is the logging configuration.
type Logging struct {
	// Level is one of debug, info, warn or error.
	Level string

	// Format is text or json.
	Format string

	// File specifies the log file, if omitted stderr will be used.
	File string
}

func (l *Logging) validate() error {
	lvl := strings.ToLower(l.Level)
	switch lvl {
	case "debug", "info", "warn", "error":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", l.Level)
	}
	l.Level = lvl

	switch strings.ToLower(l.Format) {
	case "":
		l.Format = defaultLogFormat
	case "text", "json":
		l.Format = strings.ToLower(l.Format)
	default:
		return fmt.Errorf("config: Logging: Format '%v' is invalid", l.Format)
	}
	return nil
}

// Device selects the modem.
type Device struct {
	// Path is "bus/dev" (e.g. "001/004") or "vid:pid" (e.g. "22b8:2a70").
	Path string

	// Interface is the QMI control interface number.
	Interface int

	// InterruptEndpoint overrides endpoint discovery when non-zero.
	InterruptEndpoint int

	// TransferTimeout bounds a single USB transfer.
	TransferTimeout Duration

	// Simulate runs against an in-process simulated modem instead.
	Simulate bool
}

func (d *Device) fixup() {
	if d.Interface == 0 {
		d.Interface = defaultInterface
	}
	if d.TransferTimeout.Duration == 0 {
		d.TransferTimeout.Duration = defaultTransferTimeout
	}
}

func (d *Device) validate() error {
	if !d.Simulate && d.Path == "" {
		return errors.New("config: Device: Path is required unless Simulate is set")
	}
	if d.Interface < 0 || d.Interface > 255 {
		return fmt.Errorf("config: Device: Interface %d is out of range", d.Interface)
	}
	if d.InterruptEndpoint < 0 || d.InterruptEndpoint > 255 {
		return fmt.Errorf("config: Device: InterruptEndpoint %d is out of range", d.InterruptEndpoint)
	}
	if d.InterruptEndpoint != 0 && d.InterruptEndpoint&0x80 == 0 {
		return fmt.Errorf("config: Device: InterruptEndpoint 0x%02X is not an IN endpoint", d.InterruptEndpoint)
	}
	return nil
}

// QMI tunes the multiplexer.
type QMI struct {
	// ReadyTimeout bounds the readiness handshake.
	ReadyTimeout Duration

	// PollInterval spaces readiness probes.
	PollInterval Duration

	// FirmwareDelay pauses after the handshake. Modems running firmware
	// older than 3580 need about 5s.
	FirmwareDelay Duration

	// MaxQueued caps the inbound messages queued per client.
	MaxQueued int

	// MaxClients caps the number of registered clients. Zero is unbounded.
	MaxClients int

	// WatchLink starts the WDS link watcher. Defaults to true.
	WatchLink *bool

	// ReadMEID reads the MEID during bring-up. Defaults to true.
	ReadMEID *bool
}

func (q *QMI) fixup() {
	if q.ReadyTimeout.Duration == 0 {
		q.ReadyTimeout.Duration = qmi.DefaultReadyTimeout
	}
	if q.PollInterval.Duration == 0 {
		q.PollInterval.Duration = qmi.DefaultPollInterval
	}
	if q.MaxQueued == 0 {
		q.MaxQueued = defaultMaxQueued
	}
	if q.WatchLink == nil {
		q.WatchLink = boolPtr(true)
	}
	if q.ReadMEID == nil {
		q.ReadMEID = boolPtr(true)
	}
}

func (q *QMI) validate() error {
	switch {
	case q.PollInterval.Duration > q.ReadyTimeout.Duration:
		return fmt.Errorf("config: QMI: PollInterval %v exceeds ReadyTimeout %v",
			q.PollInterval.Duration, q.ReadyTimeout.Duration)
	case q.FirmwareDelay.Duration < 0:
		return errors.New("config: QMI: FirmwareDelay is negative")
	case q.MaxQueued < 0:
		return errors.New("config: QMI: MaxQueued is negative")
	case q.MaxClients < 0:
		return errors.New("config: QMI: MaxClients is negative")
	}
	return nil
}

// Options converts the section into device options.
func (q *QMI) Options() []qmi.Option {
	return []qmi.Option{
		qmi.WithReadyTimeout(q.ReadyTimeout.Duration),
		qmi.WithPollInterval(q.PollInterval.Duration),
		qmi.WithFirmwareDelay(q.FirmwareDelay.Duration),
		qmi.WithMaxQueued(q.MaxQueued),
		qmi.WithMaxClients(q.MaxClients),
		qmi.WithLinkWatcher(*q.WatchLink),
		qmi.WithMEID(*q.ReadMEID),
	}
}

// Server is the local socket configuration.
type Server struct {
	// Socket is the unix socket path.
	Socket string
}

// Metrics is the prometheus endpoint configuration.
type Metrics struct {
	// Address is the listen address, e.g. "127.0.0.1:9120". Empty disables
	// the endpoint.
	Address string

	// Profile also serves /debug/pprof/ on Address.
	Profile bool
}

// Config is the top level qmid configuration.
type Config struct {
	Logging *Logging
	Device  *Device
	QMI     *QMI
	Server  *Server
	Metrics *Metrics
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration sections.
func (c *Config) FixupAndValidate() error {
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if c.Device == nil {
		return errors.New("config: No Device block was present")
	}
	if c.QMI == nil {
		c.QMI = &QMI{}
	}
	if c.Server == nil {
		c.Server = &Server{}
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}

	c.Device.fixup()
	c.QMI.fixup()
	if c.Server.Socket == "" {
		c.Server.Socket = DefaultSocket
	}

	if err := c.Logging.validate(); err != nil {
		return err
	}
	if err := c.Device.validate(); err != nil {
		return err
	}
	return c.QMI.validate()
}

// ApplyEnv loads envFile, if it exists, and overrides file values with
// QMID_* environment variables. Variables already set in the environment
// take precedence over the file.
func (c *Config) ApplyEnv(envFile string) error {
	if envFile != "" {
		switch err := godotenv.Load(envFile); {
		case err == nil:
			pkg.LogDebug(pkg.ComponentConfig, "environment file loaded", "path", envFile)
		case !errors.Is(err, os.ErrNotExist):
			return fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}

	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if c.Server == nil {
		c.Server = &Server{}
	}
	if c.Metrics == nil {
		c.Metrics = &Metrics{}
	}

	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		c.Logging.Level = v
	}
	if v, ok := os.LookupEnv(EnvSocket); ok {
		c.Server.Socket = v
	}
	if v, ok := os.LookupEnv(EnvMetrics); ok {
		c.Metrics.Address = v
	}
	if v, ok := os.LookupEnv(EnvDevice); ok {
		if c.Device == nil {
			c.Device = &Device{}
		}
		if sim, err := strconv.ParseBool(v); err == nil && sim {
			c.Device.Simulate = true
		} else {
			c.Device.Path = v
		}
	}
	return nil
}

// Parse decodes b without validating it. Callers adjust the result and
// then call FixupAndValidate.
func Parse(b []byte) (*Config, error) {
	cfg := new(Config)
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses and validates the provided buffer b as a config file body and
// returns the Config.
func Load(b []byte) (*Config, error) {
	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns the
// Config. Environment overrides from envFile and QMID_* are applied before
// validation.
func LoadFile(f, envFile string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(b)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(envFile); err != nil {
		return nil, err
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a validated configuration for the simulated modem.
func Default() *Config {
	cfg := &Config{Device: &Device{Simulate: true}}
	if err := cfg.FixupAndValidate(); err != nil {
		panic(err)
	}
	return cfg
}

func boolPtr(b bool) *bool { return &b }
