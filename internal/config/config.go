// Package config loads the process configuration from a JSON file overlaid
// by command-line flags.
package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/1ureka/rtun/internal/util"
)

// DefaultPath is the configuration file read when -config is not given.
const DefaultPath = "config.json"

var (
	ErrMissing = errors.New("missing required setting")
	ErrInvalid = errors.New("invalid setting")
)

// Role selects which half of the tunnel the process runs.
type Role string

const (
	RoleServer Role = "server"
	RoleAgent  Role = "agent"
)

// Transport selects how the tunnel stream is carried.
type Transport string

const (
	TransportTCP    Transport = "tcp"
	TransportWS     Transport = "ws"
	TransportWebRTC Transport = "webrtc"
)

// Config stores every setting of a server or agent process.
type Config struct {
	Role Role `json:"role,omitempty"`

	PacketServerHost string `json:"packetServerHost"` // agent: dial target; server: bind address
	PacketServerPort int    `json:"packetServerPort"`
	ProxyServerHost  string `json:"proxyServerHost"` // server: external bind address
	ProxyServerPort  int    `json:"proxyServerPort"`
	TargetHost       string `json:"targetHost"` // agent: local service sessions are replayed to
	TargetPort       int    `json:"targetPort"`

	Transport  Transport `json:"transport"`
	ICEServers []string  `json:"iceServers,omitempty"`

	LogLevel      string `json:"logLevel"`
	LogFormat     string `json:"logFormat"`
	StatsInterval int    `json:"statsInterval"` // seconds; 0 disables
}

// Default returns the settings used for keys absent from the file.
func Default() Config {
	return Config{
		Transport:     TransportTCP,
		LogLevel:      "info",
		LogFormat:     "colorful",
		StatsInterval: 10,
	}
}

// Load reads the JSON file at path over Default. A missing file is not an
// error when allowMissing is set.
func Load(path string, allowMissing bool) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		if allowMissing && errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("failed to open config: %w", err)
	}
	defer f.Close()

	if err := Decode(f, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Decode reads JSON settings from r into cfg, keeping fields the input
// does not mention.
func Decode(r io.Reader, cfg *Config) error {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Flags
// ---------------------------------------------------------------------------

// Parse builds the configuration from command-line args: -config names the
// file, and every other flag that is set overrides the file's value.
func Parse(name string, args []string) (Config, string, error) {
	fset := flag.NewFlagSet(name, flag.ContinueOnError)

	path := fset.String("config", DefaultPath, "Path to the JSON configuration file")
	role := fset.String("role", "", "Role: server or agent")
	packetHost := fset.String("packetHost", "", "Packet server host (agent: dial, server: bind)")
	packetPort := fset.Int("packetPort", 0, "Packet server port")
	proxyHost := fset.String("proxyHost", "", "External proxy bind host (server only)")
	proxyPort := fset.Int("proxyPort", 0, "External proxy bind port (server only)")
	targetHost := fset.String("targetHost", "", "Target service host (agent only)")
	targetPort := fset.Int("targetPort", 0, "Target service port (agent only)")
	transport := fset.String("transport", "", "Tunnel transport: tcp, ws or webrtc")
	ice := fset.String("ice", "", "Comma-separated STUN URLs for the webrtc transport")
	logLevel := fset.String("logLevel", "", "Log level: debug, info, error or none")
	logFormat := fset.String("logFormat", "", "Log format: colorful or json")
	stats := fset.Int("stats", 0, "Seconds between traffic reports, 0 disables")
	debug := fset.Bool("debug", false, "Enable debug logging (same as -logLevel debug)")

	if err := fset.Parse(args); err != nil {
		return Config{}, "", err
	}

	explicit := false
	fset.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})

	cfg, err := Load(*path, !explicit)
	if err != nil {
		return cfg, *path, err
	}

	fset.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "role":
			cfg.Role = Role(*role)
		case "packetHost":
			cfg.PacketServerHost = *packetHost
		case "packetPort":
			cfg.PacketServerPort = *packetPort
		case "proxyHost":
			cfg.ProxyServerHost = *proxyHost
		case "proxyPort":
			cfg.ProxyServerPort = *proxyPort
		case "targetHost":
			cfg.TargetHost = *targetHost
		case "targetPort":
			cfg.TargetPort = *targetPort
		case "transport":
			cfg.Transport = Transport(*transport)
		case "ice":
			cfg.ICEServers = splitList(*ice)
		case "logLevel":
			cfg.LogLevel = *logLevel
		case "logFormat":
			cfg.LogFormat = *logFormat
		case "stats":
			cfg.StatsInterval = *stats
		}
	})
	if *debug {
		cfg.LogLevel = "debug"
	}

	return cfg, *path, cfg.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Validation
// ---------------------------------------------------------------------------

// Validate checks the settings required by c.Role.
func (c *Config) Validate() error {
	var errs []error

	switch c.Role {
	case RoleServer:
		errs = append(errs,
			checkPort("packetServerPort", c.PacketServerPort),
			checkPort("proxyServerPort", c.ProxyServerPort),
		)
	case RoleAgent:
		errs = append(errs,
			checkHost("packetServerHost", c.PacketServerHost),
			checkPort("packetServerPort", c.PacketServerPort),
			checkHost("targetHost", c.TargetHost),
			checkPort("targetPort", c.TargetPort),
		)
	case "":
		errs = append(errs, fmt.Errorf("%w: role", ErrMissing))
	default:
		errs = append(errs, fmt.Errorf("%w: role %q (must be server or agent)", ErrInvalid, c.Role))
	}

	switch c.Transport {
	case TransportTCP, TransportWS, TransportWebRTC:
	case "":
		c.Transport = TransportTCP
	default:
		errs = append(errs, fmt.Errorf("%w: transport %q (must be tcp, ws or webrtc)", ErrInvalid, c.Transport))
	}

	if _, err := util.ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("%w: logLevel: %w", ErrInvalid, err))
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "colorful", "json":
	default:
		errs = append(errs, fmt.Errorf("%w: logFormat %q (must be colorful or json)", ErrInvalid, c.LogFormat))
	}
	if c.StatsInterval < 0 {
		errs = append(errs, fmt.Errorf("%w: statsInterval %d", ErrInvalid, c.StatsInterval))
	}

	return errors.Join(errs...)
}

func checkPort(key string, port int) error {
	switch {
	case port == 0:
		return fmt.Errorf("%w: %s", ErrMissing, key)
	case port < 1 || port > 65535:
		return fmt.Errorf("%w: %s %d (must be 1~65535)", ErrInvalid, key, port)
	}
	return nil
}

func checkHost(key, host string) error {
	if strings.TrimSpace(host) == "" {
		return fmt.Errorf("%w: %s", ErrMissing, key)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Derived values
// ---------------------------------------------------------------------------

// PacketServerAddr is the host:port of the tunnel endpoint.
func (c *Config) PacketServerAddr() string {
	return net.JoinHostPort(c.PacketServerHost, strconv.Itoa(c.PacketServerPort))
}

// ProxyServerAddr is the host:port external clients connect to.
func (c *Config) ProxyServerAddr() string {
	return net.JoinHostPort(c.ProxyServerHost, strconv.Itoa(c.ProxyServerPort))
}

// TargetAddr is the host:port of the agent's target service.
func (c *Config) TargetAddr() string {
	return net.JoinHostPort(c.TargetHost, strconv.Itoa(c.TargetPort))
}

// Level returns the parsed log level, LevelInfo when invalid.
func (c *Config) Level() util.LogLevel {
	lv, _ := util.ParseLogLevel(c.LogLevel)
	return lv
}

// StatsEvery returns the stats report interval.
func (c *Config) StatsEvery() time.Duration {
	return time.Duration(c.StatsInterval) * time.Second
}
