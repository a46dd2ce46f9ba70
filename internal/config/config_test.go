package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/rtun/internal/util"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// TestLoad covers reading the JSON file over the defaults.
func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("full file", func(t *testing.T) {
		path := filepath.Join(dir, "agent.json")
		writeFile(t, path, `{
			"packetServerHost": "tunnel.example.com",
			"packetServerPort": 7000,
			"targetHost": "127.0.0.1",
			"targetPort": 8080,
			"transport": "ws",
			"logLevel": "debug"
		}`)

		cfg, err := Load(path, false)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.PacketServerAddr() != "tunnel.example.com:7000" {
			t.Errorf("PacketServerAddr = %q", cfg.PacketServerAddr())
		}
		if cfg.TargetAddr() != "127.0.0.1:8080" {
			t.Errorf("TargetAddr = %q", cfg.TargetAddr())
		}
		if cfg.Transport != TransportWS {
			t.Errorf("Transport = %q, want ws", cfg.Transport)
		}
		if cfg.Level() != util.LevelDebug {
			t.Errorf("Level = %s, want debug", cfg.Level())
		}
		// Keys absent from the file keep their defaults.
		if cfg.LogFormat != "colorful" || cfg.StatsEvery() != 10*time.Second {
			t.Errorf("defaults lost: format=%q stats=%s", cfg.LogFormat, cfg.StatsEvery())
		}
	})

	t.Run("missing file allowed", func(t *testing.T) {
		cfg, err := Load(filepath.Join(dir, "absent.json"), true)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Transport != TransportTCP {
			t.Errorf("Transport = %q, want default tcp", cfg.Transport)
		}
	})

	t.Run("missing file required", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "absent.json"), false)
		if !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected ErrNotExist, got %v", err)
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		path := filepath.Join(dir, "typo.json")
		writeFile(t, path, `{"packetServerPrt": 7000}`)
		if _, err := Load(path, false); !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected ErrInvalid, got %v", err)
		}
	})

	t.Run("malformed JSON", func(t *testing.T) {
		path := filepath.Join(dir, "broken.json")
		writeFile(t, path, `{"packetServerPort": `)
		if _, err := Load(path, false); !errors.Is(err, ErrInvalid) {
			t.Fatalf("expected ErrInvalid, got %v", err)
		}
	})
}

// TestValidate covers the per-role required settings.
func TestValidate(t *testing.T) {
	testCases := []struct {
		name    string
		cfg     Config
		wantErr error
		mention string
	}{
		{
			name: "valid server",
			cfg:  Config{Role: RoleServer, PacketServerPort: 7000, ProxyServerPort: 8000},
		},
		{
			name: "valid agent",
			cfg: Config{Role: RoleAgent, PacketServerHost: "h", PacketServerPort: 7000,
				TargetHost: "127.0.0.1", TargetPort: 22, Transport: TransportWebRTC},
		},
		{
			name:    "missing role",
			cfg:     Config{},
			wantErr: ErrMissing,
			mention: "role",
		},
		{
			name:    "unknown role",
			cfg:     Config{Role: "relay"},
			wantErr: ErrInvalid,
			mention: "relay",
		},
		{
			name:    "server without proxy port",
			cfg:     Config{Role: RoleServer, PacketServerPort: 7000},
			wantErr: ErrMissing,
			mention: "proxyServerPort",
		},
		{
			name:    "agent without target host",
			cfg:     Config{Role: RoleAgent, PacketServerHost: "h", PacketServerPort: 7000, TargetPort: 22},
			wantErr: ErrMissing,
			mention: "targetHost",
		},
		{
			name:    "port out of range",
			cfg:     Config{Role: RoleServer, PacketServerPort: 70000, ProxyServerPort: 8000},
			wantErr: ErrInvalid,
			mention: "packetServerPort",
		},
		{
			name:    "unknown transport",
			cfg:     Config{Role: RoleServer, PacketServerPort: 7000, ProxyServerPort: 8000, Transport: "quic"},
			wantErr: ErrInvalid,
			mention: "quic",
		},
		{
			name:    "unknown log level",
			cfg:     Config{Role: RoleServer, PacketServerPort: 7000, ProxyServerPort: 8000, LogLevel: "loud"},
			wantErr: ErrInvalid,
			mention: "logLevel",
		},
		{
			name:    "negative stats interval",
			cfg:     Config{Role: RoleServer, PacketServerPort: 7000, ProxyServerPort: 8000, StatsInterval: -1},
			wantErr: ErrInvalid,
			mention: "statsInterval",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg.Validate()
			if tc.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate failed: %v", err)
				}
				return
			}
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("Validate = %v, want %v", err, tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.mention) {
				t.Errorf("error %q should mention %q", err, tc.mention)
			}
		})
	}
}

// TestValidateDefaultsTransport verifies that an empty transport means tcp.
func TestValidateDefaultsTransport(t *testing.T) {
	cfg := Config{Role: RoleServer, PacketServerPort: 7000, ProxyServerPort: 8000}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if cfg.Transport != TransportTCP {
		t.Fatalf("Transport = %q, want tcp", cfg.Transport)
	}
}

// TestParse covers the flag overlay on top of the file.
func TestParse(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.json")
	writeFile(t, path, `{"role": "server", "packetServerPort": 7000, "proxyServerPort": 8000, "logLevel": "error"}`)

	t.Run("flags override set keys only", func(t *testing.T) {
		cfg, used, err := Parse("rtun", []string{"-config", path, "-proxyPort", "9000", "-ice", "stun:a:3478, stun:b:3478"})
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if used != path {
			t.Errorf("path = %q, want %q", used, path)
		}
		if cfg.ProxyServerPort != 9000 {
			t.Errorf("ProxyServerPort = %d, want 9000", cfg.ProxyServerPort)
		}
		if cfg.PacketServerPort != 7000 || cfg.LogLevel != "error" {
			t.Errorf("file values lost: port=%d level=%q", cfg.PacketServerPort, cfg.LogLevel)
		}
		if len(cfg.ICEServers) != 2 || cfg.ICEServers[1] != "stun:b:3478" {
			t.Errorf("ICEServers = %q", cfg.ICEServers)
		}
	})

	t.Run("debug flag", func(t *testing.T) {
		cfg, _, err := Parse("rtun", []string{"-config", path, "-debug"})
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if cfg.Level() != util.LevelDebug {
			t.Errorf("Level = %s, want debug", cfg.Level())
		}
	})

	t.Run("flags only", func(t *testing.T) {
		t.Chdir(t.TempDir())
		cfg, _, err := Parse("rtun", []string{
			"-role", "agent", "-packetHost", "example.com", "-packetPort", "7000",
			"-targetHost", "localhost", "-targetPort", "22", "-transport", "webrtc",
		})
		if err != nil {
			t.Fatalf("Parse failed: %v", err)
		}
		if cfg.Role != RoleAgent || cfg.Transport != TransportWebRTC || cfg.TargetAddr() != "localhost:22" {
			t.Errorf("unexpected config %+v", cfg)
		}
	})

	t.Run("explicit missing file", func(t *testing.T) {
		_, _, err := Parse("rtun", []string{"-config", filepath.Join(dir, "nope.json")})
		if !errors.Is(err, os.ErrNotExist) {
			t.Fatalf("expected ErrNotExist, got %v", err)
		}
	})

	t.Run("invalid result", func(t *testing.T) {
		_, _, err := Parse("rtun", []string{"-config", path, "-role", "agent"})
		if !errors.Is(err, ErrMissing) {
			t.Fatalf("expected ErrMissing, got %v", err)
		}
	})
}

// TestWatchReloads verifies that rewriting the file delivers the new
// settings to apply.
func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"logLevel": "info"}`)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var levels []util.LogLevel
	err := Watch(ctx, path, util.Discard, func(cfg Config) {
		mu.Lock()
		levels = append(levels, cfg.Level())
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}

	// Unrelated files in the directory are ignored.
	writeFile(t, filepath.Join(dir, "other.json"), `{}`)
	writeFile(t, path, `{"logLevel": "debug"}`)

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		last := util.LevelInfo
		if len(levels) > 0 {
			last = levels[len(levels)-1]
		}
		mu.Unlock()
		if last == util.LevelDebug {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("reload was not applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
