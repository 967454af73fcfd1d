/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	clearEnvVars()
	defer clearEnvVars()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	// Test server defaults
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if cfg.Server.Port != 6790 {
		t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 6790)
	}
	if cfg.Server.GRPCPort != 0 {
		t.Errorf("Server.GRPCPort = %d, want 0", cfg.Server.GRPCPort)
	}
	if cfg.Server.Platform != PlatformFly {
		t.Errorf("Server.Platform = %q, want %q", cfg.Server.Platform, PlatformFly)
	}

	// Test upstream defaults
	if cfg.Upstream.URL != DefaultUpstreamURL {
		t.Errorf("Upstream.URL = %q, want %q", cfg.Upstream.URL, DefaultUpstreamURL)
	}
	if cfg.Upstream.ProxyTimeout != 15*time.Second {
		t.Errorf("Upstream.ProxyTimeout = %s, want 15s", cfg.Upstream.ProxyTimeout)
	}
	if cfg.Upstream.SynthTimeout != 10*time.Second {
		t.Errorf("Upstream.SynthTimeout = %s, want 10s", cfg.Upstream.SynthTimeout)
	}
	if len(cfg.Upstream.AllowedHosts) != 0 {
		t.Errorf("Upstream.AllowedHosts = %v, want empty", cfg.Upstream.AllowedHosts)
	}
	if cfg.Upstream.UserAgent != DefaultUserAgent {
		t.Errorf("Upstream.UserAgent = %q, want %q", cfg.Upstream.UserAgent, DefaultUserAgent)
	}

	// Optional components are off by default
	if cfg.History.DBPath != "" {
		t.Errorf("History.DBPath = %q, want empty", cfg.History.DBPath)
	}
	if cfg.NATS.URL != "" {
		t.Errorf("NATS.URL = %q, want empty", cfg.NATS.URL)
	}
	if cfg.NATS.Subject != DefaultNATSSubject {
		t.Errorf("NATS.Subject = %q, want %q", cfg.NATS.Subject, DefaultNATSSubject)
	}
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name: "Port configuration",
			envVars: map[string]string{
				"PORT": "8080",
				"HOST": "127.0.0.1",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Server.Port != 8080 {
					t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, 8080)
				}
				if cfg.Server.Addr() != "127.0.0.1:8080" {
					t.Errorf("Server.Addr() = %q, want %q", cfg.Server.Addr(), "127.0.0.1:8080")
				}
			},
		},
		{
			name: "Vercel platform binds every interface",
			envVars: map[string]string{
				"RELAY_PLATFORM": "Vercel",
				"HOST":           "127.0.0.1",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Server.Platform != PlatformVercel {
					t.Errorf("Server.Platform = %q, want %q", cfg.Server.Platform, PlatformVercel)
				}
				if cfg.Server.Addr() != ":6790" {
					t.Errorf("Server.Addr() = %q, want %q", cfg.Server.Addr(), ":6790")
				}
			},
		},
		{
			name: "Upstream configuration",
			envVars: map[string]string{
				"UPSTREAM_URL":           "http://localhost:9000/translate_tts",
				"UPSTREAM_PROXY_TIMEOUT": "2s",
				"UPSTREAM_SYNTH_TIMEOUT": "1500ms",
				"UPSTREAM_ALLOWED_HOSTS": "translate.google.com, Localhost ,,",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Upstream.URL != "http://localhost:9000/translate_tts" {
					t.Errorf("Upstream.URL = %q", cfg.Upstream.URL)
				}
				if cfg.Upstream.ProxyTimeout != 2*time.Second {
					t.Errorf("Upstream.ProxyTimeout = %s, want 2s", cfg.Upstream.ProxyTimeout)
				}
				if cfg.Upstream.SynthTimeout != 1500*time.Millisecond {
					t.Errorf("Upstream.SynthTimeout = %s, want 1.5s", cfg.Upstream.SynthTimeout)
				}
				want := []string{"translate.google.com", "localhost"}
				if strings.Join(cfg.Upstream.AllowedHosts, ",") != strings.Join(want, ",") {
					t.Errorf("Upstream.AllowedHosts = %v, want %v", cfg.Upstream.AllowedHosts, want)
				}
			},
		},
		{
			name: "Malformed values fall back to defaults",
			envVars: map[string]string{
				"PORT":                   "not-a-port",
				"UPSTREAM_PROXY_TIMEOUT": "soon",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.Server.Port != DefaultPort {
					t.Errorf("Server.Port = %d, want %d", cfg.Server.Port, DefaultPort)
				}
				if cfg.Upstream.ProxyTimeout != DefaultProxyTimeout {
					t.Errorf("Upstream.ProxyTimeout = %s, want %s", cfg.Upstream.ProxyTimeout, DefaultProxyTimeout)
				}
			},
		},
		{
			name: "Optional components",
			envVars: map[string]string{
				"RELAY_DB_PATH":   "/tmp/relay.db",
				"NATS_URL":        "nats://localhost:4222",
				"NATS_SUBJECT":    "relay.test",
				"RELAY_GRPC_PORT": "50051",
			},
			validate: func(t *testing.T, cfg *Config) {
				if cfg.History.DBPath != "/tmp/relay.db" {
					t.Errorf("History.DBPath = %q", cfg.History.DBPath)
				}
				if cfg.NATS.URL != "nats://localhost:4222" || cfg.NATS.Subject != "relay.test" {
					t.Errorf("NATS = %+v", cfg.NATS)
				}
				if cfg.Server.GRPCPort != 50051 {
					t.Errorf("Server.GRPCPort = %d, want 50051", cfg.Server.GRPCPort)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clear environment and set test vars
			clearEnvVars()
			for key, value := range tt.envVars {
				_ = os.Setenv(key, value)
			}
			defer clearEnvVars()

			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name          string
		envVars       map[string]string
		expectError   bool
		errorContains string
	}{
		{
			name:          "Invalid server port",
			envVars:       map[string]string{"PORT": "0"},
			expectError:   true,
			errorContains: "invalid server port",
		},
		{
			name:          "Invalid gRPC port",
			envVars:       map[string]string{"RELAY_GRPC_PORT": "99999"},
			expectError:   true,
			errorContains: "invalid gRPC port",
		},
		{
			name:          "gRPC port clashes with HTTP port",
			envVars:       map[string]string{"PORT": "7000", "RELAY_GRPC_PORT": "7000"},
			expectError:   true,
			errorContains: "must differ",
		},
		{
			name:          "Unknown platform",
			envVars:       map[string]string{"RELAY_PLATFORM": "heroku"},
			expectError:   true,
			errorContains: "unknown platform",
		},
		{
			name:          "Non-HTTP upstream",
			envVars:       map[string]string{"UPSTREAM_URL": "ftp://example.com/tts"},
			expectError:   true,
			errorContains: "must be http or https",
		},
		{
			name:          "Unparseable upstream",
			envVars:       map[string]string{"UPSTREAM_URL": "http://[::1"},
			expectError:   true,
			errorContains: "invalid upstream URL",
		},
		{
			name:          "Negative timeout",
			envVars:       map[string]string{"UPSTREAM_SYNTH_TIMEOUT": "-1s"},
			expectError:   true,
			errorContains: "timeouts must be positive",
		},
		{
			name:        "Valid configuration",
			envVars:     map[string]string{"PORT": "3000", "RELAY_PLATFORM": "local"},
			expectError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnvVars()
			for key, value := range tt.envVars {
				_ = os.Setenv(key, value)
			}
			defer clearEnvVars()

			_, err := Load()

			if tt.expectError {
				if err == nil {
					t.Error("Expected error but got none")
				} else if tt.errorContains != "" && !strings.Contains(err.Error(), tt.errorContains) {
					t.Errorf("Expected error to contain %q, got: %v", tt.errorContains, err)
				}
			} else if err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	clearEnvVars()
	defer clearEnvVars()

	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("PORT=7100\nRELAY_PLATFORM=local\n"), 0600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}

	// Variables already in the environment win over the file
	_ = os.Setenv("RELAY_PLATFORM", "vercel")

	if err := LoadEnvFile(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("LoadEnvFile() error = %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7100 {
		t.Errorf("Server.Port = %d, want 7100", cfg.Server.Port)
	}
	if cfg.Server.Platform != PlatformVercel {
		t.Errorf("Server.Platform = %q, want %q", cfg.Server.Platform, PlatformVercel)
	}
}

// Helper function to clear environment variables used in tests
func clearEnvVars() {
	envVars := []string{
		"HOST", "PORT", "RELAY_GRPC_PORT", "RELAY_PLATFORM",
		"RELAY_READ_TIMEOUT", "RELAY_WRITE_TIMEOUT", "RELAY_SHUTDOWN_TIMEOUT",
		"UPSTREAM_URL", "UPSTREAM_PROXY_TIMEOUT", "UPSTREAM_SYNTH_TIMEOUT",
		"UPSTREAM_MAX_CONNS", "UPSTREAM_ALLOWED_HOSTS", "UPSTREAM_USER_AGENT", "UPSTREAM_REFERER",
		"LOG_LEVEL", "LOG_FORMAT", "RELAY_DB_PATH",
		"NATS_URL", "NATS_SUBJECT", "NATS_MAX_RECONNECT", "NATS_RECONNECT_WAIT",
	}

	for _, envVar := range envVars {
		_ = os.Unsetenv(envVar)
	}
}
