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
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Deployment targets. They only change the platform label and listen convention.
const (
	PlatformFly    = "fly.io"
	PlatformVercel = "vercel"
	PlatformLocal  = "local"
)

// Config holds all configuration for the relay
type Config struct {
	Server   ServerConfig
	Upstream UpstreamConfig
	Logging  LoggingConfig
	History  HistoryConfig
	NATS     NATSConfig
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host            string
	Port            int
	GRPCPort        int // 0 disables the gRPC health service
	Platform        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// UpstreamConfig holds the text-to-speech endpoint configuration
type UpstreamConfig struct {
	URL             string        // Base URL of the translate_tts endpoint
	ProxyTimeout    time.Duration // Bound for fetches of a pre-built URL
	SynthTimeout    time.Duration // Bound for fetches built from text
	MaxConnsPerHost int           // Outbound connection pool cap
	AllowedHosts    []string      // Empty allows any host on the proxy path
	UserAgent       string
	Accept          string
	Referer         string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// HistoryConfig holds the optional relay history store configuration
type HistoryConfig struct {
	DBPath string // Empty disables history
}

// NATSConfig holds the optional event bus configuration
type NATSConfig struct {
	URL           string // Empty disables publication
	Subject       string
	MaxReconnect  int
	ReconnectWait time.Duration
}

// Defaults mirrored by Load when the environment is empty.
const (
	DefaultPort         = 6790
	DefaultUpstreamURL  = "https://translate.google.com/translate_tts"
	DefaultUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	DefaultAccept       = "audio/mpeg,audio/*;q=0.9,*/*;q=0.8"
	DefaultReferer      = "https://translate.google.com/"
	DefaultNATSSubject  = "korean_tts.relay.events"
	DefaultProxyTimeout = 15 * time.Second
	DefaultSynthTimeout = 10 * time.Second
)

// LoadEnvFile loads KEY=VALUE pairs from the given dotenv files into the
// process environment without overriding variables that are already set.
// Missing files are ignored.
func LoadEnvFile(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("failed to load env file %s: %w", path, err)
		}
	}
	return nil
}

// Load loads configuration from environment variables with defaults
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:            getEnvString("HOST", "0.0.0.0"),
			Port:            getEnvInt("PORT", DefaultPort),
			GRPCPort:        getEnvInt("RELAY_GRPC_PORT", 0),
			Platform:        strings.ToLower(getEnvString("RELAY_PLATFORM", PlatformFly)),
			ReadTimeout:     getEnvDuration("RELAY_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getEnvDuration("RELAY_WRITE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("RELAY_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Upstream: UpstreamConfig{
			URL:             getEnvString("UPSTREAM_URL", DefaultUpstreamURL),
			ProxyTimeout:    getEnvDuration("UPSTREAM_PROXY_TIMEOUT", DefaultProxyTimeout),
			SynthTimeout:    getEnvDuration("UPSTREAM_SYNTH_TIMEOUT", DefaultSynthTimeout),
			MaxConnsPerHost: getEnvInt("UPSTREAM_MAX_CONNS", 32),
			AllowedHosts:    getEnvList("UPSTREAM_ALLOWED_HOSTS"),
			UserAgent:       getEnvString("UPSTREAM_USER_AGENT", DefaultUserAgent),
			Accept:          DefaultAccept,
			Referer:         getEnvString("UPSTREAM_REFERER", DefaultReferer),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "console"),
		},
		History: HistoryConfig{
			DBPath: getEnvString("RELAY_DB_PATH", ""),
		},
		NATS: NATSConfig{
			URL:           getEnvString("NATS_URL", ""),
			Subject:       getEnvString("NATS_SUBJECT", DefaultNATSSubject),
			MaxReconnect:  getEnvInt("NATS_MAX_RECONNECT", 10),
			ReconnectWait: getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		},
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort)
	}

	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.Port {
		return fmt.Errorf("gRPC port must differ from HTTP port: %d", c.Server.GRPCPort)
	}

	switch c.Server.Platform {
	case PlatformFly, PlatformVercel, PlatformLocal:
	default:
		return fmt.Errorf("unknown platform: %q", c.Server.Platform)
	}

	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream URL must be provided")
	}

	u, err := url.Parse(c.Upstream.URL)
	if err != nil {
		return fmt.Errorf("invalid upstream URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("upstream URL must be http or https: %q", c.Upstream.URL)
	}

	if c.Upstream.ProxyTimeout <= 0 || c.Upstream.SynthTimeout <= 0 {
		return fmt.Errorf("upstream timeouts must be positive: proxy=%s synth=%s",
			c.Upstream.ProxyTimeout, c.Upstream.SynthTimeout)
	}

	if c.Upstream.MaxConnsPerHost <= 0 {
		return fmt.Errorf("upstream max conns must be positive: %d", c.Upstream.MaxConnsPerHost)
	}

	return nil
}

// Addr returns the HTTP listen address.
func (s ServerConfig) Addr() string {
	host := s.Host
	// Vercel binds every interface.
	if s.Platform == PlatformVercel {
		host = ""
	}
	return host + ":" + strconv.Itoa(s.Port)
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, strings.ToLower(item))
		}
	}
	return items
}
