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

package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/loqalabs/korean-tts-relay/internal/config"
	relaygrpc "github.com/loqalabs/korean-tts-relay/internal/grpc"
	"github.com/loqalabs/korean-tts-relay/internal/logging"
	"github.com/loqalabs/korean-tts-relay/internal/messaging"
	"github.com/loqalabs/korean-tts-relay/internal/server"
	"github.com/loqalabs/korean-tts-relay/internal/storage"
)

func main() {
	var (
		port     = pflag.IntP("port", "p", 0, "HTTP listen port (overrides PORT)")
		platform = pflag.String("platform", "", "Deployment target: fly.io, vercel, local (overrides RELAY_PLATFORM)")
		envFile  = pflag.String("env-file", ".env", "Optional dotenv file loaded before reading the environment")
	)
	pflag.Parse()

	if err := config.LoadEnvFile(*envFile); err != nil {
		log.Fatalf("Failed to load env file: %v", err)
	}

	if pflag.CommandLine.Changed("port") {
		_ = os.Setenv("PORT", strconv.Itoa(*port))
	}
	if pflag.CommandLine.Changed("platform") {
		_ = os.Setenv("RELAY_PLATFORM", *platform)
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := logging.InitializeWithConfig(logging.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	}); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Close()

	if err := run(cfg); err != nil {
		logging.LogError(err, "Relay exited with error")
		logging.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	var opts []server.Option

	if cfg.History.DBPath != "" {
		db, err := storage.NewDatabase(storage.DatabaseConfig{Path: cfg.History.DBPath})
		if err != nil {
			return fmt.Errorf("failed to open history database: %w", err)
		}
		defer db.Close()

		store := storage.NewRelayEventsStore(db)
		opts = append(opts, server.WithEventSink(store), server.WithHistory(store))
	}

	if cfg.NATS.URL != "" {
		natsService, err := messaging.NewNATSService(cfg.NATS)
		if err != nil {
			return err
		}
		// Event publication is best effort; the relay serves without it.
		if err := natsService.Connect(); err != nil {
			logging.LogWarn("⚠️  NATS unavailable, relay events will not be published", zap.Error(err))
		} else {
			defer natsService.Close()
			opts = append(opts, server.WithEventSink(natsService))
		}
	}

	if cfg.Server.GRPCPort != 0 {
		healthService := relaygrpc.NewHealthService(cfg.Server.GRPCPort)
		if err := healthService.Start(); err != nil {
			return err
		}
		defer healthService.Stop()
		opts = append(opts, server.WithHealthService(healthService))
	}

	srv, err := server.New(cfg, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	logging.Sugar.Infow("🔊 Korean TTS relay ready",
		"http_port", cfg.Server.Port,
		"grpc_port", cfg.Server.GRPCPort,
		"history", cfg.History.DBPath != "",
		"nats", cfg.NATS.URL != "",
	)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return srv.Stop()
	}
}
