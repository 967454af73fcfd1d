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

// Package grpc serves the standard gRPC health protocol for the relay.
package grpc

import (
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/loqalabs/korean-tts-relay/internal/logging"
)

// ServiceName is the named service reported alongside the overall ("") status
const ServiceName = "korean_tts.relay"

// HealthService exposes grpc.health.v1.Health for orchestrators
type HealthService struct {
	port   int
	server *grpclib.Server
	health *health.Server
}

// NewHealthService creates a health service for port. Everything starts NOT_SERVING.
func NewHealthService(port int) *HealthService {
	hs := &HealthService{
		port:   port,
		server: grpclib.NewServer(),
		health: health.NewServer(),
	}

	healthpb.RegisterHealthServer(hs.server, hs.health)
	hs.SetServing(false)

	return hs
}

// Start listens on the configured port and serves in the background
func (hs *HealthService) Start() error {
	lis, err := net.Listen("tcp", ":"+strconv.Itoa(hs.port))
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC port %d: %w", hs.port, err)
	}

	go func() {
		if err := hs.Serve(lis); err != nil {
			logging.LogError(err, "gRPC health server stopped")
		}
	}()

	if logging.Logger != nil {
		logging.Logger.Info("🩺 gRPC health service listening", zap.Int("grpc_port", hs.port))
	}
	return nil
}

// Serve blocks serving on lis until Stop is called
func (hs *HealthService) Serve(lis net.Listener) error {
	if err := hs.server.Serve(lis); err != nil && err != grpclib.ErrServerStopped {
		return err
	}
	return nil
}

// SetServing flips both the overall and the named service status
func (hs *HealthService) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}

	hs.health.SetServingStatus("", status)
	hs.health.SetServingStatus(ServiceName, status)
}

// Stop reports NOT_SERVING to watchers and stops the server
func (hs *HealthService) Stop() {
	hs.health.Shutdown()
	hs.server.GracefulStop()
}
