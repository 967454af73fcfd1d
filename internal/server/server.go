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

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/loqalabs/korean-tts-relay/internal/api"
	"github.com/loqalabs/korean-tts-relay/internal/config"
	"github.com/loqalabs/korean-tts-relay/internal/events"
	relaygrpc "github.com/loqalabs/korean-tts-relay/internal/grpc"
	"github.com/loqalabs/korean-tts-relay/internal/logging"
	"github.com/loqalabs/korean-tts-relay/internal/relay"
	"github.com/loqalabs/korean-tts-relay/internal/security"
)

const (
	serviceName       = "Korean Simple TTS"
	serviceDescriptor = "Korean Simple TTS Service"
	serviceVersion    = "2.1-production"

	// maxRequestBodyBytes caps JSON request bodies
	maxRequestBodyBytes = 64 << 10
)

var errTrailingData = errors.New("unexpected data after JSON value")

var serviceFeatures = []string{"google_tts_only", "auto_download", "korean_filename"}

// Server is the HTTP front of the Korean TTS relay
type Server struct {
	cfg     *config.Config
	mux     *http.ServeMux
	handler http.Handler
	server  *http.Server

	relay         *relay.Relay
	sinks         []events.Sink
	history       api.EventStore
	healthService *relaygrpc.HealthService

	// Server context for graceful shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

// Option customizes a Server
type Option func(*Server)

// WithRelay replaces the relay built from cfg.Upstream
func WithRelay(r *relay.Relay) Option {
	return func(s *Server) {
		s.relay = r
	}
}

// WithEventSink adds a consumer for relay events. Sinks are called in order.
func WithEventSink(sink events.Sink) Option {
	return func(s *Server) {
		if sink != nil {
			s.sinks = append(s.sinks, sink)
		}
	}
}

// WithHistory enables the read-only history endpoints
func WithHistory(store api.EventStore) Option {
	return func(s *Server) {
		s.history = store
	}
}

// WithHealthService ties the gRPC health status to the server lifecycle
func WithHealthService(hs *relaygrpc.HealthService) Option {
	return func(s *Server) {
		s.healthService = hs
	}
}

// New creates a relay server from cfg
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		cfg:    cfg,
		mux:    http.NewServeMux(),
		ctx:    ctx,
		cancel: cancel,
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.relay == nil {
		r, err := relay.New(cfg.Upstream)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to create relay: %w", err)
		}
		s.relay = r
	}

	s.routes()

	s.handler = cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
	}).Handler(s.mux)

	s.server = &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      s.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return s.ctx },
	}

	return s, nil
}

// Handler returns the CORS-wrapped router
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves HTTP until Stop is called
func (s *Server) Start() error {
	if s.healthService != nil {
		s.healthService.SetServing(true)
	}

	logging.Sugar.Infow("🚀 Korean TTS relay starting",
		"addr", s.server.Addr,
		"platform", s.cfg.Server.Platform,
		"upstream", s.cfg.Upstream.URL)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop() error {
	logging.Sugar.Infow("🛑 Shutting down Korean TTS relay")

	if s.healthService != nil {
		s.healthService.SetServing(false)
	}

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	s.cancel()
	if err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	logging.Sugar.Infow("✅ Korean TTS relay shut down successfully")
	return nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/", s.handleIndex)
	s.mux.HandleFunc("/health", s.handleHealth)
	s.mux.HandleFunc("/korean-audio-info", s.handleAudioInfo)
	s.mux.HandleFunc(relay.ProxyPath, s.handleKoreanAudio)

	if s.history != nil {
		historyHandler := api.NewRelayEventsHandler(s.history)
		s.mux.HandleFunc(api.EventsPath, historyHandler.HandleRelayEvents)
		s.mux.HandleFunc(api.EventsPath+"/", historyHandler.HandleRelayEventByID)
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, "not_found", "Not found")
		return
	}
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	endpoints := map[string]string{
		"korean_audio_info": "/korean-audio-info (POST)",
		"korean_audio":      relay.ProxyPath + " (GET/POST)",
		"health":            "/health (GET)",
	}
	if s.history != nil {
		endpoints["relay_events"] = api.EventsPath + " (GET)"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service":   serviceDescriptor,
		"version":   serviceVersion,
		"endpoints": endpoints,
		"status":    "running",
		"platform":  s.cfg.Server.Platform,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet) {
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"service":  serviceName,
		"features": serviceFeatures,
		"version":  serviceVersion,
		"platform": s.cfg.Server.Platform,
	})
}

// handleAudioInfo answers POST /korean-audio-info with the single audio candidate
func (s *Server) handleAudioInfo(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodPost) {
		return
	}

	event := events.NewRelayEvent(events.KindAudioInfo)
	defer s.recordEvent(event)

	req, err := decodeSynthesisRequest(w, r)
	if err != nil {
		s.writeRelayError(w, r, event, err, false)
		return
	}
	if req.Text == nil {
		s.writeRelayError(w, r, event, relay.NewValidationError("Missing text parameter"), false)
		return
	}

	text := strings.TrimSpace(*req.Text)
	event.SetUpstream(text, "")

	info, err := s.relay.GetAudioInfo(text)
	switch {
	case err == nil:
	case errors.Is(err, relay.ErrValidation):
		s.writeRelayError(w, r, event, err, false)
		return
	default:
		// Callers always get one playable candidate when text was supplied.
		logging.LogError(err, "Audio info failed, answering with emergency candidate",
			zap.String("text", security.TruncateForLog(text, 50)),
		)
		info = s.relay.EmergencyAudioInfo(text, err)
		event.ErrorKind = string(relay.KindOf(err))
		event.ErrorMessage = relay.PublicMessage(err)
	}

	event.UpstreamURL = s.relay.BuildUpstreamURL(text)
	event.SetResult(http.StatusOK, "application/json", 0, "")

	logging.LogRelayOperation("audio_info",
		zap.String("text", security.TruncateForLog(text, 50)),
		zap.String("primary_source", info.PrimarySource),
	)

	writeJSON(w, http.StatusOK, info)
}

// handleKoreanAudio streams upstream audio for GET ?url= and POST {text|url}
func (s *Server) handleKoreanAudio(w http.ResponseWriter, r *http.Request) {
	if !allowMethods(w, r, http.MethodGet, http.MethodPost) {
		return
	}

	var src relay.Source
	forward := r.Method == http.MethodGet

	event := events.NewRelayEvent(events.KindProxy)
	defer s.recordEvent(event)

	if r.Method == http.MethodGet {
		src.URL = r.URL.Query().Get("url")
		if src.URL == "" {
			s.writeRelayError(w, r, event, relay.NewValidationError("Missing URL parameter"), forward)
			return
		}
	} else {
		req, err := decodeSynthesisRequest(w, r)
		if err != nil {
			s.writeRelayError(w, r, event, err, forward)
			return
		}
		if req.Text == nil && req.URL == nil {
			s.writeRelayError(w, r, event, relay.NewValidationError("Missing text parameter in POST body"), forward)
			return
		}
		if req.Text != nil {
			src.Text = strings.TrimSpace(*req.Text)
		}
		if req.URL != nil {
			src.URL = *req.URL
		}
		if src.Text != "" {
			event.Kind = events.KindSynthesize
		}
	}

	event.SetUpstream(src.Text, src.URL)

	audio, err := s.relay.FetchAudio(r.Context(), src)
	if err != nil {
		s.writeRelayError(w, r, event, err, forward)
		return
	}
	defer audio.Body.Close()

	event.UpstreamURL = audio.UpstreamURL

	header := w.Header()
	header.Set("Content-Type", audio.ContentType)
	header.Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", audio.Filename))
	header.Set("Access-Control-Allow-Origin", "*")
	header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	header.Set("Access-Control-Allow-Headers", "Content-Type")
	if audio.ContentLength > 0 {
		header.Set("Content-Length", strconv.FormatInt(audio.ContentLength, 10))
	}
	w.WriteHeader(http.StatusOK)

	written, err := io.Copy(w, audio.Body)
	if err != nil {
		// Headers are gone; the caller sees a truncated body.
		logging.LogError(err, "Audio stream interrupted", zap.Int64("bytes_written", written))
		event.SetError(http.StatusOK, string(relay.KindOf(err)), "stream interrupted")
		event.Bytes = written
		return
	}

	event.SetResult(http.StatusOK, audio.ContentType, written, audio.Filename)
	logging.LogHTTPRequest(r.Method, r.URL.Path, http.StatusOK,
		zap.Int64("bytes", written),
		zap.String("filename", audio.Filename),
	)
}

func (s *Server) writeRelayError(w http.ResponseWriter, r *http.Request, event *events.RelayEvent, err error, forwardUpstream bool) {
	status := relay.HTTPStatus(err, forwardUpstream)
	kind := relay.KindOf(err)
	message := relay.PublicMessage(err)

	event.SetError(status, string(kind), message)

	if kind == relay.KindValidation {
		logging.LogWarn("Rejected relay request",
			zap.String("path", r.URL.Path),
			zap.String("reason", message),
		)
	} else {
		logging.LogError(err, "Relay request failed",
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
		)
	}

	writeError(w, status, string(kind), message)
}

func (s *Server) recordEvent(event *events.RelayEvent) {
	for _, sink := range s.sinks {
		if err := sink.RecordRelayEvent(event); err != nil {
			logging.LogError(err, "Failed to record relay event",
				zap.String("uuid", event.UUID),
			)
		}
	}
}

// synthesisRequest is the JSON body of the POST endpoints. Pointers tell a
// missing field apart from an empty one.
type synthesisRequest struct {
	Text *string `json:"text"`
	URL  *string `json:"url"`
}

func decodeSynthesisRequest(w http.ResponseWriter, r *http.Request) (*synthesisRequest, error) {
	var req synthesisRequest

	err := readJSON(w, r, &req)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return &req, nil
	default:
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, relay.NewValidationError("Request body too large")
		}
		return nil, &relay.Error{Kind: relay.KindValidation, Message: "Invalid JSON body", Err: err}
	}
}

// allowMethods answers OPTIONS with 204 and any other unlisted method with 405
func allowMethods(w http.ResponseWriter, r *http.Request, methods ...string) bool {
	for _, method := range methods {
		if r.Method == method {
			return true
		}
	}

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return false
	}

	w.Header().Set("Allow", strings.Join(append(methods, http.MethodOptions), ", "))
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
	return false
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.LogError(err, "Failed to write JSON response")
	}
}

func readJSON(w http.ResponseWriter, r *http.Request, data interface{}) error {
	defer func() { _ = r.Body.Close() }()

	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := decoder.Decode(data); err != nil {
		return err
	}

	// Exactly one JSON value per body
	var trailing json.RawMessage
	switch err := decoder.Decode(&trailing); {
	case errors.Is(err, io.EOF):
		return nil
	case err != nil:
		return err
	default:
		return errTrailingData
	}
}
