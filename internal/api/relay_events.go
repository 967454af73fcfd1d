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

// Package api serves the read-only relay history endpoints.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/korean-tts-relay/internal/events"
	"github.com/loqalabs/korean-tts-relay/internal/logging"
	"github.com/loqalabs/korean-tts-relay/internal/security"
	"github.com/loqalabs/korean-tts-relay/internal/storage"
)

const (
	// EventsPath is the collection route; single events live under EventsPath + "/{uuid}"
	EventsPath = "/api/relay-events"

	defaultPageSize = 20
	maxPageSize     = 100
)

// EventStore is the part of the history store the handler reads from
type EventStore interface {
	GetByUUID(uuid string) (*events.RelayEvent, error)
	List(options storage.ListOptions) ([]*events.RelayEvent, error)
	Count(options storage.ListOptions) (int64, error)
}

// RelayEventsHandler handles HTTP requests for relay history
type RelayEventsHandler struct {
	store EventStore
}

// NewRelayEventsHandler creates a new relay events handler
func NewRelayEventsHandler(store EventStore) *RelayEventsHandler {
	return &RelayEventsHandler{store: store}
}

// ListRelayEventsResponse is the body of GET /api/relay-events
type ListRelayEventsResponse struct {
	Events     []*events.RelayEvent `json:"events"`
	Total      int64                `json:"total"`
	Page       int                  `json:"page"`
	PageSize   int                  `json:"page_size"`
	TotalPages int                  `json:"total_pages"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// HandleRelayEvents handles GET /api/relay-events
func (h *RelayEventsHandler) HandleRelayEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	h.listRelayEvents(w, r)
}

// HandleRelayEventByID handles GET /api/relay-events/{uuid}
func (h *RelayEventsHandler) HandleRelayEventByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed")
		return
	}

	uuid := strings.Trim(strings.TrimPrefix(r.URL.Path, EventsPath+"/"), "/")
	if uuid == "" || strings.Contains(uuid, "/") {
		writeError(w, http.StatusBadRequest, "validation_error", "Event ID is required")
		return
	}

	event, err := h.store.GetByUUID(uuid)
	if errors.Is(err, storage.ErrEventNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Relay event not found")
		return
	}
	if err != nil {
		logging.LogError(err, "Failed to get relay event",
			zap.String("uuid", security.SanitizeLogInput(uuid)),
		)
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
		return
	}

	writeJSON(w, http.StatusOK, event)
}

func (h *RelayEventsHandler) listRelayEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	page := parseIntParam(query.Get("page"), 1)
	if page < 1 {
		page = 1
	}
	pageSize := parseIntParam(query.Get("page_size"), defaultPageSize)
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	if pageSize < 1 {
		pageSize = 1
	}

	options := storage.ListOptions{
		Kind:      events.Kind(query.Get("kind")),
		Limit:     pageSize,
		Offset:    (page - 1) * pageSize,
		SortOrder: strings.ToUpper(query.Get("sort_order")),
	}

	if successStr := query.Get("success"); successStr != "" {
		if success, err := strconv.ParseBool(successStr); err == nil {
			options.Success = &success
		}
	}

	if sinceStr := query.Get("since"); sinceStr != "" {
		if since, err := time.Parse(time.RFC3339, sinceStr); err == nil {
			options.Since = &since
		}
	}

	total, err := h.store.Count(options)
	if err != nil {
		logging.LogError(err, "Failed to count relay events")
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
		return
	}

	list, err := h.store.List(options)
	if err != nil {
		logging.LogError(err, "Failed to list relay events")
		writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error")
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))

	logging.LogHTTPRequest(r.Method, EventsPath, http.StatusOK,
		zap.Int("page", page),
		zap.Int("page_size", pageSize),
		zap.Int64("total_results", total),
		zap.String("kind", security.SanitizeLogInput(string(options.Kind))),
	)

	writeJSON(w, http.StatusOK, ListRelayEventsResponse{
		Events:     list,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	})
}

func parseIntParam(param string, defaultValue int) int {
	if param == "" {
		return defaultValue
	}

	if value, err := strconv.Atoi(param); err == nil {
		return value
	}

	return defaultValue
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.LogError(err, "Failed to encode JSON response")
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorResponse{Error: message, Code: code})
}
