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

package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/korean-tts-relay/internal/events"
	"github.com/loqalabs/korean-tts-relay/internal/logging"
)

// ErrEventNotFound is returned by GetByUUID when no event has the given UUID
var ErrEventNotFound = errors.New("relay event not found")

const relayEventColumns = `uuid, kind, timestamp, text, upstream_url,
	status_code, content_type, bytes, filename, duration_ms,
	success, error_kind, error_message`

// RelayEventsStore handles database operations for relay events
type RelayEventsStore struct {
	db *Database
}

// NewRelayEventsStore creates a new relay events store
func NewRelayEventsStore(db *Database) *RelayEventsStore {
	return &RelayEventsStore{db: db}
}

// Insert stores a relay event
func (s *RelayEventsStore) Insert(event *events.RelayEvent) error {
	if err := event.IsValid(); err != nil {
		return fmt.Errorf("invalid relay event: %w", err)
	}

	query := `INSERT INTO relay_events (` + relayEventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.DB().Exec(query,
		event.UUID, string(event.Kind), event.Timestamp.UnixMilli(), event.Text, event.UpstreamURL,
		event.StatusCode, event.ContentType, event.Bytes, event.Filename, event.DurationMs,
		event.Success, event.ErrorKind, event.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert relay event: %w", err)
	}

	logging.LogDatabaseOperation("insert", "relay_events",
		zap.String("uuid", event.UUID),
		zap.String("kind", string(event.Kind)),
	)
	return nil
}

// RecordRelayEvent lets the store act as an events.Sink
func (s *RelayEventsStore) RecordRelayEvent(event *events.RelayEvent) error {
	return s.Insert(event)
}

// GetByUUID retrieves a relay event by its UUID
func (s *RelayEventsStore) GetByUUID(uuid string) (*events.RelayEvent, error) {
	query := `SELECT ` + relayEventColumns + ` FROM relay_events WHERE uuid = ?`

	event, err := scanRelayEvent(s.db.DB().QueryRow(query, uuid))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get relay event: %w", err)
	}
	return event, nil
}

// List retrieves relay events with pagination and filtering
func (s *RelayEventsStore) List(options ListOptions) ([]*events.RelayEvent, error) {
	query, args := buildListQuery("SELECT "+relayEventColumns, options, true)

	rows, err := s.db.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query relay events: %w", err)
	}
	defer rows.Close()

	eventsList := make([]*events.RelayEvent, 0)
	for rows.Next() {
		event, err := scanRelayEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan relay event: %w", err)
		}
		eventsList = append(eventsList, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating relay events: %w", err)
	}

	return eventsList, nil
}

// Count returns the number of relay events matching the filter, ignoring pagination
func (s *RelayEventsStore) Count(options ListOptions) (int64, error) {
	query, args := buildListQuery("SELECT COUNT(*)", options, false)

	var count int64
	if err := s.db.DB().QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count relay events: %w", err)
	}
	return count, nil
}

// ListOptions defines filtering and pagination options
type ListOptions struct {
	// Filtering
	Kind    events.Kind
	Success *bool // nil = all, true = success only, false = errors only
	Since   *time.Time

	// Pagination
	Limit  int
	Offset int

	// Sorting by timestamp
	SortOrder string // "ASC", "DESC"
}

func buildListQuery(selectClause string, options ListOptions, paginate bool) (string, []any) {
	var (
		where []string
		args  []any
	)

	if options.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(options.Kind))
	}

	if options.Success != nil {
		where = append(where, "success = ?")
		args = append(args, *options.Success)
	}

	if options.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, options.Since.UnixMilli())
	}

	query := selectClause + " FROM relay_events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	if !paginate {
		return query, args
	}

	// Only two literal orders are ever interpolated.
	order := "DESC"
	if strings.EqualFold(options.SortOrder, "ASC") {
		order = "ASC"
	}
	query += " ORDER BY timestamp " + order + ", uuid " + order

	if options.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, options.Limit)

		if options.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, options.Offset)
		}
	}

	return query, args
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRelayEvent(row rowScanner) (*events.RelayEvent, error) {
	var (
		event     events.RelayEvent
		kind      string
		timestamp int64
	)

	err := row.Scan(
		&event.UUID, &kind, &timestamp, &event.Text, &event.UpstreamURL,
		&event.StatusCode, &event.ContentType, &event.Bytes, &event.Filename, &event.DurationMs,
		&event.Success, &event.ErrorKind, &event.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}

	event.Kind = events.Kind(kind)
	event.Timestamp = time.UnixMilli(timestamp)
	return &event, nil
}
