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

package events

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names the relay operation that produced an event
type Kind string

const (
	KindAudioInfo  Kind = "audio_info"
	KindProxy      Kind = "proxy"
	KindSynthesize Kind = "synthesize"
)

// RelayEvent records one handled relay call. It never carries audio bytes.
type RelayEvent struct {
	// Core identification
	UUID      string    `json:"uuid" db:"uuid"`
	Kind      Kind      `json:"kind" db:"kind"`
	Timestamp time.Time `json:"timestamp" db:"timestamp"`

	// Request
	Text        string `json:"text,omitempty" db:"text"`
	UpstreamURL string `json:"upstream_url,omitempty" db:"upstream_url"`

	// Outcome
	StatusCode   int    `json:"status_code" db:"status_code"`
	ContentType  string `json:"content_type,omitempty" db:"content_type"`
	Bytes        int64  `json:"bytes" db:"bytes"`
	Filename     string `json:"filename,omitempty" db:"filename"`
	DurationMs   int64  `json:"duration_ms" db:"duration_ms"`
	Success      bool   `json:"success" db:"success"`
	ErrorKind    string `json:"error_kind,omitempty" db:"error_kind"`
	ErrorMessage string `json:"error_message,omitempty" db:"error_message"`
}

// Sink receives finished relay events
type Sink interface {
	RecordRelayEvent(event *RelayEvent) error
}

// NewRelayEvent creates a RelayEvent with a fresh UUID and the current timestamp
func NewRelayEvent(kind Kind) *RelayEvent {
	return &RelayEvent{
		UUID:      uuid.NewString(),
		Kind:      kind,
		Timestamp: time.Now(),
		Success:   true,
	}
}

// SetUpstream records what was requested from the upstream
func (re *RelayEvent) SetUpstream(text, upstreamURL string) {
	re.Text = text
	re.UpstreamURL = upstreamURL
}

// SetResult records a successful response and marks processing as complete
func (re *RelayEvent) SetResult(statusCode int, contentType string, bytes int64, filename string) {
	re.StatusCode = statusCode
	re.ContentType = contentType
	re.Bytes = bytes
	re.Filename = filename
	re.DurationMs = time.Since(re.Timestamp).Milliseconds()
}

// SetError marks the event as failed
func (re *RelayEvent) SetError(statusCode int, kind, message string) {
	re.Success = false
	re.StatusCode = statusCode
	re.ErrorKind = kind
	re.ErrorMessage = message
	re.DurationMs = time.Since(re.Timestamp).Milliseconds()
}

// IsValid performs basic validation on the relay event
func (re *RelayEvent) IsValid() error {
	if re.UUID == "" {
		return fmt.Errorf("UUID is required")
	}

	switch re.Kind {
	case KindAudioInfo, KindProxy, KindSynthesize:
	default:
		return fmt.Errorf("unknown event kind %q", re.Kind)
	}

	if re.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}

	if re.Bytes < 0 {
		return fmt.Errorf("bytes cannot be negative")
	}

	return nil
}

// String returns a human-readable representation of the relay event
func (re *RelayEvent) String() string {
	return fmt.Sprintf("RelayEvent{UUID: %s, Kind: %s, Status: %d, Bytes: %d, Success: %t}",
		re.UUID, re.Kind, re.StatusCode, re.Bytes, re.Success)
}
