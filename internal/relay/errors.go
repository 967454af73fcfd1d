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

package relay

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies relay failures
type ErrorKind string

const (
	KindValidation          ErrorKind = "validation_error"
	KindUpstreamTimeout     ErrorKind = "upstream_timeout"
	KindUpstreamUnavailable ErrorKind = "upstream_unavailable"
	KindInternal            ErrorKind = "internal_error"
)

// Sentinels for errors.Is; every *Error matches the sentinel of its kind.
var (
	ErrValidation          = errors.New("validation error")
	ErrUpstreamTimeout     = errors.New("upstream timeout")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrInternal            = errors.New("internal error")
)

// Error is a classified relay failure. Message is safe to show to callers;
// Err keeps the underlying cause for logs only.
type Error struct {
	Kind       ErrorKind
	Message    string
	StatusCode int // Upstream status for non-2xx responses, 0 otherwise
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for this error's kind.
func (e *Error) Is(target error) bool {
	return sentinelFor(e.Kind) == target
}

func sentinelFor(kind ErrorKind) error {
	switch kind {
	case KindValidation:
		return ErrValidation
	case KindUpstreamTimeout:
		return ErrUpstreamTimeout
	case KindUpstreamUnavailable:
		return ErrUpstreamUnavailable
	default:
		return ErrInternal
	}
}

// NewValidationError creates a ValidationError with a caller-facing message
func NewValidationError(message string) *Error {
	return &Error{Kind: KindValidation, Message: message}
}

func newError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or KindInternal when err is not a relay error.
func KindOf(err error) ErrorKind {
	var relayErr *Error
	if errors.As(err, &relayErr) {
		return relayErr.Kind
	}
	return KindInternal
}

// PublicMessage returns the caller-facing message of err.
func PublicMessage(err error) string {
	var relayErr *Error
	if errors.As(err, &relayErr) && relayErr.Message != "" {
		return relayErr.Message
	}
	return "Internal server error"
}

// HTTPStatus maps err onto a response status. With forwardUpstream set, a
// non-2xx upstream status is passed through to the caller.
func HTTPStatus(err error, forwardUpstream bool) int {
	var relayErr *Error
	if !errors.As(err, &relayErr) {
		return http.StatusInternalServerError
	}

	switch relayErr.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUpstreamTimeout:
		return http.StatusRequestTimeout
	case KindUpstreamUnavailable:
		if forwardUpstream && relayErr.StatusCode >= 300 && relayErr.StatusCode <= 599 {
			return relayErr.StatusCode
		}
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
