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

package security

import (
	"errors"
	"net/url"
	"strings"
	"unicode/utf8"
)

var (
	// ErrInvalidUpstreamURL is returned when a proxied URL is not an absolute http(s) URL
	ErrInvalidUpstreamURL = errors.New("invalid upstream URL")

	// ErrUpstreamHostNotAllowed is returned when a proxied URL points outside the allowlist
	ErrUpstreamHostNotAllowed = errors.New("upstream host not allowed")
)

// SanitizeLogInput removes newline characters to prevent log injection attacks
// This function should be used for all user-controlled data before logging
func SanitizeLogInput(input string) string {
	sanitized := strings.ReplaceAll(input, "\n", "")
	sanitized = strings.ReplaceAll(sanitized, "\r", "")
	return sanitized
}

// TruncateForLog sanitizes input and cuts it to at most max runes, marking the cut with "...".
func TruncateForLog(input string, max int) string {
	sanitized := SanitizeLogInput(input)
	if max <= 0 || utf8.RuneCountInString(sanitized) <= max {
		return sanitized
	}

	runes := []rune(sanitized)
	return string(runes[:max]) + "..."
}

// ValidateUpstreamURL checks that raw is an absolute http(s) URL and, when
// allowedHosts is non-empty, that its host is one of them (case-insensitive).
func ValidateUpstreamURL(raw string, allowedHosts []string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, ErrInvalidUpstreamURL
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, ErrInvalidUpstreamURL
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, ErrInvalidUpstreamURL
	}

	if len(allowedHosts) == 0 {
		return u, nil
	}

	for _, allowed := range allowedHosts {
		if host == strings.ToLower(allowed) {
			return u, nil
		}
	}

	return nil, ErrUpstreamHostNotAllowed
}
