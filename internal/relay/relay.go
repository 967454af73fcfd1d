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

// Package relay builds Korean text-to-speech requests against the Google
// translate_tts endpoint and fetches the resulting audio.
package relay

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/loqalabs/korean-tts-relay/internal/config"
)

const (
	// ProxyPath is the local route that streams upstream audio back to callers
	ProxyPath = "/korean-audio"

	// SourceGoogleTTS is the only provider the relay talks to
	SourceGoogleTTS          = "google_tts"
	SourceGoogleTTSEmergency = "google_tts_emergency"

	// FallbackFilename is used whenever no text can be recovered from the upstream URL
	FallbackFilename = "korean_audio.mp3"

	// DefaultContentType is assumed when the upstream omits Content-Type
	DefaultContentType = "audio/mpeg"

	recommendation = "Google TTS provides reliable Korean pronunciation"
)

// targetLanguage is fixed; the upstream is only ever asked for Korean.
var targetLanguage = language.Korean

// Candidate is one playable option returned by the audio-info endpoint
type Candidate struct {
	URL         string `json:"url"`
	Text        string `json:"text,omitempty"`
	Accent      string `json:"accent"`
	Language    string `json:"language"`
	Label       string `json:"label"`
	Quality     string `json:"quality"`
	Priority    int    `json:"priority"`
	Description string `json:"description,omitempty"`
}

// AudioInfo is the audio-info response. The multi-source fields keep the
// response shape stable; there is exactly one provider.
type AudioInfo struct {
	Audios         []Candidate `json:"audios"`
	SourcesUsed    []string    `json:"sources_used"`
	PrimarySource  string      `json:"primary_source"`
	TotalSources   int         `json:"total_sources"`
	Recommendation string      `json:"recommendation,omitempty"`
	Error          string      `json:"error,omitempty"`
}

// Relay talks to the upstream text-to-speech endpoint. It holds no per-call
// state and is safe for concurrent use.
type Relay struct {
	baseURL string
	client  *http.Client
	config  config.UpstreamConfig
	now     func() time.Time
}

// Option customizes a Relay
type Option func(*Relay)

// WithHTTPClient replaces the outbound HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(r *Relay) {
		r.client = client
	}
}

// WithClock replaces the clock used for filename suffixes
func WithClock(now func() time.Time) Option {
	return func(r *Relay) {
		r.now = now
	}
}

// New creates a relay for the configured upstream
func New(cfg config.UpstreamConfig, opts ...Option) (*Relay, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("upstream URL cannot be empty")
	}

	applyDefaults(&cfg)

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxConnsPerHost = cfg.MaxConnsPerHost
	transport.MaxIdleConnsPerHost = cfg.MaxConnsPerHost

	r := &Relay{
		baseURL: cfg.URL,
		client:  &http.Client{Transport: transport},
		config:  cfg,
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r, nil
}

func applyDefaults(cfg *config.UpstreamConfig) {
	if cfg.ProxyTimeout <= 0 {
		cfg.ProxyTimeout = config.DefaultProxyTimeout
	}
	if cfg.SynthTimeout <= 0 {
		cfg.SynthTimeout = config.DefaultSynthTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = config.DefaultUserAgent
	}
	if cfg.Accept == "" {
		cfg.Accept = config.DefaultAccept
	}
	if cfg.Referer == "" {
		cfg.Referer = config.DefaultReferer
	}
}

// BuildUpstreamURL returns the translate_tts URL that synthesizes text in Korean
func (r *Relay) BuildUpstreamURL(text string) string {
	return r.baseURL + "?ie=UTF-8&q=" + escape(text) + "&tl=" + LanguageCode() + "&client=tw-ob"
}

// GetAudioInfo builds the single audio candidate for text. It performs no network I/O.
func (r *Relay) GetAudioInfo(text string) (*AudioInfo, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, NewValidationError("Empty text parameter")
	}

	// config.Validate rejects an unparseable upstream URL at startup, so this
	// only trips for a Relay built from an unvalidated UpstreamConfig.
	if _, err := url.Parse(r.baseURL); err != nil {
		return nil, newError(KindInternal, "failed to build upstream URL", err)
	}

	upstreamURL := r.BuildUpstreamURL(text)

	return &AudioInfo{
		Audios: []Candidate{{
			URL:         LocalProxyURL(upstreamURL),
			Text:        text,
			Accent:      AccentCode(),
			Language:    LanguageCode(),
			Label:       "🔊 Korean Audio",
			Quality:     "good",
			Priority:    1,
			Description: "Korean Text-to-Speech",
		}},
		SourcesUsed:    []string{SourceGoogleTTS},
		PrimarySource:  SourceGoogleTTS,
		TotalSources:   1,
		Recommendation: recommendation,
	}, nil
}

// EmergencyAudioInfo is the degraded answer used when GetAudioInfo failed for
// an internal reason. It is built without parsing anything so it cannot fail.
func (r *Relay) EmergencyAudioInfo(text string, cause error) *AudioInfo {
	info := &AudioInfo{
		Audios: []Candidate{{
			URL:      LocalProxyURL(r.BuildUpstreamURL(strings.TrimSpace(text))),
			Accent:   AccentCode(),
			Language: LanguageCode(),
			Label:    "🔊 GOOGLE TTS (Emergency)",
			Quality:  "good",
			Priority: 2,
		}},
		SourcesUsed:   []string{SourceGoogleTTSEmergency},
		PrimarySource: SourceGoogleTTSEmergency,
		TotalSources:  1,
	}
	if cause != nil {
		info.Error = PublicMessage(cause)
	}
	return info
}

// Filename derives the download filename for upstreamURL using the relay clock
func (r *Relay) Filename(upstreamURL string) string {
	return DeriveFilename(upstreamURL, r.now())
}

// LocalProxyURL returns the relay route that proxies upstreamURL
func LocalProxyURL(upstreamURL string) string {
	return ProxyPath + "?url=" + escape(upstreamURL)
}

// DeriveFilename returns korean_<6-digit time suffix>.mp3 when upstreamURL
// carries a non-empty q parameter, and FallbackFilename otherwise. It never fails.
func DeriveFilename(upstreamURL string, now time.Time) string {
	u, err := url.Parse(upstreamURL)
	if err != nil {
		return FallbackFilename
	}

	if queryValue(u.RawQuery, "q") == "" {
		return FallbackFilename
	}

	stamp := strconv.FormatInt(now.Unix(), 10)
	if len(stamp) > 6 {
		stamp = stamp[len(stamp)-6:]
	}

	return "korean_" + stamp + ".mp3"
}

// queryValue returns the first value of key in rawQuery. Unlike url.ParseQuery
// it splits on '&' only and keeps a value whose escapes do not decode as-is,
// so "q=a;b" and "q=%zz" still count as text.
func queryValue(rawQuery, key string) string {
	for _, pair := range strings.Split(rawQuery, "&") {
		name, value, _ := strings.Cut(pair, "=")
		if unescaped, err := url.QueryUnescape(name); err == nil {
			name = unescaped
		}
		if name != key {
			continue
		}
		if unescaped, err := url.QueryUnescape(value); err == nil {
			return unescaped
		}
		return value
	}
	return ""
}

// LanguageCode is the upstream tl value ("ko")
func LanguageCode() string {
	base, _ := targetLanguage.Base()
	return base.String()
}

// AccentCode is the lowercase region of the target language ("kr")
func AccentCode() string {
	region, _ := targetLanguage.Region()
	return strings.ToLower(region.String())
}

// escape percent-encodes s for use inside a query value, spaces as %20
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
