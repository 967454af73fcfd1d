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
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loqalabs/korean-tts-relay/internal/config"
)

var stubAudio = []byte("RIFF....WAVEfmt fake audio payload")

func newStubRelay(t *testing.T, upstream *httptest.Server, mutate func(*config.UpstreamConfig)) *Relay {
	t.Helper()

	cfg := config.UpstreamConfig{
		URL:             upstream.URL + "/translate_tts",
		MaxConnsPerHost: 4,
		ProxyTimeout:    2 * time.Second,
		SynthTimeout:    2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	r, err := New(cfg)
	require.NoError(t, err)
	return r
}

func TestFetchAudio_ProxyURL(t *testing.T) {
	var gotHeaders http.Header
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write(stubAudio)
	}))
	defer upstream.Close()

	r := newStubRelay(t, upstream, nil)
	target := r.BuildUpstreamURL("안녕하세요")

	audio, err := r.FetchAudio(context.Background(), Source{URL: target})
	require.NoError(t, err)
	defer audio.Body.Close()

	body, err := io.ReadAll(audio.Body)
	require.NoError(t, err)

	assert.Equal(t, stubAudio, body)
	assert.Equal(t, "audio/mpeg", audio.ContentType)
	assert.Equal(t, target, audio.UpstreamURL)
	assert.Regexp(t, `^korean_\d{1,6}\.mp3$`, audio.Filename)

	assert.Equal(t, config.DefaultUserAgent, gotHeaders.Get("User-Agent"))
	assert.Equal(t, config.DefaultAccept, gotHeaders.Get("Accept"))
	assert.Equal(t, config.DefaultReferer, gotHeaders.Get("Referer"))
}

func TestFetchAudio_TextBuildsUpstreamRequest(t *testing.T) {
	var gotQuery map[string][]string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_, _ = w.Write(stubAudio)
	}))
	defer upstream.Close()

	r := newStubRelay(t, upstream, nil)

	audio, err := r.FetchAudio(context.Background(), Source{Text: "  감사합니다  ", URL: "ignored"})
	require.NoError(t, err)
	defer audio.Body.Close()

	assert.Equal(t, []string{"감사합니다"}, gotQuery["q"])
	assert.Equal(t, []string{"ko"}, gotQuery["tl"])
	assert.Equal(t, []string{"tw-ob"}, gotQuery["client"])
	assert.Equal(t, []string{"UTF-8"}, gotQuery["ie"])
}

func TestFetchAudio_DefaultContentType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Suppress sniffing so the header really is absent
		w.Header()["Content-Type"] = nil
		_, _ = w.Write(stubAudio)
	}))
	defer upstream.Close()

	r := newStubRelay(t, upstream, nil)

	audio, err := r.FetchAudio(context.Background(), Source{Text: "하나"})
	require.NoError(t, err)
	defer audio.Body.Close()

	assert.Equal(t, DefaultContentType, audio.ContentType)
}

func TestFetchAudio_NonSuccessStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer upstream.Close()

	r := newStubRelay(t, upstream, nil)

	_, err := r.FetchAudio(context.Background(), Source{Text: "하나"})
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrUpstreamUnavailable))
	assert.Equal(t, "HTTP Error 403", PublicMessage(err))
	assert.Equal(t, http.StatusForbidden, HTTPStatus(err, true))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(err, false))
}

func TestFetchAudio_EmptyBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	r := newStubRelay(t, upstream, nil)

	_, err := r.FetchAudio(context.Background(), Source{Text: "하나"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstreamUnavailable))
	assert.Equal(t, "Empty audio response", PublicMessage(err))
}

func TestFetchAudio_Timeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer upstream.Close()
	defer close(release)

	r := newStubRelay(t, upstream, func(cfg *config.UpstreamConfig) {
		cfg.ProxyTimeout = 100 * time.Millisecond
	})

	start := time.Now()
	_, err := r.FetchAudio(context.Background(), Source{URL: upstream.URL + "/translate_tts?q=a"})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstreamTimeout), "expected timeout, got %v", err)
	assert.Equal(t, http.StatusRequestTimeout, HTTPStatus(err, true))
	assert.Less(t, elapsed, 2*time.Second)
}

func TestFetchAudio_UnreachableHost(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	target := upstream.URL + "/translate_tts?q=a"
	upstream.Close()

	r := newStubRelay(t, upstream, nil)

	start := time.Now()
	_, err := r.FetchAudio(context.Background(), Source{URL: target})
	require.Error(t, err)

	assert.True(t, errors.Is(err, ErrUpstreamUnavailable) || errors.Is(err, ErrUpstreamTimeout))
	assert.Equal(t, "TTS service unavailable", PublicMessage(err))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestFetchAudio_Validation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("validation failures must not reach the upstream")
	}))
	defer upstream.Close()

	r := newStubRelay(t, upstream, func(cfg *config.UpstreamConfig) {
		cfg.AllowedHosts = []string{"127.0.0.1"}
	})

	tests := []struct {
		name    string
		src     Source
		message string
	}{
		{name: "Nothing supplied", src: Source{}, message: "Missing text or url parameter"},
		{name: "Blank text", src: Source{Text: "   "}, message: "Missing text or url parameter"},
		{name: "Relative URL", src: Source{URL: "/translate_tts?q=a"}, message: "Invalid URL parameter"},
		{name: "Bad scheme", src: Source{URL: "ftp://127.0.0.1/a"}, message: "Invalid URL parameter"},
		{name: "Host outside allowlist", src: Source{URL: "https://example.com/translate_tts?q=a"}, message: "Upstream host not allowed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := r.FetchAudio(context.Background(), tt.src)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			assert.Equal(t, tt.message, PublicMessage(err))
			assert.Equal(t, http.StatusBadRequest, HTTPStatus(err, true))
		})
	}
}

func TestFetchAudio_CallerCancellation(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer upstream.Close()

	r := newStubRelay(t, upstream, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := r.FetchAudio(ctx, Source{Text: "하나"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrValidation))
}
