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
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/korean-tts-relay/internal/logging"
	"github.com/loqalabs/korean-tts-relay/internal/security"
)

// Source selects what FetchAudio fetches. Text wins when both are set.
type Source struct {
	Text string
	URL  string
}

// Audio is a successful upstream response. Body is never empty and must be
// closed by the caller; closing it also releases the fetch deadline.
type Audio struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64 // -1 if unknown
	UpstreamURL   string
	Filename      string
}

// FetchAudio performs the outbound GET for src and returns the audio stream.
// The call is bounded by the proxy or synthesis timeout and by ctx.
func (r *Relay) FetchAudio(ctx context.Context, src Source) (*Audio, error) {
	upstreamURL, timeout, err := r.resolve(src)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, upstreamURL, nil)
	if err != nil {
		cancel()
		return nil, newError(KindInternal, "failed to create upstream request", err)
	}

	req.Header.Set("User-Agent", r.config.UserAgent)
	req.Header.Set("Accept", r.config.Accept)
	req.Header.Set("Referer", r.config.Referer)

	startTime := time.Now()
	logging.LogRelayOperation("fetch_start",
		zap.String("upstream_url", security.TruncateForLog(upstreamURL, 100)),
		zap.Duration("timeout", timeout),
	)

	resp, err := r.client.Do(req)
	if err != nil {
		cancel()
		relayErr := classifyTransportError(err)
		logging.LogError(err, "Upstream TTS request failed",
			zap.String("error_kind", string(relayErr.Kind)),
			zap.Duration("elapsed", time.Since(startTime)),
		)
		return nil, relayErr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		logging.LogWarn("Upstream TTS returned non-2xx status",
			zap.Int("status_code", resp.StatusCode),
		)
		return nil, &Error{
			Kind:       KindUpstreamUnavailable,
			Message:    fmt.Sprintf("HTTP Error %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}

	// A 200 with no bytes is not playable audio.
	reader := bufio.NewReader(resp.Body)
	if _, err := reader.Peek(1); err != nil {
		resp.Body.Close()
		cancel()
		if errors.Is(err, io.EOF) {
			logging.LogWarn("Upstream TTS returned an empty body")
			return nil, newError(KindUpstreamUnavailable, "Empty audio response", err)
		}
		return nil, classifyTransportError(err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = DefaultContentType
	}

	logging.LogRelayOperation("fetch_complete",
		zap.Duration("elapsed", time.Since(startTime)),
		zap.String("content_type", contentType),
		zap.Int64("content_length", resp.ContentLength),
	)

	return &Audio{
		Body:          &audioBody{Reader: reader, body: resp.Body, cancel: cancel},
		ContentType:   contentType,
		ContentLength: resp.ContentLength,
		UpstreamURL:   upstreamURL,
		Filename:      r.Filename(upstreamURL),
	}, nil
}

// resolve picks the upstream URL and timeout for src without touching the network
func (r *Relay) resolve(src Source) (string, time.Duration, error) {
	if text := strings.TrimSpace(src.Text); text != "" {
		return r.BuildUpstreamURL(text), r.config.SynthTimeout, nil
	}

	if src.URL == "" {
		return "", 0, NewValidationError("Missing text or url parameter")
	}

	if _, err := security.ValidateUpstreamURL(src.URL, r.config.AllowedHosts); err != nil {
		if errors.Is(err, security.ErrUpstreamHostNotAllowed) {
			return "", 0, &Error{Kind: KindValidation, Message: "Upstream host not allowed", Err: err}
		}
		return "", 0, &Error{Kind: KindValidation, Message: "Invalid URL parameter", Err: err}
	}

	return src.URL, r.config.ProxyTimeout, nil
}

func classifyTransportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		return newError(KindUpstreamTimeout, "Timeout error when accessing upstream", err)
	}
	return newError(KindUpstreamUnavailable, "TTS service unavailable", err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// audioBody streams the buffered upstream body and releases the fetch context on Close
type audioBody struct {
	io.Reader
	body   io.Closer
	cancel context.CancelFunc
}

func (b *audioBody) Close() error {
	err := b.body.Close()
	b.cancel()
	return err
}
