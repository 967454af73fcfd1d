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

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/pflag"

	"github.com/loqalabs/korean-tts-relay/internal/config"
	"github.com/loqalabs/korean-tts-relay/internal/events"
	"github.com/loqalabs/korean-tts-relay/internal/messaging"
)

const (
	defaultRelayURL = "http://localhost:6790"
)

type AudioCandidate struct {
	URL         string `json:"url"`
	Text        string `json:"text"`
	Accent      string `json:"accent"`
	Language    string `json:"language"`
	Label       string `json:"label"`
	Quality     string `json:"quality"`
	Priority    int    `json:"priority"`
	Description string `json:"description"`
}

type AudioInfo struct {
	Audios         []AudioCandidate `json:"audios"`
	SourcesUsed    []string         `json:"sources_used"`
	PrimarySource  string           `json:"primary_source"`
	TotalSources   int              `json:"total_sources"`
	Recommendation string           `json:"recommendation"`
	Error          string           `json:"error"`
}

type RelayEvent struct {
	UUID         string    `json:"uuid"`
	Kind         string    `json:"kind"`
	Timestamp    time.Time `json:"timestamp"`
	Text         string    `json:"text"`
	StatusCode   int       `json:"status_code"`
	Bytes        int64     `json:"bytes"`
	DurationMs   int64     `json:"duration_ms"`
	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message"`
}

func main() {
	var (
		relayURL = pflag.String("relay", defaultRelayURL, "URL of the Korean TTS relay")
		action   = pflag.String("action", "info", "Action to perform: info, fetch, health, events, tail")
		text     = pflag.String("text", "", "Korean text for info and fetch")
		out      = pflag.StringP("out", "o", "", "Output file for fetch (default: server-suggested filename)")
		page     = pflag.Int("page", 1, "Page for events")
		verbose  = pflag.BoolP("verbose", "v", false, "Verbose output")
		format   = pflag.String("format", "table", "Output format: table, json")
		natsURL  = pflag.String("nats-url", nats.DefaultURL, "NATS server for tail")
		subject  = pflag.String("subject", config.DefaultNATSSubject, "Relay event subject for tail")
		count    = pflag.Int("count", 0, "Stop tail after this many events (0 = until interrupted)")
	)
	pflag.Parse()

	client := &RelayCLI{
		relayURL: *relayURL,
		verbose:  *verbose,
		format:   *format,
		http:     &http.Client{Timeout: 30 * time.Second},
	}

	var err error
	switch *action {
	case "info":
		if *text == "" {
			err = fmt.Errorf("text required for info action")
			break
		}
		err = client.audioInfo(*text)
	case "fetch":
		if *text == "" {
			err = fmt.Errorf("text required for fetch action")
			break
		}
		err = client.fetch(*text, *out)
	case "health":
		err = client.health()
	case "events":
		err = client.listEvents(*page)
	case "tail":
		err = client.tailNATS(*natsURL, *subject, *count)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown action %s\n", *action)
		fmt.Fprintf(os.Stderr, "Valid actions: info, fetch, health, events, tail\n")
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type RelayCLI struct {
	relayURL string
	verbose  bool
	format   string
	http     *http.Client
}

func (c *RelayCLI) postJSON(path string, payload interface{}) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if c.verbose {
		fmt.Fprintf(os.Stderr, "POST %s%s %s\n", c.relayURL, path, data)
	}

	resp, err := c.http.Post(c.relayURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to relay: %w", err)
	}
	return resp, nil
}

func (c *RelayCLI) audioInfo(text string) error {
	resp, err := c.postJSON("/korean-audio-info", map[string]string{"text": text})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var info AudioInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if c.format == "json" {
		return printJSON(info)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PRIORITY\tLABEL\tLANGUAGE\tQUALITY\tURL")
	fmt.Fprintln(w, "--------\t-----\t--------\t-------\t---")
	for _, audio := range info.Audios {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
			audio.Priority, audio.Label, audio.Language, audio.Quality, audio.URL)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("error flushing output: %w", err)
	}

	fmt.Printf("\nPrimary source: %s (%d total)\n", info.PrimarySource, info.TotalSources)
	if info.Error != "" {
		fmt.Printf("Degraded: %s\n", info.Error)
	}
	return nil
}

func (c *RelayCLI) fetch(text, out string) error {
	resp, err := c.postJSON("/korean-audio", map[string]string{"text": text})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	if out == "" {
		out = suggestedFilename(resp.Header.Get("Content-Disposition"))
	}

	file, err := os.Create(out)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", out, err)
	}
	defer file.Close()

	written, err := io.Copy(file, resp.Body)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", out, err)
	}

	fmt.Printf("Saved %d bytes of %s to %s\n", written, resp.Header.Get("Content-Type"), out)
	return nil
}

func (c *RelayCLI) health() error {
	resp, err := c.http.Get(c.relayURL + "/health")
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var health map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if c.format == "json" {
		return printJSON(health)
	}

	fmt.Printf("Relay Health:\n")
	fmt.Printf("  Status:   %v\n", health["status"])
	fmt.Printf("  Service:  %v\n", health["service"])
	fmt.Printf("  Version:  %v\n", health["version"])
	fmt.Printf("  Platform: %v\n", health["platform"])
	return nil
}

func (c *RelayCLI) listEvents(page int) error {
	query := url.Values{}
	query.Set("page", fmt.Sprint(page))

	resp, err := c.http.Get(c.relayURL + "/api/relay-events?" + query.Encode())
	if err != nil {
		return fmt.Errorf("failed to connect to relay: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("relay history is not enabled")
	}
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}

	var result struct {
		Events     []RelayEvent `json:"events"`
		Total      int64        `json:"total"`
		Page       int          `json:"page"`
		TotalPages int          `json:"total_pages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if c.format == "json" {
		return printJSON(result.Events)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tSTATUS\tOK\tBYTES\tDURATION\tTEXT")
	fmt.Fprintln(w, "----\t----\t------\t--\t-----\t--------\t----")
	for _, event := range result.Events {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%dms\t%s\n",
			event.Timestamp.Format("2006-01-02 15:04:05"),
			event.Kind,
			event.StatusCode,
			formatBool(event.Success),
			event.Bytes,
			event.DurationMs,
			event.Text,
		)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("error flushing output: %w", err)
	}

	fmt.Printf("\nPage %d of %d (%d events)\n", result.Page, result.TotalPages, result.Total)
	return nil
}

// relayEventSubscriber is satisfied by *messaging.NATSService
type relayEventSubscriber interface {
	SubscribeToRelayEvents(handler func(*events.RelayEvent)) (*nats.Subscription, error)
}

func (c *RelayCLI) tailNATS(natsURL, subject string, count int) error {
	service, err := messaging.NewNATSService(config.NATSConfig{URL: natsURL, Subject: subject})
	if err != nil {
		return err
	}
	if err := service.Connect(); err != nil {
		return err
	}
	defer service.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if c.verbose {
		fmt.Fprintf(os.Stderr, "Tailing %s on %s\n", service.Subject(), natsURL)
	}
	return c.tail(ctx, service, os.Stdout, count)
}

// tail prints relay events as they arrive until ctx is done or count events were shown
func (c *RelayCLI) tail(ctx context.Context, source relayEventSubscriber, out io.Writer, count int) error {
	received := make(chan *events.RelayEvent, 64)

	sub, err := source.SubscribeToRelayEvents(func(event *events.RelayEvent) {
		select {
		case received <- event:
		default:
			fmt.Fprintf(os.Stderr, "Dropped event %s: output too slow\n", event.UUID)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	if sub != nil {
		defer func() { _ = sub.Unsubscribe() }()
	}

	for shown := 0; count <= 0 || shown < count; shown++ {
		select {
		case <-ctx.Done():
			return nil
		case event := <-received:
			if err := c.printTailEvent(out, event); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *RelayCLI) printTailEvent(out io.Writer, event *events.RelayEvent) error {
	if c.format == "json" {
		return json.NewEncoder(out).Encode(event)
	}

	line := fmt.Sprintf("%s  %-10s  %3d  %s  %s",
		event.Timestamp.Format("15:04:05"),
		event.Kind,
		event.StatusCode,
		formatBool(event.Success),
		event.Text,
	)
	if event.ErrorMessage != "" {
		line += "  (" + event.ErrorMessage + ")"
	}
	_, err := fmt.Fprintln(out, line)
	return err
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("API returned status %d", resp.StatusCode)
	}
	return fmt.Errorf("API returned status %d (%s): %s", resp.StatusCode, body.Code, body.Error)
}

func suggestedFilename(disposition string) string {
	if _, params, err := mime.ParseMediaType(disposition); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	return "korean_audio.mp3"
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func formatBool(b bool) string {
	if b {
		return "✓"
	}
	return "✗"
}
