// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/bureau-foundation/nostrsync/lib/config"
)

// CandidateSource supplies relay URLs when a List is refreshed.
type CandidateSource interface {
	Candidates(ctx context.Context) ([]string, error)
}

// StaticCandidates always returns the same URLs.
type StaticCandidates []string

func (s StaticCandidates) Candidates(context.Context) ([]string, error) {
	return append([]string(nil), s...), nil
}

//go:embed seed_relays.jsonc
var seedRelays []byte

// DefaultSeed returns the built-in fallback relay list.
func DefaultSeed() []string {
	relays, err := config.ParseRelayList(seedRelays)
	if err != nil {
		panic("relay: built-in seed list is malformed: " + err.Error())
	}
	return relays
}

// HTTPCandidates queries relay directories that answer with a JSON
// array of relay URLs (for example the nostr.watch per-NIP lists).
// Preferred relays always come first. When no directory yields a
// relay the Seed list is used instead.
type HTTPCandidates struct {
	HTTPClient *http.Client
	URLs       []string
	Preferred  []string
	Seed       []string
	Logger     *slog.Logger
}

// directoryTimeout bounds each directory request.
const directoryTimeout = 2 * time.Second

func (h *HTTPCandidates) Candidates(ctx context.Context) ([]string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := h.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: directoryTimeout}
	}

	var discovered []string
	for _, url := range h.URLs {
		relays, err := fetchDirectory(ctx, client, url)
		if err != nil {
			logger.Warn("relay directory unavailable", "url", url, "error", err)
			continue
		}
		logger.Debug("relay directory answered", "url", url, "relays", len(relays))
		discovered = append(discovered, relays...)
	}
	if len(discovered) == 0 {
		logger.Debug("no relay directory answered, using seed list", "relays", len(h.Seed))
		discovered = h.Seed
	}

	merged := append(append([]string(nil), h.Preferred...), discovered...)
	return NewList(merged, time.Time{}, 0).Relays, nil
}

func fetchDirectory(ctx context.Context, client *http.Client, url string) ([]string, error) {
	requestContext, cancel := context.WithTimeout(ctx, directoryTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(requestContext, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")

	response, err := client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %s", response.Status)
	}

	var relays []string
	if err := json.NewDecoder(io.LimitReader(response.Body, 4<<20)).Decode(&relays); err != nil {
		return nil, fmt.Errorf("decoding relay list: %w", err)
	}
	return relays, nil
}
