// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// List is an ordered set of relay URLs, highest priority first. A List
// is replaced wholesale on refresh, never edited in place.
type List struct {
	Relays      []string
	LastUpdated time.Time
	// MaxAge is how long the list stays fresh. Zero disables
	// staleness.
	MaxAge time.Duration
}

// NewList deduplicates relays, keeping the first occurrence, and drops
// blank entries.
func NewList(relays []string, lastUpdated time.Time, maxAge time.Duration) List {
	seen := make(map[string]struct{}, len(relays))
	deduplicated := make([]string, 0, len(relays))
	for _, url := range relays {
		url = strings.TrimSpace(url)
		if url == "" {
			continue
		}
		if _, duplicate := seen[url]; duplicate {
			continue
		}
		seen[url] = struct{}{}
		deduplicated = append(deduplicated, url)
	}
	return List{Relays: deduplicated, LastUpdated: lastUpdated, MaxAge: maxAge}
}

// IsStale reports whether the list has outlived MaxAge at now.
func (l List) IsStale(now time.Time) bool {
	return l.MaxAge > 0 && now.Sub(l.LastUpdated) > l.MaxAge
}

// Subset returns the first size relays.
func (l List) Subset(size int) []string {
	size = max(0, min(size, len(l.Relays)))
	return slices.Clone(l.Relays[:size])
}

// Len returns the number of relays.
func (l List) Len() int { return len(l.Relays) }

// listRecord is the persisted form. Times are Unix seconds; max_age
// is omitted when staleness is disabled.
type listRecord struct {
	Relays      []string `json:"relays"`
	LastUpdated float64  `json:"last_updated"`
	MaxAge      *float64 `json:"max_age,omitempty"`
}

func (l List) MarshalJSON() ([]byte, error) {
	record := listRecord{
		Relays:      l.Relays,
		LastUpdated: float64(l.LastUpdated.UnixMicro()) / 1e6,
	}
	if record.Relays == nil {
		record.Relays = []string{}
	}
	if l.MaxAge > 0 {
		seconds := l.MaxAge.Seconds()
		record.MaxAge = &seconds
	}
	return json.Marshal(record)
}

func (l *List) UnmarshalJSON(data []byte) error {
	var record listRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return fmt.Errorf("relay: parsing relay list: %w", err)
	}
	whole, fraction := math.Modf(record.LastUpdated)
	var maxAge time.Duration
	if record.MaxAge != nil {
		maxAge = time.Duration(*record.MaxAge * float64(time.Second))
	}
	*l = NewList(record.Relays, time.Unix(int64(whole), int64(math.Round(fraction*1e6))*1e3), maxAge)
	return nil
}
