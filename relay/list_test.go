// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"encoding/json"
	"slices"
	"strings"
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNewListDeduplicates(t *testing.T) {
	list := NewList([]string{"wss://a", "wss://b", "wss://a", " ", "wss://c", "wss://b"}, epoch, 0)
	want := []string{"wss://a", "wss://b", "wss://c"}
	if !slices.Equal(list.Relays, want) {
		t.Errorf("Relays = %v, want %v", list.Relays, want)
	}
}

func TestIsStale(t *testing.T) {
	tests := []struct {
		name   string
		maxAge time.Duration
		age    time.Duration
		want   bool
	}{
		{"disabled", 0, 365 * 24 * time.Hour, false},
		{"fresh", 30 * 24 * time.Hour, 29 * 24 * time.Hour, false},
		{"boundary", 30 * 24 * time.Hour, 30 * 24 * time.Hour, false},
		{"stale", 30 * 24 * time.Hour, 31 * 24 * time.Hour, true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			list := NewList([]string{"wss://a"}, epoch, test.maxAge)
			if got := list.IsStale(epoch.Add(test.age)); got != test.want {
				t.Errorf("IsStale = %v, want %v", got, test.want)
			}
		})
	}
}

func TestSubset(t *testing.T) {
	list := NewList([]string{"wss://a", "wss://b", "wss://c"}, epoch, 0)
	if got := list.Subset(2); !slices.Equal(got, []string{"wss://a", "wss://b"}) {
		t.Errorf("Subset(2) = %v", got)
	}
	if got := list.Subset(10); len(got) != 3 {
		t.Errorf("Subset(10) = %v, want all three", got)
	}
	if got := list.Subset(-1); len(got) != 0 {
		t.Errorf("Subset(-1) = %v, want empty", got)
	}

	got := list.Subset(1)
	got[0] = "wss://mutated"
	if list.Relays[0] != "wss://a" {
		t.Error("Subset shares storage with the list")
	}
}

func TestListJSON(t *testing.T) {
	original := NewList([]string{"wss://a", "wss://b"}, epoch.Add(1500*time.Millisecond), 30*24*time.Hour)
	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if !strings.Contains(string(data), `"max_age":2592000`) {
		t.Errorf("max_age not persisted in seconds: %s", data)
	}

	var restored List
	if err := json.Unmarshal(data, &restored); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !slices.Equal(restored.Relays, original.Relays) || !restored.LastUpdated.Equal(original.LastUpdated) ||
		restored.MaxAge != original.MaxAge {
		t.Errorf("restored = %+v, want %+v", restored, original)
	}

	disabled, err := json.Marshal(NewList(nil, epoch, 0))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(disabled), "max_age") {
		t.Errorf("disabled max_age was persisted: %s", disabled)
	}
}
