// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ProbeResult is the outcome of one relay handshake.
type ProbeResult struct {
	URL       string
	Reachable bool
	Latency   time.Duration
	Err       error
}

// Prober checks relay reachability with a bare WebSocket handshake,
// without speaking the Nostr protocol.
type Prober struct {
	Timeout     time.Duration
	Concurrency int
	Dialer      *websocket.Dialer
}

// Probe dials every URL and returns results sorted reachable first,
// then by latency. The order of unreachable relays follows urls.
func (p *Prober) Probe(ctx context.Context, urls []string) []ProbeResult {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultHandshakeTimeout
	}
	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = 16
	}
	dialer := p.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			HandshakeTimeout: timeout,
			ReadBufferSize:   1024,
			WriteBufferSize:  1024,
		}
	}

	results := make([]ProbeResult, len(urls))
	slots := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for index, url := range urls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case slots <- struct{}{}:
			case <-ctx.Done():
				results[index] = ProbeResult{URL: url, Err: ctx.Err()}
				return
			}
			defer func() { <-slots }()
			results[index] = probeOne(ctx, dialer, url, timeout)
		}()
	}
	wg.Wait()

	slices.SortStableFunc(results, func(a, b ProbeResult) int {
		switch {
		case a.Reachable && !b.Reachable:
			return -1
		case !a.Reachable && b.Reachable:
			return 1
		case a.Reachable:
			return cmp.Compare(a.Latency, b.Latency)
		}
		return 0
	})
	return results
}

func probeOne(ctx context.Context, dialer *websocket.Dialer, url string, timeout time.Duration) ProbeResult {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := url
	if !strings.HasPrefix(target, "ws://") && !strings.HasPrefix(target, "wss://") {
		target = "wss://" + target
	}
	start := time.Now()
	conn, response, err := dialer.DialContext(dialCtx, target, nil)
	if response != nil && response.Body != nil {
		response.Body.Close()
	}
	if err != nil {
		return ProbeResult{URL: url, Err: err}
	}
	latency := time.Since(start)
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	conn.Close()
	return ProbeResult{URL: url, Reachable: true, Latency: latency}
}

// Reachable returns the URLs of reachable results, in order.
func Reachable(results []ProbeResult) []string {
	var urls []string
	for _, result := range results {
		if result.Reachable {
			urls = append(urls, result.URL)
		}
	}
	return urls
}
