// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/nostrsync/relay"
)

func runProbe(ctx context.Context, args []string) error {
	var configPath string
	var timeout time.Duration
	var limit int
	flagSet := pflag.NewFlagSet("probe", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "configuration file")
	flagSet.DurationVar(&timeout, "timeout", 3*time.Second, "handshake timeout per relay")
	flagSet.IntVar(&limit, "limit", 50, "probe at most this many candidate relays")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	candidates, err := candidateSource(cfg, logger)
	if err != nil {
		return err
	}
	urls, err := candidates.Candidates(ctx)
	if err != nil {
		return err
	}
	if len(urls) > limit {
		urls = urls[:limit]
	}

	prober := &relay.Prober{Timeout: timeout}
	results := prober.Probe(ctx, urls)
	palette := newStyles()
	for _, result := range results {
		if result.Reachable {
			fmt.Println(palette.ok.Render("up  ") + fmt.Sprintf(" %-48s %v", result.URL, result.Latency.Round(time.Millisecond)))
			continue
		}
		fmt.Println(palette.fail.Render("down") + fmt.Sprintf(" %-48s %v", result.URL, result.Err))
	}
	fmt.Fprintf(os.Stderr, "%d of %d relays reachable\n", len(relay.Reachable(results)), len(results))
	return nil
}
