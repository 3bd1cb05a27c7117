// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// nostrsync keeps a user's devices in touch over Nostr relays.
//
// Every device of one user shares an identity key used only for
// announcements; each device also has its own key for end-to-end
// encrypted chat with the devices it trusts.
//
//	nostrsync keygen              print a new shared identity key
//	nostrsync run --shared-key …  join the device group and chat
//	nostrsync probe               check relay reachability
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printUsage()
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	command, rest := args[0], args[1:]
	var err error
	switch command {
	case "keygen":
		err = runKeygen(rest)
	case "run":
		err = runSession(ctx, rest)
	case "probe":
		err = runProbe(ctx, rest)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", command)
	}
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	return err
}

func printUsage() {
	fmt.Fprint(os.Stderr, `nostrsync: end-to-end encrypted device sync over Nostr.

Usage:
  nostrsync keygen [--state-key FILE]
  nostrsync run [--config FILE] [--shared-key NSEC] [--device-key NSEC]
  nostrsync probe [--config FILE] [--timeout DURATION]

Configuration is read from --config, or NOSTRSYNC_CONFIG, and may be
overridden with NOSTRSYNC_* environment variables.
`)
}
