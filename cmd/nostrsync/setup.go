// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/term"

	"github.com/bureau-foundation/nostrsync/lib/config"
	"github.com/bureau-foundation/nostrsync/lib/sealed"
	"github.com/bureau-foundation/nostrsync/lib/secret"
	"github.com/bureau-foundation/nostrsync/relay"
)

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newLogger writes to stderr in the configured format and level.
func newLogger(cfg *config.Config) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	return newLoggerTo(os.Stderr, cfg.LogFormat, level), nil
}

func newLoggerTo(writer io.Writer, format string, level slog.Level) *slog.Logger {
	options := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(writer, options))
	}
	return slog.New(slog.NewTextHandler(writer, options))
}

// candidateSource builds the relay discovery chain: preferred relays,
// then the configured directories, then the seed list.
func candidateSource(cfg *config.Config, logger *slog.Logger) (*relay.HTTPCandidates, error) {
	seed := relay.DefaultSeed()
	if cfg.Relays.SeedFile != "" {
		loaded, err := config.LoadRelayFile(cfg.Relays.SeedFile)
		if err != nil {
			return nil, err
		}
		seed = loaded
	}
	return &relay.HTTPCandidates{
		URLs:      cfg.Relays.DiscoveryURLs,
		Preferred: cfg.Relays.Preferred,
		Seed:      seed,
		Logger:    logger,
	}, nil
}

// stateSealer returns the sealer for the state file: the age identity
// in state_key_file, or a passphrase read from the terminal. The
// returned close function releases key material.
func stateSealer(cfg *config.Config) (sealed.Sealer, func(), error) {
	if cfg.StateKeyFile != "" {
		contents, err := readSecretFile(cfg.StateKeyFile)
		if err != nil {
			return nil, nil, err
		}
		defer contents.Close()
		keypair, err := sealed.ParseKeypair(contents)
		if err != nil {
			return nil, nil, err
		}
		return keypair, func() { keypair.Close() }, nil
	}

	passphrase, err := readPassphrase("State passphrase: ")
	if err != nil {
		return nil, nil, err
	}
	return sealed.Passphrase(passphrase, 0), func() { passphrase.Close() }, nil
}

func readPassphrase(prompt string) (*secret.Buffer, error) {
	descriptor := int(os.Stdin.Fd())
	if !term.IsTerminal(descriptor) {
		return nil, errors.New("no terminal available for the state passphrase (set state_key_file)")
	}
	fmt.Fprint(os.Stderr, prompt)
	passphrase, err := term.ReadPassword(descriptor)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}
	buffer, err := secret.NewFromBytes(passphrase)
	if err != nil {
		secret.Zero(passphrase)
		return nil, err
	}
	return buffer, nil
}

// readSecretFile reads path into protected memory, dropping trailing
// newlines.
func readSecretFile(path string) (*secret.Buffer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	trimmed := []byte(strings.TrimRight(string(data), "\r\n"))
	secret.Zero(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}
	buffer, err := secret.NewFromBytes(trimmed)
	if err != nil {
		secret.Zero(trimmed)
		return nil, err
	}
	return buffer, nil
}

// serveMetrics serves Prometheus metrics until ctx is cancelled.
func serveMetrics(ctx context.Context, address string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownContext, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownContext)
	}()
	go func() {
		logger.Info("serving metrics", "address", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
}
