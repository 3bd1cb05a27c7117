// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/nostrsync/devicesync"
	"github.com/bureau-foundation/nostrsync/dmconn"
	"github.com/bureau-foundation/nostrsync/identity"
	"github.com/bureau-foundation/nostrsync/lib/config"
	"github.com/bureau-foundation/nostrsync/lib/sealed"
	"github.com/bureau-foundation/nostrsync/lib/statefile"
	"github.com/bureau-foundation/nostrsync/protocol"
	"github.com/bureau-foundation/nostrsync/relay"
)

func runSession(ctx context.Context, args []string) error {
	var configPath, sharedKey, deviceKey string
	var plainState bool
	flagSet := pflag.NewFlagSet("run", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "configuration file")
	flagSet.StringVar(&sharedKey, "shared-key", os.Getenv("NOSTRSYNC_SHARED_KEY"), "shared identity secret key (nsec or hex); required without a state file")
	flagSet.StringVar(&deviceKey, "device-key", "", "device secret key (nsec or hex); generated when empty")
	flagSet.BoolVar(&plainState, "plain-state", false, "write the state file without sealing it")
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
	if cfg.MetricsAddress != "" {
		serveMetrics(ctx, cfg.MetricsAddress, logger)
	}
	candidates, err := candidateSource(cfg, logger)
	if err != nil {
		return err
	}

	var sealer sealed.Sealer
	if cfg.StateFile != "" && !plainState {
		var release func()
		sealer, release, err = stateSealer(cfg)
		if err != nil {
			return err
		}
		defer release()
	}

	terminal := newConsole(os.Stdout)
	syncConfig := devicesync.Config{
		Protocol: protocol.Config{
			Network:               string(cfg.Network),
			UseCompression:        cfg.UseCompression,
			SubscriptionSkew:      cfg.SubscriptionSkew,
			TrustRequestFreshness: cfg.TrustRequestFreshness,
			Logger:                logger,
		},
		Announcement: connectionConfig(cfg, candidates, logger.With("protocol", "announcement")),
		GroupChat:    connectionConfig(cfg, candidates, logger.With("protocol", "group_chat")),
		Listener:     terminal,
		Logger:       logger,
	}

	device, err := openSync(cfg, syncConfig, sealer, sharedKey, deviceKey)
	if err != nil {
		return err
	}
	terminal.attach(device)

	if err := device.Start(ctx); err != nil {
		logger.Warn("start incomplete, retrying in the background", "error", err)
	}
	terminal.notice(fmt.Sprintf("device %s ready; type /help for commands", device.DeviceKey().Bech32()))

	sessionErr := terminal.run(ctx, os.Stdin)

	if cfg.StateFile != "" {
		if err := saveState(cfg.StateFile, device, sealer); err != nil {
			logger.Error("saving state failed", "path", cfg.StateFile, "error", err)
			sessionErr = errors.Join(sessionErr, err)
		} else {
			logger.Info("state saved", "path", cfg.StateFile)
		}
	}
	return errors.Join(sessionErr, device.Close())
}

func connectionConfig(cfg *config.Config, candidates relay.CandidateSource, logger *slog.Logger) dmconn.Config {
	return dmconn.Config{
		Client:              relay.NewNostrClient(logger),
		RelayList:           relay.NewList(nil, time.Time{}, cfg.Relays.MaxAge),
		Candidates:          candidates,
		Quorum:              cfg.Quorum,
		HandshakeTimeout:    cfg.HandshakeTimeout,
		UseTimer:            cfg.UseTimer,
		RetryInterval:       cfg.RetryInterval,
		ProcessedLogSize:    cfg.ProcessedLogSize,
		UntrustedBufferSize: cfg.UntrustedBufferSize,
		Logger:              logger,
	}
}

// openSync restores the device from the state file when one exists and
// otherwise starts fresh from the given keys.
func openSync(cfg *config.Config, syncConfig devicesync.Config, sealer sealed.Sealer, sharedKey, deviceKey string) (*devicesync.Sync, error) {
	if cfg.StateFile != "" {
		var snapshot devicesync.Snapshot
		err := statefile.Load(cfg.StateFile, &snapshot, sealer)
		switch {
		case err == nil:
			syncConfig.Logger.Info("restoring device state", "path", cfg.StateFile)
			return devicesync.Restore(syncConfig, snapshot)
		case !errors.Is(err, os.ErrNotExist):
			return nil, err
		}
	}

	if sharedKey == "" {
		return nil, errors.New("--shared-key is required on first run (create one with nostrsync keygen)")
	}
	shared, err := identity.ParseSecretKey(sharedKey)
	if err != nil {
		return nil, fmt.Errorf("parsing shared key: %w", err)
	}
	var own *identity.Keys
	if deviceKey != "" {
		own, err = identity.ParseSecretKey(deviceKey)
	} else {
		own, err = identity.Generate()
	}
	if err != nil {
		shared.Close()
		return nil, fmt.Errorf("device key: %w", err)
	}
	syncConfig.Announcement.Keys = shared
	syncConfig.GroupChat.Keys = own
	return devicesync.New(syncConfig)
}

func saveState(path string, device *devicesync.Sync, sealer sealed.Sealer) error {
	snapshot, err := device.Dump()
	if err != nil {
		return err
	}
	return statefile.Save(path, snapshot, sealer)
}
