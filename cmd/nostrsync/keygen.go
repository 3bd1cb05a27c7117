// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/nostrsync/identity"
	"github.com/bureau-foundation/nostrsync/lib/sealed"
	"github.com/bureau-foundation/nostrsync/lib/statefile"
)

// runKeygen prints a fresh shared identity. With --state-key it also
// writes an age identity file suitable for state_key_file.
func runKeygen(args []string) error {
	var stateKeyPath string
	flagSet := pflag.NewFlagSet("keygen", pflag.ContinueOnError)
	flagSet.StringVar(&stateKeyPath, "state-key", "", "also write a new age identity for sealing the state file to this path")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	keys, err := identity.Generate()
	if err != nil {
		return err
	}
	defer keys.Close()
	secret, err := keys.SecretBech32()
	if err != nil {
		return err
	}
	fmt.Printf("shared secret key: %s\n", secret)
	fmt.Printf("shared public key: %s\n", keys.PublicKey().Bech32())

	if stateKeyPath == "" {
		return nil
	}
	keypair, err := sealed.GenerateKeypair()
	if err != nil {
		return err
	}
	defer keypair.Close()
	body := fmt.Sprintf("# public key: %s\n%s\n", keypair.PublicKey, keypair.PrivateKey.Bytes())
	if err := statefile.WriteAtomic(stateKeyPath, []byte(body)); err != nil {
		return fmt.Errorf("writing state key: %w", err)
	}
	fmt.Fprintf(os.Stderr, "state key written to %s\n", stateKeyPath)
	return nil
}
