// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"filippo.io/age"

	"github.com/bureau-foundation/nostrsync/lib/secret"
)

// Sealer encrypts and decrypts opaque state blobs.
type Sealer interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(ciphertext []byte) (*secret.Buffer, error)
}

// DefaultWorkFactor is the scrypt cost (log2 N) for passphrase sealing.
const DefaultWorkFactor = 18

// PassphraseSealer seals with an age scrypt recipient.
type PassphraseSealer struct {
	passphrase *secret.Buffer
	workFactor int
}

// Passphrase returns a Sealer keyed by passphrase. The buffer is
// borrowed and must outlive the sealer. workFactor <= 0 selects
// DefaultWorkFactor.
func Passphrase(passphrase *secret.Buffer, workFactor int) *PassphraseSealer {
	if workFactor <= 0 {
		workFactor = DefaultWorkFactor
	}
	return &PassphraseSealer{passphrase: passphrase, workFactor: workFactor}
}

func (s *PassphraseSealer) Seal(plaintext []byte) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(string(s.passphrase.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("sealed: creating scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(s.workFactor)
	return encrypt(plaintext, recipient)
}

func (s *PassphraseSealer) Open(ciphertext []byte) (*secret.Buffer, error) {
	identity, err := age.NewScryptIdentity(string(s.passphrase.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("sealed: creating scrypt identity: %w", err)
	}
	return decrypt(ciphertext, identity)
}

// Keypair holds an age X25519 keypair. PrivateKey is the
// AGE-SECRET-KEY-1... string in protected memory.
type Keypair struct {
	PrivateKey *secret.Buffer
	PublicKey  string
}

// GenerateKeypair creates a new X25519 keypair. The caller must Close it.
func GenerateKeypair() (*Keypair, error) {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("sealed: generating age keypair: %w", err)
	}
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting private key: %w", err)
	}
	return &Keypair{PrivateKey: privateKey, PublicKey: identity.Recipient().String()}, nil
}

// ParseKeypair reads an age identity file body (comments allowed) held
// in a secret buffer. The buffer is borrowed.
func ParseKeypair(contents *secret.Buffer) (*Keypair, error) {
	var line string
	for _, candidate := range strings.Split(string(contents.Bytes()), "\n") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" || strings.HasPrefix(candidate, "#") {
			continue
		}
		line = candidate
		break
	}
	identity, err := age.ParseX25519Identity(line)
	if err != nil {
		return nil, fmt.Errorf("sealed: invalid age private key: %w", err)
	}
	privateKey, err := secret.NewFromBytes([]byte(identity.String()))
	if err != nil {
		return nil, fmt.Errorf("sealed: protecting private key: %w", err)
	}
	return &Keypair{PrivateKey: privateKey, PublicKey: identity.Recipient().String()}, nil
}

// Close releases the private key. Idempotent.
func (k *Keypair) Close() error {
	if k.PrivateKey != nil {
		return k.PrivateKey.Close()
	}
	return nil
}

func (k *Keypair) Seal(plaintext []byte) ([]byte, error) {
	recipient, err := age.ParseX25519Recipient(k.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing recipient key %q: %w", k.PublicKey, err)
	}
	return encrypt(plaintext, recipient)
}

func (k *Keypair) Open(ciphertext []byte) (*secret.Buffer, error) {
	identity, err := age.ParseX25519Identity(string(k.PrivateKey.Bytes()))
	if err != nil {
		return nil, fmt.Errorf("sealed: parsing private key: %w", err)
	}
	return decrypt(ciphertext, identity)
}

func encrypt(plaintext []byte, recipient age.Recipient) ([]byte, error) {
	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return nil, fmt.Errorf("sealed: creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("sealed: writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("sealed: finalizing age encryption: %w", err)
	}
	return ciphertext.Bytes(), nil
}

func decrypt(ciphertext []byte, identity age.Identity) (*secret.Buffer, error) {
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("sealed: decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("sealed: reading decrypted plaintext: %w", err)
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("sealed: decrypted plaintext is empty")
	}
	return secret.NewFromBytes(plaintext)
}

var (
	_ Sealer = (*PassphraseSealer)(nil)
	_ Sealer = (*Keypair)(nil)
)
