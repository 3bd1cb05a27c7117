// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package statefile persists device snapshots across restarts.
//
// A snapshot is JSON, compressed with lz4 and optionally sealed with a
// [sealed.Sealer]. Files are written atomically (temporary file, fsync,
// rename, directory fsync) so a crash mid-write leaves the previous
// snapshot intact.
//
// The first byte of the file records the layout so that an unsealed
// file is never mistaken for a sealed one:
//
//	'P' plain:  lz4(json)
//	'S' sealed: seal(lz4(json))
package statefile

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pierrec/lz4/v4"

	"github.com/bureau-foundation/nostrsync/lib/sealed"
	"github.com/bureau-foundation/nostrsync/lib/secret"
)

const (
	layoutPlain  = 'P'
	layoutSealed = 'S'
)

// ErrSealerRequired is returned by Load for a sealed file when no
// sealer was supplied.
var ErrSealerRequired = errors.New("statefile: file is sealed but no sealer was configured")

// Save writes value to path. A nil sealer writes the plain layout. The
// file mode is 0600.
func Save(path string, value any, sealer sealed.Sealer) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("statefile: marshaling state: %w", err)
	}
	compressed, err := compress(data)
	secret.Zero(data)
	if err != nil {
		return err
	}

	layout := byte(layoutPlain)
	if sealer != nil {
		layout = layoutSealed
		compressed, err = sealer.Seal(compressed)
		if err != nil {
			return fmt.Errorf("statefile: sealing state: %w", err)
		}
	}
	return WriteAtomic(path, append([]byte{layout}, compressed...))
}

// Load reads path into value. When the file does not exist the
// returned error wraps os.ErrNotExist.
func Load(path string, value any, sealer sealed.Sealer) error {
	contents, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(contents) == 0 {
		return fmt.Errorf("statefile: %s is empty", path)
	}

	payload := contents[1:]
	switch contents[0] {
	case layoutPlain:
	case layoutSealed:
		if sealer == nil {
			return ErrSealerRequired
		}
		opened, err := sealer.Open(payload)
		if err != nil {
			return fmt.Errorf("statefile: opening %s: %w", path, err)
		}
		defer opened.Close()
		payload = opened.Bytes()
	default:
		return fmt.Errorf("statefile: %s has unknown layout %q", path, contents[0])
	}

	data, err := decompress(payload)
	if err != nil {
		return fmt.Errorf("statefile: %s: %w", path, err)
	}
	defer secret.Zero(data)
	if err := json.Unmarshal(data, value); err != nil {
		return fmt.Errorf("statefile: parsing %s: %w", path, err)
	}
	return nil
}

// WriteAtomic replaces path with data via a temporary file in the same
// directory. The parent directory must exist.
func WriteAtomic(path string, data []byte) error {
	temporaryPath := path + ".tmp"

	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("statefile: creating temporary file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: writing temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: syncing temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: closing temporary file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("statefile: renaming into place: %w", err)
	}

	parentDirectory, err := os.Open(filepath.Dir(path))
	if err == nil {
		parentDirectory.Sync()
		parentDirectory.Close()
	}
	return nil
}

// Clear removes path. Missing files are not an error.
func Clear(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("statefile: removing %s: %w", path, err)
	}
	return nil
}

func compress(data []byte) ([]byte, error) {
	var buffer bytes.Buffer
	writer := lz4.NewWriter(&buffer)
	if _, err := writer.Write(data); err != nil {
		return nil, fmt.Errorf("statefile: lz4 compressing: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("statefile: finishing lz4 frame: %w", err)
	}
	return buffer.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	decompressed, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, fmt.Errorf("lz4 decompressing: %w", err)
	}
	return decompressed, nil
}
