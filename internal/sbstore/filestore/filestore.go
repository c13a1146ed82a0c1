// Package filestore persists negotiated MAC keys to a file, so that
// deployments using the in-memory chunk store don't renegotiate keys on
// every restart. Writes go through an atomic rename, so a crash mid-write
// leaves either the old key pair or the new one, never a torn file.
//
// Grounded on AdGuardDNS's internal/filter/refrfilter.go, which uses
// renameio the same way for its filter cache files.
package filestore

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/AdguardTeam/go-safebrowsing/internal/sbstore"
	"github.com/google/renameio/v2"
)

// MacKeyFile stores one MAC key pair at a fixed path, one base64 line per
// key.
type MacKeyFile struct {
	path string
}

// NewMacKeyFile returns a MacKeyFile at path. The file itself is created
// on the first Store call.
func NewMacKeyFile(path string) (f *MacKeyFile) {
	return &MacKeyFile{path: path}
}

// Load reads the stored key pair, if the file exists and is well-formed.
func (f *MacKeyFile) Load() (clientKey, wrappedKey []byte, ok bool, err error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, false, nil
		}

		return nil, nil, false, fmt.Errorf("reading mac key file: %w", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		return nil, nil, false, fmt.Errorf("mac key file has %d lines, want 2", len(lines))
	}

	clientKey, err = base64.StdEncoding.DecodeString(lines[0])
	if err != nil {
		return nil, nil, false, fmt.Errorf("decoding client key: %w", err)
	}

	wrappedKey, err = base64.StdEncoding.DecodeString(lines[1])
	if err != nil {
		return nil, nil, false, fmt.Errorf("decoding wrapped key: %w", err)
	}

	return clientKey, wrappedKey, true, nil
}

// Store atomically replaces the stored key pair.
func (f *MacKeyFile) Store(clientKey, wrappedKey []byte) (err error) {
	data := base64.StdEncoding.EncodeToString(clientKey) + "\n" +
		base64.StdEncoding.EncodeToString(wrappedKey) + "\n"

	err = renameio.WriteFile(f.path, []byte(data), 0o600)
	if err != nil {
		return fmt.Errorf("writing mac key file: %w", err)
	}

	return nil
}

// Clear removes the stored key pair.
func (f *MacKeyFile) Clear() (err error) {
	err = os.Remove(f.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing mac key file: %w", err)
	}

	return nil
}

// store overlays a MacKeyFile on top of another sbstore.Store: MAC key
// operations hit the file, everything else passes through.
type store struct {
	sbstore.Store

	file *MacKeyFile
}

// WithMacKeyFile returns a Store that persists MAC keys at path while
// delegating all other operations to inner.
func WithMacKeyFile(inner sbstore.Store, path string) (s sbstore.Store) {
	return &store{Store: inner, file: NewMacKeyFile(path)}
}

// MacKey implements the sbstore.Store interface.
func (s *store) MacKey(_ context.Context) (clientKey, wrappedKey []byte, ok bool, err error) {
	return s.file.Load()
}

// SetMacKey implements the sbstore.Store interface.
func (s *store) SetMacKey(_ context.Context, clientKey, wrappedKey []byte) (err error) {
	return s.file.Store(clientKey, wrappedKey)
}

// ClearMacKey implements the sbstore.Store interface.
func (s *store) ClearMacKey(_ context.Context) (err error) {
	return s.file.Clear()
}
