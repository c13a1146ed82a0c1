package filestore_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/AdguardTeam/go-safebrowsing/internal/sbstore/filestore"
	"github.com/AdguardTeam/go-safebrowsing/internal/sbstore/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMacKeyFile_roundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mac.key")
	f := filestore.NewMacKeyFile(path)

	_, _, ok, err := f.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.Store([]byte("client-key"), []byte("wrapped-key")))

	clientKey, wrappedKey, ok, err := f.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("client-key"), clientKey)
	assert.Equal(t, []byte("wrapped-key"), wrappedKey)

	require.NoError(t, f.Clear())

	_, _, ok, err = f.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	// Clearing an already-absent file is not an error.
	require.NoError(t, f.Clear())
}

func TestWithMacKeyFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "mac.key")

	s := filestore.WithMacKeyFile(memstore.New(), path)

	require.NoError(t, s.SetMacKey(ctx, []byte("client"), []byte("wrapped")))

	// A second store over the same path sees the keys: they survived the
	// in-memory store they were overlaid on.
	s2 := filestore.WithMacKeyFile(memstore.New(), path)

	clientKey, wrappedKey, ok, err := s2.MacKey(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("client"), clientKey)
	assert.Equal(t, []byte("wrapped"), wrappedKey)

	require.NoError(t, s2.ClearMacKey(ctx))

	_, _, ok, err = s.MacKey(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}
