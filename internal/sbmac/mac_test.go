package sbmac_test

import (
	"encoding/base64"
	"fmt"
	"strings"
	"testing"

	"github.com/AdguardTeam/go-safebrowsing/internal/sbmac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeValidate(t *testing.T) {
	clientKey := []byte("test-client-key")
	body := []byte("a:1:4:20\nsome-chunk-body")

	digest := sbmac.Compute(clientKey, body)

	err := sbmac.Validate(clientKey, body, digest)
	require.NoError(t, err)
}

func TestValidate_wrongKey(t *testing.T) {
	body := []byte("a:1:4:20\nsome-chunk-body")
	digest := sbmac.Compute([]byte("key-one"), body)

	err := sbmac.Validate([]byte("key-two"), body, digest)
	assert.ErrorIs(t, err, sbmac.ErrInvalidMAC)
}

func TestValidate_tamperedBody(t *testing.T) {
	clientKey := []byte("test-client-key")
	digest := sbmac.Compute(clientKey, []byte("original body"))

	err := sbmac.Validate(clientKey, []byte("tampered body"), digest)
	assert.ErrorIs(t, err, sbmac.ErrInvalidMAC)
}

func TestValidate_urlSafeDigest(t *testing.T) {
	// The server sends the digest URL-safe with a trailing "=".
	clientKey := []byte("test-client-key")
	body := []byte("n:1800\ni:goog-malware-shavar\n")

	std := sbmac.Compute(clientKey, body)
	urlSafe := strings.ReplaceAll(strings.ReplaceAll(std, "+", "-"), "/", "_")

	err := sbmac.Validate(clientKey, body, urlSafe)
	require.NoError(t, err)
}

func TestParseKeyResponse(t *testing.T) {
	key := []byte("24-byte-long-client-key!")
	keyB64 := base64.StdEncoding.EncodeToString(key)
	body := fmt.Sprintf("clientkey:%d:%s\nwrappedkey:10:opaque-val\n", len(keyB64), keyB64)

	keys, err := sbmac.ParseKeyResponse([]byte(body))
	require.NoError(t, err)
	assert.Equal(t, key, keys.ClientKey)
	assert.Equal(t, []byte("opaque-val"), keys.WrappedKey)
}

func TestParseKeyResponse_malformed(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{{
		name: "one_line",
		body: "clientkey:4:AAAA\n",
	}, {
		name: "bad_length",
		body: "clientkey:99:AAAA\nwrappedkey:6:opaque\n",
	}, {
		name: "wrong_name",
		body: "serverkey:4:AAAA\nwrappedkey:6:opaque\n",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := sbmac.ParseKeyResponse([]byte(tc.body))
			assert.Error(t, err)
		})
	}
}

func TestNeedsRekey(t *testing.T) {
	assert.True(t, sbmac.NeedsRekey("n:1200\ni:goog-malware-shavar\ne:pleaserekey\n"))
	assert.False(t, sbmac.NeedsRekey("n:1200\ni:goog-malware-shavar\n"))
}
