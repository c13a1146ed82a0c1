package sblist_test

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	sblist "github.com/AdguardTeam/go-safebrowsing"
	"github.com/AdguardTeam/go-safebrowsing/internal/sbstore/memstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestServer serves the three protocol endpoints for one malware list
// containing exactly "evil.test/".
func newTestServer(t *testing.T) (srv *httptest.Server) {
	t.Helper()

	hostKeySum := sha256.Sum256([]byte("evil.test/"))
	hostKey := hostKeySum[:4]
	prefix := hostKeySum[:4]
	fullHash := sha256.Sum256([]byte("evil.test/"))

	mux := http.NewServeMux()

	mux.HandleFunc("/safebrowsing/downloads", func(w http.ResponseWriter, r *http.Request) {
		redirect := strings.TrimPrefix(srv.URL, "http://")
		fmt.Fprintf(w, "n:1800\ni:%s\nu:%s/chunks\n", sblist.ListMalware, redirect)
	})

	mux.HandleFunc("/chunks", func(w http.ResponseWriter, r *http.Request) {
		body := string(hostKey) + "\x01" + string(prefix)
		fmt.Fprintf(w, "a:1:4:%d\n%s", len(body), body)
	})

	mux.HandleFunc("/safebrowsing/gethash", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "%s:1:32\n", sblist.ListMalware)
		_, _ = w.Write(fullHash[:])
	})

	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

func newTestEngine(t *testing.T, srv *httptest.Server) (e *sblist.Engine) {
	t.Helper()

	e, err := sblist.New(&sblist.Config{
		Storage:    memstore.New(),
		APIKey:     "testkey",
		AppVer:     "1.0",
		UpdateURL:  srv.URL + "/safebrowsing/downloads",
		GetHashURL: srv.URL + "/safebrowsing/gethash",
		Lists:      []sblist.ListID{sblist.ListMalware},
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = e.Close() })

	return e
}

func TestEngine_updateAndLookup(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	e := newTestEngine(t, srv)

	res, err := e.Update(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, sblist.ResultSuccessful, res)

	// A second non-forced update is inside the wait window.
	res, err = e.Update(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, sblist.ResultNoUpdate, res)

	list, err := e.Lookup(ctx, "http://evil.test/")
	require.NoError(t, err)
	assert.Equal(t, string(sblist.ListMalware), list)

	// Lookups are idempotent between updates.
	list, err = e.Lookup(ctx, "http://evil.test/")
	require.NoError(t, err)
	assert.Equal(t, string(sblist.ListMalware), list)

	list, err = e.Lookup(ctx, "http://harmless.example/")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestEngine_lookupListFilter(t *testing.T) {
	ctx := context.Background()
	srv := newTestServer(t)
	e := newTestEngine(t, srv)

	res, err := e.Update(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, sblist.ResultSuccessful, res)

	list, err := e.Lookup(ctx, "http://evil.test/", sblist.ListPhishing)
	require.NoError(t, err)
	assert.Empty(t, list)

	list, err = e.Lookup(ctx, "http://evil.test/", sblist.ListMalware)
	require.NoError(t, err)
	assert.Equal(t, string(sblist.ListMalware), list)
}

func TestEngine_serverError(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	e := newTestEngine(t, srv)

	res, err := e.Update(ctx, nil)
	require.Error(t, err)
	assert.Equal(t, sblist.ResultServerError, res)
}

func TestNew_invalidConfig(t *testing.T) {
	_, err := sblist.New(&sblist.Config{APIKey: "k"})
	assert.Error(t, err)

	_, err = sblist.New(&sblist.Config{Storage: memstore.New()})
	assert.Error(t, err)
}
