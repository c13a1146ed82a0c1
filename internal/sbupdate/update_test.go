package sbupdate_test

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/AdguardTeam/go-safebrowsing/internal/sbmac"
	"github.com/AdguardTeam/go-safebrowsing/internal/sbstore"
	"github.com/AdguardTeam/go-safebrowsing/internal/sbstore/memstore"
	"github.com/AdguardTeam/go-safebrowsing/internal/sbupdate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testList sbstore.ListID = "goog-malware-shavar"

// fakeHTTP scripts the update engine's HTTP exchanges.
type fakeHTTP struct {
	onGet  func(url string) (body []byte, err error)
	onPost func(url string, body []byte) (respBody []byte, err error)

	postBodies []string
}

func (f *fakeHTTP) Get(_ context.Context, url string) (body []byte, err error) {
	return f.onGet(url)
}

func (f *fakeHTTP) Post(_ context.Context, url, _ string, body io.Reader) (respBody []byte, err error) {
	b, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	f.postBodies = append(f.postBodies, string(b))

	return f.onPost(url, b)
}

type collectErrs struct {
	errs []error
}

func (c *collectErrs) Collect(_ context.Context, err error) {
	c.errs = append(c.errs, err)
}

func newEngine(s sbstore.Store, h *fakeHTTP, useMac bool) (e *sbupdate.Engine) {
	return sbupdate.New(&sbupdate.Config{
		Store:          s,
		HTTP:           h,
		ErrorCollector: &collectErrs{},
		UpdateURL:      "http://downloads.test/downloads",
		KeyURL:         "http://keys.test/newkey",
		APIKey:         "testkey",
		AppVer:         "1.0",
		PVer:           "2.2",
		Lists:          []sbstore.ListID{testList},
		UseMac:         useMac,
	})
}

func TestEngine_Update_noUpdateInsideWindow(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.RecordUpdate(ctx, testList, time.Now(), 1800*time.Second))

	h := &fakeHTTP{
		onPost: func(string, []byte) ([]byte, error) {
			t.Fatal("no request expected inside the wait window")

			return nil, nil
		},
	}

	res, err := newEngine(s, h, false).Update(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, sbupdate.OutcomeNoUpdate, res)
}

func TestEngine_Update_requestBody(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	hostKey := sbstore.HostKey{1, 2, 3, 4}
	require.NoError(t, s.InsertAddChunk(ctx, testList, 1, []sbstore.AddEntry{{HostKey: hostKey}}))
	require.NoError(t, s.InsertAddChunk(ctx, testList, 2, []sbstore.AddEntry{{HostKey: hostKey}}))
	require.NoError(t, s.InsertSubChunk(ctx, testList, 5, []sbstore.SubEntry{{HostKey: hostKey, AddChunkNum: 1}}))

	h := &fakeHTTP{
		onPost: func(string, []byte) ([]byte, error) {
			return []byte("n:1200\ni:goog-malware-shavar\n"), nil
		},
	}

	res, err := newEngine(s, h, false).Update(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, sbupdate.OutcomeNoData, res)

	require.Len(t, h.postBodies, 1)
	assert.Equal(t, "goog-malware-shavar;a:1-2:s:5\n", h.postBodies[0])

	// The server's n: directive becomes the recorded wait.
	st, err := s.LastUpdate(ctx, testList)
	require.NoError(t, err)
	assert.Equal(t, 1200*time.Second, st.Wait)
	assert.Zero(t, st.Errors)
}

func TestEngine_Update_appliesChunks(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	// One add chunk with a host key and two prefixes, and an empty add
	// chunk that must still be recorded under its number.
	chunkData := "a:1:4:13\n" +
		"\x01\x02\x03\x04\x02" + "\xAA\xBB\xCC\xDD" + "\x11\x22\x33\x44" +
		"a:42:4:5\n" + "\x05\x06\x07\x08\x00"

	h := &fakeHTTP{
		onPost: func(string, []byte) ([]byte, error) {
			return []byte("n:1800\ni:goog-malware-shavar\nu:redirect.test/chunks\n"), nil
		},
		onGet: func(url string) ([]byte, error) {
			assert.Equal(t, "http://redirect.test/chunks", url)

			return []byte(chunkData), nil
		},
	}

	res, err := newEngine(s, h, false).Update(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, sbupdate.OutcomeApplied, res)

	nums, err := s.AddChunkNums(ctx, testList)
	require.NoError(t, err)
	assert.Equal(t, []uint32{1, 42}, nums)

	rows, err := s.AddRowsByHostKey(ctx, sbstore.HostKey{1, 2, 3, 4})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, sbstore.Prefix{0xAA, 0xBB, 0xCC, 0xDD}, rows[0].Prefix)
}

func TestEngine_Update_deleteDirectives(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	hostKey := sbstore.HostKey{1, 2, 3, 4}
	require.NoError(t, s.InsertAddChunk(ctx, testList, 1, []sbstore.AddEntry{{HostKey: hostKey}}))
	require.NoError(t, s.InsertAddChunk(ctx, testList, 2, []sbstore.AddEntry{{HostKey: hostKey}}))
	require.NoError(t, s.InsertSubChunk(ctx, testList, 7, []sbstore.SubEntry{{HostKey: hostKey, AddChunkNum: 1}}))
	require.NoError(t, s.AddFullHashes(ctx, []sbstore.FullHashRow{
		{List: testList, ChunkNum: 1, Hash: [32]byte{0xFF}},
	}, time.Now()))

	h := &fakeHTTP{
		onPost: func(string, []byte) ([]byte, error) {
			return []byte("i:goog-malware-shavar\nad:1\nsd:7\n"), nil
		},
	}

	res, err := newEngine(s, h, false).Update(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, sbupdate.OutcomeApplied, res)

	nums, err := s.AddChunkNums(ctx, testList)
	require.NoError(t, err)
	assert.Equal(t, []uint32{2}, nums)

	subNums, err := s.SubChunkNums(ctx, testList)
	require.NoError(t, err)
	assert.Empty(t, subNums)

	// The deleted add chunk's full hashes go with it.
	hashes, err := s.FullHashes(ctx, testList, 1, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, hashes)
}

func TestEngine_Update_backoffProgression(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	h := &fakeHTTP{
		onPost: func(string, []byte) ([]byte, error) {
			return nil, fmt.Errorf("status 503")
		},
	}

	e := newEngine(s, h, false)
	for i := 0; i < 4; i++ {
		res, err := e.Update(ctx, true)
		require.Error(t, err)
		assert.Equal(t, sbupdate.OutcomeServerError, res)
	}

	st, err := s.LastUpdate(ctx, testList)
	require.NoError(t, err)
	assert.Equal(t, 4, st.Errors)
	assert.GreaterOrEqual(t, st.Wait, 120*time.Minute)
	assert.LessOrEqual(t, st.Wait, 240*time.Minute)
}

func TestEngine_Update_reset(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()

	require.NoError(t, s.InsertAddChunk(ctx, testList, 1, []sbstore.AddEntry{{HostKey: sbstore.HostKey{1, 1, 1, 1}}}))

	h := &fakeHTTP{
		onPost: func(string, []byte) ([]byte, error) {
			return []byte("r:pleasereset\n"), nil
		},
	}

	res, err := newEngine(s, h, false).Update(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, sbupdate.OutcomeApplied, res)

	nums, err := s.AddChunkNums(ctx, testList)
	require.NoError(t, err)
	assert.Empty(t, nums)
}

func TestEngine_Update_macValidation(t *testing.T) {
	ctx := context.Background()

	clientKey := []byte("negotiated-client-key")
	keyBody := keyResponse(clientKey, "wrapped-opaque")

	rest := "n:1800\ni:goog-malware-shavar\n"

	testCases := []struct {
		name   string
		digest string
		want   sbupdate.Outcome
	}{{
		name:   "valid",
		digest: sbmac.Compute(clientKey, []byte(rest)),
		want:   sbupdate.OutcomeNoData,
	}, {
		name:   "invalid",
		digest: "bm90LXRoZS1yaWdodC1tYWM=",
		want:   sbupdate.OutcomeMacError,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := memstore.New()
			h := &fakeHTTP{
				onGet: func(string) ([]byte, error) {
					return []byte(keyBody), nil
				},
				onPost: func(url string, _ []byte) ([]byte, error) {
					assert.Contains(t, url, "wrkey=wrapped-opaque")

					return []byte("m:" + tc.digest + "\n" + rest), nil
				},
			}

			res, err := newEngine(s, h, true).Update(ctx, false)
			assert.Equal(t, tc.want, res)
			if tc.want == sbupdate.OutcomeMacError {
				assert.ErrorIs(t, err, sbmac.ErrInvalidMAC)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEngine_Update_rekey(t *testing.T) {
	ctx := context.Background()
	s := memstore.New()
	require.NoError(t, s.SetMacKey(ctx, []byte("old-client-key"), []byte("old-wrapped")))

	newClientKey := []byte("fresh-client-key")
	rest := "n:1800\ni:goog-malware-shavar\n"

	var posts int
	h := &fakeHTTP{
		onGet: func(string) ([]byte, error) {
			return []byte(keyResponse(newClientKey, "fresh-wrapped")), nil
		},
		onPost: func(string, []byte) ([]byte, error) {
			posts++
			if posts == 1 {
				return []byte("e:pleaserekey\n"), nil
			}

			return []byte("m:" + sbmac.Compute(newClientKey, []byte(rest)) + "\n" + rest), nil
		},
	}

	res, err := newEngine(s, h, true).Update(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, sbupdate.OutcomeNoData, res)
	assert.Equal(t, 2, posts)

	clientKey, wrappedKey, ok, err := s.MacKey(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, newClientKey, clientKey)
	assert.Equal(t, []byte("fresh-wrapped"), wrappedKey)
}

// keyResponse renders a newkey endpoint body for clientKey and wrapped.
func keyResponse(clientKey []byte, wrapped string) (body string) {
	b64 := base64.StdEncoding.EncodeToString(clientKey)

	return fmt.Sprintf("clientkey:%d:%s\nwrappedkey:%d:%s\n", len(b64), b64, len(wrapped), wrapped)
}
