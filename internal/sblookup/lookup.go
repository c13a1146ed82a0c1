// Package sblookup implements the multi-stage lookup pipeline: host-key
// probes against local chunk state, prefix filtering, sub-chunk
// cancellation, the cached full-hash check, and the on-demand full-hash
// request with its per-prefix error throttle.
//
// Grounded on rjohnsondev-go-safe-browsing-api's checkurl.go (queryUrl's
// staged matching) for the pipeline itself, and on AdGuardDNS's
// internal/filter/internal/resultcache for the verdict cache in front of
// it.
package sblookup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/AdguardTeam/go-safebrowsing/internal/sbbackoff"
	"github.com/AdguardTeam/go-safebrowsing/internal/sbcanon"
	"github.com/AdguardTeam/go-safebrowsing/internal/sbchunk"
	"github.com/AdguardTeam/go-safebrowsing/internal/sbstore"
	"github.com/AdguardTeam/golibs/log"
	"github.com/bluele/gcache"
)

// httpClient is the subset of sbhttp.Client the lookup engine needs.
type httpClient interface {
	Post(ctx context.Context, url, contentType string, body io.Reader) (respBody []byte, err error)
}

// MetricsSink receives lookup-engine observations. NopMetrics is a working
// no-op.
type MetricsSink interface {
	ObserveLookup(result string)
	ObserveFullHashRequest()
	ObserveCacheHit()
	ObserveMatch(list sbstore.ListID)
}

// NopMetrics is a MetricsSink that does nothing.
type NopMetrics struct{}

// ObserveLookup implements the MetricsSink interface for NopMetrics.
func (NopMetrics) ObserveLookup(string) {}

// ObserveFullHashRequest implements the MetricsSink interface for
// NopMetrics.
func (NopMetrics) ObserveFullHashRequest() {}

// ObserveCacheHit implements the MetricsSink interface for NopMetrics.
func (NopMetrics) ObserveCacheHit() {}

// ObserveMatch implements the MetricsSink interface for NopMetrics.
func (NopMetrics) ObserveMatch(sbstore.ListID) {}

// DefaultCacheSize is the verdict cache capacity used when Config leaves
// CacheSize zero.
const DefaultCacheSize = 10_000

// Config configures an Engine.
type Config struct {
	// Store holds the chunk state lookups run against.
	Store sbstore.Store

	// HTTP performs gethash requests.
	HTTP httpClient

	// Metrics receives lookup observations. If nil, NopMetrics is used.
	Metrics MetricsSink

	// GetHashURL is the full gethash endpoint URL, query parameters
	// included.
	GetHashURL string

	// CacheSize bounds the verdict cache. Zero means DefaultCacheSize.
	CacheSize int
}

// Engine is the lookup engine: it decides which configured list, if any, a
// URL belongs to.
type Engine struct {
	store      sbstore.Store
	http       httpClient
	metrics    MetricsSink
	getHashURL string

	// cache maps canonical URL and list filter to the last verdict.
	// Purged after every successful update, since fresh chunks can change
	// any verdict.
	cache gcache.Cache

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

// New returns a new Engine built from cfg.
func New(cfg *Config) (e *Engine) {
	metricsSink := cfg.Metrics
	if metricsSink == nil {
		metricsSink = NopMetrics{}
	}

	size := cfg.CacheSize
	if size == 0 {
		size = DefaultCacheSize
	}

	return &Engine{
		store:      cfg.Store,
		http:       cfg.HTTP,
		metrics:    metricsSink,
		getHashURL: cfg.GetHashURL,
		cache:      gcache.New(size).LRU().Build(),
		now:        time.Now,
	}
}

// PurgeCache drops every cached verdict. The owner must call it after a
// successful update, since applied chunks can change any verdict.
func (e *Engine) PurgeCache() {
	e.cache.Purge()
}

// survivor is an add-chunk row that passed prefix filtering and sub-chunk
// cancellation and still needs full-hash confirmation.
type survivor struct {
	row sbstore.AddRow
}

// Lookup reports which list rawURL belongs to, or empty if none. When
// lists is non-empty, matches outside it are ignored.
func (e *Engine) Lookup(
	ctx context.Context,
	rawURL string,
	lists []sbstore.ListID,
) (matched sbstore.ListID, err error) {
	cand, err := sbcanon.BuildCandidates(rawURL)
	if err != nil {
		return "", fmt.Errorf("canonicalizing %q: %w", rawURL, err)
	}

	cacheKey := cand.Canonical + "\x00" + listKey(lists)
	if v, cErr := e.cache.Get(cacheKey); cErr == nil {
		e.metrics.ObserveCacheHit()

		return v.(sbstore.ListID), nil
	}

	matched, err = e.lookup(ctx, cand, lists)
	if err != nil {
		return "", err
	}

	_ = e.cache.Set(cacheKey, matched)

	if matched == "" {
		e.metrics.ObserveLookup("miss")
	} else {
		e.metrics.ObserveLookup("match")
		e.metrics.ObserveMatch(matched)
	}

	return matched, nil
}

func listKey(lists []sbstore.ListID) (key string) {
	if len(lists) == 0 {
		return ""
	}

	strs := make([]string, len(lists))
	for i, l := range lists {
		strs[i] = string(l)
	}

	return strings.Join(strs, ",")
}

func (e *Engine) lookup(
	ctx context.Context,
	cand sbcanon.Candidates,
	lists []sbstore.ListID,
) (matched sbstore.ListID, err error) {
	prefixSet := make(map[string]struct{}, len(cand.FullHashes))
	for _, h := range cand.FullHashes {
		p := h.Truncate()
		prefixSet[string(p[:])] = struct{}{}
	}

	survivors, err := e.collectSurvivors(ctx, cand, lists, prefixSet)
	if err != nil {
		return "", err
	}

	if len(survivors) == 0 {
		return "", nil
	}

	since := e.now().Add(-sbstore.FullHashTTL)
	matched, err = e.matchCachedHashes(ctx, survivors, cand.FullHashes, since)
	if err != nil || matched != "" {
		return matched, err
	}

	fetched, err := e.fetchFullHashes(ctx, survivors, prefixSet)
	if err != nil {
		return "", err
	}

	if !fetched {
		return "", nil
	}

	return e.matchCachedHashes(ctx, survivors, cand.FullHashes, since)
}

// collectSurvivors runs stages 1-2 of the pipeline: for every host-key
// probe, most specific first, load the add rows, filter them against the
// candidate prefixes, and cancel the ones a sub chunk revokes.
func (e *Engine) collectSurvivors(
	ctx context.Context,
	cand sbcanon.Candidates,
	lists []sbstore.ListID,
	prefixSet map[string]struct{},
) (survivors []survivor, err error) {
	for _, probe := range sbcanon.HostKeyProbes(cand.HostSuffixes) {
		hostKey := sbstore.HostKey(probe)

		addRows, aErr := e.store.AddRowsByHostKey(ctx, hostKey)
		if aErr != nil {
			return nil, fmt.Errorf("loading add rows: %w", aErr)
		}

		if len(addRows) == 0 {
			continue
		}

		subRows, sErr := e.store.SubRowsByHostKey(ctx, hostKey)
		if sErr != nil {
			return nil, fmt.Errorf("loading sub rows: %w", sErr)
		}

		for _, row := range addRows {
			if !listAllowed(row.List, lists) {
				continue
			}

			if len(row.Prefix) > 0 {
				if _, ok := prefixSet[string(row.Prefix)]; !ok {
					continue
				}
			}

			if cancelledBySub(row, subRows) {
				continue
			}

			survivors = append(survivors, survivor{row: row})
		}
	}

	return survivors, nil
}

func listAllowed(list sbstore.ListID, lists []sbstore.ListID) (ok bool) {
	if len(lists) == 0 {
		return true
	}

	for _, l := range lists {
		if l == list {
			return true
		}
	}

	return false
}

// cancelledBySub reports whether a sub chunk in the same list revokes row:
// either the sub entry names the whole add chunk (empty prefix) or it
// names row's exact prefix.
func cancelledBySub(row sbstore.AddRow, subRows []sbstore.SubRow) (ok bool) {
	for _, sub := range subRows {
		if sub.List != row.List || sub.AddChunkNum != row.ChunkNum {
			continue
		}

		if len(sub.Prefix) == 0 || sub.Prefix.Equal(row.Prefix) {
			return true
		}
	}

	return false
}

// matchCachedHashes runs stage 3: compare the stored, still-fresh full
// hashes of every surviving add chunk against the candidate full-hash set.
// Survivor order is the tie-break order.
func (e *Engine) matchCachedHashes(
	ctx context.Context,
	survivors []survivor,
	fullHashes []sbcanon.FullHash,
	since time.Time,
) (matched sbstore.ListID, err error) {
	for _, s := range survivors {
		stored, fErr := e.store.FullHashes(ctx, s.row.List, s.row.ChunkNum, since)
		if fErr != nil {
			return "", fmt.Errorf("loading full hashes: %w", fErr)
		}

		for _, have := range stored {
			for _, want := range fullHashes {
				if have == [32]byte(want) {
					return s.row.List, nil
				}
			}
		}
	}

	return "", nil
}

// fetchFullHashes runs stage 4: request full hashes for the prefixes of
// the surviving rows, honoring the per-prefix error throttle, and persist
// whatever the server confirms. It reports whether any request was
// actually made.
func (e *Engine) fetchFullHashes(
	ctx context.Context,
	survivors []survivor,
	prefixSet map[string]struct{},
) (fetched bool, err error) {
	want := requestPrefixes(survivors, prefixSet)

	now := e.now()
	var reqPrefixes [][]byte
	for _, p := range want {
		st, found, sErr := e.store.FullHashErrorState(ctx, sbstore.Prefix(p))
		if sErr != nil {
			return false, fmt.Errorf("reading full-hash error state: %w", sErr)
		}

		if found && sbbackoff.FullHashThrottled(st.Errors, st.Time, now) {
			log.Debug("sblookup: prefix %s throttled after %d errors", sbstore.Prefix(p), st.Errors)

			continue
		}

		reqPrefixes = append(reqPrefixes, p)
	}

	if len(reqPrefixes) == 0 {
		return false, nil
	}

	body, err := sbchunk.EncodeFullHashRequest(reqPrefixes)
	if err != nil {
		return false, fmt.Errorf("encoding full-hash request: %w", err)
	}

	e.metrics.ObserveFullHashRequest()

	respBody, err := e.http.Post(ctx, e.getHashURL, "text/plain", bytes.NewReader(body))
	if err != nil {
		for _, p := range reqPrefixes {
			if rErr := e.store.RecordFullHashError(ctx, sbstore.Prefix(p), now); rErr != nil {
				log.Error("sblookup: recording full-hash error: %s", rErr)
			}
		}

		return false, fmt.Errorf("requesting full hashes: %w", err)
	}

	records, err := sbchunk.DecodeFullHashResponse(bytes.NewReader(respBody))
	if err != nil {
		return false, fmt.Errorf("decoding full-hash response: %w", err)
	}

	rows := make([]sbstore.FullHashRow, len(records))
	for i, rec := range records {
		rows[i] = sbstore.FullHashRow{
			List:     sbstore.ListID(rec.List),
			ChunkNum: rec.ChunkNum,
			Hash:     rec.Hash,
		}
	}

	if len(rows) > 0 {
		if err = e.store.AddFullHashes(ctx, rows, now); err != nil {
			return false, fmt.Errorf("storing full hashes: %w", err)
		}
	}

	for _, p := range reqPrefixes {
		if fErr := e.store.FullHashOk(ctx, sbstore.Prefix(p)); fErr != nil {
			log.Error("sblookup: clearing full-hash error: %s", fErr)
		}
	}

	return true, nil
}

// requestPrefixes collects the distinct prefixes worth asking the server
// about: the nonempty prefixes of the surviving rows, plus every candidate
// prefix when a host-only row survived, since such a row gives no narrower
// hint.
func requestPrefixes(
	survivors []survivor,
	prefixSet map[string]struct{},
) (out [][]byte) {
	seen := make(map[string]struct{})

	add := func(p string) {
		if _, ok := seen[p]; ok {
			return
		}

		seen[p] = struct{}{}
		out = append(out, []byte(p))
	}

	for _, s := range survivors {
		if len(s.row.Prefix) > 0 {
			add(string(s.row.Prefix))

			continue
		}

		for p := range prefixSet {
			add(p)
		}
	}

	return out
}
