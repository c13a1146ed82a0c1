// Package sbupdate implements the update protocol engine: it issues
// update requests for each configured list, follows the server's
// chunk-data redirections, applies the add/sub chunk deltas and delete
// directives it receives to storage, validates MACed responses, and keeps
// each list's poll cursor and error backoff current.
//
// Grounded on AdGuardDNS's internal/filter/refrfilter.go for the overall
// refresh shape, and on rjohnsondev-go-safe-browsing-api's safebrowsing.go
// (requestSafeBrowsingLists/processRedirectList) for the concrete
// update-directive protocol.
package sbupdate

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/AdguardTeam/go-safebrowsing/internal/sbbackoff"
	"github.com/AdguardTeam/go-safebrowsing/internal/sbchunk"
	"github.com/AdguardTeam/go-safebrowsing/internal/sbmac"
	"github.com/AdguardTeam/go-safebrowsing/internal/sbstore"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"golang.org/x/time/rate"
)

// Outcome classifies how an update cycle ended.
type Outcome int

// Outcome values.
const (
	// OutcomeNoUpdate means every list was still inside its wait window.
	OutcomeNoUpdate Outcome = iota

	// OutcomeNoData means the exchange succeeded but the server sent no
	// chunks or delete directives.
	OutcomeNoData

	// OutcomeApplied means at least one chunk or delete directive was
	// applied.
	OutcomeApplied

	// OutcomeServerError means the HTTP exchange failed.
	OutcomeServerError

	// OutcomeInternalError means a response could not be parsed or storage
	// failed.
	OutcomeInternalError

	// OutcomeMacError means a response's MAC did not validate.
	OutcomeMacError

	// OutcomeMacKeyError means MAC keys were required but could not be
	// obtained.
	OutcomeMacKeyError
)

// String implements the fmt.Stringer interface for Outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeNoUpdate:
		return "no_update"
	case OutcomeNoData:
		return "no_data"
	case OutcomeApplied:
		return "applied"
	case OutcomeServerError:
		return "server_error"
	case OutcomeInternalError:
		return "internal_error"
	case OutcomeMacError:
		return "mac_error"
	case OutcomeMacKeyError:
		return "mac_key_error"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// httpClient is the subset of sbhttp.Client the update engine needs,
// narrowed to keep this package's tests free of real network round trips.
type httpClient interface {
	Get(ctx context.Context, url string) (body []byte, err error)
	Post(ctx context.Context, url, contentType string, body io.Reader) (respBody []byte, err error)
}

// ErrorCollector reports a non-fatal per-list update failure.
type ErrorCollector interface {
	Collect(ctx context.Context, err error)
}

// MetricsSink receives update-engine observations. NopMetrics is a working
// no-op.
type MetricsSink interface {
	ObserveRequest(list sbstore.ListID, result string)
	ObserveChunkApplied(list sbstore.ListID, kind string)
	SetBackoffSeconds(seconds float64)
}

// NopMetrics is a MetricsSink that does nothing.
type NopMetrics struct{}

// ObserveRequest implements the MetricsSink interface for NopMetrics.
func (NopMetrics) ObserveRequest(sbstore.ListID, string) {}

// ObserveChunkApplied implements the MetricsSink interface for NopMetrics.
func (NopMetrics) ObserveChunkApplied(sbstore.ListID, string) {}

// SetBackoffSeconds implements the MetricsSink interface for NopMetrics.
func (NopMetrics) SetBackoffSeconds(float64) {}

// Config configures an Engine.
type Config struct {
	// Store persists chunk state, update cursors, and MAC keys.
	Store sbstore.Store

	// HTTP performs update, chunk-data, and key requests.
	HTTP httpClient

	// ErrorCollector reports per-list failures. Must not be nil.
	ErrorCollector ErrorCollector

	// Metrics receives update observations. If nil, NopMetrics is used.
	Metrics MetricsSink

	// Limiter paces outbound HTTP requests so a burst of redirections
	// doesn't hammer the transport. If nil, requests are not paced.
	Limiter *rate.Limiter

	// UpdateURL is the downloads endpoint update requests are POSTed to.
	UpdateURL string

	// KeyURL is the newkey endpoint MAC keys are negotiated against.
	KeyURL string

	// APIKey, Client, AppVer, and PVer are the request identification
	// query parameters.
	APIKey string
	Client string
	AppVer string
	PVer   string

	// Lists are the list identifiers this engine keeps current.
	Lists []sbstore.ListID

	// UseMac enables response authentication.
	UseMac bool
}

// Engine is the update engine: it knows how to bring every configured
// list's chunk state up to date with the server.
type Engine struct {
	store   sbstore.Store
	http    httpClient
	errColl ErrorCollector
	metrics MetricsSink
	limiter *rate.Limiter

	updateURL string
	keyURL    string
	apiKey    string
	client    string
	appVer    string
	pVer      string

	lists  []sbstore.ListID
	useMac bool

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

// New returns a new Engine built from cfg.
func New(cfg *Config) (e *Engine) {
	metricsSink := cfg.Metrics
	if metricsSink == nil {
		metricsSink = NopMetrics{}
	}

	clientID := cfg.Client
	if clientID == "" {
		clientID = "api"
	}

	return &Engine{
		store:     cfg.Store,
		http:      cfg.HTTP,
		errColl:   cfg.ErrorCollector,
		metrics:   metricsSink,
		limiter:   cfg.Limiter,
		updateURL: cfg.UpdateURL,
		keyURL:    cfg.KeyURL,
		apiKey:    cfg.APIKey,
		client:    clientID,
		appVer:    cfg.AppVer,
		pVer:      cfg.PVer,
		lists:     cfg.Lists,
		useMac:    cfg.UseMac,
		now:       time.Now,
	}
}

// cycleState accumulates what one update cycle has seen and done.
type cycleState struct {
	lists      []sbstore.ListID
	applied    int
	serverWait time.Duration
}

// Update performs one update cycle for every list that is outside its wait
// window, or for all lists when force is set. The returned error, when
// non-nil, elaborates on a failure Outcome.
func (e *Engine) Update(ctx context.Context, force bool) (res Outcome, err error) {
	return e.update(ctx, force, 0)
}

// maxRekeyDepth bounds how many times a single Update call will follow an
// "e:pleaserekey" directive before giving up.
const maxRekeyDepth = 1

func (e *Engine) update(ctx context.Context, force bool, rekeyDepth int) (res Outcome, err error) {
	now := e.now()

	due, err := e.dueLists(ctx, now, force)
	if err != nil {
		return OutcomeInternalError, err
	}

	if len(due) == 0 {
		log.Debug("sbupdate: all lists inside their wait windows")

		return OutcomeNoUpdate, nil
	}

	var keys sbmac.Keys
	if e.useMac {
		keys, err = e.macKeys(ctx)
		if err != nil {
			e.observe(due, "mac_key_error")

			return OutcomeMacKeyError, fmt.Errorf("obtaining mac keys: %w", err)
		}
	}

	body, err := e.buildRequestBody(ctx, due)
	if err != nil {
		return OutcomeInternalError, fmt.Errorf("building update request: %w", err)
	}

	respBody, err := e.post(ctx, e.downloadsURL(keys), bytes.NewReader(body))
	if err != nil {
		e.recordFailure(ctx, due, err)
		e.observe(due, "server_error")

		return OutcomeServerError, fmt.Errorf("performing update request: %w", err)
	}

	if sbmac.NeedsRekey(string(respBody)) {
		if rekeyDepth >= maxRekeyDepth {
			return OutcomeMacKeyError, fmt.Errorf("server requested rekey %d times", rekeyDepth+1)
		}

		log.Info("sbupdate: server requested rekey, renegotiating")

		if err = e.store.ClearMacKey(ctx); err != nil {
			return OutcomeInternalError, fmt.Errorf("discarding mac keys: %w", err)
		}

		return e.update(ctx, force, rekeyDepth+1)
	}

	if e.useMac {
		if err = validateResponseMac(keys.ClientKey, respBody); err != nil {
			e.recordFailure(ctx, due, err)
			e.observe(due, "mac_error")

			return OutcomeMacError, err
		}
	}

	st := &cycleState{lists: due}
	if err = e.applyResponse(ctx, st, keys, respBody); err != nil {
		e.recordFailure(ctx, due, err)
		e.observe(due, "internal_error")

		return OutcomeInternalError, fmt.Errorf("applying update response: %w", err)
	}

	wait := st.serverWait
	if wait == 0 {
		wait = sbstore.DefaultUpdateWait
	}

	now = e.now()
	for _, list := range due {
		if err = e.store.RecordUpdate(ctx, list, now, wait); err != nil {
			return OutcomeInternalError, fmt.Errorf("recording update for %s: %w", list, err)
		}
	}

	e.metrics.SetBackoffSeconds(0)

	if st.applied == 0 {
		e.observe(due, "no_data")

		return OutcomeNoData, nil
	}

	e.observe(due, "applied")

	return OutcomeApplied, nil
}

// dueLists returns the configured lists that are outside their wait
// windows, or all of them when force is set.
func (e *Engine) dueLists(ctx context.Context, now time.Time, force bool) (due []sbstore.ListID, err error) {
	for _, list := range e.lists {
		st, lErr := e.store.LastUpdate(ctx, list)
		if lErr != nil {
			return nil, fmt.Errorf("reading update cursor for %s: %w", list, lErr)
		}

		if !force && now.Before(st.Time.Add(st.Wait)) {
			log.Debug("sbupdate: list %s not due until %s", list, st.Time.Add(st.Wait))

			continue
		}

		due = append(due, list)
	}

	return due, nil
}

// macKeys returns the stored MAC key pair, negotiating a fresh one through
// the newkey endpoint if none is stored yet.
func (e *Engine) macKeys(ctx context.Context) (keys sbmac.Keys, err error) {
	clientKey, wrappedKey, ok, err := e.store.MacKey(ctx)
	if err != nil {
		return sbmac.Keys{}, fmt.Errorf("reading stored mac keys: %w", err)
	}

	if ok {
		return sbmac.Keys{ClientKey: clientKey, WrappedKey: wrappedKey}, nil
	}

	body, err := e.get(ctx, e.keyURL+"?"+e.commonParams())
	if err != nil {
		return sbmac.Keys{}, fmt.Errorf("requesting new key: %w", err)
	}

	keys, err = sbmac.ParseKeyResponse(body)
	if err != nil {
		return sbmac.Keys{}, fmt.Errorf("parsing key response: %w", err)
	}

	if err = e.store.SetMacKey(ctx, keys.ClientKey, keys.WrappedKey); err != nil {
		return sbmac.Keys{}, fmt.Errorf("storing mac keys: %w", err)
	}

	return keys, nil
}

// commonParams renders the identification query parameters every endpoint
// takes.
func (e *Engine) commonParams() (params string) {
	return fmt.Sprintf(
		"client=%s&apikey=%s&appver=%s&pver=%s",
		e.client, e.apiKey, e.appVer, e.pVer,
	)
}

// downloadsURL renders the downloads endpoint URL, appending the wrapped
// key when MAC is in use.
func (e *Engine) downloadsURL(keys sbmac.Keys) (u string) {
	u = e.updateURL + "?" + e.commonParams()
	if e.useMac {
		u += "&wrkey=" + string(keys.WrappedKey)
	}

	return u
}

// buildRequestBody renders one request line per due list:
//
//	listname;a:RANGE:s:RANGE[:mac]
//
// omitting the a: and s: segments when the corresponding chunk set is
// empty.
func (e *Engine) buildRequestBody(ctx context.Context, due []sbstore.ListID) (body []byte, err error) {
	b := &bytes.Buffer{}

	for _, list := range due {
		addNums, lErr := e.store.AddChunkNums(ctx, list)
		if lErr != nil {
			return nil, fmt.Errorf("reading add chunk numbers for %s: %w", list, lErr)
		}

		subNums, lErr := e.store.SubChunkNums(ctx, list)
		if lErr != nil {
			return nil, fmt.Errorf("reading sub chunk numbers for %s: %w", list, lErr)
		}

		var segs []string
		if len(addNums) > 0 {
			segs = append(segs, "a:"+sbchunk.EncodeRange(addNums))
		}

		if len(subNums) > 0 {
			segs = append(segs, "s:"+sbchunk.EncodeRange(subNums))
		}

		if e.useMac {
			segs = append(segs, "mac")
		}

		fmt.Fprintf(b, "%s;%s\n", list, strings.Join(segs, ":"))
	}

	return b.Bytes(), nil
}

// validateResponseMac checks the "m:DIGEST" line the server prepends to a
// MACed update response: the digest must be the HMAC of the body with the
// m: line itself removed.
func validateResponseMac(clientKey, body []byte) (err error) {
	s := string(body)
	if !strings.HasPrefix(s, "m:") {
		return fmt.Errorf("mac requested but response carries no m: line: %w", sbmac.ErrInvalidMAC)
	}

	lineEnd := strings.IndexByte(s, '\n')
	if lineEnd == -1 {
		return fmt.Errorf("malformed m: line: %w", sbmac.ErrInvalidMAC)
	}

	digest := strings.TrimSpace(s[len("m:"):lineEnd])
	rest := s[lineEnd+1:]

	if err = sbmac.Validate(clientKey, []byte(rest), digest); err != nil {
		return fmt.Errorf("update response: %w", err)
	}

	return nil
}

// applyResponse parses the update command stream and performs each
// directive it names, per spec order of arrival.
func (e *Engine) applyResponse(
	ctx context.Context,
	st *cycleState,
	keys sbmac.Keys,
	body []byte,
) (err error) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	var current sbstore.ListID

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		directive, arg, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		switch directive {
		case "m":
			// Already validated before parsing.
		case "n":
			secs, pErr := strconv.Atoi(arg)
			if pErr != nil {
				return fmt.Errorf("parsing n: directive %q: %w", line, pErr)
			}

			st.serverWait = time.Duration(secs) * time.Second
		case "i":
			current = sbstore.ListID(arg)
		case "r":
			if arg != "pleasereset" {
				continue
			}

			if rErr := e.resetLists(ctx, st); rErr != nil {
				return rErr
			}
		case "u":
			if current == "" {
				return fmt.Errorf("u: directive before any i: directive")
			}

			if rErr := e.followRedirection(ctx, st, current, keys, arg); rErr != nil {
				return fmt.Errorf("following redirection for %s: %w", current, rErr)
			}
		case "ad":
			if rErr := e.deleteAddChunks(ctx, st, current, arg); rErr != nil {
				return rErr
			}
		case "sd":
			if rErr := e.deleteSubChunks(ctx, st, current, arg); rErr != nil {
				return rErr
			}
		}
	}

	return scanner.Err()
}

// resetLists clears all chunk state for every list in this cycle.
func (e *Engine) resetLists(ctx context.Context, st *cycleState) (err error) {
	for _, list := range st.lists {
		log.Info("sbupdate: resetting list %s on server request", list)

		if err = e.store.ResetList(ctx, list); err != nil {
			return fmt.Errorf("resetting list %s: %w", list, err)
		}
	}

	st.applied++

	return nil
}

// deleteAddChunks handles an "ad:RANGE" directive: the named add chunks
// and their full-hash records are removed from the current list.
func (e *Engine) deleteAddChunks(
	ctx context.Context,
	st *cycleState,
	list sbstore.ListID,
	arg string,
) (err error) {
	if list == "" {
		return fmt.Errorf("ad: directive before any i: directive")
	}

	nums, err := sbchunk.ParseRange(arg)
	if err != nil {
		return fmt.Errorf("parsing ad: range: %w", err)
	}

	if err = e.store.DeleteAddChunks(ctx, list, nums); err != nil {
		return fmt.Errorf("deleting add chunks from %s: %w", list, err)
	}

	if err = e.store.DeleteFullHashes(ctx, list, nums); err != nil {
		return fmt.Errorf("deleting full hashes from %s: %w", list, err)
	}

	st.applied++

	return nil
}

// deleteSubChunks handles an "sd:RANGE" directive.
func (e *Engine) deleteSubChunks(
	ctx context.Context,
	st *cycleState,
	list sbstore.ListID,
	arg string,
) (err error) {
	if list == "" {
		return fmt.Errorf("sd: directive before any i: directive")
	}

	nums, err := sbchunk.ParseRange(arg)
	if err != nil {
		return fmt.Errorf("parsing sd: range: %w", err)
	}

	if err = e.store.DeleteSubChunks(ctx, list, nums); err != nil {
		return fmt.Errorf("deleting sub chunks from %s: %w", list, err)
	}

	st.applied++

	return nil
}

// followRedirection fetches the chunk-data stream named by a "u:" argument
// and applies every chunk it contains to list. The argument is
// "HOST/PATH[,MAC]"; the scheme is prepended, and the MAC, when present,
// covers the fetched body.
func (e *Engine) followRedirection(
	ctx context.Context,
	st *cycleState,
	list sbstore.ListID,
	keys sbmac.Keys,
	arg string,
) (err error) {
	rawURL, digest, hasMac := strings.Cut(arg, ",")
	if !strings.Contains(rawURL, "://") {
		rawURL = "http://" + rawURL
	}

	data, err := e.get(ctx, rawURL)
	if err != nil {
		return fmt.Errorf("fetching chunk data: %w", err)
	}

	if e.useMac && hasMac {
		if err = sbmac.Validate(keys.ClientKey, data, digest); err != nil {
			return fmt.Errorf("chunk data from %s: %w", rawURL, err)
		}
	}

	return e.applyChunkStream(ctx, st, list, data)
}

// applyChunkStream reads and applies every add/sub chunk in data to list,
// in stream order, persisting each chunk atomically.
func (e *Engine) applyChunkStream(
	ctx context.Context,
	st *cycleState,
	list sbstore.ListID,
	data []byte,
) (err error) {
	r := bufio.NewReader(bytes.NewReader(data))

	for {
		h, hErr := sbchunk.ReadHeader(r)
		if hErr != nil {
			if errors.Is(hErr, io.EOF) {
				return nil
			}

			return fmt.Errorf("reading chunk header: %w", hErr)
		}

		chunkBody, bErr := sbchunk.ReadBody(r, h)
		if bErr != nil {
			return bErr
		}

		switch h.Kind {
		case sbchunk.KindAdd:
			if err = e.applyAddChunk(ctx, list, h, chunkBody); err != nil {
				return err
			}
		case sbchunk.KindSub:
			if err = e.applySubChunk(ctx, list, h, chunkBody); err != nil {
				return err
			}
		}

		st.applied++
		e.metrics.ObserveChunkApplied(list, h.Kind.String())
	}
}

func (e *Engine) applyAddChunk(
	ctx context.Context,
	list sbstore.ListID,
	h sbchunk.Header,
	body []byte,
) (err error) {
	records, err := sbchunk.DecodeAddBody(body, h.HashLen)
	if err != nil {
		return fmt.Errorf("decoding add chunk %d: %w", h.Num, err)
	}

	entries := make([]sbstore.AddEntry, len(records))
	for i, rec := range records {
		entries[i] = sbstore.AddEntry{
			HostKey: rec.HostKey,
			Prefix:  sbstore.Prefix(rec.Prefix),
		}
	}

	if err = e.store.InsertAddChunk(ctx, list, h.Num, entries); err != nil {
		return fmt.Errorf("storing add chunk %d: %w", h.Num, err)
	}

	return nil
}

func (e *Engine) applySubChunk(
	ctx context.Context,
	list sbstore.ListID,
	h sbchunk.Header,
	body []byte,
) (err error) {
	records, err := sbchunk.DecodeSubBody(body, h.HashLen)
	if err != nil {
		return fmt.Errorf("decoding sub chunk %d: %w", h.Num, err)
	}

	entries := make([]sbstore.SubEntry, len(records))
	for i, rec := range records {
		entries[i] = sbstore.SubEntry{
			HostKey:     rec.HostKey,
			AddChunkNum: rec.AddChunkNum,
			Prefix:      sbstore.Prefix(rec.Prefix),
		}
	}

	if err = e.store.InsertSubChunk(ctx, list, h.Num, entries); err != nil {
		return fmt.Errorf("storing sub chunk %d: %w", h.Num, err)
	}

	return nil
}

// recordFailure advances the error counter and backoff wait for every list
// in this cycle and reports the error once.
func (e *Engine) recordFailure(ctx context.Context, due []sbstore.ListID, cause error) {
	now := e.now()

	var maxWait time.Duration
	for _, list := range due {
		st, err := e.store.LastUpdate(ctx, list)
		if err != nil {
			log.Error("sbupdate: reading cursor for %s during failure: %s", list, err)

			continue
		}

		errNum := st.Errors + 1
		wait := sbbackoff.UpdateWait(errNum)
		if wait > maxWait {
			maxWait = wait
		}

		if err = e.store.RecordUpdateError(ctx, list, now, wait, errNum); err != nil {
			log.Error("sbupdate: recording error cursor for %s: %s", list, err)
		}
	}

	e.metrics.SetBackoffSeconds(maxWait.Seconds())
	e.errColl.Collect(ctx, cause)
}

func (e *Engine) observe(due []sbstore.ListID, result string) {
	for _, list := range due {
		e.metrics.ObserveRequest(list, result)
	}
}

func (e *Engine) get(ctx context.Context, url string) (body []byte, err error) {
	if err = e.waitLimiter(ctx); err != nil {
		return nil, err
	}

	return e.http.Get(ctx, url)
}

func (e *Engine) post(ctx context.Context, url string, body io.Reader) (respBody []byte, err error) {
	if err = e.waitLimiter(ctx); err != nil {
		return nil, err
	}

	return e.http.Post(ctx, url, "text/plain", body)
}

func (e *Engine) waitLimiter(ctx context.Context) (err error) {
	if e.limiter == nil {
		return nil
	}

	if err = e.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for rate limiter: %w", err)
	}

	return nil
}
