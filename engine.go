// Package sblist is a client for a reputation-list service that
// distributes blocklists of malicious URLs as incrementally-downloadable,
// content-addressed chunk sets. An Engine keeps a local mirror of
// hash-prefix chunks current through periodic updates and answers URL
// lookups against it, confirming candidate hits with full 32-byte hashes
// fetched from the server.
package sblist

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/AdguardTeam/go-safebrowsing/internal/metrics"
	"github.com/AdguardTeam/go-safebrowsing/internal/sbhttp"
	"github.com/AdguardTeam/go-safebrowsing/internal/sblookup"
	"github.com/AdguardTeam/go-safebrowsing/internal/sbstore"
	"github.com/AdguardTeam/go-safebrowsing/internal/sbupdate"
	"github.com/AdguardTeam/golibs/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// The two canonical list identifiers.
const (
	ListMalware  ListID = "goog-malware-shavar"
	ListPhishing ListID = "googpub-phish-shavar"
)

// Default protocol endpoints and parameters.
const (
	DefaultUpdateURL  = "http://safebrowsing.clients.google.com/safebrowsing/downloads"
	DefaultGetHashURL = "http://safebrowsing.clients.google.com/safebrowsing/gethash"
	DefaultKeyURL     = "http://sb-ssl.google.com/safebrowsing/newkey"

	// DefaultProtocolVersion is the pver query parameter value.
	DefaultProtocolVersion = "2.2"
)

// FullHashTTL is how long a confirmed full hash stays valid.
const FullHashTTL = sbstore.FullHashTTL

// DefaultUpdateWait is the poll interval used when the server hasn't named
// one.
const DefaultUpdateWait = sbstore.DefaultUpdateWait

// Storage is the persistence contract an Engine runs against. The module
// ships an in-memory and a SQLite implementation; callers may bring their
// own.
type Storage = sbstore.Store

// Storage row and identifier types.
type (
	// ListID identifies a configured reputation list.
	ListID = sbstore.ListID

	// HostKey is the 4-byte host key prefix of a canonical host suffix.
	HostKey = sbstore.HostKey

	// Prefix is a variable-length hash prefix.
	Prefix = sbstore.Prefix

	// AddEntry is one add-chunk entry.
	AddEntry = sbstore.AddEntry

	// SubEntry is one sub-chunk entry.
	SubEntry = sbstore.SubEntry

	// AddRow is an add-chunk entry with its list and chunk number.
	AddRow = sbstore.AddRow

	// SubRow is a sub-chunk entry with its list and chunk number.
	SubRow = sbstore.SubRow

	// FullHashRow is one confirmed full hash.
	FullHashRow = sbstore.FullHashRow

	// UpdateStatus is a list's update cursor.
	UpdateStatus = sbstore.UpdateStatus

	// FullHashErrorState is a prefix's full-hash error counter.
	FullHashErrorState = sbstore.FullHashErrorState
)

// Config configures an Engine.
type Config struct {
	// Storage persists chunk state, full hashes, cursors, and MAC keys.
	// Must not be nil.
	Storage Storage

	// HTTPClient performs the protocol exchanges. If nil, a client with a
	// 60-second timeout is used.
	HTTPClient *http.Client

	// ErrorCollector receives non-fatal per-list errors. If nil, they are
	// only logged.
	ErrorCollector ErrorCollector

	// PromRegisterer, when set, receives the engine's Prometheus
	// collectors.
	PromRegisterer prometheus.Registerer

	// APIKey is the service API key. Required.
	APIKey string

	// AppVer identifies the client application version to the service.
	AppVer string

	// UserAgent is sent on every HTTP request. If empty, a default is
	// derived from AppVer.
	UserAgent string

	// UpdateURL, GetHashURL, and KeyURL override the default protocol
	// endpoints, mainly for tests and mirrors.
	UpdateURL  string
	GetHashURL string
	KeyURL     string

	// Lists are the lists to mirror and match against. If empty, the two
	// canonical lists are used.
	Lists []ListID

	// UseMac enables response authentication through negotiated HMAC
	// keys.
	UseMac bool

	// LookupCacheSize bounds the lookup verdict cache. Zero means the
	// package default.
	LookupCacheSize int
}

// defaultRequestTimeout is the per-request deadline used when the caller
// doesn't bring an *http.Client.
const defaultRequestTimeout = 60 * time.Second

// Engine is the reputation-list client: one local mirror, one update
// driver, one lookup pipeline. Update must be called from one goroutine at
// a time; Lookup is safe for concurrent use.
type Engine struct {
	storage Storage
	update  *sbupdate.Engine
	lookup  *sblookup.Engine
}

// New returns a new Engine built from cfg.
func New(cfg *Config) (e *Engine, err error) {
	if cfg.Storage == nil {
		return nil, errors.Error("sblist: config has no storage")
	}

	if cfg.APIKey == "" {
		return nil, errors.Error("sblist: config has no api key")
	}

	httpCli := cfg.HTTPClient
	if httpCli == nil {
		httpCli = &http.Client{Timeout: defaultRequestTimeout}
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "go-safebrowsing/" + cfg.AppVer
	}

	errColl := cfg.ErrorCollector
	if errColl == nil {
		errColl = LogErrorCollector{}
	}

	lists := cfg.Lists
	if len(lists) == 0 {
		lists = []ListID{ListMalware, ListPhishing}
	}

	updateURL := orDefault(cfg.UpdateURL, DefaultUpdateURL)
	getHashURL := orDefault(cfg.GetHashURL, DefaultGetHashURL)
	keyURL := orDefault(cfg.KeyURL, DefaultKeyURL)

	client := sbhttp.New(&sbhttp.Config{
		HTTPClient: httpCli,
		UserAgent:  userAgent,
	})

	var updMetrics sbupdate.MetricsSink
	var lookMetrics sblookup.MetricsSink
	if cfg.PromRegisterer != nil {
		u, mErr := metrics.NewUpdate(cfg.PromRegisterer)
		if mErr != nil {
			return nil, fmt.Errorf("sblist: %w", mErr)
		}

		l, mErr := metrics.NewLookup(cfg.PromRegisterer)
		if mErr != nil {
			return nil, fmt.Errorf("sblist: %w", mErr)
		}

		updMetrics, lookMetrics = u, l
	}

	commonParams := fmt.Sprintf(
		"client=api&apikey=%s&appver=%s&pver=%s",
		cfg.APIKey, cfg.AppVer, DefaultProtocolVersion,
	)

	upd := sbupdate.New(&sbupdate.Config{
		Store:          cfg.Storage,
		HTTP:           client,
		ErrorCollector: errColl,
		Metrics:        updMetrics,
		Limiter:        rate.NewLimiter(rate.Every(500*time.Millisecond), 2),
		UpdateURL:      updateURL,
		KeyURL:         keyURL,
		APIKey:         cfg.APIKey,
		AppVer:         cfg.AppVer,
		PVer:           DefaultProtocolVersion,
		Lists:          lists,
		UseMac:         cfg.UseMac,
	})

	look := sblookup.New(&sblookup.Config{
		Store:      cfg.Storage,
		HTTP:       client,
		Metrics:    lookMetrics,
		GetHashURL: getHashURL + "?" + commonParams,
		CacheSize:  cfg.LookupCacheSize,
	})

	return &Engine{
		storage: cfg.Storage,
		update:  upd,
		lookup:  look,
	}, nil
}

func orDefault(s, def string) (out string) {
	if s == "" {
		return def
	}

	return s
}

// UpdateOptions modifies a single Update call.
type UpdateOptions struct {
	// Force performs the update even for lists still inside their wait
	// windows.
	Force bool
}

// Update performs one update cycle for every list that is due, applying
// whatever chunks and delete directives the server sends. The returned
// error, when non-nil, elaborates on a failure Result.
func (e *Engine) Update(ctx context.Context, opts *UpdateOptions) (res Result, err error) {
	var force bool
	if opts != nil {
		force = opts.Force
	}

	outcome, err := e.update.Update(ctx, force)
	res = resultFromOutcome(outcome)

	if res == ResultSuccessful {
		e.lookup.PurgeCache()
	}

	return res, err
}

// Refresh adapts Update to periodic-refresh workers: it runs a non-forced
// cycle and reports only the error.
func (e *Engine) Refresh(ctx context.Context) (err error) {
	_, err = e.Update(ctx, nil)

	return err
}

func resultFromOutcome(o sbupdate.Outcome) (res Result) {
	switch o {
	case sbupdate.OutcomeNoUpdate:
		return ResultNoUpdate
	case sbupdate.OutcomeNoData:
		return ResultNoData
	case sbupdate.OutcomeApplied:
		return ResultSuccessful
	case sbupdate.OutcomeServerError:
		return ResultServerError
	case sbupdate.OutcomeMacError:
		return ResultMacError
	case sbupdate.OutcomeMacKeyError:
		return ResultMacKeyError
	default:
		return ResultInternalError
	}
}

// Lookup reports which configured list url belongs to, or empty if none.
// When lists is non-empty, matches outside it are ignored. A candidate hit
// may trigger a synchronous full-hash exchange with the server.
func (e *Engine) Lookup(ctx context.Context, url string, lists ...ListID) (list string, err error) {
	matched, err := e.lookup.Lookup(ctx, url, lists)
	if err != nil {
		return "", err
	}

	return string(matched), nil
}

// Close releases the engine's storage, evicting stale full hashes first.
func (e *Engine) Close() (err error) {
	return e.storage.Close()
}
