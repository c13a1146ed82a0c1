// sblistd is a small daemon around the reputation-list client: it keeps
// the local mirror current on a timer and answers URL lookups over HTTP.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sblist "github.com/AdguardTeam/go-safebrowsing"
	"github.com/AdguardTeam/go-safebrowsing/internal/sbservice"
	"github.com/AdguardTeam/go-safebrowsing/internal/sbstore"
	"github.com/AdguardTeam/go-safebrowsing/internal/sbstore/filestore"
	"github.com/AdguardTeam/go-safebrowsing/internal/sbstore/memstore"
	"github.com/AdguardTeam/go-safebrowsing/internal/sbstore/sqlstore"
	"github.com/AdguardTeam/golibs/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	envs, err := readEnvs()
	check(err)

	if envs.LogVerbose {
		log.SetLevel(log.DEBUG)
	}

	conf, err := readConfig(envs.ConfPath)
	check(err)

	storage, err := newStorage(conf, envs)
	check(err)

	reg := prometheus.NewRegistry()

	lists := make([]sblist.ListID, len(conf.Lists))
	for i, l := range conf.Lists {
		lists[i] = sblist.ListID(l)
	}

	engine, err := sblist.New(&sblist.Config{
		Storage:         storage,
		PromRegisterer:  reg,
		APIKey:          envs.APIKey,
		AppVer:          envs.AppVer,
		UpdateURL:       envs.UpdateURL,
		GetHashURL:      envs.GetHashURL,
		KeyURL:          envs.KeyURL,
		Lists:           lists,
		UseMac:          conf.UseMac,
		LookupCacheSize: conf.LookupCacheSize,
	})
	check(err)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := sbservice.New(&sbservice.RefreshWorkerConfig{
		Refresher:      engine,
		ErrorCollector: sblist.LogErrorCollector{},
		Interval:       conf.UpdateInterval.Duration,
		Name:           "sblist update",
	})

	err = worker.Start(ctx)
	check(err)

	// Bring the mirror up before serving, so early lookups aren't all
	// misses against an empty database.
	res, err := engine.Update(ctx, nil)
	if err != nil {
		log.Error("sblistd: initial update: %s: %s", res, err)
	} else {
		log.Info("sblistd: initial update: %s", res)
	}

	srv := &http.Server{
		Addr:              envs.ListenAddr,
		Handler:           newMux(engine, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("sblistd: listening on %s", envs.ListenAddr)

		if sErr := srv.ListenAndServe(); sErr != nil && sErr != http.ErrServerClosed {
			log.Error("sblistd: http server: %s", sErr)
		}
	}()

	<-ctx.Done()
	log.Info("sblistd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err = srv.Shutdown(shutdownCtx); err != nil {
		log.Error("sblistd: shutting down http server: %s", err)
	}

	if err = worker.Shutdown(shutdownCtx); err != nil {
		log.Error("sblistd: shutting down refresh worker: %s", err)
	}

	if err = engine.Close(); err != nil {
		log.Error("sblistd: closing engine: %s", err)
	}
}

// newStorage builds the configured storage back-end. The in-memory
// back-end still persists MAC keys to disk, so key negotiation survives a
// restart even when chunk state doesn't.
func newStorage(conf *configuration, envs *environment) (s sbstore.Store, err error) {
	switch conf.Storage.Type {
	case storageTypeSQLite:
		return sqlstore.Open(envs.DBPath)
	default:
		return filestore.WithMacKeyFile(memstore.New(), envs.MacKeyPath), nil
	}
}

// lookupResponse is the JSON body of a /lookup reply.
type lookupResponse struct {
	URL  string `json:"url"`
	List string `json:"list"`
}

// newMux routes the daemon's HTTP surface: /lookup for queries, /metrics
// for Prometheus.
func newMux(engine *sblist.Engine, reg *prometheus.Registry) (mux *http.ServeMux) {
	mux = http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	mux.HandleFunc("/lookup", func(w http.ResponseWriter, r *http.Request) {
		u := r.URL.Query().Get("url")
		if u == "" {
			http.Error(w, "no url parameter", http.StatusBadRequest)

			return
		}

		list, lErr := engine.Lookup(r.Context(), u)
		if lErr != nil {
			log.Error("sblistd: lookup %q: %s", u, lErr)
			http.Error(w, "lookup failed", http.StatusBadGateway)

			return
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(&lookupResponse{URL: u, List: list})
	})

	return mux
}

// check exits the process on err, mirroring the fail-fast startup the
// daemon wants before its serving loop is up.
func check(err error) {
	if err != nil {
		log.Error("sblistd: fatal: %s", err)
		os.Exit(1)
	}
}
