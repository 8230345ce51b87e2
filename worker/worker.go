package worker

import (
	"context"
	"net/http"
	"sync"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	"github.com/always-cache/offline-cache/pkg/network"
	serializer "github.com/always-cache/offline-cache/pkg/response-serializer"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultCacheName is the name of the current cache.
// Changing it makes the next activation delete the caches of previous versions.
const DefaultCacheName = "app-data-cache2"

// DefaultAllowList returns the paths that are cached by default.
func DefaultAllowList() []string {
	return []string{
		"./index.html",
		"./index.js",
		"./virat.jpg",
		"./index.css",
	}
}

var (
	ErrBadStatus      = errors.New("response status is not ok")
	ErrPartialContent = errors.New("partial responses cannot be stored")
)

type Config struct {
	// Name of the current cache. DefaultCacheName if empty.
	CacheName string
	// Paths eligible for caching, relative to Scope. DefaultAllowList if nil.
	AllowList []string
	// Path the allow-list is resolved against. Defaults to "/".
	Scope string
	// Storage for named caches.
	Storage cache.Storage
	// Network to try first.
	Network network.Network
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Metrics to update. Unregistered metrics are used if nil.
	Metrics *Metrics
}

// Worker applies the network-first, cache-fallback policy.
type Worker struct {
	cacheName string
	keyer     cachekey.CacheKeyer
	allowList cachekey.AllowList
	storage   cache.Storage
	network   network.Network
	log       zerolog.Logger
	metrics   *Metrics

	// detached cache writes
	background sync.WaitGroup
}

// New creates a worker from the config.
func New(config Config) (*Worker, error) {
	if config.Storage == nil {
		return nil, errors.New("storage is required")
	}
	if config.Network == nil {
		return nil, errors.New("network is required")
	}
	if config.CacheName == "" {
		config.CacheName = DefaultCacheName
	}
	if config.AllowList == nil {
		config.AllowList = DefaultAllowList()
	}
	if config.Metrics == nil {
		config.Metrics = NewMetrics(nil)
	}

	keyer, err := cachekey.NewCacheKeyer(config.Scope)
	if err != nil {
		return nil, err
	}
	allowList, err := keyer.NewAllowList(config.AllowList)
	if err != nil {
		return nil, err
	}

	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	return &Worker{
		cacheName: config.CacheName,
		keyer:     keyer,
		allowList: allowList,
		storage:   config.Storage,
		network:   config.Network,
		log:       logger.With().Str("cache", config.CacheName).Logger(),
		metrics:   config.Metrics,
	}, nil
}

// CacheName returns the name of the current cache.
func (w *Worker) CacheName() string {
	return w.cacheName
}

// AllowList returns the resolved allow-listed keys.
func (w *Worker) AllowList() []string {
	return w.allowList.Keys()
}

// Install opens the current cache and adds every allow-listed resource to it.
// All resources are fetched before anything is stored;
// if a single one fails, nothing is stored and install fails.
func (w *Worker) Install(ctx context.Context) (err error) {
	defer func() {
		w.metrics.Lifecycle.WithLabelValues("install", result(err)).Inc()
	}()

	c, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		return errors.Wrap(err, "install")
	}

	keys := w.allowList.Keys()
	entries := make([]cache.Entry, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			bts, err := w.fetchForInstall(gctx, key)
			if err != nil {
				return errors.Wrapf(err, "add %s", key)
			}
			entries[i] = cache.Entry{Key: key, Bytes: bts}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "install")
	}
	if err := c.PutAll(ctx, entries); err != nil {
		return errors.Wrap(err, "install")
	}

	w.log.Info().Int("entries", len(entries)).Msg("Service worker installed")
	return nil
}

func (w *Worker) fetchForInstall(ctx context.Context, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	res, err := w.network.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, errors.Wrapf(ErrBadStatus, "status %d", res.StatusCode)
	}
	if res.StatusCode == http.StatusPartialContent {
		return nil, ErrPartialContent
	}
	return serializer.Duplicate(res)
}

// Activate deletes every cache other than the current one.
// The deletions run concurrently; all of them are waited for
// and the first error, if any, is returned.
func (w *Worker) Activate(ctx context.Context) (err error) {
	defer func() {
		w.metrics.Lifecycle.WithLabelValues("activate", result(err)).Inc()
	}()

	names, err := w.storage.Keys(ctx)
	if err != nil {
		return errors.Wrap(err, "activate")
	}

	var g errgroup.Group
	for _, name := range names {
		if name == w.cacheName {
			continue
		}
		name := name
		g.Go(func() error {
			deleted, err := w.storage.Delete(ctx, name)
			if err != nil {
				return err
			}
			if deleted {
				w.metrics.StaleDeleted.Inc()
				w.log.Debug().Str("stale", name).Msg("Deleted stale cache")
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Wrap(err, "activate")
	}

	w.log.Info().Msg("Service worker activated")
	return nil
}

// Fetch handles an intercepted request, network first.
// If the network succeeds, the response is returned as is.
// Responses for allow-listed requests are also stored in the current cache,
// without waiting for the write to finish (see Wait).
// If the network fails, the stored response is returned.
// If there is no stored response either, both the response and the error are nil.
func (w *Worker) Fetch(ctx context.Context, r *http.Request) (*http.Response, error) {
	res, netErr := w.network.Fetch(ctx, r)
	if netErr != nil {
		w.log.Debug().Err(netErr).Str("url", r.URL.String()).Msg("Network failed, falling back to cache")
		return w.match(ctx, r)
	}

	w.metrics.Fetches.WithLabelValues(SourceNetwork).Inc()
	w.log.Debug().Str("url", r.URL.String()).Int("status", res.StatusCode).Msg("File fetched from the network")

	key, ok := w.keyer.Key(r)
	if !ok || !w.allowList.Contains(key) {
		return res, nil
	}
	if res.StatusCode == http.StatusPartialContent {
		w.log.Debug().Str("key", key).Err(ErrPartialContent).Msg("Not storing response")
		return res, nil
	}

	bts, err := serializer.Duplicate(res)
	if err != nil {
		// res.Body holds what could be read; the client gets that and nothing is stored
		w.metrics.Writes.WithLabelValues(result(err)).Inc()
		w.log.Error().Err(err).Str("key", key).Msg("Could not duplicate response")
		return res, nil
	}

	// the write outlives the request
	writeCtx := context.WithoutCancel(ctx)
	w.background.Add(1)
	go func() {
		defer w.background.Done()
		w.store(writeCtx, cache.Entry{Key: key, Bytes: bts})
	}()

	return res, nil
}

// Wait blocks until all cache writes issued by Fetch have finished.
func (w *Worker) Wait() {
	w.background.Wait()
}

func (w *Worker) store(ctx context.Context, entry cache.Entry) {
	c, err := w.storage.Open(ctx, w.cacheName)
	if err == nil {
		err = c.Put(ctx, entry)
	}
	w.metrics.Writes.WithLabelValues(result(err)).Inc()
	if err != nil {
		w.log.Error().Err(err).Str("key", entry.Key).Msg("Could not write to cache")
		return
	}
	w.log.Trace().Str("key", entry.Key).Msg("Wrote to cache")
}

func (w *Worker) match(ctx context.Context, r *http.Request) (*http.Response, error) {
	key, ok := w.keyer.Key(r)
	if !ok {
		w.metrics.Fetches.WithLabelValues(SourceMiss).Inc()
		return nil, nil
	}
	c, err := w.storage.Open(ctx, w.cacheName)
	if err != nil {
		return nil, errors.Wrap(err, "match")
	}
	entry, found, err := c.Match(ctx, key)
	if err != nil {
		return nil, errors.Wrap(err, "match")
	}
	if !found {
		w.metrics.Fetches.WithLabelValues(SourceMiss).Inc()
		w.log.Debug().Str("key", key).Msg("File not in cache")
		return nil, nil
	}
	res, err := serializer.ToResponse(entry.Bytes, r)
	if err != nil {
		return nil, errors.Wrap(err, "match")
	}
	w.metrics.Fetches.WithLabelValues(SourceCache).Inc()
	w.log.Debug().Str("key", key).Msg("File fetched from the cache")
	return res, nil
}
