package offlinecache

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/network"
	"github.com/always-cache/offline-cache/worker"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

type Config struct {
	// Worker to register. Its storage and network are shared by later versions.
	Worker worker.Config
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
	// Registry for metrics. A new registry is created if nil.
	Registry *prometheus.Registry
}

// State is the lifecycle state of the most recently registered worker version.
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// OfflineCache hosts a worker: it dispatches the lifecycle events
// and hands every request in scope to the active worker.
type OfflineCache struct {
	log      zerolog.Logger
	storage  cache.Storage
	network  network.Network
	metrics  *worker.Metrics
	registry *prometheus.Registry
	scope    string

	// serializes registrations
	lifecycle sync.Mutex

	mu      sync.RWMutex
	config  worker.Config
	pending *worker.Worker
	active  *worker.Worker
	state   State
	// the active worker and replaced ones whose writes are still running
	versions []*worker.Worker
	retired  sync.WaitGroup
}

// CreateCache sets up the host and parses the initial worker.
// The worker does not handle requests until Register has been called.
func CreateCache(config Config) (*OfflineCache, error) {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	if config.Registry == nil {
		config.Registry = prometheus.NewRegistry()
	}
	if config.Worker.Metrics == nil {
		config.Worker.Metrics = worker.NewMetrics(config.Registry)
	}
	if config.Worker.Logger == nil {
		config.Worker.Logger = &logger
	}
	if config.Worker.Scope == "" {
		config.Worker.Scope = "/"
	}

	w, err := worker.New(config.Worker)
	if err != nil {
		return nil, errors.Wrap(err, "parse worker")
	}

	a := &OfflineCache{
		log:      logger,
		storage:  config.Worker.Storage,
		network:  config.Worker.Network,
		metrics:  config.Worker.Metrics,
		registry: config.Registry,
		scope:    config.Worker.Scope,
		config:   config.Worker,
		pending:  w,
		state:    StateParsed,
	}
	return a, nil
}

// Register installs and then activates the parsed worker.
func (a *OfflineCache) Register(ctx context.Context) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()
	a.mu.RLock()
	w := a.pending
	config := a.config
	a.mu.RUnlock()
	if w == nil {
		return errors.New("no worker to register")
	}
	return a.register(ctx, w, config)
}

// Update registers a new worker version with the given cache name and allow-list.
// The active version keeps handling requests until the new one has installed.
// If install fails, the active version and its configuration stay in place.
// Scope, storage and network cannot change.
func (a *OfflineCache) Update(ctx context.Context, cacheName string, allowList []string) error {
	a.lifecycle.Lock()
	defer a.lifecycle.Unlock()

	a.mu.RLock()
	config := a.config
	a.mu.RUnlock()
	if cacheName != "" {
		config.CacheName = cacheName
	}
	if allowList != nil {
		config.AllowList = allowList
	}
	w, err := worker.New(config)
	if err != nil {
		return errors.Wrap(err, "parse worker")
	}

	a.mu.Lock()
	a.pending = w
	a.state = StateParsed
	a.mu.Unlock()
	return a.register(ctx, w, config)
}

// register installs and activates w. The config w was built from becomes
// the current one once w takes over.
func (a *OfflineCache) register(ctx context.Context, w *worker.Worker, config worker.Config) error {
	log := a.log.With().Str("cache", w.CacheName()).Logger()

	a.setState(StateInstalling)
	if err := w.Install(ctx); err != nil {
		a.mu.Lock()
		a.pending = nil
		a.state = StateRedundant
		a.mu.Unlock()
		log.Error().Err(err).Msg("Service worker registration failed")
		return err
	}
	a.setState(StateInstalled)

	// the new version takes over requests once it starts activating
	a.mu.Lock()
	previous := a.active
	a.active = w
	a.config = config
	a.pending = nil
	a.state = StateActivating
	a.versions = append(a.versions, w)
	a.mu.Unlock()
	if previous != nil {
		a.retire(previous)
	}

	err := w.Activate(ctx)
	a.setState(StateActivated)
	if err != nil {
		log.Error().Err(err).Msg("Service worker activation failed")
		return err
	}
	log.Info().Msg("Service worker registered successfully")
	return nil
}

func (a *OfflineCache) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

// State returns the lifecycle state of the latest worker version.
func (a *OfflineCache) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Active returns the worker handling requests, or nil before the first activation.
func (a *OfflineCache) Active() *worker.Worker {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.active
}

// retire drops a replaced worker once its background writes have finished.
func (a *OfflineCache) retire(w *worker.Worker) {
	a.retired.Add(1)
	go func() {
		defer a.retired.Done()
		w.Wait()
		a.mu.Lock()
		defer a.mu.Unlock()
		for i, v := range a.versions {
			if v == w {
				a.versions = append(a.versions[:i], a.versions[i+1:]...)
				break
			}
		}
	}()
}

// Wait blocks until the background cache writes of all worker versions have finished.
func (a *OfflineCache) Wait() {
	a.mu.RLock()
	versions := append([]*worker.Worker(nil), a.versions...)
	a.mu.RUnlock()
	for _, w := range versions {
		w.Wait()
	}
	a.retired.Wait()
}

// Close waits for background writes and closes the storage.
func (a *OfflineCache) Close() error {
	a.Wait()
	return a.storage.Close()
}

// ServeHTTP implements the http.Handler interface.
// Requests go to the active worker, or straight to the network if there is none.
func (a *OfflineCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	active := a.Active()
	if active == nil {
		a.forward(w, r)
		return
	}

	res, err := active.Fetch(r.Context(), r)
	if err != nil {
		a.log.Error().Err(err).Str("url", r.URL.String()).Msg("Could not handle fetch")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	if res == nil {
		// offline and not cached
		a.logRequest(r, http.StatusBadGateway)
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	a.sendResponse(w, r, res)
}

// forward sends the request to the network without involving a worker.
func (a *OfflineCache) forward(w http.ResponseWriter, r *http.Request) {
	res, err := a.network.Fetch(r.Context(), r)
	if err != nil {
		a.log.Debug().Err(err).Str("url", r.URL.String()).Msg("Network failed")
		a.logRequest(r, http.StatusBadGateway)
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	a.sendResponse(w, r, res)
}

func (a *OfflineCache) sendResponse(w http.ResponseWriter, r *http.Request, res *http.Response) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), res.Header)
	w.WriteHeader(res.StatusCode)
	if res.Body != nil {
		bytesWritten, err := io.Copy(w, res.Body)
		if err != nil {
			a.log.Error().Err(err).Msg("Could not write response body to client")
		}
		a.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
	}
	a.logRequest(r, res.StatusCode)
}

func (a *OfflineCache) logRequest(r *http.Request, status int) {
	a.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", status).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// hop-by-hop headers belong to the connection with the origin
		switch k {
		case "Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade":
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
