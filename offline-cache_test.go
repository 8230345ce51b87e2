package offlinecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/network"
	"github.com/always-cache/offline-cache/worker"

	"github.com/rs/zerolog"
)

type testOrigin struct {
	*httptest.Server
	offline atomic.Bool
	mu      sync.Mutex
	content map[string]string
}

func newTestOrigin(t *testing.T) *testOrigin {
	o := &testOrigin{content: map[string]string{
		"/index.html": "Hello world",
		"/index.js":   "js",
		"/virat.jpg":  "jpg",
		"/index.css":  "css",
		"/dummy.js":   "dummy",
	}}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.mu.Lock()
		body, ok := o.content[r.URL.Path]
		o.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Add("content-type", "text/test")
		w.Write([]byte(body))
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *testOrigin) set(path, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.content[path] = body
}

func newTestCache(t *testing.T, o *testOrigin, cacheName string) *OfflineCache {
	logger := zerolog.Nop()
	storage, err := cache.NewSQLiteStorage("", &logger)
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(o.URL)
	origin := network.NewOrigin(*u, "", nil)
	a, err := CreateCache(Config{
		Logger: &logger,
		Worker: worker.Config{
			CacheName: cacheName,
			Storage:   storage,
			Network: network.Func(func(ctx context.Context, r *http.Request) (*http.Response, error) {
				if o.offline.Load() {
					return nil, errors.New("offline")
				}
				return origin.Fetch(ctx, r)
			}),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func serve(h http.Handler, method, path string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	return rr
}

func readBody(rr *httptest.ResponseRecorder) string {
	body, _ := io.ReadAll(rr.Result().Body)
	return string(body)
}

func TestForwardsBeforeRegistration(t *testing.T) {
	o := newTestOrigin(t)
	a := newTestCache(t, o, "")

	if s := a.State(); s != StateParsed {
		t.Fatalf("State is %s", s)
	}
	rr := serve(a, "GET", "/index.html")
	if body := readBody(rr); body != "Hello world" {
		t.Fatalf("Body is %s", body)
	}
	a.Wait()
	names, _ := a.storage.Keys(context.Background())
	if len(names) != 0 {
		t.Fatalf("Caches created before registration: %v", names)
	}
}

func TestRegisterInstallsAndActivates(t *testing.T) {
	o := newTestOrigin(t)
	a := newTestCache(t, o, "")
	ctx := context.Background()
	if _, err := a.storage.Open(ctx, "app-data-cache1"); err != nil {
		t.Fatal(err)
	}

	if err := a.Register(ctx); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if s := a.State(); s != StateActivated {
		t.Fatalf("State is %s", s)
	}
	names, _ := a.storage.Keys(ctx)
	if len(names) != 1 || names[0] != "app-data-cache2" {
		t.Fatalf("Caches are %v", names)
	}
	if err := a.Register(ctx); err == nil {
		t.Fatal("Registered twice")
	}
}

func TestRegisterFailureMakesWorkerRedundant(t *testing.T) {
	o := newTestOrigin(t)
	o.offline.Store(true)
	a := newTestCache(t, o, "")

	if err := a.Register(context.Background()); err == nil {
		t.Fatal("Expected install to fail")
	}
	if s := a.State(); s != StateRedundant {
		t.Fatalf("State is %s", s)
	}
	if a.Active() != nil {
		t.Fatal("Redundant worker is active")
	}
}

func TestServesFromCacheWhenOffline(t *testing.T) {
	o := newTestOrigin(t)
	a := newTestCache(t, o, "")
	if err := a.Register(context.Background()); err != nil {
		t.Fatal(err)
	}

	o.offline.Store(true)
	rr := serve(a, "GET", "/index.css")
	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
	if ct := rr.Result().Header.Get("content-type"); ct != "text/test" {
		t.Fatalf("Content-Type header is %s", ct)
	}
	if body := readBody(rr); body != "css" {
		t.Fatalf("Body is %s", body)
	}
}

func TestDoubleMissIsBadGateway(t *testing.T) {
	o := newTestOrigin(t)
	a := newTestCache(t, o, "")
	if err := a.Register(context.Background()); err != nil {
		t.Fatal(err)
	}

	o.offline.Store(true)
	rr := serve(a, "GET", "/missing.png")
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rr.Code)
	}
	if body := readBody(rr); body != "" {
		t.Fatalf("Body is %s", body)
	}
}

func TestOnlineResponseIsStored(t *testing.T) {
	o := newTestOrigin(t)
	a := newTestCache(t, o, "")
	if err := a.Register(context.Background()); err != nil {
		t.Fatal(err)
	}

	o.set("/index.html", "Hello again")
	if body := readBody(serve(a, "GET", "/index.html")); body != "Hello again" {
		t.Fatalf("Body is %s", body)
	}
	a.Wait()

	o.offline.Store(true)
	if body := readBody(serve(a, "GET", "/index.html")); body != "Hello again" {
		t.Fatalf("Body from cache is %s", body)
	}
}

func TestUpdateDeletesPreviousCache(t *testing.T) {
	o := newTestOrigin(t)
	a := newTestCache(t, o, "app-data-cache1")
	ctx := context.Background()
	if err := a.Register(ctx); err != nil {
		t.Fatal(err)
	}

	if err := a.Update(ctx, "app-data-cache2", nil); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if name := a.Active().CacheName(); name != "app-data-cache2" {
		t.Fatalf("Active cache is %s", name)
	}
	names, _ := a.storage.Keys(ctx)
	if len(names) != 1 || names[0] != "app-data-cache2" {
		t.Fatalf("Caches are %v", names)
	}
}

func TestFailedUpdateKeepsActiveVersion(t *testing.T) {
	o := newTestOrigin(t)
	a := newTestCache(t, o, "app-data-cache1")
	ctx := context.Background()
	if err := a.Register(ctx); err != nil {
		t.Fatal(err)
	}

	if err := a.Update(ctx, "app-data-cache2", []string{"./index.html", "./nope.png"}); err == nil {
		t.Fatal("Expected update to fail")
	}
	if s := a.State(); s != StateRedundant {
		t.Fatalf("State is %s", s)
	}
	if name := a.Active().CacheName(); name != "app-data-cache1" {
		t.Fatalf("Active cache is %s", name)
	}
	has, _ := a.storage.Has(ctx, "app-data-cache1")
	if !has {
		t.Fatal("Active cache deleted")
	}

	// a reinstall goes back to the active version, not the failed one
	if rr := serve(a.Router(), "POST", "/_worker/update"); rr.Code != http.StatusOK {
		t.Fatalf("Update status is %d: %s", rr.Code, readBody(rr))
	}
	if s := a.State(); s != StateActivated {
		t.Fatalf("State after reinstall is %s", s)
	}
	if name := a.Active().CacheName(); name != "app-data-cache1" {
		t.Fatalf("Active cache after reinstall is %s", name)
	}
	if len(a.Active().AllowList()) != 4 {
		t.Fatalf("Allow-list after reinstall is %v", a.Active().AllowList())
	}
}

func TestUpdatesDropReplacedVersions(t *testing.T) {
	o := newTestOrigin(t)
	a := newTestCache(t, o, "app-data-cache1")
	ctx := context.Background()
	if err := a.Register(ctx); err != nil {
		t.Fatal(err)
	}

	for i := 2; i <= 5; i++ {
		readBody(serve(a, "GET", "/index.html"))
		if err := a.Update(ctx, fmt.Sprintf("app-data-cache%d", i), nil); err != nil {
			t.Fatalf("Update %d: %v", i, err)
		}
	}
	if err := a.Update(ctx, "", []string{"./nope.png"}); err == nil {
		t.Fatal("Expected update to fail")
	}
	a.Wait()

	a.mu.RLock()
	versions := len(a.versions)
	a.mu.RUnlock()
	if versions != 1 {
		t.Fatalf("%d versions kept", versions)
	}
	if name := a.Active().CacheName(); name != "app-data-cache5" {
		t.Fatalf("Active cache is %s", name)
	}
}

func TestRouterStatusAndUpdate(t *testing.T) {
	o := newTestOrigin(t)
	a := newTestCache(t, o, "")
	if err := a.Register(context.Background()); err != nil {
		t.Fatal(err)
	}
	router := a.Router()

	var status Status
	rr := serve(router, "GET", "/_worker/status")
	if err := json.NewDecoder(rr.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if status.State != StateActivated || status.CacheName != "app-data-cache2" || len(status.AllowList) != 4 {
		t.Fatalf("Status is %+v", status)
	}
	if fmt.Sprint(status.Caches) != "[app-data-cache2]" {
		t.Fatalf("Caches are %v", status.Caches)
	}

	o.set("/index.js", "js v2")
	if rr := serve(router, "POST", "/_worker/update"); rr.Code != http.StatusOK {
		t.Fatalf("Update status is %d", rr.Code)
	}
	o.offline.Store(true)
	if body := readBody(serve(router, "GET", "/index.js")); body != "js v2" {
		t.Fatalf("Body is %s", body)
	}
}

func TestRouterMetrics(t *testing.T) {
	o := newTestOrigin(t)
	a := newTestCache(t, o, "")
	if err := a.Register(context.Background()); err != nil {
		t.Fatal(err)
	}
	router := a.Router()
	readBody(serve(router, "GET", "/dummy.js"))

	body := readBody(serve(router, "GET", "/metrics"))
	if !strings.Contains(body, `offline_cache_fetch_total{source="network"} 1`) {
		t.Fatalf("Metrics are %s", body)
	}
	if !strings.Contains(body, `offline_cache_lifecycle_total{event="install",result="ok"} 1`) {
		t.Fatalf("Metrics are %s", body)
	}
}
