package cachekey

import (
	"net/http"
	"net/url"

	"github.com/pkg/errors"
)

// CacheKeyer derives cache keys (request identities) relative to the scope of a worker.
type CacheKeyer struct {
	// Base URL that relative paths are resolved against.
	// Only the path of the scope is used.
	Scope *url.URL
}

// NewCacheKeyer returns a keyer for the given scope path, e.g. "/" or "/app/".
// A scope without a trailing slash is treated as a directory.
func NewCacheKeyer(scope string) (CacheKeyer, error) {
	if scope == "" {
		scope = "/"
	}
	u, err := url.Parse(scope)
	if err != nil {
		return CacheKeyer{}, errors.Wrapf(err, "invalid scope %q", scope)
	}
	if u.IsAbs() || u.Host != "" {
		return CacheKeyer{}, errors.Errorf("scope must be a path, got %q", scope)
	}
	if u.Path == "" || u.Path[len(u.Path)-1] != '/' {
		u.Path += "/"
	}
	if u.Path[0] != '/' {
		u.Path = "/" + u.Path
	}
	return CacheKeyer{Scope: &url.URL{Path: u.Path}}, nil
}

// Resolve returns the key for a path as written in the allow-list,
// e.g. "./index.html" becomes "/index.html" for scope "/".
func (c CacheKeyer) Resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", errors.Wrapf(err, "invalid path %q", path)
	}
	return c.Scope.ResolveReference(ref).RequestURI(), nil
}

// Key returns the key identifying the request, which is its path and query.
// Only GET requests can be cached; for other methods ok is false.
func (c CacheKeyer) Key(r *http.Request) (key string, ok bool) {
	if r.Method != http.MethodGet {
		return "", false
	}
	return (&url.URL{Path: r.URL.Path, RawPath: r.URL.RawPath, RawQuery: r.URL.RawQuery}).RequestURI(), true
}

// AllowList is the fixed set of keys eligible for caching.
type AllowList struct {
	paths []string
	keys  map[string]struct{}
}

// NewAllowList resolves all paths with the keyer.
func (c CacheKeyer) NewAllowList(paths []string) (AllowList, error) {
	al := AllowList{
		paths: make([]string, 0, len(paths)),
		keys:  make(map[string]struct{}, len(paths)),
	}
	for _, p := range paths {
		key, err := c.Resolve(p)
		if err != nil {
			return AllowList{}, err
		}
		if _, dup := al.keys[key]; dup {
			continue
		}
		al.keys[key] = struct{}{}
		al.paths = append(al.paths, key)
	}
	return al, nil
}

// Contains reports whether the key is allow-listed.
func (a AllowList) Contains(key string) bool {
	_, ok := a.keys[key]
	return ok
}

// Keys returns the allow-listed keys in their original order.
func (a AllowList) Keys() []string {
	keys := make([]string, len(a.paths))
	copy(keys, a.paths)
	return keys
}
