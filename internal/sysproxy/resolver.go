// Package sysproxy resolves the set of upstream proxies in effect for a
// request, combining an optional OS-level snapshot with environment
// variables. Discovery of the OS snapshot itself is out of scope; callers
// inject one (or nil) explicitly.
package sysproxy

import (
	"net/http"
	"net/url"
	"os"
	"strings"
)

// Config is the resolved set of upstream proxies for a request. Each
// field is nil when absent.
type Config struct {
	HTTP  *url.URL
	HTTPS *url.URL
	SOCKS *url.URL
	PAC   *url.URL
}

// OSConfig is an optional OS-level proxy snapshot, taking precedence over
// environment variables when present. Building one is outside this
// package's scope; the zero value means "no OS configuration".
type OSConfig struct {
	HTTP  string
	HTTPS string
	SOCKS string
	PAC   string
}

// Resolver resolves upstream proxy configuration once per request from an
// injected OS snapshot and the process environment, so that changes to
// either take effect on the next call.
type Resolver struct {
	// OS is consulted before falling back to the environment. May be nil.
	OS *OSConfig
}

// New returns a Resolver with no OS-level snapshot; only environment
// variables are consulted.
func New() *Resolver {
	return &Resolver{}
}

// Resolve returns the proxy configuration in effect, per field precedence
// OS config (if set) > environment variable.
func (r *Resolver) Resolve() Config {
	var cfg Config

	cfg.HTTP = r.field(func(o *OSConfig) string { return o.HTTP }, "HTTP_PROXY")
	cfg.HTTPS = r.field(func(o *OSConfig) string { return o.HTTPS }, "HTTPS_PROXY")
	cfg.SOCKS = r.field(func(o *OSConfig) string { return o.SOCKS }, "ALL_PROXY")
	cfg.PAC = r.field(func(o *OSConfig) string { return o.PAC }, "PROXY_AUTO_CONFIG_URL")

	return cfg
}

func (r *Resolver) field(osGet func(*OSConfig) string, envName string) *url.URL {
	raw := ""
	if r.OS != nil {
		raw = osGet(r.OS)
	}
	if raw == "" {
		raw = envLookup(envName)
	}
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil
	}
	return u
}

// envLookup performs a case-insensitive environment variable lookup,
// matching the convention honored by http.ProxyFromEnvironment (most Unix
// tools accept both "HTTP_PROXY" and "http_proxy").
func envLookup(name string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return os.Getenv(strings.ToLower(name))
}

// ProxyFromEnvironment is a convenience wrapper matching the shape of
// http.ProxyFromEnvironment for callers that only care about the
// protocol-specific HTTP(S) upstream, without PAC or SOCKS.
func (r *Resolver) ProxyFromEnvironment(req *http.Request) (*url.URL, error) {
	cfg := r.Resolve()
	if req.URL.Scheme == "https" && cfg.HTTPS != nil {
		return cfg.HTTPS, nil
	}
	if req.URL.Scheme == "http" && cfg.HTTP != nil {
		return cfg.HTTP, nil
	}
	return nil, nil
}
