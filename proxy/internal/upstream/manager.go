// Package upstream selects, per request, exactly one connection factory
// to reach the origin server: a PAC script's verdict, a SOCKS proxy, a
// protocol-matched HTTP(S) proxy, or a direct connection, in that
// priority order.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/wraithgate/relayproxy/internal/helper"
	"github.com/wraithgate/relayproxy/internal/sysproxy"
	"github.com/wraithgate/relayproxy/proxy/internal/conn"
	"github.com/wraithgate/relayproxy/proxy/internal/pac"
	"github.com/wraithgate/relayproxy/proxy/internal/proxycontext"
)

// ErrUpstreamUnavailable is returned when the selected upstream agent
// refuses the connection or, for PAC, the script itself errors.
var ErrUpstreamUnavailable = errors.New("upstream: agent unavailable")

// Static is the resolved, request-independent upstream configuration:
// explicit HTTP(S)/SOCKS upstreams and an optional PAC script source.
type Static struct {
	HTTP  *url.URL
	HTTPS *url.URL
	SOCKS *url.URL
	PAC   *pac.Script
}

// Manager handles upstream proxy connections and configuration. It
// determines which upstream agent to use for each request, following
// PAC > SOCKS > protocol-specific HTTP(S) upstream > direct precedence,
// and dials accordingly.
type Manager struct {
	upstream      string
	sslInsecure   bool
	static        Static
	upstreamProxy func(*http.Request) (*url.URL, error)
	envResolver   *sysproxy.Resolver
}

// NewManager creates a new Manager. upstream is the explicit HTTP(S)
// upstream proxy URL consulted after PAC, SOCKS, and protocol-matched
// static agents, and before falling back to the environment; it may be
// empty. sslInsecure controls whether TLS verification is skipped when
// dialing an HTTPS upstream agent.
func NewManager(upstream string, sslInsecure bool) *Manager {
	return &Manager{upstream: upstream, sslInsecure: sslInsecure, envResolver: sysproxy.New()}
}

// SetStatic installs the PAC/SOCKS/explicit-HTTP(S) configuration
// consulted ahead of the upstream URL given to NewManager and the
// environment.
func (m *Manager) SetStatic(static Static) {
	m.static = static
}

// SetOSProxyConfig installs an OS-level proxy snapshot that outranks the
// process environment in the final fallback tier of selectAgent. Pass nil
// to fall back to environment variables only (the default).
func (m *Manager) SetOSProxyConfig(cfg *sysproxy.OSConfig) {
	m.envResolver = &sysproxy.Resolver{OS: cfg}
}

// SetUpstreamProxy sets a custom upstream proxy function, consulted
// ahead of every other precedence tier. If not set, the manager falls
// through to PAC, SOCKS, explicit HTTP(S) upstream, and finally the
// environment.
func (m *Manager) SetUpstreamProxy(fn func(*http.Request) (*url.URL, error)) {
	m.upstreamProxy = fn
}

// agent describes the chosen upstream for one request.
type agent struct {
	kind string // "pac", "socks", "http", "https", "direct"
	url  *url.URL
}

// selectAgent picks exactly one upstream agent for req, per precedence
// PAC > SOCKS > protocol-matched HTTP(S) > direct.
func (m *Manager) selectAgent(req *http.Request) (agent, error) {
	if m.upstreamProxy != nil {
		u, err := m.upstreamProxy(req)
		if err != nil {
			return agent{}, err
		}
		if u != nil {
			return agent{kind: u.Scheme, url: u}, nil
		}
	}

	if m.static.PAC != nil {
		results, err := m.static.PAC.FindProxyForURL(req.URL.String(), req.URL.Hostname())
		if err != nil {
			return agent{}, fmt.Errorf("%w: pac script: %v", ErrUpstreamUnavailable, err)
		}
		for _, r := range results {
			switch r.Type {
			case "DIRECT":
				return agent{kind: "pac-direct"}, nil
			case "PROXY":
				u := &url.URL{Scheme: "http", Host: r.Address}
				return agent{kind: "pac", url: u}, nil
			case "SOCKS":
				u := &url.URL{Scheme: "socks5", Host: r.Address}
				return agent{kind: "pac", url: u}, nil
			}
		}
	}

	if m.static.SOCKS != nil {
		return agent{kind: "socks", url: m.static.SOCKS}, nil
	}

	if req.URL.Scheme == "https" && m.static.HTTPS != nil {
		return agent{kind: "https", url: m.static.HTTPS}, nil
	}
	if req.URL.Scheme == "http" && m.static.HTTP != nil {
		return agent{kind: "http", url: m.static.HTTP}, nil
	}

	if len(m.upstream) > 0 {
		u, err := url.Parse(m.upstream)
		if err != nil {
			return agent{}, fmt.Errorf("%w: parse configured upstream: %v", ErrUpstreamUnavailable, err)
		}
		return agent{kind: "http", url: u}, nil
	}

	// Last resort: OS-level proxy snapshot (if injected via
	// SetOSProxyConfig) over the process environment, per field
	// (HTTP_PROXY/HTTPS_PROXY/ALL_PROXY), matching the precedence
	// sysproxy.Resolver documents.
	envCfg := m.envResolver.Resolve()
	if req.URL.Scheme == "https" && envCfg.HTTPS != nil {
		return agent{kind: "http", url: envCfg.HTTPS}, nil
	}
	if req.URL.Scheme == "http" && envCfg.HTTP != nil {
		return agent{kind: "http", url: envCfg.HTTP}, nil
	}
	if envCfg.SOCKS != nil {
		return agent{kind: "socks", url: envCfg.SOCKS}, nil
	}

	return agent{kind: "direct"}, nil
}

// GetUpstreamConn establishes a connection to the upstream server. It
// determines the appropriate agent (if any) and creates a connection to
// the target server, either directly or through the agent, recording the
// decision into the request's connection context summary if present.
func (m *Manager) GetUpstreamConn(ctx context.Context, req *http.Request) (net.Conn, error) {
	a, err := m.selectAgent(req)
	if err != nil {
		return nil, err
	}

	address := helper.CanonicalAddr(req.URL)
	recordSummary(ctx, a, address)

	switch a.kind {
	case "direct", "pac-direct":
		dialer := &net.Dialer{}
		c, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("%w: direct dial: %v", ErrUpstreamUnavailable, err)
		}
		if a.kind == "pac-direct" {
			return patchSNI(c, req.URL.Hostname()), nil
		}
		return c, nil
	default:
		c, err := helper.GetProxyConn(ctx, a.url, address, m.sslInsecure)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
		}
		return c, nil
	}
}

// GetUpstreamProxyURL returns the upstream proxy URL chosen for req, or
// nil for a direct connection. It exists for callers (e.g. the HTTP
// client transport's Proxy func) that only need the URL, not a dialed
// connection.
func (m *Manager) GetUpstreamProxyURL(req *http.Request) (*url.URL, error) {
	a, err := m.selectAgent(req)
	if err != nil {
		return nil, err
	}
	return a.url, nil
}

// RealUpstreamProxy returns a function that resolves the upstream proxy
// for HTTP client transport use. The returned function extracts the
// original request from the context and uses it to determine the
// appropriate proxy.
func (m *Manager) RealUpstreamProxy() func(*http.Request) (*url.URL, error) {
	return func(cReq *http.Request) (*url.URL, error) {
		req, ok := proxycontext.GetProxyRequest(cReq.Context())
		if !ok {
			panic("failed to get original request from context")
		}
		return m.GetUpstreamProxyURL(req)
	}
}

// recordSummary stores the chosen agent into the request's connection
// context, if one is attached, for observation by addons.
func recordSummary(ctx context.Context, a agent, address string) {
	connCtx, ok := proxycontext.GetConnContext(ctx)
	if !ok {
		return
	}
	addr := address
	if a.url != nil {
		addr = a.url.Host
	}
	kind := a.kind
	if kind == "pac-direct" {
		kind = "direct"
	}
	connCtx.ProxySummary = conn.ProxySummary{Type: kind, Address: addr}
}

// patchSNI wraps c so that, when used to establish a TLS client
// connection by a higher layer, the SNI is forced to hostname even if the
// caller supplied none. This keeps PAC-DIRECT connections honest about
// the originally requested host.
func patchSNI(c net.Conn, hostname string) net.Conn {
	return &sniPatchedConn{Conn: c, hostname: hostname}
}

type sniPatchedConn struct {
	net.Conn
	hostname string
}

// TLSClientConfig returns a *tls.Config with ServerName pinned to the
// target hostname, for callers that type-assert this optional interface
// before performing a TLS handshake over the connection.
func (c *sniPatchedConn) TLSClientConfig(base *tls.Config) *tls.Config {
	cfg := base.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	cfg.ServerName = c.hostname
	return cfg
}
