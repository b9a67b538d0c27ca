package proxy

import (
	"net/url"

	"github.com/wraithgate/relayproxy/internal/sysproxy"
)

// Config holds the proxy configuration settings.
type Config struct {
	Addr               string
	StreamLargeBodies  int64
	InsecureSkipVerify bool

	// Upstream is a legacy single upstream proxy URL applied regardless of
	// scheme, kept for backward compatibility with callers that only need
	// one forwarding proxy.
	Upstream string

	// HTTPUpstream and HTTPSUpstream select a forwarding proxy per request
	// scheme; SOCKSUpstream selects a SOCKS5 proxy. These take precedence
	// over Upstream and are themselves outranked by PACScript.
	HTTPUpstream  *url.URL
	HTTPSUpstream *url.URL
	SOCKSUpstream *url.URL

	// PACScript, when set, is evaluated per-request via FindProxyForURL and
	// outranks every other upstream selection mechanism.
	PACScript string

	// OSProxyConfig, when set, outranks HTTP_PROXY/HTTPS_PROXY/ALL_PROXY
	// environment variables in the final upstream-selection fallback
	// tier. Nil means environment variables only.
	OSProxyConfig *sysproxy.OSConfig

	ClientFactory ClientFactory
}
