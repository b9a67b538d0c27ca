package helper

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/samber/lo"
	"github.com/tidwall/match"
)

// ErrMissingHost is returned when a request carries no Host header, or when
// a CONNECT target has no "host:port" form.
var ErrMissingHost = errors.New("helper: missing Host header")

// ParseHostPort extracts (host, port) from a request following the rules
// of the Host/Port Parser: Host header first, absolute-form request-target
// override (with request-target rewritten to its path), CONNECT target
// split on the first colon.
func ParseHostPort(req *http.Request) (host, port string, err error) {
	if req.Method == http.MethodConnect {
		h, p, ok := strings.Cut(req.URL.Host, ":")
		if !ok {
			h, p, ok = strings.Cut(req.RequestURI, ":")
			if !ok {
				return "", "", ErrMissingHost
			}
		}
		return h, p, nil
	}

	if req.Host == "" {
		return "", "", ErrMissingHost
	}
	host, port, ok := strings.Cut(req.Host, ":")
	if !ok {
		host = req.Host
		port = ""
	}

	if req.URL.IsAbs() && req.URL.Host != "" {
		host = req.URL.Hostname()
		port = req.URL.Port()
		req.RequestURI = req.URL.RequestURI()
		req.URL = &url.URL{
			Path:       req.URL.Path,
			RawPath:    req.URL.RawPath,
			RawQuery:   req.URL.RawQuery,
			Fragment:   req.URL.Fragment,
			ForceQuery: req.URL.ForceQuery,
		}
	}

	return host, port, nil
}

// MatchHost reports whether address (a "host" or "host:port" string) matches
// any pattern in hosts. A pattern may carry a port (exact match on the full
// "host:port" string) or be host-only (matched against address with its port
// stripped). Both patterns and the host portion support glob wildcards
// (e.g. "*.example.com") via github.com/tidwall/match.
func MatchHost(address string, hosts []string) bool {
	bareHost := address
	if h, _, ok := strings.Cut(address, ":"); ok {
		bareHost = h
	}

	return lo.SomeBy(hosts, func(pattern string) bool {
		return match.Match(address, pattern) || match.Match(bareHost, pattern)
	})
}
