// Package pac evaluates Proxy Auto-Configuration scripts using a pure-Go
// JavaScript engine, exposing the standard FindProxyForURL contract.
package pac

import (
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"

	"github.com/dop251/goja"
)

// Result is one entry of a PAC FindProxyForURL return value, e.g.
// "PROXY 1.2.3.4:8080" or "DIRECT".
type Result struct {
	// Type is "DIRECT", "PROXY", or "SOCKS".
	Type string
	// Address is host:port, empty when Type is DIRECT.
	Address string
}

// Script wraps a compiled PAC script. The underlying JavaScript runtime is
// not safe for concurrent use; FindProxyForURL serializes calls with an
// internal mutex.
type Script struct {
	mu      sync.Mutex
	vm      *goja.Runtime
	findFn  goja.Callable
}

// Compile parses and loads a PAC script's source, installing the standard
// PAC helper functions (dnsDomainIs, isInNet, shExpMatch, etc.) it may
// call.
func Compile(source string) (*Script, error) {
	vm := goja.New()
	installHelpers(vm)

	if _, err := vm.RunString(source); err != nil {
		return nil, fmt.Errorf("pac: compile script: %w", err)
	}

	fn, ok := goja.AssertFunction(vm.Get("FindProxyForURL"))
	if !ok {
		return nil, fmt.Errorf("pac: script does not define FindProxyForURL")
	}

	return &Script{vm: vm, findFn: fn}, nil
}

// FindProxyForURL evaluates the script for the given target URL and host,
// returning the ordered list of proxy choices the script names, in the
// order the PAC semicolon-separated return string lists them.
func (s *Script) FindProxyForURL(targetURL, host string) ([]Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, err := s.findFn(goja.Undefined(), s.vm.ToValue(targetURL), s.vm.ToValue(host))
	if err != nil {
		return nil, fmt.Errorf("pac: evaluate FindProxyForURL: %w", err)
	}

	return parseResult(val.String()), nil
}

// parseResult splits a PAC return string like "PROXY a:1; SOCKS b:2; DIRECT"
// into its ordered entries.
func parseResult(raw string) []Result {
	parts := strings.Split(raw, ";")
	results := make([]Result, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Fields(part)
		switch strings.ToUpper(fields[0]) {
		case "DIRECT":
			results = append(results, Result{Type: "DIRECT"})
		case "PROXY":
			if len(fields) >= 2 {
				results = append(results, Result{Type: "PROXY", Address: fields[1]})
			}
		case "SOCKS", "SOCKS5":
			if len(fields) >= 2 {
				results = append(results, Result{Type: "SOCKS", Address: fields[1]})
			}
		}
	}
	return results
}

// installHelpers registers the subset of the standard PAC helper function
// library (per Netscape's original PAC spec) that real-world scripts rely
// on most: host/domain matching and address-family predicates.
func installHelpers(vm *goja.Runtime) {
	must := func(name string, fn func(goja.FunctionCall) goja.Value) {
		if err := vm.Set(name, fn); err != nil {
			panic(fmt.Sprintf("pac: install helper %s: %v", name, err))
		}
	}

	must("dnsDomainIs", func(call goja.FunctionCall) goja.Value {
		host := call.Argument(0).String()
		domain := call.Argument(1).String()
		return vm.ToValue(strings.HasSuffix(host, domain))
	})

	must("isInNet", func(call goja.FunctionCall) goja.Value {
		host := call.Argument(0).String()
		pattern := call.Argument(1).String()
		mask := call.Argument(2).String()
		ip := net.ParseIP(host)
		patIP := net.ParseIP(pattern)
		maskIP := net.ParseIP(mask)
		if ip == nil || patIP == nil || maskIP == nil {
			return vm.ToValue(false)
		}
		netmask := net.IPMask(maskIP.To4())
		return vm.ToValue(ip.Mask(netmask).Equal(patIP.Mask(netmask)))
	})

	must("shExpMatch", func(call goja.FunctionCall) goja.Value {
		str := call.Argument(0).String()
		shexp := call.Argument(1).String()
		pattern := "^" + strings.NewReplacer(".", `\.`, "*", ".*", "?", ".").Replace(shexp) + "$"
		matched, _ := regexp.MatchString(pattern, str)
		return vm.ToValue(matched)
	})

	must("myIpAddress", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue("127.0.0.1")
	})

	must("isResolvable", func(call goja.FunctionCall) goja.Value {
		host := call.Argument(0).String()
		_, err := net.LookupHost(host)
		return vm.ToValue(err == nil)
	})

	must("isPlainHostName", func(call goja.FunctionCall) goja.Value {
		host := call.Argument(0).String()
		return vm.ToValue(!strings.Contains(host, "."))
	})
}
