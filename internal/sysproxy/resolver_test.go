package sysproxy_test

import (
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/wraithgate/relayproxy/internal/sysproxy"
)

func TestResolveOSOverridesEnv(t *testing.T) {
	c := qt.New(t)
	t.Setenv("HTTP_PROXY", "http://env.example.com:8080")

	r := &sysproxy.Resolver{OS: &sysproxy.OSConfig{HTTP: "http://os.example.com:8080"}}
	cfg := r.Resolve()

	c.Assert(cfg.HTTP, qt.Not(qt.IsNil))
	c.Assert(cfg.HTTP.Host, qt.Equals, "os.example.com:8080")
}

func TestResolveFallsBackToEnv(t *testing.T) {
	c := qt.New(t)
	t.Setenv("HTTP_PROXY", "http://env.example.com:8080")

	r := sysproxy.New()
	cfg := r.Resolve()

	c.Assert(cfg.HTTP, qt.Not(qt.IsNil))
	c.Assert(cfg.HTTP.Host, qt.Equals, "env.example.com:8080")
}

func TestResolveAbsentWhenUnset(t *testing.T) {
	c := qt.New(t)

	r := sysproxy.New()
	cfg := r.Resolve()

	c.Assert(cfg.SOCKS, qt.IsNil)
	c.Assert(cfg.PAC, qt.IsNil)
}
