package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"

	"github.com/wraithgate/relayproxy/cert"
	"github.com/wraithgate/relayproxy/internal/helper"
	"github.com/wraithgate/relayproxy/proxy"
)

type cliConfig struct {
	version bool

	addr         string
	sslInsecure  bool
	ignoreHosts  arrayFlag
	allowHosts   arrayFlag
	certPath     string
	debug        bool
	upstream     string
	upstreamPAC  string
	upstreamHTTP string
	upstreamSOCKS string
	upstreamCert bool
	decodeBody   bool
	logFile      string
}

// arrayFlag accumulates repeated -ignore-hosts / -allow-hosts flags.
type arrayFlag []string

func (a *arrayFlag) String() string { return fmt.Sprint([]string(*a)) }
func (a *arrayFlag) Set(v string) error {
	*a = append(*a, v)
	return nil
}

func parseFlags() cliConfig {
	var c cliConfig
	flag.BoolVar(&c.version, "version", false, "show relayproxy version")
	flag.StringVar(&c.addr, "addr", ":9080", "proxy listen addr")
	flag.BoolVar(&c.sslInsecure, "ssl-insecure", false, "don't verify upstream server SSL/TLS certificates")
	flag.Var(&c.ignoreHosts, "ignore-hosts", "a host pattern to never intercept (repeatable)")
	flag.Var(&c.allowHosts, "allow-hosts", "a host pattern to exclusively intercept (repeatable)")
	flag.StringVar(&c.certPath, "cert-path", "", "path to store/load the root CA")
	flag.BoolVar(&c.debug, "debug", false, "enable debug logging")
	flag.StringVar(&c.upstream, "upstream", "", "forward all traffic to this upstream proxy")
	flag.StringVar(&c.upstreamHTTP, "upstream-http", "", "forward HTTP(S) traffic to this upstream proxy")
	flag.StringVar(&c.upstreamSOCKS, "upstream-socks", "", "forward traffic through this SOCKS5 proxy")
	flag.StringVar(&c.upstreamPAC, "upstream-pac", "", "path to a PAC script selecting the upstream proxy per request")
	flag.BoolVar(&c.upstreamCert, "upstream-cert", true, "connect to the upstream server to look up certificate details")
	flag.BoolVar(&c.decodeBody, "decode-body", true, "decode response bodies (gzip/deflate/br/zstd) before they reach other addons")
	flag.StringVar(&c.logFile, "log-file", "", "log file path")
	flag.Parse()
	return c
}

func main() {
	config := parseFlags()

	level := slog.LevelInfo
	addSource := false
	if config.debug {
		level = slog.LevelDebug
		addSource = true
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     level,
		AddSource: addSource,
	}))
	slog.SetDefault(logger)

	ca, err := cert.NewSelfSignCA(config.certPath)
	if err != nil {
		slog.Error("failed to create CA", "error", err)
		os.Exit(1)
	}

	proxyConfig := proxy.Config{
		Addr:               config.addr,
		StreamLargeBodies:  1024 * 1024 * 5,
		InsecureSkipVerify: config.sslInsecure,
		Upstream:           config.upstream,
	}
	if config.upstreamHTTP != "" {
		u, err := url.Parse(config.upstreamHTTP)
		if err != nil {
			slog.Error("invalid -upstream-http", "error", err)
			os.Exit(1)
		}
		proxyConfig.HTTPUpstream = u
		proxyConfig.HTTPSUpstream = u
	}
	if config.upstreamSOCKS != "" {
		u, err := url.Parse(config.upstreamSOCKS)
		if err != nil {
			slog.Error("invalid -upstream-socks", "error", err)
			os.Exit(1)
		}
		proxyConfig.SOCKSUpstream = u
	}
	if config.upstreamPAC != "" {
		script, err := os.ReadFile(config.upstreamPAC)
		if err != nil {
			slog.Error("failed to read -upstream-pac", "error", err)
			os.Exit(1)
		}
		proxyConfig.PACScript = string(script)
	}

	p, err := proxy.NewProxy(proxyConfig, ca)
	if err != nil {
		slog.Error("failed to create proxy", "error", err)
		os.Exit(1)
	}

	if config.version {
		fmt.Println("relayproxy: " + p.Version)
		os.Exit(0)
	}

	slog.Info("relayproxy started", slog.String("version", p.Version))

	if len(config.ignoreHosts) > 0 {
		p.SetShouldInterceptRule(func(req *http.Request) bool {
			return !helper.MatchHost(req.Host, config.ignoreHosts)
		})
	}
	if len(config.allowHosts) > 0 {
		p.SetShouldInterceptRule(func(req *http.Request) bool {
			return helper.MatchHost(req.Host, config.allowHosts)
		})
	}

	if !config.upstreamCert {
		p.AddAddon(proxy.NewUpstreamCertAddon(false))
		slog.Info("upstream-cert disabled")
	}

	if config.decodeBody {
		p.AddAddon(&proxy.Decoder{})
	}

	if config.logFile != "" {
		p.AddAddon(proxy.NewInstanceLogAddonWithFile(config.addr, "", config.logFile))
		slog.Info("logging flows to file", slog.String("file", config.logFile))
	} else {
		p.AddAddon(&proxy.LogAddon{})
	}

	if err := p.Start(); err != nil {
		slog.Error("proxy exited", "error", err)
		os.Exit(1)
	}
}
