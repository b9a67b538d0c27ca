package main

import (
	"crypto/x509"
	"encoding/pem"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/wraithgate/relayproxy/cert"
)

// Mint a leaf certificate for a given common name and print it, PEM
// encoded, to stdout alongside its private key. Useful for inspecting
// what the MITM CA would hand a client for a given host.

type config struct {
	commonName string
	certPath   string
}

func parseFlags() config {
	var c config
	flag.StringVar(&c.commonName, "commonName", "", "server commonName")
	flag.StringVar(&c.certPath, "certPath", "", "path of the root CA to sign with")
	flag.Parse() //revive:disable-line:deep-exit -- ok for cmd/*
	return c
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	c := parseFlags()
	if c.commonName == "" {
		slog.Error("commonName required")
		os.Exit(1)
	}

	ca, err := cert.NewSelfSignCA(c.certPath)
	if err != nil {
		slog.Error("failed to load CA", "error", err)
		os.Exit(1)
	}

	tlsCert, err := ca.GetCert(c.commonName)
	if err != nil {
		slog.Error("failed to mint leaf certificate", "error", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stdout, "%v-cert.pem\n", c.commonName)
	for _, der := range tlsCert.Certificate {
		if err := pem.Encode(os.Stdout, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
			slog.Error("failed to encode certificate", "error", err)
			os.Exit(1)
		}
	}

	fmt.Fprintf(os.Stdout, "\n%v-key.pem\n", c.commonName)
	keyBytes, err := x509.MarshalPKCS8PrivateKey(tlsCert.PrivateKey)
	if err != nil {
		slog.Error("failed to marshal private key", "error", err)
		os.Exit(1)
	}
	if err := pem.Encode(os.Stdout, &pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}); err != nil {
		slog.Error("failed to encode private key", "error", err)
		os.Exit(1)
	}
}
