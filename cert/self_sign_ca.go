// Package cert manages the proxy's root certificate authority and mints
// per-host leaf certificates used to terminate TLS on intercepted
// connections.
package cert

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
	"github.com/golang/groupcache/singleflight"
)

// CA mints and serves TLS certificates for intercepted hosts.
type CA interface {
	// GetCert returns a leaf certificate for commonName, generating and
	// caching it on first use. commonName may carry a wildcard label
	// (e.g. "*.example.com").
	GetCert(commonName string) (*tls.Certificate, error)
	// GetRootCA returns the CA's own root certificate, e.g. for export
	// so clients can trust it.
	GetRootCA() *x509.Certificate
}

const (
	rootCertFile = "rootCA.crt"
	rootKeyFile  = "rootCA.key"
	leafCacheCap = 1024
	leafValidity = 7 * 24 * time.Hour
	rootValidity = 10 * 365 * 24 * time.Hour
)

// SelfSignCA is a CA backed by a self-signed root certificate, generated
// once and optionally persisted to disk so repeated runs reuse (and
// clients only need to trust) the same root.
type SelfSignCA struct {
	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey
	storeDir string // empty for an in-memory-only CA

	cacheMu sync.Mutex
	cache   *lru.Cache
	group   *singleflight.Group
}

// NewSelfSignCA returns a CA whose root certificate is loaded from path
// (or a default OS-specific location if path is empty), generating and
// persisting a new one if none exists yet.
func NewSelfSignCA(path string) (CA, error) {
	storeDir, err := getStorePath(path)
	if err != nil {
		return nil, fmt.Errorf("cert: resolve store path: %w", err)
	}

	ca := &SelfSignCA{
		storeDir: storeDir,
		cache:    lru.New(leafCacheCap),
		group:    new(singleflight.Group),
	}

	if err := ca.loadOrCreateRoot(); err != nil {
		return nil, err
	}
	return ca, nil
}

// NewSelfSignCAMemory returns a CA with a freshly generated root
// certificate that is never written to disk. Intended for tests and
// other short-lived processes.
func NewSelfSignCAMemory() (CA, error) {
	ca := &SelfSignCA{
		cache: lru.New(leafCacheCap),
		group: new(singleflight.Group),
	}
	cert, key, err := generateRoot()
	if err != nil {
		return nil, err
	}
	ca.rootCert = cert
	ca.rootKey = key
	return ca, nil
}

// getStorePath resolves the directory the CA's root key/cert pair is
// persisted under. An empty path falls back to the user's config
// directory, under "mitmproxy".
func getStorePath(path string) (string, error) {
	if path != "" {
		return path, nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cert: resolve user config dir: %w", err)
	}
	return filepath.Join(dir, "mitmproxy"), nil
}

func (ca *SelfSignCA) caFile() string {
	return filepath.Join(ca.storeDir, rootCertFile)
}

func (ca *SelfSignCA) keyFile() string {
	return filepath.Join(ca.storeDir, rootKeyFile)
}

func (ca *SelfSignCA) loadOrCreateRoot() error {
	certPEM, certErr := os.ReadFile(ca.caFile())
	keyPEM, keyErr := os.ReadFile(ca.keyFile())
	if certErr == nil && keyErr == nil {
		cert, key, err := decodeRootPair(certPEM, keyPEM)
		if err == nil {
			ca.rootCert = cert
			ca.rootKey = key
			return nil
		}
	}

	cert, key, err := generateRoot()
	if err != nil {
		return err
	}
	ca.rootCert = cert
	ca.rootKey = key

	if err := os.MkdirAll(ca.storeDir, 0o755); err != nil {
		return fmt.Errorf("cert: create store dir: %w", err)
	}

	buf := new(bytes.Buffer)
	if err := ca.saveTo(buf); err != nil {
		return err
	}
	if err := os.WriteFile(ca.caFile(), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("cert: write root cert: %w", err)
	}

	keyBuf := new(bytes.Buffer)
	if err := pem.Encode(keyBuf, &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(ca.rootKey),
	}); err != nil {
		return fmt.Errorf("cert: encode root key: %w", err)
	}
	if err := os.WriteFile(ca.keyFile(), keyBuf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("cert: write root key: %w", err)
	}

	return nil
}

// saveTo PEM-encodes the CA's root certificate to w. Used both to
// persist the initial root cert to disk and, in tests, to verify that
// what's on disk matches what generation produced.
func (ca *SelfSignCA) saveTo(w io.Writer) error {
	return pem.Encode(w, &pem.Block{
		Type:  "CERTIFICATE",
		Bytes: ca.rootCert.Raw,
	})
}

func (ca *SelfSignCA) GetRootCA() *x509.Certificate {
	return ca.rootCert
}

// GetCert returns a leaf certificate for commonName, minting and caching
// it on first request. Concurrent requests for the same commonName are
// coalesced via a singleflight group so only one leaf is generated.
func (ca *SelfSignCA) GetCert(commonName string) (*tls.Certificate, error) {
	ca.cacheMu.Lock()
	if val, ok := ca.cache.Get(commonName); ok {
		ca.cacheMu.Unlock()
		tlsCert, ok := val.(*tls.Certificate)
		if !ok {
			return nil, errors.New("cert: cached value is not a tls.Certificate")
		}
		return tlsCert, nil
	}
	ca.cacheMu.Unlock()

	val, err := ca.group.Do(commonName, func() (any, error) {
		tlsCert, err := ca.signLeaf(commonName)
		if err != nil {
			return nil, err
		}
		ca.cacheMu.Lock()
		ca.cache.Add(commonName, tlsCert)
		ca.cacheMu.Unlock()
		return tlsCert, nil
	})
	if err != nil {
		return nil, err
	}

	tlsCert, ok := val.(*tls.Certificate)
	if !ok {
		return nil, errors.New("cert: generated value is not a tls.Certificate")
	}
	return tlsCert, nil
}

func (ca *SelfSignCA) signLeaf(commonName string) (*tls.Certificate, error) {
	leafKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("cert: generate leaf key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("cert: generate serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: commonName, Organization: []string{"relayproxy"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{commonName},
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &leafKey.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("cert: sign leaf for %q: %w", commonName, err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{der, ca.rootCert.Raw},
		PrivateKey:  leafKey,
		Leaf:        ca.rootCert,
	}, nil
}

func generateRoot() (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("cert: generate root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("cert: generate root serial: %w", err)
	}

	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "relayproxy Root CA", Organization: []string{"relayproxy"}},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(rootValidity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("cert: self-sign root: %w", err)
	}

	root, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, fmt.Errorf("cert: parse generated root: %w", err)
	}

	return root, key, nil
}

func decodeRootPair(certPEM, keyPEM []byte) (*x509.Certificate, *rsa.PrivateKey, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, nil, errors.New("cert: no PEM data in root cert file")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("cert: parse root cert: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, errors.New("cert: no PEM data in root key file")
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("cert: parse root key: %w", err)
	}

	return cert, key, nil
}
