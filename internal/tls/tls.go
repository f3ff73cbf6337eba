// Package tls builds server TLS configurations for listeners that
// terminate HTTPS, including mutual TLS and certificate hot reload.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync/atomic"

	"github.com/valmatov/edgeproxy/internal/config"
	"github.com/valmatov/edgeproxy/internal/observability"
)

// versionFromString maps a configured TLS version to the crypto/tls
// constant. An empty string returns 0 so Go picks its default.
func versionFromString(version string) (uint16, error) {
	switch version {
	case "":
		return 0, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version: %s", version)
	}
}

// Manager holds a listener certificate and supports swapping it at
// runtime without restarting the listener.
type Manager struct {
	certFile string
	keyFile  string
	logger   observability.Logger

	cert atomic.Pointer[tls.Certificate]
}

// NewManager loads the initial certificate from the configured files.
func NewManager(certFile, keyFile string, logger observability.Logger) (*Manager, error) {
	if logger == nil {
		logger = observability.NopLogger()
	}

	m := &Manager{
		certFile: certFile,
		keyFile:  keyFile,
		logger:   logger,
	}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Reload re-reads the certificate files and swaps the served
// certificate. In-flight handshakes keep using the old certificate.
func (m *Manager) Reload() error {
	cert, err := tls.LoadX509KeyPair(m.certFile, m.keyFile)
	if err != nil {
		return fmt.Errorf("loading key pair %s: %w", m.certFile, err)
	}

	m.cert.Store(&cert)
	m.logger.Info("listener certificate loaded",
		observability.String("cert_file", m.certFile))
	return nil
}

// GetCertificate implements the tls.Config callback.
func (m *Manager) GetCertificate(_ *tls.ClientHelloInfo) (*tls.Certificate, error) {
	cert := m.cert.Load()
	if cert == nil {
		return nil, fmt.Errorf("no certificate loaded for %s", m.certFile)
	}
	return cert, nil
}

// BuildServerConfig builds the tls.Config for a terminating listener.
// A configured CA file enables mutual TLS with required client
// certificate verification.
func BuildServerConfig(cfg *config.ListenerTLSConfig, logger observability.Logger) (*tls.Config, *Manager, error) {
	if cfg == nil {
		return nil, nil, nil
	}

	manager, err := NewManager(cfg.CertFile, cfg.KeyFile, logger)
	if err != nil {
		return nil, nil, err
	}

	minVersion, err := versionFromString(cfg.MinVersion)
	if err != nil {
		return nil, nil, err
	}
	maxVersion, err := versionFromString(cfg.MaxVersion)
	if err != nil {
		return nil, nil, err
	}
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}

	tlsConfig := &tls.Config{
		GetCertificate: manager.GetCertificate,
		MinVersion:     minVersion,
		MaxVersion:     maxVersion,
		NextProtos:     []string{"h2", "http/1.1"},
	}

	if cfg.CAFile != "" {
		caData, err := os.ReadFile(cfg.CAFile) //nolint:gosec // path comes from configuration
		if err != nil {
			return nil, nil, fmt.Errorf("reading client CA file %s: %w", cfg.CAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caData) {
			return nil, nil, fmt.Errorf("no valid certificates in CA file %s", cfg.CAFile)
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return tlsConfig, manager, nil
}
