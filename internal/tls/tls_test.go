package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	stdtls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valmatov/edgeproxy/internal/config"
)

// writeTestCert generates a self-signed certificate and writes the PEM
// cert and key into dir.
func writeTestCert(t *testing.T, dir, commonName string) (certFile, keyFile string) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, commonName+".crt")
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	require.NoError(t, os.WriteFile(certFile, certPEM, 0o600))

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	keyFile = filepath.Join(dir, commonName+".key")
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0o600))

	return certFile, keyFile
}

func TestVersionFromString(t *testing.T) {
	t.Parallel()

	tests := []struct {
		version string
		want    uint16
		wantErr bool
	}{
		{version: "", want: 0},
		{version: "1.2", want: stdtls.VersionTLS12},
		{version: "1.3", want: stdtls.VersionTLS13},
		{version: "1.1", wantErr: true},
		{version: "bogus", wantErr: true},
	}

	for _, tt := range tests {
		got, err := versionFromString(tt.version)
		if tt.wantErr {
			assert.Error(t, err, tt.version)
			continue
		}
		require.NoError(t, err, tt.version)
		assert.Equal(t, tt.want, got, tt.version)
	}
}

func TestManager_LoadAndReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certFile, keyFile := writeTestCert(t, dir, "edge")

	m, err := NewManager(certFile, keyFile, nil)
	require.NoError(t, err)

	cert, err := m.GetCertificate(nil)
	require.NoError(t, err)
	first, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "edge", first.Subject.CommonName)

	// Swap the files underneath the manager and reload.
	newCert, newKey := writeTestCert(t, dir, "rotated")
	require.NoError(t, os.Rename(newCert, certFile))
	require.NoError(t, os.Rename(newKey, keyFile))
	require.NoError(t, m.Reload())

	cert, err = m.GetCertificate(nil)
	require.NoError(t, err)
	rotated, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "rotated", rotated.Subject.CommonName)
}

func TestNewManager_MissingFiles(t *testing.T) {
	t.Parallel()

	_, err := NewManager("/nonexistent/cert.pem", "/nonexistent/key.pem", nil)
	assert.Error(t, err)
}

func TestBuildServerConfig(t *testing.T) {
	t.Parallel()

	certFile, keyFile := writeTestCert(t, t.TempDir(), "edge")

	t.Run("nil config", func(t *testing.T) {
		t.Parallel()

		tlsConfig, manager, err := BuildServerConfig(nil, nil)
		require.NoError(t, err)
		assert.Nil(t, tlsConfig)
		assert.Nil(t, manager)
	})

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()

		tlsConfig, manager, err := BuildServerConfig(&config.ListenerTLSConfig{
			CertFile: certFile,
			KeyFile:  keyFile,
		}, nil)
		require.NoError(t, err)
		require.NotNil(t, tlsConfig)
		require.NotNil(t, manager)

		assert.Equal(t, uint16(stdtls.VersionTLS12), tlsConfig.MinVersion)
		assert.Equal(t, uint16(0), tlsConfig.MaxVersion)
		assert.Equal(t, []string{"h2", "http/1.1"}, tlsConfig.NextProtos)
		assert.Equal(t, stdtls.NoClientCert, tlsConfig.ClientAuth)

		cert, err := tlsConfig.GetCertificate(nil)
		require.NoError(t, err)
		assert.NotNil(t, cert)
	})

	t.Run("version bounds", func(t *testing.T) {
		t.Parallel()

		tlsConfig, _, err := BuildServerConfig(&config.ListenerTLSConfig{
			CertFile:   certFile,
			KeyFile:    keyFile,
			MinVersion: "1.3",
			MaxVersion: "1.3",
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, uint16(stdtls.VersionTLS13), tlsConfig.MinVersion)
		assert.Equal(t, uint16(stdtls.VersionTLS13), tlsConfig.MaxVersion)
	})

	t.Run("mutual TLS", func(t *testing.T) {
		t.Parallel()

		caFile, _ := writeTestCert(t, t.TempDir(), "clients-ca")
		tlsConfig, _, err := BuildServerConfig(&config.ListenerTLSConfig{
			CertFile: certFile,
			KeyFile:  keyFile,
			CAFile:   caFile,
		}, nil)
		require.NoError(t, err)
		assert.Equal(t, stdtls.RequireAndVerifyClientCert, tlsConfig.ClientAuth)
		assert.NotNil(t, tlsConfig.ClientCAs)
	})

	t.Run("bad CA file", func(t *testing.T) {
		t.Parallel()

		bad := filepath.Join(t.TempDir(), "ca.pem")
		require.NoError(t, os.WriteFile(bad, []byte("not a cert"), 0o600))

		_, _, err := BuildServerConfig(&config.ListenerTLSConfig{
			CertFile: certFile,
			KeyFile:  keyFile,
			CAFile:   bad,
		}, nil)
		assert.Error(t, err)
	})
}
