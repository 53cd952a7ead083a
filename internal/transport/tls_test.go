package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
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
)

func writeSelfSigned(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "gauge-test"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certFile = filepath.Join(dir, "cert.pem")
	keyFile = filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))
	return certFile, keyFile
}

func TestLoadTLS(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	certFile, keyFile := writeSelfSigned(t, dir)
	junk := filepath.Join(dir, "junk.pem")
	require.NoError(t, os.WriteFile(junk, []byte("not a certificate"), 0o600))

	t.Run("ca and client pair", func(t *testing.T) {
		cfg, err := LoadTLS(certFile, certFile, keyFile)
		require.NoError(t, err)
		assert.NotNil(t, cfg.RootCAs)
		assert.Len(t, cfg.Certificates, 1)
	})
	t.Run("ca only", func(t *testing.T) {
		cfg, err := LoadTLS(certFile, "", "")
		require.NoError(t, err)
		assert.NotNil(t, cfg.RootCAs)
		assert.Empty(t, cfg.Certificates)
	})
	t.Run("missing ca", func(t *testing.T) {
		_, err := LoadTLS(filepath.Join(dir, "absent.pem"), "", "")
		assert.Error(t, err)
	})
	t.Run("ca without certificates", func(t *testing.T) {
		_, err := LoadTLS(junk, "", "")
		assert.ErrorContains(t, err, "no certificates")
	})
	t.Run("cert without key", func(t *testing.T) {
		_, err := LoadTLS("", certFile, "")
		assert.Error(t, err)
	})
}

func TestWantsTLS(t *testing.T) {
	t.Parallel()
	assert.False(t, WantsTLS("", "", ""))
	assert.True(t, WantsTLS("ca.pem", "", ""))
	assert.True(t, WantsTLS("", "c.pem", "k.pem"))
}
