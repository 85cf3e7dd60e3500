// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tls

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

func writeCert(t *testing.T, dir string) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "mmx test"},
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

func TestLoadClientConfigDisabled(t *testing.T) {
	c, err := LoadClientConfig(Config{ServerName: "ignored"})
	require.NoError(t, err)
	assert.Nil(t, c)
	assert.Equal(t, "no TLS", SecurityStatus(c))
}

func TestLoadClientConfig(t *testing.T) {
	certFile, keyFile := writeCert(t, t.TempDir())

	c, err := LoadClientConfig(Config{Enabled: true, ServerName: "mmx.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "mmx.example.com", c.ServerName)
	assert.Nil(t, c.RootCAs)
	assert.Equal(t, "TLS", SecurityStatus(c))

	c, err = LoadClientConfig(Config{Enabled: true, ServerCAFile: certFile, CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	assert.NotNil(t, c.RootCAs)
	assert.Len(t, c.Certificates, 1)
	assert.Equal(t, "mutual TLS", SecurityStatus(c))
}

func TestLoadClientConfigErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadClientConfig(Config{Enabled: true, CertFile: "only-cert.pem"})
	assert.ErrorIs(t, err, errKeyPair)

	_, err = LoadClientConfig(Config{Enabled: true, ServerCAFile: filepath.Join(dir, "missing.pem")})
	assert.ErrorIs(t, err, errLoadServerCA)

	garbage := filepath.Join(dir, "garbage.pem")
	require.NoError(t, os.WriteFile(garbage, []byte("not a cert"), 0o600))
	_, err = LoadClientConfig(Config{Enabled: true, ServerCAFile: garbage})
	assert.ErrorIs(t, err, errAppendCA)

	_, err = LoadClientConfig(Config{Enabled: true, CertFile: garbage, KeyFile: garbage})
	assert.ErrorIs(t, err, errLoadCerts)
}
