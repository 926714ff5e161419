// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// testCerts holds paths to a generated CA, server pair and client pair,
// all written under a test temp directory.
type testCerts struct {
	caFile         string
	serverCertFile string
	serverKeyFile  string
	clientCertFile string
	clientKeyFile  string
}

func writePEM(t *testing.T, path, blockType string, der []byte) {
	t.Helper()

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func newKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func marshalKey(t *testing.T, key *ecdsa.PrivateKey) []byte {
	t.Helper()

	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("failed to marshal key: %v", err)
	}
	return der
}

// generateTestCerts builds a throwaway PKI: a CA, a server certificate
// for localhost and a client certificate signed by the same CA.
func generateTestCerts(t *testing.T) *testCerts {
	t.Helper()

	dir := t.TempDir()

	caKey := newKey(t)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{Organization: []string{"Test CA"}, CommonName: "Test CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("failed to create CA certificate: %v", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("failed to parse CA certificate: %v", err)
	}

	certs := &testCerts{
		caFile:         filepath.Join(dir, "ca.crt"),
		serverCertFile: filepath.Join(dir, "server.crt"),
		serverKeyFile:  filepath.Join(dir, "server.key"),
		clientCertFile: filepath.Join(dir, "client.crt"),
		clientKeyFile:  filepath.Join(dir, "client.key"),
	}
	writePEM(t, certs.caFile, "CERTIFICATE", caDER)

	serverKey := newKey(t)
	serverTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{Organization: []string{"Test Server"}, CommonName: "localhost"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1"), net.ParseIP("::1")},
	}
	serverDER, err := x509.CreateCertificate(rand.Reader, serverTemplate, caCert, &serverKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("failed to create server certificate: %v", err)
	}
	writePEM(t, certs.serverCertFile, "CERTIFICATE", serverDER)
	writePEM(t, certs.serverKeyFile, "EC PRIVATE KEY", marshalKey(t, serverKey))

	clientKey := newKey(t)
	clientTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{Organization: []string{"Test Client"}, CommonName: "test-client"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	clientDER, err := x509.CreateCertificate(rand.Reader, clientTemplate, caCert, &clientKey.PublicKey, caKey)
	if err != nil {
		t.Fatalf("failed to create client certificate: %v", err)
	}
	writePEM(t, certs.clientCertFile, "CERTIFICATE", clientDER)
	writePEM(t, certs.clientKeyFile, "EC PRIVATE KEY", marshalKey(t, clientKey))

	return certs
}

// serverTLSConfig loads the server certificate and, for any mode other
// than NoClientCert, the CA pool for verifying client certificates.
func serverTLSConfig(t *testing.T, certs *testCerts, clientAuth tls.ClientAuthType) *tls.Config {
	t.Helper()

	cert, err := tls.LoadX509KeyPair(certs.serverCertFile, certs.serverKeyFile)
	if err != nil {
		t.Fatalf("failed to load server certificate: %v", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if clientAuth != tls.NoClientCert {
		cfg.ClientCAs = caPool(t, certs)
		cfg.ClientAuth = clientAuth
	}

	return cfg
}

// clientTLSConfig trusts the test CA and optionally presents the client
// certificate.
func clientTLSConfig(t *testing.T, certs *testCerts, useClientCert bool) *tls.Config {
	t.Helper()

	cfg := &tls.Config{
		RootCAs:    caPool(t, certs),
		MinVersion: tls.VersionTLS12,
	}

	if useClientCert {
		cert, err := tls.LoadX509KeyPair(certs.clientCertFile, certs.clientKeyFile)
		if err != nil {
			t.Fatalf("failed to load client certificate: %v", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg
}

func caPool(t *testing.T, certs *testCerts) *x509.CertPool {
	t.Helper()

	caPEM, err := os.ReadFile(certs.caFile)
	if err != nil {
		t.Fatalf("failed to read CA cert: %v", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		t.Fatal("failed to parse CA certificate")
	}
	return pool
}
