// Package testcerts writes a throwaway CA with server and client
// certificates for mTLS tests.
package testcerts

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"
)

// Paths of the files written by Generate.
type Paths struct {
	CACert string

	ServerCert string
	ServerKey  string

	OperatorCert string
	OperatorKey  string

	ViewerCert string
	ViewerKey  string

	// UntrustedCert is signed by a CA the server doesn't trust.
	UntrustedCert string
	UntrustedKey  string
}

type keyPair struct {
	cert *x509.Certificate
	key  *ecdsa.PrivateKey
}

// Generate writes a CA, a server certificate for localhost and 127.0.0.1,
// and operator, viewer and untrusted client certificates into dir.
func Generate(dir string) (Paths, error) {
	p := Paths{
		CACert:        filepath.Join(dir, "ca.crt"),
		ServerCert:    filepath.Join(dir, "server.crt"),
		ServerKey:     filepath.Join(dir, "server.key"),
		OperatorCert:  filepath.Join(dir, "client-operator.crt"),
		OperatorKey:   filepath.Join(dir, "client-operator.key"),
		ViewerCert:    filepath.Join(dir, "client-viewer.crt"),
		ViewerKey:     filepath.Join(dir, "client-viewer.key"),
		UntrustedCert: filepath.Join(dir, "client-untrusted.crt"),
		UntrustedKey:  filepath.Join(dir, "client-untrusted.key"),
	}

	ca, err := newCA("taskworker test CA")
	if err != nil {
		return p, err
	}

	if err := writeCert(p.CACert, ca.cert); err != nil {
		return p, err
	}

	server, err := newLeaf(ca, pkix.Name{CommonName: "localhost"}, true)
	if err != nil {
		return p, err
	}

	if err := writePair(p.ServerCert, p.ServerKey, server); err != nil {
		return p, err
	}

	rogue, err := newCA("rogue CA")
	if err != nil {
		return p, err
	}

	clients := []struct {
		ca       keyPair
		cn, ou   string
		crt, key string
	}{
		{ca, "alice", "operator", p.OperatorCert, p.OperatorKey},
		{ca, "bob", "viewer", p.ViewerCert, p.ViewerKey},
		{rogue, "mallory", "operator", p.UntrustedCert, p.UntrustedKey},
	}

	for _, c := range clients {
		leaf, err := newLeaf(
			c.ca,
			pkix.Name{CommonName: c.cn, OrganizationalUnit: []string{c.ou}},
			false,
		)
		if err != nil {
			return p, err
		}

		if err := writePair(c.crt, c.key, leaf); err != nil {
			return p, err
		}
	}

	return p, nil
}

func serial() (*big.Int, error) {
	return rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
}

func newCA(cn string) (keyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return keyPair{}, fmt.Errorf("generate CA key: %w", err)
	}

	sn, err := serial()
	if err != nil {
		return keyPair{}, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          sn,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return keyPair{}, fmt.Errorf("create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return keyPair{}, fmt.Errorf("parse CA certificate: %w", err)
	}

	return keyPair{cert: cert, key: key}, nil
}

func newLeaf(ca keyPair, subject pkix.Name, server bool) (keyPair, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return keyPair{}, fmt.Errorf("generate key: %w", err)
	}

	sn, err := serial()
	if err != nil {
		return keyPair{}, fmt.Errorf("generate serial: %w", err)
	}

	tmpl := &x509.Certificate{
		SerialNumber: sn,
		Subject:      subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	if server {
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		tmpl.DNSNames = []string{"localhost"}
		tmpl.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, &key.PublicKey, ca.key)
	if err != nil {
		return keyPair{}, fmt.Errorf("create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return keyPair{}, fmt.Errorf("parse certificate: %w", err)
	}

	return keyPair{cert: cert, key: key}, nil
}

func writeCert(path string, cert *x509.Certificate) error {
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw})

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	return nil
}

func writePair(certPath, keyPath string, kp keyPair) error {
	if err := writeCert(certPath, kp.cert); err != nil {
		return err
	}

	der, err := x509.MarshalECPrivateKey(kp.key)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}

	data := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})

	if err := os.WriteFile(keyPath, data, 0600); err != nil {
		return fmt.Errorf("write %s: %w", keyPath, err)
	}

	return nil
}
