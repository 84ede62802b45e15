// Package tlstest mints a throwaway certificate authority and leaf
// certificates on disk for TLS tests.
package tlstest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var serial atomic.Int64

type Authority struct {
	cert   *x509.Certificate
	key    *ecdsa.PrivateKey
	dir    string
	caPath string
}

// NewAuthority writes a self-signed CA to dir/ca.crt.
func NewAuthority(t testing.TB, dir string, commonName string) *Authority {
	t.Helper()

	key := newKey(t)
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(serial.Add(1)),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create ca cert: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse ca cert: %v", err)
	}
	caPath := filepath.Join(dir, "ca.crt")
	writePEM(t, caPath, "CERTIFICATE", der, 0o644)
	return &Authority{cert: cert, key: key, dir: dir, caPath: caPath}
}

func (a *Authority) CAFile() string {
	return a.caPath
}

// IssueServerCert returns cert and key paths for a server certificate.
func (a *Authority) IssueServerCert(t testing.TB, commonName string, dnsNames []string, ips []net.IP) (string, string) {
	t.Helper()
	return a.issue(t, commonName, x509.ExtKeyUsageServerAuth, dnsNames, ips)
}

// IssueClientCert returns cert and key paths for a client certificate.
func (a *Authority) IssueClientCert(t testing.TB, commonName string) (string, string) {
	t.Helper()
	return a.issue(t, commonName, x509.ExtKeyUsageClientAuth, nil, nil)
}

func (a *Authority) issue(t testing.TB, commonName string, usage x509.ExtKeyUsage, dnsNames []string, ips []net.IP) (string, string) {
	t.Helper()

	key := newKey(t)
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial.Add(1)),
		Subject:      pkix.Name{CommonName: commonName},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{usage},
		DNSNames:     dnsNames,
		IPAddresses:  ips,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, a.cert, &key.PublicKey, a.key)
	if err != nil {
		t.Fatalf("create signed cert: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	base := sanitize(commonName)
	certPath := filepath.Join(a.dir, base+".crt")
	keyPath := filepath.Join(a.dir, base+".key")
	writePEM(t, certPath, "CERTIFICATE", der, 0o644)
	writePEM(t, keyPath, "EC PRIVATE KEY", keyDER, 0o600)
	return certPath, keyPath
}

// Bundle is everything a loopback TLS test needs.
type Bundle struct {
	CAFile         string
	ServerCertFile string
	ServerKeyFile  string
	ClientCertFile string
	ClientKeyFile  string
}

// NewBundle issues a CA, a server certificate valid for localhost and
// 127.0.0.1, and a client certificate named clientName.
func NewBundle(t testing.TB, clientName string) Bundle {
	t.Helper()
	ca := NewAuthority(t, t.TempDir(), "beepmux-test-ca")
	serverCert, serverKey := ca.IssueServerCert(t, "localhost", []string{"localhost"}, []net.IP{net.IPv4(127, 0, 0, 1)})
	clientCert, clientKey := ca.IssueClientCert(t, clientName)
	return Bundle{
		CAFile:         ca.CAFile(),
		ServerCertFile: serverCert,
		ServerKeyFile:  serverKey,
		ClientCertFile: clientCert,
		ClientKeyFile:  clientKey,
	}
}

func newKey(t testing.TB) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func writePEM(t testing.TB, path string, blockType string, der []byte, perm os.FileMode) {
	t.Helper()
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	if err := os.WriteFile(path, data, perm); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "cert"
	}
	return strings.NewReplacer("/", "_", ":", "_", " ", "_").Replace(s)
}
