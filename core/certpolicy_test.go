package core

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func generateTestCert(t *testing.T) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "test.example.com"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}
	return cert
}

func TestCertPathForHostnameAndIPv6(t *testing.T) {
	host, err := NewServerAddr("example.com", 50002, ProtocolTLS)
	if err != nil {
		t.Fatalf("NewServerAddr: %v", err)
	}
	if got, want := certPath("/root", host), filepath.Join("/root", "certs", "example.com"); got != want {
		t.Fatalf("certPath = %q, want %q", got, want)
	}

	v6, err := NewServerAddr("::1", 50002, ProtocolTLS)
	if err != nil {
		t.Fatalf("NewServerAddr ipv6: %v", err)
	}
	got := certPath("/root", v6)
	want := filepath.Join("/root", "certs", "ipv6_"+hexEncode(v6.Host))
	if got != want {
		t.Fatalf("certPath(ipv6) = %q, want %q", got, want)
	}
}

func hexEncode(s string) string {
	const hexDigits = "0123456789abcdef"
	out := make([]byte, 0, len(s)*2)
	for _, b := range []byte(s) {
		out = append(out, hexDigits[b>>4], hexDigits[b&0x0f])
	}
	return string(out)
}

func TestReadCertFileAbsent(t *testing.T) {
	dir := t.TempDir()
	state, cert, err := readCertFile(filepath.Join(dir, "missing"))
	if err != nil {
		t.Fatalf("readCertFile: %v", err)
	}
	if state != certAbsent || cert != nil {
		t.Fatalf("expected certAbsent/nil, got %v/%v", state, cert)
	}
}

func TestReadCertFileEmptyMeansCATrust(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.com")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	state, cert, err := readCertFile(path)
	if err != nil {
		t.Fatalf("readCertFile: %v", err)
	}
	if state != certEmptyCA || cert != nil {
		t.Fatalf("expected certEmptyCA/nil, got %v/%v", state, cert)
	}
}

func TestReadCertFilePinned(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.com")
	cert := generateTestCert(t)
	block := &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	state, parsed, err := readCertFile(path)
	if err != nil {
		t.Fatalf("readCertFile: %v", err)
	}
	if state != certPinned {
		t.Fatalf("expected certPinned, got %v", state)
	}
	if !equalBytes(parsed.Raw, cert.Raw) {
		t.Fatal("expected parsed cert to round-trip through PEM unchanged")
	}
}

func TestReadCertFileRejectsInvalidPEM(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.com")
	if err := os.WriteFile(path, []byte("not pem data"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	_, _, err := readCertFile(path)
	if err == nil || !errors.Is(err, ErrParsingSSLCert) {
		t.Fatalf("expected ErrParsingSSLCert, got %v", err)
	}
}

func TestFingerprintOfIsStableAndLowercaseHex(t *testing.T) {
	cert := generateTestCert(t)
	a := fingerprintOf(cert.Raw)
	b := fingerprintOf(cert.Raw)
	if a != b {
		t.Fatalf("expected stable fingerprint, got %q and %q", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected a 32-byte sha256 hex digest (64 chars), got %d", len(a))
	}
	for _, r := range a {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			t.Fatalf("expected lowercase hex digest, got %q", a)
		}
	}
}

func TestPinnedCertVerifierAcceptsMatchAndRejectsMismatch(t *testing.T) {
	pinned := generateTestCert(t)
	other := generateTestCert(t)
	verify := pinnedCertVerifier(pinned)

	if err := verify([][]byte{pinned.Raw}, nil); err != nil {
		t.Fatalf("expected matching cert to verify, got %v", err)
	}
	if err := verify([][]byte{other.Raw}, nil); err == nil {
		t.Fatal("expected mismatched cert to fail verification")
	}
	if err := verify(nil, nil); err == nil {
		t.Fatal("expected no presented certificate to fail verification")
	}
}

func TestLooksLikeSelfSigned(t *testing.T) {
	var unknownAuth x509.UnknownAuthorityError
	if !looksLikeSelfSigned(unknownAuth) {
		t.Fatal("expected x509.UnknownAuthorityError to look self-signed")
	}
	if !looksLikeSelfSigned(errors.New("x509: certificate signed by unknown authority")) {
		t.Fatal("expected message match to look self-signed")
	}
	if looksLikeSelfSigned(errors.New("connection refused")) {
		t.Fatal("expected unrelated error to not look self-signed")
	}
}

func TestWriteCertFileAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "example.com")
	if err := writeCertFileAtomically(path, []byte("cert-bytes")); err != nil {
		t.Fatalf("writeCertFileAtomically: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "cert-bytes" {
		t.Fatalf("file contents = %q, want %q", data, "cert-bytes")
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("expected the .tmp staging file to be renamed away")
	}
}
