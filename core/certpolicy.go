package core

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// certProbeAttempts/certProbeSpacing bound the no-verify probe loop used to
// capture a self-signed peer certificate: up to 10 tries, 1 second apart.
const (
	certProbeAttempts = 10
	certProbeSpacing  = 1 * time.Second
)

// certPath returns the deterministic on-disk path for server's cert cache
// entry: certs/<host> for hostnames, certs/ipv6_<hex> for IPv6 literals.
func certPath(certDir string, server ServerAddr) string {
	if server.IsIPv6() {
		return filepath.Join(certDir, "certs", "ipv6_"+hex.EncodeToString([]byte(server.Host)))
	}
	return filepath.Join(certDir, "certs", server.Host)
}

// certFileState is the three-way state a cert cache file can be in.
type certFileState int

const (
	certAbsent certFileState = iota
	certEmptyCA
	certPinned
)

func readCertFile(path string) (certFileState, *x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return certAbsent, nil, nil
	}
	if err != nil {
		return certAbsent, nil, fmt.Errorf("cert policy: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return certEmptyCA, nil, nil
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return certPinned, nil, fmt.Errorf("%w: %s is not valid PEM", ErrParsingSSLCert, path)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return certPinned, nil, fmt.Errorf("%w: %s: %v", ErrParsingSSLCert, path, err)
	}
	return certPinned, cert, nil
}

func fingerprintOf(der []byte) string {
	sum := sha256.Sum256(der)
	return strings.ToLower(hex.EncodeToString(sum[:]))
}

// ResolveTLSConfig decides how a connection to server should be trusted,
// consulting and updating the on-disk cert cache, and returns a *tls.Config
// ready to hand to Dialer.DialTLS.
func ResolveTLSConfig(ctx context.Context, d *Dialer, cfg *Config, server ServerAddr, bus *EventBus, log *logrus.Entry) (*tls.Config, error) {
	path := certPath(cfg.CertDir, server)
	expectedFP, hasExpected := cfg.ExpectedFingerprint(server.Host)

	state, cert, err := readCertFile(path)
	if err != nil {
		return nil, err
	}

	if state == certPinned {
		if cert.NotAfter.Before(time.Now()) {
			log.WithField("server", server.FriendlyName()).Warn("cached certificate expired, refetching")
			if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				return nil, fmt.Errorf("cert policy: remove expired cert: %w", rmErr)
			}
			return ResolveTLSConfig(ctx, d, cfg, server, bus, log)
		}
		fp := fingerprintOf(cert.Raw)
		if hasExpected && !strings.EqualFold(fp, expectedFP) {
			bus.Emit(EventCertMismatch, server)
			return nil, fmt.Errorf("%w: cached cert for %s", ErrSSLCertFingerprintMismatch, server.FriendlyName())
		}
		pool := x509.NewCertPool()
		pool.AddCert(cert)
		return &tls.Config{
			RootCAs:            pool,
			InsecureSkipVerify: true, // hostname check disabled; trust is pinned-cert membership, verified below
			VerifyPeerCertificate: pinnedCertVerifier(cert),
		}, nil
	}

	if state == certEmptyCA {
		return &tls.Config{}, nil // default platform CA trust store
	}

	// state == certAbsent: first contact.
	return firstContactProbe(ctx, d, cfg, server, path, hasExpected, expectedFP, bus, log)
}

// pinnedCertVerifier rejects any peer certificate that does not byte-match
// the one we pinned, since InsecureSkipVerify disables Go's own chain checks.
func pinnedCertVerifier(pinned *x509.Certificate) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("cert policy: no peer certificate presented")
		}
		if !equalBytes(rawCerts[0], pinned.Raw) {
			return fmt.Errorf("cert policy: peer certificate does not match pinned cert")
		}
		return nil
	}
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// firstContactProbe runs a single CA-trusting probe; on success the server
// is CA-signed (write an empty file). On a self-signed verification failure
// it retries a no-verify probe up to certProbeAttempts times to capture the
// peer's leaf certificate, then pins it.
func firstContactProbe(ctx context.Context, d *Dialer, cfg *Config, server ServerAddr, path string, hasExpected bool, expectedFP string, bus *EventBus, log *logrus.Entry) (*tls.Config, error) {
	caConn, caErr := d.DialTLS(ctx, server, &tls.Config{})
	if caErr == nil {
		_ = caConn.Close()
		if hasExpected {
			return nil, fmt.Errorf("%w: cannot pin a fingerprint against a publicly-CA-signed certificate", ErrInvalidOptionCombination)
		}
		if err := writeCertFileAtomically(path, nil); err != nil {
			return nil, err
		}
		return &tls.Config{}, nil
	}

	if !looksLikeSelfSigned(caErr) {
		return nil, fmt.Errorf("%w: %v", ErrGettingSSLCertFromServer, caErr)
	}

	pool := newProbePool(d, certProbeAttempts, certProbeSpacing)
	var captured *x509.Certificate
	err := pool.retry(ctx, func(ctx context.Context) error {
		insecureCfg := &tls.Config{InsecureSkipVerify: true}
		conn, err := d.DialTLS(ctx, server, insecureCfg)
		if err != nil {
			return err
		}
		defer conn.Close()
		tlsConn, ok := conn.(*tls.Conn)
		if !ok {
			return fmt.Errorf("cert policy: dialed connection is not TLS")
		}
		certs := tlsConn.ConnectionState().PeerCertificates
		if len(certs) == 0 {
			return fmt.Errorf("cert policy: server presented no certificate")
		}
		captured = certs[0]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrGettingSSLCertFromServer, err)
	}

	fp := fingerprintOf(captured.Raw)
	if hasExpected && !strings.EqualFold(fp, expectedFP) {
		bus.Emit(EventCertMismatch, server)
		return nil, fmt.Errorf("%w: got %s, expected %s", ErrSSLCertFingerprintMismatch, fp, expectedFP)
	}

	block := &pem.Block{Type: "CERTIFICATE", Bytes: captured.Raw}
	if err := writeCertFileAtomically(path, pem.EncodeToMemory(block)); err != nil {
		return nil, err
	}

	log.WithFields(logrus.Fields{"server": server.FriendlyName(), "fingerprint": fp}).Info("pinned self-signed certificate")

	pinnedPool := x509.NewCertPool()
	pinnedPool.AddCert(captured)
	return &tls.Config{
		RootCAs:               pinnedPool,
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: pinnedCertVerifier(captured),
	}, nil
}

// looksLikeSelfSigned reports whether err is Go's x509 self-signed
// verification failure (the rough equivalent of OpenSSL verify-code 18).
func looksLikeSelfSigned(err error) bool {
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return true
	}
	return strings.Contains(err.Error(), "self signed certificate") ||
		strings.Contains(err.Error(), "certificate signed by unknown authority")
}

// writeCertFileAtomically writes data (nil means "empty file") to path with
// flush+fsync, written at most once per interface startup.
func writeCertFileAtomically(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cert policy: mkdir: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("cert policy: create: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("cert policy: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("cert policy: fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("cert policy: close: %w", err)
	}
	return os.Rename(tmp, path)
}
