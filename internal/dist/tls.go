package dist

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"os"
	"time"
)

// The peer transport is TLS end to end (spec §4.9 "authenticated TLS
// transport"): the channel is always encrypted, and the HMAC-derived
// cookie (cookie.go) is what authenticates the peer inside it.
//
// Two modes, decided by configuration:
//
//   - Cert files configured: the control plane serves the given
//     certificate and dialers verify peers against the given CA (or the
//     system pool), the deployment shape a production mesh uses.
//   - Nothing configured: the node mints an ephemeral self-signed
//     certificate at startup and dialers skip chain verification. The
//     channel is still TLS-encrypted; peer authenticity rests entirely
//     on the signed cookie, which is the handshake's actual credential
//     either way. This is the zero-config developer default.

// serverTLSConfig builds the control plane's TLS configuration.
func serverTLSConfig(cfg Config) (*tls.Config, error) {
	if cfg.TLSCertFile != "" || cfg.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("dist: load TLS key pair: %w", err)
		}
		return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
	}
	cert, err := ephemeralCert(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// clientTLSConfig builds the dialer-side TLS configuration.
func clientTLSConfig(cfg Config) (*tls.Config, error) {
	if cfg.TLSCAFile != "" {
		pem, err := os.ReadFile(cfg.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("dist: read TLS CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("dist: no certificates found in %s", cfg.TLSCAFile)
		}
		return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
	}
	if cfg.TLSCertFile != "" {
		// Cert configured but no explicit CA: verify against the system pool.
		return &tls.Config{MinVersion: tls.VersionTLS12}, nil
	}
	// Ephemeral-cert mode: peers present self-signed certificates no CA
	// can vouch for, so chain verification is off and the signed cookie
	// carries authentication.
	return &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12}, nil
}

// ephemeralCert mints a short-lived self-signed certificate for this
// node's control plane.
func ephemeralCert(nodeID uint16) (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("dist: generate TLS key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("dist: generate TLS serial: %w", err)
	}
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: fmt.Sprintf("mesh-node-%d", nodeID)},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("dist: self-sign TLS certificate: %w", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}
