package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"strings"
)

// SessionInfo describes a negotiated TLS session. PeerCertificates is leaf
// first.
type SessionInfo struct {
	CipherSuite      string
	Protocol         string
	PeerHost         string
	PeerPort         int
	PeerCertificates []*x509.Certificate
	Validity         Validity
}

// NewSessionInfo captures the negotiated parameters of state for the given
// peer and computes the hostname verdict.
func NewSessionInfo(state tls.ConnectionState, host string, port int) *SessionInfo {
	chain := make([]*x509.Certificate, len(state.PeerCertificates))
	copy(chain, state.PeerCertificates)

	return &SessionInfo{
		CipherSuite:      tls.CipherSuiteName(state.CipherSuite),
		Protocol:         tls.VersionName(state.Version),
		PeerHost:         host,
		PeerPort:         port,
		PeerCertificates: chain,
		Validity:         CheckValidity(host, chain),
	}
}

// Leaf returns the peer's own certificate or nil.
func (s *SessionInfo) Leaf() *x509.Certificate {
	if s == nil || len(s.PeerCertificates) == 0 {
		return nil
	}
	return s.PeerCertificates[0]
}

// Describe renders a multi-line human readable summary.
func (s *SessionInfo) Describe() string {
	if s == nil {
		return "no TLS session"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "peer: %s:%d\n", s.PeerHost, s.PeerPort)
	fmt.Fprintf(&b, "protocol: %s\n", s.Protocol)
	fmt.Fprintf(&b, "cipher suite: %s\n", s.CipherSuite)
	fmt.Fprintf(&b, "hostname: %s\n", s.Validity)
	for i, cert := range s.PeerCertificates {
		fmt.Fprintf(&b, "certificate %d: subject=%q issuer=%q expires=%s\n",
			i, cert.Subject.String(), cert.Issuer.String(), cert.NotAfter.UTC().Format("2006-01-02"))
	}
	return strings.TrimRight(b.String(), "\n")
}
