// Package tlsutil holds the TLS policy of the client: hostname verdicts on
// peer certificate chains, negotiated session metadata, protocol version
// floors and CA loading.
package tlsutil

import (
	"crypto/x509"
	"slices"
)

// Validity is the verdict of matching a peer host against a certificate.
type Validity int

const (
	NoMatch Validity = iota
	MatchesAltName
	MatchesCommonName
)

func (v Validity) String() string {
	switch v {
	case NoMatch:
		return "no match"
	case MatchesAltName:
		return "matches alt name"
	case MatchesCommonName:
		return "matches common name"
	default:
		return "unknown"
	}
}

// Trusted reports whether the host matched either name form.
func (v Validity) Trusted() bool {
	return v == MatchesAltName || v == MatchesCommonName
}

// CheckValidity matches peerHost against the leaf of chain. Subject
// alternative names are checked first, then the subject common name. The
// comparison is exact; wildcards are not expanded.
func CheckValidity(peerHost string, chain []*x509.Certificate) Validity {
	if len(chain) == 0 || chain[0] == nil || peerHost == "" {
		return NoMatch
	}
	leaf := chain[0]

	if slices.Contains(AltNames(leaf), peerHost) {
		return MatchesAltName
	}
	if leaf.Subject.CommonName == peerHost {
		return MatchesCommonName
	}
	return NoMatch
}

// AltNames flattens every subject alternative name of cert into strings:
// DNS names, IP addresses, email addresses and URIs.
func AltNames(cert *x509.Certificate) []string {
	if cert == nil {
		return nil
	}
	names := make([]string, 0, len(cert.DNSNames)+len(cert.IPAddresses)+len(cert.EmailAddresses)+len(cert.URIs))
	names = append(names, cert.DNSNames...)
	for _, ip := range cert.IPAddresses {
		names = append(names, ip.String())
	}
	names = append(names, cert.EmailAddresses...)
	for _, u := range cert.URIs {
		names = append(names, u.String())
	}
	return names
}
