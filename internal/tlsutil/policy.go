package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrLegacyVersion is returned for protocol floors older than TLS 1.0.
var ErrLegacyVersion = errors.New("protocol versions before TLS 1.0 are not allowed")

// ParseMinVersion maps "1.0".."1.3" (optionally prefixed with "TLS") to the
// crypto/tls constant. An empty string yields TLS 1.2. SSL versions are
// rejected.
func ParseMinVersion(s string) (uint16, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	v = strings.TrimPrefix(v, "tls")
	v = strings.TrimSpace(strings.TrimPrefix(v, "v"))

	switch v {
	case "":
		return tls.VersionTLS12, nil
	case "1.0", "1":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	}
	if strings.HasPrefix(v, "ssl") {
		return 0, fmt.Errorf("%w: %q", ErrLegacyVersion, s)
	}
	return 0, fmt.Errorf("unknown TLS version %q", s)
}

// ClientConfig builds the client TLS configuration for host. The protocol
// floor is always set explicitly and never below TLS 1.0.
func ClientConfig(host string, minVersion uint16, roots *x509.CertPool) (*tls.Config, error) {
	if minVersion < tls.VersionTLS10 {
		return nil, ErrLegacyVersion
	}
	return &tls.Config{
		ServerName: host,
		MinVersion: minVersion,
		RootCAs:    roots,
	}, nil
}

// LoadCertPool reads PEM certificates from path. A directory is walked for
// *.pem and *.crt files. The system pool is used as the base when available.
func LoadCertPool(path string) (*x509.CertPool, error) {
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat CA path: %w", err)
	}

	if !info.IsDir() {
		if err := appendPEMFile(pool, path); err != nil {
			return nil, err
		}
		return pool, nil
	}

	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, ".pem") || strings.HasSuffix(name, ".crt") {
			return appendPEMFile(pool, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func appendPEMFile(pool *x509.CertPool, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read certificate %s: %w", path, err)
	}

	added := 0
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("failed to parse certificate %s: %w", path, err)
		}
		pool.AddCert(cert)
		added++
	}
	if added == 0 {
		return fmt.Errorf("no certificates found in %s", path)
	}
	return nil
}
