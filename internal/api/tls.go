package api

import (
	"crypto/tls"
	"fmt"
)

// TLSConfig holds TLS certificate paths from the server config.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

// Enabled returns true if both the certificate and key are configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// LoadTLSConfig loads a tls.Config from the cert and key files.
// It returns nil without error when TLS is not enabled.
func LoadTLSConfig(c TLSConfig) (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
