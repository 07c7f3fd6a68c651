package publisher

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ErrInvalidCACert is returned when the CA file holds no usable PEM certificate
var ErrInvalidCACert = errors.New("invalid PEM data in CA certificate")

// LoadTLSConfig builds a client TLS configuration trusting the system roots
// plus the certificates in caPath.
func LoadTLSConfig(caPath string) (*tls.Config, error) {
	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}

	caPEM, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read CA file %s: %w", caPath, err)
	}
	if !rootCAs.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCACert, caPath)
	}

	return &tls.Config{
		RootCAs:    rootCAs,
		MinVersion: tls.VersionTLS12,
	}, nil
}
