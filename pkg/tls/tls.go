// Package tls builds crypto/tls configurations for the query server (mutual
// TLS) and the inference client (server verification, optional client cert).
//
// Every configuration requires TLS 1.3.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// Config holds TLS file paths for one endpoint.
type Config struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	CAFile   string
}

// Validate checks that an enabled server configuration names readable
// cert, key and CA files.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.CertFile == "" || c.KeyFile == "" || c.CAFile == "" {
		return errors.New("tls enabled but cert/key/ca files not specified")
	}
	return statFiles(c.CertFile, c.KeyFile, c.CAFile)
}

// ValidateClient checks an enabled client configuration. The CA is required;
// cert and key are optional but must be given together.
func (c Config) ValidateClient() error {
	if !c.Enabled {
		return nil
	}
	if c.CAFile == "" {
		return errors.New("tls enabled but ca file not specified")
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("tls client cert and key must be set together")
	}
	files := []string{c.CAFile}
	if c.CertFile != "" {
		files = append(files, c.CertFile, c.KeyFile)
	}
	return statFiles(files...)
}

// NewServerTLSConfig creates a server configuration that requires client
// certificates signed by caFile.
func NewServerTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if err := (Config{Enabled: true, CertFile: certFile, KeyFile: keyFile, CAFile: caFile}).Validate(); err != nil {
		return nil, err
	}

	pool, err := loadCAPool(caFile)
	if err != nil {
		return nil, err
	}

	return &tls.Config{
		ClientCAs:  pool,
		ClientAuth: tls.RequireAndVerifyClientCert,
		MinVersion: tls.VersionTLS13,
	}, nil
}

// NewClientTLSConfig creates a client configuration trusting caFile.
// When certFile and keyFile are set the client also presents that certificate.
func NewClientTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	if err := (Config{Enabled: true, CertFile: certFile, KeyFile: keyFile, CAFile: caFile}).ValidateClient(); err != nil {
		return nil, err
	}

	pool, err := loadCAPool(caFile)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		RootCAs:    pool,
		MinVersion: tls.VersionTLS13,
	}
	if certFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

func loadCAPool(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, errors.New("failed to parse CA certificate")
	}
	return pool, nil
}

func statFiles(paths ...string) error {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("tls file %q: %w", path, err)
		}
	}
	return nil
}
