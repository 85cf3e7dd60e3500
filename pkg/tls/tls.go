// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tls loads client TLS settings for the MMX transports.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"os"
)

var (
	errLoadCerts    = errors.New("failed to load client certificate")
	errLoadServerCA = errors.New("failed to load server CA")
	errAppendCA     = errors.New("failed to append root ca tls.Config")
	errKeyPair      = errors.New("cert_file and key_file must be set together")
)

// Config holds client TLS settings.
type Config struct {
	Enabled            bool   `yaml:"enabled"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
	ServerCAFile       string `yaml:"server_ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
}

// Validate checks that the key pair is complete.
func (c Config) Validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errKeyPair
	}
	return nil
}

// LoadClientConfig returns a client tls.Config, or nil when TLS is disabled.
func LoadClientConfig(c Config) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}

	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify,
	}

	rootCA, err := loadCertFile(c.ServerCAFile)
	if err != nil {
		return nil, errors.Join(errLoadServerCA, err)
	}
	if len(rootCA) > 0 {
		config.RootCAs = x509.NewCertPool()
		if !config.RootCAs.AppendCertsFromPEM(rootCA) {
			return nil, errAppendCA
		}
	}

	if c.CertFile != "" {
		certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Join(errLoadCerts, err)
		}
		config.Certificates = []tls.Certificate{certificate}
	}

	return config, nil
}

// SecurityStatus returns a log message describing s.
func SecurityStatus(s *tls.Config) string {
	switch {
	case s == nil:
		return "no TLS"
	case len(s.Certificates) > 0:
		return "mutual TLS"
	case s.InsecureSkipVerify:
		return "TLS without verification"
	default:
		return "TLS"
	}
}

func loadCertFile(certFile string) ([]byte, error) {
	if certFile != "" {
		return os.ReadFile(certFile)
	}
	return []byte{}, nil
}
