// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

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

// Config describes the client side of a TLS connection to the broker.
type Config struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// LoadClientConfig returns a TLS configuration for dialing the broker.
// Without a CA file the system roots are used. A certificate pair enables
// mutual TLS.
func LoadClientConfig(c *Config) (*tls.Config, error) {
	config := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         c.ServerName,
		InsecureSkipVerify: c.InsecureSkipVerify, //nolint:gosec
	}

	if (c.CertFile == "") != (c.KeyFile == "") {
		return nil, errKeyPair
	}
	if c.CertFile != "" {
		certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, errors.Join(errLoadCerts, err)
		}
		config.Certificates = []tls.Certificate{certificate}
	}

	rootCA, err := loadCertFile(c.CAFile)
	if err != nil {
		return nil, errors.Join(errLoadServerCA, err)
	}
	if len(rootCA) > 0 {
		config.RootCAs = x509.NewCertPool()
		if !config.RootCAs.AppendCertsFromPEM(rootCA) {
			return nil, errAppendCA
		}
	}

	return config, nil
}

// SecurityStatus returns log message from TLS config.
func SecurityStatus(c *tls.Config) string {
	if c == nil {
		return "no TLS"
	}
	ret := "TLS"
	if len(c.Certificates) > 0 {
		ret = "mTLS"
	}
	if c.InsecureSkipVerify {
		ret += " without verification"
	}
	return ret
}

func loadCertFile(certFile string) ([]byte, error) {
	if certFile != "" {
		return os.ReadFile(certFile)
	}
	return []byte{}, nil
}
