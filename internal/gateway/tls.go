// TLS configuration loading for the client-facing listener.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package gateway

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/loolwsd/wsd/internal/config"
)

// buildTLSConfig loads the server certificate/key pair and, if an
// ssl.ca_file_path is configured, a client CA pool for mutual TLS.
// Returns (nil, nil) when ssl.enable is false.
func buildTLSConfig(cfg *config.Store) (*tls.Config, error) {
	if !cfg.Bool("ssl.enable") {
		return nil, nil
	}

	certPath := cfg.String("ssl.cert_file_path")
	keyPath := cfg.String("ssl.key_file_path")
	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("gateway: ssl.enable is true but cert/key paths are unset")
	}
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("gateway: load cert/key: %w", err)
	}

	tcfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if caPath := cfg.String("ssl.ca_file_path"); caPath != "" {
		pem, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("gateway: read ssl.ca_file_path: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("gateway: ssl.ca_file_path contains no usable certificates")
		}
		tcfg.ClientCAs = pool
		tcfg.ClientAuth = tls.VerifyClientCertIfGiven
	}

	return tcfg, nil
}
