package stub

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"
)

// TLSConfig holds the stub's optional TLS and mutual TLS settings.
type TLSConfig struct {
	ServerCert   string
	ServerKey    string
	ClientCACert string
	RequireAuth  bool
}

// Enabled reports whether a certificate was configured.
func (c TLSConfig) Enabled() bool { return c.ServerCert != "" || c.ServerKey != "" }

// LoadTLSConfig reads TLS settings from the environment.
func LoadTLSConfig() TLSConfig {
	return TLSConfig{
		ServerCert:   os.Getenv("FANOUT_STUB_TLS_CERT"),
		ServerKey:    os.Getenv("FANOUT_STUB_TLS_KEY"),
		ClientCACert: os.Getenv("FANOUT_STUB_CLIENT_CA"),
		RequireAuth:  os.Getenv("FANOUT_STUB_REQUIRE_MTLS") == "true",
	}
}

// ConfigureTLS builds the server TLS config, verifying client certificates
// against ClientCACert when RequireAuth is set.
func ConfigureTLS(config TLSConfig) (*tls.Config, error) {
	if config.ServerCert == "" || config.ServerKey == "" {
		return nil, fmt.Errorf("server cert and key required for TLS")
	}
	cert, err := tls.LoadX509KeyPair(config.ServerCert, config.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if config.RequireAuth {
		if config.ClientCACert == "" {
			return nil, fmt.Errorf("client CA certificate required for mTLS")
		}
		caCert, err := os.ReadFile(config.ClientCACert)
		if err != nil {
			return nil, fmt.Errorf("read client CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse client CA certificate")
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		log.Info().Str("ca_cert", config.ClientCACert).Msg("mTLS client authentication enabled")
	}
	return tlsConfig, nil
}

// ClientCertMiddleware rejects requests without a client certificate when
// required, and tags authenticated requests with the certificate subject.
func ClientCertMiddleware(requireAuth bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var peers []*x509.Certificate
			if r.TLS != nil {
				peers = r.TLS.PeerCertificates
			}
			if requireAuth && len(peers) == 0 {
				http.Error(w, "client certificate required", http.StatusUnauthorized)
				return
			}
			if len(peers) > 0 {
				r.Header.Set("X-Client-Subject", peers[0].Subject.String())
				r.Header.Set("X-Client-Serial", peers[0].SerialNumber.String())
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ListenAndServeTLS serves the stub over TLS.
func (s *Server) ListenAndServeTLS(addr string, config TLSConfig) error {
	tlsConfig, err := ConfigureTLS(config)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           ClientCertMiddleware(config.RequireAuth)(s.Handler()),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	log.Info().Str("addr", addr).Bool("mtls_required", config.RequireAuth).Msg("Starting stub with TLS")
	return srv.ListenAndServeTLS("", "")
}
