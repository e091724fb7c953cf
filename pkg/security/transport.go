package security

import (
	"crypto/tls"
	"crypto/x509"
)

// ServerTLSConfig builds the TLS configuration the peer-RPC HTTP server
// listens with: it presents cert and requires every connecting peer to
// present a certificate signed by caCert, giving §4.5's "authenticated
// channel" both directions on a single connection.
func ServerTLSConfig(cert *tls.Certificate, caCert *x509.Certificate) *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS13,
	}
}

// ClientTLSConfig builds the TLS configuration the Cluster Client dials
// peers with: it presents cert (so the peer's mirrored server config can
// verify it back) and trusts caCert for verifying the peer's server
// certificate.
func ClientTLSConfig(cert *tls.Certificate, caCert *x509.Certificate) *tls.Config {
	pool := x509.NewCertPool()
	pool.AddCert(caCert)

	return &tls.Config{
		Certificates: []tls.Certificate{*cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS13,
	}
}
