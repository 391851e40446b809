package testutil

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

// TLSUpstream is an HTTPS test server whose certificate is only valid for
// the server name it was started with.
type TLSUpstream struct {
	Addr       string
	ServerName string
	Roots      *x509.CertPool
	Server     *httptest.Server
}

func (u *TLSUpstream) Close() {
	u.Server.Close()
}

// StartTLSUpstream serves handler over TLS on a loopback address with a
// certificate for serverName.
func StartTLSUpstream(t *testing.T, serverName string, handler http.Handler) *TLSUpstream {
	t.Helper()
	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}
	cert := IssueServerCert(t, serverName)

	server := httptest.NewUnstartedServer(handler)
	server.TLS = &tls.Config{Certificates: []tls.Certificate{cert.Certificate}}
	server.StartTLS()
	t.Cleanup(server.Close)

	return &TLSUpstream{
		Addr:       server.Listener.Addr().String(),
		ServerName: serverName,
		Roots:      cert.Roots,
		Server:     server,
	}
}

// UnusedAddr returns a loopback address nothing is listening on.
func UnusedAddr(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := listener.Addr().String()
	if err := listener.Close(); err != nil {
		t.Fatalf("close listener: %v", err)
	}
	return addr
}
