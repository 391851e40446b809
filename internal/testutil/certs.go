package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"
)

// ServerCert is a leaf certificate issued by a throwaway CA.
type ServerCert struct {
	Certificate tls.Certificate
	Roots       *x509.CertPool
}

// IssueServerCert creates a CA and a server certificate valid for names.
// Names that parse as IP addresses become IP SANs.
func IssueServerCert(t *testing.T, names ...string) ServerCert {
	t.Helper()
	caKey := generateKey(t)
	caTemplate := baseTemplate("test-ca", true)
	caTemplate.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	caDER := createCertificate(t, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		t.Fatalf("parse CA cert: %v", err)
	}

	leafKey := generateKey(t)
	commonName := "upstream"
	if len(names) > 0 {
		commonName = names[0]
	}
	leafTemplate := baseTemplate(commonName, false)
	leafTemplate.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	leafTemplate.KeyUsage = x509.KeyUsageDigitalSignature
	for _, name := range names {
		if ip := net.ParseIP(name); ip != nil {
			leafTemplate.IPAddresses = append(leafTemplate.IPAddresses, ip)
			continue
		}
		leafTemplate.DNSNames = append(leafTemplate.DNSNames, name)
	}
	leafDER := createCertificate(t, leafTemplate, caCert, &leafKey.PublicKey, caKey)

	roots := x509.NewCertPool()
	roots.AddCert(caCert)

	return ServerCert{
		Certificate: tls.Certificate{
			Certificate: [][]byte{leafDER},
			PrivateKey:  leafKey,
		},
		Roots: roots,
	}
}

func generateKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func createCertificate(t *testing.T, template *x509.Certificate, parent *x509.Certificate, pub *ecdsa.PublicKey, signer *ecdsa.PrivateKey) []byte {
	t.Helper()
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, signer)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return der
}

func baseTemplate(commonName string, isCA bool) *x509.Certificate {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		serial = big.NewInt(time.Now().UnixNano())
	}
	return &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName: commonName,
		},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  isCA,
		BasicConstraintsValid: true,
	}
}
