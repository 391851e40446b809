package retry

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

const (
	CategoryTimeout  = "timeout"
	CategoryDial     = "dial"
	CategoryTLS      = "tls"
	CategoryReset    = "reset"
	CategoryEOF      = "eof"
	CategoryCanceled = "canceled"
	CategoryOther    = "other"
)

// ClassifyError names the kind of transport failure for metrics and logs.
func ClassifyError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrAttemptTimeout) {
		return CategoryTimeout
	}
	if errors.Is(err, context.Canceled) {
		return CategoryCanceled
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return CategoryDial
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	if isTLSError(err) {
		return CategoryTLS
	}
	if errors.Is(err, syscall.ECONNRESET) {
		return CategoryReset
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return CategoryEOF
	}
	return CategoryOther
}

func isTLSError(err error) bool {
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return true
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return true
	}
	var unknownAuthority x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthority) {
		return true
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return true
	}
	return strings.Contains(err.Error(), "tls: ")
}
