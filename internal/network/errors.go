//go:generate go run golang.org/x/tools/cmd/stringer -type=ErrorKind -linecomment=true

package network

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind classifies the reason a relay to the upstream failed.
type ErrorKind int

const (
	// ConnectFailure means the TCP connection to the upstream could not be established.
	ConnectFailure ErrorKind = iota // connect_failure
	// HandshakeFailure means the TLS handshake failed for a reason other than certificate checks.
	HandshakeFailure // handshake_failure
	// Timeout means the relay did not complete within its configured timeout.
	Timeout // timeout
	// UntrustedCertificate means the upstream's certificate does not chain to the trust anchors.
	UntrustedCertificate // untrusted_certificate
	// IdentityMismatch means the upstream's trusted certificate was not issued for the expected
	// server name.
	IdentityMismatch // identity_mismatch
	// WriteFailure means the query could not be written to the upstream.
	WriteFailure // write_failure
	// ReadFailure means the response could not be read from the upstream.
	ReadFailure // read_failure
	// Canceled means the caller abandoned the relay before it completed.
	Canceled // canceled
)

// RelayError is returned by relay operations. Callers distinguish failure reasons by Kind.
type RelayError struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	return fmt.Sprintf("relay: %s: err=%v", e.Kind, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// KindOf extracts the ErrorKind from an error chain, if it contains a RelayError.
func KindOf(err error) (ErrorKind, bool) {
	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Kind, true
	}

	return 0, false
}
