package sefaz

import "fmt"

// TransportError indicates a network-level failure against the
// clearinghouse (connection, TLS, timeout, non-200 response). It is
// never retried by the client; retry policy belongs to the caller.
type TransportError struct {
	Operation string
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("sefaz: %s transport failure: %v", e.Operation, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError indicates a response that violates the clearinghouse
// wire contract: a required field is missing or a payload has an
// unexpected shape. Always fatal to the current invocation.
type ProtocolError struct {
	Operation string
	Reason    string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("sefaz: %s protocol violation: %s", e.Operation, e.Reason)
}
