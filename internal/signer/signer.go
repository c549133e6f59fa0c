// Package signer provides the XML digital signature boundary for
// manifest documents and events.
package signer

import (
	"context"
	"fmt"
)

// Signer signs a complete XML document and returns the signed bytes.
// Implementations must not mutate the input.
type Signer interface {
	Sign(ctx context.Context, doc []byte) ([]byte, error)
}

// SigningError wraps any failure in the signing pipeline. Signing
// failures are always fatal to the invocation and the underlying
// message is surfaced verbatim.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing document: %v", e.Err)
}

func (e *SigningError) Unwrap() error { return e.Err }
