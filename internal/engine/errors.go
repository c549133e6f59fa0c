package engine

// PreconditionError indicates the ledger or document store is not in
// a state that permits the requested operation. The message is
// user-facing and the invocation is fatal.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string { return e.Reason }
