package engine

// State is the derived lifecycle position of a manifest. It is never
// stored; every invocation re-derives it from the ledger and the
// clearinghouse responses.
type State string

const (
	StateIdle           State = "idle"
	StateSubmitted      State = "submitted"
	StateReceiptPending State = "receipt-pending"
	StateProcessing     State = "processing"
	StateAuthorized     State = "authorized"
	StateRejected       State = "rejected"
	StateCancelled      State = "cancelled"
	StateClosed         State = "closed"
	StateError          State = "error"
)

// OutcomeStatus classifies an invocation result.
type OutcomeStatus int

const (
	// Success means the invocation reached its terminal goal state.
	Success OutcomeStatus = iota
	// Pending means the batch is still processing (cStat 105); the
	// caller should retry later. This is the only non-fatal
	// non-success condition.
	Pending
	// Failure means the clearinghouse ruled against the operation.
	Failure
)

func (s OutcomeStatus) String() string {
	switch s {
	case Success:
		return "success"
	case Pending:
		return "pending"
	case Failure:
		return "failure"
	}
	return "unknown"
}

// Outcome is the single result of one engine invocation. Code and
// Message carry the clearinghouse status verbatim.
type Outcome struct {
	Status        OutcomeStatus
	State         State
	Code          string
	Message       string
	ReceiptNumber string
	Protocol      string
}
