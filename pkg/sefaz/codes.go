package sefaz

// Clearinghouse status codes (cStat). These are exact three-digit
// domain codes; transport-level success never implies any of them.
const (
	// CodeAuthorized marks a per-document protocol as authorized.
	CodeAuthorized = "100"
	// CodeBatchProcessed marks a receipt query whose batch finished
	// processing; per-document results are attached.
	CodeBatchProcessed = "104"
	// CodeBatchPending marks a receipt query whose batch is still in
	// the processing queue. The single retryable condition.
	CodeBatchPending = "105"
	// CodeEventRegistered marks a cancel/close event accepted and
	// bound to the document.
	CodeEventRegistered = "135"
	// CodeDuplicate marks a submission the clearinghouse already holds
	// a receipt for. The correct receipt number is embedded in the
	// status message after the "nRec:" marker.
	CodeDuplicate = "204"
)

// Event type codes (tpEvento) for the event reception service.
const (
	EventTypeCancel = "110111"
	EventTypeClose  = "110112"
)
