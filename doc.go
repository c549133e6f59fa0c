/*
Package bedm implements the submission lifecycle of Brazilian MDF-e
electronic transport manifests against the SEFAZ clearinghouse.

# Overview

bedm takes signed-XML manifest documents from a filesystem inbox,
submits them in lots to the clearinghouse web services, polls the
returned receipts, records the per-document authorization protocols in
a durable ledger, and drives the post-authorization events
(cancellation and closure). Every invocation is idempotent: state is
re-derived from the ledger, so a crashed or interrupted run is resumed
by simply invoking the same operation again.

# Package Structure

	github.com/aguimaraes/bedm/pkg/manifest   - access key and environment types
	github.com/aguimaraes/bedm/pkg/sefaz      - clearinghouse client (SOAP envelopes, responses, stamping)
	github.com/aguimaraes/bedm/internal/signer   - XML-DSig signing boundary
	github.com/aguimaraes/bedm/internal/storage  - lifecycle ledger (mongodb, postgres, memory backends)
	github.com/aguimaraes/bedm/internal/docstore - filesystem document artifacts
	github.com/aguimaraes/bedm/internal/engine   - lifecycle state machine
	github.com/aguimaraes/bedm/internal/report   - outcome logs and exit codes
	github.com/aguimaraes/bedm/internal/config   - YAML configuration
	github.com/aguimaraes/bedm/cmd/bedm          - the CLI

# Status Codes

The clearinghouse expresses outcomes as three-digit status codes
carried in cStat fields; transport-level success never implies domain
success. The engine interprets 100 (authorized), 104 (batch
processed), 105 (batch pending, the single retryable condition),
135 (event registered) and 204 (duplicate submission, recovered by
following the receipt number embedded in the status message).
*/
package bedm
