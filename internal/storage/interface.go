// Package storage provides the lifecycle ledger interfaces and domain
// records for the manifest submission pipeline.
//
// # Interface Design
//
// The ledger is organized into focused interfaces:
//
//   - [LotStore]: submission batches, created durably before the
//     remote call so a crash mid-submission can be reconciled.
//   - [ReceiptStore]: append-only poll results; one lot may yield many
//     receipt records over repeated polls.
//   - [ProtocolStore]: immutable per-document rulings; the unique
//     authorized record gates cancellation and closure.
//   - [SubmissionLocker]: per-key serialization around the
//     create-lot / call-remote / commit-lot window.
//
// The [Store] interface combines all sub-stores for convenience.
//
// # Implementations
//
// The mongodb and postgres sub-packages provide production backends;
// the memory sub-package backs tests.
//
// # Concurrency
//
// All store implementations must be safe for concurrent use. Writes
// for the same document key are serialized through the submission
// lock; invocations for different keys share no other mutable state.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/aguimaraes/bedm/pkg/manifest"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrLocked indicates another invocation holds the submission lock for
// the document key.
var ErrLocked = errors.New("document key is locked by another invocation")

// Store is the main ledger interface combining all sub-stores.
type Store interface {
	LotStore
	ReceiptStore
	ProtocolStore
	SubmissionLocker

	// Close releases storage resources.
	Close(ctx context.Context) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error
}

// LotStore manages submission batches.
type LotStore interface {
	// CreateLot durably creates a lot and assigns its sequential ID.
	// The lot must exist before the remote submission call is made.
	CreateLot(ctx context.Context, lot *Lot) error

	// UpdateLot writes the receipt number and acknowledgement fields
	// back onto an existing lot.
	UpdateLot(ctx context.Context, lot *Lot) error

	// GetLot retrieves a lot by ID.
	GetLot(ctx context.Context, env manifest.Environment, id int64) (*Lot, error)

	// LatestLot returns the most recent lot for a document key, or
	// ErrNotFound.
	LatestLot(ctx context.Context, env manifest.Environment, key manifest.Key) (*Lot, error)
}

// ReceiptStore manages append-only poll results.
type ReceiptStore interface {
	// AppendReceipt records one poll outcome. Never updates in place.
	AppendReceipt(ctx context.Context, receipt *Receipt) error

	// LatestReceipt returns the most recent receipt for a document
	// key, or ErrNotFound.
	LatestReceipt(ctx context.Context, env manifest.Environment, key manifest.Key) (*Receipt, error)

	// ListReceipts returns all receipts for a document key, oldest
	// first.
	ListReceipts(ctx context.Context, env manifest.Environment, key manifest.Key) ([]*Receipt, error)
}

// ProtocolStore manages immutable per-document rulings.
type ProtocolStore interface {
	// CreateProtocol records a terminal per-document outcome.
	CreateProtocol(ctx context.Context, protocol *Protocol) error

	// AuthorizedProtocol returns the unique authorized (cStat 100)
	// protocol for a document key, or ErrNotFound.
	AuthorizedProtocol(ctx context.Context, env manifest.Environment, key manifest.Key) (*Protocol, error)

	// ListProtocols returns all protocols for a document key, oldest
	// first.
	ListProtocols(ctx context.Context, env manifest.Environment, key manifest.Key) ([]*Protocol, error)
}

// SubmissionLocker serializes submissions per document key.
type SubmissionLocker interface {
	// AcquireSubmissionLock takes the per-key lock. The returned
	// release function must be called exactly once. ErrLocked is
	// returned when the key is held by another invocation.
	AcquireSubmissionLock(ctx context.Context, env manifest.Environment, key manifest.Key) (release func(context.Context) error, err error)
}

// Lot is one submission batch containing a single manifest document.
// The ID doubles as the correlation token sent to the clearinghouse.
type Lot struct {
	ID            int64                `bson:"_id" json:"id"`
	Environment   manifest.Environment `bson:"environment" json:"environment"`
	DocumentKey   string               `bson:"document_key" json:"documentKey"`
	ReceiptNumber string               `bson:"receipt_number,omitempty" json:"receiptNumber,omitempty"`
	StatusCode    string               `bson:"status_code,omitempty" json:"statusCode,omitempty"`
	StatusMessage string               `bson:"status_msg,omitempty" json:"statusMessage,omitempty"`
	CreatedAt     time.Time            `bson:"created_at" json:"createdAt"`
	UpdatedAt     time.Time            `bson:"updated_at" json:"updatedAt"`
}

// Receipt is one poll result for a submitted lot.
type Receipt struct {
	Environment   manifest.Environment `bson:"environment" json:"environment"`
	DocumentKey   string               `bson:"document_key" json:"documentKey"`
	ReceiptNumber string               `bson:"receipt_number" json:"receiptNumber"`
	StatusCode    string               `bson:"status_code" json:"statusCode"`
	StatusMessage string               `bson:"status_msg" json:"statusMessage"`
	CreatedAt     time.Time            `bson:"created_at" json:"createdAt"`
}

// Pending reports whether this receipt is still awaiting batch
// processing (cStat 105).
func (r *Receipt) Pending() bool { return r.StatusCode == "105" }

// Protocol is the clearinghouse's final per-document ruling.
type Protocol struct {
	Environment    manifest.Environment `bson:"environment" json:"environment"`
	DocumentKey    string               `bson:"document_key" json:"documentKey"`
	ReceiptNumber  string               `bson:"receipt_number" json:"receiptNumber"`
	ProtocolNumber string               `bson:"protocol" json:"protocolNumber"`
	DigestValue    string               `bson:"digval,omitempty" json:"digestValue,omitempty"`
	StatusCode     string               `bson:"status_code" json:"statusCode"`
	StatusMessage  string               `bson:"status_msg" json:"statusMessage"`
	CreatedAt      time.Time            `bson:"created_at" json:"createdAt"`
}

// Authorized reports whether this protocol is the terminal success
// record (cStat 100).
func (p *Protocol) Authorized() bool { return p.StatusCode == "100" }
