// Package engine drives the manifest lifecycle: submission, receipt
// polling, cancellation and closure against the clearinghouse.
//
// The engine holds no state of its own. Every invocation re-derives
// the manifest's position from the lifecycle ledger, so a process
// crash at any point is recovered by simply running the operation
// again. Each invocation produces exactly one [Outcome]; process exit
// policy belongs to the caller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aguimaraes/bedm/internal/docstore"
	"github.com/aguimaraes/bedm/internal/signer"
	"github.com/aguimaraes/bedm/internal/storage"
	"github.com/aguimaraes/bedm/pkg/manifest"
	"github.com/aguimaraes/bedm/pkg/sefaz"
)

// Clearinghouse is the subset of the sefaz client the engine uses.
type Clearinghouse interface {
	SubmitLot(ctx context.Context, signed []byte, key manifest.Key, env manifest.Environment, lotID int64) (*sefaz.LotResponse, error)
	QueryReceipt(ctx context.Context, receipt string, key manifest.Key, env manifest.Environment) (*sefaz.ReceiptResponse, error)
	SendCancelEvent(ctx context.Context, key manifest.Key, env manifest.Environment, sequence int, protocol, reason string) (*sefaz.EventResponse, error)
	SendCloseEvent(ctx context.Context, key manifest.Key, env manifest.Environment, sequence int, protocol, ufCode, municipalityCode string) (*sefaz.EventResponse, error)
}

// Cancellation and closure always use the first event sequence; the
// lifecycle permits each event at most once per document.
const eventSequence = 1

const defaultDuplicateHopLimit = 5

// invocation is the immutable context of one engine run, threaded
// through every transition instead of being held on the engine.
type invocation struct {
	id      string
	key     manifest.Key
	env     manifest.Environment
	started time.Time
	logger  *slog.Logger
}

// Engine coordinates the ledger, the document store, the signer and
// the clearinghouse client.
type Engine struct {
	store  storage.Store
	docs   *docstore.Store
	client Clearinghouse
	signer signer.Signer
	logger *slog.Logger

	closureUF           string
	closureMunicipality string
	defaultCancelReason string
	duplicateHopLimit   int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithClosureLocation sets the jurisdiction (cUF) and municipality
// (cMun) codes reported on closure events.
func WithClosureLocation(uf, municipality string) Option {
	return func(e *Engine) {
		e.closureUF = uf
		e.closureMunicipality = municipality
	}
}

// WithDefaultCancelReason sets the justification used when a
// cancellation omits one.
func WithDefaultCancelReason(reason string) Option {
	return func(e *Engine) { e.defaultCancelReason = reason }
}

// WithDuplicateHopLimit bounds the nRec-marker recovery chain.
func WithDuplicateHopLimit(n int) Option {
	return func(e *Engine) { e.duplicateHopLimit = n }
}

// New creates a lifecycle engine.
func New(store storage.Store, docs *docstore.Store, client Clearinghouse, docSigner signer.Signer, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		docs:   docs,
		client: client,
		signer: docSigner,
		logger: slog.Default(),

		closureUF:           "35",
		closureMunicipality: "3536505",
		defaultCancelReason: "Erro de emissao do manifesto",
		duplicateHopLimit:   defaultDuplicateHopLimit,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) newInvocation(key manifest.Key, env manifest.Environment, op string) invocation {
	inv := invocation{
		id:      uuid.NewString(),
		key:     key,
		env:     env,
		started: time.Now().UTC(),
	}
	inv.logger = e.logger.With(
		"invocation", inv.id,
		"operation", op,
		"key", key.String(),
		"environment", env.String(),
	)
	return inv
}

// Submit pushes the inbox original through signing and lot submission,
// then polls the receipt once. If the key already has an unresolved
// pending receipt, that receipt is resolved instead of resubmitting.
func (e *Engine) Submit(ctx context.Context, key manifest.Key, env manifest.Environment) (*Outcome, error) {
	inv := e.newInvocation(key, env, "submit")

	release, err := e.store.AcquireSubmissionLock(ctx, env, key)
	if err != nil {
		if errors.Is(err, storage.ErrLocked) {
			return nil, &PreconditionError{Reason: "another invocation is handling this document"}
		}
		return nil, fmt.Errorf("acquiring submission lock: %w", err)
	}
	defer func() {
		if err := release(ctx); err != nil {
			inv.logger.Warn("releasing submission lock failed", "error", err)
		}
	}()

	// A pending batch blocks resubmission. Resolve it first; the
	// clearinghouse rejects a second copy of the same document anyway.
	latest, err := e.store.LatestReceipt(ctx, env, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("reading latest receipt: %w", err)
	}
	if latest != nil && latest.Pending() {
		inv.logger.Info("resolving pending receipt instead of resubmitting",
			"receipt", latest.ReceiptNumber)
		return e.resolveReceipt(ctx, inv, latest.ReceiptNumber)
	}

	if _, err := e.store.AuthorizedProtocol(ctx, env, key); err == nil {
		return nil, &PreconditionError{Reason: "document is already authorized"}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("reading authorized protocol: %w", err)
	}

	original, err := e.docs.ReadOriginal(key)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, &PreconditionError{Reason: "no document in the inbox for this key"}
		}
		return nil, err
	}

	signed, err := e.signer.Sign(ctx, original)
	if err != nil {
		return nil, err
	}
	if _, err := e.docs.WriteSigned(env, key, signed); err != nil {
		return nil, err
	}

	// The lot must exist durably before the wire call so a crash
	// mid-submission leaves a reconcilable trace.
	lot := &storage.Lot{Environment: env, DocumentKey: key.String()}
	if err := e.store.CreateLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("creating lot: %w", err)
	}
	inv.logger.Info("submitting lot", "lot", lot.ID)

	resp, err := e.client.SubmitLot(ctx, signed, key, env, lot.ID)
	if err != nil {
		// Lot left without a receipt number: indeterminate, safe to
		// retry.
		return nil, err
	}

	lot.ReceiptNumber = resp.ReceiptNumber
	lot.StatusCode = resp.StatusCode
	lot.StatusMessage = resp.StatusMessage
	if err := e.store.UpdateLot(ctx, lot); err != nil {
		return nil, fmt.Errorf("committing lot acknowledgement: %w", err)
	}
	inv.logger.Info("lot acknowledged",
		"lot", lot.ID, "receipt", resp.ReceiptNumber, "status", resp.StatusCode)

	return e.resolveReceipt(ctx, inv, resp.ReceiptNumber)
}

// PollReceipt resolves a previously issued receipt number. Used to
// resume after a Pending outcome, possibly in a later process.
func (e *Engine) PollReceipt(ctx context.Context, key manifest.Key, env manifest.Environment, receiptNumber string) (*Outcome, error) {
	inv := e.newInvocation(key, env, "poll-receipt")

	if receiptNumber == "" {
		latest, err := e.store.LatestReceipt(ctx, env, key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, &PreconditionError{Reason: "no receipt on record for this key"}
		}
		if err != nil {
			return nil, fmt.Errorf("reading latest receipt: %w", err)
		}
		receiptNumber = latest.ReceiptNumber
	}
	return e.resolveReceipt(ctx, inv, receiptNumber)
}

// resolveReceipt polls a receipt and routes on the batch status,
// following duplicate markers to the original receipt when the
// clearinghouse reports the document as already submitted. Ledger
// records are written for every poll, but a Protocol record only for
// the final resolved ruling.
func (e *Engine) resolveReceipt(ctx context.Context, inv invocation, receiptNumber string) (*Outcome, error) {
	for hop := 0; hop <= e.duplicateHopLimit; hop++ {
		resp, err := e.client.QueryReceipt(ctx, receiptNumber, inv.key, inv.env)
		if err != nil {
			return nil, err
		}

		record := &storage.Receipt{
			Environment:   inv.env,
			DocumentKey:   inv.key.String(),
			ReceiptNumber: receiptNumber,
			StatusCode:    resp.StatusCode,
			StatusMessage: resp.StatusMessage,
		}
		if err := e.store.AppendReceipt(ctx, record); err != nil {
			return nil, fmt.Errorf("recording receipt: %w", err)
		}

		switch resp.StatusCode {
		case sefaz.CodeBatchPending:
			inv.logger.Info("batch still processing", "receipt", receiptNumber)
			return &Outcome{
				Status:        Pending,
				State:         StateReceiptPending,
				Code:          resp.StatusCode,
				Message:       resp.StatusMessage,
				ReceiptNumber: receiptNumber,
			}, nil

		case sefaz.CodeBatchProcessed:
			if resp.Protocol == nil {
				return nil, &sefaz.ProtocolError{
					Operation: "query receipt",
					Reason:    "processed batch carried no document protocol",
				}
			}
			if resp.Protocol.StatusCode == sefaz.CodeDuplicate {
				next, err := sefaz.ParseDuplicateReceipt(resp.Protocol.StatusMessage)
				if err != nil {
					return nil, err
				}
				inv.logger.Info("duplicate submission, following original receipt",
					"from", receiptNumber, "to", next)
				receiptNumber = next
				continue
			}
			return e.settleProtocol(ctx, inv, receiptNumber, resp.Protocol)

		default:
			inv.logger.Warn("receipt query refused",
				"receipt", receiptNumber, "status", resp.StatusCode)
			return &Outcome{
				Status:        Failure,
				State:         StateError,
				Code:          resp.StatusCode,
				Message:       resp.StatusMessage,
				ReceiptNumber: receiptNumber,
			}, nil
		}
	}
	return nil, &sefaz.ProtocolError{
		Operation: "query receipt",
		Reason:    fmt.Sprintf("duplicate recovery exceeded %d hops", e.duplicateHopLimit),
	}
}

// settleProtocol records the clearinghouse's final per-document
// ruling. On authorization the stamped proof artifact is written
// before the inbox original is removed, so a crash in between leaves
// both files and converges on re-run.
func (e *Engine) settleProtocol(ctx context.Context, inv invocation, receiptNumber string, protocol *sefaz.DocumentProtocol) (*Outcome, error) {
	// A re-run after a crash may see the same ruling again; the
	// authorized protocol stays unique.
	if protocol.StatusCode == sefaz.CodeAuthorized {
		if _, err := e.store.AuthorizedProtocol(ctx, inv.env, inv.key); err == nil {
			return e.finishAuthorization(inv, receiptNumber, protocol)
		} else if !errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("reading authorized protocol: %w", err)
		}
	}

	record := &storage.Protocol{
		Environment:    inv.env,
		DocumentKey:    inv.key.String(),
		ReceiptNumber:  receiptNumber,
		ProtocolNumber: protocol.ProtocolNumber,
		DigestValue:    protocol.DigestValue,
		StatusCode:     protocol.StatusCode,
		StatusMessage:  protocol.StatusMessage,
	}
	if err := e.store.CreateProtocol(ctx, record); err != nil {
		return nil, fmt.Errorf("recording protocol: %w", err)
	}

	if protocol.StatusCode != sefaz.CodeAuthorized {
		inv.logger.Warn("document rejected",
			"status", protocol.StatusCode, "reason", protocol.StatusMessage)
		return &Outcome{
			Status:        Failure,
			State:         StateRejected,
			Code:          protocol.StatusCode,
			Message:       protocol.StatusMessage,
			ReceiptNumber: receiptNumber,
			Protocol:      protocol.ProtocolNumber,
		}, nil
	}

	return e.finishAuthorization(inv, receiptNumber, protocol)
}

// finishAuthorization writes the stamped proof and removes the inbox
// original. Both steps are idempotent, so re-running after a crash in
// between converges.
func (e *Engine) finishAuthorization(inv invocation, receiptNumber string, protocol *sefaz.DocumentProtocol) (*Outcome, error) {
	signed, err := e.docs.ReadSigned(inv.env, inv.key)
	if err != nil {
		return nil, fmt.Errorf("reading signed document for stamping: %w", err)
	}
	stamped, err := sefaz.StampProtocol(signed, protocol)
	if err != nil {
		return nil, err
	}
	if _, err := e.docs.WriteStamped(inv.env, inv.key, stamped); err != nil {
		return nil, err
	}
	if err := e.docs.DeleteOriginal(inv.key); err != nil {
		return nil, err
	}
	inv.logger.Info("document authorized", "protocol", protocol.ProtocolNumber)

	return &Outcome{
		Status:        Success,
		State:         StateAuthorized,
		Code:          protocol.StatusCode,
		Message:       protocol.StatusMessage,
		ReceiptNumber: receiptNumber,
		Protocol:      protocol.ProtocolNumber,
	}, nil
}

// Cancel voids an authorized manifest. The protocol number defaults
// to the unique authorized ruling on record.
func (e *Engine) Cancel(ctx context.Context, key manifest.Key, env manifest.Environment, protocolNumber, reason string) (*Outcome, error) {
	inv := e.newInvocation(key, env, "cancel")

	protocolNumber, err := e.eventProtocol(ctx, inv, protocolNumber)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = e.defaultCancelReason
	}

	resp, err := e.client.SendCancelEvent(ctx, key, env, eventSequence, protocolNumber, reason)
	if err != nil {
		return nil, err
	}
	return e.settleEvent(inv, resp, docstore.EventCancel, StateCancelled)
}

// Finish closes an authorized manifest at the configured jurisdiction
// and municipality. The protocol number defaults to the unique
// authorized ruling on record.
func (e *Engine) Finish(ctx context.Context, key manifest.Key, env manifest.Environment, protocolNumber string) (*Outcome, error) {
	inv := e.newInvocation(key, env, "finish")

	protocolNumber, err := e.eventProtocol(ctx, inv, protocolNumber)
	if err != nil {
		return nil, err
	}

	resp, err := e.client.SendCloseEvent(ctx, key, env, eventSequence, protocolNumber, e.closureUF, e.closureMunicipality)
	if err != nil {
		return nil, err
	}
	return e.settleEvent(inv, resp, docstore.EventClose, StateClosed)
}

func (e *Engine) eventProtocol(ctx context.Context, inv invocation, protocolNumber string) (string, error) {
	if protocolNumber != "" {
		return protocolNumber, nil
	}
	authorized, err := e.store.AuthorizedProtocol(ctx, inv.env, inv.key)
	if errors.Is(err, storage.ErrNotFound) {
		return "", &PreconditionError{Reason: "document not issued or protocol not found"}
	}
	if err != nil {
		return "", fmt.Errorf("reading authorized protocol: %w", err)
	}
	return authorized.ProtocolNumber, nil
}

// settleEvent interprets an event registration response. Registered
// events (cStat 135) persist the raw response into the permanent
// record; anything else leaves the document state untouched.
func (e *Engine) settleEvent(inv invocation, resp *sefaz.EventResponse, event string, success State) (*Outcome, error) {
	if resp.StatusCode != sefaz.CodeEventRegistered {
		inv.logger.Warn("event refused",
			"event", event, "status", resp.StatusCode, "reason", resp.StatusMessage)
		return &Outcome{
			Status:   Failure,
			State:    StateAuthorized,
			Code:     resp.StatusCode,
			Message:  resp.StatusMessage,
			Protocol: resp.ProtocolNumber,
		}, nil
	}

	if _, err := e.docs.WriteEventResponse(inv.env, inv.key, event, resp.Raw); err != nil {
		return nil, err
	}
	inv.logger.Info("event registered", "event", event, "protocol", resp.ProtocolNumber)

	return &Outcome{
		Status:   Success,
		State:    success,
		Code:     resp.StatusCode,
		Message:  resp.StatusMessage,
		Protocol: resp.ProtocolNumber,
	}, nil
}
