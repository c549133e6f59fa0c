package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aguimaraes/bedm/internal/docstore"
	"github.com/aguimaraes/bedm/internal/storage"
	"github.com/aguimaraes/bedm/internal/storage/memory"
	"github.com/aguimaraes/bedm/pkg/manifest"
	"github.com/aguimaraes/bedm/pkg/sefaz"
)

const (
	testKeyDigits = "35160751013233000402580010000000391000949083"
	testReceipt   = "351000000998877"
	testProtocol  = "135190000001234"
)

const originalManifest = `<MDFe xmlns="http://www.portalfiscal.inf.br/mdfe">` +
	`<infMDFe Id="MDFe` + testKeyDigits + `" versao="3.00"><ide><cUF>35</cUF></ide></infMDFe></MDFe>`

const authorizedProtXML = `<protMDFe versao="3.00"><infProt>` +
	`<chMDFe>` + testKeyDigits + `</chMDFe><nProt>` + testProtocol + `</nProt>` +
	`<digVal>abc=</digVal><cStat>100</cStat><xMotivo>Autorizado o uso do MDF-e</xMotivo>` +
	`</infProt></protMDFe>`

// queryCall records one receipt poll made against the fake.
type queryCall struct {
	receipt string
}

type fakeClearinghouse struct {
	submitResp  *sefaz.LotResponse
	submitErr   error
	submitCalls int
	submittedID int64

	queryQueue []any // *sefaz.ReceiptResponse or error, popped per call
	queries    []queryCall

	eventResp *sefaz.EventResponse
	eventErr  error
	cancelled []string // reasons
	closed    [][2]string
}

func (f *fakeClearinghouse) SubmitLot(_ context.Context, _ []byte, _ manifest.Key, _ manifest.Environment, lotID int64) (*sefaz.LotResponse, error) {
	f.submitCalls++
	f.submittedID = lotID
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return f.submitResp, nil
}

func (f *fakeClearinghouse) QueryReceipt(_ context.Context, receipt string, _ manifest.Key, _ manifest.Environment) (*sefaz.ReceiptResponse, error) {
	f.queries = append(f.queries, queryCall{receipt: receipt})
	if len(f.queryQueue) == 0 {
		return nil, errors.New("unexpected receipt query")
	}
	next := f.queryQueue[0]
	f.queryQueue = f.queryQueue[1:]
	if err, ok := next.(error); ok {
		return nil, err
	}
	return next.(*sefaz.ReceiptResponse), nil
}

func (f *fakeClearinghouse) SendCancelEvent(_ context.Context, _ manifest.Key, _ manifest.Environment, _ int, _, reason string) (*sefaz.EventResponse, error) {
	f.cancelled = append(f.cancelled, reason)
	if f.eventErr != nil {
		return nil, f.eventErr
	}
	return f.eventResp, nil
}

func (f *fakeClearinghouse) SendCloseEvent(_ context.Context, _ manifest.Key, _ manifest.Environment, _ int, _, ufCode, municipalityCode string) (*sefaz.EventResponse, error) {
	f.closed = append(f.closed, [2]string{ufCode, municipalityCode})
	if f.eventErr != nil {
		return nil, f.eventErr
	}
	return f.eventResp, nil
}

// passSigner returns the document unchanged.
type passSigner struct{}

func (passSigner) Sign(_ context.Context, doc []byte) ([]byte, error) { return doc, nil }

type fixture struct {
	engine *Engine
	store  *memory.Store
	docs   *docstore.Store
	client *fakeClearinghouse
	root   string
	key    manifest.Key
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	key, err := manifest.ParseKey(testKeyDigits)
	require.NoError(t, err)

	root := t.TempDir()
	store := memory.NewStore()
	docs := docstore.NewStore(root)
	client := &fakeClearinghouse{}

	return &fixture{
		engine: New(store, docs, client, passSigner{}, opts...),
		store:  store,
		docs:   docs,
		client: client,
		root:   root,
		key:    key,
	}
}

func (f *fixture) dropInbox(t *testing.T) {
	t.Helper()
	inbox := f.docs.InboxPath(f.key)
	require.NoError(t, os.MkdirAll(filepath.Dir(inbox), 0o755))
	require.NoError(t, os.WriteFile(inbox, []byte(originalManifest), 0o644))
}

func processedReceipt(receipt string, prot *sefaz.DocumentProtocol) *sefaz.ReceiptResponse {
	return &sefaz.ReceiptResponse{
		ReceiptNumber: receipt,
		StatusCode:    sefaz.CodeBatchProcessed,
		StatusMessage: "Lote processado",
		Protocol:      prot,
	}
}

func pendingReceipt(receipt string) *sefaz.ReceiptResponse {
	return &sefaz.ReceiptResponse{
		ReceiptNumber: receipt,
		StatusCode:    sefaz.CodeBatchPending,
		StatusMessage: "Lote em processamento",
	}
}

func authorizedProt() *sefaz.DocumentProtocol {
	return &sefaz.DocumentProtocol{
		ProtocolNumber: testProtocol,
		DigestValue:    "abc=",
		StatusCode:     sefaz.CodeAuthorized,
		StatusMessage:  "Autorizado o uso do MDF-e",
		Raw:            []byte(authorizedProtXML),
	}
}

func TestSubmitAuthorizedEndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dropInbox(t)

	f.client.submitResp = &sefaz.LotResponse{
		ReceiptNumber: testReceipt,
		StatusCode:    "103",
		StatusMessage: "Lote recebido com sucesso",
	}
	f.client.queryQueue = []any{
		pendingReceipt(testReceipt),
	}

	// First run: submission acknowledged, batch still queued.
	outcome, err := f.engine.Submit(ctx, f.key, manifest.Staging)
	require.NoError(t, err)
	assert.Equal(t, Pending, outcome.Status)
	assert.Equal(t, StateReceiptPending, outcome.State)
	assert.Equal(t, testReceipt, outcome.ReceiptNumber)

	lot, err := f.store.LatestLot(ctx, manifest.Staging, f.key)
	require.NoError(t, err)
	assert.Equal(t, testReceipt, lot.ReceiptNumber)
	assert.Equal(t, lot.ID, f.client.submittedID)

	// Signed artifact persisted, original still in the inbox.
	_, err = f.docs.ReadSigned(manifest.Staging, f.key)
	require.NoError(t, err)
	_, err = os.Stat(f.docs.InboxPath(f.key))
	require.NoError(t, err)

	// Second run resolves the pending receipt without resubmitting.
	f.client.queryQueue = []any{
		processedReceipt(testReceipt, authorizedProt()),
	}
	outcome, err = f.engine.Submit(ctx, f.key, manifest.Staging)
	require.NoError(t, err)
	assert.Equal(t, 1, f.client.submitCalls)
	assert.Equal(t, Success, outcome.Status)
	assert.Equal(t, StateAuthorized, outcome.State)
	assert.Equal(t, testProtocol, outcome.Protocol)

	// Authorized ruling on record, stamped proof written, original
	// consumed.
	prot, err := f.store.AuthorizedProtocol(ctx, manifest.Staging, f.key)
	require.NoError(t, err)
	assert.Equal(t, testProtocol, prot.ProtocolNumber)

	stamped, err := os.ReadFile(filepath.Join(f.root, "staging", "2016", testKeyDigits+"-protMDFe.xml"))
	require.NoError(t, err)
	assert.Contains(t, string(stamped), "<mdfeProc")
	assert.Contains(t, string(stamped), testProtocol)

	_, err = os.Stat(f.docs.InboxPath(f.key))
	assert.ErrorIs(t, err, os.ErrNotExist)

	receipts, err := f.store.ListReceipts(ctx, manifest.Staging, f.key)
	require.NoError(t, err)
	require.Len(t, receipts, 2)
	assert.Equal(t, "105", receipts[0].StatusCode)
	assert.Equal(t, "104", receipts[1].StatusCode)
}

func TestSubmitRejectedDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dropInbox(t)

	f.client.submitResp = &sefaz.LotResponse{ReceiptNumber: testReceipt, StatusCode: "103"}
	f.client.queryQueue = []any{
		processedReceipt(testReceipt, &sefaz.DocumentProtocol{
			StatusCode:    "228",
			StatusMessage: "Rejeicao: Data de emissao muito atrasada",
			Raw:           []byte(`<protMDFe><infProt><cStat>228</cStat></infProt></protMDFe>`),
		}),
	}

	outcome, err := f.engine.Submit(ctx, f.key, manifest.Staging)
	require.NoError(t, err)
	assert.Equal(t, Failure, outcome.Status)
	assert.Equal(t, StateRejected, outcome.State)
	assert.Equal(t, "Rejeicao: Data de emissao muito atrasada", outcome.Message)

	// Rejection is recorded but never as an authorized ruling, and
	// the original stays for correction.
	_, err = f.store.AuthorizedProtocol(ctx, manifest.Staging, f.key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = os.Stat(f.docs.InboxPath(f.key))
	require.NoError(t, err)
}

func TestSubmitDuplicateRecovery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dropInbox(t)

	const originalReceipt = "351000000111222"

	f.client.submitResp = &sefaz.LotResponse{ReceiptNumber: testReceipt, StatusCode: "103"}
	f.client.queryQueue = []any{
		processedReceipt(testReceipt, &sefaz.DocumentProtocol{
			StatusCode:    sefaz.CodeDuplicate,
			StatusMessage: "Rejeicao: Duplicidade de MDF-e [nRec:" + originalReceipt + "]",
			Raw:           []byte(`<protMDFe><infProt><cStat>204</cStat></infProt></protMDFe>`),
		}),
		processedReceipt(originalReceipt, authorizedProt()),
	}

	outcome, err := f.engine.Submit(ctx, f.key, manifest.Staging)
	require.NoError(t, err)
	assert.Equal(t, Success, outcome.Status)
	assert.Equal(t, originalReceipt, outcome.ReceiptNumber)

	require.Len(t, f.client.queries, 2)
	assert.Equal(t, testReceipt, f.client.queries[0].receipt)
	assert.Equal(t, originalReceipt, f.client.queries[1].receipt)

	// Recovery never creates a second lot.
	lot, err := f.store.LatestLot(ctx, manifest.Staging, f.key)
	require.NoError(t, err)
	assert.Equal(t, f.client.submittedID, lot.ID)

	// Only the final resolved ruling creates a protocol record.
	protocols, err := f.store.ListProtocols(ctx, manifest.Staging, f.key)
	require.NoError(t, err)
	require.Len(t, protocols, 1)
	assert.True(t, protocols[0].Authorized())

	// Every poll is still journaled.
	receipts, err := f.store.ListReceipts(ctx, manifest.Staging, f.key)
	require.NoError(t, err)
	assert.Len(t, receipts, 2)
}

func TestDuplicateRecoveryMissingMarker(t *testing.T) {
	f := newFixture(t)
	f.dropInbox(t)

	f.client.submitResp = &sefaz.LotResponse{ReceiptNumber: testReceipt, StatusCode: "103"}
	f.client.queryQueue = []any{
		processedReceipt(testReceipt, &sefaz.DocumentProtocol{
			StatusCode:    sefaz.CodeDuplicate,
			StatusMessage: "Rejeicao: Duplicidade de MDF-e",
			Raw:           []byte(`<protMDFe/>`),
		}),
	}

	_, err := f.engine.Submit(context.Background(), f.key, manifest.Staging)
	var protoErr *sefaz.ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestDuplicateRecoveryHopLimit(t *testing.T) {
	f := newFixture(t, WithDuplicateHopLimit(2))
	f.dropInbox(t)

	duplicate := func(next string) *sefaz.ReceiptResponse {
		return processedReceipt("", &sefaz.DocumentProtocol{
			StatusCode:    sefaz.CodeDuplicate,
			StatusMessage: "Duplicidade [nRec:" + next + "]",
			Raw:           []byte(`<protMDFe/>`),
		})
	}
	f.client.submitResp = &sefaz.LotResponse{ReceiptNumber: testReceipt, StatusCode: "103"}
	f.client.queryQueue = []any{duplicate("1"), duplicate("2"), duplicate("3"), duplicate("4")}

	_, err := f.engine.Submit(context.Background(), f.key, manifest.Staging)
	var protoErr *sefaz.ProtocolError
	require.ErrorAs(t, err, &protoErr)
	assert.Len(t, f.client.queries, 3)
}

func TestProcessedBatchWithoutProtocol(t *testing.T) {
	f := newFixture(t)
	f.dropInbox(t)

	f.client.submitResp = &sefaz.LotResponse{ReceiptNumber: testReceipt, StatusCode: "103"}
	f.client.queryQueue = []any{processedReceipt(testReceipt, nil)}

	_, err := f.engine.Submit(context.Background(), f.key, manifest.Staging)
	var protoErr *sefaz.ProtocolError
	require.ErrorAs(t, err, &protoErr)
}

func TestSubmitTransportFailureLeavesLotRetryable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dropInbox(t)

	f.client.submitErr = &sefaz.TransportError{Operation: "submit lot", Err: errors.New("connection refused")}

	_, err := f.engine.Submit(ctx, f.key, manifest.Staging)
	var transportErr *sefaz.TransportError
	require.ErrorAs(t, err, &transportErr)

	// The lot exists without a receipt number: indeterminate, and a
	// retry submits again.
	lot, err := f.store.LatestLot(ctx, manifest.Staging, f.key)
	require.NoError(t, err)
	assert.Empty(t, lot.ReceiptNumber)

	f.client.submitErr = nil
	f.client.submitResp = &sefaz.LotResponse{ReceiptNumber: testReceipt, StatusCode: "103"}
	f.client.queryQueue = []any{processedReceipt(testReceipt, authorizedProt())}

	outcome, err := f.engine.Submit(ctx, f.key, manifest.Staging)
	require.NoError(t, err)
	assert.Equal(t, Success, outcome.Status)
	assert.Equal(t, 2, f.client.submitCalls)
}

func TestSubmitPreconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("no inbox document", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.engine.Submit(ctx, f.key, manifest.Staging)
		var preErr *PreconditionError
		require.ErrorAs(t, err, &preErr)
	})

	t.Run("already authorized", func(t *testing.T) {
		f := newFixture(t)
		f.dropInbox(t)
		require.NoError(t, f.store.CreateProtocol(ctx, &storage.Protocol{
			Environment: manifest.Staging,
			DocumentKey: f.key.String(),
			StatusCode:  "100",
		}))
		_, err := f.engine.Submit(ctx, f.key, manifest.Staging)
		var preErr *PreconditionError
		require.ErrorAs(t, err, &preErr)
		assert.Zero(t, f.client.submitCalls)
	})

	t.Run("lock held", func(t *testing.T) {
		f := newFixture(t)
		f.dropInbox(t)
		release, err := f.store.AcquireSubmissionLock(ctx, manifest.Staging, f.key)
		require.NoError(t, err)
		defer release(ctx)

		_, err = f.engine.Submit(ctx, f.key, manifest.Staging)
		var preErr *PreconditionError
		require.ErrorAs(t, err, &preErr)
	})
}

func TestPollReceiptPendingIsRepeatable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dropInbox(t)

	f.client.submitResp = &sefaz.LotResponse{ReceiptNumber: testReceipt, StatusCode: "103"}
	f.client.queryQueue = []any{pendingReceipt(testReceipt)}

	outcome, err := f.engine.Submit(ctx, f.key, manifest.Staging)
	require.NoError(t, err)
	assert.Equal(t, StateReceiptPending, outcome.State)

	f.client.queryQueue = []any{pendingReceipt(testReceipt)}
	outcome, err = f.engine.PollReceipt(ctx, f.key, manifest.Staging, testReceipt)
	require.NoError(t, err)
	assert.Equal(t, StateReceiptPending, outcome.State)

	// Every poll journals its own receipt record.
	receipts, err := f.store.ListReceipts(ctx, manifest.Staging, f.key)
	require.NoError(t, err)
	assert.Len(t, receipts, 2)
}

func TestAuthorizationIsIdempotentOnRerun(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dropInbox(t)

	f.client.submitResp = &sefaz.LotResponse{ReceiptNumber: testReceipt, StatusCode: "103"}
	f.client.queryQueue = []any{processedReceipt(testReceipt, authorizedProt())}

	outcome, err := f.engine.Submit(ctx, f.key, manifest.Staging)
	require.NoError(t, err)
	require.Equal(t, Success, outcome.Status)

	// A crash after authorization and a blind re-poll of the same
	// receipt converges without duplicating the ruling.
	f.client.queryQueue = []any{processedReceipt(testReceipt, authorizedProt())}
	outcome, err = f.engine.PollReceipt(ctx, f.key, manifest.Staging, testReceipt)
	require.NoError(t, err)
	assert.Equal(t, Success, outcome.Status)

	protocols, err := f.store.ListProtocols(ctx, manifest.Staging, f.key)
	require.NoError(t, err)
	assert.Len(t, protocols, 1)

	_, err = os.Stat(filepath.Join(f.root, "staging", "2016", testKeyDigits+"-protMDFe.xml"))
	require.NoError(t, err)
	_, err = os.Stat(f.docs.InboxPath(f.key))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestPollReceiptDefaultsToLatest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dropInbox(t)

	require.NoError(t, f.store.AppendReceipt(ctx, &storage.Receipt{
		Environment:   manifest.Staging,
		DocumentKey:   f.key.String(),
		ReceiptNumber: testReceipt,
		StatusCode:    "105",
	}))
	_, err := f.docs.WriteSigned(manifest.Staging, f.key, []byte(originalManifest))
	require.NoError(t, err)

	f.client.queryQueue = []any{processedReceipt(testReceipt, authorizedProt())}

	outcome, err := f.engine.PollReceipt(ctx, f.key, manifest.Staging, "")
	require.NoError(t, err)
	assert.Equal(t, Success, outcome.Status)
	assert.Equal(t, testReceipt, f.client.queries[0].receipt)
}

func TestPollReceiptWithoutHistory(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.PollReceipt(context.Background(), f.key, manifest.Staging, "")
	var preErr *PreconditionError
	require.ErrorAs(t, err, &preErr)
}

func TestCancelRegistered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	require.NoError(t, f.store.CreateProtocol(ctx, &storage.Protocol{
		Environment:    manifest.Staging,
		DocumentKey:    f.key.String(),
		ProtocolNumber: testProtocol,
		StatusCode:     "100",
	}))
	f.client.eventResp = &sefaz.EventResponse{
		StatusCode:     sefaz.CodeEventRegistered,
		StatusMessage:  "Evento registrado e vinculado ao MDF-e",
		ProtocolNumber: "135190000009999",
		Raw:            []byte(`<retEventoMDFe><infEvento><cStat>135</cStat></infEvento></retEventoMDFe>`),
	}

	outcome, err := f.engine.Cancel(ctx, f.key, manifest.Staging, "", "")
	require.NoError(t, err)
	assert.Equal(t, Success, outcome.Status)
	assert.Equal(t, StateCancelled, outcome.State)

	// Default reason applied.
	require.Len(t, f.client.cancelled, 1)
	assert.NotEmpty(t, f.client.cancelled[0])

	data, err := os.ReadFile(filepath.Join(f.root, "staging", "2016", testKeyDigits+"-evCancMDFe-ret.xml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "135")
}

func TestCancelWithoutProtocol(t *testing.T) {
	f := newFixture(t)
	_, err := f.engine.Cancel(context.Background(), f.key, manifest.Staging, "", "erro")
	var preErr *PreconditionError
	require.ErrorAs(t, err, &preErr)
	assert.Equal(t, "document not issued or protocol not found", preErr.Reason)
}

func TestCancelRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.client.eventResp = &sefaz.EventResponse{
		StatusCode:    "573",
		StatusMessage: "Rejeicao: Duplicidade de evento",
	}

	outcome, err := f.engine.Cancel(ctx, f.key, manifest.Staging, testProtocol, "erro")
	require.NoError(t, err)
	assert.Equal(t, Failure, outcome.Status)
	assert.Equal(t, StateAuthorized, outcome.State)
	assert.Equal(t, "Rejeicao: Duplicidade de evento", outcome.Message)

	// No artifact on refusal.
	_, err = os.Stat(filepath.Join(f.root, "staging", "2016", testKeyDigits+"-evCancMDFe-ret.xml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFinishRegistered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithClosureLocation("41", "4106902"))

	f.client.eventResp = &sefaz.EventResponse{
		StatusCode:     sefaz.CodeEventRegistered,
		StatusMessage:  "Evento registrado e vinculado ao MDF-e",
		ProtocolNumber: "135190000008888",
		Raw:            []byte(`<retEventoMDFe><infEvento><cStat>135</cStat></infEvento></retEventoMDFe>`),
	}

	outcome, err := f.engine.Finish(ctx, f.key, manifest.Staging, testProtocol)
	require.NoError(t, err)
	assert.Equal(t, Success, outcome.Status)
	assert.Equal(t, StateClosed, outcome.State)

	require.Len(t, f.client.closed, 1)
	assert.Equal(t, [2]string{"41", "4106902"}, f.client.closed[0])

	_, err = os.Stat(filepath.Join(f.root, "staging", "2016", testKeyDigits+"-evEncMDFe-ret.xml"))
	require.NoError(t, err)
}
