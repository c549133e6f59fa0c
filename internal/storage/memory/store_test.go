package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aguimaraes/bedm/internal/storage"
	"github.com/aguimaraes/bedm/pkg/manifest"
)

const testKeyDigits = "35160751013233000402580010000000391000949083"

func mustKey(t *testing.T) manifest.Key {
	t.Helper()
	key, err := manifest.ParseKey(testKeyDigits)
	require.NoError(t, err)
	return key
}

func TestLotLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	key := mustKey(t)

	lot := &storage.Lot{
		Environment: manifest.Staging,
		DocumentKey: key.String(),
	}
	require.NoError(t, store.CreateLot(ctx, lot))
	assert.Equal(t, int64(1), lot.ID)
	assert.False(t, lot.CreatedAt.IsZero())

	second := &storage.Lot{Environment: manifest.Staging, DocumentKey: key.String()}
	require.NoError(t, store.CreateLot(ctx, second))
	assert.Equal(t, int64(2), second.ID)

	lot.ReceiptNumber = "351000000998877"
	lot.StatusCode = "103"
	lot.StatusMessage = "Lote recebido com sucesso"
	require.NoError(t, store.UpdateLot(ctx, lot))

	got, err := store.GetLot(ctx, manifest.Staging, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, "351000000998877", got.ReceiptNumber)
	assert.Equal(t, "103", got.StatusCode)

	latest, err := store.LatestLot(ctx, manifest.Staging, key)
	require.NoError(t, err)
	assert.Equal(t, second.ID, latest.ID)

	_, err = store.GetLot(ctx, manifest.Production, lot.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateLotMissing(t *testing.T) {
	store := NewStore()
	err := store.UpdateLot(context.Background(), &storage.Lot{ID: 42})
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReceiptsAppendOnly(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	key := mustKey(t)

	_, err := store.LatestReceipt(ctx, manifest.Staging, key)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	pending := &storage.Receipt{
		Environment:   manifest.Staging,
		DocumentKey:   key.String(),
		ReceiptNumber: "351000000998877",
		StatusCode:    "105",
		StatusMessage: "Lote em processamento",
	}
	require.NoError(t, store.AppendReceipt(ctx, pending))
	assert.True(t, pending.Pending())

	processed := &storage.Receipt{
		Environment:   manifest.Staging,
		DocumentKey:   key.String(),
		ReceiptNumber: "351000000998877",
		StatusCode:    "104",
		StatusMessage: "Lote processado",
	}
	require.NoError(t, store.AppendReceipt(ctx, processed))

	latest, err := store.LatestReceipt(ctx, manifest.Staging, key)
	require.NoError(t, err)
	assert.Equal(t, "104", latest.StatusCode)

	all, err := store.ListReceipts(ctx, manifest.Staging, key)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "105", all[0].StatusCode)
	assert.Equal(t, "104", all[1].StatusCode)
}

func TestAuthorizedProtocol(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	key := mustKey(t)

	_, err := store.AuthorizedProtocol(ctx, manifest.Staging, key)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rejected := &storage.Protocol{
		Environment:    manifest.Staging,
		DocumentKey:    key.String(),
		ReceiptNumber:  "351000000998877",
		ProtocolNumber: "",
		StatusCode:     "204",
		StatusMessage:  "Duplicidade de MDF-e",
	}
	require.NoError(t, store.CreateProtocol(ctx, rejected))

	authorized := &storage.Protocol{
		Environment:    manifest.Staging,
		DocumentKey:    key.String(),
		ReceiptNumber:  "351000000998877",
		ProtocolNumber: "135190000001234",
		StatusCode:     "100",
		StatusMessage:  "Autorizado o uso do MDF-e",
	}
	require.NoError(t, store.CreateProtocol(ctx, authorized))

	got, err := store.AuthorizedProtocol(ctx, manifest.Staging, key)
	require.NoError(t, err)
	assert.True(t, got.Authorized())
	assert.Equal(t, "135190000001234", got.ProtocolNumber)

	all, err := store.ListProtocols(ctx, manifest.Staging, key)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestSubmissionLock(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	key := mustKey(t)

	release, err := store.AcquireSubmissionLock(ctx, manifest.Staging, key)
	require.NoError(t, err)

	_, err = store.AcquireSubmissionLock(ctx, manifest.Staging, key)
	assert.ErrorIs(t, err, storage.ErrLocked)

	// Same key in the other environment is independent.
	otherRelease, err := store.AcquireSubmissionLock(ctx, manifest.Production, key)
	require.NoError(t, err)
	require.NoError(t, otherRelease(ctx))

	require.NoError(t, release(ctx))

	release, err = store.AcquireSubmissionLock(ctx, manifest.Staging, key)
	require.NoError(t, err)
	require.NoError(t, release(ctx))
}
