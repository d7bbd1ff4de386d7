package intent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tavolo/paycore/internal/orderref"
)

func TestMemoryStoreMutateSerializes(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newPendingIntent("chk_1", reservationRef("42"))))

	// Each mutation appends one signal; with per-intent serialization,
	// every call sees the signals of all calls before it.
	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Mutate(ctx, "chk_1", func(it *Intent) (bool, error) {
				it.Signals = append(it.Signals, SignalEvent{
					ID:     string(rune('a' + len(it.Signals))),
					Source: SourceWebhook,
				})
				return true, nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "chk_1")
	require.NoError(t, err)
	assert.Len(t, got.Signals, n)
}

func TestMemoryStoreMutateUnchangedNotPersisted(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newPendingIntent("chk_1", reservationRef("42"))))

	_, err := store.Mutate(ctx, "chk_1", func(it *Intent) (bool, error) {
		it.Status = StatusPaid // mutated but reported unchanged
		return false, nil
	})
	require.NoError(t, err)

	got, err := store.Get(ctx, "chk_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestMemoryStoreGetReturnsCopy(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	it := newPendingIntent("chk_1", reservationRef("42"))
	it.Signals = []SignalEvent{{ID: "sig_1", Source: SourceWebhook}}
	require.NoError(t, store.Create(ctx, it))

	got, err := store.Get(ctx, "chk_1")
	require.NoError(t, err)
	got.Status = StatusFailed
	got.Signals[0].DispatchError = "scribbled"

	fresh, err := store.Get(ctx, "chk_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, fresh.Status)
	assert.Empty(t, fresh.Signals[0].DispatchError)
}

func TestMemoryStoreFindByOrder(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	older := newPendingIntent("chk_old", reservationRef("42"))
	older.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.Create(ctx, older))
	require.NoError(t, store.Create(ctx, newPendingIntent("chk_new", reservationRef("42"))))

	got, err := store.FindByOrder(ctx, string(orderref.KindReservation), "42")
	require.NoError(t, err)
	assert.Equal(t, "chk_new", got.ID, "latest intent wins")

	_, err = store.FindByOrder(ctx, string(orderref.KindReservation), "99")
	assert.ErrorIs(t, err, ErrIntentNotFound)
}

func TestMemoryStoreFindByOrderTableUsesOrderID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	it := newPendingIntent("chk_tbl", orderref.Reference{
		Kind:        orderref.KindTable,
		PrimaryID:   "7",
		SecondaryID: "ord_55",
	})
	require.NoError(t, store.Create(ctx, it))

	got, err := store.FindByOrder(ctx, string(orderref.KindTable), "ord_55")
	require.NoError(t, err)
	assert.Equal(t, "chk_tbl", got.ID)

	// The table id is not the lookup key.
	_, err = store.FindByOrder(ctx, string(orderref.KindTable), "7")
	assert.ErrorIs(t, err, ErrIntentNotFound)
}

func TestMemoryStoreFindByReference(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newPendingIntent("chk_1", reservationRef("42"))))

	got, err := store.FindByReference(ctx, "RESERVATION_42")
	require.NoError(t, err)
	assert.Equal(t, "chk_1", got.ID)

	_, err = store.FindByReference(ctx, "RESERVATION_43")
	assert.ErrorIs(t, err, ErrIntentNotFound)
}

func TestMemoryStoreListExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Now()

	overdue := newPendingIntent("chk_overdue", reservationRef("1"))
	overdue.ExpiresAt = now.Add(-10 * time.Minute)
	require.NoError(t, store.Create(ctx, overdue))

	older := newPendingIntent("chk_older", reservationRef("2"))
	older.ExpiresAt = now.Add(-20 * time.Minute)
	require.NoError(t, store.Create(ctx, older))

	fresh := newPendingIntent("chk_fresh", reservationRef("3"))
	require.NoError(t, store.Create(ctx, fresh))

	paid := newPendingIntent("chk_paid", reservationRef("4"))
	paid.ExpiresAt = now.Add(-30 * time.Minute)
	paid.Status = StatusPaid
	require.NoError(t, store.Create(ctx, paid))

	got, err := store.ListExpired(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "chk_older", got[0].ID, "oldest deadline first")
	assert.Equal(t, "chk_overdue", got[1].ID)

	limited, err := store.ListExpired(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "chk_older", limited[0].ID)
}

func TestMemoryStoreRecordDispatchResult(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	it := newPendingIntent("chk_1", reservationRef("42"))
	it.Signals = []SignalEvent{{ID: "sig_1", Source: SourceWebhook}}
	require.NoError(t, store.Create(ctx, it))

	require.NoError(t, store.RecordDispatchResult(ctx, "chk_1", "sig_1", "downstream timeout"))

	got, err := store.Get(ctx, "chk_1")
	require.NoError(t, err)
	assert.Equal(t, "downstream timeout", got.Signals[0].DispatchError)

	assert.ErrorIs(t, store.RecordDispatchResult(ctx, "chk_missing", "sig_1", ""), ErrIntentNotFound)
}
