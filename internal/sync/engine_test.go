package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/Kadem9/caissefacile/internal/db"
	"github.com/Kadem9/caissefacile/internal/models"
	"github.com/Kadem9/caissefacile/internal/syncclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushAdoptsServerID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := newFakeBackend()
	backend.nextID = 35

	for i := 1; i <= 7; i++ {
		require.NoError(t, store.Create(ctx, &models.Category{Name: fmt.Sprintf("cat %d", i)}))
	}
	cat, err := store.Get(ctx, models.TypeCategory, 7)
	require.NoError(t, err)
	require.Nil(t, cat.Base().ServerID)

	eng := newTestEngine(t, store, backend, nil)
	res, err := eng.SyncAll(ctx)
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, 7, res.Pushed)

	cat, err = store.Get(ctx, models.TypeCategory, 7)
	require.NoError(t, err)
	require.NotNil(t, cat.Base().ServerID)
	assert.Equal(t, int64(42), *cat.Base().ServerID)
	assert.Equal(t, 1, countServerID(t, store, models.TypeCategory, 42))

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	// The pull in the same cycle echoes our own records back; they must not
	// be duplicated.
	n, err := store.CountActive(ctx, models.TypeCategory)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestEveryPushedRecordCarriesServerID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := newFakeBackend()

	require.NoError(t, store.Create(ctx, &models.User{Name: "Ana", Role: models.RoleCashier}))
	require.NoError(t, store.Create(ctx, &models.Category{Name: "Boissons"}))
	cat := &models.Category{Name: "Snacks"}
	require.NoError(t, store.Create(ctx, cat))
	cat.Name = "Snacks salés"
	require.NoError(t, store.Update(ctx, cat))

	res, err := newTestEngine(t, store, backend, nil).SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Pushed)

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)

	for _, kind := range []models.EntityType{models.TypeUser, models.TypeCategory} {
		all, err := store.List(ctx, kind)
		require.NoError(t, err)
		for _, e := range all {
			assert.NotNil(t, e.Base().ServerID, "%s/%d", kind, e.Base().LocalID)
		}
	}
	got, err := db.GetAs[*models.Category](ctx, store, models.TypeCategory, cat.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "Snacks salés", got.Name)
	assert.Equal(t, 1, countServerID(t, store, models.TypeCategory, *got.ServerID))
}

func TestOfflineCyclesThenDrain(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := newFakeBackend()
	prober := &fakeProber{}
	monitor := NewMonitor(prober, time.Second)
	eng := newTestEngine(t, store, backend, monitor)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(ctx, &models.Transaction{
			TicketNumber:  fmt.Sprintf("T-%03d", i+1),
			Items:         []models.TransactionItem{{Name: "Café", Quantity: 1, UnitPriceCents: 150}},
			TotalCents:    150,
			PaymentMethod: models.PaymentCash,
		}))
		res, err := eng.SyncAll(ctx)
		require.NoError(t, err)
		assert.True(t, res.Skipped)
	}

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), pending)
	assert.Zero(t, backend.submitCount())

	prober.online.Store(true)
	res, err := eng.SyncAll(ctx)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, 3, res.Pushed)

	pending, err = store.CountPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Equal(t, 3, backend.submitCount())
}

func TestPullInsertThenRemove(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := newFakeBackend()
	eng := newTestEngine(t, store, backend, nil)

	backend.put(t, models.TypeProduct, 900, true, &models.Product{Meta: models.Meta{LocalID: 3}, Name: "Croissant", PriceCents: 120})

	res, err := eng.Pull(ctx)
	require.NoError(t, err)
	require.NoError(t, res.PullErr)
	assert.Equal(t, 1, res.Merge.Inserted)

	products, err := db.ListOf[*models.Product](ctx, store, models.TypeProduct)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "Croissant", products[0].Name)
	assert.Equal(t, int64(900), *products[0].ServerID)

	backend.put(t, models.TypeProduct, 900, false, &models.Product{Name: "Croissant", PriceCents: 120})
	res, err = eng.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Merge.Removed)

	n, err := store.CountActive(ctx, models.TypeProduct)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPullReactivationIsNewIdentity(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := newFakeBackend()
	eng := newTestEngine(t, store, backend, nil)

	backend.put(t, models.TypeCategory, 10, true, &models.Category{Name: "Glaces"})
	_, err := eng.Pull(ctx)
	require.NoError(t, err)
	backend.put(t, models.TypeCategory, 10, false, &models.Category{Name: "Glaces"})
	_, err = eng.Pull(ctx)
	require.NoError(t, err)
	backend.put(t, models.TypeCategory, 10, true, &models.Category{Name: "Glaces"})
	_, err = eng.Pull(ctx)
	require.NoError(t, err)

	cats, err := store.List(ctx, models.TypeCategory)
	require.NoError(t, err)
	require.Len(t, cats, 1)
	assert.Equal(t, int64(2), cats[0].Base().LocalID)
}

func TestPullPagesAndAdvancesCursor(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := newFakeBackend()
	eng := newTestEngine(t, store, backend, nil)

	for i := int64(1); i <= 5; i++ {
		backend.put(t, models.TypeUser, i, true, &models.User{Name: fmt.Sprintf("user %d", i), Role: models.RoleCashier})
	}
	res, err := eng.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.Merge.Inserted)

	state, err := store.GetSyncState(ctx)
	require.NoError(t, err)
	require.NotNil(t, state.LastSuccessfulPull)
	assert.Equal(t, int64(5), state.Cursors[models.TypeUser])

	// Nothing new: incremental pull merges nothing.
	res, err = eng.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Pulled)
}

func TestPullFailureAppliesNothing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := newFakeBackend()
	eng := newTestEngine(t, store, backend, nil)

	backend.put(t, models.TypeUser, 1, true, &models.User{Name: "Ana", Role: models.RoleAdmin})
	backend.fetchErr[models.TypeProduct] = errServerDown

	res, err := eng.Pull(ctx)
	require.NoError(t, err, "network failures are reported in the result")
	require.Error(t, res.PullErr)
	assert.ErrorIs(t, res.PullErr, syncclient.ErrTransient)

	n, err := store.CountActive(ctx, models.TypeUser)
	require.NoError(t, err)
	assert.Zero(t, n)

	state, err := store.GetSyncState(ctx)
	require.NoError(t, err)
	assert.Nil(t, state.LastSuccessfulPull)
	assert.Empty(t, state.Cursors)
}

func TestPushFailureBlocksOnlyItsType(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := newFakeBackend()
	backend.submitErr[models.TypeCategory] = errServerDown

	require.NoError(t, store.Create(ctx, &models.Category{Name: "A"}))
	require.NoError(t, store.Create(ctx, &models.User{Name: "Ana", Role: models.RoleCashier}))
	require.NoError(t, store.Create(ctx, &models.Category{Name: "B"}))

	res, err := newTestEngine(t, store, backend, nil).Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, models.TypeCategory, res.Failures[0].EntityType)
	assert.False(t, res.Failures[0].Rejected)

	// The second category was never sent ahead of the first.
	assert.Equal(t, 2, backend.submitCount())

	items, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 1, items[0].Attempts)
	assert.Contains(t, items[0].LastError, "unavailable")
	assert.Equal(t, 0, items[1].Attempts)
}

func TestRejectedItemStaysQueued(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := newFakeBackend()
	backend.submitErr[models.TypeUser] = &syncclient.APIError{Status: 422, Code: "invalid_record", Message: "bad role"}

	require.NoError(t, store.Create(ctx, &models.User{Name: "Ana", Role: models.RoleCashier}))
	eng := newTestEngine(t, store, backend, nil)

	for i := 0; i < 3; i++ {
		res, err := eng.Push(ctx)
		require.NoError(t, err)
		require.Len(t, res.Failures, 1)
		assert.True(t, res.Failures[0].Rejected)
	}
	items, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 3, items[0].Attempts)
}

func TestPushResolvesRefsToServerIDs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := newFakeBackend()

	cat := &models.Category{Name: "Boissons"}
	require.NoError(t, store.Create(ctx, cat))
	prod := &models.Product{
		Name:       "Limonade",
		Category:   models.Ref{Type: models.TypeCategory, LocalID: cat.LocalID},
		PriceCents: 250,
	}
	require.NoError(t, store.Create(ctx, prod))

	_, err := newTestEngine(t, store, backend, nil).Push(ctx)
	require.NoError(t, err)

	gotCat, err := store.Get(ctx, models.TypeCategory, cat.LocalID)
	require.NoError(t, err)
	gotProd, err := db.GetAs[*models.Product](ctx, store, models.TypeProduct, prod.LocalID)
	require.NoError(t, err)

	sent := backend.stored(models.TypeProduct, *gotProd.ServerID)
	require.NotNil(t, sent)
	var wire models.Product
	require.NoError(t, json.Unmarshal(sent.Record, &wire))
	require.NotNil(t, wire.Category.ServerID)
	assert.Equal(t, *gotCat.Base().ServerID, *wire.Category.ServerID)
	assert.Equal(t, cat.LocalID, gotProd.Category.LocalID)
}

func TestPulledRefsPointAtLocalRecords(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := newFakeBackend()

	catSID := int64(5)
	backend.put(t, models.TypeCategory, catSID, true, &models.Category{Meta: models.Meta{LocalID: 40}, Name: "Desserts"})
	backend.put(t, models.TypeProduct, 6, true, &models.Product{
		Meta:     models.Meta{LocalID: 41},
		Name:     "Tarte",
		Category: models.Ref{Type: models.TypeCategory, LocalID: 40, ServerID: &catSID},
	})

	_, err := newTestEngine(t, store, backend, nil).Pull(ctx)
	require.NoError(t, err)

	cats, err := store.List(ctx, models.TypeCategory)
	require.NoError(t, err)
	require.Len(t, cats, 1)
	products, err := db.ListOf[*models.Product](ctx, store, models.TypeProduct)
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, cats[0].Base().LocalID, products[0].Category.LocalID)
}

func TestTriggerCoalescesWhileBusy(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := newFakeBackend()
	eng := newTestEngine(t, store, backend, nil)

	// Hold the cycle slot so requests pile up.
	require.NoError(t, eng.acquire(ctx))
	t1 := eng.Trigger(ReasonMutation)
	t2 := eng.Trigger(ReasonManual)
	t3 := eng.Trigger(ReasonTimer)
	assert.Same(t, t1, t2)
	assert.Same(t, t1, t3)
	assert.Equal(t, ReasonMutation, t1.Reason())
	eng.release()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := t1.Wait(waitCtx)
	require.NoError(t, err)
	assert.True(t, res.OK())

	// One cycle fetches every type exactly once.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, len(models.EntityTypes), backend.fetchCount())
}

func TestRunSyncsOnStartupAndReconnect(t *testing.T) {
	store := newTestStore(t)
	backend := newFakeBackend()
	prober := &fakeProber{}
	monitor := NewMonitor(prober, time.Second)

	results := make(chan Result, 8)
	eng := NewEngine(store, backend, monitor, nil, Options{
		RequestTimeout: time.Second,
		OnResult:       func(r Result) { results <- r },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	next := func() Result {
		t.Helper()
		select {
		case r := <-results:
			return r
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for a sync cycle")
		}
		return Result{}
	}

	first := next()
	assert.Equal(t, ReasonStartup, first.Reason)
	assert.True(t, first.Skipped)

	require.NoError(t, store.Create(context.Background(), &models.Category{Name: "A"}))
	prober.online.Store(true)
	monitor.CheckConnection(context.Background())

	second := next()
	assert.Equal(t, ReasonReconnect, second.Reason)
	assert.Equal(t, 1, second.Pushed)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, eng.running.Load())
}

func TestPushDefersUntilReferencedRecordSyncs(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := newFakeBackend()
	backend.submitErr[models.TypeCategory] = errServerDown

	cat := &models.Category{Name: "Boissons"}
	require.NoError(t, store.Create(ctx, cat))
	prod := &models.Product{
		Name:       "Limonade",
		Category:   models.Ref{Type: models.TypeCategory, LocalID: cat.LocalID},
		PriceCents: 250,
	}
	require.NoError(t, store.Create(ctx, prod))

	eng := newTestEngine(t, store, backend, nil)
	res, err := eng.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Pushed)
	assert.Equal(t, 1, res.Deferred)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, models.TypeCategory, res.Failures[0].EntityType)

	// Only the category went out; the product never left without a
	// server id for its category.
	assert.Equal(t, 1, backend.submitCount())
	items, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, models.TypeProduct, items[1].EntityType)
	assert.Equal(t, 0, items[1].Attempts)
	assert.Empty(t, items[1].LastError)

	backend.mu.Lock()
	delete(backend.submitErr, models.TypeCategory)
	backend.mu.Unlock()

	res, err = eng.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Pushed)
	assert.Equal(t, 0, res.Deferred)
	assert.Empty(t, res.Failures)

	gotCat, err := store.Get(ctx, models.TypeCategory, cat.LocalID)
	require.NoError(t, err)
	gotProd, err := db.GetAs[*models.Product](ctx, store, models.TypeProduct, prod.LocalID)
	require.NoError(t, err)
	require.NotNil(t, gotProd.ServerID)

	sent := backend.stored(models.TypeProduct, *gotProd.ServerID)
	require.NotNil(t, sent)
	var wire models.Product
	require.NoError(t, json.Unmarshal(sent.Record, &wire))
	require.NotNil(t, wire.Category.ServerID)
	assert.Equal(t, *gotCat.Base().ServerID, *wire.Category.ServerID)
}

func TestPushWithEmptyRefIsNotDeferred(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	backend := newFakeBackend()

	// No category, nothing to wait for.
	prod := &models.Product{Name: "Vrac", PriceCents: 100}
	require.NoError(t, store.Create(ctx, prod))

	res, err := newTestEngine(t, store, backend, nil).Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, 0, res.Deferred)
}

// stallingBackend holds every submit until the request context ends.
type stallingBackend struct {
	*fakeBackend
}

func (s stallingBackend) Submit(ctx context.Context, _ models.EntityType, _ *syncclient.SubmitRequest) (*syncclient.RecordResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPushRecordsAttemptWhenContextExpires(t *testing.T) {
	store := newTestStore(t)
	backend := stallingBackend{newFakeBackend()}
	require.NoError(t, store.Create(context.Background(), &models.Category{Name: "Boissons"}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := newTestEngine(t, store, backend, nil).Push(ctx)
	require.NoError(t, err)
	require.Len(t, res.Failures, 1)
	assert.ErrorIs(t, res.Failures[0].Err, context.DeadlineExceeded)

	items, err := store.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 1, items[0].Attempts)
	assert.NotEmpty(t, items[0].LastError)
}
