//go:build integration

package webhooks

import (
	"context"
	"testing"
	"time"

	"github.com/fredagent/x402proxy/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresStore_Integration(t *testing.T) {
	db, cleanup := testutil.PGTest(t)
	defer cleanup()

	store := NewPostgresStore(db)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	require.NoError(t, store.Create(ctx, &Subscription{
		ID: "wh_a", URL: "https://example.com/a", Secret: "sa", Active: true, CreatedAt: now,
		Events: []EventType{EventPaymentSettled, EventPaymentRejected},
	}))
	require.NoError(t, store.Create(ctx, &Subscription{
		ID: "wh_b", URL: "https://example.com/b", Secret: "sb", Active: true, CreatedAt: now.Add(time.Second),
		Events: []EventType{EventPaymentRejected}, Payer: testPayer,
	}))

	settled, err := store.ListByEvent(ctx, EventPaymentSettled)
	require.NoError(t, err)
	require.Len(t, settled, 1)
	assert.Equal(t, "wh_a", settled[0].ID)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "wh_b", all[0].ID)
	assert.Equal(t, testPayer, all[0].Payer)

	sub := all[1]
	sub.Active = false
	sub.LastError = "status 500"
	sub.ConsecutiveFailures = MaxConsecutiveFailures
	require.NoError(t, store.Update(ctx, sub))

	settled, err = store.ListByEvent(ctx, EventPaymentSettled)
	require.NoError(t, err)
	assert.Empty(t, settled)

	require.NoError(t, store.Delete(ctx, "wh_a"))
	_, err = store.Get(ctx, "wh_a")
	assert.ErrorIs(t, err, ErrNotFound)
}
