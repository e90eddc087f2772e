package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func seedPurchase(t *testing.T, s *Storage, id, idemKey string) *Purchase {
	t.Helper()
	p := &Purchase{
		ID:        id,
		UserID:    1,
		Product:   "stars",
		Recipient: "alice",
		Quantity:  50,
		Price:     50_000,
		IdemKey:   idemKey,
	}
	require.NoError(t, s.CreatePendingPurchase(context.Background(), p, &LedgerTransaction{
		ID:     "tx-" + id,
		UserID: 1,
		Type:   TxPurchase,
		Amount: 50_000,
		Status: "completed",
	}))
	return p
}

func TestCreatePendingPurchaseDuplicateKey(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	seedPurchase(t, s, "p1", "key-1")

	// A second pending purchase with the same key is refused.
	err := s.CreatePendingPurchase(ctx, &Purchase{
		ID: "p2", UserID: 1, Product: "stars", Price: 50_000, IdemKey: "key-1",
	}, nil)
	require.ErrorIs(t, err, ErrAlreadyExists)

	// The refused insert must not leave a ledger row behind.
	txs, err := s.ListTransactions(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, txs, 1)
}

func TestCompletePurchase(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	seedPurchase(t, s, "p1", "key-1")

	require.NoError(t, s.CompletePurchase(ctx, "p1", "ext-9", "0:abc", 49_000, "tag"))

	p, err := s.GetPurchase(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, PurchaseCompleted, p.Status)
	require.Equal(t, "ext-9", p.ExternalTxID)
	require.Equal(t, "0:abc", p.SettleAddress)
	require.Equal(t, int64(49_000), p.SettleAmount)
	require.NotNil(t, p.CompletedAt)

	// Completing again is not a valid transition.
	require.ErrorIs(t, s.CompletePurchase(ctx, "p1", "ext-10", "", 0, ""), ErrNotFound)

	// Only pending rows hold the key; a new attempt may be inserted once the
	// first is terminal (the duplicate window is enforced above storage).
	err = s.CreatePendingPurchase(ctx, &Purchase{
		ID: "p2", UserID: 1, Product: "stars", Price: 50_000, IdemKey: "key-1",
	}, nil)
	require.NoError(t, err)
}

func TestFailAndRefundPurchase(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.GetOrCreateWallet(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.CreditWallet(ctx, 1, 100_000, true))

	ok, err := s.DebitWallet(ctx, 1, 50_000)
	require.NoError(t, err)
	require.True(t, ok)

	seedPurchase(t, s, "p1", "key-1")

	refunded, err := s.FailAndRefundPurchase(ctx, "p1", "rejected: upstream", &LedgerTransaction{
		ID: "refund-1", Status: "completed",
	})
	require.NoError(t, err)
	require.True(t, refunded)

	w, err := s.GetWallet(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(100_000), w.Balance)

	p, err := s.GetPurchase(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, PurchaseFailed, p.Status)
	require.Equal(t, "rejected: upstream", p.FailReason)

	// Exactly one refund row for the failed purchase.
	txs, err := s.ListTransactions(ctx, 1, 10)
	require.NoError(t, err)
	refunds := 0
	for _, tx := range txs {
		if tx.Type == TxRefund {
			refunds++
			require.Equal(t, int64(50_000), tx.Amount)
		}
	}
	require.Equal(t, 1, refunds)
}

// TestFailAndRefundPurchaseReplay replays the compensation path: the second
// call must be a no-op, not a second credit.
func TestFailAndRefundPurchaseReplay(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.GetOrCreateWallet(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.CreditWallet(ctx, 1, 100_000, true))

	ok, err := s.DebitWallet(ctx, 1, 50_000)
	require.NoError(t, err)
	require.True(t, ok)

	seedPurchase(t, s, "p1", "key-1")

	refunded, err := s.FailAndRefundPurchase(ctx, "p1", "first", &LedgerTransaction{ID: "refund-1", Status: "completed"})
	require.NoError(t, err)
	require.True(t, refunded)

	refunded, err = s.FailAndRefundPurchase(ctx, "p1", "second", &LedgerTransaction{ID: "refund-2", Status: "completed"})
	require.NoError(t, err)
	require.False(t, refunded)

	w, err := s.GetWallet(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int64(100_000), w.Balance)
}

func TestFailAndRefundPurchaseMissing(t *testing.T) {
	s := newTestStorage(t)

	_, err := s.FailAndRefundPurchase(context.Background(), "nope", "x", nil)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindPurchaseByIdemKey(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	_, err := s.FindPurchaseByIdemKey(ctx, "key-1")
	require.ErrorIs(t, err, ErrNotFound)

	seedPurchase(t, s, "p1", "key-1")

	p, err := s.FindPurchaseByIdemKey(ctx, "key-1")
	require.NoError(t, err)
	require.Equal(t, "p1", p.ID)

	// Failed purchases do not answer duplicate checks.
	_, err = s.FailAndRefundPurchase(ctx, "p1", "x", nil)
	require.NoError(t, err)
	_, err = s.FindPurchaseByIdemKey(ctx, "key-1")
	require.ErrorIs(t, err, ErrNotFound)
}
