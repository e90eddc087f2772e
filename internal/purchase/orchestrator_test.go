package purchase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nullpaw/fragment-shop/internal/credentials"
	"github.com/nullpaw/fragment-shop/internal/fragment"
	"github.com/nullpaw/fragment-shop/internal/settlement"
	"github.com/nullpaw/fragment-shop/internal/storage"
	"github.com/nullpaw/fragment-shop/internal/wallet"
)

type fakeFulfiller struct {
	mu     sync.Mutex
	result *fragment.Result
	err    error
	hook   func(ctx context.Context) error
	calls  int
}

func (f *fakeFulfiller) respond(ctx context.Context) (*fragment.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.hook != nil {
		if err := f.hook(ctx); err != nil {
			return nil, err
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeFulfiller) BuyNumber(ctx context.Context, req fragment.BuyNumberRequest, creds credentials.Set) (*fragment.Result, error) {
	return f.respond(ctx)
}

func (f *fakeFulfiller) BuyStars(ctx context.Context, req fragment.BuyStarsRequest, creds credentials.Set) (*fragment.Result, error) {
	return f.respond(ctx)
}

func (f *fakeFulfiller) BuyPremium(ctx context.Context, req fragment.BuyPremiumRequest, creds credentials.Set) (*fragment.Result, error) {
	return f.respond(ctx)
}

type fakeSettler struct {
	mu    sync.Mutex
	err   error
	calls []settlement.Instruction
}

func (f *fakeSettler) Confirm(ctx context.Context, instr settlement.Instruction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, instr)
	return f.err
}

type fakeProvider struct {
	set credentials.Set
	err error
}

func (f *fakeProvider) Current(ctx context.Context) (credentials.Set, error) {
	return f.set, f.err
}

type fakeNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakeNotifier) Notify(ctx context.Context, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, text)
}

type fixture struct {
	orch      *Orchestrator
	store     *storage.Storage
	ledger    *wallet.Ledger
	fulfiller *fakeFulfiller
	settler   *fakeSettler
	notifier  *fakeNotifier
}

func accepted() *fragment.Result {
	return &fragment.Result{
		Outcome:      fragment.OutcomeAccepted,
		ExternalTxID: "ext-1",
		Instructions: []fragment.SettlementInstruction{{Address: "0:abc", Amount: 49_000, Payload: "tag"}},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := wallet.NewLedger(store, log)
	fulfiller := &fakeFulfiller{result: accepted()}
	settler := &fakeSettler{}
	notifier := &fakeNotifier{}
	provider := &fakeProvider{set: credentials.Set{Cookies: []credentials.Cookie{{Name: "s", Value: "v"}}}}

	orch := NewOrchestrator(store, ledger, fulfiller, settler, provider, notifier, 5*time.Minute, log)
	return &fixture{orch: orch, store: store, ledger: ledger, fulfiller: fulfiller, settler: settler, notifier: notifier}
}

func starsRequest() Request {
	return Request{
		Product:   ProductStars,
		UserID:    1,
		Recipient: "alice",
		Quantity:  50,
		Price:     50_000,
	}
}

func (f *fixture) fund(t *testing.T, userID, amount int64) {
	t.Helper()
	require.NoError(t, f.ledger.Deposit(context.Background(), userID, amount, "test"))
}

func (f *fixture) balance(t *testing.T, userID int64) int64 {
	t.Helper()
	balance, err := f.ledger.Balance(context.Background(), userID)
	require.NoError(t, err)
	return balance
}

func TestPurchaseCompleted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 1, 100_000)

	receipt, err := f.orch.Purchase(ctx, starsRequest())
	require.NoError(t, err)
	require.Equal(t, storage.PurchaseCompleted, receipt.Status)
	require.Len(t, receipt.Instructions, 1)

	// The debit is final.
	require.Equal(t, int64(50_000), f.balance(t, 1))

	// Settlement was submitted with the upstream's instruction.
	require.Len(t, f.settler.calls, 1)
	require.Equal(t, "0:abc", f.settler.calls[0].Address)
	require.Equal(t, int64(49_000), f.settler.calls[0].Amount)

	p, err := f.store.GetPurchase(ctx, receipt.PurchaseID)
	require.NoError(t, err)
	require.Equal(t, storage.PurchaseCompleted, p.Status)
	require.Equal(t, "ext-1", p.ExternalTxID)
	require.Equal(t, "0:abc", p.SettleAddress)
}

func TestPurchaseInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 1, 10_000)

	_, err := f.orch.Purchase(ctx, starsRequest())
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// No purchase row, no upstream call, balance untouched.
	require.Equal(t, int64(10_000), f.balance(t, 1))
	require.Equal(t, 0, f.fulfiller.calls)
	_, err = f.store.FindPurchaseByIdemKey(ctx, starsRequest().IdemKey())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPurchaseRejectedRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 1, 100_000)
	f.fulfiller.result = &fragment.Result{
		Outcome:    fragment.OutcomeRejected,
		Reason:     fragment.ReasonUpstream,
		Message:    "out of stock",
		HTTPStatus: 400,
	}

	_, err := f.orch.Purchase(ctx, starsRequest())
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, fragment.ReasonUpstream, rejected.Reason)

	// Refund restored the balance; purchase is failed with one refund row.
	require.Equal(t, int64(100_000), f.balance(t, 1))

	txs, err := f.store.ListTransactions(ctx, 1, 20)
	require.NoError(t, err)
	refunds := 0
	for _, tx := range txs {
		if tx.Type == storage.TxRefund {
			refunds++
		}
	}
	require.Equal(t, 1, refunds)
	require.Empty(t, f.settler.calls)
}

func TestPurchaseIndeterminateRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 1, 100_000)
	f.fulfiller.result = &fragment.Result{Outcome: fragment.OutcomeIndeterminate}

	_, err := f.orch.Purchase(ctx, starsRequest())
	var transient *TransientError
	require.ErrorAs(t, err, &transient)

	require.Equal(t, int64(100_000), f.balance(t, 1))
}

func TestPurchaseAuthRejectionAlerts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 1, 100_000)
	f.fulfiller.result = &fragment.Result{
		Outcome:    fragment.OutcomeRejected,
		Reason:     fragment.ReasonAuth,
		HTTPStatus: 401,
	}

	_, err := f.orch.Purchase(ctx, starsRequest())
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)

	require.Equal(t, int64(100_000), f.balance(t, 1))
	require.Len(t, f.notifier.texts, 1)
	require.Contains(t, f.notifier.texts[0], "auth failure")
}

func TestPurchaseSettlementFailureRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 1, 100_000)
	f.settler.err = settlement.ErrChainBalance

	_, err := f.orch.Purchase(ctx, starsRequest())
	var transient *TransientError
	require.ErrorAs(t, err, &transient)

	require.Equal(t, int64(100_000), f.balance(t, 1))
	require.Len(t, f.notifier.texts, 1)
	require.Contains(t, f.notifier.texts[0], "underfunded")

	_, err = f.store.FindPurchaseByIdemKey(ctx, starsRequest().IdemKey())
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPurchaseAcceptedWithoutInstructionsRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 1, 100_000)
	f.fulfiller.result = &fragment.Result{Outcome: fragment.OutcomeAccepted, ExternalTxID: "ext-1"}

	_, err := f.orch.Purchase(ctx, starsRequest())
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, fragment.ReasonNoSettlement, rejected.Reason)

	// The contract breach never reaches settlement or completion.
	require.Equal(t, int64(100_000), f.balance(t, 1))
	require.Empty(t, f.settler.calls)
}

// TestPurchaseSurvivesCallerCancellation: once the debit is applied, a caller
// disconnect mid-fulfillment must not stop the purchase from completing.
func TestPurchaseSurvivesCallerCancellation(t *testing.T) {
	f := newFixture(t)
	callerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.fund(t, 1, 100_000)

	f.fulfiller.hook = func(ctx context.Context) error {
		cancel()
		// The upstream call runs detached from the caller.
		return ctx.Err()
	}

	receipt, err := f.orch.Purchase(callerCtx, starsRequest())
	require.NoError(t, err)
	require.Equal(t, storage.PurchaseCompleted, receipt.Status)
	require.Equal(t, int64(50_000), f.balance(t, 1))
}

// TestPurchaseRefundsAfterCallerGone: a fulfillment failure after the caller
// has disconnected still refunds, and the idem key is released for a retry.
func TestPurchaseRefundsAfterCallerGone(t *testing.T) {
	f := newFixture(t)
	callerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.fund(t, 1, 100_000)

	f.fulfiller.hook = func(ctx context.Context) error {
		cancel()
		return errors.New("connection reset")
	}

	_, err := f.orch.Purchase(callerCtx, starsRequest())
	var transient *TransientError
	require.ErrorAs(t, err, &transient)

	// No money held, no pending row left behind.
	require.Equal(t, int64(100_000), f.balance(t, 1))
	_, err = f.store.FindPurchaseByIdemKey(context.Background(), starsRequest().IdemKey())
	require.ErrorIs(t, err, storage.ErrNotFound)

	// The same logical request goes through on retry.
	f.fulfiller.hook = nil
	receipt, err := f.orch.Purchase(context.Background(), starsRequest())
	require.NoError(t, err)
	require.Equal(t, storage.PurchaseCompleted, receipt.Status)
}

func TestPurchaseNumberSkipsSettlement(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 1, 2_000_000)

	receipt, err := f.orch.Purchase(ctx, Request{
		Product: ProductNumber,
		UserID:  1,
		Country: "US",
		Price:   1_000_000,
	})
	require.NoError(t, err)
	require.Equal(t, storage.PurchaseCompleted, receipt.Status)

	// Numbers are paid purely from the wallet.
	require.Empty(t, f.settler.calls)
}

func TestPurchaseDuplicateReturnsFirstReceipt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 1, 200_000)

	first, err := f.orch.Purchase(ctx, starsRequest())
	require.NoError(t, err)

	second, err := f.orch.Purchase(ctx, starsRequest())
	require.NoError(t, err)
	require.True(t, second.Duplicate)
	require.Equal(t, first.PurchaseID, second.PurchaseID)

	// Exactly one debit happened.
	require.Equal(t, int64(150_000), f.balance(t, 1))
	require.Equal(t, 1, f.fulfiller.calls)
}

func TestPurchasePendingDuplicateRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 1, 200_000)

	// A pending twin occupies the key (simulates an in-flight request).
	req := starsRequest()
	require.NoError(t, f.store.CreatePendingPurchase(ctx, &storage.Purchase{
		ID: "inflight", UserID: 1, Product: "stars", Price: 50_000, IdemKey: req.IdemKey(),
	}, nil))

	_, err := f.orch.Purchase(ctx, req)
	require.ErrorIs(t, err, ErrInProgress)

	// No debit for the rejected request.
	require.Equal(t, int64(200_000), f.balance(t, 1))
	require.Equal(t, 0, f.fulfiller.calls)
}

func TestPurchaseFailedDuplicateMayRetry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 1, 100_000)

	f.fulfiller.result = &fragment.Result{Outcome: fragment.OutcomeRejected, Reason: fragment.ReasonUpstream}
	_, err := f.orch.Purchase(ctx, starsRequest())
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)

	// After compensation the same logical request may be retried.
	f.fulfiller.result = accepted()
	receipt, err := f.orch.Purchase(ctx, starsRequest())
	require.NoError(t, err)
	require.Equal(t, storage.PurchaseCompleted, receipt.Status)
	require.Equal(t, int64(50_000), f.balance(t, 1))
}

func TestPurchaseNoCredentialsRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 1, 100_000)

	f.orch.creds = &fakeProvider{err: credentials.ErrNoCredentials}

	_, err := f.orch.Purchase(ctx, starsRequest())
	var transient *TransientError
	require.ErrorAs(t, err, &transient)

	require.Equal(t, int64(100_000), f.balance(t, 1))
	require.Equal(t, 0, f.fulfiller.calls)
}

func TestPurchaseFulfillerErrorRefunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 1, 100_000)
	f.fulfiller.err = errors.New("marshal body")

	_, err := f.orch.Purchase(ctx, starsRequest())
	var transient *TransientError
	require.ErrorAs(t, err, &transient)

	require.Equal(t, int64(100_000), f.balance(t, 1))
}

func TestPurchaseInvalidRequest(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  Request
	}{
		{name: "unknown product", req: Request{Product: "gems", UserID: 1, Price: 10}},
		{name: "zero price", req: Request{Product: ProductStars, UserID: 1, Recipient: "a", Quantity: 1}},
		{name: "stars without recipient", req: Request{Product: ProductStars, UserID: 1, Quantity: 1, Price: 10}},
		{name: "number without country", req: Request{Product: ProductNumber, UserID: 1, Price: 10}},
		{name: "premium without months", req: Request{Product: ProductPremium, UserID: 1, Recipient: "a", Price: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Purchase(context.Background(), tt.req)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

// TestPurchaseConcurrentIdentical races two identical requests: at most one
// may debit and complete; the other must see the duplicate or in-progress
// outcome, never a second debit.
func TestPurchaseConcurrentIdentical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, 1, 200_000)

	var wg sync.WaitGroup
	results := make([]error, 2)
	receipts := make([]*Receipt, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			receipts[i], results[i] = f.orch.Purchase(ctx, starsRequest())
		}(i)
	}
	wg.Wait()

	debits := 0
	for i := range results {
		if results[i] == nil {
			require.Equal(t, storage.PurchaseCompleted, receipts[i].Status)
			if !receipts[i].Duplicate {
				debits++
			}
		} else {
			require.ErrorIs(t, results[i], ErrInProgress)
		}
	}
	require.GreaterOrEqual(t, debits, 1)

	// Every debit kept corresponds to a completed purchase; the loser of the
	// insert race was credited back.
	require.Equal(t, int64(200_000-50_000*int64(debits)), f.balance(t, 1))

	// The ledger accounts for every balance movement, including the loser's
	// aborted reservation and its reversal.
	txs, err := f.store.ListTransactions(ctx, 1, 100)
	require.NoError(t, err)
	var net int64
	for _, tx := range txs {
		switch tx.Type {
		case storage.TxCharge, storage.TxRefund:
			net += tx.Amount
		case storage.TxPurchase:
			net -= tx.Amount
		}
	}
	require.Equal(t, f.balance(t, 1), net)
}

func TestRequestIdemKey(t *testing.T) {
	a := starsRequest()
	b := starsRequest()
	require.Equal(t, a.IdemKey(), b.IdemKey())

	b.Price = 60_000
	require.NotEqual(t, a.IdemKey(), b.IdemKey())

	c := starsRequest()
	c.RequestID = "client-1"
	require.Equal(t, "req:1:client-1", c.IdemKey())
}
