package purchase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nullpaw/fragment-shop/internal/alert"
	"github.com/nullpaw/fragment-shop/internal/credentials"
	"github.com/nullpaw/fragment-shop/internal/fragment"
	"github.com/nullpaw/fragment-shop/internal/settlement"
	"github.com/nullpaw/fragment-shop/internal/storage"
	"github.com/nullpaw/fragment-shop/internal/wallet"
)

// Fulfiller is the upstream marketplace purchase surface.
type Fulfiller interface {
	BuyNumber(ctx context.Context, req fragment.BuyNumberRequest, creds credentials.Set) (*fragment.Result, error)
	BuyStars(ctx context.Context, req fragment.BuyStarsRequest, creds credentials.Set) (*fragment.Result, error)
	BuyPremium(ctx context.Context, req fragment.BuyPremiumRequest, creds credentials.Set) (*fragment.Result, error)
}

// Settler submits the on-chain settlement transfer.
type Settler interface {
	Confirm(ctx context.Context, instr settlement.Instruction) error
}

// Orchestrator sequences one purchase: duplicate check, debit, fulfillment,
// settlement, then commit or compensate. The wallet debit always happens
// before any externally irreversible action, so compensation is always a
// pure-local refund.
type Orchestrator struct {
	store     *storage.Storage
	ledger    *wallet.Ledger
	fulfiller Fulfiller
	settler   Settler
	creds     credentials.Provider
	alerts    alert.Notifier
	dupWindow time.Duration
	log       *slog.Logger
}

// NewOrchestrator creates a new purchase orchestrator
func NewOrchestrator(store *storage.Storage, ledger *wallet.Ledger, fulfiller Fulfiller, settler Settler, creds credentials.Provider, alerts alert.Notifier, dupWindow time.Duration, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		ledger:    ledger,
		fulfiller: fulfiller,
		settler:   settler,
		creds:     creds,
		alerts:    alerts,
		dupWindow: dupWindow,
		log:       log,
	}
}

// Purchase runs the state machine to a terminal state. Once the debit has
// been applied there is no cancellable window: every path ends in a
// completed purchase or a refunded failed one.
func (o *Orchestrator) Purchase(ctx context.Context, req Request) (*Receipt, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	key := req.IdemKey()

	// Duplicate check. A pending twin is in flight; a completed twin inside
	// the window answers for this request with no new debit.
	if prev, err := o.store.FindPurchaseByIdemKey(ctx, key); err == nil {
		switch {
		case prev.Status == storage.PurchasePending:
			return nil, ErrInProgress
		case prev.Status == storage.PurchaseCompleted && time.Since(prev.CreatedAt) < o.dupWindow:
			return receiptFrom(prev, true), nil
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if _, err := o.ledger.GetOrCreate(ctx, req.UserID); err != nil {
		return nil, err
	}

	// Reserve: atomic conditional debit. A false return is the expected
	// insufficient-balance outcome; no rows exist yet on this path.
	ok, err := o.ledger.Debit(ctx, req.UserID, req.Price)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrInsufficientBalance
	}

	// The debit is committed: from here the request must reach a terminal
	// state even if the caller disconnects or times out. The upstream client
	// carries its own timeout, so the detached context cannot hang forever.
	ctx = context.WithoutCancel(ctx)

	// Create the pending purchase and its debit ledger row in one local
	// transaction, committed before the blocking upstream call.
	p := &storage.Purchase{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Product:   string(req.Product),
		Recipient: req.Recipient,
		Country:   req.Country,
		Quantity:  req.Quantity,
		Months:    req.Months,
		Price:     req.Price,
		IdemKey:   key,
	}
	if err := o.store.CreatePendingPurchase(ctx, p, o.debitTx(req)); err != nil {
		// The debit has been taken; give it back before reporting.
		if crediterr := o.ledger.Credit(ctx, req.UserID, req.Price); crediterr != nil {
			o.compensationFailure(ctx, req.UserID, p.ID, req.Price, crediterr)
			return nil, crediterr
		}
		// The rollback dropped the debit's ledger row but the balance moved
		// twice; record the pair so every movement stays visible.
		o.recordReversal(ctx, p.ID, req)
		if errors.Is(err, storage.ErrAlreadyExists) {
			// Lost the race against a concurrent identical request.
			return nil, ErrInProgress
		}
		return nil, err
	}

	log := o.log.With("purchase_id", p.ID, "user_id", req.UserID, "product", req.Product, "price", req.Price)
	log.Info("purchase reserved")

	creds, err := o.creds.Current(ctx)
	if err != nil {
		return nil, o.refund(ctx, p, "no marketplace credentials: "+err.Error(),
			&TransientError{Cause: "credentials unavailable"})
	}

	result, err := o.fulfill(ctx, req, creds)
	if err != nil {
		return nil, o.refund(ctx, p, "fulfillment call: "+err.Error(),
			&TransientError{Cause: err.Error()})
	}

	switch result.Outcome {
	case fragment.OutcomeRejected:
		if result.Reason == fragment.ReasonAuth {
			// Request-time retry cannot fix dead credentials; the refresh
			// scheduler is the mitigation.
			o.alerts.Notify(ctx, fmt.Sprintf("marketplace auth failure on purchase %s (user %d)", p.ID, req.UserID))
		}
		log.Warn("fulfillment rejected", "reason", result.Reason, "status", result.HTTPStatus)
		return nil, o.refund(ctx, p, "rejected: "+result.Reason,
			&RejectedError{Reason: result.Reason, Message: result.Message})

	case fragment.OutcomeIndeterminate:
		log.Warn("fulfillment indeterminate", "status", result.HTTPStatus)
		return nil, o.refund(ctx, p, "indeterminate upstream outcome",
			&TransientError{Cause: "upstream outcome unknown"})
	}

	// Accepted without a settlement instruction is a contract breach by the
	// fulfiller; a purchase can never complete without one.
	if len(result.Instructions) == 0 {
		log.Warn("fulfillment accepted without settlement instructions")
		return nil, o.refund(ctx, p, "accepted without settlement instructions",
			&RejectedError{Reason: fragment.ReasonNoSettlement, Message: "no settlement instructions"})
	}
	instr := result.Instructions[0]

	if req.needsSettlement() {
		err := o.settler.Confirm(ctx, settlement.Instruction{
			Address: instr.Address,
			Amount:  instr.Amount,
			Payload: instr.Payload,
		})
		if err != nil {
			if errors.Is(err, settlement.ErrChainBalance) {
				o.alerts.Notify(ctx, fmt.Sprintf("settlement wallet underfunded: purchase %s needs %d nanoTON", p.ID, instr.Amount))
			}
			log.Error("settlement failed", "error", err)
			return nil, o.refund(ctx, p, "settlement: "+err.Error(),
				&TransientError{Cause: "settlement submission failed"})
		}
	}

	if err := o.store.CompletePurchase(ctx, p.ID, result.ExternalTxID, instr.Address, instr.Amount, instr.Payload); err != nil {
		log.Error("mark purchase completed", "error", err)
		return nil, err
	}

	log.Info("purchase completed", "external_tx_id", result.ExternalTxID)

	return &Receipt{
		PurchaseID:   p.ID,
		Status:       storage.PurchaseCompleted,
		Instructions: result.Instructions,
	}, nil
}

// Get returns the purchase for status polling.
func (o *Orchestrator) Get(ctx context.Context, id string) (*storage.Purchase, error) {
	return o.store.GetPurchase(ctx, id)
}

func (o *Orchestrator) fulfill(ctx context.Context, req Request, creds credentials.Set) (*fragment.Result, error) {
	switch req.Product {
	case ProductNumber:
		return o.fulfiller.BuyNumber(ctx, fragment.BuyNumberRequest{
			Country: req.Country,
			Price:   req.Price,
		}, creds)
	case ProductStars:
		return o.fulfiller.BuyStars(ctx, fragment.BuyStarsRequest{
			Recipient: req.Recipient,
			Quantity:  req.Quantity,
			Price:     req.Price,
		}, creds)
	default:
		return o.fulfiller.BuyPremium(ctx, fragment.BuyPremiumRequest{
			Recipient: req.Recipient,
			Months:    req.Months,
			Price:     req.Price,
		}, creds)
	}
}

// refund runs the compensation path: mark failed and credit the debit back,
// guarded by the pending->failed transition so a replay cannot double-credit.
// Returns outcome so callers can `return nil, o.refund(...)`.
func (o *Orchestrator) refund(ctx context.Context, p *storage.Purchase, cause string, outcome error) error {
	refundTx := &storage.LedgerTransaction{
		ID:          uuid.NewString(),
		UserID:      p.UserID,
		Type:        storage.TxRefund,
		Amount:      p.Price,
		Status:      "completed",
		Description: "refund: " + cause,
		Metadata:    fmt.Sprintf(`{"purchase_id":%q}`, p.ID),
	}

	refunded, err := o.store.FailAndRefundPurchase(ctx, p.ID, cause, refundTx)
	if err != nil {
		o.compensationFailure(ctx, p.UserID, p.ID, p.Price, err)
		return err
	}
	if refunded {
		o.log.Info("purchase refunded",
			"purchase_id", p.ID,
			"user_id", p.UserID,
			"amount", p.Price,
			"cause", cause,
		)
	}
	return outcome
}

// recordReversal appends the debit/refund ledger pair for a reservation that
// was aborted before its purchase row committed. Best effort: the balance is
// already correct, these rows only keep the audit trail complete.
func (o *Orchestrator) recordReversal(ctx context.Context, purchaseID string, req Request) {
	refund := &storage.LedgerTransaction{
		ID:          uuid.NewString(),
		UserID:      req.UserID,
		Type:        storage.TxRefund,
		Amount:      req.Price,
		Status:      "completed",
		Description: "refund: reservation aborted",
		Metadata:    fmt.Sprintf(`{"purchase_id":%q}`, purchaseID),
	}
	for _, tx := range []*storage.LedgerTransaction{o.debitTx(req), refund} {
		if err := o.store.RecordTransaction(ctx, tx); err != nil {
			o.log.Error("record reversal transaction", "user_id", req.UserID, "type", tx.Type, "error", err)
		}
	}
}

// compensationFailure is the one fatal-and-alertable class: money debited
// with no good delivered and no refund applied.
func (o *Orchestrator) compensationFailure(ctx context.Context, userID int64, purchaseID string, amount int64, err error) {
	o.log.Error("refund failed, wallet debit left unreturned",
		"purchase_id", purchaseID,
		"user_id", userID,
		"amount", amount,
		"error", err,
	)
	o.alerts.Notify(ctx, fmt.Sprintf(
		"COMPENSATION FAILURE: user %d debited %d nanoTON for purchase %s, refund failed: %v",
		userID, amount, purchaseID, err,
	))
}

func (o *Orchestrator) debitTx(req Request) *storage.LedgerTransaction {
	meta, _ := json.Marshal(map[string]interface{}{
		"product":   req.Product,
		"recipient": req.Recipient,
		"country":   req.Country,
		"quantity":  req.Quantity,
		"months":    req.Months,
	})
	return &storage.LedgerTransaction{
		ID:            uuid.NewString(),
		UserID:        req.UserID,
		Type:          storage.TxPurchase,
		Amount:        req.Price,
		Status:        "completed",
		PaymentMethod: "wallet",
		Description:   fmt.Sprintf("purchase %s", req.Product),
		Metadata:      string(meta),
	}
}

func receiptFrom(p *storage.Purchase, duplicate bool) *Receipt {
	r := &Receipt{
		PurchaseID: p.ID,
		Status:     p.Status,
		Duplicate:  duplicate,
	}
	if p.SettleAddress != "" {
		r.Instructions = []fragment.SettlementInstruction{{
			Address: p.SettleAddress,
			Amount:  p.SettleAmount,
			Payload: p.SettlePayload,
		}}
	}
	return r
}
