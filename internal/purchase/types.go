package purchase

import (
	"errors"
	"fmt"
	"strings"

	"github.com/nullpaw/fragment-shop/internal/fragment"
)

// Product types
type Product string

const (
	ProductNumber  Product = "number"
	ProductStars   Product = "stars"
	ProductPremium Product = "premium"
)

// Business rejections surfaced to the caller as typed outcomes.
var (
	ErrInvalidRequest      = errors.New("invalid purchase request")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInProgress          = errors.New("purchase already in progress")
)

// RejectedError means the upstream marketplace explicitly refused.
type RejectedError struct {
	Reason  string
	Message string
}

func (e *RejectedError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("purchase rejected (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("purchase rejected (%s)", e.Reason)
}

// TransientError means the outcome was indeterminate; the caller may retry
// with a fresh request.
type TransientError struct {
	Cause string
}

func (e *TransientError) Error() string {
	return "purchase failed transiently: " + e.Cause
}

// Request is one purchase attempt. Price is the quoted price in nanoTON and
// is treated as authoritative; RequestID is an optional client-supplied
// idempotency key.
type Request struct {
	Product   Product
	UserID    int64
	Recipient string // stars, premium
	Country   string // number
	Quantity  int    // stars
	Months    int    // premium
	Price     int64
	RequestID string
}

// Validate checks the product-specific payload.
func (r Request) Validate() error {
	if r.UserID <= 0 || r.Price <= 0 {
		return ErrInvalidRequest
	}
	switch r.Product {
	case ProductNumber:
		if r.Country == "" {
			return ErrInvalidRequest
		}
	case ProductStars:
		if r.Recipient == "" || r.Quantity <= 0 {
			return ErrInvalidRequest
		}
	case ProductPremium:
		if r.Recipient == "" || r.Months <= 0 {
			return ErrInvalidRequest
		}
	default:
		return ErrInvalidRequest
	}
	return nil
}

// IdemKey derives the idempotency key: the client request id when supplied,
// otherwise the logical request tuple.
func (r Request) IdemKey() string {
	if r.RequestID != "" {
		return fmt.Sprintf("req:%d:%s", r.UserID, r.RequestID)
	}
	return strings.Join([]string{
		fmt.Sprintf("%d", r.UserID),
		string(r.Product),
		r.Recipient,
		r.Country,
		fmt.Sprintf("%d", r.Quantity),
		fmt.Sprintf("%d", r.Months),
		fmt.Sprintf("%d", r.Price),
	}, ":")
}

// needsSettlement reports whether the product requires an on-chain transfer
// before the marketplace fulfills. Numbers are paid purely from the wallet.
func (r Request) needsSettlement() bool {
	return r.Product == ProductStars || r.Product == ProductPremium
}

// Receipt is the caller-visible result of a purchase.
type Receipt struct {
	PurchaseID   string
	Status       string
	Duplicate    bool
	Instructions []fragment.SettlementInstruction
}
