package storage

import "time"

// Wallet statuses
const (
	WalletActive    = "active"
	WalletSuspended = "suspended"
	WalletClosed    = "closed"
)

// Purchase statuses
const (
	PurchasePending   = "pending"
	PurchaseCompleted = "completed"
	PurchaseFailed    = "failed"
)

// Ledger transaction types
const (
	TxCharge   = "charge"
	TxPurchase = "purchase"
	TxRefund   = "refund"
	TxReward   = "reward"
)

// Refresh log statuses
const (
	RefreshSuccess = "success"
	RefreshPartial = "partial"
	RefreshFailed  = "failed"
)

// Wallet is a user's prepaid balance. Amounts are in nanoTON.
type Wallet struct {
	UserID         int64
	Balance        int64
	TotalDeposited int64
	TotalWithdrawn int64
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Purchase is one attempt to buy one unit of a product.
type Purchase struct {
	ID            string
	UserID        int64
	Product       string // number, stars, premium
	Recipient     string
	Country       string
	PhoneNumber   string
	Quantity      int
	Months        int
	Price         int64
	Status        string
	ExternalTxID  string
	SettleAddress string
	SettleAmount  int64
	SettlePayload string
	FailReason    string
	IdemKey       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// LedgerTransaction is an immutable audit record of one monetary movement.
type LedgerTransaction struct {
	ID            string
	UserID        int64
	Type          string
	Amount        int64
	Status        string
	PaymentMethod string
	Description   string
	Metadata      string // JSON
	CreatedAt     time.Time
}

// CredentialSet is one captured marketplace session, stored as a versioned row.
type CredentialSet struct {
	ID              int64
	Cookies         string // JSON array of {name,value}
	CapturedAt      time.Time
	LastValidatedAt time.Time
	UserLookupOK    bool
	PriceLookupOK   bool
	PremiumLookupOK bool
	IsActive        bool
}

// RefreshLogEntry records the outcome of one credential refresh cycle.
type RefreshLogEntry struct {
	ID              int64
	Status          string
	UserLookupOK    bool
	PriceLookupOK   bool
	PremiumLookupOK bool
	Error           string
	DurationMS      int64
	CreatedAt       time.Time
}
