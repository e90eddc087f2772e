package fragment

// Outcome is the normalized result class of an upstream purchase call.
type Outcome string

const (
	OutcomeAccepted      Outcome = "accepted"
	OutcomeRejected      Outcome = "rejected"
	OutcomeIndeterminate Outcome = "indeterminate"
)

// Reject reasons
const (
	ReasonAuth         = "auth"          // 401: credentials no longer valid upstream
	ReasonUpstream     = "upstream"      // marketplace explicitly refused
	ReasonNoSettlement = "no_settlement" // accepted shape but empty instruction list
)

// SettlementInstruction tells us where to send value on-chain before the
// marketplace fulfills. Amount is in nanoTON.
type SettlementInstruction struct {
	Address string `json:"address"`
	Amount  int64  `json:"amount"`
	Payload string `json:"payload"`
}

// Result is the normalized outcome of one purchase call.
type Result struct {
	Outcome      Outcome
	Reason       string
	Message      string
	HTTPStatus   int
	ExternalTxID string
	Instructions []SettlementInstruction
}

// BuyNumberRequest buys a virtual phone number for a country.
type BuyNumberRequest struct {
	Country string
	Price   int64
}

// BuyStarsRequest buys stars for a recipient username.
type BuyStarsRequest struct {
	Recipient string
	Quantity  int
	Price     int64
}

// BuyPremiumRequest gifts a premium subscription to a recipient username.
type BuyPremiumRequest struct {
	Recipient string
	Months    int
	Price     int64
}

// Recipient is a resolved marketplace recipient.
type Recipient struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
}

// purchaseResponse is the upstream envelope for buy endpoints.
type purchaseResponse struct {
	OK           bool                    `json:"ok"`
	ReqID        string                  `json:"req_id"`
	Error        string                  `json:"error"`
	Transactions []SettlementInstruction `json:"transactions"`
}

// recipientsResponse is the upstream envelope for recipient search.
type recipientsResponse struct {
	OK    bool        `json:"ok"`
	Error string      `json:"error"`
	Found []Recipient `json:"found"`
}

// priceResponse is the upstream envelope for price lookup.
type priceResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
	Price int64  `json:"price"`
}
