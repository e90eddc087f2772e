package credentials

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nullpaw/fragment-shop/internal/storage"
)

// Capability names the marketplace read endpoints a set is validated against.
type Capability string

const (
	CapUserLookup    Capability = "user_lookup"
	CapPriceLookup   Capability = "price_lookup"
	CapPremiumLookup Capability = "premium_lookup"
)

// Cookie is one session name/value pair.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Set is the session material for the upstream marketplace. Order of cookies
// is preserved from capture.
type Set struct {
	Cookies         []Cookie
	CapturedAt      time.Time
	LastValidatedAt time.Time
	Checks          map[Capability]bool
}

// Get returns the value of a named cookie, or "".
func (s Set) Get(name string) string {
	for _, c := range s.Cookies {
		if c.Name == name {
			return c.Value
		}
	}
	return ""
}

// CookieHeader renders the set as a Cookie request header value.
func (s Set) CookieHeader() string {
	parts := make([]string, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

// Empty reports whether the set carries no session material.
func (s Set) Empty() bool {
	return len(s.Cookies) == 0
}

// ParseSeed parses "name=value;name2=value2" into a Set.
func ParseSeed(raw string) Set {
	var set Set
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			continue
		}
		set.Cookies = append(set.Cookies, Cookie{Name: name, Value: value})
	}
	return set
}

func toRecord(s Set) (*storage.CredentialSet, error) {
	data, err := json.Marshal(s.Cookies)
	if err != nil {
		return nil, err
	}
	return &storage.CredentialSet{
		Cookies:         string(data),
		CapturedAt:      s.CapturedAt,
		LastValidatedAt: s.LastValidatedAt,
		UserLookupOK:    s.Checks[CapUserLookup],
		PriceLookupOK:   s.Checks[CapPriceLookup],
		PremiumLookupOK: s.Checks[CapPremiumLookup],
	}, nil
}

func fromRecord(rec *storage.CredentialSet) (Set, error) {
	var cookies []Cookie
	if err := json.Unmarshal([]byte(rec.Cookies), &cookies); err != nil {
		return Set{}, err
	}
	return Set{
		Cookies:         cookies,
		CapturedAt:      rec.CapturedAt,
		LastValidatedAt: rec.LastValidatedAt,
		Checks: map[Capability]bool{
			CapUserLookup:    rec.UserLookupOK,
			CapPriceLookup:   rec.PriceLookupOK,
			CapPremiumLookup: rec.PremiumLookupOK,
		},
	}, nil
}
