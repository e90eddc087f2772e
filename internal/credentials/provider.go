package credentials

import (
	"context"
	"errors"

	"github.com/nullpaw/fragment-shop/internal/storage"
)

// ErrNoCredentials means no refresh cycle has produced a set yet.
var ErrNoCredentials = errors.New("no current credential set")

// Provider hands out whatever set is current at call time. The scheduler's
// replacement of the active row is transactional, so readers never observe a
// half-written set.
type Provider interface {
	Current(ctx context.Context) (Set, error)
}

// StoreProvider reads the active row from durable storage, so multiple
// service instances share one credential source.
type StoreProvider struct {
	store *storage.Storage
}

// NewStoreProvider creates a storage-backed provider
func NewStoreProvider(store *storage.Storage) *StoreProvider {
	return &StoreProvider{store: store}
}

func (p *StoreProvider) Current(ctx context.Context) (Set, error) {
	rec, err := p.store.CurrentCredentialSet(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Set{}, ErrNoCredentials
		}
		return Set{}, err
	}
	return fromRecord(rec)
}
