package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nullpaw/fragment-shop/internal/alert"
	"github.com/nullpaw/fragment-shop/internal/storage"
)

// exhaustionThreshold is how many consecutive cycles with every capability
// failing raise an operator alert.
const exhaustionThreshold = 3

// Validator exercises the marketplace's purchase-adjacent read endpoints
// with a candidate set.
type Validator interface {
	ValidateUserLookup(ctx context.Context, creds Set, probe string) error
	ValidatePriceLookup(ctx context.Context, creds Set) error
	ValidatePremiumLookup(ctx context.Context, creds Set, probe string) error
}

// Scheduler keeps the fulfillment client authenticated: every interval it
// rotates the session through the browser, validates the result and
// publishes it as current. A failed cycle leaves the previous set current;
// stale-but-valid beats no credentials.
type Scheduler struct {
	store     *storage.Storage
	acquirer  Acquirer
	validator Validator
	alerts    alert.Notifier
	interval  time.Duration
	seed      Set
	probe     string
	log       *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	failStreak int
}

// NewScheduler creates a new credential refresh scheduler
func NewScheduler(store *storage.Storage, acquirer Acquirer, validator Validator, alerts alert.Notifier, interval time.Duration, seed Set, probe string, log *slog.Logger) *Scheduler {
	return &Scheduler{
		store:     store,
		acquirer:  acquirer,
		validator: validator,
		alerts:    alerts,
		interval:  interval,
		seed:      seed,
		probe:     probe,
		log:       log,
	}
}

// Start launches the refresh loop. Starting an already-running scheduler is
// a no-op; there is exactly one loop per process.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})

	go s.loop(loopCtx)

	s.log.Info("credential scheduler started", "interval", s.interval)
}

// Stop halts the loop and waits for the in-flight cycle. Idempotent, and the
// scheduler may be started again afterwards; the acquirer stays open, its
// owner releases it.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.log.Info("credential scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	// First cycle immediately so a cold start does not wait a full interval.
	s.refresh(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.refresh(ctx)
		}
	}
}

// refresh runs one rotation cycle.
func (s *Scheduler) refresh(ctx context.Context) {
	start := time.Now()

	seed := s.seed
	if cur, err := s.store.CurrentCredentialSet(ctx); err == nil {
		if decoded, derr := fromRecord(cur); derr == nil {
			seed = decoded
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		s.log.Error("load current credentials", "error", err)
	}

	newSet, err := s.acquirer.Acquire(ctx, seed)
	if err != nil {
		// Previous set stays current.
		s.log.Error("acquire credentials", "error", err)
		s.appendLog(ctx, &storage.RefreshLogEntry{
			Status:     storage.RefreshFailed,
			Error:      err.Error(),
			DurationMS: time.Since(start).Milliseconds(),
		})
		s.recordFailure(ctx, false, false, false)
		return
	}

	checks := map[Capability]bool{
		CapUserLookup:    s.validator.ValidateUserLookup(ctx, newSet, s.probe) == nil,
		CapPriceLookup:   s.validator.ValidatePriceLookup(ctx, newSet) == nil,
		CapPremiumLookup: s.validator.ValidatePremiumLookup(ctx, newSet, s.probe) == nil,
	}
	newSet.Checks = checks
	newSet.LastValidatedAt = time.Now()

	// Partial validation failure does not block activation: individual
	// upstream calls are independently fallible regardless of the last
	// validation result.
	rec, err := toRecord(newSet)
	if err != nil {
		s.log.Error("encode credential set", "error", err)
		return
	}
	if err := s.store.ActivateCredentialSet(ctx, rec); err != nil {
		s.log.Error("activate credential set", "error", err)
		s.appendLog(ctx, &storage.RefreshLogEntry{
			Status:     storage.RefreshFailed,
			Error:      err.Error(),
			DurationMS: time.Since(start).Milliseconds(),
		})
		return
	}

	status := storage.RefreshSuccess
	if !checks[CapUserLookup] || !checks[CapPriceLookup] || !checks[CapPremiumLookup] {
		status = storage.RefreshPartial
	}
	s.appendLog(ctx, &storage.RefreshLogEntry{
		Status:          status,
		UserLookupOK:    checks[CapUserLookup],
		PriceLookupOK:   checks[CapPriceLookup],
		PremiumLookupOK: checks[CapPremiumLookup],
		DurationMS:      time.Since(start).Milliseconds(),
	})

	s.recordFailure(ctx, checks[CapUserLookup], checks[CapPriceLookup], checks[CapPremiumLookup])

	s.log.Info("credential set refreshed",
		"status", status,
		"user_lookup", checks[CapUserLookup],
		"price_lookup", checks[CapPriceLookup],
		"premium_lookup", checks[CapPremiumLookup],
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

func (s *Scheduler) appendLog(ctx context.Context, entry *storage.RefreshLogEntry) {
	if err := s.store.AppendRefreshLog(ctx, entry); err != nil {
		s.log.Error("append refresh log", "error", err)
	}
}

// recordFailure tracks consecutive fully-failed cycles. The scheduler keeps
// running; exhaustion is an operator problem, not a reason to halt.
func (s *Scheduler) recordFailure(ctx context.Context, userOK, priceOK, premiumOK bool) {
	if userOK || priceOK || premiumOK {
		s.failStreak = 0
		return
	}

	s.failStreak++
	if s.failStreak == exhaustionThreshold {
		s.alerts.Notify(ctx, fmt.Sprintf(
			"credential exhaustion: all marketplace capability checks failed for %d consecutive cycles",
			s.failStreak,
		))
	}
}
