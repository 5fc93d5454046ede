// Package lockout implements the failed-attempt state machine shared by every
// credential type of an account.
//
// Each credential type has two states. OPEN lets attempts through to the hasher.
// LOCKED rejects them until blocked_until passes. MaxAttempts consecutive
// failures move OPEN to LOCKED. A success, or an explicit secret update, resets
// the counter and clears blocked_until.
package lockout

import (
	"account_service/internal/auth"
	"account_service/internal/models"
	"account_service/internal/storage"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/uuid"
)

// ErrContention is returned when the record kept changing under every retry.
var ErrContention = errors.New("too many concurrent updates")

type Store interface {
	GetAccountByID(ctx context.Context, id uuid.UUID) (*models.Account, error)
	SaveLockout(ctx context.Context, id uuid.UUID, ct models.CredentialType, state models.LockoutState, version int64) (int64, error)
}

type Config struct {
	MaxAttempts int
	Duration    time.Duration

	// MaxRetries bounds how often a transition is recomputed after losing a version race.
	MaxRetries int
}

type Guard struct {
	store  Store
	hasher auth.Hasher
	clock  auth.Clock
	cfg    Config
	log    *slog.Logger
}

func NewGuard(store Store, hasher auth.Hasher, clock auth.Clock, cfg Config, log *slog.Logger) *Guard {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Duration <= 0 {
		cfg.Duration = 30 * time.Minute
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}

	return &Guard{
		store:  store,
		hasher: hasher,
		clock:  clock,
		cfg:    cfg,
		log:    log,
	}
}

// Verify checks candidate against the account's secret of type ct.
//
// It returns nil on a match, *models.BlockedError while a lockout is active and
// *models.InvalidCredentialsError on a mismatch. Every non-blocked call persists
// the new lockout state as a single versioned write; if another request got there
// first, the account is reloaded and the transition is recomputed. On return
// account reflects the persisted record.
func (g *Guard) Verify(ctx context.Context, account *models.Account, ct models.CredentialType, candidate string) error {
	const op = "lockout.Verify"

	log := g.log.With(
		slog.String("op", op),
		slog.String("credential", string(ct)),
		slog.String("account_id", account.ID.String()),
	)

	current := account
	for try := 0; try < g.cfg.MaxRetries; try++ {
		if try > 0 {
			fresh, err := g.store.GetAccountByID(ctx, account.ID)
			if err != nil {
				return fmt.Errorf("%s: %w", op, err)
			}
			current = fresh
		}

		now := g.clock.Now()
		state := current.Lockout(ct)

		if state.BlockedAt(now) {
			*account = *current
			remaining := RemainingMinutes(*state.BlockedUntil, now)
			log.Info("attempt rejected while blocked", slog.Int("remaining_minutes", remaining))

			return &models.BlockedError{Credential: ct, RemainingMinutes: remaining}
		}

		matched, err := g.hasher.Verify(candidate, current.Digest(ct))
		if err != nil {
			log.Error("stored digest unusable, counting as mismatch", slog.Any("error", err))
		}

		next, verdict := g.Step(state, matched, now, ct)

		version, err := g.store.SaveLockout(ctx, current.ID, ct, next, current.Version)
		if errors.Is(err, storage.ErrVersionConflict) {
			log.Debug("account changed concurrently, retrying", slog.Int("try", try+1))
			continue
		}
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}

		current.SetLockout(ct, next)
		current.Version = version
		*account = *current

		var invalid *models.InvalidCredentialsError
		switch {
		case verdict == nil:
			log.Debug("credential verified")
		case errors.As(verdict, &invalid) && invalid.LockedOut:
			log.Warn("lockout engaged", slog.Time("blocked_until", *next.BlockedUntil))
		default:
			log.Info("failed attempt recorded", slog.Int("attempts", next.Attempts))
		}

		return verdict
	}

	return fmt.Errorf("%s: %w", op, ErrContention)
}

// Step computes the state that follows one verification in the OPEN state.
//
// A match resets everything. A mismatch increments the counter; reaching
// MaxAttempts resets it to 0 and sets blocked_until to now+Duration. The
// attempts remaining reported to the caller is MaxAttempts minus the incremented
// counter, taken before that reset, so it reaches 0 on the locking attempt.
// A stale blocked_until survives a mismatch untouched.
func (g *Guard) Step(state models.LockoutState, matched bool, now time.Time, ct models.CredentialType) (models.LockoutState, error) {
	if matched {
		return models.LockoutState{}, nil
	}

	attempts := state.Attempts + 1
	if attempts >= g.cfg.MaxAttempts {
		until := now.Add(g.cfg.Duration)

		return models.LockoutState{Attempts: 0, BlockedUntil: &until}, &models.InvalidCredentialsError{
			Credential:        ct,
			AttemptsRemaining: 0,
			LockedOut:         true,
			LockoutMinutes:    RemainingMinutes(until, now),
		}
	}

	return models.LockoutState{Attempts: attempts, BlockedUntil: state.BlockedUntil}, &models.InvalidCredentialsError{
		Credential:        ct,
		AttemptsRemaining: g.cfg.MaxAttempts - attempts,
	}
}

// RemainingMinutes rounds the time left until until up to whole minutes.
func RemainingMinutes(until, now time.Time) int {
	d := until.Sub(now)
	if d <= 0 {
		return 0
	}
	return int((d + time.Minute - 1) / time.Minute)
}
