package lockout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"account_service/internal/auth"
	"account_service/internal/models"
	"account_service/internal/storage"

	"github.com/gofrs/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const (
	correctPassword = "correct-password-123"
	correctPin      = "1234"
)

type fixture struct {
	guard   *Guard
	store   *storage.MemoryStorage
	now     time.Time
	account *models.Account
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	hasher := auth.NewBcryptHasher(bcrypt.MinCost)
	pw, err := hasher.Hash(correctPassword)
	require.NoError(t, err)
	pin, err := hasher.Hash(correctPin)
	require.NoError(t, err)

	f := &fixture{
		store: storage.NewMemoryStorage(),
		now:   time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC),
	}

	f.account = &models.Account{
		ID:           uuid.Must(uuid.NewV4()),
		Email:        "alice@example.com",
		PasswordHash: pw,
		PinHash:      pin,
	}
	require.NoError(t, f.store.CreateAccount(context.Background(), f.account))

	clock := auth.ClockFunc(func() time.Time { return f.now })
	f.guard = NewGuard(f.store, hasher, clock, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	return f
}

func (f *fixture) load(t *testing.T) *models.Account {
	t.Helper()

	acc, err := f.store.GetAccountByID(context.Background(), f.account.ID)
	require.NoError(t, err)
	return acc
}

func TestGuard_ThreeFailuresEngageLockout(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	for _, want := range []int{2, 1} {
		err := f.guard.Verify(ctx, f.load(t), models.CredentialPassword, "wrong")

		var invalid *models.InvalidCredentialsError
		require.ErrorAs(t, err, &invalid)
		assert.Equal(t, want, invalid.AttemptsRemaining)
		assert.False(t, invalid.LockedOut)
		assert.Contains(t, err.Error(), "attempts remaining")
	}

	acc := f.load(t)
	err := f.guard.Verify(ctx, acc, models.CredentialPassword, "wrong")

	var invalid *models.InvalidCredentialsError
	require.ErrorAs(t, err, &invalid, "the locking attempt reports invalid credentials, not blocked")
	assert.False(t, errors.Is(err, models.ErrBlocked))
	assert.Equal(t, 0, invalid.AttemptsRemaining)
	assert.True(t, invalid.LockedOut)
	assert.Equal(t, "Invalid login attempts exceeded. Please try after 30 minutes.", err.Error())

	stored := f.load(t)
	assert.Equal(t, 0, stored.WrongPasswordAttempts)
	require.NotNil(t, stored.BlockedUntilPassword)
	assert.Equal(t, f.now.Add(30*time.Minute), *stored.BlockedUntilPassword)
	assert.Equal(t, stored.Version, acc.Version, "caller's account reflects the persisted record")

	// Fourth attempt, even with the right password.
	err = f.guard.Verify(ctx, f.load(t), models.CredentialPassword, correctPassword)

	var blocked *models.BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.ErrorIs(t, err, models.ErrBlocked)
	assert.Equal(t, 30, blocked.RemainingMinutes)
	assert.Equal(t, stored.Version, f.load(t).Version, "blocked attempts are not persisted")
}

func TestGuard_BlockedReportsCeilingMinutes(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	until := f.now.Add(30 * time.Minute)
	_, err := f.store.SaveLockout(ctx, f.account.ID, models.CredentialPassword,
		models.LockoutState{Attempts: 1, BlockedUntil: &until}, 0)
	require.NoError(t, err)

	tests := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, 30},
		{10*time.Minute + time.Second, 20},
		{29*time.Minute + 30*time.Second, 1},
		{30*time.Minute - time.Millisecond, 1},
	}

	for _, tt := range tests {
		f.now = until.Add(-30 * time.Minute).Add(tt.elapsed)

		err := f.guard.Verify(ctx, f.load(t), models.CredentialPassword, "wrong")

		var blocked *models.BlockedError
		require.ErrorAs(t, err, &blocked)
		assert.Equal(t, tt.want, blocked.RemainingMinutes, "elapsed %s", tt.elapsed)
		assert.Equal(t, 1, f.load(t).WrongPasswordAttempts, "counter untouched while blocked")
	}
}

func TestGuard_LockoutExpires(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = f.guard.Verify(ctx, f.load(t), models.CredentialPassword, "wrong")
	}

	f.now = f.now.Add(30 * time.Minute)

	require.NoError(t, f.guard.Verify(ctx, f.load(t), models.CredentialPassword, correctPassword))

	stored := f.load(t)
	assert.Equal(t, 0, stored.WrongPasswordAttempts)
	assert.Nil(t, stored.BlockedUntilPassword)
}

func TestGuard_SuccessResetsCounter(t *testing.T) {
	for _, failures := range []int{1, 2} {
		f := newFixture(t, Config{})
		ctx := context.Background()

		for i := 0; i < failures; i++ {
			_ = f.guard.Verify(ctx, f.load(t), models.CredentialPin, "0000")
		}
		require.Equal(t, failures, f.load(t).WrongPinAttempts)

		require.NoError(t, f.guard.Verify(ctx, f.load(t), models.CredentialPin, correctPin))

		stored := f.load(t)
		assert.Equal(t, 0, stored.WrongPinAttempts)
		assert.Nil(t, stored.BlockedUntilPin)
	}
}

func TestGuard_CredentialTypesAreIndependent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = f.guard.Verify(ctx, f.load(t), models.CredentialPin, "0000")
	}
	require.NotNil(t, f.load(t).BlockedUntilPin)

	require.NoError(t, f.guard.Verify(ctx, f.load(t), models.CredentialPassword, correctPassword))

	err := f.guard.Verify(ctx, f.load(t), models.CredentialPin, correctPin)

	var blocked *models.BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, models.CredentialPin, blocked.Credential)
	assert.Contains(t, err.Error(), "blocked for PIN")
}

func TestGuard_StaleBlockedUntilSurvivesMismatch(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	past := f.now.Add(-time.Minute)
	_, err := f.store.SaveLockout(ctx, f.account.ID, models.CredentialPassword,
		models.LockoutState{BlockedUntil: &past}, 0)
	require.NoError(t, err)

	err = f.guard.Verify(ctx, f.load(t), models.CredentialPassword, "wrong")
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)

	stored := f.load(t)
	assert.Equal(t, 1, stored.WrongPasswordAttempts)
	require.NotNil(t, stored.BlockedUntilPassword)
	assert.Equal(t, past, *stored.BlockedUntilPassword)
}

func TestGuard_StaleCopyIsReloaded(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	first, second := f.load(t), f.load(t)

	require.ErrorIs(t, f.guard.Verify(ctx, first, models.CredentialPassword, "wrong"), models.ErrInvalidCredentials)

	err := f.guard.Verify(ctx, second, models.CredentialPassword, "wrong")

	var invalid *models.InvalidCredentialsError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, 1, invalid.AttemptsRemaining)
	assert.Equal(t, 2, second.WrongPasswordAttempts)
	assert.Equal(t, 2, f.load(t).WrongPasswordAttempts)
}

func TestGuard_MalformedDigestCountsAsFailure(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	acc := f.load(t)
	acc.PasswordHash = "garbage"

	err := f.guard.Verify(ctx, acc, models.CredentialPassword, correctPassword)
	assert.ErrorIs(t, err, models.ErrInvalidCredentials)
	assert.Equal(t, 1, f.load(t).WrongPasswordAttempts)
}

func TestGuard_ConcurrentFailuresAreNotLost(t *testing.T) {
	const n = 8

	f := newFixture(t, Config{MaxAttempts: 100, Duration: time.Minute, MaxRetries: n + 2})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		acc := f.load(t)
		go func() {
			defer wg.Done()
			results <- f.guard.Verify(ctx, acc, models.CredentialPassword, "wrong")
		}()
	}
	wg.Wait()
	close(results)

	var remaining []int
	for err := range results {
		var invalid *models.InvalidCredentialsError
		require.ErrorAs(t, err, &invalid)
		remaining = append(remaining, invalid.AttemptsRemaining)
	}

	sort.Ints(remaining)
	assert.Equal(t, []int{92, 93, 94, 95, 96, 97, 98, 99}, remaining)
	assert.Equal(t, n, f.load(t).WrongPasswordAttempts)
}

func TestGuard_ConcurrentFailuresLockOnce(t *testing.T) {
	const n = 3

	f := newFixture(t, Config{MaxRetries: n + 2})
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		acc := f.load(t)
		go func() {
			defer wg.Done()
			results <- f.guard.Verify(ctx, acc, models.CredentialPassword, "wrong")
		}()
	}
	wg.Wait()
	close(results)

	locked := 0
	for err := range results {
		var invalid *models.InvalidCredentialsError
		require.ErrorAs(t, err, &invalid)
		if invalid.LockedOut {
			locked++
		}
	}

	assert.Equal(t, 1, locked)
	stored := f.load(t)
	assert.Equal(t, 0, stored.WrongPasswordAttempts)
	assert.NotNil(t, stored.BlockedUntilPassword)
}

func TestGuard_Step(t *testing.T) {
	g := NewGuard(nil, nil, nil, Config{}, nil)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	stale := now.Add(-time.Hour)

	tests := []struct {
		name          string
		state         models.LockoutState
		matched       bool
		wantAttempts  int
		wantBlocked   *time.Time
		wantRemaining int
		wantErr       bool
	}{
		{"match clears", models.LockoutState{Attempts: 2, BlockedUntil: &stale}, true, 0, nil, 0, false},
		{"first failure", models.LockoutState{}, false, 1, nil, 2, true},
		{"second failure keeps stale block", models.LockoutState{Attempts: 1, BlockedUntil: &stale}, false, 2, &stale, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := g.Step(tt.state, tt.matched, now, models.CredentialPassword)
			assert.Equal(t, tt.wantAttempts, next.Attempts)
			assert.Equal(t, tt.wantBlocked, next.BlockedUntil)

			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			var invalid *models.InvalidCredentialsError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.wantRemaining, invalid.AttemptsRemaining)
		})
	}

	t.Run("third failure locks", func(t *testing.T) {
		next, err := g.Step(models.LockoutState{Attempts: 2}, false, now, models.CredentialPin)
		assert.Equal(t, 0, next.Attempts)
		require.NotNil(t, next.BlockedUntil)
		assert.Equal(t, now.Add(30*time.Minute), *next.BlockedUntil)

		var invalid *models.InvalidCredentialsError
		require.ErrorAs(t, err, &invalid)
		assert.True(t, invalid.LockedOut)
		assert.Equal(t, 0, invalid.AttemptsRemaining)
		assert.Equal(t, 30, invalid.LockoutMinutes)
	})
}

func TestRemainingMinutes(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, 0, RemainingMinutes(now, now))
	assert.Equal(t, 0, RemainingMinutes(now.Add(-time.Second), now))
	assert.Equal(t, 1, RemainingMinutes(now.Add(time.Millisecond), now))
	assert.Equal(t, 1, RemainingMinutes(now.Add(time.Minute), now))
	assert.Equal(t, 2, RemainingMinutes(now.Add(time.Minute+time.Nanosecond), now))
	assert.Equal(t, 30, RemainingMinutes(now.Add(30*time.Minute), now))
}
