package storage

import (
	"account_service/internal/models"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofrs/uuid"
)

var _ Storage = (*MemoryStorage)(nil)

// MemoryStorage keeps accounts in process. Reads hand out copies, so callers
// never share a record with the store.
type MemoryStorage struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]*models.Account
	byEmail map[string]uuid.UUID
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		byID:    make(map[uuid.UUID]*models.Account),
		byEmail: make(map[string]uuid.UUID),
	}
}

func (m *MemoryStorage) CreateAccount(_ context.Context, account *models.Account) error {
	const op = "storage.CreateAccount"

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byEmail[account.Email]; ok {
		return fmt.Errorf("%s: %w", op, ErrAccountExists)
	}
	if _, ok := m.byID[account.ID]; ok {
		return fmt.Errorf("%s: %w", op, ErrAccountExists)
	}

	account.Version = 0
	if account.CreatedAt.IsZero() {
		account.CreatedAt = time.Now().UTC()
	}

	m.byID[account.ID] = cloneAccount(account)
	m.byEmail[account.Email] = account.ID

	return nil
}

func (m *MemoryStorage) GetAccountByEmail(_ context.Context, email string) (*models.Account, error) {
	const op = "storage.GetAccountByEmail"

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byEmail[email]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrAccountNotFound)
	}

	return cloneAccount(m.byID[id]), nil
}

func (m *MemoryStorage) GetAccountByID(_ context.Context, id uuid.UUID) (*models.Account, error) {
	const op = "storage.GetAccountByID"

	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", op, ErrAccountNotFound)
	}

	return cloneAccount(a), nil
}

func (m *MemoryStorage) SaveLockout(ctx context.Context, id uuid.UUID, ct models.CredentialType, state models.LockoutState, version int64) (int64, error) {
	const op = "storage.SaveLockout"

	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.byID[id]
	if !ok {
		return 0, fmt.Errorf("%s: %w", op, ErrAccountNotFound)
	}
	if a.Version != version {
		return 0, fmt.Errorf("%s: %w", op, ErrVersionConflict)
	}

	a.SetLockout(ct, models.LockoutState{Attempts: state.Attempts, BlockedUntil: cloneTime(state.BlockedUntil)})
	a.Version++

	return a.Version, nil
}

func (m *MemoryStorage) UpdateSecret(ctx context.Context, email string, ct models.CredentialType, digest string, version int64) (int64, error) {
	const op = "storage.UpdateSecret"

	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byEmail[email]
	if !ok {
		return 0, fmt.Errorf("%s: %w", op, ErrAccountNotFound)
	}

	a := m.byID[id]
	if a.Version != version {
		return 0, fmt.Errorf("%s: %w", op, ErrVersionConflict)
	}

	if ct == models.CredentialPin {
		a.PinHash = digest
	} else {
		a.PasswordHash = digest
	}
	a.SetLockout(ct, models.LockoutState{})
	a.Version++

	return a.Version, nil
}

func (m *MemoryStorage) Close() {}

func cloneAccount(a *models.Account) *models.Account {
	c := *a
	c.BlockedUntilPassword = cloneTime(a.BlockedUntilPassword)
	c.BlockedUntilPin = cloneTime(a.BlockedUntilPin)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
