package models

import (
	"time"

	"github.com/gofrs/uuid"
)

// CredentialType selects which secret of an account is being checked or changed.
type CredentialType string

const (
	CredentialPassword CredentialType = "password"
	CredentialPin      CredentialType = "pin"
)

func (c CredentialType) Valid() bool {
	return c == CredentialPassword || c == CredentialPin
}

// TokenKind selects the secret/expiry configuration a token pair is minted with.
type TokenKind string

const (
	TokenKindApp    TokenKind = "app"
	TokenKindSocket TokenKind = "socket"
)

func ParseTokenKind(s string) (TokenKind, bool) {
	switch TokenKind(s) {
	case TokenKindApp, TokenKindSocket:
		return TokenKind(s), true
	}
	return "", false
}

// LockoutState is the failed-attempt bookkeeping of one credential type.
type LockoutState struct {
	Attempts     int
	BlockedUntil *time.Time
}

// BlockedAt reports whether the state still rejects attempts at now.
// A BlockedUntil in the past reads as open.
func (s LockoutState) BlockedAt(now time.Time) bool {
	return s.BlockedUntil != nil && s.BlockedUntil.After(now)
}

type Account struct {
	ID      uuid.UUID `json:"id"`
	Email   string    `json:"email"`
	Name    string    `json:"name,omitempty"`
	Balance float64   `json:"balance"`

	PasswordHash string `json:"-"`
	PinHash      string `json:"-"` // empty until a PIN is set

	WrongPasswordAttempts int        `json:"-"`
	BlockedUntilPassword  *time.Time `json:"-"`
	WrongPinAttempts      int        `json:"-"`
	BlockedUntilPin       *time.Time `json:"-"`

	// Version is bumped by the store on every write.
	Version   int64     `json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *Account) Digest(ct CredentialType) string {
	if ct == CredentialPin {
		return a.PinHash
	}
	return a.PasswordHash
}

func (a *Account) Lockout(ct CredentialType) LockoutState {
	if ct == CredentialPin {
		return LockoutState{Attempts: a.WrongPinAttempts, BlockedUntil: a.BlockedUntilPin}
	}
	return LockoutState{Attempts: a.WrongPasswordAttempts, BlockedUntil: a.BlockedUntilPassword}
}

func (a *Account) SetLockout(ct CredentialType, st LockoutState) {
	if ct == CredentialPin {
		a.WrongPinAttempts, a.BlockedUntilPin = st.Attempts, st.BlockedUntil
		return
	}
	a.WrongPasswordAttempts, a.BlockedUntilPassword = st.Attempts, st.BlockedUntil
}

func (a *Account) PinSet() bool {
	return a.PinHash != ""
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}
