package models

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedRequest   = errors.New("invalid body")
	ErrNotFound           = errors.New("account not found")
	ErrAlreadyExists      = errors.New("account already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrBlocked            = errors.New("credential blocked")
	ErrInvalidToken       = errors.New("invalid token")
	ErrSameSecret         = errors.New("new secret is the same as the old one")
)

// BlockedError is returned while a lockout is active.
type BlockedError struct {
	Credential       CredentialType
	RemainingMinutes int
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("Your account is blocked for %s. Please try again after %d minutes.",
		credentialLabel(e.Credential), e.RemainingMinutes)
}

func (e *BlockedError) Is(target error) bool {
	return target == ErrBlocked
}

// InvalidCredentialsError is returned on a mismatch. LockedOut is set on the
// attempt that engaged the lockout, in which case AttemptsRemaining is 0.
type InvalidCredentialsError struct {
	Credential        CredentialType
	AttemptsRemaining int
	LockedOut         bool
	LockoutMinutes    int
}

func (e *InvalidCredentialsError) Error() string {
	if e.LockedOut || e.AttemptsRemaining <= 0 {
		return fmt.Sprintf("Invalid %s attempts exceeded. Please try after %d minutes.",
			attemptsLabel(e.Credential), e.LockoutMinutes)
	}
	return fmt.Sprintf("Invalid %s. You have %d attempts remaining", credentialLabel(e.Credential), e.AttemptsRemaining)
}

func (e *InvalidCredentialsError) Is(target error) bool {
	return target == ErrInvalidCredentials
}

func credentialLabel(ct CredentialType) string {
	if ct == CredentialPin {
		return "PIN"
	}
	if ct == CredentialPassword {
		return "password"
	}
	return "login"
}

// attemptsLabel names what was attempted: password failures count as login attempts.
func attemptsLabel(ct CredentialType) string {
	if ct == CredentialPin {
		return "PIN"
	}
	return "login"
}
