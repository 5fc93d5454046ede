package service

import (
	"account_service/internal/auth"
	"account_service/internal/lockout"
	"account_service/internal/models"
	"account_service/internal/storage"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/gofrs/uuid"
)

const (
	defaultBalance = 50000.0

	// maxPasswordBytes is the longest input bcrypt accepts.
	maxPasswordBytes = 72

	// updateRetries bounds how often UpdateSecret re-reads a record that changed under it.
	updateRetries = 3
)

var (
	emailRe = regexp.MustCompile(`^\w+([\.-]?\w+)*@\w+([\.-]?\w+)*(\.\w{2,3})+$`)
	pinRe   = regexp.MustCompile(`^\d{4}$`)
)

type Service interface {
	Register(ctx context.Context, email, password, registerToken string) (*models.Account, models.TokenPair, error)
	Login(ctx context.Context, email, password string, kind models.TokenKind) (*models.Account, models.TokenPair, error)
	VerifyPassword(ctx context.Context, account *models.Account, candidate string) error
	VerifyPin(ctx context.Context, account *models.Account, candidate string) error
	IssueTokens(account *models.Account, kind models.TokenKind) (models.TokenPair, error)
	RefreshTokens(ctx context.Context, kind, refreshToken string) (models.TokenPair, error)
	Authenticate(ctx context.Context, kind models.TokenKind, accessToken string) (*models.Account, error)
	UpdateSecret(ctx context.Context, email string, ct models.CredentialType, newSecret string) (Result, error)
}

type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type service struct {
	storage storage.Storage
	hasher  auth.Hasher
	issuer  *auth.Issuer
	guard   *lockout.Guard
	log     *slog.Logger
}

func NewService(st storage.Storage, hasher auth.Hasher, issuer *auth.Issuer, guard *lockout.Guard, lgr *slog.Logger) *service {
	return &service{
		storage: st,
		hasher:  hasher,
		issuer:  issuer,
		guard:   guard,
		log:     lgr,
	}
}

func (s *service) Register(ctx context.Context, email, password, registerToken string) (*models.Account, models.TokenPair, error) {
	const op = "service.Register"

	log := s.log.With(slog.String("op", op))

	email = normalizeEmail(email)
	if email == "" || password == "" || registerToken == "" {
		return nil, models.TokenPair{}, fmt.Errorf("%s: %w: please provide all values", op, models.ErrMalformedRequest)
	}
	if !emailRe.MatchString(email) {
		return nil, models.TokenPair{}, fmt.Errorf("%s: %w: invalid email", op, models.ErrMalformedRequest)
	}
	if err := checkSecretPolicy(models.CredentialPassword, password); err != nil {
		return nil, models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	tokenEmail, err := s.issuer.ParseRegistration(registerToken)
	if err != nil || tokenEmail != email {
		log.Info("registration token rejected", slog.Any("error", err))

		return nil, models.TokenPair{}, fmt.Errorf("%s: %w: invalid registration token", op, models.ErrMalformedRequest)
	}

	digest, err := s.hasher.Hash(password)
	if err != nil {
		return nil, models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	account := &models.Account{
		ID:           id,
		Email:        email,
		Balance:      defaultBalance,
		PasswordHash: digest,
	}

	if err := s.storage.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, storage.ErrAccountExists) {
			return nil, models.TokenPair{}, fmt.Errorf("%s: %w", op, models.ErrAlreadyExists)
		}
		return nil, models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	tokens, err := s.IssueTokens(account, models.TokenKindApp)
	if err != nil {
		return nil, models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("account registered", slog.String("account_id", account.ID.String()))

	return account, tokens, nil
}

// Login verifies the password through the lockout guard and issues a token pair of kind.
// An unknown email is reported as invalid credentials, without touching any counter.
func (s *service) Login(ctx context.Context, email, password string, kind models.TokenKind) (*models.Account, models.TokenPair, error) {
	const op = "service.Login"

	email = normalizeEmail(email)
	if email == "" || password == "" {
		return nil, models.TokenPair{}, fmt.Errorf("%s: %w: please provide all values", op, models.ErrMalformedRequest)
	}
	if _, ok := models.ParseTokenKind(string(kind)); !ok {
		return nil, models.TokenPair{}, fmt.Errorf("%s: %w: unknown token type", op, models.ErrMalformedRequest)
	}

	account, err := s.storage.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return nil, models.TokenPair{}, fmt.Errorf("%s: %w", op, models.ErrInvalidCredentials)
		}
		return nil, models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	if err := s.VerifyPassword(ctx, account, password); err != nil {
		return nil, models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	tokens, err := s.IssueTokens(account, kind)
	if err != nil {
		return nil, models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	return account, tokens, nil
}

func (s *service) VerifyPassword(ctx context.Context, account *models.Account, candidate string) error {
	return s.guard.Verify(ctx, account, models.CredentialPassword, candidate)
}

func (s *service) VerifyPin(ctx context.Context, account *models.Account, candidate string) error {
	const op = "service.VerifyPin"

	if !account.PinSet() {
		return fmt.Errorf("%s: %w: PIN is not set", op, models.ErrMalformedRequest)
	}

	return s.guard.Verify(ctx, account, models.CredentialPin, candidate)
}

func (s *service) IssueTokens(account *models.Account, kind models.TokenKind) (models.TokenPair, error) {
	return s.issuer.Issue(account, kind)
}

// RefreshTokens exchanges a refresh token for a new pair of the same kind.
// Every failure to verify the token or resolve its account is reported as
// models.ErrInvalidToken; only storage outages surface differently.
func (s *service) RefreshTokens(ctx context.Context, kind, refreshToken string) (models.TokenPair, error) {
	const op = "service.RefreshTokens"

	log := s.log.With(slog.String("op", op))

	tokenKind, ok := models.ParseTokenKind(kind)
	if !ok || refreshToken == "" {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, models.ErrMalformedRequest)
	}

	claims, err := s.issuer.ParseRefresh(tokenKind, refreshToken)
	if err != nil {
		log.Info("refresh token rejected", slog.Any("error", err))

		return models.TokenPair{}, fmt.Errorf("%s: %w", op, models.ErrInvalidToken)
	}

	account, err := s.accountFromClaims(ctx, claims)
	if err != nil {
		if errors.Is(err, models.ErrInvalidToken) {
			log.Info("refresh token rejected", slog.Any("error", err))
		}
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	tokens, err := s.issuer.Issue(account, tokenKind)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: %w", op, err)
	}

	return tokens, nil
}

func (s *service) Authenticate(ctx context.Context, kind models.TokenKind, accessToken string) (*models.Account, error) {
	const op = "service.Authenticate"

	claims, err := s.issuer.ParseAccess(kind, accessToken)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, models.ErrInvalidToken)
	}

	account, err := s.accountFromClaims(ctx, claims)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return account, nil
}

// UpdateSecret replaces the password or PIN of the account behind email.
// A candidate matching the old digest is rejected with models.ErrSameSecret and
// nothing is written. The write only lands on the version the comparison was made
// against, so concurrent updates are compared against each other's result.
func (s *service) UpdateSecret(ctx context.Context, email string, ct models.CredentialType, newSecret string) (Result, error) {
	const op = "service.UpdateSecret"

	log := s.log.With(slog.String("op", op), slog.String("credential", string(ct)))

	if !ct.Valid() {
		return Result{}, fmt.Errorf("%s: %w: unknown credential type", op, models.ErrMalformedRequest)
	}
	if err := checkSecretPolicy(ct, newSecret); err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	email = normalizeEmail(email)

	digest, err := s.hasher.Hash(newSecret)
	if err != nil {
		return Result{}, fmt.Errorf("%s: %w", op, err)
	}

	for try := 0; try < updateRetries; try++ {
		account, err := s.storage.GetAccountByEmail(ctx, email)
		if err != nil {
			if errors.Is(err, storage.ErrAccountNotFound) {
				return Result{}, fmt.Errorf("%s: %w", op, models.ErrNotFound)
			}
			return Result{}, fmt.Errorf("%s: %w", op, err)
		}

		if old := account.Digest(ct); old != "" {
			same, err := s.hasher.Verify(newSecret, old)
			if err != nil {
				log.Error("stored digest unusable, replacing it", slog.Any("error", err))
			}
			if same {
				return Result{}, fmt.Errorf("%s: %w", op, models.ErrSameSecret)
			}
		}

		_, err = s.storage.UpdateSecret(ctx, email, ct, digest, account.Version)
		switch {
		case err == nil:
			log.Info("secret updated", slog.String("account_id", account.ID.String()))

			if ct == models.CredentialPin {
				return Result{Success: true, Message: "PIN updated successfully"}, nil
			}
			return Result{Success: true, Message: "Password updated successfully"}, nil
		case errors.Is(err, storage.ErrVersionConflict):
			log.Debug("account changed during update, retrying", slog.Int("try", try+1))
		case errors.Is(err, storage.ErrAccountNotFound):
			return Result{}, fmt.Errorf("%s: %w", op, models.ErrNotFound)
		default:
			return Result{}, fmt.Errorf("%s: %w", op, err)
		}
	}

	return Result{}, fmt.Errorf("%s: %w", op, lockout.ErrContention)
}

func (s *service) accountFromClaims(ctx context.Context, claims *auth.Claims) (*models.Account, error) {
	id, err := uuid.FromString(claims.UserID)
	if err != nil {
		return nil, models.ErrInvalidToken
	}

	account, err := s.storage.GetAccountByID(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrAccountNotFound) {
			return nil, fmt.Errorf("%w: %v", models.ErrInvalidToken, err)
		}
		return nil, err
	}

	return account, nil
}

func checkSecretPolicy(ct models.CredentialType, secret string) error {
	switch ct {
	case models.CredentialPin:
		if !pinRe.MatchString(secret) {
			return fmt.Errorf("%w: PIN must be 4 digits", models.ErrMalformedRequest)
		}
	default:
		if secret == "" {
			return fmt.Errorf("%w: empty password", models.ErrMalformedRequest)
		}
		if len(secret) > maxPasswordBytes {
			return fmt.Errorf("%w: password longer than %d bytes", models.ErrMalformedRequest, maxPasswordBytes)
		}
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(email)
}
