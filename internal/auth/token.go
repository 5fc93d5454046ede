package auth

import (
	"errors"
	"fmt"
	"time"

	"account_service/internal/models"

	"github.com/gofrs/uuid"
	"github.com/golang-jwt/jwt/v5"
	guuid "github.com/google/uuid"
)

var ErrUnknownKind = errors.New("unknown token kind")

// Claims is the payload of both access and refresh tokens.
type Claims struct {
	UserID string           `json:"userId"`
	Name   string           `json:"name,omitempty"`
	Kind   models.TokenKind `json:"kind"`
	jwt.RegisteredClaims
}

// RegistrationClaims is carried by the token that authorizes a registration
// for a single email address.
type RegistrationClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Signer signs and verifies HS256 tokens. Expiry is checked against its clock.
type Signer struct {
	clock Clock
}

func NewSigner(clock Clock) *Signer {
	return &Signer{clock: clock}
}

func (s *Signer) Sign(claims jwt.Claims, secret []byte) (string, error) {
	const op = "auth.Sign"

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return signed, nil
}

// Verify parses tokenStr into claims. Any failure (signature, expiry, shape) is returned as is;
// callers that face the outside world collapse them.
func (s *Signer) Verify(tokenStr string, claims jwt.Claims, secret []byte) error {
	const op = "auth.VerifyToken"

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)

	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !token.Valid {
		return fmt.Errorf("%s: %w", op, jwt.ErrTokenInvalidClaims)
	}

	return nil
}

// KindConfig is the secret/expiry pair set of one token kind.
type KindConfig struct {
	AccessSecret  []byte
	AccessTTL     time.Duration
	RefreshSecret []byte
	RefreshTTL    time.Duration
}

// Issuer mints and parses token pairs per kind. It holds no state besides configuration.
type Issuer struct {
	signer         *Signer
	clock          Clock
	kinds          map[models.TokenKind]KindConfig
	registerSecret []byte
}

func NewIssuer(signer *Signer, clock Clock, kinds map[models.TokenKind]KindConfig, registerSecret []byte) *Issuer {
	return &Issuer{
		signer:         signer,
		clock:          clock,
		kinds:          kinds,
		registerSecret: registerSecret,
	}
}

func (i *Issuer) Issue(account *models.Account, kind models.TokenKind) (models.TokenPair, error) {
	const op = "auth.Issue"

	cfg, ok := i.kinds[kind]
	if !ok {
		return models.TokenPair{}, fmt.Errorf("%s: %w: %q", op, ErrUnknownKind, kind)
	}

	access, err := i.signer.Sign(i.claims(account.ID, account.Name, kind, cfg.AccessTTL), cfg.AccessSecret)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: access: %w", op, err)
	}

	refresh, err := i.signer.Sign(i.claims(account.ID, account.Name, kind, cfg.RefreshTTL), cfg.RefreshSecret)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("%s: refresh: %w", op, err)
	}

	return models.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (i *Issuer) ParseAccess(kind models.TokenKind, token string) (*Claims, error) {
	cfg, ok := i.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("auth.ParseAccess: %w: %q", ErrUnknownKind, kind)
	}
	return i.parse(kind, token, cfg.AccessSecret)
}

func (i *Issuer) ParseRefresh(kind models.TokenKind, token string) (*Claims, error) {
	cfg, ok := i.kinds[kind]
	if !ok {
		return nil, fmt.Errorf("auth.ParseRefresh: %w: %q", ErrUnknownKind, kind)
	}
	return i.parse(kind, token, cfg.RefreshSecret)
}

func (i *Issuer) IssueRegistration(email string, ttl time.Duration) (string, error) {
	now := i.clock.Now()
	claims := RegistrationClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return i.signer.Sign(claims, i.registerSecret)
}

// ParseRegistration returns the email a registration token was issued for.
func (i *Issuer) ParseRegistration(token string) (string, error) {
	var claims RegistrationClaims
	if err := i.signer.Verify(token, &claims, i.registerSecret); err != nil {
		return "", err
	}
	if claims.Email == "" {
		return "", fmt.Errorf("auth.ParseRegistration: %w", jwt.ErrTokenInvalidClaims)
	}
	return claims.Email, nil
}

func (i *Issuer) parse(kind models.TokenKind, token string, secret []byte) (*Claims, error) {
	const op = "auth.parse"

	claims := &Claims{}
	if err := i.signer.Verify(token, claims, secret); err != nil {
		return nil, err
	}

	// Secrets may be shared between kinds by misconfiguration; the claim keeps them apart.
	if claims.Kind != kind {
		return nil, fmt.Errorf("%s: kind %q: %w", op, claims.Kind, jwt.ErrTokenInvalidClaims)
	}
	if _, err := uuid.FromString(claims.UserID); err != nil {
		return nil, fmt.Errorf("%s: user id: %w", op, jwt.ErrTokenInvalidClaims)
	}

	return claims, nil
}

func (i *Issuer) claims(userID uuid.UUID, name string, kind models.TokenKind, ttl time.Duration) Claims {
	now := i.clock.Now()
	return Claims{
		UserID: userID.String(),
		Name:   name,
		Kind:   kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ID:        guuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
}
