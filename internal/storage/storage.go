package storage

import (
	"account_service/internal/models"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

const accountsTable = "accounts"

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrAccountExists   = errors.New("account already exists")
	// ErrVersionConflict means the record changed since it was read.
	ErrVersionConflict = errors.New("account version conflict")
)

type Storage interface {
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccountByEmail(ctx context.Context, email string) (*models.Account, error)
	GetAccountByID(ctx context.Context, id uuid.UUID) (*models.Account, error)

	// SaveLockout writes the lockout state of one credential type if the record
	// is still at version, and returns the new version.
	SaveLockout(ctx context.Context, id uuid.UUID, ct models.CredentialType, state models.LockoutState, version int64) (int64, error)
	// UpdateSecret replaces the digest of one credential type and resets its
	// lockout state in the same write, if the record is still at version.
	UpdateSecret(ctx context.Context, email string, ct models.CredentialType, digest string, version int64) (int64, error)

	Close()
}

type credentialColumns struct {
	digest, attempts, blockedUntil string
}

func columnsFor(ct models.CredentialType) credentialColumns {
	if ct == models.CredentialPin {
		return credentialColumns{"login_pin", "wrong_pin_attempts", "blocked_until_pin"}
	}
	return credentialColumns{"password", "wrong_password_attempts", "blocked_until_password"}
}

const accountColumns = `id, email, name, balance, password, login_pin,
	wrong_password_attempts, blocked_until_password, wrong_pin_attempts, blocked_until_pin,
	version, created_at`

var schema = fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id                      UUID PRIMARY KEY,
	email                   TEXT NOT NULL UNIQUE,
	name                    TEXT NOT NULL DEFAULT '',
	balance                 DOUBLE PRECISION NOT NULL DEFAULT 50000,
	password                TEXT NOT NULL,
	login_pin               TEXT NOT NULL DEFAULT '',
	wrong_password_attempts INTEGER NOT NULL DEFAULT 0,
	blocked_until_password  TIMESTAMPTZ,
	wrong_pin_attempts      INTEGER NOT NULL DEFAULT 0,
	blocked_until_pin       TIMESTAMPTZ,
	version                 BIGINT NOT NULL DEFAULT 0,
	created_at              TIMESTAMPTZ NOT NULL DEFAULT now()
);`, accountsTable)

var _ Storage = (*PostgresStorage)(nil)

type PostgresStorage struct {
	db *pgxpool.Pool
}

func NewPostgresStorage(ctx context.Context, DbURL string) (*PostgresStorage, error) {
	const op = "storage.NewPostgresStorage"

	conn, err := pgxpool.Connect(ctx, DbURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &PostgresStorage{
		db: conn,
	}, nil
}

func (p *PostgresStorage) Migrate(ctx context.Context) error {
	const op = "storage.Migrate"

	if _, err := p.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *PostgresStorage) CreateAccount(ctx context.Context, account *models.Account) error {
	const op = "storage.CreateAccount"

	query := fmt.Sprintf(`INSERT INTO %s(id, email, name, balance, password, login_pin)
	VALUES ($1, $2, $3, $4, $5, $6) RETURNING version, created_at;`, accountsTable)

	err := p.db.QueryRow(ctx, query,
		account.ID, account.Email, account.Name, account.Balance, account.PasswordHash, account.PinHash,
	).Scan(&account.Version, &account.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%s: %w", op, ErrAccountExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *PostgresStorage) GetAccountByEmail(ctx context.Context, email string) (*models.Account, error) {
	const op = "storage.GetAccountByEmail"

	query := fmt.Sprintf("SELECT %s FROM %s WHERE email=$1;", accountColumns, accountsTable)

	account, err := scanAccount(p.db.QueryRow(ctx, query, email))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return account, nil
}

func (p *PostgresStorage) GetAccountByID(ctx context.Context, id uuid.UUID) (*models.Account, error) {
	const op = "storage.GetAccountByID"

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id=$1;", accountColumns, accountsTable)

	account, err := scanAccount(p.db.QueryRow(ctx, query, id))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return account, nil
}

func (p *PostgresStorage) SaveLockout(ctx context.Context, id uuid.UUID, ct models.CredentialType, state models.LockoutState, version int64) (int64, error) {
	const op = "storage.SaveLockout"

	cols := columnsFor(ct)
	query := fmt.Sprintf(`UPDATE %s SET %s=$1, %s=$2, version=version+1
	WHERE id=$3 AND version=$4 RETURNING version;`, accountsTable, cols.attempts, cols.blockedUntil)

	var newVersion int64
	err := p.db.QueryRow(ctx, query, state.Attempts, state.BlockedUntil, id, version).Scan(&newVersion)
	if err == nil {
		return newVersion, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var exists bool
	existsQuery := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE id=$1);", accountsTable)
	if err := p.db.QueryRow(ctx, existsQuery, id).Scan(&exists); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return 0, fmt.Errorf("%s: %w", op, ErrAccountNotFound)
	}

	return 0, fmt.Errorf("%s: %w", op, ErrVersionConflict)
}

func (p *PostgresStorage) UpdateSecret(ctx context.Context, email string, ct models.CredentialType, digest string, version int64) (int64, error) {
	const op = "storage.UpdateSecret"

	cols := columnsFor(ct)
	query := fmt.Sprintf(`UPDATE %s SET %s=$1, %s=0, %s=NULL, version=version+1
	WHERE email=$2 AND version=$3 RETURNING version;`, accountsTable, cols.digest, cols.attempts, cols.blockedUntil)

	var newVersion int64
	err := p.db.QueryRow(ctx, query, digest, email, version).Scan(&newVersion)
	if err == nil {
		return newVersion, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%s: %w", op, err)
	}

	var exists bool
	existsQuery := fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE email=$1);", accountsTable)
	if err := p.db.QueryRow(ctx, existsQuery, email).Scan(&exists); err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	if !exists {
		return 0, fmt.Errorf("%s: %w", op, ErrAccountNotFound)
	}

	return 0, fmt.Errorf("%s: %w", op, ErrVersionConflict)
}

func (p *PostgresStorage) Close() {
	p.db.Close()
}

func scanAccount(row pgx.Row) (*models.Account, error) {
	var (
		a                           models.Account
		blockedPassword, blockedPin *time.Time
	)

	err := row.Scan(
		&a.ID,
		&a.Email,
		&a.Name,
		&a.Balance,
		&a.PasswordHash,
		&a.PinHash,
		&a.WrongPasswordAttempts,
		&blockedPassword,
		&a.WrongPinAttempts,
		&blockedPin,
		&a.Version,
		&a.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}

	a.BlockedUntilPassword = blockedPassword
	a.BlockedUntilPin = blockedPin

	return &a, nil
}
