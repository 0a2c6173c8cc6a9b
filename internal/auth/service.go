package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/timrx/backend/internal/models"
	"github.com/timrx/backend/internal/wallets"
)

var (
	// ErrEmailTaken is returned when another identity already owns the email.
	ErrEmailTaken       = errors.New("email already attached to another identity")
	ErrEmailAlreadySet  = errors.New("identity already has a different email")
	ErrInvalidEmail     = errors.New("invalid email")
	ErrInvalidToken     = errors.New("invalid token")
	ErrIdentityNotFound = errors.New("identity not found")
)

type Service interface {
	CreateAnonymous(ctx context.Context) (*models.Identity, string, error)
	Get(ctx context.Context, id uuid.UUID) (*models.Identity, error)
	AttachEmail(ctx context.Context, id uuid.UUID, email string) error
	ValidateToken(ctx context.Context, token string) (uuid.UUID, error)
	Touch(ctx context.Context, id uuid.UUID) error
}

type Store interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	CreateTx(ctx context.Context, tx pgx.Tx, i *models.Identity) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Identity, error)
	AttachEmailTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, email string) (bool, error)
	Touch(ctx context.Context, id uuid.UUID) error
}

// Granter credits a wallet once per grant reference. *wallets.Service satisfies it.
type Granter interface {
	Grant(ctx context.Context, identityID uuid.UUID, c wallets.Credit) (*models.Wallet, bool, error)
}

type service struct {
	repo        Store
	grants      Granter
	secret      []byte
	signupGrant int
	tokenTTL    time.Duration
	log         *slog.Logger
	now         func() time.Time
}

// NewService creates the identity service. A positive signupGrant credits
// every new identity once; grants may be nil when signupGrant is zero.
func NewService(repo Store, secret string, grants Granter, signupGrant int, log *slog.Logger) *service {
	if log == nil {
		log = slog.Default()
	}
	return &service{
		repo:        repo,
		grants:      grants,
		secret:      []byte(secret),
		signupGrant: signupGrant,
		tokenTTL:    365 * 24 * time.Hour,
		log:         log,
		now:         time.Now,
	}
}

// Ensure service implements Service at compile time.
var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
}

// CreateAnonymous inserts a new identity and returns it with a bearer token.
func (s *service) CreateAnonymous(ctx context.Context) (*models.Identity, string, error) {
	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return nil, "", err
	}
	defer tx.Rollback(ctx)

	ident := &models.Identity{ID: uuid.New()}
	if err := s.repo.CreateTx(ctx, tx, ident); err != nil {
		return nil, "", fmt.Errorf("create identity: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, "", err
	}

	if s.signupGrant > 0 {
		_, _, err := s.grants.Grant(ctx, ident.ID, wallets.Credit{
			EntryType: models.LedgerEntrySignupGrant,
			Amount:    s.signupGrant,
			RefID:     "signup:" + ident.ID.String(),
		})
		if err != nil {
			// The grant is keyed by identity and can be replayed by an admin.
			s.log.Error("signup grant failed", "identity_id", ident.ID, "error", err)
		}
	}

	token, err := s.issueToken(ident.ID)
	if err != nil {
		return nil, "", err
	}
	s.log.Info("identity created", "identity_id", ident.ID)
	return ident, token, nil
}

func (s *service) Get(ctx context.Context, id uuid.UUID) (*models.Identity, error) {
	ident, err := s.repo.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrIdentityNotFound
	}
	return ident, err
}

// AttachEmail links a lowercased email to an identity that has none.
// Attaching the email the identity already has is a no-op.
func (s *service) AttachEmail(ctx context.Context, id uuid.UUID, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return ErrInvalidEmail
	}

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	changed, err := s.repo.AttachEmailTx(ctx, tx, id, email)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrEmailTaken
		}
		return fmt.Errorf("attach email: %w", err)
	}
	if !changed {
		ident, err := s.Get(ctx, id)
		if err != nil {
			return err
		}
		if ident.Email != nil && *ident.Email == email {
			return nil
		}
		return ErrEmailAlreadySet
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	s.log.Info("email attached", "identity_id", id)
	return nil
}

func (s *service) Touch(ctx context.Context, id uuid.UUID) error {
	return s.repo.Touch(ctx, id)
}

func (s *service) issueToken(id uuid.UUID) (string, error) {
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(ctx context.Context, token string) (uuid.UUID, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	return id, nil
}
