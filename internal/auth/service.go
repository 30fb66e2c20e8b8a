package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/makerlane/backend/internal/models"
)

var (
	// ErrDuplicateEmail is returned when registering with an email that already exists.
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidRole        = errors.New("invalid role")
)

const tokenTTL = 24 * time.Hour

// UserStore persists platform users.
type UserStore interface {
	CreateUser(ctx context.Context, email, passwordHash, displayName, role string) (*models.User, error)
	// GetUserByEmail returns nil, nil when no user has the email.
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
}

type Service interface {
	Register(ctx context.Context, email, password, displayName string) (*models.User, error)
	Login(ctx context.Context, email, password string) (string, error)
	ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error)
	IssueToken(userID uuid.UUID, role string) (string, error)
}

type service struct {
	store  UserStore
	secret []byte
	now    func() time.Time
}

func NewService(store UserStore, secret string) *service {
	return &service{store: store, secret: []byte(secret), now: time.Now}
}

var _ Service = (*service)(nil)

type claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// Register always creates members; admins are promoted out of band.
func (s *service) Register(ctx context.Context, email, password, displayName string) (*models.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return s.store.CreateUser(ctx, email, string(hash), displayName, models.RoleMember)
}

func (s *service) Login(ctx context.Context, email, password string) (string, error) {
	u, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if u == nil {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.IssueToken(u.ID, u.Role)
}

func (s *service) IssueToken(userID uuid.UUID, role string) (string, error) {
	if role != models.RoleMember && role != models.RoleAdmin {
		return "", ErrInvalidRole
	}
	now := s.now()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		Role: role,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return tok.SignedString(s.secret)
}

func (s *service) ValidateToken(ctx context.Context, token string) (uuid.UUID, string, error) {
	tok, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return uuid.Nil, "", errors.Join(ErrInvalidToken, err)
	}
	c, ok := tok.Claims.(*claims)
	if !ok || !tok.Valid {
		return uuid.Nil, "", ErrInvalidToken
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil {
		return uuid.Nil, "", errors.Join(ErrInvalidToken, err)
	}
	return id, c.Role, nil
}
