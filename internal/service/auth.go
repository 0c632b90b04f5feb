package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/chatroom/internal/auth"
	"github.com/chatroom/internal/logger"
	"github.com/chatroom/internal/model"
	"github.com/chatroom/internal/repository"
	"github.com/chatroom/internal/storage"
)

type RegisterInput struct {
	Username string `json:"username" validate:"required,username"`
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// LoginInput accepts either the username or the email in Username.
type LoginInput struct {
	Username string `json:"username" validate:"required,max=254"`
	Password string `json:"password" validate:"required,max=72"`
}

// Session is what register and login hand back to the client.
type Session struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      *model.User `json:"user"`
}

// Identity is an authenticated caller.
type Identity struct {
	User    *model.User
	TokenID string
}

type AuthService struct {
	users  UserStore
	issuer *auth.Issuer
	tokens storage.TokenStore
	conns  Broadcaster
	now    func() time.Time
}

func NewAuthService(users UserStore, issuer *auth.Issuer, tokens storage.TokenStore) *AuthService {
	return &AuthService{users: users, issuer: issuer, tokens: tokens, now: time.Now}
}

// SetBroadcaster lets logout close sockets opened with the revoked token.
func (s *AuthService) SetBroadcaster(b Broadcaster) { s.conns = b }

func (s *AuthService) Register(ctx context.Context, in RegisterInput) (*Session, error) {
	in.Username = strings.TrimSpace(in.Username)
	in.Email = strings.ToLower(strings.TrimSpace(in.Email))
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, fmt.Errorf("auth.Register hash: %w", err)
	}
	now := s.now().UTC()
	u := &model.User{
		ID:           uuid.New().String(),
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: hash,
		Status:       model.StatusOffline,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, u); err != nil {
		return nil, err
	}
	logger.Infof("register: user=%s username=%s", u.ID, u.Username)
	return s.issue(u)
}

func (s *AuthService) Login(ctx context.Context, in LoginInput) (*Session, error) {
	in.Username = strings.TrimSpace(in.Username)
	if err := validateStruct(in); err != nil {
		return nil, err
	}
	key := strings.ToLower(in.Username)
	allowed, err := s.tokens.AllowAttempt(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("auth.Login attempts: %w", err)
	}
	if !allowed {
		logger.Infof("login: throttled key=%s", key)
		return nil, ErrTooManyAttempts
	}

	u, err := s.users.GetByUsername(ctx, in.Username)
	if errors.Is(err, repository.ErrNotFound) && strings.Contains(in.Username, "@") {
		u, err = s.users.GetByEmail(ctx, in.Username)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if err := auth.CheckPassword(u.PasswordHash, in.Password); err != nil {
		if errors.Is(err, auth.ErrPasswordMismatch) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("auth.Login check: %w", err)
	}
	if err := s.tokens.ResetAttempts(ctx, key); err != nil {
		logger.Errorf("login: reset attempts key=%s: %v", key, err)
	}
	return s.issue(u)
}

func (s *AuthService) issue(u *model.User) (*Session, error) {
	tok, claims, err := s.issuer.Issue(u.ID, u.Username)
	if err != nil {
		return nil, fmt.Errorf("auth.issue: %w", err)
	}
	return &Session{Token: tok, ExpiresAt: claims.ExpiresAt.Time, User: u}, nil
}

// Logout revokes the token until its natural expiry.
func (s *AuthService) Logout(ctx context.Context, token string) error {
	claims, err := s.issuer.Verify(token)
	if err != nil {
		return ErrUnauthorized
	}
	if err := s.tokens.Revoke(ctx, claims.ID, claims.Remaining(s.now())); err != nil {
		return fmt.Errorf("auth.Logout revoke: %w", err)
	}
	if s.conns != nil {
		s.conns.CloseSession(claims.ID)
	}
	logger.Infof("logout: user=%s token=%s", claims.Subject, logger.MaskToken(token))
	return nil
}

// Authenticate resolves a bearer token to its user. Every failure is ErrUnauthorized.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*Identity, error) {
	if token == "" {
		return nil, ErrUnauthorized
	}
	claims, err := s.issuer.Verify(token)
	if err != nil {
		return nil, ErrUnauthorized
	}
	revoked, err := s.tokens.IsRevoked(ctx, claims.ID)
	if err != nil {
		logger.Errorf("authenticate: revocation lookup token=%s: %v", logger.MaskToken(token), err)
		return nil, ErrUnauthorized
	}
	if revoked {
		return nil, ErrUnauthorized
	}
	u, err := s.users.GetByID(ctx, claims.Subject)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("auth.Authenticate: %w", err)
	}
	return &Identity{User: u, TokenID: claims.ID}, nil
}
