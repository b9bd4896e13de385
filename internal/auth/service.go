package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/meridian-saas/meridian/internal/shared"
)

// Service wraps authentication business rules.
type Service struct {
	repo Repository
	ttl  time.Duration
	now  func() time.Time
}

// NewService constructs a new Service.
func NewService(repo Repository, sessionTTL time.Duration) *Service {
	return &Service{repo: repo, ttl: sessionTTL, now: time.Now}
}

// Authenticate validates email/password credentials.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*User, error) {
	user, err := s.repo.FindByEmail(ctx, email)
	if err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, shared.ErrInvalidCredentials
	}
	return user, nil
}

// StartSession persists a new session and returns its token.
func (s *Service) StartSession(ctx context.Context, userID int64, ip, ua string) (*Session, error) {
	now := s.now().UTC()
	session := Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.ttl),
		IP:        ip,
		UserAgent: ua,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Authorize resolves a session token to the owning user id, rejecting
// expired sessions.
func (s *Service) Authorize(ctx context.Context, token string) (int64, error) {
	session, err := s.repo.FindSession(ctx, token)
	if err != nil {
		return 0, err
	}
	if s.now().UTC().After(session.ExpiresAt) {
		return 0, shared.ErrSessionExpired
	}
	return session.UserID, nil
}

// EndSession deletes a session record.
func (s *Service) EndSession(ctx context.Context, token string) error {
	return s.repo.DeleteSession(ctx, token)
}
