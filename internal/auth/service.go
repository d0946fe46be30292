package auth

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/docvault/docvault/internal/apperr"
	"github.com/docvault/docvault/internal/config"
	"github.com/docvault/docvault/internal/models"
	"github.com/docvault/docvault/internal/tenant"
)

type Service struct {
	tenants  *tenant.Service
	sessions *SessionStore
	cfg      config.AuthConfig
}

func NewService(ts *tenant.Service, sessions *SessionStore, cfg config.AuthConfig) *Service {
	return &Service{tenants: ts, sessions: sessions, cfg: cfg}
}

type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Signup creates a tenant with its namespace and first key, plus the
// founding admin user.
func (s *Service) Signup(ctx context.Context, orgName, plan, email, password string) (*models.Tenant, *models.User, error) {
	if email == "" {
		return nil, nil, apperr.Validation("email is required")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, nil, err
	}

	t, err := s.tenants.Create(ctx, orgName, plan)
	if err != nil {
		return nil, nil, err
	}

	u, err := s.tenants.CreateUser(ctx, t.ID, email, hash, tenant.RoleAdmin)
	if err != nil {
		return nil, nil, err
	}
	return t, u, nil
}

// Login verifies credentials and opens a session. A deactivated tenant or
// user fails the same way as a wrong password.
func (s *Service) Login(ctx context.Context, tenantID, email, password string) (*TokenPair, error) {
	t, err := s.tenants.GetByID(ctx, parseUUIDOrNil(tenantID))
	if err != nil || !t.Active {
		return nil, apperr.Authentication("invalid credentials")
	}

	u, err := s.tenants.GetUserByEmail(ctx, t.ID, email)
	if err != nil || !u.Active {
		return nil, apperr.Authentication("invalid credentials")
	}
	if err := CheckPassword(u.PasswordHash, password); err != nil {
		return nil, err
	}

	return s.openSession(ctx, u)
}

// Refresh rotates the refresh token: the presented session is revoked and
// a new one issued. A revoked or expired token is never honored.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	sess, err := s.sessions.GetValid(ctx, HashRefreshToken(refreshToken))
	if err != nil {
		return nil, err
	}
	if err := s.sessions.Revoke(ctx, sess.ID); err != nil {
		return nil, err
	}

	u, err := s.tenants.GetUserByID(ctx, sess.UserID)
	if err != nil || !u.Active {
		return nil, apperr.Authentication("account unavailable")
	}
	return s.openSession(ctx, u)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	sess, err := s.sessions.GetValid(ctx, HashRefreshToken(refreshToken))
	if err != nil {
		// Already revoked or expired; logout is idempotent.
		return nil
	}
	return s.sessions.Revoke(ctx, sess.ID)
}

func (s *Service) openSession(ctx context.Context, u *models.User) (*TokenPair, error) {
	access, err := IssueAccessToken([]byte(s.cfg.JWTSecret), u, s.cfg.AccessTTL)
	if err != nil {
		return nil, err
	}

	refresh, refreshHash, err := NewRefreshToken()
	if err != nil {
		return nil, err
	}
	if _, err := s.sessions.Create(ctx, u.ID, refreshHash, time.Now().Add(s.cfg.RefreshTTL)); err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(s.cfg.AccessTTL.Seconds()),
	}, nil
}

func parseUUIDOrNil(s string) uuid.UUID {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil
	}
	return id
}
