package tenant

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/docvault/docvault/internal/apperr"
	"github.com/docvault/docvault/internal/models"
)

// KeyProvisioner creates the tenant's first encryption key inside the
// tenant-creation transaction. Implemented by the key manager; declared
// here so the dependency points one way.
type KeyProvisioner interface {
	ProvisionKey(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID) (fingerprint string, err error)
}

type Service struct {
	db   *pgxpool.Pool
	keys KeyProvisioner
}

func NewService(db *pgxpool.Pool, keys KeyProvisioner) *Service {
	return &Service{db: db, keys: keys}
}

// Create inserts the tenant row, its index namespace and its first active
// key in one transaction. A tenant never exists without exactly one
// active key.
func (s *Service) Create(ctx context.Context, name, plan string) (*models.Tenant, error) {
	if name == "" {
		return nil, apperr.Validation("tenant name is required")
	}
	if plan == "" {
		plan = models.PlanStarter
	}
	if !models.ValidPlan(plan) {
		return nil, apperr.Validation("unknown plan")
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tenantID := uuid.New()
	namespace := newNamespace()

	fingerprint, err := s.keys.ProvisionKey(ctx, tx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("provision tenant key: %w", err)
	}

	var t models.Tenant
	err = tx.QueryRow(ctx,
		`INSERT INTO tenants (id, name, plan, key_fingerprint, namespace)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, name, plan, key_fingerprint, namespace, active, created_at, updated_at`,
		tenantID, name, plan, fingerprint, namespace,
	).Scan(&t.ID, &t.Name, &t.Plan, &t.KeyFingerprint, &t.Namespace, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert tenant: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tenant create: %w", err)
	}
	return &t, nil
}

func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	var t models.Tenant
	err := s.db.QueryRow(ctx,
		`SELECT id, name, plan, key_fingerprint, namespace, active, created_at, updated_at
		 FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Plan, &t.KeyFingerprint, &t.Namespace, &t.Active, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("tenant not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

// SetKeyFingerprint records the new active-key fingerprint after rotation.
func (s *Service) SetKeyFingerprint(ctx context.Context, tenantID uuid.UUID, fingerprint string) error {
	_, err := s.db.Exec(ctx,
		"UPDATE tenants SET key_fingerprint = $1, updated_at = now() WHERE id = $2",
		fingerprint, tenantID,
	)
	if err != nil {
		return fmt.Errorf("update tenant fingerprint: %w", err)
	}
	return nil
}

// Delete removes the bound tenant. FKs cascade to users, keys, documents,
// chunks, sessions and logs; the caller purges the index namespace.
func (s *Service) Delete(ctx context.Context) (namespace string, err error) {
	b, err := MustBinding(ctx)
	if err != nil {
		return "", err
	}
	tag, err := s.db.Exec(ctx, "DELETE FROM tenants WHERE id = $1", b.TenantID)
	if err != nil {
		return "", fmt.Errorf("delete tenant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", apperr.NotFound("tenant not found")
	}
	return b.Namespace, nil
}

func (s *Service) CreateUser(ctx context.Context, tenantID uuid.UUID, email, passwordHash string, role Role) (*models.User, error) {
	if !ValidRole(string(role)) {
		return nil, apperr.Validation("unknown role")
	}
	var u models.User
	err := s.db.QueryRow(ctx,
		`INSERT INTO users (tenant_id, email, password_hash, role)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id, tenant_id, email, password_hash, role, active, verified, created_at`,
		tenantID, email, passwordHash, string(role),
	).Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &u.Role, &u.Active, &u.Verified, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	return &u, nil
}

func (s *Service) GetUserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(ctx,
		`SELECT id, tenant_id, email, password_hash, role, active, verified, created_at
		 FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &u.Role, &u.Active, &u.Verified, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *Service) GetUserByEmail(ctx context.Context, tenantID uuid.UUID, email string) (*models.User, error) {
	var u models.User
	err := s.db.QueryRow(ctx,
		`SELECT id, tenant_id, email, password_hash, role, active, verified, created_at
		 FROM users WHERE tenant_id = $1 AND email = $2`, tenantID, email,
	).Scan(&u.ID, &u.TenantID, &u.Email, &u.PasswordHash, &u.Role, &u.Active, &u.Verified, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("user not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return &u, nil
}

// BindWorker reconstructs a binding for background work from a task
// payload's tenant id, refusing deactivated tenants. Worker bindings carry
// no user identity or role.
func (s *Service) BindWorker(ctx context.Context, tenantID uuid.UUID) (context.Context, error) {
	t, err := s.GetByID(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !t.Active {
		return nil, apperr.Authentication("tenant is deactivated")
	}
	return WithBinding(ctx, Binding{TenantID: t.ID, Namespace: t.Namespace}), nil
}

func newNamespace() string {
	buf := make([]byte, 12)
	rand.Read(buf)
	return "ns_" + hex.EncodeToString(buf)
}
