// Package keymanager owns the tenant key lifecycle: creation, wrapping
// under the master key, rotation and retrieval-for-use. Unwrapped key
// material only ever lives in process memory.
package keymanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/singleflight"

	"github.com/docvault/docvault/internal/apperr"
	"github.com/docvault/docvault/internal/models"
	"github.com/docvault/docvault/internal/tenant"
)

// Store is the key persistence boundary.
type Store interface {
	InsertTx(ctx context.Context, tx pgx.Tx, k *models.EncryptionKey) error
	ActiveKey(ctx context.Context, tenantID uuid.UUID) (*models.EncryptionKey, error)
	ByFingerprint(ctx context.Context, tenantID uuid.UUID, fingerprint string) (*models.EncryptionKey, error)
	// Rotate inserts the new active key and deactivates the previous one
	// in a single transaction, so no state with zero active keys is ever
	// observable.
	Rotate(ctx context.Context, newKey *models.EncryptionKey) (prevFingerprint string, err error)
}

// Locker serializes rotation per tenant across processes.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// FingerprintRecorder mirrors the active fingerprint onto the tenant row.
type FingerprintRecorder interface {
	SetKeyFingerprint(ctx context.Context, tenantID uuid.UUID, fingerprint string) error
}

// KeyHandle is an unwrapped key ready for use, scoped to one tenant.
type KeyHandle struct {
	Fingerprint string
	material    []byte
	aad         []byte
}

func (h *KeyHandle) Encrypt(plaintext []byte) ([]byte, error) {
	return Seal(h.material, plaintext, h.aad)
}

func (h *KeyHandle) Decrypt(ciphertext []byte) ([]byte, error) {
	return Open(h.material, ciphertext, h.aad)
}

type Manager struct {
	store       Store
	locker      Locker
	tenants     FingerprintRecorder
	wrappingKey []byte
	lockTTL     time.Duration

	mu       sync.RWMutex
	unwrapped map[string][]byte // fingerprint -> material
	sf        singleflight.Group
}

func NewManager(masterKey []byte, store Store, locker Locker, tenants FingerprintRecorder, lockTTL time.Duration) (*Manager, error) {
	wrappingKey, err := DeriveWrappingKey(masterKey)
	if err != nil {
		return nil, err
	}
	return &Manager{
		store:       store,
		locker:      locker,
		tenants:     tenants,
		wrappingKey: wrappingKey,
		lockTTL:     lockTTL,
		unwrapped:   make(map[string][]byte),
	}, nil
}

// ProvisionKey generates and persists a tenant's first key inside the
// tenant-creation transaction, so a tenant can never exist without
// exactly one active key.
func (m *Manager) ProvisionKey(ctx context.Context, tx pgx.Tx, tenantID uuid.UUID) (string, error) {
	k, err := m.newKey(tenantID, true)
	if err != nil {
		return "", err
	}
	if err := m.store.InsertTx(ctx, tx, k); err != nil {
		return "", fmt.Errorf("insert tenant key: %w", err)
	}
	return k.Fingerprint, nil
}

// ActiveKey returns the bound tenant's active key. There is no way to ask
// for another tenant's key: the tenant is taken from the binding alone.
func (m *Manager) ActiveKey(ctx context.Context) (*KeyHandle, error) {
	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return nil, err
	}

	v, err, _ := m.sf.Do("active:"+b.TenantID.String(), func() (interface{}, error) {
		return m.store.ActiveKey(ctx, b.TenantID)
	})
	if err != nil {
		return nil, err
	}
	return m.handle(b.TenantID, v.(*models.EncryptionKey))
}

// KeyByFingerprint resolves a historical key for decrypting chunks sealed
// before a rotation. A fingerprint belonging to another tenant is
// indistinguishable from a missing one.
func (m *Manager) KeyByFingerprint(ctx context.Context, fingerprint string) (*KeyHandle, error) {
	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return nil, err
	}
	k, err := m.store.ByFingerprint(ctx, b.TenantID, fingerprint)
	if err != nil {
		return nil, err
	}
	return m.handle(b.TenantID, k)
}

// Rotate creates a new active key for the bound tenant and deactivates
// the previous one, which stays retrievable by fingerprint for as long as
// chunks reference it. One rotation per tenant at a time; reads of the
// previous key are never blocked.
func (m *Manager) Rotate(ctx context.Context) (*models.EncryptionKey, error) {
	b, err := tenant.MustBinding(ctx)
	if err != nil {
		return nil, err
	}

	lockKey := "keyrotate:" + b.TenantID.String()
	ok, err := m.locker.Acquire(ctx, lockKey, m.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("acquire rotation lock: %w", err)
	}
	if !ok {
		return nil, apperr.Validation("key rotation already in progress")
	}
	defer m.locker.Release(ctx, lockKey)

	k, err := m.newKey(b.TenantID, true)
	if err != nil {
		return nil, err
	}
	if _, err := m.store.Rotate(ctx, k); err != nil {
		return nil, fmt.Errorf("rotate key: %w", err)
	}
	// The rotation is committed at this point; the keys table is
	// authoritative and the tenant row only mirrors the fingerprint.
	if err := m.tenants.SetKeyFingerprint(ctx, b.TenantID, k.Fingerprint); err != nil {
		slog.Warn("failed to mirror key fingerprint onto tenant",
			"tenant_id", b.TenantID, "fingerprint", k.Fingerprint[:8], "error", err)
	}

	sanitized := *k
	sanitized.WrappedKey = nil
	return &sanitized, nil
}

func (m *Manager) newKey(tenantID uuid.UUID, active bool) (*models.EncryptionKey, error) {
	material, err := newKeyMaterial()
	if err != nil {
		return nil, err
	}
	wrapped, err := Seal(m.wrappingKey, material, tenantID[:])
	if err != nil {
		return nil, fmt.Errorf("wrap key material: %w", err)
	}

	fingerprint := Fingerprint(material)
	m.mu.Lock()
	m.unwrapped[fingerprint] = material
	m.mu.Unlock()

	return &models.EncryptionKey{
		ID:          uuid.New(),
		TenantID:    tenantID,
		Fingerprint: fingerprint,
		WrappedKey:  wrapped,
		Active:      active,
	}, nil
}

func (m *Manager) handle(tenantID uuid.UUID, k *models.EncryptionKey) (*KeyHandle, error) {
	m.mu.RLock()
	material, cached := m.unwrapped[k.Fingerprint]
	m.mu.RUnlock()

	if !cached {
		var err error
		material, err = Open(m.wrappingKey, k.WrappedKey, tenantID[:])
		if err != nil {
			return nil, fmt.Errorf("unwrap key %s: %w", k.Fingerprint[:8], err)
		}
		m.mu.Lock()
		m.unwrapped[k.Fingerprint] = material
		m.mu.Unlock()
	}

	return &KeyHandle{
		Fingerprint: k.Fingerprint,
		material:    material,
		aad:         tenantID[:],
	}, nil
}
