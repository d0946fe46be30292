package models

import (
	"time"

	"github.com/google/uuid"
)

// EncryptionKey holds a tenant data key wrapped under the master key.
// The unwrapped material never touches a model or a database row.
type EncryptionKey struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	TenantID    uuid.UUID  `json:"tenant_id" db:"tenant_id"`
	Fingerprint string     `json:"fingerprint" db:"fingerprint"`
	WrappedKey  []byte     `json:"-" db:"wrapped_key"`
	Active      bool       `json:"active" db:"active"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	RotatedAt   *time.Time `json:"rotated_at,omitempty" db:"rotated_at"`
}
