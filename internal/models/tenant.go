package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	PlanStarter    = "starter"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

type Tenant struct {
	ID             uuid.UUID `json:"id" db:"id"`
	Name           string    `json:"name" db:"name"`
	Plan           string    `json:"plan" db:"plan"`
	KeyFingerprint string    `json:"-" db:"key_fingerprint"`
	Namespace      string    `json:"-" db:"namespace"`
	Active         bool      `json:"active" db:"active"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

func ValidPlan(plan string) bool {
	switch plan {
	case PlanStarter, PlanPro, PlanEnterprise:
		return true
	}
	return false
}
