package tenant

import (
	"context"

	"github.com/google/uuid"

	"github.com/docvault/docvault/internal/apperr"
)

// AssertOwned checks a row's tenant id against the binding. Stores call it
// after scanning as a second line of defense behind the SQL filter; a
// mismatch means a query missed its tenant_id predicate and is always a
// bug worth failing loudly on.
func AssertOwned(ctx context.Context, rowTenantID uuid.UUID) error {
	b, err := MustBinding(ctx)
	if err != nil {
		return err
	}
	if rowTenantID != b.TenantID {
		return apperr.Authorization("row does not belong to the bound tenant")
	}
	return nil
}
