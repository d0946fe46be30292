package tenant

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docvault/docvault/internal/apperr"
)

func TestMustBindingMissing(t *testing.T) {
	_, err := MustBinding(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindAuthentication))
}

func TestMustBindingNilTenant(t *testing.T) {
	ctx := WithBinding(context.Background(), Binding{})
	_, err := MustBinding(ctx)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindAuthentication))
}

func TestBindingRoundTrip(t *testing.T) {
	want := Binding{
		TenantID:  uuid.New(),
		UserID:    uuid.New(),
		Role:      RoleAdmin,
		Namespace: "ns_abc",
	}
	ctx := WithBinding(context.Background(), want)

	got, err := MustBinding(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAssertOwned(t *testing.T) {
	tenantID := uuid.New()
	ctx := WithBinding(context.Background(), Binding{TenantID: tenantID})

	assert.NoError(t, AssertOwned(ctx, tenantID))

	err := AssertOwned(ctx, uuid.New())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindAuthorization))

	err = AssertOwned(context.Background(), tenantID)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindAuthentication))
}

func TestRolePermissions(t *testing.T) {
	cases := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleAdmin, ActionUploadDocument, true},
		{RoleAdmin, ActionRotateKey, true},
		{RoleAdmin, ActionViewAudit, true},
		{RoleUser, ActionUploadDocument, true},
		{RoleUser, ActionDeleteDocument, true},
		{RoleUser, ActionSearch, true},
		{RoleUser, ActionRotateKey, false},
		{RoleUser, ActionViewAudit, false},
		{RoleViewer, ActionSearch, true},
		{RoleViewer, ActionUploadDocument, false},
		{RoleViewer, ActionDeleteDocument, false},
		{Role("unknown"), ActionSearch, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.role.Can(tc.action), "%s %s", tc.role, tc.action)
	}
}

func TestValidRole(t *testing.T) {
	assert.True(t, ValidRole("admin"))
	assert.True(t, ValidRole("user"))
	assert.True(t, ValidRole("viewer"))
	assert.False(t, ValidRole("superuser"))
	assert.False(t, ValidRole(""))
}
