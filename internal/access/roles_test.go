package access_test

import (
	"TroveLedger/internal/access"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestModuleID_Stable(t *testing.T) {
	if access.ModuleID("position-gateway") != access.GatewayPrincipal {
		t.Error("module id should be deterministic")
	}
	if access.GatewayPrincipal == access.LedgerPrincipal {
		t.Error("module ids should differ")
	}
}

func TestStaticAuthorizer_GrantRevoke(t *testing.T) {
	a := access.NewStaticAuthorizer()
	user := uuid.New()

	if err := access.Require(a, user, access.RoleAdmin); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}

	a.Grant(user, access.RoleAdmin)
	if err := access.Require(a, user, access.RoleAdmin); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	a.Revoke(user, access.RoleAdmin)
	if a.IsAuthorized(user, access.RoleAdmin) {
		t.Error("role should be revoked")
	}
}

func TestNewModuleAuthorizer(t *testing.T) {
	admin := uuid.New()
	a := access.NewModuleAuthorizer(admin)

	cases := []struct {
		caller uuid.UUID
		role   access.Role
	}{
		{access.GatewayPrincipal, access.RolePositionGateway},
		{access.LedgerPrincipal, access.RoleLedger},
		{access.KeeperPrincipal, access.RoleLiquidator},
		{admin, access.RoleAdmin},
	}
	for _, tc := range cases {
		if !a.IsAuthorized(tc.caller, tc.role) {
			t.Errorf("%s should hold %s", tc.caller, tc.role)
		}
	}
	if a.IsAuthorized(admin, access.RoleLedger) {
		t.Error("admin should not hold LEDGER")
	}
}

func TestRequire_NilAuthorizer(t *testing.T) {
	if err := access.Require(nil, uuid.New(), access.RoleAdmin); !errors.Is(err, access.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}
