// Package access models the role check consumed by every privileged entry point.
package access

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Role names a capability a caller may hold.
type Role string

const (
	RoleAdmin           Role = "ADMIN"
	RolePositionGateway Role = "POSITION_GATEWAY"
	RoleLedger          Role = "LEDGER"
	RoleLiquidator      Role = "LIQUIDATOR"
)

var ErrUnauthorized = errors.New("caller not authorized")

// Authorizer answers "is this caller authorized for role X".
type Authorizer interface {
	IsAuthorized(caller uuid.UUID, role Role) bool
}

// Require returns ErrUnauthorized (wrapped with context) when caller lacks role.
func Require(a Authorizer, caller uuid.UUID, role Role) error {
	if a == nil || !a.IsAuthorized(caller, role) {
		return fmt.Errorf("%w: %s lacks %s", ErrUnauthorized, caller, role)
	}
	return nil
}

// moduleNamespace seeds the deterministic principal ids of in-process modules.
var moduleNamespace = uuid.MustParse("6f1c2b9e-4d0a-5e8f-9a31-7c2d5b8e0f14")

// ModuleID returns the stable principal id of an in-process module.
func ModuleID(name string) uuid.UUID {
	return uuid.NewSHA1(moduleNamespace, []byte(name))
}

var (
	GatewayPrincipal = ModuleID("position-gateway")
	LedgerPrincipal  = ModuleID("trove-ledger")
	KeeperPrincipal  = ModuleID("liquidation-keeper")
)

// StaticAuthorizer is an in-memory grant table.
type StaticAuthorizer struct {
	mu     sync.RWMutex
	grants map[Role]map[uuid.UUID]struct{}
}

func NewStaticAuthorizer() *StaticAuthorizer {
	return &StaticAuthorizer{
		grants: make(map[Role]map[uuid.UUID]struct{}),
	}
}

// Grant gives caller the role.
func (a *StaticAuthorizer) Grant(caller uuid.UUID, role Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.grants[role]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		a.grants[role] = set
	}
	set[caller] = struct{}{}
}

// Revoke removes the role from caller.
func (a *StaticAuthorizer) Revoke(caller uuid.UUID, role Role) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.grants[role], caller)
}

func (a *StaticAuthorizer) IsAuthorized(caller uuid.UUID, role Role) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.grants[role][caller]
	return ok
}

// NewModuleAuthorizer returns a grant table with the in-process module principals
// bound to their roles and the given admins granted ADMIN.
func NewModuleAuthorizer(admins ...uuid.UUID) *StaticAuthorizer {
	a := NewStaticAuthorizer()
	a.Grant(GatewayPrincipal, RolePositionGateway)
	a.Grant(LedgerPrincipal, RoleLedger)
	a.Grant(KeeperPrincipal, RoleLiquidator)
	for _, admin := range admins {
		a.Grant(admin, RoleAdmin)
	}
	return a
}
