package ledger

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DebtToken is the symbol of the stablecoin minted against collateral.
const DebtToken = "XUSD"

// AccountScope represents the top-level account namespace
type AccountScope uint8

const (
	AccountScopeUser AccountScope = iota
	AccountScopeSystem
	AccountScopeExternal
)

// AccountSubType represents the account purpose
type AccountSubType uint8

const (
	// User sub-types
	SubTypeWallet AccountSubType = iota

	// System sub-types
	SubTypeActivePool    // collateral backing recorded trove coll
	SubTypeDefaultPool   // redistributed collateral not yet applied to troves
	SubTypeStabilityPool // debt-token deposits and absorbed collateral
	SubTypeGasPool       // debt tokens reserved as liquidation gas compensation
	SubTypeFeeSink       // borrowing fees
	SubTypeUnallocated   // residual collateral with no stake holder to receive it

	// External sub-types
	SubTypeExternalBridge // collateral entering or leaving the book
	SubTypeExternalMint   // debt-token supply
)

var subTypeNames = map[AccountSubType]string{
	SubTypeWallet:         "wallet",
	SubTypeActivePool:     "active_pool",
	SubTypeDefaultPool:    "default_pool",
	SubTypeStabilityPool:  "stability_pool",
	SubTypeGasPool:        "gas_pool",
	SubTypeFeeSink:        "fee_sink",
	SubTypeUnallocated:    "unallocated",
	SubTypeExternalBridge: "bridge",
	SubTypeExternalMint:   "mint",
}

// AccountKey is the in-memory key for balance tracking
type AccountKey struct {
	Scope    AccountScope
	EntityID [16]byte // UUID for users, zero for system and external accounts
	SubType  AccountSubType
	Asset    string
}

// NewUserAccountKey creates the wallet key of a user for an asset
func NewUserAccountKey(userID uuid.UUID, asset string) AccountKey {
	return AccountKey{
		Scope:    AccountScopeUser,
		EntityID: userID,
		SubType:  SubTypeWallet,
		Asset:    asset,
	}
}

// NewSystemAccountKey creates a key for system accounts
func NewSystemAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeSystem,
		SubType: subType,
		Asset:   asset,
	}
}

// NewExternalAccountKey creates a key for external boundary accounts
func NewExternalAccountKey(subType AccountSubType, asset string) AccountKey {
	return AccountKey{
		Scope:   AccountScopeExternal,
		SubType: subType,
		Asset:   asset,
	}
}

// IsExternal reports whether the account sits outside the book
func (k AccountKey) IsExternal() bool {
	return k.Scope == AccountScopeExternal
}

// AccountPath returns the string representation for storage/logging
func (k AccountKey) AccountPath() string {
	switch k.Scope {
	case AccountScopeUser:
		uid := uuid.UUID(k.EntityID)
		return fmt.Sprintf("user:%s:%s:%s", uid.String(), k.subTypeName(), k.Asset)
	case AccountScopeSystem:
		return fmt.Sprintf("system:%s:%s", k.subTypeName(), k.Asset)
	case AccountScopeExternal:
		return fmt.Sprintf("external:%s:%s", k.subTypeName(), k.Asset)
	}
	return "unknown"
}

func (k AccountKey) subTypeName() string {
	if name, ok := subTypeNames[k.SubType]; ok {
		return name
	}
	return "unknown"
}

func parseSubType(name string) (AccountSubType, bool) {
	for st, n := range subTypeNames {
		if n == name {
			return st, true
		}
	}
	return 0, false
}

// ParseAccountPath is the inverse of AccountPath (used on snapshot restore)
func ParseAccountPath(path string) (AccountKey, error) {
	parts := strings.Split(path, ":")
	switch {
	case len(parts) == 4 && parts[0] == "user":
		uid, err := uuid.Parse(parts[1])
		if err != nil {
			return AccountKey{}, fmt.Errorf("account path %q: %w", path, err)
		}
		if parts[2] != "wallet" {
			return AccountKey{}, fmt.Errorf("account path %q: unknown user sub-type", path)
		}
		return NewUserAccountKey(uid, parts[3]), nil

	case len(parts) == 3 && (parts[0] == "system" || parts[0] == "external"):
		st, ok := parseSubType(parts[1])
		if !ok {
			return AccountKey{}, fmt.Errorf("account path %q: unknown sub-type", path)
		}
		if parts[0] == "system" {
			return NewSystemAccountKey(st, parts[2]), nil
		}
		return NewExternalAccountKey(st, parts[2]), nil
	}
	return AccountKey{}, fmt.Errorf("account path %q: malformed", path)
}
