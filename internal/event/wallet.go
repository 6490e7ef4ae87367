package event

import (
	fpmath "TroveLedger/internal/math"

	"github.com/google/uuid"
)

// WalletFunded records collateral or debt tokens entering a wallet from outside the book
type WalletFunded struct {
	User   uuid.UUID     `json:"user"`
	Asset  string        `json:"asset"`
	Amount fpmath.Amount `json:"amount"`
}

func (e *WalletFunded) EventType() EventType { return EventTypeWalletFunded }
func (e *WalletFunded) AssetID() string      { return e.Asset }

// WalletWithdrawn records tokens leaving the book
type WalletWithdrawn struct {
	User   uuid.UUID     `json:"user"`
	Asset  string        `json:"asset"`
	Amount fpmath.Amount `json:"amount"`
}

func (e *WalletWithdrawn) EventType() EventType { return EventTypeWalletWithdrawn }
func (e *WalletWithdrawn) AssetID() string      { return e.Asset }

type DebtTransferred struct {
	From   uuid.UUID     `json:"from"`
	To     uuid.UUID     `json:"to"`
	Amount fpmath.Amount `json:"amount"`
}

func (e *DebtTransferred) EventType() EventType { return EventTypeDebtTransferred }
func (e *DebtTransferred) AssetID() string      { return "" }
