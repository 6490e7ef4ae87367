package core

import (
	fpmath "TroveLedger/internal/math"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CommandType discriminates command payloads on the wire.
type CommandType string

const (
	CmdFundWallet              CommandType = "fund_wallet"
	CmdWithdrawWallet          CommandType = "withdraw_wallet"
	CmdTransferDebt            CommandType = "transfer_debt"
	CmdRegisterOracle          CommandType = "register_oracle"
	CmdFreezeOracle            CommandType = "freeze_oracle"
	CmdUnfreezeOracle          CommandType = "unfreeze_oracle"
	CmdRefreshPrice            CommandType = "refresh_price"
	CmdSetBaseRate             CommandType = "set_base_rate"
	CmdSetMaxTroves            CommandType = "set_max_troves"
	CmdOpenTrove               CommandType = "open_trove"
	CmdAdjustTrove             CommandType = "adjust_trove"
	CmdCloseTrove              CommandType = "close_trove"
	CmdLiquidate               CommandType = "liquidate"
	CmdBatchLiquidate          CommandType = "batch_liquidate"
	CmdLiquidateTroves         CommandType = "liquidate_troves"
	CmdProvideToSP             CommandType = "provide_to_sp"
	CmdWithdrawFromSP          CommandType = "withdraw_from_sp"
	CmdClaimCollateralGains    CommandType = "claim_collateral_gains"
	CmdClaimAllCollateralGains CommandType = "claim_all_collateral_gains"
)

var ErrUnknownCommand = errors.New("core: unknown command type")

// Command is implemented by every command payload.
type Command interface {
	CommandType() CommandType
}

// FundWallet credits a wallet from the bridge (collateral) or the external
// supply (debt token). ADMIN only.
type FundWallet struct {
	User   uuid.UUID     `json:"user"`
	Asset  string        `json:"asset"`
	Amount fpmath.Amount `json:"amount"`
}

type WithdrawWallet struct {
	Asset  string        `json:"asset"`
	Amount fpmath.Amount `json:"amount"`
}

type TransferDebt struct {
	To     uuid.UUID     `json:"to"`
	Amount fpmath.Amount `json:"amount"`
}

// RegisterOracle binds asset to a named feed and enables troves for it.
type RegisterOracle struct {
	Asset     string        `json:"asset"`
	Feed      string        `json:"feed"`
	Heartbeat time.Duration `json:"heartbeat"`
	MaxTroves int           `json:"max_troves,omitempty"`
}

type FreezeOracle struct {
	Asset  string `json:"asset"`
	Reason string `json:"reason"`
}

type UnfreezeOracle struct {
	Asset string `json:"asset"`
}

// RefreshPrice reads the feed so the last good price follows the market
// between trove operations.
type RefreshPrice struct {
	Asset string `json:"asset"`
}

type SetBaseRate struct {
	Asset string        `json:"asset"`
	Rate  fpmath.Amount `json:"rate"`
}

type SetMaxTroves struct {
	Asset string `json:"asset"`
	Max   int    `json:"max"`
}

type OpenTrove struct {
	Asset    string        `json:"asset"`
	MaxFee   fpmath.Amount `json:"max_fee"`
	Coll     fpmath.Amount `json:"coll"`
	Debt     fpmath.Amount `json:"debt"`
	HintPrev uuid.UUID     `json:"hint_prev"`
	HintNext uuid.UUID     `json:"hint_next"`
}

type AdjustTrove struct {
	Asset          string        `json:"asset"`
	MaxFee         fpmath.Amount `json:"max_fee"`
	CollDelta      fpmath.Amount `json:"coll_delta"`
	DebtDelta      fpmath.Amount `json:"debt_delta"`
	IsCollIncrease bool          `json:"is_coll_increase"`
	IsDebtIncrease bool          `json:"is_debt_increase"`
	HintPrev       uuid.UUID     `json:"hint_prev"`
	HintNext       uuid.UUID     `json:"hint_next"`
}

type CloseTrove struct {
	Asset string `json:"asset"`
}

type Liquidate struct {
	Borrower uuid.UUID `json:"borrower"`
	Asset    string    `json:"asset"`
}

type BatchLiquidate struct {
	Asset         string      `json:"asset"`
	Borrowers     []uuid.UUID `json:"borrowers"`
	MaxIterations int         `json:"max_iterations"`
}

type LiquidateTroves struct {
	Asset         string `json:"asset"`
	MaxIterations int    `json:"max_iterations"`
}

type ProvideToSP struct {
	Amount fpmath.Amount `json:"amount"`
}

type WithdrawFromSP struct {
	Amount fpmath.Amount `json:"amount"`
}

type ClaimCollateralGains struct {
	Asset string `json:"asset"`
}

type ClaimAllCollateralGains struct {
	Assets []string `json:"assets"`
}

func (*FundWallet) CommandType() CommandType              { return CmdFundWallet }
func (*WithdrawWallet) CommandType() CommandType          { return CmdWithdrawWallet }
func (*TransferDebt) CommandType() CommandType            { return CmdTransferDebt }
func (*RegisterOracle) CommandType() CommandType          { return CmdRegisterOracle }
func (*FreezeOracle) CommandType() CommandType            { return CmdFreezeOracle }
func (*UnfreezeOracle) CommandType() CommandType          { return CmdUnfreezeOracle }
func (*RefreshPrice) CommandType() CommandType            { return CmdRefreshPrice }
func (*SetBaseRate) CommandType() CommandType             { return CmdSetBaseRate }
func (*SetMaxTroves) CommandType() CommandType            { return CmdSetMaxTroves }
func (*OpenTrove) CommandType() CommandType               { return CmdOpenTrove }
func (*AdjustTrove) CommandType() CommandType             { return CmdAdjustTrove }
func (*CloseTrove) CommandType() CommandType              { return CmdCloseTrove }
func (*Liquidate) CommandType() CommandType               { return CmdLiquidate }
func (*BatchLiquidate) CommandType() CommandType          { return CmdBatchLiquidate }
func (*LiquidateTroves) CommandType() CommandType         { return CmdLiquidateTroves }
func (*ProvideToSP) CommandType() CommandType             { return CmdProvideToSP }
func (*WithdrawFromSP) CommandType() CommandType          { return CmdWithdrawFromSP }
func (*ClaimCollateralGains) CommandType() CommandType    { return CmdClaimCollateralGains }
func (*ClaimAllCollateralGains) CommandType() CommandType { return CmdClaimAllCollateralGains }

func newCommand(t CommandType) (Command, error) {
	switch t {
	case CmdFundWallet:
		return &FundWallet{}, nil
	case CmdWithdrawWallet:
		return &WithdrawWallet{}, nil
	case CmdTransferDebt:
		return &TransferDebt{}, nil
	case CmdRegisterOracle:
		return &RegisterOracle{}, nil
	case CmdFreezeOracle:
		return &FreezeOracle{}, nil
	case CmdUnfreezeOracle:
		return &UnfreezeOracle{}, nil
	case CmdRefreshPrice:
		return &RefreshPrice{}, nil
	case CmdSetBaseRate:
		return &SetBaseRate{}, nil
	case CmdSetMaxTroves:
		return &SetMaxTroves{}, nil
	case CmdOpenTrove:
		return &OpenTrove{}, nil
	case CmdAdjustTrove:
		return &AdjustTrove{}, nil
	case CmdCloseTrove:
		return &CloseTrove{}, nil
	case CmdLiquidate:
		return &Liquidate{}, nil
	case CmdBatchLiquidate:
		return &BatchLiquidate{}, nil
	case CmdLiquidateTroves:
		return &LiquidateTroves{}, nil
	case CmdProvideToSP:
		return &ProvideToSP{}, nil
	case CmdWithdrawFromSP:
		return &WithdrawFromSP{}, nil
	case CmdClaimCollateralGains:
		return &ClaimCollateralGains{}, nil
	case CmdClaimAllCollateralGains:
		return &ClaimAllCollateralGains{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, t)
	}
}

// Request is one submitted command. ID is the idempotency key; Nonce must be
// the caller's next expected nonce.
type Request struct {
	ID      uuid.UUID
	Caller  uuid.UUID
	Nonce   int64
	Command Command
}

type wireRequest struct {
	ID      uuid.UUID       `json:"id"`
	Caller  uuid.UUID       `json:"caller"`
	Nonce   int64           `json:"nonce"`
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	if r.Command == nil {
		return nil, fmt.Errorf("%w: nil command", ErrUnknownCommand)
	}
	payload, err := json.Marshal(r.Command)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireRequest{
		ID:      r.ID,
		Caller:  r.Caller,
		Nonce:   r.Nonce,
		Type:    r.Command.CommandType(),
		Payload: payload,
	})
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	cmd, err := newCommand(w.Type)
	if err != nil {
		return err
	}
	if len(w.Payload) > 0 {
		if err := json.Unmarshal(w.Payload, cmd); err != nil {
			return fmt.Errorf("decode %s payload: %w", w.Type, err)
		}
	}
	*r = Request{ID: w.ID, Caller: w.Caller, Nonce: w.Nonce, Command: cmd}
	return nil
}

// ValidateAmounts rejects any amount in cmd above fpmath.MaxInput, before the
// command reaches arithmetic that treats overflow as fatal.
func ValidateAmounts(cmd Command) error {
	var named []struct {
		name string
		v    fpmath.Amount
	}
	add := func(name string, v fpmath.Amount) {
		named = append(named, struct {
			name string
			v    fpmath.Amount
		}{name, v})
	}
	switch c := cmd.(type) {
	case *FundWallet:
		add("amount", c.Amount)
	case *WithdrawWallet:
		add("amount", c.Amount)
	case *TransferDebt:
		add("amount", c.Amount)
	case *SetBaseRate:
		add("rate", c.Rate)
	case *OpenTrove:
		add("max_fee", c.MaxFee)
		add("coll", c.Coll)
		add("debt", c.Debt)
	case *AdjustTrove:
		add("max_fee", c.MaxFee)
		add("coll_delta", c.CollDelta)
		add("debt_delta", c.DebtDelta)
	case *ProvideToSP:
		add("amount", c.Amount)
	case *WithdrawFromSP:
		add("amount", c.Amount)
	}
	for _, n := range named {
		if err := fpmath.CheckInput(n.name, n.v); err != nil {
			return err
		}
	}
	return nil
}
