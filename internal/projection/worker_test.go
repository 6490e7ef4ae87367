package projection

import (
	"TroveLedger/internal/core"
	"TroveLedger/internal/event"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	alice  = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	keeper = uuid.MustParse("00000000-0000-0000-0000-0000000000cc")
)

func TestPlan_BalanceDeltas(t *testing.T) {
	out := core.CoreOutput{
		Record: core.CommandRecord{Sequence: 3, Time: time.Unix(1_700_000_000, 0).UTC()},
		Batch: &ledger.Batch{Journals: []ledger.Journal{{
			DebitAccount:  ledger.NewSystemAccountKey(ledger.SubTypeActivePool, "WETH"),
			CreditAccount: ledger.NewUserAccountKey(alice, "WETH"),
			Asset:         "WETH",
			Amount:        fpmath.Units(2),
			JournalType:   ledger.JournalTypeCollateralIn,
		}}},
	}

	u := Plan(out)
	require.Equal(t, int64(3), u.Sequence)
	require.Equal(t, []BalanceDelta{
		{Account: "system:active_pool:WETH", Asset: "WETH", Amount: "2000000000000000000"},
		{Account: "user:" + alice.String() + ":wallet:WETH", Asset: "WETH", Amount: "2000000000000000000", Negative: true},
	}, u.Balances)
	require.Empty(t, u.Troves)
}

func TestPlan_LastTroveUpdateWins(t *testing.T) {
	out := core.CoreOutput{
		Record: core.CommandRecord{Sequence: 9},
		Envelope: &event.EventEnvelope{Events: []event.Event{
			&event.TroveUpdated{Borrower: alice, Asset: "WETH", Debt: fpmath.Units(2000), Coll: fpmath.Units(1), Stake: fpmath.Units(1), Operation: event.OpApplyPendingRewards},
			&event.TroveLiquidated{Borrower: alice, Asset: "WETH", Debt: fpmath.Units(2000), Coll: fpmath.Units(1), Liquidator: keeper},
			&event.TroveUpdated{Borrower: alice, Asset: "WETH", Operation: event.OpLiquidate},
		}},
	}

	u := Plan(out)
	require.Len(t, u.Troves, 1)
	require.Equal(t, "closed_by_liquidation", u.Troves[0].Status)
	require.Equal(t, "0", u.Troves[0].Debt)

	require.Len(t, u.Liquidations, 1)
	l := u.Liquidations[0]
	require.Equal(t, 1, l.Index)
	require.Equal(t, keeper, l.Liquidator)
	require.Equal(t, "2000000000000000000000", l.Debt)
}

func TestTroveStatus(t *testing.T) {
	require.Equal(t, "active", troveStatus(event.OpOpenTrove).String())
	require.Equal(t, "active", troveStatus(event.OpAdjustTrove).String())
	require.Equal(t, "closed_by_owner", troveStatus(event.OpCloseTrove).String())
}
