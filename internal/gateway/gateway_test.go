package gateway_test

import (
	"TroveLedger/internal/access"
	"TroveLedger/internal/call"
	"TroveLedger/internal/event"
	"TroveLedger/internal/gateway"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/pool"
	"TroveLedger/internal/sorted"
	"TroveLedger/internal/trove"
	"TroveLedger/internal/txn"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

const weth = "WETH"

var (
	alice = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	bob   = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	admin = uuid.MustParse("00000000-0000-0000-0000-0000000000ad")
)

type fixedPrices map[string]fpmath.Amount

func (p fixedPrices) GetValidPrice(_ context.Context, asset string) (fpmath.Amount, error) {
	return p[asset], nil
}

type fixture struct {
	ctx     context.Context
	journal *txn.Journal
	events  *event.Buffer
	book    *ledger.Book
	index   *sorted.Index
	ledger  *trove.Ledger
	gw      *gateway.Gateway
	prices  fixedPrices
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	j := txn.NewJournal()
	buf := event.NewBuffer(j)
	auth := access.NewModuleAuthorizer(admin)
	book := ledger.NewBook(j, buf)
	index := sorted.New(j, sorted.DefaultMaxSize)
	prices := fixedPrices{weth: fpmath.Units(2000)}
	sp := pool.New(auth, j, buf, book)
	sp.RegisterAsset(weth)

	now := time.Unix(1_700_000_000, 0)
	gw := gateway.New(auth, j, buf, prices, index, book, clockwork.NewFakeClockAt(now))
	tl := trove.New(auth, j, buf, prices, index, sp, book)
	tl.RegisterAsset(weth)
	require.NoError(t, gw.SetTroveLedger(tl))

	ctx := call.WithScope(context.Background(), call.NewScope(uuid.New(), now))
	return &fixture{ctx: ctx, journal: j, events: buf, book: book, index: index, ledger: tl, gw: gw, prices: prices}
}

func (f *fixture) fund(t *testing.T, who uuid.UUID, asset string, amount fpmath.Amount) {
	t.Helper()
	require.NoError(t, f.book.Fund(f.ctx, who, asset, amount))
}

func (f *fixture) open(who uuid.UUID, coll, debt uint64) error {
	return f.gw.OpenTrove(f.ctx, who, weth, fpmath.Percent(5), fpmath.Units(coll), fpmath.Units(debt), uuid.Nil, uuid.Nil)
}

func xusd(who uuid.UUID) ledger.AccountKey {
	return ledger.NewUserAccountKey(who, ledger.DebtToken)
}

func systemXUSD(sub ledger.AccountSubType) ledger.AccountKey {
	return ledger.NewSystemAccountKey(sub, ledger.DebtToken)
}

func requireAmount(t *testing.T, want, got fpmath.Amount) {
	t.Helper()
	require.True(t, want.Eq(got), "want %s, got %s", want, got)
}

// ============================================================================
// Binding
// ============================================================================

func TestSetTroveLedger_Once(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.gw.SetTroveLedger(f.ledger), gateway.ErrLedgerAlreadySet)
}

func TestSetTroveLedger_Nil(t *testing.T) {
	gw := gateway.New(access.NewModuleAuthorizer(), txn.NewJournal(), event.NewBuffer(nil), fixedPrices{}, nil, nil, nil)
	require.ErrorIs(t, gw.SetTroveLedger(nil), gateway.ErrNilLedger)
}

func TestOpenTrove_WithoutLedger(t *testing.T) {
	gw := gateway.New(access.NewModuleAuthorizer(), txn.NewJournal(), event.NewBuffer(nil), fixedPrices{}, nil, nil, nil)
	err := gw.OpenTrove(context.Background(), alice, weth, fpmath.Percent(5), fpmath.Units(1), fpmath.Units(2000), uuid.Nil, uuid.Nil)
	require.ErrorIs(t, err, gateway.ErrNilLedger)
}

// ============================================================================
// Open
// ============================================================================

func TestOpenTrove_Accepted(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, weth, fpmath.Units(10))

	require.NoError(t, f.open(alice, 10, 10000))

	tr := f.ledger.GetTrove(alice, weth)
	require.Equal(t, trove.StatusActive, tr.Status)
	requireAmount(t, fpmath.Units(10250), tr.Debt)
	requireAmount(t, fpmath.Units(10), tr.Coll)
	requireAmount(t, fpmath.Units(10), tr.Stake)

	requireAmount(t, fpmath.Units(10000), f.book.BalanceOf(xusd(alice)))
	requireAmount(t, fpmath.Units(50), f.book.BalanceOf(systemXUSD(ledger.SubTypeFeeSink)))
	requireAmount(t, fpmath.Units(200), f.book.BalanceOf(systemXUSD(ledger.SubTypeGasPool)))
	requireAmount(t, fpmath.Units(10), f.book.BalanceOf(ledger.NewSystemAccountKey(ledger.SubTypeActivePool, weth)))
	requireAmount(t, fpmath.Zero(), f.book.BalanceOf(ledger.NewUserAccountKey(alice, weth)))

	require.True(t, f.index.Contains(weth, alice))
	requireAmount(t, trove.ComputeNICR(fpmath.Units(10), fpmath.Units(10250)), f.index.NICR(weth, alice))
	require.Equal(t, []string{weth}, f.gw.GetUserAssets(alice))

	icr := f.ledger.GetCurrentICR(alice, weth, fpmath.Units(2000))
	require.True(t, icr.Gt(fpmath.Percent(195)) && icr.Lt(fpmath.Percent(196)), "ICR %s", icr)
}

func TestOpenTrove_InsufficientCollateralRatio(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, weth, fpmath.Units(1))

	require.ErrorIs(t, f.open(alice, 1, 2100), gateway.ErrInsufficientCollateralRatio)
	require.Equal(t, trove.StatusNonExistent, f.ledger.Status(alice, weth))
	require.False(t, f.index.Contains(weth, alice))
}

func TestOpenTrove_DebtBelowMinimum(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, weth, fpmath.Units(10))
	require.ErrorIs(t, f.open(alice, 10, 1000), gateway.ErrDebtBelowMinimum)
}

func TestOpenTrove_AlreadyExists(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, weth, fpmath.Units(20))
	require.NoError(t, f.open(alice, 10, 10000))
	require.ErrorIs(t, f.open(alice, 10, 10000), trove.ErrTroveAlreadyExists)
}

func TestOpenTrove_InsufficientWallet(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, weth, fpmath.Units(5))
	require.ErrorIs(t, f.open(alice, 10, 10000), ledger.ErrInsufficientBalance)
}

func TestOpenTrove_UnregisteredAsset(t *testing.T) {
	f := newFixture(t)
	err := f.gw.OpenTrove(f.ctx, alice, "WBTC", fpmath.Percent(5), fpmath.Units(1), fpmath.Units(2000), uuid.Nil, uuid.Nil)
	require.ErrorIs(t, err, trove.ErrAssetNotRegistered)
}

func TestOpenTrove_TCRBelowCCR(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, weth, fpmath.Units(10))
	// ICR 14000/10250 clears MCR but the first trove sets the TCR
	require.ErrorIs(t, f.open(alice, 7, 10000), gateway.ErrTCRBelowCCR)
}

// ============================================================================
// Fees
// ============================================================================

func TestOpenTrove_BaseRateRaisesFee(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gw.SetBaseRate(f.ctx, admin, weth, fpmath.Percent(1)))
	f.fund(t, alice, weth, fpmath.Units(10))

	require.NoError(t, f.open(alice, 10, 10000))
	requireAmount(t, fpmath.Units(150), f.book.BalanceOf(systemXUSD(ledger.SubTypeFeeSink)))
	requireAmount(t, fpmath.Units(10350), f.ledger.GetTrove(alice, weth).Debt)
}

func TestOpenTrove_FeeExceedsMax(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gw.SetBaseRate(f.ctx, admin, weth, fpmath.Percent(1)))
	f.fund(t, alice, weth, fpmath.Units(10))

	err := f.gw.OpenTrove(f.ctx, alice, weth, fpmath.Percent(1), fpmath.Units(10), fpmath.Units(10000), uuid.Nil, uuid.Nil)
	require.ErrorIs(t, err, gateway.ErrFeeExceedsMax)
}

func TestOpenTrove_MaxFeeBelowFloor(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, weth, fpmath.Units(10))
	err := f.gw.OpenTrove(f.ctx, alice, weth, fpmath.Zero(), fpmath.Units(10), fpmath.Units(10000), uuid.Nil, uuid.Nil)
	require.ErrorIs(t, err, gateway.ErrInvalidMaxFee)
}

func TestSetBaseRate_RequiresAdmin(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.gw.SetBaseRate(f.ctx, alice, weth, fpmath.Percent(1)), access.ErrUnauthorized)
	require.ErrorIs(t, f.gw.SetBaseRate(f.ctx, admin, weth, fpmath.Units(2)), gateway.ErrInvalidBaseRate)
}

func TestBaseRate_DecaysWithTime(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gw.SetBaseRate(f.ctx, admin, weth, fpmath.Percent(2)))

	later := call.WithScope(context.Background(), call.NewScope(uuid.New(), time.Unix(1_700_000_000, 0).Add(12*time.Hour)))
	got := f.gw.BaseRate(later, weth)
	require.True(t, fpmath.AbsDiff(got, fpmath.Percent(1)).Lt(fpmath.FromRaw(1_000_000_000)), "got %s", got)
}

// ============================================================================
// Close
// ============================================================================

func TestCloseTrove_RoundTrip(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, weth, fpmath.Units(10))
	require.NoError(t, f.open(alice, 10, 10000))
	// the fee has to be bought back before the debt can be repaid
	f.fund(t, alice, ledger.DebtToken, fpmath.Units(50))

	require.NoError(t, f.gw.CloseTrove(f.ctx, alice, weth))

	require.Equal(t, trove.StatusClosedByOwner, f.ledger.Status(alice, weth))
	requireAmount(t, fpmath.Units(10), f.book.BalanceOf(ledger.NewUserAccountKey(alice, weth)))
	requireAmount(t, fpmath.Zero(), f.book.BalanceOf(xusd(alice)))
	requireAmount(t, fpmath.Zero(), f.book.BalanceOf(systemXUSD(ledger.SubTypeGasPool)))
	requireAmount(t, fpmath.Zero(), f.book.BalanceOf(ledger.NewSystemAccountKey(ledger.SubTypeActivePool, weth)))
	require.False(t, f.index.Contains(weth, alice))
	require.Empty(t, f.gw.GetUserAssets(alice))

	totals := f.ledger.GetAssetTotals(weth)
	require.Equal(t, 0, totals.TroveCount)
	require.True(t, totals.TotalStakes.IsZero())
	require.NoError(t, f.book.Validator().ValidateGlobalBalance())
}

func TestCloseTrove_InsufficientDebtBalance(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, weth, fpmath.Units(10))
	require.NoError(t, f.open(alice, 10, 10000))
	require.ErrorIs(t, f.gw.CloseTrove(f.ctx, alice, weth), gateway.ErrInsufficientDebtBalance)
}

func TestCloseTrove_NotActive(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.gw.CloseTrove(f.ctx, alice, weth), trove.ErrTroveNotActive)
}

func TestCloseTrove_ReopenAfterClose(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, weth, fpmath.Units(10))
	require.NoError(t, f.open(alice, 10, 10000))
	f.fund(t, alice, ledger.DebtToken, fpmath.Units(50))
	require.NoError(t, f.gw.CloseTrove(f.ctx, alice, weth))

	require.NoError(t, f.open(alice, 10, 10000))
	require.Equal(t, trove.StatusActive, f.ledger.Status(alice, weth))
}

// ============================================================================
// Adjust
// ============================================================================

func TestAdjustTrove_AddCollateral(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, weth, fpmath.Units(15))
	require.NoError(t, f.open(alice, 10, 10000))

	require.NoError(t, f.gw.AdjustTrove(f.ctx, alice, weth, gateway.Adjustment{
		CollDelta:      fpmath.Units(5),
		IsCollIncrease: true,
	}))

	tr := f.ledger.GetTrove(alice, weth)
	requireAmount(t, fpmath.Units(15), tr.Coll)
	requireAmount(t, fpmath.Units(10250), tr.Debt)
	requireAmount(t, trove.ComputeNICR(fpmath.Units(15), fpmath.Units(10250)), f.index.NICR(weth, alice))
}

func TestAdjustTrove_RepayDebt(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, weth, fpmath.Units(10))
	require.NoError(t, f.open(alice, 10, 10000))

	require.NoError(t, f.gw.AdjustTrove(f.ctx, alice, weth, gateway.Adjustment{DebtDelta: fpmath.Units(1000)}))

	requireAmount(t, fpmath.Units(9250), f.ledger.GetTrove(alice, weth).Debt)
	requireAmount(t, fpmath.Units(9000), f.book.BalanceOf(xusd(alice)))
}

func TestAdjustTrove_BorrowChargesFee(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, weth, fpmath.Units(10))
	require.NoError(t, f.open(alice, 10, 10000))

	require.NoError(t, f.gw.AdjustTrove(f.ctx, alice, weth, gateway.Adjustment{
		MaxFee:         fpmath.Percent(5),
		DebtDelta:      fpmath.Units(1000),
		IsDebtIncrease: true,
	}))

	requireAmount(t, fpmath.Units(11255), f.ledger.GetTrove(alice, weth).Debt)
	requireAmount(t, fpmath.Units(55), f.book.BalanceOf(systemXUSD(ledger.SubTypeFeeSink)))
	requireAmount(t, fpmath.Units(11000), f.book.BalanceOf(xusd(alice)))
}

func TestAdjustTrove_RepayBelowMinimum(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, weth, fpmath.Units(10))
	require.NoError(t, f.open(alice, 10, 2000))

	err := f.gw.AdjustTrove(f.ctx, alice, weth, gateway.Adjustment{DebtDelta: fpmath.Units(1000)})
	require.ErrorIs(t, err, gateway.ErrDebtBelowMinimum)
}

func TestAdjustTrove_WithdrawBreaksTCR(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, weth, fpmath.Units(10))
	require.NoError(t, f.open(alice, 10, 10000))

	err := f.gw.AdjustTrove(f.ctx, alice, weth, gateway.Adjustment{CollDelta: fpmath.Units(3)})
	require.ErrorIs(t, err, gateway.ErrTCRBelowCCR)
}

func TestAdjustTrove_WithdrawExceedsColl(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, weth, fpmath.Units(10))
	require.NoError(t, f.open(alice, 10, 10000))

	err := f.gw.AdjustTrove(f.ctx, alice, weth, gateway.Adjustment{CollDelta: fpmath.Units(11)})
	require.ErrorIs(t, err, gateway.ErrCollWithdrawalExceeds)
}

func TestAdjustTrove_ZeroAdjustment(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.gw.AdjustTrove(f.ctx, alice, weth, gateway.Adjustment{}), gateway.ErrZeroAdjustment)
}

// ============================================================================
// Recovery mode
// ============================================================================

func recoveryFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.fund(t, alice, weth, fpmath.Units(10))
	f.fund(t, bob, weth, fpmath.Units(10))
	require.NoError(t, f.open(alice, 10, 10000))
	// TCR 14000/10250 ~ 136.6%
	f.prices[weth] = fpmath.Units(1400)
	return f
}

func TestRecovery_OpenBelowCCRRejected(t *testing.T) {
	f := recoveryFixture(t)
	require.ErrorIs(t, f.open(bob, 10, 10000), gateway.ErrRecoveryMode)
}

func TestRecovery_OpenAboveCCRChargesNoFee(t *testing.T) {
	f := recoveryFixture(t)

	err := f.gw.OpenTrove(f.ctx, bob, weth, fpmath.Zero(), fpmath.Units(10), fpmath.Units(8000), uuid.Nil, uuid.Nil)
	require.NoError(t, err)
	requireAmount(t, fpmath.Units(8200), f.ledger.GetTrove(bob, weth).Debt)
	requireAmount(t, fpmath.Units(50), f.book.BalanceOf(systemXUSD(ledger.SubTypeFeeSink)))
}

func TestRecovery_CloseRejected(t *testing.T) {
	f := recoveryFixture(t)
	f.fund(t, alice, ledger.DebtToken, fpmath.Units(50))
	require.ErrorIs(t, f.gw.CloseTrove(f.ctx, alice, weth), gateway.ErrRecoveryMode)
}

func TestRecovery_WithdrawRejected(t *testing.T) {
	f := recoveryFixture(t)
	err := f.gw.AdjustTrove(f.ctx, alice, weth, gateway.Adjustment{CollDelta: fpmath.Units(1)})
	require.ErrorIs(t, err, gateway.ErrRecoveryMode)
}

func TestRecovery_TopUpAllowed(t *testing.T) {
	f := recoveryFixture(t)
	f.fund(t, alice, weth, fpmath.Units(5))
	require.NoError(t, f.gw.AdjustTrove(f.ctx, alice, weth, gateway.Adjustment{
		CollDelta:      fpmath.Units(5),
		IsCollIncrease: true,
	}))
}

// ============================================================================
// State
// ============================================================================

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.gw.SetBaseRate(f.ctx, admin, weth, fpmath.Percent(1)))
	f.fund(t, alice, weth, fpmath.Units(10))
	require.NoError(t, f.open(alice, 10, 10000))

	st := f.gw.Snapshot()
	require.Len(t, st.UserAssets, 1)

	g := newFixture(t)
	g.gw.Restore(st)
	require.Equal(t, st, g.gw.Snapshot())
	requireAmount(t, fpmath.Percent(1), g.gw.BaseRate(g.ctx, weth))
}
