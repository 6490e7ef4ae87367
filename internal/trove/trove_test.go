package trove_test

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
	carol = uuid.MustParse("00000000-0000-0000-0000-00000000000c")
	dave  = uuid.MustParse("00000000-0000-0000-0000-00000000000d")
	erin  = uuid.MustParse("00000000-0000-0000-0000-00000000000e")
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
	pool    *pool.Pool
	ledger  *trove.Ledger
	gw      *gateway.Gateway
	prices  fixedPrices
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	j := txn.NewJournal()
	buf := event.NewBuffer(j)
	auth := access.NewModuleAuthorizer()
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
	return &fixture{ctx: ctx, journal: j, events: buf, book: book, index: index, pool: sp, ledger: tl, gw: gw, prices: prices}
}

func (f *fixture) open(t *testing.T, who uuid.UUID, coll, debt uint64) {
	t.Helper()
	require.NoError(t, f.book.Fund(f.ctx, who, weth, fpmath.Units(coll)))
	require.NoError(t, f.gw.OpenTrove(f.ctx, who, weth, fpmath.Percent(5), fpmath.Units(coll), fpmath.Units(debt), uuid.Nil, uuid.Nil))
}

func (f *fixture) deposit(t *testing.T, who uuid.UUID, units uint64) {
	t.Helper()
	require.NoError(t, f.book.Fund(f.ctx, who, ledger.DebtToken, fpmath.Units(units)))
	require.NoError(t, f.pool.ProvideToSP(f.ctx, who, fpmath.Units(units)))
}

func (f *fixture) system(sub ledger.AccountSubType, asset string) fpmath.Amount {
	return f.book.BalanceOf(ledger.NewSystemAccountKey(sub, asset))
}

func requireAmount(t *testing.T, want, got fpmath.Amount) {
	t.Helper()
	require.True(t, want.Eq(got), "want %s, got %s", want, got)
}

// standard book: alice at 10 WETH / 10250 debt, carol at 100 WETH / 10250 debt.
// At 1100 alice's ICR is ~107% and carol's ~1073%.
func (f *fixture) standard(t *testing.T) {
	t.Helper()
	f.open(t, carol, 100, 10000)
	f.open(t, alice, 10, 10000)
	f.prices[weth] = fpmath.Units(1100)
}

// ============================================================================
// Access
// ============================================================================

func TestUpdateTrove_RequiresGatewayRole(t *testing.T) {
	f := newFixture(t)
	err := f.ledger.UpdateTrove(f.ctx, alice, alice, weth, fpmath.Units(2000), fpmath.Units(1), true)
	require.ErrorIs(t, err, access.ErrUnauthorized)
}

func TestUpdateTrove_RejectsEmpty(t *testing.T) {
	f := newFixture(t)
	err := f.ledger.UpdateTrove(f.ctx, access.GatewayPrincipal, alice, weth, fpmath.Zero(), fpmath.Units(1), true)
	require.ErrorIs(t, err, trove.ErrEmptyTrove)
}

func TestCloseTrove_RequiresGatewayRole(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.ledger.CloseTrove(f.ctx, alice, alice, weth), access.ErrUnauthorized)
}

func TestStatus_TextRoundTrip(t *testing.T) {
	for _, s := range []trove.Status{trove.StatusNonExistent, trove.StatusActive, trove.StatusClosedByOwner, trove.StatusClosedByLiquidation} {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var got trove.Status
		require.NoError(t, got.UnmarshalText(text))
		require.Equal(t, s, got)
	}
}

// ============================================================================
// Liquidate
// ============================================================================

func TestLiquidate_HealthyTrove(t *testing.T) {
	f := newFixture(t)
	f.open(t, alice, 10, 10000)
	_, err := f.ledger.Liquidate(f.ctx, dave, alice, weth)
	require.ErrorIs(t, err, trove.ErrNothingToLiquidate)
}

func TestLiquidate_NotActive(t *testing.T) {
	f := newFixture(t)
	_, err := f.ledger.Liquidate(f.ctx, dave, alice, weth)
	require.ErrorIs(t, err, trove.ErrTroveNotActive)
}

func TestLiquidate_FullOffset(t *testing.T) {
	f := newFixture(t)
	f.standard(t)
	f.deposit(t, bob, 20000)

	s, err := f.ledger.Liquidate(f.ctx, dave, alice, weth)
	require.NoError(t, err)
	require.Equal(t, 1, s.Liquidated)
	requireAmount(t, fpmath.Units(10250), s.DebtOffset)
	requireAmount(t, fpmath.MustParseUnits("9.95"), s.CollOffset)
	require.True(t, s.DebtRedistrib.IsZero())

	require.Equal(t, trove.StatusClosedByLiquidation, f.ledger.Status(alice, weth))
	require.False(t, f.index.Contains(weth, alice))
	require.Equal(t, 1, f.ledger.TroveCount(weth))

	requireAmount(t, fpmath.Units(9750), f.pool.TotalDeposits())
	requireAmount(t, fpmath.MustParseUnits("9.95"), f.pool.GetDepositorCollateralGain(bob, weth))
	requireAmount(t, fpmath.Units(200), f.book.BalanceOf(ledger.NewUserAccountKey(dave, ledger.DebtToken)))
	requireAmount(t, fpmath.MustParseUnits("0.05"), f.book.BalanceOf(ledger.NewUserAccountKey(dave, weth)))

	requireAmount(t, fpmath.Units(100), f.system(ledger.SubTypeActivePool, weth))
	requireAmount(t, fpmath.Units(200), f.system(ledger.SubTypeGasPool, ledger.DebtToken))
	requireAmount(t, fpmath.Units(100), f.ledger.GetAssetTotals(weth).ActiveColl)
	require.NoError(t, f.book.Validator().ValidateGlobalBalance())
}

func TestLiquidate_Redistribution(t *testing.T) {
	f := newFixture(t)
	f.standard(t)

	s, err := f.ledger.Liquidate(f.ctx, dave, alice, weth)
	require.NoError(t, err)
	requireAmount(t, fpmath.Units(10250), s.DebtRedistrib)
	requireAmount(t, fpmath.MustParseUnits("9.95"), s.CollRedistrib)

	debt, coll := f.ledger.GetPendingRewards(carol, weth)
	requireAmount(t, fpmath.Units(10250), debt)
	requireAmount(t, fpmath.MustParseUnits("9.95"), coll)
	require.True(t, f.ledger.HasPendingRewards(carol, weth))

	totals := f.ledger.GetAssetTotals(weth)
	requireAmount(t, fpmath.MustParseUnits("9.95"), totals.DefaultColl)
	requireAmount(t, fpmath.Units(10250), totals.DefaultDebt)
	requireAmount(t, fpmath.Units(100), totals.TotalStakesSnapshot)
	requireAmount(t, fpmath.MustParseUnits("109.95"), totals.TotalCollateralSnapshot)
	requireAmount(t, fpmath.MustParseUnits("9.95"), f.system(ledger.SubTypeDefaultPool, weth))

	entireDebt, entireColl, _, _ := f.ledger.GetEntireDebtAndColl(carol, weth)
	requireAmount(t, fpmath.Units(20500), entireDebt)
	requireAmount(t, fpmath.MustParseUnits("109.95"), entireColl)
}

func TestApplyPendingRewards_MovesDefaultPool(t *testing.T) {
	f := newFixture(t)
	f.standard(t)
	_, err := f.ledger.Liquidate(f.ctx, dave, alice, weth)
	require.NoError(t, err)

	require.NoError(t, f.ledger.ApplyPendingRewards(f.ctx, access.GatewayPrincipal, carol, weth))

	tr := f.ledger.GetTrove(carol, weth)
	requireAmount(t, fpmath.Units(20500), tr.Debt)
	requireAmount(t, fpmath.MustParseUnits("109.95"), tr.Coll)
	require.False(t, f.ledger.HasPendingRewards(carol, weth))
	require.True(t, f.system(ledger.SubTypeDefaultPool, weth).IsZero())
	requireAmount(t, fpmath.MustParseUnits("109.95"), f.system(ledger.SubTypeActivePool, weth))
}

func TestUpdateTrove_RejectsPendingRewards(t *testing.T) {
	f := newFixture(t)
	f.standard(t)
	_, err := f.ledger.Liquidate(f.ctx, dave, alice, weth)
	require.NoError(t, err)

	err = f.ledger.UpdateTrove(f.ctx, access.GatewayPrincipal, carol, weth, fpmath.Units(20000), fpmath.Units(100), false)
	require.ErrorIs(t, err, trove.ErrPendingRewards)
}

// Scenario D: the pool is drained and the residual redistributed.
func TestLiquidate_PartialOffset(t *testing.T) {
	f := newFixture(t)
	f.standard(t)
	f.deposit(t, bob, 3000)

	s, err := f.ledger.Liquidate(f.ctx, dave, alice, weth)
	require.NoError(t, err)
	requireAmount(t, fpmath.Units(3000), s.DebtOffset)
	requireAmount(t, fpmath.Units(7250), s.DebtRedistrib)
	requireAmount(t, fpmath.MustParseUnits("9.95"), s.CollOffset.Add(s.CollRedistrib))

	require.EqualValues(t, 1, f.pool.Epoch())
	require.True(t, f.pool.P().Eq(fpmath.One()))
	require.True(t, f.pool.TotalDeposits().IsZero())

	debt, _ := f.ledger.GetPendingRewards(carol, weth)
	requireAmount(t, fpmath.Units(7250), debt)
}

func TestLiquidate_LastTroveParksResidual(t *testing.T) {
	f := newFixture(t)
	f.open(t, alice, 10, 10000)
	f.prices[weth] = fpmath.Units(1100)

	s, err := f.ledger.Liquidate(f.ctx, dave, alice, weth)
	require.NoError(t, err)
	requireAmount(t, fpmath.Units(10250), s.DebtUnallocated)

	totals := f.ledger.GetAssetTotals(weth)
	requireAmount(t, fpmath.Units(10250), totals.UnallocatedDebt)
	requireAmount(t, fpmath.MustParseUnits("9.95"), totals.UnallocatedColl)
	requireAmount(t, fpmath.MustParseUnits("9.95"), f.system(ledger.SubTypeUnallocated, weth))
	require.Equal(t, 0, totals.TroveCount)

	var skipped bool
	for _, e := range f.events.Drain() {
		if _, ok := e.(*event.RedistributionSkipped); ok {
			skipped = true
		}
	}
	require.True(t, skipped)
}

func TestLiquidate_RevertRestoresTrove(t *testing.T) {
	f := newFixture(t)
	f.standard(t)
	f.deposit(t, bob, 20000)

	rev := f.journal.Snapshot()
	_, err := f.ledger.Liquidate(f.ctx, dave, alice, weth)
	require.NoError(t, err)
	f.journal.RevertToSnapshot(rev)

	require.Equal(t, trove.StatusActive, f.ledger.Status(alice, weth))
	require.True(t, f.index.Contains(weth, alice))
	requireAmount(t, fpmath.Units(20000), f.pool.TotalDeposits())
	require.True(t, f.book.BalanceOf(ledger.NewUserAccountKey(dave, ledger.DebtToken)).IsZero())
}

// ============================================================================
// Batch and sweep
// ============================================================================

func TestLiquidateTroves_StopsAtHealthy(t *testing.T) {
	f := newFixture(t)
	f.open(t, carol, 100, 10000)
	f.open(t, alice, 10, 10000)
	f.open(t, erin, 10, 9900)
	f.deposit(t, bob, 50000)
	f.prices[weth] = fpmath.Units(1100)

	s, err := f.ledger.LiquidateTroves(f.ctx, dave, weth, 10)
	require.NoError(t, err)
	require.Equal(t, 2, s.Liquidated)
	require.Equal(t, trove.StatusClosedByLiquidation, f.ledger.Status(alice, weth))
	require.Equal(t, trove.StatusClosedByLiquidation, f.ledger.Status(erin, weth))
	require.Equal(t, trove.StatusActive, f.ledger.Status(carol, weth))
	requireAmount(t, fpmath.Units(400), s.DebtGasComp)
}

func TestLiquidateTroves_IterationCap(t *testing.T) {
	f := newFixture(t)
	f.open(t, carol, 100, 10000)
	f.open(t, alice, 10, 10000)
	f.open(t, erin, 10, 9900)
	f.deposit(t, bob, 50000)
	f.prices[weth] = fpmath.Units(1100)

	s, err := f.ledger.LiquidateTroves(f.ctx, dave, weth, 1)
	require.NoError(t, err)
	require.Equal(t, 1, s.Liquidated)
	require.Equal(t, trove.StatusClosedByLiquidation, f.ledger.Status(alice, weth))
	require.Equal(t, trove.StatusActive, f.ledger.Status(erin, weth))
}

func TestLiquidateTroves_NothingToLiquidate(t *testing.T) {
	f := newFixture(t)
	f.open(t, carol, 100, 10000)
	_, err := f.ledger.LiquidateTroves(f.ctx, dave, weth, 10)
	require.ErrorIs(t, err, trove.ErrNothingToLiquidate)
}

func TestLiquidateTroves_LargeSweepNeedsRole(t *testing.T) {
	f := newFixture(t)
	f.standard(t)

	_, err := f.ledger.LiquidateTroves(f.ctx, dave, weth, trove.MaxSweepIterations+1)
	require.ErrorIs(t, err, access.ErrUnauthorized)
	_, err = f.ledger.LiquidateTroves(f.ctx, dave, weth, 0)
	require.ErrorIs(t, err, trove.ErrInvalidIterations)

	s, err := f.ledger.LiquidateTroves(f.ctx, access.KeeperPrincipal, weth, trove.MaxSweepIterations+1)
	require.NoError(t, err)
	require.Equal(t, 1, s.Liquidated)
}

func TestBatchLiquidate_SkipsHealthy(t *testing.T) {
	f := newFixture(t)
	f.standard(t)
	f.deposit(t, bob, 20000)

	s, err := f.ledger.BatchLiquidateTroves(f.ctx, dave, weth, []uuid.UUID{carol, alice, erin}, 10)
	require.NoError(t, err)
	require.Equal(t, 1, s.Liquidated)
	require.Equal(t, 2, s.Skipped)
	require.Equal(t, trove.StatusActive, f.ledger.Status(carol, weth))
}

func TestBatchLiquidate_AllHealthy(t *testing.T) {
	f := newFixture(t)
	f.open(t, carol, 100, 10000)
	_, err := f.ledger.BatchLiquidateTroves(f.ctx, dave, weth, []uuid.UUID{carol}, 10)
	require.ErrorIs(t, err, trove.ErrNothingToLiquidate)
}

// ============================================================================
// Ratios and state
// ============================================================================

func TestRecoveryMode(t *testing.T) {
	f := newFixture(t)
	f.open(t, alice, 10, 10000)

	recovery, err := f.ledger.CheckRecoveryMode(f.ctx, weth)
	require.NoError(t, err)
	require.False(t, recovery)

	f.prices[weth] = fpmath.Units(1400)
	recovery, err = f.ledger.CheckRecoveryMode(f.ctx, weth)
	require.NoError(t, err)
	require.True(t, recovery)
}

func TestTCR_EmptyAssetIsMax(t *testing.T) {
	f := newFixture(t)
	require.True(t, f.ledger.TCRAt(weth, fpmath.Units(2000)).Eq(fpmath.Max()))
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t)
	f.standard(t)
	_, err := f.ledger.Liquidate(f.ctx, dave, alice, weth)
	require.NoError(t, err)

	st := f.ledger.Snapshot()
	g := newFixture(t)
	g.ledger.Restore(st)

	require.Equal(t, st, g.ledger.Snapshot())
	require.Equal(t, trove.StatusClosedByLiquidation, g.ledger.Status(alice, weth))
	require.Len(t, g.ledger.ActiveTroves(weth), 1)
}

func TestComputeNICR_OrdersByCollateralPerDebt(t *testing.T) {
	low := trove.ComputeNICR(fpmath.Units(10), fpmath.Units(10250))
	high := trove.ComputeNICR(fpmath.Units(100), fpmath.Units(10250))
	require.True(t, low.Lt(high))
	require.True(t, trove.ComputeNICR(fpmath.Units(1), fpmath.Zero()).Eq(fpmath.Max()))
}
