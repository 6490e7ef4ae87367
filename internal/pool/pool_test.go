package pool_test

import (
	"TroveLedger/internal/access"
	"TroveLedger/internal/call"
	"TroveLedger/internal/event"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/pool"
	"TroveLedger/internal/txn"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const weth = "WETH"

var (
	alice = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	bob   = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	carol = uuid.MustParse("00000000-0000-0000-0000-00000000000c")
)

type fixture struct {
	ctx     context.Context
	journal *txn.Journal
	book    *ledger.Book
	pool    *pool.Pool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	j := txn.NewJournal()
	buf := event.NewBuffer(j)
	book := ledger.NewBook(j, buf)
	sp := pool.New(access.NewModuleAuthorizer(), j, buf, book)
	sp.RegisterAsset(weth)
	ctx := call.WithScope(context.Background(), call.NewScope(uuid.New(), time.Unix(1_700_000_000, 0)))
	return &fixture{ctx: ctx, journal: j, book: book, pool: sp}
}

func (f *fixture) deposit(t *testing.T, who uuid.UUID, units uint64) {
	t.Helper()
	require.NoError(t, f.book.Fund(f.ctx, who, ledger.DebtToken, fpmath.Units(units)))
	require.NoError(t, f.pool.ProvideToSP(f.ctx, who, fpmath.Units(units)))
}

// lockCollateral puts collateral in the active pool as a liquidated trove would have.
func (f *fixture) lockCollateral(t *testing.T, amount fpmath.Amount) {
	t.Helper()
	trover := uuid.New()
	require.NoError(t, f.book.Fund(f.ctx, trover, weth, amount))
	require.NoError(t, f.book.TransferIn(f.ctx, weth, trover, ledger.SubTypeActivePool, amount))
}

func (f *fixture) offset(t *testing.T, debt, coll fpmath.Amount) (fpmath.Amount, fpmath.Amount) {
	t.Helper()
	absorbed, added, err := f.pool.Offset(f.ctx, access.LedgerPrincipal, weth, debt, coll)
	require.NoError(t, err)
	return absorbed, added
}

func TestProvide_TracksTotals(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 1000)
	f.deposit(t, bob, 500)

	require.True(t, f.pool.TotalDeposits().Eq(fpmath.Units(1500)))
	require.True(t, f.pool.GetCompoundedDeposit(alice).Eq(fpmath.Units(1000)))
	require.True(t, f.book.BalanceOf(ledger.NewSystemAccountKey(ledger.SubTypeStabilityPool, ledger.DebtToken)).Eq(fpmath.Units(1500)))
}

func TestProvide_ZeroRejected(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.pool.ProvideToSP(f.ctx, alice, fpmath.Zero()), pool.ErrZeroAmount)
}

func TestProvide_InsufficientBalance(t *testing.T) {
	f := newFixture(t)
	err := f.pool.ProvideToSP(f.ctx, alice, fpmath.Units(1))
	require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestOffset_RequiresLedgerRole(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.pool.Offset(f.ctx, alice, weth, fpmath.Units(1), fpmath.Units(1))
	require.ErrorIs(t, err, access.ErrUnauthorized)
}

func TestOffset_EmptyPoolAbsorbsNothing(t *testing.T) {
	f := newFixture(t)
	absorbed, added := f.offset(t, fpmath.Units(100), fpmath.Units(1))
	require.True(t, absorbed.IsZero())
	require.True(t, added.IsZero())
	require.True(t, f.pool.P().Eq(fpmath.One()))
}

// Scenario C: deposits 20000, liquidated debt 15000
func TestOffset_FullAbsorption(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 20000)
	f.lockCollateral(t, fpmath.Units(10))

	absorbed, added := f.offset(t, fpmath.Units(15000), fpmath.Units(10))

	require.True(t, absorbed.Eq(fpmath.Units(15000)))
	require.True(t, added.Eq(fpmath.Units(10)))
	require.True(t, f.pool.TotalDeposits().Eq(fpmath.Units(5000)))
	require.True(t, f.pool.P().Eq(fpmath.Percent(25)), "P = %s", f.pool.P())
	require.EqualValues(t, 0, f.pool.Epoch())

	require.True(t, f.pool.GetCompoundedDeposit(alice).Eq(fpmath.Units(5000)))
	require.True(t, f.pool.GetDepositorCollateralGain(alice, weth).Eq(fpmath.Units(10)))
	require.True(t, f.pool.Collateral(weth).Eq(fpmath.Units(10)))
	require.True(t, f.book.Tracker().Issued(ledger.DebtToken).Eq(fpmath.Units(5000)))
}

func TestOffset_ProRataBetweenDepositors(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 3000)
	f.deposit(t, bob, 1000)
	f.lockCollateral(t, fpmath.Units(4))

	f.offset(t, fpmath.Units(2000), fpmath.Units(4))

	require.True(t, f.pool.GetCompoundedDeposit(alice).Eq(fpmath.Units(1500)))
	require.True(t, f.pool.GetCompoundedDeposit(bob).Eq(fpmath.Units(500)))
	require.True(t, f.pool.GetDepositorCollateralGain(alice, weth).Eq(fpmath.Units(3)))
	require.True(t, f.pool.GetDepositorCollateralGain(bob, weth).Eq(fpmath.Units(1)))
}

// Scenario D: deposits 3000, liquidated debt 17000
func TestOffset_DrainStartsNewEpoch(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 3000)
	f.lockCollateral(t, fpmath.Units(20))

	absorbed, added := f.offset(t, fpmath.Units(17000), fpmath.Units(20))

	require.True(t, absorbed.Eq(fpmath.Units(3000)))
	require.True(t, added.Eq(fpmath.MulDiv(fpmath.Units(20), fpmath.Units(3000), fpmath.Units(17000))))
	require.EqualValues(t, 1, f.pool.Epoch())
	require.EqualValues(t, 0, f.pool.Scale())
	require.True(t, f.pool.P().Eq(fpmath.One()))
	require.True(t, f.pool.TotalDeposits().IsZero())

	require.True(t, f.pool.GetCompoundedDeposit(alice).IsZero())
	gain := f.pool.GetDepositorCollateralGain(alice, weth)
	require.True(t, gain.Lte(added))
	require.True(t, fpmath.AbsDiff(gain, added).Lt(fpmath.FromRaw(1_000_000)), "gain %s vs added %s", gain, added)

	// a deposit made in the new epoch earns nothing from the old one
	f.deposit(t, bob, 100)
	require.True(t, f.pool.GetDepositorCollateralGain(bob, weth).IsZero())
	require.True(t, f.pool.GetCompoundedDeposit(bob).Eq(fpmath.Units(100)))
}

func TestOffset_ScaleChange(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 1000)
	f.lockCollateral(t, fpmath.Units(1))

	// leaves 1e-7 units of deposits: the product factor drops to 1e-10
	debt := fpmath.Units(1000).Sub(fpmath.FromRaw(100_000_000_000))
	f.offset(t, debt, fpmath.Units(1))

	require.EqualValues(t, 0, f.pool.Epoch())
	require.EqualValues(t, 1, f.pool.Scale())
	require.True(t, f.pool.P().Eq(fpmath.FromRaw(100_000_000_000_000_000)), "P = %s", f.pool.P().Raw())

	f.deposit(t, bob, 10)
	require.True(t, f.pool.GetCompoundedDeposit(bob).Eq(fpmath.Units(10)))
}

func TestOffset_DustRemainderKeepsEpoch(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 20000)
	f.lockCollateral(t, fpmath.Units(1))

	// the rounded-up loss per unit would be exactly one
	debt := fpmath.Units(20000).Sub(fpmath.FromRaw(1000))
	absorbed, _ := f.offset(t, debt, fpmath.Units(1))

	require.True(t, absorbed.Eq(debt))
	require.EqualValues(t, 0, f.pool.Epoch())
	require.EqualValues(t, 1, f.pool.Scale())
	require.True(t, f.pool.TotalDeposits().Eq(fpmath.FromRaw(1000)))
	require.True(t, f.pool.P().Gte(pool.ScaleFactor), "P = %s", f.pool.P().Raw())
	require.True(t, f.pool.GetCompoundedDeposit(alice).Lte(f.pool.TotalDeposits()))
}

func TestOffset_RepeatedNearDrainsStayPositive(t *testing.T) {
	f := newFixture(t)
	depositors := []uuid.UUID{alice, bob, carol, alice, bob, carol}

	for i, who := range depositors {
		f.deposit(t, who, 1000)
		f.lockCollateral(t, fpmath.Units(1))

		debt := f.pool.TotalDeposits().Sub(fpmath.FromRaw(1))
		absorbed, _, err := f.pool.Offset(f.ctx, access.LedgerPrincipal, weth, debt, fpmath.Units(1))
		require.NoError(t, err, "offset %d", i)
		require.True(t, absorbed.Eq(debt))

		require.EqualValues(t, 0, f.pool.Epoch(), "offset %d", i)
		require.True(t, f.pool.P().Gte(pool.ScaleFactor), "offset %d: P = %s", i, f.pool.P().Raw())
		require.True(t, f.pool.TotalDeposits().Eq(fpmath.FromRaw(1)))
	}
	require.Greater(t, f.pool.Scale(), uint64(len(depositors)))

	// a fresh deposit still compounds at face value
	f.deposit(t, bob, 10)
	require.True(t, f.pool.GetCompoundedDeposit(bob).Eq(fpmath.Units(10)))
}

func TestWithdraw_PaysMinOfAmountAndCompounded(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 20000)
	f.lockCollateral(t, fpmath.Units(10))
	f.offset(t, fpmath.Units(15000), fpmath.Units(10))

	paid, err := f.pool.WithdrawFromSP(f.ctx, alice, fpmath.Units(9999))
	require.NoError(t, err)
	require.True(t, paid.Eq(fpmath.Units(5000)))
	require.True(t, f.book.BalanceOf(ledger.NewUserAccountKey(alice, ledger.DebtToken)).Eq(fpmath.Units(5000)))

	// the deposit survives with stashed gains only
	require.True(t, f.pool.HasDeposit(alice))
	require.True(t, f.pool.GetDepositorCollateralGain(alice, weth).Eq(fpmath.Units(10)))

	gain, err := f.pool.ClaimCollateralGains(f.ctx, alice, weth)
	require.NoError(t, err)
	require.True(t, gain.Eq(fpmath.Units(10)))
	require.True(t, f.book.BalanceOf(ledger.NewUserAccountKey(alice, weth)).Eq(fpmath.Units(10)))
	require.False(t, f.pool.HasDeposit(alice))

	_, err = f.pool.WithdrawFromSP(f.ctx, alice, fpmath.Units(1))
	require.ErrorIs(t, err, pool.ErrNoDeposit)
}

func TestProvide_StashesGainsBeforeTopUp(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 2000)
	f.lockCollateral(t, fpmath.Units(2))
	f.offset(t, fpmath.Units(1000), fpmath.Units(2))

	f.deposit(t, alice, 500)
	require.True(t, f.pool.GetCompoundedDeposit(alice).Eq(fpmath.Units(1500)))
	require.True(t, f.pool.GetDepositorCollateralGain(alice, weth).Eq(fpmath.Units(2)))
}

func TestClaimAll_DeduplicatesAssets(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, carol, 1000)
	f.lockCollateral(t, fpmath.Units(1))
	f.offset(t, fpmath.Units(100), fpmath.Units(1))

	gains, err := f.pool.ClaimAllCollateralGains(f.ctx, carol, []string{weth, weth, "WBTC"})
	require.NoError(t, err)
	require.Len(t, gains, 2)
	require.True(t, gains[weth].Eq(fpmath.Units(1)))
	require.True(t, gains["WBTC"].IsZero())
	require.True(t, f.pool.GetCompoundedDeposit(carol).Eq(fpmath.Units(900)))
}

func TestRevertRestoresPool(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 1000)
	f.lockCollateral(t, fpmath.Units(1))
	before := f.pool.Snapshot()

	snap := f.journal.Snapshot()
	f.offset(t, fpmath.Units(1000), fpmath.Units(1))
	require.EqualValues(t, 1, f.pool.Epoch())
	f.journal.RevertToSnapshot(snap)

	require.Equal(t, before, f.pool.Snapshot())
}

func TestSnapshotRestore(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, alice, 1000)
	f.lockCollateral(t, fpmath.Units(1))
	f.offset(t, fpmath.Units(400), fpmath.Units(1))

	restored := pool.New(access.NewModuleAuthorizer(), nil, event.NewBuffer(nil), f.book)
	restored.Restore(f.pool.Snapshot())
	require.Equal(t, f.pool.Snapshot(), restored.Snapshot())
	require.True(t, restored.GetCompoundedDeposit(alice).Eq(fpmath.Units(600)))
}
