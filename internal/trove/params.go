package trove

import (
	fpmath "TroveLedger/internal/math"
)

var (
	// MCR is the minimum collateral ratio of a single trove.
	MCR = fpmath.Percent(110)
	// CCR is the total collateral ratio below which an asset is in recovery mode.
	CCR = fpmath.Percent(150)

	// GasCompensation is reserved in the gas pool for every open trove and paid to its liquidator.
	GasCompensation = fpmath.Units(200)
	// MinNetDebt is the smallest composite debt a trove may carry.
	MinNetDebt = fpmath.Units(1800)

	// NICRPrecision scales collateral/debt so small ratios keep their ordering.
	NICRPrecision = fpmath.Pow10(20)
)

// CollGasCompDivisor sets the liquidation collateral penalty to coll/200 (0.5%).
const CollGasCompDivisor = 200

// MaxSweepIterations is the largest batch an unprivileged liquidator may request.
const MaxSweepIterations = 100

// ComputeNICR returns coll * 1e20 / debt, or Max for a debt-free trove.
func ComputeNICR(coll, debt fpmath.Amount) fpmath.Amount {
	if debt.IsZero() {
		return fpmath.Max()
	}
	return fpmath.MulDiv(coll, NICRPrecision, debt)
}

// ComputeICR returns coll * price / debt, or Max for a debt-free trove.
func ComputeICR(coll, debt, price fpmath.Amount) fpmath.Amount {
	if debt.IsZero() {
		return fpmath.Max()
	}
	return fpmath.MulDiv(coll, price, debt)
}

// CollGasCompensation is the share of coll paid to the liquidator.
func CollGasCompensation(coll fpmath.Amount) fpmath.Amount {
	return coll.Div(fpmath.FromRaw(CollGasCompDivisor))
}
