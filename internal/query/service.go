package query

import (
	"TroveLedger/internal/core"
	"TroveLedger/internal/ledger"
	fpmath "TroveLedger/internal/math"
	"TroveLedger/internal/trove"
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrUnknownAsset = errors.New("query: unknown asset")
	ErrNoDatabase   = errors.New("query: projection store not configured")
)

// EngineReader runs a read on the engine goroutine. *core.Runner implements it.
type EngineReader interface {
	Do(ctx context.Context, fn func(*core.Engine)) error
}

// Service answers read-only queries. Trove, asset, price and pool reads are
// served live from the engine between calls; balances, journals and
// liquidation history come from the PostgreSQL projections and carry the
// projection watermark as as_of_sequence.
type Service struct {
	engine EngineReader
	db     *sql.DB
}

// NewService builds a query service. db may be nil, in which case the
// projection-backed queries return ErrNoDatabase.
func NewService(engine EngineReader, db *sql.DB) *Service {
	return &Service{engine: engine, db: db}
}

// ============================================================================
// Live reads
// ============================================================================

// GetTrove returns the trove of owner for asset, including pending
// redistribution rewards and its ICR at the oracle's current view.
func (s *Service) GetTrove(ctx context.Context, owner uuid.UUID, asset string) (*TroveResponse, error) {
	var resp *TroveResponse
	var qErr error
	err := s.engine.Do(ctx, func(e *core.Engine) {
		if !e.Troves().IsRegistered(asset) {
			qErr = fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
			return
		}
		resp = troveView(ctx, e, owner, asset)
	})
	if err != nil {
		return nil, err
	}
	return resp, qErr
}

// GetUserTroves returns every trove owner has ever opened.
func (s *Service) GetUserTroves(ctx context.Context, owner uuid.UUID) (*UserTrovesResponse, error) {
	resp := &UserTrovesResponse{Owner: owner, Troves: []TroveResponse{}}
	err := s.engine.Do(ctx, func(e *core.Engine) {
		for _, asset := range e.Gateway().GetUserAssets(owner) {
			resp.Troves = append(resp.Troves, *troveView(ctx, e, owner, asset))
		}
		resp.AsOfSequence = e.GetSequence() - 1
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func troveView(ctx context.Context, e *core.Engine, owner uuid.UUID, asset string) *TroveResponse {
	t := e.Troves().GetTrove(owner, asset)
	debt, coll, pendingDebt, pendingColl := e.Troves().GetEntireDebtAndColl(owner, asset)
	price := e.Oracle().GetPriceWithStatus(ctx, asset)

	resp := &TroveResponse{
		Owner:        owner,
		Asset:        asset,
		Status:       t.Status.String(),
		Debt:         t.Debt,
		Coll:         t.Coll,
		Stake:        t.Stake,
		PendingDebt:  pendingDebt,
		PendingColl:  pendingColl,
		EntireDebt:   debt,
		EntireColl:   coll,
		Price:        price.Price,
		PriceValid:   price.IsValid,
		AsOfSequence: e.GetSequence() - 1,
	}
	if t.Status == trove.StatusActive {
		resp.ICR = trove.ComputeICR(coll, debt, price.Price)
	}
	return resp
}

// GetAsset returns the system totals, TCR and fee state of one collateral asset.
// TCR and recovery mode use the last good price when the feed is unhealthy.
func (s *Service) GetAsset(ctx context.Context, asset string) (*AssetResponse, error) {
	var resp *AssetResponse
	var qErr error
	err := s.engine.Do(ctx, func(e *core.Engine) {
		if !e.Troves().IsRegistered(asset) {
			qErr = fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
			return
		}
		totals := e.Troves().GetAssetTotals(asset)
		price := e.Oracle().GetPriceWithStatus(ctx, asset)
		tcr := e.Troves().TCRAt(asset, price.Price)

		resp = &AssetResponse{
			Asset:           asset,
			TroveCount:      totals.TroveCount,
			ActiveColl:      totals.ActiveColl,
			ActiveDebt:      totals.ActiveDebt,
			DefaultColl:     totals.DefaultColl,
			DefaultDebt:     totals.DefaultDebt,
			UnallocatedColl: totals.UnallocatedColl,
			UnallocatedDebt: totals.UnallocatedDebt,
			TotalStakes:     totals.TotalStakes,
			LColl:           totals.LColl,
			LDebt:           totals.LDebt,
			TCR:             tcr,
			RecoveryMode:    !price.Price.IsZero() && tcr.Lt(trove.CCR),
			FeeRate:         e.Gateway().FeeRate(ctx, asset),
			BaseRate:        e.Gateway().BaseRate(ctx, asset),
			Price: PriceResponse{
				Asset:     asset,
				Price:     price.Price,
				IsValid:   price.IsValid,
				IsCached:  price.IsCached,
				Timestamp: price.Timestamp,
			},
			AsOfSequence: e.GetSequence() - 1,
		}
	})
	if err != nil {
		return nil, err
	}
	return resp, qErr
}

// ListAssets returns every asset with a registered oracle.
func (s *Service) ListAssets(ctx context.Context) ([]string, error) {
	var assets []string
	err := s.engine.Do(ctx, func(e *core.Engine) {
		assets = e.Oracle().Assets()
	})
	return assets, err
}

// GetPrice is the monitoring view of asset's price. It never advances the
// oracle's last good price.
func (s *Service) GetPrice(ctx context.Context, asset string) (*PriceResponse, error) {
	var resp *PriceResponse
	var qErr error
	err := s.engine.Do(ctx, func(e *core.Engine) {
		if !e.Oracle().IsRegistered(asset) {
			qErr = fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
			return
		}
		st := e.Oracle().GetPriceWithStatus(ctx, asset)
		resp = &PriceResponse{
			Asset:     asset,
			Price:     st.Price,
			IsValid:   st.IsValid,
			IsCached:  st.IsCached,
			Timestamp: st.Timestamp,
		}
	})
	if err != nil {
		return nil, err
	}
	return resp, qErr
}

// GetPool returns the stability pool's global state.
func (s *Service) GetPool(ctx context.Context) (*PoolResponse, error) {
	var resp *PoolResponse
	err := s.engine.Do(ctx, func(e *core.Engine) {
		sp := e.Pool()
		resp = &PoolResponse{
			TotalDeposits: sp.TotalDeposits(),
			P:             sp.P(),
			Epoch:         sp.Epoch(),
			Scale:         sp.Scale(),
			Depositors:    sp.DepositorCount(),
			Collateral:    make(map[string]fpmath.Amount),
			AsOfSequence:  e.GetSequence() - 1,
		}
		for _, asset := range e.Troves().Assets() {
			resp.Collateral[asset] = sp.Collateral(asset)
		}
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// GetDeposit returns depositor's compounded deposit and collateral gains per
// asset. A depositor with no deposit gets zeros.
func (s *Service) GetDeposit(ctx context.Context, depositor uuid.UUID) (*DepositResponse, error) {
	var resp *DepositResponse
	err := s.engine.Do(ctx, func(e *core.Engine) {
		sp := e.Pool()
		resp = &DepositResponse{
			Depositor:    depositor,
			Compounded:   sp.GetCompoundedDeposit(depositor),
			Gains:        make(map[string]fpmath.Amount),
			AsOfSequence: e.GetSequence() - 1,
		}
		for _, asset := range e.Troves().Assets() {
			resp.Gains[asset] = sp.GetDepositorCollateralGain(depositor, asset)
		}
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// ============================================================================
// Projection reads
// ============================================================================

// GetBalance returns the projected wallet balance of userID for asset.
func (s *Service) GetBalance(ctx context.Context, userID uuid.UUID, asset string) (*BalanceResponse, error) {
	if s.db == nil {
		return nil, ErrNoDatabase
	}
	asOfSeq, err := s.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	path := ledger.NewUserAccountKey(userID, asset).AccountPath()
	var balance string
	err = s.db.QueryRowContext(ctx, `
		SELECT balance::text FROM projections.balances
		WHERE account_path = $1 AND asset = $2
	`, path, asset).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		balance = "0"
	} else if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		UserID:       userID,
		Asset:        asset,
		Balance:      balance,
		AsOfSequence: asOfSeq,
	}, nil
}

// GetLiquidations returns the liquidation history of borrower, newest first.
func (s *Service) GetLiquidations(ctx context.Context, borrower uuid.UUID, limit int) ([]LiquidationResponse, error) {
	if s.db == nil {
		return nil, ErrNoDatabase
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, borrower, asset, debt::text, coll::text, liquidator, call_time
		FROM projections.liquidations
		WHERE borrower = $1
		ORDER BY sequence DESC, idx DESC
		LIMIT $2
	`, borrower, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []LiquidationResponse{}
	for rows.Next() {
		var r LiquidationResponse
		if err := rows.Scan(&r.Sequence, &r.Borrower, &r.Asset, &r.Debt, &r.Coll, &r.Liquidator, &r.Time); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// GetJournalHistory returns journal entries touching any account of userID
// with cursor-based pagination on sequence.
func (s *Service) GetJournalHistory(
	ctx context.Context,
	userID uuid.UUID,
	limit int,
	beforeSequence *int64,
) ([]JournalHistoryEntry, error) {
	if s.db == nil {
		return nil, ErrNoDatabase
	}
	accountPrefix := fmt.Sprintf("user:%s:%%", userID)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset, amount::text, journal_type, call_time
		FROM cdp.journals
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []interface{}{accountPrefix}
	argIdx := 2

	if beforeSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *beforeSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC, journal_id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []JournalHistoryEntry{}
	for rows.Next() {
		var e JournalHistoryEntry
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.Asset, &e.Amount,
			&e.JournalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks the command log hash chain, that projected balances
// sum to zero per asset, and the engine's in-memory global invariants.
func (s *Service) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	if s.db == nil {
		return nil, ErrNoDatabase
	}
	report := &IntegrityReport{}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM cdp.commands c1
		JOIN cdp.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.prev_hash <> c2.state_hash
		ORDER BY c1.sequence
		LIMIT 10
	`)
	if err != nil {
		return nil, fmt.Errorf("hash chain: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	balanceRows, err := s.db.QueryContext(ctx, `
		SELECT asset, SUM(balance)::text
		FROM projections.balances
		GROUP BY asset
		HAVING SUM(balance) <> 0
	`)
	if err != nil {
		return nil, fmt.Errorf("balance sums: %w", err)
	}
	defer balanceRows.Close()
	for balanceRows.Next() {
		var u UnbalancedAsset
		if err := balanceRows.Scan(&u.Asset, &u.Imbalance); err != nil {
			return nil, err
		}
		report.UnbalancedAssets = append(report.UnbalancedAssets, u)
	}
	if err := balanceRows.Err(); err != nil {
		return nil, err
	}

	if s.engine != nil {
		var invErr error
		if err := s.engine.Do(ctx, func(e *core.Engine) {
			invErr = e.CheckGlobalInvariants()
		}); err != nil {
			return nil, err
		}
		if invErr != nil {
			report.EngineInvariant = invErr.Error()
		}
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		len(report.UnbalancedAssets) == 0 &&
		report.EngineInvariant == ""
	return report, nil
}

// --- helpers ---

func (s *Service) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT last_sequence FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return -1, nil
	}
	return seq, err
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	if limit > maxLimit {
		return maxLimit
	}
	return limit
}
