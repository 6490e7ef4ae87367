package pool

import (
	fpmath "TroveLedger/internal/math"
	"sort"

	"github.com/google/uuid"
)

type SumEntry struct {
	Epoch uint64        `json:"epoch"`
	Scale uint64        `json:"scale"`
	Asset string        `json:"asset"`
	Sum   fpmath.Amount `json:"sum"`
}

type DepositState struct {
	Initial fpmath.Amount            `json:"initial"`
	P       fpmath.Amount            `json:"p"`
	Epoch   uint64                   `json:"epoch"`
	Scale   uint64                   `json:"scale"`
	S       map[string]fpmath.Amount `json:"s"`
	Stash   map[string]fpmath.Amount `json:"stash,omitempty"`
}

type State struct {
	P             fpmath.Amount              `json:"p"`
	Epoch         uint64                     `json:"epoch"`
	Scale         uint64                     `json:"scale"`
	TotalDeposits fpmath.Amount              `json:"total_deposits"`
	DebtLossError fpmath.Amount              `json:"debt_loss_error"`
	CollError     map[string]fpmath.Amount   `json:"coll_error"`
	Collateral    map[string]fpmath.Amount   `json:"collateral"`
	Assets        []string                   `json:"assets"`
	Sums          []SumEntry                 `json:"sums"`
	Deposits      map[uuid.UUID]DepositState `json:"deposits"`
}

func copyAmounts(m map[string]fpmath.Amount) map[string]fpmath.Amount {
	out := make(map[string]fpmath.Amount, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (sp *Pool) Snapshot() State {
	st := State{
		P:             sp.p,
		Epoch:         sp.epoch,
		Scale:         sp.scale,
		TotalDeposits: sp.totalDeposits,
		DebtLossError: sp.debtLossError,
		CollError:     copyAmounts(sp.collError),
		Collateral:    copyAmounts(sp.collateral),
		Assets:        sp.sortedAssets(),
		Sums:          make([]SumEntry, 0, len(sp.sums)),
		Deposits:      make(map[uuid.UUID]DepositState, len(sp.deposits)),
	}
	for k, v := range sp.sums {
		st.Sums = append(st.Sums, SumEntry{Epoch: k.Epoch, Scale: k.Scale, Asset: k.Asset, Sum: v})
	}
	sort.Slice(st.Sums, func(i, j int) bool {
		a, b := st.Sums[i], st.Sums[j]
		if a.Epoch != b.Epoch {
			return a.Epoch < b.Epoch
		}
		if a.Scale != b.Scale {
			return a.Scale < b.Scale
		}
		return a.Asset < b.Asset
	})
	for id, d := range sp.deposits {
		st.Deposits[id] = DepositState{
			Initial: d.initial,
			P:       d.p,
			Epoch:   d.epoch,
			Scale:   d.scale,
			S:       copyAmounts(d.s),
			Stash:   copyAmounts(d.stash),
		}
	}
	return st
}

// Restore replaces pool state. Not journaled.
func (sp *Pool) Restore(st State) {
	sp.p = st.P
	if sp.p.IsZero() {
		sp.p = fpmath.One()
	}
	sp.epoch = st.Epoch
	sp.scale = st.Scale
	sp.totalDeposits = st.TotalDeposits
	sp.debtLossError = st.DebtLossError
	sp.collError = copyAmounts(st.CollError)
	sp.collateral = copyAmounts(st.Collateral)

	sp.assets = make(map[string]struct{}, len(st.Assets))
	for _, a := range st.Assets {
		sp.assets[a] = struct{}{}
	}
	sp.sums = make(map[sumKey]fpmath.Amount, len(st.Sums))
	for _, e := range st.Sums {
		sp.sums[sumKey{e.Epoch, e.Scale, e.Asset}] = e.Sum
	}
	sp.deposits = make(map[uuid.UUID]deposit, len(st.Deposits))
	for id, d := range st.Deposits {
		sp.deposits[id] = deposit{
			initial: d.Initial,
			p:       d.P,
			epoch:   d.Epoch,
			scale:   d.Scale,
			s:       copyAmounts(d.S),
			stash:   copyAmounts(d.Stash),
		}
	}
}
