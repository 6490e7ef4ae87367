package trove

import (
	"sort"
)

type State struct {
	Troves []Trove                `json:"troves"`
	Assets map[string]AssetTotals `json:"assets"`
}

func (l *Ledger) Snapshot() State {
	st := State{
		Troves: make([]Trove, 0, len(l.troves)),
		Assets: make(map[string]AssetTotals, len(l.totals)),
	}
	for _, t := range l.troves {
		st.Troves = append(st.Troves, t)
	}
	sort.Slice(st.Troves, func(i, j int) bool {
		a, b := st.Troves[i], st.Troves[j]
		if a.Asset != b.Asset {
			return a.Asset < b.Asset
		}
		return a.Owner.String() < b.Owner.String()
	})
	for asset, totals := range l.totals {
		st.Assets[asset] = totals
	}
	return st
}

// Restore replaces ledger state. Not journaled.
func (l *Ledger) Restore(st State) {
	l.troves = make(map[key]Trove, len(st.Troves))
	for _, t := range st.Troves {
		l.troves[key{t.Owner, t.Asset}] = t
	}
	l.totals = make(map[string]AssetTotals, len(st.Assets))
	for asset, totals := range st.Assets {
		l.totals[asset] = totals
	}
}

// ActiveTroves returns the active troves of asset ordered by owner.
func (l *Ledger) ActiveTroves(asset string) []Trove {
	var out []Trove
	for k, t := range l.troves {
		if k.asset == asset && t.Status == StatusActive {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Owner.String() < out[j].Owner.String() })
	return out
}
