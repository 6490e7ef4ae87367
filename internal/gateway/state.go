package gateway

import (
	fpmath "TroveLedger/internal/math"
	"sort"
	"time"

	"github.com/google/uuid"
)

type BaseRateState struct {
	Rate       fpmath.Amount `json:"rate"`
	LastUpdate time.Time     `json:"last_update"`
}

type UserAsset struct {
	User  uuid.UUID `json:"user"`
	Asset string    `json:"asset"`
}

type State struct {
	BaseRates  map[string]BaseRateState `json:"base_rates"`
	UserAssets []UserAsset              `json:"user_assets"`
}

func (g *Gateway) Snapshot() State {
	st := State{
		BaseRates:  make(map[string]BaseRateState, len(g.baseRates)),
		UserAssets: make([]UserAsset, 0, len(g.userAssets)),
	}
	for asset, br := range g.baseRates {
		st.BaseRates[asset] = BaseRateState{Rate: br.rate, LastUpdate: br.lastUpdate}
	}
	for ua := range g.userAssets {
		st.UserAssets = append(st.UserAssets, UserAsset{User: ua.user, Asset: ua.asset})
	}
	sort.Slice(st.UserAssets, func(i, j int) bool {
		a, b := st.UserAssets[i], st.UserAssets[j]
		if a.User != b.User {
			return a.User.String() < b.User.String()
		}
		return a.Asset < b.Asset
	})
	return st
}

// Restore replaces gateway state. Not journaled.
func (g *Gateway) Restore(st State) {
	g.baseRates = make(map[string]baseRate, len(st.BaseRates))
	for asset, br := range st.BaseRates {
		g.baseRates[asset] = baseRate{rate: br.Rate, lastUpdate: br.LastUpdate}
	}
	g.userAssets = make(map[userAsset]struct{}, len(st.UserAssets))
	for _, ua := range st.UserAssets {
		g.userAssets[userAsset{ua.User, ua.Asset}] = struct{}{}
	}
}
