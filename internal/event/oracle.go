package event

import (
	fpmath "TroveLedger/internal/math"
	"time"
)

type OracleRegistered struct {
	Asset     string        `json:"asset"`
	Feed      string        `json:"feed"`
	Heartbeat time.Duration `json:"heartbeat"`
	Decimals  uint8         `json:"decimals"`
}

func (e *OracleRegistered) EventType() EventType { return EventTypeOracleRegistered }
func (e *OracleRegistered) AssetID() string      { return e.Asset }

type OracleFrozen struct {
	Asset  string `json:"asset"`
	Reason string `json:"reason"`
}

func (e *OracleFrozen) EventType() EventType { return EventTypeOracleFrozen }
func (e *OracleFrozen) AssetID() string      { return e.Asset }

type OracleUnfrozen struct {
	Asset string `json:"asset"`
}

func (e *OracleUnfrozen) EventType() EventType { return EventTypeOracleUnfrozen }
func (e *OracleUnfrozen) AssetID() string      { return e.Asset }

// LastGoodPriceUpdated is emitted when a fresh reading is accepted
type LastGoodPriceUpdated struct {
	Asset     string        `json:"asset"`
	Price     fpmath.Amount `json:"price"`
	Timestamp time.Time     `json:"timestamp"`
}

func (e *LastGoodPriceUpdated) EventType() EventType { return EventTypeLastGoodPriceUpdated }
func (e *LastGoodPriceUpdated) AssetID() string      { return e.Asset }
