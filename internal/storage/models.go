package storage

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"oracle-engine/internal/observation"
)

// ObservationRecord is a persisted observation of one oracle for one asset.
type ObservationRecord struct {
	ID          int64
	Oracle      string
	Asset       common.Address
	Observation observation.Observation
	CreatedAt   time.Time
}

// ObservedAt returns the observation timestamp.
func (r ObservationRecord) ObservedAt() time.Time {
	return r.Observation.Time()
}

// Alert kinds.
const (
	AlertVolatility   = "volatility"
	AlertInsufficient = "insufficient_sources"
)

// AlertRecord captures an emitted alert for de-duplication/auditing.
type AlertRecord struct {
	ID           int64
	Oracle       string
	Asset        common.Address
	Kind         string
	ValuePct     decimal.Decimal
	ThresholdPct decimal.Decimal
	ObservedAt   time.Time
	Channels     []string
	Message      string
	CreatedAt    time.Time
}
