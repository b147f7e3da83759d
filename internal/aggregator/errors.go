package aggregator

import "errors"

var (
	// ErrInvalidConfig indicates an aggregator constructed with invalid arguments.
	ErrInvalidConfig = errors.New("aggregator: invalid configuration")
	// ErrDuplicateSource indicates a source listed twice in an asset's effective source list.
	ErrDuplicateSource = errors.New("aggregator: duplicate source")
	// ErrInsufficientValidConsultations indicates too few usable source consultations.
	ErrInsufficientValidConsultations = errors.New("aggregator: insufficient valid consultations")
	// ErrUnknownStrategy indicates an unsupported aggregation strategy.
	ErrUnknownStrategy = errors.New("aggregator: unknown strategy")
	// ErrUnknownTimestampPolicy indicates an unsupported timestamp policy.
	ErrUnknownTimestampPolicy = errors.New("aggregator: unknown timestamp policy")
)
