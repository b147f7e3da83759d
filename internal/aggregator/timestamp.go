package aggregator

import (
	"fmt"
	"strings"
)

// TimestampPolicy selects the timestamp of an aggregated observation.
type TimestampPolicy string

const (
	// TimestampCurrent stamps the aggregation time.
	TimestampCurrent TimestampPolicy = "current"
	// TimestampEarliest takes the oldest contributing observation.
	TimestampEarliest TimestampPolicy = "earliest"
	// TimestampLatest takes the newest contributing observation.
	TimestampLatest TimestampPolicy = "latest"
	// TimestampFirst takes the first contributing observation in source order.
	TimestampFirst TimestampPolicy = "first"
	// TimestampLast takes the last contributing observation in source order.
	TimestampLast TimestampPolicy = "last"
)

// ParseTimestampPolicy validates a configured policy; empty selects TimestampCurrent.
func ParseTimestampPolicy(raw string) (TimestampPolicy, error) {
	switch p := TimestampPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "":
		return TimestampCurrent, nil
	case TimestampCurrent, TimestampEarliest, TimestampLatest, TimestampFirst, TimestampLast:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownTimestampPolicy, raw)
	}
}

// Resolve picks the timestamp for candidates, which must be non-empty and in source order.
func (p TimestampPolicy) Resolve(candidates []Candidate, now uint32) uint32 {
	switch p {
	case TimestampEarliest:
		ts := candidates[0].Observation.Timestamp
		for _, c := range candidates[1:] {
			if c.Observation.Timestamp < ts {
				ts = c.Observation.Timestamp
			}
		}
		return ts
	case TimestampLatest:
		ts := candidates[0].Observation.Timestamp
		for _, c := range candidates[1:] {
			if c.Observation.Timestamp > ts {
				ts = c.Observation.Timestamp
			}
		}
		return ts
	case TimestampFirst:
		return candidates[0].Observation.Timestamp
	case TimestampLast:
		return candidates[len(candidates)-1].Observation.Timestamp
	default:
		return now
	}
}
