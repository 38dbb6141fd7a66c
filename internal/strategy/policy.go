package strategy

import (
	"errors"
	"fmt"
)

// Quality is the operator's answer-quality requirement.
type Quality string

// Latency is the operator's turn-latency requirement.
type Latency string

// Cost is the operator's cost sensitivity.
type Cost string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"

	LatencyFast   Latency = "fast"
	LatencyNormal Latency = "normal"
	LatencySlowOK Latency = "slow_ok"

	CostLow    Cost = "low"
	CostMedium Cost = "medium"
	CostHigh   Cost = "high"
)

// ParseQuality validates a quality level.
func ParseQuality(s string) (Quality, error) {
	switch Quality(s) {
	case QualityLow, QualityMedium, QualityHigh:
		return Quality(s), nil
	}
	return "", fmt.Errorf("unknown quality %q", s)
}

// ParseLatency validates a latency level.
func ParseLatency(s string) (Latency, error) {
	switch Latency(s) {
	case LatencyFast, LatencyNormal, LatencySlowOK:
		return Latency(s), nil
	}
	return "", fmt.Errorf("unknown latency %q", s)
}

// ParseCost validates a cost-sensitivity level.
func ParseCost(s string) (Cost, error) {
	switch Cost(s) {
	case CostLow, CostMedium, CostHigh:
		return Cost(s), nil
	}
	return "", fmt.Errorf("unknown cost sensitivity %q", s)
}

// Request describes one conversation moment for strategy selection.
type Request struct {
	Length  int
	Tokens  int
	Quality Quality
	Latency Latency
	Cost    Cost
}

// Selection thresholds.
const (
	smallTokens = 2000
	smallLength = 10
	longLength  = 50
)

// ErrInvalidRequest rejects malformed decision requests.
var ErrInvalidRequest = errors.New("invalid decision request")

// Decide maps a request to a strategy kind. The rule table is evaluated top
// to bottom, first match wins, and is total: every valid request reaches a
// decision.
func Decide(req Request) (Kind, error) {
	if req.Length < 0 || req.Tokens < 0 {
		return "", fmt.Errorf("%w: negative length or tokens", ErrInvalidRequest)
	}
	if _, err := ParseQuality(string(req.Quality)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, err := ParseLatency(string(req.Latency)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if _, err := ParseCost(string(req.Cost)); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	switch {
	case req.Tokens < smallTokens && req.Length < smallLength:
		return KindNone, nil

	case req.Latency == LatencyFast:
		// Summarization needs a blocking completion call, so it is never
		// chosen under a fast-latency requirement.
		if req.Quality == QualityHigh {
			return KindPriority, nil
		}
		return KindTruncation, nil

	case req.Cost == CostHigh:
		if req.Quality == QualityLow {
			return KindTruncation, nil
		}
		return KindPriority, nil

	case req.Quality == QualityHigh && req.Latency == LatencySlowOK:
		return KindSummarization, nil

	case req.Length > longLength && req.Quality != QualityLow:
		return KindSummarization, nil

	case req.Quality == QualityMedium:
		return KindPriority, nil

	default:
		return KindTruncation, nil
	}
}
