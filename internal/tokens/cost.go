package tokens

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument rejects negative token, rate, or turn inputs.
var ErrInvalidArgument = errors.New("invalid argument")

// EstimateTurnCost converts a token count into a currency amount at the
// given per-1000-token rate.
func EstimateTurnCost(tokenCount int, ratePer1K float64) (float64, error) {
	if tokenCount < 0 {
		return 0, fmt.Errorf("estimate turn cost: token count %d: %w", tokenCount, ErrInvalidArgument)
	}
	if ratePer1K < 0 {
		return 0, fmt.Errorf("estimate turn cost: rate %g: %w", ratePer1K, ErrInvalidArgument)
	}
	return float64(tokenCount) / 1000.0 * ratePer1K, nil
}

// ProjectGrowth returns the projected cumulative token total after each of
// the next turns, assuming a constant per-turn average. Capacity planning
// only, not on the hot path.
func ProjectGrowth(startingTokens, avgTokensPerTurn, turns int) ([]int, error) {
	if startingTokens < 0 {
		return nil, fmt.Errorf("project growth: starting tokens %d: %w", startingTokens, ErrInvalidArgument)
	}
	if avgTokensPerTurn < 0 {
		return nil, fmt.Errorf("project growth: avg tokens per turn %d: %w", avgTokensPerTurn, ErrInvalidArgument)
	}
	if turns < 0 {
		return nil, fmt.Errorf("project growth: turns %d: %w", turns, ErrInvalidArgument)
	}
	series := make([]int, turns)
	total := startingTokens
	for i := range series {
		total += avgTokensPerTurn
		series[i] = total
	}
	return series, nil
}
