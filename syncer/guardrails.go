package syncer

import (
	"fmt"
	"math"

	"polymarket-mirror/models"
)

// GuardrailInput is everything the evaluator needs to decide on one trade.
// Pure data, no clock or network access, so decisions are reproducible.
type GuardrailInput struct {
	Profile        models.CopyProfile
	OpenOrders     []models.Order
	LeaderSide     models.Side
	LeaderPrice    float64
	LeaderSize     float64
	CurrentBalance float64
}

// GuardrailResult is the evaluator's verdict.
type GuardrailResult struct {
	Allowed       bool
	AdjustedSize  float64
	AdjustedPrice float64
	SkipReason    string
}

// minCopySize is the smallest position worth mirroring; anything below is
// dust after exchange rounding.
const minCopySize = 0.1

// EvaluateGuardrails applies the follower's risk limits to a leader trade,
// in order, first failing check wins:
//
//  1. odds range
//  2. open-position cap (BUY only; SELL always passes so positions can close)
//  3. percentage scaling
//  4. notional cap clamp
//  5. balance cap (BUY only)
//  6. minimum size floor
func EvaluateGuardrails(in GuardrailInput) GuardrailResult {
	profile := in.Profile

	if in.LeaderPrice < profile.MinOdds || in.LeaderPrice > profile.MaxOdds {
		return skip(fmt.Sprintf("outside odds range [%.2f, %.2f]", profile.MinOdds, profile.MaxOdds))
	}

	if in.LeaderSide == models.SideBuy {
		if countOpenPositions(in.OpenOrders) >= profile.MaxOpenPositions {
			return skip(fmt.Sprintf("max open positions (%d) reached", profile.MaxOpenPositions))
		}
	}

	adjustedSize := in.LeaderSize * profile.CopyPercentage / 100

	if adjustedSize*in.LeaderPrice > profile.MaxPositionSizeUSD {
		adjustedSize = profile.MaxPositionSizeUSD / in.LeaderPrice
	}

	if in.LeaderSide == models.SideBuy && adjustedSize*in.LeaderPrice > in.CurrentBalance {
		if in.CurrentBalance < 1 {
			return skip(fmt.Sprintf("insufficient balance ($%.2f)", in.CurrentBalance))
		}
		adjustedSize = in.CurrentBalance / in.LeaderPrice
	}

	if adjustedSize < minCopySize {
		return skip(fmt.Sprintf("adjusted size %.4f below minimum", adjustedSize))
	}

	return GuardrailResult{
		Allowed:       true,
		AdjustedSize:  math.Round(adjustedSize*100) / 100,
		AdjustedPrice: in.LeaderPrice,
	}
}

// countOpenPositions counts distinct condition IDs among OPEN orders. Two
// orders on the same market are one position.
func countOpenPositions(orders []models.Order) int {
	seen := make(map[string]bool)
	for _, o := range orders {
		if o.Status == models.OrderOpen {
			seen[o.ConditionID] = true
		}
	}
	return len(seen)
}

func skip(reason string) GuardrailResult {
	return GuardrailResult{Allowed: false, SkipReason: reason}
}
