package fallback

import (
	"sort"

	"budget_gateway/internal/breaker"
)

// Rank orders tiers by observed health: success rate over the breaker
// window descending, then estimated cost ascending, then declared priority
// as the tiebreak. Terminal tiers always sort last so a degraded local
// answer is only used once every real provider has been tried. Pure
// function over stat snapshots; it never touches live breaker state.
func Rank(tiers []Tier, stats map[string]breaker.Stats) []Tier {
	ordered := make([]Tier, len(tiers))
	copy(ordered, tiers)

	rate := func(t Tier) float64 {
		s, ok := stats[t.Name]
		if !ok {
			return 1.0 // never called counts as healthy
		}
		return s.SuccessRate()
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Terminal != b.Terminal {
			return !a.Terminal
		}
		if ra, rb := rate(a), rate(b); ra != rb {
			return ra > rb
		}
		if a.CostMicros != b.CostMicros {
			return a.CostMicros < b.CostMicros
		}
		return a.Priority < b.Priority
	})
	return ordered
}

// byPriority orders tiers by declared priority, terminal tiers last
func byPriority(tiers []Tier) []Tier {
	ordered := make([]Tier, len(tiers))
	copy(ordered, tiers)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Terminal != b.Terminal {
			return !a.Terminal
		}
		return a.Priority < b.Priority
	})
	return ordered
}
