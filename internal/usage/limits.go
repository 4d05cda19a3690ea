package usage

import "github.com/streamrelay/streamrelay/internal/entity"

// Limits are the per-plan ceilings applied to an owner's aggregate usage.
type Limits struct {
	// Connections caps concurrently open client connections across all of
	// the owner's servers, in all regions.
	Connections int64
	// Messages caps messages published between ledger resets.
	Messages int64
	// MessageSize caps a single published payload, in bytes.
	MessageSize int64
}

const mib = 1 << 20

var planLimits = map[entity.Plan]Limits{
	entity.PlanHobby:      {Connections: 1_000, Messages: 100_000, MessageSize: 15 * mib},
	entity.PlanStartup:    {Connections: 2, Messages: 500_000, MessageSize: 15 * mib},
	entity.PlanPremium:    {Connections: 25_000, Messages: 1_000_000, MessageSize: 15 * mib},
	entity.PlanEnterprise: {Connections: 100_000, Messages: 5_000_000, MessageSize: 15 * mib},
}

// LimitsFor returns the ceilings for a plan. Unknown plans get the hobby
// limits so a malformed user document never grants unlimited usage.
func LimitsFor(plan entity.Plan) Limits {
	if l, ok := planLimits[plan]; ok {
		return l
	}
	return planLimits[entity.PlanHobby]
}
