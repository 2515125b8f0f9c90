package router

// Snapshot lists the identities currently bound in each table. Handlers
// are not exposed.
type Snapshot struct {
	AgentRoutes      []string `json:"agent_routes"`
	ConnectionRoutes []string `json:"connection_routes"`
}

// Snapshot returns the current route identities, sorted.
func (r *Router) Snapshot() Snapshot {
	return Snapshot{
		AgentRoutes:      r.agents.keys(),
		ConnectionRoutes: r.connections.keys(),
	}
}

// Stats holds router counters since construction.
type Stats struct {
	AgentRoutes          int    `json:"agent_routes"`
	ConnectionRoutes     int    `json:"connection_routes"`
	Registrations        uint64 `json:"registrations"`
	AgentDispatches      uint64 `json:"agent_dispatches"`
	ConnectionDispatches uint64 `json:"connection_dispatches"`
	DefaultDispatches    uint64 `json:"default_dispatches"`
	Misses               uint64 `json:"misses"`
	Restorations         uint64 `json:"restorations"`
	RestorationFailures  uint64 `json:"restoration_failures"`
	DeliveryFailures     uint64 `json:"delivery_failures"`
}

func (r *Router) Stats() Stats {
	return Stats{
		AgentRoutes:          r.agents.len(),
		ConnectionRoutes:     r.connections.len(),
		Registrations:        r.stats.registrations.Load(),
		AgentDispatches:      r.stats.agentDispatches.Load(),
		ConnectionDispatches: r.stats.connectionDispatches.Load(),
		DefaultDispatches:    r.stats.defaultDispatches.Load(),
		Misses:               r.stats.misses.Load(),
		Restorations:         r.stats.restorations.Load(),
		RestorationFailures:  r.stats.restorationFailures.Load(),
		DeliveryFailures:     r.stats.deliveryFailures.Load(),
	}
}
