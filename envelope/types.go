package envelope

// MessageType identifies the communication pattern an envelope participates in.
type MessageType string

// Message types understood by every agent on the mesh.
const (
	// TypeRequest expects a correlated RESPONSE from its target.
	TypeRequest MessageType = "REQUEST"
	// TypeResponse answers a prior REQUEST, matched by correlation id.
	TypeResponse MessageType = "RESPONSE"
	// TypeEvent is a targeted notification with no reply expected.
	TypeEvent MessageType = "EVENT"
	// TypeContextUpdate carries a context slice merge for an entity.
	TypeContextUpdate MessageType = "CONTEXT_UPDATE"
	// TypeBroadcast fans out to every agent; target is forbidden.
	TypeBroadcast MessageType = "BROADCAST"
)

// IsValid checks if the message type is one of the known kinds.
func (mt MessageType) IsValid() bool {
	switch mt {
	case TypeRequest, TypeResponse, TypeEvent, TypeContextUpdate, TypeBroadcast:
		return true
	default:
		return false
	}
}

// RequiresTarget reports whether envelopes of this type must carry at least
// one target. BROADCAST must not; EVENT may be targeted or not.
func (mt MessageType) RequiresTarget() bool {
	switch mt {
	case TypeRequest, TypeResponse, TypeContextUpdate:
		return true
	default:
		return false
	}
}

// AgentType identifies an agent role on the mesh. The set is fixed: agents
// address each other by role, not by instance.
type AgentType string

// Agent roles in the advisory platform.
const (
	// AgentMaster is the orchestrating human-query router.
	AgentMaster AgentType = "master"
	// AgentMarketIntelligence provides price trends and demand forecasts.
	AgentMarketIntelligence AgentType = "market-intelligence"
	// AgentClimateResource provides weather and climate risk scores.
	AgentClimateResource AgentType = "climate-resource"
	// AgentGeoAgronomy provides satellite-derived yield forecasts.
	AgentGeoAgronomy AgentType = "geo-agronomy"
	// AgentFinancialInclusion provides credit and scheme data.
	AgentFinancialInclusion AgentType = "financial-inclusion"
	// AgentLogistics provides transport and storage options.
	AgentLogistics AgentType = "logistics"
	// AgentCollectiveGovernance drives FPO portfolio planning and
	// profit distribution.
	AgentCollectiveGovernance AgentType = "collective-governance"
	// AgentHumanInterface renders advisory output for farmers.
	AgentHumanInterface AgentType = "human-interface"
)

// AllAgentTypes returns every known agent role.
func AllAgentTypes() []AgentType {
	return []AgentType{
		AgentMaster,
		AgentMarketIntelligence,
		AgentClimateResource,
		AgentGeoAgronomy,
		AgentFinancialInclusion,
		AgentLogistics,
		AgentCollectiveGovernance,
		AgentHumanInterface,
	}
}

// IsValid checks if the agent type is a known role.
func (at AgentType) IsValid() bool {
	for _, known := range AllAgentTypes() {
		if at == known {
			return true
		}
	}
	return false
}

// Priority ranks envelopes for delivery ordering. Higher values are serviced
// before lower ones when multiple envelopes are queued for the same agent.
type Priority int

// Priority tiers, lowest to highest.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// String returns the string representation of the priority tier.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// IsValid checks if the priority is within the known tiers.
func (p Priority) IsValid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}
