package envelope

import "fmt"

// Subject layout. Every message lands in one JetStream stream; the final
// token encodes the priority tier so a consumer can drain higher tiers
// before lower ones.
//
//	agrimesh.agent.<agent-type>.p<N>   directed delivery
//	agrimesh.broadcast.p<N>            fan-out to every agent
const (
	StreamName    = "AGRIMESH"
	SubjectPrefix = "agrimesh"
)

// StreamSubjects returns the wildcard set the stream captures.
func StreamSubjects() []string {
	return []string{SubjectPrefix + ".>"}
}

// AgentSubject builds the directed subject for one agent at one priority.
func AgentSubject(agent AgentType, p Priority) string {
	return fmt.Sprintf("%s.agent.%s.p%d", SubjectPrefix, agent, p)
}

// BroadcastSubject builds the fan-out subject for one priority.
func BroadcastSubject(p Priority) string {
	return fmt.Sprintf("%s.broadcast.p%d", SubjectPrefix, p)
}

// BroadcastWildcard matches every broadcast tier. Used by observers such as
// the gateway event relay, which tap core NATS rather than the stream.
func BroadcastWildcard() string {
	return SubjectPrefix + ".broadcast.*"
}

// ResolveSubjects maps a validated envelope to the subjects it must be
// published on: one per target for directed types, the single broadcast
// subject otherwise.
func ResolveSubjects(e *Envelope) []string {
	if e.Type == TypeBroadcast {
		return []string{BroadcastSubject(e.Priority)}
	}
	subjects := make([]string, 0, len(e.Targets))
	for _, target := range e.Targets {
		subjects = append(subjects, AgentSubject(target, e.Priority))
	}
	return subjects
}

// FilterSubjects returns the subjects a given agent's consumer at a given
// priority tier must bind: its own directed subject plus the broadcast
// subject for that tier.
func FilterSubjects(agent AgentType, p Priority) []string {
	return []string{AgentSubject(agent, p), BroadcastSubject(p)}
}

// ConsumerName derives the durable name for an agent's consumer at a tier.
func ConsumerName(agent AgentType, p Priority) string {
	return fmt.Sprintf("%s-p%d", agent, p)
}
