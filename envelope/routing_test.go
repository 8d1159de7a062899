package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubjectLayout(t *testing.T) {
	assert.Equal(t, "agrimesh.agent.market-intelligence.p2",
		AgentSubject(AgentMarketIntelligence, PriorityHigh))
	assert.Equal(t, "agrimesh.broadcast.p3", BroadcastSubject(PriorityCritical))
	assert.Equal(t, []string{"agrimesh.>"}, StreamSubjects())
	assert.Equal(t, "agrimesh.broadcast.*", BroadcastWildcard())
}

func TestResolveSubjects(t *testing.T) {
	t.Run("broadcast ignores targets", func(t *testing.T) {
		env := &Envelope{Type: TypeBroadcast, Priority: PriorityLow}
		assert.Equal(t, []string{"agrimesh.broadcast.p0"}, ResolveSubjects(env))
	})

	t.Run("multi-target fans out", func(t *testing.T) {
		env := &Envelope{
			Type:     TypeRequest,
			Targets:  []AgentType{AgentLogistics, AgentFinancialInclusion},
			Priority: PriorityNormal,
		}
		assert.Equal(t, []string{
			"agrimesh.agent.logistics.p1",
			"agrimesh.agent.financial-inclusion.p1",
		}, ResolveSubjects(env))
	})
}

func TestFilterSubjects(t *testing.T) {
	got := FilterSubjects(AgentGeoAgronomy, PriorityCritical)
	assert.Equal(t, []string{
		"agrimesh.agent.geo-agronomy.p3",
		"agrimesh.broadcast.p3",
	}, got)
}

func TestConsumerName(t *testing.T) {
	assert.Equal(t, "master-p2", ConsumerName(AgentMaster, PriorityHigh))
}
