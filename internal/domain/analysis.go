package domain

// Closure reasons recorded in Analysis.ClosedBy.
const (
	ClosedByAdminHandoff = "admin_handoff"
	ClosedByAI           = "ai_natural_closure"
	ClosedByCaller       = "caller_initiated"
	ClosedByEscalation   = "escalated_to_admin"
	ClosedByIncomplete   = "incomplete"
)

// Analysis is the advisory summary derived from a session's messages.
type Analysis struct {
	Summary          string          `json:"summary"`
	MainIntent       string          `json:"main_intent,omitempty"`
	Urgent           bool            `json:"urgent"`
	EndedWithClosure bool            `json:"ended_with_closure"`
	ClosedBy         string          `json:"closed_by,omitempty"`
	Metrics          AnalysisMetrics `json:"metrics"`
}

// AnalysisMetrics holds message counts for a session.
type AnalysisMetrics struct {
	TotalMessages       int            `json:"total_messages"`
	IntentsDistribution map[string]int `json:"intents_distribution"`
	CallerMessageCount  int            `json:"caller_message_count"`
	AIMessageCount      int            `json:"ai_message_count"`
}

// Clone returns a copy with its own distribution map.
func (a Analysis) Clone() Analysis {
	c := a
	if a.Metrics.IntentsDistribution != nil {
		c.Metrics.IntentsDistribution = make(map[string]int, len(a.Metrics.IntentsDistribution))
		for k, v := range a.Metrics.IntentsDistribution {
			c.Metrics.IntentsDistribution[k] = v
		}
	}
	return c
}
