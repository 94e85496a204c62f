package ledger

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/ashureev/servoice/internal/domain"
)

var businessIntents = map[string]struct{}{
	domain.IntentInquiry:             {},
	domain.IntentMedical:             {},
	domain.IntentCaregiverReschedule: {},
	domain.IntentAppointment:         {},
	domain.IntentEmergency:           {},
	domain.IntentAdminHandoff:        {},
	domain.IntentJobApplication:      {},
}

var phonePattern = regexp.MustCompile(`\d{3}[\s\-]?\d{3}[\s\-]?\d{4}`)

// Analyze derives the advisory summary for a message sequence.
func Analyze(messages []domain.Message) domain.Analysis {
	if len(messages) == 0 {
		return domain.Analysis{
			Summary: "No messages in this session.",
			Metrics: domain.AnalysisMetrics{IntentsDistribution: map[string]int{}},
		}
	}

	dist := make(map[string]int)
	business := make(map[string]int)
	var order []string // first-seen order breaks count ties
	var transcripts []string
	urgent, closure := false, false
	callerCount, aiCount := 0, 0

	for _, m := range messages {
		if m.Intent != "" {
			if _, seen := dist[m.Intent]; !seen {
				order = append(order, m.Intent)
			}
			dist[m.Intent]++
			if _, ok := businessIntents[m.Intent]; ok {
				business[m.Intent]++
			}
			if m.IsClosure() {
				closure = true
			}
		}
		if m.Transcript != "" {
			transcripts = append(transcripts, m.Transcript)
			callerCount++
		}
		if m.Reply != "" {
			aiCount++
		}
		if m.Urgent {
			urgent = true
		}
	}

	mainIntent := mostCommon(business, order)
	if mainIntent == "" {
		mainIntent = mostCommon(dist, order)
	}
	if mainIntent == "" {
		mainIntent = "unknown"
	}

	closedBy := domain.ClosedByIncomplete
	last := messages[len(messages)-1]
	switch {
	case closure && last.Intent == domain.IntentAdminHandoff:
		closedBy = domain.ClosedByAdminHandoff
	case closure && last.Intent == domain.IntentPoliteClosure:
		closedBy = domain.ClosedByAI
	case closure:
		closedBy = domain.ClosedByCaller
	case urgent:
		closedBy = domain.ClosedByEscalation
	}

	return domain.Analysis{
		Summary:          summarize(transcripts, urgent),
		MainIntent:       mainIntent,
		Urgent:           urgent,
		EndedWithClosure: closure,
		ClosedBy:         closedBy,
		Metrics: domain.AnalysisMetrics{
			TotalMessages:       len(messages),
			IntentsDistribution: dist,
			CallerMessageCount:  callerCount,
			AIMessageCount:      aiCount,
		},
	}
}

func mostCommon(counts map[string]int, order []string) string {
	best, bestN := "", 0
	for _, intent := range order {
		if n := counts[intent]; n > bestN {
			best, bestN = intent, n
		}
	}
	return best
}

func summarize(transcripts []string, urgent bool) string {
	var parts []string
	if len(transcripts) > 0 {
		parts = append(parts, fmt.Sprintf("Caller initiated contact with: '%s'", transcripts[0]))
	}

	content := strings.ToLower(strings.Join(transcripts, " "))
	switch {
	case strings.Contains(content, "mom") || strings.Contains(content, "mother"):
		parts = append(parts, "Discussion about care for caller's mother.")
	case strings.Contains(content, "dad") || strings.Contains(content, "father"):
		parts = append(parts, "Discussion about care for caller's father.")
	}

	var needs []string
	if strings.Contains(content, "companionship") || strings.Contains(content, "company") {
		needs = append(needs, "companionship")
	}
	if strings.Contains(content, "medication") {
		needs = append(needs, "medication reminders")
	}
	if strings.Contains(content, "housekeeping") || strings.Contains(content, "cleaning") {
		needs = append(needs, "housekeeping")
	}
	if len(needs) > 0 {
		parts = append(parts, fmt.Sprintf("Specific needs discussed: %s.", strings.Join(needs, ", ")))
	}

	if strings.Contains(content, "hour") || strings.Contains(content, "schedule") {
		parts = append(parts, "Caller provided schedule preferences.")
	}
	if phonePattern.MatchString(content) {
		parts = append(parts, "Contact information was shared.")
	}
	if urgent {
		parts = append(parts, "URGENT matter flagged for immediate admin attention.")
	}
	return strings.Join(parts, " ")
}

func sortByStart(sessions []domain.CallSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
}
