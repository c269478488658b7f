package grading

import (
	"strings"

	"github.com/noah-isme/gema-grader/internal/models"
)

// OutcomeKey selects the taxonomy tag used to group questions.
type OutcomeKey string

const (
	OutcomeCO  OutcomeKey = "co"
	OutcomePO  OutcomeKey = "po"
	OutcomePSO OutcomeKey = "pso"
)

// OutcomeKeys lists every supported grouping in display order.
var OutcomeKeys = []OutcomeKey{OutcomeCO, OutcomePO, OutcomePSO}

// OutcomeGroup is the rollup of all questions sharing one tag value.
type OutcomeGroup struct {
	Tag     string  `json:"tag"`
	Awarded float64 `json:"awarded"`
	Total   float64 `json:"total"`
	Count   int     `json:"count"`
}

// Stats summarises an AiResult for reviewers.
type Stats struct {
	TotalMarkAwarded      float64                       `json:"total_mark_awarded"`
	TotalMarks            float64                       `json:"total_marks"`
	Percentage            float64                       `json:"percentage"`
	QuestionCount         int                           `json:"question_count"`
	InterventionsRequired int                           `json:"interventions_required"`
	Outcomes              map[OutcomeKey][]OutcomeGroup `json:"outcomes"`
}

// RecomputeQuestion derives marks_awarded from the credited marking points.
// Questions without marking points keep the supplied value.
func RecomputeQuestion(question *models.QuestionResult) {
	if question == nil || len(question.MarkingScheme) == 0 {
		return
	}

	var credited float64
	for _, point := range question.MarkingScheme {
		if point.Status {
			credited += point.Mark
		}
	}

	question.MarksAwarded = clamp(credited, 0, question.Marks)
}

// RecomputeSubmissionTotal sums marks_awarded and stores it on the result.
func RecomputeSubmissionTotal(result *models.AiResult) float64 {
	if result == nil {
		return 0
	}

	var total float64
	for _, question := range result.Questions {
		total += question.MarksAwarded
	}
	result.TotalMarkAwarded = total
	return total
}

// Recompute brings every question and the total in line with the marking scheme.
func Recompute(result *models.AiResult) float64 {
	if result == nil {
		return 0
	}
	for i := range result.Questions {
		RecomputeQuestion(&result.Questions[i])
	}
	return RecomputeSubmissionTotal(result)
}

// AggregateByOutcome groups questions by the selected tag in first-occurrence order.
func AggregateByOutcome(result models.AiResult, key OutcomeKey) []OutcomeGroup {
	groups := make([]OutcomeGroup, 0)
	index := make(map[string]int)

	for _, question := range result.Questions {
		tag := strings.TrimSpace(outcomeTag(question, key))
		if tag == "" {
			continue
		}

		position, ok := index[tag]
		if !ok {
			position = len(groups)
			index[tag] = position
			groups = append(groups, OutcomeGroup{Tag: tag})
		}

		groups[position].Awarded += question.MarksAwarded
		groups[position].Total += question.Marks
		groups[position].Count++
	}

	return groups
}

// Summarize builds the reviewer statistics for a result.
func Summarize(result models.AiResult) Stats {
	stats := Stats{
		TotalMarkAwarded: result.TotalMarkAwarded,
		TotalMarks:       result.TotalMarks,
		QuestionCount:    len(result.Questions),
		Outcomes:         make(map[OutcomeKey][]OutcomeGroup, len(OutcomeKeys)),
	}

	for _, question := range result.Questions {
		if question.TeacherInterventionRequired {
			stats.InterventionsRequired++
		}
	}

	if result.TotalMarks > 0 {
		stats.Percentage = result.TotalMarkAwarded / result.TotalMarks * 100
	}

	for _, key := range OutcomeKeys {
		stats.Outcomes[key] = AggregateByOutcome(result, key)
	}

	return stats
}

func outcomeTag(question models.QuestionResult, key OutcomeKey) string {
	switch key {
	case OutcomeCO:
		return question.CO
	case OutcomePO:
		return question.PO
	case OutcomePSO:
		return question.PSO
	default:
		return ""
	}
}

func clamp(value, min, max float64) float64 {
	if value < min {
		return min
	}
	if max >= min && value > max {
		return max
	}
	return value
}
