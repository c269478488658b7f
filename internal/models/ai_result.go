package models

// MarkingPoint is an atomic, independently toggleable scoring criterion.
type MarkingPoint struct {
	Point  string  `json:"point"`
	Mark   float64 `json:"mark"`
	Status bool    `json:"status"`
}

// QuestionResult carries the grading detail for a single question.
type QuestionResult struct {
	ImageIndex                  int            `json:"image_index"`
	Section                     string         `json:"section,omitempty"`
	QuestionID                  string         `json:"question_id"`
	Question                    string         `json:"question"`
	Marks                       float64        `json:"marks"`
	MarksAwarded                float64        `json:"marks_awarded"`
	Feedback                    string         `json:"feedback"`
	Difficulty                  string         `json:"difficulty"`
	BloomsLevel                 string         `json:"blooms_level"`
	Topic                       string         `json:"topic"`
	CO                          string         `json:"co"`
	PO                          string         `json:"po"`
	PSO                         string         `json:"pso"`
	AIConfidence                int            `json:"ai_confidence"`
	TeacherInterventionRequired bool           `json:"teacher_intervention_required"`
	MarkingScheme               []MarkingPoint `json:"marking_scheme"`
}

// AiResult is the structured grading output attached to a submission.
type AiResult struct {
	Questions        []QuestionResult `json:"ai_data"`
	TotalMarkAwarded float64          `json:"totalMarkAwarded"`
	TotalMarks       float64          `json:"totalMarks"`
}

// Clone returns a deep copy so callers can mutate without aliasing persisted state.
func (r AiResult) Clone() AiResult {
	out := AiResult{
		TotalMarkAwarded: r.TotalMarkAwarded,
		TotalMarks:       r.TotalMarks,
		Questions:        make([]QuestionResult, len(r.Questions)),
	}
	for i, question := range r.Questions {
		copied := question
		if question.MarkingScheme != nil {
			copied.MarkingScheme = append([]MarkingPoint(nil), question.MarkingScheme...)
		}
		out.Questions[i] = copied
	}
	return out
}
