package grading

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/gema-grader/internal/models"
)

//go:embed schema/ai_result.schema.json
var resultSchemaSource string

const resultSchemaURL = "https://gema-grader/schema/ai_result.schema.json"

var (
	resultSchemaOnce sync.Once
	resultSchema     *jsonschema.Schema
	resultSchemaErr  error
)

// ResultSchema exposes the compiled schema used at the oracle trust boundary.
func ResultSchema() (*jsonschema.Schema, error) {
	resultSchemaOnce.Do(func() {
		resultSchema, resultSchemaErr = jsonschema.CompileString(resultSchemaURL, resultSchemaSource)
	})
	return resultSchema, resultSchemaErr
}

// ParseResult is either a validated AiResult or the schema error explaining the rejection.
type ParseResult struct {
	Result models.AiResult
	Err    *SchemaError
}

// OK reports whether the payload passed validation.
func (p ParseResult) OK() bool {
	return p.Err == nil
}

// Unwrap returns the result or the schema error as a conventional pair.
func (p ParseResult) Unwrap() (models.AiResult, error) {
	if p.Err != nil {
		return models.AiResult{}, p.Err
	}
	return p.Result, nil
}

// ParseOracleResult validates a raw oracle payload before it may reach the aggregator.
// A zero totalMarks in the payload is replaced by the evaluation budget.
func ParseOracleResult(payload []byte, budget float64) ParseResult {
	body := stripCodeFence(payload)
	if len(body) == 0 {
		return rejected("empty payload")
	}

	var document interface{}
	if err := json.Unmarshal(body, &document); err != nil {
		return rejected(fmt.Sprintf("malformed json: %v", err))
	}

	schema, err := ResultSchema()
	if err != nil {
		return rejected(fmt.Sprintf("schema unavailable: %v", err))
	}

	if err := schema.Validate(document); err != nil {
		var validationErr *jsonschema.ValidationError
		if errors.As(err, &validationErr) {
			return ParseResult{Err: &SchemaError{Violations: flattenViolations(validationErr)}}
		}
		return rejected(err.Error())
	}

	var result models.AiResult
	if err := json.Unmarshal(body, &result); err != nil {
		return rejected(fmt.Sprintf("decode result: %v", err))
	}

	if violations := ValidateResult(result); len(violations) > 0 {
		return ParseResult{Err: &SchemaError{Violations: violations}}
	}

	if result.TotalMarks <= 0 {
		result.TotalMarks = budget
	}

	return ParseResult{Result: result}
}

// ValidateResult checks the QuestionResult invariants the schema cannot express.
func ValidateResult(result models.AiResult) []string {
	var violations []string
	if len(result.Questions) == 0 {
		violations = append(violations, "ai_data: at least one question required")
	}

	for i, question := range result.Questions {
		prefix := fmt.Sprintf("ai_data[%d]", i)
		if strings.TrimSpace(question.QuestionID) == "" {
			violations = append(violations, prefix+": question_id required")
		}
		if question.ImageIndex < 1 {
			violations = append(violations, prefix+": image_index must be 1-based")
		}
		if question.Marks < 0 {
			violations = append(violations, prefix+": marks must be non-negative")
		}
		if question.AIConfidence < 0 || question.AIConfidence > 100 {
			violations = append(violations, prefix+": ai_confidence must be within [0, 100]")
		}
		if len(question.MarkingScheme) == 0 {
			if question.MarksAwarded < 0 || question.MarksAwarded > question.Marks+markTolerance {
				violations = append(violations, prefix+": marks_awarded must be within [0, marks]")
			}
		}
		for j, point := range question.MarkingScheme {
			if point.Mark < 0 {
				violations = append(violations, fmt.Sprintf("%s.marking_scheme[%d]: mark must be non-negative", prefix, j))
			}
		}
	}

	return violations
}

func rejected(reason string) ParseResult {
	return ParseResult{Err: &SchemaError{Violations: []string{reason}}}
}

func flattenViolations(err *jsonschema.ValidationError) []string {
	if len(err.Causes) == 0 {
		location := err.InstanceLocation
		if location == "" {
			location = "/"
		}
		return []string{fmt.Sprintf("%s: %s", location, err.Message)}
	}

	var out []string
	for _, cause := range err.Causes {
		out = append(out, flattenViolations(cause)...)
	}
	return out
}

func stripCodeFence(payload []byte) []byte {
	body := bytes.TrimSpace(payload)
	if !bytes.HasPrefix(body, []byte("```")) {
		return body
	}

	body = bytes.TrimPrefix(body, []byte("```"))
	if newline := bytes.IndexByte(body, '\n'); newline >= 0 {
		body = body[newline+1:]
	}
	body = bytes.TrimSuffix(bytes.TrimSpace(body), []byte("```"))
	return bytes.TrimSpace(body)
}
