// Package assessment turns the loosely shaped output of an external risk
// assessor into a model.RiskAssessment.
package assessment

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chirino/ai-proxy-monitor/internal/model"
	"github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
	"github.com/itchyny/gojq"
)

// levelKey marks an object as a risk assessment.
const levelKey = "overall_risk_level"

// CandidatePaths are the locations, in order, where an assessor is known to
// put the assessment object. The list is fixed; nothing deeper is searched.
var CandidatePaths = []string{
	".",
	".riskAssessment",
	".risk_assessment",
	".output",
	".output | fromjson",
	".data",
	".result",
	".[0]",
	".[0].output",
	".[0].output | fromjson",
	".[0].json",
}

var candidates = compile(CandidatePaths)

func compile(paths []string) []*gojq.Code {
	codes := make([]*gojq.Code, len(paths))
	for i, p := range paths {
		q, err := gojq.Parse(p)
		if err != nil {
			panic(fmt.Sprintf("assessment: invalid path %q: %v", p, err))
		}
		code, err := gojq.Compile(q)
		if err != nil {
			panic(fmt.Sprintf("assessment: cannot compile %q: %v", p, err))
		}
		codes[i] = code
	}
	return codes
}

// Unwrap returns the first candidate that is an object carrying
// overall_risk_level. When none matches, an object payload is returned as
// is so that validation can report what was missing; otherwise nil.
func Unwrap(payload any) map[string]any {
	for _, code := range candidates {
		if m := first(code, payload); m != nil {
			return m
		}
	}
	if m, ok := payload.(map[string]any); ok {
		return m
	}
	return nil
}

func first(code *gojq.Code, input any) map[string]any {
	iter := code.Run(input)
	v, ok := iter.Next()
	if !ok {
		return nil
	}
	if _, isErr := v.(error); isErr {
		return nil
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	if _, ok := m[levelKey]; !ok {
		return nil
	}
	return m
}

// Normalize validates an unwrapped assessment and fills defaults: each
// violations_detected category defaults to NONE and each agent_findings
// category to "". received is echoed in the ValidationError on failure.
func Normalize(m map[string]any, received any, now time.Time) (model.RiskAssessment, error) {
	raw := text(m[levelKey])
	if strings.TrimSpace(raw) == "" {
		return model.RiskAssessment{}, &docstore.ValidationError{
			Field:    levelKey,
			Message:  "overall_risk_level is required",
			Received: received,
		}
	}
	level, ok := model.ParseRiskLevel(raw)
	if !ok {
		return model.RiskAssessment{}, &docstore.ValidationError{
			Field:    levelKey,
			Message:  fmt.Sprintf("overall_risk_level must be one of %v, got %q", model.RiskLevels, raw),
			Received: received,
		}
	}

	violations, _ := m["violations_detected"].(map[string]any)
	findings, _ := m["agent_findings"].(map[string]any)
	return model.RiskAssessment{
		OverallRiskLevel: level,
		PrimaryViolation: text(m["primary_violation"]),
		ConfidenceLevel:  text(m["confidence_level"]),
		Summary:          text(m["summary"]),
		ViolationsDetected: model.Violations{
			DataProtection:       orDefault(text(violations["data_protection"]), model.ViolationNone),
			IntellectualProperty: orDefault(text(violations["intellectual_property"]), model.ViolationNone),
			AcceptableUse:        orDefault(text(violations["acceptable_use"]), model.ViolationNone),
		},
		AgentFindings: model.Violations{
			DataProtection:       text(findings["data_protection"]),
			IntellectualProperty: text(findings["intellectual_property"]),
			AcceptableUse:        text(findings["acceptable_use"]),
		},
		AssessedAt: model.NewISOTime(now),
	}, nil
}

// text renders scalar JSON values as strings; anything else is "".
func text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
