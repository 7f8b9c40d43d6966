package aggregate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/chirino/ai-proxy-monitor/internal/model"
)

// Prior holds the fields of a persisted summary that only the conversation
// store is authoritative for.
type Prior struct {
	CreatedAt      model.ISOTime
	RiskAssessment json.RawMessage
}

// Lookup maps conversation identity to its persisted Prior.
type Lookup map[string]Prior

// Preserve copies the store-authoritative fields of prior onto a freshly
// computed summary. Every other field of fresh is left as computed.
func Preserve(fresh *model.Conversation, prior Prior) {
	if !prior.CreatedAt.IsZero() {
		fresh.CreatedAt = prior.CreatedAt
	}
	if hasValue(prior.RiskAssessment) {
		fresh.RiskAssessment = slices.Clone(prior.RiskAssessment)
	}
}

func hasValue(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// DecodePrior reads the preserved fields from a stored summary. Only
// createdAt and riskAssessment are decoded, so a summary whose other fields
// no longer match the current model still contributes its assessment.
// A createdAt that cannot be parsed is returned as the zero time together
// with an error; the risk assessment is still returned.
func DecodePrior(source json.RawMessage) (Prior, error) {
	var doc struct {
		CreatedAt      json.RawMessage `json:"createdAt"`
		RiskAssessment json.RawMessage `json:"riskAssessment"`
	}
	if err := json.Unmarshal(source, &doc); err != nil {
		return Prior{}, fmt.Errorf("decode stored conversation: %w", err)
	}
	prior := Prior{}
	if hasValue(doc.RiskAssessment) {
		prior.RiskAssessment = slices.Clone(doc.RiskAssessment)
	}
	if len(doc.CreatedAt) > 0 {
		if err := json.Unmarshal(doc.CreatedAt, &prior.CreatedAt); err != nil {
			return prior, fmt.Errorf("invalid createdAt %s: %w", doc.CreatedAt, err)
		}
	}
	return prior, nil
}
