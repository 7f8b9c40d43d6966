package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ISOLayout is the fixed-width UTC layout used for every stored timestamp.
// Lexical order of values in this layout equals chronological order.
const ISOLayout = "2006-01-02T15:04:05.000Z"

// ISOTime is a time.Time that serializes in ISOLayout.
type ISOTime struct {
	time.Time
}

// NewISOTime truncates t to millisecond precision in UTC.
func NewISOTime(t time.Time) ISOTime {
	if t.IsZero() {
		return ISOTime{}
	}
	return ISOTime{Time: t.UTC().Truncate(time.Millisecond)}
}

// String returns the stored representation, or "" for the zero time.
func (t ISOTime) String() string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(ISOLayout)
}

func (t ISOTime) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.String())
}

func (t *ISOTime) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	if data[0] == '{' {
		return t.unmarshalExtendedDate(data)
	}
	if data[0] != '"' {
		var millis int64
		if err := json.Unmarshal(data, &millis); err != nil {
			return fmt.Errorf("timestamp must be an ISO string or epoch millis: %w", err)
		}
		*t = NewISOTime(time.UnixMilli(millis))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseISOTime(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// unmarshalExtendedDate accepts the MongoDB extended JSON date forms
// {"$date":"<RFC3339>"}, {"$date":<millis>} and {"$date":{"$numberLong":"<millis>"}}.
func (t *ISOTime) unmarshalExtendedDate(data []byte) error {
	var ext struct {
		Date json.RawMessage `json:"$date"`
	}
	if err := json.Unmarshal(data, &ext); err != nil || len(ext.Date) == 0 {
		return fmt.Errorf("timestamp must be an ISO string, epoch millis or {\"$date\": ...}")
	}
	var long struct {
		NumberLong string `json:"$numberLong"`
	}
	if bytes.HasPrefix(bytes.TrimSpace(ext.Date), []byte("{")) {
		if err := json.Unmarshal(ext.Date, &long); err != nil || long.NumberLong == "" {
			return fmt.Errorf("invalid $date value %s", ext.Date)
		}
		millis, err := strconv.ParseInt(long.NumberLong, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid $numberLong %q: %w", long.NumberLong, err)
		}
		*t = NewISOTime(time.UnixMilli(millis))
		return nil
	}
	return t.UnmarshalJSON(ext.Date)
}

// ParseISOTime parses RFC3339 (with or without fractional seconds) and ISOLayout.
// An empty string gives the zero time.
func ParseISOTime(s string) (ISOTime, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ISOTime{}, nil
	}
	for _, layout := range []string{ISOLayout, time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if parsed, err := time.Parse(layout, s); err == nil {
			return NewISOTime(parsed), nil
		}
	}
	return ISOTime{}, fmt.Errorf("invalid timestamp %q", s)
}

// Message is one proxied request/response record from the source index.
type Message struct {
	ID             string  `json:"id,omitempty"`
	Username       string  `json:"username"`
	UserQuestion   string  `json:"userQuestion"`
	RawResponse    string  `json:"rawResponse"`
	ParsedResponse string  `json:"parsedResponse"`
	RequestTime    ISOTime `json:"requestTime"`
	RequestID      string  `json:"requestId,omitempty"`
	ClientIP       string  `json:"clientIp"`
}

// Conversation is the denormalized summary persisted in the conversations index.
// RiskAssessment is kept raw so that a re-sync copies it without re-encoding.
type Conversation struct {
	ConversationID   string          `json:"conversationId"`
	Username         string          `json:"username"`
	FirstMessageTime ISOTime         `json:"firstMessageTime"`
	LastMessageTime  ISOTime         `json:"lastMessageTime"`
	MessageCount     int             `json:"messageCount"`
	FirstQuestion    string          `json:"firstQuestion"`
	LastQuestion     string          `json:"lastQuestion"`
	Model            *string         `json:"model"`
	ClientIP         string          `json:"clientIp"`
	MessageIDs       []string        `json:"messageIds"`
	CreatedAt        ISOTime         `json:"createdAt"`
	UpdatedAt        ISOTime         `json:"updatedAt"`
	RiskAssessment   json.RawMessage `json:"riskAssessment,omitempty"`
}

// RiskLevel is the overall verdict of a risk assessment.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskLevels lists the accepted levels from least to most severe.
var RiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh, RiskCritical}

// ParseRiskLevel matches s case-insensitively against RiskLevels.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	upper := RiskLevel(strings.ToUpper(strings.TrimSpace(s)))
	for _, l := range RiskLevels {
		if l == upper {
			return l, true
		}
	}
	return "", false
}

// ViolationNone is the default for an unreported violation category.
const ViolationNone = "NONE"

// Violations holds the per-category verdicts of an assessment.
type Violations struct {
	DataProtection       string `json:"data_protection"`
	IntellectualProperty string `json:"intellectual_property"`
	AcceptableUse        string `json:"acceptable_use"`
}

// RiskAssessment is the compliance verdict attached to a conversation.
type RiskAssessment struct {
	OverallRiskLevel   RiskLevel  `json:"overall_risk_level"`
	PrimaryViolation   string     `json:"primary_violation"`
	ConfidenceLevel    string     `json:"confidence_level"`
	Summary            string     `json:"summary"`
	ViolationsDetected Violations `json:"violations_detected"`
	AgentFindings      Violations `json:"agent_findings"`
	AssessedAt         ISOTime    `json:"assessed_at"`
}
