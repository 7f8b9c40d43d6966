// Package aggregate folds proxy messages into per-conversation summaries.
package aggregate

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/chirino/ai-proxy-monitor/internal/identity"
	"github.com/chirino/ai-proxy-monitor/internal/model"
)

// Status classifies a summary against the previously persisted store.
type Status int

const (
	// Created means no summary existed for the identity before this run.
	Created Status = iota
	// Updated means a prior summary existed and was recomputed.
	Updated
)

func (s Status) String() string {
	if s == Updated {
		return "updated"
	}
	return "created"
}

// Result is the output of one aggregation pass.
type Result struct {
	Conversations map[string]*model.Conversation
	Status        map[string]Status

	// MessagesProcessed counts every message offered, including the ones
	// that were skipped or unassignable.
	MessagesProcessed int
	// Unassignable counts messages whose response carried no conversation identity.
	Unassignable int
	// Skipped counts messages that could not be decoded, had no request
	// time, or repeated an already aggregated message id.
	Skipped int
}

// Created returns how many identities had no prior summary.
func (r *Result) Created() int { return r.count(Created) }

// Updated returns how many identities had a prior summary.
func (r *Result) Updated() int { return r.count(Updated) }

func (r *Result) count(s Status) int {
	n := 0
	for _, st := range r.Status {
		if st == s {
			n++
		}
	}
	return n
}

// Sorted returns the summaries ordered by conversation identity.
func (r *Result) Sorted() []*model.Conversation {
	ids := make([]string, 0, len(r.Conversations))
	for id := range r.Conversations {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]*model.Conversation, len(ids))
	for i, id := range ids {
		out[i] = r.Conversations[id]
	}
	return out
}

// Aggregator builds a Result incrementally so that messages can be fed page
// by page from a store scan. It is not safe for concurrent use.
type Aggregator struct {
	prior  Lookup
	now    model.ISOTime
	seen   map[string]struct{}
	result *Result
}

// New returns an Aggregator that seeds preserved fields from prior and
// stamps creation/update times with now.
func New(prior Lookup, now time.Time) *Aggregator {
	if prior == nil {
		prior = Lookup{}
	}
	return &Aggregator{
		prior: prior,
		now:   model.NewISOTime(now),
		seen:  map[string]struct{}{},
		result: &Result{
			Conversations: map[string]*model.Conversation{},
			Status:        map[string]Status{},
		},
	}
}

// Aggregate is the single-call form of New, Add and Result.
func Aggregate(messages []model.Message, prior Lookup, now time.Time) *Result {
	a := New(prior, now)
	for _, m := range messages {
		a.Add(m)
	}
	return a.Result()
}

// AddRaw decodes a stored message document and adds it. Documents that do
// not decode are counted as skipped.
func (a *Aggregator) AddRaw(id string, source json.RawMessage) {
	var m model.Message
	if err := json.Unmarshal(source, &m); err != nil {
		a.result.MessagesProcessed++
		a.result.Skipped++
		return
	}
	m.ID = id
	a.Add(m)
}

// Add folds one message into the running summaries.
func (a *Aggregator) Add(m model.Message) {
	r := a.result
	r.MessagesProcessed++

	if m.RequestTime.IsZero() || m.ID == "" {
		r.Skipped++
		return
	}
	convID := identity.ConversationID(m.RawResponse)
	if convID == "" {
		r.Unassignable++
		return
	}
	if _, dup := a.seen[m.ID]; dup {
		r.Skipped++
		return
	}
	a.seen[m.ID] = struct{}{}

	conv, ok := r.Conversations[convID]
	if !ok {
		conv = a.seed(convID, m)
		r.Conversations[convID] = conv
	}

	conv.MessageCount++
	conv.MessageIDs = append(conv.MessageIDs, m.ID)
	conv.LastQuestion = m.UserQuestion
	conv.UpdatedAt = a.now
	if m.RequestTime.After(conv.LastMessageTime.Time) {
		conv.LastMessageTime = m.RequestTime
	}
	if m.RequestTime.Before(conv.FirstMessageTime.Time) {
		conv.FirstMessageTime = m.RequestTime
		conv.FirstQuestion = m.UserQuestion
	}
	if conv.Model == nil {
		if slug := identity.Model(m.RawResponse); slug != "" {
			conv.Model = &slug
		}
	}
}

// seed creates the summary for the first message seen with an identity and
// applies the fields preserved from the prior store.
func (a *Aggregator) seed(convID string, m model.Message) *model.Conversation {
	conv := &model.Conversation{
		ConversationID:   convID,
		Username:         m.Username,
		FirstMessageTime: m.RequestTime,
		LastMessageTime:  m.RequestTime,
		FirstQuestion:    m.UserQuestion,
		LastQuestion:     m.UserQuestion,
		ClientIP:         m.ClientIP,
		MessageIDs:       []string{},
		CreatedAt:        a.now,
		UpdatedAt:        a.now,
	}
	prior, existed := a.prior[convID]
	if existed {
		Preserve(conv, prior)
		a.result.Status[convID] = Updated
	} else {
		a.result.Status[convID] = Created
	}
	return conv
}

// Result returns the summaries built so far.
func (a *Aggregator) Result() *Result {
	return a.result
}
