package docstore

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Term matches documents whose field equals Value. For array fields any
// element may match.
type Term struct {
	Field string
	Value string
}

// Range matches documents whose field is >= GTE and < LT. Bounds are compared
// as strings, so they must use the same fixed-width encoding as the stored
// values (ISO timestamps). An empty bound is open.
type Range struct {
	Field string
	GTE   string
	LT    string
}

// Contains matches documents whose string field contains Value as a substring.
type Contains struct {
	Field string
	Value string
}

// Query is a conjunction of clauses. The zero Query matches every document.
type Query struct {
	Terms    []Term
	Ranges   []Range
	Contains []Contains
}

// MatchAll returns the query matching every document.
func MatchAll() Query { return Query{} }

// WithTerm returns a copy of q with an additional Term clause.
func (q Query) WithTerm(field, value string) Query {
	q.Terms = append(append([]Term(nil), q.Terms...), Term{Field: field, Value: value})
	return q
}

// WithRange returns a copy of q with an additional Range clause.
func (q Query) WithRange(field, gte, lt string) Query {
	q.Ranges = append(append([]Range(nil), q.Ranges...), Range{Field: field, GTE: gte, LT: lt})
	return q
}

// WithContains returns a copy of q with an additional Contains clause.
func (q Query) WithContains(field, value string) Query {
	q.Contains = append(append([]Contains(nil), q.Contains...), Contains{Field: field, Value: value})
	return q
}

// Fields returns every field referenced by the query.
func (q Query) Fields() []string {
	var fields []string
	for _, t := range q.Terms {
		fields = append(fields, t.Field)
	}
	for _, r := range q.Ranges {
		fields = append(fields, r.Field)
	}
	for _, c := range q.Contains {
		fields = append(fields, c.Field)
	}
	return fields
}

// SortField orders results by one field. Ties are broken by document ID.
type SortField struct {
	Field string
	Desc  bool
}

// Asc sorts by field ascending.
func Asc(field string) SortField { return SortField{Field: field} }

// Desc sorts by field descending.
func Desc(field string) SortField { return SortField{Field: field, Desc: true} }

var fieldPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)*$`)

// ValidateField rejects field paths that are not dotted identifiers. Backends
// that splice field paths into query text call this first.
func ValidateField(field string) error {
	if !fieldPattern.MatchString(field) {
		return &ValidationError{Field: "field", Message: fmt.Sprintf("invalid field path %q", field), Received: field}
	}
	return nil
}

// ValidateQuery validates every field referenced by q and sort.
func ValidateQuery(q Query, sort []SortField) error {
	for _, f := range q.Fields() {
		if err := ValidateField(f); err != nil {
			return err
		}
	}
	for _, s := range sort {
		if err := ValidateField(s.Field); err != nil {
			return err
		}
	}
	return nil
}

// Lookup resolves a dotted path against a decoded JSON document.
func Lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Scalar renders a decoded JSON scalar the way it is compared by Term,
// Range and Terms. Objects, arrays and null render as "".
func Scalar(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case fmt.Stringer:
		return t.String()
	default:
		return ""
	}
}

// Matches evaluates q against a decoded JSON document.
func Matches(doc map[string]any, q Query) bool {
	for _, t := range q.Terms {
		v, ok := Lookup(doc, t.Field)
		if !ok || !termMatches(v, t.Value) {
			return false
		}
	}
	for _, r := range q.Ranges {
		v, ok := Lookup(doc, r.Field)
		if !ok {
			return false
		}
		s := Scalar(v)
		if s == "" {
			return false
		}
		if r.GTE != "" && s < r.GTE {
			return false
		}
		if r.LT != "" && s >= r.LT {
			return false
		}
	}
	for _, c := range q.Contains {
		v, ok := Lookup(doc, c.Field)
		if !ok {
			return false
		}
		s, isString := v.(string)
		if !isString || !strings.Contains(s, c.Value) {
			return false
		}
	}
	return true
}

func termMatches(v any, want string) bool {
	if arr, ok := v.([]any); ok {
		for _, el := range arr {
			if Scalar(el) == want {
				return true
			}
		}
		return false
	}
	if v == nil {
		return false
	}
	return Scalar(v) == want
}

// Compare orders two documents by sort, falling back to their IDs. Missing
// values sort before present ones in ascending order.
func Compare(a, b map[string]any, aID, bID string, sort []SortField) int {
	for _, s := range sort {
		av, _ := Lookup(a, s.Field)
		bv, _ := Lookup(b, s.Field)
		c := compareScalar(av, bv)
		if s.Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return strings.Compare(aID, bID)
}

func compareScalar(a, b any) int {
	af, aNum := a.(float64)
	bf, bNum := b.(float64)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(Scalar(a), Scalar(b))
}
