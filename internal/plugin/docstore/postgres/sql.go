package postgres

import (
	"fmt"
	"strings"

	registrydocstore "github.com/chirino/ai-proxy-monitor/internal/registry/docstore"
)

// Field paths are validated by registrydocstore.ValidateField before they are
// spliced into SQL, so they only ever contain identifier characters and dots.

func path(field string) string {
	return "'{" + strings.Join(strings.Split(field, "."), ",") + "}'"
}

// value is the jsonb value at field.
func value(field string) string {
	return "(doc #> " + path(field) + ")"
}

// text is the value at field rendered as text; NULL when absent.
func text(field string) string {
	return "(doc #>> " + path(field) + ")"
}

// sortKey orders missing values as the empty string, in byte order.
func sortKey(field string) string {
	return fmt.Sprintf(`coalesce(%s, '') COLLATE "C"`, text(field))
}

func orderBy(fields []registrydocstore.SortField) string {
	parts := make([]string, 0, len(fields)+1)
	for _, f := range fields {
		dir := "ASC"
		if f.Desc {
			dir = "DESC"
		}
		parts = append(parts, sortKey(f.Field)+" "+dir)
	}
	parts = append(parts, `id COLLATE "C" ASC`)
	return strings.Join(parts, ", ")
}

func conditions(q registrydocstore.Query) ([]string, []any) {
	var where []string
	var args []any
	for _, t := range q.Terms {
		where = append(where, fmt.Sprintf("(%s = ? OR %s @> jsonb_build_array(?::text))", text(t.Field), value(t.Field)))
		args = append(args, t.Value, t.Value)
	}
	for _, r := range q.Ranges {
		where = append(where, text(r.Field)+" IS NOT NULL")
		if r.GTE != "" {
			where = append(where, text(r.Field)+` COLLATE "C" >= ?`)
			args = append(args, r.GTE)
		}
		if r.LT != "" {
			where = append(where, text(r.Field)+` COLLATE "C" < ?`)
			args = append(args, r.LT)
		}
	}
	for _, c := range q.Contains {
		where = append(where, fmt.Sprintf("(jsonb_typeof(%s) = 'string' AND strpos(%s, ?) > 0)", value(c.Field), text(c.Field)))
		args = append(args, c.Value)
	}
	return where, args
}

func joinWhere(where []string) string {
	if len(where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(where, " AND ")
}

func whereClause(q registrydocstore.Query) (string, []any) {
	where, args := conditions(q)
	return joinWhere(where), args
}
