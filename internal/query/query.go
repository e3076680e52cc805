// Package query parses the declarative SOQL-like object queries used in
// migration plans: SELECT <fields> FROM <object> [WHERE <clause>] [LIMIT n].
package query

import (
	"fmt"
	"strconv"
	"strings"
)

// Parsed is the structured form of a declared object query.
type Parsed struct {
	Fields []string
	Object string
	Where  string
	Limit  int
	// All marks "SELECT all" queries whose field list must be expanded from
	// schema metadata.
	All bool
}

// Parse splits a declared query into its field list, object, and predicate
// tail. A query with no usable fields is a structural error.
func Parse(q string) (*Parsed, error) {
	trimmed := strings.TrimSpace(q)
	upper := strings.ToUpper(trimmed)

	if !strings.HasPrefix(upper, "SELECT ") {
		return nil, fmt.Errorf("query must start with SELECT: %q", q)
	}

	fromIdx := indexWord(upper, "FROM")
	if fromIdx < 0 {
		return nil, fmt.Errorf("query has no FROM clause: %q", q)
	}

	fieldPart := strings.TrimSpace(trimmed[len("SELECT "):fromIdx])
	rest := strings.TrimSpace(trimmed[fromIdx+len("FROM"):])

	p := &Parsed{}

	if fieldPart == "*" || strings.EqualFold(fieldPart, "all") {
		p.All = true
	} else {
		for _, f := range strings.Split(fieldPart, ",") {
			if f = strings.TrimSpace(f); f != "" {
				p.Fields = append(p.Fields, f)
			}
		}
		if len(p.Fields) == 0 {
			return nil, fmt.Errorf("query has no usable fields: %q", q)
		}
	}

	restUpper := strings.ToUpper(rest)
	whereIdx := indexWord(restUpper, "WHERE")
	limitIdx := indexWord(restUpper, "LIMIT")

	objEnd := len(rest)
	if whereIdx >= 0 && whereIdx < objEnd {
		objEnd = whereIdx
	}
	if limitIdx >= 0 && limitIdx < objEnd {
		objEnd = limitIdx
	}
	p.Object = strings.TrimSpace(rest[:objEnd])
	if p.Object == "" {
		return nil, fmt.Errorf("query has no object name: %q", q)
	}

	if whereIdx >= 0 {
		whereEnd := len(rest)
		if limitIdx > whereIdx {
			whereEnd = limitIdx
		}
		p.Where = strings.TrimSpace(rest[whereIdx+len("WHERE") : whereEnd])
	}
	if limitIdx >= 0 {
		limStr := strings.TrimSpace(rest[limitIdx+len("LIMIT"):])
		n, err := strconv.Atoi(strings.Fields(limStr + " x")[0])
		if err != nil {
			return nil, fmt.Errorf("invalid LIMIT in query %q: %w", q, err)
		}
		p.Limit = n
	}

	return p, nil
}

// String renders the query back into its canonical text form.
func (p *Parsed) String() string {
	var b strings.Builder
	b.WriteString("SELECT ")
	if p.All {
		b.WriteString("*")
	} else {
		b.WriteString(strings.Join(p.Fields, ", "))
	}
	b.WriteString(" FROM ")
	b.WriteString(p.Object)
	if p.Where != "" {
		b.WriteString(" WHERE ")
		b.WriteString(p.Where)
	}
	if p.Limit > 0 {
		b.WriteString(fmt.Sprintf(" LIMIT %d", p.Limit))
	}
	return b.String()
}

// indexWord finds a standalone keyword (surrounded by whitespace) in an
// upper-cased query string.
func indexWord(s, word string) int {
	idx := 0
	for {
		i := strings.Index(s[idx:], word)
		if i < 0 {
			return -1
		}
		i += idx
		before := i == 0 || s[i-1] == ' ' || s[i-1] == '\t' || s[i-1] == '\n'
		afterIdx := i + len(word)
		after := afterIdx >= len(s) || s[afterIdx] == ' ' || s[afterIdx] == '\t' || s[afterIdx] == '\n'
		if before && after {
			return i
		}
		idx = i + len(word)
	}
}
