// Package query parses the offer filter language (`field op value`) into the
// JSON predicate object the marketplace search endpoint accepts.
package query

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"renderfarm/internal/pkg/errors"
)

// Constraint maps an operator (eq, lte, in, ...) to its operand.
type Constraint map[string]any

// Query maps canonical field names to their constraints. It marshals
// directly to the marketplace's search body.
type Query map[string]Constraint

// Clone returns a deep-enough copy for further merging.
func (q Query) Clone() Query {
	out := make(Query, len(q))
	for field, c := range q {
		cc := make(Constraint, len(c))
		for op, v := range c {
			cc[op] = v
		}
		out[field] = cc
	}
	return out
}

// Merge copies every constraint of other into q, overwriting on conflict.
func (q Query) Merge(other Query) Query {
	for field, c := range other {
		dst, ok := q[field]
		if !ok {
			dst = make(Constraint, len(c))
			q[field] = dst
		}
		for op, v := range c {
			dst[op] = v
		}
	}
	return q
}

func (q Query) String() string {
	b, err := json.Marshal(q)
	if err != nil {
		return fmt.Sprintf("%v", map[string]Constraint(q))
	}
	return string(b)
}

// Parser holds the field tables used to interpret clauses.
type Parser struct {
	Fields      map[string]bool
	Aliases     map[string]string
	Multipliers map[string]float64
}

// NewParser builds a parser over the given field tables.
func NewParser(fields []string, aliases map[string]string, multipliers map[string]float64) *Parser {
	known := make(map[string]bool, len(fields))
	for _, f := range fields {
		known[f] = true
	}
	return &Parser{Fields: known, Aliases: aliases, Multipliers: multipliers}
}

// OfferParser returns a parser for marketplace offer filters.
func OfferParser() *Parser {
	return NewParser(OfferFields, OfferAliases, OfferMultipliers)
}

// Parse parses clauses with the offer tables into a fresh query.
func Parse(clauses ...string) (Query, []string, error) {
	return OfferParser().ParseInto(Query{}, clauses...)
}

// ParseInto parses clauses and merges the result into base, which is
// modified and returned. Warnings name fields the parser does not know;
// those are still passed through.
func (p *Parser) ParseInto(base Query, clauses ...string) (Query, []string, error) {
	if base == nil {
		base = Query{}
	}
	input := strings.TrimSpace(strings.Join(clauses, " "))
	if input == "" {
		return base, nil, nil
	}

	tokens, err := Tokenize(input)
	if err != nil {
		return nil, nil, err
	}

	var warnings []string
	for _, tok := range tokens {
		field := tok.Field
		if canonical, ok := p.Aliases[field]; ok {
			field = canonical
		}
		if !p.Fields[field] {
			warnings = append(warnings, fmt.Sprintf("unrecognized field %q, see list of recognized fields", field))
		}

		if tok.Op == "" {
			return nil, nil, errors.QuerySyntax("missing operator", strings.TrimSpace(tok.Text))
		}
		op, ok := opNames[tok.Op]
		if !ok {
			return nil, nil, errors.QuerySyntax(fmt.Sprintf("unknown operator %q", tok.Op), strings.TrimSpace(tok.Text))
		}

		raw := strings.Trim(tok.Value, ",[]")

		if op == "in" || op == "notin" {
			items := splitList(raw)
			if len(items) == 0 {
				return nil, nil, errors.QuerySyntax("value cannot be blank", strings.TrimSpace(tok.Text))
			}
			vals := make([]any, 0, len(items))
			for _, item := range items {
				v, err := p.coerce(field, item)
				if err != nil {
					return nil, nil, errors.QuerySyntax(err.Error(), strings.TrimSpace(tok.Text))
				}
				vals = append(vals, v)
			}
			constraintFor(base, field)[op] = vals
			continue
		}

		if strings.TrimSpace(raw) == "" {
			return nil, nil, errors.QuerySyntax("value cannot be blank", strings.TrimSpace(tok.Text))
		}

		if wildcards[raw] {
			if op != "eq" {
				return nil, nil, errors.QuerySyntax("wildcard only makes sense with equals", strings.TrimSpace(tok.Text))
			}
			delete(base, field)
			continue
		}

		v, err := p.coerce(field, raw)
		if err != nil {
			return nil, nil, errors.QuerySyntax(err.Error(), strings.TrimSpace(tok.Text))
		}
		constraintFor(base, field)[op] = v
	}

	return base, warnings, nil
}

func constraintFor(q Query, field string) Constraint {
	c, ok := q[field]
	if !ok {
		c = Constraint{}
		q[field] = c
	}
	return c
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// coerce turns one textual value into its JSON form. Quoted values stay
// strings; bare numbers become floats.
func (p *Parser) coerce(field, raw string) (any, error) {
	quoted := len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"'
	v := strings.ReplaceAll(raw, "_", " ")
	v = strings.Trim(v, `"`)

	if mult, ok := p.Multipliers[field]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("value %q of %s is not a number", v, field)
		}
		return f * mult, nil
	}
	if quoted {
		return v, nil
	}

	switch v {
	case "true", "True":
		return true, nil
	case "false", "False":
		return false, nil
	case "None", "null":
		return nil, nil
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f, nil
	}
	return v, nil
}
