package query

import (
	"strings"

	"renderfarm/internal/pkg/errors"
)

// Clause is one `field op value` group as it appeared in the input.
type Clause struct {
	Field string
	Op    string
	Value string
	// Text is the exact slice of input consumed for this clause,
	// including trailing blanks.
	Text string
	// Pos is the byte offset of Text in the trimmed input.
	Pos int
}

// wordOps are tried longest first; each must be preceded by at least one
// blank and followed by exactly one.
var wordOps = []string{"not eq", "not in", "notin", "noteq", "gte", "lte", "neq", "nin", "eq", "gt", "lt", "in"}

// Tokenize splits a trimmed filter string into clauses. The Text of every
// clause, concatenated in order, reproduces the input exactly; any byte
// that cannot be attributed to a clause is a syntax error.
func Tokenize(s string) ([]Clause, error) {
	var out []Clause
	pos := 0
	for pos < len(s) {
		start := pos

		fieldEnd := scanWhile(s, pos, isFieldByte)
		if fieldEnd == pos {
			return nil, errors.QuerySyntax("unconsumed text, did you forget to quote your query?", s[pos:])
		}
		c := Clause{Field: s[pos:fieldEnd], Pos: start}
		pos = fieldEnd

		pos, c.Op = scanOp(s, pos)
		pos = scanWhile(s, pos, isBlank)
		pos, c.Value = scanValue(s, pos)
		pos = scanWhile(s, pos, isBlank)

		c.Text = s[start:pos]
		out = append(out, c)
	}
	return out, nil
}

func scanOp(s string, pos int) (int, string) {
	// Symbolic: optional blanks then a run of =<>!.
	p := scanWhile(s, pos, isBlank)
	if end := scanWhile(s, p, isOpByte); end > p {
		return end, s[p:end]
	}

	// Word: at least one blank, the word, one blank.
	if p == pos {
		return pos, ""
	}
	rest := s[p:]
	for _, w := range wordOps {
		if strings.HasPrefix(rest, w+" ") {
			return p + len(w) + 1, w
		}
	}
	return pos, ""
}

func scanValue(s string, pos int) (int, string) {
	if pos >= len(s) {
		return pos, ""
	}
	switch s[pos] {
	case '[':
		if end := strings.IndexByte(s[pos+1:], ']'); end > 0 {
			stop := pos + 1 + end + 1
			return stop, s[pos:stop]
		}
	case '"':
		if end := strings.IndexByte(s[pos+1:], '"'); end > 0 {
			stop := pos + 1 + end + 1
			return stop, s[pos:stop]
		}
	}
	end := scanWhile(s, pos, func(b byte) bool { return b != ' ' })
	return end, s[pos:end]
}

func scanWhile(s string, pos int, ok func(byte) bool) int {
	for pos < len(s) && ok(s[pos]) {
		pos++
	}
	return pos
}

func isFieldByte(b byte) bool {
	return b == '_' || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z') || ('0' <= b && b <= '9')
}

func isOpByte(b byte) bool {
	return b == '=' || b == '<' || b == '>' || b == '!'
}

func isBlank(b byte) bool { return b == ' ' }
