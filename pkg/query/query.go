// Package query parses and evaluates the device filter language.
//
// A query is a list of clauses joined by " and ". Each clause compares one
// BlockDevice attribute against a value:
//
//	vendor=Adafruit and serial~=GLV80-.* and removable=true
//
// Operators are =, != (case-insensitive equality) and ~= (case-insensitive,
// unanchored regular expression search).
package query

import (
	"log/slog"
	"regexp"
	"strings"

	"github.com/kbflash/kbflash/pkg/device"
	"github.com/kbflash/kbflash/pkg/errors"
)

// Op is a comparison operator.
type Op string

const (
	OpMatch    Op = "~="
	OpNotEqual Op = "!="
	OpEqual    Op = "="
)

// Detection order matters: "~=" and "!=" both end in "=".
var operators = []Op{OpMatch, OpNotEqual, OpEqual}

const clauseSeparator = " and "

// Condition is one field/operator/value comparison.
type Condition struct {
	Field string
	Op    Op
	Value string
}

func (c Condition) String() string {
	return c.Field + string(c.Op) + c.Value
}

// Query is an ordered conjunction of conditions. The zero Query matches nothing.
type Query struct {
	Conditions []Condition
}

// Parse splits text into conditions. Empty text yields an empty Query.
func Parse(text string) (Query, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Query{}, nil
	}

	clauses := strings.Split(text, clauseSeparator)
	conds := make([]Condition, 0, len(clauses))
	for _, clause := range clauses {
		cond, err := parseClause(clause)
		if err != nil {
			return Query{}, err
		}
		conds = append(conds, cond)
	}
	return Query{Conditions: conds}, nil
}

// MustParse is Parse for queries known at compile time.
func MustParse(text string) Query {
	q, err := Parse(text)
	if err != nil {
		panic(err)
	}
	return q
}

func parseClause(clause string) (Condition, error) {
	for _, op := range operators {
		idx := strings.Index(clause, string(op))
		if idx < 0 {
			continue
		}
		field := strings.TrimSpace(clause[:idx])
		if field == "" {
			return Condition{}, errors.Validation("missing field name in clause %q", strings.TrimSpace(clause))
		}
		value := strings.TrimSpace(clause[idx+len(op):])
		if op != OpMatch {
			value = normalizeValue(value)
		}
		return Condition{Field: field, Op: op, Value: value}, nil
	}
	return Condition{}, errors.Validation("no operator (=, !=, ~=) in clause %q", strings.TrimSpace(clause))
}

// normalizeValue folds boolean spellings to "true"/"false". It is applied to
// both sides of = and != so raw "1"/"0" properties compare equal to
// yes/no/true/false. Patterns for ~= are left alone.
func normalizeValue(v string) string {
	switch strings.ToLower(v) {
	case "true", "yes", "1":
		return "true"
	case "false", "no", "0":
		return "false"
	}
	return v
}

// Empty reports whether q has no conditions.
func (q Query) Empty() bool {
	return len(q.Conditions) == 0
}

// Matches reports whether every condition holds for dev. An empty query
// matches nothing.
func (q Query) Matches(dev device.BlockDevice) bool {
	if q.Empty() {
		return false
	}
	for _, c := range q.Conditions {
		if !Evaluate(dev, c) {
			return false
		}
	}
	return true
}

// Filter returns the devices q matches, preserving order. An empty query
// returns every device; callers that must not act on everything check Empty first.
func (q Query) Filter(devs []device.BlockDevice) []device.BlockDevice {
	if q.Empty() {
		return devs
	}
	var out []device.BlockDevice
	for _, d := range devs {
		if q.Matches(d) {
			out = append(out, d)
		}
	}
	return out
}

func (q Query) String() string {
	parts := make([]string, len(q.Conditions))
	for i, c := range q.Conditions {
		parts[i] = c.String()
	}
	return strings.Join(parts, clauseSeparator)
}

// Evaluate applies one condition. A missing field or an invalid pattern
// evaluates to false.
func Evaluate(dev device.BlockDevice, c Condition) bool {
	actual, ok := dev.Field(c.Field)
	if !ok {
		return false
	}

	switch c.Op {
	case OpEqual:
		return strings.EqualFold(normalizeValue(actual), c.Value)
	case OpNotEqual:
		return !strings.EqualFold(normalizeValue(actual), c.Value)
	case OpMatch:
		re, err := regexp.Compile("(?i)" + c.Value)
		if err != nil {
			slog.Warn("query_invalid_regex", "field", c.Field, "pattern", c.Value, "error", err)
			return false
		}
		return re.MatchString(actual)
	}
	return false
}
