package template

import (
	"fmt"
	"strings"
)

// Truthy reports the boolean value of a resolved scalar. Empty strings,
// "false", "0" and "null" are false; every other value follows its native
// truthiness.
func Truthy(v any) bool {
	switch t := unwrap(v).(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "false", "0", "null", "none":
			return false
		}
		return true
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// EvaluateWhen decides a case rule: the when template is resolved first and
// the rendered outcome judged for truth. A native non-string result uses its
// truthiness directly; rendered text goes through the condition grammar so
// conditions like "{{ workload.env }} == prod" work after the reference has
// been substituted with its literal value.
func EvaluateWhen(when string, scope *Scope) (bool, error) {
	v, err := ResolveString(when, scope)
	if err != nil {
		return false, err
	}
	s, ok := v.(string)
	if !ok {
		return Truthy(v), nil
	}
	return EvaluateCondition(s)
}

// EvaluateCondition evaluates rendered condition text. The grammar treats
// bare words as literals, which is what a condition looks like after
// template substitution: or/and (lowest precedence), not, comparison
// operators ==, !=, <, <=, >, >=, parenthesised groups. Equality is
// whitespace-trimmed with string/number coercion; ordering compares
// numerically when both operands parse as numbers and lexically otherwise.
// A bare operand without a comparison is judged by Truthy.
func EvaluateCondition(s string) (bool, error) {
	toks, err := tokenize(s)
	if err != nil {
		return false, err
	}
	if len(toks) == 0 {
		return false, nil
	}
	p := &condParser{toks: toks}
	v, err := p.parseOr()
	if err != nil {
		return false, err
	}
	if p.pos != len(p.toks) {
		return false, fmt.Errorf("condition %q: unexpected %q", s, p.toks[p.pos].text)
	}
	return v, nil
}

type condToken struct {
	text   string
	quoted bool
}

// tokenize splits rendered condition text into operator and literal tokens.
// Quoted strings become single literal tokens with the quotes stripped.
func tokenize(s string) ([]condToken, error) {
	var toks []condToken
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(' || c == ')':
			toks = append(toks, condToken{text: string(c)})
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(s[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("condition %q: unterminated string", s)
			}
			toks = append(toks, condToken{text: s[i+1 : i+1+end], quoted: true})
			i += end + 2
		case strings.HasPrefix(s[i:], "==") || strings.HasPrefix(s[i:], "!=") ||
			strings.HasPrefix(s[i:], "<=") || strings.HasPrefix(s[i:], ">="):
			toks = append(toks, condToken{text: s[i : i+2]})
			i += 2
		case c == '<' || c == '>':
			toks = append(toks, condToken{text: string(c)})
			i++
		default:
			j := i
			for j < len(s) && !strings.ContainsRune(" \t\n\r()<>'\"", rune(s[j])) &&
				!strings.HasPrefix(s[j:], "==") && !strings.HasPrefix(s[j:], "!=") {
				j++
			}
			toks = append(toks, condToken{text: s[i:j]})
			i = j
		}
	}
	return toks, nil
}

type condParser struct {
	toks []condToken
	pos  int
}

func (p *condParser) peek() (condToken, bool) {
	if p.pos >= len(p.toks) {
		return condToken{}, false
	}
	return p.toks[p.pos], true
}

func (p *condParser) keyword(kw string) bool {
	t, ok := p.peek()
	if ok && !t.quoted && strings.EqualFold(t.text, kw) {
		p.pos++
		return true
	}
	return false
}

func (p *condParser) parseOr() (bool, error) {
	v, err := p.parseAnd()
	if err != nil {
		return false, err
	}
	for p.keyword("or") {
		rhs, err := p.parseAnd()
		if err != nil {
			return false, err
		}
		v = v || rhs
	}
	return v, nil
}

func (p *condParser) parseAnd() (bool, error) {
	v, err := p.parseNot()
	if err != nil {
		return false, err
	}
	for p.keyword("and") {
		rhs, err := p.parseNot()
		if err != nil {
			return false, err
		}
		v = v && rhs
	}
	return v, nil
}

func (p *condParser) parseNot() (bool, error) {
	if p.keyword("not") {
		v, err := p.parseNot()
		return !v, err
	}
	return p.parseComparison()
}

func (p *condParser) parseComparison() (bool, error) {
	if t, ok := p.peek(); ok && !t.quoted && t.text == "(" {
		p.pos++
		v, err := p.parseOr()
		if err != nil {
			return false, err
		}
		if t, ok := p.peek(); !ok || t.text != ")" {
			return false, fmt.Errorf("condition: missing )")
		}
		p.pos++
		return v, nil
	}
	left, err := p.parseOperand()
	if err != nil {
		return false, err
	}
	t, ok := p.peek()
	if !ok || t.quoted {
		return Truthy(left), nil
	}
	switch t.text {
	case "==", "!=", "<", "<=", ">", ">=":
	default:
		return Truthy(left), nil
	}
	op := t.text
	p.pos++
	right, err := p.parseOperand()
	if err != nil {
		return false, err
	}
	return compare(op, left, right)
}

// parseOperand consumes consecutive literal tokens into one operand so
// rendered multi-word values ("us east 1" == "us east 1") compare whole.
func (p *condParser) parseOperand() (string, error) {
	var parts []string
	for {
		t, ok := p.peek()
		if !ok {
			break
		}
		if !t.quoted {
			switch strings.ToLower(t.text) {
			case "and", "or", "not", "(", ")", "==", "!=", "<", "<=", ">", ">=":
				goto done
			}
		}
		parts = append(parts, t.text)
		p.pos++
	}
done:
	if len(parts) == 0 {
		return "", fmt.Errorf("condition: missing operand")
	}
	return strings.Join(parts, " "), nil
}

func compare(op, left, right string) (bool, error) {
	switch op {
	case "==":
		return LooseEqual(left, right), nil
	case "!=":
		return !LooseEqual(left, right), nil
	}
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	var cmp int
	if lok && rok {
		switch {
		case lf < rf:
			cmp = -1
		case lf > rf:
			cmp = 1
		}
	} else {
		cmp = strings.Compare(strings.TrimSpace(left), strings.TrimSpace(right))
	}
	switch op {
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	}
	return false, fmt.Errorf("condition: unknown operator %q", op)
}
