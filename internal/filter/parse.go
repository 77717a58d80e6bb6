package filter

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/Aman-CERP/tonecapture/internal/capture"
	tcerrors "github.com/Aman-CERP/tonecapture/internal/errors"
)

// Parse compiles the text filter syntax used by the CLI:
//
//	kind=ImpulseResponse AND microphone in (SM57, MD421) AND NOT sample_rate<44100
//	recorded_at between 2023-01-01 and 2023-12-31 OR cluster=c3
//	*                       (everything; so is an empty string)
//
// Operators are = != < <= > >= in and between; AND binds tighter than OR and
// keywords are case-insensitive. Values are coerced to the attribute's
// declared type in schema (nil accepts strings, inferring numbers and dates
// for range operators).
func Parse(text string, schema *capture.Schema) (Predicate, error) {
	toks, err := lex(text)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks, schema: schema}
	if p.peek().kind == tokEOF {
		return All(), nil
	}
	pred, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %s", t)
	}
	return pred, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokWord
	tokString
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokStar
)

type token struct {
	kind tokKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of filter"
	}
	return fmt.Sprintf("%q", t.text)
}

func (t token) is(keyword string) bool {
	return t.kind == tokWord && strings.EqualFold(t.text, keyword)
}

var keywords = []string{"and", "or", "not", "in", "between"}

func isKeyword(s string) bool {
	for _, k := range keywords {
		if strings.EqualFold(s, k) {
			return true
		}
	}
	return false
}

func lex(text string) ([]token, error) {
	var toks []token
	rs := []rune(text)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case r == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case r == ',':
			toks = append(toks, token{tokComma, ",", i})
			i++
		case r == '*':
			toks = append(toks, token{tokStar, "*", i})
			i++
		case r == '=' || r == '<' || r == '>' || r == '!':
			start := i
			i++
			if i < len(rs) && rs[i] == '=' {
				i++
			}
			op := string(rs[start:i])
			if op == "!" {
				return nil, tcerrors.InvalidQueryError(fmt.Sprintf("filter: lone ! at %d (did you mean !=?)", start), nil)
			}
			toks = append(toks, token{tokOp, op, start})
		case r == '"' || r == '\'':
			start := i
			quote := r
			i++
			var sb strings.Builder
			for ; i < len(rs) && rs[i] != quote; i++ {
				if rs[i] == '\\' && i+1 < len(rs) {
					i++
				}
				sb.WriteRune(rs[i])
			}
			if i >= len(rs) {
				return nil, tcerrors.InvalidQueryError(fmt.Sprintf("filter: unterminated string at %d", start), nil)
			}
			i++
			toks = append(toks, token{tokString, sb.String(), start})
		default:
			start := i
			for i < len(rs) && !unicode.IsSpace(rs[i]) && !strings.ContainsRune(`()*,=<>!"'`, rs[i]) {
				i++
			}
			toks = append(toks, token{tokWord, string(rs[start:i]), start})
		}
	}
	return append(toks, token{kind: tokEOF, pos: len(rs)}), nil
}

type parser struct {
	toks   []token
	pos    int
	schema *capture.Schema
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return tcerrors.InvalidQueryError(fmt.Sprintf("filter: "+format+" at %d", append(args, t.pos)...), nil)
}

func (p *parser) parseOr() (Predicate, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	preds := []Predicate{left}
	for p.peek().is("or") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		preds = append(preds, right)
	}
	if len(preds) == 1 {
		return left, nil
	}
	return Or(preds...), nil
}

func (p *parser) parseAnd() (Predicate, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	preds := []Predicate{left}
	for p.peek().is("and") {
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		preds = append(preds, right)
	}
	if len(preds) == 1 {
		return left, nil
	}
	return And(preds...), nil
}

func (p *parser) parseUnary() (Predicate, error) {
	if p.peek().is("not") {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not(inner), nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Predicate, error) {
	t := p.next()
	switch t.kind {
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, p.errorf(c, "expected ) but found %s", c)
		}
		return inner, nil
	case tokStar:
		return All(), nil
	case tokWord:
		if isKeyword(t.text) {
			return nil, p.errorf(t, "expected attribute name but found keyword %s", t)
		}
		return p.parseComparison(t.text)
	}
	return nil, p.errorf(t, "expected attribute name but found %s", t)
}

func (p *parser) parseComparison(attr string) (Predicate, error) {
	t := p.next()
	switch {
	case t.is("in"):
		if c := p.next(); c.kind != tokLParen {
			return nil, p.errorf(c, "expected ( after in but found %s", c)
		}
		var vals []capture.Value
		for {
			raw, err := p.value()
			if err != nil {
				return nil, err
			}
			v, err := p.coerce(attr, raw, false)
			if err != nil {
				return nil, err
			}
			vals = append(vals, v)
			sep := p.next()
			if sep.kind == tokRParen {
				break
			}
			if sep.kind != tokComma {
				return nil, p.errorf(sep, "expected , or ) but found %s", sep)
			}
		}
		return In(attr, vals...), nil

	case t.is("between"):
		loRaw, err := p.value()
		if err != nil {
			return nil, err
		}
		if a := p.next(); !a.is("and") {
			return nil, p.errorf(a, "expected and in between but found %s", a)
		}
		hiRaw, err := p.value()
		if err != nil {
			return nil, err
		}
		lo, err := p.coerce(attr, loRaw, true)
		if err != nil {
			return nil, err
		}
		hi, err := p.coerce(attr, hiRaw, true)
		if err != nil {
			return nil, err
		}
		return Range(attr, lo, hi, true), nil

	case t.kind == tokOp:
		raw, err := p.value()
		if err != nil {
			return nil, err
		}
		rangeOp := t.text != "=" && t.text != "!="
		v, err := p.coerce(attr, raw, rangeOp)
		if err != nil {
			return nil, err
		}
		switch t.text {
		case "=":
			return Eq(attr, v), nil
		case "!=":
			return Not(Eq(attr, v)), nil
		case "<":
			return Below(attr, v, false), nil
		case "<=":
			return Below(attr, v, true), nil
		case ">":
			return Above(attr, v, false), nil
		case ">=":
			return Above(attr, v, true), nil
		}
	}
	return nil, p.errorf(t, "expected operator after %s but found %s", attr, t)
}

func (p *parser) value() (string, error) {
	t := p.next()
	switch t.kind {
	case tokWord, tokString:
		return t.text, nil
	}
	return "", p.errorf(t, "expected value but found %s", t)
}

// coerce types a raw value for attr. Range operators on attributes without a
// numeric or date declaration infer the type from the text.
func (p *parser) coerce(attr, raw string, forRange bool) (capture.Value, error) {
	if attr == capture.AttrKind {
		k, err := capture.ParseKind(raw)
		if err != nil {
			return capture.Value{}, err
		}
		return capture.String(string(k)), nil
	}
	if capture.IsBuiltin(attr) {
		return capture.String(raw), nil
	}

	typ := capture.TypeString
	if p.schema != nil {
		typ = p.schema.TypeOf(attr)
	}
	if forRange && typ != capture.TypeNumber && typ != capture.TypeDate {
		if v, err := capture.ParseValue(capture.TypeNumber, raw); err == nil {
			return v, nil
		}
		if v, err := capture.ParseValue(capture.TypeDate, raw); err == nil {
			return v, nil
		}
		return capture.Value{}, tcerrors.InvalidQueryError(
			fmt.Sprintf("filter: %s compares with %q, which is neither a number nor a date", attr, raw), nil)
	}
	v, err := capture.ParseValue(typ, raw)
	if err != nil {
		return capture.Value{}, tcerrors.InvalidQueryError(fmt.Sprintf("filter: attribute %s: %v", attr, err), err)
	}
	return v, nil
}
