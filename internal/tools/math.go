package tools

import (
	"context"
	"errors"
	"fmt"
	"go/scanner"
	"go/token"
	"math"
	"strconv"
	"strings"
)

// maxMathDepth bounds parenthesis and operator nesting.
const maxMathDepth = 64

// tokPow is "^" or "**"; it binds tighter than unary minus on its left
// and associates to the right.
const tokPow = token.XOR

var (
	errDivByZero = errors.New("division by zero")
	errNotFinite = errors.New("result is not a finite number")
)

var mathConstants = map[string]float64{
	"pi":  math.Pi,
	"e":   math.E,
	"tau": 2 * math.Pi,
	"phi": math.Phi,
}

// mathFuncs maps a name to its arity (-1 for variadic) and body.
var mathFuncs = map[string]struct {
	arity int
	fn    func(...float64) float64
}{
	"sqrt":  {1, func(a ...float64) float64 { return math.Sqrt(a[0]) }},
	"cbrt":  {1, func(a ...float64) float64 { return math.Cbrt(a[0]) }},
	"abs":   {1, func(a ...float64) float64 { return math.Abs(a[0]) }},
	"floor": {1, func(a ...float64) float64 { return math.Floor(a[0]) }},
	"ceil":  {1, func(a ...float64) float64 { return math.Ceil(a[0]) }},
	"round": {1, func(a ...float64) float64 { return math.Round(a[0]) }},
	"exp":   {1, func(a ...float64) float64 { return math.Exp(a[0]) }},
	"ln":    {1, func(a ...float64) float64 { return math.Log(a[0]) }},
	"log":   {1, func(a ...float64) float64 { return math.Log10(a[0]) }},
	"log2":  {1, func(a ...float64) float64 { return math.Log2(a[0]) }},
	"sin":   {1, func(a ...float64) float64 { return math.Sin(a[0]) }},
	"cos":   {1, func(a ...float64) float64 { return math.Cos(a[0]) }},
	"tan":   {1, func(a ...float64) float64 { return math.Tan(a[0]) }},
	"asin":  {1, func(a ...float64) float64 { return math.Asin(a[0]) }},
	"acos":  {1, func(a ...float64) float64 { return math.Acos(a[0]) }},
	"atan":  {1, func(a ...float64) float64 { return math.Atan(a[0]) }},
	"pow":   {2, func(a ...float64) float64 { return math.Pow(a[0], a[1]) }},
	"hypot": {2, func(a ...float64) float64 { return math.Hypot(a[0], a[1]) }},
	"min": {-1, func(a ...float64) float64 {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Min(m, v)
		}
		return m
	}},
	"max": {-1, func(a ...float64) float64 {
		m := a[0]
		for _, v := range a[1:] {
			m = math.Max(m, v)
		}
		return m
	}},
}

// Evaluate computes an arithmetic expression. It accepts numbers in Go
// literal syntax, + - * / %, ^ or ** for powers, parentheses, the
// constants pi, e, tau and phi, and the functions in mathFuncs. Nothing
// else is evaluated, so untrusted input is safe.
func Evaluate(expr string) (float64, error) {
	if strings.Contains(expr, "//") || strings.Contains(expr, "/*") {
		return 0, errors.New("use / for division and % for remainders")
	}
	toks, err := lexMath(expr)
	if err != nil {
		return 0, err
	}
	p := &mathParser{toks: toks}
	v, err := p.expr(0)
	if err != nil {
		return 0, err
	}
	if t := p.peek(); t.tok != token.EOF {
		return 0, fmt.Errorf("unexpected %s at offset %d", t, t.off)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errNotFinite
	}
	return v, nil
}

// FormatNumber renders v with at most twelve significant digits, and
// integral values without an exponent while they fit.
func FormatNumber(v float64) string {
	if v == 0 {
		v = 0 // no "-0"
	}
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strconv.FormatFloat(v, 'g', 12, 64)
}

type mathToken struct {
	tok token.Token
	lit string
	off int
}

func (t mathToken) String() string {
	if t.lit != "" {
		return strconv.Quote(t.lit)
	}
	return strconv.Quote(t.tok.String())
}

func lexMath(expr string) ([]mathToken, error) {
	fset := token.NewFileSet()
	file := fset.AddFile("", fset.Base(), len(expr))
	var lexErr error
	var s scanner.Scanner
	s.Init(file, []byte(expr), func(pos token.Position, msg string) {
		if lexErr == nil {
			lexErr = fmt.Errorf("offset %d: %s", pos.Offset, msg)
		}
	}, 0)

	var out []mathToken
	for {
		pos, tok, lit := s.Scan()
		if lexErr != nil {
			return nil, lexErr
		}
		off := file.Offset(pos)
		switch tok {
		case token.SEMICOLON:
			// Inserted at end of input after a number or ")".
			if lit == "\n" {
				continue
			}
		case token.MUL:
			if n := len(out); n > 0 && out[n-1].tok == token.MUL && out[n-1].off == off-1 {
				out[n-1].tok = tokPow
				continue
			}
		case token.DEC, token.INC:
			// "--3" is two signs.
			sign := token.SUB
			if tok == token.INC {
				sign = token.ADD
			}
			out = append(out, mathToken{tok: sign, off: off}, mathToken{tok: sign, off: off + 1})
			continue
		case token.EOF:
			return append(out, mathToken{tok: token.EOF, off: off}), nil
		}
		switch tok {
		case token.INT, token.FLOAT, token.IDENT, token.ADD, token.SUB, token.MUL,
			token.QUO, token.REM, tokPow, token.LPAREN, token.RPAREN, token.COMMA:
			out = append(out, mathToken{tok: tok, lit: lit, off: off})
		default:
			text := lit
			if text == "" {
				text = tok.String()
			}
			return nil, fmt.Errorf("unsupported %q at offset %d", text, off)
		}
	}
}

type mathParser struct {
	toks []mathToken
	i    int
}

func (p *mathParser) peek() mathToken { return p.toks[p.i] }

func (p *mathParser) next() mathToken {
	t := p.toks[p.i]
	if t.tok != token.EOF {
		p.i++
	}
	return t
}

// expr parses sums.
func (p *mathParser) expr(depth int) (float64, error) {
	if depth > maxMathDepth {
		return 0, errors.New("expression nested too deeply")
	}
	v, err := p.term(depth)
	if err != nil {
		return 0, err
	}
	for {
		switch p.peek().tok {
		case token.ADD:
			p.next()
			r, err := p.term(depth)
			if err != nil {
				return 0, err
			}
			v += r
		case token.SUB:
			p.next()
			r, err := p.term(depth)
			if err != nil {
				return 0, err
			}
			v -= r
		default:
			return v, nil
		}
	}
}

// term parses products, quotients and remainders.
func (p *mathParser) term(depth int) (float64, error) {
	v, err := p.unary(depth)
	if err != nil {
		return 0, err
	}
	for {
		op := p.peek().tok
		if op != token.MUL && op != token.QUO && op != token.REM {
			return v, nil
		}
		p.next()
		r, err := p.unary(depth)
		if err != nil {
			return 0, err
		}
		switch op {
		case token.MUL:
			v *= r
		case token.QUO:
			if r == 0 {
				return 0, errDivByZero
			}
			v /= r
		case token.REM:
			if r == 0 {
				return 0, errDivByZero
			}
			v = math.Mod(v, r)
		}
	}
}

// unary parses a signed power, so -2^2 is -4.
func (p *mathParser) unary(depth int) (float64, error) {
	if depth > maxMathDepth {
		return 0, errors.New("expression nested too deeply")
	}
	switch p.peek().tok {
	case token.SUB:
		p.next()
		v, err := p.unary(depth + 1)
		return -v, err
	case token.ADD:
		p.next()
		return p.unary(depth + 1)
	}
	return p.power(depth)
}

func (p *mathParser) power(depth int) (float64, error) {
	base, err := p.primary(depth)
	if err != nil {
		return 0, err
	}
	if p.peek().tok != tokPow {
		return base, nil
	}
	p.next()
	exp, err := p.unary(depth + 1)
	if err != nil {
		return 0, err
	}
	return math.Pow(base, exp), nil
}

func (p *mathParser) primary(depth int) (float64, error) {
	t := p.next()
	switch t.tok {
	case token.INT:
		if len(t.lit) > 1 && t.lit[0] == '0' && t.lit[1] >= '0' && t.lit[1] <= '9' {
			// 012 is twelve here, not an octal literal.
			return strconv.ParseFloat(t.lit, 64)
		}
		if n, err := strconv.ParseInt(t.lit, 0, 64); err == nil {
			return float64(n), nil
		}
		return strconv.ParseFloat(strings.ReplaceAll(t.lit, "_", ""), 64)
	case token.FLOAT:
		return strconv.ParseFloat(t.lit, 64)
	case token.LPAREN:
		v, err := p.expr(depth + 1)
		if err != nil {
			return 0, err
		}
		if c := p.next(); c.tok != token.RPAREN {
			return 0, fmt.Errorf("expected \")\" at offset %d", c.off)
		}
		return v, nil
	case token.IDENT:
		name := strings.ToLower(t.lit)
		if p.peek().tok == token.LPAREN {
			return p.call(name, t.off, depth)
		}
		if c, ok := mathConstants[name]; ok {
			return c, nil
		}
		return 0, fmt.Errorf("unknown name %q", t.lit)
	case token.EOF:
		return 0, errors.New("expression is incomplete")
	}
	return 0, fmt.Errorf("unexpected %s at offset %d", t, t.off)
}

func (p *mathParser) call(name string, off, depth int) (float64, error) {
	f, ok := mathFuncs[name]
	if !ok {
		return 0, fmt.Errorf("unknown function %q", name)
	}
	p.next() // (
	var args []float64
	if p.peek().tok != token.RPAREN {
		for {
			v, err := p.expr(depth + 1)
			if err != nil {
				return 0, err
			}
			args = append(args, v)
			if p.peek().tok != token.COMMA {
				break
			}
			p.next()
		}
	}
	if c := p.next(); c.tok != token.RPAREN {
		return 0, fmt.Errorf("expected \")\" at offset %d", c.off)
	}
	if (f.arity >= 0 && len(args) != f.arity) || len(args) == 0 {
		return 0, fmt.Errorf("%s at offset %d: wrong number of arguments (%d)", name, off, len(args))
	}
	return f.fn(args...), nil
}

// MathTool returns the math_solver tool.
func MathTool() *LocalTool {
	params := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{
				"type":        "string",
				"description": "Arithmetic expression, e.g. \"(3 + 4) * 2^10 / sqrt(2)\"",
			},
		},
		"required": []any{"expression"},
	}
	return NewLocal("math_solver",
		"Evaluate an arithmetic expression exactly. Supports + - * / %, ^ for powers, "+
			"parentheses, pi and e, and sqrt, abs, round, floor, ceil, exp, ln, log, log2, "+
			"sin, cos, tan, asin, acos, atan, pow, hypot, min and max. Use it for any "+
			"calculation instead of working it out.",
		params,
		func(_ context.Context, args map[string]any) (string, error) {
			expr := argString(args, "expression")
			if expr == "" {
				return "", errors.New("expression is empty")
			}
			v, err := Evaluate(expr)
			if err != nil {
				return "", fmt.Errorf("cannot evaluate %q: %w; solve it step by step instead", expr, err)
			}
			return expr + " = " + FormatNumber(v), nil
		},
	)
}
