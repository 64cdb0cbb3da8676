package parser

import (
	"strings"

	"github.com/tracebeam/dbpf/internal/diag"
	"github.com/tracebeam/dbpf/internal/lang/scanner"
)

// Parser builds an AST from D source text, switching the scanner's mode
// as the grammar moves between probe-description headers and clause
// bodies.
type Parser struct {
	sc   *scanner.Scanner
	tok  scanner.Token
	peeked bool
	inPred bool // parsing a /predicate/: a '/' ends the expression
}

// New returns a parser over src.
func New(src string) *Parser {
	return &Parser{sc: scanner.New(src, scanner.ModeControl)}
}

func (p *Parser) next() (scanner.Token, error) {
	if p.peeked {
		p.peeked = false
		return p.tok, nil
	}
	return p.sc.Next()
}

func (p *Parser) peek() (scanner.Token, error) {
	if !p.peeked {
		tok, err := p.sc.Next()
		if err != nil {
			return tok, err
		}
		p.tok = tok
		p.peeked = true
	}
	return p.tok, nil
}

// ParseProgram parses zero or more pragma directives interleaved with
// clauses until EOF, producing a KindProgram node whose children are
// KindClause nodes and whose Extra holds every KindPragmaAttr directive
// encountered, in source order.
func (p *Parser) ParseProgram() (*Node, error) {
	prog := &Node{Kind: KindProgram}
	for {
		p.sc.SetMode(scanner.ModeControl)
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.Kind == scanner.TokEOF {
			break
		}
		if tok.Kind == scanner.TokPragma {
			p.next()
			pragmas, err := parsePragmaAttr(tok)
			if err != nil {
				return nil, err
			}
			prog.Extra = append(prog.Extra, pragmas...)
			continue
		}
		clause, err := p.parseClause()
		if err != nil {
			return nil, err
		}
		prog.Children = append(prog.Children, clause)
	}
	return prog, nil
}

// parsePragmaAttr parses one "#pragma D attributes <triple> <ident>[,
// <ident>...]" directive line into one KindPragmaAttr node per named
// identifier. Any other "#pragma ..." line is accepted and ignored —
// this toolchain only gives attribute-pinning pragmas semantic effect,
// matching spec §4.1's sole mandatory pragma-related diagnostic.
func parsePragmaAttr(tok scanner.Token) ([]*Node, error) {
	fields := strings.Fields(tok.Text)
	// fields[0] is "#pragma".
	if len(fields) < 2 || fields[1] != "D" {
		return nil, nil
	}
	if len(fields) < 3 || (fields[2] != "attributes" && fields[2] != "attribute") {
		// Some other "#pragma D ..." directive (option, ident, etc.) —
		// this toolchain gives it no semantic effect.
		return nil, nil
	}
	if len(fields) < 5 {
		return nil, diag.Fatalf(diag.StageParse, diag.CodeBadSpec, tok.Line,
			"malformed #pragma D attributes directive: %q", tok.Text)
	}
	triple := fields[3]
	idents := strings.Split(strings.Join(fields[4:], ""), ",")

	out := make([]*Node, 0, len(idents))
	for _, ident := range idents {
		ident = strings.TrimSpace(ident)
		if ident == "" {
			continue
		}
		out = append(out, &Node{Kind: KindPragmaAttr, Line: tok.Line, Ident: ident, StrVal: triple})
	}
	return out, nil
}

// parseClause parses "prv:mod:fun:prb[, prv:mod:fun:prb...] [/pred/] { stmts }".
func (p *Parser) parseClause() (*Node, error) {
	clause := &Node{Kind: KindClause}

	for {
		p.sc.SetMode(scanner.ModeExpression)
		descTok, err := p.next()
		if err != nil {
			return nil, err
		}
		line := descTok.Line
		parts := []string{descTok.Text}
		for {
			tok, err := p.peek()
			if err != nil {
				return nil, err
			}
			if tok.Kind != scanner.TokProbeSep {
				break
			}
			p.next()
			comp, err := p.peek()
			if err != nil {
				return nil, err
			}
			if comp.Kind == scanner.TokProbeSep || comp.Kind == scanner.TokLBrace || comp.Kind == scanner.TokComma ||
				(comp.Kind == scanner.TokPunct && comp.Text == "/") {
				parts = append(parts, "") // empty component, e.g. the module in "syscall::open:entry"
				continue
			}
			p.next()
			parts = append(parts, comp.Text)
		}
		prv, mod, fun, prb, err := joinAndSplitProbeDesc(parts)
		if err != nil {
			return nil, diag.Fatalf(diag.StageParse, diag.CodeBadSpec, line, "%v", err)
		}
		clause.Probes = append(clause.Probes, &Node{
			Kind: KindProbeDesc, Line: line,
			Provider: prv, Module: mod, Function: fun, ProbeName: prb,
		})

		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.Kind == scanner.TokComma {
			p.next()
			continue
		}
		break
	}

	tok, err := p.peek()
	if err != nil {
		return nil, err
	}
	if tok.Kind == scanner.TokPunct && tok.Text == "/" {
		p.next()
		p.inPred = true
		pred, err := p.parseExpr()
		p.inPred = false
		if err != nil {
			return nil, err
		}
		if _, err := p.expectPunct("/"); err != nil {
			return nil, err
		}
		clause.Extra = append(clause.Extra, pred)
	}

	if _, err := p.expect(scanner.TokLBrace); err != nil {
		return nil, err
	}
	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.Kind == scanner.TokRBrace {
			p.next()
			break
		}
		stmt, err := p.parseStatement()
		if err != nil {
			return nil, err
		}
		clause.Children = append(clause.Children, stmt)
	}
	return clause, nil
}

func joinAndSplitProbeDesc(parts []string) (prv, mod, fun, prb string, err error) {
	joined := ""
	for i, pt := range parts {
		if i > 0 {
			joined += ":"
		}
		joined += pt
	}
	return scanner.ParseProbeDescription(joined)
}

func (p *Parser) parseStatement() (*Node, error) {
	tok, err := p.peek()
	if err != nil {
		return nil, err
	}
	line := tok.Line

	if tok.Kind == scanner.TokIdent && tok.Text == "@" {
		return p.parseAggregation(line)
	}
	if tok.Kind == scanner.TokPunct && tok.Text == "@" {
		return p.parseAggregation(line)
	}

	expr, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if _, err := p.expect(scanner.TokSemicolon); err != nil {
		return nil, err
	}
	return &Node{Kind: KindExprStmt, Line: line, Children: []*Node{expr}}, nil
}

// parseAggregation parses "@name[key1,key2] = func(arg);" — this
// repository's surface form for spec §4.6's aggregating actions.
func (p *Parser) parseAggregation(line int) (*Node, error) {
	p.next() // consume '@'
	nameTok, err := p.next()
	if err != nil {
		return nil, err
	}
	agg := &Node{Kind: KindAggregation, Line: line, Ident: nameTok.Text}

	if tok, _ := p.peek(); tok.Kind == scanner.TokPunct && tok.Text == "[" {
		p.next()
		for {
			key, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			agg.Children = append(agg.Children, key)
			tok, err := p.peek()
			if err != nil {
				return nil, err
			}
			if tok.Kind == scanner.TokComma {
				p.next()
				continue
			}
			break
		}
		if _, err := p.expectPunct("]"); err != nil {
			return nil, err
		}
	}

	if _, err := p.expectPunct("="); err != nil {
		return nil, err
	}
	fnTok, err := p.next()
	if err != nil {
		return nil, err
	}
	if _, err := p.expectPunct("("); err != nil {
		return nil, err
	}
	call := &Node{Kind: KindFuncCall, Line: line, Ident: fnTok.Text}
	if tok, _ := p.peek(); !(tok.Kind == scanner.TokPunct && tok.Text == ")") {
		for {
			arg, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			call.Children = append(call.Children, arg)
			tok, err := p.peek()
			if err != nil {
				return nil, err
			}
			if tok.Kind == scanner.TokComma {
				p.next()
				continue
			}
			break
		}
	}
	if _, err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	agg.Extra = append(agg.Extra, call)

	if _, err := p.expect(scanner.TokSemicolon); err != nil {
		return nil, err
	}
	return agg, nil
}

func (p *Parser) expect(k scanner.TokenKind) (scanner.Token, error) {
	tok, err := p.next()
	if err != nil {
		return tok, err
	}
	if tok.Kind != k {
		return tok, diag.Fatalf(diag.StageParse, diag.CodeBadSpec, tok.Line, "unexpected token %q", tok.Text)
	}
	return tok, nil
}

func (p *Parser) expectPunct(text string) (scanner.Token, error) {
	tok, err := p.next()
	if err != nil {
		return tok, err
	}
	if tok.Kind != scanner.TokPunct || tok.Text != text {
		return tok, diag.Fatalf(diag.StageParse, diag.CodeBadSpec, tok.Line, "expected %q, got %q", text, tok.Text)
	}
	return tok, nil
}

// --- expression grammar: ternary > logical-or > logical-and > equality
// > relational > additive > multiplicative > unary > primary ---

func (p *Parser) parseExpr() (*Node, error) { return p.parseTernary() }

func (p *Parser) parseTernary() (*Node, error) {
	cond, err := p.parseBinary(0)
	if err != nil {
		return nil, err
	}
	tok, err := p.peek()
	if err != nil {
		return nil, err
	}
	if tok.Kind == scanner.TokPunct && tok.Text == "?" {
		p.next()
		then, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		// The scanner always yields ':' as TokProbeSep.
		colon, err := p.next()
		if err != nil {
			return nil, err
		}
		if colon.Kind != scanner.TokProbeSep {
			return nil, diag.Fatalf(diag.StageParse, diag.CodeBadSpec, colon.Line, "expected %q, got %q", ":", colon.Text)
		}
		els, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindTernaryOp, Line: cond.Line, Children: []*Node{cond, then, els}}, nil
	}
	return cond, nil
}

var precedence = []map[string]bool{
	{"||": true},
	{"&&": true},
	{"==": true, "!=": true},
	{"<": true, ">": true, "<=": true, ">=": true},
	{"+": true, "-": true},
	{"*": true, "/": true, "%": true},
}

func (p *Parser) parseBinary(level int) (*Node, error) {
	if level >= len(precedence) {
		return p.parseUnary()
	}
	left, err := p.parseBinary(level + 1)
	if err != nil {
		return nil, err
	}
	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.Kind != scanner.TokPunct || !precedence[level][tok.Text] || (p.inPred && tok.Text == "/") {
			return left, nil
		}
		p.next()
		right, err := p.parseBinary(level + 1)
		if err != nil {
			return nil, err
		}
		left = &Node{Kind: KindBinaryOp, Line: left.Line, Op: tok.Text, Children: []*Node{left, right}}
	}
}

func (p *Parser) parseUnary() (*Node, error) {
	tok, err := p.peek()
	if err != nil {
		return nil, err
	}
	if tok.Kind == scanner.TokPunct && (tok.Text == "-" || tok.Text == "!" || tok.Text == "~" || tok.Text == "*" || tok.Text == "&") {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &Node{Kind: KindUnaryOp, Line: tok.Line, Op: tok.Text, Children: []*Node{operand}}, nil
	}
	return p.parsePostfix()
}

func (p *Parser) parsePostfix() (*Node, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		tok, err := p.peek()
		if err != nil {
			return nil, err
		}
		if tok.Kind == scanner.TokPunct && tok.Text == "->" {
			p.next()
			member, err := p.next()
			if err != nil {
				return nil, err
			}
			expr = &Node{Kind: KindMember, Line: tok.Line, Ident: member.Text, Children: []*Node{expr}}
			continue
		}
		break
	}
	return expr, nil
}

func (p *Parser) parsePrimary() (*Node, error) {
	tok, err := p.next()
	if err != nil {
		return nil, err
	}
	switch tok.Kind {
	case scanner.TokIntLit:
		return &Node{Kind: KindIntLit, Line: tok.Line, IntVal: tok.Value}, nil
	case scanner.TokStringLit:
		return &Node{Kind: KindStringLit, Line: tok.Line, StrVal: tok.Text}, nil
	case scanner.TokMacroVar:
		return &Node{Kind: KindVarRef, Line: tok.Line, Ident: "$" + tok.Text}, nil
	case scanner.TokIdent:
		next, err := p.peek()
		if err != nil {
			return nil, err
		}
		if next.Kind == scanner.TokPunct && next.Text == "(" {
			p.next()
			call := &Node{Kind: KindFuncCall, Line: tok.Line, Ident: tok.Text}
			if t, _ := p.peek(); !(t.Kind == scanner.TokPunct && t.Text == ")") {
				for {
					arg, err := p.parseExpr()
					if err != nil {
						return nil, err
					}
					call.Children = append(call.Children, arg)
					t, err := p.peek()
					if err != nil {
						return nil, err
					}
					if t.Kind == scanner.TokComma {
						p.next()
						continue
					}
					break
				}
			}
			if _, err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return call, nil
		}
		return &Node{Kind: KindIdent, Line: tok.Line, Ident: tok.Text}, nil
	case scanner.TokPunct:
		if tok.Text == "(" {
			inner, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expectPunct(")"); err != nil {
				return nil, err
			}
			return inner, nil
		}
	}
	return nil, diag.Fatalf(diag.StageParse, diag.CodeBadSpec, tok.Line, "unexpected token %q", tok.Text)
}
