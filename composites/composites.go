// Package composites folds already-inserted symbols into composite
// symbols. A composite is a boolean expression over symbol names with
// `&`, `|`, `!` and parentheses; a `~` prefix on an atom marks it for
// removal from the result when the composite matches.
//
// All composites are evaluated against a snapshot of the symbol set, so
// evaluation order does not matter and removals never affect other
// composites in the same pass.
package composites

import (
	"fmt"
	"unicode"

	"github.com/migadu/mailscan/config"
	"github.com/migadu/mailscan/logger"
	"github.com/migadu/mailscan/task"
)

// Resolver implements task.CompositeResolver.
type Resolver struct {
	composites []*composite
}

type composite struct {
	symbol string
	score  float64
	expr   node
}

// New parses the configured composite expressions. A malformed expression
// is a startup error.
func New(cfg *config.Config) (*Resolver, error) {
	r := &Resolver{}
	for _, cc := range cfg.Composites {
		expr, err := parse(cc.Expression)
		if err != nil {
			return nil, fmt.Errorf("composite %s: %w", cc.Symbol, err)
		}
		r.composites = append(r.composites, &composite{
			symbol: cc.Symbol,
			score:  cc.Score,
			expr:   expr,
		})
	}
	return r, nil
}

// Resolve evaluates every composite against the task's current symbols,
// inserts matching composite symbols and then removes the atoms marked
// removable by matched expressions.
func (r *Resolver) Resolve(t *task.Task) {
	res := t.Result()

	present := make(map[string]bool, len(res.Symbols))
	for name := range res.Symbols {
		present[name] = true
	}

	remove := make(map[string]bool)
	for _, c := range r.composites {
		if !c.expr.eval(present) {
			continue
		}
		t.InsertResult(c.symbol, c.score)
		c.expr.markRemovable(present, remove)
		logger.Debug("composite matched", "scan_id", t.ScanID, "symbol", c.symbol)
	}

	for name := range remove {
		t.RemoveResult(name)
	}
}

type node interface {
	eval(present map[string]bool) bool
	// markRemovable records present atoms carrying the removal prefix.
	markRemovable(present map[string]bool, remove map[string]bool)
}

type atomNode struct {
	name      string
	removable bool
}

func (n *atomNode) eval(present map[string]bool) bool { return present[n.name] }

func (n *atomNode) markRemovable(present, remove map[string]bool) {
	if n.removable && present[n.name] {
		remove[n.name] = true
	}
}

type notNode struct{ inner node }

func (n *notNode) eval(present map[string]bool) bool { return !n.inner.eval(present) }

func (n *notNode) markRemovable(present, remove map[string]bool) {}

type binNode struct {
	op          byte // '&' or '|'
	left, right node
}

func (n *binNode) eval(present map[string]bool) bool {
	if n.op == '&' {
		return n.left.eval(present) && n.right.eval(present)
	}
	return n.left.eval(present) || n.right.eval(present)
}

func (n *binNode) markRemovable(present, remove map[string]bool) {
	n.left.markRemovable(present, remove)
	n.right.markRemovable(present, remove)
}

// parser is a recursive descent parser with `|` binding weakest, then
// `&`, then unary `!`.
type parser struct {
	input string
	pos   int
}

func parse(expr string) (node, error) {
	p := &parser{input: expr}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.input[p.pos], p.pos)
	}
	return n, nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.accept('|') {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binNode{op: '|', left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.accept('&') {
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binNode{op: '&', left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.accept('!') {
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parseAtom()
}

func (p *parser) parseAtom() (node, error) {
	if p.accept('(') {
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if !p.accept(')') {
			return nil, fmt.Errorf("missing closing parenthesis at offset %d", p.pos)
		}
		return n, nil
	}

	removable := p.accept('~')

	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) && isSymbolRune(rune(p.input[p.pos])) {
		p.pos++
	}
	if p.pos == start {
		return nil, fmt.Errorf("expected symbol name at offset %d", start)
	}

	return &atomNode{name: p.input[start:p.pos], removable: removable}, nil
}

func (p *parser) accept(c byte) bool {
	p.skipSpace()
	if p.pos < len(p.input) && p.input[p.pos] == c {
		p.pos++
		return true
	}
	return false
}

func (p *parser) skipSpace() {
	for p.pos < len(p.input) && p.input[p.pos] == ' ' {
		p.pos++
	}
}

func isSymbolRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}
