package template

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

// UnresolvedError reports a template expression referencing a name absent
// from the scope. Resolution failures are recorded as step failures with
// reason unresolved_reference and are not retried; the default filter
// suppresses them.
type UnresolvedError struct {
	// Path is the missing reference, root-first.
	Path string
	// Expression is the expression text that referenced it.
	Expression string
}

// Error implements error.
func (e *UnresolvedError) Error() string {
	return fmt.Sprintf("unresolved reference %q in {{ %s }}", e.Path, e.Expression)
}

// Option configures a resolution pass.
type Option func(*resolver)

// WithDeferredPrefixes leaves expressions rooted at any of the given names
// unrendered. The broker defers secret.* fragments this way so credential
// material never reaches the log; workers run a second pass with the secrets
// in scope.
func WithDeferredPrefixes(prefixes ...string) Option {
	return func(r *resolver) {
		for _, p := range prefixes {
			r.deferred[p] = struct{}{}
		}
	}
}

type resolver struct {
	scope    *Scope
	deferred map[string]struct{}
}

// Resolve walks a value and renders every {{...}} expression it contains
// against the scope. Strings are rendered, maps and lists are walked
// recursively, every other value passes through unchanged. A string that is
// exactly one expression keeps the expression's native result type;
// expressions interpolated into surrounding text are stringified.
func Resolve(v any, scope *Scope, opts ...Option) (any, error) {
	r := &resolver{scope: scope, deferred: make(map[string]struct{})}
	for _, opt := range opts {
		opt(r)
	}
	return r.resolve(v)
}

// ResolveMap resolves every value of a map, preserving keys. A nil map
// resolves to nil.
func ResolveMap(m map[string]any, scope *Scope, opts ...Option) (map[string]any, error) {
	if m == nil {
		return nil, nil
	}
	out, err := Resolve(m, scope, opts...)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

// ResolveString renders a single string value. See Resolve for the scalar
// typing rules.
func ResolveString(s string, scope *Scope, opts ...Option) (any, error) {
	r := &resolver{scope: scope, deferred: make(map[string]struct{})}
	for _, opt := range opts {
		opt(r)
	}
	return r.resolveString(s)
}

func (r *resolver) resolve(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return r.resolveString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			rv, err := r.resolve(val)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			rv, err := r.resolve(val)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

func (r *resolver) resolveString(s string) (any, error) {
	segs, err := split(s)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return s, nil
	}
	// Sole expression: preserve the native result type.
	if len(segs) == 1 && segs[0].expr != "" && segs[0].text == s {
		v, err := r.eval(segs[0])
		if err != nil {
			return nil, err
		}
		if d, deferredFragment := v.(deferred); deferredFragment {
			return string(d), nil
		}
		return v, nil
	}
	var b strings.Builder
	for _, seg := range segs {
		if seg.expr == "" {
			b.WriteString(seg.text)
			continue
		}
		v, err := r.eval(seg)
		if err != nil {
			return nil, err
		}
		if s, deferredFragment := v.(deferred); deferredFragment {
			b.WriteString(string(s))
			continue
		}
		b.WriteString(Stringify(v))
	}
	return b.String(), nil
}

// deferred marks a fragment left verbatim for a later resolution pass.
type deferred string

func (r *resolver) eval(seg segment) (any, error) {
	prog, err := compile(seg.expr)
	if err != nil {
		return nil, err
	}
	if len(r.deferred) > 0 {
		for _, root := range prog.roots {
			if _, ok := r.deferred[root.name]; ok {
				return deferred(seg.text), nil
			}
		}
	}
	env := r.scope.Env()
	if !prog.usesDefault {
		for _, root := range prog.roots {
			if _, ok := env[root.name]; !ok {
				return nil, &UnresolvedError{Path: root.path, Expression: seg.expr}
			}
		}
	}
	out, err := vm.Run(prog.program, env)
	if err != nil {
		return nil, fmt.Errorf("evaluate {{ %s }}: %w", seg.expr, err)
	}
	return unwrap(out), nil
}

type (
	// segment is one literal or expression fragment of a template string.
	// text is the original source including the braces for expressions.
	segment struct {
		text string
		expr string
	}

	// compiled caches a parsed expression with the analysis the resolver
	// needs per evaluation: the root references to check against the scope
	// and whether the expression pipes through default.
	compiled struct {
		program     *vm.Program
		roots       []rootRef
		usesDefault bool
	}

	rootRef struct {
		name string
		path string
	}
)

var (
	compileCache sync.Map // expression source -> *compiled

	// ErrUnbalanced signals a {{ without a closing }}.
	ErrUnbalanced = errors.New("template: unbalanced {{")
)

// split cuts a string into literal and expression segments. It returns nil
// when the string contains no expression.
func split(s string) ([]segment, error) {
	if !strings.Contains(s, "{{") {
		return nil, nil
	}
	var segs []segment
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			if rest != "" {
				segs = append(segs, segment{text: rest})
			}
			return segs, nil
		}
		if open > 0 {
			segs = append(segs, segment{text: rest[:open]})
		}
		closeAt := strings.Index(rest[open:], "}}")
		if closeAt < 0 {
			return nil, fmt.Errorf("%w in %q", ErrUnbalanced, s)
		}
		closeAt += open
		text := rest[open : closeAt+2]
		inner := strings.TrimSpace(rest[open+2 : closeAt])
		if inner == "" {
			return nil, fmt.Errorf("template: empty expression in %q", s)
		}
		segs = append(segs, segment{text: text, expr: inner})
		rest = rest[closeAt+2:]
	}
}

func compile(src string) (*compiled, error) {
	if c, ok := compileCache.Load(src); ok {
		return c.(*compiled), nil
	}
	prog, err := expr.Compile(src, filterOptions()...)
	if err != nil {
		return nil, fmt.Errorf("compile {{ %s }}: %w", src, err)
	}
	tree, err := parser.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse {{ %s }}: %w", src, err)
	}
	c := &compiled{program: prog}
	analyze(tree.Node, c)
	compileCache.Store(src, c)
	return c, nil
}

// analyze collects the root identifiers an expression dereferences and
// whether it calls the default filter. Callee identifiers are not data
// references and are skipped.
func analyze(node ast.Node, c *compiled) {
	switch n := node.(type) {
	case *ast.IdentifierNode:
		c.addRoot(n.Value, n.Value)
	case *ast.MemberNode:
		if path, root, ok := memberPath(n); ok {
			c.addRoot(root, path)
			return
		}
		analyze(n.Node, c)
		analyze(n.Property, c)
	case *ast.CallNode:
		if id, ok := n.Callee.(*ast.IdentifierNode); ok {
			if id.Value == "default" {
				c.usesDefault = true
			}
		} else {
			analyze(n.Callee, c)
		}
		for _, arg := range n.Arguments {
			analyze(arg, c)
		}
	case *ast.BuiltinNode:
		for _, arg := range n.Arguments {
			analyze(arg, c)
		}
	case *ast.BinaryNode:
		analyze(n.Left, c)
		analyze(n.Right, c)
	case *ast.UnaryNode:
		analyze(n.Node, c)
	case *ast.ConditionalNode:
		analyze(n.Cond, c)
		analyze(n.Exp1, c)
		analyze(n.Exp2, c)
	case *ast.ChainNode:
		analyze(n.Node, c)
	case *ast.ArrayNode:
		for _, el := range n.Nodes {
			analyze(el, c)
		}
	case *ast.MapNode:
		for _, p := range n.Pairs {
			analyze(p, c)
		}
	case *ast.PairNode:
		analyze(n.Key, c)
		analyze(n.Value, c)
	case *ast.SliceNode:
		analyze(n.Node, c)
		if n.From != nil {
			analyze(n.From, c)
		}
		if n.To != nil {
			analyze(n.To, c)
		}
	case *ast.PredicateNode:
		analyze(n.Node, c)
	}
}

func (c *compiled) addRoot(name, path string) {
	for _, r := range c.roots {
		if r.name == name {
			return
		}
	}
	c.roots = append(c.roots, rootRef{name: name, path: path})
}

// memberPath flattens a member chain with constant string properties into a
// dotted path, returning its root identifier. Dynamic indexing falls back to
// analyzing the parts separately.
func memberPath(n *ast.MemberNode) (path, root string, ok bool) {
	prop, ok := n.Property.(*ast.StringNode)
	if !ok {
		return "", "", false
	}
	switch base := n.Node.(type) {
	case *ast.IdentifierNode:
		return base.Value + "." + prop.Value, base.Value, true
	case *ast.MemberNode:
		p, r, ok := memberPath(base)
		if !ok {
			return "", "", false
		}
		return p + "." + prop.Value, r, true
	}
	return "", "", false
}
