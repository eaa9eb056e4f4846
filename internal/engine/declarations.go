package engine

import (
	"errors"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja/ast"
)

var errUnexpectedWrapper = errors.New("unexpected shape of async wrapper")

// declarations are the names code binds at its top level.
type declarations struct {
	vars      []string
	functions []string
	lexical   []string
}

func (d *declarations) scan(body []ast.Statement, hoisted []*ast.VariableDeclaration) {
	for _, decl := range hoisted {
		for _, b := range decl.List {
			d.vars = bindingNames(b.Target, d.vars)
		}
	}
	for _, stmt := range body {
		switch s := stmt.(type) {
		case *ast.FunctionDeclaration:
			if s.Function.Name != nil {
				d.functions = append(d.functions, s.Function.Name.Name.String())
			}
		case *ast.ClassDeclaration:
			if s.Class.Name != nil {
				d.lexical = append(d.lexical, s.Class.Name.Name.String())
			}
		case *ast.LexicalDeclaration:
			for _, b := range s.List {
				d.lexical = bindingNames(b.Target, d.lexical)
			}
		}
	}
	d.vars = unique(d.vars)
	d.functions = unique(d.functions)
	d.lexical = unique(d.lexical)
}

// bindingNames appends the identifiers bound by a declaration target,
// descending into destructuring patterns.
func bindingNames(target ast.Expression, out []string) []string {
	switch t := target.(type) {
	case *ast.Identifier:
		return append(out, t.Name.String())
	case *ast.AssignExpression:
		return bindingNames(t.Left, out)
	case *ast.ArrayPattern:
		for _, el := range t.Elements {
			out = bindingNames(el, out)
		}
		return bindingNames(t.Rest, out)
	case *ast.ObjectPattern:
		for _, p := range t.Properties {
			switch p := p.(type) {
			case *ast.PropertyShort:
				out = append(out, p.Name.Name.String())
			case *ast.PropertyKeyed:
				out = bindingNames(p.Value, out)
			}
		}
		return bindingNames(t.Rest, out)
	}
	return out
}

func unique(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := names[:0]
	for _, n := range names {
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}

// compileScript compiles code as a classic script. Its top-level let, const
// and class names are recorded so state capture can reach them.
func compileScript(name, code string) (*Script, error) {
	prg, err := goja.Parse(name, code)
	if err != nil {
		return nil, err
	}
	var d declarations
	d.scan(prg.Body, nil)
	compiled, err := goja.CompileAST(prg, false)
	if err != nil {
		return nil, err
	}
	return &Script{Program: compiled, Lexical: d.lexical}, nil
}

// compileAsync compiles code that uses top-level await as the body of an
// async arrow function. Every top-level declaration is copied onto the
// global object so it outlives the run, like a script declaration would:
// functions on entry, let, const and class once the body completes, and
// var even when the body throws.
func compileAsync(name, code string) (*Script, error) {
	prg, err := goja.Parse(name, "(async () => {\n"+code+"\n})()")
	if err != nil {
		return nil, err
	}
	fn, ok := asyncBody(prg)
	if !ok {
		return nil, errUnexpectedWrapper
	}
	var d declarations
	d.scan(fn.Body.(*ast.BlockStatement).List, fn.DeclarationList)

	var src strings.Builder
	src.WriteString("(async () => { try {")
	writeExports(&src, d.functions)
	src.WriteString("\n")
	src.WriteString(code)
	src.WriteString("\n;")
	writeExports(&src, d.lexical)
	src.WriteString("\n} finally {")
	writeExports(&src, d.vars)
	src.WriteString(" } })()")

	compiled, err := goja.Compile(name, src.String(), false)
	if err != nil {
		return nil, err
	}
	return &Script{Program: compiled, Offset: 1}, nil
}

func asyncBody(prg *ast.Program) (*ast.ArrowFunctionLiteral, bool) {
	if len(prg.Body) != 1 {
		return nil, false
	}
	stmt, ok := prg.Body[0].(*ast.ExpressionStatement)
	if !ok {
		return nil, false
	}
	call, ok := stmt.Expression.(*ast.CallExpression)
	if !ok {
		return nil, false
	}
	fn, ok := call.Callee.(*ast.ArrowFunctionLiteral)
	if !ok {
		return nil, false
	}
	if _, ok := fn.Body.(*ast.BlockStatement); !ok {
		return nil, false
	}
	return fn, true
}

// writeExports emits assignments onto the global object. The arrow wrapper
// inherits the script's this, which is the global object.
func writeExports(b *strings.Builder, names []string) {
	for _, n := range names {
		b.WriteString(" this.")
		b.WriteString(n)
		b.WriteString(" = ")
		b.WriteString(n)
		b.WriteString(";")
	}
}
