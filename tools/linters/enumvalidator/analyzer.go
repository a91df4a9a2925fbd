// Package enumvalidator reports string literals assigned to fields whose type
// is a string enum, such as model.JobStatus or model.JobType. Status and type
// values must come from the declared constants so a typo cannot reach the
// database CHECK constraints at runtime.
package enumvalidator

import (
	"go/ast"
	"go/token"
	"go/types"

	"golang.org/x/tools/go/analysis"
	"golang.org/x/tools/go/analysis/passes/inspect"
	"golang.org/x/tools/go/ast/inspector"
)

var Analyzer = &analysis.Analyzer{
	Name:     "enumvalidator",
	Doc:      "reports string literals assigned to string enum fields instead of their constants",
	Requires: []*analysis.Analyzer{inspect.Analyzer},
	Run:      run,
}

func run(pass *analysis.Pass) (any, error) {
	insp := pass.ResultOf[inspect.Analyzer].(*inspector.Inspector)

	nodeFilter := []ast.Node{
		(*ast.AssignStmt)(nil),
		(*ast.KeyValueExpr)(nil),
	}

	insp.Preorder(nodeFilter, func(n ast.Node) {
		switch node := n.(type) {
		case *ast.AssignStmt:
			if len(node.Lhs) != len(node.Rhs) {
				return
			}
			for i, lhs := range node.Lhs {
				sel, ok := lhs.(*ast.SelectorExpr)
				if !ok {
					continue
				}
				check(pass, sel.Sel, pass.TypesInfo.TypeOf(lhs), node.Rhs[i])
			}
		case *ast.KeyValueExpr:
			key, ok := node.Key.(*ast.Ident)
			if !ok {
				return
			}
			field, ok := pass.TypesInfo.ObjectOf(key).(*types.Var)
			if !ok || !field.IsField() {
				return
			}
			check(pass, key, field.Type(), node.Value)
		}
	})

	return nil, nil
}

func check(pass *analysis.Pass, field *ast.Ident, typ types.Type, value ast.Expr) {
	lit, ok := value.(*ast.BasicLit)
	if !ok || lit.Kind != token.STRING {
		return
	}
	named, ok := typ.(*types.Named)
	if !ok || !isEnum(named) {
		return
	}
	pass.Reportf(lit.Pos(), "enum field %s assigned string literal %s; use a %s constant",
		field.Name, lit.Value, named.Obj().Name())
}

// isEnum reports whether named is a string type with at least one constant of
// that type declared in its package.
func isEnum(named *types.Named) bool {
	basic, ok := named.Underlying().(*types.Basic)
	if !ok || basic.Info()&types.IsString == 0 {
		return false
	}
	pkg := named.Obj().Pkg()
	if pkg == nil {
		return false
	}
	scope := pkg.Scope()
	for _, name := range scope.Names() {
		c, ok := scope.Lookup(name).(*types.Const)
		if ok && types.Identical(c.Type(), named) {
			return true
		}
	}
	return false
}
