package logcall

import (
	"go/ast"
	"strings"
)

// DefaultWrapperConstructors are the future constructors a rewritten body may return.
var DefaultWrapperConstructors = []string{"future.Go", "future.Try"}

// WrapperShape classifies the final statement of a function body.
type WrapperShape interface {
	wrapperShape()
}

// NotAWrapper means the body is instrumented as written.
type NotAWrapper struct{}

// InlineWrapper is a body ending in `return future.Go(func() T {...})`. Thunk holds the real body.
type InlineWrapper struct {
	Return *ast.ReturnStmt
	Call   *ast.CallExpr
	Thunk  *ast.FuncLit
}

// LegacyWrapper is a body ending in a constructor applied to a function bound earlier in the same body. It is
// recognized so it can be rejected.
type LegacyWrapper struct {
	Call   *ast.CallExpr
	Target *ast.Ident
}

func (NotAWrapper) wrapperShape()   {}
func (InlineWrapper) wrapperShape() {}
func (LegacyWrapper) wrapperShape() {}

// Detector recognizes bodies that return a future built by one of Constructors.
type Detector struct {
	Constructors []string
}

// Detect classifies body. Bodies already known to be suspending are never redirected.
func (d Detector) Detect(body *ast.BlockStmt, suspending bool) WrapperShape {
	if suspending || body == nil || len(body.List) == 0 {
		return NotAWrapper{}
	}
	ret, ok := body.List[len(body.List)-1].(*ast.ReturnStmt)
	if !ok || len(ret.Results) != 1 {
		return NotAWrapper{}
	}
	call, ok := ret.Results[0].(*ast.CallExpr)
	if !ok || len(call.Args) != 1 || call.Ellipsis.IsValid() || !d.isConstructor(call.Fun) {
		return NotAWrapper{}
	}

	switch arg := call.Args[0].(type) {
	case *ast.FuncLit:
		if isThunk(arg) {
			return InlineWrapper{Return: ret, Call: call, Thunk: arg}
		}
	case *ast.Ident:
		if boundToFuncLit(body.List[:len(body.List)-1], arg.Name) {
			return LegacyWrapper{Call: call, Target: arg}
		}
	case *ast.CallExpr:
		if ident, ok := arg.Fun.(*ast.Ident); ok && boundToFuncLit(body.List[:len(body.List)-1], ident.Name) {
			return LegacyWrapper{Call: call, Target: ident}
		}
	}
	return NotAWrapper{}
}

func (d Detector) isConstructor(fun ast.Expr) bool {
	path := calleePath(fun)
	if path == "" {
		return false
	}
	constructors := d.Constructors
	if len(constructors) == 0 {
		constructors = DefaultWrapperConstructors
	}
	for _, c := range constructors {
		if path == c || strings.HasSuffix(path, "."+c) {
			return true
		}
	}
	return false
}

// calleePath renders a call target such as `future.Go` or `future.Go[int]` as a dotted path.
func calleePath(fun ast.Expr) string {
	switch f := fun.(type) {
	case *ast.Ident:
		return f.Name
	case *ast.SelectorExpr:
		if x := calleePath(f.X); x != "" {
			return x + "." + f.Sel.Name
		}
	case *ast.IndexExpr:
		return calleePath(f.X)
	case *ast.IndexListExpr:
		return calleePath(f.X)
	case *ast.ParenExpr:
		return calleePath(f.X)
	}
	return ""
}

// isThunk requires a niladic literal, the marker that the future body only reaches its environment through
// captured variables, with one result or a trailing error result.
func isThunk(lit *ast.FuncLit) bool {
	if lit.Body == nil || lit.Type.Params.NumFields() != 0 {
		return false
	}
	switch lit.Type.Results.NumFields() {
	case 1:
		return true
	case 2:
		return isErrorResult(lit.Type.Results)
	default:
		return false
	}
}

// boundToFuncLit reports if name is declared by one of stmts with a function literal value.
func boundToFuncLit(stmts []ast.Stmt, name string) bool {
	for _, stmt := range stmts {
		switch s := stmt.(type) {
		case *ast.AssignStmt:
			if len(s.Lhs) != len(s.Rhs) {
				continue
			}
			for i, lhs := range s.Lhs {
				if ident, ok := lhs.(*ast.Ident); ok && ident.Name == name {
					if _, ok := s.Rhs[i].(*ast.FuncLit); ok {
						return true
					}
				}
			}
		case *ast.DeclStmt:
			gen, ok := s.Decl.(*ast.GenDecl)
			if !ok {
				continue
			}
			for _, spec := range gen.Specs {
				vs, ok := spec.(*ast.ValueSpec)
				if !ok || len(vs.Names) != len(vs.Values) {
					continue
				}
				for i, ident := range vs.Names {
					if ident.Name == name {
						if _, ok := vs.Values[i].(*ast.FuncLit); ok {
							return true
						}
					}
				}
			}
		}
	}
	return false
}

// isErrorResult reports if the last result of a result list is the predeclared error type.
func isErrorResult(results *ast.FieldList) bool {
	if results == nil || len(results.List) == 0 {
		return false
	}
	ident, ok := results.List[len(results.List)-1].Type.(*ast.Ident)
	return ok && ident.Name == "error"
}
