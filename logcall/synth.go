package logcall

import (
	"bytes"
	"errors"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"slices"
	"strconv"
	"strings"
)

const (
	syntheticPrefixSnapIn  = "lcSnapIn"
	syntheticPrefixSnapOut = "lcSnapOut"
	syntheticPrefixRet     = "lcRet"

	// DefaultRuntimePackage is the identifier generated log calls are qualified with.
	DefaultRuntimePackage = "logrt"
	// DefaultRuntimeImport is the import path providing DefaultRuntimePackage.
	DefaultRuntimeImport = "github.com/PatchLens/go-logcall/logrt"
)

// Template is the control flow shape used to wrap a body.
type Template int

const (
	TemplateSync Template = iota
	TemplateSyncDual
	TemplateSuspend
	TemplateSuspendDual
)

// Templates lists every template in declaration order.
var Templates = []Template{TemplateSync, TemplateSyncDual, TemplateSuspend, TemplateSuspendDual}

func (t Template) String() string {
	switch t {
	case TemplateSync:
		return "sync"
	case TemplateSyncDual:
		return "sync-dual"
	case TemplateSuspend:
		return "suspend"
	case TemplateSuspendDual:
		return "suspend-dual"
	default:
		return "template(" + strconv.Itoa(int(t)) + ")"
	}
}

func templateFor(suspending, dual bool) Template {
	switch {
	case suspending && dual:
		return TemplateSuspendDual
	case suspending:
		return TemplateSuspend
	case dual:
		return TemplateSyncDual
	default:
		return TemplateSync
	}
}

// FuncShape is the part of a function the synthesizer needs: its name, inputs, results and the body to wrap.
// When Suspending is set, Body and Results describe the future body rather than the declaration.
type FuncShape struct {
	Name       string
	Params     []Param
	Results    *ast.FieldList
	Body       *ast.BlockStmt
	Suspending bool
	// Layer distinguishes generated identifiers when the same function is wrapped more than once.
	Layer int
}

// DualOutcome reports if the result list ends in an error.
func (f FuncShape) DualOutcome() bool {
	return isErrorResult(f.Results)
}

// WrappedBody is the replacement produced for a FuncShape.
type WrappedBody struct {
	Template Template
	// Prelude holds statements that must run before a suspending body is started. It is always empty for
	// synchronous templates, where these statements lead Body instead.
	Prelude []ast.Stmt
	Body    *ast.BlockStmt
}

// Synthesizer wraps function bodies with ingress and egress log calls.
type Synthesizer struct {
	Format FormatBuilder
	// Runtime is the package identifier of the logging backend, DefaultRuntimePackage when empty.
	Runtime string
}

// Synthesize wraps fn according to d. fn.Body is reused, not copied, by the returned body.
func (s Synthesizer) Synthesize(fn FuncShape, d *Directive) (*WrappedBody, error) {
	if d == nil {
		return nil, errors.New("missing directive")
	} else if fn.Body == nil {
		return nil, ErrNoFunctionBody
	} else if err := validateDirective(fn, d); err != nil {
		return nil, err
	}
	names := syntheticNames{layer: fn.Layer}
	dual := fn.DualOutcome()

	var prelude []ast.Stmt
	if d.Ingress != "" {
		logStmt, err := s.logStmt(d.Ingress, phaseIngress, fn, d.Skip, names.in, nil)
		if err != nil {
			return nil, err
		}
		if snap := snapshotStmt(fn.Params, d.Skip, names.in); snap != nil {
			prelude = append(prelude, snap)
		}
		prelude = append(prelude, logStmt)
	}
	if d.Egress != nil {
		if snap := snapshotStmt(fn.Params, d.Skip, names.out); snap != nil {
			prelude = append(prelude, snap)
		}
	}

	results, err := cloneResults(fn.Results)
	if err != nil {
		return nil, err
	}
	rets := make([]string, results.NumFields())
	for i := range rets {
		rets[i] = names.ret(i)
	}

	var stmts []ast.Stmt
	run := &ast.CallExpr{Fun: &ast.FuncLit{
		Type: &ast.FuncType{Params: &ast.FieldList{}, Results: results},
		Body: fn.Body,
	}}
	if len(rets) == 0 {
		stmts = append(stmts, &ast.ExprStmt{X: run})
	} else {
		stmts = append(stmts, &ast.AssignStmt{Lhs: identExprs(rets), Tok: token.DEFINE, Rhs: []ast.Expr{run}})
	}
	if d.Egress != nil {
		egress, err := s.egressStmts(fn, d, rets, dual, names)
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, egress...)
	}
	if len(rets) > 0 {
		stmts = append(stmts, &ast.ReturnStmt{Results: identExprs(rets)})
	}

	wrapped := &WrappedBody{Template: templateFor(fn.Suspending, dual)}
	if fn.Suspending {
		wrapped.Prelude = prelude
	} else {
		stmts = append(prelude, stmts...)
	}
	wrapped.Body = &ast.BlockStmt{Lbrace: fn.Body.Lbrace, List: stmts, Rbrace: fn.Body.Rbrace}
	return wrapped, nil
}

func validateDirective(fn FuncShape, d *Directive) error {
	levels := []Level{d.Ingress}
	if d.Egress != nil {
		levels = append(levels, d.Egress.Level, d.Egress.OK, d.Egress.Err)
	}
	for _, l := range levels {
		if l == "" {
			continue
		} else if _, ok := ParseLevel(string(l)); !ok {
			return usageErrorf(d.Pos, "unknown log level `%s`", l)
		}
	}
	if d.Ingress == "" && d.Egress == nil {
		return usageErrorf(d.Pos, "directive has neither ingress nor egress level")
	} else if d.Egress != nil && d.Egress.Kind == EgressDual {
		if d.Egress.OK == "" && d.Egress.Err == "" {
			return usageErrorf(d.Pos, "ok/err egress without a level")
		} else if !fn.DualOutcome() {
			return usageErrorf(d.Pos, "ok/err levels require a function whose last result is error")
		}
	}
	if d.Skip != nil {
		for _, name := range d.Skip.Names {
			if !slices.ContainsFunc(fn.Params, func(p Param) bool { return p.Name == name }) {
				return usageErrorf(d.Pos, "`skip` names unknown parameter `%s`", name)
			}
		}
	}
	return nil
}

// egressValue is the rendered result portion of an egress message. A value without verbs is logged literally.
type egressValue struct {
	verbs  string
	values []ast.Expr
}

func (s Synthesizer) egressStmts(fn FuncShape, d *Directive, rets []string, dual bool, names syntheticNames) ([]ast.Stmt, error) {
	if !dual {
		var ret *egressValue
		if len(rets) > 0 {
			ret = &egressValue{verbs: s.valueVerbs(len(rets)), values: identExprs(rets)}
		}
		stmt, err := s.logStmt(d.Egress.Level, phaseEgress, fn, d.Skip, names.out, ret)
		if err != nil {
			return nil, err
		}
		return []ast.Stmt{stmt}, nil
	}

	okLevel, errLevel := d.Egress.OK, d.Egress.Err
	if d.Egress.Kind == EgressSimple {
		okLevel, errLevel = d.Egress.Level, d.Egress.Level
	}
	errIdent := rets[len(rets)-1]
	var okStmt, errStmt ast.Stmt
	if okLevel != "" {
		okRet := &egressValue{verbs: "ok"}
		if values := rets[:len(rets)-1]; len(values) > 0 {
			okRet = &egressValue{verbs: s.valueVerbs(len(values)), values: identExprs(values)}
		}
		stmt, err := s.logStmt(okLevel, phaseEgress, fn, d.Skip, names.out, okRet)
		if err != nil {
			return nil, err
		}
		okStmt = stmt
	}
	if errLevel != "" {
		errRet := &egressValue{verbs: "error: %v", values: identExprs([]string{errIdent})}
		stmt, err := s.logStmt(errLevel, phaseEgress, fn, d.Skip, names.out, errRet)
		if err != nil {
			return nil, err
		}
		errStmt = stmt
	}

	outcome := &ast.IfStmt{Cond: &ast.BinaryExpr{X: ast.NewIdent(errIdent), Op: token.EQL, Y: ast.NewIdent("nil")}}
	switch {
	case okStmt != nil && errStmt != nil:
		outcome.Body = &ast.BlockStmt{List: []ast.Stmt{okStmt}}
		outcome.Else = &ast.BlockStmt{List: []ast.Stmt{errStmt}}
	case okStmt != nil:
		outcome.Body = &ast.BlockStmt{List: []ast.Stmt{okStmt}}
	default:
		outcome.Cond.(*ast.BinaryExpr).Op = token.NEQ
		outcome.Body = &ast.BlockStmt{List: []ast.Stmt{errStmt}}
	}
	return []ast.Stmt{outcome}, nil
}

// Structured messages are suffixed with the phase so entry and exit records can be told apart without a result.
const (
	phaseIngress = "ingress"
	phaseEgress  = "egress"
)

// logStmt builds a single backend call for fn. A nil ret renders the call without a result.
func (s Synthesizer) logStmt(level Level, phase string, fn FuncShape, skip *SkipList, rename func(string) string,
	ret *egressValue) (ast.Stmt, error) {
	var msg string
	var args []ast.Expr
	if s.Format.Structured {
		var retExpr ast.Expr
		if ret != nil && len(ret.values) == 0 {
			retExpr = stringLit(ret.verbs)
		} else if ret != nil {
			retExpr = &ast.CallExpr{
				Fun:  s.runtimeSelector("Render"),
				Args: append([]ast.Expr{stringLit(ret.verbs)}, ret.values...),
			}
		}
		fields, err := s.Format.Fields(fn.Params, skip, rename, retExpr)
		if err != nil {
			return nil, err
		}
		msg, args = fn.Name+" "+phase, fields
	} else {
		f, err := s.Format.Build(fn.Params, skip, rename)
		if err != nil {
			return nil, err
		}
		msg, args = fn.Name+"("+f.Template+")", f.Values
		if ret != nil {
			msg += " => " + ret.verbs
			args = append(args, ret.values...)
		}
	}

	lvl, _ := ParseLevel(string(level))
	return &ast.ExprStmt{X: &ast.CallExpr{
		Fun:  s.runtimeSelector(lvl.logFunc(s.Format.Structured)),
		Args: append([]ast.Expr{stringLit(msg)}, args...),
	}}, nil
}

func (s Synthesizer) valueVerbs(count int) string {
	if count == 1 {
		return s.Format.Mode.Verb()
	}
	verbs := make([]string, count)
	for i := range verbs {
		verbs[i] = s.Format.Mode.Verb()
	}
	return "(" + strings.Join(verbs, ", ") + ")"
}

func (s Synthesizer) runtimeSelector(name string) *ast.SelectorExpr {
	pkg := s.Runtime
	if pkg == "" {
		pkg = DefaultRuntimePackage
	}
	return &ast.SelectorExpr{X: ast.NewIdent(pkg), Sel: ast.NewIdent(name)}
}

// snapshotStmt copies every logged parameter into a synthetic local, or returns nil if none are logged.
func snapshotStmt(params []Param, skip *SkipList, rename func(string) string) ast.Stmt {
	var lhs, rhs []ast.Expr
	for _, p := range params {
		if skip.Skips(p.Name) || !p.resolvable() {
			continue
		}
		lhs = append(lhs, ast.NewIdent(rename(p.Name)))
		rhs = append(rhs, ast.NewIdent(p.Name))
	}
	if len(lhs) == 0 {
		return nil
	}
	return &ast.AssignStmt{Lhs: lhs, Tok: token.DEFINE, Rhs: rhs}
}

type syntheticNames struct {
	layer int
}

func (n syntheticNames) prefix(base string) string {
	if n.layer == 0 {
		return base
	}
	return base + strconv.Itoa(n.layer)
}

func (n syntheticNames) in(name string) string {
	return n.prefix(syntheticPrefixSnapIn) + "_" + name
}

func (n syntheticNames) out(name string) string {
	return n.prefix(syntheticPrefixSnapOut) + "_" + name
}

func (n syntheticNames) ret(i int) string {
	if n.layer == 0 {
		return syntheticPrefixRet + strconv.Itoa(i)
	}
	return n.prefix(syntheticPrefixRet) + "_" + strconv.Itoa(i)
}

func identExprs(names []string) []ast.Expr {
	exprs := make([]ast.Expr, len(names))
	for i, name := range names {
		exprs[i] = ast.NewIdent(name)
	}
	return exprs
}

// cloneResults copies a result list, keeping names, so it can be declared again by the wrapping closure.
func cloneResults(results *ast.FieldList) (*ast.FieldList, error) {
	if results.NumFields() == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	clone := &ast.FieldList{List: make([]*ast.Field, len(results.List))}
	for i, field := range results.List {
		typ, err := cloneExprNoPos(&buf, field.Type)
		if err != nil {
			return nil, fmt.Errorf("clone result type failed: %w", err)
		}
		f := &ast.Field{Type: typ}
		for _, name := range field.Names {
			f.Names = append(f.Names, ast.NewIdent(name.Name))
		}
		clone.List[i] = f
	}
	return clone, nil
}

// cloneExprNoPos is a helper to clone an AST, dropping positions.
func cloneExprNoPos(buf *bytes.Buffer, e ast.Node) (ast.Expr, error) {
	buf.Reset()
	err := format.Node(buf, token.NewFileSet(), e)
	if err != nil {
		return nil, err
	}
	return parser.ParseExprFrom(token.NewFileSet(), "", buf.Bytes(), 0)
}
