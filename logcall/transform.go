package logcall

import (
	"bytes"
	"fmt"
	"go/ast"
	"go/format"
	"go/token"
)

// Outcome is the successful result of transforming an annotated declaration: *Rewritten or *Inspect.
type Outcome interface {
	outcome()
}

// Rewritten holds a declaration with an instrumented body. The original declaration is left untouched.
type Rewritten struct {
	Decl       *ast.FuncDecl
	Directives []*Directive
	// Templates holds the template chosen for each directive, in directive order.
	Templates []Template
	// Layers holds one entry per directive in the order they were applied, innermost first.
	Layers []Layer
}

// Layer records a single applied directive.
type Layer struct {
	Wrapped *WrappedBody
	// Inner is the block enclosed by Wrapped.Body. For the first layer it is the original function body, or the
	// original future body when Return is set.
	Inner *ast.BlockStmt
	// Return is the final statement returning the future for suspending templates. Wrapped.Prelude runs before it.
	Return *ast.ReturnStmt
}

// Inspect holds the rendered declaration for a directive requesting debug output. It must not be written back.
type Inspect struct {
	Func     string
	Rendered string
}

func (*Rewritten) outcome() {}
func (*Inspect) outcome()   {}

// Transformer applies the directives found on function declarations.
type Transformer struct {
	Synth    Synthesizer
	Detector Detector
}

// TransformFunc instruments decl according to its directives. It returns a nil Outcome when decl has no directive
// or was already instrumented. Multiple directives stack, the first one wraps outermost.
func (t Transformer) TransformFunc(fset *token.FileSet, decl *ast.FuncDecl) (Outcome, error) {
	comments, marked := findDirectives(decl.Doc)
	if marked || len(comments) == 0 {
		return nil, nil
	}
	fail := func(err error) (Outcome, error) {
		pos := errorPos(err)
		if !pos.IsValid() {
			pos = decl.Pos()
		}
		return nil, &FuncError{Position: fset.Position(pos), Func: FuncIdent(decl), Err: err}
	}
	if decl.Body == nil {
		return fail(ErrNoFunctionBody)
	}

	directives := make([]*Directive, len(comments))
	var debugDump bool
	for i, c := range comments {
		d, err := ParseDirective(c.payload, c.pos)
		if err != nil {
			return fail(err)
		}
		directives[i] = d
		debugDump = debugDump || d.DebugDump
	}

	params := collectParams(decl)
	templates := make([]Template, len(directives))
	layers := make([]Layer, 0, len(directives))
	body := decl.Body
	var preludeLen int // statements already inserted before a returned future
	for i := len(directives) - 1; i >= 0; i-- {
		var layer Layer
		var err error
		body, layer, err = t.apply(decl.Name.Name, params, decl.Type.Results, body, directives[i], len(layers), preludeLen)
		if err != nil {
			return fail(err)
		}
		templates[i] = layer.Wrapped.Template
		layers = append(layers, layer)
		if layer.Return != nil {
			preludeLen += len(layer.Wrapped.Prelude)
		}
	}
	out := *decl
	out.Body = body

	if debugDump {
		var buf bytes.Buffer
		if err := format.Node(&buf, fset, &out); err != nil {
			return fail(fmt.Errorf("render failed: %w", err))
		}
		return &Inspect{Func: FuncIdent(decl), Rendered: buf.String()}, nil
	}
	return &Rewritten{Decl: &out, Directives: directives, Templates: templates, Layers: layers}, nil
}

// apply wraps body for one directive, redirecting into a returned future when one is detected. The prelude of an
// outer directive is placed ahead of the preludeLen statements inserted for the directives it encloses.
func (t Transformer) apply(name string, params []Param, results *ast.FieldList, body *ast.BlockStmt,
	d *Directive, layer, preludeLen int) (*ast.BlockStmt, Layer, error) {
	shape := FuncShape{Name: name, Params: params, Results: results, Body: body, Layer: layer}
	switch w := t.Detector.Detect(body, false).(type) {
	case LegacyWrapper:
		return nil, Layer{}, &UnsupportedShapeError{Pos: w.Call.Pos(), Shape: "legacy wrapper"}
	case InlineWrapper:
		shape.Body, shape.Results, shape.Suspending = w.Thunk.Body, w.Thunk.Type.Results, true
		wrapped, err := t.Synth.Synthesize(shape, d)
		if err != nil {
			return nil, Layer{}, err
		}
		thunk := *w.Thunk
		thunk.Body = wrapped.Body
		call := *w.Call
		call.Args = []ast.Expr{&thunk}
		ret := *w.Return
		ret.Results = []ast.Expr{&call}

		split := len(body.List) - 1 - preludeLen
		list := make([]ast.Stmt, 0, len(body.List)+len(wrapped.Prelude))
		list = append(list, body.List[:split]...)
		list = append(list, wrapped.Prelude...)
		list = append(list, body.List[split:len(body.List)-1]...)
		list = append(list, &ret)
		return &ast.BlockStmt{Lbrace: body.Lbrace, List: list, Rbrace: body.Rbrace},
			Layer{Wrapped: wrapped, Inner: w.Thunk.Body, Return: w.Return}, nil
	default:
		wrapped, err := t.Synth.Synthesize(shape, d)
		if err != nil {
			return nil, Layer{}, err
		}
		return wrapped.Body, Layer{Wrapped: wrapped, Inner: body}, nil
	}
}

// collectParams lists the receiver and parameters of decl in declaration order. Unnamed receivers are omitted
// since there is no binding to log, unnamed parameters are kept so they can be reported when logged.
func collectParams(decl *ast.FuncDecl) []Param {
	var params []Param
	if decl.Recv != nil {
		for _, field := range decl.Recv.List {
			for _, name := range field.Names {
				if name.Name != "_" {
					params = append(params, Param{Name: name.Name, Receiver: true, Pos: name.Pos()})
				}
			}
		}
	}
	for _, field := range decl.Type.Params.List {
		if len(field.Names) == 0 {
			params = append(params, Param{Pos: field.Pos()})
			continue
		}
		for _, name := range field.Names {
			params = append(params, Param{Name: name.Name, Pos: name.Pos()})
		}
	}
	return params
}

// FuncIdent returns a display identifier for decl, qualified by its receiver type for methods.
func FuncIdent(decl *ast.FuncDecl) string {
	if decl.Recv == nil || len(decl.Recv.List) == 0 {
		return decl.Name.Name
	}
	recv := decl.Recv.List[0].Type
	var ptr string
	if star, ok := recv.(*ast.StarExpr); ok {
		recv, ptr = star.X, "*"
	}
	switch r := recv.(type) { // strip type parameters
	case *ast.IndexExpr:
		recv = r.X
	case *ast.IndexListExpr:
		recv = r.X
	}
	if ident, ok := recv.(*ast.Ident); ok {
		if ptr != "" {
			return "(*" + ident.Name + ")." + decl.Name.Name
		}
		return ident.Name + "." + decl.Name.Name
	}
	return decl.Name.Name
}
