package logcall

import (
	"bytes"
	"go/ast"
	"go/format"
	"go/parser"
	"go/token"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseFuncDecl(t *testing.T, src string) (*token.FileSet, *ast.FuncDecl) {
	t.Helper()

	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "p.go", "package p\n\n"+src, parser.ParseComments)
	require.NoError(t, err)
	for _, decl := range f.Decls {
		if fd, ok := decl.(*ast.FuncDecl); ok {
			return fset, fd
		}
	}
	t.Fatal("no function declaration")
	return nil, nil
}

func renderNode(t *testing.T, fset *token.FileSet, node ast.Node) string {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, format.Node(&buf, fset, node))
	return buf.String()
}

func synthesizeDecl(t *testing.T, s Synthesizer, src string, d *Directive) (string, *WrappedBody) {
	t.Helper()

	fset, decl := parseFuncDecl(t, src)
	fn := FuncShape{
		Name:    decl.Name.Name,
		Params:  collectParams(decl),
		Results: decl.Type.Results,
		Body:    decl.Body,
	}
	wrapped, err := s.Synthesize(fn, d)
	require.NoError(t, err)
	out := *decl
	out.Body = wrapped.Body
	rendered := renderNode(t, fset, &out)

	// result must be valid Go
	_, err = parser.ParseFile(token.NewFileSet(), "", "package p\n\n"+rendered, 0)
	require.NoError(t, err, rendered)
	return rendered, wrapped
}

func TestTemplateFor(t *testing.T) {
	t.Parallel()

	assert.Equal(t, TemplateSync, templateFor(false, false))
	assert.Equal(t, TemplateSyncDual, templateFor(false, true))
	assert.Equal(t, TemplateSuspend, templateFor(true, false))
	assert.Equal(t, TemplateSuspendDual, templateFor(true, true))
	assert.Equal(t, "suspend-dual", TemplateSuspendDual.String())
}

func TestSynthesizeSync(t *testing.T) {
	t.Parallel()

	s := Synthesizer{}

	t.Run("egress_only", func(t *testing.T) {
		rendered, wrapped := synthesizeDecl(t, s, `func Inc(a int) int {
	return a + 1
}`, &Directive{Egress: &EgressMode{Kind: EgressSimple, Level: LevelInfo}})

		assert.Equal(t, TemplateSync, wrapped.Template)
		assert.Empty(t, wrapped.Prelude)
		assert.Equal(t, `func Inc(a int) int {
	lcRet0 := func() int {
		return a + 1
	}()
	logrt.Infof("Inc() => %#v", lcRet0)
	return lcRet0
}`, rendered)
	})

	t.Run("ingress_only", func(t *testing.T) {
		rendered, _ := synthesizeDecl(t, s, `func Sum(a, b int) int {
	return a + b
}`, &Directive{Ingress: LevelInfo, Skip: &SkipList{}})

		assert.Equal(t, `func Sum(a, b int) int {
	lcSnapIn_a, lcSnapIn_b := a, b
	logrt.Infof("Sum(a: %#v, b: %#v)", lcSnapIn_a, lcSnapIn_b)
	lcRet0 := func() int {
		return a + b
	}()
	return lcRet0
}`, rendered)
	})

	t.Run("ingress_skip", func(t *testing.T) {
		rendered, _ := synthesizeDecl(t, s, `func Sum(a, b int) int {
	return a + b
}`, &Directive{Ingress: LevelDebug, Skip: &SkipList{Names: []string{"b"}}})

		assert.Contains(t, rendered, "lcSnapIn_a := a\n")
		assert.Contains(t, rendered, `logrt.Debugf("Sum(a: %#v, b: <skipped>)", lcSnapIn_a)`)
		assert.NotContains(t, rendered, "lcSnapIn_b")
	})

	t.Run("ingress_and_egress_snapshots", func(t *testing.T) {
		rendered, _ := synthesizeDecl(t, s, `func Drain(items []int) int {
	n := len(items)
	items = nil
	return n
}`, &Directive{
			Ingress: LevelTrace,
			Egress:  &EgressMode{Kind: EgressSimple, Level: LevelWarn},
			Skip:    &SkipList{},
		})

		snapIn := strings.Index(rendered, "lcSnapIn_items := items")
		snapOut := strings.Index(rendered, "lcSnapOut_items := items")
		run := strings.Index(rendered, "lcRet0 := func() int {")
		require.True(t, snapIn >= 0 && snapOut >= 0 && run >= 0, rendered)
		assert.Less(t, snapIn, snapOut)
		assert.Less(t, snapOut, run)
		assert.Contains(t, rendered, `logrt.Tracef("Drain(items: %#v)", lcSnapIn_items)`)
		assert.Contains(t, rendered, `logrt.Warnf("Drain(items: %#v) => %#v", lcSnapOut_items, lcRet0)`)
	})

	t.Run("no_results", func(t *testing.T) {
		rendered, _ := synthesizeDecl(t, s, `func Touch(path string) {
	if path == "" {
		return
	}
}`, &Directive{Egress: &EgressMode{Kind: EgressSimple, Level: LevelInfo}, Skip: &SkipList{}})

		assert.Contains(t, rendered, "\tfunc() {\n")
		assert.Contains(t, rendered, `logrt.Infof("Touch(path: %#v)", lcSnapOut_path)`)
		assert.NotContains(t, rendered, "lcRet")
	})

	t.Run("multiple_results", func(t *testing.T) {
		rendered, _ := synthesizeDecl(t, s, `func Split(s string) (string, string) {
	return s[:1], s[1:]
}`, &Directive{Egress: &EgressMode{Kind: EgressSimple, Level: LevelInfo}})

		assert.Contains(t, rendered, "lcRet0, lcRet1 := func() (string, string) {")
		assert.Contains(t, rendered, `logrt.Infof("Split() => (%#v, %#v)", lcRet0, lcRet1)`)
		assert.Contains(t, rendered, "return lcRet0, lcRet1")
	})

	t.Run("named_results", func(t *testing.T) {
		rendered, _ := synthesizeDecl(t, s, `func Count(s string) (n int) {
	n = len(s)
	return
}`, &Directive{Egress: &EgressMode{Kind: EgressSimple, Level: LevelInfo}})

		assert.Contains(t, rendered, "func Count(s string) (n int) {")
		assert.Contains(t, rendered, "lcRet0 := func() (n int) {")
	})

	t.Run("method_receiver", func(t *testing.T) {
		rendered, _ := synthesizeDecl(t, s, `func (c *Counter) Add(v int) int {
	c.total += v
	return c.total
}`, &Directive{Ingress: LevelInfo, Skip: &SkipList{}})

		assert.Contains(t, rendered, "lcSnapIn_c, lcSnapIn_v := c, v")
		assert.Contains(t, rendered, `logrt.Infof("Add(c: %#v, v: %#v)", lcSnapIn_c, lcSnapIn_v)`)
	})

	t.Run("generic_function", func(t *testing.T) {
		rendered, _ := synthesizeDecl(t, s, `func First[T any](vals []T) T {
	return vals[0]
}`, &Directive{Egress: &EgressMode{Kind: EgressSimple, Level: LevelInfo}})

		assert.Contains(t, rendered, "func First[T any](vals []T) T {")
		assert.Contains(t, rendered, "lcRet0 := func() T {")
	})

	t.Run("display_mode", func(t *testing.T) {
		rendered, _ := synthesizeDecl(t, Synthesizer{Format: FormatBuilder{Mode: DisplayPlain}}, `func Inc(a int) int {
	return a + 1
}`, &Directive{Egress: &EgressMode{Kind: EgressSimple, Level: LevelInfo}, Skip: &SkipList{}})

		assert.Contains(t, rendered, `logrt.Infof("Inc(a: %v) => %v", lcSnapOut_a, lcRet0)`)
	})

	t.Run("custom_runtime", func(t *testing.T) {
		rendered, _ := synthesizeDecl(t, Synthesizer{Runtime: "calllog"}, `func Inc(a int) int {
	return a + 1
}`, &Directive{Egress: &EgressMode{Kind: EgressSimple, Level: LevelError}})

		assert.Contains(t, rendered, `calllog.Errorf("Inc() => %#v", lcRet0)`)
	})

	t.Run("layered_names", func(t *testing.T) {
		fset, decl := parseFuncDecl(t, `func Inc(a int) int {
	return a + 1
}`)
		wrapped, err := s.Synthesize(FuncShape{
			Name:    "Inc",
			Params:  collectParams(decl),
			Results: decl.Type.Results,
			Body:    decl.Body,
			Layer:   2,
		}, &Directive{Ingress: LevelInfo, Egress: &EgressMode{Kind: EgressSimple, Level: LevelInfo}, Skip: &SkipList{}})
		require.NoError(t, err)
		rendered := renderNode(t, fset, wrapped.Body)
		assert.Contains(t, rendered, "lcSnapIn2_a := a")
		assert.Contains(t, rendered, "lcSnapOut2_a := a")
		assert.Contains(t, rendered, "lcRet2_0 := func() int {")
	})
}

func TestSynthesizeSyncDual(t *testing.T) {
	t.Parallel()

	s := Synthesizer{}
	const div = `func Div(a, b int) (int, error) {
	if b == 0 {
		return 0, errors.New("divide by zero")
	}
	return a / b, nil
}`

	t.Run("ok_and_err", func(t *testing.T) {
		rendered, wrapped := synthesizeDecl(t, s, div, &Directive{
			Egress: &EgressMode{Kind: EgressDual, OK: LevelInfo, Err: LevelError},
			Skip:   &SkipList{Names: []string{"b"}},
		})

		assert.Equal(t, TemplateSyncDual, wrapped.Template)
		assert.Contains(t, rendered, `	lcSnapOut_a := a
	lcRet0, lcRet1 := func() (int, error) {`)
		assert.Contains(t, rendered, `	if lcRet1 == nil {
		logrt.Infof("Div(a: %#v, b: <skipped>) => %#v", lcSnapOut_a, lcRet0)
	} else {
		logrt.Errorf("Div(a: %#v, b: <skipped>) => error: %v", lcSnapOut_a, lcRet1)
	}
	return lcRet0, lcRet1
}`)
	})

	t.Run("ok_only", func(t *testing.T) {
		rendered, _ := synthesizeDecl(t, s, div, &Directive{Egress: &EgressMode{Kind: EgressDual, OK: LevelInfo}})

		assert.Contains(t, rendered, `	if lcRet1 == nil {
		logrt.Infof("Div() => %#v", lcRet0)
	}
	return lcRet0, lcRet1`)
		assert.NotContains(t, rendered, "else")
	})

	t.Run("err_only", func(t *testing.T) {
		rendered, _ := synthesizeDecl(t, s, div, &Directive{Egress: &EgressMode{Kind: EgressDual, Err: LevelWarn}})

		assert.Contains(t, rendered, `	if lcRet1 != nil {
		logrt.Warnf("Div() => error: %v", lcRet1)
	}
	return lcRet0, lcRet1`)
	})

	t.Run("simple_level_logs_both_arms", func(t *testing.T) {
		rendered, _ := synthesizeDecl(t, s, div, &Directive{Egress: &EgressMode{Kind: EgressSimple, Level: LevelDebug}})

		assert.Contains(t, rendered, `logrt.Debugf("Div() => %#v", lcRet0)`)
		assert.Contains(t, rendered, `logrt.Debugf("Div() => error: %v", lcRet1)`)
	})

	t.Run("error_only_result", func(t *testing.T) {
		rendered, _ := synthesizeDecl(t, s, `func Close() error {
	return nil
}`, &Directive{Egress: &EgressMode{Kind: EgressDual, OK: LevelInfo, Err: LevelError}})

		assert.Contains(t, rendered, "lcRet0 := func() error {")
		assert.Contains(t, rendered, `logrt.Infof("Close() => ok")`)
		assert.Contains(t, rendered, `logrt.Errorf("Close() => error: %v", lcRet0)`)
	})
}

func TestSynthesizeSuspend(t *testing.T) {
	t.Parallel()

	s := Synthesizer{}
	fset, decl := parseFuncDecl(t, `func Fetch(id string) *future.Future[int] {
	return future.Try(func() (int, error) {
		return lookup(id)
	})
}`)
	thunk := decl.Body.List[0].(*ast.ReturnStmt).Results[0].(*ast.CallExpr).Args[0].(*ast.FuncLit)

	wrapped, err := s.Synthesize(FuncShape{
		Name:       "Fetch",
		Params:     collectParams(decl),
		Results:    thunk.Type.Results,
		Body:       thunk.Body,
		Suspending: true,
	}, &Directive{
		Ingress: LevelInfo,
		Egress:  &EgressMode{Kind: EgressDual, OK: LevelInfo},
		Skip:    &SkipList{},
	})
	require.NoError(t, err)
	assert.Equal(t, TemplateSuspendDual, wrapped.Template)

	require.Len(t, wrapped.Prelude, 3)
	var prelude []string
	for _, stmt := range wrapped.Prelude {
		prelude = append(prelude, renderNode(t, fset, stmt))
	}
	assert.Equal(t, []string{
		"lcSnapIn_id := id",
		`logrt.Infof("Fetch(id: %#v)", lcSnapIn_id)`,
		"lcSnapOut_id := id",
	}, prelude)

	body := renderNode(t, fset, wrapped.Body)
	assert.Contains(t, body, "lcRet0, lcRet1 := func() (int, error) {")
	assert.Contains(t, body, `logrt.Infof("Fetch(id: %#v) => %#v", lcSnapOut_id, lcRet0)`)
	assert.Contains(t, body, "return lcRet0, lcRet1")
	assert.NotContains(t, body, "lcSnapIn")
}

func TestSynthesizeStructured(t *testing.T) {
	t.Parallel()

	s := Synthesizer{Format: FormatBuilder{Structured: true}}

	t.Run("sync", func(t *testing.T) {
		rendered, _ := synthesizeDecl(t, s, `func Sum(a, b int) int {
	return a + b
}`, &Directive{
			Ingress: LevelInfo,
			Egress:  &EgressMode{Kind: EgressSimple, Level: LevelDebug},
			Skip:    &SkipList{Names: []string{"b"}},
		})

		assert.Contains(t, rendered, `logrt.Infow("Sum ingress", "a", lcSnapIn_a, "b", "<skipped>")`)
		assert.Contains(t, rendered, `logrt.Debugw("Sum egress", "a", lcSnapOut_a, "b", "<skipped>", "ret", logrt.Render("%#v", lcRet0))`)
	})

	t.Run("dual", func(t *testing.T) {
		rendered, _ := synthesizeDecl(t, s, `func Close() error {
	return nil
}`, &Directive{Egress: &EgressMode{Kind: EgressDual, OK: LevelInfo, Err: LevelError}})

		assert.Contains(t, rendered, `logrt.Infow("Close egress", "ret", "ok")`)
		assert.Contains(t, rendered, `logrt.Errorw("Close egress", "ret", logrt.Render("error: %v", lcRet0))`)
	})

	t.Run("no_results", func(t *testing.T) {
		rendered, _ := synthesizeDecl(t, s, `func Reset() {
	count = 0
}`, &Directive{
			Ingress: LevelDebug,
			Egress:  &EgressMode{Kind: EgressSimple, Level: LevelDebug},
			Skip:    &SkipList{},
		})

		assert.Contains(t, rendered, `logrt.Debugw("Reset ingress")`)
		assert.Contains(t, rendered, `logrt.Debugw("Reset egress")`)
	})
}

func TestSynthesizeErrors(t *testing.T) {
	t.Parallel()

	s := Synthesizer{}
	_, decl := parseFuncDecl(t, `func Inc(a int, _ string) int {
	return a + 1
}`)
	fn := FuncShape{
		Name:    "Inc",
		Params:  collectParams(decl),
		Results: decl.Type.Results,
		Body:    decl.Body,
	}

	t.Run("unknown_level", func(t *testing.T) {
		_, err := s.Synthesize(fn, &Directive{Egress: &EgressMode{Kind: EgressSimple, Level: "loud"}})
		assert.ErrorIs(t, err, ErrUsage)
		assert.Contains(t, err.Error(), "unknown log level")
	})

	t.Run("no_levels", func(t *testing.T) {
		_, err := s.Synthesize(fn, &Directive{Skip: &SkipList{}})
		assert.ErrorIs(t, err, ErrUsage)
	})

	t.Run("dual_on_single_result", func(t *testing.T) {
		_, err := s.Synthesize(fn, &Directive{Egress: &EgressMode{Kind: EgressDual, OK: LevelInfo}})
		assert.ErrorIs(t, err, ErrUsage)
		assert.Contains(t, err.Error(), "last result is error")
	})

	t.Run("unknown_skip_name", func(t *testing.T) {
		_, err := s.Synthesize(fn, &Directive{Ingress: LevelInfo, Skip: &SkipList{Names: []string{"z"}}})
		assert.ErrorIs(t, err, ErrUsage)
		assert.Contains(t, err.Error(), "`z`")
	})

	t.Run("unresolvable_param", func(t *testing.T) {
		_, err := s.Synthesize(fn, &Directive{Ingress: LevelInfo, Skip: &SkipList{}})
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})

	t.Run("unresolvable_param_not_logged", func(t *testing.T) {
		_, err := s.Synthesize(fn, &Directive{Egress: &EgressMode{Kind: EgressSimple, Level: LevelInfo}})
		assert.NoError(t, err)
	})

	t.Run("unnamed_param", func(t *testing.T) {
		_, unnamed := parseFuncDecl(t, `func Inc(int) int {
	return 1
}`)
		_, err := s.Synthesize(FuncShape{
			Name:    "Inc",
			Params:  collectParams(unnamed),
			Results: unnamed.Type.Results,
			Body:    unnamed.Body,
		}, &Directive{Ingress: LevelInfo, Skip: &SkipList{}})
		assert.ErrorIs(t, err, ErrShapeMismatch)
		assert.Contains(t, err.Error(), "#0")
	})

	t.Run("no_body", func(t *testing.T) {
		noBody := fn
		noBody.Body = nil
		_, err := s.Synthesize(noBody, &Directive{Ingress: LevelInfo})
		assert.ErrorIs(t, err, ErrNoFunctionBody)
	})
}
