package logcall

import (
	"errors"
	"go/ast"
	"go/parser"
	"go/token"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func transformSource(t *testing.T, src string) (*token.FileSet, *ast.FuncDecl, Outcome, error) {
	t.Helper()

	fset, decl := parseFuncDecl(t, src)
	outcome, err := Transformer{}.TransformFunc(fset, decl)
	return fset, decl, outcome, err
}

func TestTransformFunc(t *testing.T) {
	t.Parallel()

	t.Run("sync", func(t *testing.T) {
		fset, decl, outcome, err := transformSource(t, `//logcall:"info"
func Inc(a int) int {
	return a + 1
}`)
		require.NoError(t, err)
		rewritten, ok := outcome.(*Rewritten)
		require.True(t, ok)
		assert.Equal(t, []Template{TemplateSync}, rewritten.Templates)
		require.Len(t, rewritten.Directives, 1)
		assert.Equal(t, LevelInfo, rewritten.Directives[0].Egress.Level)

		rewritten.Decl.Doc = nil
		assert.Equal(t, `func Inc(a int) int {
	lcRet0 := func() int {
		return a + 1
	}()
	logrt.Infof("Inc() => %#v", lcRet0)
	return lcRet0
}`, renderNode(t, fset, rewritten.Decl))

		// original declaration is not modified
		require.Len(t, decl.Body.List, 1)
		_, isReturn := decl.Body.List[0].(*ast.ReturnStmt)
		assert.True(t, isReturn)
	})

	t.Run("suspend", func(t *testing.T) {
		fset, decl, outcome, err := transformSource(t, `//logcall: ingress="debug", ok="info"
func Fetch(id string) *future.Future[int] {
	key := strings.ToLower(id)
	return future.Try(func() (int, error) {
		return lookup(key)
	})
}`)
		require.NoError(t, err)
		rewritten := outcome.(*Rewritten)
		assert.Equal(t, []Template{TemplateSuspendDual}, rewritten.Templates)

		rewritten.Decl.Doc = nil
		rendered := renderNode(t, fset, rewritten.Decl)
		assert.Equal(t, `func Fetch(id string) *future.Future[int] {
	key := strings.ToLower(id)
	lcSnapIn_id := id
	logrt.Debugf("Fetch(id: %#v)", lcSnapIn_id)
	lcSnapOut_id := id
	return future.Try(func() (int, error) {
		lcRet0, lcRet1 := func() (int, error) {
			return lookup(key)
		}()
		if lcRet1 == nil {
			logrt.Infof("Fetch(id: %#v) => %#v", lcSnapOut_id, lcRet0)
		}
		return lcRet0, lcRet1
	})
}`, rendered)
		_, err = parser.ParseFile(token.NewFileSet(), "", "package p\n\n"+rendered, 0)
		require.NoError(t, err)

		// original thunk keeps its body
		ret := decl.Body.List[len(decl.Body.List)-1].(*ast.ReturnStmt)
		thunk := ret.Results[0].(*ast.CallExpr).Args[0].(*ast.FuncLit)
		require.Len(t, thunk.Body.List, 1)
		_, isReturn := thunk.Body.List[0].(*ast.ReturnStmt)
		assert.True(t, isReturn)
	})

	t.Run("suspend_simple", func(t *testing.T) {
		_, _, outcome, err := transformSource(t, `//logcall: egress="warn"
func Compute() *future.Future[int] {
	return future.Go(func() int {
		return 42
	})
}`)
		require.NoError(t, err)
		assert.Equal(t, []Template{TemplateSuspend}, outcome.(*Rewritten).Templates)
	})

	t.Run("legacy_wrapper", func(t *testing.T) {
		_, _, outcome, err := transformSource(t, `//logcall:"info"
func Compute() *future.Future[int] {
	inner := func() int {
		return 42
	}
	return future.Go(inner)
}`)
		assert.Nil(t, outcome)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnsupportedShape)
		assert.Contains(t, err.Error(), "unsupported legacy wrapper shape")

		var funcErr *FuncError
		require.ErrorAs(t, err, &funcErr)
		assert.Equal(t, "Compute", funcErr.Func)
		assert.Equal(t, 8, funcErr.Position.Line)
		assert.Equal(t, 9, funcErr.Position.Column)
	})

	t.Run("usage_error_position", func(t *testing.T) {
		_, _, _, err := transformSource(t, `//logcall: ingress="loud"
func Inc(a int) int {
	return a + 1
}`)
		require.ErrorIs(t, err, ErrUsage)
		var funcErr *FuncError
		require.ErrorAs(t, err, &funcErr)
		assert.Equal(t, 3, funcErr.Position.Line)
		assert.Contains(t, err.Error(), "unknown log level `loud`")
	})

	t.Run("dual_on_plain_function", func(t *testing.T) {
		_, _, _, err := transformSource(t, `//logcall: ok="info"
func Inc(a int) int {
	return a + 1
}`)
		assert.ErrorIs(t, err, ErrUsage)
	})

	t.Run("stacked", func(t *testing.T) {
		fset, _, outcome, err := transformSource(t, `//logcall: ingress="info"
//logcall: egress="debug"
func Inc(a int) int {
	return a + 1
}`)
		require.NoError(t, err)
		rewritten := outcome.(*Rewritten)
		assert.Equal(t, []Template{TemplateSync, TemplateSync}, rewritten.Templates)

		rendered := renderNode(t, fset, rewritten.Decl.Body)
		outer := strings.Index(rendered, `logrt.Infof("Inc(a: %#v)", lcSnapIn1_a)`)
		inner := strings.Index(rendered, `logrt.Debugf("Inc() => %#v", lcRet0)`)
		require.True(t, outer >= 0 && inner >= 0, rendered)
		assert.Less(t, outer, inner)
		assert.Contains(t, rendered, "lcRet1_0 := func() int {")
		assert.Contains(t, rendered, "return lcRet1_0")
	})

	t.Run("stacked_suspend", func(t *testing.T) {
		fset, _, outcome, err := transformSource(t, `//logcall: ingress="info"
//logcall: ingress="debug"
func Fetch(id string) *future.Future[int] {
	return future.Try(func() (int, error) {
		return lookup(id)
	})
}`)
		require.NoError(t, err)
		rewritten := outcome.(*Rewritten)
		assert.Equal(t, []Template{TemplateSuspendDual, TemplateSuspendDual}, rewritten.Templates)

		rendered := renderNode(t, fset, rewritten.Decl.Body)
		outer := strings.Index(rendered, `logrt.Infof("Fetch(id: %#v)", lcSnapIn1_id)`)
		inner := strings.Index(rendered, `logrt.Debugf("Fetch(id: %#v)", lcSnapIn_id)`)
		ret := strings.Index(rendered, "return future.Try(")
		require.True(t, outer >= 0 && inner >= 0, rendered)
		assert.Less(t, outer, inner)
		assert.Less(t, inner, ret)
	})

	t.Run("debug_dump", func(t *testing.T) {
		_, _, outcome, err := transformSource(t, `//logcall: egress="info", debug="true"
func (c *Counter) Inc() int {
	return 1
}`)
		require.NoError(t, err)
		inspect, ok := outcome.(*Inspect)
		require.True(t, ok)
		assert.Equal(t, "(*Counter).Inc", inspect.Func)
		assert.Contains(t, inspect.Rendered, `logrt.Infof("Inc() => %#v", lcRet0)`)
	})

	t.Run("no_directive", func(t *testing.T) {
		_, _, outcome, err := transformSource(t, `// Inc adds one.
func Inc(a int) int {
	return a + 1
}`)
		assert.NoError(t, err)
		assert.Nil(t, outcome)
	})

	t.Run("already_instrumented", func(t *testing.T) {
		_, _, outcome, err := transformSource(t, `//logcall:"info"
//logcall:instrumented
func Inc(a int) int {
	return a + 1
}`)
		assert.NoError(t, err)
		assert.Nil(t, outcome)
	})

	t.Run("no_body", func(t *testing.T) {
		_, _, outcome, err := transformSource(t, `//logcall:"info"
func Inc(a int) int`)
		assert.Nil(t, outcome)
		require.Error(t, err)
		assert.True(t, IsNormalAstError(err))
		assert.True(t, errors.Is(err, ErrNoFunctionBody))
	})
}

func TestCollectParams(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		src    string
		expect []string
	}{
		{"plain", "func F(a int, b, c string) {}", []string{"a", "b", "c"}},
		{"receiver", "func (r *T) M(a int) {}", []string{"r", "a"}},
		{"unnamed_receiver", "func (*T) M(a int) {}", []string{"a"}},
		{"blank_receiver", "func (_ T) M(a int) {}", []string{"a"}},
		{"unnamed_params", "func F(int, string) {}", []string{"", ""}},
		{"variadic", "func F(format string, args ...any) {}", []string{"format", "args"}},
		{"none", "func F() {}", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, decl := parseFuncDecl(t, tt.src)
			var names []string
			for _, p := range collectParams(decl) {
				names = append(names, p.Name)
			}
			assert.Equal(t, tt.expect, names)
		})
	}

	t.Run("receiver_flag", func(t *testing.T) {
		_, decl := parseFuncDecl(t, "func (r T) M(a int) {}")
		params := collectParams(decl)
		require.Len(t, params, 2)
		assert.True(t, params[0].Receiver)
		assert.False(t, params[1].Receiver)
	})
}

func TestFuncIdent(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"func F() {}":             "F",
		"func (t T) M() {}":       "T.M",
		"func (t *T) M() {}":      "(*T).M",
		"func (t *T[K]) M() {}":   "(*T).M",
		"func (t T[K, V]) M() {}": "T.M",
		"func (t pkg.T) M() {}":   "M",
	}

	for src, expect := range tests {
		t.Run(expect, func(t *testing.T) {
			_, decl := parseFuncDecl(t, src)
			assert.Equal(t, expect, FuncIdent(decl))
		})
	}
}
