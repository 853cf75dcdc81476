package logcall

import (
	"go/ast"
	"go/token"
	"strconv"
	"strings"
)

// SkippedMarker replaces the value of a parameter excluded by the skip list.
const SkippedMarker = "<skipped>"

// DisplayMode selects how logged values are rendered.
type DisplayMode int

const (
	// DisplayDebug renders values with their Go syntax representation.
	DisplayDebug DisplayMode = iota
	// DisplayPlain renders values with their default format, using String or Error methods when present.
	DisplayPlain
)

// Verb returns the fmt verb for the mode.
func (m DisplayMode) Verb() string {
	if m == DisplayPlain {
		return "%v"
	}
	return "%#v"
}

// Param is one input binding of an instrumented function, the receiver included.
type Param struct {
	Name     string // empty when the parameter is unnamed
	Receiver bool
	Pos      token.Pos
}

func (p Param) resolvable() bool {
	return p.Name != "" && p.Name != "_"
}

// Format is a rendered parameter list: a fmt template plus the values its verbs consume, in order.
type Format struct {
	Template string
	Values   []ast.Expr
}

// FormatBuilder renders parameter lists for log calls.
type FormatBuilder struct {
	Mode       DisplayMode
	Structured bool
}

// Build renders `name: <verb>` entries for params, with skipped params written literally as SkippedMarker. rename
// maps a parameter name to the identifier holding the value to log. A nil skip list renders nothing.
func (b FormatBuilder) Build(params []Param, skip *SkipList, rename func(string) string) (Format, error) {
	var f Format
	if skip == nil {
		return f, nil
	}
	parts := make([]string, 0, len(params))
	for i, p := range params {
		if skip.Skips(p.Name) && p.Name != "" {
			parts = append(parts, p.Name+": "+SkippedMarker)
			continue
		} else if !p.resolvable() {
			return Format{}, unresolvedParamError(i, p)
		}
		parts = append(parts, p.Name+": "+b.Mode.Verb())
		f.Values = append(f.Values, ast.NewIdent(rename(p.Name)))
	}
	f.Template = strings.Join(parts, ", ")
	return f, nil
}

// Fields renders alternating key and value expressions for a structured log call. A non-nil ret is appended under
// the "ret" key and is expected to already be rendered to a string.
func (b FormatBuilder) Fields(params []Param, skip *SkipList, rename func(string) string, ret ast.Expr) ([]ast.Expr, error) {
	var fields []ast.Expr
	if skip != nil {
		fields = make([]ast.Expr, 0, 2*len(params)+2)
		for i, p := range params {
			if skip.Skips(p.Name) && p.Name != "" {
				fields = append(fields, stringLit(p.Name), stringLit(SkippedMarker))
				continue
			} else if !p.resolvable() {
				return nil, unresolvedParamError(i, p)
			}
			fields = append(fields, stringLit(p.Name), ast.NewIdent(rename(p.Name)))
		}
	}
	if ret != nil {
		fields = append(fields, stringLit("ret"), ret)
	}
	return fields, nil
}

func unresolvedParamError(i int, p Param) error {
	name := p.Name
	if name == "" {
		name = "#" + strconv.Itoa(i)
	}
	return &ShapeError{Pos: p.Pos, Param: name, Msg: "can not be logged without a name, name it or add it to skip"}
}

func stringLit(s string) *ast.BasicLit {
	return &ast.BasicLit{Kind: token.STRING, Value: strconv.Quote(s)}
}
