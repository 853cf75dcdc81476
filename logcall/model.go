package logcall

import (
	"bytes"
	"go/ast"
	"go/token"

	"github.com/vmihailenco/msgpack/v5"
)

// FunctionRecord describes an instrumented function.
type FunctionRecord struct {
	// FilePath is the full path to the source file.
	FilePath string `json:"file" msgpack:"f"`
	// PackageName is the package containing the function.
	PackageName string `json:"package" msgpack:"p"`
	// FunctionIdent is the receiver qualified identifier.
	FunctionIdent string `json:"function" msgpack:"i"`
	// Line is the line of the func keyword in the original source.
	Line uint32 `json:"line" msgpack:"l"`
	// Templates lists the template applied for each directive, in directive order.
	Templates []string `json:"templates" msgpack:"t"`
	// Levels lists the distinct levels the directives log at, least severe first.
	Levels []string `json:"levels" msgpack:"v"`
}

func newFunctionRecord(fset *token.FileSet, path, pkg string, decl *ast.FuncDecl, rw *Rewritten) FunctionRecord {
	templates := make([]string, len(rw.Templates))
	for i, t := range rw.Templates {
		templates[i] = t.String()
	}
	used := make(map[Level]bool)
	for _, d := range rw.Directives {
		used[d.Ingress] = true
		if d.Egress != nil {
			used[d.Egress.Level] = true
			used[d.Egress.OK] = true
			used[d.Egress.Err] = true
		}
	}
	var levels []string
	for _, l := range Levels {
		if used[l] {
			levels = append(levels, string(l))
		}
	}
	return FunctionRecord{
		FilePath:      path,
		PackageName:   pkg,
		FunctionIdent: FuncIdent(decl),
		Line:          uint32(fset.Position(decl.Pos()).Line),
		Templates:     templates,
		Levels:        levels,
	}
}

// cacheEntry is the persisted result of rewriting one file.
type cacheEntry struct {
	Package string `msgpack:"p"`
	// Rewritten holds the compressed output, empty when nothing was instrumented.
	Rewritten []byte           `msgpack:"w,omitempty"`
	Records   []FunctionRecord `msgpack:"r,omitempty"`
	Skipped   []string         `msgpack:"s,omitempty"`
}

func (e *cacheEntry) MarshalMsgpack() ([]byte, error) {
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)

	var buf bytes.Buffer
	enc.Reset(&buf)
	enc.UseCompactInts(true)
	type plain cacheEntry // drop methods to avoid recursion
	if err := enc.Encode((*plain)(e)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (e *cacheEntry) UnmarshalMsgpack(data []byte) error {
	type plain cacheEntry
	var decoded plain
	if err := msgpack.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*e = cacheEntry(decoded)
	return nil
}
