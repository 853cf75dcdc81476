package logcall

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"go/ast"
	"go/format"
	"go/parser"
	"go/printer"
	"go/scanner"
	"go/token"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strings"
	"sync"

	"github.com/pmezard/go-difflib/difflib"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/tools/go/ast/astutil"
)

// OverlayFileName is the `go build -overlay` mapping written to the overlay directory.
const OverlayFileName = "overlay.json"

const placeholderIdent = "lcBodyPlaceholder"

var placeholderPattern = regexp.MustCompile(`\{\s*` + placeholderIdent + `\s*\}`)

var astFileLock = newDefaultStripedMutex()

// Overlay is the JSON document accepted by `go build -overlay`.
type Overlay struct {
	Replace map[string]string `json:"Replace"`
}

// FileResult is the outcome of rewriting one source file.
type FileResult struct {
	Path    string
	Package string
	Records []FunctionRecord
	// Inspects holds declarations requesting debug output. When set the file is never rewritten.
	Inspects []*Inspect
	// Skipped lists annotated functions without a body.
	Skipped []string
	Source  []byte
	// Rewritten is nil when no declaration was instrumented.
	Rewritten []byte
}

// Changed reports if the file has instrumented output to commit.
func (r *FileResult) Changed() bool {
	return r.Rewritten != nil
}

// ASTModifier rewrites annotated declarations in source files and commits the results through an OutputMode.
type ASTModifier struct {
	Transformer   Transformer
	RuntimeImport string
	Mode          OutputMode
	OverlayDir    string
	DiffOutput    io.Writer
	Logger        *zap.Logger

	cleanupLock    sync.Mutex
	cleanupActions []func() error
	commitLock     sync.Mutex
	commitActions  map[string]func(*bytes.Buffer) error
	overlay        Overlay
	diffs          map[string]string
}

// NewASTModifier creates a modifier configured from a prepared config.
func NewASTModifier(config *Config, logger *zap.Logger) *ASTModifier {
	return &ASTModifier{
		Transformer:   config.Transformer(),
		RuntimeImport: config.RuntimeImport,
		Mode:          config.Mode,
		OverlayDir:    config.OverlayDir,
		DiffOutput:    os.Stdout,
		Logger:        logger,
	}
}

func (m *ASTModifier) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}

func (m *ASTModifier) runtimePackage() string {
	if m.Transformer.Synth.Runtime != "" {
		return m.Transformer.Synth.Runtime
	}
	return DefaultRuntimePackage
}

func (m *ASTModifier) runtimeImport() string {
	if m.RuntimeImport != "" {
		return m.RuntimeImport
	}
	return DefaultRuntimeImport
}

// RewriteFile reads and rewrites the file at filepath. Nothing is written until the result is staged and committed.
func (m *ASTModifier) RewriteFile(filepath string) (*FileResult, error) {
	src, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("read failure %s: %w", filepath, err)
	}
	return m.RewriteSource(filepath, src)
}

// RewriteSource instruments every annotated declaration in src. If any declaration fails the joined errors are
// returned and the result carries no rewritten output.
func (m *ASTModifier) RewriteSource(filepath string, src []byte) (*FileResult, error) {
	fset := token.NewFileSet()
	fileNode, err := parser.ParseFile(fset, filepath, src, parser.ParseComments)
	if err != nil {
		return nil, fmt.Errorf("ast parse failure %s: %w", filepath, err)
	}
	result := &FileResult{Path: filepath, Package: fileNode.Name.Name, Source: src}

	var errs []error
	var edits []textEdit
	for _, decl := range fileNode.Decls {
		funcDecl, ok := decl.(*ast.FuncDecl)
		if !ok {
			continue
		}
		outcome, err := m.Transformer.TransformFunc(fset, funcDecl)
		if err != nil {
			if IsNormalAstError(err) {
				m.logger().Warn("skipping annotated function",
					zap.String("file", filepath), zap.String("func", FuncIdent(funcDecl)), zap.Error(err))
				result.Skipped = append(result.Skipped, FuncIdent(funcDecl))
				continue
			}
			errs = append(errs, err)
			continue
		}
		switch o := outcome.(type) {
		case *Inspect:
			result.Inspects = append(result.Inspects, o)
		case *Rewritten:
			declEdits, err := rewrittenEdits(fset, src, o)
			if err != nil {
				errs = append(errs, &FuncError{Position: fset.Position(funcDecl.Pos()), Func: FuncIdent(funcDecl), Err: err})
				continue
			}
			edits = append(edits, declEdits...)
			result.Records = append(result.Records, newFunctionRecord(fset, filepath, result.Package, funcDecl, o))
		}
	}
	if len(errs) > 0 {
		result.Records = nil
		return result, errors.Join(errs...)
	} else if len(result.Inspects) > 0 || len(edits) == 0 {
		return result, nil
	}

	if importEdit, err := m.importEdit(fset, fileNode, src); err != nil {
		return result, fmt.Errorf("import failure %s: %w", filepath, err)
	} else if importEdit != nil {
		edits = append(edits, *importEdit)
	}
	rewritten := applyEdits(src, edits)
	if _, err := parser.ParseFile(token.NewFileSet(), filepath, rewritten, parser.ParseComments); err != nil {
		return result, fmt.Errorf("rewritten source of %s does not parse: %w", filepath, err)
	}
	result.Rewritten = rewritten
	return result, nil
}

// importEdit adds the runtime import to fileNode and returns the edit rendering only the changed import
// declaration. Nil is returned when the file already imports the runtime.
func (m *ASTModifier) importEdit(fset *token.FileSet, fileNode *ast.File, src []byte) (*textEdit, error) {
	tokFile := fset.File(fileNode.Pos())
	type declRange struct {
		start, end int
		specs      int
	}
	ranges := make(map[*ast.GenDecl]declRange)
	for _, decl := range fileNode.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.IMPORT {
			break
		}
		start := gen.Pos()
		if gen.Doc != nil {
			start = gen.Doc.Pos() // printed along with the declaration
		}
		ranges[gen] = declRange{start: tokFile.Offset(start), end: tokFile.Offset(gen.End()), specs: len(gen.Specs)}
	}

	importPath := m.runtimeImport()
	var added bool
	if name := m.runtimePackage(); path.Base(importPath) == name {
		added = astutil.AddImport(fset, fileNode, importPath)
	} else {
		added = astutil.AddNamedImport(fset, fileNode, name, importPath)
	}
	if !added {
		return nil, nil
	}

	for _, decl := range fileNode.Decls {
		gen, ok := decl.(*ast.GenDecl)
		if !ok || gen.Tok != token.IMPORT {
			break
		}
		r, existed := ranges[gen]
		if existed && r.specs == len(gen.Specs) {
			continue
		}
		var buf bytes.Buffer
		if existed {
			// comments inside the declaration are printed with it
			node := &printer.CommentedNode{Node: gen, Comments: fileNode.Comments}
			if err := format.Node(&buf, fset, node); err != nil {
				return nil, fmt.Errorf("render failed: %w", err)
			}
			return &textEdit{start: r.start, end: r.end, text: buf.String()}, nil
		} else if err := format.Node(&buf, fset, gen); err != nil {
			return nil, fmt.Errorf("render failed: %w", err)
		}
		// first import, placed after the package clause and any comment trailing it
		offset := tokFile.Offset(fileNode.Name.End())
		if i := bytes.IndexByte(src[offset:], '\n'); i >= 0 {
			offset += i
		} else {
			offset = len(src)
		}
		return &textEdit{start: offset, end: offset, text: "\n\n" + buf.String()}, nil
	}
	return nil, errors.New("runtime import declaration not found")
}

// textEdit replaces src[start:end] with text.
type textEdit struct {
	start, end int
	text       string
}

func applyEdits(src []byte, edits []textEdit) []byte {
	slices.SortStableFunc(edits, func(a, b textEdit) int {
		return a.start - b.start
	})
	var buf bytes.Buffer
	buf.Grow(len(src) + len(edits)*256)
	var last int
	for _, e := range edits {
		buf.Write(src[last:e.start])
		buf.WriteString(e.text)
		last = e.end
	}
	buf.Write(src[last:])
	return buf.Bytes()
}

// rewrittenEdits expresses a rewritten declaration as edits to the original source text. The original body text is
// kept verbatim so comments stay in place, only the generated wrapping is rendered and indented to fit around it.
func rewrittenEdits(fset *token.FileSet, src []byte, rw *Rewritten) ([]textEdit, error) {
	if len(rw.Layers) == 0 {
		return nil, errors.New("rewritten declaration has no layers")
	}
	tokFile := fset.File(rw.Decl.Pos())
	first := rw.Layers[0]
	start, end := tokFile.Offset(first.Inner.Lbrace), tokFile.Offset(first.Inner.Rbrace)+1
	baseIndent := lineIndent(src, start)

	var buf bytes.Buffer
	parts := make([]wrappedParts, len(rw.Layers))
	for i, layer := range rw.Layers {
		var err error
		if parts[i], err = splitWrapped(&buf, layer); err != nil {
			return nil, err
		}
	}
	// layers nest innermost first, each one shifting everything it encloses by its own depth
	shifts := make([]string, len(parts))
	shift := baseIndent
	for i := len(parts) - 1; i >= 0; i-- {
		shifts[i] = shift
		shift += parts[i].depth
	}
	body := indentSource(src[start:end], shift)
	for i, p := range parts {
		body = indentLines(p.prefix, shifts[i]) + body + indentLines(p.suffix, shifts[i])
	}
	edits := []textEdit{{start: start, end: end, text: body}}

	if first.Return != nil {
		offset := tokFile.Offset(first.Return.Pos())
		indent := lineIndent(src, offset)
		var prelude strings.Builder
		// outermost layer logs first, matching the order of stacked synchronous wrappers
		for i := len(rw.Layers) - 1; i >= 0; i-- {
			for _, stmt := range rw.Layers[i].Wrapped.Prelude {
				buf.Reset()
				if err := format.Node(&buf, token.NewFileSet(), stmt); err != nil {
					return nil, fmt.Errorf("render failed: %w", err)
				}
				prelude.WriteString(indentLines(buf.String(), indent))
				prelude.WriteString("\n")
				prelude.WriteString(indent)
			}
		}
		edits = append(edits, textEdit{start: offset, end: offset, text: prelude.String()})
	}

	offset := tokFile.Offset(rw.Decl.Pos())
	edits = append(edits, textEdit{start: offset, end: offset, text: instrumentedMarker + "\n"})
	return edits, nil
}

// wrappedParts is the rendered text of a generated block on either side of the enclosed body. depth is the
// indentation of the line opening the enclosed body.
type wrappedParts struct {
	prefix, suffix string
	depth          string
}

// splitWrapped renders the generated block of layer around a placeholder body.
func splitWrapped(buf *bytes.Buffer, layer Layer) (wrappedParts, error) {
	var lit *ast.FuncLit
	ast.Inspect(layer.Wrapped.Body, func(n ast.Node) bool {
		if fl, ok := n.(*ast.FuncLit); ok && fl.Body == layer.Inner {
			lit = fl
		}
		return lit == nil
	})
	if lit == nil {
		return wrappedParts{}, &ShapeError{Msg: "generated body does not enclose the original body"}
	}
	lit.Body = &ast.BlockStmt{List: []ast.Stmt{&ast.ExprStmt{X: ast.NewIdent(placeholderIdent)}}}
	defer func() { lit.Body = layer.Inner }()

	block := *layer.Wrapped.Body
	block.Lbrace, block.Rbrace = token.NoPos, token.NoPos
	buf.Reset()
	if err := format.Node(buf, token.NewFileSet(), &block); err != nil {
		return wrappedParts{}, fmt.Errorf("render failed: %w", err)
	}
	rendered := buf.String()
	loc := placeholderPattern.FindStringIndex(rendered)
	if loc == nil {
		return wrappedParts{}, &ShapeError{Msg: "generated body placeholder not rendered"}
	}
	return wrappedParts{
		prefix: rendered[:loc[0]],
		suffix: rendered[loc[1]:],
		depth:  lineIndent([]byte(rendered), loc[0]),
	}, nil
}

// lineIndent returns the leading whitespace of the line containing offset.
func lineIndent(src []byte, offset int) string {
	lineStart := bytes.LastIndexByte(src[:offset], '\n') + 1
	end := lineStart
	for end < offset && (src[end] == '\t' || src[end] == ' ') {
		end++
	}
	return string(src[lineStart:end])
}

// indentLines prefixes every line after the first with indent. Empty lines stay empty.
func indentLines(text, indent string) string {
	if indent == "" || !strings.Contains(text, "\n") {
		return text
	}
	lines := strings.Split(text, "\n")
	for i := 1; i < len(lines); i++ {
		if lines[i] != "" {
			lines[i] = indent + lines[i]
		}
	}
	return strings.Join(lines, "\n")
}

// indentSource works like indentLines on Go source, leaving lines that continue a raw string literal untouched.
func indentSource(src []byte, indent string) string {
	if indent == "" {
		return string(src)
	}
	var protected []int // lines beginning inside a raw string
	fset := token.NewFileSet()
	file := fset.AddFile("", fset.Base(), len(src))
	var s scanner.Scanner
	s.Init(file, src, nil, scanner.ScanComments)
	for {
		pos, tok, lit := s.Scan()
		if tok == token.EOF {
			break
		} else if tok == token.STRING && strings.HasPrefix(lit, "`") {
			startLine := file.Line(pos)
			for i := 1; i <= strings.Count(lit, "\n"); i++ {
				protected = append(protected, startLine-1+i)
			}
		}
	}

	lines := strings.Split(string(src), "\n")
	for i := 1; i < len(lines); i++ {
		if lines[i] != "" && !slices.Contains(protected, i) {
			lines[i] = indent + lines[i]
		}
	}
	return strings.Join(lines, "\n")
}

// Stage registers the commit of a rewritten file according to the output mode. Unchanged files are ignored.
func (m *ASTModifier) Stage(result *FileResult) {
	if !result.Changed() {
		return
	}
	filepath := result.Path
	lock := astFileLock.Lock(filepath)
	defer lock.Unlock()

	var action func(*bytes.Buffer) error
	switch m.Mode {
	case ModeInPlace:
		action = func(*bytes.Buffer) error {
			if err := m.backupOrigFile(filepath); err != nil {
				return err
			} else if err := os.WriteFile(filepath, result.Rewritten, 0o644); err != nil {
				return fmt.Errorf("ast write failure %s: %w", filepath, err)
			}
			return nil
		}
	case ModeDiff:
		action = func(buf *bytes.Buffer) error {
			diff, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
				A:        difflib.SplitLines(string(result.Source)),
				B:        difflib.SplitLines(string(result.Rewritten)),
				FromFile: filepath,
				ToFile:   filepath,
				Context:  3,
			})
			if err != nil {
				return fmt.Errorf("diff failure %s: %w", filepath, err)
			}
			m.commitLock.Lock()
			defer m.commitLock.Unlock()
			m.diffs[filepath] = diff
			return nil
		}
	default:
		shadowPath := m.shadowPath(filepath)
		action = func(buf *bytes.Buffer) error {
			buf.Reset()
			buf.Write(lineDirectives(result.Rewritten, result.Source, filepath))
			if err := os.WriteFile(shadowPath, buf.Bytes(), 0o644); err != nil {
				return fmt.Errorf("overlay write failure %s: %w", shadowPath, err)
			}
			return nil
		}
	}

	m.commitLock.Lock()
	defer m.commitLock.Unlock()
	if m.commitActions == nil {
		m.commitActions = make(map[string]func(*bytes.Buffer) error)
	}
	m.commitActions[filepath] = action
}

// shadowPath names the overlay copy of srcPath, unique per source path.
func (m *ASTModifier) shadowPath(srcPath string) string {
	sum := sha256.Sum256([]byte(srcPath))
	base := strings.TrimSuffix(filepath.Base(srcPath), ".go")
	return filepath.Join(m.OverlayDir, fmt.Sprintf("%s_%s.go", base, hex.EncodeToString(sum[:])[:12]))
}

// Commit writes all staged files. In overlay mode the overlay mapping is written last, in diff mode the diffs are
// written to DiffOutput ordered by path.
func (m *ASTModifier) Commit() error {
	m.commitLock.Lock()
	actions := m.commitActions
	m.commitActions = nil // set to nil to allow GC
	m.diffs = make(map[string]string)
	m.commitLock.Unlock()

	if m.Mode == ModeOverlay && len(actions) > 0 {
		if err := os.MkdirAll(m.OverlayDir, 0o755); err != nil {
			return fmt.Errorf("overlay directory failure: %w", err)
		}
	}

	writeCount := runtime.NumCPU()
	bufChan := make(chan *bytes.Buffer, writeCount)
	for i := 0; i < writeCount; i++ {
		bufChan <- bytes.NewBuffer(nil)
	}
	var errGroup errgroup.Group
	for _, action := range actions {
		buf := <-bufChan
		errGroup.Go(func() error {
			defer func() {
				bufChan <- buf
			}()
			buf.Reset()
			return action(buf)
		})
	}
	if err := errGroup.Wait(); err != nil {
		return err
	}

	switch m.Mode {
	case ModeOverlay:
		replace := make(map[string]string, len(actions))
		for srcPath := range actions {
			replace[srcPath] = m.shadowPath(srcPath)
		}
		return m.writeOverlay(replace)
	case ModeDiff:
		m.commitLock.Lock()
		defer m.commitLock.Unlock()
		paths := make([]string, 0, len(m.diffs))
		for p := range m.diffs {
			paths = append(paths, p)
		}
		slices.Sort(paths)
		for _, p := range paths {
			if _, err := io.WriteString(m.DiffOutput, m.diffs[p]); err != nil {
				return fmt.Errorf("diff write failure: %w", err)
			}
		}
		m.diffs = nil
	}
	return nil
}

func (m *ASTModifier) writeOverlay(replace map[string]string) error {
	m.overlay = Overlay{Replace: replace}
	if len(replace) == 0 {
		return nil
	}
	data, err := json.MarshalIndent(m.overlay, "", "  ")
	if err != nil {
		return fmt.Errorf("overlay marshal failure: %w", err)
	}
	overlayPath := filepath.Join(m.OverlayDir, OverlayFileName)
	if err := os.WriteFile(overlayPath, data, 0o644); err != nil {
		return fmt.Errorf("overlay write failure %s: %w", overlayPath, err)
	}
	return nil
}

// OverlayFile returns the overlay mapping written by the last Commit, empty when nothing was mapped.
func (m *ASTModifier) OverlayFile() string {
	if m.Mode != ModeOverlay || len(m.overlay.Replace) == 0 {
		return ""
	}
	return filepath.Join(m.OverlayDir, OverlayFileName)
}

// Restore restores the files modified in place by this modifier to their original state.
func (m *ASTModifier) Restore() (result []error) {
	m.cleanupLock.Lock()
	defer m.cleanupLock.Unlock()
	if len(m.cleanupActions) == 0 {
		return // shortcut
	}
	for _, f := range m.cleanupActions {
		if err := f(); err != nil {
			result = append(result, err)
		}
	}
	m.cleanupActions = m.cleanupActions[:0] // clear completed actions
	return
}

func (m *ASTModifier) addCleanupAction(f func() error) {
	m.cleanupLock.Lock()
	defer m.cleanupLock.Unlock()
	m.cleanupActions = append(m.cleanupActions, f)
}

// backupOrigFile will copy the file to a .bkp file if one does not already exist.
func (m *ASTModifier) backupOrigFile(filepath string) error {
	bkpFile := filepath + backupSuffix
	if !FileExists(bkpFile) {
		if err := CopyFile(filepath, bkpFile); err != nil {
			return fmt.Errorf("ast backup failure: %w", err)
		}
		m.addCleanupAction(func() error {
			return replaceFile(bkpFile, filepath)
		})
	}
	return nil
}

// lineDirectives inserts `//line` comments into an overlay copy wherever it resumes the original source after
// generated lines, so positions reported by the compiler and in stack traces refer to the original file.
func lineDirectives(rewritten, orig []byte, srcPath string) []byte {
	origLines := strings.Split(string(orig), "\n")
	var out bytes.Buffer
	out.Grow(len(rewritten) + len(rewritten)/8)
	var origIdx int
	var diverged bool
	for _, line := range strings.Split(string(rewritten), "\n") {
		norm := normalizeLine(line)
		if origIdx < len(origLines) && norm != "" && norm == normalizeLine(origLines[origIdx]) {
			if diverged {
				fmt.Fprintf(&out, "//line %s:%d\n", srcPath, origIdx+1)
				diverged = false
			}
			origIdx++
		} else if norm == "" && origIdx < len(origLines) && normalizeLine(origLines[origIdx]) == "" {
			origIdx++ // blank in both
		} else {
			diverged = true
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	return bytes.TrimSuffix(out.Bytes(), []byte{'\n'})
}

// normalizeLine collapses whitespace so lines realigned by formatting still compare equal.
func normalizeLine(line string) string {
	return strings.Join(strings.Fields(line), " ")
}
