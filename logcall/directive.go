package logcall

import (
	"go/ast"
	"go/scanner"
	"go/token"
	"strconv"
	"strings"
)

const (
	// DirectivePrefix starts a doc comment line requesting instrumentation.
	DirectivePrefix = "//logcall:"
	// instrumentedMarker is appended to the doc comment of a rewritten declaration.
	instrumentedMarker = DirectivePrefix + "instrumented"
)

// EgressKind selects how the result of a call is logged.
type EgressKind int

const (
	// EgressSimple logs the result unconditionally at one level.
	EgressSimple EgressKind = iota + 1
	// EgressDual logs the success and failure outcomes at independent levels.
	EgressDual
)

// EgressMode configures egress logging.
type EgressMode struct {
	Kind  EgressKind
	Level Level // set for EgressSimple
	OK    Level // set for EgressDual when successful results are logged
	Err   Level // set for EgressDual when failures are logged
}

// SkipList names parameters to exclude from logging. A nil *SkipList logs no parameters, an empty one logs all.
type SkipList struct {
	Names []string
}

// Skips reports if the named parameter is excluded. A nil list excludes every parameter.
func (s *SkipList) Skips(name string) bool {
	if s == nil {
		return true
	}
	for _, n := range s.Names {
		if n == name {
			return true
		}
	}
	return false
}

// Directive is the parsed form of a `//logcall:` comment.
type Directive struct {
	Ingress   Level // empty when no ingress logging is requested
	Egress    *EgressMode
	Skip      *SkipList
	DebugDump bool
	Pos       token.Pos
}

type directiveToken struct {
	pos token.Pos
	tok token.Token
	lit string
}

type levelArg struct {
	level Level
	pos   token.Pos
}

// ParseDirective parses the text following DirectivePrefix. base is the position of the first payload byte and
// anchors the position of reported errors.
func ParseDirective(payload string, base token.Pos) (*Directive, error) {
	toks, err := scanDirective(payload, base)
	if err != nil {
		return nil, err
	}
	if len(toks) >= 2 && toks[0].tok == token.LPAREN && toks[len(toks)-1].tok == token.RPAREN {
		toks = toks[1 : len(toks)-1]
	}

	var legacy, ingress, egress, ok, errLevel *levelArg
	var skip *SkipList
	var debugDump bool
	seen := make(map[string]bool)
	for i := 0; i < len(toks); {
		start := toks[i]
		switch start.tok {
		case token.STRING:
			if i != 0 {
				return nil, usageErrorf(start.pos, "unexpected argument %s, a bare level must be the first argument", start.lit)
			}
			lvl, err := parseLevelToken(start)
			if err != nil {
				return nil, err
			}
			legacy = lvl
			i++
		case token.IDENT:
			name := start.lit
			switch name {
			case "ingress", "egress", "ok", "err", "skip", "debug":
			default:
				return nil, usageErrorf(start.pos, "unknown argument `%s`", name)
			}
			if seen[name] || (name == "egress" && legacy != nil) {
				if name == "egress" {
					return nil, usageErrorf(start.pos, "egress specified twice")
				}
				return nil, usageErrorf(start.pos, "`%s` specified twice", name)
			}
			seen[name] = true
			if i+1 >= len(toks) || toks[i+1].tok != token.ASSIGN {
				return nil, usageErrorf(start.pos, "unexpected argument `%s`, expected `%s = value`", name, name)
			} else if i+2 >= len(toks) {
				return nil, usageErrorf(toks[i+1].pos, "`%s` is missing a value", name)
			}
			value := toks[i+2]
			if name == "skip" {
				names, next, err := parseSkipList(toks, i+2)
				if err != nil {
					return nil, err
				}
				skip = &SkipList{Names: names}
				i = next
				break
			} else if value.tok != token.STRING {
				return nil, usageErrorf(value.pos, "`%s` expects a quoted string", name)
			}
			i += 3
			if name == "debug" {
				raw, _ := strconv.Unquote(value.lit)
				b, err := strconv.ParseBool(raw)
				if err != nil {
					return nil, usageErrorf(value.pos, "`debug` expects \"true\" or \"false\", got %s", value.lit)
				}
				debugDump = b
				break
			}
			lvl, err := parseLevelToken(value)
			if err != nil {
				return nil, err
			}
			switch name {
			case "ingress":
				ingress = lvl
			case "egress":
				egress = lvl
			case "ok":
				ok = lvl
			case "err":
				errLevel = lvl
			}
		default:
			return nil, usageErrorf(start.pos, "unexpected argument %s", tokenText(start))
		}

		if i < len(toks) {
			if toks[i].tok != token.COMMA {
				return nil, usageErrorf(toks[i].pos, "unexpected argument %s, arguments must be separated by `,`", tokenText(toks[i]))
			}
			i++
		}
	}

	d := &Directive{Skip: skip, DebugDump: debugDump, Pos: base}
	if ingress != nil {
		d.Ingress = ingress.level
		if d.Skip == nil {
			d.Skip = &SkipList{} // ingress logging implies parameters are visible
		}
	}
	plain := legacy
	if plain == nil {
		plain = egress
	}
	if ok != nil || errLevel != nil {
		if plain != nil {
			return nil, usageErrorf(plain.pos, "plain level cannot be combined with ok/err")
		}
		d.Egress = &EgressMode{Kind: EgressDual}
		if ok != nil {
			d.Egress.OK = ok.level
		}
		if errLevel != nil {
			d.Egress.Err = errLevel.level
		}
	} else if plain != nil {
		d.Egress = &EgressMode{Kind: EgressSimple, Level: plain.level}
	}
	if d.Ingress == "" && d.Egress == nil {
		return nil, usageErrorf(base, "directive has neither ingress nor egress level")
	}
	return d, nil
}

func scanDirective(payload string, base token.Pos) ([]directiveToken, error) {
	src := []byte(payload)
	fset := token.NewFileSet()
	file := fset.AddFile("", fset.Base(), len(src))

	var scanErr error
	var s scanner.Scanner
	s.Init(file, src, func(pos token.Position, msg string) {
		if scanErr == nil {
			scanErr = usageErrorf(base+token.Pos(pos.Offset), "malformed directive: %s", msg)
		}
	}, 0)

	var toks []directiveToken
	for {
		pos, tok, lit := s.Scan()
		if tok == token.EOF {
			break
		} else if tok == token.SEMICOLON && lit == "\n" {
			continue // automatically inserted
		}
		toks = append(toks, directiveToken{
			pos: base + token.Pos(file.Offset(pos)),
			tok: tok,
			lit: lit,
		})
	}
	if scanErr != nil {
		return nil, scanErr
	}
	return toks, nil
}

// parseSkipList parses `[a, b]` starting at the opening bracket, returning the index after the closing bracket.
func parseSkipList(toks []directiveToken, start int) ([]string, int, error) {
	if toks[start].tok != token.LBRACK {
		return nil, 0, usageErrorf(toks[start].pos, "`skip` expects a bracketed list of identifiers")
	}
	names := []string{}
	expectIdent := true
	for i := start + 1; i < len(toks); i++ {
		t := toks[i]
		switch {
		case t.tok == token.RBRACK:
			if expectIdent && len(names) > 0 {
				return nil, 0, usageErrorf(t.pos, "`skip` has a trailing `,`")
			}
			return names, i + 1, nil
		case expectIdent && t.tok == token.IDENT:
			names = append(names, t.lit)
			expectIdent = false
		case !expectIdent && t.tok == token.COMMA:
			expectIdent = true
		default:
			return nil, 0, usageErrorf(t.pos, "`skip` expects a bracketed list of identifiers, found %s", tokenText(t))
		}
	}
	return nil, 0, usageErrorf(toks[start].pos, "`skip` list is not closed")
}

func parseLevelToken(t directiveToken) (*levelArg, error) {
	raw, err := strconv.Unquote(t.lit)
	if err != nil {
		return nil, usageErrorf(t.pos, "malformed string %s", t.lit)
	}
	lvl, ok := ParseLevel(raw)
	if !ok {
		return nil, usageErrorf(t.pos, "unknown log level `%s`", raw)
	}
	return &levelArg{level: lvl, pos: t.pos}, nil
}

func tokenText(t directiveToken) string {
	if t.lit != "" {
		return t.lit
	}
	return t.tok.String()
}

type directiveComment struct {
	payload string
	pos     token.Pos // position of the first payload byte
}

// findDirectives returns the directive lines of a doc comment in source order. The second result reports if the
// declaration already carries the instrumented marker.
func findDirectives(doc *ast.CommentGroup) ([]directiveComment, bool) {
	if doc == nil {
		return nil, false
	}
	var found []directiveComment
	for _, c := range doc.List {
		if !strings.HasPrefix(c.Text, DirectivePrefix) {
			continue
		} else if strings.TrimSpace(c.Text) == instrumentedMarker {
			return nil, true
		}
		found = append(found, directiveComment{
			payload: c.Text[len(DirectivePrefix):],
			pos:     c.Slash + token.Pos(len(DirectivePrefix)),
		})
	}
	return found, false
}
