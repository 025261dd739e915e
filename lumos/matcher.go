package lumos

import (
	"go/ast"
	"go/types"
	"regexp"
	"strings"
	"unicode"

	"github.com/PatchLens/go-lumos/lumen"
)

// MatchReason describes why a declaration was selected for patching.
type MatchReason int

const (
	// MatchNone indicates the declaration is not a target.
	MatchNone MatchReason = iota
	// MatchDirective indicates the declaration carries the lumos directive.
	MatchDirective
	// MatchDescriptor indicates the declaration matched a configured target descriptor.
	MatchDescriptor
)

func (r MatchReason) String() string {
	switch r {
	case MatchDirective:
		return "directive"
	case MatchDescriptor:
		return "descriptor"
	default:
		return "none"
	}
}

// Matcher decides which function declarations are targets. It only reads session state.
type Matcher struct {
	session *Session
}

// NewMatcher creates a matcher for the session targets.
func NewMatcher(session *Session) *Matcher {
	return &Matcher{session: session}
}

// Matches reports if the declaration should receive the payload parameter.
func (m *Matcher) Matches(decl *ast.FuncDecl, fn *types.Func) bool {
	return m.Match(decl, fn) != MatchNone
}

// Match returns the reason the declaration is a target. The directive takes precedence over descriptors.
func (m *Matcher) Match(decl *ast.FuncDecl, fn *types.Func) MatchReason {
	if hasLumosDirective(decl) {
		return MatchDirective
	} else if fn == nil {
		return MatchNone
	}

	ctxFqn := FuncContextFqn(fn)
	name := fn.Name()
	var paramTypes []string // computed lazily, most descriptors will not match by name
	for _, target := range m.session.targets {
		if target.methodName != name || target.containerFqn != ctxFqn {
			continue
		}
		if paramTypes == nil {
			paramTypes = FuncParamTypeNames(fn)
		}
		if paramTypesMatch(target.parameterTypes, paramTypes) {
			return MatchDescriptor
		}
	}
	return MatchNone
}

func paramTypesMatch(expected, declared []string) bool {
	if len(expected) != len(declared) {
		return false
	}
	for i := range expected {
		if NormalizeTypeName(expected[i]) != NormalizeTypeName(declared[i]) {
			return false
		}
	}
	return true
}

func hasLumosDirective(decl *ast.FuncDecl) bool {
	if decl == nil || decl.Doc == nil {
		return false
	}
	for _, c := range decl.Doc.List {
		if c.Text == lumen.Directive || strings.HasPrefix(c.Text, lumen.Directive+" ") {
			return true
		}
	}
	return false
}

// FuncContextFqn returns the import path joined with the receiver base type name for methods, or the import path
// for package level functions.
func FuncContextFqn(fn *types.Func) string {
	var pkgPath string
	if fn.Pkg() != nil {
		pkgPath = fn.Pkg().Path()
	}
	if recvName := receiverTypeName(fn); recvName != "" {
		return pkgPath + "." + recvName
	}
	return pkgPath
}

func receiverTypeName(fn *types.Func) string {
	sig, ok := fn.Type().(*types.Signature)
	if !ok || sig.Recv() == nil {
		return ""
	}
	t := types.Unalias(sig.Recv().Type())
	if ptr, ok := t.(*types.Pointer); ok {
		t = types.Unalias(ptr.Elem())
	}
	if named, ok := t.(*types.Named); ok {
		return named.Origin().Obj().Name()
	}
	return ""
}

// FuncParamTypeNames renders each parameter type qualified by full import path. A variadic final parameter is
// rendered with the `...` prefix.
func FuncParamTypeNames(fn *types.Func) []string {
	sig, ok := fn.Type().(*types.Signature)
	if !ok {
		return []string{}
	}
	params := sig.Params()
	result := make([]string, params.Len())
	for i := 0; i < params.Len(); i++ {
		t := params.At(i).Type()
		if sig.Variadic() && i == params.Len()-1 {
			if slice, ok := t.(*types.Slice); ok {
				result[i] = "..." + types.TypeString(slice.Elem(), pathQualifier)
				continue
			}
		}
		result[i] = types.TypeString(t, pathQualifier)
	}
	return result
}

func pathQualifier(p *types.Package) string {
	return p.Path()
}

var builtinQualifierRegex = regexp.MustCompile(`\bbuiltin\.`)

// qualifiedIdentRegex matches an import path qualified identifier, for example `net/http.Request`.
var qualifiedIdentRegex = regexp.MustCompile(`((?:[\w\-.~]+/)*[\w\-~]+)\.([A-Za-z_]\w*)`)

// NormalizeTypeName reduces a type name to the form used when comparing against descriptors. Whitespace is removed,
// standard library import paths are shortened to the package name, and redundant builtin qualifiers are dropped.
func NormalizeTypeName(name string) string {
	name = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, name)
	name = strings.ReplaceAll(name, "interface{}", "any")
	name = builtinQualifierRegex.ReplaceAllString(name, "")
	variadic := strings.HasPrefix(name, "...")
	name = strings.TrimPrefix(name, "...")
	name = qualifiedIdentRegex.ReplaceAllStringFunc(name, func(match string) string {
		sub := qualifiedIdentRegex.FindStringSubmatch(match)
		path, ident := sub[1], sub[2]
		if !isStdLibPath(path) {
			return match
		}
		if slash := strings.LastIndexByte(path, '/'); slash >= 0 {
			path = path[slash+1:]
		}
		return path + "." + ident
	})
	if variadic {
		return "..." + name
	}
	return name
}

// isStdLibPath uses the go command convention that only standard library paths lack a dot in the first element.
func isStdLibPath(path string) bool {
	first, _, _ := strings.Cut(path, "/")
	return !strings.Contains(first, ".")
}
